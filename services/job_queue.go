package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states form a strict progression:
//
//	waiting → active → {completed | failed}
//
// A retried job goes back to waiting via the delayed set; failed is
// terminal only once attempts are exhausted.
const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 2 * time.Second
	completedRetention = 1 * time.Hour
	failedRetention    = 24 * time.Hour
)

// ReferralJobPayload carries everything needed to re-run the signup
// pipeline in the background: the full profile (the worker re-derives
// newness from it when the sign-in upsert never finished) and the
// attribution code. NewUserConfirmed means the first-sign-in check and
// the follower gate already passed; it is persisted via UpdatePayload
// before creation so later attempts skip re-derivation.
type ReferralJobPayload struct {
	Profile          SignInProfile `json:"profile"`
	ReferredByCode   string        `json:"referred_by_code,omitempty"`
	NewUserConfirmed bool          `json:"new_user_confirmed,omitempty"`
}

// Job is one unit of deferred referral-creation work.
type Job struct {
	ID          string
	Payload     ReferralJobPayload
	State       string
	Attempts    int
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	NextRetryAt time.Time // zero unless waiting on a backoff delay
}

// JobIDForIdentity derives the deterministic job id, so re-enqueueing the
// same identity collapses into one job.
func JobIDForIdentity(identity string) string {
	return "referral-" + identity
}

// NewRedisClient dials Redis from environment variables
// (REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB) and pings it.
func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("bad REDIS_DB value %q: %w", raw, err)
		}
		db = parsed
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         host + ":" + port,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s:%s: %w", host, port, err)
	}
	log.Printf("✅ Connected to Redis at %s:%s (db %d)", host, port, db)
	return rdb, nil
}

// JobQueue is a small named queue on Redis: one hash per job (keyed by the
// deterministic job id), a waiting list, and a delayed zset for backoff.
// Terminal jobs stay readable for a bounded retention window via key TTL,
// then Redis purges them.
type JobQueue struct {
	rdb         *redis.Client
	name        string
	maxAttempts int
	backoffBase time.Duration
}

func NewJobQueue(rdb *redis.Client, name string) *JobQueue {
	return &JobQueue{
		rdb:         rdb,
		name:        name,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
}

func (q *JobQueue) MaxAttempts() int { return q.maxAttempts }

func (q *JobQueue) jobKey(id string) string { return "q:" + q.name + ":job:" + id }
func (q *JobQueue) waitingKey() string      { return "q:" + q.name + ":waiting" }
func (q *JobQueue) delayedKey() string      { return "q:" + q.name + ":delayed" }

// Enqueue submits a job. Duplicate submissions for an id already waiting
// or active collapse into the existing job (idempotent at the queue
// level); a terminal job is re-armed from scratch.
func (q *JobQueue) Enqueue(ctx context.Context, payload ReferralJobPayload) (string, error) {
	id := JobIDForIdentity(payload.Profile.Identity)
	key := q.jobKey(id)

	state, err := q.rdb.HGet(ctx, key, "state").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}
	if state == JobStateWaiting || state == JobStateActive {
		return id, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	now := time.Now()

	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]any{
		"id":         id,
		"payload":    string(raw),
		"state":      JobStateWaiting,
		"attempts":   0,
		"error":      "",
		"created_at": now.UnixMilli(),
		"updated_at": now.UnixMilli(),
	})
	pipe.Persist(ctx, key)
	pipe.LPush(ctx, q.waitingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}

	log.Printf("📨 [QUEUE:%s] enqueued %s", q.name, id)
	return id, nil
}

// Get loads a job by id. Returns (nil, nil) when no job exists — the
// status poller maps that to not_found.
func (q *JobQueue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromFields(id, fields)
}

// Dequeue blocks up to timeout for the next waiting job, marks it active
// and bumps its attempt counter. Returns (nil, nil) on timeout.
func (q *JobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.waitingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := res[1]
	key := q.jobKey(id)

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, "state", JobStateActive, "updated_at", time.Now().UnixMilli())
	pipe.HIncrBy(ctx, key, "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", id, err)
	}
	return q.Get(ctx, id)
}

// PromoteDue moves delayed jobs whose backoff has elapsed back onto the
// waiting list. Called on a short tick by the worker.
func (q *JobQueue) PromoteDue(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "next_retry_at", 0, "updated_at", time.Now().UnixMilli())
		pipe.LPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// UpdatePayload rewrites a job's payload in place. The worker uses it to
// persist the newness decision before attempting creation — a later
// attempt must see the decision, not re-derive it.
func (q *JobQueue) UpdatePayload(ctx context.Context, id string, payload ReferralJobPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, q.jobKey(id), "payload", string(raw), "updated_at", time.Now().UnixMilli()).Err()
}

// Complete marks a job done and arms the retention TTL.
func (q *JobQueue) Complete(ctx context.Context, id string) error {
	key := q.jobKey(id)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, "state", JobStateCompleted, "error", "", "updated_at", time.Now().UnixMilli())
	pipe.Expire(ctx, key, completedRetention)
	_, err := pipe.Exec(ctx)
	return err
}

// RetryLater reschedules a failed attempt with exponential backoff
// (base doubling per attempt). The job goes back to waiting state, parked
// in the delayed set until the backoff elapses.
func (q *JobQueue) RetryLater(ctx context.Context, id, reason string, attempts int) error {
	delay := q.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	retryAt := time.Now().Add(delay)

	key := q.jobKey(id)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"state":         JobStateWaiting,
		"error":         reason,
		"next_retry_at": retryAt.UnixMilli(),
		"updated_at":    time.Now().UnixMilli(),
	})
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(retryAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	log.Printf("🔁 [QUEUE:%s] %s retry %d scheduled in %s: %s", q.name, id, attempts, delay, reason)
	return nil
}

// Fail marks a job terminally failed with the stored reason and arms the
// (longer) retention TTL so the poller can still read it.
func (q *JobQueue) Fail(ctx context.Context, id, reason string) error {
	key := q.jobKey(id)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, "state", JobStateFailed, "error", reason, "updated_at", time.Now().UnixMilli())
	pipe.Expire(ctx, key, failedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	log.Printf("❌ [QUEUE:%s] %s failed terminally: %s", q.name, id, reason)
	return nil
}

// WaitingCount counts jobs not yet picked up, including ones parked on a
// backoff delay. Feeds the status poller's wait-time estimate.
func (q *JobQueue) WaitingCount(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	llen := pipe.LLen(ctx, q.waitingKey())
	zcard := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return llen.Val() + zcard.Val(), nil
}

// Health pings the broker.
func (q *JobQueue) Health(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func jobFromFields(id string, fields map[string]string) (*Job, error) {
	job := &Job{ID: id, State: fields["state"], Error: fields["error"]}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("job %s: corrupt payload: %w", id, err)
		}
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ms, _ := strconv.ParseInt(fields["created_at"], 10, 64); ms > 0 {
		job.CreatedAt = time.UnixMilli(ms)
	}
	if ms, _ := strconv.ParseInt(fields["updated_at"], 10, 64); ms > 0 {
		job.UpdatedAt = time.UnixMilli(ms)
	}
	if ms, _ := strconv.ParseInt(fields["next_retry_at"], 10, 64); ms > 0 {
		job.NextRetryAt = time.UnixMilli(ms)
	}
	return job, nil
}
