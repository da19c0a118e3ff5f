package services

import (
	"context"
	"errors"
	"log"
	"math"
	"time"
)

// Poll statuses returned to the client. The client polls every couple of
// seconds, shows a spinner + ETA for pending/processing, the stored reason
// for failed, and prompts re-initiation for not_found.
const (
	StatusCompleted  = "completed"
	StatusProcessing = "processing"
	StatusPending    = "pending"
	StatusFailed     = "failed"
	StatusNotFound   = "not_found"
)

// avgServiceTime is the observed per-job processing time used for the
// wait estimate.
const avgServiceTime = 500 * time.Millisecond

// failedRetryAfter is the window suggested to a client whose job failed
// terminally, sized past the exhausted backoff schedule so an immediate
// re-initiation does not just hit the same transient condition.
const failedRetryAfter = time.Minute

// StatusResponse is the poller contract payload.
type StatusResponse struct {
	Status            string  `json:"status"`
	Position          *int64  `json:"position,omitempty"`
	ReferralCode      *string `json:"referral_code,omitempty"`
	IsKOL             *bool   `json:"is_kol,omitempty"`
	Error             string  `json:"error,omitempty"`
	EstimatedWaitTime *int64  `json:"estimated_wait_time,omitempty"` // seconds
	RetryAfter        *int64  `json:"retry_after,omitempty"`         // seconds; set for failed
}

// JobReader is the read side of the job queue the poller consumes.
type JobReader interface {
	Get(ctx context.Context, id string) (*Job, error)
	WaitingCount(ctx context.Context) (int64, error)
}

// StatusService exposes queue/record state as the small state machine the
// polling client consumes.
type StatusService struct {
	Referrals   ReferralDirectory
	Queue       JobReader
	Concurrency int
}

func NewStatusService(referrals ReferralDirectory, queue JobReader, concurrency int) *StatusService {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &StatusService{Referrals: referrals, Queue: queue, Concurrency: concurrency}
}

// Check resolves the caller's current outcome. An existing record always
// wins — the queue is only consulted while the record does not exist yet.
func (s *StatusService) Check(ctx context.Context, identity string) (*StatusResponse, error) {
	rec, err := s.Referrals.FindByIdentity(ctx, identity)
	if err == nil {
		return completedResponse(rec.Position, rec.ReferralCode, rec.IsKOL), nil
	}
	if !errors.Is(err, ErrReferralNotFound) {
		return nil, err
	}

	job, err := s.Queue.Get(ctx, JobIDForIdentity(identity))
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &StatusResponse{Status: StatusNotFound}, nil
	}

	switch job.State {
	case JobStateCompleted:
		// The job finished — the record must exist now.
		rec, err := s.Referrals.FindByIdentity(ctx, identity)
		if err != nil {
			log.Printf("⚠️  [STATUS] job %s completed but record fetch failed: %v", job.ID, err)
			return &StatusResponse{Status: StatusProcessing}, nil
		}
		return completedResponse(rec.Position, rec.ReferralCode, rec.IsKOL), nil

	case JobStateFailed:
		retryAfter := int64(failedRetryAfter / time.Second)
		return &StatusResponse{Status: StatusFailed, Error: job.Error, RetryAfter: &retryAfter}, nil

	case JobStateActive:
		return &StatusResponse{Status: StatusProcessing}, nil

	default:
		waiting, err := s.Queue.WaitingCount(ctx)
		if err != nil {
			waiting = 0
		}
		eta := estimateWaitSeconds(waiting, s.Concurrency)
		return &StatusResponse{Status: StatusPending, EstimatedWaitTime: &eta}, nil
	}
}

// estimateWaitSeconds = ceil(waiting * avgServiceTime / concurrency).
func estimateWaitSeconds(waiting int64, concurrency int) int64 {
	if waiting <= 0 {
		return 1
	}
	est := float64(waiting) * avgServiceTime.Seconds() / float64(concurrency)
	eta := int64(math.Ceil(est))
	if eta < 1 {
		eta = 1
	}
	return eta
}

func completedResponse(position int64, code string, isKOL bool) *StatusResponse {
	return &StatusResponse{
		Status:       StatusCompleted,
		Position:     &position,
		ReferralCode: &code,
		IsKOL:        &isKOL,
	}
}
