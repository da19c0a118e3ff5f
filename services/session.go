package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionState is the signup-processing state machine carried in the
// session token. Transitions only ever move forward:
//
//	new → processing_deferred → processing_complete
//	new → processing_complete
type SessionState string

const (
	SessionStateNew      SessionState = "new"
	SessionStateDeferred SessionState = "processing_deferred"
	SessionStateComplete SessionState = "processing_complete"
)

// RetryPayload is stashed when the sign-in pipeline defers: the full
// profile so a retry can re-run the pipeline from the upsert, plus the
// attribution code. NewUserConfirmed records that a retry already
// established this is a first sign-in past the follower gate — once set,
// later retries must not re-derive newness (the user row now exists, so
// re-deriving would wrongly conclude "returning user").
type RetryPayload struct {
	Profile          SignInProfile `json:"profile"`
	ReferredByCode   string        `json:"referred_by_code,omitempty"`
	NewUserConfirmed bool          `json:"new_user_confirmed,omitempty"`
}

// SessionWallet mirrors the submitted wallet into the session.
type SessionWallet struct {
	Address   string `json:"address"`
	ChainType string `json:"chain_type"`
}

// Session holds the derived per-user fields page rendering reads. It is
// minted into a JWT after sign-in and refreshed whenever the deferred
// pipeline completes on a later request.
type Session struct {
	UserID   string       `json:"db_user_id"`
	Identity string       `json:"identity"`
	Handle   string       `json:"handle"`
	State    SessionState `json:"state"`

	ReferralCode          string `json:"referral_code,omitempty"`
	Position              int64  `json:"position,omitempty"`
	IsKOL                 bool   `json:"is_kol,omitempty"`
	InsufficientFollowers bool   `json:"insufficient_followers,omitempty"`

	Wallet *SessionWallet `json:"wallet,omitempty"`
	Retry  *RetryPayload  `json:"retry,omitempty"` // present only while deferred
}

type sessionClaims struct {
	Session Session `json:"session"`
	jwt.RegisteredClaims
}

// SessionCodec mints and parses the session JWT exchanged via the
// X-Session-Token header.
type SessionCodec struct {
	secret []byte
	ttl    time.Duration
}

func NewSessionCodec(secret []byte, ttl time.Duration) *SessionCodec {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &SessionCodec{secret: secret, ttl: ttl}
}

func (c *SessionCodec) Mint(sess *Session) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Session: *sess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.Identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *SessionCodec) Parse(token string) (*Session, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid session token")
	}
	sess := claims.Session
	if sess.State == "" {
		sess.State = SessionStateNew
	}
	return &sess, nil
}
