package services

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AttributionTTL bounds how long a referral link click stays attributable.
const AttributionTTL = 30 * 24 * time.Hour

// AttributionContext is the "who referred me" payload carried in a signed
// cookie between the link click and the eventual signup.
type AttributionContext struct {
	ReferralCode     string
	ReferrerIdentity string // may be empty for legacy links
	Timestamp        time.Time
}

type attributionClaims struct {
	ReferralCode     string `json:"ref"`
	ReferrerIdentity string `json:"rid,omitempty"`
	TimestampMS      int64  `json:"ts"`
	jwt.RegisteredClaims
}

// AttributionCodec signs and validates the attribution cookie. Decode
// never panics or errors out to the caller: anything malformed is simply
// "no referral".
type AttributionCodec struct {
	secret []byte
	ttl    time.Duration
	codes  *CodeGenerator
}

func NewAttributionCodec(secret []byte, codes *CodeGenerator) *AttributionCodec {
	return &AttributionCodec{secret: secret, ttl: AttributionTTL, codes: codes}
}

func (c *AttributionCodec) Encode(attr AttributionContext) (string, error) {
	claims := attributionClaims{
		ReferralCode:     attr.ReferralCode,
		ReferrerIdentity: attr.ReferrerIdentity,
		TimestampMS:      attr.Timestamp.UnixMilli(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode parses a cookie value. ok=false covers every malformed, tampered
// or unparsable token — callers treat it identically to a missing cookie.
func (c *AttributionCodec) Decode(token string) (AttributionContext, bool) {
	var claims attributionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return AttributionContext{}, false
	}
	return AttributionContext{
		ReferralCode:     claims.ReferralCode,
		ReferrerIdentity: claims.ReferrerIdentity,
		Timestamp:        time.UnixMilli(claims.TimestampMS),
	}, true
}

// IsValid requires the context to be younger than the TTL and to carry a
// well-formed referral code.
func (c *AttributionCodec) IsValid(attr AttributionContext) bool {
	age := time.Since(attr.Timestamp)
	if age < 0 || age > c.ttl {
		return false
	}
	return c.codes.ValidateFormat(attr.ReferralCode) == nil
}
