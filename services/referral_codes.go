package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/gosimple/unidecode"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	codeAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	randomSegmentLen    = 8
	handleSegmentMaxLen = 5
)

var upperCaser = cases.Upper(language.English)

// CodeGenerator produces shareable referral codes:
//
//	PREFIX-HANDLE5-RAND8   (handle present)
//	PREFIX-RAND8           (legacy shape, handle absent)
//
// HANDLE5 is the handle transliterated to ASCII, stripped to alphanumerics,
// uppercased and truncated to 5 chars. RAND8 comes from crypto/rand over a
// 62-char alphabet.
type CodeGenerator struct {
	Prefix  string
	pattern *regexp.Regexp
}

func NewCodeGenerator(prefix string) *CodeGenerator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-(?:[A-Z0-9]{1,5}-)?[A-Za-z0-9]{8}$`)
	return &CodeGenerator{Prefix: prefix, pattern: pattern}
}

// Generate builds a fresh code. Uniqueness is the caller's problem — see
// ReferralService.createUniqueCode.
func (g *CodeGenerator) Generate(handle string) (string, error) {
	random, err := randomSegment(randomSegmentLen)
	if err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}

	if seg := sanitizeHandle(handle); seg != "" {
		return fmt.Sprintf("%s-%s-%s", g.Prefix, seg, random), nil
	}
	return fmt.Sprintf("%s-%s", g.Prefix, random), nil
}

// ValidateFormat accepts both code shapes Generate can produce and rejects
// everything else.
func (g *CodeGenerator) ValidateFormat(code string) error {
	if !g.pattern.MatchString(code) {
		return ErrInvalidCode
	}
	return nil
}

// sanitizeHandle transliterates to ASCII, keeps alphanumerics, uppercases
// and truncates. Returns "" when nothing survives (→ legacy code shape).
func sanitizeHandle(handle string) string {
	ascii := unidecode.Unidecode(strings.TrimSpace(handle))

	var b strings.Builder
	for _, r := range ascii {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	seg := upperCaser.String(b.String())
	if len(seg) > handleSegmentMaxLen {
		seg = seg[:handleSegmentMaxLen]
	}
	return seg
}

func randomSegment(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[idx.Int64()]
	}
	return string(b), nil
}
