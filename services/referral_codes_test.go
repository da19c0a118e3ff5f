package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateWithHandle(t *testing.T) {
	gen := NewCodeGenerator("CMPN")

	code, err := gen.Generate("satoshi")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "CMPN-SATOS-"), "got %s", code)
	assert.NoError(t, gen.ValidateFormat(code))
}

func TestGenerateLegacyShapeWithoutHandle(t *testing.T) {
	gen := NewCodeGenerator("CMPN")

	code, err := gen.Generate("")
	require.NoError(t, err)
	parts := strings.Split(code, "-")
	require.Len(t, parts, 2)
	assert.Equal(t, "CMPN", parts[0])
	assert.Len(t, parts[1], 8)
	assert.NoError(t, gen.ValidateFormat(code))
}

func TestValidateAcceptsEveryGeneratedShape(t *testing.T) {
	gen := NewCodeGenerator("CMPN")

	handles := []string{"", "a", "abcde", "averylonghandle", "MiXeD_case-99!", "léon", "日本語"}
	for _, handle := range handles {
		code, err := gen.Generate(handle)
		require.NoError(t, err)
		assert.NoErrorf(t, gen.ValidateFormat(code), "handle %q produced unvalidatable code %s", handle, code)
	}
}

func TestSanitizeHandle(t *testing.T) {
	assert.Equal(t, "ABCDE", sanitizeHandle("abcdefgh"))
	assert.Equal(t, "A", sanitizeHandle("a"))
	assert.Equal(t, "", sanitizeHandle("___"))
	assert.Equal(t, "MIXED", sanitizeHandle("MiXeD_case-99!")[:5])
	assert.Equal(t, "LEON", sanitizeHandle("léon")) // transliterated
}

func TestValidateFormatRejectsGarbage(t *testing.T) {
	gen := NewCodeGenerator("CMPN")

	bad := []string{
		"",
		"CMPN",
		"CMPN-",
		"CMPN-short",
		"CMPN-TOOLONG-abcdefgh", // 7-char handle segment
		"OTHER-ABCDE-abcdefgh",
		"CMPN-ABCDE-abcdefg",   // 7-char random segment
		"CMPN-ABCDE-abcdefghi", // 9-char random segment
		"CMPN-abcde-abcdefgh",  // lowercase handle segment
		"cmpn-ABCDE-abcdefgh",
		"CMPN-ABCDE-abcd-efgh",
	}
	for _, code := range bad {
		assert.ErrorIsf(t, gen.ValidateFormat(code), ErrInvalidCode, "code %q should be rejected", code)
	}
}
