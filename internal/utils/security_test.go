package contextutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected string
	}{
		{
			name:     "empty token",
			token:    "",
			expected: "[EMPTY]",
		},
		{
			name:     "short token (4 chars)",
			token:    "abcd",
			expected: "****",
		},
		{
			name:     "short token (8 chars)",
			token:    "abcdefgh",
			expected: "********",
		},
		{
			name:     "medium token (12 chars)",
			token:    "abcdefghijkl",
			expected: "abcd****ijkl",
		},
		{
			name:     "long token (20 chars)",
			token:    "abcdefghijklmnopqrst",
			expected: "abcd************qrst",
		},
		{
			name:     "very long token (32 chars)",
			token:    "abcdefghijklmnopqrstuvwxyz123456",
			expected: "abcd************************3456",
		},
		{
			name:     "token with special characters",
			token:    "sk-1234567890abcdef",
			expected: "sk-1***********cdef",
		},
		{
			name:     "token with numbers only",
			token:    "1234567890123456",
			expected: "1234********3456",
		},
		{
			name:     "token with mixed case",
			token:    "Sk-1234567890AbCdEf",
			expected: "Sk-1***********CdEf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MaskToken(tt.token)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestMaskToken_SecurityProperties(t *testing.T) {
	// Test that masking preserves length
	token := "sk-1234567890abcdefghijklmnopqrstuvwxyz"
	masked := MaskToken(token)
	assert.Equal(t, len(token), len(masked), "Masked key should have same length as original")

	// Test that first 4 and last 4 characters are preserved
	assert.Equal(t, token[:4], masked[:4], "First 4 characters should be preserved")
	assert.Equal(t, token[len(token)-4:], masked[len(masked)-4:], "Last 4 characters should be preserved")

	// Test that middle characters are masked
	middleMasked := masked[4 : len(masked)-4]
	for _, char := range middleMasked {
		assert.Equal(t, '*', char, "Middle characters should be masked with asterisks")
	}
}

func TestMaskToken_EdgeCases(t *testing.T) {
	// Test with exactly 8 characters (boundary case)
	token8 := "12345678"
	masked8 := MaskToken(token8)
	assert.Equal(t, "********", masked8, "8-character key should be fully masked")

	// Test with 9 characters (should show first 4 and last 4)
	token9 := "123456789"
	masked9 := MaskToken(token9)
	assert.Equal(t, "1234*6789", masked9, "9-character key should show first 4 and last 4 with 1 asterisk")

	// Test with unicode characters
	unicodeKey := "sk-测试1234567890测试"
	maskedUnicode := MaskToken(unicodeKey)
	assert.Equal(t, len(unicodeKey), len(maskedUnicode), "Unicode key should maintain length")
	assert.Equal(t, unicodeKey[:4], maskedUnicode[:4], "First 4 unicode characters should be preserved")
	assert.Equal(t, unicodeKey[len(unicodeKey)-4:], maskedUnicode[len(maskedUnicode)-4:], "Last 4 unicode characters should be preserved")
}

func TestMaskToken_Consistency(t *testing.T) {
	// Test that masking is consistent for the same input
	token := "sk-1234567890abcdef"
	masked1 := MaskToken(token)
	masked2 := MaskToken(token)
	assert.Equal(t, masked1, masked2, "Masking should be consistent for same input")

	// Test that different inputs produce different masked outputs
	token1 := "sk-1234567890abcdef"
	token2 := "sk-9876543210fedcba"
	maskedResult1 := MaskToken(token1)
	maskedResult2 := MaskToken(token2)
	assert.NotEqual(t, maskedResult1, maskedResult2, "Different inputs should produce different masked outputs")
}
