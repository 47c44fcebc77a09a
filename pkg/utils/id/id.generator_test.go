package id

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReferenceNumber(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	ref := GenerateReferenceNumber(now)

	require.Regexp(t, regexp.MustCompile(`^TXN1712345678901[0-9A-F]{8}$`), ref)
	assert.NotEqual(t, ref, GenerateReferenceNumber(now), "suffix must differ per call")
}

func TestRandomDigitsKeepsLeadingZeros(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := RandomDigits(6)
		require.Len(t, d, 6)
		require.Regexp(t, `^[0-9]{6}$`, d)
	}
}

func TestGenerateAccountNumber(t *testing.T) {
	n := GenerateAccountNumber("100", 7)
	assert.Len(t, n, 10)
	assert.True(t, strings.HasPrefix(n, "100"))
}

func TestGenerateUUID(t *testing.T) {
	u := GenerateUUID("req")
	assert.True(t, strings.HasPrefix(u, "req_"))
	assert.Len(t, u, len("req_")+26)
}
