package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPassword_Length(t *testing.T) {
	assert.Len(t, NewPassword(0), DefaultPasswordLength)
	assert.Len(t, NewPassword(18), 18)
	assert.Len(t, NewPassword(32), 32)
}

func TestNewPassword_Alphabet(t *testing.T) {
	p := NewPassword(64)
	for _, c := range p {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		assert.True(t, ok, "unexpected character %q", c)
	}
}

func TestNewPassword_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		seen[NewPassword(18)] = true
	}
	// 18 chars over a 62-symbol alphabet; collisions mean a broken generator.
	assert.GreaterOrEqual(t, len(seen), 999)
}

func TestNewMerchantOID(t *testing.T) {
	now := time.Unix(1730000000, 0)
	oid := NewMerchantOID(1, now)
	assert.True(t, strings.HasPrefix(oid, "YAC17300000001"), oid)
	assert.Len(t, oid, len("YAC17300000001")+4)
	for _, c := range oid {
		ok := (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		assert.True(t, ok, "unexpected character %q", c)
	}
}

func TestNewMerchantOID_DistinctWithinSecond(t *testing.T) {
	now := time.Unix(1730000000, 0)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		seen[NewMerchantOID(1, now)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestNewAccessToken(t *testing.T) {
	tok := NewAccessToken()
	assert.Len(t, tok, 26)
	assert.True(t, IsValidAccessToken(tok))
	assert.False(t, IsValidAccessToken("not-a-ulid"))

	other := NewAccessToken()
	assert.NotEqual(t, tok, other)
}
