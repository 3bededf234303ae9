// Package token generates the opaque identifiers the platform hands out:
// workspace access tokens (ULIDs), code-server passwords, and payment
// merchant OIDs.
package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewAccessToken generates a new ULID access token.
func NewAccessToken() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// IsValidAccessToken checks if a string is a valid ULID access token.
func IsValidAccessToken(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultPasswordLength is the length of generated code-server passwords.
const DefaultPasswordLength = 18

// NewPassword returns a random alphanumeric password of the given length.
// A length of zero or less falls back to DefaultPasswordLength.
func NewPassword(length int) string {
	if length <= 0 {
		length = DefaultPasswordLength
	}
	max := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken;
			// nothing sensible can continue without it.
			panic(fmt.Sprintf("token: crypto/rand failed: %v", err))
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b)
}

// merchantOIDPrefix identifies platform-originated payment attempts at the
// gateway. The gateway rejects non-alphanumeric merchant OIDs.
const merchantOIDPrefix = "YAC"

// NewMerchantOID builds a unique merchant order id for a payment attempt.
// The epoch second plus company id keeps it traceable back to the tenant;
// the random suffix keeps two attempts in the same second distinct, since
// merchant_oid is unique in the database.
func NewMerchantOID(companyID int64, now time.Time) string {
	return fmt.Sprintf("%s%d%d%s", merchantOIDPrefix, now.Unix(), companyID, randomDigits(4))
}

func randomDigits(n int) string {
	const digits = "0123456789"
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			panic(fmt.Sprintf("token: crypto/rand failed: %v", err))
		}
		b[i] = digits[v.Int64()]
	}
	return string(b)
}
