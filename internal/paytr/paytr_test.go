package paytr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atolyecloud/atolye/internal/config"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
)

func testClient() *Client {
	return NewClient(config.PayTRConfig{
		MerchantID:   "123456",
		MerchantKey:  "test-key",
		MerchantSalt: "test-salt",
		TestMode:     true,
	})
}

func sign(key, payload string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestIframeToken(t *testing.T) {
	c := testClient()

	req := TokenRequest{
		MerchantOID: "YAC17300000001",
		UserIP:      "203.0.113.7",
		Email:       "dev@acme.test",
		AmountMinor: 2900,
		Currency:    "USD",
		Basket:      []BasketItem{{Name: "Team plan", PriceMinor: 2900, Quantity: 1}},
	}
	token, err := c.IframeToken(req)
	require.NoError(t, err)

	basket, err := EncodeBasket(req.Basket)
	require.NoError(t, err)
	expected := sign("test-key",
		"123456"+"203.0.113.7"+"YAC17300000001"+"dev@acme.test"+"2900"+basket+"0"+"0"+"USD"+"1"+"test-salt")
	assert.Equal(t, expected, token)
}

func TestEncodeBasket(t *testing.T) {
	out, err := EncodeBasket([]BasketItem{{Name: "Team plan", PriceMinor: 2900, Quantity: 1}})
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(out)
	require.NoError(t, err)
	assert.JSONEq(t, `[["Team plan","29.00",1]]`, string(decoded))
}

func TestVerifyCallback(t *testing.T) {
	c := testClient()

	cb := Callback{
		MerchantOID:      "YAC17300000001",
		Status:           "success",
		TotalAmountMinor: "2900",
	}
	cb.Hash = sign("test-key", "YAC17300000001"+"test-salt"+"success"+"2900")

	assert.NoError(t, c.VerifyCallback(cb))
}

func TestVerifyCallbackRejectsBadHash(t *testing.T) {
	c := testClient()

	cb := Callback{
		MerchantOID:      "YAC17300000001",
		Status:           "success",
		TotalAmountMinor: "2900",
		Hash:             "forged",
	}
	assert.ErrorIs(t, c.VerifyCallback(cb), apierrors.ErrPayloadAuth)

	// Tampering with the amount invalidates the signature too.
	cb.Hash = sign("test-key", "YAC17300000001"+"test-salt"+"success"+"2900")
	cb.TotalAmountMinor = "1"
	assert.ErrorIs(t, c.VerifyCallback(cb), apierrors.ErrPayloadAuth)
}
