// Package paytr implements the payment gateway's HMAC token scheme:
// outbound iframe tokens for initiating a payment and verification of
// inbound callback signatures.
package paytr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/atolyecloud/atolye/internal/config"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
)

// Client signs requests for one merchant account.
type Client struct {
	merchantID   string
	merchantKey  []byte
	merchantSalt string
	testMode     bool
	timeoutLimit int
}

// NewClient builds a client from gateway credentials.
func NewClient(cfg config.PayTRConfig) *Client {
	return &Client{
		merchantID:   cfg.MerchantID,
		merchantKey:  []byte(cfg.MerchantKey),
		merchantSalt: cfg.MerchantSalt,
		testMode:     cfg.TestMode,
		timeoutLimit: cfg.TimeoutLimit,
	}
}

// TestMode reports whether the client signs test transactions.
func (c *Client) TestMode() bool { return c.testMode }

// BasketItem is one line of the payment basket shown in the gateway
// iframe. The wire format is a JSON array of [name, price, quantity]
// triples.
type BasketItem struct {
	Name       string
	PriceMinor int64
	Quantity   int
}

// EncodeBasket renders the basket as the gateway's base64 JSON form.
func EncodeBasket(items []BasketItem) (string, error) {
	arr := make([][]any, len(items))
	for i, it := range items {
		arr[i] = []any{it.Name, fmt.Sprintf("%.2f", float64(it.PriceMinor)/100), it.Quantity}
	}
	b, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// TokenRequest carries the fields the outbound token signs over.
type TokenRequest struct {
	MerchantOID string
	UserIP      string
	Email       string
	AmountMinor int64
	Currency    string
	Basket      []BasketItem
}

func (c *Client) testModeFlag() string {
	if c.testMode {
		return "1"
	}
	return "0"
}

// IframeToken computes the base64 HMAC token for the payment iframe.
// The signed string is the concatenation the gateway documents:
// merchant_id, user_ip, merchant_oid, email, amount, basket, no-installment
// flags, currency, test_mode, then the salt.
func (c *Client) IframeToken(req TokenRequest) (string, error) {
	basket, err := EncodeBasket(req.Basket)
	if err != nil {
		return "", err
	}
	payload := c.merchantID +
		req.UserIP +
		req.MerchantOID +
		req.Email +
		fmt.Sprint(req.AmountMinor) +
		basket +
		"0" + // no_installment
		"0" + // max_installment
		req.Currency +
		c.testModeFlag() +
		c.merchantSalt

	mac := hmac.New(sha256.New, c.merchantKey)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Callback is the inbound webhook form the gateway posts.
type Callback struct {
	MerchantOID      string
	Status           string // "success" or "failed"
	TotalAmountMinor string // as received, signed verbatim
	Hash             string
	FailedReasonCode string
	FailedReasonMsg  string
	TestMode         string
}

// VerifyCallback checks the callback signature in constant time. A
// mismatch returns ErrPayloadAuth and the caller must not mutate any
// state.
func (c *Client) VerifyCallback(cb Callback) error {
	payload := cb.MerchantOID + c.merchantSalt + cb.Status + cb.TotalAmountMinor

	mac := hmac.New(sha256.New, c.merchantKey)
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(cb.Hash)) {
		return apierrors.ErrPayloadAuth
	}
	return nil
}
