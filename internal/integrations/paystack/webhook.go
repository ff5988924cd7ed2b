package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Paystack-Signature"

// Event types the marketplace reacts to.
const (
	EventChargeSuccess   = "charge.success"
	EventTransferSuccess = "transfer.success"
	EventTransferFailed  = "transfer.failed"
	EventTransferReverse = "transfer.reversed"
	EventRefundProcessed = "refund.processed"
)

// Sign returns the signature Paystack sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the header value with the expected signature in
// constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// WebhookEvent is a decoded webhook payload.
type WebhookEvent struct {
	Type string
	// Reference is the charge, refund or transfer reference.
	Reference    string
	Verification Verification
	Reason       string
}

// ParseWebhook decodes a webhook body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	if !gjson.ValidBytes(body) {
		return WebhookEvent{}, fmt.Errorf("webhook body is not valid JSON")
	}
	parsed := gjson.ParseBytes(body)
	evt := WebhookEvent{Type: parsed.Get("event").String()}
	if evt.Type == "" {
		return WebhookEvent{}, fmt.Errorf("webhook event type missing")
	}
	data := parsed.Get("data")
	evt.Reference = data.Get("reference").String()
	if evt.Reference == "" {
		evt.Reference = data.Get("transaction_reference").String()
	}
	evt.Verification = verificationFrom(data)
	evt.Reason = data.Get("reason").String()
	return evt, nil
}
