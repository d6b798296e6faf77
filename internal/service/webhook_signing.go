package service

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook request headers.
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderTimestamp  = "X-Webhook-Timestamp"
	HeaderEvent      = "X-Webhook-Event"
	HeaderDeliveryID = "X-Webhook-Delivery"
	WebhookUserAgent = "inferbatch-webhook/1"

	signaturePrefix = "sha256="
)

// Signature verification errors.
var (
	ErrSignatureMissing   = errors.New("webhook signature missing")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
	ErrTimestampInvalid   = errors.New("webhook timestamp invalid")
	ErrTimestampOutOfSkew = errors.New("webhook timestamp outside tolerance")
)

// CanonicalJSON encodes v as compact JSON with object keys sorted at every depth.
// Numbers keep their original text.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the X-Webhook-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received webhook. The signature must match body under secret and the
// timestamp must be within tolerance of now; a zero tolerance skips the timestamp check.
func Verify(secret string, body []byte, signature, timestamp string, tolerance time.Duration, now time.Time) error {
	if signature == "" {
		return ErrSignatureMissing
	}
	hexSig, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return fmt.Errorf("%w: unsupported scheme", ErrSignatureMismatch)
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}

	if tolerance <= 0 {
		return nil
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrTimestampInvalid, timestamp)
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("%w: skew %s", ErrTimestampOutOfSkew, skew)
	}
	return nil
}
