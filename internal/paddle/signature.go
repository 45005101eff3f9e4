package paddle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSignature = errors.New("missing Paddle-Signature header")
	ErrMalformedHeader  = errors.New("malformed Paddle-Signature header")
	ErrInvalidSignature = errors.New("invalid Paddle signature")
	ErrStaleTimestamp   = errors.New("Paddle signature timestamp outside tolerance")
)

// Verifier checks Paddle Billing webhook signatures. The header carries
// semicolon-separated key=value pairs, of which ts (unix seconds) and h1
// (hex HMAC-SHA256 over "{ts}:{raw body}") are required; unknown keys are
// ignored. This is the only scheme accepted — the legacy
// base64-HMAC-of-body variant is deliberately not supported.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier builds a Verifier. maxAge bounds how far the signed timestamp
// may drift from the local clock in either direction; 0 disables the check.
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Verify returns the untouched raw body on success. Callers must parse the
// body only after Verify accepts it.
func (v *Verifier) Verify(rawBody []byte, header string) ([]byte, error) {
	if header == "" {
		return nil, ErrMissingSignature
	}

	var ts, h1 string
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "h1":
			h1 = strings.TrimSpace(value)
		}
	}

	if ts == "" || h1 == "" {
		return nil, ErrMalformedHeader
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrMalformedHeader
	}

	if v.maxAge > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age > v.maxAge || age < -v.maxAge {
			return nil, ErrStaleTimestamp
		}
	}

	expected := computeSignature(v.secret, ts, rawBody)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(h1))) {
		return nil, ErrInvalidSignature
	}

	return rawBody, nil
}

func computeSignature(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHeader builds a valid Paddle-Signature header for a payload. Used by
// tests and local webhook tooling.
func SignHeader(secret string, at time.Time, body []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("ts=%s;h1=%s", ts, computeSignature([]byte(secret), ts, body))
}
