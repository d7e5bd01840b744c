// Package slack holds the pieces of the Slack platform hitl talks to:
// request signature verification for inbound callbacks, a minimal Web API
// client for outbound messages, and the Block Kit and interaction payload
// types both sides share.
package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	// HeaderSignature and HeaderTimestamp are the headers Slack signs every
	// request with.
	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"

	signatureVersion = "v0"
	signatureMaxAge  = 5 * time.Minute
)

// ErrUnauthenticated is wrapped by every verification failure.
var ErrUnauthenticated = errors.New("unauthenticated slack request")

var (
	ErrMissingHeaders    = fmt.Errorf("%w: missing signature headers", ErrUnauthenticated)
	ErrNoSigningSecret   = fmt.Errorf("%w: signing secret not configured", ErrUnauthenticated)
	ErrBadTimestamp      = fmt.Errorf("%w: invalid timestamp", ErrUnauthenticated)
	ErrStaleRequest      = fmt.Errorf("%w: timestamp outside replay window", ErrUnauthenticated)
	ErrSignatureMismatch = fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
)

// Verifier checks the HMAC-SHA256 signature Slack attaches to requests.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source used for the replay window.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier for the given signing secret. An empty
// secret is accepted here and rejects every request.
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify authenticates body against the signature headers. The body must be
// the raw bytes as received, before any form decoding.
func (v *Verifier) Verify(header http.Header, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: verification panic: %v", ErrUnauthenticated, r)
		}
	}()

	signature := header.Get(HeaderSignature)
	timestamp := header.Get(HeaderTimestamp)
	if signature == "" || timestamp == "" {
		return ErrMissingHeaders
	}
	if len(v.secret) == 0 {
		return ErrNoSigningSecret
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadTimestamp, timestamp)
	}
	age := v.now().Unix() - ts
	if math.Abs(float64(age)) > signatureMaxAge.Seconds() {
		return fmt.Errorf("%w: %ds", ErrStaleRequest, age)
	}

	expected := Sign(v.secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Valid reports whether Verify succeeds.
func (v *Verifier) Valid(header http.Header, body []byte) bool {
	return v.Verify(header, body) == nil
}

// Sign computes the v0 signature for timestamp and body.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
