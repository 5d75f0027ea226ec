// Package webhook authenticates and classifies inbound provider callbacks:
// the Verifier (C6) checks the HMAC signature, the Dispatcher (C7) decides
// what the Fleet Manager should do about it.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"tallyhook/api_chat/internal/verifykey"
)

// Header names mirror the upstream provider's exact strings.
const (
	HeaderMessageID  = "X-Signature-Id"
	HeaderTimestamp  = "X-Signature-Timestamp"
	HeaderSignature  = "X-Signature"
	HeaderMessageTyp = "X-Message-Type"
)

var (
	// ErrBadRequest covers missing headers or an unreadable body.
	ErrBadRequest = errors.New("malformed webhook request")
	// ErrForbidden covers a signature that does not match.
	ErrForbidden = errors.New("webhook signature mismatch")
)

// Verifier authenticates inbound callbacks using the process-wide
// Verification Key.
type Verifier struct {
	key verifykey.Key
}

// NewVerifier constructs a Verifier bound to the given key.
func NewVerifier(key verifykey.Key) *Verifier {
	return &Verifier{key: key}
}

// VerifiedRequest carries the authenticated body and the classification
// header the Dispatcher needs.
type VerifiedRequest struct {
	MessageID   string
	MessageType string
	Body        []byte
}

// Verify reads and authenticates r, returning ErrBadRequest for malformed
// input (missing headers, unreadable body) and ErrForbidden for a
// signature mismatch. Never distinguishes which header was missing in the
// returned error so callers can't leak that detail to the provider.
func (v *Verifier) Verify(r *http.Request) (*VerifiedRequest, error) {
	messageID := r.Header.Get(HeaderMessageID)
	timestamp := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)
	messageType := r.Header.Get(HeaderMessageTyp)

	if messageID == "" || timestamp == "" || signature == "" || messageType == "" {
		return nil, ErrBadRequest
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, ErrBadRequest
	}

	expected := v.expectedSignature(messageID, timestamp, body)
	if !constantTimeEqual(expected, signature) {
		return nil, ErrForbidden
	}

	return &VerifiedRequest{
		MessageID:   messageID,
		MessageType: messageType,
		Body:        body,
	}, nil
}

func (v *Verifier) expectedSignature(messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key.Bytes())
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// constantTimeEqual compares two signature strings without leaking timing
// information about where the first differing byte lies. Only the length
// check is allowed to short-circuit; everything else is a branch-free
// OR-of-XORs so a byte-by-byte comparator can't be reconstructed by timing
// the rejection.
func constantTimeEqual(expected, received string) bool {
	if len(expected) != len(received) {
		return false
	}

	var diff byte
	for i := 0; i < len(expected); i++ {
		diff |= expected[i] ^ received[i]
	}
	return diff == 0
}
