package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tallyhook/api_chat/internal/verifykey"
)

func signedRequest(t *testing.T, key verifykey.Key, messageID, timestamp, messageType, body string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(body))
	req.Header.Set(HeaderMessageID, messageID)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderMessageTyp, messageType)
	return req
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	key, err := verifykey.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v := NewVerifier(key)

	req := signedRequest(t, key, "msg-1", "2026-07-29T00:00:00Z", TypeNotification, `{"hello":"world"}`)
	verified, err := v.Verify(req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.MessageID != "msg-1" || verified.MessageType != TypeNotification {
		t.Fatalf("verified = %+v", verified)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	key, err := verifykey.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v := NewVerifier(key)

	req := signedRequest(t, key, "msg-1", "2026-07-29T00:00:00Z", TypeNotification, `{"hello":"world"}`)
	req.Body = http.NoBody
	req2 := signedRequest(t, key, "msg-1", "2026-07-29T00:00:00Z", TypeNotification, `{"hello":"tampered"}`)
	req2.Header.Set(HeaderSignature, req.Header.Get(HeaderSignature))

	if _, err := v.Verify(req2); err != ErrForbidden {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	key, err := verifykey.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v := NewVerifier(key)

	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("{}"))
	if _, err := v.Verify(req); err != ErrBadRequest {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual("sha256=abc", "sha256=abc") {
		t.Fatal("expected equal strings to compare equal")
	}
	if constantTimeEqual("sha256=abc", "sha256=abd") {
		t.Fatal("expected differing strings to compare unequal")
	}
	if constantTimeEqual("short", "muchlonger") {
		t.Fatal("expected length mismatch to compare unequal")
	}
}
