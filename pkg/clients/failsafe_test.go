package clients

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
)

//nolint:bodyclose // test responses have no body
func TestNewHTTPRetryPolicyNormalizesConfigToBoundRetries(t *testing.T) {
	cfg := HTTPExecutorConfig{
		MaxRetries: -3,
		BaseDelay:  0,
		MaxDelay:   0,
	}
	policy := NewHTTPRetryPolicy(cfg)

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("network partition")
	})
	if err == nil {
		t.Fatal("expected request to fail")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected bounded single attempt with negative retries, got %d", got)
	}
}

//nolint:bodyclose // test responses have no body
func TestNewHTTPRetryPolicyRetriesUpToConfiguredLimit(t *testing.T) {
	cfg := HTTPExecutorConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		ShouldRetry: func(_ *http.Response, err error) bool {
			return err != nil
		},
	}
	policy := NewHTTPRetryPolicy(cfg)

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		count := atomic.AddInt32(&attempts, 1)
		if count < 3 {
			return nil, errors.New("dns lag")
		}
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestDefaultShouldRetryClassifiesStatuses(t *testing.T) {
	if !DefaultShouldRetry(nil, errors.New("dial tcp: timeout")) {
		t.Fatal("expected a network error to be retryable")
	}
	if !DefaultShouldRetry(&http.Response{StatusCode: http.StatusTooManyRequests}, nil) {
		t.Fatal("expected 429 to be retryable")
	}
	if !DefaultShouldRetry(&http.Response{StatusCode: http.StatusBadGateway}, nil) {
		t.Fatal("expected 502 to be retryable")
	}
	if DefaultShouldRetry(&http.Response{StatusCode: http.StatusNotFound}, nil) {
		t.Fatal("expected 404 to be non-retryable")
	}
}

//nolint:bodyclose // test responses have no body
func TestExecuteHTTPOpensCircuitAfterRepeatedFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	})
	executor := NewHTTPExecutor(HTTPExecutorConfig{
		MaxRetries:     0,
		CircuitBreaker: cb,
	})

	failing := func() (*http.Response, error) { return nil, errors.New("upstream down") }
	for i := 0; i < 2; i++ {
		if _, err := ExecuteHTTP(context.Background(), executor, failing); err == nil {
			t.Fatal("expected failure")
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("circuit state = %v, want open after repeated failures", cb.State())
	}
}
