// Package subscription implements the Subscription Controller (C8):
// startup reconciliation of the upstream platform's EventSub
// subscriptions against this process's configured tracked channels.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/failsafe-go/failsafe-go"

	"tallyhook/pkg/clients"
	"tallyhook/pkg/logging"
)

const helixSubscriptionsURL = "https://api.twitch.tv/helix/eventsub/subscriptions"

const (
	typeStreamOnline  = "stream.online"
	typeStreamOffline = "stream.offline"
)

// Channel identifies a tracked broadcaster by platform id and login.
type Channel struct {
	ID    string
	Login string
}

// HTTPDoer is the narrow interface the controller needs from an HTTP
// client, so tests can substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config wires the Subscription Controller's upstream credentials and
// the callback URL registered with every subscription it creates.
type Config struct {
	ClientID    string
	BearerToken string // the app access token, sent as "Bearer <token>"
	CallbackURL string
	Secret      string // hex of the Verification Key; shared HMAC secret

	HTTPClient HTTPDoer
	Logger     logging.Logger
}

// Controller performs startup reconciliation of EventSub subscriptions.
type Controller struct {
	cfg      Config
	executor failsafe.Executor[*http.Response]
}

// New constructs a Controller. A failsafe-go retry+breaker executor wraps
// every outbound call, matching the resilience policy used elsewhere for
// calls to the upstream platform.
func New(cfg Config) *Controller {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: clients.DefaultTransport()}
	}
	return &Controller{
		cfg:      cfg,
		executor: clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
	}
}

func (c *Controller) log() logging.Logger {
	if c.cfg.Logger == nil {
		return logging.NewLogger()
	}
	return c.cfg.Logger
}

type subscriptionCondition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type subscriptionTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	Secret   string `json:"secret"`
}

type createSubscriptionRequest struct {
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition subscriptionCondition `json:"condition"`
	Transport subscriptionTransport `json:"transport"`
}

type subscriptionRecord struct {
	ID        string                `json:"id"`
	Status    string                `json:"status"`
	Type      string                `json:"type"`
	Condition subscriptionCondition `json:"condition"`
}

type listSubscriptionsResponse struct {
	Total int                  `json:"total"`
	Data  []subscriptionRecord `json:"data"`
}

// Reconcile implements spec's startup reconciliation: fetch every enabled
// subscription, delete all of them (the Verification Key was regenerated
// this process start, so stale subscriptions would fail HMAC verification
// on callback regardless), then create online+offline subscriptions for
// every tracked channel.
func (c *Controller) Reconcile(ctx context.Context, channels []Channel) error {
	active, err := c.listEnabled(ctx)
	if err != nil {
		c.log().WithFields(logging.Fields{"error": err.Error()}).Warn("subscription: failed to list active subscriptions")
	} else {
		for _, sub := range active {
			if err := c.delete(ctx, sub.ID); err != nil {
				c.log().WithFields(logging.Fields{"id": sub.ID, "error": err.Error()}).Warn("subscription: delete failed")
			}
		}
	}

	var firstErr error
	for _, ch := range channels {
		if err := c.create(ctx, ch.ID, typeStreamOnline); err != nil {
			c.log().WithFields(logging.Fields{"channel": ch.Login, "type": typeStreamOnline, "error": err.Error()}).Error("subscription: create failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := c.create(ctx, ch.ID, typeStreamOffline); err != nil {
			c.log().WithFields(logging.Fields{"channel": ch.Login, "type": typeStreamOffline, "error": err.Error()}).Error("subscription: create failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Controller) authHeaders(req *http.Request) {
	req.Header.Set("Client-Id", c.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
}

func (c *Controller) listEnabled(ctx context.Context) ([]subscriptionRecord, error) {
	url := helixSubscriptionsURL + "?status=enabled"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("subscription: build list request: %w", err)
	}
	c.authHeaders(req)

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		return c.cfg.HTTPClient.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("subscription: list request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("subscription: read list response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscription: list returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed listSubscriptionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("subscription: decode list response: %w", err)
	}
	return parsed.Data, nil
}

func (c *Controller) delete(ctx context.Context, subscriptionID string) error {
	url := fmt.Sprintf("%s?id=%s", helixSubscriptionsURL, subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("subscription: build delete request: %w", err)
	}
	c.authHeaders(req)

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		return c.cfg.HTTPClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("subscription: delete request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// The provider returns 204 on success; any other status is logged by
	// the caller but does not block reconciliation of the remaining subs.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscription: delete returned status %d", resp.StatusCode)
	}
	return nil
}

// create posts a single online or offline subscription for broadcasterID.
// Per spec, both 200 and 202 are accepted as success; any other status is
// fatal for this one subscription (logged with the response body by the
// caller) but does not abort reconciliation of the remaining channels.
func (c *Controller) create(ctx context.Context, broadcasterID, subType string) error {
	payload := createSubscriptionRequest{
		Type:    subType,
		Version: "1",
		Condition: subscriptionCondition{
			BroadcasterUserID: broadcasterID,
		},
		Transport: subscriptionTransport{
			Method:   "webhook",
			Callback: c.cfg.CallbackURL,
			Secret:   c.cfg.Secret,
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("subscription: encode create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, helixSubscriptionsURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("subscription: build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeaders(req)

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		return c.cfg.HTTPClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("subscription: create request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("subscription: read create response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		// Future extension point (not implemented): on 409 Conflict, revoke
		// and retry with capped exponential backoff.
		return fmt.Errorf("subscription: create returned status %d: %s", resp.StatusCode, string(body))
	}

	c.log().WithFields(logging.Fields{
		"broadcaster_id": broadcasterID,
		"type":           subType,
		"status":         resp.StatusCode,
	}).Info("subscription: created")
	return nil
}
