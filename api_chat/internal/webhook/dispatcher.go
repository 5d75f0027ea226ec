package webhook

import (
	"context"
	"net/http"

	"tallyhook/api_chat/internal/identity"
	"tallyhook/pkg/logging"
)

// FleetController is the subset of the Fleet Manager the Dispatcher drives.
// Kept as an interface only at this one transport boundary so the gin
// handler can be tested without a real Manager.
type FleetController interface {
	Open(ctx context.Context, login string) error
	Close(ctx context.Context, login string) error
}

// LiveProber answers whether a broadcaster login is currently streaming,
// for the "offline subscription may arrive while already live" edge case,
// and resolves the numeric broadcaster id that verification challenges
// carry into the login that IsLive/Open/Close actually key on.
type LiveProber interface {
	IsLive(ctx context.Context, login string) (bool, error)
	ResolveByID(ctx context.Context, ids []string) (map[string]identity.Profile, error)
}

// Dispatcher classifies verified webhook bodies and drives the Fleet
// Manager. Every dispatch to the Fleet is spawned in its own goroutine so
// the HTTP response is never blocked on a Worker's open/close round trip;
// errors from the spawned action are logged, never surfaced to the caller.
type Dispatcher struct {
	fleet  FleetController
	prober LiveProber
	logger logging.Logger
}

// NewDispatcher constructs a Dispatcher. prober may be nil, in which case
// the "offline callback while live" probe is skipped (treated as not live).
func NewDispatcher(fleet FleetController, prober LiveProber, logger logging.Logger) *Dispatcher {
	return &Dispatcher{fleet: fleet, prober: prober, logger: logger}
}

func (d *Dispatcher) log() logging.Logger {
	if d.logger == nil {
		return logging.NewLogger()
	}
	return d.logger
}

// Handle dispatches on req.MessageType and writes the HTTP response body
// the provider expects. It never returns an error: all failure is logged.
func (d *Dispatcher) Handle(c ginContext, req *VerifiedRequest) {
	switch req.MessageType {
	case TypeVerification:
		d.handleVerification(c, req.Body)
	case TypeNotification:
		d.handleNotification(c, req.Body)
	case TypeRevocation:
		d.handleRevocation(c, req.Body)
	default:
		c.Status(http.StatusOK)
	}
}

// ginContext is the narrow slice of *gin.Context the dispatcher writes to;
// declared locally so this file has no gin import, keeping the dispatch
// logic testable with a bare ResponseWriter-backed fake.
type ginContext interface {
	String(code int, format string, values ...any)
	Status(code int)
}

func (d *Dispatcher) handleVerification(c ginContext, body []byte) {
	payload, err := decode[verificationBody](body)
	if err != nil {
		d.log().WithFields(logging.Fields{"error": err.Error()}).Warn("webhook: malformed verification body")
		c.Status(http.StatusOK)
		return
	}

	c.String(http.StatusOK, payload.Challenge)

	if payload.Subscription.Type != SubscriptionOffline {
		return
	}

	broadcasterID := payload.Subscription.Condition.BroadcasterUserID
	go d.openIfLive(broadcasterID)
}

// openIfLive handles the verification-challenge edge case of spec §4.2: the
// payload carries only the broadcaster's numeric id, never a login, so the
// id must be resolved through the Identity Resolver before it can be used
// as an IRC channel/Helix login for IsLive or Fleet.Open.
func (d *Dispatcher) openIfLive(broadcasterID string) {
	ctx := context.Background()
	if d.prober == nil {
		return
	}
	login := d.resolveLogin(ctx, broadcasterID)
	if login == "" {
		return
	}
	live, err := d.prober.IsLive(ctx, login)
	if err != nil {
		d.log().WithFields(logging.Fields{"login": login, "error": err.Error()}).Warn("webhook: live probe failed")
		return
	}
	if !live {
		return
	}
	if err := d.fleet.Open(ctx, login); err != nil {
		d.log().WithFields(logging.Fields{"login": login, "error": err.Error()}).Warn("webhook: open on offline-while-live failed")
	}
}

func (d *Dispatcher) resolveLogin(ctx context.Context, broadcasterID string) string {
	profiles, err := d.prober.ResolveByID(ctx, []string{broadcasterID})
	if err != nil {
		d.log().WithFields(logging.Fields{"broadcaster_id": broadcasterID, "error": err.Error()}).Warn("webhook: broadcaster id resolution failed")
		return ""
	}
	profile, ok := profiles[broadcasterID]
	if !ok {
		d.log().WithFields(logging.Fields{"broadcaster_id": broadcasterID}).Warn("webhook: broadcaster id not found")
		return ""
	}
	return profile.Login
}

func (d *Dispatcher) handleNotification(c ginContext, body []byte) {
	payload, err := decode[notificationBody](body)
	if err != nil {
		d.log().WithFields(logging.Fields{"error": err.Error()}).Warn("webhook: malformed notification body")
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusOK)

	login := payload.Event.BroadcasterUserLogin
	switch payload.Subscription.Type {
	case SubscriptionOnline:
		go func() {
			if err := d.fleet.Open(context.Background(), login); err != nil {
				d.log().WithFields(logging.Fields{"login": login, "error": err.Error()}).Warn("webhook: open failed")
			}
		}()
	case SubscriptionOffline:
		go func() {
			if err := d.fleet.Close(context.Background(), login); err != nil {
				d.log().WithFields(logging.Fields{"login": login, "error": err.Error()}).Warn("webhook: close failed")
			}
		}()
	}
}

func (d *Dispatcher) handleRevocation(c ginContext, body []byte) {
	payload, err := decode[revocationBody](body)
	if err != nil {
		d.log().WithFields(logging.Fields{"error": err.Error()}).Warn("webhook: malformed revocation body")
		c.Status(http.StatusOK)
		return
	}
	d.log().WithFields(logging.Fields{
		"broadcaster_id": payload.Subscription.Condition.BroadcasterUserID,
		"type":           payload.Subscription.Type,
	}).Info("webhook: subscription revoked; deferring to reconciliation")
	c.Status(http.StatusOK)
}
