// Package pipeline implements the Counter Pipeline (spec §4.5): consuming
// PRIVMSG events forwarded by the Fleet Manager, matching the configured
// needle substring, resolving identities through C1, and driving the
// atomic write through the Counter Store (C2). It also answers the
// in-chat !pisscount command.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tallyhook/api_chat/internal/counter"
	"tallyhook/api_chat/internal/identity"
	"tallyhook/api_chat/internal/worker"
	"tallyhook/pkg/logging"
)

const commandWord = "!pisscount"

// Sender is the slice of the Fleet Manager the pipeline needs to issue a
// chat reply back into the channel it came from.
type Sender interface {
	Send(ctx context.Context, channel, text string) error
}

// Config wires the pipeline's collaborators and tuning knobs.
type Config struct {
	Identity *identity.Resolver
	Store    *counter.Store
	Fleet    Sender

	Needle         string
	CommandEnabled []string // channel logins allowed to use !pisscount
	ReplyWindow    time.Duration
	BotLogin       string // this process's own chat login, for @<bot> mentions

	Logger logging.Logger
}

// Pipeline consumes forwarded worker.Event values and applies the counter
// and command logic of spec §4.5.
type Pipeline struct {
	identity *identity.Resolver
	store    *counter.Store
	fleet    Sender

	needle    string
	allowlist map[string]struct{}
	botLogin  string
	limiter   *replyLimiter
	logger    logging.Logger
}

// New constructs a Pipeline from Config.
func New(cfg Config) *Pipeline {
	allow := make(map[string]struct{}, len(cfg.CommandEnabled))
	for _, ch := range cfg.CommandEnabled {
		allow[strings.ToLower(ch)] = struct{}{}
	}
	needle := cfg.Needle
	if needle == "" {
		needle = "piss"
	}
	return &Pipeline{
		identity:  cfg.Identity,
		store:     cfg.Store,
		fleet:     cfg.Fleet,
		needle:    strings.ToLower(needle),
		allowlist: allow,
		botLogin:  strings.ToLower(cfg.BotLogin),
		limiter:   newReplyLimiter(cfg.ReplyWindow),
		logger:    cfg.Logger,
	}
}

func (p *Pipeline) log() logging.Logger {
	if p.logger == nil {
		return logging.NewLogger()
	}
	return p.logger
}

// Run drains events until ctx is cancelled or the channel is closed.
// Intended to run as its own goroutine, fed by the Fleet Manager's
// forward channel.
func (p *Pipeline) Run(ctx context.Context, events <-chan worker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != worker.EventPrivmsg {
				continue
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, ev worker.Event) {
	lower := strings.ToLower(ev.Text)

	if strings.Contains(lower, p.needle) {
		p.countMatch(ctx, ev)
	}

	if p.matchesCommand(lower) {
		p.replyCount(ctx, ev)
	}
}

// countMatch implements the resolution and write steps: resolve the
// channel's id and the chatter's profile through C1, then drive the
// atomic 5-step write through C2. Transient identity failures are logged
// and the event is dropped rather than retried, per spec §4.5.
func (p *Pipeline) countMatch(ctx context.Context, ev worker.Event) {
	channels, err := p.identity.ResolveByLogin(ctx, []string{ev.Channel})
	if err != nil {
		p.log().WithFields(logging.Fields{"channel": ev.Channel, "error": err.Error()}).Warn("pipeline: channel resolution failed, dropping event")
		return
	}
	channel, ok := channels[ev.Channel]
	if !ok {
		p.log().WithFields(logging.Fields{"channel": ev.Channel}).Warn("pipeline: channel id not found, dropping event")
		return
	}

	chatters, err := p.identity.ResolveByID(ctx, []string{ev.ChatterID})
	if err != nil {
		p.log().WithFields(logging.Fields{"chatter_id": ev.ChatterID, "error": err.Error()}).Warn("pipeline: chatter resolution failed, dropping event")
		return
	}
	profile, ok := chatters[ev.ChatterID]
	if !ok {
		// The id was dropped from an otherwise successful lookup (the
		// per-item retry discards ids the upstream rejects as invalid);
		// fall back to what the IRC tags themselves told us. An upstream
		// answer with no rows at all is ErrEmptyData and dropped above.
		profile = identity.Profile{ID: ev.ChatterID, Login: ev.ChatterName, Color: ev.Color}
	}

	chatter := counter.Chatter{
		ID:          profile.ID,
		Login:       profile.Login,
		DisplayName: displayNameOr(profile.DisplayName, ev.ChatterName),
		Color:       colorOr(profile.Color, ev.Color),
		Image:       profile.Image,
	}

	if err := p.store.IncrementMatch(ctx, channel.ID, chatter); err != nil {
		p.log().WithFields(logging.Fields{
			"channel": ev.Channel, "chatter_id": chatter.ID, "error": err.Error(),
		}).Error("pipeline: write step failed, dropping event")
		return
	}
}

func displayNameOr(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func colorOr(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// matchesCommand reports whether lower (already-lowercased message text)
// is the bare !pisscount command or the same word prefixed with an
// @<bot> mention.
func (p *Pipeline) matchesCommand(lower string) bool {
	trimmed := strings.TrimSpace(lower)
	if trimmed == commandWord {
		return true
	}
	if p.botLogin != "" && trimmed == "@"+p.botLogin+" "+commandWord {
		return true
	}
	return false
}

// replyCount implements the command subset: rate-limited, allow-listed
// in-chat reply to !pisscount.
func (p *Pipeline) replyCount(ctx context.Context, ev worker.Event) {
	if _, ok := p.allowlist[strings.ToLower(ev.Channel)]; !ok {
		return
	}

	key := ev.Channel + ":" + ev.ChatterID
	if !p.limiter.allow(key) {
		return
	}

	chatter, err := p.store.ChatterByID(ctx, ev.ChatterID)
	if err != nil && !errors.Is(err, counter.ErrNotFound) {
		p.log().WithFields(logging.Fields{"chatter_id": ev.ChatterID, "error": err.Error()}).Warn("pipeline: command lookup failed")
		return
	}

	reply := fmt.Sprintf("@%s %d of their messages have mentioned %s", ev.ChatterName, chatter.Total, p.needle)
	if err := p.fleet.Send(ctx, ev.Channel, reply); err != nil {
		p.log().WithFields(logging.Fields{"channel": ev.Channel, "error": err.Error()}).Warn("pipeline: command reply failed")
	}
}
