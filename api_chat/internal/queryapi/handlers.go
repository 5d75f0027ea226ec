// Package queryapi implements the read-only HTTP surface of spec §6 that
// sits alongside the webhook callback: liveness, fleet occupancy, tracked
// channel list, the two leaderboard ("ceiling") lookups, a health text
// probe, and an identity passthrough. These are thin gin handlers over
// the Counter Store (C2), Identity Resolver (C1), and Fleet Manager (C5).
package queryapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tallyhook/api_chat/internal/config"
	"tallyhook/api_chat/internal/counter"
	"tallyhook/api_chat/internal/fleet"
	"tallyhook/api_chat/internal/identity"
	"tallyhook/pkg/logging"
	"tallyhook/pkg/pagination"
)

// FleetStats is the slice of the Fleet Manager the active-sockets handler
// needs.
type FleetStats interface {
	Stats(ctx context.Context) (fleet.Stats, error)
}

// Store is the slice of the Counter Store this package reads from.
type Store interface {
	ChannelByID(ctx context.Context, id string) (counter.Channel, error)
	ChatterByID(ctx context.Context, id string) (counter.Chatter, error)
	ChatterByLogin(ctx context.Context, login string) (counter.Chatter, error)
	ScoresForChannel(ctx context.Context, channelID string, params pagination.Params) ([]counter.RankedScore, pagination.Page, error)
	ScoresForChatter(ctx context.Context, chatterID string, params pagination.Params) ([]counter.RankedScore, pagination.Page, error)
}

// Identity is the slice of the Identity Resolver this package reads from.
type Identity interface {
	ResolveByLogin(ctx context.Context, logins []string) (map[string]identity.Profile, error)
}

// Handlers wires together the collaborators backing every route in this
// package and exposes one gin.HandlerFunc per route.
type Handlers struct {
	fleet    FleetStats
	store    Store
	identity Identity
	channels []config.TrackedChannel
	logger   logging.Logger
}

// New constructs Handlers. channels is the tracked-channel list fetched
// once at startup (spec §6's "configured tracked channel list").
func New(fleetMgr FleetStats, store Store, resolver Identity, channels []config.TrackedChannel, logger logging.Logger) *Handlers {
	return &Handlers{fleet: fleetMgr, store: store, identity: resolver, channels: channels, logger: logger}
}

func (h *Handlers) log() logging.Logger {
	if h.logger == nil {
		return logging.NewLogger()
	}
	return h.logger
}

// Register attaches every route in this package to router.
func (h *Handlers) Register(router gin.IRoutes) {
	router.GET("/", h.Root)
	router.GET("/active-sockets", h.ActiveSockets)
	router.GET("/channels", h.Channels)
	router.GET("/ceilings/channel", h.CeilingChannel)
	router.GET("/ceilings/user", h.CeilingUser)
	router.GET("/checkhealth", h.CheckHealth)
	router.GET("/helix/by-login/:login", h.HelixByLogin)
}

// Root answers the bare liveness probe.
func (h *Handlers) Root(c *gin.Context) {
	c.String(http.StatusOK, "root endpoint has no content, leave me be or i will scream")
}

// CheckHealth answers the literal health text the provider's uptime
// monitor polls, distinct from the structured /health JSON.
func (h *Handlers) CheckHealth(c *gin.Context) {
	c.String(http.StatusOK, "SERVER_OK")
}

type activeSocketsResponse struct {
	ActiveCount        int      `json:"active_count"`
	ActiveBroadcasters []string `json:"active_broadcasters"`
}

// ActiveSockets reports the Fleet Manager's current occupancy.
func (h *Handlers) ActiveSockets(c *gin.Context) {
	stats, err := h.fleet.Stats(c.Request.Context())
	if err != nil {
		h.log().WithFields(logging.Fields{"error": err.Error()}).Warn("queryapi: fleet stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "fleet unavailable"})
		return
	}
	broadcasters := stats.ActiveBroadcasters
	if broadcasters == nil {
		broadcasters = []string{}
	}
	c.JSON(http.StatusOK, activeSocketsResponse{ActiveCount: stats.ActiveCount, ActiveBroadcasters: broadcasters})
}

// Channels reports the configured tracked-channel list this process was
// started with.
func (h *Handlers) Channels(c *gin.Context) {
	c.JSON(http.StatusOK, h.channels)
}

// leaderboardResponse mirrors the upstream provider's historical
// redis-backed query response shape: a boolean error flag plus an
// informational code, a running total, and a (login, count) leaderboard.
type leaderboardResponse struct {
	Err         bool         `json:"err"`
	ErrMsg      string       `json:"err_msg"`
	Total       int64        `json:"total"`
	Leaderboard []loginCount `json:"leaderboard"`
}

type loginCount struct {
	Login string `json:"login"`
	Count int64  `json:"count"`
}

func notTracked() leaderboardResponse {
	return leaderboardResponse{Err: true, ErrMsg: "NOT_TRACKED", Total: 0, Leaderboard: []loginCount{}}
}

func (h *Handlers) trackedChannel(login string) (config.TrackedChannel, bool) {
	for _, ch := range h.channels {
		if strings.EqualFold(ch.Login, login) {
			return ch, true
		}
	}
	return config.TrackedChannel{}, false
}

// CeilingChannel answers GET /ceilings/channel?name=<login>: the running
// total for one tracked channel plus its current chatter leaderboard.
// Channels outside the configured tracked list answer NOT_TRACKED without
// touching the store.
func (h *Handlers) CeilingChannel(c *gin.Context) {
	name := c.Query("name")
	tracked, ok := h.trackedChannel(name)
	if !ok {
		c.JSON(http.StatusOK, notTracked())
		return
	}

	ctx := c.Request.Context()
	channel, err := h.store.ChannelByID(ctx, tracked.ID)
	if err != nil {
		h.respondStoreError(c, "channel", err)
		return
	}

	scores, _, err := h.store.ScoresForChannel(ctx, tracked.ID, pagination.Params{Limit: pagination.MaxLimit, Offset: 0})
	if err != nil {
		h.respondStoreError(c, "channel scores", err)
		return
	}

	board := make([]loginCount, 0, len(scores))
	for _, s := range scores {
		board = append(board, loginCount{Login: s.Login, Count: s.Score})
	}

	c.JSON(http.StatusOK, leaderboardResponse{Err: false, ErrMsg: "", Total: channel.ChannelTotal, Leaderboard: board})
}

// CeilingUser answers GET /ceilings/user?name=<login>: one chatter's
// running total plus the breakdown of that total across every channel
// they've been counted in.
func (h *Handlers) CeilingUser(c *gin.Context) {
	name := c.Query("name")
	ctx := c.Request.Context()

	chatter, err := h.store.ChatterByLogin(ctx, name)
	if err != nil {
		if err == counter.ErrNotFound {
			c.JSON(http.StatusOK, notTracked())
			return
		}
		h.respondStoreError(c, "chatter", err)
		return
	}

	scores, _, err := h.store.ScoresForChatter(ctx, chatter.ID, pagination.Params{Limit: pagination.MaxLimit, Offset: 0})
	if err != nil {
		h.respondStoreError(c, "chatter scores", err)
		return
	}

	board := make([]loginCount, 0, len(scores))
	for _, s := range scores {
		board = append(board, loginCount{Login: s.Login, Count: s.Score})
	}

	c.JSON(http.StatusOK, leaderboardResponse{Err: false, ErrMsg: "", Total: chatter.Total, Leaderboard: board})
}

func (h *Handlers) respondStoreError(c *gin.Context, what string, err error) {
	h.log().WithFields(logging.Fields{"what": what, "error": err.Error()}).Warn("queryapi: store read failed")
	c.JSON(http.StatusOK, leaderboardResponse{
		Err: true, ErrMsg: "STORE_ERROR", Total: 0, Leaderboard: []loginCount{},
	})
}

// HelixByLogin answers GET /helix/by-login/:login with the resolved
// identity record for that login, passing through the Identity Resolver's
// ErrInvalidLogin as a 404.
func (h *Handlers) HelixByLogin(c *gin.Context) {
	login := c.Param("login")
	profiles, err := h.identity.ResolveByLogin(c.Request.Context(), []string{login})
	if err != nil {
		h.log().WithFields(logging.Fields{"login": login, "error": err.Error()}).Warn("queryapi: identity lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"message": "identity lookup failed"})
		return
	}
	profile, ok := profiles[login]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}
	c.JSON(http.StatusOK, profile)
}
