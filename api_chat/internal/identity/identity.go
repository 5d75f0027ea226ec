// Package identity implements the Identity Resolver (C1): batching
// lookups against the upstream platform, caching profiles keyed by id,
// and deciding when a cached profile must be refreshed.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"tallyhook/pkg/cache"
	"tallyhook/pkg/clients"
	"tallyhook/pkg/logging"
	"tallyhook/pkg/redis"
)

// profileInvalidationChannel must match the Counter Store's literal
// publish channel name; there is no shared constants package between the
// two, so this is the one place the name is duplicated.
const profileInvalidationChannel = "tallyhook:chatter-invalidate"

const (
	batchSize        = 100
	maxInFlightRetry = 25
	staleAfter       = 24 * time.Hour
	placeholderColor = "#8A2BE2"
)

// Error classification surfaced to callers; the upstream's own error
// shapes are never leaked past this boundary.
var (
	ErrInvalidLogin = errors.New("identity: invalid login or id")
	ErrEmptyData    = errors.New("identity: upstream returned no rows")
	ErrNetwork      = errors.New("identity: network error contacting upstream")
	ErrUnauthorized = errors.New("identity: upstream rejected credentials")
)

// ProviderError wraps a non-2xx body the upstream returned for a request
// that was otherwise well-formed.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity: upstream provider error (status %d): %s", e.Status, e.Body)
}

// Profile is the resolved record for one chatter/broadcaster.
type Profile struct {
	ID          string
	Login       string
	DisplayName string
	Color       string
	Image       string
	UpdatedAt   time.Time
}

func (p Profile) stale() bool {
	return time.Since(p.UpdatedAt) > staleAfter
}

// Persister is the callback the resolver uses to write refreshed profiles
// through to the Counter Store; the resolver does not own persistence.
type Persister func(ctx context.Context, p Profile) error

// HTTPDoer is the narrow interface the resolver needs from an HTTP client,
// so tests can substitute a fake transport without touching net/http.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver batches, caches, and refreshes upstream profile lookups.
type Resolver struct {
	baseURL     string
	clientID    string
	bearerToken string

	http     HTTPDoer
	executor failsafe.Executor[*http.Response]

	cache    *cache.Cache
	redis    *cache.RedisCache
	persist  Persister
	logger   logging.Logger
	retrySem chan struct{}
}

// Config configures the Resolver.
type Config struct {
	BaseURL     string
	ClientID    string
	BearerToken string
	HTTPClient  HTTPDoer
	Persist     Persister
	Logger      logging.Logger

	// RedisCache, when set, is consulted before falling through to the
	// upstream provider: a shared tier behind the in-process cache so
	// a cold Resolver on a freshly spawned process still hits warm data
	// another process already resolved. Nil disables the tier; the
	// in-process cache and upstream calls still work on their own.
	RedisCache *cache.RedisCache
}

// New constructs a Resolver with a two-tier cache: an in-process
// singleflight-deduplicated cache in front of the optional RedisCache, in
// front of the upstream provider (with Persist writing refreshed profiles
// through to the Counter Store's Postgres tables).
func New(cfg Config) *Resolver {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second, Transport: clients.DefaultTransport()}
	}

	return &Resolver{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		clientID:    cfg.ClientID,
		bearerToken: cfg.BearerToken,
		http:        httpClient,
		executor:    clients.NewHTTPExecutor(clients.DefaultHTTPExecutorConfig()),
		cache:       cache.New(cache.Options{TTL: staleAfter, StaleWhileRevalidate: time.Hour, NegativeTTL: time.Minute, MaxEntries: 50_000}, cache.MetricsHooks{}),
		redis:       cfg.RedisCache,
		persist:     cfg.Persist,
		logger:      cfg.Logger,
		retrySem:    make(chan struct{}, maxInFlightRetry),
	}
}

func (r *Resolver) log() logging.Logger {
	if r.logger == nil {
		return logging.NewLogger()
	}
	return r.logger
}

// ResolveByLogin looks up profiles for the given logins, chunking into
// batches of 100 and falling back to single-item retries on partial
// failure. Results are returned in no particular order; callers that need
// a specific login look it up in the returned map.
func (r *Resolver) ResolveByLogin(ctx context.Context, logins []string) (map[string]Profile, error) {
	return r.resolve(ctx, logins, "login")
}

// ResolveByID is the id-keyed counterpart of ResolveByLogin.
func (r *Resolver) ResolveByID(ctx context.Context, ids []string) (map[string]Profile, error) {
	return r.resolve(ctx, ids, "id")
}

func (r *Resolver) resolve(ctx context.Context, keys []string, keyKind string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(keys))
	var toFetch []string

	for _, k := range keys {
		if k == "" {
			continue
		}
		if v, ok := r.cache.Peek(cacheKey(keyKind, k)); ok {
			p := v.(Profile)
			if !p.stale() {
				out[k] = p
				continue
			}
		}
		if p, ok := r.redisLookup(ctx, keyKind, k); ok && !p.stale() {
			out[k] = p
			r.cache.Set(cacheKey(keyKind, k), p, staleAfter)
			continue
		}
		toFetch = append(toFetch, k)
	}

	if len(toFetch) == 0 {
		return out, nil
	}

	for start := 0; start < len(toFetch); start += batchSize {
		end := start + batchSize
		if end > len(toFetch) {
			end = len(toFetch)
		}
		chunk := toFetch[start:end]

		profiles, err := r.fetchBatch(ctx, chunk, keyKind)
		if err != nil {
			if errors.Is(err, ErrInvalidLogin) {
				profiles = r.fetchSingles(ctx, chunk, keyKind)
			} else {
				return out, err
			}
		}

		r.attachColors(ctx, profiles, keyKind)

		for key, p := range profiles {
			out[key] = p
			r.cache.Set(cacheKey(keyKind, key), p, staleAfter)
			r.redisStore(ctx, keyKind, key, p)
			if r.persist != nil {
				if perr := r.persist(ctx, p); perr != nil {
					r.log().WithFields(logging.Fields{"login": p.Login, "error": perr.Error()}).Warn("identity: persist failed")
				}
			}
		}
	}

	return out, nil
}

// fetchSingles retries each key in chunk individually, dropping entries
// that come back invalid rather than failing the whole batch. Concurrency
// is bounded by retrySem.
func (r *Resolver) fetchSingles(ctx context.Context, chunk []string, keyKind string) map[string]Profile {
	results := make(map[string]Profile)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, key := range chunk {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case r.retrySem <- struct{}{}:
				defer func() { <-r.retrySem }()
			case <-ctx.Done():
				return
			}

			single, err := r.fetchBatch(ctx, []string{key}, keyKind)
			if err != nil {
				r.log().WithFields(logging.Fields{"key": key, "error": err.Error()}).Warn("identity: dropping invalid entry")
				return
			}
			mu.Lock()
			for k, v := range single {
				results[k] = v
			}
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

type upstreamUser struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	ProfileURL  string `json:"profile_image_url"`
}

type upstreamUsersResponse struct {
	Data []upstreamUser `json:"data"`
}

func (r *Resolver) fetchBatch(ctx context.Context, keys []string, keyKind string) (map[string]Profile, error) {
	q := url.Values{}
	for _, k := range keys {
		q.Add(keyKind, k)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/users?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Client-Id", r.clientID)
	req.Header.Set("Authorization", "Bearer "+r.bearerToken)

	resp, err := clients.ExecuteHTTP(ctx, r.executor, func() (*http.Response, error) { return r.http.Do(req) })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(string(body)), "invalid") {
			return nil, ErrInvalidLogin
		}
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(body)}
	default:
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed upstreamUsersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if len(parsed.Data) == 0 {
		return nil, ErrEmptyData
	}

	out := make(map[string]Profile, len(parsed.Data))
	for _, u := range parsed.Data {
		p := Profile{
			ID:          u.ID,
			Login:       u.Login,
			DisplayName: u.DisplayName,
			Image:       u.ProfileURL,
			Color:       placeholderColor,
			UpdatedAt:   time.Now(),
		}
		key := u.ID
		if keyKind == "login" {
			key = u.Login
		}
		out[key] = p
	}
	return out, nil
}

type upstreamChatColor struct {
	UserID string `json:"user_id"`
	Color  string `json:"color"`
}

type upstreamColorsResponse struct {
	Data []upstreamChatColor `json:"data"`
}

// attachColors fetches chat colors in a second batched pass; colors are
// optional and default to a fixed placeholder on any failure.
func (r *Resolver) attachColors(ctx context.Context, profiles map[string]Profile, keyKind string) {
	if len(profiles) == 0 {
		return
	}

	ids := make([]string, 0, len(profiles))
	byID := make(map[string]string, len(profiles)) // id -> key
	for key, p := range profiles {
		if p.ID == "" {
			continue
		}
		ids = append(ids, p.ID)
		byID[p.ID] = key
	}

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		q := url.Values{}
		for _, id := range chunk {
			q.Add("user_id", id)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/chat/color?"+q.Encode(), nil)
		if err != nil {
			continue
		}
		req.Header.Set("Client-Id", r.clientID)
		req.Header.Set("Authorization", "Bearer "+r.bearerToken)

		resp, err := r.http.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}

		var parsed upstreamColorsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			continue
		}
		for _, c := range parsed.Data {
			key, ok := byID[c.UserID]
			if !ok || c.Color == "" {
				continue
			}
			p := profiles[key]
			p.Color = c.Color
			profiles[key] = p
		}
	}
}

// IsLive probes whether login is currently streaming, for the Webhook
// Dispatcher's "offline-subscription verification challenge arrives while
// already live" edge case. It does not consult the profile cache: liveness is never stale
// data, only a live query.
func (r *Resolver) IsLive(ctx context.Context, login string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/streams?user_login="+url.QueryEscape(login), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Client-Id", r.clientID)
	req.Header.Set("Authorization", "Bearer "+r.bearerToken)

	resp, err := clients.ExecuteHTTP(ctx, r.executor, func() (*http.Response, error) { return r.http.Do(req) })
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed upstreamUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return len(parsed.Data) > 0, nil
}

func cacheKey(keyKind, key string) string {
	return keyKind + ":" + key
}

// redisProfileKey and redisLoginKey follow the original service's
// ChatterKey::Name(id)/ChatterKey::Id(login) scheme: a login-keyed reverse
// index pointing at the id-keyed profile record, so a login lookup costs
// two Redis round trips instead of duplicating the full profile under
// every login a chatter has ever used.
func redisProfileKey(id string) string { return "chatter:" + id + ":profile" }
func redisLoginKey(login string) string { return "chatter:" + login + ":id" }

// SubscribeInvalidations runs, until ctx is cancelled, a background loop
// that evicts this Resolver's in-process cache entry for every chatter id
// the Counter Store broadcasts as just-written. Without this, a chatter's
// login/display-name/color update made on another process's write path
// would only reach this Resolver's cache on its next staleAfter expiry.
// Intended to be started once in its own goroutine by the caller.
func (r *Resolver) SubscribeInvalidations(ctx context.Context, pubsub *redis.TypedPubSub[string]) {
	if pubsub == nil {
		return
	}
	if err := pubsub.Subscribe(ctx, profileInvalidationChannel, func(id string) {
		r.cache.Delete(cacheKey("id", id))
	}); err != nil {
		r.log().WithFields(logging.Fields{"channel": profileInvalidationChannel, "error": err.Error()}).Warn("identity: invalidation subscription ended")
	}
}

// redisLookup consults the shared Redis tier before falling through to the
// upstream provider. A miss or any Redis error is treated identically: the
// caller proceeds to fetch from upstream, since Redis is an accelerator,
// never a source of truth.
func (r *Resolver) redisLookup(ctx context.Context, keyKind, key string) (Profile, bool) {
	if r.redis == nil {
		return Profile{}, false
	}
	id := key
	if keyKind == "login" {
		got, err := r.redis.Get(ctx, redisLoginKey(key))
		if err != nil {
			return Profile{}, false
		}
		id = got
	}
	raw, err := r.redis.Get(ctx, redisProfileKey(id))
	if err != nil {
		return Profile{}, false
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Profile{}, false
	}
	return p, true
}

// redisStore writes a freshly fetched profile through to the shared tier.
// Failures are logged and otherwise ignored: the in-process cache and
// Persister already hold the authoritative result for this process.
func (r *Resolver) redisStore(ctx context.Context, keyKind, key string, p Profile) {
	if r.redis == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, redisProfileKey(p.ID), string(raw), staleAfter); err != nil {
		r.log().WithFields(logging.Fields{"id": p.ID, "error": err.Error()}).Warn("identity: redis profile store failed")
		return
	}
	if keyKind == "login" {
		if err := r.redis.Set(ctx, redisLoginKey(key), p.ID, staleAfter); err != nil {
			r.log().WithFields(logging.Fields{"login": key, "error": err.Error()}).Warn("identity: redis login index store failed")
		}
	}
}

