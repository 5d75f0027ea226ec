// Package counter implements the Counter Store (C2): repository-style
// upserts for Chatter/Channel/Score, the atomic 5-step increment the
// counter pipeline (spec §4.5) drives on every matched chat line, and the
// ranked/paginated reads backing the leaderboard HTTP surface.
package counter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tallyhook/pkg/cache"
	"tallyhook/pkg/database"
	"tallyhook/pkg/pagination"
	"tallyhook/pkg/redis"
)

// scoreCacheTTL bounds how long a cached total can lag the write that
// should have invalidated it, in case an invalidation call itself fails.
const scoreCacheTTL = 5 * time.Minute

// profileInvalidationChannel is the pub/sub channel IncrementMatch
// broadcasts a chatter id on after committing an upsert that may have
// changed a chatter's login/display name/color. The Identity Resolver
// subscribes on this same literal channel name to evict its own
// in-process cache entry for that id on every replica of this process,
// not just the one that handled the write.
const profileInvalidationChannel = "tallyhook:chatter-invalidate"

// ErrNotFound is returned by single-row reads that match nothing.
var ErrNotFound = errors.New("counter: not found")

// Chatter mirrors the chatters table.
type Chatter struct {
	ID          string
	Login       string
	DisplayName string
	Color       string
	Image       string
	Total       int64
	Private     bool
}

// Channel mirrors the channels table.
type Channel struct {
	ID           string
	ChannelTotal int64
}

// RankedChannel is one row of channel_leaderboard joined with its chatter
// display fields.
type RankedChannel struct {
	ID           string
	Login        string
	DisplayName  string
	ChannelTotal int64
	Ranking      int64
}

// RankedChatter is one row of chatter_leaderboard.
type RankedChatter struct {
	ID          string
	Login       string
	DisplayName string
	Total       int64
	Ranking     int64
}

// RankedScore is one row of ranked_scores_per_channel, joined with the
// chatter's login for display in the query API's leaderboards.
type RankedScore struct {
	ChatterID string
	ChannelID string
	Login     string
	Score     int64
	Ranking   int64
}

// Store is the Counter Store. It owns no connection pool of its own;
// database.PostgresConn is the teacher's shared *sql.DB alias.
type Store struct {
	db          database.PostgresConn
	redis       *cache.RedisCache
	invalidator *redis.TypedPubSub[string]
}

// New constructs a Store over an already-connected pool.
func New(db database.PostgresConn) *Store {
	return &Store{db: db}
}

// SetCache attaches the shared Redis tier that ChatterByID/ChannelByID read
// through and IncrementMatch invalidates. Optional: a nil or never-called
// SetCache leaves the Store reading Postgres directly on every call, which
// is always correct, just slower under read-heavy load (e.g. the
// !pisscount command hitting ChatterByID on every invocation).
func (s *Store) SetCache(redisCache *cache.RedisCache) {
	s.redis = redisCache
}

// SetInvalidationPublisher attaches a pub/sub broadcaster so other
// processes' Identity Resolvers drop their in-process cache entry for a
// chatter this process just wrote, instead of serving it until staleAfter.
// Optional: without it, other replicas' caches simply age out normally.
func (s *Store) SetInvalidationPublisher(pub *redis.TypedPubSub[string]) {
	s.invalidator = pub
}

func chatterScoreKey(id string) string { return "chatter:" + id + ":score" }
func channelScoreKey(id string) string { return "channel:" + id + ":score" }

// UpsertChatter inserts or refreshes the mutable fields of a Chatter.
func (s *Store) UpsertChatter(ctx context.Context, c Chatter) error {
	return s.upsertChatter(ctx, s.db, c)
}

func (s *Store) upsertChatter(ctx context.Context, q querier, c Chatter) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO chatters (id, login, display_name, color, image, private, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			login = EXCLUDED.login,
			display_name = EXCLUDED.display_name,
			color = EXCLUDED.color,
			image = EXCLUDED.image,
			updated_at = now()
	`, c.ID, c.Login, c.DisplayName, c.Color, c.Image, c.Private)
	if err != nil {
		return fmt.Errorf("counter: upsert chatter: %w", err)
	}
	return nil
}

// UpsertChannel inserts a Channel or touches its updated_at.
func (s *Store) UpsertChannel(ctx context.Context, id string) error {
	return s.upsertChannel(ctx, s.db, id)
}

func (s *Store) upsertChannel(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO channels (id, updated_at)
		VALUES ($1, now())
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
	`, id)
	if err != nil {
		return fmt.Errorf("counter: upsert channel: %w", err)
	}
	return nil
}

// querier is the subset of *sql.DB / *sql.Tx every repository method needs,
// so the same SQL can run either standalone or inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// IncrementMatch executes the Counter Pipeline's write step (spec §4.5) as
// one transaction: upsert Chatter, upsert Channel, upsert Score(+1) or
// increment it, then roll the delta up into both totals. All five
// statements commit together or not at all.
func (s *Store) IncrementMatch(ctx context.Context, channelID string, chatter Chatter) error {
	err := database.WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.upsertChatter(ctx, tx, chatter); err != nil {
			return err
		}
		if err := s.upsertChannel(ctx, tx, channelID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scores (chatter_id, channel_id, score, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (chatter_id, channel_id) DO UPDATE SET
				score = scores.score + 1,
				updated_at = now()
		`, chatter.ID, channelID); err != nil {
			return fmt.Errorf("counter: upsert score: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE chatters SET total = total + 1 WHERE id = $1`, chatter.ID); err != nil {
			return fmt.Errorf("counter: increment chatter total: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE channels SET channel_total = channel_total + 1 WHERE id = $1`, channelID); err != nil {
			return fmt.Errorf("counter: increment channel total: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidateScores(ctx, chatter.ID, channelID)
	return nil
}

// invalidateScores drops the Redis-cached totals this write just made
// stale. Best-effort: a failed invalidation just means ChatterByID/
// ChannelByID serve one cache TTL's worth of a slightly-behind total,
// never a wrong chatter or channel.
func (s *Store) invalidateScores(ctx context.Context, chatterID, channelID string) {
	if s.redis != nil {
		// Errors are dropped deliberately: the Store carries no logger of
		// its own, and a failed invalidation only leaves a stale cached
		// total to expire on scoreCacheTTL, never a wrong chatter/channel.
		_ = s.redis.Delete(ctx, chatterScoreKey(chatterID), channelScoreKey(channelID))
	}
	if s.invalidator != nil {
		_ = s.invalidator.Publish(ctx, profileInvalidationChannel, chatterID)
	}
}

// ChatterByID reads a single Chatter row, consulting the Redis tier first
// when one is attached: this is the read path the !pisscount command
// drives on every invocation, so it is the natural candidate for the
// score-cache SPEC_FULL.md's cache layer describes.
func (s *Store) ChatterByID(ctx context.Context, id string) (Chatter, error) {
	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, chatterScoreKey(id)); err == nil {
			var c Chatter
			if jsonErr := json.Unmarshal([]byte(raw), &c); jsonErr == nil {
				return c, nil
			}
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, login, display_name, color, image, total, private
		FROM chatters WHERE id = $1
	`, id)
	var c Chatter
	if err := row.Scan(&c.ID, &c.Login, &c.DisplayName, &c.Color, &c.Image, &c.Total, &c.Private); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chatter{}, ErrNotFound
		}
		return Chatter{}, fmt.Errorf("counter: chatter by id: %w", err)
	}
	s.cacheChatter(ctx, c)
	return c, nil
}

func (s *Store) cacheChatter(ctx context.Context, c Chatter) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = s.redis.Set(ctx, chatterScoreKey(c.ID), string(raw), scoreCacheTTL)
}

// ChatterByLogin reads a single Chatter row by its (case-insensitive) login.
func (s *Store) ChatterByLogin(ctx context.Context, login string) (Chatter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, login, display_name, color, image, total, private
		FROM chatters WHERE lower(login) = lower($1)
	`, login)
	var c Chatter
	if err := row.Scan(&c.ID, &c.Login, &c.DisplayName, &c.Color, &c.Image, &c.Total, &c.Private); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chatter{}, ErrNotFound
		}
		return Chatter{}, fmt.Errorf("counter: chatter by login: %w", err)
	}
	return c, nil
}

// ChannelByID reads a single Channel row, consulting the Redis tier first
// when one is attached: the query API's CeilingChannel handler drives this
// on every request.
func (s *Store) ChannelByID(ctx context.Context, id string) (Channel, error) {
	if s.redis != nil {
		if raw, err := s.redis.Get(ctx, channelScoreKey(id)); err == nil {
			var c Channel
			if jsonErr := json.Unmarshal([]byte(raw), &c); jsonErr == nil {
				return c, nil
			}
		}
	}

	row := s.db.QueryRowContext(ctx, `SELECT id, channel_total FROM channels WHERE id = $1`, id)
	var c Channel
	if err := row.Scan(&c.ID, &c.ChannelTotal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Channel{}, ErrNotFound
		}
		return Channel{}, fmt.Errorf("counter: channel by id: %w", err)
	}
	s.cacheChannel(ctx, c)
	return c, nil
}

func (s *Store) cacheChannel(ctx context.Context, c Channel) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	_ = s.redis.Set(ctx, channelScoreKey(c.ID), string(raw), scoreCacheTTL)
}

// ChannelExists reports whether a Channel row exists for id.
func (s *Store) ChannelExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM channels WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("counter: channel exists: %w", err)
	}
	return exists, nil
}

// ChannelLeaderboard reads a page of channel_leaderboard.
func (s *Store) ChannelLeaderboard(ctx context.Context, params pagination.Params) ([]RankedChannel, pagination.Page, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM channels`).Scan(&total); err != nil {
		return nil, pagination.Page{}, fmt.Errorf("counter: count channels: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT cl.id, c.login, c.display_name, cl.channel_total, cl.ranking
		FROM channel_leaderboard cl
		JOIN chatters c ON c.id = cl.id
		ORDER BY cl.ranking ASC
		LIMIT $1 OFFSET $2
	`, params.Limit, params.Offset)
	if err != nil {
		return nil, pagination.Page{}, fmt.Errorf("counter: channel leaderboard: %w", err)
	}
	defer rows.Close()

	var out []RankedChannel
	for rows.Next() {
		var r RankedChannel
		if err := rows.Scan(&r.ID, &r.Login, &r.DisplayName, &r.ChannelTotal, &r.Ranking); err != nil {
			return nil, pagination.Page{}, fmt.Errorf("counter: scan channel leaderboard: %w", err)
		}
		out = append(out, r)
	}
	return out, pagination.BuildPage(params, total), rows.Err()
}

// ChatterLeaderboard reads a page of chatter_leaderboard.
func (s *Store) ChatterLeaderboard(ctx context.Context, params pagination.Params) ([]RankedChatter, pagination.Page, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM chatters WHERE NOT private`).Scan(&total); err != nil {
		return nil, pagination.Page{}, fmt.Errorf("counter: count chatters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT cl.id, cl.login, cl.display_name, cl.total, cl.ranking
		FROM chatter_leaderboard cl
		JOIN chatters c ON c.id = cl.id
		WHERE NOT c.private
		ORDER BY cl.ranking ASC
		LIMIT $1 OFFSET $2
	`, params.Limit, params.Offset)
	if err != nil {
		return nil, pagination.Page{}, fmt.Errorf("counter: chatter leaderboard: %w", err)
	}
	defer rows.Close()

	var out []RankedChatter
	for rows.Next() {
		var r RankedChatter
		if err := rows.Scan(&r.ID, &r.Login, &r.DisplayName, &r.Total, &r.Ranking); err != nil {
			return nil, pagination.Page{}, fmt.Errorf("counter: scan chatter leaderboard: %w", err)
		}
		out = append(out, r)
	}
	return out, pagination.BuildPage(params, total), rows.Err()
}

// ScoresForChannel reads a page of ranked_scores_per_channel for one channel.
func (s *Store) ScoresForChannel(ctx context.Context, channelID string, params pagination.Params) ([]RankedScore, pagination.Page, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM scores WHERE channel_id = $1`, channelID).Scan(&total); err != nil {
		return nil, pagination.Page{}, fmt.Errorf("counter: count scores: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rs.chatter_id, rs.channel_id, c.login, rs.score, rs.ranking
		FROM ranked_scores_per_channel rs
		JOIN chatters c ON c.id = rs.chatter_id
		WHERE rs.channel_id = $1
		ORDER BY rs.ranking ASC
		LIMIT $2 OFFSET $3
	`, channelID, params.Limit, params.Offset)
	if err != nil {
		return nil, pagination.Page{}, fmt.Errorf("counter: ranked scores: %w", err)
	}
	defer rows.Close()

	var out []RankedScore
	for rows.Next() {
		var r RankedScore
		if err := rows.Scan(&r.ChatterID, &r.ChannelID, &r.Login, &r.Score, &r.Ranking); err != nil {
			return nil, pagination.Page{}, fmt.Errorf("counter: scan ranked scores: %w", err)
		}
		out = append(out, r)
	}
	return out, pagination.BuildPage(params, total), rows.Err()
}

// ScoresForChatter reads a page of one chatter's scores across every
// channel they've been counted in, ordered by score descending, for
// display as that chatter's own cross-channel leaderboard. Login here is
// the channel's login (not the chatter's own), since a channel's id is
// always its broadcaster's chatter id.
func (s *Store) ScoresForChatter(ctx context.Context, chatterID string, params pagination.Params) ([]RankedScore, pagination.Page, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM scores WHERE chatter_id = $1`, chatterID).Scan(&total); err != nil {
		return nil, pagination.Page{}, fmt.Errorf("counter: count chatter scores: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rs.chatter_id, rs.channel_id, ch.login, rs.score, rs.ranking
		FROM ranked_scores_per_channel rs
		JOIN chatters ch ON ch.id = rs.channel_id
		WHERE rs.chatter_id = $1
		ORDER BY rs.score DESC
		LIMIT $2 OFFSET $3
	`, chatterID, params.Limit, params.Offset)
	if err != nil {
		return nil, pagination.Page{}, fmt.Errorf("counter: ranked scores for chatter: %w", err)
	}
	defer rows.Close()

	var out []RankedScore
	for rows.Next() {
		var r RankedScore
		if err := rows.Scan(&r.ChatterID, &r.ChannelID, &r.Login, &r.Score, &r.Ranking); err != nil {
			return nil, pagination.Page{}, fmt.Errorf("counter: scan ranked scores for chatter: %w", err)
		}
		out = append(out, r)
	}
	return out, pagination.BuildPage(params, total), rows.Err()
}
