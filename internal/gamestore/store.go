// Package gamestore persists games in redis: the live snapshot of the
// in-progress game (so a crash or restart can resume it) and an archive of
// finished games.
package gamestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbuczek/boardpilot/internal/domain"
)

const (
	liveTTL       = 24 * time.Hour
	archiveMax    = 500
	liveKey       = "bp:live"
	archiveKey    = "bp:archive"
	archivePrefix = "bp:game:"
)

// LiveState is the resumable snapshot of an in-progress game.
type LiveState struct {
	GameID      string              `json:"game_id"`
	FEN         string              `json:"fen"`
	Root        string              `json:"root,omitempty"`
	Moves       []domain.MoveRecord `json:"moves"`
	Mode        domain.Mode         `json:"mode"`
	EngineSide  domain.Side         `json:"engine_side"`
	EnginePlays bool                `json:"engine_plays"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type Store struct {
	rdb *redis.Client
}

// New connects to redis and verifies the link with a ping.
func New(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis URL required")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// SaveLive stores the resumable snapshot of the current game.
func (s *Store) SaveLive(ctx context.Context, state *LiveState) error {
	if s == nil || s.rdb == nil || state == nil {
		return nil
	}
	state.UpdatedAt = time.Now()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal live state: %w", err)
	}
	return s.rdb.Set(ctx, liveKey, raw, liveTTL).Err()
}

// LoadLive returns the last saved snapshot, or nil when there is none.
func (s *Store) LoadLive(ctx context.Context) (*LiveState, error) {
	if s == nil || s.rdb == nil {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, liveKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state LiveState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal live state: %w", err)
	}
	return &state, nil
}

// ClearLive removes the snapshot, typically once the game it described ended.
func (s *Store) ClearLive(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx, liveKey).Err()
}

// ArchiveGame stores a finished game and indexes it by end time. The index is
// trimmed so the archive never grows unbounded.
func (s *Store) ArchiveGame(ctx context.Context, rec *domain.GameRecord) error {
	if s == nil || s.rdb == nil || rec == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal game record: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, archivePrefix+rec.ID, raw, 0)
	pipe.ZAdd(ctx, archiveKey, redis.Z{Score: float64(rec.EndedAt.UnixMilli()), Member: rec.ID})
	pipe.ZRemRangeByRank(ctx, archiveKey, 0, -archiveMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

// LoadGame fetches one archived game by id, nil when absent.
func (s *Store) LoadGame(ctx context.Context, id string) (*domain.GameRecord, error) {
	if s == nil || s.rdb == nil {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, archivePrefix+strings.TrimSpace(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec domain.GameRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal game record: %w", err)
	}
	return &rec, nil
}

// RecentGames returns up to n archived games, newest first.
func (s *Store) RecentGames(ctx context.Context, n int) ([]*domain.GameRecord, error) {
	if s == nil || s.rdb == nil || n <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.ZRevRange(ctx, archiveKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.GameRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.LoadGame(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
