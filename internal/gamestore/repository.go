package gamestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/tbuczek/boardpilot/internal/domain"
	"github.com/tbuczek/boardpilot/internal/pgn"
)

// Repository persists finished games into postgres for long-term storage and
// querying beyond what the redis archive keeps.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveGame upserts a finished game keyed by its id, so a retried save after a
// flaky connection cannot duplicate rows.
func (r *Repository) SaveGame(ctx context.Context, rec *domain.GameRecord) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}

	movesUCI := make([]string, 0, len(rec.Moves))
	movesSAN := make([]string, 0, len(rec.Moves))
	for _, mv := range rec.Moves {
		movesUCI = append(movesUCI, mv.UCI)
		movesSAN = append(movesSAN, mv.SAN)
	}
	movesUCIRaw, _ := json.Marshal(movesUCI)
	movesSANRaw, _ := json.Marshal(movesSAN)
	duration := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO games (
	    game_id, white, black, time_control,
	    result, termination, moves_uci, moves_san, pgn,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	  ) ON CONFLICT (game_id) DO UPDATE SET
	    white=EXCLUDED.white,
	    black=EXCLUDED.black,
	    time_control=EXCLUDED.time_control,
	    result=EXCLUDED.result,
	    termination=EXCLUDED.termination,
	    moves_uci=EXCLUDED.moves_uci,
	    moves_san=EXCLUDED.moves_san,
	    pgn=EXCLUDED.pgn,
	    started_at=EXCLUDED.started_at,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.White, rec.Black, rec.TimeControl,
		rec.Result, string(rec.Termination),
		string(movesUCIRaw), string(movesSANRaw), pgn.Export(rec),
		rec.StartedAt, rec.EndedAt, duration,
	)
	return err
}
