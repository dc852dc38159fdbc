// Package builder assembles a running boardpilot from configuration: engine
// and tutor sessions, board adapter, clock, stores and the UI bridge.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/tbuczek/boardpilot/internal/board"
	"github.com/tbuczek/boardpilot/internal/board/dgt"
	"github.com/tbuczek/boardpilot/internal/board/loopback"
	"github.com/tbuczek/boardpilot/internal/clock"
	"github.com/tbuczek/boardpilot/internal/config"
	"github.com/tbuczek/boardpilot/internal/domain"
	"github.com/tbuczek/boardpilot/internal/game"
	"github.com/tbuczek/boardpilot/internal/gamestore"
	"github.com/tbuczek/boardpilot/internal/pgn"
	"github.com/tbuczek/boardpilot/internal/tutor"
	"github.com/tbuczek/boardpilot/internal/uci"
	"github.com/tbuczek/boardpilot/internal/uibridge"
)

// Deps holds everything New wired together, so main can run and close it.
type Deps struct {
	Session     *game.Session
	UI          *uibridge.Server
	Engine      *uci.Session
	TutorEngine *uci.Session
	Tutor       *tutor.Coordinator
	Board       board.Adapter
	Clock       *clock.Controller
	Store       *gamestore.Store
	Repo        *gamestore.Repository
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Deps{}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	// Engine
	engine, err := uci.NewSession(ctx, cfg.EnginePath, logger.Named("engine"), cfg.StopTimeout)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	d.Engine = engine
	if len(cfg.EngineOptions) > 0 {
		if err := engine.Configure(ctx, cfg.EngineOptions); err != nil {
			return nil, fmt.Errorf("configure engine: %w", err)
		}
	}
	logger.Info("engine ready", zap.String("name", engine.Name()))

	// Tutor (optional second engine)
	var advisor game.Advisor
	if strings.TrimSpace(cfg.TutorPath) != "" {
		tutEngine, err := uci.NewSession(ctx, cfg.TutorPath, logger.Named("tutor-engine"), cfg.StopTimeout)
		if err != nil {
			return nil, fmt.Errorf("init tutor engine: %w", err)
		}
		d.TutorEngine = tutEngine
		if cfg.TutorMultiPV > 1 {
			opts := map[string]string{"MultiPV": fmt.Sprintf("%d", cfg.TutorMultiPV)}
			if err := tutEngine.Configure(ctx, opts); err != nil {
				if errors.Is(err, uci.ErrConfigurationRejected) {
					logger.Warn("tutor engine has no MultiPV option")
				} else {
					return nil, fmt.Errorf("configure tutor engine: %w", err)
				}
			}
		}
		d.Tutor = tutor.New(tutEngine, cfg.TutorDepth, logger.Named("tutor"))
		advisor = d.Tutor
		logger.Info("tutor ready", zap.String("name", tutEngine.Name()))
	}

	// Board
	switch cfg.BoardFamily {
	case config.BoardDGT:
		dev, err := os.OpenFile(cfg.BoardDevice, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open board device %s: %w", cfg.BoardDevice, err)
		}
		adapter, err := dgt.New(dev, logger.Named("dgt"))
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("init dgt board: %w", err)
		}
		d.Board = adapter
	default:
		d.Board = loopback.New()
	}

	// Clock
	base, inc, err := config.ParseTimeControl(cfg.TimeControl)
	if err != nil {
		return nil, fmt.Errorf("parse time control: %w", err)
	}
	d.Clock = clock.New(base, inc)

	// Stores (both optional)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		store, err := gamestore.New(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init game store: %w", err)
		}
		d.Store = store
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		repo, err := gamestore.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init game repository: %w", err)
		}
		d.Repo = repo
	}

	var live game.LiveStore
	var resume *game.LiveSnapshot
	if d.Store != nil {
		live = &liveAdapter{store: d.Store}
		if saved, err := d.Store.LoadLive(ctx); err != nil {
			logger.Warn("cannot load saved game", zap.Error(err))
		} else if saved != nil {
			resume = &game.LiveSnapshot{
				GameID:      saved.GameID,
				FEN:         saved.FEN,
				Root:        saved.Root,
				Moves:       saved.Moves,
				Mode:        saved.Mode,
				EngineSide:  saved.EngineSide,
				EnginePlays: saved.EnginePlays,
			}
		}
	}

	session := game.New(game.Options{
		Engine:       engine,
		Board:        d.Board,
		Tutor:        advisor,
		Clock:        d.Clock,
		Recorder:     &recorder{logger: logger.Named("recorder"), pgnDir: cfg.PGNDir, store: d.Store, repo: d.Repo},
		Live:         live,
		Resume:       resume,
		Logger:       logger.Named("session"),
		TimeControl:  cfg.TimeControl,
		Base:         base,
		Increment:    inc,
		Quiescence:   cfg.QuiescenceWindow,
		DesyncPolicy: cfg.DesyncPolicy,
		Ponder:       cfg.PonderMode,
		EngineSide:   domain.SideBlack,
		EnginePlays:  true,
	})
	d.Session = session
	d.UI = uibridge.NewServer(session, cfg.UIListenAddr, logger.Named("uibridge"))

	ok = true
	return d, nil
}

// Close tears down in reverse dependency order. Safe on a partially built
// Deps.
func (d *Deps) Close() {
	if d == nil {
		return
	}
	if d.Tutor != nil {
		d.Tutor.Close()
	}
	if d.TutorEngine != nil {
		_ = d.TutorEngine.Close()
	}
	if d.Engine != nil {
		_ = d.Engine.Close()
	}
	if d.Board != nil {
		_ = d.Board.Close()
	}
	if d.Store != nil {
		_ = d.Store.Close()
	}
	if d.Repo != nil {
		_ = d.Repo.Close()
	}
}

// liveAdapter bridges the session's snapshot type onto the redis store.
type liveAdapter struct {
	store *gamestore.Store
}

func (a *liveAdapter) SaveSnapshot(ctx context.Context, snap *game.LiveSnapshot) error {
	return a.store.SaveLive(ctx, &gamestore.LiveState{
		GameID:      snap.GameID,
		FEN:         snap.FEN,
		Root:        snap.Root,
		Moves:       snap.Moves,
		Mode:        snap.Mode,
		EngineSide:  snap.EngineSide,
		EnginePlays: snap.EnginePlays,
	})
}

// recorder fans a finished game out to every configured sink. Failures in one
// sink never hide the others.
type recorder struct {
	logger *zap.Logger
	pgnDir string
	store  *gamestore.Store
	repo   *gamestore.Repository
}

func (r *recorder) RecordGame(ctx context.Context, rec *domain.GameRecord) error {
	var errs []error
	if strings.TrimSpace(r.pgnDir) != "" {
		if path, err := pgn.Write(r.pgnDir, rec); err != nil {
			errs = append(errs, fmt.Errorf("pgn: %w", err))
		} else {
			r.logger.Info("game exported", zap.String("path", path))
		}
	}
	if r.store != nil {
		if err := r.store.ArchiveGame(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
		if err := r.store.ClearLive(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear live: %w", err))
		}
	}
	if r.repo != nil {
		if err := r.repo.SaveGame(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
