// Package tutor drives a second engine session purely for advisory
// evaluation. It never blocks the game session: evaluations are delivered on
// a buffered channel and consumed opportunistically, with staleness filtered
// by position fingerprint at the consuming end.
package tutor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tbuczek/boardpilot/internal/uci"
)

// Evaluation is one finished advisory analysis, tagged with the fingerprint
// of the position it was computed for.
type Evaluation struct {
	Fingerprint string
	ScoreCP     int
	Mate        int
	BestMove    string
	PV          []string
	Depth       int
}

// analyser is the slice of the engine session the coordinator uses.
type analyser interface {
	StartSearch(req uci.Request) (*uci.Search, error)
	Stop(ctx context.Context, h *uci.Search) error
}

// Coordinator owns the tutor engine session. On every accepted move the
// previous evaluation is cancelled and a new one starts on the resulting
// position.
type Coordinator struct {
	logger *zap.Logger
	engine analyser
	depth  int

	evals chan Evaluation

	// opMu serializes stop-then-start sequences so at most one tutor
	// search is ever outstanding.
	opMu    sync.Mutex
	current *uci.Search

	closeOnce sync.Once
	closed    chan struct{}
}

func New(engine analyser, depth int, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if depth <= 0 {
		depth = 20
	}
	return &Coordinator{
		logger: logger,
		engine: engine,
		depth:  depth,
		evals:  make(chan Evaluation, 8),
		closed: make(chan struct{}),
	}
}

// Evaluations delivers completed advisory evaluations.
func (c *Coordinator) Evaluations() <-chan Evaluation { return c.evals }

// OnPosition cancels any outstanding evaluation and starts a fresh one for
// the given position. It returns immediately; the caller is never delayed by
// tutor work.
func (c *Coordinator) OnPosition(fingerprint, fen string, moves []string) {
	go func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()
		select {
		case <-c.closed:
			return
		default:
		}
		c.cancelLocked()

		req := uci.Request{
			FEN:    fen,
			Moves:  append([]string(nil), moves...),
			Limits: uci.Limits{Depth: c.depth},
		}
		h, err := c.engine.StartSearch(req)
		if err != nil {
			c.logger.Warn("tutor search failed to start", zap.Error(err))
			return
		}
		c.current = h
		go c.watch(fingerprint, h)
	}()
}

// Cancel stops the outstanding evaluation without starting a new one.
func (c *Coordinator) Cancel() {
	go func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()
		c.cancelLocked()
	}()
}

// Close cancels any outstanding work and stops accepting positions.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.opMu.Lock()
		c.cancelLocked()
		c.opMu.Unlock()
	})
}

func (c *Coordinator) cancelLocked() {
	if c.current == nil {
		return
	}
	if err := c.engine.Stop(context.Background(), c.current); err != nil {
		c.logger.Warn("tutor cancel failed", zap.Error(err))
	}
	c.current = nil
}

// watch waits for the terminal result of one search and forwards it if it
// completed. Cancelled searches are dropped silently; a full channel drops
// the evaluation rather than stalling anything.
func (c *Coordinator) watch(fingerprint string, h *uci.Search) {
	res := <-h.Result()
	if !res.Completed || res.BestMove == "" {
		return
	}
	ev := Evaluation{
		Fingerprint: fingerprint,
		ScoreCP:     res.ScoreCP,
		Mate:        res.Mate,
		BestMove:    res.BestMove,
		PV:          res.PV,
		Depth:       res.Depth,
	}
	select {
	case c.evals <- ev:
	default:
		c.logger.Debug("tutor evaluation dropped, consumer behind",
			zap.String("fingerprint", fingerprint))
	}
}
