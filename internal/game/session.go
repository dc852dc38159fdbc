// Package game is the conductor: it owns the authoritative game state and
// consumes a single serialized event stream fed by the board, the engine, the
// tutor, the clock and the UI. All state transitions happen on the Run
// goroutine, so no handler ever races another.
package game

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tbuczek/boardpilot/internal/board"
	"github.com/tbuczek/boardpilot/internal/clock"
	"github.com/tbuczek/boardpilot/internal/config"
	"github.com/tbuczek/boardpilot/internal/domain"
	"github.com/tbuczek/boardpilot/internal/tutor"
	"github.com/tbuczek/boardpilot/internal/uci"
)

const (
	eventBuffer   = 64
	uiBuffer      = 64
	recordTimeout = 10 * time.Second
)

// EngineDriver is the slice of the engine session the orchestrator drives.
// *uci.Session satisfies it.
type EngineDriver interface {
	NewGame(ctx context.Context) error
	StartSearch(req uci.Request) (*uci.Search, error)
	Stop(ctx context.Context, h *uci.Search) error
	PonderHit(h *uci.Search) error
	Lost() <-chan error
	Relaunch(ctx context.Context) error
	Name() string
}

// Advisor is the tutor surface the orchestrator feeds. *tutor.Coordinator
// satisfies it.
type Advisor interface {
	OnPosition(fingerprint, fen string, moves []string)
	Cancel()
	Evaluations() <-chan tutor.Evaluation
}

// Recorder persists a finished game. The builder composes PGN export and the
// archive store behind this.
type Recorder interface {
	RecordGame(ctx context.Context, rec *domain.GameRecord) error
}

// LiveSnapshot is the resumable state of the game in progress. Root is the
// FEN the game is rooted at, empty for the standard start position.
type LiveSnapshot struct {
	GameID      string
	FEN         string
	Root        string
	Moves       []domain.MoveRecord
	Mode        domain.Mode
	EngineSide  domain.Side
	EnginePlays bool
}

// LiveStore receives a snapshot after every position change so an interrupted
// session can be resumed.
type LiveStore interface {
	SaveSnapshot(ctx context.Context, snap *LiveSnapshot) error
}

// Options wires one session together.
type Options struct {
	Engine   EngineDriver
	Board    board.Adapter
	Tutor    Advisor // optional
	Clock    *clock.Controller
	Recorder Recorder  // optional
	Live     LiveStore // optional
	Resume   *LiveSnapshot
	Logger   *zap.Logger

	White       string
	Black       string
	TimeControl string
	Base        time.Duration
	Increment   time.Duration

	Quiescence   time.Duration
	DesyncPolicy config.DesyncPolicy
	Ponder       bool

	EngineSide  domain.Side
	EnginePlays bool
}

// Session is one sitting at the board: a sequence of games against (or
// alongside) the engine.
type Session struct {
	logger *zap.Logger
	engine EngineDriver
	brd    board.Adapter
	tut    Advisor
	clk    *clock.Controller
	rec    Recorder
	live   LiveStore
	resume *LiveSnapshot
	cfg    Options

	events     chan event
	uiOut      chan UIEvent
	relaunched chan struct{}

	// Everything below is owned by the Run goroutine.
	gameID      string
	game        *chess.Game
	root        string // FEN the game is rooted at, empty for the standard start
	history     []domain.MoveRecord
	state       State
	mode        domain.Mode
	engineSide  domain.Side
	enginePlays bool
	startedAt   time.Time

	pending    *uci.Search
	pendingGen uint64
	searchGen  uint64
	pondering  bool
	ponderMove string
	ponderHit  bool
	relaunches int

	delta       map[int]bool
	quiesce     *time.Timer
	reconciling bool
}

func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Quiescence <= 0 {
		opts.Quiescence = 400 * time.Millisecond
	}
	if opts.EngineSide == "" {
		opts.EngineSide = domain.SideBlack
	}
	return &Session{
		logger:      opts.Logger,
		engine:      opts.Engine,
		brd:         opts.Board,
		tut:         opts.Tutor,
		clk:         opts.Clock,
		rec:         opts.Recorder,
		live:        opts.Live,
		resume:      opts.Resume,
		cfg:         opts,
		events:      make(chan event, eventBuffer),
		uiOut:       make(chan UIEvent, uiBuffer),
		relaunched:  make(chan struct{}, 1),
		game:        chess.NewGame(),
		state:       StateAwaitingHuman,
		mode:        domain.ModeNormal,
		engineSide:  opts.EngineSide,
		enginePlays: opts.EnginePlays,
		delta:       make(map[int]bool),
	}
}

// Events delivers outbound UI events. Slow consumers lose events rather than
// stalling the session.
func (s *Session) Events() <-chan UIEvent { return s.uiOut }

// Submit queues one UI command. It reports false when the session is too far
// behind to accept it.
func (s *Session) Submit(cmd Command) bool {
	select {
	case s.events <- evCommand{cmd: cmd}:
		return true
	default:
		s.logger.Warn("command dropped, session backlogged", zap.String("kind", string(cmd.Kind)))
		return false
	}
}

// Run starts the producers and consumes the event stream until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	go s.pumpBoard(ctx)
	go s.pumpClock(ctx)
	go s.pumpLost(ctx)
	if s.tut != nil {
		go s.pumpTutor(ctx)
	}

	s.startGame(ctx, s.engineSide, s.enginePlays)

	for {
		var quiet <-chan time.Time
		if s.quiesce != nil {
			quiet = s.quiesce.C
		}
		select {
		case <-ctx.Done():
			s.stopQuiesce()
			s.clk.Stop()
			return ctx.Err()
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-quiet:
			s.quiesce = nil
			s.settleBoard(ctx)
		}
	}
}

func (s *Session) push(ctx context.Context, ev event) {
	select {
	case <-ctx.Done():
	case s.events <- ev:
	}
}

func (s *Session) pumpBoard(ctx context.Context) {
	for {
		ev, err := s.brd.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.push(ctx, evBoard{ev: board.Disconnected{Err: err}})
			}
			return
		}
		s.push(ctx, evBoard{ev: ev})
	}
}

func (s *Session) pumpClock(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case side := <-s.clk.Expiry():
			s.push(ctx, evClockExpired{side: side})
		}
	}
}

func (s *Session) pumpTutor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case eval := <-s.tut.Evaluations():
			s.push(ctx, evTutor{eval: eval})
		}
	}
}

// pumpLost forwards at most one loss per engine process: after forwarding it
// waits for the relaunch signal so the fresh lostCh is picked up.
func (s *Session) pumpLost(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.engine.Lost():
			s.push(ctx, evEngineLost{err: err})
		}
		select {
		case <-ctx.Done():
			return
		case <-s.relaunched:
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case evBoard:
		s.handleBoard(ctx, e.ev)
	case evEngineResult:
		s.handleEngineResult(ctx, e)
	case evEngineLost:
		s.handleEngineLost(ctx, e.err)
	case evTutor:
		s.handleTutor(e.eval)
	case evClockExpired:
		s.handleClockExpired(e.side)
	case evCommand:
		s.handleCommand(ctx, e.cmd)
	}
}

// --- board events -----------------------------------------------------------

func (s *Session) handleBoard(ctx context.Context, ev board.Event) {
	switch e := ev.(type) {
	case board.SquareChanged:
		s.onSquareChanged(ctx, e)
	case board.ClockButton:
		s.onClockButton(ctx, e)
	case board.Resync:
		s.onResync(ctx, e.Placement)
	case board.Disconnected:
		s.logger.Warn("board disconnected", zap.Error(e.Err))
		s.emit(UIEvent{Type: EvEngineStatus, Status: "board_disconnected", State: s.state})
		if s.state == StateAwaitingHuman {
			s.clk.Pause()
			s.state = StatePaused
		}
	}
}

func (s *Session) onSquareChanged(ctx context.Context, e board.SquareChanged) {
	if s.state == StateGameOver || s.mode == domain.ModeSetup {
		return
	}
	if e.Occupied == s.expectedOccupied(e.Square) {
		delete(s.delta, e.Square)
	} else {
		s.delta[e.Square] = e.Occupied
	}
	if len(s.delta) == 0 {
		s.stopQuiesce()
		if s.reconciling {
			s.finishReconcile(ctx)
		}
		return
	}
	s.armQuiesce()
}

// onClockButton forces an immediate settle: the player declares their move
// finished instead of waiting out the quiescence window.
func (s *Session) onClockButton(ctx context.Context, e board.ClockButton) {
	switch s.state {
	case StatePaused:
		s.clk.Resume()
		s.state = StateAwaitingHuman
		s.emitClock()
	case StateAwaitingHuman:
		s.stopQuiesce()
		s.settleBoard(ctx)
	default:
		s.logger.Debug("clock button ignored",
			zap.String("side", string(e.Side)), zap.String("state", string(s.state)))
	}
}

func (s *Session) onResync(ctx context.Context, placement string) {
	observed, err := parsePlacement(placement)
	if err != nil {
		s.logger.Warn("unreadable board scan", zap.Error(err))
		return
	}
	if s.mode == domain.ModeSetup {
		s.adoptPlacement(placement)
		return
	}
	mismatch := make(map[int]bool)
	for sq := 0; sq < 64; sq++ {
		if observed[sq] != s.expectedOccupied(sq) {
			mismatch[sq] = observed[sq]
		}
	}
	if len(mismatch) == 0 {
		s.delta = make(map[int]bool)
		s.stopQuiesce()
		if s.reconciling {
			s.finishReconcile(ctx)
		}
		return
	}
	if s.cfg.DesyncPolicy == config.DesyncTrustBoard && s.state != StateGameOver {
		s.adoptPlacement(placement)
		return
	}
	s.delta = mismatch
	s.beginReconcile(ctx)
}

// settleBoard interprets the accumulated occupancy delta once the board has
// been quiet for the whole window.
func (s *Session) settleBoard(ctx context.Context) {
	if len(s.delta) == 0 {
		if s.reconciling {
			s.finishReconcile(ctx)
		}
		return
	}
	if s.state != StateAwaitingHuman || s.reconciling {
		return
	}
	exact, partial := matchLegalMoves(s.game, s.delta)
	if mv, ok := choosePreferred(exact); ok {
		s.playHumanMove(ctx, mv)
		return
	}
	if len(exact) == 0 && partial > 0 {
		// a capture or castle still in flight, keep waiting
		s.armQuiesce()
		return
	}
	s.handleDesync(ctx)
}

func (s *Session) playHumanMove(ctx context.Context, mv chess.Move) {
	if s.pending != nil && s.pondering {
		if mv.String() == s.ponderMove {
			if err := s.engine.PonderHit(s.pending); err != nil {
				s.logger.Warn("ponderhit failed", zap.Error(err))
			} else {
				s.ponderHit = true
				s.pondering = false
			}
		}
		if !s.ponderHit {
			s.abortSearch(ctx)
		}
	}
	if err := s.applyMove(ctx, &mv, domain.OriginHuman, nil, 0); err != nil {
		s.logger.Error("human move rejected", zap.String("move", mv.String()), zap.Error(err))
		s.ponderHit = false
		s.handleDesync(ctx)
	}
}

func (s *Session) handleDesync(ctx context.Context) {
	if s.cfg.DesyncPolicy == config.DesyncTrustBoard {
		if err := s.brd.SendCommand(ctx, board.RequestScan{}); err != nil {
			s.logger.Warn("board scan request failed", zap.Error(err))
		}
		return
	}
	s.beginReconcile(ctx)
}

func (s *Session) beginReconcile(ctx context.Context) {
	s.reconciling = true
	squares := sortedSquares(s.delta)
	if err := s.brd.SendCommand(ctx, board.SetLEDs{Squares: squares}); err != nil {
		s.logger.Debug("board LEDs unavailable", zap.Error(err))
	}
	s.logger.Warn("board out of sync", zap.Int("squares", len(squares)))
	s.emit(UIEvent{Type: EvReconcile, FEN: s.game.FEN(), Squares: squares, State: s.state})
}

func (s *Session) finishReconcile(ctx context.Context) {
	s.reconciling = false
	if err := s.brd.SendCommand(ctx, board.ClearLEDs{}); err != nil {
		s.logger.Debug("board LEDs unavailable", zap.Error(err))
	}
	s.logger.Info("board synchronized")
	s.emit(UIEvent{Type: EvEngineStatus, Status: "board_synchronized", State: s.state})
}

// adoptPlacement accepts the board's placement as ground truth. Castling and
// en passant rights are unknowable from a scan, so they are dropped; the move
// history restarts from the adopted position.
func (s *Session) adoptPlacement(placement string) {
	turn := "w"
	if s.game.Position().Turn() == chess.Black {
		turn = "b"
	}
	fen := placement + " " + turn + " - - 0 1"
	opt, err := chess.FEN(fen)
	if err != nil {
		s.logger.Warn("cannot adopt board position", zap.String("fen", fen), zap.Error(err))
		return
	}
	s.game = chess.NewGame(opt)
	s.root = s.game.FEN()
	s.history = nil
	s.delta = make(map[int]bool)
	s.stopQuiesce()
	s.reconciling = false
	s.logger.Info("adopted board position", zap.String("fen", s.game.FEN()))
	s.emit(UIEvent{Type: EvPositionChanged, FEN: s.game.FEN(), State: s.state})
	s.notifyTutor()
	s.saveLive()
}

// --- engine events ----------------------------------------------------------

func (s *Session) handleEngineResult(ctx context.Context, e evEngineResult) {
	if e.gen != s.pendingGen || s.pending == nil {
		s.logger.Debug("stale engine result discarded",
			zap.Uint64("gen", e.gen), zap.String("bestmove", e.res.BestMove))
		return
	}
	s.pending = nil
	s.pendingGen = 0
	wasPonder := s.pondering
	s.pondering = false
	if wasPonder || !e.res.Completed || e.res.BestMove == "" {
		return
	}
	if s.state != StateEngineThinking {
		s.logger.Debug("engine result outside thinking state", zap.String("state", string(s.state)))
		return
	}
	mv, err := chess.UCINotation{}.Decode(s.game.Position(), e.res.BestMove)
	if err != nil {
		s.logger.Error("engine produced illegal move",
			zap.String("move", e.res.BestMove), zap.String("fen", s.game.FEN()), zap.Error(err))
		s.failEngine(err)
		return
	}
	var eval *int
	if e.res.Depth > 0 {
		score := e.res.ScoreCP
		eval = &score
	}
	if err := s.applyMove(ctx, mv, domain.OriginEngine, eval, e.res.Depth); err != nil {
		s.logger.Error("engine move rejected", zap.Error(err))
		s.failEngine(err)
		return
	}
	s.indicateMove(ctx, mv)
	if s.cfg.Ponder && e.res.PonderMove != "" && s.state == StateAwaitingHuman {
		s.startPonder(ctx, e.res.PonderMove)
	}
}

// indicateMove lights the engine move so the player can execute it on the
// physical board.
func (s *Session) indicateMove(ctx context.Context, mv *chess.Move) {
	squares := []int{squareIndex(mv.S1()), squareIndex(mv.S2())}
	if err := s.brd.SendCommand(ctx, board.SetLEDs{Squares: squares}); err != nil {
		s.logger.Debug("board LEDs unavailable", zap.Error(err))
	}
}

func (s *Session) handleEngineLost(ctx context.Context, lostErr error) {
	if s.state == StateGameOver {
		return
	}
	s.pending = nil
	s.pendingGen = 0
	s.pondering = false
	if s.relaunches >= 1 {
		s.logger.Error("engine lost again, giving up", zap.Error(lostErr))
		s.failEngine(lostErr)
		return
	}
	s.relaunches++
	s.logger.Warn("engine lost, relaunching once", zap.Error(lostErr))
	s.emit(UIEvent{Type: EvEngineStatus, Status: "engine_restarting", State: s.state})
	if err := s.engine.Relaunch(ctx); err != nil {
		s.failEngine(err)
		return
	}
	select {
	case s.relaunched <- struct{}{}:
	default:
	}
	s.emit(UIEvent{Type: EvEngineStatus, Status: "engine_ready", State: s.state})
	if s.state == StateEngineThinking {
		s.startEngineSearch(ctx)
	}
}

func (s *Session) failEngine(err error) {
	s.logger.Error("engine failure is fatal for this game", zap.Error(err))
	s.endGame(domain.EndEngineFailure, string(chess.NoOutcome))
}

// --- tutor and clock --------------------------------------------------------

func (s *Session) handleTutor(eval tutor.Evaluation) {
	if eval.Fingerprint != s.game.FEN() {
		s.logger.Debug("stale tutor evaluation discarded", zap.String("fingerprint", eval.Fingerprint))
		return
	}
	e := eval
	s.emit(UIEvent{Type: EvTutorHint, FEN: e.Fingerprint, Hint: &e, State: s.state})
}

func (s *Session) handleClockExpired(side domain.Side) {
	if s.state == StateGameOver || s.mode != domain.ModeNormal {
		return
	}
	result := string(chess.WhiteWon)
	if side == domain.SideWhite {
		result = string(chess.BlackWon)
	}
	s.logger.Info("flag fell", zap.String("side", string(side)))
	s.endGame(domain.EndFlagged, result)
}

// --- commands ---------------------------------------------------------------

func (s *Session) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdNewGame:
		s.startGame(ctx, cmd.EngineSide, cmd.EnginePlays)
	case CmdTakeBack:
		s.takeBack(ctx)
	case CmdResign:
		s.resign(cmd.Side)
	case CmdSetClock:
		s.clk.Set(cmd.Base, cmd.Base)
		s.clk.SetIncrement(cmd.Increment)
		s.cfg.Increment = cmd.Increment
		s.emitClock()
	case CmdDeclareGameOver:
		s.logger.Info("game declared over", zap.String("reason", cmd.Reason))
		s.endGame(domain.EndDeclared, string(chess.NoOutcome))
	case CmdChangeMode:
		s.changeMode(ctx, cmd.Mode)
	case CmdPlayMove:
		s.playNotatedMove(ctx, cmd.Move)
	case CmdPause:
		if s.state == StateAwaitingHuman {
			s.clk.Pause()
			s.state = StatePaused
			s.emitClock()
		}
	case CmdResume:
		if s.state == StatePaused {
			s.clk.Resume()
			s.state = StateAwaitingHuman
			s.emitClock()
		}
	default:
		s.logger.Warn("unknown command", zap.String("kind", string(cmd.Kind)))
	}
}

func (s *Session) startGame(ctx context.Context, engineSide domain.Side, enginePlays bool) {
	s.abortSearch(ctx)
	if s.tut != nil {
		s.tut.Cancel()
	}
	if engineSide == "" {
		engineSide = domain.SideBlack
	}
	s.gameID = uuid.NewString()
	s.game = chess.NewGame()
	s.root = ""
	s.history = nil
	s.delta = make(map[int]bool)
	s.stopQuiesce()
	s.reconciling = false
	s.relaunches = 0
	s.ponderHit = false
	s.state = StateAwaitingHuman
	s.mode = domain.ModeNormal
	s.engineSide = engineSide
	s.enginePlays = enginePlays
	s.startedAt = time.Now()

	if err := s.engine.NewGame(ctx); err != nil {
		s.logger.Warn("ucinewgame failed", zap.Error(err))
	}
	if err := s.brd.SendCommand(ctx, board.ClearLEDs{}); err != nil {
		s.logger.Debug("board LEDs unavailable", zap.Error(err))
	}

	if snap := s.resume; snap != nil {
		s.resume = nil
		if s.restoreSnapshot(snap) {
			engineSide = s.engineSide
			enginePlays = s.enginePlays
		}
	}

	s.clk.Set(s.cfg.Base, s.cfg.Base)
	s.clk.Start(sideFromColor(s.game.Position().Turn()))
	s.logger.Info("new game",
		zap.String("game_id", s.gameID),
		zap.String("engine_side", string(engineSide)),
		zap.Bool("engine_plays", enginePlays))
	s.emit(UIEvent{Type: EvPositionChanged, FEN: s.game.FEN(), State: StateAwaitingHuman})
	s.emitClock()
	s.notifyTutor()
	s.saveLive()
	s.advanceTurn(ctx)
}

func (s *Session) takeBack(ctx context.Context) {
	if len(s.history) == 0 || s.state == StateGameOver {
		s.logger.Debug("takeback ignored", zap.Int("plies", len(s.history)))
		return
	}
	s.abortSearch(ctx)
	if s.tut != nil {
		s.tut.Cancel()
	}
	removed := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]

	// Replay from the game's root; the position before an arbitrary ply is
	// not recoverable any other way once captures are involved.
	g, err := gameRootedAt(s.root)
	if err != nil {
		s.logger.Error("history replay failed", zap.String("root", s.root), zap.Error(err))
		return
	}
	for _, rec := range s.history {
		if err := g.PushNotationMove(rec.UCI, chess.UCINotation{}, nil); err != nil {
			s.logger.Error("history replay failed", zap.String("move", rec.UCI), zap.Error(err))
			return
		}
	}
	s.game = g
	s.refreshDelta()
	s.state = StateAwaitingHuman
	s.clk.Start(sideFromColor(s.game.Position().Turn()))
	s.logger.Info("move taken back", zap.String("move", removed.UCI))
	s.emit(UIEvent{Type: EvPositionChanged, FEN: s.game.FEN(), State: s.state})
	s.emitClock()
	s.notifyTutor()
	s.saveLive()
}

func (s *Session) resign(side domain.Side) {
	if s.state == StateGameOver {
		return
	}
	if side == "" {
		side = s.engineSide.Other()
	}
	s.game.Resign(colorFromSide(side))
	s.logger.Info("resignation", zap.String("side", string(side)))
	s.endGame(domain.EndResignation, string(s.game.Outcome()))
}

func (s *Session) changeMode(ctx context.Context, mode domain.Mode) {
	if mode == "" || mode == s.mode {
		return
	}
	s.logger.Info("mode change", zap.String("from", string(s.mode)), zap.String("to", string(mode)))
	s.mode = mode
	switch mode {
	case domain.ModeSetup:
		s.abortSearch(ctx)
		if s.tut != nil {
			s.tut.Cancel()
		}
		s.clk.Pause()
		s.state = StateSetup
		s.delta = make(map[int]bool)
		s.stopQuiesce()
	case domain.ModeAnalysis:
		s.abortSearch(ctx)
		s.clk.Pause()
		s.state = StateAwaitingHuman
		s.notifyTutor()
	case domain.ModeNormal:
		if s.state == StateSetup || s.state == StatePaused {
			s.clk.Resume()
		}
		s.state = StateAwaitingHuman
		s.advanceTurn(ctx)
	}
	s.emit(UIEvent{Type: EvPositionChanged, FEN: s.game.FEN(), State: s.state})
}

// playNotatedMove accepts a move typed in the UI, UCI first then SAN.
func (s *Session) playNotatedMove(ctx context.Context, text string) {
	if s.state != StateAwaitingHuman {
		s.logger.Debug("typed move ignored", zap.String("state", string(s.state)))
		return
	}
	text = strings.TrimSpace(text)
	pos := s.game.Position()
	mv, err := chess.UCINotation{}.Decode(pos, strings.ToLower(text))
	if err != nil {
		mv, err = chess.AlgebraicNotation{}.Decode(pos, text)
	}
	if err != nil {
		s.logger.Warn("unparseable move", zap.String("move", text), zap.Error(err))
		s.emit(UIEvent{Type: EvEngineStatus, Status: "illegal_move", State: s.state})
		return
	}
	s.playHumanMove(ctx, *mv)
}

// --- core transitions -------------------------------------------------------

func (s *Session) applyMove(ctx context.Context, mv *chess.Move, origin domain.Originator, evalCP *int, depth int) error {
	pos := s.game.Position()
	san := chess.AlgebraicNotation{}.Encode(pos, mv)
	mover := sideFromColor(pos.Turn())
	if err := s.game.Move(mv, nil); err != nil {
		return err
	}
	s.history = append(s.history, domain.MoveRecord{
		UCI:        mv.String(),
		SAN:        san,
		Originator: origin,
		PlayedAt:   time.Now(),
		EvalCP:     evalCP,
		Depth:      depth,
	})
	s.refreshDelta()
	if s.mode == domain.ModeNormal {
		s.clk.SwitchSide()
	}

	s.logger.Info("move applied",
		zap.String("move", mv.String()),
		zap.String("san", san),
		zap.String("by", string(origin)),
		zap.String("fen", s.game.FEN()))
	snap := s.clk.Snapshot()
	s.emit(UIEvent{
		Type:           EvMoveMade,
		FEN:            s.game.FEN(),
		MoveUCI:        mv.String(),
		MoveSAN:        san,
		Mover:          mover,
		WhiteRemaining: snap.WhiteRemaining,
		BlackRemaining: snap.BlackRemaining,
		State:          s.state,
	})
	s.notifyTutor()
	s.saveLive()

	if outcome := s.game.Outcome(); outcome != chess.NoOutcome {
		s.endGame(reasonFromMethod(s.game.Method()), string(outcome))
		return nil
	}
	s.advanceTurn(ctx)
	return nil
}

func (s *Session) advanceTurn(ctx context.Context) {
	if s.state == StateGameOver {
		return
	}
	turn := sideFromColor(s.game.Position().Turn())
	if s.mode == domain.ModeNormal && s.enginePlays && turn == s.engineSide {
		if s.ponderHit {
			// the ponder search is already running on the right position
			s.ponderHit = false
			s.state = StateEngineThinking
			s.emit(UIEvent{Type: EvEngineStatus, Status: "engine_thinking", State: s.state})
			return
		}
		s.startEngineSearch(ctx)
		return
	}
	s.state = StateAwaitingHuman
}

func (s *Session) startEngineSearch(ctx context.Context) {
	s.searchGen++
	gen := s.searchGen
	h, err := s.engine.StartSearch(uci.Request{
		FEN:    s.root,
		Moves:  s.uciMoves(),
		Limits: s.clockLimits(),
	})
	if err != nil {
		// a lost engine surfaces through the Lost channel; anything else is
		// a sequencing bug worth failing loudly on
		s.logger.Error("engine search failed to start", zap.Error(err))
		if !errors.Is(err, uci.ErrEngineLost) {
			s.failEngine(err)
		}
		return
	}
	s.pending = h
	s.pendingGen = gen
	s.pondering = false
	s.state = StateEngineThinking
	s.emit(UIEvent{Type: EvEngineStatus, Status: "engine_thinking", State: s.state})
	go s.watchSearch(ctx, gen, h)
}

func (s *Session) startPonder(ctx context.Context, predicted string) {
	if _, err := (chess.UCINotation{}).Decode(s.game.Position(), predicted); err != nil {
		s.logger.Debug("ponder move not playable", zap.String("move", predicted), zap.Error(err))
		return
	}
	s.searchGen++
	gen := s.searchGen
	moves := append(s.uciMoves(), predicted)
	h, err := s.engine.StartSearch(uci.Request{
		FEN:    s.root,
		Moves:  moves,
		Limits: s.clockLimits(),
		Ponder: true,
	})
	if err != nil {
		s.logger.Debug("ponder search failed to start", zap.Error(err))
		return
	}
	s.pending = h
	s.pendingGen = gen
	s.pondering = true
	s.ponderMove = predicted
	go s.watchSearch(ctx, gen, h)
}

func (s *Session) watchSearch(ctx context.Context, gen uint64, h *uci.Search) {
	select {
	case <-ctx.Done():
	case res := <-h.Result():
		s.push(ctx, evEngineResult{gen: gen, res: res})
	}
}

// abortSearch invalidates and stops the outstanding search. The stop is
// synchronous; engines answer it within milliseconds and a hung engine is
// converted to a loss by the session's stop timeout.
func (s *Session) abortSearch(ctx context.Context) {
	if s.pending == nil {
		return
	}
	h := s.pending
	s.pending = nil
	s.pendingGen = 0
	s.pondering = false
	s.ponderHit = false
	if err := s.engine.Stop(ctx, h); err != nil {
		s.logger.Warn("search abort failed", zap.Error(err))
	}
}

func (s *Session) endGame(reason domain.EndReason, result string) {
	if s.state == StateGameOver {
		return
	}
	s.clk.Stop()
	s.stopQuiesce()
	if s.pending != nil {
		h := s.pending
		s.pending = nil
		s.pendingGen = 0
		s.pondering = false
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			_ = s.engine.Stop(stopCtx, h)
		}()
	}
	if s.tut != nil {
		s.tut.Cancel()
	}
	s.state = StateGameOver
	s.logger.Info("game over",
		zap.String("game_id", s.gameID),
		zap.String("reason", string(reason)),
		zap.String("result", result))

	rec := s.buildRecord(reason, result)
	if s.rec != nil {
		go func() {
			recCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if err := s.rec.RecordGame(recCtx, rec); err != nil {
				s.logger.Error("game record not persisted",
					zap.String("game_id", rec.ID), zap.Error(err))
			}
		}()
	}
	s.emit(UIEvent{
		Type:   EvGameEnded,
		FEN:    s.game.FEN(),
		Reason: reason,
		Result: result,
		State:  s.state,
	})
}

func (s *Session) buildRecord(reason domain.EndReason, result string) *domain.GameRecord {
	white, black := s.cfg.White, s.cfg.Black
	if s.enginePlays {
		engineName := s.engine.Name()
		if engineName == "" {
			engineName = "engine"
		}
		if s.engineSide == domain.SideWhite {
			white = engineName
		} else {
			black = engineName
		}
	}
	if white == "" {
		white = "White"
	}
	if black == "" {
		black = "Black"
	}
	return &domain.GameRecord{
		ID:          s.gameID,
		White:       white,
		Black:       black,
		TimeControl: s.cfg.TimeControl,
		Moves:       append([]domain.MoveRecord(nil), s.history...),
		Result:      result,
		Termination: reason,
		StartedAt:   s.startedAt,
		EndedAt:     time.Now(),
	}
}

// --- helpers ----------------------------------------------------------------

func (s *Session) uciMoves() []string {
	moves := s.game.Moves()
	out := make([]string, 0, len(moves))
	for _, m := range moves {
		out = append(out, m.String())
	}
	return out
}

func (s *Session) clockLimits() uci.Limits {
	snap := s.clk.Snapshot()
	return uci.Limits{
		WhiteTimeMillis: int(snap.WhiteRemaining / time.Millisecond),
		BlackTimeMillis: int(snap.BlackRemaining / time.Millisecond),
		WhiteIncMillis:  int(s.cfg.Increment / time.Millisecond),
		BlackIncMillis:  int(s.cfg.Increment / time.Millisecond),
	}
}

func (s *Session) expectedOccupied(sq int) bool {
	return s.game.Position().Board().Piece(chessSquare(sq)) != chess.NoPiece
}

// refreshDelta drops observations the new position explains. Entries are
// observed occupancies, so after a position change some of them stop being
// mismatches (the player executing the engine's move, a takeback restore).
func (s *Session) refreshDelta() {
	for sq, occ := range s.delta {
		if occ == s.expectedOccupied(sq) {
			delete(s.delta, sq)
		}
	}
	if len(s.delta) == 0 {
		s.stopQuiesce()
	}
}

// restoreSnapshot replays a saved game so a restart continues where the
// previous run stopped. A snapshot that no longer replays is ignored.
func (s *Session) restoreSnapshot(snap *LiveSnapshot) bool {
	g, err := gameRootedAt(snap.Root)
	if err != nil {
		s.logger.Warn("stale live snapshot ignored", zap.String("root", snap.Root), zap.Error(err))
		return false
	}
	for _, rec := range snap.Moves {
		if err := g.PushNotationMove(rec.UCI, chess.UCINotation{}, nil); err != nil {
			s.logger.Warn("stale live snapshot ignored", zap.String("move", rec.UCI), zap.Error(err))
			return false
		}
	}
	s.game = g
	s.root = snap.Root
	s.history = append([]domain.MoveRecord(nil), snap.Moves...)
	if snap.GameID != "" {
		s.gameID = snap.GameID
	}
	if snap.EngineSide != "" {
		s.engineSide = snap.EngineSide
	}
	s.enginePlays = snap.EnginePlays
	if snap.Mode != "" {
		s.mode = snap.Mode
	}
	s.logger.Info("resumed saved game",
		zap.String("game_id", s.gameID), zap.Int("plies", len(s.history)))
	return true
}

func (s *Session) saveLive() {
	if s.live == nil || s.state == StateGameOver {
		return
	}
	snap := &LiveSnapshot{
		GameID:      s.gameID,
		FEN:         s.game.FEN(),
		Root:        s.root,
		Moves:       append([]domain.MoveRecord(nil), s.history...),
		Mode:        s.mode,
		EngineSide:  s.engineSide,
		EnginePlays: s.enginePlays,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.live.SaveSnapshot(ctx, snap); err != nil {
			s.logger.Warn("live snapshot not saved", zap.Error(err))
		}
	}()
}

func (s *Session) notifyTutor() {
	if s.tut == nil || s.mode == domain.ModeSetup {
		return
	}
	s.tut.OnPosition(s.game.FEN(), s.root, s.uciMoves())
}

func (s *Session) armQuiesce() {
	s.stopQuiesce()
	s.quiesce = time.NewTimer(s.cfg.Quiescence)
}

func (s *Session) stopQuiesce() {
	if s.quiesce != nil {
		s.quiesce.Stop()
		s.quiesce = nil
	}
}

func (s *Session) emit(ev UIEvent) {
	select {
	case s.uiOut <- ev:
	default:
		s.logger.Debug("UI event dropped, consumer behind", zap.String("type", string(ev.Type)))
	}
}

func (s *Session) emitClock() {
	snap := s.clk.Snapshot()
	s.emit(UIEvent{
		Type:           EvClockUpdated,
		WhiteRemaining: snap.WhiteRemaining,
		BlackRemaining: snap.BlackRemaining,
		State:          s.state,
	})
}

func reasonFromMethod(m chess.Method) domain.EndReason {
	switch m {
	case chess.Checkmate:
		return domain.EndCheckmate
	case chess.Stalemate:
		return domain.EndStalemate
	case chess.Resignation:
		return domain.EndResignation
	default:
		return domain.EndDraw
	}
}
