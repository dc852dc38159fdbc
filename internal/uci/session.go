package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout = 4 * time.Second
	defaultStopTimeout  = 5 * time.Second
)

var (
	// ErrSearchActive is returned when a search is started or options are
	// applied while another search is still outstanding.
	ErrSearchActive = errors.New("search already active")
	// ErrConfigurationRejected is returned when Configure names an option
	// the engine did not declare.
	ErrConfigurationRejected = errors.New("configuration rejected")
	// ErrEngineLost is returned once the engine process has exited or hung.
	ErrEngineLost = errors.New("engine lost")
)

// Search is the handle for one outstanding request. Exactly one Result is
// delivered on Result(), whether the search completes, is stopped, or the
// engine dies.
type Search struct {
	req Request

	mu            sync.Mutex
	last          Result
	stopRequested bool
	resolved      bool

	resultCh chan Result
	done     chan struct{}
}

func newSearch(req Request) *Search {
	return &Search{
		req:      req,
		resultCh: make(chan Result, 1),
		done:     make(chan struct{}),
	}
}

// Result delivers the terminal result of this search.
func (h *Search) Result() <-chan Result { return h.resultCh }

// Request returns the request this search was started with.
func (h *Search) Request() Request { return h.req }

func (h *Search) applyInfo(u infoUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u.depth > 0 {
		h.last.Depth = u.depth
	}
	if u.hasScore {
		h.last.ScoreCP = u.scoreCP
		h.last.Mate = u.mate
	}
	if u.pv != nil {
		h.last.PV = u.pv
	}
}

// Session owns one UCI engine process: launch, handshake, configuration,
// search control and termination. A background read loop tolerates
// informational lines interleaved in any order; only the terminal bestmove
// line resolves the outstanding search.
type Session struct {
	logger      *zap.Logger
	binary      string
	stopTimeout time.Duration

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	cmd     *exec.Cmd
	reader  *bufio.Reader
	name    string
	options map[string]Option
	applied map[string]string
	active  *Search
	lost    bool
	lostCh  chan error
	readyCh chan struct{}
}

// NewSession launches the engine binary and performs the UCI handshake.
func NewSession(ctx context.Context, binaryPath string, logger *zap.Logger, stopTimeout time.Duration) (*Session, error) {
	if strings.TrimSpace(binaryPath) == "" {
		return nil, errors.New("engine binary path required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	s := &Session{
		logger:      logger,
		binary:      binaryPath,
		stopTimeout: stopTimeout,
		options:     make(map[string]Option),
		applied:     make(map[string]string),
		lostCh:      make(chan error, 1),
		readyCh:     make(chan struct{}, 1),
	}
	if err := s.launch(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSessionFromIO builds a session over explicit streams, for engines
// reachable through something other than a child process (a TCP bridge, a
// test harness). There is no process handle, so Relaunch is unavailable.
func NewSessionFromIO(ctx context.Context, stdin io.WriteCloser, stdout io.Reader, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		logger:      logger,
		stopTimeout: defaultStopTimeout,
		stdin:       stdin,
		reader:      bufio.NewReader(stdout),
		options:     make(map[string]Option),
		applied:     make(map[string]string),
		lostCh:      make(chan error, 1),
		readyCh:     make(chan struct{}, 1),
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) launch(ctx context.Context) error {
	if s.binary != "" {
		cmd := exec.Command(s.binary)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("create stdin pipe: %w", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			stdin.Close()
			return fmt.Errorf("start engine: %w", err)
		}
		s.mu.Lock()
		s.cmd = cmd
		s.mu.Unlock()
		s.stdin = stdin
		s.reader = bufio.NewReader(stdoutPipe)
	}
	return s.start(ctx)
}

// start performs the handshake and then hands the output stream to the
// background read loop.
func (s *Session) start(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	for {
		line, err := s.readLine(initCtx)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "id name "):
			s.mu.Lock()
			s.name = strings.TrimPrefix(line, "id name ")
			s.mu.Unlock()
		case strings.HasPrefix(line, "option "):
			if opt, ok := parseOptionLine(line); ok {
				s.mu.Lock()
				s.options[normalizeOptionName(opt.Name)] = opt
				s.mu.Unlock()
			}
		}
		if strings.Contains(line, "uciok") {
			break
		}
	}

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	for {
		line, err := s.readLine(initCtx)
		if err != nil {
			return fmt.Errorf("wait readyok: %w", err)
		}
		if strings.Contains(line, "readyok") {
			break
		}
	}

	go s.readLoop()
	return nil
}

// Name reports the engine identity from the handshake.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Options lists the options the engine declared, sorted by name.
func (s *Session) Options() []Option {
	s.mu.Lock()
	out := make([]Option, 0, len(s.options))
	for _, o := range s.options {
		out = append(out, o)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lost fires once when the engine process exits or stops responding.
func (s *Session) Lost() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostCh
}

// Configure applies options between searches. Names the engine did not
// declare fail with ErrConfigurationRejected. The applied set is remembered
// and restored on Relaunch.
func (s *Session) Configure(ctx context.Context, opts map[string]string) error {
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return ErrEngineLost
	}
	if s.active != nil {
		s.mu.Unlock()
		return ErrSearchActive
	}
	names := make([]string, 0, len(opts))
	for name := range opts {
		if _, ok := s.options[normalizeOptionName(name)]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: unknown option %q", ErrConfigurationRejected, name)
		}
		names = append(names, name)
	}
	for name, value := range opts {
		s.applied[name] = value
	}
	s.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		cmd := fmt.Sprintf("setoption name %s value %s\n", name, opts[name])
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return s.EnsureReady(ctx)
}

// EnsureReady round-trips isready/readyok through the read loop.
func (s *Session) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	select {
	case <-s.readyCh: // drain a stale token
	default:
	}
	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	select {
	case <-s.readyCh:
		return nil
	case <-readyCtx.Done():
		return fmt.Errorf("wait readyok: %w", readyCtx.Err())
	}
}

// NewGame signals a fresh game to the engine.
func (s *Session) NewGame(ctx context.Context) error {
	if err := s.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}
	return s.EnsureReady(ctx)
}

// StartSearch begins a search. At most one search is outstanding per
// session; violating that fails with ErrSearchActive.
func (s *Session) StartSearch(req Request) (*Search, error) {
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return nil, ErrEngineLost
	}
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrSearchActive
	}
	h := newSearch(req)
	s.active = h
	s.mu.Unlock()

	if err := s.send(buildPositionCommand(req.FEN, req.Moves)); err != nil {
		s.markLost(fmt.Errorf("send position: %w", err))
		return nil, ErrEngineLost
	}
	if err := s.send(buildGoCommand(req.Limits, req.Ponder)); err != nil {
		s.markLost(fmt.Errorf("send go: %w", err))
		return nil, ErrEngineLost
	}
	return h, nil
}

// Stop requests immediate best-move output. Idempotent; the search handle
// still delivers exactly one Result. A hung engine is detected after the
// configured stop timeout and reported as ErrEngineLost.
func (s *Session) Stop(ctx context.Context, h *Search) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return nil
	}
	already := h.stopRequested
	h.stopRequested = true
	h.mu.Unlock()

	if !already {
		if err := s.send("stop\n"); err != nil {
			s.markLost(fmt.Errorf("send stop: %w", err))
			return ErrEngineLost
		}
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(s.stopTimeout):
		s.markLost(errors.New("engine unresponsive after stop"))
		return ErrEngineLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PonderHit converts an ongoing ponder search into a normal search after the
// predicted move was played.
func (s *Session) PonderHit(h *Search) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	resolved := h.resolved
	h.req.Ponder = false
	h.mu.Unlock()
	if resolved {
		return nil
	}
	return s.send("ponderhit\n")
}

// Relaunch restarts the engine process with the recorded binary and
// re-applies the last configuration. Only meaningful after Lost fired.
func (s *Session) Relaunch(ctx context.Context) error {
	s.mu.Lock()
	if s.binary == "" {
		s.mu.Unlock()
		return errors.New("session has no binary to relaunch")
	}
	old := s.cmd
	applied := make(map[string]string, len(s.applied))
	for k, v := range s.applied {
		applied[k] = v
	}
	s.cmd = nil
	s.active = nil
	s.lost = false
	s.lostCh = make(chan error, 1)
	s.readyCh = make(chan struct{}, 1)
	s.options = make(map[string]Option)
	s.mu.Unlock()

	if old != nil && old.Process != nil {
		_ = old.Process.Kill()
		_ = old.Wait()
	}
	if err := s.launch(ctx); err != nil {
		s.markLost(err)
		return err
	}
	s.logger.Info("engine relaunched", zap.String("engine", s.Name()))
	if len(applied) > 0 {
		return s.Configure(ctx, applied)
	}
	return nil
}

// Close terminates the engine process.
func (s *Session) Close() error {
	if s.stdin != nil {
		_, _ = io.WriteString(s.stdin, "quit\n")
		s.stdin.Close()
	}
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		return cmd.Wait()
	}
	return nil
}

func (s *Session) readLoop() {
	reader := s.reader
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			s.dispatch(line)
		}
		if err != nil {
			s.markLost(fmt.Errorf("engine output closed: %w", err))
			return
		}
	}
}

func (s *Session) dispatch(line string) {
	switch {
	case strings.HasPrefix(line, "info "):
		if u, ok := parseInfo(line); ok {
			s.mu.Lock()
			h := s.active
			s.mu.Unlock()
			if h != nil {
				h.applyInfo(u)
			}
		}
	case strings.HasPrefix(line, "bestmove"):
		best, ponder := parseBestMove(line)
		s.mu.Lock()
		h := s.active
		s.active = nil
		s.mu.Unlock()
		if h == nil {
			s.logger.Debug("bestmove without outstanding search", zap.String("line", line))
			return
		}
		h.mu.Lock()
		res := h.last
		res.BestMove = best
		res.PonderMove = ponder
		res.Completed = !h.stopRequested
		h.mu.Unlock()
		s.resolve(h, res)
	case strings.Contains(line, "readyok"):
		select {
		case s.readyCh <- struct{}{}:
		default:
		}
	default:
		s.logger.Debug("engine line ignored", zap.String("line", line))
	}
}

func (s *Session) resolve(h *Search, res Result) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	h.mu.Unlock()
	h.resultCh <- res
	close(h.done)
}

// markLost records the dead engine, resolves any outstanding search with an
// incomplete result so no caller waits forever, and fires the Lost channel.
func (s *Session) markLost(err error) {
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return
	}
	s.lost = true
	h := s.active
	s.active = nil
	lostCh := s.lostCh
	s.mu.Unlock()

	s.logger.Error("engine lost", zap.Error(err))
	if h != nil {
		h.mu.Lock()
		res := h.last
		res.Completed = false
		h.mu.Unlock()
		s.resolve(h, res)
	}
	select {
	case lostCh <- err:
	default:
	}
}

func (s *Session) send(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

// readLine is only used during the handshake, before the read loop owns the
// stream.
func (s *Session) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := s.reader.ReadString('\n')
		ch <- result{line: strings.TrimSpace(line), err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}
