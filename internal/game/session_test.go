package game

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corentings/chess/v2"

	"github.com/tbuczek/boardpilot/internal/board"
	"github.com/tbuczek/boardpilot/internal/board/loopback"
	"github.com/tbuczek/boardpilot/internal/clock"
	"github.com/tbuczek/boardpilot/internal/config"
	"github.com/tbuczek/boardpilot/internal/domain"
	"github.com/tbuczek/boardpilot/internal/tutor"
	"github.com/tbuczek/boardpilot/internal/uci"
)

// engineScript answers the UCI handshake and serves searches over a pipe pair.
// With hold set, go commands only answer after a stop; otherwise each go pops
// the next reply from the queue. Ponder searches are always held until a
// ponderhit or a stop, and every received line is recorded for assertions.
type engineScript struct {
	out *io.PipeWriter

	mu        sync.Mutex
	hold      bool
	queue     []string
	searching bool
	lines     []string
}

func newScriptedEngine(t *testing.T, hold bool, replies ...string) (*uci.Session, *engineScript) {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	eng := &engineScript{out: respW, hold: hold, queue: replies}
	go eng.serve(cmdR)
	t.Cleanup(func() {
		cmdW.Close()
		respW.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := uci.NewSessionFromIO(ctx, cmdW, respR, nil)
	if err != nil {
		t.Fatalf("NewSessionFromIO: %v", err)
	}
	return s, eng
}

func (e *engineScript) serve(r *io.PipeReader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		e.mu.Lock()
		e.lines = append(e.lines, line)
		e.mu.Unlock()
		switch {
		case line == "uci":
			e.send("id name scripted")
			e.send("uciok")
		case line == "isready":
			e.send("readyok")
		case strings.HasPrefix(line, "go"):
			e.mu.Lock()
			if e.hold || strings.Contains(line, " ponder") {
				e.searching = true
				e.mu.Unlock()
				continue
			}
			reply := e.popLocked()
			e.mu.Unlock()
			e.reply(reply)
		case line == "ponderhit":
			e.mu.Lock()
			e.searching = false
			reply := e.popLocked()
			e.mu.Unlock()
			e.reply(reply)
		case line == "stop":
			e.mu.Lock()
			wasSearching := e.searching
			e.searching = false
			e.mu.Unlock()
			if wasSearching {
				e.send("bestmove (none)")
			}
		}
	}
}

func (e *engineScript) popLocked() string {
	if len(e.queue) == 0 {
		return "(none)"
	}
	reply := e.queue[0]
	e.queue = e.queue[1:]
	return reply
}

// reply may carry a ponder suggestion, e.g. "e7e5 ponder g1f3".
func (e *engineScript) reply(r string) {
	if r == "(none)" {
		e.send("bestmove (none)")
		return
	}
	e.send("info depth 12 score cp 21 pv " + strings.Fields(r)[0])
	e.send("bestmove " + r)
}

func (e *engineScript) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.lines...)
}

func (e *engineScript) send(line string) {
	_, _ = io.WriteString(e.out, line+"\n")
}

// disconnect drops the engine's output, which the session sees as the
// process dying.
func (e *engineScript) disconnect() { e.out.Close() }

func runSession(t *testing.T, o Options) *Session {
	t.Helper()
	if o.Quiescence == 0 {
		o.Quiescence = 30 * time.Millisecond
	}
	if o.Base == 0 {
		o.Base = time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.New(o.Base, o.Increment)
	}
	s := New(o)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()
	return s
}

func waitFor(t *testing.T, s *Session, what string, pred func(UIEvent) bool) UIEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func expectQuiet(t *testing.T, s *Session, window time.Duration, bad UIEventType) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == bad {
				t.Fatalf("unexpected %s event: %+v", bad, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestBoardMoveTriggersEngineReply(t *testing.T) {
	eng, _ := newScriptedEngine(t, false, "e7e5")
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:      eng,
		Board:       lb,
		EngineSide:  domain.SideBlack,
		EnginePlays: true,
	})

	lb.Lift(12)  // e2
	lb.Place(28) // e4

	ev := waitFor(t, s, "human move", func(ev UIEvent) bool { return ev.Type == EvMoveMade })
	if ev.MoveUCI != "e2e4" || ev.Mover != domain.SideWhite {
		t.Fatalf("unexpected human move: %+v", ev)
	}

	ev = waitFor(t, s, "engine reply", func(ev UIEvent) bool { return ev.Type == EvMoveMade })
	if ev.MoveUCI != "e7e5" || ev.Mover != domain.SideBlack {
		t.Fatalf("unexpected engine move: %+v", ev)
	}
	if ev.MoveSAN != "e5" {
		t.Fatalf("engine move SAN = %q", ev.MoveSAN)
	}
}

func TestEngineOpensWhenPlayingWhite(t *testing.T) {
	eng, _ := newScriptedEngine(t, false, "e2e4")
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:      eng,
		Board:       lb,
		EngineSide:  domain.SideWhite,
		EnginePlays: true,
	})

	ev := waitFor(t, s, "engine opening move", func(ev UIEvent) bool { return ev.Type == EvMoveMade })
	if ev.MoveUCI != "e2e4" || ev.Mover != domain.SideWhite {
		t.Fatalf("unexpected opening: %+v", ev)
	}

	// the physical move is indicated on the board LEDs
	deadline := time.Now().Add(time.Second)
	for {
		found := false
		for _, cmd := range lb.Commands() {
			if leds, ok := cmd.(board.SetLEDs); ok && len(leds.Squares) == 2 {
				found = leds.Squares[0] == 12 && leds.Squares[1] == 28
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine move never indicated on the board")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClockButtonSettlesWithoutWaiting(t *testing.T) {
	eng, _ := newScriptedEngine(t, false)
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:     eng,
		Board:      lb,
		Quiescence: 10 * time.Second,
	})

	lb.Lift(12)
	lb.Place(28)
	lb.PressClock(domain.SideWhite)

	ev := waitFor(t, s, "move settled by clock press", func(ev UIEvent) bool { return ev.Type == EvMoveMade })
	if ev.MoveUCI != "e2e4" {
		t.Fatalf("unexpected move: %+v", ev)
	}
}

func TestTypedMovesToCheckmate(t *testing.T) {
	eng, _ := newScriptedEngine(t, false)
	lb := loopback.New()
	s := runSession(t, Options{Engine: eng, Board: lb})

	for _, mv := range []string{"f2f3", "e7e5", "g2g4", "d8h4"} {
		if !s.Submit(Command{Kind: CmdPlayMove, Move: mv}) {
			t.Fatalf("command %q not accepted", mv)
		}
	}

	ev := waitFor(t, s, "game end", func(ev UIEvent) bool { return ev.Type == EvGameEnded })
	if ev.Reason != domain.EndCheckmate {
		t.Fatalf("reason = %s", ev.Reason)
	}
	if ev.Result != string(chess.BlackWon) {
		t.Fatalf("result = %s", ev.Result)
	}
}

func TestTakeBackDuringThinkDiscardsResult(t *testing.T) {
	eng, _ := newScriptedEngine(t, true)
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:      eng,
		Board:       lb,
		EngineSide:  domain.SideBlack,
		EnginePlays: true,
	})

	s.Submit(Command{Kind: CmdPlayMove, Move: "e2e4"})
	waitFor(t, s, "human move", func(ev UIEvent) bool { return ev.Type == EvMoveMade })

	// the engine is now thinking and will only answer a stop
	s.Submit(Command{Kind: CmdTakeBack})
	ev := waitFor(t, s, "position restored", func(ev UIEvent) bool { return ev.Type == EvPositionChanged })
	if ev.FEN != chess.NewGame().FEN() {
		t.Fatalf("FEN after takeback = %q", ev.FEN)
	}

	// the aborted search must not produce a move
	expectQuiet(t, s, 200*time.Millisecond, EvMoveMade)
}

func TestFlagFallEndsGame(t *testing.T) {
	eng, _ := newScriptedEngine(t, false)
	lb := loopback.New()
	s := runSession(t, Options{
		Engine: eng,
		Board:  lb,
		Base:   40 * time.Millisecond,
	})

	ev := waitFor(t, s, "flag fall", func(ev UIEvent) bool { return ev.Type == EvGameEnded })
	if ev.Reason != domain.EndFlagged {
		t.Fatalf("reason = %s", ev.Reason)
	}
	if ev.Result != string(chess.BlackWon) {
		t.Fatalf("result = %s", ev.Result)
	}
}

func TestResignDefaultsToHumanSide(t *testing.T) {
	eng, _ := newScriptedEngine(t, false)
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:      eng,
		Board:       lb,
		EngineSide:  domain.SideBlack,
		EnginePlays: true,
	})

	s.Submit(Command{Kind: CmdResign})
	ev := waitFor(t, s, "resignation", func(ev UIEvent) bool { return ev.Type == EvGameEnded })
	if ev.Reason != domain.EndResignation {
		t.Fatalf("reason = %s", ev.Reason)
	}
	if ev.Result != string(chess.BlackWon) {
		t.Fatalf("result = %s", ev.Result)
	}
}

func TestTutorHintMatchesCurrentPosition(t *testing.T) {
	eng, _ := newScriptedEngine(t, false)
	tutEng, _ := newScriptedEngine(t, false, "d7d5", "d7d5", "d7d5")
	tut := tutor.New(tutEng, 12, nil)
	defer tut.Close()

	lb := loopback.New()
	s := runSession(t, Options{Engine: eng, Board: lb, Tutor: tut})

	s.Submit(Command{Kind: CmdPlayMove, Move: "e2e4"})
	waitFor(t, s, "human move", func(ev UIEvent) bool { return ev.Type == EvMoveMade })

	after := chess.NewGame()
	if err := after.PushNotationMove("e2e4", chess.UCINotation{}, nil); err != nil {
		t.Fatalf("push: %v", err)
	}

	ev := waitFor(t, s, "tutor hint for the new position", func(ev UIEvent) bool {
		return ev.Type == EvTutorHint && ev.FEN == after.FEN()
	})
	if ev.Hint == nil || ev.Hint.BestMove != "d7d5" {
		t.Fatalf("unexpected hint: %+v", ev.Hint)
	}
}

func TestEngineLossWithoutRelaunchEndsGame(t *testing.T) {
	eng, script := newScriptedEngine(t, true)
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:      eng,
		Board:       lb,
		EngineSide:  domain.SideWhite,
		EnginePlays: true,
	})

	// the engine opens the game and is mid-search when it dies; a pipe-backed
	// session has no process to relaunch, so the game ends
	time.Sleep(50 * time.Millisecond)
	script.disconnect()

	ev := waitFor(t, s, "engine failure", func(ev UIEvent) bool { return ev.Type == EvGameEnded })
	if ev.Reason != domain.EndEngineFailure {
		t.Fatalf("reason = %s", ev.Reason)
	}
}

func TestUnexplainedDeltaPromptsReconcile(t *testing.T) {
	eng, _ := newScriptedEngine(t, false)
	lb := loopback.New()
	s := runSession(t, Options{Engine: eng, Board: lb})

	// a1 lifted and h4 occupied, no legal move explains the pair
	lb.Lift(0)
	lb.Place(31)

	ev := waitFor(t, s, "reconcile prompt", func(ev UIEvent) bool { return ev.Type == EvReconcile })
	if len(ev.Squares) != 2 || ev.Squares[0] != 0 || ev.Squares[1] != 31 {
		t.Fatalf("squares = %v", ev.Squares)
	}

	// restoring the pieces clears the prompt
	lb.Place(0)
	lb.Lift(31)
	waitFor(t, s, "board synchronized", func(ev UIEvent) bool {
		return ev.Type == EvEngineStatus && ev.Status == "board_synchronized"
	})
}

func TestNewGameAfterGameOverStartsFresh(t *testing.T) {
	eng, _ := newScriptedEngine(t, false, "e7e5")
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:      eng,
		Board:       lb,
		EngineSide:  domain.SideBlack,
		EnginePlays: true,
	})

	s.Submit(Command{Kind: CmdResign})
	waitFor(t, s, "resignation", func(ev UIEvent) bool { return ev.Type == EvGameEnded })

	s.Submit(Command{Kind: CmdNewGame, EngineSide: domain.SideBlack, EnginePlays: true})
	s.Submit(Command{Kind: CmdPlayMove, Move: "e2e4"})

	ev := waitFor(t, s, "move in the fresh game", func(ev UIEvent) bool { return ev.Type == EvMoveMade })
	if ev.MoveUCI != "e2e4" || ev.Mover != domain.SideWhite {
		t.Fatalf("unexpected move: %+v", ev)
	}
	ev = waitFor(t, s, "engine reply", func(ev UIEvent) bool { return ev.Type == EvMoveMade })
	if ev.MoveUCI != "e7e5" {
		t.Fatalf("unexpected engine move: %+v", ev)
	}
}

func TestAdoptedPositionRootsEngineSearches(t *testing.T) {
	eng, script := newScriptedEngine(t, false, "e7e5")
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:       eng,
		Board:        lb,
		EngineSide:   domain.SideBlack,
		EnginePlays:  true,
		DesyncPolicy: config.DesyncTrustBoard,
	})

	placement := "rnbqkbnr/pppppppp/8/8/3P4/8/PPP1PPPP/RNBQKBNR"
	lb.InjectScan(placement)
	waitFor(t, s, "adopted position", func(ev UIEvent) bool {
		return ev.Type == EvPositionChanged && strings.HasPrefix(ev.FEN, placement)
	})

	s.Submit(Command{Kind: CmdPlayMove, Move: "g1f3"})
	waitFor(t, s, "engine reply", func(ev UIEvent) bool {
		return ev.Type == EvMoveMade && ev.Mover == domain.SideBlack
	})

	// the search must be rooted at the adopted position, not the standard start
	var rooted bool
	for _, line := range script.received() {
		if strings.HasPrefix(line, "position startpos") {
			t.Fatalf("search rooted at the wrong position: %q", line)
		}
		if strings.HasPrefix(line, "position fen "+placement+" w") && strings.HasSuffix(line, "moves g1f3") {
			rooted = true
		}
	}
	if !rooted {
		t.Fatal("engine never positioned at the adopted root")
	}
}

func TestPonderHitConvertsSearch(t *testing.T) {
	eng, script := newScriptedEngine(t, false, "e7e5 ponder g1f3", "b8c6")
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:      eng,
		Board:       lb,
		EngineSide:  domain.SideBlack,
		EnginePlays: true,
		Ponder:      true,
	})

	s.Submit(Command{Kind: CmdPlayMove, Move: "e2e4"})
	waitFor(t, s, "engine reply", func(ev UIEvent) bool {
		return ev.Type == EvMoveMade && ev.MoveUCI == "e7e5"
	})

	// the predicted move arrives; the ponder search converts into the real one
	s.Submit(Command{Kind: CmdPlayMove, Move: "g1f3"})
	waitFor(t, s, "move from the converted search", func(ev UIEvent) bool {
		return ev.Type == EvMoveMade && ev.MoveUCI == "b8c6"
	})

	var hit bool
	goCount := 0
	for _, line := range script.received() {
		if line == "ponderhit" {
			hit = true
		}
		if strings.HasPrefix(line, "go") {
			goCount++
		}
	}
	if !hit {
		t.Fatal("ponderhit never sent")
	}
	if goCount != 2 {
		t.Fatalf("go commands = %d, want the first search and one ponder", goCount)
	}
}

func TestPonderMissRestartsSearch(t *testing.T) {
	eng, script := newScriptedEngine(t, false, "e7e5 ponder g1f3", "d7d5")
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:      eng,
		Board:       lb,
		EngineSide:  domain.SideBlack,
		EnginePlays: true,
		Ponder:      true,
	})

	s.Submit(Command{Kind: CmdPlayMove, Move: "e2e4"})
	waitFor(t, s, "engine reply", func(ev UIEvent) bool {
		return ev.Type == EvMoveMade && ev.MoveUCI == "e7e5"
	})

	// a different move than predicted: the ponder search is stopped and a
	// fresh one started on the actual position
	s.Submit(Command{Kind: CmdPlayMove, Move: "d2d4"})
	waitFor(t, s, "move from the fresh search", func(ev UIEvent) bool {
		return ev.Type == EvMoveMade && ev.MoveUCI == "d7d5"
	})

	var stopped bool
	goCount := 0
	for _, line := range script.received() {
		if line == "stop" {
			stopped = true
		}
		if strings.HasPrefix(line, "go") {
			goCount++
		}
	}
	if !stopped {
		t.Fatal("mismatched ponder search never stopped")
	}
	if goCount != 3 {
		t.Fatalf("go commands = %d, want two searches and one ponder", goCount)
	}
}

func TestSetClockAppliesIncrement(t *testing.T) {
	eng, _ := newScriptedEngine(t, false)
	lb := loopback.New()
	s := runSession(t, Options{Engine: eng, Board: lb})

	s.Submit(Command{Kind: CmdSetClock, Base: time.Minute, Increment: 2 * time.Second})
	s.Submit(Command{Kind: CmdPlayMove, Move: "e2e4"})

	ev := waitFor(t, s, "move with increment credited", func(ev UIEvent) bool { return ev.Type == EvMoveMade })
	if ev.WhiteRemaining <= time.Minute || ev.WhiteRemaining > time.Minute+2*time.Second {
		t.Fatalf("white remaining = %v, increment not credited", ev.WhiteRemaining)
	}
	if ev.BlackRemaining > time.Minute {
		t.Fatalf("black remaining = %v", ev.BlackRemaining)
	}
}

func TestTrustBoardPolicyAdoptsScan(t *testing.T) {
	eng, _ := newScriptedEngine(t, false)
	lb := loopback.New()
	s := runSession(t, Options{
		Engine:       eng,
		Board:        lb,
		DesyncPolicy: config.DesyncTrustBoard,
	})

	placement := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR"
	lb.InjectScan(placement)

	ev := waitFor(t, s, "adopted position", func(ev UIEvent) bool {
		return ev.Type == EvPositionChanged && strings.HasPrefix(ev.FEN, placement)
	})
	// rights are unknowable from occupancy, the adopted FEN drops them
	if !strings.Contains(ev.FEN, " - - ") {
		t.Fatalf("adopted FEN keeps rights: %q", ev.FEN)
	}
}
