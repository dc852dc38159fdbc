package tutor

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbuczek/boardpilot/internal/uci"
)

// scriptedEngine answers the UCI handshake and serves searches. The first
// holdSearches go commands only answer after a stop, later ones answer
// immediately.
type scriptedEngine struct {
	out *io.PipeWriter

	mu           sync.Mutex
	holdSearches int
	searches     int
	searching    bool
}

func newTutorSession(t *testing.T, hold int) (*uci.Session, *scriptedEngine) {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	eng := &scriptedEngine{out: respW, holdSearches: hold}
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

func (e *scriptedEngine) serve(r *io.PipeReader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "uci":
			e.send("id name scripted")
			e.send("uciok")
		case line == "isready":
			e.send("readyok")
		case strings.HasPrefix(line, "go"):
			e.mu.Lock()
			e.searches++
			hold := e.searches <= e.holdSearches
			e.searching = true
			e.mu.Unlock()
			if !hold {
				e.send("info depth 10 score cp 50 pv a7a6")
				e.answer()
			}
		case line == "stop":
			e.answer()
		}
	}
}

func (e *scriptedEngine) answer() {
	e.mu.Lock()
	if !e.searching {
		e.mu.Unlock()
		return
	}
	e.searching = false
	e.mu.Unlock()
	e.send("bestmove a7a6")
}

func (e *scriptedEngine) send(line string) {
	_, _ = io.WriteString(e.out, line+"\n")
}

func TestEvaluationDelivered(t *testing.T) {
	s, _ := newTutorSession(t, 0)
	c := New(s, 10, nil)
	defer c.Close()

	c.OnPosition("fp-1", "", []string{"e2e4"})

	select {
	case ev := <-c.Evaluations():
		if ev.Fingerprint != "fp-1" {
			t.Fatalf("fingerprint = %q", ev.Fingerprint)
		}
		if ev.ScoreCP != 50 || ev.BestMove != "a7a6" || ev.Depth != 10 {
			t.Fatalf("unexpected evaluation: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no evaluation delivered")
	}
}

func TestSupersededEvaluationDropped(t *testing.T) {
	s, _ := newTutorSession(t, 1)
	c := New(s, 10, nil)
	defer c.Close()

	// the first search is held open until OnPosition cancels it
	c.OnPosition("fp-old", "", nil)
	time.Sleep(50 * time.Millisecond) // OnPosition is asynchronous, order the two
	c.OnPosition("fp-new", "", []string{"e2e4"})

	select {
	case ev := <-c.Evaluations():
		if ev.Fingerprint != "fp-new" {
			t.Fatalf("stale evaluation leaked: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no evaluation delivered")
	}

	select {
	case ev := <-c.Evaluations():
		t.Fatalf("unexpected second evaluation: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelSuppressesDelivery(t *testing.T) {
	s, _ := newTutorSession(t, 1)
	c := New(s, 10, nil)
	defer c.Close()

	c.OnPosition("fp-1", "", nil)
	time.Sleep(50 * time.Millisecond)
	c.Cancel()

	select {
	case ev := <-c.Evaluations():
		t.Fatalf("cancelled evaluation delivered: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
