package dgt

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tbuczek/boardpilot/internal/board"
	"github.com/tbuczek/boardpilot/internal/domain"
)

// fakePort feeds scripted frames to the adapter and records what it writes.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written []byte
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.r.Close()
	return nil
}

func (p *fakePort) feed(t *testing.T, frame []byte) {
	t.Helper()
	if _, err := p.w.Write(frame); err != nil {
		t.Fatalf("feed: %v", err)
	}
}

func (p *fakePort) bytesWritten() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

func frame(id byte, payload ...byte) []byte {
	length := len(payload) + 3
	out := []byte{id, byte(length >> 7 & 0x7f), byte(length & 0x7f)}
	return append(out, payload...)
}

func readEvent(t *testing.T, a *Adapter) board.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := a.ReadEvent(ctx)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	return ev
}

func TestFieldUpdateSquareMapping(t *testing.T) {
	port := newFakePort()
	a, err := New(port, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	// DGT numbers from a8; internal e2 is index 12, DGT 52
	port.feed(t, frame(msgFieldUpdate, 52, pieceEmpty))
	ev := readEvent(t, a)
	sc, ok := ev.(board.SquareChanged)
	if !ok {
		t.Fatalf("expected SquareChanged, got %T", ev)
	}
	if sc.Square != 12 || sc.Occupied {
		t.Fatalf("unexpected event: %+v", sc)
	}

	port.feed(t, frame(msgFieldUpdate, 52-24, pieceWPawn)) // e5
	ev = readEvent(t, a)
	sc = ev.(board.SquareChanged)
	if sc.Square != 36 || !sc.Occupied {
		t.Fatalf("unexpected event: %+v", sc)
	}
}

func TestBoardDumpBecomesPlacement(t *testing.T) {
	port := newFakePort()
	a, err := New(port, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	dump := make([]byte, 0, 64)
	back := []byte{8, 9, 10, 12, 11, 10, 9, 8} // r n b q k b n r
	front := []byte{2, 3, 4, 6, 5, 4, 3, 2}    // R N B Q K B N R
	dump = append(dump, back...)
	for i := 0; i < 8; i++ {
		dump = append(dump, 7) // p
	}
	for i := 0; i < 32; i++ {
		dump = append(dump, 0)
	}
	for i := 0; i < 8; i++ {
		dump = append(dump, 1) // P
	}
	dump = append(dump, front...)

	port.feed(t, frame(msgBoardDump, dump...))
	ev := readEvent(t, a)
	rs, ok := ev.(board.Resync)
	if !ok {
		t.Fatalf("expected Resync, got %T", ev)
	}
	want := "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"
	if rs.Placement != want {
		t.Fatalf("placement = %q, want %q", rs.Placement, want)
	}
}

func TestClockButtonSides(t *testing.T) {
	port := newFakePort()
	a, err := New(port, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	port.feed(t, frame(msgClockButton, 0x00))
	ev := readEvent(t, a)
	if cb := ev.(board.ClockButton); cb.Side != domain.SideWhite {
		t.Fatalf("expected white, got %+v", cb)
	}
	port.feed(t, frame(msgClockButton, 0x01))
	ev = readEvent(t, a)
	if cb := ev.(board.ClockButton); cb.Side != domain.SideBlack {
		t.Fatalf("expected black, got %+v", cb)
	}
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	port := newFakePort()
	a, err := New(port, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	port.feed(t, []byte{0x12})                          // stray byte without the message bit
	port.feed(t, frame(msgFieldUpdate, 99, 0))          // square out of range
	port.feed(t, frame(msgFieldUpdate, 0, pieceBKing))  // then a good one
	ev := readEvent(t, a)
	sc, ok := ev.(board.SquareChanged)
	if !ok {
		t.Fatalf("expected SquareChanged, got %T", ev)
	}
	if sc.Square != 56 || !sc.Occupied { // DGT 0 is a8
		t.Fatalf("unexpected event: %+v", sc)
	}
}

func TestDisconnectedOnEOF(t *testing.T) {
	port := newFakePort()
	a, err := New(port, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	port.w.Close()
	ev := readEvent(t, a)
	if _, ok := ev.(board.Disconnected); !ok {
		t.Fatalf("expected Disconnected, got %T", ev)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.ReadEvent(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF after channel close, got %v", err)
	}
}

func TestSendCommandFrames(t *testing.T) {
	port := newFakePort()
	a, err := New(port, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.SendCommand(context.Background(), board.RequestScan{}); err != nil {
		t.Fatalf("RequestScan: %v", err)
	}
	if err := a.SendCommand(context.Background(), board.SetLEDs{Squares: []int{12, 28}}); err != nil {
		t.Fatalf("SetLEDs: %v", err)
	}
	got := port.bytesWritten()
	want := []byte{cmdSendUpdates, cmdSendBoard, cmdSetLEDs, 2, 52, 36}
	if len(got) != len(want) {
		t.Fatalf("wrote % x, want % x", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wrote % x, want % x", got, want)
		}
	}
}
