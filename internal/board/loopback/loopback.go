// Package loopback is a virtual board: events are injected
// programmatically, commands are recorded. It backs tests and the
// screen-only mode where moves arrive from the UI instead of hardware.
package loopback

import (
	"context"
	"io"
	"sync"

	"github.com/tbuczek/boardpilot/internal/board"
	"github.com/tbuczek/boardpilot/internal/domain"
)

type Adapter struct {
	mu       sync.Mutex
	events   chan board.Event
	commands []board.Command
	closed   bool
}

func New() *Adapter {
	return &Adapter{events: make(chan board.Event, 64)}
}

func (a *Adapter) ReadEvent(ctx context.Context) (board.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-a.events:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	}
}

func (a *Adapter) SendCommand(_ context.Context, cmd board.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return io.ErrClosedPipe
	}
	a.commands = append(a.commands, cmd)
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	return nil
}

// Commands returns a copy of every command the session has sent so far.
func (a *Adapter) Commands() []board.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]board.Command(nil), a.commands...)
}

// Lift reports a piece picked up from sq.
func (a *Adapter) Lift(sq int) { a.inject(board.SquareChanged{Square: sq, Occupied: false}) }

// Place reports a piece put down on sq.
func (a *Adapter) Place(sq int) { a.inject(board.SquareChanged{Square: sq, Occupied: true}) }

// PressClock reports a clock button press for side.
func (a *Adapter) PressClock(side domain.Side) { a.inject(board.ClockButton{Side: side}) }

// InjectScan reports a full-board scan result.
func (a *Adapter) InjectScan(placement string) { a.inject(board.Resync{Placement: placement}) }

// Disconnect simulates the link dropping.
func (a *Adapter) Disconnect(err error) { a.inject(board.Disconnected{Err: err}) }

func (a *Adapter) inject(ev board.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.events <- ev
}
