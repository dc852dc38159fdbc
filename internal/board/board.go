// Package board defines the abstract event/command contract between the
// session and a physical electronic chessboard. Concrete board families
// implement Adapter independently; the session never sees raw framing.
package board

import (
	"context"
	"fmt"

	"github.com/tbuczek/boardpilot/internal/domain"
)

// Squares are indexed 0..63 with a1=0, b1=1, ... h8=63.

// Event is a normalized board observation.
type Event interface{ isBoardEvent() }

// SquareChanged reports a single square becoming occupied or vacated.
type SquareChanged struct {
	Square   int
	Occupied bool
}

// ClockButton reports a press on the game clock lever/button.
type ClockButton struct {
	Side domain.Side
}

// Resync carries the piece placement (FEN board field) from a full-board
// scan; the session compares it with its own model and reconciles.
type Resync struct {
	Placement string
}

// Disconnected reports that the board link dropped.
type Disconnected struct {
	Err error
}

func (SquareChanged) isBoardEvent() {}
func (ClockButton) isBoardEvent()   {}
func (Resync) isBoardEvent()        {}
func (Disconnected) isBoardEvent()  {}

// Command is an outbound instruction to the board.
type Command interface{ isBoardCommand() }

// SetLEDs lights the given squares (boards without LEDs ignore it).
type SetLEDs struct {
	Squares []int
}

// ClearLEDs turns all square LEDs off.
type ClearLEDs struct{}

// RequestScan asks the board for a full placement dump, answered with a
// Resync event.
type RequestScan struct{}

// Beep sounds the board buzzer if present.
type Beep struct{}

func (SetLEDs) isBoardCommand()     {}
func (ClearLEDs) isBoardCommand()   {}
func (RequestScan) isBoardCommand() {}
func (Beep) isBoardCommand()        {}

// Adapter is the capability interface one board family implements.
type Adapter interface {
	// ReadEvent blocks until the next event or ctx cancellation.
	ReadEvent(ctx context.Context) (Event, error)
	SendCommand(ctx context.Context, cmd Command) error
	Close() error
}

// SquareName renders a 0..63 index as algebraic notation ("e2").
func SquareName(sq int) string {
	if sq < 0 || sq > 63 {
		return "??"
	}
	return fmt.Sprintf("%c%d", 'a'+sq%8, sq/8+1)
}

// SquareIndex parses algebraic notation back to a 0..63 index.
func SquareIndex(name string) (int, error) {
	if len(name) != 2 || name[0] < 'a' || name[0] > 'h' || name[1] < '1' || name[1] > '8' {
		return 0, fmt.Errorf("invalid square %q", name)
	}
	return int(name[1]-'1')*8 + int(name[0]-'a'), nil
}
