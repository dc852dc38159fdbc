// Package dgt speaks the DGT e-board serial protocol over any
// io.ReadWriteCloser (serial port, TCP bridge, pty).
package dgt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tbuczek/boardpilot/internal/board"
	"github.com/tbuczek/boardpilot/internal/domain"
)

// Inbound message ids (bit 7 set), followed by a 2x7-bit big-endian length
// that counts the whole frame including the 3 header bytes.
const (
	msgBoardDump   = 0x86
	msgClockButton = 0x8d
	msgFieldUpdate = 0x8e
)

// Outbound command bytes.
const (
	cmdSendBoard   = 0x42
	cmdBeep        = 0x4a
	cmdSendUpdates = 0x4b
	cmdSetLEDs     = 0x60
)

// Piece codes used in field updates and board dumps.
const (
	pieceEmpty = 0x00
	pieceWPawn = 0x01
	pieceBKing = 0x0b
)

var pieceLetters = [...]byte{'.', 'P', 'R', 'N', 'B', 'K', 'Q', 'p', 'r', 'n', 'b', 'k', 'q'}

const eventBuffer = 32

// Adapter implements board.Adapter for DGT family boards.
type Adapter struct {
	rw     io.ReadWriteCloser
	logger *zap.Logger

	writeMu sync.Mutex
	events  chan board.Event

	closeOnce sync.Once
}

// New wraps the transport and starts the frame reader. Updates are enabled
// immediately so piece lifts flow without polling.
func New(rw io.ReadWriteCloser, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		rw:     rw,
		logger: logger,
		events: make(chan board.Event, eventBuffer),
	}
	if err := a.write([]byte{cmdSendUpdates}); err != nil {
		return nil, fmt.Errorf("enable board updates: %w", err)
	}
	go a.readLoop()
	return a, nil
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
	switch c := cmd.(type) {
	case board.RequestScan:
		return a.write([]byte{cmdSendBoard})
	case board.Beep:
		return a.write([]byte{cmdBeep})
	case board.ClearLEDs:
		return a.write([]byte{cmdSetLEDs, 0})
	case board.SetLEDs:
		frame := make([]byte, 0, len(c.Squares)+2)
		frame = append(frame, cmdSetLEDs, byte(len(c.Squares)))
		for _, sq := range c.Squares {
			frame = append(frame, toDGTSquare(sq))
		}
		return a.write(frame)
	default:
		return fmt.Errorf("unsupported board command %T", cmd)
	}
}

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.rw.Close()
	})
	return err
}

func (a *Adapter) write(frame []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := a.rw.Write(frame)
	return err
}

// readLoop frames the byte stream. Malformed frames are dropped with a
// warning and never reach the session; a dead link emits Disconnected and
// closes the event channel.
func (a *Adapter) readLoop() {
	defer close(a.events)
	header := make([]byte, 3)
	for {
		if _, err := io.ReadFull(a.rw, header[:1]); err != nil {
			a.events <- board.Disconnected{Err: err}
			return
		}
		if header[0]&0x80 == 0 {
			// stray byte outside any frame, line noise
			a.logger.Warn("dgt: dropping stray byte", zap.Uint8("byte", header[0]))
			continue
		}
		if _, err := io.ReadFull(a.rw, header[1:3]); err != nil {
			a.events <- board.Disconnected{Err: err}
			return
		}
		length := int(header[1]&0x7f)<<7 | int(header[2]&0x7f)
		if length < 3 {
			a.logger.Warn("dgt: dropping frame with bad length", zap.Int("length", length))
			continue
		}
		payload := make([]byte, length-3)
		if _, err := io.ReadFull(a.rw, payload); err != nil {
			a.events <- board.Disconnected{Err: err}
			return
		}
		if ev, ok := a.decode(header[0], payload); ok {
			a.events <- ev
		}
	}
}

func (a *Adapter) decode(id byte, payload []byte) (board.Event, bool) {
	switch id {
	case msgFieldUpdate:
		if len(payload) != 2 {
			a.logger.Warn("dgt: malformed field update", zap.Int("payload", len(payload)))
			return nil, false
		}
		dsq, piece := payload[0], payload[1]
		if dsq > 63 || piece > 12 {
			a.logger.Warn("dgt: field update out of range",
				zap.Uint8("square", dsq), zap.Uint8("piece", piece))
			return nil, false
		}
		return board.SquareChanged{
			Square:   fromDGTSquare(dsq),
			Occupied: piece != pieceEmpty,
		}, true
	case msgBoardDump:
		if len(payload) != 64 {
			a.logger.Warn("dgt: malformed board dump", zap.Int("payload", len(payload)))
			return nil, false
		}
		placement, err := placementFromDump(payload)
		if err != nil {
			a.logger.Warn("dgt: unreadable board dump", zap.Error(err))
			return nil, false
		}
		return board.Resync{Placement: placement}, true
	case msgClockButton:
		if len(payload) < 1 {
			a.logger.Warn("dgt: malformed clock message")
			return nil, false
		}
		side := domain.SideWhite
		if payload[0]&0x01 != 0 {
			side = domain.SideBlack
		}
		return board.ClockButton{Side: side}, true
	default:
		a.logger.Warn("dgt: dropping unknown message", zap.Uint8("id", id))
		return nil, false
	}
}

// placementFromDump converts the 64 piece codes (a8 first, h1 last) into a
// FEN board field.
func placementFromDump(dump []byte) (string, error) {
	var sb strings.Builder
	for rank := 0; rank < 8; rank++ {
		empties := 0
		for file := 0; file < 8; file++ {
			code := dump[rank*8+file]
			if code > 12 {
				return "", fmt.Errorf("piece code %d out of range", code)
			}
			if code == pieceEmpty {
				empties++
				continue
			}
			if empties > 0 {
				sb.WriteByte(byte('0' + empties))
				empties = 0
			}
			sb.WriteByte(pieceLetters[code])
		}
		if empties > 0 {
			sb.WriteByte(byte('0' + empties))
		}
		if rank < 7 {
			sb.WriteByte('/')
		}
	}
	return sb.String(), nil
}

// DGT numbers squares from a8=0 to h1=63; internally a1=0 to h8=63.
func fromDGTSquare(d byte) int { return (7-int(d)/8)*8 + int(d)%8 }
func toDGTSquare(sq int) byte  { return byte((7-sq/8)*8 + sq%8) }
