package game

import (
	"time"

	"github.com/tbuczek/boardpilot/internal/board"
	"github.com/tbuczek/boardpilot/internal/domain"
	"github.com/tbuczek/boardpilot/internal/tutor"
	"github.com/tbuczek/boardpilot/internal/uci"
)

// State is the orchestrator's state machine position.
type State string

const (
	StateAwaitingHuman  State = "awaiting_human_move"
	StateEngineThinking State = "engine_thinking"
	StatePaused         State = "paused"
	StateGameOver       State = "game_over"
	StateSetup          State = "setup"
)

// CommandKind enumerates the UI/session boundary commands.
type CommandKind string

const (
	CmdNewGame         CommandKind = "new_game"
	CmdTakeBack        CommandKind = "take_back"
	CmdResign          CommandKind = "resign"
	CmdSetClock        CommandKind = "set_clock"
	CmdDeclareGameOver CommandKind = "declare_game_over"
	CmdChangeMode      CommandKind = "change_mode"
	CmdPlayMove        CommandKind = "play_move"
	CmdPause           CommandKind = "pause"
	CmdResume          CommandKind = "resume"
)

// Command is one inbound UI command.
type Command struct {
	Kind CommandKind `json:"kind"`

	// NewGame
	EngineSide  domain.Side `json:"engine_side,omitempty"`
	EnginePlays bool        `json:"engine_plays,omitempty"`

	// SetClock
	Base      time.Duration `json:"base,omitempty"`
	Increment time.Duration `json:"increment,omitempty"`

	// ChangeMode
	Mode domain.Mode `json:"mode,omitempty"`

	// PlayMove: SAN or UCI
	Move string `json:"move,omitempty"`

	// Resign / DeclareGameOver
	Side   domain.Side `json:"side,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// UIEventType enumerates outbound session events.
type UIEventType string

const (
	EvPositionChanged UIEventType = "position_changed"
	EvMoveMade        UIEventType = "move_made"
	EvClockUpdated    UIEventType = "clock_updated"
	EvTutorHint       UIEventType = "tutor_hint"
	EvGameEnded       UIEventType = "game_ended"
	EvEngineStatus    UIEventType = "engine_status"
	EvReconcile       UIEventType = "reconcile"
)

// UIEvent is one outbound event on the UI/session boundary.
type UIEvent struct {
	Type UIEventType `json:"type"`

	FEN     string      `json:"fen,omitempty"`
	State   State       `json:"state,omitempty"`
	MoveUCI string      `json:"move_uci,omitempty"`
	MoveSAN string      `json:"move_san,omitempty"`
	Mover   domain.Side `json:"mover,omitempty"`

	WhiteRemaining time.Duration `json:"white_remaining,omitempty"`
	BlackRemaining time.Duration `json:"black_remaining,omitempty"`

	Hint *tutor.Evaluation `json:"hint,omitempty"`

	Reason domain.EndReason `json:"reason,omitempty"`
	Result string           `json:"result,omitempty"`

	Status  string `json:"status,omitempty"`
	Squares []int  `json:"squares,omitempty"`
}

// Internal event stream. Every producer (board, engine, tutor, clock, UI)
// funnels into one ordered channel consumed serially by Run.
type event interface{ isEvent() }

type evBoard struct{ ev board.Event }

type evEngineResult struct {
	gen uint64
	res uci.Result
}

type evEngineLost struct{ err error }

type evTutor struct{ eval tutor.Evaluation }

type evClockExpired struct{ side domain.Side }

type evCommand struct{ cmd Command }

func (evBoard) isEvent()        {}
func (evEngineResult) isEvent() {}
func (evEngineLost) isEvent()   {}
func (evTutor) isEvent()        {}
func (evClockExpired) isEvent() {}
func (evCommand) isEvent()      {}
