package domain

import "time"

// Side is one of the two players.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

// Other returns the opposing side.
func (s Side) Other() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// Originator identifies who produced a move.
type Originator string

const (
	OriginHuman    Originator = "human"
	OriginEngine   Originator = "engine"
	OriginTakeback Originator = "takeback"
)

// Mode is the session interaction mode.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeAnalysis Mode = "analysis"
	ModeSetup    Mode = "setup"
)

// EndReason states why a game ended.
type EndReason string

const (
	EndCheckmate     EndReason = "checkmate"
	EndStalemate     EndReason = "stalemate"
	EndDraw          EndReason = "draw"
	EndResignation   EndReason = "resignation"
	EndFlagged       EndReason = "flagged"
	EndDeclared      EndReason = "declared"
	EndEngineFailure EndReason = "engine_failure"
)

// MoveRecord is one applied ply with its provenance and optional evaluation.
type MoveRecord struct {
	UCI        string     `json:"uci"`
	SAN        string     `json:"san"`
	Originator Originator `json:"originator"`
	PlayedAt   time.Time  `json:"played_at"`
	EvalCP     *int       `json:"eval_cp,omitempty"`
	Depth      int        `json:"depth,omitempty"`
}

// GameRecord is the persisted form of a finished game.
type GameRecord struct {
	ID          string       `json:"id"`
	White       string       `json:"white"`
	Black       string       `json:"black"`
	TimeControl string       `json:"time_control"`
	Moves       []MoveRecord `json:"moves"`
	Result      string       `json:"result"`
	Termination EndReason    `json:"termination"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
}
