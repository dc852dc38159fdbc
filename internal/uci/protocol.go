package uci

import (
	"strconv"
	"strings"
)

// Limits bounds one engine search. Zero values mean "not set"; Infinite
// overrides everything else.
type Limits struct {
	Depth           int
	MoveTimeMillis  int
	WhiteTimeMillis int
	BlackTimeMillis int
	WhiteIncMillis  int
	BlackIncMillis  int
	Infinite        bool
}

// Request describes one search on a position given as a FEN (or "startpos")
// plus the moves played since.
type Request struct {
	FEN    string
	Moves  []string
	Limits Limits
	Ponder bool
}

// Result is the terminal outcome of one search. Completed is false when the
// search was cut short by a stop request or a dying engine.
type Result struct {
	BestMove   string
	PonderMove string
	ScoreCP    int
	Mate       int
	Depth      int
	PV         []string
	Completed  bool
}

// Option is one option declared by the engine during the handshake.
// Unrecognized types are kept verbatim so vendor extensions survive.
type Option struct {
	Name    string
	Type    string
	Default string
	Min     string
	Max     string
	Vars    []string
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func buildGoCommand(l Limits, ponder bool) string {
	args := []string{"go"}
	if ponder {
		args = append(args, "ponder")
	}
	switch {
	case l.Infinite:
		args = append(args, "infinite")
	default:
		if l.WhiteTimeMillis > 0 {
			args = append(args, "wtime", strconv.Itoa(l.WhiteTimeMillis))
		}
		if l.BlackTimeMillis > 0 {
			args = append(args, "btime", strconv.Itoa(l.BlackTimeMillis))
		}
		if l.WhiteIncMillis > 0 {
			args = append(args, "winc", strconv.Itoa(l.WhiteIncMillis))
		}
		if l.BlackIncMillis > 0 {
			args = append(args, "binc", strconv.Itoa(l.BlackIncMillis))
		}
		if l.MoveTimeMillis > 0 {
			args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
		}
		if l.Depth > 0 {
			args = append(args, "depth", strconv.Itoa(l.Depth))
		}
		if len(args) == 1 || (ponder && len(args) == 2) {
			// engine fallback thinking time
			args = append(args, "movetime", "1000")
		}
	}
	return strings.Join(args, " ") + "\n"
}

// infoUpdate is the partial state carried by one info line.
type infoUpdate struct {
	depth    int
	scoreCP  int
	mate     int
	hasScore bool
	pv       []string
}

// parseInfo extracts score, depth and pv from an info line. It tolerates any
// interleaving of unknown tokens. Returns false when the line carries none of
// the fields we track (e.g. "info string ...").
func parseInfo(line string) (u infoUpdate, ok bool) {
	parts := strings.Fields(line)
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					u.depth = v
					ok = true
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				switch parts[i+1] {
				case "cp":
					if v, err := strconv.Atoi(parts[i+2]); err == nil {
						u.scoreCP = v
						u.hasScore = true
						ok = true
					}
				case "mate":
					if v, err := strconv.Atoi(parts[i+2]); err == nil {
						u.mate = v
						u.hasScore = true
						ok = true
					}
				}
				i += 2
			}
		case "pv":
			if i+1 < len(parts) {
				u.pv = append([]string(nil), parts[i+1:]...)
				ok = true
			}
			i = len(parts)
		}
	}
	return u, ok
}

// parseBestMove parses the terminal "bestmove X [ponder Y]" line.
func parseBestMove(line string) (best, ponder string) {
	parts := strings.Fields(line)
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "bestmove":
			if i+1 < len(parts) {
				best = parts[i+1]
				i++
			}
		case "ponder":
			if i+1 < len(parts) {
				ponder = parts[i+1]
				i++
			}
		}
	}
	return best, ponder
}

// parseOptionLine parses an "option name ... type ... [default ...]" line.
func parseOptionLine(line string) (Option, bool) {
	parts := strings.Fields(line)
	if len(parts) < 2 || parts[0] != "option" {
		return Option{}, false
	}
	var opt Option
	var nameParts, defParts []string
	field := ""
	for _, tok := range parts[1:] {
		switch tok {
		case "name", "type", "default", "min", "max", "var":
			field = tok
			continue
		}
		switch field {
		case "name":
			nameParts = append(nameParts, tok)
		case "type":
			opt.Type = tok
		case "default":
			defParts = append(defParts, tok)
		case "min":
			opt.Min = tok
		case "max":
			opt.Max = tok
		case "var":
			opt.Vars = append(opt.Vars, tok)
		}
	}
	opt.Name = strings.Join(nameParts, " ")
	opt.Default = strings.Join(defParts, " ")
	if opt.Name == "" {
		return Option{}, false
	}
	return opt, true
}

func normalizeOptionName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
