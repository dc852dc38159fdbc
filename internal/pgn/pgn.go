// Package pgn renders finished games as PGN files and reads them back.
// Evaluations ride along as {[%eval ...]} comments so an exported game keeps
// the engine's view of it.
package pgn

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/corentings/chess/v2"

	"github.com/tbuczek/boardpilot/internal/domain"
)

// Export renders one game record as PGN text.
func Export(rec *domain.GameRecord) string {
	if rec == nil {
		return ""
	}
	var b strings.Builder
	date := rec.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("[Event \"boardpilot\"]\n")
	b.WriteString("[Site \"local\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizeTag(rec.White)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizeTag(rec.Black)))
	if strings.TrimSpace(rec.TimeControl) != "" {
		b.WriteString(fmt.Sprintf("[TimeControl \"%s\"]\n", sanitizeTag(rec.TimeControl)))
	}
	if rec.Termination != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizeTag(string(rec.Termination))))
	}
	result := strings.TrimSpace(rec.Result)
	if result == "" {
		result = string(chess.NoOutcome)
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i, mv := range rec.Moves {
		if i%2 == 0 {
			b.WriteString(fmt.Sprintf("%d. ", i/2+1))
		}
		b.WriteString(strings.TrimSpace(mv.SAN))
		if mv.EvalCP != nil {
			b.WriteString(fmt.Sprintf(" {[%%eval %s]}", formatEval(*mv.EvalCP)))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	b.WriteString("\n")
	return b.String()
}

// Write exports rec into dir, one file per game named by end date and id.
func Write(dir string, rec *domain.GameRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("nil game record")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create pgn dir: %w", err)
	}
	date := rec.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	name := fmt.Sprintf("%s_%s.pgn", date.Format("20060102_150405"), rec.ID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(Export(rec)), 0o644); err != nil {
		return "", fmt.Errorf("write pgn: %w", err)
	}
	return path, nil
}

// Parse reads PGN text back into a game record. Moves are validated by
// replaying them; eval comments are recovered into the move records.
func Parse(text string) (*domain.GameRecord, error) {
	rec := &domain.GameRecord{}
	body, err := parseTags(text, rec)
	if err != nil {
		return nil, err
	}

	g := chess.NewGame()
	tokens := tokenizeMovetext(body)
	for _, tok := range tokens {
		switch {
		case tok.eval != "":
			if n := len(rec.Moves); n > 0 {
				if cp, ok := parseEval(tok.eval); ok {
					rec.Moves[n-1].EvalCP = &cp
				}
			}
		case tok.san != "":
			pos := g.Position()
			mv, err := chess.AlgebraicNotation{}.Decode(pos, tok.san)
			if err != nil {
				return nil, fmt.Errorf("illegal move %q at ply %d: %w", tok.san, len(rec.Moves)+1, err)
			}
			uciStr := mv.String()
			if err := g.Move(mv, nil); err != nil {
				return nil, fmt.Errorf("apply move %q: %w", tok.san, err)
			}
			rec.Moves = append(rec.Moves, domain.MoveRecord{UCI: uciStr, SAN: tok.san})
		case tok.result != "":
			if rec.Result == "" {
				rec.Result = tok.result
			}
		}
	}
	return rec, nil
}

func parseTags(text string, rec *domain.GameRecord) (body string, err error) {
	var bodyLines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			name, value, ok := splitTag(trimmed)
			if !ok {
				return "", fmt.Errorf("malformed tag pair %q", trimmed)
			}
			switch name {
			case "White":
				rec.White = value
			case "Black":
				rec.Black = value
			case "TimeControl":
				rec.TimeControl = value
			case "Termination":
				rec.Termination = domain.EndReason(value)
			case "Result":
				rec.Result = value
			}
			continue
		}
		bodyLines = append(bodyLines, line)
	}
	return strings.Join(bodyLines, " "), nil
}

func splitTag(line string) (name, value string, ok bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
	idx := strings.Index(inner, " \"")
	if idx < 0 || !strings.HasSuffix(inner, "\"") {
		return "", "", false
	}
	return inner[:idx], strings.TrimSuffix(inner[idx+2:], "\""), true
}

type token struct {
	san    string
	eval   string
	result string
}

var results = map[string]bool{"1-0": true, "0-1": true, "1/2-1/2": true, "*": true}

// tokenizeMovetext splits movetext into SAN tokens, eval comments and the
// result marker. Move numbers and other comments are dropped.
func tokenizeMovetext(body string) []token {
	var out []token
	rest := body
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t\r\n")
		if rest == "" {
			break
		}
		if rest[0] == '{' {
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				break
			}
			comment := rest[1:end]
			rest = rest[end+1:]
			if ev, ok := extractEval(comment); ok {
				out = append(out, token{eval: ev})
			}
			continue
		}
		sp := strings.IndexAny(rest, " \t\r\n{")
		var word string
		if sp < 0 {
			word, rest = rest, ""
		} else if rest[sp] == '{' {
			word, rest = rest[:sp], rest[sp:]
		} else {
			word, rest = rest[:sp], rest[sp+1:]
		}
		word = strings.TrimSpace(word)
		switch {
		case word == "":
		case results[word]:
			out = append(out, token{result: word})
		case strings.HasSuffix(word, "."):
			// move number
		default:
			word = strings.TrimLeft(word, "0123456789.")
			if word != "" {
				out = append(out, token{san: word})
			}
		}
	}
	return out
}

func extractEval(comment string) (string, bool) {
	const marker = "[%eval "
	idx := strings.Index(comment, marker)
	if idx < 0 {
		return "", false
	}
	rest := comment[idx+len(marker):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// formatEval renders centipawns in pawn units, matching the annotation
// convention of analysis tools.
func formatEval(cp int) string {
	return strconv.FormatFloat(float64(cp)/100, 'f', 2, 64)
}

func parseEval(s string) (int, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int(f * 100), true
}

func sanitizeTag(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
