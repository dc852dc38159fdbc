package game

import (
	"fmt"
	"sort"
	"strings"

	"github.com/corentings/chess/v2"

	"github.com/tbuczek/boardpilot/internal/domain"
)

// Squares are indexed 0..63 with a1=0, matching the board package.

func chessSquare(sq int) chess.Square {
	return chess.NewSquare(chess.File(sq%8), chess.Rank(sq/8))
}

func squareIndex(sq chess.Square) int {
	return int(sq.Rank())*8 + int(sq.File())
}

// gameRootedAt returns a fresh game at the given root FEN, or at the standard
// start position when root is empty.
func gameRootedAt(root string) (*chess.Game, error) {
	if root == "" {
		return chess.NewGame(), nil
	}
	opt, err := chess.FEN(root)
	if err != nil {
		return nil, err
	}
	return chess.NewGame(opt), nil
}

func sideFromColor(c chess.Color) domain.Side {
	if c == chess.White {
		return domain.SideWhite
	}
	return domain.SideBlack
}

func colorFromSide(s domain.Side) chess.Color {
	if s == domain.SideWhite {
		return chess.White
	}
	return chess.Black
}

// occupancyDiff maps each square whose occupancy changes when mv is played to
// its occupancy after the move. Castling and en passant fall out of the board
// comparison without special cases.
func occupancyDiff(g *chess.Game, mv *chess.Move) map[int]bool {
	before := g.Position().Board()
	clone := g.Clone()
	if err := clone.Move(mv, nil); err != nil {
		return nil
	}
	after := clone.Position().Board()

	diff := make(map[int]bool, 4)
	for sq := 0; sq < 64; sq++ {
		csq := chessSquare(sq)
		b := before.Piece(csq) != chess.NoPiece
		a := after.Piece(csq) != chess.NoPiece
		if a != b {
			diff[sq] = a
		}
	}
	return diff
}

// touchedSquares is every square a player's hand may legally visit while
// executing mv: all occupancy-changing squares plus origin and destination.
// The destination is not in the diff for plain captures, so it is added
// explicitly.
func touchedSquares(diff map[int]bool, mv *chess.Move) map[int]bool {
	touched := make(map[int]bool, len(diff)+2)
	for sq := range diff {
		touched[sq] = true
	}
	touched[squareIndex(mv.S1())] = true
	touched[squareIndex(mv.S2())] = true
	return touched
}

// matchLegalMoves classifies the observed occupancy delta against every legal
// move. A move is an exact match when the board now shows exactly the
// position after that move, and a partial match when every disturbed square
// belongs to that move's execution (a capture or castle still in progress).
func matchLegalMoves(g *chess.Game, delta map[int]bool) (exact []chess.Move, partial int) {
	moves := g.ValidMoves()
	for i := range moves {
		mv := &moves[i]
		diff := occupancyDiff(g, mv)
		if diff == nil {
			continue
		}
		if deltaEquals(delta, diff) {
			exact = append(exact, moves[i])
			continue
		}
		touched := touchedSquares(diff, mv)
		if deltaWithin(delta, touched) {
			partial++
		}
	}
	return exact, partial
}

func deltaEquals(delta, diff map[int]bool) bool {
	if len(delta) != len(diff) {
		return false
	}
	for sq, occ := range delta {
		if want, ok := diff[sq]; !ok || want != occ {
			return false
		}
	}
	return true
}

func deltaWithin(delta, touched map[int]bool) bool {
	for sq := range delta {
		if !touched[sq] {
			return false
		}
	}
	return true
}

// choosePreferred resolves the one ambiguity occupancy sensing cannot see:
// underpromotion. All promotion moves share a diff, so the queen is assumed.
func choosePreferred(exact []chess.Move) (chess.Move, bool) {
	if len(exact) == 1 {
		return exact[0], true
	}
	for i := range exact {
		if exact[i].Promo() == chess.Queen {
			return exact[i], true
		}
	}
	return chess.Move{}, false
}

// parsePlacement expands a FEN board field into per-square occupancy.
func parsePlacement(placement string) ([64]bool, error) {
	var occ [64]bool
	ranks := strings.Split(placement, "/")
	if len(ranks) != 8 {
		return occ, fmt.Errorf("placement has %d ranks", len(ranks))
	}
	for i, rank := range ranks {
		r := 7 - i
		file := 0
		for _, c := range rank {
			switch {
			case c >= '1' && c <= '8':
				file += int(c - '0')
			case strings.ContainsRune("pnbrqkPNBRQK", c):
				if file > 7 {
					return occ, fmt.Errorf("rank %d overflows", r+1)
				}
				occ[r*8+file] = true
				file++
			default:
				return occ, fmt.Errorf("bad placement char %q", c)
			}
		}
		if file != 8 {
			return occ, fmt.Errorf("rank %d has %d files", r+1, file)
		}
	}
	return occ, nil
}

func sortedSquares(delta map[int]bool) []int {
	squares := make([]int, 0, len(delta))
	for sq := range delta {
		squares = append(squares, sq)
	}
	sort.Ints(squares)
	return squares
}
