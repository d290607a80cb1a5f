package sudoku

import "github.com/sudoku-rooms/internal/domain"

// findEmpty returns the first empty cell in row-major order.
func findEmpty(b *domain.Board) (int, int, bool) {
	for r := 0; r < domain.BoardSize; r++ {
		for c := 0; c < domain.BoardSize; c++ {
			if b[r][c] == domain.Empty {
				return r, c, true
			}
		}
	}
	return 0, 0, false
}

// Solve fills b in place using backtracking and reports whether a complete
// assignment exists. Cells are visited row-major and values tried ascending
// 1-9, so the result is deterministic for a given input; variety comes from
// the generator, not from here. On failure b is left as it was given
// (every placement is undone on backtrack).
func Solve(b *domain.Board) bool {
	r, c, ok := findEmpty(b)
	if !ok {
		return true
	}
	for v := uint8(1); v <= 9; v++ {
		if IsValidPlacement(b, r, c, v) {
			b[r][c] = v
			if Solve(b) {
				return true
			}
			b[r][c] = domain.Empty
		}
	}
	return false
}

// Solution solves a copy of b, leaving the original untouched. It returns
// ErrUnsolvable if the board admits no complete assignment, which only
// happens when the input already violates the rules.
func Solution(b *domain.Board) (*domain.Board, error) {
	out := *b
	if !Solve(&out) {
		return nil, domain.ErrUnsolvable
	}
	return &out, nil
}

// CountSolutionsUpTo counts complete assignments of b, stopping early once
// limit solutions have been found. The board is restored before returning.
func CountSolutionsUpTo(b *domain.Board, limit int) int {
	count := 0
	var dfs func() bool
	dfs = func() bool {
		if count >= limit {
			return true
		}
		r, c, ok := findEmpty(b)
		if !ok {
			count++
			return count >= limit
		}
		for v := uint8(1); v <= 9; v++ {
			if IsValidPlacement(b, r, c, v) {
				b[r][c] = v
				if dfs() {
					b[r][c] = domain.Empty
					return true
				}
				b[r][c] = domain.Empty
			}
		}
		return false
	}
	dfs()
	return count
}

// HasUniqueSolution reports whether b has exactly one completion.
func HasUniqueSolution(b *domain.Board) bool {
	grid := *b
	return CountSolutionsUpTo(&grid, 2) == 1
}
