package sudoku

import "github.com/sudoku-rooms/internal/domain"

// IsValidPlacement reports whether value can sit at (row, col) without
// duplicating a number in the same row, column, or 3x3 box. The cell's own
// position is excluded, so a board may be checked in place.
func IsValidPlacement(b *domain.Board, row, col int, value uint8) bool {
	for x := 0; x < domain.BoardSize; x++ {
		if x != col && b[row][x] == value {
			return false
		}
		if x != row && b[x][col] == value {
			return false
		}
	}

	boxRow := (row / 3) * 3
	boxCol := (col / 3) * 3
	for r := boxRow; r < boxRow+3; r++ {
		for c := boxCol; c < boxCol+3; c++ {
			if (r != row || c != col) && b[r][c] == value {
				return false
			}
		}
	}
	return true
}

// ValidateBoard returns every cell whose value conflicts with another cell.
// Both sides of a duplicate pair are reported.
func ValidateBoard(b *domain.Board) []domain.Cell {
	var conflicts []domain.Cell
	for r := 0; r < domain.BoardSize; r++ {
		for c := 0; c < domain.BoardSize; c++ {
			v := b[r][c]
			if v == domain.Empty {
				continue
			}
			if !IsValidPlacement(b, r, c, v) {
				conflicts = append(conflicts, domain.Cell{Row: r, Col: c})
			}
		}
	}
	return conflicts
}

// IsBoardComplete reports whether every cell is filled and no rule is
// violated.
func IsBoardComplete(b *domain.Board) bool {
	if b.FilledCells() != domain.TotalCells {
		return false
	}
	return len(ValidateBoard(b)) == 0
}
