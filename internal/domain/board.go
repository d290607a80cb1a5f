package domain

// BoardSize is the side length of a sudoku grid.
const BoardSize = 9

// TotalCells is the number of cells on a board.
const TotalCells = BoardSize * BoardSize

// Empty marks an unfilled cell.
const Empty uint8 = 0

// Board is a 9x9 sudoku grid. A zero value means the cell is empty;
// filled cells hold 1-9.
type Board [BoardSize][BoardSize]uint8

// Cell identifies a position on the board.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// FilledCells returns the number of non-empty cells.
func (b *Board) FilledCells() int {
	n := 0
	for r := 0; r < BoardSize; r++ {
		for c := 0; c < BoardSize; c++ {
			if b[r][c] != Empty {
				n++
			}
		}
	}
	return n
}

// ProgressPercent converts the filled-cell count into a 0-100 percentage,
// floored. Progress shown to opponents is derived from this, never from
// client-supplied numbers.
func (b *Board) ProgressPercent() int {
	return b.FilledCells() * 100 / TotalCells
}

// Equal reports whether two boards hold the same values.
func (b *Board) Equal(other *Board) bool {
	return *b == *other
}
