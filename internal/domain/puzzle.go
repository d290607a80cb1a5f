package domain

import "time"

// Difficulty selects how many cells are removed during generation.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyNormal Difficulty = "normal"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is a known difficulty tier.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyNormal, DifficultyHard:
		return true
	}
	return false
}

// SudokuPuzzle is an immutable generated puzzle. Board is the published
// grid with blanks; Solution is the completed grid it was derived from.
type SudokuPuzzle struct {
	Board      Board      `json:"board"`
	Solution   Board      `json:"solution"`
	Difficulty Difficulty `json:"difficulty"`
	CreatedAt  int64      `json:"created_at"`
}

// NewPuzzle stamps a puzzle with its creation time.
func NewPuzzle(board, solution Board, difficulty Difficulty) *SudokuPuzzle {
	return &SudokuPuzzle{
		Board:      board,
		Solution:   solution,
		Difficulty: difficulty,
		CreatedAt:  time.Now().UnixMilli(),
	}
}
