package sudoku

import (
	"fmt"
	"math/rand"

	"github.com/sudoku-rooms/internal/domain"
)

// cellsToRemove maps each difficulty tier to its target removal count out
// of the 81 cells.
var cellsToRemove = map[domain.Difficulty]int{
	domain.DifficultyEasy:   30,
	domain.DifficultyNormal: 45,
	domain.DifficultyHard:   55,
}

// Options control puzzle generation. SkipUniquenessCheck trades guaranteed
// single-solution puzzles for generation speed; DefaultOptions enables it
// only for the hard tier, matching its larger removal target.
type Options struct {
	Difficulty          domain.Difficulty
	SkipUniquenessCheck bool
	Rand                *rand.Rand
}

// DefaultOptions returns the generation options for a difficulty tier.
func DefaultOptions(difficulty domain.Difficulty) Options {
	return Options{
		Difficulty:          difficulty,
		SkipUniquenessCheck: difficulty == domain.DifficultyHard,
	}
}

// Generate produces a puzzle for the given difficulty with default options.
func Generate(difficulty domain.Difficulty) (*domain.SudokuPuzzle, error) {
	return GenerateWithOptions(DefaultOptions(difficulty))
}

// GenerateWithOptions builds a fully solved board, then removes shuffled
// cells until the difficulty's target is met, keeping each removal only if
// it preserves a unique solution (unless the check is skipped).
func GenerateWithOptions(opts Options) (*domain.SudokuPuzzle, error) {
	if !opts.Difficulty.Valid() {
		return nil, fmt.Errorf("%w: unknown difficulty %q", domain.ErrInvalidRequest, opts.Difficulty)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	solution := generateFullBoard(rng)
	board := digCells(solution, cellsToRemove[opts.Difficulty], opts.SkipUniquenessCheck, rng)

	return domain.NewPuzzle(board, solution, opts.Difficulty), nil
}

// generateFullBoard seeds row 0 with a random permutation of 1-9 and lets
// the deterministic solver complete the rest. Not a uniform random latin
// square, but varied enough for gameplay.
func generateFullBoard(rng *rand.Rand) domain.Board {
	var b domain.Board
	perm := rng.Perm(domain.BoardSize)
	for col := 0; col < domain.BoardSize; col++ {
		b[0][col] = uint8(perm[col] + 1)
	}
	Solve(&b)
	return b
}

// digCells clears up to target cells from a copy of solution, visiting all
// positions in shuffled order. A cleared cell is restored if it would make
// the puzzle ambiguous.
func digCells(solution domain.Board, target int, skipUniqueness bool, rng *rand.Rand) domain.Board {
	puzzle := solution

	positions := make([]domain.Cell, 0, domain.TotalCells)
	for r := 0; r < domain.BoardSize; r++ {
		for c := 0; c < domain.BoardSize; c++ {
			positions = append(positions, domain.Cell{Row: r, Col: c})
		}
	}
	rng.Shuffle(len(positions), func(i, j int) {
		positions[i], positions[j] = positions[j], positions[i]
	})

	removed := 0
	for _, pos := range positions {
		if removed >= target {
			break
		}
		backup := puzzle[pos.Row][pos.Col]
		puzzle[pos.Row][pos.Col] = domain.Empty

		if skipUniqueness || HasUniqueSolution(&puzzle) {
			removed++
		} else {
			puzzle[pos.Row][pos.Col] = backup
		}
	}
	return puzzle
}
