package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudoku-rooms/internal/config"
	"github.com/sudoku-rooms/internal/domain"
)

// Archive provides PostgreSQL-based durable storage for finished
// matches. Rooms themselves live only in the hot store; a row lands
// here once a room reaches a terminal state.
type Archive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewArchive creates a new PostgreSQL match archive
func NewArchive(cfg *config.PostgresConfig, logger *slog.Logger) (*Archive, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Archive{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (a *Archive) Close() {
	a.pool.Close()
}

// Pool returns the underlying connection pool
func (a *Archive) Pool() *pgxpool.Pool {
	return a.pool
}

// RunMigrations executes database migrations
func (a *Archive) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS match_history (
			id BIGSERIAL PRIMARY KEY,
			room_id VARCHAR(64) NOT NULL,
			winner_id VARCHAR(64),
			status VARCHAR(20) NOT NULL,
			difficulty VARCHAR(10) NOT NULL,
			player_count INT NOT NULL,
			closed_reason VARCHAR(20),
			started_at TIMESTAMP,
			ended_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(room_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_match_history_winner ON match_history(winner_id, ended_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_match_history_ended ON match_history(ended_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := a.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	a.logger.Info("database migrations completed")
	return nil
}

// RecordMatch stores the outcome of a finished room. Re-archiving the
// same room overwrites the earlier row, so retries are harmless.
func (a *Archive) RecordMatch(ctx context.Context, result domain.MatchResult) error {
	query := `
		INSERT INTO match_history (room_id, winner_id, status, difficulty, player_count, closed_reason, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id)
		DO UPDATE SET winner_id = $2, status = $3, player_count = $5, closed_reason = $6, ended_at = $8
	`
	var startedAt *time.Time
	if result.StartedAt > 0 {
		t := time.UnixMilli(result.StartedAt)
		startedAt = &t
	}
	_, err := a.pool.Exec(ctx, query,
		result.RoomID,
		nullable(result.WinnerID),
		string(result.Status),
		string(result.Difficulty),
		result.PlayerCount,
		nullable(string(result.ClosedReason)),
		startedAt,
		time.UnixMilli(result.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("recording match: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetMatch retrieves one archived match by room ID
func (a *Archive) GetMatch(ctx context.Context, roomID string) (*domain.MatchResult, error) {
	query := `
		SELECT room_id, COALESCE(winner_id, ''), status, difficulty, player_count, COALESCE(closed_reason, ''), started_at, ended_at
		FROM match_history
		WHERE room_id = $1
	`
	var (
		result    domain.MatchResult
		startedAt *time.Time
		endedAt   time.Time
	)
	err := a.pool.QueryRow(ctx, query, roomID).Scan(
		&result.RoomID,
		&result.WinnerID,
		&result.Status,
		&result.Difficulty,
		&result.PlayerCount,
		&result.ClosedReason,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrRoomNotFound
		}
		return nil, fmt.Errorf("getting match: %w", err)
	}
	if startedAt != nil {
		result.StartedAt = startedAt.UnixMilli()
	}
	result.EndedAt = endedAt.UnixMilli()
	return &result, nil
}

// ListRecentMatches retrieves the most recently finished matches
func (a *Archive) ListRecentMatches(ctx context.Context, limit int) ([]domain.MatchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT room_id, COALESCE(winner_id, ''), status, difficulty, player_count, COALESCE(closed_reason, ''), started_at, ended_at
		FROM match_history
		ORDER BY ended_at DESC
		LIMIT $1
	`
	rows, err := a.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	defer rows.Close()

	var results []domain.MatchResult
	for rows.Next() {
		var (
			result    domain.MatchResult
			startedAt *time.Time
			endedAt   time.Time
		)
		err := rows.Scan(
			&result.RoomID,
			&result.WinnerID,
			&result.Status,
			&result.Difficulty,
			&result.PlayerCount,
			&result.ClosedReason,
			&startedAt,
			&endedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if startedAt != nil {
			result.StartedAt = startedAt.UnixMilli()
		}
		result.EndedAt = endedAt.UnixMilli()
		results = append(results, result)
	}
	return results, nil
}

// CountWins returns how many archived matches a player has won
func (a *Archive) CountWins(ctx context.Context, playerID string) (int64, error) {
	query := `SELECT COUNT(*) FROM match_history WHERE winner_id = $1`
	var count int64
	err := a.pool.QueryRow(ctx, query, playerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting wins: %w", err)
	}
	return count, nil
}
