package worker

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudoku-rooms/internal/config"
	"github.com/sudoku-rooms/internal/domain"
	"github.com/sudoku-rooms/internal/service"
	"github.com/sudoku-rooms/internal/store"
)

func TestMaintenanceSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	rooms := service.NewRoomService(st, nil, &cfg.Game, logger)

	// An over-age waiting room with a long-gone host.
	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	require.NoError(t, st.CreateRoom(ctx, &domain.Room{
		ID:         "room_old",
		HostID:     "h1",
		Status:     domain.RoomStatusWaiting,
		CreatedAt:  old,
		MaxPlayers: 4,
	}))
	require.NoError(t, st.UpsertPlayer(ctx, "room_old", &domain.Player{
		ID:       "h1",
		Status:   domain.PlayerStatusActive,
		LastSeen: old,
		JoinedAt: old,
	}))

	// A healthy playing room with one stale player.
	now := time.Now().UnixMilli()
	require.NoError(t, st.CreateRoom(ctx, &domain.Room{
		ID:         "room_live",
		HostID:     "h2",
		Status:     domain.RoomStatusPlaying,
		CreatedAt:  now,
		StartedAt:  now,
		ExpiresAt:  now + (40 * time.Minute).Milliseconds(),
		MaxPlayers: 4,
	}))
	require.NoError(t, st.UpsertPlayer(ctx, "room_live", &domain.Player{
		ID: "h2", Status: domain.PlayerStatusActive, LastSeen: now, JoinedAt: now,
	}))
	require.NoError(t, st.UpsertPlayer(ctx, "room_live", &domain.Player{
		ID: "p2", Status: domain.PlayerStatusActive, LastSeen: old, JoinedAt: old,
	}))

	w := NewMaintenanceWorker(rooms, &cfg.Maintenance, &cfg.Game, logger)
	w.RunOnce(ctx)

	_, err := st.GetRoom(ctx, "room_old")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	live, err := st.GetRoom(ctx, "room_live")
	require.NoError(t, err)
	assert.Equal(t, 1, live.PlayerCount)
	_, err = st.GetPlayer(ctx, "room_live", "p2")
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}

func TestMaintenanceStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := config.DefaultConfig()
	cfg.Maintenance.Interval = 10 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	rooms := service.NewRoomService(st, nil, &cfg.Game, logger)

	w := NewMaintenanceWorker(rooms, &cfg.Maintenance, &cfg.Game, logger)
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}
