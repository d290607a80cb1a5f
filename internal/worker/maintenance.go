package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sudoku-rooms/internal/config"
	"github.com/sudoku-rooms/internal/service"
)

// MaintenanceWorker periodically sweeps the room store: expired games are
// flipped to abandoned, over-age rooms deleted, and stale players pruned
// from whatever rooms survive the sweep. Every pass is idempotent, so
// running the worker on several nodes at once is safe.
type MaintenanceWorker struct {
	rooms   *service.RoomService
	config  *config.MaintenanceConfig
	game    *config.GameConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewMaintenanceWorker creates a new maintenance worker
func NewMaintenanceWorker(
	rooms *service.RoomService,
	cfg *config.MaintenanceConfig,
	game *config.GameConfig,
	logger *slog.Logger,
) *MaintenanceWorker {
	return &MaintenanceWorker{
		rooms:  rooms,
		config: cfg,
		game:   game,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background maintenance loop
func (w *MaintenanceWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("maintenance worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background maintenance loop
func (w *MaintenanceWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("maintenance worker stopped")
	return nil
}

// run is the main worker loop
func (w *MaintenanceWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep runs one maintenance cycle
func (w *MaintenanceWorker) sweep(ctx context.Context) {
	startTime := time.Now()

	deleted, err := w.rooms.CleanupStaleRooms(ctx, w.game.WaitingTTL, w.config.ScanLimit)
	if err != nil {
		w.logger.Error("room sweep failed", "error", err)
		return
	}

	pruned := 0
	errorCount := 0
	rooms, err := w.rooms.ListRooms(ctx, w.config.ScanLimit)
	if err != nil {
		w.logger.Error("failed to list rooms for pruning", "error", err)
		return
	}
	for _, room := range rooms {
		if err := w.rooms.PruneStalePlayers(ctx, room.ID, w.game.StaleCutoff); err != nil {
			w.logger.Error("failed to prune room",
				"room_id", room.ID,
				"error", err,
			)
			errorCount++
		} else {
			pruned++
		}
	}

	w.logger.Info("maintenance cycle completed",
		"duration", time.Since(startTime),
		"rooms_deleted", deleted,
		"rooms_pruned", pruned,
		"errors", errorCount,
	)
}

// IsRunning returns whether the worker is currently running
func (w *MaintenanceWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single maintenance cycle (useful for manual triggers)
func (w *MaintenanceWorker) RunOnce(ctx context.Context) {
	w.sweep(ctx)
}
