package websocket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sudoku-rooms/internal/domain"
	"github.com/sudoku-rooms/internal/store"
)

// Snapshots is the upstream source of room snapshots.
type Snapshots interface {
	SubscribeToRoom(ctx context.Context, roomID string, fn store.SnapshotFunc) (store.CancelFunc, error)
}

// Feed bridges store subscriptions to the hub. One upstream subscription
// exists per room with at least one connected watcher; it is opened on
// the first watcher and torn down when the last one goes away or the
// room is deleted.
type Feed struct {
	rooms  Snapshots
	hub    *Hub
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]store.CancelFunc
}

// NewFeed creates a feed and wires it into the hub.
func NewFeed(rooms Snapshots, hub *Hub, logger *slog.Logger) *Feed {
	f := &Feed{
		rooms:   rooms,
		hub:     hub,
		logger:  logger,
		cancels: make(map[string]store.CancelFunc),
	}
	hub.SetFeed(f)
	return f
}

// Ensure opens the upstream subscription for roomID if none exists.
func (f *Feed) Ensure(roomID string) {
	f.mu.Lock()
	if _, ok := f.cancels[roomID]; ok {
		f.mu.Unlock()
		return
	}
	// Reserve the slot before subscribing so concurrent Ensure calls for
	// the same room open a single upstream subscription.
	f.cancels[roomID] = nil
	f.mu.Unlock()

	cancel, err := f.rooms.SubscribeToRoom(context.Background(), roomID, func(room *domain.Room) {
		if room == nil {
			f.hub.BroadcastRoomClosed(roomID)
			f.drop(roomID)
			return
		}
		f.hub.BroadcastRoomUpdate(roomID, room)
	})
	if err != nil {
		f.logger.Error("room feed subscription failed", "room_id", roomID, "error", err)
		f.drop(roomID)
		return
	}

	f.mu.Lock()
	if _, ok := f.cancels[roomID]; !ok {
		// Released (or the room died) while we were subscribing.
		f.mu.Unlock()
		go cancel()
		return
	}
	f.cancels[roomID] = cancel
	f.mu.Unlock()
	f.logger.Debug("room feed opened", "room_id", roomID)
}

// Release tears down the upstream subscription for roomID.
func (f *Feed) Release(roomID string) {
	f.mu.Lock()
	cancel, ok := f.cancels[roomID]
	delete(f.cancels, roomID)
	f.mu.Unlock()
	if !ok || cancel == nil {
		return
	}
	cancel()
	f.logger.Debug("room feed closed", "room_id", roomID)
}

// drop forgets the subscription entry without cancelling; used when the
// upstream itself has ended.
func (f *Feed) drop(roomID string) {
	f.mu.Lock()
	delete(f.cancels, roomID)
	f.mu.Unlock()
}

// Close tears down every upstream subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	cancels := f.cancels
	f.cancels = make(map[string]store.CancelFunc)
	f.mu.Unlock()
	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
}
