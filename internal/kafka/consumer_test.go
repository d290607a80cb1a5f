package kafka

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sudoku-rooms/internal/domain"
)

type recordingHandler struct {
	mu         sync.Mutex
	progress   []ProgressEvent
	heartbeats []ProgressEvent
}

func (h *recordingHandler) UpdatePlayerProgress(_ context.Context, roomID, playerID string, board *domain.Board) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, ProgressEvent{RoomID: roomID, PlayerID: playerID, Board: board})
	return board.ProgressPercent(), nil
}

func (h *recordingHandler) Heartbeat(_ context.Context, roomID, playerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats = append(h.heartbeats, ProgressEvent{RoomID: roomID, PlayerID: playerID})
	return nil
}

func testConsumer(handler ProgressHandler) *Consumer {
	return &Consumer{
		handler: handler,
		logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func boardFilled(n int) *domain.Board {
	var b domain.Board
	for i := 0; i < n; i++ {
		b[i/9][i%9] = uint8(i%9) + 1
	}
	return &b
}

func TestApplyBatchCoalescesPerPlayer(t *testing.T) {
	handler := &recordingHandler{}
	c := testConsumer(handler)

	c.applyBatch(context.Background(), []ProgressEvent{
		{Type: EventProgress, RoomID: "r1", PlayerID: "p1", Board: boardFilled(5)},
		{Type: EventProgress, RoomID: "r1", PlayerID: "p1", Board: boardFilled(9)},
		{Type: EventProgress, RoomID: "r1", PlayerID: "p2", Board: boardFilled(3)},
	})

	assert.Len(t, handler.progress, 2, "one apply per player")
	for _, event := range handler.progress {
		if event.PlayerID == "p1" {
			assert.Equal(t, *boardFilled(9), *event.Board, "latest board wins")
		}
	}
}

func TestApplyBatchHeartbeatDoesNotShadowBoard(t *testing.T) {
	handler := &recordingHandler{}
	c := testConsumer(handler)

	c.applyBatch(context.Background(), []ProgressEvent{
		{Type: EventProgress, RoomID: "r1", PlayerID: "p1", Board: boardFilled(5)},
		{Type: EventHeartbeat, RoomID: "r1", PlayerID: "p1"},
	})

	assert.Len(t, handler.progress, 1)
	assert.Empty(t, handler.heartbeats, "the board update already refreshes presence")
}

func TestApplyBatchHeartbeatOnly(t *testing.T) {
	handler := &recordingHandler{}
	c := testConsumer(handler)

	c.applyBatch(context.Background(), []ProgressEvent{
		{Type: EventHeartbeat, RoomID: "r1", PlayerID: "p1"},
	})

	assert.Empty(t, handler.progress)
	assert.Len(t, handler.heartbeats, 1)
}
