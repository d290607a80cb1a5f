package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudoku-rooms/internal/config"
	"github.com/sudoku-rooms/internal/domain"
	"github.com/sudoku-rooms/internal/store"
)

type fakeArchive struct {
	mu      sync.Mutex
	results []domain.MatchResult
}

func (a *fakeArchive) RecordMatch(_ context.Context, result domain.MatchResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, result)
	return nil
}

func (a *fakeArchive) recorded() []domain.MatchResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.MatchResult(nil), a.results...)
}

func newTestService(t *testing.T) (*RoomService, *store.MemoryStore, *fakeArchive) {
	t.Helper()
	st := store.NewMemoryStore()
	archive := &fakeArchive{}
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return NewRoomService(st, archive, &cfg.Game, logger), st, archive
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testPuzzle() *domain.SudokuPuzzle {
	solution := domain.Board{
		{5, 3, 4, 6, 7, 8, 9, 1, 2},
		{6, 7, 2, 1, 9, 5, 3, 4, 8},
		{1, 9, 8, 3, 4, 2, 5, 6, 7},
		{8, 5, 9, 7, 6, 1, 4, 2, 3},
		{4, 2, 6, 8, 5, 3, 7, 9, 1},
		{7, 1, 3, 9, 2, 4, 8, 5, 6},
		{9, 6, 1, 5, 3, 7, 2, 8, 4},
		{2, 8, 7, 4, 1, 9, 6, 3, 5},
		{3, 4, 5, 2, 8, 6, 1, 7, 9},
	}
	board := solution
	board[0][0] = domain.Empty
	board[4][4] = domain.Empty
	return &domain.SudokuPuzzle{
		Board:      board,
		Solution:   solution,
		Difficulty: domain.DifficultyNormal,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

func joinPlayer(t *testing.T, svc *RoomService, roomID, playerID, nickname string) {
	t.Helper()
	err := svc.JoinRoom(context.Background(), roomID, &domain.Player{ID: playerID, Nickname: nickname})
	require.NoError(t, err)
}

func TestCreateRoomAutoJoinsHost(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "host-1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)

	assert.Equal(t, domain.RoomStatusWaiting, room.Status)
	assert.Equal(t, "host-1", room.HostID)
	assert.Equal(t, 4, room.MaxPlayers)

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	require.Contains(t, got.Players, "host-1")
	assert.Equal(t, 0, got.Players["host-1"].Progress)
	assert.Equal(t, domain.PlayerStatusActive, got.Players["host-1"].Status)
	assert.Equal(t, 1, got.PlayerCount)
}

func TestJoinRoomNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.JoinRoom(context.Background(), "room_missing", &domain.Player{ID: "p1"})
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestJoinRoomFull(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "host-1", "Alice", testPuzzle(), 2)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")

	err = svc.JoinRoom(ctx, room.ID, &domain.Player{ID: "p3", Nickname: "Carol"})
	assert.ErrorIs(t, err, domain.ErrRoomFull)
}

func TestRejoinKeepsProgress(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "host-1", "Alice", testPuzzle(), 2)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "host-1"))

	board := testPuzzle().Board
	percent, err := svc.UpdatePlayerProgress(ctx, room.ID, "p2", &board)
	require.NoError(t, err)
	require.Greater(t, percent, 0)

	// Reconnect with a fresh nickname; progress must survive.
	err = svc.JoinRoom(ctx, room.ID, &domain.Player{ID: "p2", Nickname: "Bobby"})
	require.NoError(t, err)

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, percent, got.Players["p2"].Progress)
	assert.Equal(t, "Bobby", got.Players["p2"].Nickname)
	assert.Equal(t, 2, got.PlayerCount, "rejoin must not inflate the player count")
}

func TestStartGameGuards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "host-1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)

	err = svc.StartGame(ctx, room.ID, "host-1")
	assert.ErrorIs(t, err, domain.ErrNotEnoughPlayers)

	joinPlayer(t, svc, room.ID, "p2", "Bob")

	err = svc.StartGame(ctx, room.ID, "p2")
	assert.ErrorIs(t, err, domain.ErrNotHost)

	require.NoError(t, svc.StartGame(ctx, room.ID, "host-1"))

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusPlaying, got.Status)
	assert.Equal(t, got.StartedAt+(40*time.Minute).Milliseconds(), got.ExpiresAt)

	// No edge leads back to waiting, and a running game cannot restart.
	err = svc.StartGame(ctx, room.ID, "host-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotWaiting)
}

func TestFirstToFinishWins(t *testing.T) {
	svc, _, archive := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "host-1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "host-1"))

	full := testPuzzle().Solution
	percent, err := svc.UpdatePlayerProgress(ctx, room.ID, "host-1", &full)
	require.NoError(t, err)
	assert.Equal(t, 100, percent)

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusCompleted, got.Status)
	assert.Equal(t, "host-1", got.WinnerID)
	assert.Equal(t, domain.PlayerStatusCompleted, got.Players["host-1"].Status)
	assert.NotZero(t, got.CompletedAt)

	results := archive.recorded()
	require.Len(t, results, 1)
	assert.Equal(t, "host-1", results[0].WinnerID)
	assert.Equal(t, domain.RoomStatusCompleted, results[0].Status)
}

func TestAtMostOneWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "p1"))

	full := testPuzzle().Solution
	var wg sync.WaitGroup
	for _, playerID := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			board := full
			_, err := svc.UpdatePlayerProgress(ctx, room.ID, id, &board)
			assert.NoError(t, err)
		}(playerID)
	}
	wg.Wait()

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusCompleted, got.Status)
	assert.Contains(t, []string{"p1", "p2"}, got.WinnerID)
}

func TestHostMigrationOrder(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)

	// Joins at strictly increasing times.
	base := time.Now().UnixMilli()
	for i, playerID := range []string{"p2", "p3"} {
		joinedAt := base + int64(i+1)*1000
		err := st.UpsertPlayer(ctx, room.ID, &domain.Player{
			ID:       playerID,
			Nickname: playerID,
			Status:   domain.PlayerStatusActive,
			LastSeen: joinedAt,
			JoinedAt: joinedAt,
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.LeaveRoom(ctx, room.ID, "p1"))

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "p2", got.HostID, "host migrates to the next-earliest joiner")
	assert.NotContains(t, got.Players, "p1")
	assert.Equal(t, 2, got.PlayerCount)
}

func TestLeaveEmptiesAndDeletesRoom(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	require.NoError(t, svc.LeaveRoom(ctx, room.ID, "p1"))

	_, err = svc.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	// Leaving an already-deleted room is a no-op, not an error.
	assert.NoError(t, svc.LeaveRoom(ctx, room.ID, "p1"))
}

func TestLeaveDuringPlayHandsWin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "p1"))

	require.NoError(t, svc.LeaveRoom(ctx, room.ID, "p1"))

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusCompleted, got.Status)
	assert.Equal(t, "p2", got.WinnerID)
}

func TestGiveUpDeclaresRemainingWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "p1"))

	require.NoError(t, svc.GiveUp(ctx, room.ID, "p1"))

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlayerStatusDisconnected, got.Players["p1"].Status)
	require.Contains(t, got.Players, "p1", "give-up keeps the player in the room")
	assert.Equal(t, "p2", got.WinnerID)
	assert.Equal(t, domain.RoomStatusCompleted, got.Status)
}

func TestGiveUpBeforeStartHasNoWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")

	require.NoError(t, svc.GiveUp(ctx, room.ID, "p1"))

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WinnerID)
	assert.Equal(t, domain.RoomStatusWaiting, got.Status)
}

func TestHeartbeatTouchesOnlyLastSeen(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)

	before, err := st.GetPlayer(ctx, room.ID, "p1")
	require.NoError(t, err)

	svc.now = func() int64 { return before.LastSeen + 5000 }
	require.NoError(t, svc.Heartbeat(ctx, room.ID, "p1"))
	require.NoError(t, svc.Heartbeat(ctx, room.ID, "p1"))

	after, err := st.GetPlayer(ctx, room.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, before.LastSeen+5000, after.LastSeen)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.JoinedAt, after.JoinedAt)
}

func TestUpdateProgressIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "p1"))

	board := testPuzzle().Board
	first, err := svc.UpdatePlayerProgress(ctx, room.ID, "p1", &board)
	require.NoError(t, err)
	second, err := svc.UpdatePlayerProgress(ctx, room.ID, "p1", &board)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got.Players["p1"].Progress)
	assert.Equal(t, domain.PlayerStatusActive, got.Players["p1"].Status)
}

func TestPruneTimesOutExpiredGame(t *testing.T) {
	svc, st, archive := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "p1"))

	// Rewind the clock: the game started 41 minutes ago.
	started := time.Now().Add(-41 * time.Minute).UnixMilli()
	expires := started + (40 * time.Minute).Milliseconds()
	require.NoError(t, st.UpdateRoom(ctx, room.ID, store.RoomUpdate{
		StartedAt: &started,
		ExpiresAt: &expires,
	}))

	require.NoError(t, svc.PruneStalePlayers(ctx, room.ID, 90*time.Second))

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusAbandoned, got.Status)
	assert.Equal(t, domain.ClosedReasonTimeout, got.ClosedReason)
	assert.NotZero(t, got.ClosedAt)

	results := archive.recorded()
	require.Len(t, results, 1)
	assert.Equal(t, domain.RoomStatusAbandoned, results[0].Status)

	// After the closed-retention grace the next prune deletes the room.
	svc.now = func() int64 { return time.Now().UnixMilli() + (2 * time.Minute).Milliseconds() }
	require.NoError(t, svc.PruneStalePlayers(ctx, room.ID, 90*time.Second))
	_, err = svc.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestPruneRemovesStalePlayers(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	joinPlayer(t, svc, room.ID, "p3", "Carol")
	require.NoError(t, svc.StartGame(ctx, room.ID, "p1"))

	// p1 (the host) has not been seen for two minutes; p3 completed long
	// ago and completed players are never pruned.
	staleSeen := time.Now().Add(-2 * time.Minute).UnixMilli()
	completed := domain.PlayerStatusCompleted
	require.NoError(t, st.UpdatePlayer(ctx, room.ID, "p1", store.PlayerUpdate{LastSeen: &staleSeen}))
	require.NoError(t, st.UpdatePlayer(ctx, room.ID, "p3", store.PlayerUpdate{
		LastSeen: &staleSeen,
		Status:   &completed,
	}))

	require.NoError(t, svc.PruneStalePlayers(ctx, room.ID, 90*time.Second))

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Players, "p1")
	assert.Contains(t, got.Players, "p2")
	assert.Contains(t, got.Players, "p3")
	assert.NotEqual(t, "p1", got.HostID, "pruning the host must migrate ownership")
}

func TestPruneDeletesExpiredWaitingRoom(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)

	svc.now = func() int64 { return time.Now().Add(6 * time.Minute).UnixMilli() }
	require.NoError(t, svc.PruneStalePlayers(ctx, room.ID, time.Hour))

	_, err = svc.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestPruneMissingRoomIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.NoError(t, svc.PruneStalePlayers(context.Background(), "room_gone", time.Minute))
}

func TestCleanupStaleRooms(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	// An old waiting room, an aged completed room, and a fresh playing
	// room: the sweep removes the first two and leaves the third.
	oldWaiting, err := svc.CreateRoom(ctx, "h1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)

	aged, err := svc.CreateRoom(ctx, "h2", "Bob", testPuzzle(), 4)
	require.NoError(t, err)
	completedStatus := domain.RoomStatusCompleted
	completedAt := time.Now().Add(-20 * time.Minute).UnixMilli()
	require.NoError(t, st.UpdateRoom(ctx, aged.ID, store.RoomUpdate{
		Status:      &completedStatus,
		CompletedAt: &completedAt,
	}))

	playing, err := svc.CreateRoom(ctx, "h3", "Carol", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, playing.ID, "p2", "Dave")
	require.NoError(t, svc.StartGame(ctx, playing.ID, "h3"))

	svc.now = func() int64 { return time.Now().Add(6 * time.Minute).UnixMilli() }
	deleted, err := svc.CleanupStaleRooms(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = svc.GetRoom(ctx, oldWaiting.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = svc.GetRoom(ctx, aged.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = svc.GetRoom(ctx, playing.ID)
	assert.NoError(t, err)
}

func TestCleanupStaleRoomsAbandonsExpiredGames(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "h1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "h1"))

	started := time.Now().Add(-41 * time.Minute).UnixMilli()
	expires := started + (40 * time.Minute).Milliseconds()
	require.NoError(t, st.UpdateRoom(ctx, room.ID, store.RoomUpdate{
		StartedAt: &started,
		ExpiresAt: &expires,
	}))

	deleted, err := svc.CleanupStaleRooms(ctx, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted, "expired games are announced as abandoned, not deleted")

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusAbandoned, got.Status)
	assert.Equal(t, domain.ClosedReasonTimeout, got.ClosedReason)
}

func TestCleanupOldRooms(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mine, err := svc.CreateRoom(ctx, "h1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	theirs, err := svc.CreateRoom(ctx, "h2", "Bob", testPuzzle(), 4)
	require.NoError(t, err)

	inPlay, err := svc.CreateRoom(ctx, "h1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, inPlay.ID, "p2", "Carol")
	require.NoError(t, svc.StartGame(ctx, inPlay.ID, "h1"))

	svc.now = func() int64 { return time.Now().Add(2 * time.Hour).UnixMilli() }
	deleted, err := svc.CleanupOldRooms(ctx, "h1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = svc.GetRoom(ctx, mine.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = svc.GetRoom(ctx, theirs.ID)
	assert.NoError(t, err, "other hosts' rooms are untouched")
	_, err = svc.GetRoom(ctx, inPlay.ID)
	assert.NoError(t, err, "playing rooms are never reclaimed")
}

func TestSnapshotsHideWorkingBoards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "p1", "Alice", testPuzzle(), 4)
	require.NoError(t, err)
	joinPlayer(t, svc, room.ID, "p2", "Bob")
	require.NoError(t, svc.StartGame(ctx, room.ID, "p1"))

	board := testPuzzle().Board
	_, err = svc.UpdatePlayerProgress(ctx, room.ID, "p1", &board)
	require.NoError(t, err)

	got, err := svc.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	for _, p := range got.Players {
		assert.Nil(t, p.CurrentBoard, "player %s board leaked into the room view", p.ID)
	}
}
