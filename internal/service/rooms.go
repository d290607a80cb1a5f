package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sudoku-rooms/internal/config"
	"github.com/sudoku-rooms/internal/domain"
	"github.com/sudoku-rooms/internal/store"
)

// Archiver records terminal rooms durably. Archiving is best effort: a
// failure is logged and never blocks the protocol.
type Archiver interface {
	RecordMatch(ctx context.Context, result domain.MatchResult) error
}

// RoomService implements the room lifecycle and consistency protocol on
// top of a RoomStore. Every operation is a non-blocking request against
// the store; the only multi-step sequence arbitrated atomically is the
// winner compare-and-set, everything else is best-effort convergent.
type RoomService struct {
	store   store.RoomStore
	archive Archiver
	cfg     *config.GameConfig
	logger  *slog.Logger
	now     func() int64
}

// NewRoomService creates a new room service. archive may be nil.
func NewRoomService(
	st store.RoomStore,
	archive Archiver,
	cfg *config.GameConfig,
	logger *slog.Logger,
) *RoomService {
	return &RoomService{
		store:   st,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// CreateRoom allocates a waiting room around a freshly generated puzzle
// and auto-joins the host as its first player.
func (s *RoomService) CreateRoom(ctx context.Context, hostID, nickname string, puzzle *domain.SudokuPuzzle, maxPlayers int) (*domain.Room, error) {
	if hostID == "" || puzzle == nil {
		return nil, domain.ErrInvalidRequest
	}
	if maxPlayers <= 0 || maxPlayers > s.cfg.MaxPlayers {
		maxPlayers = s.cfg.MaxPlayers
	}

	room := &domain.Room{
		ID:         "room_" + uuid.NewString(),
		HostID:     hostID,
		Puzzle:     puzzle,
		Status:     domain.RoomStatusWaiting,
		CreatedAt:  s.now(),
		MaxPlayers: maxPlayers,
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}

	host := &domain.Player{
		ID:           hostID,
		Nickname:     nickname,
		Status:       domain.PlayerStatusActive,
		LastSeen:     s.now(),
		JoinedAt:     s.now(),
		CurrentBoard: &puzzle.Board,
	}
	if err := s.store.UpsertPlayer(ctx, room.ID, host); err != nil {
		return nil, fmt.Errorf("joining host: %w", err)
	}
	room.PlayerCount = 1

	s.logger.Info("room created",
		"room_id", room.ID,
		"host_id", hostID,
		"difficulty", puzzle.Difficulty,
		"max_players", maxPlayers,
	)
	return room, nil
}

// JoinRoom adds a player to a waiting room. Joining again with an id that
// is already present refreshes nickname, status, and lastSeen without
// resetting progress, which is how reconnects work.
func (s *RoomService) JoinRoom(ctx context.Context, roomID string, player *domain.Player) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	_, err = s.store.GetPlayer(ctx, roomID, player.ID)
	if err == nil {
		// Rejoin: refresh presence only.
		active := domain.PlayerStatusActive
		now := s.now()
		return s.store.UpdatePlayer(ctx, roomID, player.ID, store.PlayerUpdate{
			Nickname:   &player.Nickname,
			ExternalID: &player.ExternalID,
			Status:     &active,
			LastSeen:   &now,
		})
	}
	if !domain.IsNotFoundError(err) {
		return err
	}

	if room.PlayerCount >= room.MaxPlayers {
		return domain.ErrRoomFull
	}

	p := &domain.Player{
		ID:         player.ID,
		Nickname:   player.Nickname,
		ExternalID: player.ExternalID,
		Status:     domain.PlayerStatusActive,
		LastSeen:   s.now(),
		JoinedAt:   s.now(),
	}
	if err := s.store.UpsertPlayer(ctx, roomID, p); err != nil {
		return fmt.Errorf("joining room: %w", err)
	}
	s.logger.Info("player joined", "room_id", roomID, "player_id", player.ID)
	return nil
}

// sortByJoin orders players by joinedAt, ties broken by id, which is the
// host-migration order.
func sortByJoin(players []*domain.Player) {
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt != players[j].JoinedAt {
			return players[i].JoinedAt < players[j].JoinedAt
		}
		return players[i].ID < players[j].ID
	})
}

// LeaveRoom removes a player. An empty room is deleted; a departing host
// hands off to the earliest-joined survivor in the same atomic step as
// the removal; a departure that leaves one player in a running game hands
// that player the win.
func (s *RoomService) LeaveRoom(ctx context.Context, roomID, playerID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return err
	}
	remaining := make([]*domain.Player, 0, len(players))
	for _, p := range players {
		if p.ID != playerID {
			remaining = append(remaining, p)
		}
	}
	sortByJoin(remaining)

	newHostID := ""
	if room.HostID == playerID && len(remaining) > 0 {
		newHostID = remaining[0].ID
	}
	if err := s.store.RemovePlayer(ctx, roomID, playerID, newHostID); err != nil {
		if domain.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	if len(remaining) == 0 {
		s.logger.Info("room emptied, deleting", "room_id", roomID)
		return s.store.DeleteRoom(ctx, roomID)
	}

	if room.Status.Terminal() && countActive(remaining) == 0 {
		s.logger.Info("terminal room has no active players, deleting", "room_id", roomID)
		return s.store.DeleteRoom(ctx, roomID)
	}

	if room.Status == domain.RoomStatusPlaying && room.WinnerID == "" && len(remaining) == 1 {
		s.declareWinner(ctx, roomID, remaining[0].ID)
	}
	return nil
}

func countActive(players []*domain.Player) int {
	n := 0
	for _, p := range players {
		if p.Status != domain.PlayerStatusDisconnected {
			n++
		}
	}
	return n
}

// GiveUp marks a player disconnected without removing them, so forfeiture
// is distinguishable from leaving. If exactly one other active player
// remains in a running game, they win by forfeit.
func (s *RoomService) GiveUp(ctx context.Context, roomID, playerID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	disconnected := domain.PlayerStatusDisconnected
	now := s.now()
	err = s.store.UpdatePlayer(ctx, roomID, playerID, store.PlayerUpdate{
		Status:   &disconnected,
		LastSeen: &now,
	})
	if err != nil && !domain.IsNotFoundError(err) {
		return err
	}

	if room.Status != domain.RoomStatusPlaying || room.WinnerID != "" {
		return nil
	}

	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return err
	}
	var lastActive *domain.Player
	activeOthers := 0
	for _, p := range players {
		if p.ID == playerID || p.Status == domain.PlayerStatusDisconnected {
			continue
		}
		activeOthers++
		lastActive = p
	}
	if activeOthers == 1 {
		s.declareWinner(ctx, roomID, lastActive.ID)
	}
	return nil
}

// StartGame moves a waiting room to playing and starts the game clock.
// Only the host may start, and only with at least two players present.
func (s *RoomService) StartGame(ctx context.Context, roomID, callerID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if callerID != "" && callerID != room.HostID {
		return domain.ErrNotHost
	}
	if room.Status != domain.RoomStatusWaiting {
		return domain.ErrRoomNotWaiting
	}
	if room.PlayerCount < 2 {
		return domain.ErrNotEnoughPlayers
	}

	playing := domain.RoomStatusPlaying
	startedAt := s.now()
	expiresAt := startedAt + s.cfg.PlayTimeout.Milliseconds()
	if err := s.store.UpdateRoom(ctx, roomID, store.RoomUpdate{
		Status:    &playing,
		StartedAt: &startedAt,
		ExpiresAt: &expiresAt,
	}); err != nil {
		return fmt.Errorf("starting game: %w", err)
	}
	s.logger.Info("game started", "room_id", roomID, "expires_at", expiresAt)
	return nil
}

// UpdatePlayerProgress recomputes the player's fill percentage from the
// submitted board and publishes it. A board that reaches 100% marks the
// player completed and claims the win through the store's atomic
// compare-and-set, so concurrent completions produce exactly one winner.
func (s *RoomService) UpdatePlayerProgress(ctx context.Context, roomID, playerID string, board *domain.Board) (int, error) {
	if board == nil {
		return 0, domain.ErrInvalidRequest
	}
	percent := board.ProgressPercent()
	now := s.now()

	update := store.PlayerUpdate{
		Progress:     &percent,
		CurrentBoard: board,
		LastSeen:     &now,
	}
	status := domain.PlayerStatusActive
	if percent == 100 {
		status = domain.PlayerStatusCompleted
		update.CompletedAt = &now
	}
	update.Status = &status

	if err := s.store.UpdatePlayer(ctx, roomID, playerID, update); err != nil {
		return 0, err
	}

	if percent == 100 {
		s.declareWinner(ctx, roomID, playerID)
	}
	return percent, nil
}

// declareWinner runs the winner compare-and-set and archives the match
// when the claim succeeds. Losing the race is not an error.
func (s *RoomService) declareWinner(ctx context.Context, roomID, playerID string) {
	won, err := s.store.ClaimWinner(ctx, roomID, playerID)
	if err != nil {
		if !domain.IsNotFoundError(err) {
			s.logger.Warn("winner claim failed", "room_id", roomID, "player_id", playerID, "error", err)
		}
		return
	}
	if !won {
		return
	}
	s.logger.Info("winner declared", "room_id", roomID, "winner_id", playerID)
	s.archiveRoom(ctx, roomID)
}

// Heartbeat refreshes the player's lastSeen and nothing else.
func (s *RoomService) Heartbeat(ctx context.Context, roomID, playerID string) error {
	now := s.now()
	return s.store.UpdatePlayer(ctx, roomID, playerID, store.PlayerUpdate{LastSeen: &now})
}

// PruneStalePlayers is the host-driven maintenance pass over one room: it
// applies the per-state TTLs, reaps a hostless room, removes players not
// seen within cutoff, and deletes the room once empty. Safe to race with
// other callers; all decisions re-read state immediately before writing.
func (s *RoomService) PruneStalePlayers(ctx context.Context, roomID string, cutoff time.Duration) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	now := s.now()

	if room.Status == domain.RoomStatusCompleted && room.CompletedAt > 0 &&
		now-room.CompletedAt > s.cfg.CompletedRetention.Milliseconds() {
		return s.store.DeleteRoom(ctx, roomID)
	}

	if room.Status == domain.RoomStatusPlaying && room.ExpiresAt > 0 && now > room.ExpiresAt {
		return s.abandonExpired(ctx, roomID, now)
	}

	if room.Status == domain.RoomStatusAbandoned && room.ClosedReason == domain.ClosedReasonTimeout &&
		room.ClosedAt > 0 && now-room.ClosedAt > s.cfg.ClosedRetention.Milliseconds() {
		return s.store.DeleteRoom(ctx, roomID)
	}

	if room.Status == domain.RoomStatusWaiting && now-room.CreatedAt > s.cfg.WaitingTTL.Milliseconds() {
		return s.store.DeleteRoom(ctx, roomID)
	}

	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	if len(players) == 0 {
		return s.store.DeleteRoom(ctx, roomID)
	}

	// A room whose host has not been seen for a long while is a ghost
	// (browser killed without leaving); outside of play, reap it whole.
	if room.HostID != "" && room.Status != domain.RoomStatusPlaying {
		hostSeen := room.CreatedAt
		for _, p := range players {
			if p.ID == room.HostID && p.LastSeen > 0 {
				hostSeen = p.LastSeen
			}
		}
		if now-hostSeen > s.cfg.HostlessTTL.Milliseconds() {
			return s.store.DeleteRoom(ctx, roomID)
		}
	}

	stale := make(map[string]bool)
	for _, p := range players {
		if p.Status == domain.PlayerStatusCompleted {
			continue
		}
		lastSeen := p.LastSeen
		if lastSeen == 0 {
			lastSeen = room.CreatedAt
		}
		if now-lastSeen > cutoff.Milliseconds() {
			stale[p.ID] = true
		}
	}

	if len(stale) > 0 {
		survivors := make([]*domain.Player, 0, len(players))
		for _, p := range players {
			if !stale[p.ID] {
				survivors = append(survivors, p)
			}
		}
		sortByJoin(survivors)

		for playerID := range stale {
			newHostID := ""
			if playerID == room.HostID && len(survivors) > 0 {
				newHostID = survivors[0].ID
			}
			if err := s.store.RemovePlayer(ctx, roomID, playerID, newHostID); err != nil {
				if domain.IsNotFoundError(err) {
					return nil
				}
				return err
			}
			s.logger.Info("pruned stale player", "room_id", roomID, "player_id", playerID)
		}

		if len(survivors) == 0 {
			return s.store.DeleteRoom(ctx, roomID)
		}
	}
	return nil
}

// abandonExpired transitions a timed-out game to abandoned. The room is
// kept for the closed-retention window so clients can render the timeout
// before deletion.
func (s *RoomService) abandonExpired(ctx context.Context, roomID string, now int64) error {
	abandoned := domain.RoomStatusAbandoned
	reason := domain.ClosedReasonTimeout
	if err := s.store.UpdateRoom(ctx, roomID, store.RoomUpdate{
		Status:       &abandoned,
		ClosedReason: &reason,
		ClosedAt:     &now,
	}); err != nil {
		if domain.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	s.logger.Info("room timed out", "room_id", roomID)
	s.archiveRoom(ctx, roomID)
	return nil
}

// CleanupStaleRooms is the global best-effort sweep: a bounded scan that
// deletes empty and over-age rooms and flips expired games to abandoned.
// Any client in a host role may run it; deletions are idempotent and
// racing sweeps converge.
func (s *RoomService) CleanupStaleRooms(ctx context.Context, waitingOlderThan time.Duration, scanLimit int) (int, error) {
	rooms, err := s.store.ListRooms(ctx, scanLimit)
	if err != nil {
		return 0, fmt.Errorf("scanning rooms: %w", err)
	}
	now := s.now()
	deleted := 0

	for _, room := range rooms {
		switch {
		case room.PlayerCount <= 0:
			// Rooms are created before their host joins; leave brand-new
			// ones alone.
			if now-room.CreatedAt < time.Minute.Milliseconds() {
				continue
			}
		case room.Status == domain.RoomStatusPlaying:
			if room.ExpiresAt > 0 && now > room.ExpiresAt {
				if err := s.abandonExpired(ctx, room.ID, now); err != nil {
					s.logger.Warn("failed to abandon expired room", "room_id", room.ID, "error", err)
				}
			}
			continue
		case room.Status == domain.RoomStatusAbandoned && room.ClosedReason == domain.ClosedReasonTimeout:
			if room.ClosedAt == 0 || now-room.ClosedAt <= s.cfg.ClosedRetention.Milliseconds() {
				continue
			}
		case room.Status == domain.RoomStatusCompleted:
			if room.CompletedAt == 0 || now-room.CompletedAt <= s.cfg.CompletedRetention.Milliseconds() {
				continue
			}
		case room.Status == domain.RoomStatusWaiting:
			if now-room.CreatedAt <= waitingOlderThan.Milliseconds() {
				continue
			}
		default:
			continue
		}

		if err := s.store.DeleteRoom(ctx, room.ID); err != nil {
			s.logger.Warn("failed to delete stale room", "room_id", room.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// CleanupOldRooms deletes a host's own non-playing rooms older than the
// given age.
func (s *RoomService) CleanupOldRooms(ctx context.Context, hostID string, olderThan time.Duration) (int, error) {
	rooms, err := s.store.ListRoomsByHost(ctx, hostID)
	if err != nil {
		return 0, fmt.Errorf("listing host rooms: %w", err)
	}
	cutoff := s.now() - olderThan.Milliseconds()
	deleted := 0
	for _, room := range rooms {
		if room.Status == domain.RoomStatusPlaying {
			continue
		}
		if room.CreatedAt == 0 || room.CreatedAt >= cutoff {
			continue
		}
		if err := s.store.DeleteRoom(ctx, room.ID); err != nil {
			s.logger.Warn("failed to delete old room", "room_id", room.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// ListRooms returns up to limit room documents without their players.
func (s *RoomService) ListRooms(ctx context.Context, limit int) ([]*domain.Room, error) {
	return s.store.ListRooms(ctx, limit)
}

// GetRoom returns a room joined with its players, working boards
// stripped; opponents only ever see progress percentages.
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.Players = make(map[string]*domain.Player, len(players))
	for _, p := range players {
		room.Players[p.ID] = p
	}
	return room, nil
}

// GetPlayer returns one player document including the working board.
// This is the owner read; room-level views never carry boards.
func (s *RoomService) GetPlayer(ctx context.Context, roomID, playerID string) (*domain.Player, error) {
	return s.store.GetPlayer(ctx, roomID, playerID)
}

// SubscribeToRoom registers for snapshot pushes; fn receives nil once the
// room ceases to exist. The returned cancel func stops delivery.
func (s *RoomService) SubscribeToRoom(ctx context.Context, roomID string, fn store.SnapshotFunc) (store.CancelFunc, error) {
	return s.store.Subscribe(ctx, roomID, fn)
}

// archiveRoom records a terminal room in the durable archive, best effort.
func (s *RoomService) archiveRoom(ctx context.Context, roomID string) {
	if s.archive == nil {
		return
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return
	}
	result := domain.MatchResult{
		RoomID:       room.ID,
		WinnerID:     room.WinnerID,
		Status:       room.Status,
		PlayerCount:  room.PlayerCount,
		StartedAt:    room.StartedAt,
		EndedAt:      s.now(),
		ClosedReason: room.ClosedReason,
	}
	if room.Puzzle != nil {
		result.Difficulty = room.Puzzle.Difficulty
	}
	if err := s.archive.RecordMatch(ctx, result); err != nil {
		s.logger.Warn("failed to archive match", "room_id", roomID, "error", err)
	}
}
