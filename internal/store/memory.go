package store

import (
	"context"
	"sync"
	"time"

	"github.com/sudoku-rooms/internal/domain"
)

// MemoryStore is an in-process RoomStore used by tests and selectable as
// a backend for single-node development. It implements the same contract
// as the Redis adapter, including coalescing snapshot delivery.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]*domain.Room
	players map[string]map[string]*domain.Player
	subs    map[string]map[int]*memorySub
	nextSub int
	closed  bool
}

type memorySub struct {
	ch   chan *domain.Room
	once sync.Once
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]*domain.Room),
		players: make(map[string]map[string]*domain.Player),
		subs:    make(map[string]map[int]*memorySub),
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *room
	r.Players = nil
	s.rooms[room.ID] = &r
	if _, ok := s.players[room.ID]; !ok {
		s.players[room.ID] = make(map[string]*domain.Player)
	}
	s.notifyLocked(room.ID)
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	r := *room
	return &r, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, roomID string, update RoomUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	applyRoomUpdate(room, update)
	s.notifyLocked(roomID)
	return nil
}

func applyRoomUpdate(room *domain.Room, update RoomUpdate) {
	if update.HostID != nil {
		room.HostID = *update.HostID
	}
	if update.Status != nil {
		room.Status = *update.Status
	}
	if update.StartedAt != nil {
		room.StartedAt = *update.StartedAt
	}
	if update.CompletedAt != nil {
		room.CompletedAt = *update.CompletedAt
	}
	if update.ExpiresAt != nil {
		room.ExpiresAt = *update.ExpiresAt
	}
	if update.ClosedAt != nil {
		room.ClosedAt = *update.ClosedAt
	}
	if update.ClosedReason != nil {
		room.ClosedReason = *update.ClosedReason
	}
	room.PlayerCount += update.PlayerCountDelta
}

func (s *MemoryStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil
	}
	delete(s.rooms, roomID)
	delete(s.players, roomID)
	s.notifyLocked(roomID)
	return nil
}

func (s *MemoryStore) ListRooms(_ context.Context, limit int) ([]*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]*domain.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		if limit > 0 && len(rooms) >= limit {
			break
		}
		r := *room
		rooms = append(rooms, &r)
	}
	return rooms, nil
}

func (s *MemoryStore) ListRoomsByHost(_ context.Context, hostID string) ([]*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rooms []*domain.Room
	for _, room := range s.rooms {
		if room.HostID == hostID {
			r := *room
			rooms = append(rooms, &r)
		}
	}
	return rooms, nil
}

func (s *MemoryStore) UpsertPlayer(_ context.Context, roomID string, player *domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	p := *player
	if player.CurrentBoard != nil {
		board := *player.CurrentBoard
		p.CurrentBoard = &board
	}
	if _, exists := s.players[roomID][player.ID]; !exists {
		room.PlayerCount++
	}
	s.players[roomID][player.ID] = &p
	s.notifyLocked(roomID)
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, roomID, playerID string) (*domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	player, ok := s.players[roomID][playerID]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	p := *player
	if player.CurrentBoard != nil {
		board := *player.CurrentBoard
		p.CurrentBoard = &board
	}
	return &p, nil
}

func (s *MemoryStore) UpdatePlayer(_ context.Context, roomID, playerID string, update PlayerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	player, ok := s.players[roomID][playerID]
	if !ok {
		return domain.ErrPlayerNotFound
	}
	if update.Nickname != nil {
		player.Nickname = *update.Nickname
	}
	if update.ExternalID != nil {
		player.ExternalID = *update.ExternalID
	}
	if update.Progress != nil {
		player.Progress = *update.Progress
	}
	if update.Status != nil {
		player.Status = *update.Status
	}
	if update.LastSeen != nil {
		player.LastSeen = *update.LastSeen
	}
	if update.CompletedAt != nil {
		player.CompletedAt = *update.CompletedAt
	}
	if update.CurrentBoard != nil {
		board := *update.CurrentBoard
		player.CurrentBoard = &board
	}
	s.notifyLocked(roomID)
	return nil
}

func (s *MemoryStore) ListPlayers(_ context.Context, roomID string) ([]*domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, domain.ErrRoomNotFound
	}
	return s.listPlayersLocked(roomID), nil
}

// listPlayersLocked copies player documents with working boards stripped.
func (s *MemoryStore) listPlayersLocked(roomID string) []*domain.Player {
	players := make([]*domain.Player, 0, len(s.players[roomID]))
	for _, player := range s.players[roomID] {
		p := *player
		p.CurrentBoard = nil
		players = append(players, &p)
	}
	return players
}

func (s *MemoryStore) RemovePlayer(_ context.Context, roomID, playerID, newHostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if _, exists := s.players[roomID][playerID]; exists {
		delete(s.players[roomID], playerID)
		room.PlayerCount--
	}
	if newHostID != "" {
		room.HostID = newHostID
	}
	s.notifyLocked(roomID)
	return nil
}

func (s *MemoryStore) ClaimWinner(_ context.Context, roomID, playerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return false, domain.ErrRoomNotFound
	}
	if room.WinnerID != "" {
		return false, nil
	}
	room.WinnerID = playerID
	room.Status = domain.RoomStatusCompleted
	room.CompletedAt = time.Now().UnixMilli()
	s.notifyLocked(roomID)
	return true, nil
}

func (s *MemoryStore) Subscribe(_ context.Context, roomID string, fn SnapshotFunc) (CancelFunc, error) {
	s.mu.Lock()

	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		fn(nil)
		return func() {}, nil
	}

	sub := &memorySub{ch: make(chan *domain.Room, 1)}
	id := s.nextSub
	s.nextSub++
	if _, ok := s.subs[roomID]; !ok {
		s.subs[roomID] = make(map[int]*memorySub)
	}
	s.subs[roomID][id] = sub

	// Queue the initial snapshot while still holding the lock so a racing
	// delete cannot close the channel first.
	sub.push(s.snapshotLocked(roomID))
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for room := range sub.ch {
			fn(room)
			if room == nil {
				return
			}
		}
	}()

	cancel := func() {
		s.mu.Lock()
		if subs, ok := s.subs[roomID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				sub.close()
			}
			if len(subs) == 0 {
				delete(s.subs, roomID)
			}
		}
		s.mu.Unlock()
		<-done
	}
	return cancel, nil
}

// push coalesces to the latest snapshot: a pending undelivered snapshot is
// replaced rather than queued.
func (sub *memorySub) push(room *domain.Room) {
	for {
		select {
		case sub.ch <- room:
			return
		default:
			select {
			case <-sub.ch:
			default:
			}
		}
	}
}

func (sub *memorySub) close() {
	sub.once.Do(func() { close(sub.ch) })
}

// snapshotLocked joins the room document with its players, boards stripped.
func (s *MemoryStore) snapshotLocked(roomID string) *domain.Room {
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	r := *room
	r.Players = make(map[string]*domain.Player, len(s.players[roomID]))
	for _, player := range s.listPlayersLocked(roomID) {
		r.Players[player.ID] = player
	}
	return &r
}

func (s *MemoryStore) notifyLocked(roomID string) {
	subs, ok := s.subs[roomID]
	if !ok {
		return
	}
	snapshot := s.snapshotLocked(roomID)
	for id, sub := range subs {
		sub.push(snapshot)
		if snapshot == nil {
			sub.close()
			delete(subs, id)
		}
	}
	if len(subs) == 0 {
		delete(s.subs, roomID)
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for roomID, subs := range s.subs {
		for _, sub := range subs {
			sub.close()
		}
		delete(s.subs, roomID)
	}
	return nil
}
