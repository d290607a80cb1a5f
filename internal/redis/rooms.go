package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sudoku-rooms/internal/config"
	"github.com/sudoku-rooms/internal/domain"
	"github.com/sudoku-rooms/internal/store"
)

// claimWinnerScript is the single atomic read-modify-write the protocol
// depends on: winner_id is assigned only if unset, so at most one claimant
// ever wins a race of concurrent completions.
var claimWinnerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local w = redis.call('HGET', KEYS[1], 'winner_id')
if w and w ~= '' then
  return 0
end
redis.call('HSET', KEYS[1], 'winner_id', ARGV[1], 'status', 'completed', 'completed_at', ARGV[2])
return 1
`)

// removePlayerScript deletes a player document and, when ARGV[2] is set,
// reassigns the host in the same atomic step so no reader observes a
// hostless room.
var removePlayerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('SREM', KEYS[3], ARGV[1]) == 1 then
  redis.call('DEL', KEYS[2])
  redis.call('HINCRBY', KEYS[1], 'player_count', -1)
end
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'host_id', ARGV[2])
end
return 1
`)

// RoomStore is the Redis-backed store.RoomStore. A room is a hash, each
// player a hash in a per-room sub-collection tracked by a set, and every
// mutation publishes on the room's channel to drive snapshot
// subscriptions.
type RoomStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRoomStore connects to Redis and verifies the connection.
func NewRoomStore(cfg *config.RedisConfig, logger *slog.Logger) (*RoomStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RoomStore{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (s *RoomStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *RoomStore) Client() *redis.Client {
	return s.client
}

func roomKey(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

func playerKey(roomID, playerID string) string {
	return fmt.Sprintf("room:%s:player:%s", roomID, playerID)
}

func playerSetKey(roomID string) string {
	return fmt.Sprintf("room:%s:players", roomID)
}

func eventChannel(roomID string) string {
	return fmt.Sprintf("room:%s:events", roomID)
}

// roomIndexKey tracks all live room ids for cleanup scans.
const roomIndexKey = "rooms"

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

const (
	eventUpdated = "updated"
	eventDeleted = "deleted"
)

func (s *RoomStore) publish(ctx context.Context, roomID, event string) {
	if err := s.client.Publish(ctx, eventChannel(roomID), event).Err(); err != nil {
		s.logger.Warn("failed to publish room event", "room_id", roomID, "error", err)
	}
}

func (s *RoomStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	puzzleJSON, err := json.Marshal(room.Puzzle)
	if err != nil {
		return fmt.Errorf("marshaling puzzle: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, roomKey(room.ID),
		"id", room.ID,
		"host_id", room.HostID,
		"status", string(room.Status),
		"created_at", room.CreatedAt,
		"started_at", room.StartedAt,
		"completed_at", room.CompletedAt,
		"expires_at", room.ExpiresAt,
		"closed_at", room.ClosedAt,
		"closed_reason", string(room.ClosedReason),
		"winner_id", room.WinnerID,
		"max_players", room.MaxPlayers,
		"player_count", 0,
		"puzzle", puzzleJSON,
	)
	pipe.SAdd(ctx, roomIndexKey, room.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating room: %w", err)
	}
	s.publish(ctx, room.ID, eventUpdated)
	return nil
}

func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	result, err := s.client.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting room: %w", err)
	}
	if len(result) == 0 {
		return nil, domain.ErrRoomNotFound
	}
	return parseRoom(result)
}

func parseRoom(fields map[string]string) (*domain.Room, error) {
	room := &domain.Room{
		ID:           fields["id"],
		HostID:       fields["host_id"],
		Status:       domain.RoomStatus(fields["status"]),
		CreatedAt:    parseInt64(fields["created_at"]),
		StartedAt:    parseInt64(fields["started_at"]),
		CompletedAt:  parseInt64(fields["completed_at"]),
		ExpiresAt:    parseInt64(fields["expires_at"]),
		ClosedAt:     parseInt64(fields["closed_at"]),
		ClosedReason: domain.ClosedReason(fields["closed_reason"]),
		WinnerID:     fields["winner_id"],
		MaxPlayers:   int(parseInt64(fields["max_players"])),
		PlayerCount:  int(parseInt64(fields["player_count"])),
	}
	if raw := fields["puzzle"]; raw != "" {
		var puzzle domain.SudokuPuzzle
		if err := json.Unmarshal([]byte(raw), &puzzle); err != nil {
			return nil, fmt.Errorf("unmarshaling puzzle: %w", err)
		}
		room.Puzzle = &puzzle
	}
	return room, nil
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func (s *RoomStore) UpdateRoom(ctx context.Context, roomID string, update store.RoomUpdate) error {
	exists, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("checking room existence: %w", err)
	}
	if exists == 0 {
		return domain.ErrRoomNotFound
	}

	fields := make([]interface{}, 0, 14)
	if update.HostID != nil {
		fields = append(fields, "host_id", *update.HostID)
	}
	if update.Status != nil {
		fields = append(fields, "status", string(*update.Status))
	}
	if update.StartedAt != nil {
		fields = append(fields, "started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		fields = append(fields, "completed_at", *update.CompletedAt)
	}
	if update.ExpiresAt != nil {
		fields = append(fields, "expires_at", *update.ExpiresAt)
	}
	if update.ClosedAt != nil {
		fields = append(fields, "closed_at", *update.ClosedAt)
	}
	if update.ClosedReason != nil {
		fields = append(fields, "closed_reason", string(*update.ClosedReason))
	}

	pipe := s.client.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, roomKey(roomID), fields...)
	}
	if update.PlayerCountDelta != 0 {
		pipe.HIncrBy(ctx, roomKey(roomID), "player_count", int64(update.PlayerCountDelta))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("updating room: %w", err)
	}
	s.publish(ctx, roomID, eventUpdated)
	return nil
}

func (s *RoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	playerIDs, err := s.client.SMembers(ctx, playerSetKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("listing players for delete: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, playerID := range playerIDs {
		pipe.Del(ctx, playerKey(roomID, playerID))
	}
	pipe.Del(ctx, playerSetKey(roomID))
	pipe.Del(ctx, roomKey(roomID))
	pipe.SRem(ctx, roomIndexKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting room: %w", err)
	}
	s.publish(ctx, roomID, eventDeleted)
	return nil
}

func (s *RoomStore) ListRooms(ctx context.Context, limit int) ([]*domain.Room, error) {
	roomIDs, err := s.client.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	if limit > 0 && len(roomIDs) > limit {
		roomIDs = roomIDs[:limit]
	}

	rooms := make([]*domain.Room, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			// The index can lag a racing delete.
			if domain.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *RoomStore) ListRoomsByHost(ctx context.Context, hostID string) ([]*domain.Room, error) {
	rooms, err := s.ListRooms(ctx, 0)
	if err != nil {
		return nil, err
	}
	owned := rooms[:0]
	for _, room := range rooms {
		if room.HostID == hostID {
			owned = append(owned, room)
		}
	}
	return owned, nil
}

func (s *RoomStore) UpsertPlayer(ctx context.Context, roomID string, player *domain.Player) error {
	exists, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("checking room existence: %w", err)
	}
	if exists == 0 {
		return domain.ErrRoomNotFound
	}

	boardJSON := []byte("")
	if player.CurrentBoard != nil {
		boardJSON, err = json.Marshal(player.CurrentBoard)
		if err != nil {
			return fmt.Errorf("marshaling board: %w", err)
		}
	}

	added, err := s.client.SAdd(ctx, playerSetKey(roomID), player.ID).Result()
	if err != nil {
		return fmt.Errorf("registering player: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, playerKey(roomID, player.ID),
		"id", player.ID,
		"nickname", player.Nickname,
		"external_id", player.ExternalID,
		"progress", player.Progress,
		"status", string(player.Status),
		"last_seen", player.LastSeen,
		"joined_at", player.JoinedAt,
		"completed_at", player.CompletedAt,
		"board", boardJSON,
	)
	if added == 1 {
		pipe.HIncrBy(ctx, roomKey(roomID), "player_count", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upserting player: %w", err)
	}
	s.publish(ctx, roomID, eventUpdated)
	return nil
}

func (s *RoomStore) GetPlayer(ctx context.Context, roomID, playerID string) (*domain.Player, error) {
	result, err := s.client.HGetAll(ctx, playerKey(roomID, playerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting player: %w", err)
	}
	if len(result) == 0 {
		return nil, domain.ErrPlayerNotFound
	}
	return parsePlayer(result, true)
}

func parsePlayer(fields map[string]string, includeBoard bool) (*domain.Player, error) {
	player := &domain.Player{
		ID:          fields["id"],
		Nickname:    fields["nickname"],
		ExternalID:  fields["external_id"],
		Progress:    int(parseInt64(fields["progress"])),
		Status:      domain.PlayerStatus(fields["status"]),
		LastSeen:    parseInt64(fields["last_seen"]),
		JoinedAt:    parseInt64(fields["joined_at"]),
		CompletedAt: parseInt64(fields["completed_at"]),
	}
	if includeBoard {
		if raw := fields["board"]; raw != "" {
			var board domain.Board
			if err := json.Unmarshal([]byte(raw), &board); err != nil {
				return nil, fmt.Errorf("unmarshaling board: %w", err)
			}
			player.CurrentBoard = &board
		}
	}
	return player, nil
}

func (s *RoomStore) UpdatePlayer(ctx context.Context, roomID, playerID string, update store.PlayerUpdate) error {
	exists, err := s.client.Exists(ctx, playerKey(roomID, playerID)).Result()
	if err != nil {
		return fmt.Errorf("checking player existence: %w", err)
	}
	if exists == 0 {
		return domain.ErrPlayerNotFound
	}

	fields := make([]interface{}, 0, 14)
	if update.Nickname != nil {
		fields = append(fields, "nickname", *update.Nickname)
	}
	if update.ExternalID != nil {
		fields = append(fields, "external_id", *update.ExternalID)
	}
	if update.Progress != nil {
		fields = append(fields, "progress", *update.Progress)
	}
	if update.Status != nil {
		fields = append(fields, "status", string(*update.Status))
	}
	if update.LastSeen != nil {
		fields = append(fields, "last_seen", *update.LastSeen)
	}
	if update.CompletedAt != nil {
		fields = append(fields, "completed_at", *update.CompletedAt)
	}
	if update.CurrentBoard != nil {
		boardJSON, err := json.Marshal(update.CurrentBoard)
		if err != nil {
			return fmt.Errorf("marshaling board: %w", err)
		}
		fields = append(fields, "board", boardJSON)
	}
	if len(fields) == 0 {
		return nil
	}

	if err := s.client.HSet(ctx, playerKey(roomID, playerID), fields...).Err(); err != nil {
		return fmt.Errorf("updating player: %w", err)
	}
	s.publish(ctx, roomID, eventUpdated)
	return nil
}

func (s *RoomStore) ListPlayers(ctx context.Context, roomID string) ([]*domain.Player, error) {
	exists, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("checking room existence: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrRoomNotFound
	}

	playerIDs, err := s.client.SMembers(ctx, playerSetKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(playerIDs))
	for i, playerID := range playerIDs {
		cmds[i] = pipe.HGetAll(ctx, playerKey(roomID, playerID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}

	players := make([]*domain.Player, 0, len(playerIDs))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		player, err := parsePlayer(fields, false)
		if err != nil {
			return nil, err
		}
		players = append(players, player)
	}
	return players, nil
}

func (s *RoomStore) RemovePlayer(ctx context.Context, roomID, playerID, newHostID string) error {
	keys := []string{roomKey(roomID), playerKey(roomID, playerID), playerSetKey(roomID)}
	res, err := removePlayerScript.Run(ctx, s.client, keys, playerID, newHostID).Int()
	if err != nil {
		return fmt.Errorf("removing player: %w", err)
	}
	if res == -1 {
		return domain.ErrRoomNotFound
	}
	s.publish(ctx, roomID, eventUpdated)
	return nil
}

func (s *RoomStore) ClaimWinner(ctx context.Context, roomID, playerID string) (bool, error) {
	now := nowMilli()
	res, err := claimWinnerScript.Run(ctx, s.client, []string{roomKey(roomID)}, playerID, now).Int()
	if err != nil {
		return false, fmt.Errorf("claiming winner: %w", err)
	}
	switch res {
	case -1:
		return false, domain.ErrRoomNotFound
	case 1:
		s.publish(ctx, roomID, eventUpdated)
		return true, nil
	default:
		return false, nil
	}
}

// Subscribe delivers the current snapshot immediately, then reloads and
// redelivers on every published room event. The subscription folds bursts
// into the latest state because each delivery re-reads the documents.
func (s *RoomStore) Subscribe(ctx context.Context, roomID string, fn store.SnapshotFunc) (store.CancelFunc, error) {
	pubsub := s.client.Subscribe(ctx, eventChannel(roomID))
	// Force the subscription onto the wire before the initial read so no
	// change between the two is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to room: %w", err)
	}

	deliver := func() bool {
		snapshot, err := s.loadSnapshot(ctx, roomID)
		if err != nil {
			if domain.IsNotFoundError(err) {
				fn(nil)
				return false
			}
			s.logger.Warn("failed to load room snapshot", "room_id", roomID, "error", err)
			return true
		}
		fn(snapshot)
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if !deliver() {
			pubsub.Close()
			return
		}
		for msg := range pubsub.Channel() {
			if msg.Payload == eventDeleted {
				fn(nil)
				pubsub.Close()
				return
			}
			if !deliver() {
				pubsub.Close()
				return
			}
		}
	}()

	cancel := func() {
		pubsub.Close()
		<-done
	}
	return cancel, nil
}

func (s *RoomStore) loadSnapshot(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	players, err := s.ListPlayers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.Players = make(map[string]*domain.Player, len(players))
	for _, player := range players {
		room.Players[player.ID] = player
	}
	return room, nil
}
