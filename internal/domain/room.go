package domain

// RoomStatus is the lifecycle state of a shared session. Transitions only
// move forward: waiting -> playing -> completed | abandoned.
type RoomStatus string

const (
	RoomStatusWaiting   RoomStatus = "waiting"
	RoomStatusPlaying   RoomStatus = "playing"
	RoomStatusCompleted RoomStatus = "completed"
	RoomStatusAbandoned RoomStatus = "abandoned"
)

// Terminal reports whether no further transition can leave s.
func (s RoomStatus) Terminal() bool {
	return s == RoomStatusCompleted || s == RoomStatusAbandoned
}

// PlayerStatus tracks a participant within a room.
type PlayerStatus string

const (
	PlayerStatusActive       PlayerStatus = "active"
	PlayerStatusCompleted    PlayerStatus = "completed"
	PlayerStatusDisconnected PlayerStatus = "disconnected"
)

// ClosedReason explains why a room was closed before normal completion.
type ClosedReason string

const (
	ClosedReasonTimeout ClosedReason = "timeout"
	ClosedReasonEmpty   ClosedReason = "empty"
)

// Player is one participant's record inside a room. CurrentBoard is the
// player's private working copy; it is stripped from broadcast snapshots
// and the room view so opponents only ever see Progress.
type Player struct {
	ID           string       `json:"id"`
	Nickname     string       `json:"nickname"`
	ExternalID   string       `json:"external_id,omitempty"`
	Progress     int          `json:"progress"`
	Status       PlayerStatus `json:"status"`
	LastSeen     int64        `json:"last_seen"`
	JoinedAt     int64        `json:"joined_at"`
	CompletedAt  int64        `json:"completed_at,omitempty"`
	CurrentBoard *Board       `json:"current_board,omitempty"`
}

// Room is the shared session document. Players live in a per-room
// sub-collection in the store; they are joined into this struct only in
// snapshots and room views.
type Room struct {
	ID           string             `json:"id"`
	HostID       string             `json:"host_id"`
	Puzzle       *SudokuPuzzle      `json:"puzzle"`
	Players      map[string]*Player `json:"players,omitempty"`
	PlayerCount  int                `json:"player_count"`
	Status       RoomStatus         `json:"status"`
	CreatedAt    int64              `json:"created_at"`
	StartedAt    int64              `json:"started_at,omitempty"`
	CompletedAt  int64              `json:"completed_at,omitempty"`
	ExpiresAt    int64              `json:"expires_at,omitempty"`
	ClosedAt     int64              `json:"closed_at,omitempty"`
	ClosedReason ClosedReason       `json:"closed_reason,omitempty"`
	WinnerID     string             `json:"winner_id,omitempty"`
	MaxPlayers   int                `json:"max_players"`
}

// MatchResult is the durable record of a finished room, archived once a
// room reaches a terminal state.
type MatchResult struct {
	RoomID       string       `json:"room_id"`
	WinnerID     string       `json:"winner_id,omitempty"`
	Status       RoomStatus   `json:"status"`
	Difficulty   Difficulty   `json:"difficulty"`
	PlayerCount  int          `json:"player_count"`
	StartedAt    int64        `json:"started_at,omitempty"`
	EndedAt      int64        `json:"ended_at"`
	ClosedReason ClosedReason `json:"closed_reason,omitempty"`
}
