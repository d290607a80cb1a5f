// Package store defines the document-store contract the room protocol is
// written against. A room is one document plus a sub-collection of player
// documents; implementations must provide merge-style sparse updates, an
// atomic winner compare-and-set, and push-based snapshot subscriptions.
package store

import (
	"context"

	"github.com/sudoku-rooms/internal/domain"
)

// RoomUpdate is a sparse merge into a room document. Nil fields are left
// untouched. PlayerCountDelta is applied as an increment so concurrent
// joins and leaves do not clobber each other.
type RoomUpdate struct {
	HostID           *string
	Status           *domain.RoomStatus
	StartedAt        *int64
	CompletedAt      *int64
	ExpiresAt        *int64
	ClosedAt         *int64
	ClosedReason     *domain.ClosedReason
	PlayerCountDelta int
}

// PlayerUpdate is a sparse merge into a player document.
type PlayerUpdate struct {
	Nickname     *string
	ExternalID   *string
	Progress     *int
	Status       *domain.PlayerStatus
	LastSeen     *int64
	CompletedAt  *int64
	CurrentBoard *domain.Board
}

// CancelFunc stops a subscription. Safe to call more than once.
type CancelFunc func()

// SnapshotFunc receives room snapshots. The room carries its full player
// map with working boards stripped; a nil room means the room no longer
// exists and no further snapshots will follow.
type SnapshotFunc func(room *domain.Room)

// RoomStore is the remote document-store contract. Implementations must
// make ClaimWinner atomic (it is the only multi-step sequence the
// protocol requires a transaction for) and RemovePlayer must apply the
// player delete and an optional host reassignment as one unit.
type RoomStore interface {
	// CreateRoom stores a new room document. The players map on room is
	// ignored; players are written through UpsertPlayer.
	CreateRoom(ctx context.Context, room *domain.Room) error

	// GetRoom returns the room document without its player sub-collection.
	// Returns domain.ErrRoomNotFound if absent.
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)

	// UpdateRoom merges update into the room document.
	UpdateRoom(ctx context.Context, roomID string, update RoomUpdate) error

	// DeleteRoom removes the room and all of its player documents.
	// Deleting an absent room is not an error.
	DeleteRoom(ctx context.Context, roomID string) error

	// ListRooms returns up to limit room documents, in no particular
	// order. Used by best-effort cleanup scans.
	ListRooms(ctx context.Context, limit int) ([]*domain.Room, error)

	// ListRoomsByHost returns the rooms owned by hostID.
	ListRoomsByHost(ctx context.Context, hostID string) ([]*domain.Room, error)

	// UpsertPlayer writes a player document, creating it if absent.
	UpsertPlayer(ctx context.Context, roomID string, player *domain.Player) error

	// GetPlayer returns a player document including its working board;
	// callers own the confidentiality rule and must only hand the board
	// back to the player's own session.
	GetPlayer(ctx context.Context, roomID, playerID string) (*domain.Player, error)

	// UpdatePlayer merges update into a player document.
	UpdatePlayer(ctx context.Context, roomID, playerID string, update PlayerUpdate) error

	// ListPlayers returns all player documents with working boards
	// stripped.
	ListPlayers(ctx context.Context, roomID string) ([]*domain.Player, error)

	// RemovePlayer deletes a player document. When newHostID is non-empty
	// the room's hostId is reassigned in the same atomic unit, so no
	// reader ever observes a hostless room.
	RemovePlayer(ctx context.Context, roomID, playerID, newHostID string) error

	// ClaimWinner atomically sets winnerId to playerID if and only if no
	// winner is recorded, moving the room to completed. Returns whether
	// the claim won the race.
	ClaimWinner(ctx context.Context, roomID, playerID string) (bool, error)

	// Subscribe delivers an immediate snapshot and then one snapshot per
	// change until the room is deleted (nil is delivered once) or the
	// returned cancel func is called.
	Subscribe(ctx context.Context, roomID string, fn SnapshotFunc) (CancelFunc, error)

	// Close releases the store's resources.
	Close() error
}
