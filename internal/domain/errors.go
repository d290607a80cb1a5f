package domain

import "errors"

// Domain errors
var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrPlayerNotFound   = errors.New("player not found in room")
	ErrRoomFull         = errors.New("room is full")
	ErrRoomNotWaiting   = errors.New("room is no longer accepting players")
	ErrNotHost          = errors.New("only the host may perform this action")
	ErrNotEnoughPlayers = errors.New("at least two players are required to start")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsolvable       = errors.New("board has no solution")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrPlayerNotFound)
}

// IsConflictError reports errors caused by the room's current state rather
// than by a bad request.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrRoomFull) || errors.Is(err, ErrRoomNotWaiting) ||
		errors.Is(err, ErrNotEnoughPlayers)
}
