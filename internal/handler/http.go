package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sudoku-rooms/internal/domain"
	"github.com/sudoku-rooms/internal/service"
	"github.com/sudoku-rooms/internal/sudoku"
	"github.com/sudoku-rooms/internal/websocket"
)

// MatchArchive exposes the durable match history to the API. May be nil
// when the archive is disabled.
type MatchArchive interface {
	ListRecentMatches(ctx context.Context, limit int) ([]domain.MatchResult, error)
	CountWins(ctx context.Context, playerID string) (int64, error)
}

// Handler provides HTTP handlers for the rooms API
type Handler struct {
	rooms   *service.RoomService
	archive MatchArchive
	hub     *websocket.Hub
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler. archive may be nil.
func NewHandler(rooms *service.RoomService, archive MatchArchive, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		rooms:   rooms,
		archive: archive,
		hub:     hub,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Puzzle operations
		r.Get("/puzzles", h.GeneratePuzzle)
		r.Post("/puzzles/validate", h.ValidateBoard)

		// Room operations
		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", h.CreateRoom)
			r.Get("/", h.ListRooms)
			r.Post("/cleanup", h.CleanupOldRooms)

			r.Route("/{roomID}", func(r chi.Router) {
				r.Get("/", h.GetRoom)
				r.Post("/join", h.JoinRoom)
				r.Post("/leave", h.LeaveRoom)
				r.Post("/giveup", h.GiveUp)
				r.Post("/start", h.StartGame)
				r.Post("/progress", h.UpdateProgress)
				r.Post("/heartbeat", h.Heartbeat)
				r.Post("/prune", h.PruneRoom)
				r.Get("/players/{playerID}", h.GetPlayer)
			})
		})

		// Match history
		r.Get("/matches", h.ListMatches)
		r.Get("/matches/wins/{playerID}", h.CountWins)

		// Maintenance
		r.Post("/maintenance/cleanup", h.CleanupStaleRooms)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps domain errors onto HTTP status codes
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsConflictError(err):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrNotHost), errors.Is(err, domain.ErrPermissionDenied):
		h.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.logger.Error(logMsg, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// GeneratePuzzle returns a fresh puzzle without creating a room
func (h *Handler) GeneratePuzzle(w http.ResponseWriter, r *http.Request) {
	difficulty := domain.Difficulty(r.URL.Query().Get("difficulty"))
	if difficulty == "" {
		difficulty = domain.DifficultyNormal
	}
	if !difficulty.Valid() {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	puzzle, err := sudoku.Generate(difficulty)
	if err != nil {
		h.logger.Error("failed to generate puzzle", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, puzzle)
}

// ValidateBoardRequest carries a board for validation
type ValidateBoardRequest struct {
	Board domain.Board `json:"board"`
}

// ValidateBoard reports conflicting cells and completion state
func (h *Handler) ValidateBoard(w http.ResponseWriter, r *http.Request) {
	var req ValidateBoardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	conflicts := sudoku.ValidateBoard(&req.Board)
	h.writeSuccess(w, map[string]interface{}{
		"conflicts": conflicts,
		"valid":     len(conflicts) == 0,
		"complete":  sudoku.IsBoardComplete(&req.Board),
		"progress":  req.Board.ProgressPercent(),
	})
}

// CreateRoomRequest is the payload for room creation
type CreateRoomRequest struct {
	HostID     string            `json:"host_id"`
	Nickname   string            `json:"nickname"`
	Difficulty domain.Difficulty `json:"difficulty"`
	MaxPlayers int               `json:"max_players"`
}

// CreateRoom generates a puzzle and opens a waiting room around it
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.HostID == "" {
		// Mint an anonymous session id for hosts without an account.
		req.HostID = "player_" + uuid.NewString()
	}
	if req.Difficulty == "" {
		req.Difficulty = domain.DifficultyNormal
	}
	if !req.Difficulty.Valid() {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	puzzle, err := sudoku.Generate(req.Difficulty)
	if err != nil {
		h.logger.Error("failed to generate puzzle", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	room, err := h.rooms.CreateRoom(r.Context(), req.HostID, req.Nickname, puzzle, req.MaxPlayers)
	if err != nil {
		h.writeServiceError(w, err, "failed to create room")
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    room,
	})
}

// ListRooms returns open rooms
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	rooms, err := h.rooms.ListRooms(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list rooms", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, rooms)
}

// GetRoom returns a room with its players
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	room, err := h.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		h.writeServiceError(w, err, "failed to get room")
		return
	}

	h.writeSuccess(w, room)
}

// PlayerRequest identifies the acting player
type PlayerRequest struct {
	PlayerID   string `json:"player_id"`
	Nickname   string `json:"nickname,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

func (h *Handler) decodePlayerRequest(w http.ResponseWriter, r *http.Request) (roomID string, req PlayerRequest, ok bool) {
	roomID = chi.URLParam(r, "roomID")
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return "", req, false
	}
	if roomID == "" || req.PlayerID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return "", req, false
	}
	return roomID, req, true
}

// JoinRoom adds a player to a room
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var req PlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if roomID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.PlayerID == "" {
		// Mint an anonymous session id for players without an account.
		req.PlayerID = "player_" + uuid.NewString()
	}

	err := h.rooms.JoinRoom(r.Context(), roomID, &domain.Player{
		ID:         req.PlayerID,
		Nickname:   req.Nickname,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to join room")
		return
	}

	room, err := h.rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		h.writeServiceError(w, err, "failed to get room")
		return
	}
	h.writeSuccess(w, map[string]interface{}{
		"player_id": req.PlayerID,
		"room":      room,
	})
}

// LeaveRoom removes a player from a room
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID, req, ok := h.decodePlayerRequest(w, r)
	if !ok {
		return
	}

	if err := h.rooms.LeaveRoom(r.Context(), roomID, req.PlayerID); err != nil {
		h.writeServiceError(w, err, "failed to leave room")
		return
	}

	h.writeSuccess(w, map[string]string{"status": "left"})
}

// GiveUp marks a player as having forfeited
func (h *Handler) GiveUp(w http.ResponseWriter, r *http.Request) {
	roomID, req, ok := h.decodePlayerRequest(w, r)
	if !ok {
		return
	}

	if err := h.rooms.GiveUp(r.Context(), roomID, req.PlayerID); err != nil {
		h.writeServiceError(w, err, "failed to give up")
		return
	}

	h.writeSuccess(w, map[string]string{"status": "forfeited"})
}

// StartGame transitions a waiting room to playing
func (h *Handler) StartGame(w http.ResponseWriter, r *http.Request) {
	roomID, req, ok := h.decodePlayerRequest(w, r)
	if !ok {
		return
	}

	if err := h.rooms.StartGame(r.Context(), roomID, req.PlayerID); err != nil {
		h.writeServiceError(w, err, "failed to start game")
		return
	}

	h.writeSuccess(w, map[string]string{"status": "started"})
}

// ProgressRequest carries a player's current board
type ProgressRequest struct {
	PlayerID string        `json:"player_id"`
	Board    *domain.Board `json:"board"`
}

// UpdateProgress applies a board update for a player
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if roomID == "" || req.PlayerID == "" || req.Board == nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	percent, err := h.rooms.UpdatePlayerProgress(r.Context(), roomID, req.PlayerID, req.Board)
	if err != nil {
		h.writeServiceError(w, err, "failed to update progress")
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"progress":  percent,
		"completed": percent == 100,
	})
}

// Heartbeat refreshes a player's presence
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	roomID, req, ok := h.decodePlayerRequest(w, r)
	if !ok {
		return
	}

	if err := h.rooms.Heartbeat(r.Context(), roomID, req.PlayerID); err != nil {
		h.writeServiceError(w, err, "failed to heartbeat")
		return
	}

	h.writeSuccess(w, map[string]string{"status": "ok"})
}

// PruneRoom runs the maintenance pass over one room
func (h *Handler) PruneRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	cutoff := 90 * time.Second
	if cutoffStr := r.URL.Query().Get("cutoff_seconds"); cutoffStr != "" {
		if c, err := strconv.Atoi(cutoffStr); err == nil && c > 0 {
			cutoff = time.Duration(c) * time.Second
		}
	}

	if err := h.rooms.PruneStalePlayers(r.Context(), roomID, cutoff); err != nil {
		h.writeServiceError(w, err, "failed to prune room")
		return
	}

	h.writeSuccess(w, map[string]string{"status": "pruned"})
}

// GetPlayer returns one player including their working board
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	playerID := chi.URLParam(r, "playerID")
	if roomID == "" || playerID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	player, err := h.rooms.GetPlayer(r.Context(), roomID, playerID)
	if err != nil {
		h.writeServiceError(w, err, "failed to get player")
		return
	}

	h.writeSuccess(w, player)
}

// CleanupOldRooms deletes a host's stale rooms
func (h *Handler) CleanupOldRooms(w http.ResponseWriter, r *http.Request) {
	hostID := r.URL.Query().Get("host_id")
	if hostID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	olderThan := time.Hour
	if ageStr := r.URL.Query().Get("older_than_minutes"); ageStr != "" {
		if m, err := strconv.Atoi(ageStr); err == nil && m > 0 {
			olderThan = time.Duration(m) * time.Minute
		}
	}

	deleted, err := h.rooms.CleanupOldRooms(r.Context(), hostID, olderThan)
	if err != nil {
		h.logger.Error("failed to clean up old rooms", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]int{"deleted": deleted})
}

// CleanupStaleRooms runs one global sweep
func (h *Handler) CleanupStaleRooms(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.rooms.CleanupStaleRooms(r.Context(), 5*time.Minute, 100)
	if err != nil {
		h.logger.Error("failed to clean up stale rooms", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]int{"deleted": deleted})
}

// ListMatches returns recent archived matches
func (h *Handler) ListMatches(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("match archive disabled"))
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	matches, err := h.archive.ListRecentMatches(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list matches", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, matches)
}

// CountWins returns how many matches a player has won
func (h *Handler) CountWins(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("match archive disabled"))
		return
	}

	playerID := chi.URLParam(r, "playerID")
	if playerID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	wins, err := h.archive.CountWins(r.Context(), playerID)
	if err != nil {
		h.logger.Error("failed to count wins", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]int64{"wins": wins})
}
