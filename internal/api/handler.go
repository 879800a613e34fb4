// Package api provides the HTTP surface of the memory service: one engine
// run per request, scoped to a room.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/chatmemory"
	"github.com/blueberrycongee/chatmemory/internal/observability"
	"github.com/blueberrycongee/chatmemory/internal/store"
)

// maxBodyBytes bounds a request body. Full chat histories can be large.
const maxBodyBytes = 32 << 20

// MemoryService is the subset of *chatmemory.Client used by Handler.
type MemoryService interface {
	Process(ctx context.Context, roomID string, req chatmemory.Request) (*chatmemory.Result, error)
	Memory(ctx context.Context, roomID string) (*chatmemory.Data, error)
	SetImportant(ctx context.Context, roomID, summaryID string, important bool) error
	Reset(ctx context.Context, roomID string) error
}

// ProcessRequest is the body of POST /v1/rooms/{room}/memory.
type ProcessRequest struct {
	Chats             []chatmemory.Turn `json:"chats"`
	CurrentTokens     int               `json:"currentTokens"`
	MaxContextTokens  int               `json:"maxContextTokens"`
	MaxResponseTokens int               `json:"maxResponseTokens"`
}

// ProcessResponse carries the trimmed turn list. Error is set when the run
// degraded; Chats and Memory are then the last known good state.
type ProcessResponse struct {
	CurrentTokens int               `json:"currentTokens"`
	Chats         []chatmemory.Turn `json:"chats"`
	Memory        *chatmemory.Data  `json:"memory"`
	Error         *ErrorDetail      `json:"error,omitempty"`
}

// ImportanceRequest is the body of PUT .../summaries/{id}/important.
type ImportanceRequest struct {
	Important bool `json:"important"`
}

// Readiness reports whether the service's dependencies are usable.
type Readiness interface {
	Ready() bool
	Status() map[string]string
}

// ReadinessResponse is the body of GET /health/ready.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the memory API.
type Handler struct {
	service   MemoryService
	readiness Readiness
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(service MemoryService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Process handles POST /v1/rooms/{room}/memory.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}

	var req ProcessRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.MaxContextTokens <= 0 {
		h.writeError(w, http.StatusBadRequest, ErrorDetail{Message: "maxContextTokens must be positive", Type: TypeInvalidRequest})
		return
	}
	if req.CurrentTokens < 0 || req.MaxResponseTokens < 0 {
		h.writeError(w, http.StatusBadRequest, ErrorDetail{Message: "token counts must not be negative", Type: TypeInvalidRequest})
		return
	}

	res, err := h.service.Process(r.Context(), room, chatmemory.Request{
		Chats:             req.Chats,
		CurrentTokens:     req.CurrentTokens,
		MaxContextTokens:  req.MaxContextTokens,
		MaxResponseTokens: req.MaxResponseTokens,
	})
	if err != nil {
		h.fail(w, r, room, err)
		return
	}

	resp := ProcessResponse{
		CurrentTokens: res.CurrentTokens,
		Chats:         res.Chats,
		Memory:        res.Memory,
	}
	if res.Err != nil {
		_, detail := detailFor(res.Err)
		resp.Error = &detail
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetMemory handles GET /v1/rooms/{room}/memory.
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	data, err := h.service.Memory(r.Context(), room)
	if err != nil {
		h.fail(w, r, room, err)
		return
	}
	h.writeJSON(w, http.StatusOK, data)
}

// ResetMemory handles DELETE /v1/rooms/{room}/memory.
func (h *Handler) ResetMemory(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	if err := h.service.Reset(r.Context(), room); err != nil {
		h.fail(w, r, room, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetImportant handles PUT /v1/rooms/{room}/summaries/{id}/important.
func (h *Handler) SetImportant(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	var req ImportanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetImportant(r.Context(), room, r.PathValue("id"), req.Important); err != nil {
		h.fail(w, r, room, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetReadiness makes GET /health/ready report r. Without it the service is
// always ready.
func (h *Handler) SetReadiness(r Readiness) {
	h.readiness = r
}

// HealthCheck handles GET /health/live.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessCheck handles GET /health/ready.
func (h *Handler) ReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	if h.readiness == nil {
		h.writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ok"})
		return
	}
	resp := ReadinessResponse{Status: "ok", Checks: h.readiness.Status()}
	status := http.StatusOK
	if !h.readiness.Ready() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) room(w http.ResponseWriter, r *http.Request) (string, bool) {
	room := r.PathValue("room")
	if err := store.ValidateRoomID(room); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorDetail{Message: err.Error(), Type: TypeInvalidRequest})
		return "", false
	}
	return room, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, ErrorDetail{Message: "failed to read request body", Type: TypeInvalidRequest})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorDetail{Message: "invalid JSON: " + err.Error(), Type: TypeInvalidRequest})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, room string, err error) {
	status, detail := detailFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"request_id", observability.RequestIDFromContext(r.Context()),
			"room", room,
			"error", err,
		)
	}
	h.writeError(w, status, detail)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, detail ErrorDetail) {
	h.writeJSON(w, status, ErrorResponse{Error: detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}
