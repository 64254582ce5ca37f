// Package handlers provides REST API handlers for the offline sync engine.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
	offsync "github.com/kelmah/offlinesync/internal/sync"
)

// SyncHandler handles queue and sync operations.
type SyncHandler struct {
	engine offsync.Engine
	log    *logging.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine offsync.Engine) *SyncHandler {
	return &SyncHandler{
		engine: engine,
		log:    logging.Component("http"),
	}
}

// Register mounts the sync routes on r.
func (h *SyncHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/sync/actions", h.Enqueue).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/actions", h.ListActions).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/actions/{id}", h.GetAction).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/actions/{id}", h.CancelAction).Methods(http.MethodDelete)
	r.HandleFunc("/api/sync/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/force", h.ForceSync).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/cleanup", h.Cleanup).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/token", h.SetToken).Methods(http.MethodPut)
	r.HandleFunc("/api/network", h.NetworkSignal).Methods(http.MethodPost)
}

// =====================================================
// Queue Endpoints
// =====================================================

type enqueueRequest struct {
	Type       models.ActionType `json:"type"`
	Payload    json.RawMessage   `json:"payload"`
	TimeoutMs  int64             `json:"timeout_ms"`
	MaxRetries int               `json:"max_retries"`
	UserID     string            `json:"user_id"`
	Location   *models.Location  `json:"location"`
}

// Enqueue handles POST /api/sync/actions
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var request enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	id, err := h.engine.Enqueue(r.Context(), request.Type, request.Payload, &offsync.EnqueueOptions{
		Timeout:    time.Duration(request.TimeoutMs) * time.Millisecond,
		MaxRetries: request.MaxRetries,
		UserID:     request.UserID,
		Location:   request.Location,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": models.StatusPending,
	})
}

// ListActions handles GET /api/sync/actions?status=
func (h *SyncHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	actions, err := h.engine.Actions(r.Context(), status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if actions == nil {
		actions = []*models.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

// GetAction handles GET /api/sync/actions/{id}
func (h *SyncHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	id := models.UUID(mux.Vars(r)["id"])
	action, err := h.engine.Action(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// CancelAction handles DELETE /api/sync/actions/{id}
// Only pending actions can be cancelled; a syncing action yields 409.
func (h *SyncHandler) CancelAction(w http.ResponseWriter, r *http.Request) {
	id := models.UUID(mux.Vars(r)["id"])
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": models.StatusCancelled,
	})
}

// =====================================================
// Sync Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ForceSync handles POST /api/sync/force
// Runs a cycle and waits for it; 503 when offline.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.engine.ForceSyncNow(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"duration": time.Since(start).Milliseconds(),
	})
}

// Cleanup handles POST /api/sync/cleanup
func (h *SyncHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Cleanup(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": n})
}

type networkRequest struct {
	Online        *bool  `json:"online"`
	EffectiveType string `json:"effective_type"`
	Visible       *bool  `json:"visible"`
	Focus         bool   `json:"focus"`
}

// SetToken handles PUT /api/sync/token
// The token is stored sealed; it is never echoed back.
func (h *SyncHandler) SetToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.SetAPIToken(r.Context(), request.Token); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NetworkSignal handles POST /api/network
// Forwards platform connectivity, visibility and focus signals.
func (h *SyncHandler) NetworkSignal(w http.ResponseWriter, r *http.Request) {
	var request networkRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	m := h.engine.Monitor()
	if request.EffectiveType != "" {
		m.SetConnectionHint(request.EffectiveType)
	}
	if request.Visible != nil {
		m.SetVisible(*request.Visible)
	}
	if request.Online != nil {
		m.SetOnline(*request.Online)
	}
	if request.Focus {
		m.Focus()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":       m.IsOnline(),
		"network_type": m.Class(),
		"visible":      m.IsVisible(),
	})
}

// =====================================================
// Helpers
// =====================================================

// statusFor maps error codes onto HTTP status codes.
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrActionSyncing, apperrors.ErrInvalidTransition:
		return http.StatusConflict
	case apperrors.ErrOffline, apperrors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *SyncHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := apperrors.CodeOf(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, map[string]interface{}{
		"code":  code,
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
