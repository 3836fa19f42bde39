// Package server exposes the engine to the local UI shell over REST and a
// WebSocket event hub. It binds to localhost only.
package server

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/nduati/dukapos/backend/internal/errors"
	"github.com/nduati/dukapos/backend/internal/logging"
	syncpkg "github.com/nduati/dukapos/backend/internal/sync"
	"github.com/nduati/dukapos/backend/internal/sync/queue"
)

// Handler serves the sync control API.
type Handler struct {
	orch  *syncpkg.Orchestrator
	queue *queue.Queue
}

// NewHandler creates the API handler set.
func NewHandler(orch *syncpkg.Orchestrator, q *queue.Queue) *Handler {
	return &Handler{orch: orch, queue: q}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrRefreshBlocked:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrOffline:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Status handles GET /api/sync/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"state":             string(snap.State),
		"online":            snap.Online,
		"pending_count":     snap.PendingCount,
		"initial_sync_done": snap.InitialSyncDone,
	}
	if !snap.LastPushAt.IsZero() {
		response["last_push"] = snap.LastPushAt.Unix()
	}
	if !snap.LastPullAt.IsZero() {
		response["last_pull"] = snap.LastPullAt.Unix()
	}
	if snap.LastError != "" {
		response["last_error"] = snap.LastError
	}
	writeJSON(w, http.StatusOK, response)
}

// Trigger handles POST /api/sync/trigger.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.orch.RunCycle(r.Context())
	if err != nil && result == nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Push != nil {
		response["pushed"] = result.Push.Applied
		response["push_failed"] = result.Push.Failed
	}
	if result.Pull != nil {
		response["pulled"] = result.Pull.Applied
		response["skipped"] = result.Pull.Skipped
	}
	if err != nil {
		response["status"] = "partial"
		response["error"] = err.Error()
		writeJSON(w, http.StatusOK, response)
		return
	}
	response["status"] = "success"
	writeJSON(w, http.StatusOK, response)
}

// Queue handles GET /api/sync/queue.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	exhausted, err := h.queue.NeedsAttention()
	if err != nil {
		writeError(w, err)
		return
	}

	attention := make([]map[string]interface{}, 0, len(exhausted))
	for _, item := range exhausted {
		attention = append(attention, map[string]interface{}{
			"queue_id":    item.QueueID,
			"entity_type": string(item.EntityType),
			"entity_id":   item.EntityID,
			"action":      string(item.Action),
			"retry_count": item.RetryCount,
			"last_error":  item.LastError,
		})
	}

	counts := make(map[string]int, len(stats))
	for status, n := range stats {
		counts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":           counts,
		"needs_attention": attention,
	})
}

// Audit handles POST /api/sync/audit.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := h.orch.Audit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Refresh handles POST /api/sync/refresh. The confirm flag is mandatory:
// a refresh discards the local mirror.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Confirm bool `json:"confirm"`
		Force   bool `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if !request.Confirm {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "refresh requires confirm=true"))
		return
	}

	stats, err := h.orch.ForceRefresh(r.Context(), request.Force)
	if err != nil {
		writeError(w, err)
		return
	}

	logging.Info("force refresh completed via api", map[string]interface{}{
		"applied": stats.Applied,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"applied": stats.Applied,
		"deleted": stats.Deleted,
		"cursor":  stats.Cursor,
	})
}
