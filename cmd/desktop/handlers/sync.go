package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/offlinesync/internal/client"
	"github.com/kimhsiao/offlinesync/internal/logging"
	syncengine "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// StatusSource reports what the sync indicator shows.
type StatusSource interface {
	Status() client.Status
}

// Connectivity switches the client between online and offline.
type Connectivity interface {
	GoOnline(ctx context.Context) error
	GoOffline()
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine syncengine.SyncEngineInterface
	status StatusSource
	conn   Connectivity
	outbox *queue.Outbox
}

// NewSyncHandler creates a new SyncHandler. outbox may be nil.
func NewSyncHandler(engine syncengine.SyncEngineInterface, status StatusSource, conn Connectivity, outbox *queue.Outbox) *SyncHandler {
	return &SyncHandler{
		engine: engine,
		status: status,
		conn:   conn,
		outbox: outbox,
	}
}

// Register mounts the sync routes on r.
func (h *SyncHandler) Register(r *mux.Router) {
	r.HandleFunc("/sync/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/sync/now", h.TriggerSync).Methods(http.MethodPost)
	r.HandleFunc("/sync/drain", h.TriggerDrain).Methods(http.MethodPost)
	r.HandleFunc("/connectivity", h.SetConnectivity).Methods(http.MethodPut)
}

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	response := map[string]interface{}{
		"status":          h.engine.Status(),
		"online":          st.Online,
		"pending_changes": st.Pending,
	}
	if st.LastSync != nil {
		response["last_sync"] = st.LastSync.Unix()
	}
	if st.SyncError != "" {
		response["sync_error"] = st.SyncError
	}
	if h.outbox != nil {
		response["queue_stats"] = h.outbox.GetStats()
	}
	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /sync/now
// Sends queued changes, then downloads the server's state.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Sync(r.Context())
	if err != nil {
		logging.Warn("Sync request failed", map[string]interface{}{"error": err.Error()})
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"status":     "success",
		"uploaded":   result.Uploaded,
		"downloaded": result.Downloaded,
		"conflicts":  result.Conflicts,
		"duration":   result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		response["error"] = result.Error
	}
	writeJSON(w, http.StatusOK, response)
}

// TriggerDrain handles POST /sync/drain
func (h *SyncHandler) TriggerDrain(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Drain(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed": result.Processed,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"rejected":  result.Rejected,
		"deferred":  result.Deferred,
		"coalesced": result.Coalesced,
		"error":     result.LastError,
	})
}

// SetConnectivity handles PUT /connectivity with {"online": bool}.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}

	if *request.Online {
		if err := h.conn.GoOnline(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":  err.Error(),
				"online": false,
			})
			return
		}
	} else {
		h.conn.GoOffline()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": h.status.Status().Online})
}
