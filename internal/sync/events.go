package sync

import "time"

// Event types emitted by the engine.
const (
	EventSyncStarted          = "sync.started"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
	EventSyncChangeRejected   = "sync.change_rejected"
)

// SyncEvent is a notification about sync progress.
type SyncEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SyncEventHandler receives sync events. Handlers run synchronously on the
// draining goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent implements SyncEventHandler.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

func (e *SyncEngine) emit(eventType string, data map[string]interface{}) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler == nil {
		return
	}
	handler.OnSyncEvent(SyncEvent{Type: eventType, Timestamp: e.clock().UTC(), Data: data})
}
