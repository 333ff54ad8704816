package models

import (
	"encoding/json"
	"time"
)

// ChangeKind is the mutation a PendingChange replays.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// PendingChange is an outbox entry: a local mutation not yet confirmed by the server.
// Entries are immutable once enqueued.
type PendingChange struct {
	ChangeID   string          `json:"changeId"`
	Kind       ChangeKind      `json:"kind"`
	Table      Table           `json:"table"`
	TargetID   string          `json:"targetId"`
	ParentID   string          `json:"parentId,omitempty"` // owning post of a comment
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Seq        int64           `json:"seq"`
}

// RowID implements Row.
func (c PendingChange) RowID() string { return c.ChangeID }

// Before reports whether c was enqueued before other.
func (c PendingChange) Before(other PendingChange) bool {
	if !c.EnqueuedAt.Equal(other.EnqueuedAt) {
		return c.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return c.Seq < other.Seq
}

// PostPayload is the body of a post create or update.
// Version is the base version the edit was made on; zero for creates.
type PostPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Version int    `json:"version,omitempty"`
}

// CommentPayload is the body of a comment create or update.
type CommentPayload struct {
	Content string `json:"content"`
	Version int    `json:"version,omitempty"`
}
