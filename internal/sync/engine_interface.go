// Package sync provides the offline synchronization engine.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Drain replays the outbox against the server. A call made while a drain is
	// running returns immediately with Coalesced set.
	Drain(ctx context.Context) (*DrainResult, error)

	// Pull downloads the server's records and reconciles the local store.
	Pull(ctx context.Context) (*PullResult, error)

	// Sync performs a drain followed by a pull.
	Sync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	// The handler receives events during sync operations.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of pending changes to sync.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}
