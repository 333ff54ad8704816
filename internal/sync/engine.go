package sync

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/auth"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/remote"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// DefaultBatchSize is the number of outbox entries dispatched concurrently.
const DefaultBatchSize = 5

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusDraining SyncStatus = "draining"
	SyncStatusPulling  SyncStatus = "pulling"
)

// Options configures a SyncEngine.
type Options struct {
	// BatchSize bounds how many entries are dispatched at once. Zero means DefaultBatchSize.
	BatchSize int
	// TokenSource supplies the bearer token for mutating calls.
	TokenSource auth.TokenSource
	// Clock overrides time.Now.
	Clock func() time.Time
}

// SyncEngine replays the outbox against the server and reconciles the local store.
type SyncEngine struct {
	store    *store.Store
	outbox   *queue.Outbox
	remote   remote.Client
	resolver *conflict.Resolver
	tokens   auth.TokenSource

	batchSize int
	clock     func() time.Time

	// runMu serializes drains and pulls so a pull never reconciles against
	// a store a drain is halfway through correcting.
	runMu sync.Mutex

	mu       sync.Mutex
	status   SyncStatus
	draining bool
	lastErr  error
	handler  SyncEventHandler
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(s *store.Store, outbox *queue.Outbox, client remote.Client, resolver *conflict.Resolver, opts Options) *SyncEngine {
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.TokenSource == nil {
		opts.TokenSource = auth.StaticToken("")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SyncEngine{
		store:     s,
		outbox:    outbox,
		remote:    client,
		resolver:  resolver,
		tokens:    opts.TokenSource,
		batchSize: opts.BatchSize,
		clock:     opts.Clock,
		status:    SyncStatusIdle,
	}
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the timestamp of the last successful sync.
func (e *SyncEngine) LastSync() *time.Time {
	last := e.store.Values().LastSync
	if last.IsZero() {
		return nil
	}
	return &last
}

// PendingChanges returns the number of pending changes to sync.
func (e *SyncEngine) PendingChanges() int {
	return e.outbox.Len()
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *SyncEngine) setStatus(status SyncStatus) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func (e *SyncEngine) setLastErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Uploaded   int
	Downloaded int
	Conflicts  int
	Error      string
	Drain      *DrainResult
	Pull       *PullResult
}

// Sync drains the outbox and then pulls the server's state.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: e.clock()}
	defer func() {
		result.EndTime = e.clock()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	drain, err := e.Drain(ctx)
	result.Drain = drain
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Uploaded = drain.Succeeded
	result.Conflicts = drain.Conflicts

	pull, err := e.Pull(ctx)
	result.Pull = pull
	if pull != nil {
		result.Downloaded = pull.Applied
	}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if drain.LastError != "" {
		result.Error = drain.LastError
	}
	return result, nil
}

type entityKey struct {
	table models.Table
	id    string
}

func resolve(aliases map[string]string, id string) string {
	if canonical, ok := aliases[id]; ok {
		return canonical
	}
	return id
}

func keyOf(aliases map[string]string, c models.PendingChange) entityKey {
	return entityKey{table: c.Table, id: resolve(aliases, c.TargetID)}
}
