// Package conflict provides version-based conflict resolution between local edits
// and the server's authoritative records.
package conflict

import (
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
)

const (
	ResolutionServerWins   = "server_wins"
	ResolutionManualReview = "manual_review_required"
)

// ParseStrategy maps a configuration string to a strategy, defaulting to last write wins.
func ParseStrategy(s string) ResolutionStrategy {
	if ResolutionStrategy(s) == ResolutionStrategyManual {
		return ResolutionStrategyManual
	}
	return ResolutionStrategyLastWriteWins
}

// Accepts is the server's acceptance rule: a write based on clientVersion is
// accepted while no newer version exists on the server.
func Accepts(clientVersion, serverVersion int) bool {
	return clientVersion >= serverVersion
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		now:      time.Now,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict is a local change the server refused because its base version is stale.
type Conflict struct {
	Table         models.Table
	ItemID        string
	Change        models.PendingChange
	LocalVersion  int
	ServerVersion int
	// Remote is the server's record, nil when the server did not return one.
	Remote models.Versioned
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	// Winner is the row to store locally; nil means it must be fetched.
	Winner models.Versioned
	// Losing is the local change that did not reach the server.
	Losing      models.PendingChange
	NeedsReview bool
	Strategy    ResolutionStrategy
	ConflictLog *models.ConflictLog
}

// Resolve resolves a conflict using the configured strategy. Under both strategies
// the server's record becomes the local row; manual resolution additionally hands
// the losing change back so the caller can surface it.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.ItemID == "" {
		return nil, ErrInvalidConflict
	}
	if c.Remote != nil && c.Remote.RowID() != c.ItemID {
		return nil, ErrItemIDMismatch
	}

	result := &ResolveResult{
		Winner:   c.Remote,
		Losing:   c.Change,
		Strategy: r.strategy,
		ConflictLog: &models.ConflictLog{
			ID:            uuid.New(),
			Table:         c.Table,
			ItemID:        c.ItemID,
			LocalVersion:  c.LocalVersion,
			ServerVersion: c.ServerVersion,
			Resolution:    ResolutionServerWins,
			DetectedAt:    r.now().UTC(),
		},
	}

	fields := map[string]interface{}{
		"table":          string(c.Table),
		"item_id":        c.ItemID,
		"change_id":      c.Change.ChangeID,
		"local_version":  c.LocalVersion,
		"server_version": c.ServerVersion,
		"strategy":       string(r.strategy),
	}

	if r.strategy == ResolutionStrategyManual {
		result.NeedsReview = true
		result.ConflictLog.Resolution = ResolutionManualReview
		logging.Warn("Conflict queued for manual review", fields)
		return result, nil
	}

	logging.Info("Conflict resolved using last-write-wins", fields)
	return result, nil
}

// ShouldApplyRemote decides whether a record downloaded from the server replaces
// the local row. Rows with pending local changes are never overwritten.
func (r *Resolver) ShouldApplyRemote(local, remote models.Versioned, hasPending bool) bool {
	if remote == nil {
		return false
	}
	if hasPending {
		if local != nil && remote.RowVersion() > local.RowVersion() {
			logging.Warn("Concurrent edit detected while changes are pending", map[string]interface{}{
				"item_id":        remote.RowID(),
				"local_version":  local.RowVersion(),
				"remote_version": remote.RowVersion(),
			})
		}
		return false
	}
	if local == nil {
		return true
	}
	return remote.RowVersion() >= local.RowVersion()
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: item id is required"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
