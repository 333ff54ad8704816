// Package queue provides the outbox: the ordered log of local mutations that have
// not yet been acknowledged by the server.
//
// Entries live in the store's pendingChanges table so they survive restarts and
// commit atomically with the optimistic record write that produced them. Entries
// are never mutated in place; a drain removes an entry once its outcome is final.
package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Policy selects how a Delete interacts with earlier entries for the same entity.
type Policy int

const (
	// CollapseOnDelete drops earlier Create/Update entries for an entity when it is deleted.
	CollapseOnDelete Policy = iota
	// KeepAll replays every entry as recorded.
	KeepAll
)

// ChangeRequest describes a mutation to record.
type ChangeRequest struct {
	Kind     models.ChangeKind
	Table    models.Table
	TargetID string
	// ParentID is the owning post for comment changes.
	ParentID string
	// Payload is marshaled to JSON unless it already is a json.RawMessage.
	Payload interface{}
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Change models.PendingChange
	// Collapsed is true when the Delete cancelled a Create that never reached the
	// server; nothing was appended in that case.
	Collapsed bool
	// Removed lists the change ids dropped by collapsing.
	Removed []string
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithPolicy sets the collapsing policy.
func WithPolicy(p Policy) Option {
	return func(o *Outbox) { o.policy = p }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(o *Outbox) { o.clock = clock }
}

// Outbox manages pending changes stored in s.
type Outbox struct {
	store  *store.Store
	policy Policy
	clock  func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates an Outbox over s.
func New(s *store.Store, opts ...Option) *Outbox {
	o := &Outbox{
		store:    s,
		policy:   CollapseOnDelete,
		clock:    time.Now,
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the backing store.
func (o *Outbox) Store() *store.Store {
	return o.store
}

// Enqueue appends a change in its own transaction.
func (o *Outbox) Enqueue(req ChangeRequest) (EnqueueResult, error) {
	var res EnqueueResult
	err := o.store.Update(func(tx *store.Tx) error {
		var err error
		res, err = o.EnqueueTx(tx, req)
		return err
	})
	return res, err
}

// EnqueueTx appends a change as part of tx.
func (o *Outbox) EnqueueTx(tx *store.Tx, req ChangeRequest) (EnqueueResult, error) {
	var res EnqueueResult
	if err := validate(req); err != nil {
		return res, err
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return res, apperrors.Wrap(apperrors.ErrInvalid, "encode change payload", err)
	}

	if req.Kind == models.ChangeDelete && o.policy == CollapseOnDelete {
		res.Removed, res.Collapsed = o.collapse(tx, req)
		if res.Collapsed {
			logging.Debug("Delete collapsed into pending create", map[string]interface{}{
				"table":   string(req.Table),
				"id":      req.TargetID,
				"removed": len(res.Removed),
			})
			return res, nil
		}
	}

	change := models.PendingChange{
		ChangeID:   uuid.New(),
		Kind:       req.Kind,
		Table:      req.Table,
		TargetID:   req.TargetID,
		ParentID:   req.ParentID,
		Payload:    payload,
		EnqueuedAt: o.clock().UTC(),
		Seq:        tx.NextSeq(),
	}
	if err := tx.Set(models.TablePendingChanges, change); err != nil {
		return res, err
	}
	res.Change = change

	logging.Debug("Enqueued change", map[string]interface{}{
		"change_id": change.ChangeID,
		"kind":      string(change.Kind),
		"table":     string(change.Table),
		"id":        change.TargetID,
	})
	return res, nil
}

// collapse drops the not-in-flight entries a Delete makes redundant. For a post
// this includes its pending comment changes, which the server-side cascade covers.
func (o *Outbox) collapse(tx *store.Tx, req ChangeRequest) (removed []string, droppedCreate bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	aliases := tx.Values().Aliases
	target := canonicalID(aliases, req.TargetID)
	for _, c := range o.orderedTx(tx) {
		if _, busy := o.inFlight[c.ChangeID]; busy {
			continue
		}
		sameEntity := c.Table == req.Table && canonicalID(aliases, c.TargetID) == target && c.Kind != models.ChangeDelete
		child := req.Table == models.TablePosts && c.Table == models.TableComments && canonicalID(aliases, c.ParentID) == target
		if !sameEntity && !child {
			continue
		}
		tx.Delete(models.TablePendingChanges, c.ChangeID)
		removed = append(removed, c.ChangeID)
		if sameEntity && c.Kind == models.ChangeCreate {
			droppedCreate = true
		}
	}
	return removed, droppedCreate
}

// canonicalID maps a temporary id whose create has settled to the server id.
func canonicalID(aliases map[string]string, id string) string {
	if canonical, ok := aliases[id]; ok {
		return canonical
	}
	return id
}

// ListOrdered returns all entries by ascending (EnqueuedAt, Seq).
func (o *Outbox) ListOrdered() []models.PendingChange {
	return sortChanges(store.List[models.PendingChange](o.store, models.TablePendingChanges))
}

// ListOrderedTx is ListOrdered as seen by tx.
func (o *Outbox) ListOrderedTx(tx *store.Tx) []models.PendingChange {
	return o.orderedTx(tx)
}

func (o *Outbox) orderedTx(tx *store.Tx) []models.PendingChange {
	return sortChanges(store.TxList[models.PendingChange](tx, models.TablePendingChanges))
}

// Get returns the entry with the given change id.
func (o *Outbox) Get(changeID string) (models.PendingChange, bool) {
	return store.Get[models.PendingChange](o.store, models.TablePendingChanges, changeID)
}

// Len returns the number of pending entries.
func (o *Outbox) Len() int {
	return o.store.Count(models.TablePendingChanges)
}

// ForEntity returns the ordered entries that target (table, id).
func (o *Outbox) ForEntity(table models.Table, id string) []models.PendingChange {
	var out []models.PendingChange
	for _, c := range o.ListOrdered() {
		if c.Table == table && c.TargetID == id {
			out = append(out, c)
		}
	}
	return out
}

// HasPending reports whether any entry targets (table, id).
func (o *Outbox) HasPending(table models.Table, id string) bool {
	for _, c := range store.List[models.PendingChange](o.store, models.TablePendingChanges) {
		if c.Table == table && c.TargetID == id {
			return true
		}
	}
	return false
}

// Remove deletes an entry. Removing a missing entry is a no-op.
func (o *Outbox) Remove(changeID string) error {
	return o.store.Update(func(tx *store.Tx) error {
		o.RemoveTx(tx, changeID)
		return nil
	})
}

// RemoveTx deletes an entry as part of tx.
func (o *Outbox) RemoveTx(tx *store.Tx, changeID string) {
	tx.Delete(models.TablePendingChanges, changeID)
}

// Claim marks the given entries as in flight and returns the ids that still exist.
// It runs under the store's writer lock so a concurrent Delete cannot collapse an
// entry between selection and dispatch.
func (o *Outbox) Claim(changeIDs []string) ([]string, error) {
	var claimed []string
	err := o.store.Update(func(tx *store.Tx) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		for _, id := range changeIDs {
			if _, ok := tx.Get(models.TablePendingChanges, id); !ok {
				continue
			}
			o.inFlight[id] = struct{}{}
			claimed = append(claimed, id)
		}
		return nil
	})
	return claimed, err
}

// MarkInFlight flags entries as being dispatched.
func (o *Outbox) MarkInFlight(changeIDs ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range changeIDs {
		o.inFlight[id] = struct{}{}
	}
}

// ClearInFlight clears the in-flight flag.
func (o *Outbox) ClearInFlight(changeIDs ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range changeIDs {
		delete(o.inFlight, id)
	}
}

// InFlight reports whether an entry is being dispatched.
func (o *Outbox) InFlight(changeID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[changeID]
	return ok
}

// GetStats returns outbox counters by kind.
func (o *Outbox) GetStats() map[string]int {
	stats := map[string]int{
		"total":     0,
		"create":    0,
		"update":    0,
		"delete":    0,
		"in_flight": 0,
	}
	for _, c := range store.List[models.PendingChange](o.store, models.TablePendingChanges) {
		stats["total"]++
		stats[string(c.Kind)]++
		if o.InFlight(c.ChangeID) {
			stats["in_flight"]++
		}
	}
	return stats
}

func validate(req ChangeRequest) error {
	switch req.Kind {
	case models.ChangeCreate, models.ChangeUpdate, models.ChangeDelete:
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown change kind %q", req.Kind)
	}
	if req.Table != models.TablePosts && req.Table != models.TableComments {
		return apperrors.Newf(apperrors.ErrInvalid, "table %q does not sync", req.Table)
	}
	if req.TargetID == "" {
		return apperrors.New(apperrors.ErrInvalid, "change has no target id")
	}
	if req.Table == models.TableComments && req.ParentID == "" {
		return apperrors.New(apperrors.ErrInvalid, "comment change has no post id")
	}
	return nil
}

func encodePayload(p interface{}) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func sortChanges(changes []models.PendingChange) []models.PendingChange {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Before(changes[j]) })
	return changes
}
