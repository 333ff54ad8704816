// Package store provides the local mutable store: one table per entity type plus a
// small set of scalar values, persisted as a single blob after every commit.
//
// All writes are whole-row replacements. A group of writes is applied atomically
// through Update; subscribers are notified synchronously after the commit and never
// observe a partially applied transaction.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Values holds the store-wide scalar values.
type Values struct {
	LastSync  time.Time `json:"lastSync"`
	IsOnline  bool      `json:"isOnline"`
	SyncError string    `json:"syncError,omitempty"`

	// NextSeq orders outbox entries enqueued within the same clock tick.
	NextSeq int64 `json:"nextSeq"`
	// Aliases maps temporary record ids to the canonical ids the server assigned.
	Aliases map[string]string `json:"aliases,omitempty"`
}

func (v Values) clone() Values {
	out := v
	if v.Aliases != nil {
		out.Aliases = make(map[string]string, len(v.Aliases))
		for k, id := range v.Aliases {
			out.Aliases[k] = id
		}
	}
	return out
}

// Persister stores the serialized store blob.
// Load returns (nil, nil) when nothing has been stored yet.
type Persister interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Notification describes one committed change to a table.
type Notification struct {
	Table   models.Table
	Changed []string
	Deleted []string
}

// Store is the local store. The zero value is not usable; use New or Open.
type Store struct {
	// writeMu serializes commits and their notification rounds.
	writeMu sync.Mutex

	mu         sync.RWMutex
	tables     map[models.Table]map[string]models.Row
	values     Values
	persistErr error
	discarded  bool

	persister      Persister
	persistTimeout time.Duration

	subsMu    sync.Mutex
	nextSub   uint64
	subs      map[models.Table]map[uint64]func(Notification)
	valueSubs map[uint64]func(Values)

	deferMu     sync.Mutex
	dispatching bool
	deferred    []func(*Tx) error
}

// New returns an empty store that is not persisted.
func New() *Store {
	s := &Store{
		tables:         make(map[models.Table]map[string]models.Row, len(models.Tables)),
		persistTimeout: 10 * time.Second,
		subs:           make(map[models.Table]map[uint64]func(Notification)),
		valueSubs:      make(map[uint64]func(Values)),
	}
	for _, t := range models.Tables {
		s.tables[t] = make(map[string]models.Row)
	}
	return s
}

// Open loads the store from p. A malformed blob is discarded and the store starts
// empty; only I/O failures of the persister itself are returned.
func Open(ctx context.Context, p Persister) (*Store, error) {
	s := New()
	s.persister = p
	if p == nil {
		return s, nil
	}

	data, err := p.Load(ctx)
	if err != nil && !apperrors.Is(err, apperrors.ErrMalformedState) {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "load local state", err)
	}
	if err == nil && len(data) == 0 {
		return s, nil
	}

	if err == nil {
		var tables map[models.Table]map[string]models.Row
		var values Values
		tables, values, err = decodeSnapshot(data)
		if err == nil {
			s.tables = tables
			s.values = values
			return s, nil
		}
	}

	logging.Warn("Discarding malformed local state", map[string]interface{}{
		"error": err.Error(),
		"bytes": len(data),
	})
	s.discarded = true
	blob, encErr := encodeSnapshot(s.tables, s.values)
	s.persist(blob, encErr)
	return s, nil
}

// Discarded reports whether Open found and dropped a malformed blob.
func (s *Store) Discarded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discarded
}

// LastPersistError returns the error of the most recent persistence attempt, if any.
func (s *Store) LastPersistError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistErr
}

// GetRow returns the row stored under id.
func (s *Store) GetRow(table models.Table, id string) (models.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.tables[table][id]
	return row, ok
}

// GetTable returns a snapshot of the table.
func (s *Store) GetTable(table models.Table) map[string]models.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Row, len(s.tables[table]))
	for id, row := range s.tables[table] {
		out[id] = row
	}
	return out
}

// Count returns the number of rows in the table.
func (s *Store) Count(table models.Table) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

// Values returns a copy of the scalar values.
func (s *Store) Values() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.clone()
}

// SetRow inserts or replaces a whole row.
func (s *Store) SetRow(table models.Table, row models.Row) error {
	return s.Update(func(tx *Tx) error { return tx.Set(table, row) })
}

// DeleteRow removes a row. Deleting a missing row is a no-op.
func (s *Store) DeleteRow(table models.Table, id string) error {
	return s.Update(func(tx *Tx) error {
		tx.Delete(table, id)
		return nil
	})
}

// SetOnline records the connectivity flag.
func (s *Store) SetOnline(online bool) error {
	return s.Update(func(tx *Tx) error {
		tx.UpdateValues(func(v *Values) { v.IsOnline = online })
		return nil
	})
}

// SetLastSync records the time of the last successful sync.
func (s *Store) SetLastSync(t time.Time) error {
	return s.Update(func(tx *Tx) error {
		tx.UpdateValues(func(v *Values) { v.LastSync = t })
		return nil
	})
}

// SetSyncError records the last sync error; an empty string clears it.
func (s *Store) SetSyncError(msg string) error {
	return s.Update(func(tx *Tx) error {
		tx.UpdateValues(func(v *Values) { v.SyncError = msg })
		return nil
	})
}

// Update runs fn against a transaction and commits its writes atomically.
// If fn returns an error nothing is applied. Update must not be called from a
// subscription callback; use Defer there.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.commit(fn); err != nil {
		return err
	}
	s.runDeferred()
	return nil
}

// Defer queues fn to run as its own transaction. Inside a notification round the
// mutation runs after the round completes; otherwise it runs immediately.
func (s *Store) Defer(fn func(tx *Tx) error) error {
	s.deferMu.Lock()
	if s.dispatching {
		s.deferred = append(s.deferred, fn)
		s.deferMu.Unlock()
		return nil
	}
	s.deferMu.Unlock()
	return s.Update(fn)
}

func (s *Store) commit(fn func(tx *Tx) error) error {
	tx := newTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	if tx.empty() {
		return nil
	}

	s.mu.Lock()
	notes := tx.apply(s.tables, &s.values)
	values := s.values.clone()
	var blob []byte
	var encErr error
	if s.persister != nil {
		blob, encErr = encodeSnapshot(s.tables, s.values)
	}
	s.mu.Unlock()

	s.persist(blob, encErr)
	s.notify(notes, tx.values != nil, values)
	return nil
}

func (s *Store) persist(blob []byte, encErr error) {
	if s.persister == nil {
		return
	}
	err := encErr
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		err = s.persister.Save(ctx, blob)
		cancel()
	}
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrPersistence, "save local state", err)
		logging.Error("Failed to persist local state", err, map[string]interface{}{"bytes": len(blob)})
	}
	s.mu.Lock()
	s.persistErr = err
	s.mu.Unlock()
}

func (s *Store) notify(notes []Notification, valuesChanged bool, values Values) {
	s.subsMu.Lock()
	type call struct {
		fn   func(Notification)
		note Notification
	}
	var calls []call
	for _, n := range notes {
		ids := make([]uint64, 0, len(s.subs[n.Table]))
		for id := range s.subs[n.Table] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			calls = append(calls, call{fn: s.subs[n.Table][id], note: n})
		}
	}
	var valueCalls []func(Values)
	if valuesChanged {
		ids := make([]uint64, 0, len(s.valueSubs))
		for id := range s.valueSubs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			valueCalls = append(valueCalls, s.valueSubs[id])
		}
	}
	s.subsMu.Unlock()

	if len(calls) == 0 && len(valueCalls) == 0 {
		return
	}

	s.deferMu.Lock()
	s.dispatching = true
	s.deferMu.Unlock()

	for _, c := range calls {
		c.fn(c.note)
	}
	for _, fn := range valueCalls {
		fn(values.clone())
	}

	s.deferMu.Lock()
	s.dispatching = false
	s.deferMu.Unlock()
}

func (s *Store) runDeferred() {
	for {
		s.deferMu.Lock()
		queued := s.deferred
		s.deferred = nil
		s.deferMu.Unlock()

		if len(queued) == 0 {
			return
		}
		for _, fn := range queued {
			if err := s.commit(fn); err != nil {
				logging.Error("Deferred store mutation failed", err)
			}
		}
	}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close detaches the callback. It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.once.Do(sub.cancel)
}

// Subscribe registers fn to be called after every commit that touches table.
func (s *Store) Subscribe(table models.Table, fn func(Notification)) *Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextSub++
	id := s.nextSub
	if s.subs[table] == nil {
		s.subs[table] = make(map[uint64]func(Notification))
	}
	s.subs[table][id] = fn

	return &Subscription{cancel: func() {
		s.subsMu.Lock()
		delete(s.subs[table], id)
		s.subsMu.Unlock()
	}}
}

// SubscribeValues registers fn to be called after every commit that changes the scalar values.
func (s *Store) SubscribeValues(fn func(Values)) *Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.valueSubs[id] = fn

	return &Subscription{cancel: func() {
		s.subsMu.Lock()
		delete(s.valueSubs, id)
		s.subsMu.Unlock()
	}}
}

// Get returns the typed row stored under id.
func Get[T models.Row](s *Store, table models.Table, id string) (T, bool) {
	var zero T
	row, ok := s.GetRow(table, id)
	if !ok {
		return zero, false
	}
	typed, ok := row.(T)
	return typed, ok
}

// List returns every row of the table with type T, in unspecified order.
func List[T models.Row](s *Store, table models.Table) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		if typed, ok := row.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
