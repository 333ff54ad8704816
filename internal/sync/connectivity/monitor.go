// Package connectivity tracks whether the server is reachable and fans out
// reconnect notifications.
package connectivity

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/store"
)

// Monitor holds the online flag and its listeners.
type Monitor struct {
	// notifyMu orders change delivery with the state transitions.
	notifyMu sync.Mutex

	mu       sync.Mutex
	online   bool
	nextID   uint64
	onOnline map[uint64]func(context.Context)
	onChange map[uint64]func(bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor with the given initial state.
func New(initial bool) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		online:   initial,
		onOnline: make(map[uint64]func(context.Context)),
		onChange: make(map[uint64]func(bool)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation. On an offline to online edge every
// OnOnline handler is started in its own goroutine. Repeating the current state
// is a no-op. Change listeners see transitions one at a time in the order they
// happened, so a listener must not call SetOnline.
func (m *Monitor) SetOnline(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	changes := make([]func(bool), 0, len(m.onChange))
	for _, id := range sortedIDs(m.onChange) {
		changes = append(changes, m.onChange[id])
	}
	var reconnects []func(context.Context)
	if online {
		for _, id := range sortedIDs(m.onOnline) {
			reconnects = append(reconnects, m.onOnline[id])
		}
	}
	m.wg.Add(len(reconnects))
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"is_online": online})

	for _, fn := range changes {
		fn(online)
	}
	for _, fn := range reconnects {
		go func(fn func(context.Context)) {
			defer m.wg.Done()
			fn(m.ctx)
		}(fn)
	}
}

// OnOnline registers fn to run after every offline to online edge.
// The returned func unregisters it.
func (m *Monitor) OnOnline(fn func(ctx context.Context)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.onOnline[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.onOnline, id)
		m.mu.Unlock()
	}
}

// OnChange registers fn to run synchronously after every state change.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.onChange[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.onChange, id)
		m.mu.Unlock()
	}
}

// BindStore mirrors the state into the store's IsOnline value.
func (m *Monitor) BindStore(s *store.Store) (func(), error) {
	if err := s.SetOnline(m.Online()); err != nil {
		return nil, err
	}
	return m.OnChange(func(online bool) {
		err := s.Defer(func(tx *store.Tx) error {
			tx.UpdateValues(func(v *store.Values) { v.IsOnline = online })
			return nil
		})
		if err != nil {
			logging.Error("Failed to record connectivity", err)
		}
	}), nil
}

// Wait blocks until every started OnOnline handler has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Close cancels the context passed to running handlers and waits for them.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

func sortedIDs[V any](m map[uint64]V) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
