// Package connectivity tests for the connectivity monitor.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/store"
)

// =====================================================
// Edge Detection Tests
// =====================================================

// TestMonitor_FiresOnlyOnReconnectEdge verifies handlers run on offline to online transitions.
func TestMonitor_FiresOnlyOnReconnectEdge(t *testing.T) {
	m := New(false)
	var fired int32
	m.OnOnline(func(context.Context) { atomic.AddInt32(&fired, 1) })

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))

	m.SetOnline(false)
	m.SetOnline(true)
	m.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&fired))
	assert.True(t, m.Online())
}

// TestMonitor_Unsubscribe verifies removed handlers stay silent.
func TestMonitor_Unsubscribe(t *testing.T) {
	m := New(false)
	var online, changes int32
	stopOnline := m.OnOnline(func(context.Context) { atomic.AddInt32(&online, 1) })
	stopChange := m.OnChange(func(bool) { atomic.AddInt32(&changes, 1) })

	stopOnline()
	stopChange()
	m.SetOnline(true)
	m.Wait()

	assert.Zero(t, atomic.LoadInt32(&online))
	assert.Zero(t, atomic.LoadInt32(&changes))
}

// TestMonitor_OnChangeSeesBothDirections verifies change listeners get every transition.
func TestMonitor_OnChangeSeesBothDirections(t *testing.T) {
	m := New(true)
	var seen []bool
	m.OnChange(func(online bool) { seen = append(seen, online) })

	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)

	assert.Equal(t, []bool{false, true}, seen)
}

// TestMonitor_ConcurrentChangesDeliverInOrder verifies racing observations reach
// listeners as alternating transitions ending at the current state.
func TestMonitor_ConcurrentChangesDeliverInOrder(t *testing.T) {
	s := store.New()
	m := New(false)
	_, err := m.BindStore(s)
	require.NoError(t, err)

	var seen []bool
	m.OnChange(func(online bool) { seen = append(seen, online) })

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(online bool) {
			defer wg.Done()
			m.SetOnline(online)
		}(i%2 == 0)
	}
	wg.Wait()
	m.Close()

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i], "transition %d repeats the previous state", i)
	}
	assert.Equal(t, m.Online(), seen[len(seen)-1])
	assert.Equal(t, m.Online(), s.Values().IsOnline)
}

// TestMonitor_CloseCancelsHandlerContext verifies shutdown reaches running handlers.
func TestMonitor_CloseCancelsHandlerContext(t *testing.T) {
	m := New(false)
	started := make(chan struct{})
	m.OnOnline(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})

	m.SetOnline(true)
	<-started
	m.Close()
}

// =====================================================
// Store Binding Tests
// =====================================================

// TestMonitor_BindStore verifies the store mirrors the connectivity flag.
func TestMonitor_BindStore(t *testing.T) {
	s := store.New()
	m := New(true)

	unbind, err := m.BindStore(s)
	require.NoError(t, err)
	assert.True(t, s.Values().IsOnline)

	m.SetOnline(false)
	assert.False(t, s.Values().IsOnline)

	unbind()
	m.SetOnline(true)
	assert.False(t, s.Values().IsOnline)
}
