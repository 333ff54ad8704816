// Package queue provides unit tests for the outbox.
package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/store"
)

// fixedClock returns the same instant for every call, forcing Seq to break ties.
func fixedClock() time.Time {
	return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
}

func newOutbox(opts ...Option) *Outbox {
	return New(store.New(), append([]Option{WithClock(fixedClock)}, opts...)...)
}

func postCreate(id string) ChangeRequest {
	return ChangeRequest{
		Kind: models.ChangeCreate, Table: models.TablePosts, TargetID: id,
		Payload: models.PostPayload{Title: "t", Content: "c"},
	}
}

func postUpdate(id string, base int) ChangeRequest {
	return ChangeRequest{
		Kind: models.ChangeUpdate, Table: models.TablePosts, TargetID: id,
		Payload: models.PostPayload{Title: "t2", Content: "c2", Version: base},
	}
}

func postDelete(id string) ChangeRequest {
	return ChangeRequest{Kind: models.ChangeDelete, Table: models.TablePosts, TargetID: id}
}

func ids(changes []models.PendingChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.TargetID + ":" + string(c.Kind)
	}
	return out
}

// =====================================================
// Enqueue Tests
// =====================================================

// TestOutbox_EnqueueAssignsIdentity verifies change id, timestamp, sequence and payload.
func TestOutbox_EnqueueAssignsIdentity(t *testing.T) {
	o := newOutbox()

	res, err := o.Enqueue(postUpdate("p1", 3))
	require.NoError(t, err)
	assert.False(t, res.Collapsed)
	assert.NotEmpty(t, res.Change.ChangeID)
	assert.Equal(t, fixedClock(), res.Change.EnqueuedAt)
	assert.Equal(t, int64(1), res.Change.Seq)

	var payload models.PostPayload
	require.NoError(t, json.Unmarshal(res.Change.Payload, &payload))
	assert.Equal(t, 3, payload.Version)

	stored, ok := o.Get(res.Change.ChangeID)
	require.True(t, ok)
	assert.Equal(t, res.Change.ChangeID, stored.ChangeID)
	assert.Equal(t, 1, o.Len())
}

// TestOutbox_EnqueueValidation rejects malformed requests.
func TestOutbox_EnqueueValidation(t *testing.T) {
	o := newOutbox()
	cases := map[string]ChangeRequest{
		"bad kind":          {Kind: "upsert", Table: models.TablePosts, TargetID: "p1"},
		"bad table":         {Kind: models.ChangeCreate, Table: models.TablePendingChanges, TargetID: "x"},
		"no target":         {Kind: models.ChangeCreate, Table: models.TablePosts},
		"comment no parent": {Kind: models.ChangeCreate, Table: models.TableComments, TargetID: "c1"},
		"bad payload":       {Kind: models.ChangeCreate, Table: models.TablePosts, TargetID: "p1", Payload: make(chan int)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.Enqueue(req)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
		})
	}
	assert.Equal(t, 0, o.Len())
}

// TestOutbox_ListOrdered verifies ordering by timestamp with sequence tie-break.
func TestOutbox_ListOrdered(t *testing.T) {
	o := newOutbox()

	for _, id := range []string{"p3", "p1", "p2"} {
		_, err := o.Enqueue(postUpdate(id, 1))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"p3:update", "p1:update", "p2:update"}, ids(o.ListOrdered()))
}

// TestOutbox_EnqueueTxIsAtomic verifies the outbox append rolls back with the transaction.
func TestOutbox_EnqueueTxIsAtomic(t *testing.T) {
	o := newOutbox()
	s := o.Store()

	err := s.Update(func(tx *store.Tx) error {
		if _, err := o.EnqueueTx(tx, postCreate("local-1")); err != nil {
			return err
		}
		return tx.Set(models.TableComments, models.Post{ID: "wrong-table"})
	})
	require.Error(t, err)
	assert.Equal(t, 0, o.Len())
}

// TestOutbox_RemoveIsIdempotent verifies repeated removal.
func TestOutbox_RemoveIsIdempotent(t *testing.T) {
	o := newOutbox()
	res, err := o.Enqueue(postCreate("local-1"))
	require.NoError(t, err)

	require.NoError(t, o.Remove(res.Change.ChangeID))
	require.NoError(t, o.Remove(res.Change.ChangeID))
	assert.Equal(t, 0, o.Len())
}

// =====================================================
// Collapse Policy Tests
// =====================================================

// TestOutbox_DeleteCollapsesLocalCreate verifies a never-synced record leaves no trace.
func TestOutbox_DeleteCollapsesLocalCreate(t *testing.T) {
	o := newOutbox()
	_, err := o.Enqueue(postCreate("local-1"))
	require.NoError(t, err)
	_, err = o.Enqueue(postUpdate("local-1", 1))
	require.NoError(t, err)

	res, err := o.Enqueue(postDelete("local-1"))
	require.NoError(t, err)
	assert.True(t, res.Collapsed)
	assert.Len(t, res.Removed, 2)
	assert.Equal(t, 0, o.Len())
}

// TestOutbox_DeleteDropsEarlierUpdates verifies updates to a server record collapse into the delete.
func TestOutbox_DeleteDropsEarlierUpdates(t *testing.T) {
	o := newOutbox()
	_, err := o.Enqueue(postUpdate("p1", 1))
	require.NoError(t, err)
	_, err = o.Enqueue(postUpdate("p2", 1))
	require.NoError(t, err)

	res, err := o.Enqueue(postDelete("p1"))
	require.NoError(t, err)
	assert.False(t, res.Collapsed)
	assert.Len(t, res.Removed, 1)
	assert.Equal(t, []string{"p2:update", "p1:delete"}, ids(o.ListOrdered()))
}

// TestOutbox_PostDeleteDropsCommentChanges verifies the cascade covers pending comment changes.
func TestOutbox_PostDeleteDropsCommentChanges(t *testing.T) {
	o := newOutbox()
	_, err := o.Enqueue(ChangeRequest{
		Kind: models.ChangeCreate, Table: models.TableComments, TargetID: "local-c1", ParentID: "p1",
		Payload: models.CommentPayload{Content: "hi"},
	})
	require.NoError(t, err)
	_, err = o.Enqueue(ChangeRequest{
		Kind: models.ChangeCreate, Table: models.TableComments, TargetID: "local-c2", ParentID: "p2",
	})
	require.NoError(t, err)

	_, err = o.Enqueue(postDelete("p1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"local-c2:create", "p1:delete"}, ids(o.ListOrdered()))
}

// TestOutbox_InFlightEntriesAreNotCollapsed verifies a dispatched create is kept.
func TestOutbox_InFlightEntriesAreNotCollapsed(t *testing.T) {
	o := newOutbox()
	created, err := o.Enqueue(postCreate("local-1"))
	require.NoError(t, err)

	claimed, err := o.Claim([]string{created.Change.ChangeID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{created.Change.ChangeID}, claimed)
	assert.True(t, o.InFlight(created.Change.ChangeID))

	res, err := o.Enqueue(postDelete("local-1"))
	require.NoError(t, err)
	assert.False(t, res.Collapsed)
	assert.Equal(t, []string{"local-1:create", "local-1:delete"}, ids(o.ListOrdered()))

	o.ClearInFlight(created.Change.ChangeID)
	assert.False(t, o.InFlight(created.Change.ChangeID))
}

// TestOutbox_KeepAllPolicy verifies no entry is dropped.
func TestOutbox_KeepAllPolicy(t *testing.T) {
	o := newOutbox(WithPolicy(KeepAll))
	_, err := o.Enqueue(postCreate("local-1"))
	require.NoError(t, err)

	res, err := o.Enqueue(postDelete("local-1"))
	require.NoError(t, err)
	assert.False(t, res.Collapsed)
	assert.Empty(t, res.Removed)
	assert.Equal(t, 2, o.Len())
}

// =====================================================
// Query Tests
// =====================================================

// TestOutbox_ForEntityAndStats covers per-entity lookup and counters.
func TestOutbox_ForEntityAndStats(t *testing.T) {
	o := newOutbox()
	_, err := o.Enqueue(postCreate("local-1"))
	require.NoError(t, err)
	second, err := o.Enqueue(postUpdate("local-1", 1))
	require.NoError(t, err)
	_, err = o.Enqueue(postDelete("p9"))
	require.NoError(t, err)

	assert.Equal(t, []string{"local-1:create", "local-1:update"}, ids(o.ForEntity(models.TablePosts, "local-1")))
	assert.True(t, o.HasPending(models.TablePosts, "p9"))
	assert.False(t, o.HasPending(models.TableComments, "p9"))

	o.MarkInFlight(second.Change.ChangeID)
	stats := o.GetStats()
	assert.Equal(t, 3, stats["total"])
	assert.Equal(t, 1, stats["create"])
	assert.Equal(t, 1, stats["update"])
	assert.Equal(t, 1, stats["delete"])
	assert.Equal(t, 1, stats["in_flight"])
}
