// Package sync tests for draining the outbox and pulling server state.
package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/auth"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/remote"
	"github.com/kimhsiao/offlinesync/internal/remote/remotetest"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

var (
	alice = models.Identity{UserID: "u-alice", Username: "alice", Role: models.RoleUser}
	bob   = models.Identity{UserID: "u-bob", Username: "bob", Role: models.RoleUser}
)

type harness struct {
	t      *testing.T
	server *remotetest.Server
	client remote.Client
	store  *store.Store
	outbox *queue.Outbox
	engine *SyncEngine

	mu     gosync.Mutex
	events []SyncEvent
}

type harnessOptions struct {
	strategy conflict.ResolutionStrategy
	token    auth.TokenSource
	wrap     func(remote.Client) remote.Client
	batch    int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	srv := remotetest.New(nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	var client remote.Client = remote.NewHTTPClient(ts.URL, remote.WithTimeout(5*time.Second))
	if opts.wrap != nil {
		client = opts.wrap(client)
	}
	if opts.strategy == "" {
		opts.strategy = conflict.ResolutionStrategyLastWriteWins
	}
	if opts.token == nil {
		opts.token = auth.StaticToken(srv.Token(alice))
	}

	s := store.New()
	outbox := queue.New(s)
	h := &harness{t: t, server: srv, client: client, store: s, outbox: outbox}
	h.engine = NewSyncEngine(s, outbox, client, conflict.NewResolver(opts.strategy), Options{
		BatchSize:   opts.batch,
		TokenSource: opts.token,
	})
	h.engine.SetEventHandler(SyncEventHandlerFunc(func(ev SyncEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}))
	return h
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

// createPost writes an optimistic post and its outbox entry.
func (h *harness) createPost(title, content string) string {
	h.t.Helper()
	id := uuid.NewLocal()
	now := time.Now().UTC()
	err := h.store.Update(func(tx *store.Tx) error {
		if err := tx.Set(models.TablePosts, models.Post{
			ID: id, Title: title, Content: content, AuthorID: alice.UserID,
			CreatedAt: now, UpdatedAt: now, Version: 1,
		}); err != nil {
			return err
		}
		_, err := h.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind: models.ChangeCreate, Table: models.TablePosts, TargetID: id,
			Payload: models.PostPayload{Title: title, Content: content},
		})
		return err
	})
	require.NoError(h.t, err)
	return id
}

// updatePost edits the local row and records the edit against the version it was based on.
func (h *harness) updatePost(id, title, content string) {
	h.t.Helper()
	err := h.store.Update(func(tx *store.Tx) error {
		p, ok := store.TxGet[models.Post](tx, models.TablePosts, id)
		require.True(h.t, ok)
		base := p.Version
		p.Title, p.Content, p.Version = title, content, base+1
		if err := tx.Set(models.TablePosts, p); err != nil {
			return err
		}
		_, err := h.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind: models.ChangeUpdate, Table: models.TablePosts, TargetID: id,
			Payload: models.PostPayload{Title: title, Content: content, Version: base},
		})
		return err
	})
	require.NoError(h.t, err)
}

func (h *harness) deletePost(id string) {
	h.t.Helper()
	err := h.store.Update(func(tx *store.Tx) error {
		dropLocal(tx, models.TablePosts, id)
		_, err := h.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind: models.ChangeDelete, Table: models.TablePosts, TargetID: id,
		})
		return err
	})
	require.NoError(h.t, err)
}

func (h *harness) createComment(postID, content string) string {
	h.t.Helper()
	id := uuid.NewLocal()
	now := time.Now().UTC()
	err := h.store.Update(func(tx *store.Tx) error {
		if err := tx.Set(models.TableComments, models.Comment{
			ID: id, PostID: postID, Content: content, AuthorID: alice.UserID,
			CreatedAt: now, UpdatedAt: now, Version: 1,
		}); err != nil {
			return err
		}
		_, err := h.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind: models.ChangeCreate, Table: models.TableComments, TargetID: id, ParentID: postID,
			Payload: models.CommentPayload{Content: content},
		})
		return err
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) localPost(id string) (models.Post, bool) {
	return store.Get[models.Post](h.store, models.TablePosts, id)
}

func (h *harness) seedBoth(p models.Post) models.Post {
	p = h.server.SeedPost(p)
	require.NoError(h.t, h.store.SetRow(models.TablePosts, p))
	return p
}

// emptyReplyClient lets the server accept a create for title but hands back a
// record without an id, as a proxy that strips the body would.
type emptyReplyClient struct {
	remote.Client
	title string

	mu      gosync.Mutex
	emptied bool
}

func (c *emptyReplyClient) CreatePost(ctx context.Context, token string, in models.PostPayload) (models.Post, error) {
	p, err := c.Client.CreatePost(ctx, token, in)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && in.Title == c.title && !c.emptied {
		c.emptied = true
		return models.Post{}, nil
	}
	return p, err
}

// blockingClient holds CreatePost calls until released.
type blockingClient struct {
	remote.Client
	started chan struct{}
	release chan struct{}
}

func (b *blockingClient) CreatePost(ctx context.Context, token string, in models.PostPayload) (models.Post, error) {
	b.started <- struct{}{}
	<-b.release
	return b.Client.CreatePost(ctx, token, in)
}

// =====================================================
// Drain Tests
// =====================================================

// TestDrain_OfflineCreateGetsCanonicalID verifies a post and its comment created
// offline end up under server ids with the comment pointing at the new post.
func TestDrain_OfflineCreateGetsCanonicalID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tempPost := h.createPost("Hello", "World")
	tempComment := h.createComment(tempPost, "first")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Deferred)
	assert.Equal(t, 0, h.outbox.Len())

	_, ok := h.localPost(tempPost)
	assert.False(t, ok)
	_, ok = store.Get[models.Comment](h.store, models.TableComments, tempComment)
	assert.False(t, ok)

	posts := h.server.Posts()
	require.Len(t, posts, 1)
	local, ok := h.localPost(posts[0].ID)
	require.True(t, ok)
	assert.Equal(t, posts[0], local)

	comments := h.server.Comments(posts[0].ID)
	require.Len(t, comments, 1)
	localComment, ok := store.Get[models.Comment](h.store, models.TableComments, comments[0].ID)
	require.True(t, ok)
	assert.Equal(t, posts[0].ID, localComment.PostID)

	values := h.store.Values()
	assert.Empty(t, values.Aliases)
	assert.False(t, values.LastSync.IsZero())
	assert.Empty(t, values.SyncError)
	assert.Equal(t, []string{EventSyncStarted, EventSyncCompleted}, h.eventTypes())
}

// TestDrain_PreservesOrderPerEntity verifies a create followed by two edits replays in order.
func TestDrain_PreservesOrderPerEntity(t *testing.T) {
	h := newHarness(t, harnessOptions{batch: 5})
	id := h.createPost("v1", "body")
	h.updatePost(id, "v2", "body")
	h.updatePost(id, "v3", "body")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Conflicts)

	posts := h.server.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "v3", posts[0].Title)
	assert.Equal(t, 3, posts[0].Version)

	local, ok := h.localPost(posts[0].ID)
	require.True(t, ok)
	assert.Equal(t, posts[0], local)
	assert.Equal(t, []string{
		"POST /posts",
		"PATCH /posts/" + posts[0].ID,
		"PATCH /posts/" + posts[0].ID,
	}, h.server.Requests())
}

// TestDrain_IsIdempotent verifies a second drain sends nothing.
func TestDrain_IsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.createPost("once", "only")

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Processed)
	assert.Equal(t, 1, h.server.CountRequests(http.MethodPost, "/posts"))
	assert.Len(t, h.server.Posts(), 1)
}

// TestDrain_ConcurrentBatch verifies independent entries in one batch all settle.
func TestDrain_ConcurrentBatch(t *testing.T) {
	h := newHarness(t, harnessOptions{batch: 3})
	for i := 0; i < 7; i++ {
		h.createPost("title", "content")
	}

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res.Succeeded)
	assert.Len(t, h.server.Posts(), 7)
	assert.Equal(t, 7, h.store.Count(models.TablePosts))
	for _, p := range store.List[models.Post](h.store, models.TablePosts) {
		assert.False(t, uuid.IsLocal(p.ID))
	}
}

// TestDrain_TransientFailureKeepsEntry verifies a failed entry is retried on the
// next drain and that lastSync only moves on progress.
func TestDrain_TransientFailureKeepsEntry(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.createPost("retry", "me")
	h.server.FailNext(http.MethodPost, "/posts", http.StatusServiceUnavailable)

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, h.outbox.Len())
	assert.NotEmpty(t, res.LastError)
	assert.True(t, h.store.Values().LastSync.IsZero())
	assert.NotEmpty(t, h.store.Values().SyncError)
	assert.Error(t, h.engine.LastError())
	assert.Contains(t, h.eventTypes(), EventSyncFailed)

	res, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, h.outbox.Len())
	assert.Empty(t, h.store.Values().SyncError)
	assert.False(t, h.store.Values().LastSync.IsZero())
	assert.NoError(t, h.engine.LastError())
}

// TestDrain_EmptyServerRecordKeepsEntry verifies a success without a record id
// counts as a failed call while the rest of the batch still settles.
func TestDrain_EmptyServerRecordKeepsEntry(t *testing.T) {
	h := newHarness(t, harnessOptions{
		batch: 2,
		wrap: func(c remote.Client) remote.Client {
			return &emptyReplyClient{Client: c, title: "blank"}
		},
	})
	blank := h.createPost("blank", "reply")
	h.createPost("good", "reply")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.LastError, "no id")

	pending := h.outbox.ListOrdered()
	require.Len(t, pending, 1)
	assert.Equal(t, blank, pending[0].TargetID)
	assert.False(t, h.outbox.InFlight(pending[0].ChangeID))
	_, ok := h.localPost(blank)
	assert.True(t, ok, "optimistic row stays until the create is confirmed")

	res, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, h.outbox.Len())
	assert.Equal(t, 3, h.server.CountRequests(http.MethodPost, "/posts"), "only the unconfirmed create is resent")
}

// TestDrain_FailureBlocksLaterEntriesForEntity verifies later edits wait behind a failed one.
func TestDrain_FailureBlocksLaterEntriesForEntity(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.seedBoth(models.Post{ID: "p1", Title: "a", Content: "b", AuthorID: alice.UserID})
	h.updatePost(p.ID, "a2", "b")
	h.updatePost(p.ID, "a3", "b")
	h.server.FailNext(http.MethodPatch, "/posts/p1", http.StatusBadGateway)

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 2, h.outbox.Len())

	server, _ := h.server.Post("p1")
	assert.Equal(t, "a", server.Title)
}

// TestDrain_NoTokenDefersEverything verifies no request is made without a credential.
func TestDrain_NoTokenDefersEverything(t *testing.T) {
	h := newHarness(t, harnessOptions{token: auth.StaticToken("")})
	h.createPost("t", "c")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Zero(t, res.Processed)
	assert.Empty(t, h.server.Requests())
	assert.NotEmpty(t, h.store.Values().SyncError)
	assert.Equal(t, []string{EventSyncStarted, EventSyncFailed}, h.eventTypes())
}

// TestDrain_Coalesces verifies a drain requested while one runs returns immediately.
func TestDrain_Coalesces(t *testing.T) {
	var blocker *blockingClient
	h := newHarness(t, harnessOptions{wrap: func(c remote.Client) remote.Client {
		blocker = &blockingClient{Client: c, started: make(chan struct{}, 1), release: make(chan struct{})}
		return blocker
	}})
	h.createPost("slow", "post")

	done := make(chan *DrainResult, 1)
	go func() {
		res, err := h.engine.Drain(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	<-blocker.started
	assert.Equal(t, SyncStatusDraining, h.engine.Status())

	second, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Coalesced)

	close(blocker.release)
	first := <-done
	assert.False(t, first.Coalesced)
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, SyncStatusIdle, h.engine.Status())
	assert.Len(t, h.server.Posts(), 1)
}

// TestDrain_DeleteByCanonicalIDCollapsesAliasedEdits verifies a delete issued
// under the server id drops an edit still recorded against the temporary id.
func TestDrain_DeleteByCanonicalIDCollapsesAliasedEdits(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	temp := h.createPost("draft", "body")
	h.updatePost(temp, "draft 2", "body")
	h.server.FailNext(http.MethodPatch, "/posts/", http.StatusServiceUnavailable)

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	posts := h.server.Posts()
	require.Len(t, posts, 1)
	canonical := posts[0].ID
	require.Equal(t, canonical, h.store.Values().Aliases[temp])

	h.deletePost(canonical)
	pending := h.outbox.ListOrdered()
	require.Len(t, pending, 1)
	assert.Equal(t, models.ChangeDelete, pending[0].Kind)
	assert.Equal(t, canonical, pending[0].TargetID)

	res, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, h.server.Posts())
	assert.Equal(t, 1, h.server.CountRequests(http.MethodPatch, "/posts/"), "the collapsed edit is not resent")
	assert.Equal(t, 0, h.outbox.Len())
}

// =====================================================
// Conflict Tests
// =====================================================

// TestDrain_StaleUpdateTakesServerVersion verifies the server record replaces a
// local edit based on an old version.
func TestDrain_StaleUpdateTakesServerVersion(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.store.SetRow(models.TablePosts, models.Post{
		ID: "p1", Title: "local", Content: "old", AuthorID: alice.UserID, Version: 2,
	}))
	h.server.SeedPost(models.Post{ID: "p1", Title: "server", Content: "newer", AuthorID: alice.UserID, Version: 3})
	h.updatePost("p1", "mine", "edit")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	require.Len(t, res.ConflictLogs, 1)
	assert.Equal(t, 2, res.ConflictLogs[0].LocalVersion)
	assert.Equal(t, 3, res.ConflictLogs[0].ServerVersion)
	assert.Equal(t, conflict.ResolutionServerWins, res.ConflictLogs[0].Resolution)
	assert.Empty(t, res.Reviews)

	local, ok := h.localPost("p1")
	require.True(t, ok)
	assert.Equal(t, "server", local.Title)
	assert.Equal(t, 3, local.Version)
	assert.Equal(t, 0, h.outbox.Len())
	assert.Contains(t, h.eventTypes(), EventSyncConflictDetected)
	assert.True(t, h.store.Values().LastSync.IsZero())
}

// TestDrain_ConflictDropsDependentEdits verifies edits stacked on a stale one are discarded.
func TestDrain_ConflictDropsDependentEdits(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.store.SetRow(models.TablePosts, models.Post{
		ID: "p1", Title: "local", Content: "old", AuthorID: alice.UserID, Version: 1,
	}))
	h.server.SeedPost(models.Post{ID: "p1", Title: "server", Content: "newer", AuthorID: alice.UserID, Version: 2})
	h.updatePost("p1", "first", "edit")
	h.updatePost("p1", "second", "edit")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 0, h.outbox.Len())
	assert.Equal(t, 1, h.server.CountRequests(http.MethodPatch, "/posts/p1"))

	local, _ := h.localPost("p1")
	assert.Equal(t, 2, local.Version)
	assert.Equal(t, "server", local.Title)
}

// TestDrain_ManualStrategyReturnsLosingChange verifies manual review hands back the change.
func TestDrain_ManualStrategyReturnsLosingChange(t *testing.T) {
	h := newHarness(t, harnessOptions{strategy: conflict.ResolutionStrategyManual})
	require.NoError(t, h.store.SetRow(models.TablePosts, models.Post{
		ID: "p1", Title: "local", Content: "old", AuthorID: alice.UserID, Version: 1,
	}))
	h.server.SeedPost(models.Post{ID: "p1", Title: "server", Content: "newer", AuthorID: alice.UserID, Version: 2})
	h.updatePost("p1", "mine", "edit")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Reviews, 1)
	assert.Equal(t, "p1", res.Reviews[0].TargetID)
	assert.Equal(t, conflict.ResolutionManualReview, res.ConflictLogs[0].Resolution)

	local, _ := h.localPost("p1")
	assert.Equal(t, "server", local.Title)
}

// =====================================================
// Rejection Tests
// =====================================================

// TestDrain_RejectedCreateRollsBack verifies the optimistic post and its dependents disappear.
func TestDrain_RejectedCreateRollsBack(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	id := h.createPost("  ", "no title")
	h.createComment(id, "orphan")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Zero(t, res.Deferred)
	assert.Equal(t, 0, h.outbox.Len())
	assert.Equal(t, 0, h.store.Count(models.TablePosts))
	assert.Equal(t, 0, h.store.Count(models.TableComments))
	assert.Contains(t, h.eventTypes(), EventSyncChangeRejected)
	assert.Empty(t, h.server.Posts())
}

// TestDrain_ForbiddenUpdateRestoresServerCopy verifies an edit to someone else's post is undone.
func TestDrain_ForbiddenUpdateRestoresServerCopy(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedBoth(models.Post{ID: "p1", Title: "bob's", Content: "post", AuthorID: bob.UserID})
	h.updatePost("p1", "hijacked", "post")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)

	local, ok := h.localPost("p1")
	require.True(t, ok)
	assert.Equal(t, "bob's", local.Title)
	assert.Equal(t, 1, local.Version)
	assert.Equal(t, 0, h.outbox.Len())
}

// TestDrain_UpdateOfMissingRecordRemovesIt verifies a 404 on update drops the local row.
func TestDrain_UpdateOfMissingRecordRemovesIt(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.store.SetRow(models.TablePosts, models.Post{
		ID: "gone", Title: "t", Content: "c", AuthorID: alice.UserID, Version: 1,
	}))
	h.updatePost("gone", "t2", "c")

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	_, ok := h.localPost("gone")
	assert.False(t, ok)
}

// TestDrain_DeleteCascadesAndToleratesMissing verifies post deletes remove comments
// and that deleting an already deleted record succeeds.
func TestDrain_DeleteCascadesAndToleratesMissing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedBoth(models.Post{ID: "p1", Title: "t", Content: "c", AuthorID: alice.UserID})
	c := h.server.SeedComment(models.Comment{ID: "c1", PostID: "p1", Content: "x", AuthorID: bob.UserID})
	require.NoError(t, h.store.SetRow(models.TableComments, c))
	require.NoError(t, h.store.SetRow(models.TablePosts, models.Post{ID: "p2", Title: "t", Content: "c", AuthorID: alice.UserID, Version: 1}))

	h.deletePost("p1")
	h.deletePost("p2")
	assert.Equal(t, 0, h.store.Count(models.TableComments))

	res, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Empty(t, h.server.Posts())
	_, ok := h.server.Comment("c1")
	assert.False(t, ok)
}

// =====================================================
// Pull Tests
// =====================================================

// TestPull_Reconciles verifies applied, skipped and removed records.
func TestPull_Reconciles(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.server.SeedPost(models.Post{ID: "p1", Title: "fresh", Content: "c", AuthorID: bob.UserID, Version: 2})
	h.server.SeedComment(models.Comment{ID: "c1", PostID: "p1", Content: "hi", AuthorID: bob.UserID})
	h.seedBoth(models.Post{ID: "p2", Title: "mine", Content: "c", AuthorID: alice.UserID})

	require.NoError(t, h.store.SetRow(models.TablePosts, models.Post{ID: "p1", Title: "stale", Content: "c", AuthorID: bob.UserID, Version: 1}))
	require.NoError(t, h.store.SetRow(models.TablePosts, models.Post{ID: "p3", Title: "deleted remotely", Content: "c", Version: 1}))
	h.updatePost("p2", "pending edit", "c")
	tempID := h.createPost("unsynced", "c")

	res, err := h.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Removed)

	p1, _ := h.localPost("p1")
	assert.Equal(t, "fresh", p1.Title)
	p2, _ := h.localPost("p2")
	assert.Equal(t, "pending edit", p2.Title)
	_, ok := h.localPost("p3")
	assert.False(t, ok)
	_, ok = h.localPost(tempID)
	assert.True(t, ok)
	_, ok = store.Get[models.Comment](h.store, models.TableComments, "c1")
	assert.True(t, ok)
	assert.False(t, h.store.Values().LastSync.IsZero())
}

// TestPull_FailureRecordsSyncError verifies an unreachable server leaves local state untouched.
func TestPull_FailureRecordsSyncError(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.store.SetRow(models.TablePosts, models.Post{ID: "p1", Title: "t", Content: "c", Version: 1}))
	h.server.SetDown(true)

	_, err := h.engine.Pull(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.store.Count(models.TablePosts))
	assert.NotEmpty(t, h.store.Values().SyncError)
	assert.True(t, h.store.Values().LastSync.IsZero())
}

// =====================================================
// Sync Tests
// =====================================================

// TestSync_EventuallyMatchesServer verifies local tables equal the server after a round trip.
func TestSync_EventuallyMatchesServer(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.server.SeedPost(models.Post{ID: "remote-1", Title: "from", Content: "elsewhere", AuthorID: bob.UserID})
	id := h.createPost("local", "post")
	h.createComment(id, "on local post")
	h.updatePost(id, "local edited", "post")

	res, err := h.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Uploaded)
	assert.Empty(t, res.Error)
	assert.Zero(t, h.engine.PendingChanges())
	require.NotNil(t, h.engine.LastSync())

	serverPosts := h.server.Posts()
	localPosts := store.List[models.Post](h.store, models.TablePosts)
	assert.ElementsMatch(t, serverPosts, localPosts)

	var serverComments []models.Comment
	for _, p := range serverPosts {
		serverComments = append(serverComments, h.server.Comments(p.ID)...)
	}
	assert.ElementsMatch(t, serverComments, store.List[models.Comment](h.store, models.TableComments))
}
