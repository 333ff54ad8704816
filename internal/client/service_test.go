// Package client tests for optimistic post and comment operations.
package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/auth"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/remote"
	"github.com/kimhsiao/offlinesync/internal/remote/remotetest"
	"github.com/kimhsiao/offlinesync/internal/store"
	syncengine "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

var (
	secret = []byte("client-test-secret")
	alice  = models.Identity{UserID: "u-alice", Username: "alice", Role: models.RoleUser}
	bob    = models.Identity{UserID: "u-bob", Username: "bob", Role: models.RoleUser}
	admin  = models.Identity{UserID: "u-root", Username: "root", Role: models.RoleAdmin}
)

type countingTrigger struct {
	calls atomic.Int32
}

func (c *countingTrigger) TriggerDrain(context.Context) bool {
	c.calls.Add(1)
	return true
}

func tokenFor(t *testing.T, id models.Identity) auth.TokenSource {
	t.Helper()
	token, err := auth.Sign(secret, id, time.Hour)
	require.NoError(t, err)
	return auth.StaticToken(token)
}

func newService(t *testing.T, id models.Identity, opts Options) (*Service, *store.Store, *queue.Outbox) {
	t.Helper()
	s := store.New()
	outbox := queue.New(s)
	if opts.TokenSource == nil {
		opts.TokenSource = tokenFor(t, id)
	}
	return NewService(s, outbox, opts), s, outbox
}

func payloadOf[T any](t *testing.T, c models.PendingChange) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(c.Payload, &v))
	return v
}

// =====================================================
// Post Tests
// =====================================================

// TestCreatePost verifies the optimistic row and its outbox entry.
func TestCreatePost(t *testing.T) {
	svc, s, outbox := newService(t, alice, Options{})

	post, err := svc.CreatePost(context.Background(), "  Hello ", "World")
	require.NoError(t, err)

	assert.True(t, uuid.IsLocal(post.ID))
	assert.Equal(t, "Hello", post.Title)
	assert.Equal(t, alice.UserID, post.AuthorID)
	assert.Equal(t, 1, post.Version)

	stored, ok := store.Get[models.Post](s, models.TablePosts, post.ID)
	require.True(t, ok)
	assert.Equal(t, post, stored)

	changes := outbox.ListOrdered()
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeCreate, changes[0].Kind)
	assert.Equal(t, post.ID, changes[0].TargetID)
	payload := payloadOf[models.PostPayload](t, changes[0])
	assert.Equal(t, models.PostPayload{Title: "Hello", Content: "World"}, payload)
}

// TestCreatePost_validation rejects empty and oversized fields without writing.
// Limits count characters, so multibyte text is measured by rune.
func TestCreatePost_validation(t *testing.T) {
	svc, s, outbox := newService(t, alice, Options{})
	ctx := context.Background()

	tests := []struct {
		name           string
		title, content string
		wantErr        bool
	}{
		{"empty title", " ", "body", true},
		{"empty content", "title", "", true},
		{"long title", string(make([]byte, MaxTitleLength+1)), "body", true},
		{"long multibyte title", strings.Repeat("文", MaxTitleLength+1), "body", true},
		{"multibyte title within limit", strings.Repeat("文", 150), "body", false},
		{"multibyte content within limit", "title", strings.Repeat("é", 6000), false},
	}
	created := 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePost(ctx, tt.title, tt.content)
			if tt.wantErr {
				assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
				return
			}
			require.NoError(t, err)
			created++
		})
	}
	assert.Equal(t, created, s.Count(models.TablePosts))
	assert.Equal(t, created, outbox.Len())
}

// TestCreateComment_multibyteContent accepts a comment whose byte length exceeds
// the limit while its character count does not.
func TestCreateComment_multibyteContent(t *testing.T) {
	svc, _, outbox := newService(t, alice, Options{})
	ctx := context.Background()
	post, err := svc.CreatePost(ctx, "title", "body")
	require.NoError(t, err)

	comment, err := svc.CreateComment(ctx, post.ID, strings.Repeat("é", 6000))
	require.NoError(t, err)
	assert.Equal(t, 12000, len(comment.Content))
	assert.Equal(t, 2, outbox.Len())

	_, err = svc.CreateComment(ctx, post.ID, strings.Repeat("é", MaxContentLength+1))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
}

// TestCreatePost_requiresToken refuses to act anonymously.
func TestCreatePost_requiresToken(t *testing.T) {
	svc, _, outbox := newService(t, alice, Options{TokenSource: auth.StaticToken("")})

	_, err := svc.CreatePost(context.Background(), "t", "c")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))
	assert.Equal(t, 0, outbox.Len())
}

// TestUpdatePost_chainsVersions verifies consecutive edits carry their base version.
func TestUpdatePost_chainsVersions(t *testing.T) {
	svc, s, outbox := newService(t, alice, Options{})
	ctx := context.Background()
	require.NoError(t, s.SetRow(models.TablePosts, models.Post{
		ID: "post-1", Title: "v1", Content: "c", AuthorID: alice.UserID, Version: 1,
	}))

	_, err := svc.UpdatePost(ctx, "post-1", "v2", "c")
	require.NoError(t, err)
	updated, err := svc.UpdatePost(ctx, "post-1", "v3", "c")
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Version)

	changes := outbox.ListOrdered()
	require.Len(t, changes, 2)
	assert.Equal(t, 1, payloadOf[models.PostPayload](t, changes[0]).Version)
	assert.Equal(t, 2, payloadOf[models.PostPayload](t, changes[1]).Version)
}

// TestUpdatePost_permissions allows the author and admins only.
func TestUpdatePost_permissions(t *testing.T) {
	ctx := context.Background()
	seed := models.Post{ID: "post-1", Title: "t", Content: "c", AuthorID: alice.UserID, Version: 1}

	svc, s, outbox := newService(t, bob, Options{})
	require.NoError(t, s.SetRow(models.TablePosts, seed))
	_, err := svc.UpdatePost(ctx, "post-1", "mine now", "c")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))
	assert.Equal(t, 0, outbox.Len())
	assert.True(t, apperrors.Is(svc.DeletePost(ctx, "post-1"), apperrors.ErrPermission))

	svc, s, _ = newService(t, admin, Options{})
	require.NoError(t, s.SetRow(models.TablePosts, seed))
	_, err = svc.UpdatePost(ctx, "post-1", "moderated", "c")
	assert.NoError(t, err)
}

// TestUpdatePost_missing reports unknown posts.
func TestUpdatePost_missing(t *testing.T) {
	svc, _, _ := newService(t, alice, Options{})
	_, err := svc.UpdatePost(context.Background(), "nope", "t", "c")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestDeletePost_cascades removes comments and their queued changes.
func TestDeletePost_cascades(t *testing.T) {
	svc, s, outbox := newService(t, alice, Options{})
	ctx := context.Background()
	require.NoError(t, s.SetRow(models.TablePosts, models.Post{
		ID: "post-1", Title: "t", Content: "c", AuthorID: alice.UserID, Version: 1,
	}))
	_, err := svc.CreateComment(ctx, "post-1", "first")
	require.NoError(t, err)

	require.NoError(t, svc.DeletePost(ctx, "post-1"))

	assert.Equal(t, 0, s.Count(models.TablePosts))
	assert.Equal(t, 0, s.Count(models.TableComments))
	changes := outbox.ListOrdered()
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeDelete, changes[0].Kind)
	assert.Equal(t, "post-1", changes[0].TargetID)
}

// TestDeletePost_neverSynced leaves nothing to send for a post the server never saw.
func TestDeletePost_neverSynced(t *testing.T) {
	trigger := &countingTrigger{}
	svc, s, outbox := newService(t, alice, Options{Monitor: connectivity.New(true), Trigger: trigger})
	ctx := context.Background()

	post, err := svc.CreatePost(ctx, "draft", "c")
	require.NoError(t, err)
	_, err = svc.CreateComment(ctx, post.ID, "note")
	require.NoError(t, err)
	require.Equal(t, int32(2), trigger.calls.Load())

	require.NoError(t, svc.DeletePost(ctx, post.ID))
	assert.Equal(t, 0, outbox.Len())
	assert.Equal(t, 0, s.Count(models.TableComments))
	assert.Equal(t, int32(2), trigger.calls.Load())
}

// =====================================================
// Comment Tests
// =====================================================

// TestCreateComment_onLocalPost records the parent for dependency ordering.
func TestCreateComment_onLocalPost(t *testing.T) {
	svc, _, outbox := newService(t, alice, Options{})
	ctx := context.Background()

	post, err := svc.CreatePost(ctx, "t", "c")
	require.NoError(t, err)
	comment, err := svc.CreateComment(ctx, post.ID, "hi")
	require.NoError(t, err)

	assert.Equal(t, post.ID, comment.PostID)
	changes := outbox.ForEntity(models.TableComments, comment.ID)
	require.Len(t, changes, 1)
	assert.Equal(t, post.ID, changes[0].ParentID)

	_, err = svc.CreateComment(ctx, "missing", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestUpdateAndDeleteComment covers edits and removal by the author.
func TestUpdateAndDeleteComment(t *testing.T) {
	svc, s, outbox := newService(t, alice, Options{})
	ctx := context.Background()
	require.NoError(t, s.SetRow(models.TablePosts, models.Post{ID: "post-1", AuthorID: bob.UserID, Version: 1}))
	require.NoError(t, s.SetRow(models.TableComments, models.Comment{
		ID: "comment-1", PostID: "post-1", Content: "old", AuthorID: alice.UserID, Version: 4,
	}))

	updated, err := svc.UpdateComment(ctx, "comment-1", "new")
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Version)

	require.NoError(t, svc.DeleteComment(ctx, "comment-1"))
	assert.Equal(t, 0, s.Count(models.TableComments))

	changes := outbox.ListOrdered()
	require.Len(t, changes, 1, "the delete collapses the queued edit")
	assert.Equal(t, models.ChangeDelete, changes[0].Kind)
	assert.Equal(t, "post-1", changes[0].ParentID)
}

// TestUpdatePost_followsAlias edits a post through the temporary id it was created with.
func TestUpdatePost_followsAlias(t *testing.T) {
	svc, s, outbox := newService(t, alice, Options{})
	require.NoError(t, s.Update(func(tx *store.Tx) error {
		tx.UpdateValues(func(v *store.Values) {
			v.Aliases = map[string]string{"local-tmp": "post-9"}
		})
		return tx.Set(models.TablePosts, models.Post{ID: "post-9", AuthorID: alice.UserID, Version: 2})
	}))

	updated, err := svc.UpdatePost(context.Background(), "local-tmp", "t", "c")
	require.NoError(t, err)
	assert.Equal(t, "post-9", updated.ID)
	assert.Len(t, outbox.ForEntity(models.TablePosts, "post-9"), 1)

	post, _, err := svc.GetPost("local-tmp")
	require.NoError(t, err)
	assert.Equal(t, 3, post.Version)
}

// =====================================================
// Read Tests
// =====================================================

// TestListPostsPage pages newest first.
func TestListPostsPage(t *testing.T) {
	svc, s, _ := newService(t, alice, Options{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SetRow(models.TablePosts, models.Post{
			ID: "post-" + string(rune('a'+i)), CreatedAt: base.Add(time.Duration(i) * time.Hour), Version: 1,
		}))
	}

	first := svc.ListPostsPage(1, 2)
	assert.Equal(t, 5, first.Total)
	assert.Equal(t, 3, first.TotalPages)
	require.Len(t, first.Posts, 2)
	assert.Equal(t, "post-e", first.Posts[0].ID)

	last := svc.ListPostsPage(3, 2)
	require.Len(t, last.Posts, 1)
	assert.Equal(t, "post-a", last.Posts[0].ID)

	assert.Empty(t, svc.ListPostsPage(9, 2).Posts)
	assert.Equal(t, DefaultPageSize, svc.ListPostsPage(0, 0).PageSize)
}

// TestStatus reflects the monitor, outbox and last sync.
func TestStatus(t *testing.T) {
	monitor := connectivity.New(false)
	svc, s, _ := newService(t, alice, Options{Monitor: monitor})

	_, err := svc.CreatePost(context.Background(), "t", "c")
	require.NoError(t, err)
	st := svc.Status()
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending)
	assert.Nil(t, st.LastSync)

	now := time.Now().UTC()
	require.NoError(t, s.SetLastSync(now))
	require.NoError(t, s.SetSyncError("boom"))
	monitor.SetOnline(true)

	st = svc.Status()
	assert.True(t, st.Online)
	require.NotNil(t, st.LastSync)
	assert.True(t, now.Equal(*st.LastSync))
	assert.Equal(t, "boom", st.SyncError)
}

// TestKick_onlyWhenOnline verifies mutations trigger a drain only while online.
func TestKick_onlyWhenOnline(t *testing.T) {
	monitor := connectivity.New(false)
	trigger := &countingTrigger{}
	svc, _, _ := newService(t, alice, Options{Monitor: monitor, Trigger: trigger})
	ctx := context.Background()

	_, err := svc.CreatePost(ctx, "offline", "c")
	require.NoError(t, err)
	assert.Equal(t, int32(0), trigger.calls.Load())

	monitor.SetOnline(true)
	_, err = svc.CreatePost(ctx, "online", "c")
	require.NoError(t, err)
	assert.Equal(t, int32(1), trigger.calls.Load())
}

// =====================================================
// End-to-end Tests
// =====================================================

// TestOfflineEditsReachServer creates a post and comment offline, drains, and
// finds them under the server's ids.
func TestOfflineEditsReachServer(t *testing.T) {
	srv := remotetest.New(secret)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tokens := auth.StaticToken(srv.Token(alice))
	svc, s, outbox := newService(t, alice, Options{TokenSource: tokens})
	ctx := context.Background()

	post, err := svc.CreatePost(ctx, "offline", "draft")
	require.NoError(t, err)
	_, err = svc.CreateComment(ctx, post.ID, "first!")
	require.NoError(t, err)

	engine := syncengine.NewSyncEngine(s, outbox, remote.NewHTTPClient(ts.URL), nil, syncengine.Options{TokenSource: tokens})
	result, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 0, outbox.Len())

	posts := svc.ListPosts()
	require.Len(t, posts, 1)
	synced, comments, err := svc.GetPost(posts[0].ID)
	require.NoError(t, err)
	assert.False(t, uuid.IsLocal(synced.ID))
	assert.Equal(t, "offline", synced.Title)
	require.Len(t, comments, 1)
	assert.Equal(t, synced.ID, comments[0].PostID)

	_, ok := srv.Post(synced.ID)
	assert.True(t, ok)
	assert.Len(t, srv.Comments(synced.ID), 1)

	_, err = svc.UpdatePost(ctx, synced.ID, "edited", "draft")
	require.NoError(t, err)
	_, err = engine.Drain(ctx)
	require.NoError(t, err)
	remotePost, _ := srv.Post(synced.ID)
	assert.Equal(t, "edited", remotePost.Title)
	assert.Equal(t, 2, remotePost.Version)
}
