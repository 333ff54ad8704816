// Package client is the calling layer applications use to read and edit posts.
//
// Every mutation is optimistic: the local row changes immediately and the matching
// outbox entry is recorded in the same store transaction, so the two can never
// disagree after a crash. Reads only ever touch the local store.
package client

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kimhsiao/offlinesync/internal/auth"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Field limits enforced before anything is written locally.
const (
	MaxTitleLength   = 200
	MaxContentLength = 10000
)

// DefaultPageSize is used when a page request does not name a size.
const DefaultPageSize = 10

// Trigger starts a background drain. *scheduler.Scheduler implements it.
type Trigger interface {
	TriggerDrain(ctx context.Context) bool
}

// Options configures a Service.
type Options struct {
	// TokenSource supplies the bearer token the caller acts with.
	TokenSource auth.TokenSource
	// Monitor gates the post-mutation drain trigger. Nil means always offline.
	Monitor *connectivity.Monitor
	// Trigger is asked to drain after each mutation while online.
	Trigger Trigger
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Service exposes optimistic post and comment operations over the local store.
type Service struct {
	store   *store.Store
	outbox  *queue.Outbox
	tokens  auth.TokenSource
	monitor *connectivity.Monitor
	trigger Trigger
	clock   func() time.Time
}

// NewService creates a Service.
func NewService(s *store.Store, outbox *queue.Outbox, opts Options) *Service {
	if opts.TokenSource == nil {
		opts.TokenSource = auth.StaticToken("")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:   s,
		outbox:  outbox,
		tokens:  opts.TokenSource,
		monitor: opts.Monitor,
		trigger: opts.Trigger,
		clock:   opts.Clock,
	}
}

// Identity returns the user the configured token belongs to.
func (s *Service) Identity(ctx context.Context) (models.Identity, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return models.Identity{}, apperrors.New(apperrors.ErrPermission, "sign in required")
		}
		return models.Identity{}, apperrors.Wrap(apperrors.ErrPermission, "read token", err)
	}
	return auth.IdentityFromToken(token)
}

// =====================================================
// Reads
// =====================================================

// Page is one page of posts, newest first.
type Page struct {
	Posts      []models.Post `json:"posts"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	Total      int           `json:"total"`
	TotalPages int           `json:"totalPages"`
}

// ListPosts returns every local post, newest first.
func (s *Service) ListPosts() []models.Post {
	posts := store.List[models.Post](s.store, models.TablePosts)
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID < posts[j].ID
	})
	return posts
}

// ListPostsPage returns the 1-based page of ListPosts. Out of range pages are empty.
func (s *Service) ListPostsPage(page, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		page = 1
	}
	posts := s.ListPosts()
	out := Page{
		Page:       page,
		PageSize:   pageSize,
		Total:      len(posts),
		TotalPages: (len(posts) + pageSize - 1) / pageSize,
		Posts:      []models.Post{},
	}
	start := (page - 1) * pageSize
	if start < len(posts) {
		end := start + pageSize
		if end > len(posts) {
			end = len(posts)
		}
		out.Posts = posts[start:end]
	}
	return out
}

// GetPost returns a post and its comments, oldest comment first. A temporary id
// that has since been replaced by the server's id still resolves.
func (s *Service) GetPost(id string) (models.Post, []models.Comment, error) {
	id = s.resolve(id)
	post, ok := store.Get[models.Post](s.store, models.TablePosts, id)
	if !ok {
		return models.Post{}, nil, apperrors.Newf(apperrors.ErrNotFound, "post %s not found", id)
	}
	return post, s.commentsOf(id), nil
}

func (s *Service) commentsOf(postID string) []models.Comment {
	var out []models.Comment
	for _, c := range store.List[models.Comment](s.store, models.TableComments) {
		if c.PostID == postID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Status is what a sync indicator shows.
type Status struct {
	Online    bool       `json:"online"`
	Pending   int        `json:"pending"`
	LastSync  *time.Time `json:"lastSync,omitempty"`
	SyncError string     `json:"syncError,omitempty"`
}

// Status reports connectivity, the outbox depth and the last sync outcome.
func (s *Service) Status() Status {
	v := s.store.Values()
	st := Status{
		Online:    v.IsOnline,
		Pending:   s.outbox.Len(),
		SyncError: v.SyncError,
	}
	if s.monitor != nil {
		st.Online = s.monitor.Online()
	}
	if !v.LastSync.IsZero() {
		last := v.LastSync
		st.LastSync = &last
	}
	return st
}

func (s *Service) resolve(id string) string {
	if canonical, ok := s.store.Values().Aliases[id]; ok {
		return canonical
	}
	return id
}

func resolveTx(tx *store.Tx, id string) string {
	if canonical, ok := tx.Values().Aliases[id]; ok {
		return canonical
	}
	return id
}

// =====================================================
// Post mutations
// =====================================================

// CreatePost records a new post under a temporary id.
func (s *Service) CreatePost(ctx context.Context, title, content string) (models.Post, error) {
	title, content = strings.TrimSpace(title), strings.TrimSpace(content)
	if err := validatePost(title, content); err != nil {
		return models.Post{}, err
	}
	me, err := s.Identity(ctx)
	if err != nil {
		return models.Post{}, err
	}

	now := s.clock().UTC()
	post := models.Post{
		ID:        uuid.NewLocal(),
		Title:     title,
		Content:   content,
		AuthorID:  me.UserID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	err = s.store.Update(func(tx *store.Tx) error {
		if err := tx.Set(models.TablePosts, post); err != nil {
			return err
		}
		_, err := s.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind:     models.ChangeCreate,
			Table:    models.TablePosts,
			TargetID: post.ID,
			Payload:  models.PostPayload{Title: title, Content: content},
		})
		return err
	})
	if err != nil {
		return models.Post{}, err
	}

	logging.Info("Post created locally", map[string]interface{}{"post_id": post.ID})
	s.kick(ctx)
	return post, nil
}

// UpdatePost rewrites a post's title and content. The edit is queued against the
// version it was made on and the local row moves one version ahead.
func (s *Service) UpdatePost(ctx context.Context, id, title, content string) (models.Post, error) {
	title, content = strings.TrimSpace(title), strings.TrimSpace(content)
	if err := validatePost(title, content); err != nil {
		return models.Post{}, err
	}
	me, err := s.Identity(ctx)
	if err != nil {
		return models.Post{}, err
	}

	var updated models.Post
	err = s.store.Update(func(tx *store.Tx) error {
		post, ok := store.TxGet[models.Post](tx, models.TablePosts, resolveTx(tx, id))
		if !ok {
			return apperrors.Newf(apperrors.ErrNotFound, "post %s not found", id)
		}
		if !me.CanModify(post.AuthorID) {
			return apperrors.New(apperrors.ErrPermission, "only the author or an admin can edit this post")
		}

		base := post.Version
		post.Title, post.Content = title, content
		post.UpdatedAt = s.clock().UTC()
		post.Version = base + 1
		if err := tx.Set(models.TablePosts, post); err != nil {
			return err
		}
		updated = post
		_, err := s.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind:     models.ChangeUpdate,
			Table:    models.TablePosts,
			TargetID: post.ID,
			Payload:  models.PostPayload{Title: title, Content: content, Version: base},
		})
		return err
	})
	if err != nil {
		return models.Post{}, err
	}

	s.kick(ctx)
	return updated, nil
}

// DeletePost removes a post and its comments locally and queues the delete.
// Queued comment changes for the post are dropped: the server cascades.
func (s *Service) DeletePost(ctx context.Context, id string) error {
	me, err := s.Identity(ctx)
	if err != nil {
		return err
	}

	var collapsed bool
	err = s.store.Update(func(tx *store.Tx) error {
		id = resolveTx(tx, id)
		post, ok := store.TxGet[models.Post](tx, models.TablePosts, id)
		if !ok {
			return apperrors.Newf(apperrors.ErrNotFound, "post %s not found", id)
		}
		if !me.CanModify(post.AuthorID) {
			return apperrors.New(apperrors.ErrPermission, "only the author or an admin can delete this post")
		}

		tx.Delete(models.TablePosts, id)
		for _, c := range store.TxList[models.Comment](tx, models.TableComments) {
			if c.PostID == id {
				tx.Delete(models.TableComments, c.ID)
			}
		}
		for _, change := range s.outbox.ListOrderedTx(tx) {
			if change.Table != models.TableComments || s.outbox.InFlight(change.ChangeID) {
				continue
			}
			if resolveTx(tx, change.ParentID) == id {
				s.outbox.RemoveTx(tx, change.ChangeID)
			}
		}

		res, err := s.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind:     models.ChangeDelete,
			Table:    models.TablePosts,
			TargetID: id,
		})
		collapsed = res.Collapsed
		return err
	})
	if err != nil {
		return err
	}

	logging.Info("Post deleted locally", map[string]interface{}{
		"post_id":   id,
		"collapsed": collapsed,
	})
	if !collapsed {
		s.kick(ctx)
	}
	return nil
}

// =====================================================
// Comment mutations
// =====================================================

// CreateComment adds a comment to a post, which may itself still be local.
func (s *Service) CreateComment(ctx context.Context, postID, content string) (models.Comment, error) {
	content = strings.TrimSpace(content)
	if err := validateComment(content); err != nil {
		return models.Comment{}, err
	}
	me, err := s.Identity(ctx)
	if err != nil {
		return models.Comment{}, err
	}

	var comment models.Comment
	err = s.store.Update(func(tx *store.Tx) error {
		postID = resolveTx(tx, postID)
		if _, ok := tx.Get(models.TablePosts, postID); !ok {
			return apperrors.Newf(apperrors.ErrNotFound, "post %s not found", postID)
		}
		now := s.clock().UTC()
		comment = models.Comment{
			ID:        uuid.NewLocal(),
			PostID:    postID,
			Content:   content,
			AuthorID:  me.UserID,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		}
		if err := tx.Set(models.TableComments, comment); err != nil {
			return err
		}
		_, err := s.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind:     models.ChangeCreate,
			Table:    models.TableComments,
			TargetID: comment.ID,
			ParentID: postID,
			Payload:  models.CommentPayload{Content: content},
		})
		return err
	})
	if err != nil {
		return models.Comment{}, err
	}

	s.kick(ctx)
	return comment, nil
}

// UpdateComment rewrites a comment's content.
func (s *Service) UpdateComment(ctx context.Context, id, content string) (models.Comment, error) {
	content = strings.TrimSpace(content)
	if err := validateComment(content); err != nil {
		return models.Comment{}, err
	}
	me, err := s.Identity(ctx)
	if err != nil {
		return models.Comment{}, err
	}

	var updated models.Comment
	err = s.store.Update(func(tx *store.Tx) error {
		comment, ok := store.TxGet[models.Comment](tx, models.TableComments, resolveTx(tx, id))
		if !ok {
			return apperrors.Newf(apperrors.ErrNotFound, "comment %s not found", id)
		}
		if !me.CanModify(comment.AuthorID) {
			return apperrors.New(apperrors.ErrPermission, "only the author or an admin can edit this comment")
		}

		base := comment.Version
		comment.Content = content
		comment.UpdatedAt = s.clock().UTC()
		comment.Version = base + 1
		if err := tx.Set(models.TableComments, comment); err != nil {
			return err
		}
		updated = comment
		_, err := s.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind:     models.ChangeUpdate,
			Table:    models.TableComments,
			TargetID: comment.ID,
			ParentID: comment.PostID,
			Payload:  models.CommentPayload{Content: content, Version: base},
		})
		return err
	})
	if err != nil {
		return models.Comment{}, err
	}

	s.kick(ctx)
	return updated, nil
}

// DeleteComment removes a comment locally and queues the delete.
func (s *Service) DeleteComment(ctx context.Context, id string) error {
	me, err := s.Identity(ctx)
	if err != nil {
		return err
	}

	var collapsed bool
	err = s.store.Update(func(tx *store.Tx) error {
		id = resolveTx(tx, id)
		comment, ok := store.TxGet[models.Comment](tx, models.TableComments, id)
		if !ok {
			return apperrors.Newf(apperrors.ErrNotFound, "comment %s not found", id)
		}
		if !me.CanModify(comment.AuthorID) {
			return apperrors.New(apperrors.ErrPermission, "only the author or an admin can delete this comment")
		}

		tx.Delete(models.TableComments, id)
		res, err := s.outbox.EnqueueTx(tx, queue.ChangeRequest{
			Kind:     models.ChangeDelete,
			Table:    models.TableComments,
			TargetID: id,
			ParentID: comment.PostID,
		})
		collapsed = res.Collapsed
		return err
	})
	if err != nil {
		return err
	}

	if !collapsed {
		s.kick(ctx)
	}
	return nil
}

// kick asks the trigger for a drain when the device is online.
func (s *Service) kick(ctx context.Context) {
	if s.trigger == nil || s.monitor == nil || !s.monitor.Online() {
		return
	}
	s.trigger.TriggerDrain(ctx)
}

func validatePost(title, content string) error {
	switch {
	case title == "":
		return apperrors.New(apperrors.ErrValidation, "title is required")
	case content == "":
		return apperrors.New(apperrors.ErrValidation, "content is required")
	case utf8.RuneCountInString(title) > MaxTitleLength:
		return apperrors.Newf(apperrors.ErrValidation, "title exceeds %d characters", MaxTitleLength)
	case utf8.RuneCountInString(content) > MaxContentLength:
		return apperrors.Newf(apperrors.ErrValidation, "content exceeds %d characters", MaxContentLength)
	}
	return nil
}

func validateComment(content string) error {
	switch {
	case content == "":
		return apperrors.New(apperrors.ErrValidation, "content is required")
	case utf8.RuneCountInString(content) > MaxContentLength:
		return apperrors.Newf(apperrors.ErrValidation, "content exceeds %d characters", MaxContentLength)
	}
	return nil
}
