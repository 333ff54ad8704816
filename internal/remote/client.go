// Package remote talks to the authoritative blog server.
//
// Mutating calls carry the caller's bearer token. Every failure is reported as a
// *Error whose Kind drives the sync engine's retry and rollback decisions.
package remote

import (
	"context"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// Client is the server contract used by the sync engine.
type Client interface {
	ListPosts(ctx context.Context) ([]models.Post, error)
	// GetPost returns the post and its comments.
	GetPost(ctx context.Context, id string) (models.Post, []models.Comment, error)
	CreatePost(ctx context.Context, token string, in models.PostPayload) (models.Post, error)
	// UpdatePost sends in.Version as the base version of the edit.
	UpdatePost(ctx context.Context, token, id string, in models.PostPayload) (models.Post, error)
	// DeletePost removes the post and, on the server, its comments.
	DeletePost(ctx context.Context, token, id string) error
	CreateComment(ctx context.Context, token, postID string, in models.CommentPayload) (models.Comment, error)
	UpdateComment(ctx context.Context, token, id string, in models.CommentPayload) (models.Comment, error)
	DeleteComment(ctx context.Context, token, postID, commentID string) error
	Ping(ctx context.Context) error
}
