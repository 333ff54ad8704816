package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 64 << 10

// HTTPClient implements Client over the server's JSON API.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.hc = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.hc.Timeout = d }
}

// NewHTTPClient creates a client for the API rooted at baseURL (for example
// "https://blog.example.com/api").
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type postEnvelope struct {
	Post     models.Post      `json:"post"`
	Comments []models.Comment `json:"comments,omitempty"`
}

type postsEnvelope struct {
	Posts []models.Post `json:"posts"`
}

type commentEnvelope struct {
	Comment models.Comment `json:"comment"`
}

type errorEnvelope struct {
	Error         string          `json:"error"`
	ServerVersion int             `json:"serverVersion,omitempty"`
	ServerRecord  json.RawMessage `json:"serverRecord,omitempty"`
}

// ListPosts implements Client.
func (c *HTTPClient) ListPosts(ctx context.Context) ([]models.Post, error) {
	var out postsEnvelope
	if err := c.do(ctx, http.MethodGet, "/posts", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Posts, nil
}

// GetPost implements Client.
func (c *HTTPClient) GetPost(ctx context.Context, id string) (models.Post, []models.Comment, error) {
	var out postEnvelope
	if err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(id), "", nil, &out); err != nil {
		return models.Post{}, nil, err
	}
	return out.Post, out.Comments, nil
}

// CreatePost implements Client.
func (c *HTTPClient) CreatePost(ctx context.Context, token string, in models.PostPayload) (models.Post, error) {
	in.Version = 0
	var out postEnvelope
	err := c.do(ctx, http.MethodPost, "/posts", token, in, &out)
	return out.Post, err
}

// UpdatePost implements Client.
func (c *HTTPClient) UpdatePost(ctx context.Context, token, id string, in models.PostPayload) (models.Post, error) {
	var out postEnvelope
	err := c.do(ctx, http.MethodPatch, "/posts/"+url.PathEscape(id), token, in, &out)
	return out.Post, err
}

// DeletePost implements Client.
func (c *HTTPClient) DeletePost(ctx context.Context, token, id string) error {
	return c.do(ctx, http.MethodDelete, "/posts/"+url.PathEscape(id), token, nil, nil)
}

// CreateComment implements Client.
func (c *HTTPClient) CreateComment(ctx context.Context, token, postID string, in models.CommentPayload) (models.Comment, error) {
	in.Version = 0
	var out commentEnvelope
	err := c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/comments", token, in, &out)
	return out.Comment, err
}

// UpdateComment implements Client.
func (c *HTTPClient) UpdateComment(ctx context.Context, token, id string, in models.CommentPayload) (models.Comment, error) {
	var out commentEnvelope
	err := c.do(ctx, http.MethodPatch, "/comments/"+url.PathEscape(id), token, in, &out)
	return out.Comment, err
}

// DeleteComment implements Client.
func (c *HTTPClient) DeleteComment(ctx context.Context, token, postID, commentID string) error {
	path := "/posts/" + url.PathEscape(postID) + "/comments?commentId=" + url.QueryEscape(commentID)
	return c.do(ctx, http.MethodDelete, path, token, nil, nil)
}

// Ping implements Client.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", "", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindRejected, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Kind: KindRejected, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return AsError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeFailure(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransient, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func decodeFailure(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	failure := &Error{
		Kind:   KindForStatus(resp.StatusCode),
		Status: resp.StatusCode,
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err == nil {
		failure.Message = env.Error
		failure.ServerVersion = env.ServerVersion
		failure.ServerRecord = env.ServerRecord
	}
	if failure.Message == "" {
		failure.Message = fmt.Sprintf("%s %s", resp.Request.Method, http.StatusText(resp.StatusCode))
	}
	return failure
}
