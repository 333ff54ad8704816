// Package remotetest provides an in-memory implementation of the blog server API
// for tests and local development.
//
// It applies the same rules as the production server: bearer tokens are verified,
// only the author or an admin may modify a record, updates based on a stale
// version are refused with 409, and deleting a post deletes its comments.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/offlinesync/internal/auth"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
)

// DefaultSecret signs tokens issued by Server.Token.
var DefaultSecret = []byte("remotetest-secret")

type failure struct {
	method string
	prefix string
	status int
}

// Server is an http.Handler holding authoritative posts and comments in memory.
type Server struct {
	secret []byte
	router *mux.Router
	now    func() time.Time

	mu       sync.Mutex
	posts    map[string]models.Post
	comments map[string]models.Comment
	nextID   int
	down     bool
	failures []failure
	requests []string
}

// New creates an empty server. A nil secret uses DefaultSecret.
func New(secret []byte) *Server {
	if secret == nil {
		secret = DefaultSecret
	}
	s := &Server{
		secret:   secret,
		now:      time.Now,
		posts:    make(map[string]models.Post),
		comments: make(map[string]models.Comment),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/posts", s.handleListPosts).Methods("GET")
	r.HandleFunc("/posts", s.authed(s.handleCreatePost)).Methods("POST")
	r.HandleFunc("/posts/{id}", s.handleGetPost).Methods("GET")
	r.HandleFunc("/posts/{id}", s.authed(s.handleUpdatePost)).Methods("PATCH")
	r.HandleFunc("/posts/{id}", s.authed(s.handleDeletePost)).Methods("DELETE")
	r.HandleFunc("/posts/{id}/comments", s.authed(s.handleCreateComment)).Methods("POST")
	r.HandleFunc("/posts/{id}/comments", s.authed(s.handleDeleteComment)).Methods("DELETE")
	r.HandleFunc("/comments/{id}", s.authed(s.handleUpdateComment)).Methods("PATCH")
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	down := s.down
	status := s.takeFailure(r)
	s.mu.Unlock()

	if down {
		respondError(w, http.StatusServiceUnavailable, "server unavailable")
		return
	}
	if status != 0 {
		respondError(w, status, "injected failure")
		return
	}
	s.router.ServeHTTP(w, r)
}

// takeFailure pops the first injected failure matching r. Callers hold s.mu.
func (s *Server) takeFailure(r *http.Request) int {
	for i, f := range s.failures {
		if f.method == r.Method && strings.HasPrefix(r.URL.Path, f.prefix) {
			s.failures = append(s.failures[:i], s.failures[i+1:]...)
			return f.status
		}
	}
	return 0
}

// SetDown makes every request fail with 503 until cleared.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailNext makes the next request with method and a path starting with prefix
// fail with status.
func (s *Server) FailNext(method, prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, prefix: prefix, status: status})
}

// Requests returns the "METHOD /path" log of every request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// CountRequests counts received requests with method and a path starting with prefix.
func (s *Server) CountRequests(method, prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, method+" "+prefix) {
			n++
		}
	}
	return n
}

// Token issues a valid token for id.
func (s *Server) Token(id models.Identity) string {
	token, err := auth.Sign(s.secret, id, time.Hour)
	if err != nil {
		panic(fmt.Sprintf("remotetest: sign token: %v", err))
	}
	return token
}

// SeedPost stores p as is. A zero Version becomes 1.
func (s *Server) SeedPost(p models.Post) models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	s.posts[p.ID] = p
	return p
}

// SeedComment stores c as is. A zero Version becomes 1.
func (s *Server) SeedComment(c models.Comment) models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Version == 0 {
		c.Version = 1
	}
	s.comments[c.ID] = c
	return c
}

// Post returns the stored post.
func (s *Server) Post(id string) (models.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	return p, ok
}

// Posts returns every post, newest first.
func (s *Server) Posts() []models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Comment returns the stored comment.
func (s *Server) Comment(id string) (models.Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	return c, ok
}

// Comments returns the comments of a post, newest first.
func (s *Server) Comments(postID string) []models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commentsOf(postID)
}

func (s *Server) commentsOf(postID string) []models.Comment {
	out := make([]models.Comment, 0)
	for _, c := range s.comments {
		if c.PostID == postID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Server) newID(kind string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", kind, s.nextID)
}

// authed verifies the bearer token before calling next.
func (s *Server) authed(next func(http.ResponseWriter, *http.Request, models.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		id, err := auth.Verify(s.secret, token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, id)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"posts": s.Posts()})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		respondError(w, http.StatusNotFound, "Post not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"post": p, "comments": s.commentsOf(id)})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request, user models.Identity) {
	var in models.PostPayload
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	title, content := strings.TrimSpace(in.Title), strings.TrimSpace(in.Content)
	if title == "" || content == "" {
		respondError(w, http.StatusBadRequest, "Title and content are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	p := models.Post{
		ID:        s.newID("post"),
		Title:     title,
		Content:   content,
		AuthorID:  user.UserID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	s.posts[p.ID] = p
	respondJSON(w, http.StatusCreated, map[string]interface{}{"post": p})
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request, user models.Identity) {
	id := mux.Vars(r)["id"]
	var in models.PostPayload
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		respondError(w, http.StatusNotFound, "Post not found")
		return
	}
	if !user.CanModify(p.AuthorID) {
		respondError(w, http.StatusForbidden, "Unauthorized to edit this post")
		return
	}
	title, content := strings.TrimSpace(in.Title), strings.TrimSpace(in.Content)
	if title == "" || content == "" {
		respondError(w, http.StatusBadRequest, "Title and content are required")
		return
	}
	if !conflict.Accepts(in.Version, p.Version) {
		respondConflict(w, p.Version, p)
		return
	}

	p.Title, p.Content = title, content
	p.UpdatedAt = s.now().UTC()
	p.Version++
	s.posts[id] = p
	respondJSON(w, http.StatusOK, map[string]interface{}{"post": p})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request, user models.Identity) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		respondError(w, http.StatusNotFound, "Post not found")
		return
	}
	if !user.CanModify(p.AuthorID) {
		respondError(w, http.StatusForbidden, "Unauthorized to delete this post")
		return
	}
	delete(s.posts, id)
	for cid, c := range s.comments {
		if c.PostID == id {
			delete(s.comments, cid)
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Post deleted successfully"})
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request, user models.Identity) {
	postID := mux.Vars(r)["id"]
	var in models.CommentPayload
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		respondError(w, http.StatusBadRequest, "Comment content is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[postID]; !ok {
		respondError(w, http.StatusNotFound, "Post not found")
		return
	}
	now := s.now().UTC()
	c := models.Comment{
		ID:        s.newID("comment"),
		PostID:    postID,
		Content:   content,
		AuthorID:  user.UserID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	s.comments[c.ID] = c
	respondJSON(w, http.StatusCreated, map[string]interface{}{"comment": c})
}

func (s *Server) handleUpdateComment(w http.ResponseWriter, r *http.Request, user models.Identity) {
	id := mux.Vars(r)["id"]
	var in models.CommentPayload
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		respondError(w, http.StatusNotFound, "Comment not found")
		return
	}
	if !user.CanModify(c.AuthorID) {
		respondError(w, http.StatusForbidden, "Unauthorized to edit this comment")
		return
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		respondError(w, http.StatusBadRequest, "Comment content is required")
		return
	}
	if !conflict.Accepts(in.Version, c.Version) {
		respondConflict(w, c.Version, c)
		return
	}

	c.Content = content
	c.UpdatedAt = s.now().UTC()
	c.Version++
	s.comments[id] = c
	respondJSON(w, http.StatusOK, map[string]interface{}{"comment": c})
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request, user models.Identity) {
	postID := mux.Vars(r)["id"]
	commentID := r.URL.Query().Get("commentId")
	if commentID == "" {
		respondError(w, http.StatusBadRequest, "Comment ID is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok || c.PostID != postID {
		respondError(w, http.StatusNotFound, "Comment not found")
		return
	}
	if !user.CanModify(c.AuthorID) {
		respondError(w, http.StatusForbidden, "Unauthorized to delete this comment")
		return
	}
	delete(s.comments, commentID)
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Comment deleted successfully"})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondConflict(w http.ResponseWriter, serverVersion int, record interface{}) {
	respondJSON(w, http.StatusConflict, map[string]interface{}{
		"error":         "Version conflict",
		"serverVersion": serverVersion,
		"serverRecord":  record,
	})
}
