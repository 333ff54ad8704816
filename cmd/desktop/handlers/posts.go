// Package handlers provides the localhost REST API desktop front ends use to read
// and edit posts through the offline client.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/offlinesync/internal/client"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/render"
)

// PostsHandler handles post and comment operations.
type PostsHandler struct {
	service *client.Service
}

// NewPostsHandler creates a new PostsHandler.
func NewPostsHandler(service *client.Service) *PostsHandler {
	return &PostsHandler{service: service}
}

// Register mounts the post routes on r.
func (h *PostsHandler) Register(r *mux.Router) {
	r.HandleFunc("/posts", h.ListPosts).Methods(http.MethodGet)
	r.HandleFunc("/posts", h.CreatePost).Methods(http.MethodPost)
	r.HandleFunc("/posts/{id}", h.GetPost).Methods(http.MethodGet)
	r.HandleFunc("/posts/{id}", h.UpdatePost).Methods(http.MethodPatch)
	r.HandleFunc("/posts/{id}", h.DeletePost).Methods(http.MethodDelete)
	r.HandleFunc("/posts/{id}/comments", h.CreateComment).Methods(http.MethodPost)
	r.HandleFunc("/comments/{id}", h.UpdateComment).Methods(http.MethodPatch)
	r.HandleFunc("/comments/{id}", h.DeleteComment).Methods(http.MethodDelete)
}

type postRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type commentRequest struct {
	Content string `json:"content"`
}

// ListPosts handles GET /posts
func (h *PostsHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage > 100 {
		perPage = 100
	}
	writeJSON(w, http.StatusOK, h.service.ListPostsPage(page, perPage))
}

// GetPost handles GET /posts/{id}
// With ?format=html the response also carries the rendered body.
func (h *PostsHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	post, comments, err := h.service.GetPost(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	response := map[string]interface{}{
		"post":     post,
		"comments": comments,
	}
	if r.URL.Query().Get("format") == "html" {
		html, err := render.HTML(post.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		response["content_html"] = html
	}
	writeJSON(w, http.StatusOK, response)
}

// CreatePost handles POST /posts
func (h *PostsHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var request postRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	post, err := h.service.CreatePost(r.Context(), request.Title, request.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"post": post})
}

// UpdatePost handles PATCH /posts/{id}
func (h *PostsHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	var request postRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	post, err := h.service.UpdatePost(r.Context(), mux.Vars(r)["id"], request.Title, request.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"post": post})
}

// DeletePost handles DELETE /posts/{id}
func (h *PostsHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePost(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// CreateComment handles POST /posts/{id}/comments
func (h *PostsHandler) CreateComment(w http.ResponseWriter, r *http.Request) {
	var request commentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	comment, err := h.service.CreateComment(r.Context(), mux.Vars(r)["id"], request.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"comment": comment})
}

// UpdateComment handles PATCH /comments/{id}
func (h *PostsHandler) UpdateComment(w http.ResponseWriter, r *http.Request) {
	var request commentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	comment, err := h.service.UpdateComment(r.Context(), mux.Vars(r)["id"], request.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"comment": comment})
}

// DeleteComment handles DELETE /comments/{id}
func (h *PostsHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteComment(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

// writeError maps an application error to a status and an {"error","code"} body.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrPermission:
		status = http.StatusForbidden
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		status = http.StatusConflict
	case apperrors.ErrSyncTransient, apperrors.ErrSyncAuthFailed:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}
