package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postboard/internal/model"
)

// CommentServiceInterface はコメントハンドラーが必要とするサービスインターフェース。
type CommentServiceInterface interface {
	AddToPost(ctx context.Context, authorID, postID, text string) (*model.CommentView, error)
	AddStandalone(ctx context.Context, authorID, postID, text string) (*model.CommentView, error)
	ListByPost(ctx context.Context, postID string) ([]*model.CommentView, error)
	Delete(ctx context.Context, subjectID, commentID string) error
}

// CommentHandler はコメントのHTTPハンドラー。
type CommentHandler struct {
	service CommentServiceInterface
}

// NewCommentHandler はCommentHandlerを生成する。
func NewCommentHandler(service CommentServiceInterface) *CommentHandler {
	return &CommentHandler{service: service}
}

// addCommentRequest はコメント追加リクエストのボディ。
// 投稿IDはpostIdとpost_idのどちらでも受け付ける。
type addCommentRequest struct {
	PostID      string `json:"postId"`
	PostIDSnake string `json:"post_id"`
	Text        string `json:"text"`
}

func (req addCommentRequest) postID() string {
	if req.PostID != "" {
		return req.PostID
	}
	return req.PostIDSnake
}

// standaloneCommentResponse はPOST /api/comments/add のレスポンス。
type standaloneCommentResponse struct {
	Message string          `json:"message"`
	Comment commentResponse `json:"comment"`
}

// AddToPost はパスの投稿にコメントを追加する。
// POST /api/posts/{id}/comment
func (h *CommentHandler) AddToPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	req, ok := decodeCommentRequest(w, r)
	if !ok {
		return
	}

	view, err := h.service.AddToPost(r.Context(), userID, chi.URLParam(r, "id"), req.Text)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCommentResponse(view))
}

// AddStandalone はボディで指定された投稿にコメントを追加する。
// POST /api/comments/add
func (h *CommentHandler) AddStandalone(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	req, ok := decodeCommentRequest(w, r)
	if !ok {
		return
	}

	view, err := h.service.AddStandalone(r.Context(), userID, req.postID(), req.Text)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, standaloneCommentResponse{
		Message: "Comment added successfully",
		Comment: toCommentResponse(view),
	})
}

// ListByPost は投稿のコメント一覧を返す。
// GET /api/posts/{id}/comments
func (h *CommentHandler) ListByPost(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ListByPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toCommentResponses(views))
}

// Delete はコメントを削除する。
// DELETE /api/comments/{id}
func (h *CommentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Comment deleted successfully"})
}

// decodeCommentRequest はコメント追加のボディを解析する。空ボディは空のリクエストとして扱う。
func decodeCommentRequest(w http.ResponseWriter, r *http.Request) (addCommentRequest, bool) {
	var req addCommentRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		handleServiceError(w, r, err)
		return req, false
	}
	return req, true
}
