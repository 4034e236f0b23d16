// Package handler はHTTPリクエストハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/model"
)

// authorResponse は作成者の表示情報。
type authorResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// postResponse は投稿のAPIレスポンス。
// authorは作成者のユーザーID、author_profileは解決できた場合のみ含む。
type postResponse struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	ImageURL      string          `json:"image_url,omitempty"`
	Author        string          `json:"author"`
	AuthorProfile *authorResponse `json:"author_profile,omitempty"`
	Likes         []string        `json:"likes"`
	LikeCount     int             `json:"like_count"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// commentResponse はコメントのAPIレスポンス。
type commentResponse struct {
	ID            string          `json:"id"`
	PostID        string          `json:"post_id"`
	Author        string          `json:"author"`
	AuthorProfile *authorResponse `json:"author_profile,omitempty"`
	Text          string          `json:"text"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// postDetailResponse は投稿詳細のAPIレスポンス。
type postDetailResponse struct {
	Post     postResponse      `json:"post"`
	Comments []commentResponse `json:"comments"`
}

// likeResponse はいいね操作のAPIレスポンス。
type likeResponse struct {
	Liked     bool `json:"liked"`
	LikeCount int  `json:"like_count"`
}

// messageResponse はメッセージのみのAPIレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

func toAuthorResponse(u *model.User) *authorResponse {
	if u == nil {
		return nil
	}
	return &authorResponse{ID: u.ID, Username: u.Username, Email: u.Email}
}

func toPostResponse(v *model.PostView) postResponse {
	likes := v.Post.Likes
	if likes == nil {
		likes = []string{}
	}
	return postResponse{
		ID:            v.Post.ID,
		Title:         v.Post.Title,
		Content:       v.Post.Content,
		ImageURL:      v.Post.ImageURL,
		Author:        v.Post.AuthorID,
		AuthorProfile: toAuthorResponse(v.Author),
		Likes:         likes,
		LikeCount:     v.Post.LikeCount(),
		CreatedAt:     v.Post.CreatedAt,
		UpdatedAt:     v.Post.UpdatedAt,
	}
}

func toCommentResponse(v *model.CommentView) commentResponse {
	return commentResponse{
		ID:            v.Comment.ID,
		PostID:        v.Comment.PostID,
		Author:        v.Comment.AuthorID,
		AuthorProfile: toAuthorResponse(v.Author),
		Text:          v.Comment.Text,
		CreatedAt:     v.Comment.CreatedAt,
		UpdatedAt:     v.Comment.UpdatedAt,
	}
}

func toCommentResponses(views []*model.CommentView) []commentResponse {
	resp := make([]commentResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, toCommentResponse(v))
	}
	return resp
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// APIError以外は詳細をログに記録し、一般的なメッセージで500を返す。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	slog.ErrorContext(r.Context(), "internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// requireUserID はコンテキストの認証済みユーザーIDを返す。
// 認証ミドルウェアの外で呼ばれた場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
