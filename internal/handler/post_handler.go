package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/post"
)

// maxJSONBodySize はJSONリクエストボディの上限。
const maxJSONBodySize = 1 << 20

// multipartOverhead は画像以外のmultipartフィールドに許容するサイズ。
const multipartOverhead = 1 << 20

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	Create(ctx context.Context, authorID string, in post.CreateInput) (*model.PostView, error)
	List(ctx context.Context) ([]*model.PostView, error)
	Get(ctx context.Context, postID string) (*model.PostDetail, error)
	Edit(ctx context.Context, subjectID, postID string, in post.EditInput) (*model.PostView, error)
	Delete(ctx context.Context, subjectID, postID string) error
	ToggleLike(ctx context.Context, subjectID, postID string) (*model.LikeState, error)
	Like(ctx context.Context, subjectID, postID string) (*model.LikeState, error)
	Unlike(ctx context.Context, subjectID, postID string) (*model.LikeState, error)
}

// PostHandlerConfig は投稿ハンドラーの設定。
type PostHandlerConfig struct {
	// MaxUploadSize はmultipartで受け付ける画像の最大バイト数。
	MaxUploadSize int64
}

// PostHandler は投稿のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
	config  PostHandlerConfig
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface, config PostHandlerConfig) *PostHandler {
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = 5 << 20
	}
	return &PostHandler{service: service, config: config}
}

// createPostRequest は投稿作成リクエストのJSONボディ。
type createPostRequest struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url"`
}

// editPostRequest は投稿編集リクエストのJSONボディ。
type editPostRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Create は投稿を作成する。
// POST /api/posts/create
// JSON、multipart/form-data（imageファイル）、application/x-www-form-urlencodedを受け付ける。
func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	in, closeFn, err := h.parseCreateInput(w, r)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	defer closeFn()

	view, err := h.service.Create(r.Context(), userID, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPostResponse(view))
}

// parseCreateInput はContent-Typeに応じてリクエストを解析する。
// 返されるcloseFnはアップロードファイルを閉じる。
func (h *PostHandler) parseCreateInput(w http.ResponseWriter, r *http.Request) (post.CreateInput, func(), error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize+multipartOverhead)
		if err := r.ParseMultipartForm(h.config.MaxUploadSize); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return post.CreateInput{}, noop, model.NewImageTooLargeError(h.config.MaxUploadSize)
			}
			return post.CreateInput{}, noop, model.NewInvalidRequestError()
		}
		in := post.CreateInput{
			Title:    r.FormValue("title"),
			Content:  r.FormValue("content"),
			ImageURL: r.FormValue("image_url"),
		}
		file, _, err := r.FormFile("image")
		switch {
		case err == nil:
			in.Image = file
			return in, func() { file.Close() }, nil
		case errors.Is(err, http.ErrMissingFile):
			return in, noop, nil
		default:
			return post.CreateInput{}, noop, model.NewInvalidRequestError()
		}

	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		if err := r.ParseForm(); err != nil {
			return post.CreateInput{}, noop, model.NewInvalidRequestError()
		}
		return post.CreateInput{
			Title:    r.PostFormValue("title"),
			Content:  r.PostFormValue("content"),
			ImageURL: r.PostFormValue("image_url"),
		}, noop, nil

	default:
		var req createPostRequest
		if err := decodeJSON(w, r, &req); err != nil {
			if errors.Is(err, io.EOF) {
				err = model.NewInvalidRequestError()
			}
			return post.CreateInput{}, noop, err
		}
		return post.CreateInput{Title: req.Title, Content: req.Content, ImageURL: req.ImageURL}, noop, nil
	}
}

// List は全投稿を新しい順に返す。
// GET /api/posts/getAll, GET /api/posts
func (h *PostHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]postResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, toPostResponse(v))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get は投稿とコメント一覧を返す。
// GET /api/posts/{id}
func (h *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, postDetailResponse{
		Post:     toPostResponse(detail.Post),
		Comments: toCommentResponses(detail.Comments),
	})
}

// Edit は投稿を部分更新する。
// PUT /api/posts/{id}
func (h *PostHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req editPostRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		handleServiceError(w, r, err)
		return
	}

	view, err := h.service.Edit(r.Context(), userID, chi.URLParam(r, "id"), post.EditInput{
		Title:   req.Title,
		Content: req.Content,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostResponse(view))
}

// Delete は投稿を削除する。
// DELETE /api/posts/{id}
func (h *PostHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Post deleted successfully"})
}

// ToggleLike はいいねを反転する。
// PUT /api/posts/{id}/like
func (h *PostHandler) ToggleLike(w http.ResponseWriter, r *http.Request) {
	h.changeLike(w, r, h.service.ToggleLike)
}

// Like はいいねを追加する。
// POST /api/posts/{id}/likes
func (h *PostHandler) Like(w http.ResponseWriter, r *http.Request) {
	h.changeLike(w, r, h.service.Like)
}

// Unlike はいいねを取り消す。
// DELETE /api/posts/{id}/likes
func (h *PostHandler) Unlike(w http.ResponseWriter, r *http.Request) {
	h.changeLike(w, r, h.service.Unlike)
}

func (h *PostHandler) changeLike(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, subjectID, postID string) (*model.LikeState, error)) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	state, err := fn(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, likeResponse{Liked: state.Liked, LikeCount: state.Count})
}

// decodeJSON はサイズ上限付きでJSONボディを解析する。
// 空ボディはio.EOFをそのまま返し、それ以外の解析失敗はINVALID_REQUESTを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return model.NewInvalidRequestError()
	}
	return nil
}
