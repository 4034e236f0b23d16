package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/post"
)

// --- モック定義 ---

// mockPostService はPostServiceInterfaceのモック実装。
type mockPostService struct {
	createFn func(ctx context.Context, authorID string, in post.CreateInput) (*model.PostView, error)
	listFn   func(ctx context.Context) ([]*model.PostView, error)
	getFn    func(ctx context.Context, postID string) (*model.PostDetail, error)
	editFn   func(ctx context.Context, subjectID, postID string, in post.EditInput) (*model.PostView, error)
	deleteFn func(ctx context.Context, subjectID, postID string) error
	likeFn   func(ctx context.Context, subjectID, postID string) (*model.LikeState, error)
}

func (m *mockPostService) Create(ctx context.Context, authorID string, in post.CreateInput) (*model.PostView, error) {
	if m.createFn != nil {
		return m.createFn(ctx, authorID, in)
	}
	return nil, nil
}

func (m *mockPostService) List(ctx context.Context) ([]*model.PostView, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockPostService) Get(ctx context.Context, postID string) (*model.PostDetail, error) {
	if m.getFn != nil {
		return m.getFn(ctx, postID)
	}
	return nil, nil
}

func (m *mockPostService) Edit(ctx context.Context, subjectID, postID string, in post.EditInput) (*model.PostView, error) {
	if m.editFn != nil {
		return m.editFn(ctx, subjectID, postID, in)
	}
	return nil, nil
}

func (m *mockPostService) Delete(ctx context.Context, subjectID, postID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, subjectID, postID)
	}
	return nil
}

func (m *mockPostService) ToggleLike(ctx context.Context, subjectID, postID string) (*model.LikeState, error) {
	return m.likeFn(ctx, subjectID, postID)
}

func (m *mockPostService) Like(ctx context.Context, subjectID, postID string) (*model.LikeState, error) {
	return m.likeFn(ctx, subjectID, postID)
}

func (m *mockPostService) Unlike(ctx context.Context, subjectID, postID string) (*model.LikeState, error) {
	return m.likeFn(ctx, subjectID, postID)
}

func samplePostView(id, authorID string) *model.PostView {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.PostView{
		Post: &model.Post{
			ID:        id,
			Title:     "Hello",
			Content:   "<p>World</p>",
			AuthorID:  authorID,
			Likes:     []string{"bob"},
			CreatedAt: now,
			UpdatedAt: now,
		},
		Author: &model.User{ID: authorID, Username: authorID, Email: authorID + "@example.com"},
	}
}

// --- POST /api/posts/create ---

func TestPostHandler_Create_JSON(t *testing.T) {
	svc := &mockPostService{
		createFn: func(ctx context.Context, authorID string, in post.CreateInput) (*model.PostView, error) {
			if authorID != "alice" {
				t.Errorf("authorID = %q, want alice", authorID)
			}
			if in.Title != "Hello" || in.Content != "World" || in.ImageURL != "https://img.example.com/a.png" {
				t.Errorf("unexpected input %+v", in)
			}
			if in.Image != nil {
				t.Error("JSON request must not carry a file")
			}
			return samplePostView("p1", authorID), nil
		},
	}
	h := NewPostHandler(svc, PostHandlerConfig{})

	body := `{"title":"Hello","content":"World","image_url":"https://img.example.com/a.png"}`
	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/posts/create", strings.NewReader(body)), "alice")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp := decodeBody(t, w)
	if resp["id"] != "p1" || resp["author"] != "alice" {
		t.Errorf("unexpected response %v", resp)
	}
	if resp["like_count"] != float64(1) {
		t.Errorf("like_count = %v, want 1", resp["like_count"])
	}
	profile, _ := resp["author_profile"].(map[string]any)
	if profile["username"] != "alice" || profile["email"] != "alice@example.com" {
		t.Errorf("unexpected author_profile %v", resp["author_profile"])
	}
	if resp["created_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("created_at = %v", resp["created_at"])
	}
}

func TestPostHandler_Create_Multipart(t *testing.T) {
	var gotImage []byte
	svc := &mockPostService{
		createFn: func(ctx context.Context, authorID string, in post.CreateInput) (*model.PostView, error) {
			if in.Title != "With image" || in.Content != "Body" {
				t.Errorf("unexpected input %+v", in)
			}
			if in.Image == nil {
				t.Fatal("expected image reader")
			}
			gotImage, _ = io.ReadAll(in.Image)
			return samplePostView("p2", authorID), nil
		},
	}
	h := NewPostHandler(svc, PostHandlerConfig{MaxUploadSize: 1024})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "With image")
	_ = mw.WriteField("content", "Body")
	fw, _ := mw.CreateFormFile("image", "a.png")
	_, _ = fw.Write([]byte("png-bytes"))
	_ = mw.Close()

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/posts/create", &buf), "alice")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", w.Code, w.Body.String())
	}
	if string(gotImage) != "png-bytes" {
		t.Errorf("image = %q", gotImage)
	}
}

func TestPostHandler_Create_MultipartTooLarge(t *testing.T) {
	svc := &mockPostService{
		createFn: func(context.Context, string, post.CreateInput) (*model.PostView, error) {
			t.Error("service must not be called")
			return nil, nil
		},
	}
	h := NewPostHandler(svc, PostHandlerConfig{MaxUploadSize: 16})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("title", "t")
	fw, _ := mw.CreateFormFile("image", "big.png")
	_, _ = fw.Write(bytes.Repeat([]byte("x"), multipartOverhead+1024))
	_ = mw.Close()

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/posts/create", &buf), "alice")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()

	h.Create(w, req)

	assertErrorCode(t, w, http.StatusRequestEntityTooLarge, model.ErrCodeImageTooLarge)
}

func TestPostHandler_Create_FormURLEncoded(t *testing.T) {
	svc := &mockPostService{
		createFn: func(ctx context.Context, authorID string, in post.CreateInput) (*model.PostView, error) {
			if in.Title != "Form" || in.Content != "Body" {
				t.Errorf("unexpected input %+v", in)
			}
			return samplePostView("p3", authorID), nil
		},
	}
	h := NewPostHandler(svc, PostHandlerConfig{})

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/posts/create", strings.NewReader("title=Form&content=Body")), "alice")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
}

func TestPostHandler_Create_InvalidJSON(t *testing.T) {
	h := NewPostHandler(&mockPostService{}, PostHandlerConfig{})

	for _, body := range []string{"{invalid", ""} {
		req := withUserID(httptest.NewRequest(http.MethodPost, "/api/posts/create", strings.NewReader(body)), "alice")
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		h.Create(w, req)

		assertErrorCode(t, w, http.StatusBadRequest, model.ErrCodeInvalidRequest)
	}
}

func TestPostHandler_Create_ValidationError(t *testing.T) {
	svc := &mockPostService{
		createFn: func(context.Context, string, post.CreateInput) (*model.PostView, error) {
			return nil, model.NewValidationError("title")
		},
	}
	h := NewPostHandler(svc, PostHandlerConfig{})

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/posts/create", strings.NewReader(`{"content":"x"}`)), "alice")
	w := httptest.NewRecorder()

	h.Create(w, req)

	assertErrorCode(t, w, http.StatusBadRequest, model.ErrCodeValidation)
}

func TestPostHandler_Create_NoUser(t *testing.T) {
	h := NewPostHandler(&mockPostService{}, PostHandlerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/posts/create", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	h.Create(w, req)

	assertErrorCode(t, w, http.StatusUnauthorized, model.ErrCodeUnauthorized)
}

// --- GET ---

func TestPostHandler_List(t *testing.T) {
	svc := &mockPostService{
		listFn: func(context.Context) ([]*model.PostView, error) {
			noAuthor := samplePostView("p2", "ghost")
			noAuthor.Author = nil
			noAuthor.Post.Likes = nil
			return []*model.PostView{samplePostView("p1", "alice"), noAuthor}, nil
		},
	}
	h := NewPostHandler(svc, PostHandlerConfig{})

	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/api/posts/getAll", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"likes":[]`) {
		t.Errorf("nil likes should be encoded as an empty array: %s", w.Body.String())
	}
	if strings.Count(w.Body.String(), "author_profile") != 1 {
		t.Errorf("unresolved author must omit author_profile: %s", w.Body.String())
	}
}

func TestPostHandler_List_EmptyIsArray(t *testing.T) {
	svc := &mockPostService{listFn: func(context.Context) ([]*model.PostView, error) { return nil, nil }}
	h := NewPostHandler(svc, PostHandlerConfig{})

	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/api/posts", nil))

	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
}

func TestPostHandler_Get(t *testing.T) {
	svc := &mockPostService{
		getFn: func(ctx context.Context, postID string) (*model.PostDetail, error) {
			if postID != "p1" {
				t.Errorf("postID = %q", postID)
			}
			return &model.PostDetail{
				Post: samplePostView("p1", "alice"),
				Comments: []*model.CommentView{{
					Comment: &model.Comment{ID: "c1", PostID: "p1", AuthorID: "bob", Text: "hi"},
					Author:  &model.User{ID: "bob", Username: "bob"},
				}},
			}, nil
		},
	}
	h := NewPostHandler(svc, PostHandlerConfig{})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/posts/p1", nil), "id", "p1")
	w := httptest.NewRecorder()
	h.Get(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	postBody, _ := body["post"].(map[string]any)
	if postBody["id"] != "p1" {
		t.Errorf("unexpected post %v", body["post"])
	}
	comments, _ := body["comments"].([]any)
	if len(comments) != 1 || comments[0].(map[string]any)["text"] != "hi" {
		t.Errorf("unexpected comments %v", body["comments"])
	}
}

func TestPostHandler_Get_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", model.NewPostNotFoundError("x"), http.StatusNotFound, model.ErrCodePostNotFound},
		{"internal", errors.New("pq: connection refused"), http.StatusInternalServerError, model.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPostService{getFn: func(context.Context, string) (*model.PostDetail, error) { return nil, tt.err }}
			h := NewPostHandler(svc, PostHandlerConfig{})

			w := httptest.NewRecorder()
			h.Get(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/posts/x", nil), "id", "x"))

			assertErrorCode(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestPostHandler_Get_InternalErrorNotLeaked(t *testing.T) {
	svc := &mockPostService{getFn: func(context.Context, string) (*model.PostDetail, error) {
		return nil, errors.New("pq: password authentication failed for user postboard")
	}}
	h := NewPostHandler(svc, PostHandlerConfig{})

	w := httptest.NewRecorder()
	h.Get(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/posts/x", nil), "id", "x"))

	if strings.Contains(w.Body.String(), "password") {
		t.Errorf("internal error detail leaked: %s", w.Body.String())
	}
}

// --- PUT / DELETE ---

func TestPostHandler_Edit(t *testing.T) {
	svc := &mockPostService{
		editFn: func(ctx context.Context, subjectID, postID string, in post.EditInput) (*model.PostView, error) {
			if subjectID != "alice" || postID != "p1" {
				t.Errorf("subject=%s post=%s", subjectID, postID)
			}
			if in.Title != "New" || in.Content != "" {
				t.Errorf("unexpected input %+v", in)
			}
			return samplePostView("p1", "alice"), nil
		},
	}
	h := NewPostHandler(svc, PostHandlerConfig{})

	req := httptest.NewRequest(http.MethodPut, "/api/posts/p1", strings.NewReader(`{"title":"New"}`))
	req = withChiURLParam(withUserID(req, "alice"), "id", "p1")
	w := httptest.NewRecorder()
	h.Edit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
}

func TestPostHandler_Edit_EmptyBodyAllowed(t *testing.T) {
	called := false
	svc := &mockPostService{editFn: func(context.Context, string, string, post.EditInput) (*model.PostView, error) {
		called = true
		return samplePostView("p1", "alice"), nil
	}}
	h := NewPostHandler(svc, PostHandlerConfig{})

	req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodPut, "/api/posts/p1", nil), "alice"), "id", "p1")
	w := httptest.NewRecorder()
	h.Edit(w, req)

	if w.Code != http.StatusOK || !called {
		t.Errorf("status = %d called = %v", w.Code, called)
	}
}

func TestPostHandler_Edit_Forbidden(t *testing.T) {
	svc := &mockPostService{editFn: func(context.Context, string, string, post.EditInput) (*model.PostView, error) {
		return nil, model.NewForbiddenError()
	}}
	h := NewPostHandler(svc, PostHandlerConfig{})

	req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodPut, "/api/posts/p1", strings.NewReader(`{}`)), "bob"), "id", "p1")
	w := httptest.NewRecorder()
	h.Edit(w, req)

	assertErrorCode(t, w, http.StatusForbidden, model.ErrCodeForbidden)
}

func TestPostHandler_Delete(t *testing.T) {
	svc := &mockPostService{deleteFn: func(ctx context.Context, subjectID, postID string) error {
		if subjectID != "alice" || postID != "p1" {
			t.Errorf("subject=%s post=%s", subjectID, postID)
		}
		return nil
	}}
	h := NewPostHandler(svc, PostHandlerConfig{})

	req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodDelete, "/api/posts/p1", nil), "alice"), "id", "p1")
	w := httptest.NewRecorder()
	h.Delete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["message"] == "" {
		t.Error("expected message")
	}
}

// --- likes ---

func TestPostHandler_LikeEndpoints(t *testing.T) {
	svc := &mockPostService{likeFn: func(ctx context.Context, subjectID, postID string) (*model.LikeState, error) {
		if postID == "missing" {
			return nil, model.NewPostNotFoundError(postID)
		}
		return &model.LikeState{PostID: postID, Liked: true, Count: 3}, nil
	}}
	h := NewPostHandler(svc, PostHandlerConfig{})

	for name, fn := range map[string]http.HandlerFunc{
		"toggle": h.ToggleLike,
		"like":   h.Like,
		"unlike": h.Unlike,
	} {
		t.Run(name, func(t *testing.T) {
			req := withChiURLParam(withUserID(httptest.NewRequest(http.MethodPut, "/", nil), "bob"), "id", "p1")
			w := httptest.NewRecorder()
			fn(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			body := decodeBody(t, w)
			if body["liked"] != true || body["like_count"] != float64(3) {
				t.Errorf("unexpected body %v", body)
			}

			req = withChiURLParam(withUserID(httptest.NewRequest(http.MethodPut, "/", nil), "bob"), "id", "missing")
			w = httptest.NewRecorder()
			fn(w, req)
			assertErrorCode(t, w, http.StatusNotFound, model.ErrCodePostNotFound)
		})
	}
}
