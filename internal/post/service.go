// Package post は投稿のライフサイクル（作成・参照・編集・削除・いいね）を提供する。
package post

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postboard/internal/authz"
	"github.com/hitoshi/postboard/internal/event"
	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/repository"
	"github.com/hitoshi/postboard/internal/security"
)

// いいね操作の種別（メトリクスのラベル値）
const (
	ActionLike   = "like"
	ActionUnlike = "unlike"
)

// ImageUploader はアップロードされた画像ファイルの保存先。
type ImageUploader interface {
	Save(ctx context.Context, r io.Reader) (string, error)
	Remove(rawURL string) error
}

// ImageImporter は外部URLの画像を取り込む。
type ImageImporter interface {
	Import(ctx context.Context, rawURL string) (string, error)
}

// Observer は投稿操作の計測フック。
type Observer interface {
	PostCreated()
	LikeChanged(action string)
}

// CreateInput は投稿作成の入力。
// Imageが指定された場合はImageURLより優先する。
type CreateInput struct {
	Title    string
	Content  string
	ImageURL string
	Image    io.Reader
}

// EditInput は投稿編集の入力。空の項目は変更しない。
type EditInput struct {
	Title   string
	Content string
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithImages は画像の保存先と取り込み元を設定する。
func WithImages(uploader ImageUploader, importer ImageImporter) Option {
	return func(s *Service) {
		s.uploader = uploader
		s.importer = importer
	}
}

// WithEvents はイベントの送信先を設定する。
func WithEvents(p event.Publisher) Option {
	return func(s *Service) {
		s.events = p
	}
}

// WithObserver は計測フックを設定する。
func WithObserver(o Observer) Option {
	return func(s *Service) {
		s.observer = o
	}
}

// Service は投稿のサービス層。
// 既存投稿の編集・削除の前に必ず所有者チェックを行う。
type Service struct {
	posts     repository.PostRepository
	comments  repository.CommentRepository
	users     repository.UserRepository
	sanitizer security.Sanitizer
	uploader  ImageUploader
	importer  ImageImporter
	events    event.Publisher
	observer  Observer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store *repository.Store, sanitizer security.Sanitizer, opts ...Option) *Service {
	s := &Service{
		posts:     store.Posts,
		comments:  store.Comments,
		users:     store.Users,
		sanitizer: sanitizer,
		events:    event.NopPublisher{},
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create は投稿を作成する。作成者は認証済みのユーザー。
func (s *Service) Create(ctx context.Context, authorID string, in CreateInput) (*model.PostView, error) {
	title := s.sanitizer.SanitizeText(in.Title)
	if title == "" {
		return nil, model.NewValidationError("title")
	}
	content := strings.TrimSpace(s.sanitizer.SanitizeHTML(in.Content))
	if content == "" {
		return nil, model.NewValidationError("content")
	}

	imageURL, err := s.resolveImage(ctx, in)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	post := &model.Post{
		ID:        uuid.New().String(),
		Title:     title,
		Content:   content,
		ImageURL:  imageURL,
		AuthorID:  authorID,
		Likes:     []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.posts.Create(ctx, post); err != nil {
		s.discardImage(imageURL)
		return nil, fmt.Errorf("投稿の保存に失敗しました: %w", err)
	}

	slog.Info("post created",
		slog.String("post_id", post.ID),
		slog.String("user_id", authorID),
	)
	s.observer.PostCreated()
	s.events.Publish(ctx, event.New(event.TypePostCreated, post.ID, post.ID, authorID))

	return &model.PostView{Post: post, Author: s.lookupAuthor(ctx, authorID)}, nil
}

// lookupAuthor は保存済みの投稿に付ける作成者を返す。
// 取得に失敗した場合は警告ログを残してnilを返す。
func (s *Service) lookupAuthor(ctx context.Context, authorID string) *model.User {
	author, err := s.users.FindByID(ctx, authorID)
	if err != nil {
		slog.Warn("failed to resolve post author",
			slog.String("user_id", authorID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return author
}

// resolveImage は入力の画像を保存し、公開URLを返す。画像がなければ空文字列。
func (s *Service) resolveImage(ctx context.Context, in CreateInput) (string, error) {
	switch {
	case in.Image != nil:
		if s.uploader == nil {
			return "", errors.New("image upload is not configured")
		}
		return s.uploader.Save(ctx, in.Image)
	case strings.TrimSpace(in.ImageURL) != "":
		if s.importer == nil {
			return "", errors.New("image import is not configured")
		}
		return s.importer.Import(ctx, strings.TrimSpace(in.ImageURL))
	default:
		return "", nil
	}
}

func (s *Service) discardImage(imageURL string) {
	if imageURL == "" || s.uploader == nil {
		return
	}
	if err := s.uploader.Remove(imageURL); err != nil {
		slog.Warn("failed to remove image", slog.String("image_url", imageURL), slog.String("error", err.Error()))
	}
}

// List は全投稿を作成日時の降順で返す。作成者はまとめて解決する。
func (s *Service) List(ctx context.Context) ([]*model.PostView, error) {
	posts, err := s.posts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}

	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.AuthorID)
	}
	authors, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("作成者の取得に失敗しました: %w", err)
	}

	views := make([]*model.PostView, 0, len(posts))
	for _, p := range posts {
		views = append(views, &model.PostView{Post: p, Author: authors[p.AuthorID]})
	}
	return views, nil
}

// Get は投稿とそのコメント一覧を返す。
func (s *Service) Get(ctx context.Context, postID string) (*model.PostDetail, error) {
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	comments, err := s.comments.ListByPostID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}

	ids := make([]string, 0, len(comments)+1)
	ids = append(ids, post.AuthorID)
	for _, c := range comments {
		ids = append(ids, c.AuthorID)
	}
	authors, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("作成者の取得に失敗しました: %w", err)
	}

	detail := &model.PostDetail{
		Post:     &model.PostView{Post: post, Author: authors[post.AuthorID]},
		Comments: make([]*model.CommentView, 0, len(comments)),
	}
	for _, c := range comments {
		detail.Comments = append(detail.Comments, &model.CommentView{Comment: c, Author: authors[c.AuthorID]})
	}
	return detail, nil
}

// Edit は投稿のタイトルと本文を部分更新する。所有者のみ実行できる。
func (s *Service) Edit(ctx context.Context, subjectID, postID string, in EditInput) (*model.PostView, error) {
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if err := authz.Authorize(post.AuthorID, subjectID); err != nil {
		return nil, err
	}

	if title := s.sanitizer.SanitizeText(in.Title); title != "" {
		post.Title = title
	}
	if content := strings.TrimSpace(s.sanitizer.SanitizeHTML(in.Content)); content != "" {
		post.Content = content
	}
	post.UpdatedAt = time.Now().UTC()

	if err := s.posts.Update(ctx, post); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewPostNotFoundError(postID)
		}
		return nil, fmt.Errorf("投稿の更新に失敗しました: %w", err)
	}

	slog.Info("post updated",
		slog.String("post_id", postID),
		slog.String("user_id", subjectID),
	)
	s.events.Publish(ctx, event.New(event.TypePostUpdated, postID, postID, subjectID))

	return &model.PostView{Post: post, Author: s.lookupAuthor(ctx, post.AuthorID)}, nil
}

// Delete は投稿といいね、コメントを削除する。所有者のみ実行できる。
// コメントの削除に失敗した場合は警告ログのみ残し、孤立コメントの掃除に任せる。
func (s *Service) Delete(ctx context.Context, subjectID, postID string) error {
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return err
	}
	if err := authz.Authorize(post.AuthorID, subjectID); err != nil {
		return err
	}

	if err := s.posts.Delete(ctx, postID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewPostNotFoundError(postID)
		}
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}

	deleted, err := s.comments.DeleteByPostID(ctx, postID)
	if err != nil {
		slog.Warn("failed to delete comments of deleted post",
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
	}
	s.discardImage(post.ImageURL)

	slog.Info("post deleted",
		slog.String("post_id", postID),
		slog.String("user_id", subjectID),
		slog.Int64("comments_deleted", deleted),
	)
	s.events.Publish(ctx, event.New(event.TypePostDeleted, postID, postID, subjectID))
	return nil
}

// ToggleLike はユーザーのいいねを反転する。所有者チェックは行わない。
func (s *Service) ToggleLike(ctx context.Context, subjectID, postID string) (*model.LikeState, error) {
	return s.changeLike(ctx, subjectID, postID, s.posts.ToggleLike)
}

// Like はユーザーのいいねを追加する。既にいいね済みでも成功する。
func (s *Service) Like(ctx context.Context, subjectID, postID string) (*model.LikeState, error) {
	return s.changeLike(ctx, subjectID, postID, s.posts.AddLike)
}

// Unlike はユーザーのいいねを取り消す。いいねしていなくても成功する。
func (s *Service) Unlike(ctx context.Context, subjectID, postID string) (*model.LikeState, error) {
	return s.changeLike(ctx, subjectID, postID, s.posts.RemoveLike)
}

type likeFunc func(ctx context.Context, postID, userID string) (*model.LikeState, error)

func (s *Service) changeLike(ctx context.Context, subjectID, postID string, fn likeFunc) (*model.LikeState, error) {
	state, err := fn(ctx, postID, subjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewPostNotFoundError(postID)
		}
		return nil, fmt.Errorf("いいねの更新に失敗しました: %w", err)
	}

	action := ActionUnlike
	if state.Liked {
		action = ActionLike
	}
	slog.Info("post like changed",
		slog.String("post_id", postID),
		slog.String("user_id", subjectID),
		slog.String("action", action),
		slog.Int("like_count", state.Count),
	)
	s.observer.LikeChanged(action)
	s.events.Publish(ctx, event.NewLikeChanged(postID, subjectID, state.Liked))
	return state, nil
}

func (s *Service) findPost(ctx context.Context, postID string) (*model.Post, error) {
	post, err := s.posts.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	return post, nil
}

type nopObserver struct{}

func (nopObserver) PostCreated()       {}
func (nopObserver) LikeChanged(string) {}
