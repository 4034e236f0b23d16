// Package comment は投稿に紐付くコメントの追加・参照・削除を提供する。
package comment

import (
	"context"
	"errors"
	"fmt"
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

// Observer はコメント操作の計測フック。
type Observer interface {
	CommentCreated()
}

// Service はコメントのサービス層。
// コメント追加の前に投稿の存在を確認する。
type Service struct {
	posts     repository.PostRepository
	comments  repository.CommentRepository
	users     repository.UserRepository
	sanitizer security.Sanitizer
	events    event.Publisher
	observer  Observer
}

// NewService はServiceの新しいインスタンスを生成する。
// events、observerはnilの場合に何もしない実装を使う。
func NewService(store *repository.Store, sanitizer security.Sanitizer, events event.Publisher, observer Observer) *Service {
	if events == nil {
		events = event.NopPublisher{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Service{
		posts:     store.Posts,
		comments:  store.Comments,
		users:     store.Users,
		sanitizer: sanitizer,
		events:    events,
		observer:  observer,
	}
}

// AddToPost はパスで指定された投稿にコメントを追加する。
func (s *Service) AddToPost(ctx context.Context, authorID, postID, text string) (*model.CommentView, error) {
	return s.add(ctx, authorID, postID, text)
}

// AddStandalone は本文で投稿IDを指定してコメントを追加する。
// 投稿IDと本文のどちらが欠けてもVALIDATION_ERRORを返す。
func (s *Service) AddStandalone(ctx context.Context, authorID, postID, text string) (*model.CommentView, error) {
	if strings.TrimSpace(postID) == "" {
		return nil, model.NewValidationError("postId")
	}
	return s.add(ctx, authorID, strings.TrimSpace(postID), text)
}

func (s *Service) add(ctx context.Context, authorID, postID, text string) (*model.CommentView, error) {
	clean := s.sanitizer.SanitizeText(text)
	if clean == "" {
		return nil, model.NewValidationError("text")
	}

	if err := s.requirePost(ctx, postID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.Comment{
		ID:        uuid.New().String(),
		PostID:    postID,
		AuthorID:  authorID,
		Text:      clean,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.comments.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("コメントの保存に失敗しました: %w", err)
	}

	slog.Info("comment created",
		slog.String("comment_id", c.ID),
		slog.String("post_id", postID),
		slog.String("user_id", authorID),
	)
	s.observer.CommentCreated()
	s.events.Publish(ctx, event.New(event.TypeCommentCreated, c.ID, postID, authorID))

	author, err := s.users.FindByID(ctx, authorID)
	if err != nil {
		slog.Warn("failed to resolve comment author",
			slog.String("comment_id", c.ID),
			slog.String("user_id", authorID),
			slog.String("error", err.Error()),
		)
		author = nil
	}
	return &model.CommentView{Comment: c, Author: author}, nil
}

// ListByPost は投稿のコメントを作成日時の昇順で返す。
func (s *Service) ListByPost(ctx context.Context, postID string) ([]*model.CommentView, error) {
	if err := s.requirePost(ctx, postID); err != nil {
		return nil, err
	}

	comments, err := s.comments.ListByPostID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}

	ids := make([]string, 0, len(comments))
	for _, c := range comments {
		ids = append(ids, c.AuthorID)
	}
	authors, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("作成者の取得に失敗しました: %w", err)
	}

	views := make([]*model.CommentView, 0, len(comments))
	for _, c := range comments {
		views = append(views, &model.CommentView{Comment: c, Author: authors[c.AuthorID]})
	}
	return views, nil
}

// Delete はコメントを削除する。コメントの作成者のみ実行できる。
func (s *Service) Delete(ctx context.Context, subjectID, commentID string) error {
	c, err := s.comments.FindByID(ctx, commentID)
	if err != nil {
		return fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}
	if c == nil {
		return model.NewCommentNotFoundError(commentID)
	}
	if err := authz.Authorize(c.AuthorID, subjectID); err != nil {
		return err
	}

	if err := s.comments.Delete(ctx, commentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewCommentNotFoundError(commentID)
		}
		return fmt.Errorf("コメントの削除に失敗しました: %w", err)
	}

	slog.Info("comment deleted",
		slog.String("comment_id", commentID),
		slog.String("post_id", c.PostID),
		slog.String("user_id", subjectID),
	)
	s.events.Publish(ctx, event.New(event.TypeCommentDeleted, commentID, c.PostID, subjectID))
	return nil
}

func (s *Service) requirePost(ctx context.Context, postID string) error {
	post, err := s.posts.FindByID(ctx, postID)
	if err != nil {
		return fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if post == nil {
		return model.NewPostNotFoundError(postID)
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) CommentCreated() {}
