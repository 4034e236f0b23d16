// Package event は投稿・いいね・コメントのドメインイベントを外部に通知する。
package event

import (
	"context"
	"time"
)

// イベント種別
const (
	TypePostCreated     = "post.created"
	TypePostUpdated     = "post.updated"
	TypePostDeleted     = "post.deleted"
	TypePostLikeChanged = "post.like_changed"
	TypeCommentCreated  = "comment.created"
	TypeCommentDeleted  = "comment.deleted"
)

// Event はドメインイベントのペイロード。
// IDはイベントの対象（投稿またはコメント）のID。
type Event struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	PostID     string    `json:"post_id"`
	UserID     string    `json:"user_id"`
	Liked      *bool     `json:"liked,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher はイベントの送信先。
// 送信失敗は呼び出し元の処理を失敗させないため、エラーを返さない。
type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close() error
}

// New はイベントを生成する。OccurredAtは現在時刻(UTC)。
func New(eventType, id, postID, userID string) Event {
	return Event{
		Type:       eventType,
		ID:         id,
		PostID:     postID,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}
}

// NewLikeChanged はいいね状態の変化イベントを生成する。
func NewLikeChanged(postID, userID string, liked bool) Event {
	e := New(TypePostLikeChanged, postID, postID, userID)
	e.Liked = &liked
	return e
}

// NopPublisher はイベントを破棄する。Kafka未設定時に使う。
type NopPublisher struct{}

// Publish は何もしない。
func (NopPublisher) Publish(context.Context, Event) {}

// Close は何もしない。
func (NopPublisher) Close() error { return nil }
