package model

import "time"

// Comment は投稿に紐付くコメントを表す。
// PostIDの参照整合性は外部キーでは保証しない。
type Comment struct {
	ID        string
	PostID    string
	AuthorID  string
	Text      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
