package model

import "time"

// Post はブログ投稿を表す。
// AuthorIDは作成後に変更されない。
type Post struct {
	ID        string
	Title     string
	Content   string
	ImageURL  string // 画像がない場合は空文字列
	AuthorID  string
	Likes     []string // いいねしたユーザーIDの集合（重複なし）
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LikeCount はいいね数を返す。
func (p *Post) LikeCount() int {
	return len(p.Likes)
}

// LikedBy は指定ユーザーがいいね済みかを返す。
func (p *Post) LikedBy(userID string) bool {
	for _, id := range p.Likes {
		if id == userID {
			return true
		}
	}
	return false
}

// LikeState はいいね操作後の状態を表す。
type LikeState struct {
	PostID string
	Liked  bool
	Count  int
}
