package repository

import (
	"time"

	"github.com/hitoshi/postboard/internal/model"
)

// MongoDBのコレクション名
const (
	usersCollection    = "users"
	postsCollection    = "posts"
	commentsCollection = "comments"
)

type userDoc struct {
	ID        string    `bson:"_id"`
	Username  string    `bson:"username"`
	Email     string    `bson:"email"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d *userDoc) toModel() *model.User {
	return &model.User{
		ID:        d.ID,
		Username:  d.Username,
		Email:     d.Email,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// postDoc はpostsコレクションのドキュメント。likesは常に配列で保存する。
type postDoc struct {
	ID        string    `bson:"_id"`
	Title     string    `bson:"title"`
	Content   string    `bson:"content"`
	ImageURL  string    `bson:"image_url,omitempty"`
	AuthorID  string    `bson:"author"`
	Likes     []string  `bson:"likes"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func newPostDoc(p *model.Post) *postDoc {
	likes := p.Likes
	if likes == nil {
		likes = []string{}
	}
	return &postDoc{
		ID:        p.ID,
		Title:     p.Title,
		Content:   p.Content,
		ImageURL:  p.ImageURL,
		AuthorID:  p.AuthorID,
		Likes:     likes,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func (d *postDoc) toModel() *model.Post {
	likes := d.Likes
	if likes == nil {
		likes = []string{}
	}
	return &model.Post{
		ID:        d.ID,
		Title:     d.Title,
		Content:   d.Content,
		ImageURL:  d.ImageURL,
		AuthorID:  d.AuthorID,
		Likes:     likes,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type commentDoc struct {
	ID        string    `bson:"_id"`
	PostID    string    `bson:"post_id"`
	AuthorID  string    `bson:"author"`
	Text      string    `bson:"text"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func newCommentDoc(c *model.Comment) *commentDoc {
	return &commentDoc{
		ID:        c.ID,
		PostID:    c.PostID,
		AuthorID:  c.AuthorID,
		Text:      c.Text,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (d *commentDoc) toModel() *model.Comment {
	return &model.Comment{
		ID:        d.ID,
		PostID:    d.PostID,
		AuthorID:  d.AuthorID,
		Text:      d.Text,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
