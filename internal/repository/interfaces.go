// Package repository はデータ永続化のインターフェースと
// PostgreSQL・MongoDB・インメモリの実装を提供する。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/postboard/internal/model"
)

// ErrNotFound は更新・削除対象のレコードが存在しない場合に返される。
// 単一レコードの取得系メソッドはこのエラーを返さずnilを返す。
var ErrNotFound = errors.New("record not found")

// UserRepository はユーザーデータの参照インターフェース。
// ユーザーは外部IdPが管理するため、作成・更新は行わない。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByIDs は複数IDのユーザーをまとめて取得する。
	// 見つからなかったIDはマップに含まれない。
	FindByIDs(ctx context.Context, ids []string) (map[string]*model.User, error)
}

// PostRepository は投稿データの永続化インターフェース。
type PostRepository interface {
	// Create は投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// FindByID は指定IDの投稿をいいね集合付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// List は全投稿を作成日時の降順で返す。
	List(ctx context.Context) ([]*model.Post, error)

	// Update は投稿のtitle、content、image_url、updated_atを上書きする。
	// 存在しない場合はErrNotFoundを返す。
	Update(ctx context.Context, post *model.Post) error

	// Delete は投稿とそのいいねを削除する。存在しない場合はErrNotFoundを返す。
	Delete(ctx context.Context, id string) error

	// ToggleLike はユーザーのいいねを反転する。投稿単位でアトミックに実行される。
	// 存在しない場合はErrNotFoundを返す。
	ToggleLike(ctx context.Context, postID, userID string) (*model.LikeState, error)

	// AddLike はユーザーのいいねを追加する。既にいいね済みの場合は何もしない。
	AddLike(ctx context.Context, postID, userID string) (*model.LikeState, error)

	// RemoveLike はユーザーのいいねを取り消す。いいねしていない場合は何もしない。
	RemoveLike(ctx context.Context, postID, userID string) (*model.LikeState, error)
}

// CommentRepository はコメントデータの永続化インターフェース。
type CommentRepository interface {
	// Create はコメントを作成する。
	Create(ctx context.Context, comment *model.Comment) error

	// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Comment, error)

	// ListByPostID は投稿のコメントを作成日時の昇順で返す。
	ListByPostID(ctx context.Context, postID string) ([]*model.Comment, error)

	// Delete は指定IDのコメントを削除する。存在しない場合はErrNotFoundを返す。
	Delete(ctx context.Context, id string) error

	// DeleteByPostID は投稿に紐付く全コメントを削除し、削除件数を返す。
	DeleteByPostID(ctx context.Context, postID string) (int64, error)

	// DeleteOrphaned は存在しない投稿を参照するコメントを削除し、削除件数を返す。
	DeleteOrphaned(ctx context.Context) (int64, error)
}

// Pinger はバックエンドの疎通確認インターフェース。ヘルスチェックで使用する。
type Pinger interface {
	Ping(ctx context.Context) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store はバックエンドごとのリポジトリ一式を束ねる。
type Store struct {
	Users    UserRepository
	Posts    PostRepository
	Comments CommentRepository
	Pinger   Pinger
	// Close はバックエンドの接続を解放する。
	Close func(ctx context.Context) error
}

// PingFunc は関数をPingerとして扱うためのアダプター。
type PingFunc func(ctx context.Context) error

// Ping はfを呼び出す。
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// NewPostgresStore はPostgreSQLバックエンドのリポジトリ一式を生成する。
func NewPostgresStore(db *sql.DB) *Store {
	return &Store{
		Users:    NewPostgresUserRepo(db),
		Posts:    NewPostgresPostRepo(db),
		Comments: NewPostgresCommentRepo(db),
		Pinger:   PingFunc(db.PingContext),
		Close: func(context.Context) error {
			return db.Close()
		},
	}
}
