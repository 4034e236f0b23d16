package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/postboard/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
// いいねはpost_likesテーブルに(post_id, user_id)の主キーで保持する。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// selectPostsSQL はいいね集合を集約した投稿の取得クエリ。
const selectPostsSQL = `
	SELECT p.id, p.title, p.content, p.image_url, p.author_id, p.created_at, p.updated_at,
	       COALESCE(array_agg(l.user_id ORDER BY l.created_at) FILTER (WHERE l.user_id IS NOT NULL), '{}')
	FROM posts p
	LEFT JOIN post_likes l ON l.post_id = p.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(s rowScanner) (*model.Post, error) {
	post := &model.Post{}
	var likes pq.StringArray
	if err := s.Scan(&post.ID, &post.Title, &post.Content, &post.ImageURL, &post.AuthorID,
		&post.CreatedAt, &post.UpdatedAt, &likes); err != nil {
		return nil, err
	}
	post.Likes = []string(likes)
	if post.Likes == nil {
		post.Likes = []string{}
	}
	return post, nil
}

// Create は投稿を作成する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, title, content, image_url, author_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		post.ID, post.Title, post.Content, post.ImageURL, post.AuthorID, post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	return nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	row := r.db.QueryRowContext(ctx, selectPostsSQL+` WHERE p.id = $1 GROUP BY p.id`, id)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find post by ID: %w", err)
	}
	return post, nil
}

// List は全投稿を作成日時の降順で返す。
func (r *PostgresPostRepo) List(ctx context.Context) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx, selectPostsSQL+` GROUP BY p.id ORDER BY p.created_at DESC, p.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	posts := []*model.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate posts: %w", err)
	}
	return posts, nil
}

// Update は投稿の可変フィールドを上書きする。author_idは更新しない。
func (r *PostgresPostRepo) Update(ctx context.Context, post *model.Post) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET title = $2, content = $3, image_url = $4, updated_at = $5 WHERE id = $1`,
		post.ID, post.Title, post.Content, post.ImageURL, post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update post: %w", err)
	}
	return requireAffected(result)
}

// Delete は投稿を削除する。post_likesはCASCADE削除される。
func (r *PostgresPostRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return requireAffected(result)
}

// ToggleLike はいいねを反転する。
// 投稿行をFOR UPDATEでロックし、同一投稿への並行操作を直列化する。
func (r *PostgresPostRepo) ToggleLike(ctx context.Context, postID, userID string) (*model.LikeState, error) {
	return r.withLockedPost(ctx, postID, func(tx *sql.Tx) (bool, error) {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM post_likes WHERE post_id = $1 AND user_id = $2`, postID, userID)
		if err != nil {
			return false, fmt.Errorf("failed to delete like: %w", err)
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if removed > 0 {
			return false, nil
		}
		if err := insertLike(ctx, tx, postID, userID); err != nil {
			return false, err
		}
		return true, nil
	})
}

// AddLike はいいねを追加する。既にいいね済みの場合は状態を変えない。
func (r *PostgresPostRepo) AddLike(ctx context.Context, postID, userID string) (*model.LikeState, error) {
	return r.withLockedPost(ctx, postID, func(tx *sql.Tx) (bool, error) {
		if err := insertLike(ctx, tx, postID, userID); err != nil {
			return false, err
		}
		return true, nil
	})
}

// RemoveLike はいいねを取り消す。
func (r *PostgresPostRepo) RemoveLike(ctx context.Context, postID, userID string) (*model.LikeState, error) {
	return r.withLockedPost(ctx, postID, func(tx *sql.Tx) (bool, error) {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM post_likes WHERE post_id = $1 AND user_id = $2`, postID, userID); err != nil {
			return false, fmt.Errorf("failed to delete like: %w", err)
		}
		return false, nil
	})
}

// withLockedPost は投稿行をロックしたトランザクション内でfnを実行し、
// 実行後のいいね状態を返す。fnはユーザーがいいね済みかを返す。
func (r *PostgresPostRepo) withLockedPost(ctx context.Context, postID string, fn func(tx *sql.Tx) (bool, error)) (*model.LikeState, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM posts WHERE id = $1 FOR UPDATE`, postID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock post: %w", err)
	}

	liked, err := fn(tx)
	if err != nil {
		return nil, err
	}

	state := &model.LikeState{PostID: postID, Liked: liked}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM post_likes WHERE post_id = $1`, postID).Scan(&state.Count); err != nil {
		return nil, fmt.Errorf("failed to count likes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return state, nil
}

func insertLike(ctx context.Context, tx *sql.Tx, postID, userID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO post_likes (post_id, user_id) VALUES ($1, $2) ON CONFLICT (post_id, user_id) DO NOTHING`,
		postID, userID); err != nil {
		return fmt.Errorf("failed to insert like: %w", err)
	}
	return nil
}

// requireAffected は更新件数が0の場合にErrNotFoundを返す。
func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
