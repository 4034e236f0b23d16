package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/postboard/internal/model"
)

// MongoUserRepo はMongoDBを使用したユーザーリポジトリ。
type MongoUserRepo struct {
	coll *mongo.Collection
}

// NewMongoUserRepo はMongoUserRepoを生成する。
func NewMongoUserRepo(db *mongo.Database) *MongoUserRepo {
	return &MongoUserRepo{coll: db.Collection(usersCollection)}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var doc userDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return doc.toModel(), nil
}

// FindByIDs は複数IDのユーザーを$inでまとめて取得する。
func (r *MongoUserRepo) FindByIDs(ctx context.Context, ids []string) (map[string]*model.User, error) {
	users := make(map[string]*model.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to find users by IDs: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	for i := range docs {
		users[docs[i].ID] = docs[i].toModel()
	}
	return users, nil
}

// MongoPostRepo はMongoDBを使用した投稿リポジトリ。
// いいね集合はドキュメント内のlikes配列に保持する。
type MongoPostRepo struct {
	coll *mongo.Collection
}

// NewMongoPostRepo はMongoPostRepoを生成する。
func NewMongoPostRepo(db *mongo.Database) *MongoPostRepo {
	return &MongoPostRepo{coll: db.Collection(postsCollection)}
}

// Create は投稿を作成する。
func (r *MongoPostRepo) Create(ctx context.Context, post *model.Post) error {
	if _, err := r.coll.InsertOne(ctx, newPostDoc(post)); err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	return nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *MongoPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	var doc postDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find post by ID: %w", err)
	}
	return doc.toModel(), nil
}

// List は全投稿を作成日時の降順で返す。
func (r *MongoPostRepo) List(ctx context.Context) ([]*model.Post, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	var docs []postDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode posts: %w", err)
	}

	posts := make([]*model.Post, 0, len(docs))
	for i := range docs {
		posts = append(posts, docs[i].toModel())
	}
	return posts, nil
}

// Update は投稿の可変フィールドを上書きする。
func (r *MongoPostRepo) Update(ctx context.Context, post *model.Post) error {
	set := bson.M{
		"title":      post.Title,
		"content":    post.Content,
		"updated_at": post.UpdatedAt,
	}
	update := bson.M{"$set": set}
	if post.ImageURL != "" {
		set["image_url"] = post.ImageURL
	} else {
		update["$unset"] = bson.M{"image_url": ""}
	}

	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": post.ID}, update)
	if err != nil {
		return fmt.Errorf("failed to update post: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete は投稿を削除する。
func (r *MongoPostRepo) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleLike はアップデートパイプラインでlikes配列を1回の更新で反転する。
func (r *MongoPostRepo) ToggleLike(ctx context.Context, postID, userID string) (*model.LikeState, error) {
	likes := bson.D{{Key: "$ifNull", Value: bson.A{"$likes", bson.A{}}}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "likes", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$in", Value: bson.A{userID, likes}}},
			bson.D{{Key: "$setDifference", Value: bson.A{likes, bson.A{userID}}}},
			bson.D{{Key: "$concatArrays", Value: bson.A{likes, bson.A{userID}}}},
		}}}}}}},
	}
	return r.updateLikes(ctx, postID, userID, pipeline)
}

// AddLike は$addToSetでいいねを追加する。
func (r *MongoPostRepo) AddLike(ctx context.Context, postID, userID string) (*model.LikeState, error) {
	return r.updateLikes(ctx, postID, userID, bson.M{"$addToSet": bson.M{"likes": userID}})
}

// RemoveLike は$pullでいいねを取り消す。
func (r *MongoPostRepo) RemoveLike(ctx context.Context, postID, userID string) (*model.LikeState, error) {
	return r.updateLikes(ctx, postID, userID, bson.M{"$pull": bson.M{"likes": userID}})
}

func (r *MongoPostRepo) updateLikes(ctx context.Context, postID, userID string, update any) (*model.LikeState, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"likes": 1})

	var doc postDoc
	err := r.coll.FindOneAndUpdate(ctx, bson.M{"_id": postID}, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update likes: %w", err)
	}

	post := doc.toModel()
	return &model.LikeState{PostID: postID, Liked: post.LikedBy(userID), Count: post.LikeCount()}, nil
}

// MongoCommentRepo はMongoDBを使用したコメントリポジトリ。
type MongoCommentRepo struct {
	coll  *mongo.Collection
	posts *mongo.Collection
}

// NewMongoCommentRepo はMongoCommentRepoを生成する。
// 孤立コメントの判定にpostsコレクションを参照する。
func NewMongoCommentRepo(db *mongo.Database) *MongoCommentRepo {
	return &MongoCommentRepo{
		coll:  db.Collection(commentsCollection),
		posts: db.Collection(postsCollection),
	}
}

// Create はコメントを作成する。
func (r *MongoCommentRepo) Create(ctx context.Context, c *model.Comment) error {
	if _, err := r.coll.InsertOne(ctx, newCommentDoc(c)); err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
func (r *MongoCommentRepo) FindByID(ctx context.Context, id string) (*model.Comment, error) {
	var doc commentDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find comment by ID: %w", err)
	}
	return doc.toModel(), nil
}

// ListByPostID は投稿のコメントを作成日時の昇順で返す。
func (r *MongoCommentRepo) ListByPostID(ctx context.Context, postID string) ([]*model.Comment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{"post_id": postID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	var docs []commentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode comments: %w", err)
	}

	comments := make([]*model.Comment, 0, len(docs))
	for i := range docs {
		comments = append(comments, docs[i].toModel())
	}
	return comments, nil
}

// Delete は指定IDのコメントを削除する。
func (r *MongoCommentRepo) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByPostID は投稿に紐付く全コメントを削除する。
func (r *MongoCommentRepo) DeleteByPostID(ctx context.Context, postID string) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"post_id": postID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete comments: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteOrphaned はコメントが参照する投稿IDのうちpostsに存在しないものを特定し、
// それらを参照するコメントを削除する。
func (r *MongoCommentRepo) DeleteOrphaned(ctx context.Context) (int64, error) {
	values, err := r.coll.Distinct(ctx, "post_id", bson.D{})
	if err != nil {
		return 0, fmt.Errorf("failed to list referenced post IDs: %w", err)
	}
	if len(values) == 0 {
		return 0, nil
	}

	referenced := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			referenced = append(referenced, id)
		}
	}

	cur, err := r.posts.Find(ctx,
		bson.M{"_id": bson.M{"$in": referenced}},
		options.Find().SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to find existing posts: %w", err)
	}
	var existing []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &existing); err != nil {
		return 0, fmt.Errorf("failed to decode existing posts: %w", err)
	}

	alive := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		alive[p.ID] = struct{}{}
	}
	var missing []string
	for _, id := range referenced {
		if _, ok := alive[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	res, err := r.coll.DeleteMany(ctx, bson.M{"post_id": bson.M{"$in": missing}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned comments: %w", err)
	}
	return res.DeletedCount, nil
}

// EnsureMongoIndexes はクエリで使用するインデックスを作成する。既存の場合は何もしない。
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	if _, err := db.Collection(postsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("failed to create posts index: %w", err)
	}
	if _, err := db.Collection(commentsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "post_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create comments index: %w", err)
	}
	return nil
}

// NewMongoStore はMongoDBバックエンドのリポジトリ一式を生成する。
func NewMongoStore(client *mongo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		Users:    NewMongoUserRepo(db),
		Posts:    NewMongoPostRepo(db),
		Comments: NewMongoCommentRepo(db),
		Pinger: PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}),
		Close: client.Disconnect,
	}
}

// compile-time interface check
var (
	_ UserRepository    = (*MongoUserRepo)(nil)
	_ PostRepository    = (*MongoPostRepo)(nil)
	_ CommentRepository = (*MongoCommentRepo)(nil)
)
