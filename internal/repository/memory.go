package repository

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/hitoshi/postboard/internal/model"
)

// MemoryStore はプロセス内メモリに全データを保持するバックエンド。
// 開発環境とテストで使用する。単一のミューテックスで全操作を直列化する。
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	posts    map[string]*model.Post
	comments map[string]*model.Comment
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*model.User),
		posts:    make(map[string]*model.Post),
		comments: make(map[string]*model.Comment),
	}
}

// Store はMemoryStoreをリポジトリ一式として返す。
func (m *MemoryStore) Store() *Store {
	return &Store{
		Users:    memoryUsers{m},
		Posts:    memoryPosts{m},
		Comments: memoryComments{m},
		Pinger:   PingFunc(func(context.Context) error { return nil }),
		Close:    func(context.Context) error { return nil },
	}
}

// PutUser はユーザーを登録する。IdPからの同期やテストデータ投入に使用する。
func (m *MemoryStore) PutUser(user *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *user
	m.users[u.ID] = &u
}

func clonePost(p *model.Post) *model.Post {
	c := *p
	c.Likes = slices.Clone(p.Likes)
	if c.Likes == nil {
		c.Likes = []string{}
	}
	return &c
}

func cloneComment(c *model.Comment) *model.Comment {
	cp := *c
	return &cp
}

type memoryUsers struct{ m *MemoryStore }

func (r memoryUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	u, ok := r.m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r memoryUsers) FindByIDs(_ context.Context, ids []string) (map[string]*model.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	users := make(map[string]*model.User, len(ids))
	for _, id := range ids {
		if u, ok := r.m.users[id]; ok {
			cp := *u
			users[id] = &cp
		}
	}
	return users, nil
}

type memoryPosts struct{ m *MemoryStore }

func (r memoryPosts) Create(_ context.Context, post *model.Post) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.posts[post.ID] = clonePost(post)
	return nil
}

func (r memoryPosts) FindByID(_ context.Context, id string) (*model.Post, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.posts[id]
	if !ok {
		return nil, nil
	}
	return clonePost(p), nil
}

func (r memoryPosts) List(_ context.Context) ([]*model.Post, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	posts := make([]*model.Post, 0, len(r.m.posts))
	for _, p := range r.m.posts {
		posts = append(posts, clonePost(p))
	}
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID < posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	return posts, nil
}

func (r memoryPosts) Update(_ context.Context, post *model.Post) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.posts[post.ID]
	if !ok {
		return ErrNotFound
	}
	p.Title = post.Title
	p.Content = post.Content
	p.ImageURL = post.ImageURL
	p.UpdatedAt = post.UpdatedAt
	return nil
}

func (r memoryPosts) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.posts[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.posts, id)
	return nil
}

func (r memoryPosts) ToggleLike(_ context.Context, postID, userID string) (*model.LikeState, error) {
	return r.mutateLikes(postID, userID, func(p *model.Post) {
		if i := slices.Index(p.Likes, userID); i >= 0 {
			p.Likes = slices.Delete(p.Likes, i, i+1)
			return
		}
		p.Likes = append(p.Likes, userID)
	})
}

func (r memoryPosts) AddLike(_ context.Context, postID, userID string) (*model.LikeState, error) {
	return r.mutateLikes(postID, userID, func(p *model.Post) {
		if !slices.Contains(p.Likes, userID) {
			p.Likes = append(p.Likes, userID)
		}
	})
}

func (r memoryPosts) RemoveLike(_ context.Context, postID, userID string) (*model.LikeState, error) {
	return r.mutateLikes(postID, userID, func(p *model.Post) {
		if i := slices.Index(p.Likes, userID); i >= 0 {
			p.Likes = slices.Delete(p.Likes, i, i+1)
		}
	})
}

func (r memoryPosts) mutateLikes(postID, userID string, fn func(p *model.Post)) (*model.LikeState, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.posts[postID]
	if !ok {
		return nil, ErrNotFound
	}
	fn(p)
	return &model.LikeState{PostID: postID, Liked: p.LikedBy(userID), Count: p.LikeCount()}, nil
}

type memoryComments struct{ m *MemoryStore }

func (r memoryComments) Create(_ context.Context, c *model.Comment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.comments[c.ID] = cloneComment(c)
	return nil
}

func (r memoryComments) FindByID(_ context.Context, id string) (*model.Comment, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.comments[id]
	if !ok {
		return nil, nil
	}
	return cloneComment(c), nil
}

func (r memoryComments) ListByPostID(_ context.Context, postID string) ([]*model.Comment, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	comments := []*model.Comment{}
	for _, c := range r.m.comments {
		if c.PostID == postID {
			comments = append(comments, cloneComment(c))
		}
	}
	sort.Slice(comments, func(i, j int) bool {
		if comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].ID < comments[j].ID
		}
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

func (r memoryComments) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.comments[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.comments, id)
	return nil
}

func (r memoryComments) DeleteByPostID(_ context.Context, postID string) (int64, error) {
	return r.deleteWhere(func(c *model.Comment) bool { return c.PostID == postID }), nil
}

func (r memoryComments) DeleteOrphaned(_ context.Context) (int64, error) {
	return r.deleteWhere(func(c *model.Comment) bool {
		_, ok := r.m.posts[c.PostID]
		return !ok
	}), nil
}

// deleteWhere はロック保持中にmatchを評価する。
func (r memoryComments) deleteWhere(match func(c *model.Comment) bool) int64 {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, c := range r.m.comments {
		if match(c) {
			delete(r.m.comments, id)
			n++
		}
	}
	return n
}

// compile-time interface check
var (
	_ UserRepository    = memoryUsers{}
	_ PostRepository    = memoryPosts{}
	_ CommentRepository = memoryComments{}
)
