package repository_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/repository"
)

// seedUserFunc はバックエンドにユーザーを直接登録するテスト用関数。
type seedUserFunc func(t *testing.T, user *model.User)

func newTestPost(authorID string, createdAt time.Time) *model.Post {
	return &model.Post{
		ID:        uuid.NewString(),
		Title:     "title",
		Content:   "content",
		AuthorID:  authorID,
		Likes:     []string{},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func newTestComment(postID, authorID string, createdAt time.Time) *model.Comment {
	return &model.Comment{
		ID:        uuid.NewString(),
		PostID:    postID,
		AuthorID:  authorID,
		Text:      "comment",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// runStoreContract は全バックエンド共通の振る舞いを検証する。
func runStoreContract(t *testing.T, store *repository.Store, seedUser seedUserFunc) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Users_FindByIDs", func(t *testing.T) {
		seedUser(t, &model.User{ID: "contract-u1", Username: "alice", Email: "alice@example.com", CreatedAt: base, UpdatedAt: base})
		seedUser(t, &model.User{ID: "contract-u2", Username: "bob", CreatedAt: base, UpdatedAt: base})

		got, err := store.Users.FindByID(ctx, "contract-u1")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got == nil || got.Username != "alice" || got.Email != "alice@example.com" {
			t.Fatalf("FindByID = %+v, want alice", got)
		}

		missing, err := store.Users.FindByID(ctx, "contract-missing")
		if err != nil || missing != nil {
			t.Fatalf("FindByID(missing) = %+v, %v; want nil, nil", missing, err)
		}

		users, err := store.Users.FindByIDs(ctx, []string{"contract-u1", "contract-u2", "contract-missing"})
		if err != nil {
			t.Fatalf("FindByIDs failed: %v", err)
		}
		if len(users) != 2 || users["contract-u2"].Username != "bob" {
			t.Errorf("FindByIDs = %v, want u1 and u2", users)
		}

		empty, err := store.Users.FindByIDs(ctx, nil)
		if err != nil || len(empty) != 0 {
			t.Errorf("FindByIDs(nil) = %v, %v; want empty", empty, err)
		}
	})

	t.Run("Posts_CRUD", func(t *testing.T) {
		post := newTestPost("u1", base)
		post.ImageURL = "http://localhost/uploads/a.png"
		if err := store.Posts.Create(ctx, post); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.Posts.FindByID(ctx, post.ID)
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected post")
		}
		if got.Title != "title" || got.AuthorID != "u1" || got.ImageURL != post.ImageURL {
			t.Errorf("post = %+v", got)
		}
		if got.Likes == nil || len(got.Likes) != 0 {
			t.Errorf("likes = %v, want empty non-nil", got.Likes)
		}

		got.Title = "updated"
		got.ImageURL = ""
		got.UpdatedAt = base.Add(time.Minute)
		if err := store.Posts.Update(ctx, got); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		reloaded, _ := store.Posts.FindByID(ctx, post.ID)
		if reloaded.Title != "updated" || reloaded.Content != "content" || reloaded.ImageURL != "" {
			t.Errorf("after update = %+v", reloaded)
		}

		if err := store.Posts.Delete(ctx, post.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		deleted, err := store.Posts.FindByID(ctx, post.ID)
		if err != nil || deleted != nil {
			t.Errorf("after delete = %+v, %v; want nil, nil", deleted, err)
		}
		if err := store.Posts.Delete(ctx, post.ID); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("second Delete err = %v, want ErrNotFound", err)
		}
		if err := store.Posts.Update(ctx, post); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("Update(missing) err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Posts_ListNewestFirst", func(t *testing.T) {
		older := newTestPost("u1", base.Add(-2*time.Hour))
		newer := newTestPost("u2", base.Add(2*time.Hour))
		for _, p := range []*model.Post{older, newer} {
			if err := store.Posts.Create(ctx, p); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		posts, err := store.Posts.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		idxNewer := slices.IndexFunc(posts, func(p *model.Post) bool { return p.ID == newer.ID })
		idxOlder := slices.IndexFunc(posts, func(p *model.Post) bool { return p.ID == older.ID })
		if idxNewer < 0 || idxOlder < 0 {
			t.Fatalf("posts missing from list: newer=%d older=%d", idxNewer, idxOlder)
		}
		if idxNewer > idxOlder {
			t.Errorf("newer post at %d should precede older post at %d", idxNewer, idxOlder)
		}
	})

	t.Run("Posts_ToggleLikeIsInvolution", func(t *testing.T) {
		post := newTestPost("u1", base)
		if err := store.Posts.Create(ctx, post); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		state, err := store.Posts.ToggleLike(ctx, post.ID, "u2")
		if err != nil {
			t.Fatalf("ToggleLike failed: %v", err)
		}
		if !state.Liked || state.Count != 1 {
			t.Errorf("first toggle = %+v, want liked count 1", state)
		}

		state, err = store.Posts.ToggleLike(ctx, post.ID, "u2")
		if err != nil {
			t.Fatalf("ToggleLike failed: %v", err)
		}
		if state.Liked || state.Count != 0 {
			t.Errorf("second toggle = %+v, want unliked count 0", state)
		}

		reloaded, _ := store.Posts.FindByID(ctx, post.ID)
		if len(reloaded.Likes) != 0 {
			t.Errorf("likes = %v, want empty", reloaded.Likes)
		}

		if _, err := store.Posts.ToggleLike(ctx, "missing-post", "u2"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("ToggleLike(missing) err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Posts_AddRemoveLikeIdempotent", func(t *testing.T) {
		post := newTestPost("u1", base)
		if err := store.Posts.Create(ctx, post); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		for i := 0; i < 2; i++ {
			state, err := store.Posts.AddLike(ctx, post.ID, "u3")
			if err != nil {
				t.Fatalf("AddLike failed: %v", err)
			}
			if !state.Liked || state.Count != 1 {
				t.Errorf("AddLike #%d = %+v, want liked count 1", i, state)
			}
		}
		if _, err := store.Posts.AddLike(ctx, post.ID, "u4"); err != nil {
			t.Fatalf("AddLike failed: %v", err)
		}

		for i := 0; i < 2; i++ {
			state, err := store.Posts.RemoveLike(ctx, post.ID, "u3")
			if err != nil {
				t.Fatalf("RemoveLike failed: %v", err)
			}
			if state.Liked || state.Count != 1 {
				t.Errorf("RemoveLike #%d = %+v, want unliked count 1", i, state)
			}
		}

		reloaded, _ := store.Posts.FindByID(ctx, post.ID)
		if !slices.Equal(reloaded.Likes, []string{"u4"}) {
			t.Errorf("likes = %v, want [u4]", reloaded.Likes)
		}

		if _, err := store.Posts.AddLike(ctx, "missing-post", "u3"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("AddLike(missing) err = %v, want ErrNotFound", err)
		}
		if _, err := store.Posts.RemoveLike(ctx, "missing-post", "u3"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("RemoveLike(missing) err = %v, want ErrNotFound", err)
		}
	})

	// 異なるユーザーの並行トグルで、いいねが失われないこと
	t.Run("Posts_ConcurrentToggleFromDistinctUsers", func(t *testing.T) {
		post := newTestPost("u1", base)
		if err := store.Posts.Create(ctx, post); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		const n = 10
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := store.Posts.ToggleLike(ctx, post.ID, uuid.NewString()); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("ToggleLike failed: %v", err)
		}

		reloaded, _ := store.Posts.FindByID(ctx, post.ID)
		if reloaded.LikeCount() != n {
			t.Errorf("like count = %d, want %d", reloaded.LikeCount(), n)
		}
	})

	t.Run("Comments_Lifecycle", func(t *testing.T) {
		post := newTestPost("u1", base)
		if err := store.Posts.Create(ctx, post); err != nil {
			t.Fatalf("Create post failed: %v", err)
		}

		second := newTestComment(post.ID, "u2", base.Add(time.Minute))
		first := newTestComment(post.ID, "u3", base)
		for _, c := range []*model.Comment{second, first} {
			if err := store.Comments.Create(ctx, c); err != nil {
				t.Fatalf("Create comment failed: %v", err)
			}
		}

		comments, err := store.Comments.ListByPostID(ctx, post.ID)
		if err != nil {
			t.Fatalf("ListByPostID failed: %v", err)
		}
		if len(comments) != 2 || comments[0].ID != first.ID || comments[1].ID != second.ID {
			t.Fatalf("comments not in creation order: %+v", comments)
		}

		got, err := store.Comments.FindByID(ctx, first.ID)
		if err != nil || got == nil || got.AuthorID != "u3" {
			t.Fatalf("FindByID = %+v, %v", got, err)
		}

		if err := store.Comments.Delete(ctx, first.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.Comments.Delete(ctx, first.ID); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("second Delete err = %v, want ErrNotFound", err)
		}

		n, err := store.Comments.DeleteByPostID(ctx, post.ID)
		if err != nil {
			t.Fatalf("DeleteByPostID failed: %v", err)
		}
		if n != 1 {
			t.Errorf("DeleteByPostID deleted %d, want 1", n)
		}

		empty, err := store.Comments.ListByPostID(ctx, post.ID)
		if err != nil || len(empty) != 0 {
			t.Errorf("ListByPostID after delete = %v, %v; want empty", empty, err)
		}
	})

	t.Run("Comments_DeleteOrphaned", func(t *testing.T) {
		alive := newTestPost("u1", base)
		gone := newTestPost("u1", base)
		for _, p := range []*model.Post{alive, gone} {
			if err := store.Posts.Create(ctx, p); err != nil {
				t.Fatalf("Create post failed: %v", err)
			}
		}
		kept := newTestComment(alive.ID, "u2", base)
		orphanA := newTestComment(gone.ID, "u2", base)
		orphanB := newTestComment("never-existed", "u2", base)
		for _, c := range []*model.Comment{kept, orphanA, orphanB} {
			if err := store.Comments.Create(ctx, c); err != nil {
				t.Fatalf("Create comment failed: %v", err)
			}
		}
		if err := store.Posts.Delete(ctx, gone.ID); err != nil {
			t.Fatalf("Delete post failed: %v", err)
		}

		n, err := store.Comments.DeleteOrphaned(ctx)
		if err != nil {
			t.Fatalf("DeleteOrphaned failed: %v", err)
		}
		if n < 2 {
			t.Errorf("DeleteOrphaned deleted %d, want at least 2", n)
		}

		if c, _ := store.Comments.FindByID(ctx, kept.ID); c == nil {
			t.Error("comment on existing post should be kept")
		}
		for _, id := range []string{orphanA.ID, orphanB.ID} {
			if c, _ := store.Comments.FindByID(ctx, id); c != nil {
				t.Errorf("orphaned comment %s should be deleted", id)
			}
		}
	})

	t.Run("Pinger", func(t *testing.T) {
		if err := store.Pinger.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	mem := repository.NewMemoryStore()
	runStoreContract(t, mem.Store(), func(t *testing.T, user *model.User) {
		mem.PutUser(user)
	})
}
