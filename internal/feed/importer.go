package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/post"
	"github.com/hitoshi/postboard/internal/security"
)

// maxBodySize はフィード・HTMLの最大読み込みサイズ。
const maxBodySize = 5 * 1024 * 1024

var (
	// ErrBlockedURL はSSRF検証で拒否されたURL。
	ErrBlockedURL = errors.New("feed url is not allowed")
	// ErrFetchFailed は取得に失敗した、または200以外が返された。
	ErrFetchFailed = errors.New("failed to fetch feed")
	// ErrFeedNotDetected はURLからフィードが見つからない。
	ErrFeedNotDetected = errors.New("feed not detected")
)

// PostCreator は取り込んだ記事の作成先。post.Serviceが実装する。
type PostCreator interface {
	Create(ctx context.Context, authorID string, in post.CreateInput) (*model.PostView, error)
}

// Observer は取り込み結果の計測フック。
type Observer interface {
	FeedItemsProcessed(imported, skipped int)
}

// Result は取り込み結果。
type Result struct {
	FeedURL  string
	Title    string
	Imported int
	Skipped  int
	PostIDs  []string
}

// Importer はフィードURL（またはフィードを参照するHTMLページ）から記事を取り込む。
type Importer struct {
	guard    security.URLGuard
	client   *http.Client
	posts    PostCreator
	observer Observer
}

// NewImporter はImporterを生成する。
// clientはguard.NewSafeClientで生成したものを渡す。observerはnilでもよい。
func NewImporter(guard security.URLGuard, client *http.Client, posts PostCreator, observer Observer) *Importer {
	return &Importer{guard: guard, client: client, posts: posts, observer: observer}
}

// Import はフィードの各記事を authorID の投稿として作成する。
// タイトルまたは本文のない記事はスキップして件数に数える。
func (i *Importer) Import(ctx context.Context, inputURL, authorID string) (*Result, error) {
	feedURL, body, err := i.resolveFeed(ctx, inputURL)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %w", feedURL, err)
	}

	result := &Result{FeedURL: feedURL, Title: parsed.Title}
	for _, item := range parsed.Items {
		in, ok := toCreateInput(item)
		if !ok {
			result.Skipped++
			continue
		}

		view, err := i.createPost(ctx, authorID, in)
		if err != nil {
			var apiErr *model.APIError
			if errors.As(err, &apiErr) {
				slog.Warn("feed item skipped",
					slog.String("feed_url", feedURL),
					slog.String("title", in.Title),
					slog.String("code", apiErr.Code),
				)
				result.Skipped++
				continue
			}
			return result, err
		}
		result.Imported++
		result.PostIDs = append(result.PostIDs, view.Post.ID)
	}

	if i.observer != nil {
		i.observer.FeedItemsProcessed(result.Imported, result.Skipped)
	}
	slog.Info("feed imported",
		slog.String("feed_url", feedURL),
		slog.String("user_id", authorID),
		slog.Int("imported", result.Imported),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// createPost は投稿を作成する。画像の取り込みに失敗した場合は画像なしで作り直す。
func (i *Importer) createPost(ctx context.Context, authorID string, in post.CreateInput) (*model.PostView, error) {
	view, err := i.posts.Create(ctx, authorID, in)
	if err == nil || in.ImageURL == "" || !isImageError(err) {
		return view, err
	}
	slog.Warn("feed item image dropped",
		slog.String("image_url", in.ImageURL),
		slog.String("error", err.Error()),
	)
	in.ImageURL = ""
	return i.posts.Create(ctx, authorID, in)
}

// isImageError は画像の取得・保存に起因するAPIErrorかを判定する。
func isImageError(err error) bool {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Category == "upload" || apiErr.Code == model.ErrCodeInvalidImageURL
}

// toCreateInput は記事を投稿の入力に変換する。本文がなければ説明文を使う。
func toCreateInput(item *gofeed.Item) (post.CreateInput, bool) {
	if item == nil {
		return post.CreateInput{}, false
	}
	title := strings.TrimSpace(item.Title)
	content := item.Content
	if strings.TrimSpace(content) == "" {
		content = item.Description
	}
	if title == "" || strings.TrimSpace(content) == "" {
		return post.CreateInput{}, false
	}
	return post.CreateInput{
		Title:    title,
		Content:  content,
		ImageURL: itemImage(item, content),
	}, true
}

// itemImage は記事の画像URLを返す。
// 優先順位: item.Image > 画像のenclosure > 本文の最初のimg
func itemImage(item *gofeed.Item, content string) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return LeadImage(content)
}

// resolveFeed は入力URLを取得し、フィードならそのまま、HTMLならlink要素のフィードを取得する。
func (i *Importer) resolveFeed(ctx context.Context, inputURL string) (string, []byte, error) {
	body, contentType, err := i.fetch(ctx, inputURL)
	if err != nil {
		return "", nil, err
	}
	if IsFeedResponse(contentType, body) {
		return inputURL, body, nil
	}
	if !isHTML(contentType) {
		return "", nil, fmt.Errorf("%w: %s (content type %q)", ErrFeedNotDetected, inputURL, contentType)
	}

	best, ok := SelectBest(FindFeedLinks(body, inputURL), inputURL)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrFeedNotDetected, inputURL)
	}

	body, contentType, err = i.fetch(ctx, best.URL)
	if err != nil {
		return "", nil, err
	}
	if !IsFeedResponse(contentType, body) {
		return "", nil, fmt.Errorf("%w: %s (content type %q)", ErrFeedNotDetected, best.URL, contentType)
	}
	return best.URL, body, nil
}

func (i *Importer) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := i.guard.ValidateURL(rawURL); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	req.Header.Set("User-Agent", "postboard/1.0 feed importer")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.9")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: %s returned HTTP %d", ErrFetchFailed, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
