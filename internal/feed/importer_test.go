package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/h2non/gock"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/post"
	"github.com/hitoshi/postboard/internal/security"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Blog</title>
  <link>https://blog.example.com/</link>
  <item>
    <title>First</title>
    <description>&lt;p&gt;Hello&lt;/p&gt;&lt;img src="https://cdn.example.com/first.png"&gt;</description>
  </item>
  <item>
    <title>Second</title>
    <description>Plain text body</description>
    <enclosure url="https://cdn.example.com/second.jpg" type="image/jpeg" length="100"/>
  </item>
  <item>
    <title></title>
    <description>No title</description>
  </item>
  <item>
    <title>No body</title>
  </item>
</channel>
</rss>`

// mockPostCreator はPostCreatorのテスト用実装。
type mockPostCreator struct {
	inputs   []post.CreateInput
	createFn func(in post.CreateInput) error
}

func (m *mockPostCreator) Create(_ context.Context, authorID string, in post.CreateInput) (*model.PostView, error) {
	if m.createFn != nil {
		if err := m.createFn(in); err != nil {
			return nil, err
		}
	}
	m.inputs = append(m.inputs, in)
	id := fmt.Sprintf("post-%d", len(m.inputs))
	return &model.PostView{Post: &model.Post{ID: id, Title: in.Title, AuthorID: authorID}}, nil
}

type recordingObserver struct {
	imported, skipped int
}

func (o *recordingObserver) FeedItemsProcessed(imported, skipped int) {
	o.imported += imported
	o.skipped += skipped
}

func newTestImporter(t *testing.T, creator PostCreator, observer Observer) *Importer {
	t.Helper()
	client := &http.Client{}
	gock.InterceptClient(client)
	t.Cleanup(gock.Off)
	return NewImporter(security.NewSSRFGuard(), client, creator, observer)
}

func TestImport_DirectFeed(t *testing.T) {
	creator := &mockPostCreator{}
	observer := &recordingObserver{}
	importer := newTestImporter(t, creator, observer)

	gock.New("https://blog.example.com").
		Get("/rss.xml").
		Reply(http.StatusOK).
		SetHeader("Content-Type", "application/rss+xml").
		BodyString(testRSS)

	result, err := importer.Import(context.Background(), "https://blog.example.com/rss.xml", "alice")
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	if result.Title != "Example Blog" || result.FeedURL != "https://blog.example.com/rss.xml" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Imported != 2 || result.Skipped != 2 {
		t.Errorf("expected 2 imported / 2 skipped, got %d / %d", result.Imported, result.Skipped)
	}
	if len(result.PostIDs) != 2 {
		t.Errorf("expected 2 post ids, got %v", result.PostIDs)
	}
	if creator.inputs[0].ImageURL != "https://cdn.example.com/first.png" {
		t.Errorf("expected lead image, got %q", creator.inputs[0].ImageURL)
	}
	if creator.inputs[1].ImageURL != "https://cdn.example.com/second.jpg" {
		t.Errorf("expected enclosure image, got %q", creator.inputs[1].ImageURL)
	}
	if creator.inputs[1].Content != "Plain text body" {
		t.Errorf("expected description fallback, got %q", creator.inputs[1].Content)
	}
	if observer.imported != 2 || observer.skipped != 2 {
		t.Errorf("unexpected observer counts %+v", observer)
	}
}

func TestImport_DiscoversFeedFromHTML(t *testing.T) {
	creator := &mockPostCreator{}
	importer := newTestImporter(t, creator, nil)

	gock.New("https://blog.example.com").
		Get("/").
		Reply(http.StatusOK).
		SetHeader("Content-Type", "text/html; charset=utf-8").
		BodyString(`<html><head><link rel="alternate" type="application/rss+xml" href="/feed"></head><body></body></html>`)
	gock.New("https://blog.example.com").
		Get("/feed").
		Reply(http.StatusOK).
		SetHeader("Content-Type", "text/xml").
		BodyString(testRSS)

	result, err := importer.Import(context.Background(), "https://blog.example.com/", "alice")
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.FeedURL != "https://blog.example.com/feed" {
		t.Errorf("expected discovered feed url, got %s", result.FeedURL)
	}
	if result.Imported != 2 {
		t.Errorf("expected 2 imported, got %d", result.Imported)
	}
	if !gock.IsDone() {
		t.Error("expected both requests to be made")
	}
}

func TestImport_DropsFailingImage(t *testing.T) {
	creator := &mockPostCreator{createFn: func(in post.CreateInput) error {
		if in.ImageURL != "" {
			return model.NewImageFetchFailedError("HTTP 404")
		}
		return nil
	}}
	importer := newTestImporter(t, creator, nil)

	gock.New("https://blog.example.com").
		Get("/rss.xml").
		Reply(http.StatusOK).
		SetHeader("Content-Type", "application/rss+xml").
		BodyString(testRSS)

	result, err := importer.Import(context.Background(), "https://blog.example.com/rss.xml", "alice")
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Imported != 2 {
		t.Errorf("items should be created without image, got %d imported", result.Imported)
	}
	for _, in := range creator.inputs {
		if in.ImageURL != "" {
			t.Errorf("expected image dropped, got %q", in.ImageURL)
		}
	}
}

func TestImport_InfrastructureErrorStops(t *testing.T) {
	creator := &mockPostCreator{createFn: func(post.CreateInput) error {
		return errors.New("database down")
	}}
	importer := newTestImporter(t, creator, nil)

	gock.New("https://blog.example.com").
		Get("/rss.xml").
		Reply(http.StatusOK).
		SetHeader("Content-Type", "application/rss+xml").
		BodyString(testRSS)

	result, err := importer.Import(context.Background(), "https://blog.example.com/rss.xml", "alice")
	if err == nil {
		t.Fatal("expected error")
	}
	if result == nil || result.Imported != 0 {
		t.Errorf("expected partial result with 0 imported, got %+v", result)
	}
}

func TestImport_Errors(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		setup   func()
		wantErr error
	}{
		{
			name:    "blocked url",
			url:     "http://127.0.0.1/rss.xml",
			setup:   func() {},
			wantErr: ErrBlockedURL,
		},
		{
			name: "upstream 500",
			url:  "https://blog.example.com/rss.xml",
			setup: func() {
				gock.New("https://blog.example.com").Get("/rss.xml").Reply(http.StatusInternalServerError)
			},
			wantErr: ErrFetchFailed,
		},
		{
			name: "not a feed",
			url:  "https://blog.example.com/data.json",
			setup: func() {
				gock.New("https://blog.example.com").Get("/data.json").Reply(http.StatusOK).
					SetHeader("Content-Type", "application/json").BodyString(`{}`)
			},
			wantErr: ErrFeedNotDetected,
		},
		{
			name: "html without feed link",
			url:  "https://blog.example.com/",
			setup: func() {
				gock.New("https://blog.example.com").Get("/").Reply(http.StatusOK).
					SetHeader("Content-Type", "text/html").BodyString(`<html><head></head><body>hi</body></html>`)
			},
			wantErr: ErrFeedNotDetected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			importer := newTestImporter(t, &mockPostCreator{}, nil)
			tt.setup()

			_, err := importer.Import(context.Background(), tt.url, "alice")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
