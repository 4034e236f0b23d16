package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/security"
)

// ImageSaver は取り込んだ画像の保存先。LocalStoreが実装する。
type ImageSaver interface {
	Save(ctx context.Context, r io.Reader) (string, error)
	Owns(rawURL string) (string, bool)
}

// RemoteImporter は外部URLの画像をSSRF防止付きクライアントで取得し、ストアに保存する。
type RemoteImporter struct {
	guard  security.URLGuard
	client *http.Client
	store  ImageSaver
}

// NewRemoteImporter はRemoteImporterを生成する。
// clientはguard.NewSafeClientで生成したものを渡す。
func NewRemoteImporter(guard security.URLGuard, client *http.Client, store ImageSaver) *RemoteImporter {
	return &RemoteImporter{guard: guard, client: client, store: store}
}

// Import は画像URLを取り込み、保存先の公開URLを返す。
// 既にストアが公開しているURLはそのまま返す。
func (i *RemoteImporter) Import(ctx context.Context, rawURL string) (string, error) {
	if _, ok := i.store.Owns(rawURL); ok {
		return rawURL, nil
	}

	if err := i.guard.ValidateURL(rawURL); err != nil {
		return "", model.NewInvalidImageURLError(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", model.NewInvalidImageURLError(err.Error())
	}
	req.Header.Set("Accept", "image/*")

	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, security.ErrResponseTooLarge) {
			return "", model.NewImageTooLargeError(maxSizeOf(i.store))
		}
		slog.Warn("image fetch failed", slog.String("url", rawURL), slog.String("error", err.Error()))
		return "", model.NewImageFetchFailedError("接続に失敗しました")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", model.NewImageFetchFailedError(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	url, err := i.store.Save(ctx, resp.Body)
	if errors.Is(err, security.ErrResponseTooLarge) {
		return "", model.NewImageTooLargeError(maxSizeOf(i.store))
	}
	return url, err
}

func maxSizeOf(s ImageSaver) int64 {
	if sized, ok := s.(interface{ MaxSize() int64 }); ok {
		return sized.MaxSize()
	}
	return 0
}
