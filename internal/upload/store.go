// Package upload は投稿画像の保存と外部URLからの取り込みを提供する。
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/postboard/internal/model"
)

// PublicPrefix はアップロード画像を配信するURLパス。
const PublicPrefix = "/uploads/"

// sniffLen はContent-Type判定に使うバイト数。
const sniffLen = 512

// allowedTypes は受け付ける画像形式と保存時の拡張子。
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// LocalStore はローカルディレクトリに画像を保存するオブジェクトストア。
// 保存したファイルは baseURL + PublicPrefix + ファイル名 で公開される。
type LocalStore struct {
	dir     string
	baseURL string
	maxSize int64
}

// NewLocalStore はLocalStoreを生成する。保存先ディレクトリがなければ作成する。
func NewLocalStore(dir, baseURL string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		maxSize: maxSize,
	}, nil
}

// MaxSize は受け付ける最大バイト数を返す。
func (s *LocalStore) MaxSize() int64 {
	return s.maxSize
}

// Save は画像を保存して公開URLを返す。
// 上限を超える場合はIMAGE_TOO_LARGE、画像でない場合はUNSUPPORTED_IMAGEのAPIErrorを返す。
func (s *LocalStore) Save(ctx context.Context, r io.Reader) (string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return "", model.NewUnsupportedImageError("empty")
	}

	contentType := http.DetectContentType(head)
	ext, ok := allowedTypes[contentType]
	if !ok {
		return "", model.NewUnsupportedImageError(contentType)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	// 上限を判定するため1バイト余分に読む
	body := io.MultiReader(bytes.NewReader(head), r)
	written, err := io.Copy(tmp, io.LimitReader(body, s.maxSize+1))
	closeErr := tmp.Close()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to close image file: %w", closeErr)
	}
	if written > s.maxSize {
		return "", model.NewImageTooLargeError(s.maxSize)
	}

	name := uuid.NewString() + ext
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("failed to store image: %w", err)
	}

	slog.Info("image stored",
		slog.String("name", name),
		slog.String("content_type", contentType),
		slog.Int64("size", written),
	)
	return s.baseURL + PublicPrefix + name, nil
}

// Owns はURLがこのストアで公開しているファイルを指す場合にファイル名を返す。
func (s *LocalStore) Owns(rawURL string) (string, bool) {
	name, ok := strings.CutPrefix(rawURL, s.baseURL+PublicPrefix)
	if !ok || name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

// Remove はこのストアで公開しているURLのファイルを削除する。
// 他所のURLや既に存在しないファイルは無視する。
func (s *LocalStore) Remove(rawURL string) error {
	name, ok := s.Owns(rawURL)
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}

// FileHandler は保存済み画像を配信するハンドラーを返す。
// PublicPrefixを取り除いたパスを受け取る前提で、ディレクトリ一覧と隠しファイルは404にする。
func (s *LocalStore) FileHandler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" || strings.HasSuffix(name, "/") || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		fs.ServeHTTP(w, r)
	})
}
