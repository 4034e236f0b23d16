package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/postboard/internal/comment"
	"github.com/hitoshi/postboard/internal/config"
	"github.com/hitoshi/postboard/internal/database"
	"github.com/hitoshi/postboard/internal/event"
	"github.com/hitoshi/postboard/internal/metrics"
	"github.com/hitoshi/postboard/internal/post"
	"github.com/hitoshi/postboard/internal/repository"
	"github.com/hitoshi/postboard/internal/security"
	"github.com/hitoshi/postboard/internal/upload"
)

// connectTimeout はバックエンド接続確認のタイムアウト。
const connectTimeout = 10 * time.Second

// feedFetchMaxSize はフィード取り込み時のレスポンス上限。
const feedFetchMaxSize = 5 << 20

// components はサブコマンド間で共有する依存関係一式。
type components struct {
	store     *repository.Store
	guard     security.URLGuard
	uploads   *upload.LocalStore
	events    event.Publisher
	registry  *prometheus.Registry
	collector *metrics.Collector
	posts     *post.Service
	comments  *comment.Service
}

// openStore は設定されたバックエンドに接続してリポジトリ一式を返す。
func openStore(ctx context.Context, cfg *config.Config) (*repository.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.StorageBackend {
	case config.BackendPostgres:
		db, err := database.OpenAndPing(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established", slog.String("backend", cfg.StorageBackend))
		return repository.NewPostgresStore(db), nil

	case config.BackendMongo:
		client, err := database.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		if err := repository.EnsureMongoIndexes(ctx, client.Database(cfg.MongoDBName)); err != nil {
			client.Disconnect(context.Background())
			return nil, err
		}
		slog.Info("database connection established",
			slog.String("backend", cfg.StorageBackend),
			slog.String("database", cfg.MongoDBName),
		)
		return repository.NewMongoStore(client, cfg.MongoDBName), nil

	case config.BackendMemory:
		slog.Warn("using in-memory storage; data is lost on restart")
		return repository.NewMemoryStore().Store(), nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}

// newPublisher はKafkaが設定されていればKafkaPublisherを、なければNopPublisherを返す。
func newPublisher(cfg *config.Config) event.Publisher {
	if !cfg.EventsEnabled() {
		return event.NopPublisher{}
	}
	slog.Info("domain events enabled",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaTopic),
	)
	return event.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
}

// newRegistry はランタイムとプロセスのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// buildComponents はストア接続からサービス生成までのワイヤリングを行う。
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	uploads, err := upload.NewLocalStore(cfg.UploadDir, cfg.BaseURL, cfg.UploadMaxSize)
	if err != nil {
		store.Close(context.Background())
		return nil, err
	}

	guard := security.NewSSRFGuard()
	importer := upload.NewRemoteImporter(guard, guard.NewSafeClient(cfg.ImageFetchTimeout, cfg.UploadMaxSize), uploads)

	registry := newRegistry()
	collector := metrics.NewCollector(registry)
	events := newPublisher(cfg)
	sanitizer := security.NewSanitizer()

	return &components{
		store:     store,
		guard:     guard,
		uploads:   uploads,
		events:    events,
		registry:  registry,
		collector: collector,
		posts: post.NewService(store, sanitizer,
			post.WithImages(uploads, importer),
			post.WithEvents(events),
			post.WithObserver(collector),
		),
		comments: comment.NewService(store, sanitizer, events, collector),
	}, nil
}

// feedClient はフィード取り込み用のSSRF防止クライアントを返す。
func (c *components) feedClient(timeout time.Duration) *http.Client {
	return c.guard.NewSafeClient(timeout, feedFetchMaxSize)
}

// close はイベント送信のフラッシュとバックエンド接続の解放を行う。
func (c *components) close(ctx context.Context) {
	if err := c.events.Close(); err != nil {
		slog.Warn("failed to close event publisher", slog.String("error", err.Error()))
	}
	if err := c.store.Close(ctx); err != nil {
		slog.Warn("failed to close storage", slog.String("error", err.Error()))
	}
}
