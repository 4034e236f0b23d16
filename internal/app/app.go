// Package app はサブコマンドごとの依存関係のワイヤリングと起動処理を提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/postboard/internal/auth"
	"github.com/hitoshi/postboard/internal/config"
	"github.com/hitoshi/postboard/internal/database"
	"github.com/hitoshi/postboard/internal/feed"
	"github.com/hitoshi/postboard/internal/handler"
	"github.com/hitoshi/postboard/internal/logger"
	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/worker/cleanup"
)

// defaultTokenTTL はtokenサブコマンドで発行するトークンの既定の有効期間。
const defaultTokenTTL = 24 * time.Hour

// shutdownTimeout はグレースフルシャットダウンの待機時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込んでログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。tokenサブコマンドの出力もwに書き込む。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "5000"
		}
		return runHealthcheck(port)
	}

	if w == nil {
		w = os.Stdout
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if cmd == CommandToken {
		return runToken(w, cfg, commandArgs(args))
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("backend", cfg.StorageBackend),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandImport:
		return runImport(cfg, commandArgs(args))
	default:
		return runServe(cfg)
	}
}

// newHTTPServer はルーターを組み立て、タイムアウト設定済みのhttp.Serverを返す。
// 返されるstop関数はレートリミッターのクリーンアップを停止する。
func newHTTPServer(cfg *config.Config, c *components) (*http.Server, func()) {
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitWrite),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     auth.NewTokenValidator(cfg.JWTSecret, cfg.TokenLeeway),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           c.collector,
		Gatherer:          c.registry,
		HealthChecker:     c.store.Pinger,
		PostService:       c.posts,
		PostConfig:        handler.PostHandlerConfig{MaxUploadSize: cfg.UploadMaxSize},
		CommentService:    c.comments,
		Uploads:           c.uploads.FileHandler(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server, rateLimiter.Stop
}

// runServe はAPIサーバーモードで起動する。
// バックエンドに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, err := buildComponents(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer c.close(context.Background())

	server, stopLimiter := newHTTPServer(cfg, c)
	defer stopLimiter()

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// バックエンドに接続し、孤立コメントの削除ジョブをCLEANUP_INTERVAL毎に実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	store, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	cleanupJob := cleanup.NewCleanupJob(store.Comments, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// メインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はバックエンドのスキーマを最新にする。
// PostgreSQLは未適用マイグレーションを順番に適用し、MongoDBはインデックスを作成する。
func runMigrate(cfg *config.Config) error {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

	case config.BackendMongo:
		slog.Info("ensuring mongodb indexes", slog.String("database", cfg.MongoDBName))
		store, err := openStore(context.Background(), cfg)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		store.Close(context.Background())

	default:
		slog.Info("no migrations required", slog.String("backend", cfg.StorageBackend))
		return nil
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runImport はフィードの記事を指定ユーザーの投稿として取り込む。
func runImport(cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: postboard import <feed-url> <author-id>")
	}
	feedURL, authorID := args[0], args[1]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close(context.Background())

	author, err := c.store.Users.FindByID(ctx, authorID)
	if err != nil {
		return fmt.Errorf("failed to look up author: %w", err)
	}
	if author == nil {
		slog.Warn("author is not registered; posts will have no author profile",
			slog.String("author_id", authorID),
		)
	}

	importer := feed.NewImporter(c.guard, c.feedClient(cfg.ImageFetchTimeout), c.posts, c.collector)
	result, err := importer.Import(ctx, feedURL, authorID)
	if result != nil {
		slog.Info("feed import finished",
			slog.String("feed_url", result.FeedURL),
			slog.String("title", result.Title),
			slog.Int("imported", result.Imported),
			slog.Int("skipped", result.Skipped),
		)
	}
	if err != nil {
		return fmt.Errorf("feed import failed: %w", err)
	}
	return nil
}

// runToken は開発用に署名済みトークンを発行してwに出力する。
func runToken(w io.Writer, cfg *config.Config, args []string) error {
	if len(args) < 1 || args[0] == "" {
		return errors.New("usage: postboard token <user-id> [ttl]")
	}

	ttl := defaultTokenTTL
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid ttl %q: must be a positive duration such as 1h", args[1])
		}
		ttl = d
	}

	token, err := auth.NewTokenIssuer(cfg.JWTSecret).Issue(args[0], ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	return u.Scheme + "://***@" + u.Host + u.RequestURI()
}
