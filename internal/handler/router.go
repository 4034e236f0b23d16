package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/postboard/internal/metrics"
	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.TokenAuthenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 計測。nilの場合は/metricsを公開しない
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer

	HealthChecker repository.Pinger

	// 投稿
	PostService PostServiceInterface
	PostConfig  PostHandlerConfig

	// コメント
	CommentService CommentServiceInterface

	// Uploads はアップロード画像の配信ハンドラー。nilの場合は/uploadsを公開しない
	Uploads http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Metrics → RateLimit(General)
//
// 認証が必要なルートはさらに Auth → RateLimit(Write, 作成系のみ) を通る。
// API全般の制限は送信元IP単位、書き込みの制限はユーザー単位で数える。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}
	r.Use(deps.RateLimiter.GeneralMiddleware())

	var authObserver middleware.AuthFailureObserver
	if deps.Metrics != nil {
		authObserver = deps.Metrics
	}
	requireAuth := middleware.NewAuthMiddleware(deps.Authenticator, authObserver)
	writeLimit := deps.RateLimiter.WriteMiddleware()

	postHandler := NewPostHandler(deps.PostService, deps.PostConfig)
	commentHandler := NewCommentHandler(deps.CommentService)

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Metrics != nil && deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	if deps.Uploads != nil {
		r.Mount("/uploads", http.StripPrefix("/uploads", deps.Uploads))
	}

	r.Route("/api/posts", func(r chi.Router) {
		// --- 認証不要のルート ---
		r.Get("/", postHandler.List)
		r.Get("/getAll", postHandler.List)
		r.Get("/{id}", postHandler.Get)
		r.Get("/{id}/comments", commentHandler.ListByPost)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)

			r.With(writeLimit).Post("/create", postHandler.Create)
			r.Put("/{id}", postHandler.Edit)
			r.Delete("/{id}", postHandler.Delete)

			r.Put("/{id}/like", postHandler.ToggleLike)
			r.Post("/{id}/likes", postHandler.Like)
			r.Delete("/{id}/likes", postHandler.Unlike)

			r.With(writeLimit).Post("/{id}/comment", commentHandler.AddToPost)
		})
	})

	r.Route("/api/comments", func(r chi.Router) {
		r.Use(requireAuth)

		r.With(writeLimit).Post("/add", commentHandler.AddStandalone)
		r.Delete("/{id}", commentHandler.Delete)
	})

	return r
}
