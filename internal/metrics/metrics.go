// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute はルーターに一致しなかったリクエストのrouteラベル。
// パスをそのままラベルにするとカーディナリティが爆発するためまとめる。
const unmatchedRoute = "unmatched"

// Collector はPrometheusメトリクスを収集する実装。
// post.Observer、comment.Observer、middleware.AuthFailureObserverを満たす。
type Collector struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	authFailures    *prometheus.CounterVec
	postsCreated    prometheus.Counter
	likesToggled    *prometheus.CounterVec
	commentsCreated prometheus.Counter
	orphansDeleted  prometheus.Counter
	feedItems       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_http_requests_total",
			Help: "HTTPリクエストの合計数",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postboard_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_auth_failures_total",
			Help: "認証失敗の合計数",
		}, []string{"reason"}),
		postsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postboard_posts_created_total",
			Help: "作成された投稿の合計数",
		}),
		likesToggled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_likes_toggled_total",
			Help: "いいね操作の合計数",
		}, []string{"action"}),
		commentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postboard_comments_created_total",
			Help: "作成されたコメントの合計数",
		}),
		orphansDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postboard_orphaned_comments_deleted_total",
			Help: "削除された孤立コメントの合計数",
		}),
		feedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postboard_feed_items_total",
			Help: "フィード取り込みで処理した記事数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.authFailures,
		c.postsCreated,
		c.likesToggled,
		c.commentsCreated,
		c.orphansDeleted,
		c.feedItems,
	)

	return c
}

// ObserveAuthFailure は認証失敗を理由別に記録する。
func (c *Collector) ObserveAuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// PostCreated は投稿作成を記録する。
func (c *Collector) PostCreated() {
	c.postsCreated.Inc()
}

// LikeChanged はいいね操作を記録する。
func (c *Collector) LikeChanged(action string) {
	c.likesToggled.WithLabelValues(action).Inc()
}

// CommentCreated はコメント作成を記録する。
func (c *Collector) CommentCreated() {
	c.commentsCreated.Inc()
}

// OrphanedCommentsDeleted は孤立コメントの削除件数を記録する。
func (c *Collector) OrphanedCommentsDeleted(count int64) {
	c.orphansDeleted.Add(float64(count))
}

// FeedItemsProcessed はフィード取り込みの結果を記録する。
func (c *Collector) FeedItemsProcessed(imported, skipped int) {
	c.feedItems.WithLabelValues("imported").Add(float64(imported))
	c.feedItems.WithLabelValues("skipped").Add(float64(skipped))
}

// Middleware はリクエスト数と処理時間を記録するミドルウェアを返す。
// routeラベルにはchiのルートパターンを使う。
func (c *Collector) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			route := unmatchedRoute
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// statusRecorder はレスポンスのステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap はhttp.ResponseControllerから元のResponseWriterを参照できるようにする。
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
