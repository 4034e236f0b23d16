package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/postboard/internal/auth"
	"github.com/hitoshi/postboard/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// serveAs は指定ユーザーとしてリクエストを送りステータスを返す。
// userIDが空の場合は未認証リクエストとなる。
func serveAs(handler http.Handler, method, userID, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/posts/getAll", nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_AllowsBurstThenReturns429(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    3,
		WriteRate:       1,
		WriteBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		if w := serveAs(handler, http.MethodGet, "user-1", ""); w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := serveAs(handler, http.MethodGet, "user-1", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	retrySeconds, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retrySeconds < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimitExceeded)
	}
	if body.Message == "" {
		t.Error("expected non-empty message")
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		WriteRate:       1,
		WriteBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	if w := serveAs(handler, http.MethodGet, "user-A", ""); w.Code != http.StatusOK {
		t.Errorf("user-A first: status = %d, want 200", w.Code)
	}
	if w := serveAs(handler, http.MethodGet, "user-A", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("user-A second: status = %d, want 429", w.Code)
	}
	if w := serveAs(handler, http.MethodGet, "user-B", ""); w.Code != http.StatusOK {
		t.Errorf("user-B first: status = %d, want 200", w.Code)
	}

	// 未認証リクエストは送信元IPごとに制限される
	if w := serveAs(handler, http.MethodGet, "", "10.0.0.1:1234"); w.Code != http.StatusOK {
		t.Errorf("ip 10.0.0.1 first: status = %d, want 200", w.Code)
	}
	if w := serveAs(handler, http.MethodGet, "", "10.0.0.1:5678"); w.Code != http.StatusTooManyRequests {
		t.Errorf("ip 10.0.0.1 second: status = %d, want 429", w.Code)
	}
	if w := serveAs(handler, http.MethodGet, "", "10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Errorf("ip 10.0.0.2 first: status = %d, want 200", w.Code)
	}
}

func TestWriteRateLimit_OnlyAppliesToWriteMethods(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		WriteRate:       1,
		WriteBurst:      2,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.WriteMiddleware()(okHandler())

	for i := 0; i < 5; i++ {
		if w := serveAs(handler, http.MethodGet, "writer", ""); w.Code != http.StatusOK {
			t.Errorf("GET %d: status = %d, want 200", i, w.Code)
		}
	}

	for i, method := range []string{http.MethodPost, http.MethodDelete} {
		if w := serveAs(handler, method, "writer", ""); w.Code != http.StatusOK {
			t.Errorf("write %d: status = %d, want 200", i, w.Code)
		}
	}
	if w := serveAs(handler, http.MethodPut, "writer", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("third write: status = %d, want 429", w.Code)
	}
	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("general limiter count = %d, want 0", rl.GeneralLimiterCount())
	}
	if rl.WriteLimiterCount() != 1 {
		t.Errorf("write limiter count = %d, want 1", rl.WriteLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		WriteRate:       1,
		WriteBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	rl.general.get("user:stale", time.Now().Add(-time.Hour))
	rl.general.get("user:fresh", time.Now())
	rl.write.get("user:stale", time.Now().Add(-time.Hour))

	rl.cleanup()

	if count := rl.GeneralLimiterCount(); count != 1 {
		t.Errorf("general limiter count = %d, want 1", count)
	}
	if count := rl.WriteLimiterCount(); count != 0 {
		t.Errorf("write limiter count = %d, want 0", count)
	}
}

func TestRateLimitMiddleware_InChainWithAuthAndCORS(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		WriteRate:       1,
		WriteBurst:      1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	token := issueTestToken(t, "user-rate-chain")

	// CORS -> Auth -> RateLimit -> Handler
	handler := NewCORSMiddleware("*")(
		NewAuthMiddleware(auth.NewTokenValidator(testSecret, 0), nil)(
			rl.GeneralMiddleware()(okHandler())))

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/posts/getAll", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := send(); code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, code)
		}
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("request 3: status = %d, want 429", code)
	}
}

func TestNewRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.WriteRate != 0.5 { // 30/60
		t.Errorf("WriteRate = %f, want 0.5", cfg.WriteRate)
	}
	if cfg.WriteBurst != 30 {
		t.Errorf("WriteBurst = %d, want 30", cfg.WriteBurst)
	}
}
