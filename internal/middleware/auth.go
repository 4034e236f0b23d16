// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/postboard/internal/auth"
	"github.com/hitoshi/postboard/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// TokenAuthenticator はAuthorizationヘッダーから主体を特定するインターフェース。
// auth.TokenValidatorが実装する。
type TokenAuthenticator interface {
	Authenticate(header string) (string, error)
}

// AuthFailureObserver は認証失敗を記録するインターフェース。
// nilの場合は記録しない。
type AuthFailureObserver interface {
	ObserveAuthFailure(reason string)
}

// NewAuthMiddleware はBearerトークンを検証し、主体のユーザーIDを
// リクエストコンテキストに注入するミドルウェアを返す。
// 認証情報がない場合は401、トークンが無効な場合は403を返す。
func NewAuthMiddleware(authenticator TokenAuthenticator, observer AuthFailureObserver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := authenticator.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				reason := "invalid_token"
				apiErr := model.NewInvalidTokenError()
				if errors.Is(err, auth.ErrNoCredential) {
					reason = "missing_credential"
					apiErr = model.NewUnauthorizedError()
				}

				if observer != nil {
					observer.ObserveAuthFailure(reason)
				}
				slog.Debug("authentication failed",
					slog.String("reason", reason),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteAPIError(w, apiErr)
				return
			}

			setLoggedUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
