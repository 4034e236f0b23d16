// Package auth はBearerトークンの検証と発行を提供する。
// トークンは外部IdPが共有シークレットでHS256署名したJWTを想定する。
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential は認証情報が提示されていないことを示す。
	ErrNoCredential = errors.New("no bearer credential presented")
	// ErrInvalidToken は署名不正・形式不正・期限切れなどでトークンを受け付けられないことを示す。
	ErrInvalidToken = errors.New("invalid bearer token")
)

// bearerScheme はAuthorizationヘッダーで受け付けるスキーム。
const bearerScheme = "Bearer"

// Claims はトークンに埋め込まれるクレーム。
// IdPは歴史的にidクレームにユーザーIDを格納するため、subより優先する。
type Claims struct {
	UserID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// SubjectID はクレームからサブジェクト識別子を取り出す。
func (c *Claims) SubjectID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// ExtractBearerToken はAuthorizationヘッダー値からトークン部分を取り出す。
// "Bearer <token>" 形式（スキームは大文字小文字を区別しない、区切りは半角スペース1つ）以外はErrNoCredentialを返す。
func ExtractBearerToken(header string) (string, error) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", ErrNoCredential
	}
	if token == "" || strings.Contains(token, " ") {
		return "", ErrNoCredential
	}
	return token, nil
}

// TokenValidator はプロセス共通のシークレットでトークンを検証する。
type TokenValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenValidator はTokenValidatorを生成する。
// leewayはexp/nbf/iat検証時に許容する時計のずれ。
func NewTokenValidator(secret string, leeway time.Duration) *TokenValidator {
	return &TokenValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(leeway),
		),
	}
}

// Validate はトークンの署名と有効期限を検証し、サブジェクト識別子を返す。
// 検証に失敗した場合はErrInvalidTokenをラップしたエラーを返す。
func (v *TokenValidator) Validate(token string) (string, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject := claims.SubjectID()
	if subject == "" {
		return "", fmt.Errorf("%w: subject claim is empty", ErrInvalidToken)
	}
	return subject, nil
}

// Authenticate はAuthorizationヘッダー値を検証し、サブジェクト識別子を返す。
// ヘッダーが無い場合はErrNoCredential、検証失敗時はErrInvalidTokenを返す。
func (v *TokenValidator) Authenticate(header string) (string, error) {
	token, err := ExtractBearerToken(header)
	if err != nil {
		return "", err
	}
	return v.Validate(token)
}

// TokenIssuer はTokenValidatorと同じシークレットでトークンを発行する。
// 本来の発行元は外部IdPであり、テストと開発用サブコマンドでのみ使用する。
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

// Issue は指定サブジェクトのトークンをttlの有効期間で発行する。
func (i *TokenIssuer) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	now := i.now()
	claims := &Claims{
		UserID: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
