// Package security はアプリケーションのセキュリティ機能を提供する。
//
// Sanitizer は投稿本文・タイトル・コメントに含まれるHTMLを無害化する。
// bluemondayの許可リストベースのポリシーで、安全なタグと属性のみを通過させる。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はユーザー入力のサニタイズ機能のインターフェース。
// 投稿とコメントの保存前に使用される。
type Sanitizer interface {
	// SanitizeHTML は投稿本文向けに許可タグのみを残したHTMLを返す。
	SanitizeHTML(raw string) string
	// SanitizeText はタグをすべて除去したプレーンテキストを返す。前後の空白も除去する。
	SanitizeText(raw string) string
}

// contentSanitizer はSanitizerの実装。
// bluemondayのポリシーはゴルーチンセーフなため共有して使う。
type contentSanitizer struct {
	rich   *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewSanitizer はSanitizerを生成する。
// 本文ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, h2, h3, img
//   - script, iframe, style および全てのon*イベント属性は除去される
//   - imgのsrc属性: httpsスキームのみ許可
//   - aタグ: target="_blank" と rel="noopener noreferrer" を自動付与
func NewSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "h2", "h3",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})

	return &contentSanitizer{
		rich:   p,
		strict: bluemonday.StrictPolicy(),
	}
}

// SanitizeHTML は本文ポリシーでサニタイズしたHTMLを返す。
func (s *contentSanitizer) SanitizeHTML(raw string) string {
	return strings.TrimSpace(s.rich.Sanitize(raw))
}

// SanitizeText はタグを除去し、エンティティを元の文字に戻したテキストを返す。
// 出力は常にJSONとして返却され、HTMLとして解釈されない。
func (s *contentSanitizer) SanitizeText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}
