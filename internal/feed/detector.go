// Package feed はRSS/Atomフィードの記事を投稿として取り込む。
package feed

import (
	"bytes"
	"mime"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// FeedType はフィードの種類（RSS/Atom）を表す。
type FeedType string

const (
	FeedTypeRSS  FeedType = "rss"
	FeedTypeAtom FeedType = "atom"
)

// Candidate はHTMLのlink要素から検出されたフィード候補。
type Candidate struct {
	URL      string
	FeedType FeedType
	Title    string
}

// feedMediaTypes はそれだけでフィードと判定できるメディアタイプ。
var feedMediaTypes = []string{"application/rss+xml", "application/atom+xml"}

// xmlMediaTypes はボディを見てフィードか判定するメディアタイプ。
var xmlMediaTypes = []string{"text/xml", "application/xml"}

// mediaTypeOf はContent-Typeからパラメータを除いた小文字のメディアタイプを返す。
func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// IsFeedResponse はContent-Typeとボディからレスポンスがフィードかを判定する。
func IsFeedResponse(contentType string, body []byte) bool {
	mediaType := mediaTypeOf(contentType)
	if slices.Contains(feedMediaTypes, mediaType) {
		return true
	}
	if !slices.Contains(xmlMediaTypes, mediaType) {
		return false
	}
	return looksLikeFeedXML(body)
}

// looksLikeFeedXML は先頭4KBにRSS・RDF・Atomのルート要素があるかを判定する。
func looksLikeFeedXML(body []byte) bool {
	head := body[:min(len(body), 4096)]
	prefix := strings.ToLower(string(head))
	switch {
	case strings.Contains(prefix, "<rss"), strings.Contains(prefix, "<rdf:rdf"):
		return true
	case strings.Contains(prefix, "<feed"):
		return strings.Contains(prefix, "http://www.w3.org/2005/atom")
	default:
		return false
	}
}

// isHTML はメディアタイプがHTMLかを判定する。
func isHTML(contentType string) bool {
	return strings.Contains(mediaTypeOf(contentType), "html")
}

// FindFeedLinks はHTMLのhead内にある rel="alternate" のRSS/Atomリンクを返す。
// 相対URLはbaseURLで解決する。
func FindFeedLinks(body []byte, baseURL string) []Candidate {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var candidates []Candidate
	z := html.NewTokenizer(bytes.NewReader(body))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return candidates
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return candidates
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "head":
				inHead = true
				continue
			case "body":
				return candidates
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			attrs := readAttrs(z)
			if attrs["rel"] != "alternate" || attrs["href"] == "" {
				continue
			}
			var feedType FeedType
			switch strings.ToLower(attrs["type"]) {
			case "application/rss+xml":
				feedType = FeedTypeRSS
			case "application/atom+xml":
				feedType = FeedTypeAtom
			default:
				continue
			}
			ref, err := url.Parse(attrs["href"])
			if err != nil {
				continue
			}
			candidates = append(candidates, Candidate{
				URL:      base.ResolveReference(ref).String(),
				FeedType: feedType,
				Title:    attrs["title"],
			})
		}
	}
}

// readAttrs は現在のタグの属性を小文字キーのマップで返す。relは小文字化する。
func readAttrs(z *html.Tokenizer) map[string]string {
	attrs := make(map[string]string)
	for {
		key, val, more := z.TagAttr()
		k := strings.ToLower(string(key))
		v := string(val)
		if k == "rel" {
			v = strings.ToLower(v)
		}
		attrs[k] = v
		if !more {
			return attrs
		}
	}
}

// SelectBest は候補から1件を選ぶ。
// 優先順位: 入力URLと同一ホスト > Atom > RSS > 出現順
func SelectBest(candidates []Candidate, inputURL string) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	inputHost := hostOf(inputURL)
	best, bestScore := 0, -1
	for i, c := range candidates {
		score := 0
		if hostOf(c.URL) == inputHost {
			score += 100
		}
		if c.FeedType == FeedTypeAtom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return candidates[best], true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// LeadImage はHTML断片の最初のimg要素のうち、http(s)の絶対URLを持つものを返す。
func LeadImage(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "img" || !hasAttr {
				continue
			}
			src := strings.TrimSpace(readAttrs(z)["src"])
			if u, err := url.Parse(src); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
				return src
			}
		}
	}
}
