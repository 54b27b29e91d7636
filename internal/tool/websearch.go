package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
)

const (
	defaultSearchEndpoint = "https://html.duckduckgo.com/html/"
	searchUserAgent       = "Mozilla/5.0 (compatible; apex-agent/1.0)"
	// searchMinInterval throttles scraping to at most one query per second.
	searchMinInterval = time.Second
	maxSearchResults  = 5
)

// SearchResult is one parsed search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearch scrapes an HTML search endpoint. Calls are rate limited
// process-wide through the tool instance.
type WebSearch struct {
	hc       *http.Client
	endpoint string

	mu       sync.Mutex
	lastCall time.Time
}

// NewWebSearch constructs the web_search tool backend.
func NewWebSearch() *WebSearch {
	return &WebSearch{
		hc:       &http.Client{Timeout: 10 * time.Second},
		endpoint: defaultSearchEndpoint,
	}
}

// Tool returns the registrable web_search tool.
func (w *WebSearch) Tool() *Tool {
	return &Tool{
		Name:        "web_search",
		Description: "Search the web and return a JSON list of results with title, url, and snippet.",
		Params: []Param{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return "", err
			}
			return w.search(ctx, query)
		},
	}
}

func (w *WebSearch) throttle(ctx context.Context) error {
	w.mu.Lock()
	wait := searchMinInterval - time.Since(w.lastCall)
	w.lastCall = time.Now().Add(wait)
	w.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSearch) search(ctx context.Context, query string) (string, error) {
	if err := w.throttle(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := w.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	results, err := parseSearchResults(resp.Body)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseSearchResults walks the result page and extracts title/url/snippet
// triples from anchor classes used by the DuckDuckGo HTML endpoint.
func parseSearchResults(r io.Reader) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, maxSearchResults)
	var current *SearchResult

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxSearchResults && current == nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a"):
				if current != nil && current.Title != "" && len(results) < maxSearchResults {
					results = append(results, *current)
				}
				current = &SearchResult{
					Title: strings.TrimSpace(textContent(n)),
					URL:   attrValue(n, "href"),
				}
			case hasClass(n, "result__snippet"):
				if current != nil {
					current.Snippet = strings.TrimSpace(textContent(n))
				}
			}
		}
		if n.Type == html.ElementNode && hasClass(n, "result__snippet") && n.Data != "a" {
			if current != nil && current.Snippet == "" {
				current.Snippet = strings.TrimSpace(textContent(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if current != nil && current.Title != "" && len(results) < maxSearchResults {
		results = append(results, *current)
	}
	return results, nil
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}
