package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/tool/bingsearch"
	duckduckgo "github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/config"
)

const (
	defaultWebTimeout    = 10 * time.Second
	defaultFetchBodyKB   = 512
	defaultSearchResults = 10
)

// ---------------------------------------------------------------------------
// web.search
// ---------------------------------------------------------------------------

// WebSearchTool fronts the configured eino-ext search provider behind one
// manifest. DuckDuckGo needs no key; Google and Bing activate when theirs
// are configured.
type WebSearchTool struct {
	inner tool.InvokableTool
}

// NewWebSearchTool creates a web search tool using the configured provider.
func NewWebSearchTool(ctx context.Context, cfg config.WebSearchConfig) (*WebSearchTool, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = "duckduckgo"
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}
	timeout := defaultWebTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}

	var inner tool.InvokableTool
	var err error

	switch provider {
	case "duckduckgo":
		slog.Info("web.search provider", "provider", "duckduckgo")
		inner, err = duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
			ToolName:   "web.search",
			ToolDesc:   "Search the web using DuckDuckGo. Returns titles, URLs, and summaries.",
			MaxResults: maxResults,
			Timeout:    timeout,
		})
	case "google":
		if cfg.GoogleAPIKey == "" || cfg.GoogleCX == "" {
			return nil, fmt.Errorf("web.search: google provider requires google_api_key and google_cx")
		}
		slog.Info("web.search provider", "provider", "google")
		inner, err = googlesearch.NewTool(ctx, &googlesearch.Config{
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleCX,
			Num:            maxResults,
			ToolName:       "web.search",
			ToolDesc:       "Search the web using Google. Returns titles, URLs, and snippets.",
		})
	case "bing":
		if cfg.BingAPIKey == "" {
			return nil, fmt.Errorf("web.search: bing provider requires bing_api_key")
		}
		slog.Info("web.search provider", "provider", "bing")
		inner, err = bingsearch.NewTool(ctx, &bingsearch.Config{
			APIKey:     cfg.BingAPIKey,
			MaxResults: maxResults,
			Timeout:    timeout,
			ToolName:   "web.search",
			ToolDesc:   "Search the web using Bing. Returns titles, URLs, and descriptions.",
		})
	default:
		return nil, fmt.Errorf("web.search: unknown provider %q", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("web.search: init %s: %w", provider, err)
	}

	return &WebSearchTool{inner: inner}, nil
}

func (t *WebSearchTool) Manifest() *Manifest {
	return &Manifest{
		Name:        "web.search",
		Description: "Search the web for current information. Returns titles, URLs, and snippets.",
		Category:    actions.CategoryNetwork,
		Params: map[string]ParamSpec{
			"query": {
				Type:        "string",
				Description: "The search query",
				Required:    true,
			},
		},
	}
}

func (t *WebSearchTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.Manifest().ToolInfo(), nil
}

// InvokableRun delegates to the provider-specific tool.
func (t *WebSearchTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	return t.inner.InvokableRun(ctx, argumentsInJSON, opts...)
}

// ---------------------------------------------------------------------------
// web.fetch
// ---------------------------------------------------------------------------

// WebFetchTool fetches a URL and returns its text content.
type WebFetchTool struct {
	client    *http.Client
	maxBodyKB int
	userAgent string
}

// NewWebFetchTool creates a web fetch tool with the given config.
func NewWebFetchTool(cfg config.WebFetchConfig) *WebFetchTool {
	timeout := defaultWebTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}

	maxBody := cfg.MaxBodyKB
	if maxBody <= 0 {
		maxBody = defaultFetchBodyKB
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = "Undoable/1.0 (web.fetch)"
	}

	return &WebFetchTool{
		client:    &http.Client{Timeout: timeout},
		maxBodyKB: maxBody,
		userAgent: ua,
	}
}

func (t *WebFetchTool) Manifest() *Manifest {
	return &Manifest{
		Name:        "web.fetch",
		Description: "Fetch a URL and return its text content. HTTP URLs are auto-upgraded to HTTPS; content is truncated to the configured max size.",
		Category:    actions.CategoryNetwork,
		Params: map[string]ParamSpec{
			"url": {
				Type:        "string",
				Description: "The URL to fetch",
				Required:    true,
			},
			"prompt": {
				Type:        "string",
				Description: "Optional note on what to look for on the page",
			},
		},
	}
}

func (t *WebFetchTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.Manifest().ToolInfo(), nil
}

type webFetchInput struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt,omitempty"`
}

type webFetchOutput struct {
	URL     string `json:"url"`
	Status  int    `json:"status"`
	Content string `json:"content"`
}

func (t *WebFetchTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var input webFetchInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("web.fetch: parse input: %w", err)
	}
	if input.URL == "" {
		return "", fmt.Errorf("web.fetch: url is required")
	}

	url := input.URL
	if strings.HasPrefix(url, "http://") {
		url = "https://" + strings.TrimPrefix(url, "http://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("web.fetch: create request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,*/*")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web.fetch: %w", err)
	}
	defer resp.Body.Close()

	maxBytes := int64(t.maxBodyKB) * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return "", fmt.Errorf("web.fetch: read body: %w", err)
	}

	content := extractText(string(body))
	if int64(len(content)) > maxBytes {
		content = content[:maxBytes]
	}

	out, err := json.Marshal(webFetchOutput{
		URL:     url,
		Status:  resp.StatusCode,
		Content: content,
	})
	if err != nil {
		return "", fmt.Errorf("web.fetch: marshal result: %w", err)
	}
	return string(out), nil
}

// ---------------------------------------------------------------------------
// HTML → text
// ---------------------------------------------------------------------------

// blockTags get a newline so paragraphs and list items stay readable after
// tag stripping.
var blockTags = []string{"p", "div", "br", "h1", "h2", "h3", "h4", "li", "tr", "td"}

func isBlockTag(lowerRest string) bool {
	for _, tag := range blockTags {
		body := lowerRest
		if strings.HasPrefix(body, "/") {
			body = body[1:]
		}
		if strings.HasPrefix(body, tag) {
			next := body[len(tag):]
			if next == "" || next[0] == '>' || next[0] == ' ' || next[0] == '/' {
				return true
			}
		}
	}
	return false
}

// dropSections removes everything between <open ...> and </close> markers,
// case-insensitively.
func dropSections(html, open, close string) string {
	lower := strings.ToLower(html)
	var sb strings.Builder
	for {
		start := strings.Index(lower, open)
		if start < 0 {
			sb.WriteString(html)
			return sb.String()
		}
		end := strings.Index(lower[start:], close)
		if end < 0 {
			sb.WriteString(html[:start])
			return sb.String()
		}
		sb.WriteString(html[:start])
		cut := start + end + len(close)
		html = html[cut:]
		lower = lower[cut:]
	}
}

var htmlEntities = map[string]string{
	"&nbsp;": " ", "&#160;": " ",
	"&amp;": "&", "&lt;": "<", "&gt;": ">",
	"&quot;": "\"", "&#39;": "'",
}

// extractText strips HTML down to readable plain text: scripts and styles
// dropped, tags removed, block boundaries kept as newlines, whitespace
// collapsed.
func extractText(html string) string {
	html = dropSections(html, "<script", "</script>")
	html = dropSections(html, "<style", "</style>")

	var sb strings.Builder
	sb.Grow(len(html) / 2)

	inTag := false
	lastSpace := true
	lower := strings.ToLower(html)

	for i := 0; i < len(html); {
		r, size := utf8.DecodeRuneInString(html[i:])

		switch {
		case r == '<':
			inTag = true
			if isBlockTag(lower[i+1:]) && !lastSpace {
				sb.WriteByte('\n')
				lastSpace = true
			}
		case r == '>':
			inTag = false
		case inTag:
			// skip tag internals
		case r == '&':
			if end := strings.IndexByte(html[i:], ';'); end > 0 && end < 10 {
				entity := html[i : i+end+1]
				if repl, ok := htmlEntities[entity]; ok {
					sb.WriteString(repl)
				} else {
					sb.WriteString(entity)
				}
				lastSpace = false
				i += end + 1
				continue
			}
			sb.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		default:
			sb.WriteRune(r)
			lastSpace = false
		}

		i += size
	}

	return strings.TrimSpace(sb.String())
}

var (
	_ Tool = (*WebSearchTool)(nil)
	_ Tool = (*WebFetchTool)(nil)
)
