package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

const (
	webFetchTimeout  = 15 * time.Second
	webFetchMaxBytes = 1 << 20
)

var webFetchClient = &http.Client{Timeout: webFetchTimeout}

func webFetchTool() (Definition, Handler) {
	def := Definition{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles and documentation.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "HTTP or HTTPS URL to fetch"}
			},
			"required": ["url"]
		}`),
	}
	return def, runWebFetch
}

func runWebFetch(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("web_fetch: decode args: %w", err)
	}

	parsed, err := url.Parse(params.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("web_fetch: invalid url %q", params.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("web_fetch: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; cmux/1.0)")

	resp, err := webFetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("web_fetch: HTTP %d from %s", resp.StatusCode, params.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("web_fetch: read body: %w", err)
	}

	title := ""
	content := string(body)
	if article, err := readability.FromReader(strings.NewReader(content), parsed); err == nil && article.TextContent != "" {
		title = article.Title
		content = strings.TrimSpace(article.TextContent)
	}

	return json.Marshal(map[string]any{
		"url":     params.URL,
		"title":   title,
		"content": content,
	})
}
