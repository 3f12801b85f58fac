package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const researchMaxBody = 2 << 20 // 2 MiB

// ResearchArgs represents the arguments for the web_research tool.
type ResearchArgs struct {
	URL string `json:"url"`
}

// ResearchTool fetches a web page and returns its readable content as
// Markdown with the page title. Fetched content is untrusted and is screened
// before it reaches the model.
type ResearchTool struct {
	deps       Deps
	httpClient *http.Client
}

// NewResearchTool creates a new ResearchTool instance. A nil client gets a
// default with a 20s timeout.
func NewResearchTool(deps Deps, client *http.Client) *ResearchTool {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &ResearchTool{deps: deps, httpClient: client}
}

func (t *ResearchTool) Name() string {
	return "web_research"
}

func (t *ResearchTool) Description() string {
	return "Fetch a web page and return its readable content as Markdown. Use for looking things up on the web."
}

func (t *ResearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch. Must start with http:// or https://",
			},
		},
		"required": []string{"url"},
	}
}

func (t *ResearchTool) Execute(ctx context.Context, args string) (string, error) {
	var parsed ResearchArgs
	if err := parseJSON(args, &parsed); err != nil {
		return invalidArgsResult(err)
	}

	target, err := url.Parse(parsed.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return failureResult(fmt.Sprintf("invalid url %q: must start with http:// or https://", parsed.URL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "valet-research/1.0")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return failureResult(fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failureResult(fmt.Sprintf("page returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, researchMaxBody))
	if err != nil {
		return failureResult(fmt.Sprintf("failed to read page: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") {
		// Non-HTML is passed through as plain text.
		text := string(body)
		if t.deps.Sanitizer != nil {
			res := t.deps.Sanitizer.Screen(text)
			text = t.deps.Sanitizer.WrapUntrusted(target.Host, res)
		}
		return successResult(map[string]any{"url": target.String(), "content": text})
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return failureResult(fmt.Sprintf("failed to parse page: %v", err))
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())

	markdown := htmlToMarkdown(string(body))
	if t.deps.Sanitizer != nil {
		res := t.deps.Sanitizer.Screen(markdown)
		markdown = t.deps.Sanitizer.WrapUntrusted(target.Host, res)
	}

	return successResult(map[string]any{
		"url":     target.String(),
		"title":   title,
		"content": markdown,
	})
}

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// htmlToMarkdown converts a page to Markdown, dropping navigation chrome.
func htmlToMarkdown(html string) string {
	opts := &md.Options{
		HeadingStyle:    "atx",
		CodeBlockStyle:  "fenced",
		EmDelimiter:     "*",
		StrongDelimiter: "**",
	}

	converter := md.NewConverter("", true, opts)
	converter.AddRules(md.Rule{
		Filter: []string{"nav", "footer", "aside", "script", "style"},
		Replacement: func(content string, selec *goquery.Selection, opt *md.Options) *string {
			empty := ""
			return &empty
		},
	})

	markdown, err := converter.ConvertString(html)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(excessNewlines.ReplaceAllString(markdown, "\n\n"))
}
