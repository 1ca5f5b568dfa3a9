// Package websearch implements the mid-priority backend: a direct web search
// whose top results are fed to a chat completion as grounding context. When
// the search call fails the adapter degrades to an ungrounded completion
// instead of failing the query.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/medasklabs/medask-go/internal/backend"
	"github.com/medasklabs/medask-go/internal/backend/completion"
)

const (
	defaultCount = 5
	searchQPS    = 3
)

const systemPrompt = `You are a careful healthcare information assistant.
Ground your answer in the numbered web results provided with the question
and mention which results you relied on. If the results do not cover the
question, say so and answer from established medical knowledge instead.
Personally identifying details have been redacted from the question; do not
ask the user to restore them. Remind the user to consult a qualified
clinician for decisions about their own care.`

// Config holds the connection settings for the web search service.
type Config struct {
	Endpoint string // e.g. https://api.bing.microsoft.com
	Key      string
	Count    int // results per query, default 5
}

// Client searches the web and answers with a grounded completion. It is
// safe for concurrent use.
type Client struct {
	searchURL string
	key       string
	count     int
	limiter   *rate.Limiter
	http      *http.Client
	llm       *completion.Client
}

// New creates a Client that searches with cfg and generates answers with llm.
func New(cfg Config, llm *completion.Client) *Client {
	if cfg.Count <= 0 {
		cfg.Count = defaultCount
	}
	return &Client{
		searchURL: strings.TrimRight(cfg.Endpoint, "/") + "/v7.0/search",
		key:       cfg.Key,
		count:     cfg.Count,
		limiter:   rate.NewLimiter(rate.Limit(searchQPS), searchQPS),
		http:      &http.Client{Timeout: 10 * time.Second},
		llm:       llm,
	}
}

// Name identifies this adapter in the fallback chain.
func (c *Client) Name() string { return "websearch" }

// Query searches for text, prompts the completion service with the results
// and returns the answer with the searched pages as citations. The service
// keeps no conversation state, so an empty sessionHandle is replaced with a
// freshly minted local one and a non-empty handle is echoed back unchanged.
func (c *Client) Query(ctx context.Context, text, sessionHandle string) (*backend.Answer, error) {
	pages, err := c.search(ctx, text)
	if err != nil {
		slog.Warn("websearch: search failed, answering ungrounded", "err", err)
		pages = nil
	}

	user := text
	if len(pages) > 0 {
		user = resultsBlock(pages) + "\nQuestion: " + text
	}
	answer, runID, err := c.llm.Complete(ctx, systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("websearch: %w", err)
	}

	var citations []backend.Citation
	for _, p := range pages {
		citations = append(citations, backend.Citation{Title: p.Name, URL: p.URL, Snippet: p.Snippet})
	}

	handle := sessionHandle
	if handle == "" {
		handle = backend.NewLocalHandle()
	}
	return &backend.Answer{
		Text:          answer,
		Citations:     citations,
		SessionHandle: handle,
		GroundingUsed: len(pages) > 0,
		RunID:         runID,
	}, nil
}

// Check verifies the search endpoint accepts the key.
func (c *Client) Check(ctx context.Context) error {
	_, err := c.search(ctx, "health")
	return err
}

type webPage struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// search runs one web query and returns the top pages.
func (c *Client) search(ctx context.Context, query string) ([]webPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("websearch: limiter: %w", err)
	}

	q := url.Values{
		"q":              {query},
		"count":          {strconv.Itoa(c.count)},
		"responseFilter": {"Webpages"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: search unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("websearch: search status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		WebPages struct {
			Value []webPage `json:"value"`
		} `json:"webPages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("websearch: decode: %w", err)
	}
	return out.WebPages.Value, nil
}

// resultsBlock formats pages as a numbered context block for the prompt.
func resultsBlock(pages []webPage) string {
	var b strings.Builder
	b.WriteString("Web search results:\n")
	for i, p := range pages {
		fmt.Fprintf(&b, "[%d] %s\n    %s\n    %s\n", i+1, p.Name, p.URL, p.Snippet)
	}
	return b.String()
}
