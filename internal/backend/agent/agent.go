// Package agent implements the highest-priority answer backend: a hosted
// agent service whose runs ground answers with live web search and report
// the sources as URL citations. The service keeps conversation state in
// threads; the thread ID doubles as the session handle.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/medasklabs/medask-go/internal/backend"
)

const (
	defaultAPIVersion = "2025-05-01"
	defaultModel      = "gpt-4o"
	agentName         = "medask-grounded"
)

// instructions is the agent's system prompt. Queries reaching this backend
// have already passed the redaction gate.
const instructions = `You are a careful healthcare information assistant.
Answer the user's question using current, evidence-based sources and cite the
web pages you relied on. Personally identifying details have been redacted
from the question; do not ask the user to restore them. Be clear about
uncertainty and remind the user to consult a qualified clinician for
decisions about their own care.`

// Config holds the connection settings for the agent service.
type Config struct {
	Endpoint   string // project endpoint, e.g. https://myproj.services.ai.azure.com/api/projects/demo
	Key        string
	APIVersion string // default "2025-05-01"

	// AgentID selects a pre-provisioned agent. When empty, an agent is
	// created on first use with the model and grounding tool below.
	AgentID string

	Model              string // deployment used when creating the agent
	SearchConnectionID string // web-search grounding connection; tool omitted when empty
}

// Client talks to the agent service. It is safe for concurrent use; the
// only mutable state is the lazily created agent ID.
type Client struct {
	base       string
	key        string
	apiVersion string
	model      string
	searchConn string
	grounded   bool
	http       *http.Client

	mu      sync.Mutex
	agentID string

	// poll cadence for run completion, shortened in tests
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Client{
		base:       strings.TrimRight(cfg.Endpoint, "/"),
		key:        cfg.Key,
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		searchConn: cfg.SearchConnectionID,
		grounded:   cfg.AgentID != "" || cfg.SearchConnectionID != "",
		agentID:    cfg.AgentID,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: 2 * time.Second,
		pollTimeout:  60 * time.Second,
	}
}

// Name identifies this adapter in the fallback chain.
func (c *Client) Name() string { return "agent" }

// Query posts text to a thread, runs the agent and returns the newest
// assistant reply. An empty sessionHandle mints a new thread; a non-empty
// one continues the conversation in that thread.
func (c *Client) Query(ctx context.Context, text, sessionHandle string) (*backend.Answer, error) {
	agentID, err := c.ensureAgent(ctx)
	if err != nil {
		return nil, err
	}

	threadID := sessionHandle
	if threadID == "" {
		threadID, err = c.createThread(ctx)
		if err != nil {
			return nil, err
		}
	}

	if err := c.postMessage(ctx, threadID, text); err != nil {
		return nil, err
	}

	runID, err := c.createRun(ctx, threadID, agentID)
	if err != nil {
		return nil, err
	}
	if err := c.awaitRun(ctx, threadID, runID); err != nil {
		return nil, err
	}

	answerText, citations, err := c.latestAssistantReply(ctx, threadID)
	if err != nil {
		return nil, err
	}

	return &backend.Answer{
		Text:          answerText,
		Citations:     citations,
		SessionHandle: threadID,
		GroundingUsed: c.grounded,
		RunID:         runID,
	}, nil
}

// Check verifies reachability and key acceptance with a cheap list call.
func (c *Client) Check(ctx context.Context) error {
	q := url.Values{"limit": {"1"}}
	return c.do(ctx, http.MethodGet, "/assistants", q, nil, nil)
}

// ---------- service calls ----------

type tool struct {
	Type          string         `json:"type"`
	BingGrounding *bingGrounding `json:"bing_grounding,omitempty"`
}

type bingGrounding struct {
	SearchConnectionIDs []string `json:"search_connection_ids"`
}

// ensureAgent returns the configured agent ID, creating the agent on first
// use when none was configured.
func (c *Client) ensureAgent(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agentID != "" {
		return c.agentID, nil
	}

	body := struct {
		Model        string `json:"model"`
		Name         string `json:"name"`
		Instructions string `json:"instructions"`
		Tools        []tool `json:"tools,omitempty"`
	}{
		Model:        c.model,
		Name:         agentName,
		Instructions: instructions,
	}
	if c.searchConn != "" {
		body.Tools = []tool{{
			Type:          "bing_grounding",
			BingGrounding: &bingGrounding{SearchConnectionIDs: []string{c.searchConn}},
		}}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/assistants", nil, body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("agent: create returned no id")
	}
	c.agentID = created.ID
	slog.Info("agent: created", "id", created.ID, "model", c.model, "grounding", c.searchConn != "")
	return created.ID, nil
}

func (c *Client) createThread(ctx context.Context) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", nil, struct{}{}, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("agent: thread create returned no id")
	}
	slog.Debug("agent: thread created", "thread", created.ID)
	return created.ID, nil
}

func (c *Client) postMessage(ctx context.Context, threadID, text string) error {
	body := struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: text}
	return c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", nil, body, nil)
}

func (c *Client) createRun(ctx context.Context, threadID, agentID string) (string, error) {
	body := struct {
		AssistantID string `json:"assistant_id"`
	}{AssistantID: agentID}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", nil, body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("agent: run create returned no id")
	}
	return created.ID, nil
}

// awaitRun polls the run until it reaches a terminal status.
func (c *Client) awaitRun(ctx context.Context, threadID, runID string) error {
	deadline := time.Now().Add(c.pollTimeout)
	for {
		var run struct {
			Status    string `json:"status"`
			LastError *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"last_error"`
		}
		if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, nil, &run); err != nil {
			return err
		}

		switch run.Status {
		case "completed":
			return nil
		case "queued", "in_progress", "requires_action":
			// still working
		default:
			if run.LastError != nil {
				return fmt.Errorf("agent: run %s: %s: %s", run.Status, run.LastError.Code, run.LastError.Message)
			}
			return fmt.Errorf("agent: run %s", run.Status)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("agent: run did not finish within %s", c.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("agent: run poll: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

type threadMessage struct {
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text struct {
			Value       string `json:"value"`
			Annotations []struct {
				Type        string `json:"type"`
				URLCitation *struct {
					URL   string `json:"url"`
					Title string `json:"title"`
				} `json:"url_citation"`
			} `json:"annotations"`
		} `json:"text"`
	} `json:"content"`
}

// latestAssistantReply fetches the thread messages newest-first and extracts
// the text and URL citations of the most recent assistant message.
func (c *Client) latestAssistantReply(ctx context.Context, threadID string) (string, []backend.Citation, error) {
	q := url.Values{"order": {"desc"}, "limit": {"20"}}
	var list struct {
		Data []threadMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages", q, nil, &list); err != nil {
		return "", nil, err
	}

	for _, m := range list.Data {
		if m.Role != "assistant" {
			continue
		}
		for _, part := range m.Content {
			if part.Type != "text" || part.Text.Value == "" {
				continue
			}
			var citations []backend.Citation
			for _, a := range part.Text.Annotations {
				if a.Type != "url_citation" || a.URLCitation == nil || a.URLCitation.URL == "" {
					continue
				}
				title := a.URLCitation.Title
				if title == "" {
					title = "Web Source"
				}
				citations = append(citations, backend.Citation{Title: title, URL: a.URLCitation.URL})
			}
			return part.Text.Value, citations, nil
		}
	}
	return "", nil, fmt.Errorf("agent: no assistant reply in thread")
}

// do executes one service call. Non-2xx statuses are errors.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("api-version", c.apiVersion)
	u := c.base + path + "?" + q.Encode()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("agent: marshal: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("agent: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("agent: decode: %w", err)
		}
	}
	return nil
}
