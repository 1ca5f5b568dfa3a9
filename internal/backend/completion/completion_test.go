package completion_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medasklabs/medask-go/internal/backend/completion"
)

type chatRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// chatServer answers /v1/chat/completions with body and records the last
// request it parsed.
func chatServer(t *testing.T, body string) (*httptest.Server, *chatRequest, *http.Header) {
	t.Helper()
	var last chatRequest
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &last, &header
}

const replyBody = `{
	"id": "chatcmpl-123",
	"object": "chat.completion",
	"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": " The reply.\n"}}]
}`

func TestQueryAnswersFromModelKnowledge(t *testing.T) {
	srv, req, header := chatServer(t, replyBody)

	cli := completion.New(completion.Config{BaseURL: srv.URL, Key: "test-key", Model: "gpt-4o-mini"})
	ans, err := cli.Query(context.Background(), "What does HbA1c measure?", "")
	require.NoError(t, err)

	assert.Equal(t, "The reply.", ans.Text, "reply is trimmed")
	assert.Equal(t, "chatcmpl-123", ans.RunID)
	assert.False(t, ans.GroundingUsed)
	assert.Empty(t, ans.Citations)
	assert.True(t, strings.HasPrefix(ans.SessionHandle, "local-"), "handle %q", ans.SessionHandle)

	assert.Equal(t, "Bearer test-key", header.Get("Authorization"))
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, 800, req.MaxTokens)
	assert.InDelta(t, 0.3, req.Temperature, 1e-9)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.NotEmpty(t, req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "What does HbA1c measure?", req.Messages[1].Content)
}

func TestQueryEchoesExistingHandle(t *testing.T) {
	srv, _, _ := chatServer(t, replyBody)

	cli := completion.New(completion.Config{BaseURL: srv.URL, Key: "k"})
	ans, err := cli.Query(context.Background(), "follow-up", "local-keep1234")
	require.NoError(t, err)
	assert.Equal(t, "local-keep1234", ans.SessionHandle)
}

func TestQueryNoChoices(t *testing.T) {
	srv, _, _ := chatServer(t, `{"id": "chatcmpl-1", "object": "chat.completion", "choices": []}`)

	cli := completion.New(completion.Config{BaseURL: srv.URL, Key: "k"})
	_, err := cli.Query(context.Background(), "q", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestQueryBlankReply(t *testing.T) {
	srv, _, _ := chatServer(t, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "   "}}]
	}`)

	cli := completion.New(completion.Config{BaseURL: srv.URL, Key: "k"})
	_, err := cli.Query(context.Background(), "q", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty reply")
}

func TestQueryServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "model not found"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	cli := completion.New(completion.Config{BaseURL: srv.URL, Key: "k"})
	_, err := cli.Query(context.Background(), "q", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completion:")
}

func TestCompleteWithCallerPrompt(t *testing.T) {
	srv, req, _ := chatServer(t, replyBody)

	cli := completion.New(completion.Config{BaseURL: srv.URL, Key: "k"})
	text, runID, err := cli.Complete(context.Background(), "custom system", "custom user")
	require.NoError(t, err)

	assert.Equal(t, "The reply.", text)
	assert.Equal(t, "chatcmpl-123", runID)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "custom system", req.Messages[0].Content)
	assert.Equal(t, "custom user", req.Messages[1].Content)
}

func TestCheckSendsOneTokenPing(t *testing.T) {
	srv, req, _ := chatServer(t, `{"id": "chatcmpl-1", "object": "chat.completion", "choices": []}`)

	cli := completion.New(completion.Config{BaseURL: srv.URL, Key: "k"})
	require.NoError(t, cli.Check(context.Background()))

	assert.Equal(t, 1, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "ping", req.Messages[0].Content)
}

func TestBaseURLNormalization(t *testing.T) {
	srv, _, _ := chatServer(t, replyBody)

	for _, base := range []string{srv.URL, srv.URL + "/", srv.URL + "/v1", srv.URL + "/v1/"} {
		cli := completion.New(completion.Config{BaseURL: base, Key: "k"})
		_, err := cli.Query(context.Background(), "q", "")
		require.NoError(t, err, "base %q", base)
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "completion", completion.New(completion.Config{}).Name())
}
