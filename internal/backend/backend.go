// Package backend defines the capability shared by all answer backends and
// the normalized response shape they produce. Concrete adapters live in:
//   - internal/backend/agent       (hosted agent with web-search grounding)
//   - internal/backend/websearch   (direct web search + chat completion)
//   - internal/backend/completion  (plain chat completion, no grounding)
package backend

import (
	"context"

	"github.com/google/uuid"
)

// Citation is one web source backing an answer.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Answer is the normalized result every adapter returns. It is created once
// per query and never mutated.
type Answer struct {
	// Text is the answer body, usually markdown.
	Text string `json:"text"`

	// Citations lists the web sources in the order the backend reported them.
	// Empty when the answer was produced without grounding.
	Citations []Citation `json:"citations,omitempty"`

	// SessionHandle is an opaque continuity token in the backend's own
	// format. Callers pass it back on the next query to the same backend;
	// it must never be forwarded to a different backend.
	SessionHandle string `json:"session_handle"`

	// GroundingUsed reports whether live web results informed the answer.
	GroundingUsed bool `json:"grounding_used"`

	// RunID is an opaque diagnostic token identifying the backend-side
	// execution that produced this answer.
	RunID string `json:"run_id,omitempty"`
}

// Adapter answers a text query, optionally continuing an existing
// conversation identified by sessionHandle (empty means start fresh).
// Implementations own their connections and credentials privately and must
// be safe for concurrent use.
type Adapter interface {
	Name() string
	Query(ctx context.Context, text, sessionHandle string) (*Answer, error)
}

// NewLocalHandle mints a session handle for backends that keep no
// server-side conversation state.
func NewLocalHandle() string {
	return "local-" + uuid.NewString()[:8]
}
