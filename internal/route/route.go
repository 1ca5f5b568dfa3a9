// Package route implements first-success-wins fallback over an ordered list
// of answer backends. The chain is strictly sequential and deterministic:
// adapters are tried in priority order, a success returns immediately, and
// only total exhaustion surfaces an error. The Router itself holds no
// per-conversation state; continuity lives in the Session value the caller
// keeps between turns.
package route

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/medasklabs/medask-go/internal/backend"
)

// defaultAttemptTimeout bounds a single adapter attempt so one unreachable
// backend cannot stall the whole chain.
const defaultAttemptTimeout = 30 * time.Second

// Session is the caller-held conversation state. The zero value means no
// backend has answered yet; after the first success it pins the winning
// backend and carries that backend's continuity handle. A handle is only
// ever passed back to the backend that minted it.
type Session struct {
	Backend string `json:"backend,omitempty"`
	Handle  string `json:"handle,omitempty"`
}

// Bound reports whether the session is pinned to a backend.
func (s Session) Bound() bool { return s.Backend != "" }

// Failure records why one adapter attempt failed.
type Failure struct {
	Backend string `json:"backend"`
	Err     error  `json:"-"`
}

// Reason returns the failure's error text for display.
func (f Failure) Reason() string { return f.Err.Error() }

// ExhaustedError is returned when every adapter in the chain failed.
// Failures preserves the order in which the adapters were tried.
type ExhaustedError struct {
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Backend + ": " + f.Err.Error()
	}
	return "route: all backends failed: " + strings.Join(parts, "; ")
}

// Router holds the ordered adapter chain. It is safe for concurrent use
// from independent sessions.
type Router struct {
	adapters       []backend.Adapter
	attemptTimeout time.Duration
}

// New creates a Router over adapters in priority order. At least one adapter
// is required; partially configured backends must be omitted by the caller
// before this point, and an empty chain is a configuration error.
// attemptTimeout <= 0 selects the default.
func New(adapters []backend.Adapter, attemptTimeout time.Duration) (*Router, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("route: at least one backend adapter is required")
	}
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	names := make([]string, len(adapters))
	for i, ad := range adapters {
		names[i] = ad.Name()
	}
	slog.Info("route: backend chain initialised", "order", strings.Join(names, " > "), "attemptTimeout", attemptTimeout)
	return &Router{adapters: adapters, attemptTimeout: attemptTimeout}, nil
}

// Backends returns the adapter names in priority order.
func (r *Router) Backends() []string {
	names := make([]string, len(r.adapters))
	for i, ad := range r.adapters {
		names[i] = ad.Name()
	}
	return names
}

// Query tries the chain until one backend answers. A bound session's backend
// is tried first with the session's handle; every other adapter starts a
// fresh conversation with an empty handle, since a handle minted by one
// backend is meaningless to another. On success the updated Session pins the
// backend that answered. On exhaustion the returned Session is zero and the
// error is an *ExhaustedError carrying the per-backend reasons in attempt
// order.
func (r *Router) Query(ctx context.Context, text string, sess Session) (*backend.Answer, Session, error) {
	var failures []Failure
	for _, ad := range r.order(sess) {
		handle := ""
		if ad.Name() == sess.Backend {
			handle = sess.Handle
		}

		ans, err := r.attempt(ctx, ad, text, handle)
		if err != nil {
			slog.Warn("route: backend failed, trying next", "backend", ad.Name(), "err", err)
			failures = append(failures, Failure{Backend: ad.Name(), Err: err})
			continue
		}

		slog.Info("route: answered", "backend", ad.Name(), "grounding", ans.GroundingUsed, "citations", len(ans.Citations))
		return ans, Session{Backend: ad.Name(), Handle: ans.SessionHandle}, nil
	}
	return nil, Session{}, &ExhaustedError{Failures: failures}
}

// order returns the trial order for one call: the bound backend first when
// present, then the remaining chain in priority order. A backend that just
// failed as the bound one is not tried a second time in the same call.
func (r *Router) order(sess Session) []backend.Adapter {
	if !sess.Bound() {
		return r.adapters
	}
	var bound backend.Adapter
	rest := make([]backend.Adapter, 0, len(r.adapters))
	for _, ad := range r.adapters {
		if ad.Name() == sess.Backend {
			bound = ad
			continue
		}
		rest = append(rest, ad)
	}
	if bound == nil {
		// Bound backend no longer configured; fall back to the full chain.
		return r.adapters
	}
	return append([]backend.Adapter{bound}, rest...)
}

// attempt runs one adapter call under the per-attempt timeout. An empty
// answer counts as a failure so the chain can move on.
func (r *Router) attempt(ctx context.Context, ad backend.Adapter, text, handle string) (*backend.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	ans, err := ad.Query(ctx, text, handle)
	if err != nil {
		return nil, err
	}
	if ans == nil || strings.TrimSpace(ans.Text) == "" {
		return nil, fmt.Errorf("empty answer")
	}
	return ans, nil
}
