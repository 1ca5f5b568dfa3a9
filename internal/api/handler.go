package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/medasklabs/medask-go/internal/backend"
	"github.com/medasklabs/medask-go/internal/redact"
	"github.com/medasklabs/medask-go/internal/route"
)

// Handler implements all HTTP endpoints.
type Handler struct {
	detector  redact.Detector
	router    *route.Router
	mode      redact.Mode // default gate mode
	threshold float64     // default confidence threshold
}

// New creates a Handler answering queries through the given detector and
// fallback router. mode and threshold apply when a request does not
// override them.
func New(det redact.Detector, router *route.Router, mode redact.Mode, threshold float64) *Handler {
	return &Handler{
		detector:  det,
		router:    router,
		mode:      mode,
		threshold: threshold,
	}
}

// Register mounts routes on the given mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /v1/backends", h.listBackends)
	mux.HandleFunc("POST /v1/query", h.query)
}

// ---------- request/response shapes ----------

type sessionRef struct {
	Backend string `json:"backend"`
	Handle  string `json:"handle"`
}

type queryRequest struct {
	Text      string      `json:"text"`
	Session   *sessionRef `json:"session,omitempty"`
	Mode      string      `json:"mode,omitempty"`      // override: redact | reject
	Threshold *float64    `json:"threshold,omitempty"` // override: 0..1
}

// redactionInfo reports what the gate did without echoing the sensitive
// span text itself.
type redactionInfo struct {
	Applied    bool           `json:"applied"`
	SentText   string         `json:"sent_text,omitempty"` // text forwarded to the backend
	Categories map[string]int `json:"categories,omitempty"`
}

type timings struct {
	GateMS  int64 `json:"gate_ms"`
	RouteMS int64 `json:"route_ms"`
}

type queryResponse struct {
	Answer        string             `json:"answer"`
	Citations     []backend.Citation `json:"citations,omitempty"`
	Backend       string             `json:"backend"`
	GroundingUsed bool               `json:"grounding_used"`
	RunID         string             `json:"run_id,omitempty"`
	Session       sessionRef         `json:"session"`
	Redaction     redactionInfo      `json:"redaction"`
	Timings       timings            `json:"timings"`
}

type blockedResponse struct {
	Blocked   bool          `json:"blocked"`
	Message   string        `json:"message"`
	Redaction redactionInfo `json:"redaction"`
}

type backendFailure struct {
	Backend string `json:"backend"`
	Reason  string `json:"reason"`
}

// ---------- endpoints ----------

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) listBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"order":     h.router.Backends(),
		"mode":      string(h.mode),
		"threshold": h.threshold,
	})
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	if strings.TrimSpace(req.Text) == "" {
		writeErr(w, http.StatusBadRequest, "text is required")
		return
	}

	mode := h.mode
	if req.Mode != "" {
		m, err := redact.ParseMode(req.Mode)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = m
	}
	threshold := h.threshold
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			writeErr(w, http.StatusBadRequest, "threshold out of range [0, 1]")
			return
		}
		threshold = *req.Threshold
	}

	gateStart := time.Now()
	res, err := redact.New(h.detector, mode, threshold).Evaluate(r.Context(), req.Text)
	if err != nil {
		var de *redact.DetectionError
		if errors.As(err, &de) {
			slog.Error("api: entity detection failed", "err", err)
			writeErr(w, http.StatusServiceUnavailable, "entity detection unavailable, query not sent")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	gateMS := time.Since(gateStart).Milliseconds()

	if res.ShouldReject {
		slog.Info("api: query blocked", "spans", len(res.Spans))
		writeJSON(w, http.StatusUnprocessableEntity, blockedResponse{
			Blocked: true,
			Message: "query blocked: remove personal information and try again",
			Redaction: redactionInfo{
				Applied:    true,
				Categories: redact.CountByCategory(res.Spans),
			},
		})
		return
	}

	var sess route.Session
	if req.Session != nil {
		sess = route.Session{Backend: req.Session.Backend, Handle: req.Session.Handle}
	}

	routeStart := time.Now()
	ans, bound, err := h.router.Query(r.Context(), res.TransformedText, sess)
	if err != nil {
		var ex *route.ExhaustedError
		if errors.As(err, &ex) {
			slog.Error("api: all backends failed", "backends", len(ex.Failures))
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":    "unable to get an answer from any backend",
				"backends": failureList(ex),
			})
			return
		}
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Answer:        ans.Text,
		Citations:     ans.Citations,
		Backend:       bound.Backend,
		GroundingUsed: ans.GroundingUsed,
		RunID:         ans.RunID,
		Session:       sessionRef{Backend: bound.Backend, Handle: bound.Handle},
		Redaction: redactionInfo{
			Applied:    res.HasSensitiveData,
			SentText:   res.TransformedText,
			Categories: redact.CountByCategory(res.Spans),
		},
		Timings: timings{
			GateMS:  gateMS,
			RouteMS: time.Since(routeStart).Milliseconds(),
		},
	})
}

// ---------- helpers ----------

func failureList(ex *route.ExhaustedError) []backendFailure {
	out := make([]backendFailure, 0, len(ex.Failures))
	for _, f := range ex.Failures {
		out = append(out, backendFailure{Backend: f.Backend, Reason: f.Reason()})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
