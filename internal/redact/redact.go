// Package redact decides whether a user's text may leave the trust boundary.
// It sends the text to an external entity detector, filters the reported
// spans by confidence, and produces either a redacted form of the text or a
// rejection signal, depending on the configured handling mode.
//
// Usage:
//
//	g := redact.New(detector, redact.ModeRedact, 0.8)
//	res, err := g.Evaluate(ctx, text)
//	// when res.ShouldReject the text must not be forwarded anywhere
package redact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Mode selects how the gate handles text that contains sensitive data.
type Mode string

const (
	// ModeRedact masks the sensitive spans and lets the query proceed.
	ModeRedact Mode = "redact"
	// ModeReject blocks the query entirely when sensitive data is found.
	ModeReject Mode = "reject"
)

// ParseMode validates a mode string from config or a request.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRedact:
		return ModeRedact, nil
	case ModeReject:
		return ModeReject, nil
	}
	return "", fmt.Errorf("redact: unknown mode %q (want redact or reject)", s)
}

// Result is the gate's decision for one input text. It is created once per
// evaluation and not mutated afterwards.
type Result struct {
	OriginalText    string `json:"original_text"`
	TransformedText string `json:"transformed_text"`

	// Spans holds the admitted spans in the order the detector reported
	// them, which is not necessarily offset order.
	Spans []Span `json:"spans,omitempty"`

	HasSensitiveData bool `json:"has_sensitive_data"`
	ShouldReject     bool `json:"should_reject"`
}

// Gate evaluates texts against a detector with a fixed mode and confidence
// threshold. It keeps no per-call state and is safe for concurrent use; a
// Gate is cheap enough to construct per request when callers need to vary
// the policy.
type Gate struct {
	detector  Detector
	mode      Mode
	threshold float64
}

// New creates a Gate. Spans scoring below threshold are discarded entirely:
// a threshold of 0 admits every reported span, a threshold of 1 admits only
// maximal-confidence spans.
func New(det Detector, mode Mode, threshold float64) *Gate {
	return &Gate{detector: det, mode: mode, threshold: threshold}
}

// Evaluate runs one detection call and applies the gate policy.
// Empty or whitespace-only input short-circuits without calling the
// detector. A detector failure is returned as *DetectionError; no Result is
// produced in that case.
func (g *Gate) Evaluate(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return &Result{OriginalText: text, TransformedText: text}, nil
	}

	det, err := g.detector.Detect(ctx, text)
	if err != nil {
		return nil, &DetectionError{Err: err}
	}

	spans := validSpans(text, filterByScore(det.Spans, g.threshold))
	hasSensitive := len(spans) > 0

	transformed := text
	if hasSensitive {
		if det.RedactedText != "" {
			transformed = det.RedactedText
		} else {
			transformed = maskSpans(text, spans)
		}
	}

	slog.Debug("redact: evaluated",
		"reported", len(det.Spans),
		"admitted", len(spans),
		"mode", g.mode,
	)

	return &Result{
		OriginalText:     text,
		TransformedText:  transformed,
		Spans:            spans,
		HasSensitiveData: hasSensitive,
		ShouldReject:     hasSensitive && g.mode == ModeReject,
	}, nil
}

// filterByScore keeps spans whose confidence meets the threshold.
// Sub-threshold spans are dropped entirely, not retained for audit.
func filterByScore(spans []Span, threshold float64) []Span {
	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if sp.Score >= threshold {
			out = append(out, sp)
		}
	}
	return out
}

// validSpans filters out spans whose offsets do not fit the text.
func validSpans(text string, spans []Span) []Span {
	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if sp.Offset < 0 || sp.Length <= 0 || sp.Offset+sp.Length > len(text) {
			slog.Warn("redact: dropping span with invalid offsets",
				"category", sp.Category, "offset", sp.Offset, "length", sp.Length)
			continue
		}
		out = append(out, sp)
	}
	return out
}

// maskSpans replaces each span with asterisks of the same length, applied in
// descending offset order. Only used when the detector supplied no redacted
// rendering of its own.
func maskSpans(text string, spans []Span) string {
	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sortSpansDesc(sorted)
	sorted = dedupeSpans(sorted)

	out := text
	for _, sp := range sorted {
		out = out[:sp.Offset] + strings.Repeat("*", sp.Length) + out[sp.Offset+sp.Length:]
	}
	return out
}

// Highlight returns text with every span's occurrence replaced by mark(span).
// Replacements are applied in descending offset order so earlier edits cannot
// shift the offsets of later ones; marks may be any length. Overlapping spans
// are collapsed to the rightmost one. Spans that do not fit text are skipped.
func Highlight(text string, spans []Span, mark func(Span) string) string {
	sorted := validSpans(text, spans)
	sortSpansDesc(sorted)
	sorted = dedupeSpans(sorted)

	out := text
	for _, sp := range sorted {
		out = out[:sp.Offset] + mark(sp) + out[sp.Offset+sp.Length:]
	}
	return out
}

// CountByCategory aggregates spans per category for display.
func CountByCategory(spans []Span) map[string]int {
	if len(spans) == 0 {
		return nil
	}
	out := make(map[string]int, len(spans))
	for _, sp := range spans {
		out[sp.Category]++
	}
	return out
}

func sortSpansDesc(spans []Span) {
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].Offset > spans[j-1].Offset; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
}

// dedupeSpans removes overlapping spans (assumes sorted descending by Offset).
func dedupeSpans(spans []Span) []Span {
	out := make([]Span, 0, len(spans))
	lastStart := -1
	for _, sp := range spans {
		if lastStart == -1 || sp.Offset+sp.Length <= lastStart {
			out = append(out, sp)
			lastStart = sp.Offset
		}
	}
	return out
}
