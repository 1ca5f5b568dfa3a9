package redact

import "context"

// Span describes one sensitive entity occurrence within a text.
// Offsets are byte offsets into the original text, as reported by the
// detector (clients request UTF-8 indexing, see internal/redact/language).
type Span struct {
	Text        string  `json:"text"`
	Category    string  `json:"category"`              // e.g. "Person", "MedicalRecordNumber"
	Subcategory string  `json:"subcategory,omitempty"` // optional refinement, empty when absent
	Score       float64 `json:"score"`                 // confidence in [0,1]
	Offset      int     `json:"offset"`
	Length      int     `json:"length"`
}

// Detection is the raw outcome of one detector call: every span the service
// reported (unfiltered) plus the service's own redacted rendering of the text.
type Detection struct {
	Spans        []Span
	RedactedText string
}

// Detector recognizes sensitive entities in a text string.
// Implementations must be safe for concurrent use. A non-nil error means the
// detection service could not give a trustworthy answer; callers must treat
// that as fatal rather than assume the text is safe.
type Detector interface {
	Detect(ctx context.Context, text string) (*Detection, error)
}

// DetectionError wraps a detector failure. The gate never retries and never
// falls back to "assume clean": text whose sensitivity is unknown must not
// leave the trust boundary.
type DetectionError struct {
	Err error
}

func (e *DetectionError) Error() string {
	return "entity detection failed: " + e.Err.Error()
}

func (e *DetectionError) Unwrap() error { return e.Err }
