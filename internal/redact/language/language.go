// Package language provides a redact.Detector backed by a hosted
// language-analytics PII endpoint. Unlike a best-effort enrichment layer,
// this client reports every failure to the caller: the gate must fail closed
// when it cannot tell whether text is sensitive.
//
// Offsets are requested in UTF-8 code units so they can be used directly as
// Go byte offsets.
package language

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medasklabs/medask-go/internal/redact"
)

const defaultAPIVersion = "2023-04-01"

// Config holds the connection settings for the PII endpoint.
// Zero values for Domain, Language and APIVersion get sensible defaults.
type Config struct {
	Endpoint   string // e.g. https://myresource.cognitiveservices.azure.com
	Key        string // subscription key
	Domain     string // entity domain filter, default "phi"
	Language   string // document language, default "en"
	APIVersion string // default "2023-04-01"
}

// Client calls the analyze-text endpoint. It is safe for concurrent use.
type Client struct {
	url      string
	key      string
	domain   string
	language string
	http     *http.Client
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	if cfg.Domain == "" {
		cfg.Domain = "phi"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		url:      base + "/language/:analyze-text?api-version=" + cfg.APIVersion,
		key:      cfg.Key,
		domain:   cfg.Domain,
		language: cfg.Language,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type analyzeRequest struct {
	Kind          string        `json:"kind"`
	Parameters    parameters    `json:"parameters"`
	AnalysisInput analysisInput `json:"analysisInput"`
}

type parameters struct {
	Domain          string `json:"domain,omitempty"`
	StringIndexType string `json:"stringIndexType"`
}

type analysisInput struct {
	Documents []document `json:"documents"`
}

type document struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

type analyzeResponse struct {
	Results struct {
		Documents []struct {
			ID           string   `json:"id"`
			RedactedText string   `json:"redactedText"`
			Entities     []entity `json:"entities"`
		} `json:"documents"`
		Errors []struct {
			ID    string   `json:"id"`
			Error apiError `json:"error"`
		} `json:"errors"`
	} `json:"results"`
	Error *apiError `json:"error"`
}

type entity struct {
	Text            string  `json:"text"`
	Category        string  `json:"category"`
	Subcategory     string  `json:"subcategory,omitempty"`
	ConfidenceScore float64 `json:"confidenceScore"`
	Offset          int     `json:"offset"`
	Length          int     `json:"length"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Detect sends text to the PII endpoint and returns the reported entities
// and the service's redacted rendering. Any transport or service error is
// returned to the caller.
func (c *Client) Detect(ctx context.Context, text string) (*redact.Detection, error) {
	body, err := json.Marshal(analyzeRequest{
		Kind: "PiiEntityRecognition",
		Parameters: parameters{
			Domain:          c.domain,
			StringIndexType: "Utf8CodeUnit",
		},
		AnalysisInput: analysisInput{
			Documents: []document{{ID: "1", Language: c.language, Text: text}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("language: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("language: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("language: endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("language: status %d: %s", resp.StatusCode, readErrBody(resp.Body))
	}

	var result analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("language: decode: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("language: service error %s: %s", result.Error.Code, result.Error.Message)
	}
	if len(result.Results.Errors) > 0 {
		e := result.Results.Errors[0].Error
		return nil, fmt.Errorf("language: document error %s: %s", e.Code, e.Message)
	}
	if len(result.Results.Documents) == 0 {
		return nil, fmt.Errorf("language: empty result set")
	}

	doc := result.Results.Documents[0]
	spans := make([]redact.Span, 0, len(doc.Entities))
	for _, e := range doc.Entities {
		spans = append(spans, redact.Span{
			Text:        e.Text,
			Category:    e.Category,
			Subcategory: e.Subcategory,
			Score:       e.ConfidenceScore,
			Offset:      e.Offset,
			Length:      e.Length,
		})
	}
	return &redact.Detection{Spans: spans, RedactedText: doc.RedactedText}, nil
}

// Check verifies that the endpoint is reachable and the key is accepted by
// running a detection on a harmless constant.
func (c *Client) Check(ctx context.Context) error {
	_, err := c.Detect(ctx, "connectivity check")
	return err
}

// readErrBody returns a short excerpt of an error response body.
func readErrBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "(empty body)"
	}
	return s
}
