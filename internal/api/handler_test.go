package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medasklabs/medask-go/internal/api"
	"github.com/medasklabs/medask-go/internal/backend"
	"github.com/medasklabs/medask-go/internal/redact"
	"github.com/medasklabs/medask-go/internal/route"
)

type fakeDetector struct {
	detection *redact.Detection
	err       error
}

func (f *fakeDetector) Detect(ctx context.Context, text string) (*redact.Detection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.detection, nil
}

type fakeAdapter struct {
	name      string
	answer    *backend.Answer
	err       error
	calls     int
	gotText   string
	gotHandle string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Query(ctx context.Context, text, sessionHandle string) (*backend.Answer, error) {
	f.calls++
	f.gotText = text
	f.gotHandle = sessionHandle
	if f.err != nil {
		return nil, f.err
	}
	return f.answer, nil
}

func newMux(t *testing.T, det redact.Detector, mode redact.Mode, threshold float64, adapters ...backend.Adapter) *http.ServeMux {
	t.Helper()
	router, err := route.New(adapters, time.Second)
	require.NoError(t, err)
	mux := http.NewServeMux()
	api.New(det, router, mode, threshold).Register(mux)
	return mux
}

func post(mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

var patientDetection = &redact.Detection{
	Spans: []redact.Span{
		{Text: "John Doe", Category: "Person", Score: 0.95, Offset: 8, Length: 8},
	},
	RedactedText: "Patient ******** needs advice.",
}

type queryResponse struct {
	Answer        string `json:"answer"`
	Backend       string `json:"backend"`
	GroundingUsed bool   `json:"grounding_used"`
	RunID         string `json:"run_id"`
	Session       struct {
		Backend string `json:"backend"`
		Handle  string `json:"handle"`
	} `json:"session"`
	Redaction struct {
		Applied    bool           `json:"applied"`
		SentText   string         `json:"sent_text"`
		Categories map[string]int `json:"categories"`
	} `json:"redaction"`
	Citations []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"citations"`
}

func TestHealth(t *testing.T) {
	mux := newMux(t, &fakeDetector{detection: &redact.Detection{}}, redact.ModeRedact, 0.8,
		&fakeAdapter{name: "completion", answer: &backend.Answer{Text: "ok", SessionHandle: "local-1"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestListBackends(t *testing.T) {
	mux := newMux(t, &fakeDetector{detection: &redact.Detection{}}, redact.ModeReject, 0.7,
		&fakeAdapter{name: "agent"}, &fakeAdapter{name: "completion"})

	req := httptest.NewRequest(http.MethodGet, "/v1/backends", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Order     []string `json:"order"`
		Mode      string   `json:"mode"`
		Threshold float64  `json:"threshold"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, []string{"agent", "completion"}, out.Order)
	assert.Equal(t, "reject", out.Mode)
	assert.InDelta(t, 0.7, out.Threshold, 1e-9)
}

func TestQueryRedactsBeforeAnswering(t *testing.T) {
	ad := &fakeAdapter{name: "agent", answer: &backend.Answer{
		Text:          "General guidance here.",
		Citations:     []backend.Citation{{Title: "Source", URL: "https://example.org"}},
		SessionHandle: "thread_9",
		GroundingUsed: true,
		RunID:         "run_3",
	}}
	mux := newMux(t, &fakeDetector{detection: patientDetection}, redact.ModeRedact, 0.8, ad)

	rr := post(mux, `{"text": "Patient John Doe needs advice."}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp queryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	assert.Equal(t, "General guidance here.", resp.Answer)
	assert.Equal(t, "agent", resp.Backend)
	assert.True(t, resp.GroundingUsed)
	assert.Equal(t, "run_3", resp.RunID)
	assert.Equal(t, "agent", resp.Session.Backend)
	assert.Equal(t, "thread_9", resp.Session.Handle)
	assert.True(t, resp.Redaction.Applied)
	assert.Equal(t, "Patient ******** needs advice.", resp.Redaction.SentText)
	assert.Equal(t, map[string]int{"Person": 1}, resp.Redaction.Categories)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "https://example.org", resp.Citations[0].URL)

	assert.Equal(t, "Patient ******** needs advice.", ad.gotText, "raw text must never reach a backend")
}

func TestQueryCleanTextNoRedaction(t *testing.T) {
	ad := &fakeAdapter{name: "completion", answer: &backend.Answer{Text: "ok", SessionHandle: "local-1"}}
	mux := newMux(t, &fakeDetector{detection: &redact.Detection{}}, redact.ModeRedact, 0.8, ad)

	rr := post(mux, `{"text": "What is a normal resting heart rate?"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp queryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Redaction.Applied)
	assert.Empty(t, resp.Redaction.Categories)
	assert.Equal(t, "What is a normal resting heart rate?", ad.gotText)
}

func TestQueryRejectModeBlocks(t *testing.T) {
	ad := &fakeAdapter{name: "completion", answer: &backend.Answer{Text: "ok", SessionHandle: "local-1"}}
	mux := newMux(t, &fakeDetector{detection: patientDetection}, redact.ModeReject, 0.8, ad)

	rr := post(mux, `{"text": "Patient John Doe needs advice."}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var out struct {
		Blocked   bool   `json:"blocked"`
		Message   string `json:"message"`
		Redaction struct {
			Applied    bool           `json:"applied"`
			SentText   string         `json:"sent_text"`
			Categories map[string]int `json:"categories"`
		} `json:"redaction"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.True(t, out.Blocked)
	assert.Contains(t, out.Message, "remove personal information")
	assert.Equal(t, map[string]int{"Person": 1}, out.Redaction.Categories)
	assert.Empty(t, out.Redaction.SentText, "blocked responses must not echo text")
	assert.Equal(t, 0, ad.calls, "blocked queries never reach a backend")
}

func TestQueryModeOverride(t *testing.T) {
	ad := &fakeAdapter{name: "completion", answer: &backend.Answer{Text: "ok", SessionHandle: "local-1"}}
	mux := newMux(t, &fakeDetector{detection: patientDetection}, redact.ModeRedact, 0.8, ad)

	rr := post(mux, `{"text": "Patient John Doe needs advice.", "mode": "reject"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, 0, ad.calls)
}

func TestQueryThresholdOverride(t *testing.T) {
	lowConfidence := &redact.Detection{
		Spans:        []redact.Span{{Text: "Jane", Category: "Person", Score: 0.5, Offset: 0, Length: 4}},
		RedactedText: "**** asked a question",
	}
	ad := &fakeAdapter{name: "completion", answer: &backend.Answer{Text: "ok", SessionHandle: "local-1"}}
	mux := newMux(t, &fakeDetector{detection: lowConfidence}, redact.ModeRedact, 0.8, ad)

	rr := post(mux, `{"text": "Jane asked a question"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp queryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Redaction.Applied, "0.5 span is below the default 0.8")

	rr = post(mux, `{"text": "Jane asked a question", "threshold": 0.3}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Redaction.Applied, "0.3 override admits the span")
}

func TestQueryBadRequests(t *testing.T) {
	ad := &fakeAdapter{name: "completion", answer: &backend.Answer{Text: "ok", SessionHandle: "local-1"}}
	mux := newMux(t, &fakeDetector{detection: &redact.Detection{}}, redact.ModeRedact, 0.8, ad)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{`, "invalid request body"},
		{"missing text", `{}`, "text is required"},
		{"blank text", `{"text": "  "}`, "text is required"},
		{"bad mode", `{"text": "q", "mode": "block"}`, "unknown mode"},
		{"threshold too high", `{"text": "q", "threshold": 1.5}`, "out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := post(mux, tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			var out map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
			assert.Contains(t, out["error"], tc.want)
		})
	}
}

func TestQueryDetectorUnavailable(t *testing.T) {
	ad := &fakeAdapter{name: "completion", answer: &backend.Answer{Text: "ok", SessionHandle: "local-1"}}
	mux := newMux(t, &fakeDetector{err: errors.New("connection refused")}, redact.ModeRedact, 0.8, ad)

	rr := post(mux, `{"text": "anything"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Contains(t, out["error"], "entity detection unavailable")
	assert.Equal(t, 0, ad.calls, "detection failure must not leak the query")
}

func TestQueryAllBackendsFail(t *testing.T) {
	a := &fakeAdapter{name: "agent", err: errors.New("quota exceeded")}
	b := &fakeAdapter{name: "completion", err: errors.New("connection refused")}
	mux := newMux(t, &fakeDetector{detection: &redact.Detection{}}, redact.ModeRedact, 0.8, a, b)

	rr := post(mux, `{"text": "anything"}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)

	var out struct {
		Error    string `json:"error"`
		Backends []struct {
			Backend string `json:"backend"`
			Reason  string `json:"reason"`
		} `json:"backends"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Contains(t, out.Error, "unable to get an answer")
	require.Len(t, out.Backends, 2)
	assert.Equal(t, "agent", out.Backends[0].Backend)
	assert.Equal(t, "quota exceeded", out.Backends[0].Reason)
	assert.Equal(t, "completion", out.Backends[1].Backend)
}

func TestQueryForwardsSession(t *testing.T) {
	a := &fakeAdapter{name: "agent", answer: &backend.Answer{Text: "ok", SessionHandle: "thread_1"}}
	b := &fakeAdapter{name: "completion", answer: &backend.Answer{Text: "ok", SessionHandle: "local-2"}}
	mux := newMux(t, &fakeDetector{detection: &redact.Detection{}}, redact.ModeRedact, 0.8, a, b)

	rr := post(mux, `{"text": "follow-up", "session": {"backend": "completion", "handle": "local-1"}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, 0, a.calls, "bound backend preempts the chain")
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, "local-1", b.gotHandle)
}
