package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/intentrelay/inference"
	"github.com/hrygo/intentrelay/internal/profile"
	"github.com/hrygo/intentrelay/relay"
	"github.com/hrygo/intentrelay/routing"
)

type stubSource struct {
	matches []routing.IntentMatch
}

func (s *stubSource) MatchIntents(string) []routing.IntentMatch {
	return s.matches
}

type stubEnqueuer struct {
	messages []*relay.EscalationMessage
	opts     []relay.EnqueueOptions
	err      error
}

func (s *stubEnqueuer) Enqueue(msg *relay.EscalationMessage, opts relay.EnqueueOptions) (string, error) {
	s.messages = append(s.messages, msg)
	s.opts = append(s.opts, opts)
	return "req-123", s.err
}

type stubCompleter struct {
	result *inference.Result
	err    error
	calls  int
}

func (s *stubCompleter) Complete(_ context.Context, _ *inference.Request) (*inference.Result, error) {
	s.calls++
	return s.result, s.err
}

func newTestServer(source routing.KeywordSource, pub Enqueuer, comp Completer) *Server {
	gate := routing.NewGate(routing.GateConfig{})
	classifier := routing.NewClassifier(source, gate)
	p := &profile.Profile{Mode: "dev", Addr: "127.0.0.1", Port: 0, Version: "test"}
	return NewServer(p, classifier, gate, pub, comp, nil)
}

func doQuery(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, QueryResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var resp QueryResponse
	if rec.Code < http.StatusBadRequest {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHandleQuery_HighConfidenceAccepted(t *testing.T) {
	source := &stubSource{matches: []routing.IntentMatch{
		{Intent: "schedule_query", Action: routing.ActionQuery, Score: 0.92, Keywords: []string{"schedule"}},
		{Intent: "memo_search", Action: routing.ActionSearch, Score: 0.40},
	}}
	pub := &stubEnqueuer{}
	s := newTestServer(source, pub, nil)

	rec, resp := doQuery(t, s, `{"query": "show my schedule for tomorrow"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", resp.Outcome)
	require.NotNil(t, resp.Intent)
	assert.Equal(t, "schedule_query", resp.Intent.Name)
	assert.Empty(t, pub.messages, "accepted queries must not be enqueued")
}

func TestHandleQuery_NoMatchEscalates(t *testing.T) {
	pub := &stubEnqueuer{}
	s := newTestServer(&stubSource{}, pub, nil)

	rec, resp := doQuery(t, s, `{"query": "what is the meaning of life", "session_id": "sess-1", "user_id": "u-1", "priority": "high"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "escalated", resp.Outcome)
	assert.True(t, resp.Queued)
	assert.Equal(t, "req-123", resp.RequestID)

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "what is the meaning of life", msg.Query)
	assert.Equal(t, "sess-1", msg.SessionID)
	assert.Equal(t, "u-1", msg.UserID)
	assert.Equal(t, relay.PriorityHigh, msg.Priority)
	require.NotNil(t, msg.Decision)
	assert.True(t, msg.Decision.NeedsReview)
}

func TestHandleQuery_AmbiguousGapEscalates(t *testing.T) {
	source := &stubSource{matches: []routing.IntentMatch{
		{Intent: "memo_search", Action: routing.ActionSearch, Score: 0.65},
		{Intent: "schedule_query", Action: routing.ActionQuery, Score: 0.62},
	}}
	pub := &stubEnqueuer{}
	s := newTestServer(source, pub, nil)

	rec, resp := doQuery(t, s, `{"query": "find the meeting notes"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "escalated", resp.Outcome)
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "ambiguous_gap", pub.messages[0].Decision.TriggerReason)
}

func TestHandleQuery_SyncEscalationReturnsAnswer(t *testing.T) {
	pub := &stubEnqueuer{}
	comp := &stubCompleter{result: &inference.Result{Content: "deep answer", Attempts: 1}}
	s := newTestServer(&stubSource{}, pub, comp)

	rec, resp := doQuery(t, s, `{"query": "explain this obscure thing", "sync": true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "escalated", resp.Outcome)
	assert.Equal(t, "deep answer", resp.Answer)
	assert.False(t, resp.Queued)
	assert.Equal(t, 1, comp.calls)
	assert.Empty(t, pub.messages, "successful sync completion must not also enqueue")
}

func TestHandleQuery_SyncFailureDegradesToQueue(t *testing.T) {
	pub := &stubEnqueuer{}
	comp := &stubCompleter{err: &inference.ClassifiedError{Code: inference.ErrServer, Message: "boom", Attempts: 3, Err: errors.New("boom")}}
	s := newTestServer(&stubSource{}, pub, comp)

	rec, resp := doQuery(t, s, `{"query": "explain this obscure thing", "sync": true}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, resp.Queued)
	assert.Equal(t, 1, comp.calls)
	require.Len(t, pub.messages, 1, "failed sync completion degrades to the queued path")
}

func TestHandleQuery_ValidatesInput(t *testing.T) {
	s := newTestServer(&stubSource{}, &stubEnqueuer{}, nil)

	rec, _ := doQuery(t, s, `{"query": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doQuery(t, s, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuery_EnqueueErrorStillAcknowledges(t *testing.T) {
	pub := &stubEnqueuer{err: relay.ErrStopped}
	s := newTestServer(&stubSource{}, pub, nil)

	rec, resp := doQuery(t, s, `{"query": "something unclassifiable"}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, resp.Queued)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&stubSource{}, &stubEnqueuer{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}
