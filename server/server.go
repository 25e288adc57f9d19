// Package server exposes the HTTP surface of the escalation pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/intentrelay/inference"
	"github.com/hrygo/intentrelay/internal/profile"
	"github.com/hrygo/intentrelay/metrics"
	"github.com/hrygo/intentrelay/relay"
	"github.com/hrygo/intentrelay/routing"
)

// Enqueuer is the publisher surface the server depends on.
type Enqueuer interface {
	Enqueue(msg *relay.EscalationMessage, opts relay.EnqueueOptions) (string, error)
}

// Completer is the inference surface the server depends on.
type Completer interface {
	Complete(ctx context.Context, req *inference.Request) (*inference.Result, error)
}

// Server wires the classification pipeline behind an HTTP API. The caller
// always gets either the rule-based answer or an acknowledgment that the
// query was queued for deeper review; broker and inference transport
// errors never surface to the end user.
type Server struct {
	echo       *echo.Echo
	profile    *profile.Profile
	classifier *routing.Classifier
	gate       *routing.Gate
	publisher  Enqueuer
	inference  Completer
	exporter   *metrics.Exporter
}

// NewServer creates the HTTP server.
func NewServer(p *profile.Profile, classifier *routing.Classifier, gate *routing.Gate, publisher Enqueuer, completer Completer, exporter *metrics.Exporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:       e,
		profile:    p,
		classifier: classifier,
		gate:       gate,
		publisher:  publisher,
		inference:  completer,
		exporter:   exporter,
	}

	e.GET("/healthz", s.handleHealth)
	if exporter != nil {
		e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}
	e.POST("/api/v1/query", s.handleQuery)

	return s
}

// QueryRequest is the inbound chat query.
type QueryRequest struct {
	Query     string       `json:"query"`
	SessionID string       `json:"session_id,omitempty"`
	UserID    string       `json:"user_id,omitempty"`
	History   []relay.Turn `json:"history,omitempty"`
	Priority  string       `json:"priority,omitempty"`
	// Sync requests an immediate deep answer instead of queueing.
	Sync bool `json:"sync,omitempty"`
}

// QueryResponse is the caller-facing result.
type QueryResponse struct {
	Outcome   string                 `json:"outcome"` // accepted, escalated
	Intent    *routing.ResolvedIntent `json:"intent,omitempty"`
	Answer    string                 `json:"answer,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Queued    bool                   `json:"queued,omitempty"`
	Decision  *routing.RuleDecision  `json:"decision,omitempty"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	decision := s.classifier.Classify(req.Query)
	gd := s.gate.Evaluate(decision)
	if s.exporter != nil {
		s.exporter.RecordGateDecision(string(gd.Outcome), gd.Reason)
	}

	if gd.Outcome == routing.OutcomeAccept {
		return c.JSON(http.StatusOK, QueryResponse{
			Outcome:  "accepted",
			Intent:   decision.Intent,
			Decision: decision,
		})
	}

	msg := &relay.EscalationMessage{
		Query:     req.Query,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		History:   req.History,
		Decision:  decision,
		Priority:  relay.Priority(req.Priority),
	}

	if req.Sync && s.inference != nil {
		if resp, ok := s.completeSync(c.Request().Context(), &req, decision); ok {
			return c.JSON(http.StatusOK, resp)
		}
		// Fall through to the queued path: availability over surfacing
		// transport errors.
	}

	requestID, err := s.publisher.Enqueue(msg, relay.EnqueueOptions{})
	if err != nil {
		// Asynchronous enqueue only fails on shutdown; still acknowledge
		// with the id so the caller can retry.
		slog.Error("escalation enqueue failed", "request_id", requestID, "error", err)
	}

	return c.JSON(http.StatusAccepted, QueryResponse{
		Outcome:   "escalated",
		RequestID: requestID,
		Queued:    true,
		Decision:  decision,
	})
}

// completeSync runs the inference path for callers that need an immediate
// answer. Failure is reported as not-ok so the handler can degrade to the
// queued acknowledgment.
func (s *Server) completeSync(ctx context.Context, req *QueryRequest, decision *routing.RuleDecision) (QueryResponse, bool) {
	messages := make([]inference.Message, 0, len(req.History)+2)
	messages = append(messages, inference.SystemPrompt(
		"You resolve user intents that keyword rules could not classify confidently. Answer the query directly."))
	for _, t := range req.History {
		messages = append(messages, inference.Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, inference.UserMessage(req.Query))

	start := time.Now()
	result, err := s.inference.Complete(ctx, &inference.Request{Messages: messages})
	if s.exporter != nil {
		code := ""
		if err != nil {
			code = string(inference.ErrUnknown)
			var cerr *inference.ClassifiedError
			if errors.As(err, &cerr) {
				code = string(cerr.Code)
			}
		}
		s.exporter.RecordInference(time.Since(start), code)
	}
	if err != nil {
		slog.Warn("synchronous escalation failed, degrading to queue", "error", err)
		return QueryResponse{}, false
	}

	return QueryResponse{
		Outcome:  "escalated",
		Answer:   result.Content,
		Decision: decision,
	}, true
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.profile.Version,
	})
}

// Start begins serving on the profile's address.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("http server listening", "addr", addr, "mode", s.profile.Mode)
	return s.echo.Start(addr)
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
