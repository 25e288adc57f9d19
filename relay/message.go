// Package relay delivers escalation messages to a message broker through a
// single background worker, with batching, time-bounded deduplication, and
// lazy connection recovery.
package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/intentrelay/routing"
)

// Priority is the delivery priority of an escalation message.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Turn is one conversation history entry attached to an escalation.
type Turn struct {
	Role    string `json:"role" msgpack:"role"`
	Content string `json:"content" msgpack:"content"`
}

// EscalationMessage is the publisher's unit of work: one query that the
// rule-based classifier could not confidently resolve. The caller creates
// it; the publisher owns it from Enqueue until it is handed to the broker.
type EscalationMessage struct {
	RequestID string                `json:"request_id" msgpack:"request_id"`
	Query     string                `json:"query" msgpack:"query"`
	SessionID string                `json:"session_id,omitempty" msgpack:"session_id"`
	UserID    string                `json:"user_id,omitempty" msgpack:"user_id"`
	History   []Turn                `json:"history,omitempty" msgpack:"history"`
	Decision  *routing.RuleDecision `json:"decision,omitempty" msgpack:"decision"`
	CreatedAt time.Time             `json:"created_at" msgpack:"created_at"`
	Priority  Priority              `json:"priority" msgpack:"priority"`
	Metadata  map[string]any        `json:"metadata,omitempty" msgpack:"metadata"`
}

// normalize completes the message in place: generates a request id if
// absent, stamps a UTC second-precision timestamp, normalizes priority,
// and merges metadata-embedded session/user/history fields with explicit
// fields taking precedence. Candidate intent/score pairs from the decision
// are mirrored into metadata for downstream consumers.
func (m *EscalationMessage) normalize() {
	if m.RequestID == "" {
		m.RequestID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC().Truncate(time.Second)
	} else {
		m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Second)
	}
	if m.Priority != PriorityHigh {
		m.Priority = PriorityNormal
	}

	if m.SessionID == "" {
		if v, ok := m.Metadata["session_id"].(string); ok {
			m.SessionID = v
		}
	}
	if m.UserID == "" {
		if v, ok := m.Metadata["user_id"].(string); ok {
			m.UserID = v
		}
	}
	if len(m.History) == 0 {
		if v, ok := m.Metadata["history"].([]Turn); ok {
			m.History = v
		}
	}

	if m.Decision != nil && len(m.Decision.Candidates) > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, 1)
		}
		m.Metadata["candidates"] = m.Decision.Candidates
	}
}
