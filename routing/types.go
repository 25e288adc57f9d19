// Package routing provides rule-based intent classification and the
// escalation decision that routes low-confidence results to deeper review.
package routing

// Status represents the outcome class of a rule-based classification.
type Status string

const (
	// StatusResolved means a rule matched with a usable intent.
	StatusResolved Status = "resolved"
	// StatusAmbiguous means rules matched but no single intent stands out.
	StatusAmbiguous Status = "ambiguous"
	// StatusFallback means no rule matched at all.
	StatusFallback Status = "fallback"
)

// Action represents a generic action type detected from the query text.
// Actions are domain-agnostic; the mapping to a concrete intent is handled
// by the keyword dictionary.
type Action string

const (
	ActionQuery  Action = "query"
	ActionSearch Action = "search"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionNone   Action = "none"
)

// Candidate is one intent hypothesis with its rule score.
type Candidate struct {
	Intent string  `json:"intent"`
	Score  float64 `json:"score"`
}

// ResolvedIntent is the intent a classification settled on.
type ResolvedIntent struct {
	Name     string   `json:"name"`
	Action   Action   `json:"action"`
	Keywords []string `json:"keywords,omitempty"`
}

// RuleDecision is the immutable output of the rule-based classifier for one
// query. It is created once per incoming query and then consumed by the
// escalation gate; NeedsReview and ConfidenceGap are derivable from the
// other fields but stored for auditability.
type RuleDecision struct {
	Status             Status          `json:"status"`
	Intent             *ResolvedIntent `json:"intent,omitempty"`
	Candidates         []Candidate     `json:"candidates"`
	TopConfidence      float64         `json:"top_confidence"`
	NextBestConfidence float64         `json:"next_best_confidence"`
	ConfidenceGap      float64         `json:"confidence_gap"`
	NeedsReview        bool            `json:"needs_review"`
	TriggerReason      string          `json:"trigger_reason,omitempty"`
	Action             Action          `json:"action"`
	IsFallback         bool            `json:"is_fallback"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
}
