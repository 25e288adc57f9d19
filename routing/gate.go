package routing

import "log/slog"

// Outcome is the escalation gate's verdict for one classification.
type Outcome string

const (
	// OutcomeAccept means the rule-based answer can be returned directly.
	OutcomeAccept Outcome = "accept"
	// OutcomeEscalate means the query needs deeper (more expensive) review.
	OutcomeEscalate Outcome = "escalate"
)

// Machine-readable trigger reasons attached to escalations.
const (
	ReasonLowConfidence = "low_confidence"
	ReasonAmbiguousGap  = "ambiguous_gap"
	ReasonNoRuleMatch   = "no_rule_match"
)

// GateDecision is the gate's output for one RuleDecision.
type GateDecision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// GateConfig holds the escalation thresholds. Defaults are applied for
// non-positive values; production values come from deployment config.
type GateConfig struct {
	// LowConfidenceThreshold escalates any result whose top confidence
	// falls below it (default: 0.6).
	LowConfidenceThreshold float64
	// MinGapThreshold escalates results whose top two candidates score
	// too close together (default: 0.1).
	MinGapThreshold float64
}

// Gate decides whether a classification result is confident enough to
// accept or must be escalated. Evaluation is deterministic and free of
// I/O; each call is independent.
type Gate struct {
	lowConfidence float64
	minGap        float64
}

// NewGate creates a gate with the given thresholds.
func NewGate(cfg GateConfig) *Gate {
	if cfg.LowConfidenceThreshold <= 0 {
		cfg.LowConfidenceThreshold = 0.6
	}
	if cfg.MinGapThreshold <= 0 {
		cfg.MinGapThreshold = 0.1
	}
	return &Gate{
		lowConfidence: cfg.LowConfidenceThreshold,
		minGap:        cfg.MinGapThreshold,
	}
}

// Evaluate applies the escalation rules in order: low top confidence first,
// then an ambiguous gap between the top two candidates, then a fallback
// classification with no rule match at all.
func (g *Gate) Evaluate(d *RuleDecision) GateDecision {
	var decision GateDecision
	switch {
	case d.TopConfidence < g.lowConfidence:
		decision = GateDecision{Outcome: OutcomeEscalate, Reason: ReasonLowConfidence}
	case d.ConfidenceGap < g.minGap:
		decision = GateDecision{Outcome: OutcomeEscalate, Reason: ReasonAmbiguousGap}
	case d.Status == StatusFallback:
		decision = GateDecision{Outcome: OutcomeEscalate, Reason: ReasonNoRuleMatch}
	default:
		decision = GateDecision{Outcome: OutcomeAccept}
	}

	if decision.Outcome == OutcomeEscalate {
		slog.Debug("escalation gate triggered",
			"reason", decision.Reason,
			"top_confidence", d.TopConfidence,
			"confidence_gap", d.ConfidenceGap,
			"status", d.Status,
		)
	}
	return decision
}
