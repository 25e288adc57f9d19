package routing

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"
)

// Pre-compiled regex patterns for generic action detection.
var (
	updatePatternRegex = regexp.MustCompile(`\b(update|change|modify|cancel|delete|reschedule|move)\b`)
	searchPatternRegex = regexp.MustCompile(`\b(search|find|look\s?up)\b`)
	queryPatternRegex  = regexp.MustCompile(`\b(show|list|what|which|when|do i have)\b`)
	createPatternRegex = regexp.MustCompile(`\b(create|add|new|remind|note|record|save|book)\b`)
)

// Classifier implements Layer 1 rule-based intent classification.
// Target: near-zero latency; everything it cannot resolve confidently is
// escalated by the gate downstream.
type Classifier struct {
	source KeywordSource
	gate   *Gate
}

// NewClassifier creates a classifier backed by the given keyword source.
// The gate stamps NeedsReview and TriggerReason onto each decision.
func NewClassifier(source KeywordSource, gate *Gate) *Classifier {
	if gate == nil {
		gate = NewGate(GateConfig{})
	}
	return &Classifier{source: source, gate: gate}
}

// Classify runs rule-based classification on one query and returns an
// immutable RuleDecision.
func (c *Classifier) Classify(input string) *RuleDecision {
	lower := normalizeInput(input)

	action := detectAction(lower)

	var matches []IntentMatch
	if c.source != nil {
		matches = c.source.MatchIntents(input)
	}

	candidates := make([]Candidate, len(matches))
	for i, m := range matches {
		candidates[i] = Candidate{Intent: m.Intent, Score: m.Score}
	}

	top, nextBest, gap := Score(candidates)

	d := &RuleDecision{
		Candidates:         candidates,
		TopConfidence:      top,
		NextBestConfidence: nextBest,
		ConfidenceGap:      gap,
		Action:             action,
	}

	switch {
	case len(matches) == 0:
		d.Status = StatusFallback
		d.IsFallback = true
	case len(matches) > 1 && gap < 1e-9:
		d.Status = StatusAmbiguous
	default:
		d.Status = StatusResolved
		best := matches[0]
		resolvedAction := best.Action
		if action != ActionNone {
			resolvedAction = action
		}
		d.Intent = &ResolvedIntent{
			Name:     best.Intent,
			Action:   resolvedAction,
			Keywords: best.Keywords,
		}
	}

	gd := c.gate.Evaluate(d)
	d.NeedsReview = gd.Outcome == OutcomeEscalate
	d.TriggerReason = gd.Reason

	slog.Debug("rule classification",
		"status", d.Status,
		"top_confidence", d.TopConfidence,
		"gap", d.ConfidenceGap,
		"candidates", len(d.Candidates),
		"needs_review", d.NeedsReview,
	)
	return d
}

// detectAction detects the generic action type using pre-compiled
// patterns, checked in order of specificity.
func detectAction(input string) Action {
	if updatePatternRegex.MatchString(input) {
		return ActionUpdate
	}
	if searchPatternRegex.MatchString(input) {
		return ActionSearch
	}
	if queryPatternRegex.MatchString(input) {
		return ActionQuery
	}
	if createPatternRegex.MatchString(input) {
		return ActionCreate
	}
	return ActionNone
}

// normalizeInput lowercases and strips punctuation once so downstream
// matching runs on a clean string.
func normalizeInput(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
