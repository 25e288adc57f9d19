package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name         string
		candidates   []Candidate
		expectedTop  float64
		expectedNext float64
	}{
		{
			name:       "empty input yields zeros",
			candidates: nil,
		},
		{
			name:        "single candidate has zero runner-up",
			candidates:  []Candidate{{Intent: "memo_search", Score: 0.8}},
			expectedTop: 0.8,
		},
		{
			name: "two candidates",
			candidates: []Candidate{
				{Intent: "schedule_query", Score: 0.92},
				{Intent: "memo_search", Score: 0.40},
			},
			expectedTop:  0.92,
			expectedNext: 0.40,
		},
		{
			name: "more than two candidates ignores the tail",
			candidates: []Candidate{
				{Intent: "a", Score: 0.7},
				{Intent: "b", Score: 0.65},
				{Intent: "c", Score: 0.1},
			},
			expectedTop:  0.7,
			expectedNext: 0.65,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top, next, gap := Score(tt.candidates)
			assert.InDelta(t, tt.expectedTop, top, 1e-6)
			assert.InDelta(t, tt.expectedNext, next, 1e-6)
			assert.InDelta(t, tt.expectedTop-tt.expectedNext, gap, 1e-6)
		})
	}
}
