package routing

// Score collapses an ordered candidate list into the top confidence, the
// runner-up confidence, and the gap between them.
//
// Candidates must already be sorted descending by score; the scorer does
// not re-sort. An empty input yields all zeros.
func Score(candidates []Candidate) (top, nextBest, gap float64) {
	if len(candidates) == 0 {
		return 0, 0, 0
	}
	top = candidates[0].Score
	if len(candidates) > 1 {
		nextBest = candidates[1].Score
	}
	return top, nextBest, top - nextBest
}
