package routing

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeywordSource supplies weighted keyword matches for an input.
// This keeps the classifier decoupled from how dictionaries are loaded.
type KeywordSource interface {
	// MatchIntents returns intent candidates for the input, sorted
	// descending by score.
	MatchIntents(input string) []IntentMatch
}

// IntentMatch is one dictionary hit: an intent plus the keywords and
// weighted score that produced it.
type IntentMatch struct {
	Intent   string
	Action   Action
	Score    float64
	Keywords []string
}

// IntentSpec is the YAML shape of one intent entry in the dictionary file.
type IntentSpec struct {
	Name     string         `yaml:"name"`
	Action   string         `yaml:"action"`
	Keywords map[string]int `yaml:"keywords"`
}

type dictionaryFile struct {
	Intents []IntentSpec `yaml:"intents"`
}

// Dictionary is a config-driven keyword dictionary implementing
// KeywordSource. Scores are normalized weighted keyword hits.
type Dictionary struct {
	intents  []IntentSpec
	maxScore int
}

// NewDictionary creates a dictionary from intent specs.
func NewDictionary(intents []IntentSpec) *Dictionary {
	return &Dictionary{intents: intents, maxScore: 6}
}

// LoadDictionary loads a dictionary from a YAML file, falling back to the
// executable directory for production builds.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		execPath, execErr := os.Executable()
		if execErr != nil {
			return nil, fmt.Errorf("read dictionary %s: %w", path, err)
		}
		data, err = os.ReadFile(filepath.Join(filepath.Dir(execPath), path))
		if err != nil {
			return nil, fmt.Errorf("read dictionary %s: %w", path, err)
		}
	}

	var file dictionaryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal dictionary %s: %w", path, err)
	}
	return NewDictionary(file.Intents), nil
}

// MatchIntents scores every configured intent against the input and
// returns the non-zero candidates sorted descending by score.
func (d *Dictionary) MatchIntents(input string) []IntentMatch {
	lower := strings.ToLower(input)

	matches := make([]IntentMatch, 0, len(d.intents))
	for _, spec := range d.intents {
		score := 0
		var hits []string
		for keyword, weight := range spec.Keywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				score += weight
				hits = append(hits, keyword)
			}
		}
		if score == 0 {
			continue
		}
		sort.Strings(hits)
		matches = append(matches, IntentMatch{
			Intent:   spec.Name,
			Action:   Action(spec.Action),
			Score:    d.normalize(score),
			Keywords: hits,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// normalize converts a raw weighted score to a 0-1 confidence, capped at
// 0.95 so a rule match never claims certainty.
func (d *Dictionary) normalize(score int) float64 {
	if score >= d.maxScore {
		return 0.95
	}
	return float64(score) / float64(d.maxScore)
}
