// ABOUTME: Capability matcher scoring a task's text against template vocabularies.
// ABOUTME: Pluggable Scorer interface so keyword matching can be swapped out later.

package template

import "strings"

// Weights for the keyword scorer. Fixed; determinism is load-bearing for
// assignment reproducibility.
const (
	preferredWeight  = 10
	avoidWeight      = -5
	tagWeight        = 3
	capabilityWeight = 2
)

// TaskText is the slice of a task the matcher scores against. Defined here
// so the matcher has no dependency on the task package.
type TaskText struct {
	Title       string
	Description string
}

// Scorer scores a task against a template. Higher is a better fit.
// Implementations must be deterministic for a fixed input.
type Scorer interface {
	Score(task TaskText, tpl *Template) int
}

// KeywordScorer scores by case-insensitive substring containment of the
// task's title and description against the template's vocabulary.
type KeywordScorer struct{}

// NewKeywordScorer returns the default scoring strategy.
func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{}
}

// Score applies the weighted keyword heuristic:
// +10 per matched preferred phrase, -5 per matched avoid phrase,
// +3 per matched tag, +2 per matched capability or language token.
func (s *KeywordScorer) Score(task TaskText, tpl *Template) int {
	text := strings.ToLower(task.Title + " " + task.Description)

	score := 0
	for _, phrase := range tpl.TaskPreferences.Preferred {
		if contains(text, phrase) {
			score += preferredWeight
		}
	}
	for _, phrase := range tpl.TaskPreferences.Avoid {
		if contains(text, phrase) {
			score += avoidWeight
		}
	}
	for _, tag := range tpl.Tags {
		if contains(text, tag) {
			score += tagWeight
		}
	}
	for _, cap := range tpl.Capabilities {
		if contains(text, cap) {
			score += capabilityWeight
		}
	}
	for _, lang := range tpl.Languages {
		if contains(text, lang) {
			score += capabilityWeight
		}
	}
	return score
}

func contains(text, phrase string) bool {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	return phrase != "" && strings.Contains(text, phrase)
}

// FindBestMatch returns the template with the strictly highest score, or nil
// when no template scores above zero. The best-score accumulator starts at
// zero, so an all-negative or all-zero field yields no match; strict
// comparison makes ties resolve to the first template in input order.
// Callers depend on this exact threshold behavior.
func FindBestMatch(s Scorer, task TaskText, templates []*Template) (*Template, int) {
	bestScore := 0
	var best *Template
	for _, tpl := range templates {
		if score := s.Score(task, tpl); score > bestScore {
			best = tpl
			bestScore = score
		}
	}
	return best, bestScore
}
