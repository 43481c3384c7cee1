package refine

import (
	"context"
	"fmt"
	"strings"
)

// LexicalScorer is the built-in similarity scorer: word-overlap (Jaccard)
// between the query and the candidate, normalized to [0,1]. It is a cheap
// baseline; callers with a judge model or embedding service register their
// own Scorer instead.
type LexicalScorer struct{}

// NewLexicalScorer creates the baseline similarity scorer.
func NewLexicalScorer() *LexicalScorer { return &LexicalScorer{} }

// Name identifies the metric in refinement metadata.
func (s *LexicalScorer) Name() string { return "similarity" }

// Score computes word-overlap similarity between query and candidate.
func (s *LexicalScorer) Score(_ context.Context, query, candidate string) (ScoreResult, error) {
	qw := wordSet(query)
	cw := wordSet(candidate)
	if len(qw) == 0 || len(cw) == 0 {
		return ScoreResult{Score: 0, Feedback: "empty query or candidate"}, nil
	}

	intersect := 0
	for w := range qw {
		if cw[w] {
			intersect++
		}
	}
	union := len(qw) + len(cw) - intersect
	score := float64(intersect) / float64(union)

	feedback := "candidate covers the query terms"
	if score < 0.5 {
		missing := make([]string, 0, 4)
		for w := range qw {
			if !cw[w] {
				missing = append(missing, w)
			}
			if len(missing) == 4 {
				break
			}
		}
		feedback = fmt.Sprintf("candidate misses query terms: %s", strings.Join(missing, ", "))
	}
	return ScoreResult{Score: score, Feedback: feedback}, nil
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			set[w] = true
		}
	}
	return set
}
