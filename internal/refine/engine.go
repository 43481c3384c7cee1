// Package refine implements the critique-and-revise loop that iteratively
// improves a candidate answer against scored feedback.
//
// DESIGN: A small state machine:
//
//	INIT -> SCORED -> (CONVERGED | REFINING) -> (CONVERGED | MAX_ITERS_REACHED)
//
// The original candidate is scored once; at or above threshold the loop
// converges with zero refinement calls. Below threshold it revises up to
// maxIters times on the SAME adapter - refinement never switches providers
// mid-loop - re-scoring each revision and stopping the moment the score
// crosses the threshold. Iterations are strictly sequential: each revision
// prompt embeds the prior candidate and its feedback.
//
// FAILURE: Any scoring or generation error aborts the loop. The base
// answer is returned unchanged with a single final iteration recording the
// failure. Refinement failures are never fatal to the completion request.
package refine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/relayforge/completion-gateway/internal/adapters"
	"github.com/relayforge/completion-gateway/internal/schema"
)

// ScoreResult is one scoring pass over a candidate.
type ScoreResult struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Scorer is the externally supplied scoring capability. Implementations
// compute similarity/faithfulness/hallucination metrics; their internals
// are outside this package.
type Scorer interface {
	Name() string
	Score(ctx context.Context, query, candidate string) (ScoreResult, error)
}

// Options bound one refinement run.
type Options struct {
	Threshold float64
	MaxIters  int
}

// Default bounds applied when directives leave them zero.
const (
	DefaultThreshold = 0.8
	DefaultMaxIters  = 3
)

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.MaxIters <= 0 {
		o.MaxIters = DefaultMaxIters
	}
	return o
}

// Result is the outcome of one refinement run.
type Result struct {
	// Text is the converged revision, the final revision at the iteration
	// bound, or the original answer whenever refinement failed at any
	// point in the loop.
	Text string

	// Iterations is append-only, wall-clock ordered: one original entry
	// plus at most MaxIters refined entries; exactly one is relabeled
	// final on termination.
	Iterations []schema.RefinementIteration

	Converged bool
}

// Engine orchestrates the critique-revise loop.
type Engine struct{}

// NewEngine creates a refinement engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Run obtains the original candidate from the adapter, scores it, and
// refines until convergence or the iteration bound.
func (e *Engine) Run(ctx context.Context, adapter adapters.ProviderAdapter, scorer Scorer, system, query string, history []schema.Message, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	original, err := adapter.Generate(ctx, system, query, history)
	if err != nil {
		// No base answer exists yet; this is an ordinary generation
		// failure, not a degraded refinement.
		return nil, err
	}
	return e.Refine(ctx, adapter, scorer, system, query, original, history, opts), nil
}

// Refine runs the loop over an already-obtained candidate. It never
// returns an error: failures degrade to the base answer with a failure
// annotation appended.
func (e *Engine) Refine(ctx context.Context, adapter adapters.ProviderAdapter, scorer Scorer, system, query, original string, history []schema.Message, opts Options) *Result {
	opts = opts.withDefaults()
	res := &Result{Text: original}

	sr, err := scorer.Score(ctx, query, original)
	if err != nil {
		return e.failed(res, original, err)
	}
	res.Iterations = append(res.Iterations, schema.RefinementIteration{
		Kind:     schema.IterationOriginal,
		Text:     original,
		Score:    sr.Score,
		Feedback: sr.Feedback,
	})

	// Zero-iteration fast path: no refinement call at all.
	if sr.Score >= opts.Threshold {
		res.Converged = true
		return e.finish(res)
	}

	candidate := original
	feedback := sr.Feedback
	score := sr.Score

	for i := 0; i < opts.MaxIters; i++ {
		revised, err := adapter.Generate(ctx, system, revisionPrompt(query, candidate, score, feedback), history)
		if err != nil {
			return e.failed(res, original, err)
		}

		sr, err = scorer.Score(ctx, query, revised)
		if err != nil {
			return e.failed(res, original, err)
		}

		candidate = revised
		score = sr.Score
		feedback = sr.Feedback
		res.Iterations = append(res.Iterations, schema.RefinementIteration{
			Kind:     schema.IterationRefined,
			Text:     revised,
			Score:    score,
			Feedback: feedback,
		})
		res.Text = revised

		if score >= opts.Threshold {
			res.Converged = true
			break
		}
	}

	if !res.Converged {
		log.Debug().Int("iterations", len(res.Iterations)-1).Float64("score", score).Msg("refinement hit iteration bound")
	}
	return e.finish(res)
}

// finish retroactively relabels the last recorded iteration as final.
func (e *Engine) finish(res *Result) *Result {
	if n := len(res.Iterations); n > 0 {
		res.Iterations[n-1].Kind = schema.IterationFinal
	}
	return res
}

// failed discards any partial revisions and restores the original answer,
// appending a single failure annotation.
func (e *Engine) failed(res *Result, original string, cause error) *Result {
	log.Warn().Err(cause).Msg("refinement aborted, returning base answer")
	res.Text = original
	res.Iterations = append(res.Iterations, schema.RefinementIteration{
		Kind:     schema.IterationFinal,
		Text:     original,
		Score:    0.0,
		Feedback: fmt.Sprintf("refinement failed: %v", cause),
	})
	res.Converged = false
	return res
}

// revisionPrompt embeds the original query, the current candidate, and the
// structured feedback into one revision instruction.
func revisionPrompt(query, candidate string, score float64, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Your previous answer needs improvement.\n\n")
	fmt.Fprintf(&sb, "Original question:\n%s\n\n", query)
	fmt.Fprintf(&sb, "Previous answer (scored %.2f):\n%s\n\n", score, candidate)
	if feedback != "" {
		fmt.Fprintf(&sb, "Feedback:\n%s\n\n", feedback)
	}
	sb.WriteString("Rewrite the answer addressing the feedback. Reply with the improved answer only.")
	return sb.String()
}
