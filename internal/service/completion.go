// Package service composes the completion pipeline: history retrieval,
// model routing, payload normalization, provider execution, response
// normalization, and optional self-refinement.
//
// FLOW (one request):
//  1. Validate the unified request (client errors before any upstream call)
//  2. HistoryManager resolves conversation context under the token budget
//  3. Router selects the adapter for the requested model
//  4. Adapter executes the call (the request normalizer builds its payload)
//  5. The response normalizer converts the raw reply to the unified schema
//  6. If refinement is requested, the engine takes over on the same adapter
package service

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/relayforge/completion-gateway/internal/adapters"
	"github.com/relayforge/completion-gateway/internal/history"
	"github.com/relayforge/completion-gateway/internal/normalize"
	"github.com/relayforge/completion-gateway/internal/refine"
	"github.com/relayforge/completion-gateway/internal/schema"
)

// DefaultHistoryBudget caps retrieved history when the request does not
// supply a budget of its own.
const DefaultHistoryBudget = 4000

// CompletionService is the top-level orchestrator.
type CompletionService struct {
	router  *adapters.Router
	history *history.Manager
	engine  *refine.Engine
	scorers map[string]refine.Scorer
}

// New creates a completion service. scorers maps refinement scorer ids to
// their externally supplied implementations; nil means refinement
// directives always degrade.
func New(router *adapters.Router, hist *history.Manager, scorers map[string]refine.Scorer) *CompletionService {
	return &CompletionService{
		router:  router,
		history: hist,
		engine:  refine.NewEngine(),
		scorers: scorers,
	}
}

// History exposes the manager so the transport layer can append turns.
func (s *CompletionService) History() *history.Manager { return s.history }

// Router exposes the model registry for listings.
func (s *CompletionService) Router() *adapters.Router { return s.router }

// Complete answers one non-streaming request.
func (s *CompletionService) Complete(ctx context.Context, req *schema.CompletionRequest) (*schema.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	adapter, err := s.router.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	system := req.SystemPrompt()
	user := req.Messages[len(req.Messages)-1].Content
	hist := s.resolveHistory(req)
	opts := genOptions(req)

	// Structured output takes a separate path: the adapter either uses
	// native enforcement or prompt-engineers JSON, and the parsed value
	// becomes the choice content verbatim.
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
		return s.completeStructured(ctx, adapter, req, system, user, hist)
	}

	raw, err := adapter.GenerateRaw(ctx, system, user, hist, opts)
	if err != nil {
		return nil, err
	}
	resp := normalize.NormalizeResponse(raw, req.Model)

	if req.Refinement != nil && req.Refinement.Enabled {
		s.refineResponse(ctx, adapter, req, system, user, hist, resp)
	}
	return resp, nil
}

// CompleteStream answers one streaming request. The returned channel is
// finite; an upstream failure mid-stream surfaces as one error chunk
// before the channel closes, and the transport appends the terminator.
func (s *CompletionService) CompleteStream(ctx context.Context, req *schema.CompletionRequest) (<-chan schema.StreamChunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	adapter, err := s.router.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	system := req.SystemPrompt()
	user := req.Messages[len(req.Messages)-1].Content
	hist := s.resolveHistory(req)

	fragments, err := adapter.GenerateStream(ctx, system, user, hist, genOptions(req))
	if err != nil {
		return nil, err
	}

	id := schema.NewStreamID()
	out := make(chan schema.StreamChunk)
	go func() {
		defer close(out)

		first := true
		for frag := range fragments {
			if frag.Err != nil {
				errChunk := schema.StreamChunk{Error: &schema.StreamError{
					Message: frag.Err.Error(),
					Type:    "upstream_error",
				}}
				select {
				case out <- errChunk:
				case <-ctx.Done():
				}
				return
			}
			chunk := schema.NewStreamChunk(id, req.Model, frag.Text, nil)
			if first {
				chunk.Choices[0].Delta.Role = schema.RoleAssistant
				first = false
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		stop := schema.FinishStop
		final := schema.NewStreamChunk(id, req.Model, "", &stop)
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// completeStructured executes the structured-output path.
func (s *CompletionService) completeStructured(ctx context.Context, adapter adapters.ProviderAdapter, req *schema.CompletionRequest, system, user string, hist []schema.Message) (*schema.CompletionResponse, error) {
	schemaDoc, err := json.Marshal(req.ResponseFormat.JSONSchema.Schema)
	if err != nil {
		return nil, err
	}

	value, err := adapter.GenerateStructured(ctx, system, user, hist, schemaDoc)
	if err != nil {
		return nil, err
	}

	resp := schema.NewCompletionResponse(req.Model)
	resp.Choices = []schema.Choice{{
		Index:        0,
		Message:      schema.Message{Role: schema.RoleAssistant, Content: string(value)},
		FinishReason: schema.FinishStop,
	}}
	resp.Usage = schema.Usage{} // structured paths report no usage from prompt-engineered parses
	return resp, nil
}

// refineResponse runs the critique-revise loop over the base answer and
// folds the outcome back into the response. Never fails the request.
func (s *CompletionService) refineResponse(ctx context.Context, adapter adapters.ProviderAdapter, req *schema.CompletionRequest, system, user string, hist []schema.Message, resp *schema.CompletionResponse) {
	if len(resp.Choices) == 0 {
		return
	}

	scorerID := req.Refinement.Scorer
	if scorerID == "" {
		scorerID = "similarity"
	}
	scorer, ok := s.scorers[scorerID]
	if !ok {
		log.Warn().Str("scorer", scorerID).Msg("unknown refinement scorer, keeping base answer")
		resp.Refinement = &schema.RefinementMetadata{
			MetricUsed:      scorerID,
			Threshold:       req.Refinement.Threshold,
			RefinementModel: req.Model,
			RefinementHistory: []schema.RefinementIteration{{
				Kind:     schema.IterationFinal,
				Text:     resp.Choices[0].Message.Content,
				Score:    0.0,
				Feedback: "refinement failed: unknown scorer " + scorerID,
			}},
		}
		return
	}

	opts := refine.Options{
		Threshold: req.Refinement.Threshold,
		MaxIters:  req.Refinement.MaxIters,
	}
	if opts.Threshold <= 0 {
		opts.Threshold = refine.DefaultThreshold
	}
	if opts.MaxIters <= 0 {
		opts.MaxIters = refine.DefaultMaxIters
	}
	result := s.engine.Refine(ctx, adapter, scorer, system, user, resp.Choices[0].Message.Content, hist, opts)

	resp.Choices[0].Message.Content = result.Text
	resp.Refinement = &schema.RefinementMetadata{
		MetricUsed:        scorer.Name(),
		Threshold:         opts.Threshold,
		RefinementModel:   req.Model,
		RefinementHistory: result.Iterations,
	}
}

// resolveHistory fetches pruned conversation context for the request.
// History is server-held only: stateless requests get none, and the
// caller-supplied message array is never treated as stored history.
func (s *CompletionService) resolveHistory(req *schema.CompletionRequest) []schema.Message {
	if req.ConversationID == "" || s.history == nil {
		return nil
	}
	budget := req.HistoryBudget
	if budget <= 0 {
		budget = DefaultHistoryBudget
	}
	return s.history.Fetch(req.ConversationID, budget)
}

// genOptions lifts the request's generation parameters.
func genOptions(req *schema.CompletionRequest) *adapters.GenOptions {
	return &adapters.GenOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
}
