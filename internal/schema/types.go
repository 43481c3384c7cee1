// Package schema defines the unified request/response wire format.
//
// DESIGN: Every provider is normalized to and from ONE shape - the de facto
// chat-completion JSON format. Providers never leak their native types past
// internal/normalize; everything above speaks these structs.
//
// FILES:
//   - types.go:  request/response/stream types, roles, finish reasons
//   - errors.go: typed error taxonomy shared by all components
package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message roles. Only these three appear in unified messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultSystemPrompt is synthesized when a request carries no system message.
const DefaultSystemPrompt = "You are a helpful assistant."

// FinishReason is the normalized completion-stop vocabulary.
// Provider-native values (end_turn, max_tokens, MAX_TOKENS, SAFETY, ...)
// are mapped onto these three by the response normalizer.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

// Message is a single conversation turn. Ordering within a conversation is
// significant and preserved end to end.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ResponseFormat is the optional structured-output descriptor:
// {"type": "json_schema", "json_schema": {"schema": {...}}}
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema wraps a raw JSON Schema document.
type JSONSchema struct {
	Name   string                 `json:"name,omitempty"`
	Schema map[string]interface{} `json:"schema"`
}

// RefinementOptions are the optional refinement directives on a request.
type RefinementOptions struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold,omitempty"`
	MaxIters  int     `json:"max_iterations,omitempty"`
	Scorer    string  `json:"scorer,omitempty"`
}

// CompletionRequest is the unified request consumed from the transport layer.
type CompletionRequest struct {
	Model          string             `json:"model"`
	Messages       []Message          `json:"messages"`
	Temperature    *float64           `json:"temperature,omitempty"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	TopP           *float64           `json:"top_p,omitempty"`
	Stop           []string           `json:"stop,omitempty"`
	Stream         bool               `json:"stream,omitempty"`
	ResponseFormat *ResponseFormat    `json:"response_format,omitempty"`
	Refinement     *RefinementOptions `json:"refinement,omitempty"`

	// ConversationID keys server-held history. Empty means stateless.
	ConversationID string `json:"conversation_id,omitempty"`

	// HistoryBudget caps the estimated token cost of retrieved history.
	HistoryBudget int `json:"history_token_budget,omitempty"`
}

// Validate checks the request before any upstream call is attempted.
// Invalid model or empty user query must fail as client errors here.
func (r *CompletionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser {
		return fmt.Errorf("%w: last message must have role %q, got %q", ErrInvalidRequest, RoleUser, last.Role)
	}
	if last.Content == "" {
		return fmt.Errorf("%w: user query must not be empty", ErrInvalidRequest)
	}
	return nil
}

// SystemPrompt returns the request's system message content, synthesizing
// the default when the caller supplied none.
func (r *CompletionRequest) SystemPrompt() string {
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return DefaultSystemPrompt
}

// Usage is the normalized token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is a single generated alternative.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// RefinementIteration records one pass of the critique-revise loop.
// Kind is "original" for the first entry, "refined" for intermediate
// entries, and exactly one entry carries "final" once the loop terminates.
type RefinementIteration struct {
	Kind     string  `json:"kind"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

// Iteration kinds.
const (
	IterationOriginal = "original"
	IterationRefined  = "refined"
	IterationFinal    = "final"
)

// RefinementMetadata is attached to a response only when refinement ran.
type RefinementMetadata struct {
	MetricUsed        string                `json:"metric_used"`
	Threshold         float64               `json:"threshold"`
	RefinementModel   string                `json:"refinement_model"`
	RefinementHistory []RefinementIteration `json:"refinement_history"`
}

// CompletionResponse is the unified response, bit-compatible with the
// industry chat-completion wire format plus optional extension fields.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Refinement is present only when the refinement loop executed.
	Refinement *RefinementMetadata `json:"refinement_metadata,omitempty"`

	// Normalization is "degraded" when the provider payload could not be
	// fully parsed and the raw body was stringified into content instead.
	Normalization string `json:"normalization,omitempty"`

	// UsageEstimated flags a usage block synthesized from word counts
	// because the provider supplied none.
	UsageEstimated bool `json:"usage_estimated,omitempty"`
}

// NewCompletionResponse constructs a response shell with a fresh id.
func NewCompletionResponse(model string) *CompletionResponse {
	return &CompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
}

// Normalization marker values.
const NormalizationDegraded = "degraded"
