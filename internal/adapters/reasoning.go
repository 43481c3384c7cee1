package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relayforge/completion-gateway/internal/normalize"
	"github.com/relayforge/completion-gateway/internal/schema"
)

// apiVersion is the messages-API version header value.
const reasoningAPIVersion = "2023-06-01"

// bedrockAnthropicVersion replaces the version header when the same wire
// format is served through a SigV4-signed Bedrock endpoint.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// ReasoningChatAdapter targets backends that strip system messages from
// the array and carry the system instruction as a dedicated top-level
// field. No native structured output: JSON is prompt-engineered.
type ReasoningChatAdapter struct {
	baseAdapter

	// bedrock switches the payload to the hosted variant, which replaces
	// the model field with an anthropic_version marker (the model id lives
	// in the endpoint path) and authenticates via the signing transport.
	bedrock bool
}

// NewReasoningChatAdapter creates an adapter bound to one model.
func NewReasoningChatAdapter(cfg Config) *ReasoningChatAdapter {
	return &ReasoningChatAdapter{baseAdapter: newReasoningBase(cfg, true)}
}

// NewBedrockReasoningAdapter creates the hosted variant. cfg.HTTPClient
// must carry a SigV4 signing transport; no API key headers are sent.
// Streaming is unsupported: the hosted response-stream endpoint speaks a
// binary event-stream framing, not SSE.
func NewBedrockReasoningAdapter(cfg Config) *ReasoningChatAdapter {
	return &ReasoningChatAdapter{baseAdapter: newReasoningBase(cfg, false), bedrock: true}
}

func newReasoningBase(cfg Config, streaming bool) baseAdapter {
	return newBase("reasoning", schema.ProviderCapabilities{
		Family:                         "reasoning",
		SupportsStreaming:              streaming,
		SupportsNativeStructuredOutput: false,
		SystemOutOfBand:                true,
		AssistantRole:                  schema.RoleAssistant,
		Wire:                           schema.WireSegregated,
	}, cfg)
}

func (a *ReasoningChatAdapter) auth(req *http.Request) {
	if a.bedrock {
		// SigV4 signing transport owns auth.
		return
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", reasoningAPIVersion)
}

// url appends the messages-API path to the configured base URL. The hosted
// variant addresses the model through the invocation path instead of the
// payload, e.g. <base>/model/anthropic.claude-sonnet-4:0/invoke.
func (a *ReasoningChatAdapter) url() string {
	base := strings.TrimSuffix(a.endpoint, "/")
	if a.bedrock {
		return base + "/model/" + url.PathEscape(a.model) + "/invoke"
	}
	return base + "/v1/messages"
}

func (a *ReasoningChatAdapter) buildPayload(system string, history []schema.Message, user string, opts *GenOptions, stream bool) ([]byte, error) {
	body, err := normalize.BuildPayload(a.caps, a.model, system, history, user, genParams(opts, stream))
	if err != nil {
		return nil, err
	}
	if a.bedrock {
		body, _ = sjson.DeleteBytes(body, "model")
		body, _ = sjson.SetBytes(body, "anthropic_version", bedrockAnthropicVersion)
	}
	return body, nil
}

// Generate performs a single blocking call and returns the reply text.
func (a *ReasoningChatAdapter) Generate(ctx context.Context, system, user string, history []schema.Message) (string, error) {
	raw, err := a.GenerateRaw(ctx, system, user, history, nil)
	if err != nil {
		return "", err
	}
	return normalize.ExtractText(raw), nil
}

// GenerateRaw returns the provider's native response body.
func (a *ReasoningChatAdapter) GenerateRaw(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) ([]byte, error) {
	body, err := a.buildPayload(system, history, user, opts, false)
	if err != nil {
		return nil, err
	}
	return a.post(ctx, a.url(), body, a.auth)
}

// GenerateStream streams text deltas from the SSE event stream.
// Events: message_start, content_block_start, content_block_delta,
// message_delta, message_stop. Only text deltas become fragments.
func (a *ReasoningChatAdapter) GenerateStream(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) (<-chan StreamFragment, error) {
	if a.bedrock {
		return nil, fmt.Errorf("%w: streaming is not available for bedrock-hosted models", schema.ErrInvalidRequest)
	}
	body, err := a.buildPayload(system, history, user, opts, true)
	if err != nil {
		return nil, err
	}

	resp, err := a.postStream(ctx, a.url(), body, a.auth)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamFragment, streamBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch gjson.Get(data, "type").String() {
			case "content_block_delta":
				if gjson.Get(data, "delta.type").String() == "text_delta" {
					select {
					case out <- StreamFragment{Text: gjson.Get(data, "delta.text").String()}:
					case <-ctx.Done():
						return
					}
				}
			case "message_stop":
				return
			case "error":
				out <- StreamFragment{Err: &schema.UpstreamError{
					Provider: a.name,
					Message:  gjson.Get(data, "error.message").String(),
				}}
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- StreamFragment{Err: &schema.UpstreamError{Provider: a.name, Message: err.Error()}}
		}
	}()
	return out, nil
}

// GenerateStructured prompt-engineers JSON-only output since this family
// has no native schema enforcement.
func (a *ReasoningChatAdapter) GenerateStructured(ctx context.Context, system, user string, history []schema.Message, schemaDoc json.RawMessage) (json.RawMessage, error) {
	text, err := a.Generate(ctx, jsonOnlyInstruction(system, schemaDoc), user, history)
	if err != nil {
		return nil, err
	}
	return parseStructured(a.name, text)
}

var _ ProviderAdapter = (*ReasoningChatAdapter)(nil)
