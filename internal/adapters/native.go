package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relayforge/completion-gateway/internal/normalize"
	"github.com/relayforge/completion-gateway/internal/schema"
)

// NativeChatAdapter targets backends speaking the flat chat-completions
// wire: system prompt inline as the first message, SSE streaming, and
// native json_schema structured output.
type NativeChatAdapter struct {
	baseAdapter
}

// NewNativeChatAdapter creates an adapter bound to one model.
func NewNativeChatAdapter(cfg Config) *NativeChatAdapter {
	return &NativeChatAdapter{
		baseAdapter: newBase("native", schema.ProviderCapabilities{
			Family:                         "native",
			SupportsStreaming:              true,
			SupportsNativeStructuredOutput: true,
			SystemOutOfBand:                false,
			AssistantRole:                  schema.RoleAssistant,
			Wire:                           schema.WireChat,
		}, cfg),
	}
}

func (a *NativeChatAdapter) auth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}

// url appends the chat-completions path to the configured base URL.
func (a *NativeChatAdapter) url() string {
	return strings.TrimSuffix(a.endpoint, "/") + "/chat/completions"
}

// Generate performs a single blocking call and returns the reply text.
func (a *NativeChatAdapter) Generate(ctx context.Context, system, user string, history []schema.Message) (string, error) {
	raw, err := a.GenerateRaw(ctx, system, user, history, nil)
	if err != nil {
		return "", err
	}
	return normalize.ExtractText(raw), nil
}

// GenerateRaw returns the provider's native response body.
func (a *NativeChatAdapter) GenerateRaw(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) ([]byte, error) {
	body, err := normalize.BuildPayload(a.caps, a.model, system, history, user, genParams(opts, false))
	if err != nil {
		return nil, err
	}
	return a.post(ctx, a.url(), body, a.auth)
}

// GenerateStream streams content deltas from the SSE endpoint.
func (a *NativeChatAdapter) GenerateStream(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) (<-chan StreamFragment, error) {
	body, err := normalize.BuildPayload(a.caps, a.model, system, history, user, genParams(opts, true))
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
			if data == "[DONE]" {
				return
			}
			if text := gjson.Get(data, "choices.0.delta.content"); text.Exists() && text.String() != "" {
				select {
				case out <- StreamFragment{Text: text.String()}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- StreamFragment{Err: &schema.UpstreamError{Provider: a.name, Message: err.Error()}}
		}
	}()
	return out, nil
}

// GenerateStructured uses the backend's native response_format enforcement,
// then validates the returned content parses as JSON.
func (a *NativeChatAdapter) GenerateStructured(ctx context.Context, system, user string, history []schema.Message, schemaDoc json.RawMessage) (json.RawMessage, error) {
	body, err := normalize.BuildPayload(a.caps, a.model, system, history, user, nil)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetRawBytes(body, "response_format", mustResponseFormat(schemaDoc))
	if err != nil {
		return nil, fmt.Errorf("set response_format: %w", err)
	}

	raw, err := a.post(ctx, a.url(), body, a.auth)
	if err != nil {
		return nil, err
	}
	return parseStructured(a.name, normalize.ExtractText(raw))
}

// mustResponseFormat wraps a schema document into the native
// response_format descriptor.
func mustResponseFormat(schemaDoc json.RawMessage) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   "response",
			"schema": json.RawMessage(schemaDoc),
		},
	})
	return b
}

// genParams converts GenOptions to normalize parameters.
func genParams(opts *GenOptions, stream bool) *normalize.GenParams {
	if opts == nil {
		return &normalize.GenParams{Stream: stream}
	}
	return &normalize.GenParams{
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.Stop,
		Stream:      stream,
	}
}

var _ ProviderAdapter = (*NativeChatAdapter)(nil)
