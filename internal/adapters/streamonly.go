package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relayforge/completion-gateway/internal/normalize"
	"github.com/relayforge/completion-gateway/internal/schema"
)

// StreamOnlyAdapter targets local-runtime backends whose chat endpoint is
// NDJSON streaming by default. Generate drains the stream into one reply;
// structured output is prompt-engineered with a json format hint.
type StreamOnlyAdapter struct {
	baseAdapter
}

// NewStreamOnlyAdapter creates an adapter bound to one model. Local
// runtimes take no API key; auth headers are omitted.
func NewStreamOnlyAdapter(cfg Config) *StreamOnlyAdapter {
	return &StreamOnlyAdapter{
		baseAdapter: newBase("streamonly", schema.ProviderCapabilities{
			Family:                         "streamonly",
			SupportsStreaming:              true,
			SupportsNativeStructuredOutput: false,
			SystemOutOfBand:                false,
			AssistantRole:                  schema.RoleAssistant,
			Wire:                           schema.WireChat,
		}, cfg),
	}
}

func (a *StreamOnlyAdapter) auth(*http.Request) {}

// url appends the runtime chat path to the configured base URL.
func (a *StreamOnlyAdapter) url() string {
	return strings.TrimSuffix(a.endpoint, "/") + "/api/chat"
}

// Generate performs one blocking call with streaming disabled.
func (a *StreamOnlyAdapter) Generate(ctx context.Context, system, user string, history []schema.Message) (string, error) {
	raw, err := a.GenerateRaw(ctx, system, user, history, nil)
	if err != nil {
		return "", err
	}
	return normalize.ExtractText(raw), nil
}

// GenerateRaw returns the runtime's native response body.
func (a *StreamOnlyAdapter) GenerateRaw(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) ([]byte, error) {
	body, err := a.buildPayload(system, history, user, opts, false)
	if err != nil {
		return nil, err
	}
	return a.post(ctx, a.url(), body, a.auth)
}

// GenerateStream reads the NDJSON stream: one JSON object per line with
// message.content deltas until "done": true.
func (a *StreamOnlyAdapter) GenerateStream(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) (<-chan StreamFragment, error) {
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
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if errMsg := gjson.Get(line, "error").String(); errMsg != "" {
				out <- StreamFragment{Err: &schema.UpstreamError{Provider: a.name, Message: errMsg}}
				return
			}
			if text := gjson.Get(line, "message.content").String(); text != "" {
				select {
				case out <- StreamFragment{Text: text}:
				case <-ctx.Done():
					return
				}
			}
			if gjson.Get(line, "done").Bool() {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- StreamFragment{Err: &schema.UpstreamError{Provider: a.name, Message: err.Error()}}
		}
	}()
	return out, nil
}

// GenerateStructured prompt-engineers JSON output, adding the runtime's
// json format hint. The hint constrains output to valid JSON but does not
// enforce the schema, so this family is not native structured output.
func (a *StreamOnlyAdapter) GenerateStructured(ctx context.Context, system, user string, history []schema.Message, schemaDoc json.RawMessage) (json.RawMessage, error) {
	body, err := a.buildPayload(jsonOnlyInstruction(system, schemaDoc), history, user, nil, false)
	if err != nil {
		return nil, err
	}
	body, _ = sjson.SetBytes(body, "format", "json")

	raw, err := a.post(ctx, a.url(), body, a.auth)
	if err != nil {
		return nil, err
	}
	return parseStructured(a.name, normalize.ExtractText(raw))
}

// buildPayload adapts the chat wire to the runtime's envelope: stream is
// explicit (the endpoint defaults to streaming) and generation parameters
// live under an options object.
func (a *StreamOnlyAdapter) buildPayload(system string, history []schema.Message, user string, opts *GenOptions, stream bool) ([]byte, error) {
	body, err := normalize.BuildPayload(a.caps, a.model, system, history, user, nil)
	if err != nil {
		return nil, err
	}
	body, _ = sjson.SetBytes(body, "stream", stream)
	if opts != nil {
		if opts.Temperature != nil {
			body, _ = sjson.SetBytes(body, "options.temperature", *opts.Temperature)
		}
		if opts.TopP != nil {
			body, _ = sjson.SetBytes(body, "options.top_p", *opts.TopP)
		}
		if opts.MaxTokens > 0 {
			body, _ = sjson.SetBytes(body, "options.num_predict", opts.MaxTokens)
		}
		if len(opts.Stop) > 0 {
			body, _ = sjson.SetBytes(body, "options.stop", opts.Stop)
		}
	}
	return body, nil
}

var _ ProviderAdapter = (*StreamOnlyAdapter)(nil)
