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

// AlternateChatAdapter targets backends using the contents/parts tree with
// the assistant role remapped to "model" and the system instruction out of
// band. Structured output is native via response schema config.
type AlternateChatAdapter struct {
	baseAdapter
}

// NewAlternateChatAdapter creates an adapter bound to one model. The
// endpoint is the base URL; the model id and action are appended per call.
func NewAlternateChatAdapter(cfg Config) *AlternateChatAdapter {
	return &AlternateChatAdapter{
		baseAdapter: newBase("alternate", schema.ProviderCapabilities{
			Family:                         "alternate",
			SupportsStreaming:              true,
			SupportsNativeStructuredOutput: true,
			SystemOutOfBand:                true,
			AssistantRole:                  "model",
			Wire:                           schema.WireTree,
		}, cfg),
	}
}

func (a *AlternateChatAdapter) auth(req *http.Request) {
	req.Header.Set("x-goog-api-key", a.apiKey)
}

// url builds the per-action endpoint, e.g.
// <base>/models/<model>:generateContent
func (a *AlternateChatAdapter) url(action string) string {
	return fmt.Sprintf("%s/models/%s:%s", strings.TrimSuffix(a.endpoint, "/"), a.model, action)
}

// Generate performs a single blocking call and returns the reply text.
func (a *AlternateChatAdapter) Generate(ctx context.Context, system, user string, history []schema.Message) (string, error) {
	raw, err := a.GenerateRaw(ctx, system, user, history, nil)
	if err != nil {
		return "", err
	}
	return normalize.ExtractText(raw), nil
}

// GenerateRaw returns the provider's native response body.
func (a *AlternateChatAdapter) GenerateRaw(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) ([]byte, error) {
	body, err := normalize.BuildPayload(a.caps, a.model, system, history, user, genParams(opts, false))
	if err != nil {
		return nil, err
	}
	return a.post(ctx, a.url("generateContent"), body, a.auth)
}

// GenerateStream streams candidate part texts from the SSE variant of the
// generate endpoint.
func (a *AlternateChatAdapter) GenerateStream(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) (<-chan StreamFragment, error) {
	body, err := normalize.BuildPayload(a.caps, a.model, system, history, user, genParams(opts, false))
	if err != nil {
		return nil, err
	}

	resp, err := a.postStream(ctx, a.url("streamGenerateContent")+"?alt=sse", body, a.auth)
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
			for _, part := range gjson.Get(data, "candidates.0.content.parts").Array() {
				if text := part.Get("text").String(); text != "" {
					select {
					case out <- StreamFragment{Text: text}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- StreamFragment{Err: &schema.UpstreamError{Provider: a.name, Message: err.Error()}}
		}
	}()
	return out, nil
}

// GenerateStructured uses native schema enforcement via generationConfig.
func (a *AlternateChatAdapter) GenerateStructured(ctx context.Context, system, user string, history []schema.Message, schemaDoc json.RawMessage) (json.RawMessage, error) {
	body, err := normalize.BuildPayload(a.caps, a.model, system, history, user, nil)
	if err != nil {
		return nil, err
	}
	body, _ = sjson.SetBytes(body, "generationConfig.responseMimeType", "application/json")
	body, err = sjson.SetRawBytes(body, "generationConfig.responseSchema", schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("set responseSchema: %w", err)
	}

	raw, err := a.post(ctx, a.url("generateContent"), body, a.auth)
	if err != nil {
		return nil, err
	}
	return parseStructured(a.name, normalize.ExtractText(raw))
}

var _ ProviderAdapter = (*AlternateChatAdapter)(nil)
