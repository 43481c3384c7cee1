// Package adapters executes single model calls against heterogeneous LLM
// backends behind one interface.
//
// DESIGN: The gateway supports four backend families with different native
// wire formats. Each family gets one adapter variant; all payload
// translation is delegated to internal/normalize so adapters only own
// transport, auth headers, and stream decoding:
//
//   - NativeChatAdapter:    flat messages array, native structured output, SSE
//   - ReasoningChatAdapter: out-of-band system field, prompt-engineered JSON
//   - AlternateChatAdapter: contents/parts tree, assistant role remapped
//   - StreamOnlyAdapter:    local runtime, NDJSON streaming
//
// FLOW:
//  1. Router resolves model id -> adapter instance
//  2. Adapter builds the native payload via normalize.BuildPayload
//  3. Adapter posts to the backend (UpstreamError on any transport/API failure)
//  4. Caller normalizes the raw reply via normalize.NormalizeResponse
//
// To add a backend: implement ProviderAdapter and register its model ids.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relayforge/completion-gateway/internal/schema"
)

const (
	// DefaultTimeout bounds a single upstream round trip.
	DefaultTimeout = 60 * time.Second

	// maxResponseSize prevents OOM on unexpectedly large API responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits upstream error bodies carried in errors.
	maxErrorBodyLen = 500

	// streamBuffer is the fragment channel capacity. Bounded so a stalled
	// consumer applies backpressure to the upstream read loop.
	streamBuffer = 16
)

// StreamFragment is one element of a streaming generation. A fragment with
// Err set is terminal: the channel closes immediately after it, so callers
// can surface partial failure instead of silently truncating.
type StreamFragment struct {
	Text string
	Err  error
}

// GenOptions carries per-call generation parameters. Nil means defaults.
type GenOptions struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
}

// ProviderAdapter executes model calls against one backend family.
// Implementations are safe for concurrent use.
type ProviderAdapter interface {
	// Name returns the adapter identifier (e.g. "native", "reasoning").
	Name() string

	// Model returns the backend model id this instance is bound to.
	Model() string

	// Capabilities returns the static per-adapter descriptor.
	Capabilities() schema.ProviderCapabilities

	// Generate performs a single blocking call and returns the reply text.
	Generate(ctx context.Context, system, user string, history []schema.Message) (string, error)

	// GenerateRaw performs a single blocking call and returns the
	// provider's native response body for normalization upstream.
	GenerateRaw(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) ([]byte, error)

	// GenerateStream returns a finite, non-restartable fragment sequence.
	// Upstream failure mid-stream terminates the sequence with an error
	// fragment. Cancelling ctx closes the upstream connection.
	GenerateStream(ctx context.Context, system, user string, history []schema.Message, opts *GenOptions) (<-chan StreamFragment, error)

	// GenerateStructured returns a value conforming to schemaDoc. Adapters
	// without native structured output prompt-engineer JSON-only output and
	// fail with MalformedStructuredOutputError when parsing fails.
	GenerateStructured(ctx context.Context, system, user string, history []schema.Message, schemaDoc json.RawMessage) (json.RawMessage, error)
}

// Config holds the construction parameters shared by all variants.
type Config struct {
	Model string

	// Endpoint is the provider base URL without an API path; each variant
	// appends its own (e.g. /chat/completions, /v1/messages, /api/chat).
	Endpoint string

	APIKey  string
	Timeout time.Duration

	// ExtraHeaders are added to every request (e.g. API version headers).
	ExtraHeaders map[string]string

	// HTTPClient overrides the default client. A client with a signing
	// transport can be injected here (e.g. SigV4 for hosted reasoning
	// models).
	HTTPClient *http.Client
}

func (c *Config) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// baseAdapter provides shared transport plumbing for all variants.
type baseAdapter struct {
	name     string
	model    string
	endpoint string
	apiKey   string
	timeout  time.Duration
	headers  map[string]string
	client   *http.Client
	caps     schema.ProviderCapabilities
}

func newBase(name string, caps schema.ProviderCapabilities, cfg Config) baseAdapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{} // timeout via context, not client
	}
	return baseAdapter{
		name:     name,
		model:    cfg.Model,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  cfg.timeout(),
		headers:  cfg.ExtraHeaders,
		client:   client,
		caps:     caps,
	}
}

func (b *baseAdapter) Name() string                             { return b.name }
func (b *baseAdapter) Model() string                            { return b.model }
func (b *baseAdapter) Capabilities() schema.ProviderCapabilities { return b.caps }

// post sends one JSON request and returns the response body. Any transport
// or non-2xx API failure comes back as *schema.UpstreamError.
func (b *baseAdapter) post(ctx context.Context, url string, body []byte, auth func(*http.Request)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", b.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	auth(req)
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &schema.UpstreamError{Provider: b.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &schema.UpstreamError{Provider: b.name, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &schema.UpstreamError{
			Provider: b.name,
			Status:   resp.StatusCode,
			Message:  truncate(string(respBody), maxErrorBodyLen),
		}
	}
	return respBody, nil
}

// postStream opens a streaming request and hands the caller the live
// response. The caller owns resp.Body. The request is bound to ctx, so
// cancelling ctx closes the underlying connection.
func (b *baseAdapter) postStream(ctx context.Context, url string, body []byte, auth func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s stream request: %w", b.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	auth(req)
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &schema.UpstreamError{Provider: b.name, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		return nil, &schema.UpstreamError{
			Provider: b.name,
			Status:   resp.StatusCode,
			Message:  truncate(string(respBody), maxErrorBodyLen),
		}
	}
	return resp, nil
}

// jsonOnlyInstruction appends a JSON-only directive for adapters without
// native structured output.
func jsonOnlyInstruction(system string, schemaDoc json.RawMessage) string {
	return system + "\n\nRespond ONLY with a single JSON object conforming to this JSON Schema. " +
		"No prose, no markdown, no code fences.\nSchema:\n" + string(schemaDoc)
}

// parseStructured validates prompt-engineered JSON output, stripping code
// fences first since models add them despite instructions.
func parseStructured(provider, text string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, &schema.MalformedStructuredOutputError{
			Provider: provider,
			Raw:      truncate(text, maxErrorBodyLen),
			Cause:    err,
		}
	}
	return json.RawMessage(cleaned), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
