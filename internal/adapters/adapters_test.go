package adapters_test

// Adapter tests over httptest stub backends: auth headers, payload
// shape per family, stream decoding, and error typing.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/relayforge/completion-gateway/internal/adapters"
	"github.com/relayforge/completion-gateway/internal/schema"
)

func readAll(r *http.Request) []byte {
	b, _ := io.ReadAll(r.Body)
	return b
}

func drain(t *testing.T, ch <-chan adapters.StreamFragment) (texts []string, errs []error) {
	t.Helper()
	for frag := range ch {
		if frag.Err != nil {
			errs = append(errs, frag.Err)
			continue
		}
		texts = append(texts, frag.Text)
	}
	return texts, errs
}

// TestNativeAdapter_Generate verifies bearer auth, the API path, payload
// shape, and text extraction.
func TestNativeAdapter_Generate(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotBody = readAll(r)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"pong"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	a := adapters.NewNativeChatAdapter(adapters.Config{Model: "gpt-test", Endpoint: srv.URL, APIKey: "sk-123"})
	text, err := a.Generate(context.Background(), "sys prompt", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", text)

	assert.Equal(t, "Bearer sk-123", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "gpt-test", gjson.GetBytes(gotBody, "model").String())
	assert.Equal(t, "system", gjson.GetBytes(gotBody, "messages.0.role").String())
	assert.Equal(t, "ping", gjson.GetBytes(gotBody, "messages.1.content").String())
}

// TestNativeAdapter_UpstreamErrorTyping verifies non-2xx responses come
// back as UpstreamError with the status attached.
func TestNativeAdapter_UpstreamErrorTyping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	a := adapters.NewNativeChatAdapter(adapters.Config{Model: "gpt-test", Endpoint: srv.URL})
	_, err := a.Generate(context.Background(), "sys", "q", nil)
	require.Error(t, err)

	var ue *schema.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, "native", ue.Provider)
	assert.Contains(t, ue.Message, "slow down")
}

// TestNativeAdapter_Stream verifies SSE decoding up to the [DONE] marker.
func TestNativeAdapter_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := adapters.NewNativeChatAdapter(adapters.Config{Model: "gpt-test", Endpoint: srv.URL})
	ch, err := a.GenerateStream(context.Background(), "sys", "q", nil, nil)
	require.NoError(t, err)

	texts, errs := drain(t, ch)
	assert.Empty(t, errs)
	assert.Equal(t, []string{"Hel", "lo"}, texts)
}

// TestNativeAdapter_StructuredSetsResponseFormat verifies native schema
// enforcement is requested on the wire.
func TestNativeAdapter_StructuredSetsResponseFormat(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = readAll(r)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"name\":\"x\"}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	schemaDoc := json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}}}`)
	a := adapters.NewNativeChatAdapter(adapters.Config{Model: "gpt-test", Endpoint: srv.URL})
	value, err := a.GenerateStructured(context.Background(), "sys", "q", nil, schemaDoc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"x"}`, string(value))

	assert.Equal(t, "json_schema", gjson.GetBytes(gotBody, "response_format.type").String())
	assert.Equal(t, "object", gjson.GetBytes(gotBody, "response_format.json_schema.schema.type").String())
}

// TestReasoningAdapter_HeadersAndPayload verifies api-key auth, version
// header, out-of-band system, and the mandatory max_tokens.
func TestReasoningAdapter_HeadersAndPayload(t *testing.T) {
	var gotKey, gotVersion, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		gotBody = readAll(r)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"reply"}],"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	a := adapters.NewReasoningChatAdapter(adapters.Config{Model: "claude-test", Endpoint: srv.URL, APIKey: "ak-1"})
	text, err := a.Generate(context.Background(), "the rules", "question", nil)
	require.NoError(t, err)
	assert.Equal(t, "reply", text)

	assert.Equal(t, "ak-1", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "the rules", gjson.GetBytes(gotBody, "system").String())
	assert.Equal(t, "claude-test", gjson.GetBytes(gotBody, "model").String())
	assert.True(t, gjson.GetBytes(gotBody, "max_tokens").Exists())
}

// TestBedrockAdapter_PayloadVariant verifies the hosted variant addresses
// the model through the invocation path, drops the model field, adds the
// version marker, and sends no api-key header.
func TestBedrockAdapter_PayloadVariant(t *testing.T) {
	var gotKey, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotPath = r.URL.Path
		gotBody = readAll(r)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"hosted reply"}],"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	a := adapters.NewBedrockReasoningAdapter(adapters.Config{Model: "anthropic.claude-test-v1:0", Endpoint: srv.URL})
	text, err := a.Generate(context.Background(), "sys", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "hosted reply", text)

	assert.Empty(t, gotKey, "signing transport owns auth")
	assert.Equal(t, "/model/anthropic.claude-test-v1:0/invoke", gotPath)
	assert.False(t, gjson.GetBytes(gotBody, "model").Exists())
	assert.Equal(t, "bedrock-2023-05-31", gjson.GetBytes(gotBody, "anthropic_version").String())
}

// TestBedrockAdapter_StreamingUnsupported verifies the hosted variant
// rejects stream requests up front and reports the capability.
func TestBedrockAdapter_StreamingUnsupported(t *testing.T) {
	a := adapters.NewBedrockReasoningAdapter(adapters.Config{Model: "anthropic.claude-test-v1:0", Endpoint: "http://unused"})
	assert.False(t, a.Capabilities().SupportsStreaming)

	_, err := a.GenerateStream(context.Background(), "sys", "q", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrInvalidRequest)
}

// TestReasoningAdapter_StreamMidFailure verifies an SSE error event
// surfaces as one terminal error fragment.
func TestReasoningAdapter_StreamMidFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"message\":\"overloaded\"}}\n\n")
	}))
	defer srv.Close()

	a := adapters.NewReasoningChatAdapter(adapters.Config{Model: "claude-test", Endpoint: srv.URL, APIKey: "k"})
	ch, err := a.GenerateStream(context.Background(), "sys", "q", nil, nil)
	require.NoError(t, err)

	texts, errs := drain(t, ch)
	assert.Equal(t, []string{"partial"}, texts)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "overloaded")
}

// TestReasoningAdapter_StructuredParseFailure verifies non-JSON output
// from a prompt-engineered family fails with the typed error.
func TestReasoningAdapter_StructuredParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Sure! Here is some prose instead."}],"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	a := adapters.NewReasoningChatAdapter(adapters.Config{Model: "claude-test", Endpoint: srv.URL, APIKey: "k"})
	_, err := a.GenerateStructured(context.Background(), "sys", "q", nil, json.RawMessage(`{"type":"object"}`))
	require.Error(t, err)

	var mo *schema.MalformedStructuredOutputError
	require.True(t, errors.As(err, &mo))
	assert.Equal(t, "reasoning", mo.Provider)
	assert.Contains(t, mo.Raw, "prose")
}

// TestReasoningAdapter_StructuredStripsFences verifies fenced JSON output
// still parses.
func TestReasoningAdapter_StructuredStripsFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[{"type":"text","text":"`+"```json\\n{\\\"ok\\\":true}\\n```"+`"}],"stop_reason":"end_turn"}`)
	}))
	defer srv.Close()

	a := adapters.NewReasoningChatAdapter(adapters.Config{Model: "claude-test", Endpoint: srv.URL, APIKey: "k"})
	value, err := a.GenerateStructured(context.Background(), "sys", "q", nil, json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(value))
}

// TestAlternateAdapter_URLAndRemap verifies the per-action URL layout and
// the response extraction from the candidates tree.
func TestAlternateAdapter_URLAndRemap(t *testing.T) {
	var gotPath, gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotBody = readAll(r)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"tree reply"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	a := adapters.NewAlternateChatAdapter(adapters.Config{Model: "gemini-test", Endpoint: srv.URL, APIKey: "gk-1"})
	history := []schema.Message{{Role: schema.RoleAssistant, Content: "prior"}}
	text, err := a.Generate(context.Background(), "sys", "q", history)
	require.NoError(t, err)
	assert.Equal(t, "tree reply", text)

	assert.Equal(t, "/models/gemini-test:generateContent", gotPath)
	assert.Equal(t, "gk-1", gotKey)
	assert.Equal(t, "model", gjson.GetBytes(gotBody, "contents.0.role").String())
}

// TestStreamOnlyAdapter_NDJSONStream verifies the chat path, line decoding
// up to the done marker, and the explicit stream flag.
func TestStreamOnlyAdapter_NDJSONStream(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody = readAll(r)
		fmt.Fprint(w, `{"message":{"content":"one "},"done":false}`+"\n")
		fmt.Fprint(w, `{"message":{"content":"two"},"done":false}`+"\n")
		fmt.Fprint(w, `{"done":true,"done_reason":"stop"}`+"\n")
	}))
	defer srv.Close()

	a := adapters.NewStreamOnlyAdapter(adapters.Config{Model: "llama-test", Endpoint: srv.URL})
	ch, err := a.GenerateStream(context.Background(), "sys", "q", nil, nil)
	require.NoError(t, err)

	texts, errs := drain(t, ch)
	assert.Empty(t, errs)
	assert.Equal(t, []string{"one ", "two"}, texts)
	assert.Equal(t, "/api/chat", gotPath)
	assert.True(t, gjson.GetBytes(gotBody, "stream").Bool())
}

// TestStreamOnlyAdapter_BlockingDisablesStream verifies the non-stream
// call sets stream:false explicitly.
func TestStreamOnlyAdapter_BlockingDisablesStream(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = readAll(r)
		fmt.Fprint(w, `{"message":{"content":"whole reply"},"done":true,"done_reason":"stop"}`)
	}))
	defer srv.Close()

	a := adapters.NewStreamOnlyAdapter(adapters.Config{Model: "llama-test", Endpoint: srv.URL})
	text, err := a.Generate(context.Background(), "sys", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "whole reply", text)

	require.True(t, gjson.GetBytes(gotBody, "stream").Exists())
	assert.False(t, gjson.GetBytes(gotBody, "stream").Bool())
}

// TestRouter_ResolveAndListing verifies registry lookups and the typed
// unknown-model error.
func TestRouter_ResolveAndListing(t *testing.T) {
	r := adapters.NewRouter()
	native := adapters.NewNativeChatAdapter(adapters.Config{Model: "m1"})
	r.Register("zeta", native)
	r.Register("alpha", adapters.NewStreamOnlyAdapter(adapters.Config{Model: "m2"}))

	got, err := r.Resolve("zeta")
	require.NoError(t, err)
	assert.Same(t, native, got)

	_, err = r.Resolve("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrUnsupportedModel)

	assert.Equal(t, []string{"alpha", "zeta"}, r.Models())
}
