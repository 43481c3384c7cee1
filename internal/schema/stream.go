package schema

import (
	"time"

	"github.com/google/uuid"
)

// StreamChunk is one frame of a streaming completion, serialized as a
// line-delimited "data: <json>" frame by the transport.
type StreamChunk struct {
	ID      string         `json:"id,omitempty"`
	Object  string         `json:"object,omitempty"`
	Created int64          `json:"created,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []StreamChoice `json:"choices,omitempty"`

	// Error is set on the in-band failure frame emitted when the upstream
	// stream breaks mid-flight. The terminator frame follows immediately.
	Error *StreamError `json:"error,omitempty"`
}

// StreamChoice carries one incremental delta.
type StreamChoice struct {
	Index        int           `json:"index"`
	Delta        Delta         `json:"delta"`
	FinishReason *FinishReason `json:"finish_reason"`
}

// Delta is the incremental message payload of a stream chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamError is the in-band error surfaced as a terminal stream frame.
type StreamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// StreamDone is the literal terminator frame payload.
const StreamDone = "[DONE]"

// NewStreamChunk builds a content-delta chunk sharing the completion id.
func NewStreamChunk(id, model, content string, finish *FinishReason) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []StreamChoice{{Index: 0, Delta: Delta{Content: content}, FinishReason: finish}},
	}
}

// NewStreamID mints a chunk-stream completion id.
func NewStreamID() string {
	return "chatcmpl-" + uuid.NewString()
}
