package schema

// WireFormat identifies the structural shape of a provider's native payload.
type WireFormat string

const (
	// WireChat is a flat messages array with the system prompt inline
	// as the first element (OpenAI-style, also used by local runtimes).
	WireChat WireFormat = "chat"

	// WireSegregated keeps a user/assistant messages array and carries the
	// system instruction as a separate top-level field (Anthropic-style).
	WireSegregated WireFormat = "segregated"

	// WireTree uses a contents/parts tree with an out-of-band
	// systemInstruction block (Gemini-style).
	WireTree WireFormat = "tree"
)

// ProviderCapabilities is the static per-adapter descriptor the normalizers
// and the completion service dispatch on.
type ProviderCapabilities struct {
	Family string `json:"family"`

	SupportsStreaming              bool `json:"supports_streaming"`
	SupportsNativeStructuredOutput bool `json:"supports_native_structured_output"`

	// SystemOutOfBand is true when the backend requires the system prompt
	// as a dedicated field, stripped from the message array.
	SystemOutOfBand bool `json:"system_out_of_band"`

	// AssistantRole is the role token this backend expects for assistant
	// turns ("assistant" for most, "model" for the tree format).
	AssistantRole string `json:"assistant_role"`

	Wire WireFormat `json:"wire"`
}
