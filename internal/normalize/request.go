// Package normalize translates between the unified schema and each
// provider's native wire format.
//
// DESIGN: Adapters NEVER hand-roll payloads. BuildPayload owns the
// request-side remapping (system placement, assistant-role renaming,
// generation-parameter names) and NormalizeResponse owns the response-side
// extraction. Both dispatch on schema.ProviderCapabilities so adding a
// backend means adding a wire case here, not a new translation layer.
//
// FILES:
//   - request.go:  BuildPayload - unified -> native request
//   - response.go: NormalizeResponse - native -> unified response
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/relayforge/completion-gateway/internal/schema"
)

// GenParams are the generation parameters patched into native payloads.
// Nil pointer fields are omitted entirely (some backends reject them).
type GenParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
	Stream      bool
}

// BuildPayload converts the unified request pieces into one provider's
// native request body.
//
// Invariants: history order is preserved, the trailing element is always
// the current user turn, and the system prompt is either prepended as the
// first array element or emitted out of band per the capability descriptor.
func BuildPayload(caps schema.ProviderCapabilities, model, system string, history []schema.Message, user string, params *GenParams) ([]byte, error) {
	if params == nil {
		params = &GenParams{}
	}

	switch caps.Wire {
	case schema.WireSegregated:
		return buildSegregated(caps, model, system, history, user, params)
	case schema.WireTree:
		return buildTree(caps, system, history, user, params)
	default:
		return buildChat(caps, model, system, history, user, params)
	}
}

// chatMessage is the flat role/content element shared by chat-style wires.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildChat emits the flat messages-array format with the system prompt
// inline as the first element.
func buildChat(caps schema.ProviderCapabilities, model, system string, history []schema.Message, user string, params *GenParams) ([]byte, error) {
	msgs := make([]chatMessage, 0, len(history)+2)
	msgs = append(msgs, chatMessage{Role: schema.RoleSystem, Content: system})
	for _, m := range history {
		if m.Role == schema.RoleSystem {
			continue // system is already placed; stored history never holds it
		}
		msgs = append(msgs, chatMessage{Role: remapRole(caps, m.Role), Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: schema.RoleUser, Content: user})

	body, err := json.Marshal(map[string]interface{}{
		"model":    model,
		"messages": msgs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}
	return patchChatParams(body, params)
}

// buildSegregated emits the user/assistant array plus a dedicated system
// field, with the system prompt stripped from the message array entirely.
func buildSegregated(caps schema.ProviderCapabilities, model, system string, history []schema.Message, user string, params *GenParams) ([]byte, error) {
	msgs := make([]chatMessage, 0, len(history)+1)
	for _, m := range history {
		if m.Role == schema.RoleSystem {
			continue
		}
		msgs = append(msgs, chatMessage{Role: remapRole(caps, m.Role), Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: schema.RoleUser, Content: user})

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens // the segregated wire requires max_tokens
	}

	body, err := json.Marshal(map[string]interface{}{
		"model":      model,
		"system":     system,
		"messages":   msgs,
		"max_tokens": maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal segregated payload: %w", err)
	}

	if params.Temperature != nil {
		body, _ = sjson.SetBytes(body, "temperature", *params.Temperature)
	}
	if params.TopP != nil {
		body, _ = sjson.SetBytes(body, "top_p", *params.TopP)
	}
	if len(params.Stop) > 0 {
		body, _ = sjson.SetBytes(body, "stop_sequences", params.Stop)
	}
	if params.Stream {
		body, _ = sjson.SetBytes(body, "stream", true)
	}
	return body, nil
}

// treePart and treeContent model the contents/parts wire.
type treePart struct {
	Text string `json:"text"`
}

type treeContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []treePart `json:"parts"`
}

// buildTree emits the contents/parts tree with systemInstruction out of
// band and the assistant role remapped to the backend's token.
func buildTree(caps schema.ProviderCapabilities, system string, history []schema.Message, user string, params *GenParams) ([]byte, error) {
	contents := make([]treeContent, 0, len(history)+1)
	for _, m := range history {
		if m.Role == schema.RoleSystem {
			continue
		}
		contents = append(contents, treeContent{
			Role:  remapRole(caps, m.Role),
			Parts: []treePart{{Text: m.Content}},
		})
	}
	contents = append(contents, treeContent{Role: schema.RoleUser, Parts: []treePart{{Text: user}}})

	payload := map[string]interface{}{
		"systemInstruction": treeContent{Parts: []treePart{{Text: system}}},
		"contents":          contents,
	}

	genCfg := map[string]interface{}{}
	if params.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = params.MaxTokens
	}
	if params.Temperature != nil {
		genCfg["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		genCfg["topP"] = *params.TopP
	}
	if len(params.Stop) > 0 {
		genCfg["stopSequences"] = params.Stop
	}
	if len(genCfg) > 0 {
		payload["generationConfig"] = genCfg
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tree payload: %w", err)
	}
	return body, nil
}

// patchChatParams applies generation parameters to a chat-wire payload.
func patchChatParams(body []byte, params *GenParams) ([]byte, error) {
	var err error
	if params.Temperature != nil {
		if body, err = sjson.SetBytes(body, "temperature", *params.Temperature); err != nil {
			return nil, err
		}
	}
	if params.TopP != nil {
		if body, err = sjson.SetBytes(body, "top_p", *params.TopP); err != nil {
			return nil, err
		}
	}
	if params.MaxTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_tokens", params.MaxTokens); err != nil {
			return nil, err
		}
	}
	if len(params.Stop) > 0 {
		if body, err = sjson.SetBytes(body, "stop", params.Stop); err != nil {
			return nil, err
		}
	}
	if params.Stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// remapRole translates the unified assistant role to the backend's token.
func remapRole(caps schema.ProviderCapabilities, role string) string {
	if role == schema.RoleAssistant && caps.AssistantRole != "" {
		return caps.AssistantRole
	}
	return role
}

// defaultMaxTokens is used when the segregated wire's mandatory max_tokens
// field is not supplied by the caller.
const defaultMaxTokens = 4096
