package normalize

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/relayforge/completion-gateway/internal/schema"
)

// usageEstimateRatio is the word-count heuristic used only when the
// provider supplies no usage block. Replaceable default, not a contract.
const usageEstimateRatio = 1.3

// NormalizeResponse converts a provider's native response body into the
// unified schema. It never fails: when the payload shape is unrecognized
// the raw body is stringified into the content field and the response is
// flagged degraded so tests and callers can tell the paths apart.
func NormalizeResponse(native []byte, requestedModel string) *schema.CompletionResponse {
	resp := schema.NewCompletionResponse(requestedModel)

	content, finishRaw, ok := extractContent(native)
	if !ok {
		resp.Choices = []schema.Choice{{
			Index:        0,
			Message:      schema.Message{Role: schema.RoleAssistant, Content: string(native)},
			FinishReason: schema.FinishStop,
		}}
		resp.Normalization = schema.NormalizationDegraded
		resp.Usage = estimateUsage("", string(native))
		resp.UsageEstimated = true
		return resp
	}

	resp.Choices = []schema.Choice{{
		Index:        0,
		Message:      schema.Message{Role: schema.RoleAssistant, Content: content},
		FinishReason: MapFinishReason(finishRaw),
	}}

	usage, found := extractUsage(native)
	if !found {
		usage = estimateUsage("", content)
		resp.UsageEstimated = true
	}
	resp.Usage = usage
	return resp
}

// ExtractText pulls plain text content from any supported native shape.
// Returns "" when nothing recognizable is present.
func ExtractText(native []byte) string {
	text, _, _ := extractContent(native)
	return text
}

// extractContent walks the known native shapes in order:
// a flat choices/message tree, a typed content-block array, a
// candidate/parts tree, and a bare message object.
func extractContent(native []byte) (text, finishRaw string, ok bool) {
	if !gjson.ValidBytes(native) {
		return "", "", false
	}

	// Chat wire: {"choices":[{"message":{"content":...},"finish_reason":...}]}
	if c := gjson.GetBytes(native, "choices.0.message.content"); c.Exists() {
		return c.String(), gjson.GetBytes(native, "choices.0.finish_reason").String(), true
	}

	// Segregated wire: {"content":[{"type":"text","text":...}],"stop_reason":...}
	if blocks := gjson.GetBytes(native, "content"); blocks.IsArray() {
		var sb strings.Builder
		for _, block := range blocks.Array() {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
		}
		return sb.String(), gjson.GetBytes(native, "stop_reason").String(), true
	}

	// Tree wire: {"candidates":[{"content":{"parts":[{"text":...}]},"finishReason":...}]}
	if cand := gjson.GetBytes(native, "candidates.0"); cand.Exists() {
		var sb strings.Builder
		for _, part := range cand.Get("content.parts").Array() {
			sb.WriteString(part.Get("text").String())
		}
		return sb.String(), cand.Get("finishReason").String(), true
	}

	// Local-runtime wire: {"message":{"content":...},"done_reason":...}
	if m := gjson.GetBytes(native, "message.content"); m.Exists() {
		return m.String(), gjson.GetBytes(native, "done_reason").String(), true
	}

	return "", "", false
}

// extractUsage reads whichever usage vocabulary the payload carries.
func extractUsage(native []byte) (schema.Usage, bool) {
	// Chat wire vocabulary.
	if u := gjson.GetBytes(native, "usage.prompt_tokens"); u.Exists() {
		prompt := int(u.Int())
		completion := int(gjson.GetBytes(native, "usage.completion_tokens").Int())
		return schema.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}, true
	}

	// Segregated wire vocabulary.
	if u := gjson.GetBytes(native, "usage.input_tokens"); u.Exists() {
		in := int(u.Int())
		out := int(gjson.GetBytes(native, "usage.output_tokens").Int())
		return schema.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}, true
	}

	// Tree wire vocabulary.
	if u := gjson.GetBytes(native, "usageMetadata.promptTokenCount"); u.Exists() {
		in := int(u.Int())
		out := int(gjson.GetBytes(native, "usageMetadata.candidatesTokenCount").Int())
		return schema.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}, true
	}

	// Local-runtime vocabulary.
	if u := gjson.GetBytes(native, "prompt_eval_count"); u.Exists() {
		in := int(u.Int())
		out := int(gjson.GetBytes(native, "eval_count").Int())
		return schema.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}, true
	}

	return schema.Usage{}, false
}

// estimateUsage synthesizes a usage block from word counts when the
// provider supplies none: completion_tokens ≈ round(word_count * 1.3).
func estimateUsage(prompt, completion string) schema.Usage {
	u := schema.Usage{
		PromptTokens:     estimateTokensFromWords(prompt),
		CompletionTokens: estimateTokensFromWords(completion),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func estimateTokensFromWords(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Round(float64(len(strings.Fields(text))) * usageEstimateRatio))
}

// MapFinishReason maps provider-native completion-stop vocabulary onto the
// normalized three-value enum. Token-limit stops map to length, safety and
// content-filter stops map to content_filter, everything else to stop.
func MapFinishReason(raw string) schema.FinishReason {
	switch strings.ToLower(raw) {
	case "length", "max_tokens", "max_output_tokens":
		return schema.FinishLength
	case "content_filter", "safety", "blocklist", "prohibited_content":
		return schema.FinishContentFilter
	default:
		return schema.FinishStop
	}
}
