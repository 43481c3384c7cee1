// HTTP handlers for the completion endpoints.
//
// FLOW (POST /v1/chat/completions):
//  1. Decode the unified request
//  2. Streaming requests get an SSE response; others a single JSON body
//  3. Successful turns are appended to server-held conversation history
//  4. Domain errors map to HTTP statuses; upstream failures are 502s
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/relayforge/completion-gateway/internal/schema"
	"github.com/relayforge/completion-gateway/internal/service"
)

// maxRequestBody bounds decoded request bodies (1MB).
const maxRequestBody = 1 << 20

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// handleChatCompletions answers POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", "invalid_request_error", http.StatusMethodNotAllowed)
		return
	}

	var req schema.CompletionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		g.writeError(w, "malformed request body: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
		return
	}
	g.applyRequestDefaults(&req)

	if req.Stream {
		g.streamCompletion(w, r, &req)
		return
	}

	resp, err := g.svc.Complete(r.Context(), &req)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	if req.Refinement != nil && req.Refinement.Enabled {
		g.metrics.RecordRefinementRun()
	}
	g.appendTurn(&req, resp)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode completion response")
	}
}

// streamCompletion relays completion chunks as server-sent events. The
// terminator frame is always written, even after a mid-stream error frame.
func (g *Gateway) streamCompletion(w http.ResponseWriter, r *http.Request, req *schema.CompletionRequest) {
	chunks, err := g.svc.CompleteStream(r.Context(), req)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.metrics.RecordStreamStarted()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, "streaming unsupported by connection", "server_error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var assembled strings.Builder
	failed := false
	for chunk := range chunks {
		if chunk.Error != nil {
			failed = true
			g.metrics.RecordUpstreamError()
		} else if len(chunk.Choices) > 0 {
			assembled.WriteString(chunk.Choices[0].Delta.Content)
		}
		frame, err := service.EncodeFrame(&chunk)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode stream chunk")
			break
		}
		if _, err := w.Write(frame); err != nil {
			return // client went away
		}
		flusher.Flush()
	}

	if _, err := w.Write(service.DoneFrame); err == nil {
		flusher.Flush()
	}

	if !failed {
		g.appendText(req, assembled.String())
	}
}

// handleModels answers GET /v1/models with the configured model ids.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	models := g.svc.Router().Models()
	entries := make([]modelEntry, 0, len(models))
	for _, id := range models {
		entries = append(entries, modelEntry{ID: id, Object: "model"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   entries,
	})
}

// handleHealth answers GET /healthz.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleMetrics answers GET /metrics with a counter snapshot.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s := g.metrics.Read()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"requests_total":  s.RequestsTotal,
		"requests_failed": s.RequestsFailed,
		"upstream_errors": s.UpstreamErrors,
		"refinement_runs": s.RefinementRuns,
		"streams_started": s.StreamsStarted,
		"avg_latency_ms":  s.AvgLatency.Milliseconds(),
	})
}

// appendTurn persists the completed exchange into conversation history.
func (g *Gateway) appendTurn(req *schema.CompletionRequest, resp *schema.CompletionResponse) {
	if len(resp.Choices) == 0 {
		return
	}
	g.appendText(req, resp.Choices[0].Message.Content)
}

func (g *Gateway) appendText(req *schema.CompletionRequest, reply string) {
	if req.ConversationID == "" || g.svc.History() == nil || reply == "" {
		return
	}
	g.svc.History().Append(req.ConversationID,
		req.Messages[len(req.Messages)-1],
		schema.Message{Role: schema.RoleAssistant, Content: reply},
	)
}

// writeServiceError maps domain errors onto HTTP statuses.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	var upstream *schema.UpstreamError
	var malformed *schema.MalformedStructuredOutputError

	switch {
	case errors.Is(err, schema.ErrInvalidRequest):
		g.writeError(w, err.Error(), "invalid_request_error", http.StatusBadRequest)
	case errors.Is(err, schema.ErrUnsupportedModel):
		g.writeError(w, err.Error(), "invalid_request_error", http.StatusNotFound)
	case errors.Is(err, schema.ErrSessionNotFound):
		g.writeError(w, err.Error(), "invalid_request_error", http.StatusNotFound)
	case errors.As(err, &malformed):
		g.metrics.RecordUpstreamError()
		g.writeError(w, err.Error(), "malformed_output_error", http.StatusBadGateway)
	case errors.As(err, &upstream):
		g.metrics.RecordUpstreamError()
		g.writeError(w, err.Error(), "upstream_error", http.StatusBadGateway)
	default:
		log.Error().Err(err).Msg("completion failed")
		g.writeError(w, "internal error", "server_error", http.StatusInternalServerError)
	}
}

// writeError writes the JSON error envelope.
func (g *Gateway) writeError(w http.ResponseWriter, message, errType string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: message, Type: errType}})
}
