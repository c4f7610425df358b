package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/config"
	"github.com/MAXAPIPULL00/aratta/pkg/scri"
)

// compatVariant distinguishes the three backend families that share the
// OpenAI-compatible chat API.
type compatVariant struct {
	displayName     string
	injectWebSearch bool
	models          func(cfg *config.Provider) []scri.ModelCapabilities
}

var compatOpenAI = compatVariant{
	displayName: "OpenAI",
	models: func(*config.Provider) []scri.ModelCapabilities {
		return []scri.ModelCapabilities{
			{ModelID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, ContextWindow: 1_000_000, MaxOutputTokens: 32768, InputCostPerMillion: 2.0, OutputCostPerMillion: 8.0, Categories: []string{"chat", "code"}},
			{ModelID: "gpt-4.1-mini", Provider: "openai", DisplayName: "GPT-4.1 Mini", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, ContextWindow: 1_000_000, MaxOutputTokens: 32768, InputCostPerMillion: 0.4, OutputCostPerMillion: 1.6, Categories: []string{"chat", "fast"}},
			{ModelID: "o3", Provider: "openai", DisplayName: "O3", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsThinking: true, ContextWindow: 200_000, MaxOutputTokens: 100_000, InputCostPerMillion: 2.0, OutputCostPerMillion: 8.0, Categories: []string{"reasoning"}},
		}
	},
}

var compatXAI = compatVariant{
	displayName:     "xAI (Grok)",
	injectWebSearch: true,
	models: func(*config.Provider) []scri.ModelCapabilities {
		return []scri.ModelCapabilities{
			{ModelID: "grok-4", Provider: "xai", DisplayName: "Grok 4", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, SupportsThinking: true, ContextWindow: 131072, MaxOutputTokens: 16384, Categories: []string{"reasoning", "agentic"}},
			{ModelID: "grok-4-1-fast", Provider: "xai", DisplayName: "Grok 4.1 Fast", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, SupportsThinking: true, ContextWindow: 131072, MaxOutputTokens: 16384, Categories: []string{"agentic", "research"}},
		}
	},
}

var compatLocal = compatVariant{
	displayName: "Local (Ollama / vLLM / llama.cpp)",
	models: func(cfg *config.Provider) []scri.ModelCapabilities {
		// Local models are dynamic; report the configured default.
		return []scri.ModelCapabilities{{
			ModelID:           cfg.DefaultModel,
			Provider:          cfg.Name,
			DisplayName:       "Local: " + cfg.DefaultModel,
			SupportsTools:     true,
			SupportsStreaming: true,
			SupportsJSONMode:  true,
			ContextWindow:     8192,
			Categories:        []string{"local", "sovereign"},
		}}
	},
}

// openAICompat adapts any backend speaking the OpenAI-compatible chat API:
// OpenAI itself, xAI, and the local servers (Ollama, vLLM, llama.cpp).
type openAICompat struct {
	core    *httpCore
	variant compatVariant
}

func newOpenAICompat(cfg *config.Provider, handle *Handle, drift DriftRecorder, log *zap.Logger, v compatVariant) *openAICompat {
	return &openAICompat{core: newHTTPCore(cfg, handle, drift, log), variant: v}
}

func (a *openAICompat) Name() string { return a.core.name }

func (a *openAICompat) ListModels() []scri.ModelCapabilities {
	return a.variant.models(a.core.cfg)
}

// ConvertMessages translates SCRI messages to the chat-completions shape.
// Pure; block order is preserved.
func (a *openAICompat) ConvertMessages(msgs []scri.Message) (any, error) {
	converted := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		m := map[string]any{"role": string(msg.Role)}
		if !msg.IsBlocks() {
			m["content"] = msg.Text
		} else {
			var parts []map[string]any
			var toolCalls []map[string]any
			for _, b := range msg.Blocks {
				switch b.Type {
				case scri.ContentText:
					parts = append(parts, map[string]any{"type": "text", "text": b.Text})
				case scri.ContentImage:
					url := b.ImageURL
					if url == "" && b.ImageBase64 != "" {
						media := b.MediaType
						if media == "" {
							media = "image/jpeg"
						}
						url = "data:" + media + ";base64," + b.ImageBase64
					}
					parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
				case scri.ContentToolUse:
					args, err := json.Marshal(b.ToolInput)
					if err != nil {
						return nil, err
					}
					toolCalls = append(toolCalls, map[string]any{
						"id":   b.ToolUseID,
						"type": "function",
						"function": map[string]any{
							"name":      b.ToolName,
							"arguments": string(args),
						},
					})
				case scri.ContentToolResult:
					// Tool results are their own messages in this API.
					converted = append(converted, map[string]any{
						"role":         "tool",
						"tool_call_id": b.ToolUseID,
						"content":      stringifyResult(b.ToolResult),
					})
				}
			}
			if len(parts) > 0 {
				m["content"] = parts
			} else {
				m["content"] = ""
			}
			if len(toolCalls) > 0 {
				m["tool_calls"] = toolCalls
			}
			if len(parts) == 0 && len(toolCalls) == 0 {
				continue
			}
		}
		if msg.ToolCallID != "" {
			m["tool_call_id"] = msg.ToolCallID
		}
		if msg.Name != "" {
			m["name"] = msg.Name
		}
		converted = append(converted, m)
	}
	return converted, nil
}

// ConvertTools translates SCRI tools to function-calling definitions. Pure.
func (a *openAICompat) ConvertTools(tools []scri.Tool) (any, error) {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out, nil
}

func (a *openAICompat) buildPayload(req *scri.ChatRequest) (map[string]any, error) {
	messages, err := a.ConvertMessages(req.Messages)
	if err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindValidation, a.core.name, "converting messages", err)
	}
	payload := map[string]any{"model": req.Model, "messages": messages}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	var tools []any
	if len(req.Tools) > 0 {
		converted, err := a.ConvertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		for _, t := range converted.([]map[string]any) {
			tools = append(tools, t)
		}
		if req.ToolChoice != "" {
			payload["tool_choice"] = convertToolChoice(req.ToolChoice)
		}
	}
	if a.variant.injectWebSearch && req.Metadata["web_search"] == "true" {
		tools = append(tools, map[string]any{"type": "web_search"})
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}
	return payload, nil
}

func convertToolChoice(choice string) any {
	switch choice {
	case "auto", "none":
		return choice
	case "any", "required":
		return "required"
	default:
		return map[string]any{"type": "function", "function": map[string]any{"name": choice}}
	}
}

type compatWireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   *string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// Chat sends one chat completion and normalizes the response to SCRI.
func (a *openAICompat) Chat(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error) {
	pinned := a.core.pin()
	start := time.Now()

	payload, err := a.buildPayload(req)
	if err != nil {
		return nil, err
	}

	raw, err := a.core.doJSON(ctx, pinned.Spec, http.MethodPost, pinned.Spec.ChatPath, payload)
	if err != nil {
		return nil, err
	}

	var data compatWireResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindSchemaMismatch, a.core.name, "decoding response", err)
	}
	if len(data.Choices) == 0 {
		return nil, aerrors.Adapter(aerrors.KindSchemaMismatch, a.core.name, "no choices in response")
	}

	choice := data.Choices[0]
	var toolCalls []scri.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != "" && tc.Type != "function" {
			a.core.recordDrift(req.Model, "unrecognized tool call type "+tc.Type)
			continue
		}
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"raw": tc.Function.Arguments}
			}
		}
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:12]
		}
		toolCalls = append(toolCalls, scri.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
	}

	content := ""
	if choice.Message.Content != nil {
		content = *choice.Message.Content
	}
	if content == "" && len(toolCalls) == 0 {
		return nil, aerrors.Adapter(aerrors.KindSchemaMismatch, a.core.name, "response carries no output content")
	}

	model := data.Model
	if model == "" {
		model = req.Model
	}
	return &scri.ChatResponse{
		ID:           orGeneratedID(data.ID, "chatcmpl"),
		Content:      content,
		Role:         scri.RoleAssistant,
		ToolCalls:    toolCalls,
		Model:        model,
		Provider:     a.core.name,
		FinishReason: a.mapFinish(pinned.Spec, choice.FinishReason, len(toolCalls) > 0, req.Model),
		Usage:        a.extractUsage(pinned.Spec, data.Usage, req.Model),
		Lineage:      newLineage(a.core.name, model, pinned.Version, data.ID, start),
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (a *openAICompat) mapFinish(spec *MappingSpec, native string, hasToolCalls bool, model string) scri.FinishReason {
	if native == "" {
		if hasToolCalls {
			return scri.FinishToolCalls
		}
		return scri.FinishStop
	}
	if mapped, ok := spec.FinishMap[native]; ok {
		return scri.FinishReason(mapped)
	}
	a.core.recordDrift(model, "unmapped finish reason "+native)
	return scri.FinishStop
}

func (a *openAICompat) extractUsage(spec *MappingSpec, usage map[string]any, model string) *scri.Usage {
	if usage == nil {
		a.core.recordDrift(model, "usage object absent")
		return nil
	}
	in, okIn := usageInt(usage, spec.Usage.Input)
	out, okOut := usageInt(usage, spec.Usage.Output)
	if !okIn || !okOut {
		a.core.recordDrift(model, "usage token fields absent")
	}
	total, okTotal := usageInt(usage, spec.Usage.Total)
	if !okTotal {
		total = in + out
	}
	u := &scri.Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
	if v, ok := usageInt(usage, spec.Usage.Reasoning); ok {
		u.ReasoningTokens = &v
	}
	if v, ok := usageInt(usage, spec.Usage.CacheRead); ok {
		u.CacheReadTokens = &v
	}
	return u
}

type compatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// ChatStream streams a chat completion as SCRI stream events. The last
// event is always a finish frame; the channel closes after it.
func (a *openAICompat) ChatStream(ctx context.Context, req *scri.ChatRequest) (<-chan scri.StreamEvent, error) {
	pinned := a.core.pin()
	payload, err := a.buildPayload(req)
	if err != nil {
		return nil, err
	}
	payload["stream"] = true

	body, err := a.core.doStream(ctx, pinned.Spec, pinned.Spec.ChatPath, payload)
	if err != nil {
		return nil, err
	}

	events := make(chan scri.StreamEvent, 16)
	go func() {
		defer close(events)
		finished := false
		openCall := -1
		err := a.core.scanSSE(ctx, pinned.Spec, body, func(raw string) bool {
			var chunk compatStreamChunk
			if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
				a.core.recordDrift(req.Model, "undecodable stream chunk")
				return true
			}
			if chunk.Usage != nil {
				if u := a.extractUsage(pinned.Spec, chunk.Usage, req.Model); u != nil {
					events <- scri.StreamEvent{Type: scri.StreamUsageUpdate, Usage: u}
				}
			}
			if len(chunk.Choices) == 0 {
				return true
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				events <- scri.StreamEvent{Type: scri.StreamTextDelta, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				if tc.ID != "" || tc.Function.Name != "" {
					if openCall >= 0 {
						events <- scri.StreamEvent{Type: scri.StreamToolCallEnd}
					}
					openCall = tc.Index
					events <- scri.StreamEvent{
						Type:       scri.StreamToolCallStart,
						ToolCallID: tc.ID,
						ToolName:   tc.Function.Name,
					}
				}
				if tc.Function.Arguments != "" {
					events <- scri.StreamEvent{Type: scri.StreamToolCallArgDelta, ArgDelta: tc.Function.Arguments}
				}
			}
			if choice.FinishReason != "" {
				if openCall >= 0 {
					events <- scri.StreamEvent{Type: scri.StreamToolCallEnd}
					openCall = -1
				}
				events <- scri.FinishEvent(a.mapFinish(pinned.Spec, choice.FinishReason, false, req.Model))
				finished = true
				return false
			}
			return true
		})
		if finished {
			return
		}
		if err != nil {
			events <- scri.FinishErrorEvent(string(aerrors.KindOf(err)), err.Error(), a.core.name)
			return
		}
		// Provider ended the stream without a finish frame.
		events <- scri.FinishEvent(scri.FinishStop)
	}()
	return events, nil
}

// Embed requests embeddings via the compatible /embeddings endpoint.
func (a *openAICompat) Embed(ctx context.Context, req *scri.EmbeddingRequest) (*scri.EmbeddingResponse, error) {
	pinned := a.core.pin()
	if pinned.Spec.EmbedPath == "" {
		return nil, aerrors.Adapter(aerrors.KindValidation, a.core.name, "provider does not support embeddings")
	}
	payload := map[string]any{"model": req.Model, "input": req.Input}
	if req.Dimensions > 0 {
		payload["dimensions"] = req.Dimensions
	}
	raw, err := a.core.doJSON(ctx, pinned.Spec, http.MethodPost, pinned.Spec.EmbedPath, payload)
	if err != nil {
		return nil, err
	}
	var data struct {
		Model string `json:"model"`
		Data  []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindSchemaMismatch, a.core.name, "decoding embeddings", err)
	}
	if len(data.Data) == 0 {
		return nil, aerrors.Adapter(aerrors.KindSchemaMismatch, a.core.name, "no embeddings in response")
	}
	embeddings := make([]scri.Embedding, 0, len(data.Data))
	for _, item := range data.Data {
		embeddings = append(embeddings, scri.Embedding{Embedding: item.Embedding, Index: item.Index})
	}
	in, _ := usageInt(data.Usage, pinned.Spec.Usage.Input)
	total, ok := usageInt(data.Usage, pinned.Spec.Usage.Total)
	if !ok {
		total = in
	}
	model := data.Model
	if model == "" {
		model = req.Model
	}
	return &scri.EmbeddingResponse{
		Embeddings: embeddings,
		Model:      model,
		Provider:   a.core.name,
		Usage:      scri.Usage{InputTokens: in, TotalTokens: total},
		Timestamp:  time.Now().UTC(),
	}, nil
}

// HealthCheck probes the provider's model listing endpoint.
func (a *openAICompat) HealthCheck(ctx context.Context) error {
	pinned := a.core.pin()
	method := pinned.Spec.HealthMethod
	if method == "" {
		method = http.MethodGet
	}
	_, err := a.core.doJSON(ctx, pinned.Spec, method, pinned.Spec.HealthPath, nil)
	return err
}

func stringifyResult(v any) string {
	switch r := v.(type) {
	case string:
		return r
	case nil:
		return ""
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(b)
	}
}

func orGeneratedID(id, prefix string) string {
	if id != "" {
		return id
	}
	return prefix + "_" + uuid.NewString()[:12]
}

func newLineage(provider, model string, version int, requestID string, start time.Time) *scri.Lineage {
	end := time.Now().UTC()
	return &scri.Lineage{
		Provider:       provider,
		Model:          model,
		AdapterVersion: version,
		RequestID:      requestID,
		StartedAt:      start.UTC(),
		EndedAt:        end,
		LatencyMS:      float64(end.Sub(start).Microseconds()) / 1000.0,
		Attempts:       1,
		SourceSystem:   "aratta",
		SourceVersion:  "0.1.0",
	}
}
