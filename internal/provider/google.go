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

// google adapts the Gemini generateContent API: role user/model, parts
// arrays, functionCall/functionResponse blocks, usageMetadata fields.
type google struct {
	core *httpCore
}

func newGoogle(cfg *config.Provider, handle *Handle, drift DriftRecorder, log *zap.Logger) *google {
	return &google{core: newHTTPCore(cfg, handle, drift, log)}
}

func (g *google) Name() string { return g.core.name }

func (g *google) ListModels() []scri.ModelCapabilities {
	return []scri.ModelCapabilities{
		{ModelID: "gemini-3-pro-preview", Provider: "google", DisplayName: "Gemini 3 Pro", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, SupportsThinking: true, ContextWindow: 1_000_000, MaxOutputTokens: 64000, InputCostPerMillion: 2.0, OutputCostPerMillion: 12.0, Categories: []string{"chat", "reasoning"}},
		{ModelID: "gemini-3-flash-preview", Provider: "google", DisplayName: "Gemini 3 Flash", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, SupportsThinking: true, ContextWindow: 1_000_000, MaxOutputTokens: 64000, InputCostPerMillion: 0.5, OutputCostPerMillion: 3.0, Categories: []string{"chat", "fast"}},
		{ModelID: "gemini-2.5-flash", Provider: "google", DisplayName: "Gemini 2.5 Flash", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, SupportsThinking: true, ContextWindow: 1_000_000, MaxOutputTokens: 64000, InputCostPerMillion: 0.15, OutputCostPerMillion: 0.6, Categories: []string{"chat", "code"}},
		{ModelID: "gemini-2.5-flash-lite", Provider: "google", DisplayName: "Gemini 2.5 Flash-Lite", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, ContextWindow: 1_000_000, MaxOutputTokens: 64000, InputCostPerMillion: 0.075, OutputCostPerMillion: 0.3, Categories: []string{"fast", "cheap"}},
	}
}

// googlePayload is the converted message bundle: system instruction plus
// role/parts contents.
type googlePayload struct {
	SystemInstruction string
	Contents          []map[string]any
}

// ConvertMessages maps SCRI messages to Gemini contents. Pure; block
// order is preserved.
func (g *google) ConvertMessages(msgs []scri.Message) (any, error) {
	out := googlePayload{}
	for _, msg := range msgs {
		if msg.Role == scri.RoleSystem {
			if out.SystemInstruction != "" {
				out.SystemInstruction += "\n"
			}
			out.SystemInstruction += msg.PlainText()
			continue
		}
		role := "user"
		if msg.Role == scri.RoleAssistant {
			role = "model"
		}
		var parts []map[string]any
		if !msg.IsBlocks() {
			if msg.Text != "" {
				parts = append(parts, map[string]any{"text": msg.Text})
			}
		} else {
			for _, b := range msg.Blocks {
				switch b.Type {
				case scri.ContentText:
					parts = append(parts, map[string]any{"text": b.Text})
				case scri.ContentImage:
					if b.ImageBase64 != "" {
						media := b.MediaType
						if media == "" {
							media = "image/jpeg"
						}
						parts = append(parts, map[string]any{"inlineData": map[string]any{"mimeType": media, "data": b.ImageBase64}})
					} else if b.ImageURL != "" {
						parts = append(parts, map[string]any{"fileData": map[string]any{"fileUri": b.ImageURL}})
					}
				case scri.ContentToolUse:
					parts = append(parts, map[string]any{"functionCall": map[string]any{"name": b.ToolName, "args": b.ToolInput}})
				case scri.ContentToolResult:
					name := b.ToolName
					if name == "" {
						name = "unknown"
					}
					parts = append(parts, map[string]any{"functionResponse": map[string]any{"name": name, "response": wrapResponse(b.ToolResult)}})
				}
			}
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, map[string]any{"role": role, "parts": parts})
		}
	}
	return out, nil
}

// wrapResponse boxes non-object tool results; functionResponse requires
// an object value.
func wrapResponse(v any) any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}

// ConvertTools maps SCRI tools to functionDeclarations. Pure.
func (g *google) ConvertTools(tools []scri.Tool) (any, error) {
	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return []map[string]any{{"functionDeclarations": decls}}, nil
}

func (g *google) buildBody(req *scri.ChatRequest) (map[string]any, error) {
	converted, err := g.ConvertMessages(req.Messages)
	if err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindValidation, g.core.name, "converting messages", err)
	}
	bundle := converted.(googlePayload)

	generation := map[string]any{}
	if req.MaxTokens > 0 {
		generation["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		generation["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		generation["topP"] = *req.TopP
	}
	if req.ThinkingEnabled {
		budget := req.ThinkingBudget
		if budget < 1024 {
			budget = 1024
		}
		generation["thinkingConfig"] = map[string]any{"thinkingBudget": budget}
	}
	body := map[string]any{"contents": bundle.Contents, "generationConfig": generation}
	if bundle.SystemInstruction != "" {
		body["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": bundle.SystemInstruction}}}
	}
	if len(req.Tools) > 0 {
		tools, err := g.ConvertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		body["tools"] = tools
	}
	return body, nil
}

type googleCandidate struct {
	Content struct {
		Parts []map[string]any `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type googleWireResponse struct {
	Candidates    []googleCandidate `json:"candidates"`
	UsageMetadata map[string]any    `json:"usageMetadata"`
	ModelVersion  string            `json:"modelVersion"`
}

// Chat sends one generateContent call and normalizes the response.
func (g *google) Chat(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error) {
	pinned := g.core.pin()
	start := time.Now()

	body, err := g.buildBody(req)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf(pinned.Spec.ChatPath, req.Model)
	raw, err := g.core.doJSON(ctx, pinned.Spec, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}

	var data googleWireResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindSchemaMismatch, g.core.name, "decoding response", err)
	}
	if len(data.Candidates) == 0 {
		return nil, aerrors.Adapter(aerrors.KindSchemaMismatch, g.core.name, "no candidates in response")
	}

	candidate := data.Candidates[0]
	var text string
	var toolCalls []scri.ToolCall
	for _, p := range candidate.Content.Parts {
		switch {
		case p["text"] != nil:
			if s, ok := p["text"].(string); ok {
				text += s
			}
		case p["functionCall"] != nil:
			fc, ok := p["functionCall"].(map[string]any)
			if !ok {
				g.core.recordDrift(req.Model, "malformed functionCall part")
				continue
			}
			name, _ := fc["name"].(string)
			args, _ := fc["args"].(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			toolCalls = append(toolCalls, scri.ToolCall{ID: "call_" + uuid.NewString()[:12], Name: name, Arguments: args})
		default:
			g.core.recordDrift(req.Model, "unrecognized response part")
		}
	}
	if text == "" && len(toolCalls) == 0 {
		return nil, aerrors.Adapter(aerrors.KindSchemaMismatch, g.core.name, "response carries no output content")
	}

	finish := scri.FinishStop
	if mapped, ok := pinned.Spec.FinishMap[candidate.FinishReason]; ok {
		finish = scri.FinishReason(mapped)
	} else if candidate.FinishReason != "" {
		g.core.recordDrift(req.Model, "unmapped finish reason "+candidate.FinishReason)
	}
	if len(toolCalls) > 0 {
		finish = scri.FinishToolCalls
	}

	in, _ := usageInt(data.UsageMetadata, pinned.Spec.Usage.Input)
	out, _ := usageInt(data.UsageMetadata, pinned.Spec.Usage.Output)
	total, ok := usageInt(data.UsageMetadata, pinned.Spec.Usage.Total)
	if !ok {
		total = in + out
	}
	usage := &scri.Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
	if v, ok := usageInt(data.UsageMetadata, pinned.Spec.Usage.CacheRead); ok {
		usage.CacheReadTokens = &v
	}

	model := data.ModelVersion
	if model == "" {
		model = req.Model
	}
	return &scri.ChatResponse{
		ID:           "gemini_" + uuid.NewString()[:12],
		Content:      text,
		Role:         scri.RoleAssistant,
		ToolCalls:    toolCalls,
		Model:        model,
		Provider:     g.core.name,
		FinishReason: finish,
		Usage:        usage,
		Lineage:      newLineage(g.core.name, model, pinned.Version, "", start),
		Timestamp:    time.Now().UTC(),
	}, nil
}

// ChatStream streams generateContent over SSE as SCRI events.
func (g *google) ChatStream(ctx context.Context, req *scri.ChatRequest) (<-chan scri.StreamEvent, error) {
	pinned := g.core.pin()
	body, err := g.buildBody(req)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf(pinned.Spec.ChatPath, req.Model)
	path = replaceSuffix(path, ":generateContent", ":streamGenerateContent?alt=sse")

	stream, err := g.core.doStream(ctx, pinned.Spec, path, body)
	if err != nil {
		return nil, err
	}

	events := make(chan scri.StreamEvent, 16)
	go func() {
		defer close(events)
		finish := scri.FinishStop
		err := g.core.scanSSE(ctx, pinned.Spec, stream, func(raw string) bool {
			var data googleWireResponse
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				g.core.recordDrift(req.Model, "undecodable stream frame")
				return true
			}
			if len(data.Candidates) == 0 {
				return true
			}
			candidate := data.Candidates[0]
			for _, p := range candidate.Content.Parts {
				if s, ok := p["text"].(string); ok {
					events <- scri.StreamEvent{Type: scri.StreamTextDelta, Text: s}
				}
			}
			if candidate.FinishReason != "" {
				if mapped, ok := pinned.Spec.FinishMap[candidate.FinishReason]; ok {
					finish = scri.FinishReason(mapped)
				}
			}
			if data.UsageMetadata != nil {
				in, _ := usageInt(data.UsageMetadata, pinned.Spec.Usage.Input)
				out, okOut := usageInt(data.UsageMetadata, pinned.Spec.Usage.Output)
				if okOut {
					events <- scri.StreamEvent{Type: scri.StreamUsageUpdate, Usage: &scri.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}}
				}
			}
			return true
		})
		if err != nil {
			events <- scri.FinishErrorEvent(string(aerrors.KindOf(err)), err.Error(), g.core.name)
			return
		}
		events <- scri.FinishEvent(finish)
	}()
	return events, nil
}

// Embed requests embeddings via batchEmbedContents.
func (g *google) Embed(ctx context.Context, req *scri.EmbeddingRequest) (*scri.EmbeddingResponse, error) {
	pinned := g.core.pin()
	if pinned.Spec.EmbedPath == "" {
		return nil, aerrors.Adapter(aerrors.KindValidation, g.core.name, "provider does not support embeddings")
	}
	requests := make([]map[string]any, 0, len(req.Input))
	for _, text := range req.Input {
		requests = append(requests, map[string]any{
			"model":   "models/" + req.Model,
			"content": map[string]any{"parts": []map[string]any{{"text": text}}},
		})
	}
	path := fmt.Sprintf(pinned.Spec.EmbedPath, req.Model)
	raw, err := g.core.doJSON(ctx, pinned.Spec, http.MethodPost, path, map[string]any{"requests": requests})
	if err != nil {
		return nil, err
	}
	var data struct {
		Embeddings []struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindSchemaMismatch, g.core.name, "decoding embeddings", err)
	}
	embeddings := make([]scri.Embedding, 0, len(data.Embeddings))
	for i, e := range data.Embeddings {
		embeddings = append(embeddings, scri.Embedding{Embedding: e.Values, Index: i})
	}
	// The batch endpoint reports no usage; estimate from input length.
	var est int
	for _, t := range req.Input {
		est += len(t) / 4
	}
	return &scri.EmbeddingResponse{
		Embeddings: embeddings,
		Model:      req.Model,
		Provider:   g.core.name,
		Usage:      scri.Usage{InputTokens: est, TotalTokens: est},
		Timestamp:  time.Now().UTC(),
	}, nil
}

// HealthCheck probes the model listing endpoint.
func (g *google) HealthCheck(ctx context.Context) error {
	pinned := g.core.pin()
	_, err := g.core.doJSON(ctx, pinned.Spec, http.MethodGet, pinned.Spec.HealthPath, nil)
	return err
}

func replaceSuffix(s, suffix, replacement string) string {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)] + replacement
	}
	return s
}
