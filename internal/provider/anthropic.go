package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/config"
	"github.com/MAXAPIPULL00/aratta/pkg/scri"
)

// anthropic adapts the Claude Messages API: lifted-out system prompt,
// typed content blocks, extended thinking, prompt caching usage fields.
type anthropic struct {
	core *httpCore
}

func newAnthropic(cfg *config.Provider, handle *Handle, drift DriftRecorder, log *zap.Logger) *anthropic {
	return &anthropic{core: newHTTPCore(cfg, handle, drift, log)}
}

func (a *anthropic) Name() string { return a.core.name }

func (a *anthropic) ListModels() []scri.ModelCapabilities {
	return []scri.ModelCapabilities{
		{ModelID: "claude-opus-4-5-20251101", Provider: "anthropic", DisplayName: "Claude Opus 4.5", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, SupportsThinking: true, ContextWindow: 200_000, MaxOutputTokens: 64000, InputCostPerMillion: 5.0, OutputCostPerMillion: 25.0, Categories: []string{"chat", "reasoning", "code"}},
		{ModelID: "claude-sonnet-4-5-20250929", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, SupportsThinking: true, ContextWindow: 200_000, MaxOutputTokens: 64000, InputCostPerMillion: 3.0, OutputCostPerMillion: 15.0, Categories: []string{"chat", "code"}},
		{ModelID: "claude-haiku-4-5-20251001", Provider: "anthropic", DisplayName: "Claude Haiku 4.5", SupportsTools: true, SupportsVision: true, SupportsStreaming: true, SupportsJSONMode: true, SupportsThinking: true, ContextWindow: 200_000, MaxOutputTokens: 64000, InputCostPerMillion: 1.0, OutputCostPerMillion: 5.0, Categories: []string{"chat", "fast"}},
	}
}

// anthropicPayload is the converted message bundle: the Messages API
// carries the system prompt outside the message list.
type anthropicPayload struct {
	System   string
	Messages []map[string]any
}

// ConvertMessages lifts system messages out and maps content blocks to
// the Messages API shapes. Pure; block order is preserved.
func (a *anthropic) ConvertMessages(msgs []scri.Message) (any, error) {
	out := anthropicPayload{}
	for _, msg := range msgs {
		if msg.Role == scri.RoleSystem {
			if out.System != "" {
				out.System += "\n"
			}
			out.System += msg.PlainText()
			continue
		}
		role := string(msg.Role)
		if msg.Role == scri.RoleTool {
			// Tool results travel as user-role tool_result blocks.
			role = string(scri.RoleUser)
		}
		m := map[string]any{"role": role}
		if !msg.IsBlocks() {
			m["content"] = msg.Text
		} else {
			blocks := make([]map[string]any, 0, len(msg.Blocks))
			for _, b := range msg.Blocks {
				switch b.Type {
				case scri.ContentText:
					blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
				case scri.ContentImage:
					source := map[string]any{}
					if b.ImageBase64 != "" {
						media := b.MediaType
						if media == "" {
							media = "image/jpeg"
						}
						source = map[string]any{"type": "base64", "media_type": media, "data": b.ImageBase64}
					} else if b.ImageURL != "" {
						source = map[string]any{"type": "url", "url": b.ImageURL}
					}
					blocks = append(blocks, map[string]any{"type": "image", "source": source})
				case scri.ContentToolUse:
					blocks = append(blocks, map[string]any{
						"type":  "tool_use",
						"id":    b.ToolUseID,
						"name":  b.ToolName,
						"input": b.ToolInput,
					})
				case scri.ContentToolResult:
					block := map[string]any{
						"type":        "tool_result",
						"tool_use_id": b.ToolUseID,
						"content":     stringifyResult(b.ToolResult),
					}
					if b.ToolError {
						block["is_error"] = true
					}
					blocks = append(blocks, block)
				case scri.ContentThinking:
					block := map[string]any{"type": "thinking", "thinking": b.Thinking}
					if b.Signature != "" {
						block["signature"] = b.Signature
					}
					blocks = append(blocks, block)
				}
			}
			m["content"] = blocks
		}
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

// ConvertTools maps SCRI tools to the input_schema tool shape. Pure.
func (a *anthropic) ConvertTools(tools []scri.Tool) (any, error) {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": t.Parameters,
		})
	}
	return out, nil
}

func (a *anthropic) buildBody(req *scri.ChatRequest) (map[string]any, error) {
	converted, err := a.ConvertMessages(req.Messages)
	if err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindValidation, a.core.name, "converting messages", err)
	}
	bundle := converted.(anthropicPayload)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]any{"model": req.Model, "messages": bundle.Messages, "max_tokens": maxTokens}
	if bundle.System != "" {
		body["system"] = bundle.System
	}
	// Thinking and temperature are mutually exclusive on this API.
	if !req.ThinkingEnabled && req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		body["stop_sequences"] = req.Stop
	}
	if len(req.Tools) > 0 {
		tools, err := a.ConvertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		body["tools"] = tools
		if req.ToolChoice != "" {
			switch req.ToolChoice {
			case "auto", "none":
				body["tool_choice"] = map[string]any{"type": req.ToolChoice}
			case "any", "required":
				body["tool_choice"] = map[string]any{"type": "any"}
			default:
				body["tool_choice"] = map[string]any{"type": "tool", "name": req.ToolChoice}
			}
		}
	}
	if req.ThinkingEnabled {
		budget := req.ThinkingBudget
		if budget < 1024 {
			budget = 1024
		}
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	}
	return body, nil
}

type anthropicWireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type      string         `json:"type"`
		Text      string         `json:"text"`
		Thinking  string         `json:"thinking"`
		Signature string         `json:"signature"`
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Input     map[string]any `json:"input"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      map[string]any `json:"usage"`
}

// Chat sends one Messages API call and normalizes the response to SCRI.
func (a *anthropic) Chat(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error) {
	pinned := a.core.pin()
	start := time.Now()

	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}
	raw, err := a.core.doJSON(ctx, pinned.Spec, http.MethodPost, pinned.Spec.ChatPath, body)
	if err != nil {
		return nil, err
	}

	var data anthropicWireResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindSchemaMismatch, a.core.name, "decoding response", err)
	}

	var text string
	var toolCalls []scri.ToolCall
	var thinking []scri.ThinkingBlock
	for _, block := range data.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "thinking":
			thinking = append(thinking, scri.ThinkingBlock{Thinking: block.Thinking, Signature: block.Signature})
		case "tool_use":
			id := block.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()[:12]
			}
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			toolCalls = append(toolCalls, scri.ToolCall{ID: id, Name: block.Name, Arguments: input})
		default:
			a.core.recordDrift(req.Model, "unrecognized content block type "+block.Type)
		}
	}
	if text == "" && len(toolCalls) == 0 && len(thinking) == 0 {
		return nil, aerrors.Adapter(aerrors.KindSchemaMismatch, a.core.name, "response carries no output content")
	}

	finish := scri.FinishStop
	if mapped, ok := pinned.Spec.FinishMap[data.StopReason]; ok {
		finish = scri.FinishReason(mapped)
	} else if data.StopReason != "" {
		a.core.recordDrift(req.Model, "unmapped stop reason "+data.StopReason)
	}

	in, okIn := usageInt(data.Usage, pinned.Spec.Usage.Input)
	out, okOut := usageInt(data.Usage, pinned.Spec.Usage.Output)
	if !okIn || !okOut {
		a.core.recordDrift(req.Model, "usage token fields absent")
	}
	usage := &scri.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	if v, ok := usageInt(data.Usage, pinned.Spec.Usage.CacheRead); ok {
		usage.CacheReadTokens = &v
	}
	if v, ok := usageInt(data.Usage, pinned.Spec.Usage.CacheWrite); ok {
		usage.CacheWriteTokens = &v
	}

	model := data.Model
	if model == "" {
		model = req.Model
	}
	return &scri.ChatResponse{
		ID:           orGeneratedID(data.ID, "msg"),
		Content:      text,
		Role:         scri.RoleAssistant,
		ToolCalls:    toolCalls,
		Thinking:     thinking,
		Model:        model,
		Provider:     a.core.name,
		FinishReason: finish,
		Usage:        usage,
		Lineage:      newLineage(a.core.name, model, pinned.Version, data.ID, start),
		Timestamp:    time.Now().UTC(),
	}, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Thinking   string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Usage map[string]any `json:"usage"`
}

// ChatStream streams a Messages API call as SCRI stream events.
func (a *anthropic) ChatStream(ctx context.Context, req *scri.ChatRequest) (<-chan scri.StreamEvent, error) {
	pinned := a.core.pin()
	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}
	body["stream"] = true

	stream, err := a.core.doStream(ctx, pinned.Spec, pinned.Spec.ChatPath, body)
	if err != nil {
		return nil, err
	}

	events := make(chan scri.StreamEvent, 16)
	go func() {
		defer close(events)
		finished := false
		finish := scri.FinishStop
		err := a.core.scanSSE(ctx, pinned.Spec, stream, func(raw string) bool {
			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(raw), &evt); err != nil {
				a.core.recordDrift(req.Model, "undecodable stream event")
				return true
			}
			switch evt.Type {
			case "content_block_start":
				if evt.ContentBlock.Type == "tool_use" {
					events <- scri.StreamEvent{
						Type:       scri.StreamToolCallStart,
						ToolCallID: evt.ContentBlock.ID,
						ToolName:   evt.ContentBlock.Name,
					}
				}
			case "content_block_delta":
				switch evt.Delta.Type {
				case "text_delta":
					events <- scri.StreamEvent{Type: scri.StreamTextDelta, Text: evt.Delta.Text}
				case "thinking_delta":
					events <- scri.StreamEvent{Type: scri.StreamThinkingDelta, Thinking: evt.Delta.Thinking}
				case "input_json_delta":
					events <- scri.StreamEvent{Type: scri.StreamToolCallArgDelta, ArgDelta: evt.Delta.PartialJSON}
				}
			case "content_block_stop":
				events <- scri.StreamEvent{Type: scri.StreamToolCallEnd}
			case "message_delta":
				if evt.Delta.StopReason != "" {
					if mapped, ok := pinned.Spec.FinishMap[evt.Delta.StopReason]; ok {
						finish = scri.FinishReason(mapped)
					}
				}
				if evt.Usage != nil {
					if out, ok := usageInt(evt.Usage, pinned.Spec.Usage.Output); ok {
						events <- scri.StreamEvent{Type: scri.StreamUsageUpdate, Usage: &scri.Usage{OutputTokens: out, TotalTokens: out}}
					}
				}
			case "message_stop":
				events <- scri.FinishEvent(finish)
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
		events <- scri.FinishEvent(finish)
	}()
	return events, nil
}

// Embed is not supported on this API.
func (a *anthropic) Embed(ctx context.Context, req *scri.EmbeddingRequest) (*scri.EmbeddingResponse, error) {
	return nil, aerrors.Adapter(aerrors.KindValidation, a.core.name, "anthropic does not support embeddings; use openai")
}

// HealthCheck sends a one-token probe message.
func (a *anthropic) HealthCheck(ctx context.Context) error {
	pinned := a.core.pin()
	body := map[string]any{
		"model":      "claude-haiku-4-5-20251001",
		"max_tokens": 1,
		"messages":   []map[string]any{{"role": "user", "content": "hi"}},
	}
	_, err := a.core.doJSON(ctx, pinned.Spec, http.MethodPost, pinned.Spec.HealthPath, body)
	return err
}
