// Package scri defines the normalized request/response vocabulary the
// gateway speaks. Application code builds SCRI values; provider adapters
// translate them to and from each backend's native format. Provider
// structures never leak past this package.
package scri

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// ContentType tags a content block within a message.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImage      ContentType = "image"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
	ContentThinking   ContentType = "thinking"
)

// Content is a single typed block within a message. Block order within a
// message is semantically significant and must be preserved.
type Content struct {
	Type        ContentType    `json:"type"`
	Text        string         `json:"text,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	ImageBase64 string         `json:"image_base64,omitempty"`
	MediaType   string         `json:"media_type,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	ToolResult  any            `json:"tool_result,omitempty"`
	ToolError   bool           `json:"tool_error,omitempty"`
	Thinking    string         `json:"thinking,omitempty"`
	Signature   string         `json:"signature,omitempty"`
}

// Message is one turn in a conversation. Content is either plain text
// (Text set, Blocks nil) or an ordered list of typed blocks.
type Message struct {
	Role       Role      `json:"role"`
	Text       string    `json:"-"`
	Blocks     []Content `json:"-"`
	Name       string    `json:"name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

// TextMessage builds a plain-text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Text: text}
}

// IsBlocks reports whether the message carries typed blocks rather than
// plain text.
func (m *Message) IsBlocks() bool {
	return len(m.Blocks) > 0
}

// PlainText returns the message text, concatenating text blocks when the
// message is block-structured.
func (m *Message) PlainText() string {
	if !m.IsBlocks() {
		return m.Text
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}

type messageWire struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// MarshalJSON encodes content as a bare string for plain-text messages and
// as a block array otherwise, matching the wire contract.
func (m Message) MarshalJSON() ([]byte, error) {
	var content json.RawMessage
	var err error
	if m.IsBlocks() {
		content, err = json.Marshal(m.Blocks)
	} else {
		content, err = json.Marshal(m.Text)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageWire{Role: m.Role, Content: content, Name: m.Name, ToolCallID: m.ToolCallID})
}

// UnmarshalJSON accepts both content forms: a bare string or a block array.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.ToolCallID = w.ToolCallID
	m.Text = ""
	m.Blocks = nil
	if len(w.Content) == 0 {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Blocks)
	}
	return json.Unmarshal(w.Content, &m.Text)
}

// Tool is a universal tool definition with JSON Schema parameters. Names
// are unique within a request.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model. IDs are unique
// within a response.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ThinkingBlock is an extended reasoning block.
type ThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// Usage holds token accounting for one call.
type Usage struct {
	InputTokens     int  `json:"input_tokens"`
	OutputTokens    int  `json:"output_tokens"`
	TotalTokens     int  `json:"total_tokens"`
	CacheReadTokens *int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *int `json:"cache_write_tokens,omitempty"`
	ReasoningTokens *int `json:"reasoning_tokens,omitempty"`
}

// Lineage records the provenance of a response: which provider and adapter
// version answered, and how the router got there.
type Lineage struct {
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	AdapterVersion int       `json:"adapter_version"`
	RequestID      string    `json:"request_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	LatencyMS      float64   `json:"latency_ms"`
	Attempts       int       `json:"attempts"`
	Fallback       bool      `json:"fallback"`
	SourceSystem   string    `json:"source_system"`
	SourceVersion  string    `json:"source_version"`
}

// ChatRequest is the unified chat request.
type ChatRequest struct {
	Messages        []Message         `json:"messages"`
	Model           string            `json:"model"`
	Temperature     *float64          `json:"temperature,omitempty"`
	MaxTokens       int               `json:"max_tokens,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	Stop            []string          `json:"stop,omitempty"`
	Tools           []Tool            `json:"tools,omitempty"`
	ToolChoice      string            `json:"tool_choice,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	ThinkingEnabled bool              `json:"thinking_enabled,omitempty"`
	ThinkingBudget  int               `json:"thinking_budget,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ChatResponse is the unified chat response.
type ChatResponse struct {
	ID           string          `json:"id"`
	Content      string          `json:"content"`
	Blocks       []Content       `json:"blocks,omitempty"`
	Role         Role            `json:"role"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	Thinking     []ThinkingBlock `json:"thinking,omitempty"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	FinishReason FinishReason    `json:"finish_reason"`
	Usage        *Usage          `json:"usage,omitempty"`
	Lineage      *Lineage        `json:"lineage,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EmbeddingRequest is the unified embedding request. Input is one or more
// texts; the wire form accepts a bare string or a list.
type EmbeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// UnmarshalJSON accepts input as a bare string or a string list.
func (r *EmbeddingRequest) UnmarshalJSON(data []byte) error {
	var wire struct {
		Input      json.RawMessage `json:"input"`
		Model      string          `json:"model"`
		Dimensions int             `json:"dimensions"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Model = wire.Model
	r.Dimensions = wire.Dimensions
	r.Input = nil
	if len(wire.Input) == 0 {
		return nil
	}
	if wire.Input[0] == '[' {
		return json.Unmarshal(wire.Input, &r.Input)
	}
	var single string
	if err := json.Unmarshal(wire.Input, &single); err != nil {
		return err
	}
	r.Input = []string{single}
	return nil
}

// Embedding is one vector with its input index.
type Embedding struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingResponse is the unified embedding response.
type EmbeddingResponse struct {
	Embeddings []Embedding `json:"embeddings"`
	Model      string      `json:"model"`
	Provider   string      `json:"provider"`
	Usage      Usage       `json:"usage"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ModelCapabilities describes what a concrete model can do.
type ModelCapabilities struct {
	ModelID             string   `json:"model_id"`
	Provider            string   `json:"provider"`
	DisplayName         string   `json:"display_name"`
	SupportsTools       bool     `json:"supports_tools"`
	SupportsVision      bool     `json:"supports_vision"`
	SupportsStreaming   bool     `json:"supports_streaming"`
	SupportsJSONMode    bool     `json:"supports_json_mode"`
	SupportsThinking    bool     `json:"supports_thinking"`
	ContextWindow       int      `json:"context_window"`
	MaxOutputTokens     int      `json:"max_output_tokens,omitempty"`
	InputCostPerMillion float64  `json:"input_cost_per_million,omitempty"`
	OutputCostPerMillion float64 `json:"output_cost_per_million,omitempty"`
	Categories          []string `json:"categories,omitempty"`
}
