package scri

// StreamEventType tags a streaming event.
type StreamEventType string

const (
	StreamTextDelta        StreamEventType = "text_delta"
	StreamThinkingDelta    StreamEventType = "thinking_delta"
	StreamToolCallStart    StreamEventType = "tool_call_start"
	StreamToolCallArgDelta StreamEventType = "tool_call_arg_delta"
	StreamToolCallEnd      StreamEventType = "tool_call_end"
	StreamUsageUpdate      StreamEventType = "usage_update"
	StreamFinish           StreamEventType = "finish"
)

// StreamError is the error payload attached to a finish event when a
// stream fails mid-flight.
type StreamError struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// StreamEvent is one tagged frame of a streaming chat response. Adapters
// emit exactly one finish event last; consumers treat any gap as an error.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Text         string          `json:"text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ArgDelta     string          `json:"arg_delta,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	FinishReason FinishReason    `json:"finish_reason,omitempty"`
	Error        *StreamError    `json:"error,omitempty"`
}

// FinishEvent builds the terminal frame for a stream.
func FinishEvent(reason FinishReason) StreamEvent {
	return StreamEvent{Type: StreamFinish, FinishReason: reason}
}

// FinishErrorEvent builds the terminal frame for a stream that failed.
func FinishErrorEvent(kind, message, provider string) StreamEvent {
	return StreamEvent{
		Type:         StreamFinish,
		FinishReason: FinishError,
		Error:        &StreamError{Kind: kind, Message: message, Provider: provider},
	}
}
