package scri

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePlainTextWire(t *testing.T) {
	m := TextMessage(RoleUser, "hello")
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hello"}`, string(data))

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m, back)
}

func TestMessageBlockWire(t *testing.T) {
	m := Message{
		Role: RoleUser,
		Blocks: []Content{
			{Type: ContentText, Text: "look at this"},
			{Type: ContentImage, ImageBase64: "aGVsbG8=", MediaType: "image/png"},
			{Type: ContentToolResult, ToolUseID: "call_1", ToolResult: "ok"},
		},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Blocks, 3)
	// Block order is semantically significant.
	assert.Equal(t, ContentText, back.Blocks[0].Type)
	assert.Equal(t, ContentImage, back.Blocks[1].Type)
	assert.Equal(t, ContentToolResult, back.Blocks[2].Type)
	assert.Equal(t, "image/png", back.Blocks[1].MediaType)
	assert.Equal(t, "call_1", back.Blocks[2].ToolUseID)
}

func TestMessageUnmarshalAcceptsBothContentForms(t *testing.T) {
	var plain Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &plain))
	assert.Equal(t, "hi", plain.Text)
	assert.False(t, plain.IsBlocks())

	var blocks Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":[{"type":"text","text":"hi"}]}`), &blocks))
	assert.True(t, blocks.IsBlocks())
	assert.Equal(t, "hi", blocks.PlainText())
}

func TestPlainTextConcatenatesTextBlocks(t *testing.T) {
	m := Message{Role: RoleAssistant, Blocks: []Content{
		{Type: ContentText, Text: "one "},
		{Type: ContentThinking, Thinking: "ignored"},
		{Type: ContentText, Text: "two"},
	}}
	assert.Equal(t, "one two", m.PlainText())
}

func TestEmbeddingRequestInputForms(t *testing.T) {
	var single EmbeddingRequest
	require.NoError(t, json.Unmarshal([]byte(`{"input":"hello","model":"embed"}`), &single))
	assert.Equal(t, []string{"hello"}, single.Input)

	var list EmbeddingRequest
	require.NoError(t, json.Unmarshal([]byte(`{"input":["a","b"],"model":"embed"}`), &list))
	assert.Equal(t, []string{"a", "b"}, list.Input)
}

func TestChatRequestWireDefaults(t *testing.T) {
	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "reason",
		"messages": [{"role": "user", "content": "ping"}],
		"temperature": 0.2,
		"tools": [{"name": "echo", "description": "echoes", "parameters": {"type": "object"}}]
	}`), &req))
	assert.Equal(t, "reason", req.Model)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "echo", req.Tools[0].Name)
	assert.Nil(t, req.TopP)
}

func TestFinishEvents(t *testing.T) {
	evt := FinishEvent(FinishStop)
	assert.Equal(t, StreamFinish, evt.Type)
	assert.Nil(t, evt.Error)

	errEvt := FinishErrorEvent("schema_mismatch", "bad shape", "google")
	assert.Equal(t, FinishError, errEvt.FinishReason)
	require.NotNil(t, errEvt.Error)
	assert.Equal(t, "google", errEvt.Error.Provider)
}
