package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSpecsRoundTrip(t *testing.T) {
	for _, name := range []string{"anthropic", "openai", "google", "xai", "ollama", "vllm", "llamacpp"} {
		spec, err := DefaultSpec(name)
		require.NoError(t, err, name)

		source, err := spec.Encode()
		require.NoError(t, err, name)

		parsed, err := ParseSpec(source)
		require.NoError(t, err, name)
		assert.Equal(t, spec.Family, parsed.Family, name)
		assert.Equal(t, spec.ChatPath, parsed.ChatPath, name)
		assert.Equal(t, spec.FinishMap, parsed.FinishMap, name)
		assert.Equal(t, spec.Usage, parsed.Usage, name)
	}
}

func TestDefaultSpecUnknownProvider(t *testing.T) {
	_, err := DefaultSpec("mystery")
	assert.Error(t, err)
}

func TestParseSpecValidation(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"missing family":   `{"chat_path":"/x","finish_map":{"stop":"stop"},"usage":{"input":"a","output":"b"}}`,
		"missing path":     `{"family":"openai","finish_map":{"stop":"stop"},"usage":{"input":"a","output":"b"}}`,
		"missing finish":   `{"family":"openai","chat_path":"/x","usage":{"input":"a","output":"b"}}`,
		"missing usage in": `{"family":"openai","chat_path":"/x","finish_map":{"stop":"stop"},"usage":{"output":"b"}}`,
	}
	for name, source := range cases {
		_, err := ParseSpec(source)
		assert.Error(t, err, name)
	}
}

func TestLocalSpecPathsCarryV1Prefix(t *testing.T) {
	spec, err := DefaultSpec("ollama")
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", spec.ChatPath)
	assert.Equal(t, "/api/tags", spec.HealthPath)

	vllm, err := DefaultSpec("vllm")
	require.NoError(t, err)
	assert.Equal(t, "/v1/models", vllm.HealthPath)
}

func TestHandleSwapReturnsPrevious(t *testing.T) {
	h := &Handle{}
	spec, err := DefaultSpec("openai")
	require.NoError(t, err)
	source, _ := spec.Encode()

	v1 := &VersionedSpec{Version: 1, Spec: spec, Source: source}
	require.Nil(t, h.Swap(v1))
	assert.Same(t, v1, h.Current())

	v2 := &VersionedSpec{Version: 2, Spec: spec, Source: source}
	prev := h.Swap(v2)
	assert.Same(t, v1, prev)
	assert.Same(t, v2, h.Current())
}
