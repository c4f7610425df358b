package provider

import (
	"encoding/json"
	"fmt"
)

// MappingSpec is the declarative, drift-prone surface of an adapter: the
// endpoint paths, header style, and field/enum maps that providers change
// out from under us. It is the document the heal pipeline patches and the
// reload manager versions. The translation code consults it on every call.
type MappingSpec struct {
	Family       string            `json:"family"`
	ChatPath     string            `json:"chat_path"`
	EmbedPath    string            `json:"embed_path,omitempty"`
	HealthPath   string            `json:"health_path"`
	HealthMethod string            `json:"health_method"`
	AuthStyle    string            `json:"auth_style"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	FinishMap    map[string]string `json:"finish_map"`
	Usage        UsageFields       `json:"usage"`
	Stream       StreamFields      `json:"stream"`
}

// UsageFields names the provider's token-count fields.
type UsageFields struct {
	Input     string `json:"input"`
	Output    string `json:"output"`
	Total     string `json:"total,omitempty"`
	CacheRead string `json:"cache_read,omitempty"`
	CacheWrite string `json:"cache_write,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// StreamFields names the provider's stream envelope pieces.
type StreamFields struct {
	DataPrefix string `json:"data_prefix"`
	DoneMarker string `json:"done_marker,omitempty"`
}

// Auth styles.
const (
	AuthBearer  = "bearer"
	AuthXAPIKey = "x-api-key"
	AuthGoogle  = "x-goog-api-key"
	AuthNone    = "none"
)

// Encode serializes the spec to its canonical source form.
func (s *MappingSpec) Encode() (string, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseSpec decodes and validates a mapping-spec source blob. This is the
// gate every healed patch passes before it can be swapped live.
func ParseSpec(source string) (*MappingSpec, error) {
	var s MappingSpec
	if err := json.Unmarshal([]byte(source), &s); err != nil {
		return nil, fmt.Errorf("mapping spec: %w", err)
	}
	if s.Family == "" {
		return nil, fmt.Errorf("mapping spec: missing family")
	}
	if s.ChatPath == "" {
		return nil, fmt.Errorf("mapping spec: missing chat_path")
	}
	if len(s.FinishMap) == 0 {
		return nil, fmt.Errorf("mapping spec: missing finish_map")
	}
	if s.Usage.Input == "" || s.Usage.Output == "" {
		return nil, fmt.Errorf("mapping spec: missing usage fields")
	}
	return &s, nil
}

// DefaultSpec returns the built-in mapping spec for a provider (the
// origin=initial version 1).
func DefaultSpec(name string) (*MappingSpec, error) {
	switch name {
	case "anthropic":
		return &MappingSpec{
			Family:       "anthropic",
			ChatPath:     "/v1/messages",
			HealthPath:   "/v1/messages",
			HealthMethod: "POST",
			AuthStyle:    AuthXAPIKey,
			ExtraHeaders: map[string]string{"anthropic-version": "2023-06-01"},
			FinishMap: map[string]string{
				"end_turn":      "stop",
				"stop_sequence": "stop",
				"tool_use":      "tool_calls",
				"max_tokens":    "length",
				"refusal":       "content_filter",
			},
			Usage: UsageFields{
				Input:      "input_tokens",
				Output:     "output_tokens",
				CacheRead:  "cache_read_input_tokens",
				CacheWrite: "cache_creation_input_tokens",
			},
			Stream: StreamFields{DataPrefix: "data: "},
		}, nil
	case "google":
		return &MappingSpec{
			Family:       "google",
			ChatPath:     "/v1beta/models/%s:generateContent",
			EmbedPath:    "/v1beta/models/%s:batchEmbedContents",
			HealthPath:   "/v1beta/models",
			HealthMethod: "GET",
			AuthStyle:    AuthGoogle,
			FinishMap: map[string]string{
				"STOP":       "stop",
				"MAX_TOKENS": "length",
				"SAFETY":     "content_filter",
			},
			Usage: UsageFields{
				Input:     "promptTokenCount",
				Output:    "candidatesTokenCount",
				Total:     "totalTokenCount",
				CacheRead: "cachedContentTokenCount",
			},
			Stream: StreamFields{DataPrefix: "data: "},
		}, nil
	case "openai":
		return openAIStyleSpec("openai", AuthBearer), nil
	case "xai":
		spec := openAIStyleSpec("xai", AuthBearer)
		spec.Usage.Reasoning = "reasoning_tokens"
		return spec, nil
	case "ollama":
		spec := localSpec()
		spec.HealthPath = "/api/tags"
		return spec, nil
	case "vllm", "llamacpp":
		return localSpec(), nil
	}
	return nil, fmt.Errorf("no default mapping spec for provider %q", name)
}

// localSpec covers Ollama, vLLM, and llama.cpp server: all three speak the
// OpenAI-compatible API under /v1 on a bare host URL, no key required.
func localSpec() *MappingSpec {
	spec := openAIStyleSpec("local", AuthNone)
	spec.ChatPath = "/v1/chat/completions"
	spec.EmbedPath = "/v1/embeddings"
	spec.HealthPath = "/v1/models"
	return spec
}

func openAIStyleSpec(family, auth string) *MappingSpec {
	return &MappingSpec{
		Family:       family,
		ChatPath:     "/chat/completions",
		EmbedPath:    "/embeddings",
		HealthPath:   "/models",
		HealthMethod: "GET",
		AuthStyle:    auth,
		FinishMap: map[string]string{
			"stop":           "stop",
			"tool_calls":     "tool_calls",
			"length":         "length",
			"content_filter": "content_filter",
		},
		Usage: UsageFields{
			Input:  "prompt_tokens",
			Output: "completion_tokens",
			Total:  "total_tokens",
		},
		Stream: StreamFields{DataPrefix: "data: ", DoneMarker: "[DONE]"},
	}
}
