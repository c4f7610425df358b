package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/config"
	"github.com/MAXAPIPULL00/aratta/internal/provider"
	"github.com/MAXAPIPULL00/aratta/internal/reload"
)

// compatStub answers the OpenAI-compatible surface with a fixed reply.
func compatStub(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "c1", "model": "test-model",
			"choices": []map[string]any{{"message": map[string]any{"content": reply}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 2, "completion_tokens": 1, "total_tokens": 3},
		})
	}))
}

func testGatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Healing.Enabled = false
	for _, p := range cfg.Providers {
		p.Enabled = false
	}
	for _, p := range cfg.Local {
		p.Enabled = false
	}
	return cfg
}

func enable(cfg *config.Config, name, baseURL string) {
	p := cfg.GetProvider(name)
	p.Enabled = true
	p.BaseURL = baseURL
	p.APIKeyEnv = ""
	p.TimeoutSeconds = 5
}

func startGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	g, err := NewGateway(cfg, zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(NewHandler(g))
	t.Cleanup(func() {
		srv.Close()
		g.Close()
	})
	return g, srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, payload
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestLiveness(t *testing.T) {
	_, srv := startGateway(t, testGatewayConfig(t))
	var out map[string]string
	getJSON(t, srv.URL+"/health", &out)
	assert.Equal(t, "ok", out["status"])
}

func TestChatLocalHappyPath(t *testing.T) {
	backend := compatStub(t, "ping")
	defer backend.Close()

	cfg := testGatewayConfig(t)
	enable(cfg, "ollama", backend.URL)
	_, srv := startGateway(t, cfg)

	resp, payload := postJSON(t, srv.URL+"/api/v1/chat", map[string]any{
		"model":    "local",
		"messages": []map[string]any{{"role": "user", "content": "ping"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(payload))

	var out struct {
		Content string `json:"content"`
		Lineage struct {
			Provider string `json:"provider"`
			Attempts int    `json:"attempts"`
			Fallback bool   `json:"fallback"`
		} `json:"lineage"`
	}
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, "ping", out.Content)
	assert.Equal(t, "ollama", out.Lineage.Provider)
	assert.Equal(t, 1, out.Lineage.Attempts)
	assert.False(t, out.Lineage.Fallback)
}

func TestChatFallbackOverHTTP(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := compatStub(t, "answer")
	defer up.Close()

	cfg := testGatewayConfig(t)
	enable(cfg, "anthropic", down.URL)
	enable(cfg, "openai", up.URL)
	g, srv := startGateway(t, cfg)

	resp, payload := postJSON(t, srv.URL+"/api/v1/chat", map[string]any{
		"model":    "reason",
		"messages": []map[string]any{{"role": "user", "content": "q"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(payload))

	var out struct {
		Lineage struct {
			Provider string `json:"provider"`
			Fallback bool   `json:"fallback"`
			Attempts int    `json:"attempts"`
		} `json:"lineage"`
	}
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, "openai", out.Lineage.Provider)
	assert.True(t, out.Lineage.Fallback)
	assert.Equal(t, 2, out.Lineage.Attempts)

	// Transient failure: anthropic circuit stays closed.
	assert.Equal(t, "closed", string(g.Breaker.Status("anthropic").State))
}

func TestAllProvidersFailedEnvelope(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer down.Close()

	cfg := testGatewayConfig(t)
	enable(cfg, "openai", down.URL)
	_, srv := startGateway(t, cfg)

	resp, payload := postJSON(t, srv.URL+"/api/v1/chat", map[string]any{
		"model":    "openai:test-model",
		"messages": []map[string]any{{"role": "user", "content": "q"}},
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out struct {
		Kind    string `json:"kind"`
		Details []struct {
			Provider string `json:"provider"`
			Kind     string `json:"kind"`
			Message  string `json:"message"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, "all_providers_failed", out.Kind)
	require.Len(t, out.Details, 1)
	assert.Equal(t, "openai", out.Details[0].Provider)
	assert.NotEmpty(t, out.Details[0].Message)
}

func TestChatStreamSSE(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"po\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"ng\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer backend.Close()

	cfg := testGatewayConfig(t)
	enable(cfg, "ollama", backend.URL)
	_, srv := startGateway(t, cfg)

	resp, err := http.Post(srv.URL+"/api/v1/chat/stream", "application/json", strings.NewReader(
		`{"model":"local","messages":[{"role":"user","content":"ping"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	require.NotEmpty(t, frames)

	var text string
	var lastType string
	for _, frame := range frames {
		raw := strings.TrimPrefix(frame, "data: ")
		var evt struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal([]byte(raw), &evt))
		lastType = evt.Type
		if evt.Type == "text_delta" {
			text += evt.Text
		}
	}
	assert.Equal(t, "pong", text)
	// The stream is terminated by a finish event.
	assert.Equal(t, "finish", lastType)
}

func TestEmbedEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "text-embedding-3-large",
			"data":  []map[string]any{{"embedding": []float64{0.1, 0.2}, "index": 0}},
			"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer backend.Close()

	cfg := testGatewayConfig(t)
	enable(cfg, "openai", backend.URL)
	_, srv := startGateway(t, cfg)

	resp, payload := postJSON(t, srv.URL+"/api/v1/embed", map[string]any{"model": "embed", "input": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(payload))
	var out struct {
		Embeddings []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"embeddings"`
		Provider string `json:"provider"`
	}
	require.NoError(t, json.Unmarshal(payload, &out))
	require.Len(t, out.Embeddings, 1)
	assert.Equal(t, "openai", out.Provider)
}

func TestModelsEndpoint(t *testing.T) {
	backend := compatStub(t, "x")
	defer backend.Close()
	cfg := testGatewayConfig(t)
	enable(cfg, "ollama", backend.URL)
	_, srv := startGateway(t, cfg)

	var out struct {
		Models []struct {
			ModelID  string `json:"model_id"`
			Provider string `json:"provider"`
		} `json:"models"`
		Aliases map[string]string `json:"aliases"`
	}
	getJSON(t, srv.URL+"/api/v1/models", &out)
	require.NotEmpty(t, out.Models)
	assert.Equal(t, "ollama", out.Models[0].Provider)
	assert.Equal(t, "ollama:llama3.1:8b", out.Aliases["local"])
}

func TestCircuitAdminEndpoints(t *testing.T) {
	cfg := testGatewayConfig(t)
	g, srv := startGateway(t, cfg)

	resp, payload := postJSON(t, srv.URL+"/api/v1/circuit/anthropic/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(payload))
	assert.Equal(t, "open", string(g.Breaker.Status("anthropic").State))

	resp, _ = postJSON(t, srv.URL+"/api/v1/circuit/anthropic/close", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", string(g.Breaker.Status("anthropic").State))

	resp, _ = postJSON(t, srv.URL+"/api/v1/circuit/anthropic/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/api/v1/circuit/anthropic/explode", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpointShowsOpenCircuit(t *testing.T) {
	backend := compatStub(t, "x")
	defer backend.Close()
	cfg := testGatewayConfig(t)
	enable(cfg, "ollama", backend.URL)
	g, srv := startGateway(t, cfg)

	g.Breaker.ForceOpen("ollama")

	var out struct {
		Circuits map[string]struct {
			State     string  `json:"state"`
			OpenUntil *string `json:"open_until"`
		} `json:"circuits"`
	}
	getJSON(t, srv.URL+"/api/v1/health", &out)
	require.Contains(t, out.Circuits, "ollama")
	assert.Equal(t, "open", out.Circuits["ollama"].State)
	assert.NotNil(t, out.Circuits["ollama"].OpenUntil)
}

func TestMetricsEndpoint(t *testing.T) {
	backend := compatStub(t, "pong")
	defer backend.Close()
	cfg := testGatewayConfig(t)
	enable(cfg, "ollama", backend.URL)
	_, srv := startGateway(t, cfg)

	postJSON(t, srv.URL+"/api/v1/chat", map[string]any{
		"model": "local", "messages": []map[string]any{{"role": "user", "content": "x"}},
	})

	var out struct {
		Counters map[string]struct {
			Total  int64            `json:"total"`
			Labels map[string]int64 `json:"labels"`
		} `json:"counters"`
		Histograms map[string]struct {
			Count int64 `json:"count"`
		} `json:"histograms"`
	}
	getJSON(t, srv.URL+"/api/v1/metrics", &out)
	assert.Equal(t, int64(1), out.Counters["aratta_requests_total"].Labels["ollama|chat"])
	assert.Equal(t, int64(1), out.Histograms["aratta_request_duration_seconds"].Count)
}

func TestHealingPauseResume(t *testing.T) {
	cfg := testGatewayConfig(t)
	g, srv := startGateway(t, cfg)

	resp, _ := postJSON(t, srv.URL+"/api/v1/healing/pause/google", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, g.Health.IsPaused("google"))

	resp, _ = postJSON(t, srv.URL+"/api/v1/healing/resume/google", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, g.Health.IsPaused("google"))

	var status map[string]any
	getJSON(t, srv.URL+"/api/v1/healing/status", &status)
	assert.Contains(t, status, "enabled")
	assert.Contains(t, status, "reload")
}

func TestDashboard(t *testing.T) {
	backend := compatStub(t, "x")
	defer backend.Close()
	cfg := testGatewayConfig(t)
	enable(cfg, "ollama", backend.URL)
	_, srv := startGateway(t, cfg)

	var out struct {
		System    map[string]any   `json:"system"`
		Providers []map[string]any `json:"providers"`
	}
	getJSON(t, srv.URL+"/api/v1/dashboard", &out)
	assert.Equal(t, "aratta", out.System["service"])
	require.Len(t, out.Providers, 1)
	assert.Equal(t, "ollama", out.Providers[0]["name"])
}

// healLocalStub plays the heal model over the OpenAI-compatible surface:
// it answers the diagnose prompt, the fix prompt, and everything else
// (canary, fallback chat) with a plain reply.
func healLocalStub(t *testing.T, fixSpecSource string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		var payload struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		content := "pong"
		if len(payload.Messages) > 0 {
			switch {
			case strings.Contains(payload.Messages[0].Content, "analyzing an adapter failure"):
				content = `{"summary": "usage field renamed", "likely_cause": "candidatesTokenCount gone", "is_structural": true, "search_queries": ["gemini changelog"]}`
			case strings.Contains(payload.Messages[0].Content, "generating a fix"):
				content = fmt.Sprintf(`{"new_spec": %s, "confidence": 0.55, "rationale": "rename"}`, fixSpecSource)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "h1", "model": "llama3.1:8b",
			"choices": []map[string]any{{"message": map[string]any{"content": content}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
}

// googleDriftStub serves a 400 unknown-field error for the drifted model
// and valid responses for the canary model and health probe.
func googleDriftStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		if strings.Contains(r.URL.Path, "gemini-2.5-flash-lite") {
			json.NewEncoder(w).Encode(map[string]any{
				"candidates": []map[string]any{{
					"content":      map[string]any{"parts": []map[string]any{{"text": "pong"}}},
					"finishReason": "STOP",
				}},
				"usageMetadata": map[string]any{"promptTokenCount": 1, "candidatesTokenCount": 1, "totalTokenCount": 2},
			})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"unknown field candidatesTokenCount in usageMetadata"}}`))
	}))
}

// Scenario: three unknown_field errors trigger a heal cycle; the local
// model diagnoses and drafts a fix at confidence 0.55; the fix queues for
// approval; approving applies it with canary verification and records a
// healed-approved version.
func TestHealCycleEndToEnd(t *testing.T) {
	fixSpec, err := provider.DefaultSpec("google")
	require.NoError(t, err)
	fixSpec.Usage.Output = "candidatesTokenCountV2"
	fixSource, err := fixSpec.Encode()
	require.NoError(t, err)

	local := healLocalStub(t, fixSource)
	defer local.Close()
	googleSrv := googleDriftStub(t)
	defer googleSrv.Close()

	cfg := testGatewayConfig(t)
	cfg.Healing.Enabled = true
	cfg.Healing.AutoApply = false
	cfg.Healing.ErrorThreshold = 3
	cfg.Behaviour.EnableFallback = false
	enable(cfg, "ollama", local.URL)
	enable(cfg, "google", googleSrv.URL)

	g, srv := startGateway(t, cfg)

	// Inject three structural failures for google.
	for i := 0; i < 3; i++ {
		resp, _ := postJSON(t, srv.URL+"/api/v1/chat", map[string]any{
			"model":    "google:gemini-2.5-flash",
			"messages": []map[string]any{{"role": "user", "content": "q"}},
		})
		require.NotEqual(t, http.StatusOK, resp.StatusCode)
	}
	g.Heal.Wait()

	// The heal cycle queued a pending fix.
	var pending struct {
		PendingFixes []struct {
			Provider   string  `json:"provider"`
			Confidence float64 `json:"confidence"`
			Diagnosis  string  `json:"diagnosis"`
		} `json:"pending_fixes"`
	}
	getJSON(t, srv.URL+"/api/v1/fixes/pending", &pending)
	require.Len(t, pending.PendingFixes, 1)
	assert.Equal(t, "google", pending.PendingFixes[0].Provider)
	assert.InDelta(t, 0.55, pending.PendingFixes[0].Confidence, 1e-9)

	// Approve: the apply path runs with canary verification.
	resp, payload := postJSON(t, srv.URL+"/api/v1/fixes/google/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(payload))

	var history struct {
		Versions []struct {
			Version int    `json:"version"`
			Origin  string `json:"origin"`
			Status  string `json:"status"`
		} `json:"versions"`
	}
	getJSON(t, srv.URL+"/api/v1/fixes/google/history", &history)
	require.NotEmpty(t, history.Versions)
	last := history.Versions[len(history.Versions)-1]
	assert.Equal(t, "healed-approved", last.Origin)
	assert.Equal(t, "verified", last.Status)

	// The live adapter now carries the renamed usage field.
	live := g.Registry.Handle("google").Current()
	assert.Equal(t, "candidatesTokenCountV2", live.Spec.Usage.Output)
}

// Scenario: after healed versions exist, the operator rolls back and the
// gateway serves the old mapping again.
func TestOperatorRollbackOverHTTP(t *testing.T) {
	backend := compatStub(t, "pong")
	defer backend.Close()

	cfg := testGatewayConfig(t)
	cfg.Healing.AutoApply = true
	cfg.Healing.AutoApplyThreshold = 0.5
	enable(cfg, "openai", backend.URL)
	g, srv := startGateway(t, cfg)

	g.Reload.SetVerifier(func(ctx context.Context, name string) error { return nil })
	mkProposal := func(path string) *reload.FixProposal {
		spec, err := provider.DefaultSpec("openai")
		require.NoError(t, err)
		spec.ChatPath = path
		source, err := spec.Encode()
		require.NoError(t, err)
		return &reload.FixProposal{Provider: "openai", Source: source, Confidence: 0.99}
	}

	// Two healed versions: v2 and v3.
	_, err := g.Reload.Apply(context.Background(), mkProposal("/chat/completions"))
	require.NoError(t, err)
	_, err = g.Reload.Apply(context.Background(), mkProposal("/v3/chat"))
	require.NoError(t, err)
	require.Equal(t, 3, g.Registry.CurrentVersion("openai"))

	resp, payload := postJSON(t, srv.URL+"/api/v1/fixes/openai/rollback/2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(payload))

	// The live spec carries v2's content and the rollback is a new entry.
	assert.Equal(t, "/chat/completions", g.Registry.Handle("openai").Current().Spec.ChatPath)
	var history struct {
		Versions []struct {
			Origin string `json:"origin"`
		} `json:"versions"`
	}
	getJSON(t, srv.URL+"/api/v1/fixes/openai/history", &history)
	require.NotEmpty(t, history.Versions)
	assert.Equal(t, "manual-rollback", history.Versions[len(history.Versions)-1].Origin)

	// The next chat succeeds with the rolled-back adapter.
	chatResp, chatPayload := postJSON(t, srv.URL+"/api/v1/chat", map[string]any{
		"model": "openai:test-model", "messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, chatResp.StatusCode, string(chatPayload))
}
