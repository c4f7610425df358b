package heal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/config"
	"github.com/MAXAPIPULL00/aratta/internal/health"
	"github.com/MAXAPIPULL00/aratta/internal/metrics"
	"github.com/MAXAPIPULL00/aratta/internal/provider"
	"github.com/MAXAPIPULL00/aratta/internal/reload"
	"github.com/MAXAPIPULL00/aratta/pkg/scri"
)

// scriptedChat routes heal-model and research calls to canned responses.
type scriptedChat struct {
	mu        sync.Mutex
	calls     []string
	diagnose  string
	research  string
	fix       string
	failModel string
}

func (s *scriptedChat) chat(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Model)
	s.mu.Unlock()

	if s.failModel != "" && req.Model == s.failModel {
		return nil, aerrors.Adapter(aerrors.KindTransient, "stub", "down")
	}

	system := req.Messages[0].PlainText()
	var content string
	switch {
	case system == researchSystemPrompt:
		content = s.research
	case len(system) > 0 && system[0:7] == "You are" && containsStr(system, "analyzing an adapter failure"):
		content = s.diagnose
	default:
		content = s.fix
	}
	return &scri.ChatResponse{ID: "r1", Content: content, Role: scri.RoleAssistant, FinishReason: scri.FinishStop}, nil
}

func containsStr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func (s *scriptedChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func validFixResponse(t *testing.T) string {
	t.Helper()
	spec, err := provider.DefaultSpec("google")
	require.NoError(t, err)
	spec.Usage.Output = "candidatesTokenCountV2"
	source, err := spec.Encode()
	require.NoError(t, err)
	return fmt.Sprintf(`{"new_spec": %s, "confidence": 0.55, "rationale": "field renamed"}`, source)
}

type healHarness struct {
	worker  *Worker
	reload  *reload.Manager
	monitor *health.Monitor
	chat    *scriptedChat
	reg     *provider.Registry
}

func newHealHarness(t *testing.T, autoApply bool) *healHarness {
	t.Helper()
	cfg := config.Default()
	for _, p := range cfg.Providers {
		p.APIKeyEnv = ""
	}
	reg := provider.NewRegistry(cfg, zap.NewNop())
	m := metrics.NewRegistry()
	monitor := health.New(health.Settings{HealingEnabled: true}, m, zap.NewNop())

	mgr, err := reload.NewManager(t.TempDir(), reg, reload.Settings{
		AutoApply:          autoApply,
		AutoApplyThreshold: 0.5,
	}, m, nil, zap.NewNop())
	require.NoError(t, err)
	mgr.SetVerifier(func(ctx context.Context, name string) error { return nil })
	mgr.SetHealCompleteFunc(monitor.HealComplete)

	chat := &scriptedChat{
		diagnose: `{"summary": "usage field renamed", "likely_cause": "candidatesTokenCount renamed", "is_structural": true, "search_queries": ["gemini api changelog"]}`,
		research: "The Gemini API renamed candidatesTokenCount to candidatesTokenCountV2 in the v1beta surface. Applications must read the new field name from usageMetadata going forward.",
		fix:      validFixResponse(t),
	}

	worker := New(Deps{
		Chat:    chat.chat,
		Source:  func(name string) string { return sourceFor(reg, name) },
		Reload:  mgr,
		Monitor: monitor,
		Metrics: m,
		Log:     zap.NewNop(),
	}, Options{HealModel: "local"})

	return &healHarness{worker: worker, reload: mgr, monitor: monitor, chat: chat, reg: reg}
}

func sourceFor(reg *provider.Registry, name string) string {
	if _, err := reg.Get(name); err != nil {
		return ""
	}
	return reg.Handle(name).Current().Source
}

func healRequest() health.HealRequest {
	return health.HealRequest{
		Provider: "google",
		Model:    "gemini-2.5-flash",
		Trigger: health.RecordedError{
			Provider: "google", Model: "gemini-2.5-flash",
			Kind: aerrors.KindUnknownField, Message: "unknown field candidatesTokenCount",
		},
		RecentErrors: []health.RecordedError{
			{Kind: aerrors.KindUnknownField, Message: "unknown field"},
			{Kind: aerrors.KindUnknownField, Message: "unknown field"},
			{Kind: aerrors.KindUnknownField, Message: "unknown field"},
		},
	}
}

func TestHealCycleQueuesPendingFix(t *testing.T) {
	h := newHealHarness(t, false)

	h.worker.Trigger(healRequest())
	h.worker.Wait()

	pending := h.reload.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "google", pending[0].Provider)
	assert.InDelta(t, 0.55, pending[0].Confidence, 1e-9)
	assert.Equal(t, "usage field renamed", pending[0].Diagnosis)
	require.NotEmpty(t, pending[0].Citations)
	assert.Contains(t, pending[0].Citations[0].Excerpt, "candidatesTokenCountV2")

	// Queued fix leaves the live adapter untouched.
	assert.Equal(t, 1, h.reg.CurrentVersion("google"))
}

func TestHealCycleAutoApplies(t *testing.T) {
	h := newHealHarness(t, true)

	h.worker.Trigger(healRequest())
	h.worker.Wait()

	assert.Empty(t, h.reload.Pending())
	require.Equal(t, 2, h.reg.CurrentVersion("google"))
	live := h.reg.Handle("google").Current()
	assert.Equal(t, "candidatesTokenCountV2", live.Spec.Usage.Output)

	history := h.reload.History("google")
	last := history[len(history)-1]
	assert.Equal(t, reload.OriginHealedAuto, last.Origin)
}

func TestNonStructuralDiagnosisAbortsAndDecays(t *testing.T) {
	h := newHealHarness(t, true)
	h.chat.diagnose = `{"summary": "rate limit storm", "is_structural": false, "search_queries": []}`

	// Seed the window so the decay is observable.
	h.monitor.RecordError("google", "m", aerrors.KindUnknownField, "x")

	h.worker.Trigger(healRequest())
	h.worker.Wait()

	assert.Empty(t, h.reload.Pending())
	assert.Equal(t, 1, h.reg.CurrentVersion("google"))
	assert.Zero(t, h.monitor.Summary()["google"].RecentErrors)
	// Only the diagnose call went out: no research, no fix.
	assert.Equal(t, 1, h.chat.callCount())
}

func TestResearchFailureDegradesGracefully(t *testing.T) {
	h := newHealHarness(t, false)
	// Every research provider fails; the fix proceeds without citations.
	h.chat.failModel = "xai"
	h.worker.researchOrder = []string{"xai"}

	h.worker.Trigger(healRequest())
	h.worker.Wait()

	pending := h.reload.Pending()
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].Citations)
}

func TestConcurrentTriggersCollapse(t *testing.T) {
	h := newHealHarness(t, false)

	// Hold the first cycle in its diagnose call so the other triggers
	// arrive while it is in flight.
	gate := make(chan struct{})
	inner := h.chat.chat
	h.worker.chat = func(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error) {
		<-gate
		return inner(ctx, req)
	}

	for i := 0; i < 5; i++ {
		h.worker.Trigger(healRequest())
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	h.worker.Wait()

	// One collapsed cycle: one diagnose, one research, one fix.
	assert.Equal(t, 3, h.chat.callCount())
	assert.Len(t, h.reload.Pending(), 1)
}

func TestCancelLeavesPreCycleState(t *testing.T) {
	h := newHealHarness(t, true)

	started := make(chan struct{})
	var once sync.Once
	blocked := &blockingChat{inner: h.chat.chat, started: started, once: &once}
	h.worker.chat = blocked.chat

	h.worker.Trigger(healRequest())
	<-started
	h.worker.Cancel("google")
	h.worker.Wait()

	assert.Equal(t, 1, h.reg.CurrentVersion("google"))
	assert.Empty(t, h.reload.Pending())
}

type blockingChat struct {
	inner   ChatFunc
	started chan struct{}
	once    *sync.Once
}

func (b *blockingChat) chat(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHealModelFailureAbortsCycle(t *testing.T) {
	h := newHealHarness(t, true)
	h.worker.chat = func(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error) {
		return nil, aerrors.Adapter(aerrors.KindTransient, "local", "model offline")
	}

	h.worker.Trigger(healRequest())
	h.worker.Wait()

	assert.Empty(t, h.reload.Pending())
	assert.Equal(t, 1, h.reg.CurrentVersion("google"))
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":    `{"a":1}`,
		"```\n{\"a\":1}\n```":        `{"a":1}`,
		"  {\"a\":1}  ":              `{"a":1}`,
		"text before ```json\n{\"a\":1}\n``` after": `{"a":1}`,
	}
	for input, want := range cases {
		assert.JSONEq(t, want, extractJSON(input))
	}
}

func TestScrub(t *testing.T) {
	in := `error for user alice@example.com with key sk-abc123def456ghi and Bearer eyJhbGciOiJIUzI1NiJ9.payload`
	out := Scrub(in)
	assert.NotContains(t, out, "alice@example.com")
	assert.NotContains(t, out, "sk-abc123def456ghi")
	assert.Contains(t, out, "[email]")
	assert.Contains(t, out, "[redacted]")
}

func TestDiagnosisParsesModelJSON(t *testing.T) {
	var d Diagnosis
	raw := `{"summary": "s", "likely_cause": "c", "is_structural": true, "search_queries": ["q1", "q2"]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	assert.True(t, d.IsStructural)
	assert.Len(t, d.SearchQueries, 2)
}

func TestWaitReturnsPromptly(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHealHarness(t, false)
	h.worker.Trigger(healRequest())
	done := make(chan struct{})
	go func() {
		h.worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("heal cycle did not finish")
	}
}
