// Package heal implements the self-heal pipeline: a local model diagnoses
// an adapter failure, a search-capable cloud provider researches current
// documentation, and the local model drafts a mapping-spec patch that the
// reload manager applies or queues for approval.
package heal

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/audit"
	"github.com/MAXAPIPULL00/aratta/internal/health"
	"github.com/MAXAPIPULL00/aratta/internal/metrics"
	"github.com/MAXAPIPULL00/aratta/internal/reload"
	"github.com/MAXAPIPULL00/aratta/pkg/scri"
)

// ChatFunc executes one chat call through the gateway's routing stack.
// The worker never holds a router reference directly.
type ChatFunc func(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error)

// SourceFunc returns the current mapping-spec source for a provider.
type SourceFunc func(provider string) string

// Phase time budgets.
const (
	diagnoseBudget = 60 * time.Second
	researchBudget = 2 * time.Minute
	fixBudget      = 2 * time.Minute
	maxQueries     = 3
	maxRecent      = 3
)

// Diagnosis is the parsed phase-1 verdict.
type Diagnosis struct {
	Summary       string   `json:"summary"`
	LikelyCause   string   `json:"likely_cause"`
	IsStructural  bool     `json:"is_structural"`
	SearchQueries []string `json:"search_queries"`
}

// Deps are the worker's collaborators. The worker holds a chat function
// and a reload-manager handle; it never references the router directly.
type Deps struct {
	Chat          ChatFunc
	Source        SourceFunc
	ResearchModel func(provider string) string
	Reload        *reload.Manager
	Monitor       *health.Monitor
	Audit         *audit.Log
	Metrics       *metrics.Registry
	Log           *zap.Logger
}

// Options tunes the worker.
type Options struct {
	HealModel     string
	ResearchOrder []string
}

// Worker runs heal cycles. A given provider has at most one in-flight
// cycle; concurrent triggers collapse.
type Worker struct {
	chat          ChatFunc
	source        SourceFunc
	researchModel func(provider string) string
	reload        *reload.Manager
	monitor       *health.Monitor
	healModel     string
	researchOrder []string
	audit         *audit.Log
	metrics       *metrics.Registry
	log           *zap.Logger

	group   singleflight.Group
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a heal worker.
func New(deps Deps, opts Options) *Worker {
	if opts.HealModel == "" {
		opts.HealModel = "local"
	}
	if len(opts.ResearchOrder) == 0 {
		opts.ResearchOrder = []string{"xai", "openai", "google", "anthropic"}
	}
	if deps.ResearchModel == nil {
		deps.ResearchModel = func(provider string) string { return provider }
	}
	return &Worker{
		chat:          deps.Chat,
		source:        deps.Source,
		researchModel: deps.ResearchModel,
		reload:        deps.Reload,
		monitor:       deps.Monitor,
		healModel:     opts.HealModel,
		researchOrder: opts.ResearchOrder,
		audit:         deps.Audit,
		metrics:       deps.Metrics,
		log:           deps.Log.Named("heal"),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// Trigger starts a heal cycle in the background. Triggers for a provider
// with a cycle already in flight collapse into that cycle.
func (w *Worker) Trigger(req health.HealRequest) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.group.Do(req.Provider, func() (any, error) {
			ctx, cancel := context.WithCancel(context.Background())
			w.mu.Lock()
			w.cancels[req.Provider] = cancel
			w.mu.Unlock()
			defer func() {
				cancel()
				w.mu.Lock()
				delete(w.cancels, req.Provider)
				w.mu.Unlock()
			}()
			w.runCycle(ctx, req)
			return nil, nil
		})
	}()
}

// Cancel aborts an in-flight cycle. The provider is left in its pre-cycle
// adapter state.
func (w *Worker) Cancel(provider string) {
	w.mu.Lock()
	cancel := w.cancels[provider]
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until all in-flight cycles finish. Used on shutdown and in
// tests.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) runCycle(ctx context.Context, req health.HealRequest) {
	start := time.Now()
	provider := req.Provider
	log := w.log.With(zap.String("provider", provider))
	log.Info("heal cycle started", zap.String("trigger", string(req.Trigger.Kind)))
	defer func() {
		w.metrics.HealDuration.Observe(time.Since(start).Seconds())
	}()

	// Phase 1: diagnose (local model).
	diagnosis, err := w.phaseDiagnose(ctx, req)
	if err != nil {
		w.auditEvent(provider, "diagnose", "failed", err.Error())
		w.monitor.HealComplete(provider, false)
		log.Warn("diagnosis failed", zap.Error(err))
		return
	}
	w.auditEvent(provider, "diagnose", "ok", diagnosis.Summary)

	if !diagnosis.IsStructural {
		// The burst was noise; decay the window so it is not re-counted.
		w.monitor.DecayWindow(provider)
		w.monitor.HealComplete(provider, false)
		w.auditEvent(provider, "diagnose", "non_structural", diagnosis.Summary)
		log.Info("diagnosis: not structural, cycle aborted")
		return
	}

	// Phase 2: research (cloud with web search).
	citations := w.phaseResearch(ctx, provider, diagnosis)
	w.auditEvent(provider, "research", "ok", fmt.Sprintf("%d citations", len(citations)))

	// Phase 3: fix (local model).
	proposal, err := w.phaseFix(ctx, req, diagnosis, citations)
	if err != nil {
		w.auditEvent(provider, "fix", "failed", err.Error())
		w.monitor.HealComplete(provider, false)
		log.Warn("fix generation failed", zap.Error(err))
		return
	}
	w.auditEvent(provider, "fix", "ok", fmt.Sprintf("confidence %.2f", proposal.Confidence))

	if ctx.Err() != nil {
		w.monitor.HealComplete(provider, false)
		return
	}

	// Hand off to the reload manager; it commits, rolls back, or queues.
	if _, err := w.reload.Apply(ctx, proposal); err != nil {
		log.Warn("apply failed", zap.Error(err))
	}
}

// phaseDiagnose asks the heal model what broke and what to search for.
func (w *Worker) phaseDiagnose(ctx context.Context, req health.HealRequest) (*Diagnosis, error) {
	pctx, cancel := context.WithTimeout(ctx, diagnoseBudget)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("## Adapter Failure Report\n")
	fmt.Fprintf(&sb, "Provider: %s\nModel: %s\nError type: %s\nError message: %s\n",
		req.Provider, req.Model, req.Trigger.Kind, Scrub(req.Trigger.Message))
	if len(req.RecentErrors) > 0 {
		sb.WriteString("\n## Recent Error History\n")
		recent := req.RecentErrors
		if len(recent) > maxRecent {
			recent = recent[len(recent)-maxRecent:]
		}
		for i, e := range recent {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, e.Kind, Scrub(aerrors.TruncateMessage(e.Message, 200)))
		}
	}
	if source := w.source(req.Provider); source != "" {
		sb.WriteString("\n## Current Mapping Spec\n```json\n")
		sb.WriteString(truncate(source, 6000))
		sb.WriteString("\n```\n")
	}

	text, err := w.callHealModel(pctx, diagnosePrompt, sb.String())
	if err != nil {
		return nil, &aerrors.HealError{Phase: aerrors.HealDiagnosis, Provider: req.Provider, Inner: err}
	}

	var d Diagnosis
	if err := json.Unmarshal([]byte(extractJSON(text)), &d); err != nil {
		// An unparseable diagnosis still gives us a default search plan.
		d = Diagnosis{
			Summary:       truncate(text, 500),
			IsStructural:  true,
			SearchQueries: []string{req.Provider + " API changelog latest"},
		}
	}
	if len(d.SearchQueries) > maxQueries {
		d.SearchQueries = d.SearchQueries[:maxQueries]
	}
	return &d, nil
}

// phaseResearch issues each search query through the preference list of
// search-capable providers. Research failures degrade to an empty bundle;
// the fix phase proceeds on error analysis alone.
func (w *Worker) phaseResearch(ctx context.Context, provider string, d *Diagnosis) []reload.Citation {
	pctx, cancel := context.WithTimeout(ctx, researchBudget)
	defer cancel()

	queries := d.SearchQueries
	if len(queries) == 0 {
		queries = []string{provider + " API documentation latest changes"}
	}

	var citations []reload.Citation
	for _, query := range queries {
		if pctx.Err() != nil {
			break
		}
		prompt := fmt.Sprintf(
			"Search for the latest %s API documentation and recent changes.\n\n"+
				"Specifically look for: %s\n\nQuery: %s\n\n"+
				"Return a summary of recent API changes, new fields, deprecated fields, "+
				"or format changes for the %s API. Include specific request/response schema details.",
			provider, d.LikelyCause, query, provider)

		for _, searcher := range w.researchOrder {
			if searcher == provider {
				continue
			}
			resp, err := w.chat(pctx, &scri.ChatRequest{
				Model: w.researchModel(searcher),
				Messages: []scri.Message{
					scri.TextMessage(scri.RoleSystem, researchSystemPrompt),
					scri.TextMessage(scri.RoleUser, prompt),
				},
				MaxTokens: 2000,
				Metadata:  map[string]string{"web_search": "true"},
			})
			if err != nil {
				w.log.Debug("research provider failed",
					zap.String("searcher", searcher), zap.Error(err))
				continue
			}
			if len(strings.TrimSpace(resp.Content)) > 50 {
				citations = append(citations, reload.Citation{
					URL:       searcher + ":" + query,
					Excerpt:   truncate(resp.Content, 2000),
					Timestamp: time.Now().UTC(),
				})
				break
			}
		}
	}
	return citations
}

// phaseFix asks the heal model for the corrected mapping spec.
func (w *Worker) phaseFix(ctx context.Context, req health.HealRequest, d *Diagnosis, citations []reload.Citation) (*reload.FixProposal, error) {
	pctx, cancel := context.WithTimeout(ctx, fixBudget)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("## Error\n")
	fmt.Fprintf(&sb, "Provider: %s, Model: %s\nType: %s\nMessage: %s\n",
		req.Provider, req.Model, req.Trigger.Kind, Scrub(req.Trigger.Message))
	sb.WriteString("\n## Diagnosis\n")
	sb.WriteString(d.Summary)
	if d.LikelyCause != "" {
		sb.WriteString("\nLikely cause: " + d.LikelyCause)
	}
	sb.WriteString("\n\n## Research Findings (current API docs)\n")
	if len(citations) == 0 {
		sb.WriteString("No current documentation found. Fix based on error analysis only.\n")
	}
	for _, c := range citations {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", c.URL, c.Excerpt)
	}
	if source := w.source(req.Provider); source != "" {
		sb.WriteString("\n## Current Mapping Spec\n```json\n")
		sb.WriteString(truncate(source, 6000))
		sb.WriteString("\n```\n")
	}

	text, err := w.callHealModel(pctx, fixPrompt, sb.String())
	if err != nil {
		return nil, &aerrors.HealError{Phase: aerrors.HealFix, Provider: req.Provider, Inner: err}
	}

	var parsed struct {
		NewSpec    json.RawMessage `json:"new_spec"`
		Confidence float64         `json:"confidence"`
		Rationale  string          `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return nil, &aerrors.HealError{Phase: aerrors.HealFix, Provider: req.Provider, Inner: err}
	}
	if len(parsed.NewSpec) == 0 {
		return nil, &aerrors.HealError{Phase: aerrors.HealFix, Provider: req.Provider, Inner: fmt.Errorf("fix response carries no spec")}
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return &reload.FixProposal{
		Provider:   req.Provider,
		Source:     string(parsed.NewSpec),
		Diagnosis:  d.Summary,
		Citations:  citations,
		Confidence: parsed.Confidence,
		Rationale:  parsed.Rationale,
	}, nil
}

func (w *Worker) callHealModel(ctx context.Context, system, user string) (string, error) {
	temp := 0.3
	resp, err := w.chat(ctx, &scri.ChatRequest{
		Model: w.healModel,
		Messages: []scri.Message{
			scri.TextMessage(scri.RoleSystem, system),
			scri.TextMessage(scri.RoleUser, user),
		},
		Temperature: &temp,
		MaxTokens:   3000,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (w *Worker) auditEvent(provider, phase, status, detail string) {
	if w.audit != nil {
		w.audit.Append(provider, phase, status, detail)
	}
}

// extractJSON strips markdown code fences from a model response.
func extractJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	if i := strings.Index(cleaned, "```json"); i >= 0 {
		cleaned = cleaned[i+7:]
		if j := strings.Index(cleaned, "```"); j >= 0 {
			cleaned = cleaned[:j]
		}
	} else if i := strings.Index(cleaned, "```"); i >= 0 {
		cleaned = cleaned[i+3:]
		if j := strings.Index(cleaned, "```"); j >= 0 {
			cleaned = cleaned[:j]
		}
	}
	return strings.TrimSpace(cleaned)
}

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	secretPattern = regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{8,}|bearer\s+[a-zA-Z0-9._-]{8,}|api[_-]?key["':\s=]+[a-zA-Z0-9_-]{8,})`)
)

// Scrub removes PII and key material from error payloads before they are
// placed into model prompts.
func Scrub(s string) string {
	s = emailPattern.ReplaceAllString(s, "[email]")
	s = secretPattern.ReplaceAllString(s, "[redacted]")
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
