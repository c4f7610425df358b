// Package router resolves logical model names to concrete provider/model
// pairs and walks the fallback list. Fallback is transparent: the SCRI
// response shape is identical regardless of which candidate answered; only
// the lineage record differs.
package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/circuit"
	"github.com/MAXAPIPULL00/aratta/internal/config"
	"github.com/MAXAPIPULL00/aratta/internal/health"
	"github.com/MAXAPIPULL00/aratta/internal/metrics"
	"github.com/MAXAPIPULL00/aratta/internal/provider"
	"github.com/MAXAPIPULL00/aratta/pkg/scri"
)

// Router selects providers and executes calls with circuit gating and
// fallback.
type Router struct {
	cfg     *config.Config
	reg     *provider.Registry
	breaker *circuit.Breaker
	health  *health.Monitor
	metrics *metrics.Registry
	log     *zap.Logger
}

// New creates a router.
func New(cfg *config.Config, reg *provider.Registry, b *circuit.Breaker, h *health.Monitor, m *metrics.Registry, log *zap.Logger) *Router {
	return &Router{cfg: cfg, reg: reg, breaker: b, health: h, metrics: m, log: log.Named("router")}
}

type candidate struct {
	provider string
	model    string
}

// candidates builds the ordered list for a logical model: the resolved
// primary first, then enabled providers by priority (local first).
func (r *Router) candidates(modelStr string) []candidate {
	primary, model := r.cfg.Resolve(modelStr)
	var list []candidate
	if p := r.cfg.GetProvider(primary); p != nil && p.Available() {
		list = append(list, candidate{provider: primary, model: model})
	}
	if !r.cfg.Behaviour.EnableFallback {
		return list
	}
	for _, name := range r.cfg.AvailableProviders() {
		if name == primary {
			continue
		}
		list = append(list, candidate{provider: name, model: r.cfg.GetProvider(name).DefaultModel})
	}
	return list
}

// Chat routes a chat request through the candidate list.
func (r *Router) Chat(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error) {
	cands := r.candidates(req.Model)
	if len(cands) == 0 {
		return nil, &aerrors.RouterError{Kind: aerrors.RouterNoCandidate, Model: req.Model}
	}

	var attempts []aerrors.Attempt
	for _, cand := range cands {
		resp, err := r.tryChat(ctx, cand, req)
		if err == nil {
			resp.Lineage.Attempts = len(attempts) + 1
			resp.Lineage.Fallback = len(attempts) > 0
			if resp.Lineage.Fallback {
				r.metrics.FallbacksTotal.Inc(cand.provider)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			// Cancellation is not a provider failure.
			return nil, ctx.Err()
		}
		var skipped *skipError
		if errors.As(err, &skipped) {
			attempts = append(attempts, aerrors.Attempt{Provider: cand.provider, Kind: aerrors.KindTransient, Message: skipped.reason})
			continue
		}
		kind := aerrors.KindOf(err)
		attempts = append(attempts, aerrors.Attempt{
			Provider: cand.provider,
			Kind:     kind,
			Message:  aerrors.TruncateMessage(err.Error(), 200),
		})
		if kind.Terminal() {
			return nil, err
		}
	}
	return nil, &aerrors.RouterError{Kind: aerrors.RouterAllProvidersFailed, Model: req.Model, Attempts: attempts}
}

// skipError marks a candidate that was skipped without invoking the
// adapter (paused provider, open circuit, exhausted probe budget).
type skipError struct{ reason string }

func (e *skipError) Error() string { return e.reason }

func (r *Router) tryChat(ctx context.Context, cand candidate, req *scri.ChatRequest) (*scri.ChatResponse, error) {
	if err := r.admit(cand.provider); err != nil {
		return nil, err
	}

	adapter, err := r.reg.Get(cand.provider)
	if err != nil {
		return nil, aerrors.AdapterWrap(aerrors.KindUnknown, cand.provider, "adapter init", err)
	}

	callReq := *req
	callReq.Model = cand.model

	callCtx, cancel := r.withProviderDeadline(ctx, cand.provider)
	defer cancel()

	start := time.Now()
	resp, err := adapter.Chat(callCtx, &callReq)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		kind := r.normalizeCallError(&err, cand.provider, callCtx)
		r.recordFailure(cand, kind, err)
		return nil, err
	}

	r.breaker.RecordSuccess(cand.provider)
	r.health.RecordSuccess(cand.provider)
	r.metrics.RequestsTotal.Inc(cand.provider, "chat")
	r.metrics.RequestDuration.Observe(elapsed)
	if resp.Usage != nil {
		r.metrics.InputTokensTotal.Add(int64(resp.Usage.InputTokens), cand.provider)
		r.metrics.OutputTokensTotal.Add(int64(resp.Usage.OutputTokens), cand.provider)
	}
	return resp, nil
}

// admit applies step 1 and 2 of the per-candidate procedure: paused
// providers and open circuits are skipped, half-open circuits take one
// probe slot.
func (r *Router) admit(providerName string) error {
	if r.health.IsPaused(providerName) {
		return &skipError{reason: "provider paused"}
	}
	if !r.breaker.Allow(providerName) {
		return &skipError{reason: "circuit open"}
	}
	return nil
}

func (r *Router) withProviderDeadline(ctx context.Context, providerName string) (context.Context, context.CancelFunc) {
	pcfg := r.cfg.GetProvider(providerName)
	timeout := 30 * time.Second
	if pcfg != nil && pcfg.TimeoutSeconds > 0 {
		timeout = time.Duration(pcfg.TimeoutSeconds) * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// normalizeCallError turns a per-candidate deadline expiry into a
// transient adapter error and returns the final kind.
func (r *Router) normalizeCallError(err *error, providerName string, callCtx context.Context) aerrors.Kind {
	if errors.Is(*err, context.DeadlineExceeded) || callCtx.Err() != nil {
		*err = aerrors.AdapterWrap(aerrors.KindTransient, providerName, "provider deadline exceeded", *err)
		return aerrors.KindTransient
	}
	return aerrors.KindOf(*err)
}

func (r *Router) recordFailure(cand candidate, kind aerrors.Kind, err error) {
	r.log.Warn("provider call failed",
		zap.String("provider", cand.provider),
		zap.String("kind", string(kind)),
		zap.Error(err))
	r.breaker.RecordFailure(cand.provider, kind.Structural())
	r.health.RecordError(cand.provider, cand.model, kind, err.Error())
}

// ChatStream routes a streaming chat request. The fallback walk applies
// only until a stream is established; once events flow, a failure
// surfaces as a finish event with reason=error.
func (r *Router) ChatStream(ctx context.Context, req *scri.ChatRequest) (<-chan scri.StreamEvent, error) {
	cands := r.candidates(req.Model)
	if len(cands) == 0 {
		return nil, &aerrors.RouterError{Kind: aerrors.RouterNoCandidate, Model: req.Model}
	}

	var attempts []aerrors.Attempt
	for _, cand := range cands {
		if err := r.admit(cand.provider); err != nil {
			attempts = append(attempts, aerrors.Attempt{Provider: cand.provider, Kind: aerrors.KindTransient, Message: err.Error()})
			continue
		}
		adapter, err := r.reg.Get(cand.provider)
		if err != nil {
			attempts = append(attempts, aerrors.Attempt{Provider: cand.provider, Kind: aerrors.KindUnknown, Message: err.Error()})
			continue
		}
		callReq := *req
		callReq.Model = cand.model
		events, err := adapter.ChatStream(ctx, &callReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			kind := aerrors.KindOf(err)
			r.recordFailure(cand, kind, err)
			attempts = append(attempts, aerrors.Attempt{Provider: cand.provider, Kind: kind, Message: aerrors.TruncateMessage(err.Error(), 200)})
			if kind.Terminal() {
				return nil, err
			}
			continue
		}
		r.metrics.RequestsTotal.Inc(cand.provider, "chat_stream")
		return r.observeStream(cand, events), nil
	}
	return nil, &aerrors.RouterError{Kind: aerrors.RouterAllProvidersFailed, Model: req.Model, Attempts: attempts}
}

// observeStream forwards events unchanged while feeding the terminal
// outcome into circuit and health accounting.
func (r *Router) observeStream(cand candidate, in <-chan scri.StreamEvent) <-chan scri.StreamEvent {
	out := make(chan scri.StreamEvent)
	go func() {
		defer close(out)
		for evt := range in {
			if evt.Type == scri.StreamFinish {
				if evt.Error != nil {
					kind := aerrors.Kind(evt.Error.Kind)
					r.breaker.RecordFailure(cand.provider, kind.Structural())
					r.health.RecordError(cand.provider, cand.model, kind, evt.Error.Message)
				} else {
					r.breaker.RecordSuccess(cand.provider)
					r.health.RecordSuccess(cand.provider)
				}
			}
			out <- evt
		}
	}()
	return out
}

// Embed routes an embedding request to the resolved provider. Embeddings
// do not walk the fallback list: the vector space is model-specific, so a
// different provider's vectors are not a substitute.
func (r *Router) Embed(ctx context.Context, req *scri.EmbeddingRequest) (*scri.EmbeddingResponse, error) {
	providerName, model := r.cfg.Resolve(req.Model)
	pcfg := r.cfg.GetProvider(providerName)
	if pcfg == nil || !pcfg.Available() {
		return nil, &aerrors.RouterError{Kind: aerrors.RouterNoCandidate, Model: req.Model}
	}
	if err := r.admit(providerName); err != nil {
		return nil, &aerrors.RouterError{
			Kind: aerrors.RouterAllProvidersFailed, Model: req.Model,
			Attempts: []aerrors.Attempt{{Provider: providerName, Kind: aerrors.KindTransient, Message: err.Error()}},
		}
	}
	adapter, err := r.reg.Get(providerName)
	if err != nil {
		return nil, err
	}
	callReq := *req
	callReq.Model = model
	callCtx, cancel := r.withProviderDeadline(ctx, providerName)
	defer cancel()

	resp, err := adapter.Embed(callCtx, &callReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		kind := r.normalizeCallError(&err, providerName, callCtx)
		r.recordFailure(candidate{provider: providerName, model: model}, kind, err)
		return nil, err
	}
	r.breaker.RecordSuccess(providerName)
	r.health.RecordSuccess(providerName)
	r.metrics.RequestsTotal.Inc(providerName, "embed")
	return resp, nil
}
