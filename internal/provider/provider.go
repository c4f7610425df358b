// Package provider defines the adapter contract every backend implements
// and the registry that owns adapter instances. Adapters are parameterized
// by a versioned mapping spec held behind an atomic pointer; the reload
// manager swaps specs, requests pin the spec they started with.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/config"
	"github.com/MAXAPIPULL00/aratta/pkg/scri"
)

// Adapter is the uniform operation set each backend implements.
// ConvertMessages and ConvertTools are pure: no I/O, no side effects.
type Adapter interface {
	Name() string
	Chat(ctx context.Context, req *scri.ChatRequest) (*scri.ChatResponse, error)
	ChatStream(ctx context.Context, req *scri.ChatRequest) (<-chan scri.StreamEvent, error)
	Embed(ctx context.Context, req *scri.EmbeddingRequest) (*scri.EmbeddingResponse, error)
	ListModels() []scri.ModelCapabilities
	HealthCheck(ctx context.Context) error
	ConvertMessages(msgs []scri.Message) (any, error)
	ConvertTools(tools []scri.Tool) (any, error)
}

// DriftRecorder receives schema-drift signals for fields an adapter could
// not cleanly map but worked around. Wired to the health monitor.
type DriftRecorder func(provider, model, detail string)

// VersionedSpec binds a mapping spec to its committed version number and
// the raw source blob it was parsed from.
type VersionedSpec struct {
	Version int
	Spec    *MappingSpec
	Source  string
}

// Handle is the live adapter binding. Readers pin the current spec for
// the duration of a request; the reload manager swaps it atomically.
type Handle struct {
	ptr atomic.Pointer[VersionedSpec]
}

// Current returns the live spec. Never nil once the handle is initialized.
func (h *Handle) Current() *VersionedSpec {
	return h.ptr.Load()
}

// Swap installs a new spec and returns the previous one. The swap is a
// single instantaneous transition; in-flight requests keep their pinned
// spec until they complete.
func (h *Handle) Swap(v *VersionedSpec) *VersionedSpec {
	return h.ptr.Swap(v)
}

// Registry owns adapter instances and their live handles, keyed by
// provider name. Adapters are constructed lazily from config.
type Registry struct {
	mu       sync.Mutex
	adapters map[string]Adapter
	handles  map[string]*Handle
	cfg      *config.Config
	drift    DriftRecorder
	log      *zap.Logger
}

// NewRegistry creates a registry bound to the given configuration.
func NewRegistry(cfg *config.Config, log *zap.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		handles:  make(map[string]*Handle),
		cfg:      cfg,
		log:      log.Named("provider"),
	}
}

// SetDriftRecorder wires schema-drift signals to the health monitor.
// Must be called before the first Get.
func (r *Registry) SetDriftRecorder(d DriftRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drift = d
}

// Get returns the adapter for a provider, constructing it on first use.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[name]; ok {
		return a, nil
	}

	pcfg := r.cfg.GetProvider(name)
	if pcfg == nil {
		return nil, fmt.Errorf("provider %q not configured", name)
	}

	handle := &Handle{}
	spec, err := DefaultSpec(name)
	if err != nil {
		return nil, err
	}
	source, err := spec.Encode()
	if err != nil {
		return nil, err
	}
	handle.Swap(&VersionedSpec{Version: 1, Spec: spec, Source: source})

	a, err := r.build(name, pcfg, handle)
	if err != nil {
		return nil, err
	}
	r.adapters[name] = a
	r.handles[name] = handle
	return a, nil
}

func (r *Registry) build(name string, pcfg *config.Provider, handle *Handle) (Adapter, error) {
	switch name {
	case "anthropic":
		return newAnthropic(pcfg, handle, r.drift, r.log), nil
	case "google":
		return newGoogle(pcfg, handle, r.drift, r.log), nil
	case "openai":
		return newOpenAICompat(pcfg, handle, r.drift, r.log, compatOpenAI), nil
	case "xai":
		return newOpenAICompat(pcfg, handle, r.drift, r.log, compatXAI), nil
	case "ollama", "vllm", "llamacpp":
		return newOpenAICompat(pcfg, handle, r.drift, r.log, compatLocal), nil
	}
	return nil, fmt.Errorf("no adapter for provider %q", name)
}

// Handle returns the live handle for a provider, or nil if the adapter
// has not been constructed.
func (r *Registry) Handle(name string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[name]
}

// CurrentVersion returns the committed adapter version for a provider,
// or zero when the adapter has not been constructed.
func (r *Registry) CurrentVersion(name string) int {
	h := r.Handle(name)
	if h == nil {
		return 0
	}
	if v := h.Current(); v != nil {
		return v.Version
	}
	return 0
}

// DefaultModel returns the configured default model for a provider.
func (r *Registry) DefaultModel(name string) string {
	if p := r.cfg.GetProvider(name); p != nil {
		return p.DefaultModel
	}
	return ""
}

// Names returns the names of all constructed adapters, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
