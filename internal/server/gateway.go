// Package server wires the gateway together and exposes the HTTP API.
package server

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/audit"
	"github.com/MAXAPIPULL00/aratta/internal/circuit"
	"github.com/MAXAPIPULL00/aratta/internal/config"
	"github.com/MAXAPIPULL00/aratta/internal/heal"
	"github.com/MAXAPIPULL00/aratta/internal/health"
	"github.com/MAXAPIPULL00/aratta/internal/metrics"
	"github.com/MAXAPIPULL00/aratta/internal/provider"
	"github.com/MAXAPIPULL00/aratta/internal/reload"
	"github.com/MAXAPIPULL00/aratta/internal/router"
)

// Gateway bundles the resilience core: registry, breaker, health monitor,
// router, heal worker, and reload manager, built from one configuration.
// Tests construct an isolated Gateway per case.
type Gateway struct {
	Cfg      *config.Config
	Metrics  *metrics.Registry
	Registry *provider.Registry
	Breaker  *circuit.Breaker
	Health   *health.Monitor
	Router   *router.Router
	Reload   *reload.Manager
	Heal     *heal.Worker
	Audit    *audit.Log
	Log      *zap.Logger
}

// NewGateway constructs and wires all components.
func NewGateway(cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	m := metrics.NewRegistry()
	reg := provider.NewRegistry(cfg, log)

	breaker := circuit.New(circuit.Settings{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		RecoveryTimeout:  time.Duration(cfg.Circuit.RecoverySeconds) * time.Second,
	}, m, log)

	monitor := health.New(health.Settings{
		ErrorThreshold:   cfg.Healing.ErrorThreshold,
		Window:           time.Duration(cfg.Healing.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(cfg.Healing.CooldownSeconds) * time.Second,
		HealingEnabled:   cfg.Healing.Enabled,
		AdapterVersionFn: reg.CurrentVersion,
	}, m, log)

	reg.SetDriftRecorder(driftRecorder(monitor))

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, err
	}
	auditLog, err := audit.Open(filepath.Join(cfg.Paths.DataDir, "audit.db"))
	if err != nil {
		return nil, err
	}

	mgr, err := reload.NewManager(cfg.Paths.DataDir, reg, reload.Settings{
		AutoApply:          cfg.Healing.AutoApply,
		AutoApplyThreshold: cfg.Healing.AutoApplyThreshold,
		VerifyTimeout:      time.Duration(cfg.Healing.VerifySeconds) * time.Second,
		PendingExpiry:      time.Duration(cfg.Healing.PendingExpiryHours) * time.Hour,
	}, m, auditLog, log)
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	mgr.SetVerifier(reload.NewVerifier(reg))
	mgr.SetHealCompleteFunc(monitor.HealComplete)

	rt := router.New(cfg, reg, breaker, monitor, m, log)

	worker := heal.New(heal.Deps{
		Chat:   rt.Chat,
		Source: specSource(reg),
		ResearchModel: func(name string) string {
			if p := cfg.GetProvider(name); p != nil {
				return name + ":" + p.DefaultModel
			}
			return name
		},
		Reload:  mgr,
		Monitor: monitor,
		Audit:   auditLog,
		Metrics: m,
		Log:     log,
	}, heal.Options{
		HealModel:     cfg.Healing.HealModel,
		ResearchOrder: cfg.Healing.ResearchOrder,
	})

	if cfg.Healing.Enabled {
		monitor.OnHealRequest(worker.Trigger)
	}

	return &Gateway{
		Cfg:      cfg,
		Metrics:  m,
		Registry: reg,
		Breaker:  breaker,
		Health:   monitor,
		Router:   rt,
		Reload:   mgr,
		Heal:     worker,
		Audit:    auditLog,
		Log:      log,
	}, nil
}

// Close waits for in-flight heal cycles and releases resources.
func (g *Gateway) Close() error {
	g.Heal.Wait()
	return g.Audit.Close()
}

// specSource reads the live mapping-spec source for a provider.
func specSource(reg *provider.Registry) heal.SourceFunc {
	return func(name string) string {
		if h := reg.Handle(name); h != nil {
			if v := h.Current(); v != nil {
				return v.Source
			}
		}
		return ""
	}
}

// driftRecorder feeds adapter schema-drift signals into the health
// monitor under the matching structural kind.
func driftRecorder(monitor *health.Monitor) provider.DriftRecorder {
	return func(providerName, model, detail string) {
		kind := aerrors.KindSchemaMismatch
		switch {
		case strings.Contains(detail, "stream"):
			kind = aerrors.KindStreamFormatDrift
		case strings.Contains(detail, "tool"):
			kind = aerrors.KindToolSchemaDrift
		case strings.Contains(detail, "unmapped") || strings.Contains(detail, "unrecognized"):
			kind = aerrors.KindUnknownField
		}
		monitor.RecordError(providerName, model, kind, detail)
	}
}
