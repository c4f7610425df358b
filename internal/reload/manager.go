// Package reload owns the lifecycle of adapter mapping-spec versions:
// versioned backups, staged apply with canary verification, automatic
// rollback, operator rollback, and the pending-fix approval queue.
//
// The swap itself is a single atomic pointer exchange on the provider's
// live handle; a request that begins under version V sees V until it
// completes. All other lifecycle transitions are serialized per provider.
package reload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MAXAPIPULL00/aratta/internal/aerrors"
	"github.com/MAXAPIPULL00/aratta/internal/audit"
	"github.com/MAXAPIPULL00/aratta/internal/metrics"
	"github.com/MAXAPIPULL00/aratta/internal/provider"
)

// Origin records how a version came to exist.
type Origin string

const (
	OriginInitial        Origin = "initial"
	OriginHealedAuto     Origin = "healed-auto"
	OriginHealedApproved Origin = "healed-approved"
	OriginManualRollback Origin = "manual-rollback"
)

// Version statuses.
const (
	StatusVerified           = "verified"
	StatusFailedVerification = "failed_verification"
)

// Pending-fix statuses.
const (
	PendingOpen     = "pending"
	PendingApproved = "approved"
	PendingRejected = "rejected"
	PendingExpired  = "expired"
)

// AdapterVersion is one committed (or attempted) mapping-spec version.
type AdapterVersion struct {
	Provider   string    `json:"provider"`
	Version    int       `json:"version"`
	Hash       string    `json:"hash"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Origin     Origin    `json:"origin"`
	Confidence float64   `json:"confidence,omitempty"`
	Approver   string    `json:"approver,omitempty"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
}

// Citation is one research source backing a fix.
type Citation struct {
	URL       string    `json:"url"`
	Excerpt   string    `json:"excerpt"`
	Timestamp time.Time `json:"timestamp"`
}

// FixProposal is what the heal worker hands over: a full new mapping-spec
// source plus the evidence behind it.
type FixProposal struct {
	Provider   string     `json:"provider"`
	Source     string     `json:"source"`
	Diagnosis  string     `json:"diagnosis"`
	Citations  []Citation `json:"citations,omitempty"`
	Confidence float64    `json:"confidence"`
	Rationale  string     `json:"rationale,omitempty"`
}

// PendingFix is a proposal awaiting human approval.
type PendingFix struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Source     string     `json:"source"`
	Diagnosis  string     `json:"diagnosis"`
	Citations  []Citation `json:"citations,omitempty"`
	Confidence float64    `json:"confidence"`
	Rationale  string     `json:"rationale,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Status     string     `json:"status"`
}

// ApplyResult reports the outcome of an apply attempt.
type ApplyResult struct {
	Applied  bool   `json:"applied"`
	Queued   bool   `json:"queued"`
	Provider string `json:"provider"`
	Version  int    `json:"version"`
	Message  string `json:"message"`
}

// VerifyFunc exercises a provider after a swap: health check plus a
// canary chat, both within the verification timeout.
type VerifyFunc func(ctx context.Context, providerName string) error

// HealCompleteFunc notifies the health monitor that a heal cycle ended.
type HealCompleteFunc func(providerName string, success bool)

// Settings tunes the manager. Zero values fall back to the defaults.
type Settings struct {
	AutoApply          bool
	AutoApplyThreshold float64
	VerifyTimeout      time.Duration
	PendingExpiry      time.Duration
	MaxVersions        int
}

func (s Settings) withDefaults() Settings {
	if s.AutoApplyThreshold <= 0 {
		s.AutoApplyThreshold = 0.8
	}
	if s.VerifyTimeout <= 0 {
		s.VerifyTimeout = 10 * time.Second
	}
	if s.PendingExpiry <= 0 {
		s.PendingExpiry = 7 * 24 * time.Hour
	}
	if s.MaxVersions <= 0 {
		s.MaxVersions = 10
	}
	return s
}

// Manager owns adapter version lifecycles.
type Manager struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	dir      string
	reg      *provider.Registry
	verify   VerifyFunc
	onHeal   HealCompleteFunc
	settings Settings
	metrics  *metrics.Registry
	audit    *audit.Log
	log      *zap.Logger
	now      func() time.Time

	versions map[string][]*AdapterVersion
	pending  map[string]*PendingFix
}

// NewManager creates a reload manager rooted at dir and loads any
// persisted history.
func NewManager(dir string, reg *provider.Registry, settings Settings, m *metrics.Registry, auditLog *audit.Log, log *zap.Logger) (*Manager, error) {
	mgr := &Manager{
		locks:    make(map[string]*sync.Mutex),
		dir:      dir,
		reg:      reg,
		settings: settings.withDefaults(),
		metrics:  m,
		audit:    auditLog,
		log:      log.Named("reload"),
		now:      time.Now,
		versions: make(map[string][]*AdapterVersion),
		pending:  make(map[string]*PendingFix),
	}
	if err := os.MkdirAll(filepath.Join(dir, "adapters"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "pending"), 0o755); err != nil {
		return nil, err
	}
	if err := mgr.loadState(); err != nil {
		return nil, err
	}
	mgr.restoreLive()
	return mgr, nil
}

// restoreLive reconciles live adapter handles with the persisted history:
// each provider with a verified version on disk gets its last verified
// mapping swapped in before serving begins. Without this, a restart would
// silently revert every healed provider to its built-in v1 spec.
func (m *Manager) restoreLive() {
	m.mu.Lock()
	latest := make(map[string]*AdapterVersion, len(m.versions))
	for name, versions := range m.versions {
		for _, v := range versions {
			if v.Status != StatusVerified {
				continue
			}
			if cur, ok := latest[name]; !ok || v.Version > cur.Version {
				latest[name] = v
			}
		}
	}
	m.mu.Unlock()

	for name, v := range latest {
		spec, err := provider.ParseSpec(v.Source)
		if err != nil {
			m.log.Warn("persisted version unparseable, keeping built-in spec",
				zap.String("provider", name),
				zap.Int("version", v.Version),
				zap.Error(err))
			continue
		}
		if _, err := m.reg.Get(name); err != nil {
			m.log.Warn("adapter init failed during restore",
				zap.String("provider", name), zap.Error(err))
			continue
		}
		m.reg.Handle(name).Swap(&provider.VersionedSpec{Version: v.Version, Spec: spec, Source: v.Source})
		m.log.Info("restored persisted adapter version",
			zap.String("provider", name),
			zap.Int("version", v.Version),
			zap.String("origin", string(v.Origin)))
	}
}

// SetVerifier installs the post-swap verification function.
func (m *Manager) SetVerifier(v VerifyFunc) { m.verify = v }

// SetHealCompleteFunc wires heal-cycle completion back to the monitor.
func (m *Manager) SetHealCompleteFunc(f HealCompleteFunc) { m.onHeal = f }

// providerLock serializes lifecycle transitions per provider.
func (m *Manager) providerLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Apply runs the apply path for a fix proposal. Below the auto-apply gate
// the proposal is queued as a PendingFix instead.
func (m *Manager) Apply(ctx context.Context, prop *FixProposal) (*ApplyResult, error) {
	lock := m.providerLock(prop.Provider)
	lock.Lock()
	defer lock.Unlock()

	m.ensureBaseline(prop.Provider)

	if !m.settings.AutoApply || prop.Confidence < m.settings.AutoApplyThreshold {
		fix := m.queuePending(prop)
		m.log.Info("fix queued for review",
			zap.String("provider", prop.Provider),
			zap.Float64("confidence", prop.Confidence))
		m.auditEvent(prop.Provider, "apply", "queued", fix.ID)
		return &ApplyResult{
			Queued:   true,
			Provider: prop.Provider,
			Version:  m.currentVersion(prop.Provider),
			Message:  fmt.Sprintf("queued for review (confidence %.2f < %.2f)", prop.Confidence, m.settings.AutoApplyThreshold),
		}, nil
	}
	return m.applyLocked(ctx, prop, OriginHealedAuto, "")
}

// applyLocked stages, swaps, verifies, and commits or rolls back. Caller
// holds the provider lock.
func (m *Manager) applyLocked(ctx context.Context, prop *FixProposal, origin Origin, approver string) (*ApplyResult, error) {
	name := prop.Provider

	spec, err := provider.ParseSpec(prop.Source)
	if err != nil {
		m.auditEvent(name, "apply", "invalid", err.Error())
		m.notifyHeal(name, false)
		return nil, &aerrors.HealError{Phase: aerrors.HealFix, Provider: name, Inner: err}
	}

	// Construct the adapter if it has never been used, so a handle exists.
	if _, err := m.reg.Get(name); err != nil {
		return nil, err
	}
	handle := m.reg.Handle(name)

	next := m.nextVersion(name)
	entry := &AdapterVersion{
		Provider:   name,
		Version:    next,
		Hash:       hashSource(prop.Source),
		Source:     prop.Source,
		Timestamp:  m.now().UTC(),
		Origin:     origin,
		Confidence: prop.Confidence,
		Approver:   approver,
	}
	if err := m.writeBlob(entry); err != nil {
		return nil, err
	}

	prev := handle.Swap(&provider.VersionedSpec{Version: next, Spec: spec, Source: prop.Source})

	verifyErr := m.runVerify(ctx, name)
	if verifyErr != nil {
		handle.Swap(prev)
		entry.Status = StatusFailedVerification
		entry.Detail = aerrors.TruncateMessage(verifyErr.Error(), 300)
		m.appendVersion(entry)
		m.metrics.HealRollbacksTotal.Inc(name)
		m.auditEvent(name, "verify", "rollback", entry.Detail)
		m.notifyHeal(name, false)
		m.log.Warn("verification failed, rolled back",
			zap.String("provider", name),
			zap.Int("version", next),
			zap.Error(verifyErr))
		return &ApplyResult{
			Provider: name,
			Version:  prev.Version,
			Message:  "verification failed, rolled back",
		}, &aerrors.HealError{Phase: aerrors.HealVerification, Provider: name, Inner: verifyErr}
	}

	entry.Status = StatusVerified
	m.appendVersion(entry)
	m.metrics.HealCommitsTotal.Inc(name)
	m.auditEvent(name, "apply", "committed", fmt.Sprintf("v%d %s", next, origin))
	m.notifyHeal(name, true)
	m.log.Info("fix committed",
		zap.String("provider", name),
		zap.Int("version", next),
		zap.String("origin", string(origin)))
	return &ApplyResult{Applied: true, Provider: name, Version: next, Message: "fix applied and verified"}, nil
}

func (m *Manager) runVerify(ctx context.Context, name string) error {
	if m.verify == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, m.settings.VerifyTimeout)
	defer cancel()
	return m.verify(vctx, name)
}

func (m *Manager) notifyHeal(name string, success bool) {
	if m.onHeal != nil {
		m.onHeal(name, success)
	}
}

// RollbackTo swaps the provider back to a retained version. The action is
// recorded as a new version entry with origin=manual-rollback carrying
// the target's source.
func (m *Manager) RollbackTo(ctx context.Context, name string, version int) (*ApplyResult, error) {
	lock := m.providerLock(name)
	lock.Lock()
	defer lock.Unlock()

	var target *AdapterVersion
	m.mu.Lock()
	for _, v := range m.versions[name] {
		if v.Version == version && v.Status == StatusVerified {
			target = v
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return nil, fmt.Errorf("version %d not in history for %s", version, name)
	}

	spec, err := provider.ParseSpec(target.Source)
	if err != nil {
		return nil, err
	}
	if _, err := m.reg.Get(name); err != nil {
		return nil, err
	}
	handle := m.reg.Handle(name)

	next := m.nextVersion(name)
	entry := &AdapterVersion{
		Provider:  name,
		Version:   next,
		Hash:      target.Hash,
		Source:    target.Source,
		Timestamp: m.now().UTC(),
		Origin:    OriginManualRollback,
		Status:    StatusVerified,
		Detail:    fmt.Sprintf("rollback to v%d", version),
	}
	if err := m.writeBlob(entry); err != nil {
		return nil, err
	}
	handle.Swap(&provider.VersionedSpec{Version: next, Spec: spec, Source: target.Source})
	m.appendVersion(entry)
	m.auditEvent(name, "rollback", "committed", entry.Detail)
	m.log.Info("rolled back", zap.String("provider", name), zap.Int("to", version), zap.Int("as", next))
	return &ApplyResult{Applied: true, Provider: name, Version: next, Message: entry.Detail}, nil
}

// Approve runs the apply path for a queued fix.
func (m *Manager) Approve(ctx context.Context, name, approver string) (*ApplyResult, error) {
	lock := m.providerLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	fix, ok := m.pending[name]
	m.mu.Unlock()
	if !ok || fix.Status != PendingOpen {
		return nil, fmt.Errorf("no pending fix for %s", name)
	}
	if m.expiredLocked(fix) {
		m.resolvePending(name, PendingExpired)
		return nil, fmt.Errorf("pending fix for %s has expired", name)
	}

	prop := &FixProposal{
		Provider:   fix.Provider,
		Source:     fix.Source,
		Diagnosis:  fix.Diagnosis,
		Citations:  fix.Citations,
		Confidence: fix.Confidence,
		Rationale:  fix.Rationale,
	}
	result, err := m.applyLocked(ctx, prop, OriginHealedApproved, approver)
	if err != nil {
		return result, err
	}
	m.resolvePending(name, PendingApproved)
	return result, nil
}

// Reject marks a queued fix rejected and deletes its staging artifacts.
func (m *Manager) Reject(name, reason string) error {
	lock := m.providerLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	fix, ok := m.pending[name]
	m.mu.Unlock()
	if !ok || fix.Status != PendingOpen {
		return fmt.Errorf("no pending fix for %s", name)
	}
	m.resolvePending(name, PendingRejected)
	m.auditEvent(name, "pending", "rejected", reason)
	m.notifyHeal(name, false)
	return nil
}

// ExpireStale expires pending fixes older than the configured window.
// Resolution is terminal.
func (m *Manager) ExpireStale() {
	m.mu.Lock()
	var stale []string
	for name, fix := range m.pending {
		if fix.Status == PendingOpen && m.expiredLocked(fix) {
			stale = append(stale, name)
		}
	}
	m.mu.Unlock()
	for _, name := range stale {
		m.resolvePending(name, PendingExpired)
		m.auditEvent(name, "pending", "expired", "")
	}
}

func (m *Manager) expiredLocked(fix *PendingFix) bool {
	return m.now().Sub(fix.CreatedAt) > m.settings.PendingExpiry
}

// Pending returns open pending fixes.
func (m *Manager) Pending() []*PendingFix {
	m.ExpireStale()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PendingFix
	for _, fix := range m.pending {
		if fix.Status == PendingOpen {
			copied := *fix
			out = append(out, &copied)
		}
	}
	return out
}

// History returns the retained version entries for a provider, oldest
// first.
func (m *Manager) History(name string) []*AdapterVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[name]
	out := make([]*AdapterVersion, len(versions))
	for i, v := range versions {
		copied := *v
		out[i] = &copied
	}
	return out
}

// Status summarizes the manager for the healing-status endpoint.
func (m *Manager) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.versions))
	current := make(map[string]int, len(m.versions))
	for name, vs := range m.versions {
		counts[name] = len(vs)
		current[name] = m.currentVersionLocked(name)
	}
	var pendingNames []string
	for name, fix := range m.pending {
		if fix.Status == PendingOpen {
			pendingNames = append(pendingNames, name)
		}
	}
	return map[string]any{
		"auto_apply":           m.settings.AutoApply,
		"auto_apply_threshold": m.settings.AutoApplyThreshold,
		"current_versions":     current,
		"version_counts":       counts,
		"pending_fixes":        pendingNames,
	}
}

// ============================================================
// Internal bookkeeping
// ============================================================

// ensureBaseline snapshots the live spec as the initial version the first
// time a provider enters the lifecycle.
func (m *Manager) ensureBaseline(name string) {
	m.mu.Lock()
	exists := len(m.versions[name]) > 0
	m.mu.Unlock()
	if exists {
		return
	}
	if _, err := m.reg.Get(name); err != nil {
		return
	}
	live := m.reg.Handle(name).Current()
	entry := &AdapterVersion{
		Provider:  name,
		Version:   live.Version,
		Hash:      hashSource(live.Source),
		Source:    live.Source,
		Timestamp: m.now().UTC(),
		Origin:    OriginInitial,
		Status:    StatusVerified,
	}
	if err := m.writeBlob(entry); err != nil {
		m.log.Warn("baseline snapshot failed", zap.String("provider", name), zap.Error(err))
	}
	m.appendVersion(entry)
}

func (m *Manager) currentVersion(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentVersionLocked(name)
}

func (m *Manager) currentVersionLocked(name string) int {
	if h := m.reg.Handle(name); h != nil {
		if v := h.Current(); v != nil {
			return v.Version
		}
	}
	return 0
}

func (m *Manager) nextVersion(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := m.currentVersionLocked(name)
	for _, v := range m.versions[name] {
		if v.Version > max {
			max = v.Version
		}
	}
	return max + 1
}

// appendVersion records an entry and trims the ring. The current-live
// version is never evicted.
func (m *Manager) appendVersion(entry *AdapterVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := entry.Provider
	m.versions[name] = append(m.versions[name], entry)

	live := m.currentVersionLocked(name)
	for len(m.versions[name]) > m.settings.MaxVersions {
		evicted := false
		for i, v := range m.versions[name] {
			if v.Version == live {
				continue
			}
			m.removeBlob(v)
			m.versions[name] = append(m.versions[name][:i], m.versions[name][i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			break
		}
	}
	m.saveManifestLocked(name)
}

func (m *Manager) queuePending(prop *FixProposal) *PendingFix {
	m.mu.Lock()
	defer m.mu.Unlock()
	fix := &PendingFix{
		ID:         "fix_" + uuid.NewString()[:8],
		Provider:   prop.Provider,
		Source:     prop.Source,
		Diagnosis:  prop.Diagnosis,
		Citations:  prop.Citations,
		Confidence: prop.Confidence,
		Rationale:  prop.Rationale,
		CreatedAt:  m.now().UTC(),
		Status:     PendingOpen,
	}
	m.pending[prop.Provider] = fix
	m.savePendingLocked(prop.Provider)
	m.updatePendingGaugeLocked()
	return fix
}

// resolvePending terminally resolves a pending fix and removes its file.
func (m *Manager) resolvePending(name, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fix, ok := m.pending[name]
	if !ok {
		return
	}
	fix.Status = status
	delete(m.pending, name)
	os.Remove(m.pendingPath(name))
	m.updatePendingGaugeLocked()
}

func (m *Manager) updatePendingGaugeLocked() {
	var n int64
	for _, fix := range m.pending {
		if fix.Status == PendingOpen {
			n++
		}
	}
	m.metrics.PendingFixes.Set(n)
}

func (m *Manager) auditEvent(name, phase, status, detail string) {
	if m.audit != nil {
		m.audit.Append(name, phase, status, detail)
	}
}

// ============================================================
// Persistence
// ============================================================

func (m *Manager) providerDir(name string) string {
	return filepath.Join(m.dir, "adapters", name)
}

func (m *Manager) pendingPath(name string) string {
	return filepath.Join(m.dir, "pending", name+".json")
}

func (m *Manager) blobPath(v *AdapterVersion) string {
	return filepath.Join(m.providerDir(v.Provider), fmt.Sprintf("v%d_%s.json", v.Version, v.Timestamp.Format("20060102_150405")))
}

func (m *Manager) writeBlob(v *AdapterVersion) error {
	dir := m.providerDir(v.Provider)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.blobPath(v), []byte(v.Source), 0o644)
}

func (m *Manager) removeBlob(v *AdapterVersion) {
	os.Remove(m.blobPath(v))
}

type manifest struct {
	Versions []*AdapterVersion `json:"versions"`
}

func (m *Manager) saveManifestLocked(name string) {
	path := filepath.Join(m.providerDir(name), "manifest.json")
	data, err := json.MarshalIndent(manifest{Versions: m.versions[name]}, "", "  ")
	if err != nil {
		m.log.Error("encoding manifest", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		m.log.Error("writing manifest", zap.String("provider", name), zap.Error(err))
	}
}

func (m *Manager) savePendingLocked(name string) {
	fix := m.pending[name]
	data, err := json.MarshalIndent(fix, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(m.pendingPath(name), data, 0o644); err != nil {
		m.log.Error("writing pending fix", zap.String("provider", name), zap.Error(err))
	}
}

func (m *Manager) loadState() error {
	adaptersDir := filepath.Join(m.dir, "adapters")
	entries, err := os.ReadDir(adaptersDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		data, err := os.ReadFile(filepath.Join(adaptersDir, name, "manifest.json"))
		if err != nil {
			continue
		}
		var man manifest
		if err := json.Unmarshal(data, &man); err != nil {
			m.log.Warn("unreadable manifest", zap.String("provider", name), zap.Error(err))
			continue
		}
		m.versions[name] = man.Versions
	}

	pendingDir := filepath.Join(m.dir, "pending")
	pendingEntries, err := os.ReadDir(pendingDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range pendingEntries {
		data, err := os.ReadFile(filepath.Join(pendingDir, e.Name()))
		if err != nil {
			continue
		}
		var fix PendingFix
		if err := json.Unmarshal(data, &fix); err != nil {
			continue
		}
		if fix.Status == PendingOpen {
			m.pending[fix.Provider] = &fix
		}
	}
	m.updatePendingGaugeLocked()
	return nil
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:8])
}
