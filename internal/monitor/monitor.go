// Package monitor implements the security and compliance monitor: the
// incident and violation registries, the detection sweeps, and the
// validation primitives the request pipeline calls into.
package monitor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"realguard/internal/config"
	"realguard/internal/database"
	"realguard/internal/metrics"
	"realguard/internal/sanitizer"
	"realguard/internal/securelog"
	"realguard/internal/store"
)

// maxTrackedRequests caps the per-client request window kept in memory.
const maxTrackedRequests = 1000

// PredictionSource supplies recent model predictions for bias analysis.
type PredictionSource interface {
	RecentPredictions(ctx context.Context) (map[string][]Prediction, error)
}

// Monitor owns the incident and violation registries and runs the periodic
// detection sweep. All registry mutations happen under mu and never span a
// blocking call, so request handlers and the sweep can share it freely.
type Monitor struct {
	cfg     *config.Config
	logger  *securelog.SecureLogger
	metrics *metrics.Collector
	kv      store.KV
	repo    database.ComplianceRepository
	preds   PredictionSource
	now     func() time.Time

	mu          sync.RWMutex
	alertSink   func(*SecurityIncident)
	incidents   map[string]*SecurityIncident
	violations  map[string]*ComplianceViolation
	apiRequests map[string][]time.Time
	reported    map[string]time.Time
	running     bool
	lastCheck   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPredictionSource wires the ML prediction log collaborator.
func WithPredictionSource(src PredictionSource) Option {
	return func(m *Monitor) { m.preds = src }
}

// WithClock overrides the monitor's time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New constructs a Monitor. repo may be nil when no relational store is
// configured; the compliance sweeps then skip their queries.
func New(
	cfg *config.Config,
	logger *securelog.SecureLogger,
	collector *metrics.Collector,
	kv store.KV,
	repo database.ComplianceRepository,
	opts ...Option,
) *Monitor {
	m := &Monitor{
		cfg:         cfg,
		logger:      logger,
		metrics:     collector,
		kv:          kv,
		repo:        repo,
		now:         time.Now,
		incidents:   make(map[string]*SecurityIncident),
		violations:  make(map[string]*ComplianceViolation),
		apiRequests: make(map[string][]time.Time),
		reported:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetAlertSink registers a callback invoked with a copy of every created
// incident. The sink must not block.
func (m *Monitor) SetAlertSink(sink func(*SecurityIncident)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertSink = sink
}

// Start launches the background monitoring loop. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warning("security monitoring already running", nil)
		return
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(loopCtx)
	}()

	m.logger.Security("security compliance monitoring started", map[string]any{
		"tenant_id": m.cfg.TenantID,
		"monitoring_features": []string{
			"pii_detection", "api_security", "ml_bias_detection",
			"compliance_tracking", "incident_response",
		},
	})
}

// Stop cancels the monitoring loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.logger.Security("security compliance monitoring stopped", nil)
}

// Running reports whether the background loop is active.
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// loop runs the detection sweep every check interval. A sweep failure never
// stops the loop; it backs off briefly and continues.
func (m *Monitor) loop(ctx context.Context) {
	for {
		delay := m.cfg.Security.CheckInterval
		if err := m.runSweep(ctx); err != nil {
			m.logger.Error("error in security monitoring loop", map[string]any{"error": err.Error()})
			delay = m.cfg.Security.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// RunSweep executes one full detection cycle. Exposed so operators (and
// tests) can force a scan outside the periodic schedule.
func (m *Monitor) RunSweep(ctx context.Context) error {
	return m.runSweep(ctx)
}

func (m *Monitor) runSweep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitoring sweep panic: %v", r)
		}
	}()

	checks := []struct {
		name string
		run  func(context.Context)
	}{
		{"pii_exposure", m.sweepPIIExposure},
		{"api_security", m.sweepAPISecurity},
		{"ml_bias", m.sweepMLBias},
		{"compliance", m.sweepCompliance},
		{"rate_limiting", m.sweepRateLimiting},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("security check panicked", map[string]any{
						"check": check.name,
						"panic": fmt.Sprint(r),
					})
				}
			}()
			checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Security.CheckTimeout)
			defer cancel()
			check.run(checkCtx)
		}()
	}
	wg.Wait()

	m.cleanupResolved()

	m.mu.Lock()
	m.lastCheck = m.now()
	m.mu.Unlock()

	return nil
}

// CreateIncident allocates and registers a security incident. It never
// fails: incident creation is a first-class domain signal, and failures of
// downstream writes are logged, not propagated. A CRITICAL incident runs the
// automated response before this returns.
func (m *Monitor) CreateIncident(ctx context.Context, p IncidentParams) *SecurityIncident {
	incident := &SecurityIncident{
		IncidentID:        uuid.NewString(),
		Timestamp:         m.now().UTC(),
		ThreatLevel:       p.ThreatLevel,
		IncidentType:      p.Type,
		Description:       p.Description,
		SourceIP:          p.SourceIP,
		UserID:            p.UserID,
		TenantID:          m.cfg.TenantID,
		GHLContactID:      p.GHLContactID,
		AffectedDataTypes: p.AffectedDataTypes,
		MitigationActions: p.MitigationActions,
	}
	if incident.AffectedDataTypes == nil {
		incident.AffectedDataTypes = []string{}
	}
	if incident.MitigationActions == nil {
		incident.MitigationActions = []string{}
	}

	m.mu.Lock()
	m.incidents[incident.IncidentID] = incident
	sink := m.alertSink
	m.mu.Unlock()

	m.metrics.SecurityIncidents.WithLabelValues(p.Type, string(p.ThreatLevel)).Inc()

	if sink != nil {
		copied := *incident
		sink(&copied)
	}

	m.logger.LogSecurityEvent("SECURITY_INCIDENT_CREATED", incidentPayload(incident),
		strings.ToUpper(string(p.ThreatLevel)), securelog.Context{UserID: p.UserID})

	if p.ThreatLevel == ThreatCritical {
		m.triggerIncidentResponse(ctx, incident)
	}

	return incident
}

func incidentPayload(i *SecurityIncident) map[string]any {
	return map[string]any{
		"incident_id":         i.IncidentID,
		"incident_type":       i.IncidentType,
		"threat_level":        string(i.ThreatLevel),
		"description":         i.Description,
		"source_ip":           i.SourceIP,
		"user_id":             i.UserID,
		"tenant_id":           i.TenantID,
		"ghl_contact_id":      i.GHLContactID,
		"affected_data_types": i.AffectedDataTypes,
		"mitigation_actions":  i.MitigationActions,
	}
}

// recordViolation registers a compliance violation and bumps its metric.
func (m *Monitor) recordViolation(v *ComplianceViolation) {
	m.mu.Lock()
	m.violations[v.ViolationID] = v
	m.mu.Unlock()

	m.metrics.ComplianceViolations.WithLabelValues(string(v.Standard), v.ViolationType).Inc()
}

// ResolveIncident marks an incident resolved with investigation notes.
func (m *Monitor) ResolveIncident(id, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, ok := m.incidents[id]
	if !ok {
		return fmt.Errorf("incident not found: %s", id)
	}
	incident.Resolved = true
	if notes != "" {
		if incident.InvestigationNotes != "" {
			incident.InvestigationNotes += "\n"
		}
		incident.InvestigationNotes += notes
	}
	return nil
}

// ResolveViolation marks a compliance violation resolved.
func (m *Monitor) ResolveViolation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	violation, ok := m.violations[id]
	if !ok {
		return fmt.Errorf("violation not found: %s", id)
	}
	violation.Resolved = true
	return nil
}

// Incidents returns a snapshot of the active incident registry.
func (m *Monitor) Incidents() []*SecurityIncident {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SecurityIncident, 0, len(m.incidents))
	for _, i := range m.incidents {
		copied := *i
		out = append(out, &copied)
	}
	return out
}

// Violations returns a snapshot of the violation registry.
func (m *Monitor) Violations() []*ComplianceViolation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ComplianceViolation, 0, len(m.violations))
	for _, v := range m.violations {
		copied := *v
		out = append(out, &copied)
	}
	return out
}

// IncidentsByType returns active incidents with the given type tag.
func (m *Monitor) IncidentsByType(incidentType string) []*SecurityIncident {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SecurityIncident
	for _, i := range m.incidents {
		if i.IncidentType == incidentType {
			copied := *i
			out = append(out, &copied)
		}
	}
	return out
}

// cleanupResolved archives resolved incidents and violations older than the
// configured archive age.
func (m *Monitor) cleanupResolved() {
	cutoff := m.now().Add(-m.cfg.Security.IncidentArchiveAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, incident := range m.incidents {
		if incident.Resolved && incident.Timestamp.Before(cutoff) {
			delete(m.incidents, id)
		}
	}
	for id, violation := range m.violations {
		if violation.Resolved && violation.Timestamp.Before(cutoff) {
			delete(m.violations, id)
		}
	}

	// Expire detection dedup marks older than the auth failure window so a
	// persistent attacker is reported again in a later window.
	dedupCutoff := m.now().Add(-m.cfg.Security.AuthFailureWindow)
	for key, at := range m.reported {
		if at.Before(dedupCutoff) {
			delete(m.reported, key)
		}
	}
}

// CheckPIIExposure scans text for PII and bumps the exposure metric when
// anything was redacted. component names the calling subsystem for metric
// attribution.
func (m *Monitor) CheckPIIExposure(text, component string) *sanitizer.PIIDetectionResult {
	_, result := m.logger.SanitizeText(text)

	if result.RedactionCount > 0 {
		if component == "" {
			component = "unknown"
		}
		m.metrics.PIIExposures.WithLabelValues(
			strings.Join(result.PIITypesFound, ","),
			strings.ToLower(result.SeverityLevel.String()),
			component,
		).Inc()
	}

	return result
}

// ValidateWebhook checks a webhook signature against the shared secret. The
// expected signature is the hex sha256 of secret+payload. An invalid
// signature is recorded to the forgery audit trail and returns false.
func (m *Monitor) ValidateWebhook(ctx context.Context, payload []byte, signature, sourceIP string) bool {
	expected := m.webhookSignature(payload)
	if hmac.Equal([]byte(expected), []byte(signature)) {
		return true
	}

	record, err := json.Marshal(webhookFailure{
		FailureType: "invalid_signature",
		SourceIP:    sourceIP,
		Timestamp:   float64(m.now().UnixNano()) / float64(time.Second),
	})
	if err == nil {
		if err := m.kv.PushEvent(ctx, store.KeyWebhookFailures, record); err != nil {
			m.logger.Error("failed to record webhook failure", map[string]any{"error": err.Error()})
		}
	}
	return false
}

func (m *Monitor) webhookSignature(payload []byte) string {
	h := sha256.New()
	h.Write([]byte(m.cfg.Security.WebhookSecret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordAPIRequest appends a request timestamp to the per-client sliding
// window used by abuse detection.
func (m *Monitor) RecordAPIRequest(clientID, endpoint string, at time.Time) {
	if at.IsZero() {
		at = m.now()
	}
	_ = endpoint

	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.apiRequests[clientID], at)
	if len(window) > maxTrackedRequests {
		window = window[len(window)-maxTrackedRequests:]
	}
	m.apiRequests[clientID] = window
}

// RecordAuthFailure persists an authentication failure for pattern analysis
// and evaluates the brute-force and credential-stuffing thresholds
// immediately, so the pipeline does not wait for the next sweep.
func (m *Monitor) RecordAuthFailure(ctx context.Context, userID, sourceIP, reason, endpoint string) {
	m.metrics.AuthFailures.WithLabelValues(endpoint, reason).Inc()

	record, err := json.Marshal(authFailure{
		UserID:    userID,
		IP:        sourceIP,
		Reason:    reason,
		Endpoint:  endpoint,
		Timestamp: float64(m.now().UnixNano()) / float64(time.Second),
	})
	if err == nil {
		if err := m.kv.PushEvent(ctx, store.KeyAuthFailures, record); err != nil {
			m.logger.Error("failed to store auth failure", map[string]any{"error": err.Error()})
		}
	}

	m.evaluateAuthFailures(ctx)
}

// DashboardData returns the security dashboard snapshot. Read-only.
func (m *Monitor) DashboardData() DashboardData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	critical := 0
	for _, i := range m.incidents {
		if i.ThreatLevel == ThreatCritical {
			critical++
		}
	}
	unresolved := 0
	for _, v := range m.violations {
		if !v.Resolved {
			unresolved++
		}
	}

	status := "inactive"
	if m.running {
		status = "active"
	}
	lastCheck := m.lastCheck
	if lastCheck.IsZero() {
		lastCheck = m.now()
	}

	return DashboardData{
		ActiveIncidents:      len(m.incidents),
		CriticalIncidents:    critical,
		ComplianceViolations: len(m.violations),
		UnresolvedViolations: unresolved,
		MonitoringStatus:     status,
		LastCheck:            lastCheck.UTC().Format(time.RFC3339),
	}
}

// BlockIP adds an IP to the blocked set.
func (m *Monitor) BlockIP(ctx context.Context, ip string) error {
	return m.kv.BlockIP(ctx, ip)
}

// UnblockIP removes an IP from the blocked set.
func (m *Monitor) UnblockIP(ctx context.Context, ip string) error {
	return m.kv.UnblockIP(ctx, ip)
}

// IsBlocked reports blocked-IP membership. Fails open: a store error is
// surfaced so callers can decide, but membership defaults to false.
func (m *Monitor) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return m.kv.IsBlocked(ctx, ip)
}

// markReported records that a detection produced an incident for key within
// the current window. Returns false when already reported.
func (m *Monitor) markReported(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.reported[key]; seen {
		return false
	}
	m.reported[key] = m.now()
	return true
}
