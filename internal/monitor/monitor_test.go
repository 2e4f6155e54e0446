package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realguard/internal/config"
	"realguard/internal/database"
	"realguard/internal/metrics"
	"realguard/internal/securelog"
	"realguard/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testHarness struct {
	monitor *Monitor
	kv      *store.MemoryStore
	repo    *database.MemoryRepository
	clock   *fakeClock
	cfg     *config.Config
}

func newTestMonitor(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	cfg := config.Default()
	require.NotNil(t, cfg)
	cfg.TenantID = "tenant-test"
	cfg.Security.WebhookSecret = "test-webhook-secret"

	clock := newFakeClock()
	kv := store.NewMemoryStore()
	kv.SetClock(clock.Now)
	repo := database.NewMemoryRepository()
	repo.SetClock(clock.Now)

	logger := securelog.New("monitor-test", securelog.WithTenant(cfg.TenantID))
	collector := metrics.NewCollector(prometheus.NewRegistry())

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m := New(cfg, logger, collector, kv, repo, opts...)

	return &testHarness{monitor: m, kv: kv, repo: repo, clock: clock, cfg: cfg}
}

func TestBruteForceDetection(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	// 16 failures across 3 users, all from the same address.
	users := []string{"alice", "bob", "carol"}
	for i := 0; i < 16; i++ {
		h.monitor.RecordAuthFailure(ctx, users[i%len(users)], "10.0.0.9", "invalid_password", "/api/v1/auth/login")
	}

	incidents := h.monitor.IncidentsByType(IncidentBruteForce)
	require.Len(t, incidents, 1, "threshold crossing must be reported exactly once")
	assert.Equal(t, ThreatHigh, incidents[0].ThreatLevel)
	assert.Equal(t, "10.0.0.9", incidents[0].SourceIP)

	blocked, err := h.kv.IsBlocked(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestBruteForceBelowThreshold(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		h.monitor.RecordAuthFailure(ctx, fmt.Sprintf("user-%d", i), "10.0.0.7", "invalid_password", "/api/v1/auth/login")
	}

	assert.Empty(t, h.monitor.IncidentsByType(IncidentBruteForce))
	blocked, err := h.kv.IsBlocked(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestCredentialStuffingDetection(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	// Same account, rotating addresses, each address below the IP threshold.
	for i := 0; i < 5; i++ {
		h.monitor.RecordAuthFailure(ctx, "victim@example.com",
			fmt.Sprintf("203.0.113.%d", i+1), "invalid_password", "/api/v1/auth/login")
	}

	incidents := h.monitor.IncidentsByType(IncidentCredentialStuff)
	require.Len(t, incidents, 1)
	assert.Equal(t, ThreatMedium, incidents[0].ThreatLevel)
	assert.Equal(t, "victim@example.com", incidents[0].UserID)
	assert.Empty(t, h.monitor.IncidentsByType(IncidentBruteForce))
}

func TestAuthFailuresOutsideWindowIgnored(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		h.monitor.RecordAuthFailure(ctx, "alice", "10.0.0.3", "invalid_password", "/api/v1/auth/login")
	}
	h.clock.Advance(h.cfg.Security.AuthFailureWindow + time.Minute)
	for i := 0; i < 8; i++ {
		h.monitor.RecordAuthFailure(ctx, "bob", "10.0.0.3", "invalid_password", "/api/v1/auth/login")
	}

	// Neither burst alone crosses the threshold and the windows never overlap.
	assert.Empty(t, h.monitor.IncidentsByType(IncidentBruteForce))
}

func TestValidateWebhook(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	payload := []byte(`{"contact_id":"c-123","event":"contact.updated"}`)
	sum := sha256.Sum256(append([]byte("test-webhook-secret"), payload...))
	signature := hex.EncodeToString(sum[:])

	assert.True(t, h.monitor.ValidateWebhook(ctx, payload, signature, "198.51.100.4"))
	assert.False(t, h.monitor.ValidateWebhook(ctx, payload, "deadbeef", "198.51.100.4"))

	events, err := h.kv.Events(ctx, store.KeyWebhookFailures, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0]), `"failure_type":"invalid_signature"`)
	assert.Contains(t, string(events[0]), `"source_ip":"198.51.100.4"`)
}

func TestWebhookForgeryEscalation(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		h.monitor.ReportWebhookForgery(ctx, "198.51.100.9")
	}
	blocked, err := h.kv.IsBlocked(ctx, "198.51.100.9")
	require.NoError(t, err)
	assert.False(t, blocked, "below the forgery threshold")

	incident := h.monitor.ReportWebhookForgery(ctx, "198.51.100.9")
	require.NotNil(t, incident)
	assert.Equal(t, ThreatHigh, incident.ThreatLevel)

	blocked, err = h.kv.IsBlocked(ctx, "198.51.100.9")
	require.NoError(t, err)
	assert.True(t, blocked, "third forgery within the window blocks the address")

	assert.Len(t, h.monitor.IncidentsByType(IncidentWebhookForgery), 3)
}

func TestAPIAbuseDetection(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < h.cfg.Security.AbuseRequestThreshold+1; i++ {
		h.monitor.RecordAPIRequest("client-greedy", "/api/v1/contacts", h.clock.Now())
	}
	h.monitor.RecordAPIRequest("client-quiet", "/api/v1/contacts", h.clock.Now())

	require.NoError(t, h.monitor.RunSweep(ctx))

	incidents := h.monitor.IncidentsByType(IncidentAPIAbuse)
	require.Len(t, incidents, 1)
	assert.Equal(t, ThreatMedium, incidents[0].ThreatLevel)
	assert.Equal(t, "client-greedy", incidents[0].UserID)

	// A second sweep in the same window must not duplicate the incident.
	require.NoError(t, h.monitor.RunSweep(ctx))
	assert.Len(t, h.monitor.IncidentsByType(IncidentAPIAbuse), 1)
}

func TestCriticalIncidentTriggersBreachResponse(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	h.monitor.CreateIncident(ctx, IncidentParams{
		Type:              IncidentPIIExposureAPI,
		Description:       "contact SSNs returned in plaintext",
		ThreatLevel:       ThreatCritical,
		AffectedDataTypes: []string{"ssn", "email"},
	})

	violations := h.monitor.Violations()
	require.Len(t, violations, 2)

	standards := map[ComplianceStandard]bool{}
	for _, v := range violations {
		standards[v.Standard] = true
		assert.Equal(t, "data_breach", v.ViolationType)
		assert.Equal(t, "critical", v.Severity)
		assert.Equal(t, []string{
			"72-hour breach notification",
			"Impact assessment required",
			"Affected individuals notification",
		}, v.RegulatoryRequirements)
		assert.Equal(t, []string{
			"Immediate containment",
			"Forensic investigation",
			"Regulatory notification",
			"Customer notification",
		}, v.RemediationActions)
	}
	assert.True(t, standards[StandardCCPA])
	assert.True(t, standards[StandardGDPR])
}

func TestCriticalBruteForceBlocksSourceIP(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	h.monitor.CreateIncident(ctx, IncidentParams{
		Type:        IncidentBruteForce,
		Description: "distributed brute force",
		ThreatLevel: ThreatCritical,
		SourceIP:    "192.0.2.66",
	})

	blocked, err := h.kv.IsBlocked(ctx, "192.0.2.66")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestIncidentArchival(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	old := h.monitor.CreateIncident(ctx, IncidentParams{
		Type:        IncidentSuspiciousPattern,
		Description: "sqlmap probe",
		ThreatLevel: ThreatLow,
	})
	require.NoError(t, h.monitor.ResolveIncident(old.IncidentID, "false positive"))

	h.clock.Advance(h.cfg.Security.IncidentArchiveAge + time.Hour)

	fresh := h.monitor.CreateIncident(ctx, IncidentParams{
		Type:        IncidentSuspiciousPattern,
		Description: "directory traversal probe",
		ThreatLevel: ThreatLow,
	})
	require.NoError(t, h.monitor.ResolveIncident(fresh.IncidentID, "handled"))

	require.NoError(t, h.monitor.RunSweep(ctx))

	remaining := h.monitor.Incidents()
	require.Len(t, remaining, 1, "resolved incidents past the archive age are pruned")
	assert.Equal(t, fresh.IncidentID, remaining[0].IncidentID)
}

func TestUnresolvedIncidentsNeverArchived(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	open := h.monitor.CreateIncident(ctx, IncidentParams{
		Type:        IncidentBulkPIIAccess,
		Description: "bulk export of contacts",
		ThreatLevel: ThreatHigh,
	})

	h.clock.Advance(h.cfg.Security.IncidentArchiveAge * 3)
	require.NoError(t, h.monitor.RunSweep(ctx))

	remaining := h.monitor.Incidents()
	require.Len(t, remaining, 1)
	assert.Equal(t, open.IncidentID, remaining[0].IncidentID)
}

func TestResolveUnknownIDs(t *testing.T) {
	h := newTestMonitor(t)

	assert.Error(t, h.monitor.ResolveIncident("missing", "notes"))
	assert.Error(t, h.monitor.ResolveViolation("missing"))
}

func TestBulkPIIAccessDetection(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	h.repo.AddQueryActivity(database.QueryActivity{
		Query:      "SELECT * FROM contacts WHERE tenant_id = $1",
		UserName:   "etl_batch",
		ClientAddr: "10.1.2.3",
		QueryStart: h.clock.Now(),
	})
	h.repo.AddQueryActivity(database.QueryActivity{
		Query:      "SELECT id, status FROM deals",
		UserName:   "app",
		ClientAddr: "10.1.2.4",
		QueryStart: h.clock.Now(),
	})

	require.NoError(t, h.monitor.RunSweep(ctx))

	incidents := h.monitor.IncidentsByType(IncidentBulkPIIAccess)
	require.Len(t, incidents, 1)
	assert.Equal(t, ThreatHigh, incidents[0].ThreatLevel)
	assert.Equal(t, "etl_batch", incidents[0].UserID)
}

func TestLicenseComplianceDetection(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	h.repo.AddLicense(database.AgentLicense{
		AgentID:        "agent-7",
		LicenseNumber:  "CA-DRE-0123456",
		LicenseState:   "CA",
		ExpirationDate: h.clock.Now().Add(-48 * time.Hour),
		Active:         true,
	})
	h.repo.AddLicense(database.AgentLicense{
		AgentID:        "agent-8",
		LicenseNumber:  "TX-7654321",
		LicenseState:   "TX",
		ExpirationDate: h.clock.Now().Add(365 * 24 * time.Hour),
		Active:         true,
	})

	require.NoError(t, h.monitor.RunSweep(ctx))

	var licenseViolations []*ComplianceViolation
	for _, v := range h.monitor.Violations() {
		if v.ViolationType == "expired_license" {
			licenseViolations = append(licenseViolations, v)
		}
	}
	require.Len(t, licenseViolations, 1)
	v := licenseViolations[0]
	assert.Equal(t, StandardNARCode, v.Standard)
	assert.Equal(t, "agent-7", v.DataSubject)
	assert.Equal(t, []string{"License renewal required", "Suspend agent activity"}, v.RemediationActions)
}

func TestDataRetentionDetection(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	h.repo.AddPersonalDataAge(database.PersonalDataAge{
		TableName:   "contacts",
		RecordCount: 42,
		OldestAt:    h.clock.Now().Add(-h.cfg.Security.RetentionHorizon - 24*time.Hour),
	})

	require.NoError(t, h.monitor.RunSweep(ctx))

	var found *ComplianceViolation
	for _, v := range h.monitor.Violations() {
		if v.ViolationType == "data_retention_exceeded" {
			found = v
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, StandardCCPA, found.Standard)
}

func TestCheckPIIExposure(t *testing.T) {
	h := newTestMonitor(t)

	result := h.monitor.CheckPIIExposure("customer SSN is 123-45-6789", "api_response")
	require.NotNil(t, result)
	assert.Equal(t, 1, result.RedactionCount)
	assert.Contains(t, result.PIITypesFound, "ssn")

	clean := h.monitor.CheckPIIExposure("listing updated for unit 4B", "api_response")
	require.NotNil(t, clean)
	assert.Zero(t, clean.RedactionCount)
}

func TestDashboardData(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	h.monitor.CreateIncident(ctx, IncidentParams{
		Type:        IncidentBruteForce,
		Description: "probe",
		ThreatLevel: ThreatCritical,
		SourceIP:    "192.0.2.1",
	})
	h.monitor.CreateIncident(ctx, IncidentParams{
		Type:        IncidentRateLimit,
		Description: "burst",
		ThreatLevel: ThreatLow,
	})

	data := h.monitor.DashboardData()
	assert.Equal(t, 2, data.ActiveIncidents)
	assert.Equal(t, 1, data.CriticalIncidents)
	assert.Equal(t, "inactive", data.MonitoringStatus)
	assert.NotEmpty(t, data.LastCheck)
}

func TestAlertSinkReceivesIncidentCopies(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	var got []*SecurityIncident
	h.monitor.SetAlertSink(func(i *SecurityIncident) { got = append(got, i) })

	created := h.monitor.CreateIncident(ctx, IncidentParams{
		Type:        IncidentAPIAbuse,
		Description: "burst",
		ThreatLevel: ThreatMedium,
	})

	require.Len(t, got, 1)
	assert.Equal(t, created.IncidentID, got[0].IncidentID)

	// The sink gets a copy; mutating it must not touch the registry.
	got[0].Description = "mutated"
	incidents := h.monitor.Incidents()
	require.Len(t, incidents, 1)
	assert.Equal(t, "burst", incidents[0].Description)
}

func TestStartStopIdempotent(t *testing.T) {
	h := newTestMonitor(t)
	ctx := context.Background()

	h.monitor.Start(ctx)
	h.monitor.Start(ctx)
	assert.True(t, h.monitor.Running())

	h.monitor.Stop()
	h.monitor.Stop()
	assert.False(t, h.monitor.Running())
}
