package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"realguard/internal/config"
	"realguard/internal/database"
	"realguard/internal/metrics"
	"realguard/internal/monitor"
	"realguard/internal/securelog"
	"realguard/internal/store"
)

type pipelineHarness struct {
	router  *gin.Engine
	sec     *Security
	monitor *monitor.Monitor
	kv      *store.MemoryStore
	cfg     *config.Config
	logBuf  *zaptest.Buffer
}

func newPipeline(t *testing.T, mutate func(*config.Config)) *pipelineHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	require.NotNil(t, cfg)
	cfg.Security.WebhookSecret = "pipeline-secret"
	if mutate != nil {
		mutate(cfg)
	}

	kv := store.NewMemoryStore()
	repo := database.NewMemoryRepository()
	logBuf := &zaptest.Buffer{}
	logger := securelog.New("pipeline-test", securelog.WithSinks(logBuf, &zaptest.Buffer{}))
	collector := metrics.NewCollector(prometheus.NewRegistry())
	mon := monitor.New(cfg, logger, collector, kv, repo)

	sec := NewSecurity(cfg, logger, collector, kv, mon)

	router := gin.New()
	router.Use(sec.Handler())
	router.GET("/api/v1/contacts", func(c *gin.Context) {
		c.JSON(200, gin.H{"contacts": []string{}})
	})
	router.GET("/api/v1/contacts/leaky", func(c *gin.Context) {
		c.JSON(200, gin.H{"ssn": "123-45-6789", "email": "buyer@example.com"})
	})
	router.POST("/api/v1/auth/login", func(c *gin.Context) {
		c.JSON(401, gin.H{"error": "invalid credentials"})
	})
	router.GET("/api/v1/admin", func(c *gin.Context) {
		c.JSON(403, gin.H{"error": "insufficient role"})
	})
	router.POST("/webhooks/ghl", func(c *gin.Context) {
		c.JSON(200, gin.H{"received": true})
	})

	return &pipelineHarness{router: router, sec: sec, monitor: mon, kv: kv, cfg: cfg, logBuf: logBuf}
}

func (h *pipelineHarness) do(method, target, remoteIP string, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = remoteIP + ":51234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestMonitoringHeadersAlwaysSet(t *testing.T) {
	h := newPipeline(t, nil)

	w := h.do("GET", "/api/v1/contacts", "203.0.113.10", "", nil)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderMonitored))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	assert.Empty(t, w.Header().Get(HeaderSecurityResponse))
}

func TestBlockedIPRejected(t *testing.T) {
	h := newPipeline(t, nil)
	require.NoError(t, h.kv.BlockIP(context.Background(), "203.0.113.66"))

	w := h.do("GET", "/api/v1/contacts", "203.0.113.66", "", nil)
	assert.Equal(t, 403, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderSecurityResponse))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Security violation", body["error"])
	assert.Equal(t, "Access denied", body["message"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestSuspiciousRequestRejectedWithIncident(t *testing.T) {
	h := newPipeline(t, nil)

	w := h.do("GET", "/api/v1/contacts?path=../../../etc/passwd", "198.51.100.20", "", nil)
	assert.Equal(t, 403, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Security violation", body["error"])
	assert.NotEmpty(t, body["incident_id"])

	incidents := h.monitor.IncidentsByType(monitor.IncidentSuspiciousPattern)
	require.Len(t, incidents, 1)
	assert.Equal(t, body["incident_id"], incidents[0].IncidentID)
	assert.Equal(t, "198.51.100.20", incidents[0].SourceIP)
	assert.Equal(t, monitor.ThreatMedium, incidents[0].ThreatLevel)
}

func TestXSSProbeRejected(t *testing.T) {
	h := newPipeline(t, nil)

	w := h.do("GET", "/api/v1/contacts?q=%3cscript%3ealert(1)%3c/script%3e", "198.51.100.21", "", nil)
	assert.Equal(t, 403, w.Code)
	assert.Len(t, h.monitor.IncidentsByType(monitor.IncidentSuspiciousPattern), 1)
}

func TestRateLimitEnforcementAndEscalation(t *testing.T) {
	h := newPipeline(t, func(cfg *config.Config) {
		cfg.RateLimit.Default = config.RateLimitBucket{MaxRequests: 3, Window: time.Minute}
		cfg.RateLimit.Paths = nil
		cfg.Security.RateViolationAutoBlock = 2
	})

	for i := 0; i < 3; i++ {
		w := h.do("GET", "/api/v1/contacts", "192.0.2.40", "", nil)
		assert.Equal(t, 200, w.Code)
	}

	// Violations 1 and 2 are throttled; violation 3 crosses the auto-block
	// threshold.
	for i := 0; i < 3; i++ {
		w := h.do("GET", "/api/v1/contacts", "192.0.2.40", "", nil)
		assert.Equal(t, 429, w.Code)
		assert.Equal(t, "true", w.Header().Get(HeaderSecurityResponse))
	}

	w := h.do("GET", "/api/v1/contacts", "192.0.2.40", "", nil)
	assert.Equal(t, 403, w.Code, "repeated violations escalate to a block")

	stats := h.sec.Stats()
	assert.Equal(t, uint64(3), stats.RateLimitViolations)
}

func TestRateLimitCheckedBeforePatternScan(t *testing.T) {
	h := newPipeline(t, func(cfg *config.Config) {
		cfg.RateLimit.Default = config.RateLimitBucket{MaxRequests: 2, Window: time.Minute}
		cfg.RateLimit.Paths = nil
	})

	for i := 0; i < 2; i++ {
		w := h.do("GET", "/api/v1/contacts", "192.0.2.41", "", nil)
		assert.Equal(t, 200, w.Code)
	}

	// An exhausted client gets throttled before the request line is screened.
	w := h.do("GET", "/api/v1/contacts?path=../../../etc/passwd", "192.0.2.41", "", nil)
	assert.Equal(t, 429, w.Code)
	assert.Empty(t, h.monitor.IncidentsByType(monitor.IncidentSuspiciousPattern))
}

func TestRateLimitViolationLogsAbuseDetection(t *testing.T) {
	h := newPipeline(t, func(cfg *config.Config) {
		cfg.RateLimit.Default = config.RateLimitBucket{MaxRequests: 1, Window: time.Minute}
		cfg.RateLimit.Paths = nil
	})

	h.do("GET", "/api/v1/contacts", "192.0.2.42", "", nil)
	w := h.do("GET", "/api/v1/contacts", "192.0.2.42", "", nil)
	assert.Equal(t, 429, w.Code)

	var event map[string]any
	for _, line := range h.logBuf.Lines() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		meta, ok := entry["metadata"].(map[string]any)
		if ok && meta["event_type"] == "RATE_LIMIT_VIOLATION" {
			event = meta
			break
		}
	}
	require.NotNil(t, event, "throttling emits a RATE_LIMIT_VIOLATION security event")
	assert.Equal(t, "MEDIUM", event["severity"])

	details, ok := event["details"].(map[string]any)
	require.True(t, ok)
	detection, ok := details["abuse_detection"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.42", detection["client_id"])
	assert.Equal(t, "/api/v1/contacts", detection["endpoint"])
	assert.Equal(t, true, detection["rate_limit_exceeded"])
	assert.EqualValues(t, 2, detection["request_count"])
}

func TestWebhookSignatureValidation(t *testing.T) {
	h := newPipeline(t, nil)

	payload := `{"contact_id":"c-9","event":"contact.created"}`
	sum := sha256.Sum256(append([]byte("pipeline-secret"), payload...))
	signature := hex.EncodeToString(sum[:])

	w := h.do("POST", "/webhooks/ghl", "198.51.100.30", payload,
		map[string]string{HeaderWebhookSignature: signature})
	assert.Equal(t, 200, w.Code, "valid signature passes through with body intact")

	w = h.do("POST", "/webhooks/ghl", "198.51.100.30", payload,
		map[string]string{HeaderWebhookSignature: "forged"})
	assert.Equal(t, 401, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderSecurityResponse))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["incident_id"])
	assert.Len(t, h.monitor.IncidentsByType(monitor.IncidentWebhookForgery), 1)
}

func TestRepeatedForgeriesBlockSource(t *testing.T) {
	h := newPipeline(t, nil)

	for i := 0; i < 3; i++ {
		w := h.do("POST", "/webhooks/ghl", "198.51.100.31", `{}`,
			map[string]string{HeaderWebhookSignature: "forged"})
		assert.Equal(t, 401, w.Code)
	}

	w := h.do("POST", "/webhooks/ghl", "198.51.100.31", `{}`, nil)
	assert.Equal(t, 403, w.Code, "blocked after three forgeries inside the window")
}

func TestAuthFailureAttribution(t *testing.T) {
	h := newPipeline(t, func(cfg *config.Config) {
		// Keep the auth bucket out of the way for this test.
		cfg.RateLimit.Paths = nil
	})

	w := h.do("POST", "/api/v1/auth/login", "203.0.113.77",
		`{"username":"mallory","password":"hunter2"}`,
		map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, 401, w.Code)

	events, err := h.kv.Events(context.Background(), store.KeyAuthFailures, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0]), `"user_id":"mallory"`)
	assert.Contains(t, string(events[0]), `"ip":"203.0.113.77"`)

	stats := h.sec.Stats()
	assert.Equal(t, uint64(1), stats.AuthFailures)
}

func TestForbiddenResponseIsNotAnAuthFailure(t *testing.T) {
	h := newPipeline(t, nil)

	w := h.do("GET", "/api/v1/admin", "203.0.113.78", "", nil)
	assert.Equal(t, 403, w.Code)

	events, err := h.kv.Events(context.Background(), store.KeyAuthFailures, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "authorization denials stay out of the brute-force counters")
	assert.Equal(t, uint64(0), h.sec.Stats().AuthFailures)
}

func TestResponsePIIScanRaisesIncident(t *testing.T) {
	h := newPipeline(t, nil)

	w := h.do("GET", "/api/v1/contacts/leaky", "203.0.113.80", "", nil)
	assert.Equal(t, 200, w.Code, "detection never rewrites the response")

	incidents := h.monitor.IncidentsByType(monitor.IncidentPIIExposureAPI)
	require.Len(t, incidents, 1)
	assert.Equal(t, monitor.ThreatHigh, incidents[0].ThreatLevel)
	assert.Contains(t, incidents[0].AffectedDataTypes, "ssn")

	stats := h.sec.Stats()
	assert.Equal(t, uint64(1), stats.PIIExposures)
}

func TestCleanResponseRaisesNothing(t *testing.T) {
	h := newPipeline(t, nil)

	w := h.do("GET", "/api/v1/contacts", "203.0.113.81", "", nil)
	assert.Equal(t, 200, w.Code)
	assert.Empty(t, h.monitor.IncidentsByType(monitor.IncidentPIIExposureAPI))
}

func TestStatsCountProcessedRequests(t *testing.T) {
	h := newPipeline(t, nil)

	for i := 0; i < 4; i++ {
		h.do("GET", "/api/v1/contacts", "203.0.113.90", "", nil)
	}
	assert.Equal(t, uint64(4), h.sec.Stats().RequestsProcessed)
}
