// Package middleware implements the security layer of the HTTP request
// pipeline: blocked-IP enforcement, rate limiting, suspicious pattern
// screening, webhook signature validation, auth failure capture and
// response PII scanning.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"realguard/internal/config"
	"realguard/internal/metrics"
	"realguard/internal/monitor"
	"realguard/internal/securelog"
	"realguard/internal/store"
)

// maxScanBody caps how much of a request or response body is buffered for
// identity extraction and PII scanning.
const maxScanBody = 64 << 10

// Headers set by the pipeline.
const (
	HeaderRequestID        = "X-Request-ID"
	HeaderMonitored        = "X-Security-Monitored"
	HeaderSecurityResponse = "X-Security-Response"
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// suspiciousPatterns screens the request line for injection probes. The
// patterns run against the unescaped path plus raw query.
var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bunion\b.{0,40}\bselect\b`),
	regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop)\b.{0,40}\b(from|into|table)\b`),
	regexp.MustCompile(`(?i)(;|\|\||&&)\s*(cat|ls|rm|wget|curl|nc)\b`),
	regexp.MustCompile(`\.\./\.\./`),
	regexp.MustCompile(`(?i)%3cscript`),
	regexp.MustCompile(`(?i)\bor\b\s+['"0-9]+\s*=\s*['"0-9]+`),
}

// Stats are process-local pipeline counters, exposed on the dashboard.
type Stats struct {
	RequestsProcessed   uint64 `json:"requests_processed"`
	RequestsBlocked     uint64 `json:"requests_blocked"`
	AuthFailures        uint64 `json:"auth_failures"`
	RateLimitViolations uint64 `json:"rate_limit_violations"`
	PIIExposures        uint64 `json:"pii_exposures"`
	SuspiciousRequests  uint64 `json:"suspicious_requests"`
}

// Security is the pipeline middleware. It consults the shared store for
// blocked IPs and rate windows and reports detections to the monitor.
// Every check fails open: a store or monitor error never rejects traffic
// on its own.
type Security struct {
	cfg     *config.Config
	logger  *securelog.SecureLogger
	metrics *metrics.Collector
	kv      store.KV
	monitor *monitor.Monitor
	now     func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewSecurity builds the pipeline middleware.
func NewSecurity(
	cfg *config.Config,
	logger *securelog.SecureLogger,
	collector *metrics.Collector,
	kv store.KV,
	mon *monitor.Monitor,
) *Security {
	return &Security{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		kv:      kv,
		monitor: mon,
		now:     time.Now,
	}
}

// Stats returns a snapshot of the pipeline counters.
func (s *Security) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Security) bump(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// Handler returns the gin middleware function.
func (s *Security) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Writer.Header().Set(HeaderRequestID, requestID)
		c.Writer.Header().Set(HeaderMonitored, "true")
		c.Set("request_id", requestID)

		s.bump(func(st *Stats) { st.RequestsProcessed++ })

		clientIP := c.ClientIP()
		ctx := c.Request.Context()

		// Pre-checks run under their own recover: the security layer must
		// never take the service down with it, so a panic fails open.
		var authBody []byte
		rejected := func() (rejected bool) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("security pre-check panicked, failing open", map[string]any{
						"panic": fmt.Sprint(r),
						"path":  c.Request.URL.Path,
					})
					rejected = false
				}
			}()

			if s.rejectBlockedIP(c, clientIP) {
				return true
			}
			if s.rejectRateLimited(c, clientIP) {
				return true
			}
			if s.rejectSuspiciousRequest(c, clientIP) {
				return true
			}
			if s.rejectForgedWebhook(c, clientIP) {
				return true
			}

			s.monitor.RecordAPIRequest(s.clientID(c, clientIP), c.Request.URL.Path, s.now())

			// Buffer auth request bodies before handlers consume them so a
			// 401 can still be attributed to an account.
			if s.isAuthRequest(c) {
				authBody = s.bufferRequestBody(c)
			}
			return false
		}()
		if rejected {
			return
		}

		capture := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = capture

		c.Next()

		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("security post-check panicked", map[string]any{
						"panic": fmt.Sprint(r),
						"path":  c.Request.URL.Path,
					})
				}
			}()

			status := c.Writer.Status()
			s.metrics.RequestsMonitored.WithLabelValues(c.Request.Method, fmt.Sprint(status)).Inc()

			if status == 401 {
				s.recordAuthFailure(ctx, c, clientIP, authBody)
			}
			s.scanResponsePII(c, clientIP, capture)
		}()
	}
}

// rejectBlockedIP aborts with 403 when the client address is on the block
// list. A store error fails open.
func (s *Security) rejectBlockedIP(c *gin.Context, clientIP string) bool {
	blocked, err := s.kv.IsBlocked(c.Request.Context(), clientIP)
	if err != nil {
		s.logger.Error("blocked-IP lookup failed, failing open", map[string]any{"error": err.Error()})
		return false
	}
	if !blocked {
		return false
	}

	s.metrics.RequestsBlocked.WithLabelValues("blocked_ip").Inc()
	s.bump(func(st *Stats) { st.RequestsBlocked++ })
	s.logger.Security("request from blocked IP rejected", map[string]any{
		"ip":   clientIP,
		"path": c.Request.URL.Path,
	})
	s.abortSecurity(c, 403, "Access denied", "")
	return true
}

// rejectSuspiciousRequest screens the request line for injection probes and
// raises an incident when one matches.
func (s *Security) rejectSuspiciousRequest(c *gin.Context, clientIP string) bool {
	target := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	var matched string
	for _, p := range suspiciousPatterns {
		if p.MatchString(target) {
			matched = p.String()
			break
		}
	}
	if matched == "" {
		return false
	}

	s.bump(func(st *Stats) { st.SuspiciousRequests++ })
	s.metrics.RequestsBlocked.WithLabelValues("suspicious_pattern").Inc()

	incident := s.monitor.CreateIncident(c.Request.Context(), monitor.IncidentParams{
		Type:              monitor.IncidentSuspiciousPattern,
		Description:       fmt.Sprintf("Suspicious request pattern from %s: %s", clientIP, target),
		ThreatLevel:       monitor.ThreatMedium,
		SourceIP:          clientIP,
		AffectedDataTypes: []string{"api_surface"},
		MitigationActions: []string{"Request rejected"},
	})

	s.abortSecurity(c, 403, "Request rejected", incident.IncidentID)
	return true
}

// rejectRateLimited enforces the per-path budgets. Repeated violations
// escalate to an IP block.
func (s *Security) rejectRateLimited(c *gin.Context, clientIP string) bool {
	ctx := c.Request.Context()
	prefix, bucket := s.bucketFor(c.Request.URL.Path)

	key := fmt.Sprintf("security:ratelimit:%s:%s", clientIP, prefix)
	count, err := s.kv.IncrWindow(ctx, key, bucket.Window)
	if err != nil {
		s.logger.Error("rate limit counter failed, failing open", map[string]any{"error": err.Error()})
		return false
	}
	if count <= int64(bucket.MaxRequests) {
		return false
	}

	s.bump(func(st *Stats) {
		st.RateLimitViolations++
		st.RequestsBlocked++
	})
	s.metrics.RateLimitsExceeded.WithLabelValues(clientIP, prefix).Inc()
	s.metrics.RequestsBlocked.WithLabelValues("rate_limit").Inc()

	detection := monitor.APIAbuseDetection{
		ClientID:           clientIP,
		Endpoint:           c.Request.URL.Path,
		RequestCount:       int(count),
		TimeWindowMinutes:  int(bucket.Window.Minutes()),
		RateLimitExceeded:  true,
		SuspiciousPatterns: []string{"rate_limit_exceeded"},
		UserAgent:          c.Request.UserAgent(),
		Timestamp:          s.now().UTC(),
	}
	s.logger.LogSecurityEvent("RATE_LIMIT_VIOLATION", map[string]any{
		"abuse_detection": detection,
		"path_prefix":     prefix,
		"max_requests":    bucket.MaxRequests,
	}, "MEDIUM", securelog.Context{})

	violations, err := s.kv.IncrWindow(ctx, "security:ratelimit:violations:"+clientIP, time.Hour)
	if err == nil && violations > int64(s.cfg.Security.RateViolationAutoBlock) {
		if err := s.kv.BlockIP(ctx, clientIP); err != nil {
			s.logger.Error("auto-block after rate violations failed", map[string]any{
				"ip":    clientIP,
				"error": err.Error(),
			})
		} else {
			s.logger.Security("IP blocked for repeated rate limit violations", map[string]any{
				"ip":         clientIP,
				"violations": violations,
			})
		}
	}

	s.abortSecurity(c, 429, "Rate limit exceeded", "")
	return true
}

// bucketFor picks the longest configured path prefix; the default bucket
// applies when nothing matches.
func (s *Security) bucketFor(path string) (string, config.RateLimitBucket) {
	best := ""
	bucket := s.cfg.RateLimit.Default
	for prefix, b := range s.cfg.RateLimit.Paths {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best, bucket = prefix, b
		}
	}
	if best == "" {
		best = "default"
	}
	return best, bucket
}

// rejectForgedWebhook validates the signature on webhook deliveries. The
// body is restored for the downstream handler on success.
func (s *Security) rejectForgedWebhook(c *gin.Context, clientIP string) bool {
	if !strings.HasPrefix(c.Request.URL.Path, s.cfg.Security.WebhookPrefix) {
		return false
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.logger.Error("failed to read webhook body", map[string]any{"error": err.Error()})
		s.abortSecurity(c, 400, "Unreadable payload", "")
		return true
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(payload))

	signature := c.GetHeader(HeaderWebhookSignature)
	if s.monitor.ValidateWebhook(c.Request.Context(), payload, signature, clientIP) {
		return false
	}

	s.bump(func(st *Stats) { st.RequestsBlocked++ })
	s.metrics.RequestsBlocked.WithLabelValues("webhook_forgery").Inc()

	incident := s.monitor.ReportWebhookForgery(c.Request.Context(), clientIP)
	s.abortSecurity(c, 401, "Invalid webhook signature", incident.IncidentID)
	return true
}

// recordAuthFailure attributes a 401 to an account and reports it.
// Authorization denials (403) are not authentication failures and stay out
// of the brute-force counters.
func (s *Security) recordAuthFailure(ctx context.Context, c *gin.Context, clientIP string, authBody []byte) {
	userID := s.extractIdentity(c, authBody)

	s.bump(func(st *Stats) { st.AuthFailures++ })
	s.monitor.RecordAuthFailure(ctx, userID, clientIP, "unauthorized", c.Request.URL.Path)
}

// extractIdentity pulls an account identifier from the buffered auth body
// or from the bearer token's unverified claims. Unverified parse only: the
// token already failed authentication, the claims are attribution hints.
func (s *Security) extractIdentity(c *gin.Context, authBody []byte) string {
	if len(authBody) > 0 {
		var body map[string]any
		if err := json.Unmarshal(authBody, &body); err == nil {
			for _, field := range []string{"username", "email", "user_id"} {
				if v, ok := body[field].(string); ok && v != "" {
					return v
				}
			}
		}
	}

	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		raw := strings.TrimPrefix(auth, "Bearer ")
		token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
		if err == nil {
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				for _, field := range []string{"sub", "user_id", "email"} {
					if v, ok := claims[field].(string); ok && v != "" {
						return v
					}
				}
			}
		}
	}
	return ""
}

func (s *Security) isAuthRequest(c *gin.Context) bool {
	return c.Request.Method == "POST" &&
		strings.Contains(c.Request.URL.Path, "/auth")
}

// bufferRequestBody reads up to maxScanBody of the request body and
// restores it for the handler.
func (s *Security) bufferRequestBody(c *gin.Context) []byte {
	if c.Request.Body == nil {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(c.Request.Body, maxScanBody))
	if err != nil {
		return nil
	}
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), c.Request.Body))
	return buf
}

// scanResponsePII checks outbound bodies for unredacted PII and raises a
// HIGH incident when any is found. The response has already been written;
// this is detection, not suppression.
func (s *Security) scanResponsePII(c *gin.Context, clientIP string, capture *bodyCapture) {
	if capture.buf.Len() == 0 || !scannableContentType(c.Writer.Header().Get("Content-Type")) {
		return
	}

	result := s.monitor.CheckPIIExposure(capture.buf.String(), "api_response")
	if result == nil || result.RedactionCount == 0 {
		return
	}

	s.bump(func(st *Stats) { st.PIIExposures++ })

	s.monitor.CreateIncident(c.Request.Context(), monitor.IncidentParams{
		Type:        monitor.IncidentPIIExposureAPI,
		Description: fmt.Sprintf("Unredacted PII in response for %s: %s",
			c.Request.URL.Path, strings.Join(result.PIITypesFound, ", ")),
		ThreatLevel:       monitor.ThreatHigh,
		SourceIP:          clientIP,
		AffectedDataTypes: result.PIITypesFound,
		MitigationActions: []string{"Response flagged for sanitization review"},
	})
}

func scannableContentType(ct string) bool {
	return ct == "" ||
		strings.Contains(ct, "application/json") ||
		strings.HasPrefix(ct, "text/")
}

// abortSecurity writes the uniform security rejection body.
func (s *Security) abortSecurity(c *gin.Context, status int, message, incidentID string) {
	c.Writer.Header().Set(HeaderSecurityResponse, "true")
	body := gin.H{
		"error":     "Security violation",
		"message":   message,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	if incidentID != "" {
		body["incident_id"] = incidentID
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Security) clientID(c *gin.Context, clientIP string) string {
	if id := s.extractIdentity(c, nil); id != "" {
		return id
	}
	return clientIP
}

// bodyCapture tees response writes into a bounded buffer for PII scanning.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(b []byte) (int, error) {
	if remaining := maxScanBody - w.buf.Len(); remaining > 0 {
		if len(b) > remaining {
			w.buf.Write(b[:remaining])
		} else {
			w.buf.Write(b)
		}
	}
	return w.ResponseWriter.Write(b)
}

func (w *bodyCapture) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}
