package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"realguard/internal/store"
)

// recentEventLimit bounds how many stored failure events a sweep reads.
const recentEventLimit = 1000

// sweepAPISecurity re-evaluates the stored auth failures and the in-memory
// request windows. The pipeline triggers the same evaluation on every
// recorded failure; the sweep catches failures written by other processes
// sharing the store.
func (m *Monitor) sweepAPISecurity(ctx context.Context) {
	m.evaluateAuthFailures(ctx)
	m.detectAPIAbuse(ctx)
}

// evaluateAuthFailures groups recent authentication failures by source IP
// and by user and raises incidents when the brute-force or credential
// stuffing thresholds are crossed. A crossing is reported once per window.
func (m *Monitor) evaluateAuthFailures(ctx context.Context) {
	raw, err := m.kv.Events(ctx, store.KeyAuthFailures, recentEventLimit)
	if err != nil {
		m.logger.Error("error checking authentication failures", map[string]any{"error": err.Error()})
		return
	}

	windowStart := float64(m.now().Add(-m.cfg.Security.AuthFailureWindow).UnixNano()) / float64(time.Second)

	byIP := make(map[string]int)
	byUser := make(map[string]int)
	for _, payload := range raw {
		var f authFailure
		if err := json.Unmarshal(payload, &f); err != nil {
			continue
		}
		if f.Timestamp < windowStart {
			continue
		}
		if f.IP != "" {
			byIP[f.IP]++
		}
		if f.UserID != "" {
			byUser[f.UserID]++
		}
	}

	for ip, count := range byIP {
		if count < m.cfg.Security.BruteForceIPThreshold {
			continue
		}
		if blocked, err := m.kv.IsBlocked(ctx, ip); err == nil && blocked {
			continue
		}
		if !m.markReported("bruteforce:" + ip) {
			continue
		}

		m.CreateIncident(ctx, IncidentParams{
			Type:              IncidentBruteForce,
			Description:       fmt.Sprintf("Potential brute force attack from IP %s - %d failed attempts", ip, count),
			ThreatLevel:       ThreatHigh,
			SourceIP:          ip,
			AffectedDataTypes: []string{"authentication_credentials"},
			MitigationActions: []string{"IP blocked", "Rate limiting applied"},
		})
		if err := m.kv.BlockIP(ctx, ip); err != nil {
			m.logger.Error("failed to block attacking IP", map[string]any{
				"ip":    ip,
				"error": err.Error(),
			})
		}
	}

	for user, count := range byUser {
		if count < m.cfg.Security.CredentialStuffThreshold {
			continue
		}
		if !m.markReported("credstuff:" + user) {
			continue
		}

		m.CreateIncident(ctx, IncidentParams{
			Type:              IncidentCredentialStuff,
			Description:       fmt.Sprintf("Credential stuffing pattern for user %s - %d failed attempts", user, count),
			ThreatLevel:       ThreatMedium,
			UserID:            user,
			AffectedDataTypes: []string{"user_credentials"},
			MitigationActions: []string{"Account review required", "MFA enforcement recommended"},
		})
	}
}

// detectAPIAbuse evaluates the in-memory per-client request windows against
// the abuse threshold.
func (m *Monitor) detectAPIAbuse(ctx context.Context) {
	window := m.cfg.Security.AbuseWindow
	cutoff := m.now().Add(-window)

	type hit struct {
		clientID string
		count    int
	}
	var hits []hit

	m.mu.Lock()
	for clientID, requests := range m.apiRequests {
		// Trim expired entries in place while scanning.
		trimmed := requests[:0]
		for _, at := range requests {
			if at.After(cutoff) {
				trimmed = append(trimmed, at)
			}
		}
		m.apiRequests[clientID] = trimmed
		if len(trimmed) == 0 {
			delete(m.apiRequests, clientID)
			continue
		}
		if len(trimmed) > m.cfg.Security.AbuseRequestThreshold {
			hits = append(hits, hit{clientID, len(trimmed)})
		}
	}
	m.mu.Unlock()

	for _, h := range hits {
		if !m.markReported("abuse:" + h.clientID) {
			continue
		}

		detection := APIAbuseDetection{
			ClientID:           h.clientID,
			Endpoint:           "multiple",
			RequestCount:       h.count,
			TimeWindowMinutes:  int(window.Minutes()),
			RateLimitExceeded:  true,
			SuspiciousPatterns: []string{"high_request_volume"},
			Timestamp:          m.now().UTC(),
		}
		m.metrics.RateLimitsExceeded.WithLabelValues(h.clientID, "multiple").Inc()
		m.logger.Security("API abuse detected", map[string]any{
			"client_id":     detection.ClientID,
			"request_count": detection.RequestCount,
			"window_min":    detection.TimeWindowMinutes,
		})

		m.CreateIncident(ctx, IncidentParams{
			Type:              IncidentAPIAbuse,
			Description:       fmt.Sprintf("API abuse detected for client %s: %d requests in %d minutes", h.clientID, h.count, detection.TimeWindowMinutes),
			ThreatLevel:       ThreatMedium,
			UserID:            h.clientID,
			AffectedDataTypes: []string{"api_access"},
			MitigationActions: []string{"Rate limiting enforced"},
		})
	}
}

// ReportWebhookForgery raises a HIGH incident for one invalid webhook
// signature and escalates to an IP block once the forgery threshold is
// crossed within the forgery window. Returns the created incident.
func (m *Monitor) ReportWebhookForgery(ctx context.Context, sourceIP string) *SecurityIncident {
	incident := m.CreateIncident(ctx, IncidentParams{
		Type:              IncidentWebhookForgery,
		Description:       fmt.Sprintf("Invalid webhook signature from IP %s", sourceIP),
		ThreatLevel:       ThreatHigh,
		SourceIP:          sourceIP,
		AffectedDataTypes: []string{"webhook_payload"},
		MitigationActions: []string{"Request rejected"},
	})

	count, err := m.kv.IncrWindow(ctx, forgeryCounterKey(sourceIP), m.cfg.Security.ForgeryWindow)
	if err != nil {
		m.logger.Error("failed to track webhook forgery attempts", map[string]any{
			"ip":    sourceIP,
			"error": err.Error(),
		})
		return incident
	}

	if count >= int64(m.cfg.Security.ForgeryBlockThreshold) {
		if err := m.kv.BlockIP(ctx, sourceIP); err != nil {
			m.logger.Error("failed to block forging IP", map[string]any{
				"ip":    sourceIP,
				"error": err.Error(),
			})
			return incident
		}
		m.logger.Security("IP blocked for repeated webhook forgeries", map[string]any{
			"ip":       sourceIP,
			"attempts": count,
		})
	}
	return incident
}

func forgeryCounterKey(ip string) string {
	return "security:forgery:" + ip
}

// sweepPIIExposure scans recent database activity for bulk access to
// PII-bearing tables. API-response exposure is caught inline by the
// request pipeline.
func (m *Monitor) sweepPIIExposure(ctx context.Context) {
	if m.repo == nil {
		return
	}

	activity, err := m.repo.RecentQueryActivity(ctx, 100)
	if err != nil {
		m.logger.Error("error checking PII exposure", map[string]any{"error": err.Error()})
		return
	}

	for _, q := range activity {
		query := strings.ToLower(q.Query)
		if !strings.Contains(query, "select *") {
			continue
		}
		if !strings.Contains(query, "contact") &&
			!strings.Contains(query, "lead") &&
			!strings.Contains(query, "personal") {
			continue
		}
		if !m.markReported("bulkpii:" + q.UserName + ":" + q.ClientAddr) {
			continue
		}

		m.metrics.PIIExposures.WithLabelValues("bulk_access", "high", "database").Inc()
		m.CreateIncident(ctx, IncidentParams{
			Type:              IncidentBulkPIIAccess,
			Description:       fmt.Sprintf("Bulk PII query by %s from %s", q.UserName, q.ClientAddr),
			ThreatLevel:       ThreatHigh,
			SourceIP:          q.ClientAddr,
			UserID:            q.UserName,
			AffectedDataTypes: []string{"contact_pii", "lead_pii"},
			MitigationActions: []string{"Query audit logged", "Access review required"},
		})
	}
}

// sweepRateLimiting logs per-client request pressure against the default
// budget. Enforcement happens inline in the request pipeline; this pass is
// observability for clients approaching their budget.
func (m *Monitor) sweepRateLimiting(ctx context.Context) {
	_ = ctx
	bucket := m.cfg.RateLimit.Default
	if bucket.MaxRequests <= 0 || bucket.Window <= 0 {
		return
	}
	cutoff := m.now().Add(-bucket.Window)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for clientID, requests := range m.apiRequests {
		count := 0
		for _, at := range requests {
			if at.After(cutoff) {
				count++
			}
		}
		// Flag clients above 80% of budget before enforcement kicks in.
		if count*10 >= bucket.MaxRequests*8 {
			m.logger.Warning("client approaching rate limit budget", map[string]any{
				"client_id":     clientID,
				"request_count": count,
				"max_requests":  bucket.MaxRequests,
			})
		}
	}
}
