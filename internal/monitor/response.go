package monitor

import (
	"context"
	"strings"
)

// triggerIncidentResponse runs the automated response protocol for a
// critical incident. Called synchronously from CreateIncident so the
// containment actions land before the caller returns.
func (m *Monitor) triggerIncidentResponse(ctx context.Context, incident *SecurityIncident) {
	m.logger.Critical("CRITICAL incident automated response triggered", map[string]any{
		"incident_id":   incident.IncidentID,
		"incident_type": incident.IncidentType,
		"source_ip":     incident.SourceIP,
	})

	if incident.IncidentType == IncidentBruteForce && incident.SourceIP != "" {
		if err := m.kv.BlockIP(ctx, incident.SourceIP); err != nil {
			m.logger.Error("automated IP block failed", map[string]any{
				"incident_id": incident.IncidentID,
				"ip":          incident.SourceIP,
				"error":       err.Error(),
			})
		} else {
			m.logger.Security("IP blocked by automated response", map[string]any{
				"incident_id": incident.IncidentID,
				"ip":          incident.SourceIP,
			})
		}
	}

	if strings.Contains(incident.IncidentType, "pii") {
		m.triggerDataBreachResponse(incident)
	}
}

// triggerDataBreachResponse opens the regulatory breach workflow: one CCPA
// and one GDPR violation carrying the notification obligations.
func (m *Monitor) triggerDataBreachResponse(incident *SecurityIncident) {
	m.logger.Critical("Data breach response initiated", map[string]any{
		"incident_id":         incident.IncidentID,
		"affected_data_types": incident.AffectedDataTypes,
	})

	requirements := []string{
		"72-hour breach notification",
		"Impact assessment required",
		"Affected individuals notification",
	}
	remediation := []string{
		"Immediate containment",
		"Forensic investigation",
		"Regulatory notification",
		"Customer notification",
	}

	for _, standard := range []ComplianceStandard{StandardCCPA, StandardGDPR} {
		m.recordViolation(&ComplianceViolation{
			ViolationID:            newViolationID(),
			Timestamp:              m.now().UTC(),
			Standard:               standard,
			ViolationType:          "data_breach",
			Severity:               "critical",
			Description:            "Data breach: " + incident.Description,
			DataSubject:            incident.GHLContactID,
			RegulatoryRequirements: append([]string{}, requirements...),
			RemediationActions:     append([]string{}, remediation...),
		})
	}
}
