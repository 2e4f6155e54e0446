package monitor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func newViolationID() string { return uuid.NewString() }

// sweepCompliance runs the regulatory checks backed by the relational
// store: agent license validity and personal data retention.
func (m *Monitor) sweepCompliance(ctx context.Context) {
	if m.repo == nil {
		return
	}
	m.checkLicenseCompliance(ctx)
	m.checkDataRetention(ctx)
}

// checkLicenseCompliance raises a violation per agent whose license has
// expired but is still marked active.
func (m *Monitor) checkLicenseCompliance(ctx context.Context) {
	licenses, err := m.repo.ExpiredActiveLicenses(ctx)
	if err != nil {
		m.logger.Error("error checking license compliance", map[string]any{"error": err.Error()})
		return
	}

	for _, lic := range licenses {
		if !m.markReported("license:" + lic.AgentID + ":" + lic.LicenseNumber) {
			continue
		}

		m.metrics.LicenseViolations.WithLabelValues("expired_license", lic.LicenseState).Inc()
		m.recordViolation(&ComplianceViolation{
			ViolationID:   newViolationID(),
			Timestamp:     m.now().UTC(),
			Standard:      StandardNARCode,
			ViolationType: "expired_license",
			Severity:      "high",
			Description: fmt.Sprintf("Agent %s operating with expired license %s (%s), expired %s",
				lic.AgentID, lic.LicenseNumber, lic.LicenseState,
				lic.ExpirationDate.Format("2006-01-02")),
			DataSubject: lic.AgentID,
			RegulatoryRequirements: []string{
				"Active state license required for real estate activity",
			},
			RemediationActions: []string{
				"License renewal required",
				"Suspend agent activity",
			},
		})
	}
}

// checkDataRetention raises a CCPA violation per table holding personal
// data older than the retention horizon.
func (m *Monitor) checkDataRetention(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.Security.RetentionHorizon)

	expired, err := m.repo.ExpiredPersonalData(ctx, cutoff)
	if err != nil {
		m.logger.Error("error checking data retention", map[string]any{"error": err.Error()})
		return
	}

	for _, row := range expired {
		if row.RecordCount == 0 {
			continue
		}
		if !m.markReported("retention:" + row.TableName) {
			continue
		}

		m.recordViolation(&ComplianceViolation{
			ViolationID:   newViolationID(),
			Timestamp:     m.now().UTC(),
			Standard:      StandardCCPA,
			ViolationType: "data_retention_exceeded",
			Severity:      "medium",
			Description: fmt.Sprintf("%d records in %s exceed the retention horizon (oldest %s)",
				row.RecordCount, row.TableName, row.OldestAt.Format("2006-01-02")),
			RegulatoryRequirements: []string{
				"Personal data deleted or anonymized past retention period",
			},
			RemediationActions: []string{
				"Schedule purge of expired records",
				"Review retention policy coverage",
			},
		})
	}
}
