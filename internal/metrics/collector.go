// Package metrics exports the security monitoring metric families.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns every metric family the monitor and middleware write to.
// It registers against the registry it is given so tests can use an
// isolated prometheus.NewRegistry.
type Collector struct {
	PIIExposures         *prometheus.CounterVec
	SecurityIncidents    *prometheus.CounterVec
	ComplianceViolations *prometheus.CounterVec
	AuthFailures         *prometheus.CounterVec
	RateLimitsExceeded   *prometheus.CounterVec
	MLBiasDetected       *prometheus.CounterVec
	MLFairnessScore      *prometheus.GaugeVec
	LicenseViolations    *prometheus.CounterVec
	RequestsMonitored    *prometheus.CounterVec
	RequestsBlocked      *prometheus.CounterVec
}

// NewCollector creates and registers all security metric families.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		PIIExposures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_pii_exposures_total",
				Help: "Total PII exposures detected",
			},
			[]string{"pii_type", "severity", "source_component"},
		),
		SecurityIncidents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_incidents_total",
				Help: "Total security incidents",
			},
			[]string{"incident_type", "threat_level"},
		),
		ComplianceViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_violations_total",
				Help: "Total compliance violations",
			},
			[]string{"standard", "violation_type"},
		),
		AuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_authentication_failures_total",
				Help: "API authentication failures",
			},
			[]string{"endpoint", "failure_reason"},
		),
		RateLimitsExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_rate_limits_exceeded_total",
				Help: "API rate limits exceeded",
			},
			[]string{"client_id", "endpoint"},
		),
		MLBiasDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ml_model_bias_detected_total",
				Help: "ML model bias detections",
			},
			[]string{"model_name", "bias_type"},
		),
		MLFairnessScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ml_model_fairness_score",
				Help: "ML model fairness score (0-1)",
			},
			[]string{"model_name"},
		),
		LicenseViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "real_estate_license_violations_total",
				Help: "Real estate license violations",
			},
			[]string{"violation_type", "license_state"},
		),
		RequestsMonitored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_requests_monitored_total",
				Help: "Requests seen by the security middleware",
			},
			[]string{"method", "status"},
		),
		RequestsBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_requests_blocked_total",
				Help: "Requests blocked by the security middleware",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		c.PIIExposures,
		c.SecurityIncidents,
		c.ComplianceViolations,
		c.AuthFailures,
		c.RateLimitsExceeded,
		c.MLBiasDetected,
		c.MLFairnessScore,
		c.LicenseViolations,
		c.RequestsMonitored,
		c.RequestsBlocked,
	)

	return c
}
