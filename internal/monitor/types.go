package monitor

import (
	"time"
)

// ThreatLevel grades security incidents.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ComplianceStandard names the regulatory regimes tracked for violations.
type ComplianceStandard string

const (
	StandardCCPA        ComplianceStandard = "ccpa"
	StandardGDPR        ComplianceStandard = "gdpr"
	StandardRESPA       ComplianceStandard = "respa"
	StandardFCRA        ComplianceStandard = "fcra"
	StandardNARCode     ComplianceStandard = "nar_code"
	StandardFairHousing ComplianceStandard = "fair_housing"
)

// BiasType names the fairness criteria checked on model predictions.
type BiasType string

const (
	BiasDemographicParity  BiasType = "demographic_parity"
	BiasEqualizedOdds      BiasType = "equalized_odds"
	BiasIndividualFairness BiasType = "individual_fairness"
	BiasDisparateImpact    BiasType = "disparate_impact"
)

// Incident type tags used by the built-in detectors.
const (
	IncidentBruteForce        = "brute_force_attack"
	IncidentCredentialStuff   = "credential_stuffing"
	IncidentAPIAbuse          = "api_abuse"
	IncidentWebhookForgery    = "ghl_webhook_forgery"
	IncidentSuspiciousPattern = "suspicious_request_pattern"
	IncidentRateLimit         = "rate_limit_violation"
	IncidentBulkPIIAccess     = "unauthorized_bulk_pii_access"
	IncidentPIIExposureAPI    = "pii_exposure_api_response"
)

// SecurityIncident is one tracked incident. Owned by the monitor's registry;
// created by detectors, mutated only through the resolution workflow, and
// archived once resolved and past the retention age.
type SecurityIncident struct {
	IncidentID         string      `json:"incident_id"`
	Timestamp          time.Time   `json:"timestamp"`
	ThreatLevel        ThreatLevel `json:"threat_level"`
	IncidentType       string      `json:"incident_type"`
	Description        string      `json:"description"`
	SourceIP           string      `json:"source_ip,omitempty"`
	UserID             string      `json:"user_id,omitempty"`
	TenantID           string      `json:"tenant_id,omitempty"`
	GHLContactID       string      `json:"ghl_contact_id,omitempty"`
	AffectedDataTypes  []string    `json:"affected_data_types"`
	MitigationActions  []string    `json:"mitigation_actions"`
	Resolved           bool        `json:"resolved"`
	InvestigationNotes string      `json:"investigation_notes"`
}

// ComplianceViolation is one tracked regulatory violation. Same lifecycle
// as SecurityIncident, in its own registry.
type ComplianceViolation struct {
	ViolationID            string             `json:"violation_id"`
	Timestamp              time.Time          `json:"timestamp"`
	Standard               ComplianceStandard `json:"standard"`
	ViolationType          string             `json:"violation_type"`
	Severity               string             `json:"severity"`
	Description            string             `json:"description"`
	DataSubject            string             `json:"data_subject,omitempty"`
	RegulatoryRequirements []string           `json:"regulatory_requirements"`
	RemediationActions     []string           `json:"remediation_actions"`
	Resolved               bool               `json:"resolved"`
}

// BiasDetectionResult is one fairness evaluation of a model's recent
// predictions. Never stored: a biased result is immediately converted into a
// fair-housing compliance violation.
type BiasDetectionResult struct {
	ModelName           string    `json:"model_name"`
	BiasType            BiasType  `json:"bias_type"`
	BiasScore           float64   `json:"bias_score"`
	Threshold           float64   `json:"threshold"`
	IsBiased            bool      `json:"is_biased"`
	ProtectedAttributes []string  `json:"protected_attributes"`
	AffectedGroups      []string  `json:"affected_groups"`
	Recommendations     []string  `json:"recommendations"`
	Timestamp           time.Time `json:"timestamp"`
}

// APIAbuseDetection describes one rate-window evaluation for a client.
type APIAbuseDetection struct {
	ClientID           string    `json:"client_id"`
	Endpoint           string    `json:"endpoint"`
	RequestCount       int       `json:"request_count"`
	TimeWindowMinutes  int       `json:"time_window_minutes"`
	RateLimitExceeded  bool      `json:"rate_limit_exceeded"`
	SuspiciousPatterns []string  `json:"suspicious_patterns"`
	GeoLocation        string    `json:"geo_location,omitempty"`
	UserAgent          string    `json:"user_agent,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// DashboardData is the snapshot read exposed to the dashboard collaborator.
type DashboardData struct {
	ActiveIncidents      int    `json:"active_incidents"`
	CriticalIncidents    int    `json:"critical_incidents"`
	ComplianceViolations int    `json:"compliance_violations"`
	UnresolvedViolations int    `json:"unresolved_violations"`
	MonitoringStatus     string `json:"monitoring_status"`
	LastCheck            string `json:"last_check"`
}

// IncidentParams collects the inputs to CreateIncident.
type IncidentParams struct {
	Type              string
	Description       string
	ThreatLevel       ThreatLevel
	SourceIP          string
	UserID            string
	GHLContactID      string
	AffectedDataTypes []string
	MitigationActions []string
}

// Prediction is one model prediction row used for bias analysis. Majority
// marks membership in the majority group of the protected attribute.
type Prediction struct {
	ModelName          string
	ProtectedAttribute string
	Group              string
	Majority           bool
	Value              float64
}

// authFailure is the wire shape persisted to the auth failure event list.
type authFailure struct {
	UserID    string  `json:"user_id"`
	IP        string  `json:"ip"`
	Reason    string  `json:"reason"`
	Endpoint  string  `json:"endpoint"`
	Timestamp float64 `json:"timestamp"`
}

// webhookFailure is the wire shape persisted to the webhook failure list.
type webhookFailure struct {
	FailureType string  `json:"failure_type"`
	SourceIP    string  `json:"source_ip"`
	Timestamp   float64 `json:"timestamp"`
}

// ProtectedCharacteristics are the fair-housing protected attributes the
// bias detectors and compliance scans recognize.
var ProtectedCharacteristics = []string{
	"race", "color", "religion", "national_origin", "sex",
	"familial_status", "disability", "age", "sexual_orientation",
	"gender_identity", "marital_status", "source_of_income",
}

// SensitivePropertyFields are applicant/property fields treated as sensitive
// in compliance scans.
var SensitivePropertyFields = []string{
	"previous_foreclosure", "bankruptcy_history", "credit_score",
	"income_verification", "employment_history", "financial_documents",
}
