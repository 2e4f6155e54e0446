// Package sanitizer detects and redacts personally identifying or secret
// substrings in text and nested data structures before they leave the process.
package sanitizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Severity ranks PII categories. Higher values win when a text matches
// multiple categories.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// PIIDetectionResult describes one sanitize call. It is a value object:
// created per call, attached to the log or audit record, never persisted.
type PIIDetectionResult struct {
	OriginalLength  int           `json:"original_length"`
	SanitizedLength int           `json:"sanitized_length"`
	PIITypesFound   []string      `json:"pii_types_found"`
	RedactionCount  int           `json:"redaction_count"`
	SeverityLevel   Severity      `json:"severity_level"`
	ProcessingTime  time.Duration `json:"processing_time"`
}

// SensitiveFieldType tags redactions made on field name alone.
const SensitiveFieldType = "sensitive_field"

// category is one PII detector: pattern, fixed replacement token, severity.
// Some categories carry a validate hook to reject lookalike matches
// (Luhn check for card numbers, octet range check for IPv4).
type category struct {
	name     string
	pattern  *regexp.Regexp
	token    string
	severity Severity
	validate func(string) bool
}

// categories is scanned in this fixed order on every call. Ordering matters
// twice: digit-heavy categories run before looser ones so a card number is
// never half-eaten by the phone pattern, and the order of PIITypesFound is
// input-independent.
var categories = []category{
	{
		name:     "ssn",
		pattern:  regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b`),
		token:    "[REDACTED_SSN]",
		severity: SeverityCritical,
	},
	{
		name:     "credit_card",
		pattern:  regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
		token:    "[REDACTED_CC]",
		severity: SeverityCritical,
		validate: luhnValid,
	},
	{
		name:     "api_key",
		pattern:  regexp.MustCompile(`\b(?:sk|pk|api|ghl|tok)[-_][A-Za-z0-9_-]{16,}\b`),
		token:    "[REDACTED_API_KEY]",
		severity: SeverityCritical,
	},
	{
		name:     "email",
		pattern:  regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		token:    "[REDACTED_EMAIL]",
		severity: SeverityHigh,
	},
	{
		name:     "phone",
		pattern:  regexp.MustCompile(`\b(?:\+?1[-.\s])?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`),
		token:    "[REDACTED_PHONE]",
		severity: SeverityHigh,
	},
	{
		name:     "address",
		pattern:  regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Z][A-Za-z]+\s+){1,3}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Drive|Dr|Lane|Ln|Court|Ct|Place|Pl|Way|Circle|Cir|Terrace|Ter)\b`),
		token:    "[REDACTED_ADDRESS]",
		severity: SeverityHigh,
	},
	{
		name:     "license",
		pattern:  regexp.MustCompile(`\b(?:CA|TX|FL|NY)[-\s]?(?:DRE[-\s]?)?#?\d{6,8}\b`),
		token:    "[REDACTED_LICENSE]",
		severity: SeverityHigh,
	},
	{
		name:     "price",
		pattern:  regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d+)?`),
		token:    "[REDACTED_PRICE]",
		severity: SeverityMedium,
	},
	{
		name:     "ip_address",
		pattern:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		token:    "[REDACTED_IP]",
		severity: SeverityLow,
		validate: validIPv4,
	},
}

// sensitiveFieldNames are matched as lowercase substrings of map keys.
// A hit replaces the entire value with "[REDACTED]" regardless of content.
var sensitiveFieldNames = []string{
	"password", "secret", "token", "key", "auth",
	"ssn", "credit_card", "pii", "credential", "private",
}

// SanitizeText redacts all recognized PII categories from text. The same
// input always yields the same output; re-sanitizing sanitized text is a
// no-op because the replacement tokens match no category pattern.
func SanitizeText(text string) (string, *PIIDetectionResult) {
	start := time.Now()
	result := &PIIDetectionResult{
		OriginalLength: len(text),
		SeverityLevel:  SeverityLow,
	}

	sanitized := text
	for _, cat := range categories {
		count := 0
		sanitized = cat.pattern.ReplaceAllStringFunc(sanitized, func(match string) string {
			if cat.validate != nil && !cat.validate(match) {
				return match
			}
			count++
			return cat.token
		})

		if count > 0 {
			result.PIITypesFound = append(result.PIITypesFound, cat.name)
			result.RedactionCount += count
			if cat.severity > result.SeverityLevel {
				result.SeverityLevel = cat.severity
			}
		}
	}

	result.SanitizedLength = len(sanitized)
	result.ProcessingTime = time.Since(start)
	return sanitized, result
}

// SanitizeString coerces v to a string and sanitizes it.
func SanitizeString(v any) (string, *PIIDetectionResult) {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return SanitizeText(s)
}

// SanitizeData recursively walks maps, slices and strings. Map values whose
// key name contains a sensitive field name are replaced wholesale with
// "[REDACTED]" and tagged sensitive_field; content scanning of that value is
// skipped. All other string leaves go through SanitizeText. The aggregated
// result unions types and sums redactions across the tree.
func SanitizeData(data any) (any, *PIIDetectionResult) {
	start := time.Now()
	agg := &PIIDetectionResult{SeverityLevel: SeverityLow}
	out := sanitizeValue(data, agg)
	agg.ProcessingTime = time.Since(start)
	return out, agg
}

func sanitizeValue(v any, agg *PIIDetectionResult) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if isSensitiveField(k) {
				out[k] = "[REDACTED]"
				agg.RedactionCount++
				addType(agg, SensitiveFieldType)
				continue
			}
			out[k] = sanitizeValue(item, agg)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if isSensitiveField(k) {
				out[k] = "[REDACTED]"
				agg.RedactionCount++
				addType(agg, SensitiveFieldType)
				continue
			}
			out[k] = sanitizeValue(item, agg)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, agg)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, agg)
		}
		return out
	case string:
		sanitized, res := SanitizeText(val)
		merge(agg, res)
		return sanitized
	default:
		return v
	}
}

func isSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

func addType(agg *PIIDetectionResult, name string) {
	for _, existing := range agg.PIITypesFound {
		if existing == name {
			return
		}
	}
	agg.PIITypesFound = append(agg.PIITypesFound, name)
}

func merge(agg, res *PIIDetectionResult) {
	for _, t := range res.PIITypesFound {
		addType(agg, t)
	}
	agg.RedactionCount += res.RedactionCount
	if res.SeverityLevel > agg.SeverityLevel {
		agg.SeverityLevel = res.SeverityLevel
	}
}

// luhnValid reports whether the digits of s pass the Luhn checksum.
func luhnValid(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 13 {
		return false
	}

	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alternate {
			d *= 2
			if d > 9 {
				d = d%10 + 1
			}
		}
		sum += d
		alternate = !alternate
	}
	return sum%10 == 0
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
