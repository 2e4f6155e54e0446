// Package securelog is the PII-safe logging sink. Every message and every
// metadata value passes through the sanitizer before it reaches a stream,
// and redacting writes additionally produce an append-only audit record.
package securelog

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"realguard/internal/sanitizer"
)

// Level is the secure logging level. SECURITY and AUDIT are first-class
// levels on top of the standard four; they and CRITICAL are written at
// error severity on the underlying stream.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
	LevelSecurity
	LevelAudit
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	case LevelSecurity:
		return "SECURITY"
	case LevelAudit:
		return "AUDIT"
	default:
		return "UNKNOWN"
	}
}

// Context carries per-request correlation identifiers into a log entry.
type Context struct {
	UserID    string
	SessionID string
	TraceID   string
}

// Stats is a snapshot of the sink's running performance counters.
type Stats struct {
	TotalSanitizations  uint64        `json:"total_sanitizations"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
}

// SecureLogger sanitizes everything it emits. Logging is infallible from the
// caller's perspective: internal failures degrade to a placeholder entry
// instead of propagating.
type SecureLogger struct {
	component string
	tenantID  string
	log       *zap.Logger
	audit     *zap.Logger

	mu             sync.Mutex
	sanitizations  uint64
	processingTime time.Duration
}

// Option configures a SecureLogger.
type Option func(*SecureLogger)

// WithTenant sets the tenant id attached to every record.
func WithTenant(tenantID string) Option {
	return func(l *SecureLogger) { l.tenantID = tenantID }
}

// WithSinks overrides the standard and audit write targets. Used by the
// server to point the audit stream at its dedicated file, and by tests.
func WithSinks(logSink, auditSink zapcore.WriteSyncer) Option {
	return func(l *SecureLogger) {
		l.log = newStreamLogger(logSink)
		l.audit = newStreamLogger(auditSink)
	}
}

// New creates a SecureLogger for the named component. By default the
// standard stream goes to stdout and the audit stream to stderr so the two
// can be collected separately.
func New(component string, opts ...Option) *SecureLogger {
	l := &SecureLogger{
		component: component,
		log:       newStreamLogger(zapcore.Lock(os.Stdout)),
		audit:     newStreamLogger(zapcore.Lock(os.Stderr)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newStreamLogger(sink zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	// Records carry their own level field with the extended level set.
	encCfg.LevelKey = zapcore.OmitKey
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zapcore.DebugLevel)
	return zap.New(core)
}

// Log sanitizes message and metadata and writes one structured record. When
// any redaction happened, or the level is SECURITY or AUDIT, an audit record
// is also emitted to the audit stream.
func (l *SecureLogger) Log(level Level, message string, metadata map[string]any, lc Context) {
	defer func() {
		if r := recover(); r != nil {
			// Logging must never crash the caller.
			l.log.Error("secure log entry dropped",
				zap.String("component", l.component),
				zap.Any("panic", r),
			)
		}
	}()

	sanitizedMsg, msgResult := l.SanitizeText(message)

	var metaResult *sanitizer.PIIDetectionResult
	var sanitizedMeta any
	if metadata != nil {
		sanitizedMeta, metaResult = sanitizer.SanitizeData(metadata)
		l.recordSanitization(metaResult.ProcessingTime)
	}

	piiSanitized := msgResult.RedactionCount > 0 ||
		(metaResult != nil && metaResult.RedactionCount > 0)

	fields := []zap.Field{
		zap.String("level", level.String()),
		zap.String("component", l.component),
		zap.String("tenant_id", l.tenantID),
		zap.String("user_id", lc.UserID),
		zap.String("session_id", lc.SessionID),
		zap.String("trace_id", lc.TraceID),
		zap.Bool("pii_sanitized", piiSanitized),
	}
	if sanitizedMeta != nil {
		fields = append(fields, zap.Any("metadata", sanitizedMeta))
	}

	switch level {
	case LevelDebug:
		l.log.Debug(sanitizedMsg, fields...)
	case LevelInfo:
		l.log.Info(sanitizedMsg, fields...)
	case LevelWarning:
		l.log.Warn(sanitizedMsg, fields...)
	default:
		// ERROR, CRITICAL, SECURITY and AUDIT all hit the error sink.
		l.log.Error(sanitizedMsg, fields...)
	}

	if piiSanitized || level == LevelSecurity || level == LevelAudit {
		l.emitAuditRecord(level, lc, piiSanitized, msgResult, metaResult)
	}
}

// emitAuditRecord writes the compliance-facing audit entry. The field set
// here is a contract with downstream evidence tooling; do not trim it.
func (l *SecureLogger) emitAuditRecord(
	level Level,
	lc Context,
	piiDetected bool,
	msgResult, metaResult *sanitizer.PIIDetectionResult,
) {
	fields := []zap.Field{
		zap.String("audit_id", uuid.NewString()),
		zap.String("event_type", "SECURE_LOG_ENTRY"),
		zap.String("component", l.component),
		zap.String("tenant_id", l.tenantID),
		zap.String("user_id", lc.UserID),
		zap.String("session_id", lc.SessionID),
		zap.String("log_level", level.String()),
		zap.Bool("pii_detected", piiDetected),
		zap.Strings("pii_types", msgResult.PIITypesFound),
		zap.Int("redaction_count", msgResult.RedactionCount),
		zap.Duration("processing_time", msgResult.ProcessingTime),
	}
	if metaResult != nil && metaResult.RedactionCount > 0 {
		fields = append(fields,
			zap.Strings("metadata_pii_types", metaResult.PIITypesFound),
			zap.Int("metadata_redaction_count", metaResult.RedactionCount),
		)
	}
	l.audit.Error("secure log audit record", fields...)
}

// Convenience wrappers mirroring the standard levels.

func (l *SecureLogger) Debug(msg string, metadata map[string]any) {
	l.Log(LevelDebug, msg, metadata, Context{})
}

func (l *SecureLogger) Info(msg string, metadata map[string]any) {
	l.Log(LevelInfo, msg, metadata, Context{})
}

func (l *SecureLogger) Warning(msg string, metadata map[string]any) {
	l.Log(LevelWarning, msg, metadata, Context{})
}

func (l *SecureLogger) Error(msg string, metadata map[string]any) {
	l.Log(LevelError, msg, metadata, Context{})
}

func (l *SecureLogger) Critical(msg string, metadata map[string]any) {
	l.Log(LevelCritical, msg, metadata, Context{})
}

func (l *SecureLogger) Security(msg string, metadata map[string]any) {
	l.Log(LevelSecurity, msg, metadata, Context{})
}

// LogSecurityEvent logs a structured security event at SECURITY level.
func (l *SecureLogger) LogSecurityEvent(eventType string, details map[string]any, severity string, lc Context) {
	payload := map[string]any{
		"event_type": eventType,
		"severity":   severity,
		"details":    details,
		"component":  l.component,
		"tenant_id":  l.tenantID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	l.Log(LevelSecurity, "security event: "+eventType, payload, lc)
}

// SanitizeText delegates to the sanitizer and tracks performance counters.
func (l *SecureLogger) SanitizeText(text string) (string, *sanitizer.PIIDetectionResult) {
	sanitized, result := sanitizer.SanitizeText(text)
	l.recordSanitization(result.ProcessingTime)
	return sanitized, result
}

// SanitizeData delegates to the sanitizer and tracks performance counters.
func (l *SecureLogger) SanitizeData(data any) (any, *sanitizer.PIIDetectionResult) {
	sanitized, result := sanitizer.SanitizeData(data)
	l.recordSanitization(result.ProcessingTime)
	return sanitized, result
}

func (l *SecureLogger) recordSanitization(d time.Duration) {
	l.mu.Lock()
	l.sanitizations++
	l.processingTime += d
	l.mu.Unlock()
}

// Stats returns the sink's running sanitization counters.
func (l *SecureLogger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		TotalSanitizations:  l.sanitizations,
		TotalProcessingTime: l.processingTime,
	}
	if l.sanitizations > 0 {
		s.AvgProcessingTime = l.processingTime / time.Duration(l.sanitizations)
	}
	return s
}

// Sync flushes both streams.
func (l *SecureLogger) Sync() {
	_ = l.log.Sync()
	_ = l.audit.Sync()
}
