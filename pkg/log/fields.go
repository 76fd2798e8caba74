package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService = "service"

	// Broadcast
	FieldSessionID = "session_id"
	FieldMediaKind = "media_kind"
	FieldClipURI   = "clip_uri"
	FieldCommand   = "command"
	FieldState     = "state"
	FieldChannel   = "channel"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
