package service

// Logging Standards for lightfriend
//
// This file defines standard field names so that every component logs the
// same facts under the same keys.

// Standard Field Names
const (
	// Core identifiers
	LogFieldUserID   = "user_id"
	LogFieldPlatform = "platform"
	LogFieldRoomID   = "room_id"
	LogFieldMXID     = "mxid"
	LogFieldSender   = "sender"
	LogFieldChatName = "chat_name"
	LogFieldTxnID    = "txn_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldTool      = "tool"
	LogFieldStatus    = "status"

	// Message and event fields
	LogFieldEvent       = "event"
	LogFieldEventType   = "event_type"
	LogFieldMessageType = "message_type"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldStatusCode = "status_code"
	LogFieldClientIP   = "client_ip"

	// File and media
	LogFieldMediaType = "media_type"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: per-room fetch results, sync iterations, routed bot replies.
// INFO: bridge state changes, sends, scheduler runs, startup/shutdown.
// WARN: degraded fan-out results, retried handshakes, failed best-effort logouts.
// ERROR: failed operations surfaced to the user.
// FATAL: startup configuration or store failures only.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "Completed [operation]"
// Failed operations: "Failed to [operation]"
// Retrying operations: "Retrying [operation]"
//
// Example Usage:
//
// logger.WithFields(logrus.Fields{
//     LogFieldUserID:   privacy.MaskUserID(userID),
//     LogFieldPlatform: "whatsapp",
//     LogFieldAttempt:  attempt,
// }).Warn("Retrying bridge handshake")
