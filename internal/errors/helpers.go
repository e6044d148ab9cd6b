package errors

import (
	"fmt"
	"net/http"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Sorry, I couldn't reach my records right now. Please try again.")
}

// NewArgumentError creates an error for malformed tool arguments
func NewArgumentError(tool string, err error) *AppError {
	return Wrap(err, ErrCodeArgumentParse, fmt.Sprintf("invalid arguments for %s", tool)).
		WithContext("tool", tool).
		WithUserMessage("Sorry, I couldn't understand that request. Please try rephrasing it.")
}

// NewNotConnectedError reports that a platform bridge is not usable
func NewNotConnectedError(platform string) *AppError {
	return New(ErrCodeBridgeNotConnected, fmt.Sprintf("%s bridge is not connected", platform)).
		WithContext("platform", platform).
		WithUserMessage(fmt.Sprintf("Your %s bridge is not connected. Please reconnect the bridge and try again.", platform))
}

// NewAlreadyConnectedError rejects a second login for an active bridge
func NewAlreadyConnectedError(platform, status string) *AppError {
	return New(ErrCodeAlreadyConnected, fmt.Sprintf("%s bridge already %s", platform, status)).
		WithContext("platform", platform).
		WithContext("status", status).
		WithUserMessage(fmt.Sprintf("Your %s bridge is already %s.", platform, status))
}

// NewRoomNotFoundError reports that no bridged room matched a name
func NewRoomNotFoundError(platform, name string) *AppError {
	return New(ErrCodeRoomNotFound, fmt.Sprintf("no %s room matching %q", platform, name)).
		WithContext("platform", platform).
		WithContext("name", name).
		WithUserMessage(fmt.Sprintf("No %s contacts found matching '%s'.", platform, name))
}

// NewAmbiguousMatchError carries the candidate names for a suggestion list
func NewAmbiguousMatchError(platform, name string, candidates []string) *AppError {
	return New(ErrCodeAmbiguousMatch, fmt.Sprintf("several %s rooms match %q", platform, name)).
		WithContext("platform", platform).
		WithContext("candidates", candidates).
		WithUserMessage(fmt.Sprintf("Several %s chats match '%s'. Please use the exact chat name.", platform, name))
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeProtocolTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("The bridge took too long to respond. Please try again.")
}

// NewLoginFailedError carries the bridge bot's failure text
func NewLoginFailedError(platform, reason string) *AppError {
	return New(ErrCodeLoginFailed, fmt.Sprintf("%s login failed: %s", platform, reason)).
		WithContext("platform", platform).
		WithContext("reason", reason).
		WithUserMessage(fmt.Sprintf("Connecting %s failed: %s", platform, reason))
}

// NewProtocolError wraps a failed round-trip to the homeserver
func NewProtocolError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeProtocol, fmt.Sprintf("%s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Sorry, the chat bridge is not responding right now. Please try again later.")
}

// NewMediaError creates a media processing error
func NewMediaError(operation, mediaURL string, err error) *AppError {
	return Wrap(err, ErrCodeMediaFetchFailed, fmt.Sprintf("media %s failed", operation)).
		WithContext("operation", operation).
		WithContext("media_url", mediaURL).
		WithUserMessage("Sorry, I couldn't fetch the attached media.")
}

// NewUnsupportedPlatformError rejects unknown platform names
func NewUnsupportedPlatformError(platform string) *AppError {
	return New(ErrCodeUnsupportedPlatform, fmt.Sprintf("unsupported platform %q", platform)).
		WithContext("platform", platform).
		WithUserMessage(fmt.Sprintf("Sorry, '%s' is not a supported platform. Use telegram, whatsapp or signal.", platform))
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewAuthError creates an authentication error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeArgumentParse, ErrCodeInvalidConfig, ErrCodeUnsupportedPlatform:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeRoomNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyConnected, ErrCodeAmbiguousMatch:
		return http.StatusConflict
	case ErrCodeBridgeNotConnected:
		return http.StatusPreconditionFailed
	case ErrCodeTimeout, ErrCodeProtocolTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeProtocol, ErrCodeMediaFetchFailed, ErrCodeClientInit, ErrCodeLoginFailed, ErrCodeOneTimeKeyConflict:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	response.Error.Code = GetCode(err)
	response.Error.Message = GetUserMessage(err)
	if appErr, ok := As(err); ok && len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "password" && k != "token" && k != "payload" && k != "access_token" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
