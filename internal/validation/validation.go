// Package validation checks externally supplied identifiers and text before
// they reach the bridge layer.
package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"lightfriend/internal/constants"
	"lightfriend/internal/errors"
	"lightfriend/internal/models"
)

// ValidateUserID accepts the opaque ids the orchestrator assigns to users.
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.NewValidationError("user_id", userID, "cannot be empty")
	}
	if len(userID) > constants.MaxUserIDLength {
		return errors.NewValidationError("user_id", userID,
			fmt.Sprintf("too long (max %d characters)", constants.MaxUserIDLength))
	}
	for _, r := range userID {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_-.@:+", r) {
			continue
		}
		return errors.NewValidationError("user_id", userID, "contains invalid characters")
	}
	return nil
}

// ValidatePhoneNumber accepts international numbers with an optional leading
// plus and common separators.
func ValidatePhoneNumber(phone string) error {
	if phone == "" {
		return errors.NewValidationError("phone_number", phone, "cannot be empty")
	}

	digits := 0
	for i, r := range phone {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return errors.NewValidationError("phone_number", phone, "must contain only digits")
		}
	}

	if digits < constants.MinPhoneNumberDigits || digits > constants.MaxPhoneNumberDigits {
		return errors.NewValidationError("phone_number", phone,
			fmt.Sprintf("must have %d to %d digits", constants.MinPhoneNumberDigits, constants.MaxPhoneNumberDigits))
	}
	return nil
}

// ValidateLoginPayload checks the text relayed to a bridge bot after the
// login command. Phone-based bridges take an optional phone number; an empty
// payload starts the QR flow.
func ValidateLoginPayload(platform models.Platform, payload string) error {
	if len(payload) > constants.MaxLoginPayloadLength {
		return errors.NewValidationError("payload", "",
			fmt.Sprintf("too long (max %d characters)", constants.MaxLoginPayloadLength))
	}
	if strings.ContainsAny(payload, "\r\n\x00") {
		return errors.NewValidationError("payload", "", "must be a single line")
	}

	switch platform {
	case models.PlatformWhatsApp, models.PlatformSignal, models.PlatformTelegram:
		if payload == "" {
			return nil
		}
		return ValidatePhoneNumber(payload)
	case models.PlatformInstagram:
		return nil
	default:
		return errors.NewUnsupportedPlatformError(string(platform))
	}
}

// ValidateTimezone requires an IANA zone name such as "Europe/Helsinki".
// The empty string means UTC.
func ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return errors.NewValidationError("timezone", tz, "unknown timezone")
	}
	return nil
}

// ValidateMessageBody bounds outbound text.
func ValidateMessageBody(body string) error {
	if len(body) > constants.MaxMessageBodyLength {
		return errors.NewValidationError("message", "",
			fmt.Sprintf("too long (max %d characters)", constants.MaxMessageBodyLength))
	}
	if strings.ContainsRune(body, '\x00') {
		return errors.NewValidationError("message", "", "contains invalid characters")
	}
	return nil
}
