package privacy

import (
	"strings"

	"lightfriend/internal/constants"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+1234567890" -> "+******7890"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}
	if strings.HasPrefix(phone, "+") {
		if len(phone) == 1 {
			return phone
		}
		return "+" + maskString(phone[1:], constants.DefaultIDMaskLength)
	}
	return maskString(phone, constants.DefaultIDMaskLength)
}

// MaskMXID masks the localpart of a Matrix identifier while keeping the
// sigil, any bridge puppet prefix, and the server name readable.
// Example: "@whatsapp_15551234567:example.com" -> "@whatsapp_*******4567:example.com"
func MaskMXID(mxid string) string {
	if mxid == "" {
		return ""
	}

	sigil := ""
	if strings.ContainsAny(mxid[:1], "@!#$") {
		sigil, mxid = mxid[:1], mxid[1:]
	}

	local, server, hasServer := strings.Cut(mxid, ":")

	prefix := ""
	if idx := strings.Index(local, "_"); idx > 0 && idx < len(local)-1 {
		prefix, local = local[:idx+1], local[idx+1:]
	}

	masked := sigil + prefix + maskString(local, constants.DefaultIDMaskLength)
	if hasServer {
		masked += ":" + server
	}
	return masked
}

// MaskUserID masks a gateway user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, constants.DefaultIDMaskLength)
}

// MaskChatName keeps the first letter of each word of a contact name.
// Example: "John Doe (WA)" -> "J*** D** (WA)"
func MaskChatName(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		if strings.HasPrefix(w, "(") {
			continue
		}
		r := []rune(w)
		if len(r) > 1 {
			words[i] = string(r[0]) + strings.Repeat("*", len(r)-1)
		}
	}
	return strings.Join(words, " ")
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "phone_number", "to":
			masked[k] = MaskPhoneNumber(s)
		case "mxid", "room_id", "sender", "bot":
			masked[k] = MaskMXID(s)
		case "user_id":
			masked[k] = MaskUserID(s)
		case "chat_name", "room_name":
			masked[k] = MaskChatName(s)
		case "content", "message", "body", "payload":
			masked[k] = "[hidden]"
		default:
			masked[k] = v
		}
	}

	return masked
}
