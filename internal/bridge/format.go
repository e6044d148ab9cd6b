package bridge

import (
	"regexp"
	"strings"
	"time"

	"lightfriend/internal/constants"
	"lightfriend/internal/models"

	"maunium.net/go/mautrix/event"
)

// TimestampLayout renders as YYYY-MM-DD HH:MM:SS TZ.
const TimestampLayout = "2006-01-02 15:04:05 MST"

// FormatTimestamp renders unix seconds in loc, or UTC when loc is nil.
func FormatTimestamp(ts int64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(ts, 0).In(loc).Format(TimestampLayout)
}

// Truncate shortens s to n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	return strings.TrimRight(string(runes[:n]), " ") + "..."
}

var decryptFailure = regexp.MustCompile(`(?i)^decrypting message .* failed`)

// isDroppedBody reports bridge placeholder and error bodies.
func isDroppedBody(body string) bool {
	lower := strings.ToLower(strings.TrimSpace(body))
	if lower == "" {
		return true
	}
	for _, dropped := range constants.DefaultDroppedBodies {
		if strings.HasPrefix(lower, dropped) {
			return true
		}
	}
	return decryptFailure.MatchString(lower)
}

// messageType maps a protocol msgtype to its normalized type.
func messageType(msgType event.MessageType) (models.MessageType, bool) {
	switch msgType {
	case event.MsgText:
		return models.MessageTypeText, true
	case event.MsgNotice:
		return models.MessageTypeNotice, true
	case event.MsgEmote:
		return models.MessageTypeEmote, true
	case event.MsgImage:
		return models.MessageTypeImage, true
	case event.MsgVideo:
		return models.MessageTypeVideo, true
	case event.MsgFile:
		return models.MessageTypeFile, true
	case event.MsgAudio:
		return models.MessageTypeAudio, true
	case event.MsgLocation:
		return models.MessageTypeLocation, true
	default:
		return "", false
	}
}

// protocolType is the inverse of messageType for outbound media.
func protocolType(t models.MessageType) event.MessageType {
	switch t {
	case models.MessageTypeImage:
		return event.MsgImage
	case models.MessageTypeVideo:
		return event.MsgVideo
	case models.MessageTypeAudio:
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}
