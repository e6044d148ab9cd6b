package models

import (
	"strings"
	"time"
)

// MessageType is the normalized content kind of a bridged message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeNotice   MessageType = "notice"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeFile     MessageType = "file"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeLocation MessageType = "location"
	MessageTypeEmote    MessageType = "emote"
)

// Placeholder returns the short text shown instead of non-text content.
func (t MessageType) Placeholder() string {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeFile, MessageTypeAudio:
		return "📎 " + strings.ToUpper(string(t))
	case MessageTypeLocation:
		return "📍 LOCATION"
	default:
		return ""
	}
}

// NormalizedMessage is a bridged message flattened for SMS-sized responses.
type NormalizedMessage struct {
	Sender             string      `json:"sender"`
	SenderDisplayName  string      `json:"sender_display_name"`
	Content            string      `json:"content"`
	Timestamp          int64       `json:"timestamp"`
	MessageType        MessageType `json:"message_type"`
	RoomName           string      `json:"room_name"`
	FormattedTimestamp string      `json:"formatted_timestamp"`
}

// PendingSendRequest is the single-slot outbound message awaiting a "yes".
type PendingSendRequest struct {
	UserID           string    `json:"user_id"`
	Platform         Platform  `json:"platform"`
	ResolvedChatName string    `json:"resolved_chat_name"`
	MessageBody      string    `json:"message_body"`
	ImageURL         string    `json:"image_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Expired reports whether the request may no longer be executed.
func (p *PendingSendRequest) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// UserSettings is the read-only per-user configuration used by the gateway.
type UserSettings struct {
	UserID              string `json:"user_id"`
	Timezone            string `json:"timezone"`
	RequireConfirmation bool   `json:"require_confirmation"`
}

// Location resolves the user's timezone, falling back to UTC.
func (s *UserSettings) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
