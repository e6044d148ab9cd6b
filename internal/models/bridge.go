package models

import "time"

// ConnectionStatus is the lifecycle state of one user's bridge to a platform.
type ConnectionStatus string

const (
	StatusNotConnected ConnectionStatus = "not_connected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// IsActive reports whether the row blocks a new login attempt.
func (s ConnectionStatus) IsActive() bool {
	return s == StatusConnecting || s == StatusConnected
}

// BridgeConnection is the persisted row for a (user, platform) bridge.
// Status transitions are the only mutation; the row is deleted on
// disconnect or unrecoverable failure.
type BridgeConnection struct {
	UserID    string           `json:"user_id"`
	Platform  Platform         `json:"platform"`
	Status    ConnectionStatus `json:"status"`
	RoomID    string           `json:"room_id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// BridgeRoom is a bridged room as seen by the resolver. Never persisted.
type BridgeRoom struct {
	RoomID       string  `json:"room_id"`
	DisplayName  string  `json:"display_name"`
	CleanName    string  `json:"clean_name"`
	LastActivity int64   `json:"last_activity"`
	Score        float64 `json:"score,omitempty"`
}

// MatrixAccount holds the homeserver credentials used to build a user's client.
type MatrixAccount struct {
	UserID      string    `json:"user_id"`
	MXID        string    `json:"mxid"`
	AccessToken string    `json:"-"`
	DeviceID    string    `json:"device_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}
