package bridge

import (
	"context"
	"time"

	"lightfriend/internal/models"
)

// ConnectionStore persists BridgeConnection rows. Only the lifecycle
// manager writes; the resolver and pipeline read to gate access.
type ConnectionStore interface {
	ReserveConnection(ctx context.Context, userID string, platform models.Platform) error
	SetConnectionRoom(ctx context.Context, userID string, platform models.Platform, roomID string) error
	UpdateConnectionStatus(ctx context.Context, userID string, platform models.Platform, status models.ConnectionStatus) error
	GetConnection(ctx context.Context, userID string, platform models.Platform) (*models.BridgeConnection, error)
	DeleteConnection(ctx context.Context, userID string, platform models.Platform) error
	ListConnections(ctx context.Context, userID string) ([]models.BridgeConnection, error)
	HasActiveConnections(ctx context.Context, userID string) (bool, error)
	DeleteStaleConnections(ctx context.Context, olderThan time.Time) ([]models.BridgeConnection, error)
}

// SettingsStore reads per-user settings.
type SettingsStore interface {
	GetUserSettings(ctx context.Context, userID string) (*models.UserSettings, error)
}
