package config

import (
	"os"
	"path/filepath"
	"testing"

	"lightfriend/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"matrix": {
			"homeserver_url": "https://matrix.example.com",
			"session_dir": "sessions"
		},
		"bridges": {
			"whatsapp": {"room_suffixes": [" (WA)"]}
		},
		"database": {"path": "lightfriend.db"},
		"resolver": {"fan_out": 4},
		"confirmation": {"store": "memory"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://matrix.example.com", cfg.Matrix.HomeserverURL)
	assert.Equal(t, 4, cfg.Resolver.FanOut)
	assert.Equal(t, "memory", cfg.Confirmation.Store)
	assert.Equal(t, []string{" (WA)"}, cfg.Bridges["whatsapp"].RoomSuffixes)

	// defaults
	assert.Equal(t, constants.DefaultSimilarityThreshold, cfg.Resolver.SimilarityThreshold)
	assert.Equal(t, constants.DefaultBotJoinPollAttempts, cfg.Lifecycle.BotJoinPollAttempts)
	assert.Equal(t, constants.DefaultMonitorCeilingSec, cfg.Lifecycle.MonitorCeilingSec)
	assert.Equal(t, constants.DefaultConfirmationTTLMinutes, cfg.Confirmation.TTLMinutes)
	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, constants.DefaultCleanupSchedule, cfg.Scheduler.CleanupSpec)
	assert.Equal(t, constants.DefaultAllowedMediaPrefixes, cfg.Media.AllowedMIMEPrefix)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
matrix:
  homeserver_url: http://localhost:8008
  session_dir: /var/lib/lightfriend/sessions
  enable_encryption: true
database:
  path: /var/lib/lightfriend/lightfriend.db
bridges:
  telegram:
    bot_mxid: "@tg:localhost"
    puppet_prefix: tg_
server:
  port: 9000
log_level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Matrix.EnableEncryption)
	assert.Equal(t, "@tg:localhost", cfg.Bridges["telegram"].BotMXID)
	assert.Equal(t, "tg_", cfg.Bridges["telegram"].PuppetPrefix)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Confirmation.Store)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing homeserver",
			content: `{"matrix": {"session_dir": "s"}, "database": {"path": "db"}}`,
			wantErr: "missing Matrix homeserver URL",
		},
		{
			name:    "bad homeserver scheme",
			content: `{"matrix": {"homeserver_url": "ftp://x", "session_dir": "s"}, "database": {"path": "db"}}`,
			wantErr: "invalid Matrix homeserver URL",
		},
		{
			name:    "missing database",
			content: `{"matrix": {"homeserver_url": "https://m.example.com", "session_dir": "s"}}`,
			wantErr: "missing database path",
		},
		{
			name:    "traversal in database path",
			content: `{"matrix": {"homeserver_url": "https://m.example.com", "session_dir": "s"}, "database": {"path": "../db"}}`,
			wantErr: "invalid database path",
		},
		{
			name:    "unknown platform",
			content: `{"matrix": {"homeserver_url": "https://m.example.com", "session_dir": "s"}, "database": {"path": "db"}, "bridges": {"myspace": {}}}`,
			wantErr: "unknown bridge platform",
		},
		{
			name:    "unknown confirmation store",
			content: `{"matrix": {"homeserver_url": "https://m.example.com", "session_dir": "s"}, "database": {"path": "db"}, "confirmation": {"store": "redis"}}`,
			wantErr: "unknown confirmation store",
		},
		{
			name:    "malformed json",
			content: `{"matrix": `,
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_PathValidation(t *testing.T) {
	_, err := LoadConfig("../config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config path")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"matrix": {"homeserver_url": "https://file.example.com", "session_dir": "s"},
		"database": {"path": "file.db"}
	}`)

	t.Setenv("LIGHTFRIEND_HOMESERVER_URL", "https://env.example.com")
	t.Setenv("LIGHTFRIEND_DB_PATH", "env.db")
	t.Setenv("LIGHTFRIEND_NOTIFY_WEBHOOK_URL", "https://sms.example.com/hook")
	t.Setenv("LIGHTFRIEND_API_TOKEN", "token-from-env")
	t.Setenv("PORT", "7777")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Matrix.HomeserverURL)
	assert.Equal(t, "env.db", cfg.Database.Path)
	assert.Equal(t, "https://sms.example.com/hook", cfg.Notify.WebhookURL)
	assert.Equal(t, "token-from-env", cfg.Server.APIToken)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestValidateSecurity_Production(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"matrix": {"homeserver_url": "https://m.example.com", "session_dir": "s"},
		"database": {"path": "db"}
	}`)
	t.Setenv("LIGHTFRIEND_ENV", "production")

	t.Run("missing token", func(t *testing.T) {
		t.Setenv("LIGHTFRIEND_API_TOKEN", "")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API token is required")
	})

	t.Run("short token", func(t *testing.T) {
		t.Setenv("LIGHTFRIEND_API_TOKEN", "short")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 characters")
	})

	t.Run("strong token", func(t *testing.T) {
		t.Setenv("LIGHTFRIEND_API_TOKEN", "0123456789abcdef0123456789abcdef")
		_, err := LoadConfig(path)
		assert.NoError(t, err)
	})
}
