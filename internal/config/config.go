package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lightfriend/internal/constants"
	"lightfriend/internal/models"
	"lightfriend/internal/security"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingHomeserverURL = models.ConfigError{Message: "missing Matrix homeserver URL"}
	ErrMissingDBPath        = models.ConfigError{Message: "missing database path"}
	ErrMissingSessionDir    = models.ConfigError{Message: "missing Matrix session directory"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, &config)
	default:
		err = json.Unmarshal(file, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Matrix.HomeserverURL == "" {
		return ErrMissingHomeserverURL
	}
	u, err := url.Parse(c.Matrix.HomeserverURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return models.ConfigError{Message: fmt.Sprintf("invalid Matrix homeserver URL: %s", c.Matrix.HomeserverURL)}
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}
	if c.Matrix.SessionDir == "" {
		return ErrMissingSessionDir
	}
	if err := security.ValidateFilePath(c.Matrix.SessionDir); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid session directory: %v", err)}
	}

	for name, bridge := range c.Bridges {
		if _, err := models.ParsePlatform(name); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("unknown bridge platform %q", name)}
		}
		for _, suffix := range bridge.RoomSuffixes {
			if strings.TrimSpace(suffix) == "" {
				return models.ConfigError{Message: fmt.Sprintf("empty room suffix for bridge %q", name)}
			}
		}
	}

	if c.Resolver.SimilarityThreshold <= 0 || c.Resolver.SimilarityThreshold > 1 {
		return models.ConfigError{Message: "similarity_threshold must be in (0, 1]"}
	}

	switch c.Confirmation.Store {
	case "sqlite", "memory":
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown confirmation store %q", c.Confirmation.Store)}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample_rate must be between 0 and 1"}
	}

	return nil
}

func applyDefaults(c *models.Config) {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}

	setInt(&c.Matrix.ClientInitTimeoutSec, constants.DefaultClientInitTimeoutSec)
	if c.Matrix.PickleKeyEnv == "" {
		c.Matrix.PickleKeyEnv = "LIGHTFRIEND_PICKLE_KEY"
	}

	setInt(&c.Lifecycle.BotJoinPollAttempts, constants.DefaultBotJoinPollAttempts)
	setInt(&c.Lifecycle.BotJoinPollIntervalMs, constants.DefaultBotJoinPollIntervalMs)
	setInt(&c.Lifecycle.MonitorSyncTimeoutSec, constants.DefaultMonitorSyncTimeoutSec)
	setInt(&c.Lifecycle.MonitorPollIntervalMs, constants.DefaultMonitorPollIntervalMs)
	setInt(&c.Lifecycle.MonitorCeilingSec, constants.DefaultMonitorCeilingSec)
	setInt(&c.Lifecycle.HandshakeMaxAttempts, constants.DefaultHandshakeMaxAttempts)
	setInt(&c.Lifecycle.LogoutWaitMs, constants.DefaultLogoutWaitMs)
	setInt(&c.Lifecycle.StaleAfterMinutes, constants.DefaultStaleConnectionMinutes)

	setInt(&c.Resolver.FanOut, constants.DefaultResolverFanOut)
	if c.Resolver.SimilarityThreshold == 0 {
		c.Resolver.SimilarityThreshold = constants.DefaultSimilarityThreshold
	}
	setInt(&c.Resolver.SearchResultLimit, constants.DefaultSearchResultLimit)
	setInt(&c.Resolver.RecentRoomCap, constants.DefaultRecentRoomCap)
	setInt(&c.Resolver.ActivityEventWindow, constants.DefaultActivityEventWindow)
	setInt(&c.Resolver.HistoryPageSize, constants.DefaultHistoryPageSize)
	setInt(&c.Resolver.HistoryPageCap, constants.DefaultHistoryPageCap)
	setInt(&c.Resolver.FetchTimeoutSec, constants.DefaultFetchTimeoutSec)

	setInt(&c.Confirmation.TTLMinutes, constants.DefaultConfirmationTTLMinutes)
	if c.Confirmation.Store == "" {
		c.Confirmation.Store = "sqlite"
	}

	setInt(&c.Media.MaxSizeMB, constants.DefaultMediaMaxSizeMB)
	setInt(&c.Media.DownloadTimeoutSec, constants.DefaultMediaDownloadTimeoutSec)
	if len(c.Media.AllowedMIMEPrefix) == 0 {
		c.Media.AllowedMIMEPrefix = append([]string(nil), constants.DefaultAllowedMediaPrefixes...)
	}

	setInt(&c.Server.Port, constants.DefaultServerPort)
	setInt(&c.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec)
	setInt(&c.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec)
	setInt(&c.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec)

	setInt(&c.Notify.TimeoutSec, constants.DefaultNotifyTimeoutSec)

	if c.Scheduler.CleanupSpec == "" {
		c.Scheduler.CleanupSpec = constants.DefaultCleanupSchedule
	}

	setInt(&c.Retry.InitialBackoffMs, constants.DefaultSyncRetryInitialMs)
	setInt(&c.Retry.MaxBackoffMs, constants.DefaultSyncRetryMaxSec*1000)
	setInt(&c.Retry.MaxAttempts, constants.DefaultDatabaseRetryAttempts)

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "lightfriend"
	}
	if c.Tracing.Enabled && c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if u := os.Getenv("LIGHTFRIEND_HOMESERVER_URL"); u != "" {
		c.Matrix.HomeserverURL = u
	}
	if path := os.Getenv("LIGHTFRIEND_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if u := os.Getenv("LIGHTFRIEND_NOTIFY_WEBHOOK_URL"); u != "" {
		c.Notify.WebhookURL = u
	}
	// SECURITY: the API token should come from the environment, not the file
	if token := os.Getenv("LIGHTFRIEND_API_TOKEN"); token != "" {
		c.Server.APIToken = token
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("LIGHTFRIEND_ENV") == "production"

	if isProduction {
		if c.Server.APIToken == "" {
			return models.ConfigError{Message: "API token is required in production (set LIGHTFRIEND_API_TOKEN environment variable)"}
		}
		if len(c.Server.APIToken) < 32 {
			return models.ConfigError{Message: "API token must be at least 32 characters long"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		if c.Media.AllowPrivateHosts {
			return models.ConfigError{Message: "media.allow_private_hosts must be false in production"}
		}
	} else if c.Server.APIToken == "" {
		fmt.Fprintf(os.Stderr, "WARNING: API token not set. Set LIGHTFRIEND_API_TOKEN environment variable for security.\n")
	}

	return nil
}
