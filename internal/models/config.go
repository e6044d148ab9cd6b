package models

// Config holds the application configuration
type Config struct {
	Matrix       MatrixConfig            `json:"matrix" yaml:"matrix"`
	Bridges      map[string]BridgeConfig `json:"bridges" yaml:"bridges"`
	Lifecycle    LifecycleConfig         `json:"lifecycle" yaml:"lifecycle"`
	Resolver     ResolverConfig          `json:"resolver" yaml:"resolver"`
	Confirmation ConfirmationConfig      `json:"confirmation" yaml:"confirmation"`
	Media        MediaConfig             `json:"media" yaml:"media"`
	Database     DatabaseConfig          `json:"database" yaml:"database"`
	Server       ServerConfig            `json:"server" yaml:"server"`
	Notify       NotifyConfig            `json:"notify" yaml:"notify"`
	Scheduler    SchedulerConfig         `json:"scheduler" yaml:"scheduler"`
	Retry        RetryConfig             `json:"retry" yaml:"retry"`
	Tracing      TracingConfig           `json:"tracing" yaml:"tracing"`
	LogLevel     string                  `json:"log_level" yaml:"log_level"`
}

// MatrixConfig holds homeserver related configuration
type MatrixConfig struct {
	HomeserverURL    string `json:"homeserver_url" yaml:"homeserver_url"`
	SessionDir       string `json:"session_dir" yaml:"session_dir"`
	EnableEncryption bool   `json:"enable_encryption" yaml:"enable_encryption"`
	// PickleKeyEnv names the environment variable holding the crypto store pickle key.
	PickleKeyEnv string `json:"pickle_key_env" yaml:"pickle_key_env"`
	// ClientInitTimeoutSec bounds session restore and crypto setup.
	ClientInitTimeoutSec int `json:"client_init_timeout_sec" yaml:"client_init_timeout_sec"`
}

// BridgeConfig overrides the built-in description of one platform's bridge.
// Room tagging is driven entirely by PuppetPrefix and RoomSuffixes.
type BridgeConfig struct {
	BotMXID        string   `json:"bot_mxid" yaml:"bot_mxid"`
	PuppetPrefix   string   `json:"puppet_prefix" yaml:"puppet_prefix"`
	RoomSuffixes   []string `json:"room_suffixes" yaml:"room_suffixes"`
	LoginCommand   string   `json:"login_command" yaml:"login_command"`
	LogoutCommand  string   `json:"logout_command" yaml:"logout_command"`
	SuccessPhrases []string `json:"success_phrases" yaml:"success_phrases"`
	ErrorKeywords  []string `json:"error_keywords" yaml:"error_keywords"`
}

// LifecycleConfig bounds the login handshake and monitor loop
type LifecycleConfig struct {
	BotJoinPollAttempts   int `json:"bot_join_poll_attempts" yaml:"bot_join_poll_attempts"`
	BotJoinPollIntervalMs int `json:"bot_join_poll_interval_ms" yaml:"bot_join_poll_interval_ms"`
	MonitorSyncTimeoutSec int `json:"monitor_sync_timeout_sec" yaml:"monitor_sync_timeout_sec"`
	MonitorPollIntervalMs int `json:"monitor_poll_interval_ms" yaml:"monitor_poll_interval_ms"`
	MonitorCeilingSec     int `json:"monitor_ceiling_sec" yaml:"monitor_ceiling_sec"`
	HandshakeMaxAttempts  int `json:"handshake_max_attempts" yaml:"handshake_max_attempts"`
	LogoutWaitMs          int `json:"logout_wait_ms" yaml:"logout_wait_ms"`
	StaleAfterMinutes     int `json:"stale_after_minutes" yaml:"stale_after_minutes"`
}

// ResolverConfig tunes room enumeration and message fetching
type ResolverConfig struct {
	FanOut              int     `json:"fan_out" yaml:"fan_out"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	SearchResultLimit   int     `json:"search_result_limit" yaml:"search_result_limit"`
	RecentRoomCap       int     `json:"recent_room_cap" yaml:"recent_room_cap"`
	ActivityEventWindow int     `json:"activity_event_window" yaml:"activity_event_window"`
	HistoryPageSize     int     `json:"history_page_size" yaml:"history_page_size"`
	HistoryPageCap      int     `json:"history_page_cap" yaml:"history_page_cap"`
	FetchTimeoutSec     int     `json:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// ConfirmationConfig holds send confirmation settings
type ConfirmationConfig struct {
	TTLMinutes int `json:"ttl_minutes" yaml:"ttl_minutes"`
	// Store is "sqlite" (default) or "memory".
	Store string `json:"store" yaml:"store"`
}

// MediaConfig holds outbound media settings
type MediaConfig struct {
	MaxSizeMB          int      `json:"max_size_mb" yaml:"max_size_mb"`
	AllowedMIMEPrefix  []string `json:"allowed_mime_prefixes" yaml:"allowed_mime_prefixes"`
	DownloadTimeoutSec int      `json:"download_timeout_sec" yaml:"download_timeout_sec"`
	AllowPrivateHosts  bool     `json:"allow_private_hosts" yaml:"allow_private_hosts"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Port            int    `json:"port" yaml:"port"`
	APIToken        string `json:"api_token" yaml:"api_token"`
	ReadTimeoutSec  int    `json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec" yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	// TrustProxy honours X-Forwarded-For when logging client addresses.
	TrustProxy bool `json:"trust_proxy" yaml:"trust_proxy"`
}

// NotifyConfig selects how outbound SMS text leaves the gateway
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
}

// SchedulerConfig holds cleanup scheduling
type SchedulerConfig struct {
	CleanupSpec string `json:"cleanup_spec" yaml:"cleanup_spec"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	MaxAttempts      int `json:"max_attempts" yaml:"max_attempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
	UseStdout      bool    `json:"use_stdout" yaml:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
