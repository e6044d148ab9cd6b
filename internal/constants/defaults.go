package constants

// Default lifecycle values
const (
	DefaultBotJoinPollAttempts     = 15
	DefaultBotJoinPollIntervalMs   = 500
	DefaultMonitorSyncTimeoutSec   = 10
	DefaultMonitorPollIntervalMs   = 2000
	DefaultMonitorCeilingSec       = 300
	DefaultMonitorEventWindow      = 20
	DefaultHandshakeMaxAttempts    = 3
	DefaultLogoutWaitMs            = 2000
	DefaultSyncRetryInitialMs      = 1000
	DefaultSyncRetryMaxSec         = 60
	DefaultStaleConnectionMinutes  = 30
	DefaultLoginCommand            = "login"
	DefaultLogoutCommand           = "logout"
	DefaultManagementRoomPrefix    = "Bridge: "
	DefaultRoomCreatePreset        = "private_chat"
	DefaultClientInitTimeoutSec    = 30
	DefaultFetchTimeoutSec         = 30
	DefaultActivityEventWindow     = 10
	DefaultResolverFanOut          = 16
	DefaultSimilarityThreshold     = 0.7
	DefaultSearchResultLimit       = 15
	DefaultRecentRoomCap           = 10
	DefaultHistoryPageSize         = 50
	DefaultHistoryPageCap          = 10
	DefaultFetchMessageLimit       = 20
	DefaultMaxFetchMessageLimit    = 100
	DefaultSMSBodyTruncateLength   = 100
	DefaultContactDisplayLimit     = 5
	DefaultMessageDisplayLimit     = 15
	DefaultConfirmationTTLMinutes  = 10
	DefaultCleanupSchedule         = "@every 15m"
	DefaultHTTPTimeoutSec          = 30
	DefaultDatabaseRetryAttempts   = 3
	DefaultGracefulShutdownSec     = 30
	DefaultServerPort              = 8082
	DefaultServerReadTimeoutSec    = 15
	DefaultServerWriteTimeoutSec   = 120
	DefaultServerIdleTimeoutSec    = 60
	DefaultMediaMaxSizeMB          = 25
	DefaultMediaDownloadTimeoutSec = 30
	DefaultNotifyTimeoutSec        = 10
	ServerErrorChannelSize         = 1
)

// Exact-match and substring scores used by the room resolver
const (
	ExactMatchScore     = 2.0
	SubstringMatchScore = 1.0
	JaroWinklerPrefix   = 4
)

// DefaultErrorKeywords are the bridge bot reply fragments that mean a login failed.
var DefaultErrorKeywords = []string{
	"error",
	"failed",
	"timeout",
	"disconnected",
	"invalid",
	"connection lost",
	"authentication failed",
	"login failed",
}

// DefaultSuccessPhrases are the bridge bot reply fragments that mean a login succeeded.
var DefaultSuccessPhrases = []string{
	"successful login",
	"successfully logged in",
}

// DefaultDroppedBodies are bridge placeholder bodies that never reach the user.
var DefaultDroppedBodies = []string{
	"failed to bridge media",
	"unable to decrypt",
	"message could not be decrypted",
}

// DefaultAllowedMediaPrefixes are the MIME families accepted for outbound media.
var DefaultAllowedMediaPrefixes = []string{
	"image/",
	"video/",
	"audio/",
	"application/pdf",
}

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// Database encryption
const (
	EncryptionSalt    = "lightfriend-bridge-store-v1"
	EncryptionKeySize = 32
	EncryptionNonce   = 12
	EncryptionRounds  = 100000
)

// Input limits
const (
	MaxUserIDLength       = 128
	MaxMessageBodyLength  = 4000
	MaxLoginPayloadLength = 256
	MinPhoneNumberDigits  = 7
	MaxPhoneNumberDigits  = 15
)
