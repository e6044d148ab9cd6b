// Package bridge holds the per-platform bridge descriptions, the lifecycle
// manager that logs bridges in and out, and the room resolver and message
// pipeline that read and write bridged rooms.
package bridge

import (
	"strings"

	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/matrix"
	"lightfriend/internal/models"

	"maunium.net/go/mautrix/id"
)

// PlatformSpec describes how one platform's bridge appears on the homeserver.
type PlatformSpec struct {
	Platform models.Platform
	// BotLocalpart is combined with the user's homeserver unless BotMXID is set.
	BotLocalpart string
	BotMXID      id.UserID
	// PuppetPrefix is the localpart prefix of the bridge's ghost users.
	PuppetPrefix string
	// RoomSuffixes are stripped from room names and tag rooms without puppets.
	RoomSuffixes      []string
	LoginCommand      string
	LogoutCommand     string
	SuccessPhrases    []string
	DisconnectPhrases []string
	ErrorKeywords     []string
}

// Bot returns the bridge bot's id on the homeserver of self.
func (s *PlatformSpec) Bot(self id.UserID) id.UserID {
	if s.BotMXID != "" {
		return s.BotMXID
	}
	return id.UserID("@" + s.BotLocalpart + ":" + matrix.Server(self))
}

// IsPuppet reports whether userID is one of the bridge's ghost users.
func (s *PlatformSpec) IsPuppet(userID id.UserID) bool {
	return s.PuppetPrefix != "" && strings.HasPrefix(matrix.Localpart(userID), s.PuppetPrefix)
}

// IsBot reports whether userID is the bridge bot, on any homeserver.
func (s *PlatformSpec) IsBot(userID id.UserID) bool {
	if s.BotMXID != "" {
		return userID == s.BotMXID
	}
	return matrix.Localpart(userID) == s.BotLocalpart
}

// OwnsRoom is the room-tagging predicate: a room belongs to the platform
// when a joined member is one of its puppets, or when the room name ends
// with one of its suffixes.
func (s *PlatformSpec) OwnsRoom(name string, members map[id.UserID]string) bool {
	for userID := range members {
		if s.IsPuppet(userID) {
			return true
		}
	}
	for _, suffix := range s.RoomSuffixes {
		if suffix != "" && strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// IsManagementRoom reports whether the room only holds the bridge bot and the user.
func (s *PlatformSpec) IsManagementRoom(members map[id.UserID]string, self id.UserID) bool {
	hasBot := false
	for userID := range members {
		switch {
		case s.IsBot(userID):
			hasBot = true
		case userID == self:
		default:
			return false
		}
	}
	return hasBot
}

// CleanName strips the platform suffix from a room name.
func (s *PlatformSpec) CleanName(name string) string {
	for _, suffix := range s.RoomSuffixes {
		if suffix != "" && strings.HasSuffix(name, suffix) {
			return strings.TrimSpace(strings.TrimSuffix(name, suffix))
		}
	}
	return strings.TrimSpace(name)
}

func defaultSpecs() map[models.Platform]PlatformSpec {
	common := func(p models.Platform, suffix string, disconnect ...string) PlatformSpec {
		name := string(p)
		return PlatformSpec{
			Platform:          p,
			BotLocalpart:      name + "bot",
			PuppetPrefix:      name + "_",
			RoomSuffixes:      []string{suffix},
			LoginCommand:      constants.DefaultLoginCommand,
			LogoutCommand:     constants.DefaultLogoutCommand,
			SuccessPhrases:    constants.DefaultSuccessPhrases,
			DisconnectPhrases: disconnect,
			ErrorKeywords:     constants.DefaultErrorKeywords,
		}
	}
	return map[models.Platform]PlatformSpec{
		models.PlatformTelegram:  common(models.PlatformTelegram, " (Telegram)", "logged out", "session was terminated"),
		models.PlatformWhatsApp:  common(models.PlatformWhatsApp, " (WA)", "logged out", "was logged out from your phone", "disconnected from whatsapp"),
		models.PlatformSignal:    common(models.PlatformSignal, " (Signal)", "logged out", "device was unlinked"),
		models.PlatformInstagram: common(models.PlatformInstagram, " (Instagram)", "logged out", "session expired"),
	}
}

// Registry resolves platforms to their bridge descriptions and routers.
type Registry struct {
	specs map[models.Platform]*PlatformSpec
}

// NewRegistry starts from the built-in descriptions and applies the
// non-empty fields of each override.
func NewRegistry(overrides map[string]models.BridgeConfig) *Registry {
	r := &Registry{specs: make(map[models.Platform]*PlatformSpec)}
	for p, spec := range defaultSpecs() {
		if o, ok := overrides[string(p)]; ok {
			applyOverride(&spec, o)
		}
		r.specs[p] = &spec
	}
	return r
}

func applyOverride(spec *PlatformSpec, o models.BridgeConfig) {
	if o.BotMXID != "" {
		spec.BotMXID = id.UserID(o.BotMXID)
		spec.BotLocalpart = matrix.Localpart(spec.BotMXID)
	}
	if o.PuppetPrefix != "" {
		spec.PuppetPrefix = o.PuppetPrefix
	}
	if len(o.RoomSuffixes) > 0 {
		spec.RoomSuffixes = o.RoomSuffixes
	}
	if o.LoginCommand != "" {
		spec.LoginCommand = o.LoginCommand
	}
	if o.LogoutCommand != "" {
		spec.LogoutCommand = o.LogoutCommand
	}
	if len(o.SuccessPhrases) > 0 {
		spec.SuccessPhrases = o.SuccessPhrases
	}
	if len(o.ErrorKeywords) > 0 {
		spec.ErrorKeywords = o.ErrorKeywords
	}
}

func (r *Registry) Spec(p models.Platform) (*PlatformSpec, error) {
	spec, ok := r.specs[p]
	if !ok {
		return nil, appErrors.NewUnsupportedPlatformError(string(p))
	}
	return spec, nil
}

// BotPlatform returns the platform whose bridge bot is userID.
func (r *Registry) BotPlatform(userID id.UserID) (models.Platform, bool) {
	for _, p := range models.AllPlatforms {
		if spec, ok := r.specs[p]; ok && spec.IsBot(userID) {
			return p, true
		}
	}
	return "", false
}
