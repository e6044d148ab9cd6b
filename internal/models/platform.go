package models

import (
	"fmt"
	"strings"
)

// Platform identifies an external chat network reachable through a bridge.
type Platform string

const (
	PlatformTelegram  Platform = "telegram"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformSignal    Platform = "signal"
	PlatformInstagram Platform = "instagram"
)

// AllPlatforms lists every platform the lifecycle manager can connect.
var AllPlatforms = []Platform{PlatformTelegram, PlatformWhatsApp, PlatformSignal, PlatformInstagram}

// ParsePlatform accepts a case-insensitive platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllPlatforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// SupportsMessaging reports whether the platform is exposed through the chat tools.
// Instagram shares the lifecycle manager but has no messaging tools.
func (p Platform) SupportsMessaging() bool {
	switch p {
	case PlatformTelegram, PlatformWhatsApp, PlatformSignal:
		return true
	default:
		return false
	}
}

// DisplayName is the capitalized name used in SMS text.
func (p Platform) DisplayName() string {
	switch p {
	case PlatformTelegram:
		return "Telegram"
	case PlatformWhatsApp:
		return "WhatsApp"
	case PlatformSignal:
		return "Signal"
	case PlatformInstagram:
		return "Instagram"
	default:
		return string(p)
	}
}

func (p Platform) String() string {
	return string(p)
}
