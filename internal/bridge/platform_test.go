package bridge

import (
	"testing"

	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/matrix"
	"lightfriend/internal/matrix/matrixtest"
	"lightfriend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestPlatformSpec_Identities(t *testing.T) {
	spec, err := NewRegistry(nil).Spec(models.PlatformWhatsApp)
	require.NoError(t, err)

	self := id.UserID("@alice:matrix.example.net")
	assert.Equal(t, id.UserID("@whatsappbot:matrix.example.net"), spec.Bot(self))
	assert.True(t, spec.IsBot("@whatsappbot:other.example"))
	assert.True(t, spec.IsPuppet("@whatsapp_4915550001:matrix.example.net"))
	assert.False(t, spec.IsPuppet("@telegram_123:matrix.example.net"))
	assert.False(t, spec.IsPuppet(self))
}

func TestPlatformSpec_OwnsRoom(t *testing.T) {
	spec, err := NewRegistry(nil).Spec(models.PlatformTelegram)
	require.NoError(t, err)

	tests := []struct {
		name     string
		roomName string
		members  map[id.UserID]string
		want     bool
	}{
		{"puppet member", "Family", map[id.UserID]string{puppet(models.PlatformTelegram, "1"): "Mum"}, true},
		{"suffix only", "Book Club (Telegram)", nil, true},
		{"other platform puppet", "Family", map[id.UserID]string{puppet(models.PlatformSignal, "1"): "Mum"}, false},
		{"plain room", "Matrix HQ", map[id.UserID]string{"@bob:example.org": "Bob"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, spec.OwnsRoom(tt.roomName, tt.members))
		})
	}
}

func TestPlatformSpec_IsManagementRoom(t *testing.T) {
	spec, err := NewRegistry(nil).Spec(models.PlatformSignal)
	require.NoError(t, err)
	self := matrixtest.UserID("alice")
	signalBot := bot(models.PlatformSignal)
	bob := puppet(models.PlatformSignal, "1")

	assert.True(t, spec.IsManagementRoom(map[id.UserID]string{self: "Me", signalBot: ""}, self))
	assert.True(t, spec.IsManagementRoom(map[id.UserID]string{signalBot: ""}, self))
	assert.False(t, spec.IsManagementRoom(map[id.UserID]string{self: "Me"}, self))
	assert.False(t, spec.IsManagementRoom(map[id.UserID]string{self: "Me", signalBot: "", bob: "Bob"}, self))
}

func TestPlatformSpec_CleanName(t *testing.T) {
	spec, err := NewRegistry(nil).Spec(models.PlatformWhatsApp)
	require.NoError(t, err)

	assert.Equal(t, "Jon Smith", spec.CleanName("Jon Smith (WA)"))
	assert.Equal(t, "Jon Smith", spec.CleanName("  Jon Smith "))
	assert.Equal(t, "Jon Smith (Telegram)", spec.CleanName("Jon Smith (Telegram)"))
}

func TestRegistry_Overrides(t *testing.T) {
	r := NewRegistry(map[string]models.BridgeConfig{
		"signal": {
			BotMXID:      "@signal-bridge:bridges.example",
			PuppetPrefix: "sig_",
			RoomSuffixes: []string{" [sig]"},
		},
	})
	spec, err := r.Spec(models.PlatformSignal)
	require.NoError(t, err)

	assert.Equal(t, id.UserID("@signal-bridge:bridges.example"), spec.Bot(matrixtest.UserID("alice")))
	assert.True(t, spec.IsPuppet("@sig_1:example.org"))
	assert.Equal(t, "Bob", spec.CleanName("Bob [sig]"))
	assert.Equal(t, "login", spec.LoginCommand)

	p, ok := r.BotPlatform("@signal-bridge:bridges.example")
	assert.True(t, ok)
	assert.Equal(t, models.PlatformSignal, p)

	_, ok = r.BotPlatform(matrixtest.UserID("alice"))
	assert.False(t, ok)
}

func TestRegistry_UnknownPlatform(t *testing.T) {
	_, err := NewRegistry(nil).Spec("myspace")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeUnsupportedPlatform))
}

func botText(platform models.Platform, body string) matrix.Event {
	return matrix.Event{
		Sender:  bot(platform),
		Type:    event.EventMessage.Type,
		MsgType: event.MsgNotice,
		Body:    body,
	}
}

func TestRouter_Route(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		name     string
		platform models.Platform
		evt      matrix.Event
		want     ActionKind
		routed   bool
	}{
		{"success", models.PlatformTelegram, botText(models.PlatformTelegram, "Successfully logged in as @alice"), ActionLoginSucceeded, true},
		{"error keyword", models.PlatformTelegram, botText(models.PlatformTelegram, "Login failed: invalid code"), ActionLoginFailed, true},
		{"disconnect", models.PlatformSignal, botText(models.PlatformSignal, "Your device was unlinked"), ActionBridgeDisconnected, true},
		{"success beats error words", models.PlatformSignal, botText(models.PlatformSignal, "Successful login, previous error cleared"), ActionLoginSucceeded, true},
		{"unsuccessful login is a failure", models.PlatformTelegram, botText(models.PlatformTelegram, "Unsuccessful login: invalid code"), ActionLoginFailed, true},
		{"negated success is a failure", models.PlatformTelegram, botText(models.PlatformTelegram, "Login was not successfully logged in: error"), ActionLoginFailed, true},
		{"success phrase inside a word", models.PlatformSignal, botText(models.PlatformSignal, "Successful loginless mode failed"), ActionLoginFailed, true},
		{"prompt is ignored", models.PlatformTelegram, botText(models.PlatformTelegram, "Please send your phone number"), 0, false},
		{"qr expiry", models.PlatformWhatsApp, botText(models.PlatformWhatsApp, "QR code expired, start over"), ActionLoginFailed, true},
		{"checkpoint", models.PlatformInstagram, botText(models.PlatformInstagram, "Instagram requires a checkpoint"), ActionLoginFailed, true},
		{"not the bot", models.PlatformTelegram, matrix.Event{
			Sender: puppet(models.PlatformTelegram, "1"), Type: event.EventMessage.Type, MsgType: event.MsgText, Body: "login failed",
		}, 0, false},
		{"not a message", models.PlatformTelegram, matrix.Event{
			Sender: bot(models.PlatformTelegram), Type: "m.room.member", Body: "error",
		}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, err := r.Router(tt.platform)
			require.NoError(t, err)
			action, ok := router.Route(tt.evt)
			assert.Equal(t, tt.routed, ok)
			if tt.routed {
				assert.Equal(t, tt.want, action.Kind)
			}
		})
	}
}

func TestRouter_FailureCarriesReason(t *testing.T) {
	router, err := NewRegistry(nil).Router(models.PlatformTelegram)
	require.NoError(t, err)

	action, ok := router.Route(botText(models.PlatformTelegram, "  login failed: invalid code "))
	require.True(t, ok)
	assert.Equal(t, "login failed: invalid code", action.Reason)
	assert.Equal(t, "login_failed", action.Kind.String())
}
