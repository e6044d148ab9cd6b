package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/matrix"
	"lightfriend/internal/matrix/matrixtest"
	"lightfriend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const familyRoom = id.RoomID("!family:example.org")

func seedFamily(c *matrixtest.Client) {
	tg := models.PlatformTelegram
	mum := puppet(tg, "11")
	dad := puppet(tg, "12")
	c.AddRoom(familyRoom, "Family (Telegram)", map[id.UserID]string{mum: "Mum", dad: ""})

	c.AddText(familyRoom, mum, "Dinner at 7", day("2024-03-16 17:00"))
	c.AddText(familyRoom, c.UserID(), "On my way", day("2024-03-16 17:05"))
	c.AddText(familyRoom, "@someone:example.org", "matrix-only chatter", day("2024-03-16 17:06"))
	c.AddEvent(matrix.Event{RoomID: familyRoom, Sender: dad, Type: event.EventMessage.Type, MsgType: event.MsgImage, Body: "IMG_0001.jpg", Timestamp: day("2024-03-16 17:10").UnixMilli()})
	c.AddEvent(matrix.Event{RoomID: familyRoom, Sender: dad, Type: event.EventMessage.Type, MsgType: event.MsgNotice, Body: "Failed to bridge media: too large", Timestamp: day("2024-03-16 17:11").UnixMilli()})
	c.AddEvent(matrix.Event{RoomID: familyRoom, Sender: dad, Type: "m.reaction", Timestamp: day("2024-03-16 17:12").UnixMilli()})
	c.AddEvent(matrix.Event{RoomID: familyRoom, Sender: mum, Type: event.EventMessage.Type, MsgType: event.MsgLocation, Body: "geo:60.1,24.9", Timestamp: day("2024-03-16 17:15").UnixMilli()})
}

func TestFetchMessages_NormalizesAndFilters(t *testing.T) {
	env := newTestEnv(t)
	seedFamily(env.client)
	env.connect(t, models.PlatformTelegram)

	msgs, err := env.pipeline.FetchMessages(context.Background(), testUser, models.PlatformTelegram, "family", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, "📍 LOCATION", msgs[0].Content)
	assert.Equal(t, "Mum", msgs[0].SenderDisplayName)

	assert.Equal(t, "📎 IMAGE", msgs[1].Content)
	assert.Equal(t, "telegram_12", msgs[1].SenderDisplayName)
	assert.Equal(t, models.MessageTypeImage, msgs[1].MessageType)

	assert.Equal(t, "On my way", msgs[2].Content)
	assert.Equal(t, "You", msgs[2].SenderDisplayName)

	assert.Equal(t, "Dinner at 7", msgs[3].Content)
	assert.Equal(t, day("2024-03-16 17:00").Unix(), msgs[3].Timestamp)
	assert.Equal(t, "2024-03-16 17:00:00 UTC", msgs[3].FormattedTimestamp)
	assert.Equal(t, "Family", msgs[3].RoomName)
}

func TestFetchMessages_UsesUserTimezone(t *testing.T) {
	env := newTestEnv(t)
	seedFamily(env.client)
	env.connect(t, models.PlatformTelegram)
	require.NoError(t, env.db.SaveUserSettings(context.Background(), &models.UserSettings{UserID: testUser, Timezone: "America/New_York"}))

	msgs, err := env.pipeline.FetchMessages(context.Background(), testUser, models.PlatformTelegram, "family", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasSuffix(msgs[0].FormattedTimestamp, "EDT"), msgs[0].FormattedTimestamp)
}

func TestFetchMessages_PagesUntilLimit(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.config.HistoryPageSize = 5
	tg := models.PlatformTelegram
	env.client.AddRoom("!busy:example.org", "Busy (Telegram)", map[id.UserID]string{puppet(tg, "1"): "Busy"})
	start := day("2024-03-01 08:00")
	for i := 0; i < 30; i++ {
		env.client.AddText("!busy:example.org", puppet(tg, "1"), "msg", start.Add(time.Duration(i)*time.Minute))
	}
	env.connect(t, tg)

	msgs, err := env.pipeline.FetchMessages(context.Background(), testUser, tg, "busy", 12)
	require.NoError(t, err)
	require.Len(t, msgs, 12)
	assert.Equal(t, start.Add(29*time.Minute).Unix(), msgs[0].Timestamp)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i-1].Timestamp, msgs[i].Timestamp)
	}
}

func TestFetchMessages_RoomNotFound(t *testing.T) {
	env := newTestEnv(t)
	seedFamily(env.client)
	env.connect(t, models.PlatformTelegram)

	_, err := env.pipeline.FetchMessages(context.Background(), testUser, models.PlatformTelegram, "xyzzy", 10)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeRoomNotFound))
}

func TestFetchRecentMessages_SinceAcrossRooms(t *testing.T) {
	env := newTestEnv(t)
	sig := models.PlatformSignal
	rooms := []struct {
		id   id.RoomID
		name string
		at   time.Time
	}{
		{"!old:example.org", "Old (Signal)", day("2024-03-15 10:00")},
		{"!mid:example.org", "Mid (Signal)", day("2024-03-17 10:00")},
		{"!new:example.org", "New (Signal)", day("2024-03-18 10:00")},
	}
	for i, r := range rooms {
		sender := puppet(sig, string(rune('a'+i)))
		env.client.AddRoom(r.id, r.name, map[id.UserID]string{sender: r.name})
		env.client.AddText(r.id, sender, "before", r.at.Add(-72*time.Hour))
		env.client.AddText(r.id, sender, "latest from "+r.name, r.at)
	}
	env.connect(t, sig)

	msgs, err := env.pipeline.FetchRecentMessages(context.Background(), testUser, sig, day("2024-03-16 00:00"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "New", msgs[0].RoomName)
	assert.Equal(t, "Mid", msgs[1].RoomName)
}

func TestFetchRecentMessages_DegradesPerRoom(t *testing.T) {
	env := newTestEnv(t)
	sig := models.PlatformSignal
	env.client.AddRoom("!a:example.org", "A (Signal)", map[id.UserID]string{puppet(sig, "a"): "A"})
	env.client.AddText("!a:example.org", puppet(sig, "a"), "hi", day("2024-03-18 10:00"))
	env.client.AddRoom("!b:example.org", "B (Signal)", map[id.UserID]string{puppet(sig, "b"): "B"})
	env.client.Fail("Messages:!b:example.org", assert.AnError)
	env.connect(t, sig)

	msgs, err := env.pipeline.FetchRecentMessages(context.Background(), testUser, sig, day("2024-03-01 00:00"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestSendMessage_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	seedFamily(env.client)
	env.connect(t, models.PlatformTelegram)
	fixed := day("2024-03-20 12:00")
	env.pipeline.now = func() time.Time { return fixed }
	ctx := context.Background()

	receipt, err := env.pipeline.SendMessage(ctx, testUser, models.PlatformTelegram, "family", "Running late", "")
	require.NoError(t, err)
	assert.Equal(t, "You", receipt.SenderDisplayName)
	assert.Equal(t, "Running late", receipt.Content)
	assert.Equal(t, fixed.Unix(), receipt.Timestamp)
	assert.Equal(t, "Family", receipt.RoomName)

	require.Len(t, env.client.Sent, 1)
	sent := env.client.Sent[0]
	assert.Equal(t, familyRoom, sent.RoomID)
	assert.True(t, strings.HasPrefix(sent.TxnID, "lf-"))
	assert.Equal(t, event.MsgText, sent.Content.MsgType)

	msgs, err := env.pipeline.FetchMessages(ctx, testUser, models.PlatformTelegram, "family", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Running late", msgs[0].Content)
	assert.Equal(t, "You", msgs[0].SenderDisplayName)
}

func TestSendMessage_RequiresExactName(t *testing.T) {
	env := newTestEnv(t)
	seedFamily(env.client)
	env.connect(t, models.PlatformTelegram)

	_, err := env.pipeline.SendMessage(context.Background(), testUser, models.PlatformTelegram, "fam", "hi", "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeAmbiguousMatch))
	assert.Empty(t, env.client.Sent)
}

func TestSendMessage_WithMedia(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	seedFamily(env.client)
	env.connect(t, models.PlatformTelegram)

	receipt, err := env.pipeline.SendMessage(context.Background(), testUser, models.PlatformTelegram, "Family", "", srv.URL+"/snap")
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeImage, receipt.MessageType)
	assert.Equal(t, "📎 IMAGE", receipt.Content)

	require.Len(t, env.client.Uploads, 1)
	assert.Equal(t, "image/png", env.client.Uploads[0].ContentType)

	require.Len(t, env.client.Sent, 1)
	content := env.client.Sent[0].Content
	assert.Equal(t, event.MsgImage, content.MsgType)
	assert.Equal(t, "snap.png", content.Body)
	assert.Equal(t, env.client.Uploads[0].URI, content.URL)
	assert.Equal(t, "image/png", content.Info.MimeType)
}

func TestSendMessage_MediaFailureSendsNothing(t *testing.T) {
	env := newTestEnv(t)
	seedFamily(env.client)
	env.connect(t, models.PlatformTelegram)

	_, err := env.pipeline.SendMessage(context.Background(), testUser, models.PlatformTelegram, "Family", "look", "ftp://example.org/a.png")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeMediaFetchFailed))
	assert.Empty(t, env.client.Sent)
}
