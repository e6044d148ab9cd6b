package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/matrix"
	"lightfriend/internal/metrics"
	"lightfriend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const loginPayload = "+15551234567"

// replyTo makes the platform's bot answer the login payload with body.
func (e *testEnv) replyTo(platform models.Platform, body string) {
	e.client.OnText = func(roomID id.RoomID, text string) {
		if text != loginPayload {
			return
		}
		e.client.AddEvent(matrix.Event{
			RoomID:  roomID,
			Sender:  bot(platform),
			Type:    event.EventMessage.Type,
			MsgType: event.MsgNotice,
			Body:    body,
		})
	}
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not finish")
		return nil
	}
}

// disconnectCount reads the disconnect counter for one platform and reason.
func disconnectCount(platform models.Platform, reason string) float64 {
	for _, c := range metrics.GetSnapshot().Counters {
		if c.Name == "bridge_disconnects_total" && c.Labels["platform"] == string(platform) && c.Labels["reason"] == reason {
			return c.Value
		}
	}
	return 0
}

func (e *testEnv) reserveWithRoom(t *testing.T, platform models.Platform) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.ReserveConnection(ctx, testUser, platform))
	require.NoError(t, e.db.SetConnectionRoom(ctx, testUser, platform, "!mgmt:example.org"))
}

func (e *testEnv) hasMonitor(platform models.Platform) bool {
	e.manager.mu.Lock()
	defer e.manager.mu.Unlock()
	_, ok := e.manager.monitors[monitorKey(testUser, platform)]
	return ok
}

func TestStartConnection_Success(t *testing.T) {
	env := newTestEnv(t)
	env.replyTo(models.PlatformTelegram, "Successfully logged in as +15551234567")
	ctx := context.Background()

	result, err := env.manager.StartConnection(ctx, testUser, models.PlatformTelegram, loginPayload)
	require.NoError(t, err)
	require.NoError(t, waitResult(t, result))

	conn, err := env.manager.Status(ctx, testUser, models.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, conn.Status)
	assert.NotEmpty(t, conn.RoomID)

	assert.Equal(t, []string{"login", loginPayload}, env.client.Texts)
	members := env.client.Members(id.RoomID(conn.RoomID))
	assert.Contains(t, members, bot(models.PlatformTelegram))
	assert.True(t, env.cache.IsSyncing(testUser))
}

func TestStartConnection_LoginFailed(t *testing.T) {
	env := newTestEnv(t)
	env.replyTo(models.PlatformTelegram, "Login failed: invalid code")
	ctx := context.Background()

	result, err := env.manager.StartConnection(ctx, testUser, models.PlatformTelegram, loginPayload)
	require.NoError(t, err)

	err = waitResult(t, result)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeLoginFailed))
	assert.Contains(t, appErrors.GetUserMessage(err), "invalid code")

	conn, err := env.db.GetConnection(ctx, testUser, models.PlatformTelegram)
	require.NoError(t, err)
	assert.Nil(t, conn)
	assert.True(t, env.client.IsClosed())
}

func TestStartConnection_DuplicateRejectedThenTimesOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.manager.StartConnection(ctx, testUser, models.PlatformWhatsApp, loginPayload)
	require.NoError(t, err)

	_, err = env.manager.StartConnection(ctx, testUser, models.PlatformWhatsApp, loginPayload)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeAlreadyConnected))

	conns, err := env.manager.ListConnections(ctx, testUser)
	require.NoError(t, err)
	assert.Len(t, conns, 1)

	err = waitResult(t, result)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeProtocolTimeout))

	conn, err := env.db.GetConnection(ctx, testUser, models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestStartConnection_BotNeverJoins(t *testing.T) {
	env := newTestEnv(t)
	env.client.AutoJoin = false
	ctx := context.Background()

	_, err := env.manager.StartConnection(ctx, testUser, models.PlatformSignal, loginPayload)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeProtocolTimeout))
	assert.Empty(t, env.client.Texts)

	conn, err := env.db.GetConnection(ctx, testUser, models.PlatformSignal)
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestStartConnection_RetriesAfterOneTimeKeyConflict(t *testing.T) {
	env := newTestEnv(t)
	env.replyTo(models.PlatformTelegram, "Successfully logged in")
	otk := appErrors.WrapRetryable(errors.New("one time key signed_curve25519:AAAAAQ already exists"),
		appErrors.ErrCodeOneTimeKeyConflict, "one-time key upload conflict")
	env.factory.FailNext(otk)

	result, err := env.manager.StartConnection(context.Background(), testUser, models.PlatformTelegram, loginPayload)
	require.NoError(t, err)
	require.NoError(t, waitResult(t, result))

	calls, resets := env.factory.Stats()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, resets)
}

func TestStartConnection_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	otk := appErrors.WrapRetryable(errors.New("boom"), appErrors.ErrCodeOneTimeKeyConflict, "one-time key upload conflict")
	env.factory.FailNext(otk, otk, otk, otk)

	_, err := env.manager.StartConnection(context.Background(), testUser, models.PlatformTelegram, loginPayload)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeOneTimeKeyConflict))

	_, resets := env.factory.Stats()
	assert.Equal(t, 3, resets)
}

func TestStartConnection_UnknownPlatform(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.StartConnection(context.Background(), testUser, "myspace", loginPayload)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeUnsupportedPlatform))
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.replyTo(models.PlatformTelegram, "Successfully logged in")
	ctx := context.Background()

	result, err := env.manager.StartConnection(ctx, testUser, models.PlatformTelegram, loginPayload)
	require.NoError(t, err)
	require.NoError(t, waitResult(t, result))

	userBefore := disconnectCount(models.PlatformTelegram, "user_requested")
	botBefore := disconnectCount(models.PlatformTelegram, "bot_reported")
	require.NoError(t, env.manager.Disconnect(ctx, testUser, models.PlatformTelegram))
	assert.Equal(t, "logout", env.client.Texts[len(env.client.Texts)-1])
	assert.Equal(t, userBefore+1, disconnectCount(models.PlatformTelegram, "user_requested"))
	assert.Equal(t, botBefore, disconnectCount(models.PlatformTelegram, "bot_reported"))

	conn, err := env.manager.Status(ctx, testUser, models.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotConnected, conn.Status)
	assert.True(t, env.client.IsClosed())
	assert.False(t, env.cache.IsSyncing(testUser))

	err = env.manager.Disconnect(ctx, testUser, models.PlatformTelegram)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeBridgeNotConnected))
}

func TestDisconnect_KeepsClientForOtherBridges(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, models.PlatformTelegram)
	env.connect(t, models.PlatformSignal)
	ctx := context.Background()
	_, err := env.cache.GetOrCreate(ctx, testUser)
	require.NoError(t, err)

	require.NoError(t, env.manager.Disconnect(ctx, testUser, models.PlatformSignal))
	assert.False(t, env.client.IsClosed())
}

func TestSyncHandler_FlagsDisconnection(t *testing.T) {
	env := newTestEnv(t)
	env.replyTo(models.PlatformSignal, "Successfully logged in")
	ctx := context.Background()

	result, err := env.manager.StartConnection(ctx, testUser, models.PlatformSignal, loginPayload)
	require.NoError(t, err)
	require.NoError(t, waitResult(t, result))

	conn, err := env.db.GetConnection(ctx, testUser, models.PlatformSignal)
	require.NoError(t, err)
	before := disconnectCount(models.PlatformSignal, "bot_reported")

	// chatter elsewhere is ignored
	env.client.Deliver(matrix.Event{RoomID: "!other:example.org", Sender: bot(models.PlatformSignal), Type: event.EventMessage.Type, MsgType: event.MsgNotice, Body: "logged out"})
	env.client.Deliver(matrix.Event{RoomID: id.RoomID(conn.RoomID), Sender: bot(models.PlatformSignal), Type: event.EventMessage.Type, MsgType: event.MsgNotice, Body: "Your device was unlinked"})

	require.Eventually(t, func() bool {
		conn, err := env.db.GetConnection(ctx, testUser, models.PlatformSignal)
		return err == nil && conn != nil && conn.Status == models.StatusError
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, before+1, disconnectCount(models.PlatformSignal, "bot_reported"))
}

func TestRecoverStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.db.ReserveConnection(ctx, testUser, models.PlatformWhatsApp))
	env.connect(t, models.PlatformTelegram)

	n, err := env.manager.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// push the window into the future so the fresh row counts as stale
	env.manager.config.StaleAfterMinutes = -1
	n, err = env.manager.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conns, err := env.manager.ListConnections(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, models.PlatformTelegram, conns[0].Platform)
}

func TestResumeSync(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, models.PlatformTelegram)

	require.NoError(t, env.manager.ResumeSync(context.Background()))
	assert.True(t, env.cache.IsSyncing(testUser))
}

func TestResumeSync_ExpiredLoginIsAbandoned(t *testing.T) {
	env := newTestEnv(t)
	env.reserveWithRoom(t, models.PlatformWhatsApp)
	env.manager.now = func() time.Time { return time.Now().Add(time.Minute) }

	require.NoError(t, env.manager.ResumeSync(context.Background()))

	conn, err := env.db.GetConnection(context.Background(), testUser, models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Nil(t, conn)
	assert.False(t, env.hasMonitor(models.PlatformWhatsApp))
}

func TestResumeSync_MonitorsWithinRemainingCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.manager.config.MonitorCeilingSec = 60
	env.reserveWithRoom(t, models.PlatformWhatsApp)
	// at most two seconds of the 60s ceiling are left after the restart
	env.manager.now = func() time.Time { return time.Now().Add(58 * time.Second) }

	require.NoError(t, env.manager.ResumeSync(context.Background()))
	require.Eventually(t, func() bool { return env.hasMonitor(models.PlatformWhatsApp) }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		conn, err := env.db.GetConnection(context.Background(), testUser, models.PlatformWhatsApp)
		return err == nil && conn == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMonitorConnection_ReplacedMonitorKeepsNewEntry(t *testing.T) {
	env := newTestEnv(t)
	env.manager.config.MonitorCeilingSec = 30
	env.reserveWithRoom(t, models.PlatformTelegram)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan error, 1)
	go func() { first <- env.manager.MonitorConnection(ctx, testUser, models.PlatformTelegram) }()
	require.Eventually(t, func() bool { return env.hasMonitor(models.PlatformTelegram) }, 3*time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- env.manager.MonitorConnection(ctx, testUser, models.PlatformTelegram) }()

	// the second monitor stops the first when it registers
	assert.ErrorIs(t, waitResult(t, first), context.Canceled)
	assert.True(t, env.hasMonitor(models.PlatformTelegram))

	cancel()
	assert.ErrorIs(t, waitResult(t, second), context.Canceled)
	assert.False(t, env.hasMonitor(models.PlatformTelegram))
}
