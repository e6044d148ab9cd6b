package bridge

import (
	"context"
	"sync"
	"time"

	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/matrix"
	"lightfriend/internal/metrics"
	"lightfriend/internal/models"
	"lightfriend/internal/privacy"
	"lightfriend/internal/retry"
	"lightfriend/internal/service"
	"lightfriend/internal/tracing"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// Manager drives the login handshake with a platform's bridge bot and
// owns every BridgeConnection status transition.
type Manager struct {
	cache    matrix.ClientCache
	store    ConnectionStore
	registry *Registry
	config   models.LifecycleConfig
	logger   *logrus.Logger

	// handshakeBackoff spaces one-time-key recovery attempts.
	handshakeBackoff retry.BackoffConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]*monitor

	now func() time.Time
}

// monitor is one running login watch; its address identifies the owner
// of a monitors entry.
type monitor struct {
	stop context.CancelFunc
}

func NewManager(cache matrix.ClientCache, store ConnectionStore, registry *Registry, config models.LifecycleConfig, logger *logrus.Logger) *Manager {
	config = lifecycleDefaults(config)
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cache:    cache,
		store:    store,
		registry: registry,
		config:   config,
		logger:   logger,
		handshakeBackoff: retry.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  config.HandshakeMaxAttempts,
			Jitter:       true,
		},
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(map[string]*monitor),
		now:      time.Now,
	}
}

func lifecycleDefaults(c models.LifecycleConfig) models.LifecycleConfig {
	if c.BotJoinPollAttempts <= 0 {
		c.BotJoinPollAttempts = constants.DefaultBotJoinPollAttempts
	}
	if c.BotJoinPollIntervalMs <= 0 {
		c.BotJoinPollIntervalMs = constants.DefaultBotJoinPollIntervalMs
	}
	if c.MonitorSyncTimeoutSec <= 0 {
		c.MonitorSyncTimeoutSec = constants.DefaultMonitorSyncTimeoutSec
	}
	if c.MonitorPollIntervalMs <= 0 {
		c.MonitorPollIntervalMs = constants.DefaultMonitorPollIntervalMs
	}
	if c.MonitorCeilingSec <= 0 {
		c.MonitorCeilingSec = constants.DefaultMonitorCeilingSec
	}
	if c.HandshakeMaxAttempts <= 0 {
		c.HandshakeMaxAttempts = constants.DefaultHandshakeMaxAttempts
	}
	if c.LogoutWaitMs < 0 {
		c.LogoutWaitMs = 0
	}
	if c.StaleAfterMinutes <= 0 {
		c.StaleAfterMinutes = constants.DefaultStaleConnectionMinutes
	}
	return c
}

func monitorKey(userID string, platform models.Platform) string {
	return userID + "|" + string(platform)
}

func (m *Manager) log(userID string, platform models.Platform) *logrus.Entry {
	return m.logger.WithFields(logrus.Fields{
		service.LogFieldUserID:   privacy.MaskUserID(userID),
		service.LogFieldPlatform: platform,
	})
}

// StartConnection reserves the connection row, runs the login handshake
// and starts monitoring the management room. The returned channel yields
// the outcome once: nil when the bridge reports a successful login.
func (m *Manager) StartConnection(ctx context.Context, userID string, platform models.Platform, payload string) (<-chan error, error) {
	ctx, span := tracing.StartSpan(ctx, "bridge.start_connection",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrPlatform.String(string(platform)))
	result, err := m.startConnection(ctx, userID, platform, payload)
	tracing.EndSpan(span, err)
	return result, err
}

func (m *Manager) startConnection(ctx context.Context, userID string, platform models.Platform, payload string) (<-chan error, error) {
	spec, err := m.registry.Spec(platform)
	if err != nil {
		return nil, err
	}
	if err := m.store.ReserveConnection(ctx, userID, platform); err != nil {
		return nil, err
	}

	roomID, err := m.handshake(ctx, userID, spec, payload)
	if err == nil {
		err = m.store.SetConnectionRoom(ctx, userID, platform, string(roomID))
	}
	if err != nil {
		m.abandon(context.WithoutCancel(ctx), userID, platform)
		m.countLogin(platform, "handshake_failed")
		return nil, err
	}

	service.LogWithContext(ctx, m.logger, logrus.Fields{
		service.LogFieldUserID:   userID,
		service.LogFieldPlatform: platform,
		service.LogFieldRoomID:   roomID,
	}).Info("Completed bridge handshake")

	result := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(result)
		result <- m.MonitorConnection(m.ctx, userID, platform)
	}()
	return result, nil
}

// handshake retries the whole exchange when the session store hits a
// one-time-key conflict, resetting the store before each retry.
func (m *Manager) handshake(ctx context.Context, userID string, spec *PlatformSpec, payload string) (id.RoomID, error) {
	logger := m.log(userID, spec.Platform)
	backoff := retry.NewBackoff(m.handshakeBackoff).OnRetry(func(attempt int, err error, delay time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{
			service.LogFieldAttempt:  attempt,
			service.LogFieldDuration: delay.Milliseconds(),
		}).Warn("Retrying bridge handshake")
	})

	var roomID id.RoomID
	err := backoff.RetryWithPredicate(ctx, func() error {
		var err error
		roomID, err = m.attemptHandshake(ctx, userID, spec, payload)
		if matrix.IsOneTimeKeyConflict(err) {
			metrics.IncrementCounter("bridge_otk_resets_total", map[string]string{"platform": string(spec.Platform)}, "Session store resets after one-time-key conflicts")
			if resetErr := m.cache.Reset(ctx, userID); resetErr != nil {
				logger.WithError(resetErr).Warn("Failed to reset session store")
			}
		}
		return err
	}, matrix.IsOneTimeKeyConflict)
	return roomID, err
}

func (m *Manager) attemptHandshake(ctx context.Context, userID string, spec *PlatformSpec, payload string) (id.RoomID, error) {
	handle, err := m.cache.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}
	handle.Lock()
	defer handle.Unlock()

	cli := handle.Client
	bot := spec.Bot(cli.UserID())

	roomID, err := cli.CreateRoom(ctx, constants.DefaultManagementRoomPrefix+spec.Platform.DisplayName(), nil)
	if err != nil {
		return "", err
	}
	if err := cli.InviteUser(ctx, roomID, bot); err != nil {
		return "", err
	}
	if err := m.waitForBot(ctx, cli, roomID, bot); err != nil {
		return "", err
	}
	if _, err := cli.SendText(ctx, roomID, spec.LoginCommand); err != nil {
		return "", err
	}
	if payload != "" {
		if _, err := cli.SendText(ctx, roomID, payload); err != nil {
			return "", err
		}
	}
	return roomID, nil
}

func (m *Manager) waitForBot(ctx context.Context, cli matrix.Client, roomID id.RoomID, bot id.UserID) error {
	interval := time.Duration(m.config.BotJoinPollIntervalMs) * time.Millisecond
	for attempt := 0; attempt < m.config.BotJoinPollAttempts; attempt++ {
		members, err := cli.JoinedMembers(ctx, roomID)
		if err == nil {
			if _, ok := members[bot]; ok {
				return nil
			}
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
	}
	total := time.Duration(m.config.BotJoinPollAttempts) * interval
	return appErrors.NewTimeoutError("waiting for bridge bot to join", total.String())
}

// MonitorConnection watches the management room until the bridge bot
// reports the login outcome or the ceiling passes. Failure and timeout
// delete the row; cancellation of ctx leaves it for RecoverStale.
func (m *Manager) MonitorConnection(ctx context.Context, userID string, platform models.Platform) error {
	return m.monitorFor(ctx, userID, platform, time.Duration(m.config.MonitorCeilingSec)*time.Second)
}

func (m *Manager) monitorFor(ctx context.Context, userID string, platform models.Platform, ceiling time.Duration) error {
	router, err := m.registry.Router(platform)
	if err != nil {
		return err
	}
	conn, err := m.store.GetConnection(ctx, userID, platform)
	if err != nil {
		return err
	}
	if conn == nil || conn.RoomID == "" {
		return appErrors.NewNotConnectedError(platform.DisplayName())
	}

	ctx, stop := context.WithCancel(ctx)
	key := monitorKey(userID, platform)
	self := &monitor{stop: stop}
	m.mu.Lock()
	if prev, ok := m.monitors[key]; ok {
		prev.stop()
	}
	m.monitors[key] = self
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.monitors[key] == self {
			delete(m.monitors, key)
		}
		m.mu.Unlock()
		stop()
	}()

	ceilCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	logger := m.log(userID, platform).WithField(service.LogFieldRoomID, privacy.MaskMXID(conn.RoomID))
	logger.Info("Starting bridge login monitor")

	roomID := id.RoomID(conn.RoomID)
	sinceMs := conn.CreatedAt.UnixMilli()
	syncTimeout := time.Duration(m.config.MonitorSyncTimeoutSec) * time.Second
	interval := time.Duration(m.config.MonitorPollIntervalMs) * time.Millisecond

	for {
		action, found := m.poll(ceilCtx, userID, roomID, router, sinceMs, syncTimeout, logger)
		if found {
			return m.settle(ctx, userID, platform, action, logger)
		}
		if err := sleepCtx(ceilCtx, interval); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		logger.Info("Stopped bridge login monitor")
		return ctx.Err()
	}
	m.abandon(context.WithoutCancel(ctx), userID, platform)
	m.countLogin(platform, "timeout")
	logger.Warn("Bridge login timed out")
	return appErrors.NewTimeoutError(platform.DisplayName()+" login", ceiling.String())
}

// poll syncs once and routes the newest management-room events. The most
// recent routed reply wins.
func (m *Manager) poll(ctx context.Context, userID string, roomID id.RoomID, router RoomMessageRouter, sinceMs int64, syncTimeout time.Duration, logger *logrus.Entry) (Action, bool) {
	handle, err := m.cache.GetOrCreate(ctx, userID)
	if err != nil {
		logger.WithError(err).Debug("Client unavailable during login monitor")
		return Action{}, false
	}
	if err := handle.Client.SyncOnce(ctx, syncTimeout); err != nil {
		logger.WithError(err).Debug("Sync failed during login monitor")
	}
	page, err := handle.Client.Messages(ctx, roomID, "", constants.DefaultMonitorEventWindow)
	if err != nil {
		logger.WithError(err).Debug("Failed to read management room")
		return Action{}, false
	}
	for _, evt := range page.Events {
		if evt.Timestamp < sinceMs {
			break
		}
		if action, ok := router.Route(evt); ok {
			logger.WithField(service.LogFieldEventType, action.Kind.String()).Debug("Routed bridge bot reply")
			return action, true
		}
	}
	return Action{}, false
}

func (m *Manager) settle(ctx context.Context, userID string, platform models.Platform, action Action, logger *logrus.Entry) error {
	if action.Kind == ActionLoginSucceeded {
		if err := m.store.UpdateConnectionStatus(ctx, userID, platform, models.StatusConnected); err != nil {
			return err
		}
		if err := m.cache.StartSync(m.ctx, userID, m.syncHandler(userID)); err != nil {
			logger.WithError(err).Warn("Failed to start continuous sync")
		}
		m.countLogin(platform, "success")
		logger.Info("Bridge connected")
		return nil
	}

	m.abandon(context.WithoutCancel(ctx), userID, platform)
	m.countLogin(platform, "failure")
	logger.WithField(service.LogFieldStatus, action.Kind.String()).Warn("Bridge login failed")
	return appErrors.NewLoginFailedError(platform.DisplayName(), action.Reason)
}

// syncHandler flips a connected row to error when its bridge bot reports
// a disconnection in the management room.
func (m *Manager) syncHandler(userID string) matrix.EventHandler {
	return func(ctx context.Context, evt matrix.Event) {
		platform, ok := m.registry.BotPlatform(evt.Sender)
		if !ok {
			return
		}
		conn, err := m.store.GetConnection(ctx, userID, platform)
		if err != nil || conn == nil || conn.Status != models.StatusConnected || conn.RoomID != string(evt.RoomID) {
			return
		}
		router, err := m.registry.Router(platform)
		if err != nil {
			return
		}
		action, ok := router.Route(evt)
		if !ok || action.Kind == ActionLoginSucceeded {
			return
		}

		logger := m.log(userID, platform)
		if err := m.store.UpdateConnectionStatus(ctx, userID, platform, models.StatusError); err != nil {
			logger.WithError(err).Error("Failed to record bridge disconnection")
			return
		}
		m.countDisconnect(platform, "bot_reported")
		logger.WithField(service.LogFieldStatus, action.Kind.String()).Warn("Bridge reported disconnection")
	}
}

// Disconnect sends the logout command on a best-effort basis, deletes the
// row and releases the client once the user has no active bridges.
func (m *Manager) Disconnect(ctx context.Context, userID string, platform models.Platform) error {
	spec, err := m.registry.Spec(platform)
	if err != nil {
		return err
	}
	conn, err := m.store.GetConnection(ctx, userID, platform)
	if err != nil {
		return err
	}
	if conn == nil {
		return appErrors.NewNotConnectedError(platform.DisplayName())
	}

	m.mu.Lock()
	if mon, ok := m.monitors[monitorKey(userID, platform)]; ok {
		mon.stop()
	}
	m.mu.Unlock()

	logger := m.log(userID, platform)
	if conn.RoomID != "" && conn.Status == models.StatusConnected {
		if err := m.sendLogout(ctx, userID, spec, id.RoomID(conn.RoomID)); err != nil {
			logger.WithError(err).Warn("Failed to send bridge logout command")
		} else if err := sleepCtx(ctx, time.Duration(m.config.LogoutWaitMs)*time.Millisecond); err != nil {
			return err
		}
	}

	if err := m.store.DeleteConnection(ctx, userID, platform); err != nil {
		return err
	}
	m.releaseIfIdle(ctx, userID)
	m.countDisconnect(platform, "user_requested")
	logger.Info("Bridge disconnected")
	return nil
}

func (m *Manager) sendLogout(ctx context.Context, userID string, spec *PlatformSpec, roomID id.RoomID) error {
	handle, err := m.cache.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	handle.Lock()
	defer handle.Unlock()
	_, err = handle.Client.SendText(ctx, roomID, spec.LogoutCommand)
	return err
}

// Status returns the connection row, or a not_connected placeholder.
func (m *Manager) Status(ctx context.Context, userID string, platform models.Platform) (*models.BridgeConnection, error) {
	if _, err := m.registry.Spec(platform); err != nil {
		return nil, err
	}
	conn, err := m.store.GetConnection(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return &models.BridgeConnection{UserID: userID, Platform: platform, Status: models.StatusNotConnected}, nil
	}
	return conn, nil
}

func (m *Manager) ListConnections(ctx context.Context, userID string) ([]models.BridgeConnection, error) {
	return m.store.ListConnections(ctx, userID)
}

// RecoverStale deletes connecting and error rows not updated within the
// stale window and returns how many were removed.
func (m *Manager) RecoverStale(ctx context.Context) (int, error) {
	olderThan := time.Now().Add(-time.Duration(m.config.StaleAfterMinutes) * time.Minute)
	removed, err := m.store.DeleteStaleConnections(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	users := make(map[string]bool)
	for _, conn := range removed {
		m.mu.Lock()
		if mon, ok := m.monitors[monitorKey(conn.UserID, conn.Platform)]; ok {
			mon.stop()
		}
		m.mu.Unlock()
		users[conn.UserID] = true
		m.log(conn.UserID, conn.Platform).WithField(service.LogFieldStatus, conn.Status).Info("Removed stale bridge connection")
	}
	for userID := range users {
		m.releaseIfIdle(ctx, userID)
	}
	return len(removed), nil
}

// ResumeSync restarts continuous sync for connected rows and login
// monitors for rows still connecting, as after a process restart. A
// resumed monitor only gets what is left of the ceiling since the row was
// reserved.
func (m *Manager) ResumeSync(ctx context.Context) error {
	conns, err := m.store.ListConnections(ctx, "")
	if err != nil {
		return err
	}
	for _, conn := range conns {
		switch conn.Status {
		case models.StatusConnected:
			if err := m.cache.StartSync(m.ctx, conn.UserID, m.syncHandler(conn.UserID)); err != nil {
				m.log(conn.UserID, conn.Platform).WithError(err).Warn("Failed to resume continuous sync")
			}
		case models.StatusConnecting:
			if conn.RoomID == "" {
				continue
			}
			ceiling := time.Duration(m.config.MonitorCeilingSec) * time.Second
			remaining := ceiling - m.now().Sub(conn.CreatedAt)
			if remaining <= 0 {
				m.abandon(ctx, conn.UserID, conn.Platform)
				m.countLogin(conn.Platform, "timeout")
				m.log(conn.UserID, conn.Platform).Warn("Bridge login expired before restart")
				continue
			}
			m.wg.Add(1)
			go func(conn models.BridgeConnection) {
				defer m.wg.Done()
				if err := m.monitorFor(m.ctx, conn.UserID, conn.Platform, remaining); err != nil && m.ctx.Err() == nil {
					m.log(conn.UserID, conn.Platform).WithError(err).Warn("Resumed bridge login did not complete")
				}
			}(conn)
		}
	}
	return nil
}

// abandon deletes a failed connection row.
func (m *Manager) abandon(ctx context.Context, userID string, platform models.Platform) {
	if err := m.store.DeleteConnection(ctx, userID, platform); err != nil {
		m.log(userID, platform).WithError(err).Error("Failed to delete bridge connection")
	}
	m.releaseIfIdle(ctx, userID)
}

func (m *Manager) releaseIfIdle(ctx context.Context, userID string) {
	active, err := m.store.HasActiveConnections(ctx, userID)
	if err != nil {
		m.logger.WithError(err).WithField(service.LogFieldUserID, privacy.MaskUserID(userID)).Warn("Failed to check active bridges")
		return
	}
	if !active {
		m.cache.Remove(userID)
	}
}

func (m *Manager) countLogin(platform models.Platform, status string) {
	metrics.IncrementCounter("bridge_logins_total", map[string]string{"platform": string(platform), "status": status}, "Bridge login attempts by outcome")
}

func (m *Manager) countDisconnect(platform models.Platform, reason string) {
	metrics.IncrementCounter("bridge_disconnects_total", map[string]string{"platform": string(platform), "reason": reason}, "Bridge disconnections by reason")
}

// Close stops running monitors and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

