package matrix

import (
	"context"
	"sync"
	"time"

	"lightfriend/internal/constants"
	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/metrics"
	"lightfriend/internal/privacy"
	"lightfriend/internal/retry"
	"lightfriend/internal/service"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Handle is the shared per-user client. Read operations may run
// concurrently; login, session reset and other client mutations must
// hold the handle's lock.
type Handle struct {
	UserID string
	Client Client

	mu sync.Mutex
}

func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// ClientCache owns one client and at most one sync loop per user.
type ClientCache interface {
	GetOrCreate(ctx context.Context, userID string) (*Handle, error)
	// StartSync starts the user's continuous sync loop if it is not running.
	StartSync(ctx context.Context, userID string, handler EventHandler) error
	IsSyncing(userID string) bool
	// Remove stops the sync loop and closes the client.
	Remove(userID string)
	// Reset is Remove followed by discarding the persisted session store.
	Reset(ctx context.Context, userID string) error
	Close()
}

// CacheConfig tunes client creation and sync loop recovery.
type CacheConfig struct {
	InitTimeout time.Duration
	SyncBackoff retry.BackoffConfig
}

// DefaultCacheConfig returns the production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		InitTimeout: constants.DefaultClientInitTimeoutSec * time.Second,
		SyncBackoff: retry.BackoffConfig{
			InitialDelay: constants.DefaultSyncRetryInitialMs * time.Millisecond,
			MaxDelay:     constants.DefaultSyncRetryMaxSec * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  1,
			Jitter:       true,
		},
	}
}

type cacheEntry struct {
	handle *Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// Cache is the ClientCache used in production.
type Cache struct {
	factory Factory
	config  CacheConfig
	logger  *logrus.Logger

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

var _ ClientCache = (*Cache)(nil)

func NewCache(factory Factory, config CacheConfig, logger *logrus.Logger) *Cache {
	if config.InitTimeout <= 0 {
		config.InitTimeout = constants.DefaultClientInitTimeoutSec * time.Second
	}
	return &Cache{
		factory: factory,
		config:  config,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *Cache) lookup(userID string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	return e, ok
}

// GetOrCreate returns the cached handle or builds one. Concurrent callers
// for the same user share a single factory call.
func (c *Cache) GetOrCreate(ctx context.Context, userID string) (*Handle, error) {
	if e, ok := c.lookup(userID); ok {
		return e.handle, nil
	}

	v, err, shared := c.group.Do(userID, func() (interface{}, error) {
		if e, ok := c.lookup(userID); ok {
			return e.handle, nil
		}

		// Detached from the first caller so its cancellation does not fail the others.
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.InitTimeout)
		defer cancel()

		start := time.Now()
		client, err := c.factory.NewClient(initCtx, userID)
		if err != nil {
			metrics.IncrementCounter("matrix_client_init_failures_total", nil, "Failed homeserver client initializations")
			if appErrors.HasCode(err, appErrors.ErrCodeOneTimeKeyConflict) || appErrors.HasCode(err, appErrors.ErrCodeClientInit) {
				return nil, err
			}
			return nil, appErrors.Wrap(err, appErrors.ErrCodeClientInit, "failed to initialize homeserver client").
				WithUserMessage("Sorry, I couldn't reach your chat bridges right now. Please try again later.")
		}
		metrics.Since("matrix_client_init_duration", start, nil)

		handle := &Handle{UserID: userID, Client: client}
		c.mu.Lock()
		c.entries[userID] = &cacheEntry{handle: handle}
		c.mu.Unlock()

		c.logger.WithFields(logrus.Fields{
			service.LogFieldUserID:   privacy.MaskUserID(userID),
			service.LogFieldDuration: time.Since(start).Milliseconds(),
		}).Info("Created homeserver client")
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.WithField(service.LogFieldUserID, privacy.MaskUserID(userID)).Debug("Reused in-flight client creation")
	}
	return v.(*Handle), nil
}

func (c *Cache) StartSync(ctx context.Context, userID string, handler EventHandler) error {
	if _, err := c.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return appErrors.New(appErrors.ErrCodeClientInit, "client removed before sync start")
	}
	if e.cancel != nil {
		return nil
	}

	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	go c.runSync(syncCtx, e.handle, handler, e.done)
	return nil
}

func (c *Cache) IsSyncing(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	return ok && e.cancel != nil
}

func (c *Cache) runSync(ctx context.Context, handle *Handle, handler EventHandler, done chan struct{}) {
	defer close(done)

	metrics.AddToGauge("matrix_sync_loops_active", 1, nil, "Running continuous sync loops")
	defer metrics.AddToGauge("matrix_sync_loops_active", -1, nil, "Running continuous sync loops")

	logger := c.logger.WithField(service.LogFieldUserID, privacy.MaskUserID(handle.UserID))
	logger.Info("Starting continuous sync")

	backoff := retry.NewBackoff(c.config.SyncBackoff)
	failures := 0
	for {
		started := time.Now()
		err := handle.Client.Sync(ctx, handler)
		if ctx.Err() != nil {
			logger.Info("Stopped continuous sync")
			return
		}

		// A loop that ran for a while before failing starts its backoff over.
		if time.Since(started) > c.config.SyncBackoff.MaxDelay {
			failures = 0
		}
		failures++
		delay := backoff.GetNextDelay(failures)
		metrics.IncrementCounter("matrix_sync_restarts_total", nil, "Continuous sync loop restarts")
		logger.WithError(err).WithFields(logrus.Fields{
			service.LogFieldAttempt:  failures,
			service.LogFieldDuration: delay.Milliseconds(),
		}).Warn("Retrying continuous sync")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Stopped continuous sync")
			return
		case <-timer.C:
		}
	}
}

func (c *Cache) Remove(userID string) {
	c.mu.Lock()
	e, ok := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.teardown(e)
	c.logger.WithField(service.LogFieldUserID, privacy.MaskUserID(userID)).Info("Released homeserver client")
}

func (c *Cache) teardown(e *cacheEntry) {
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.handle.Client.Close(); err != nil {
		c.logger.WithError(err).WithField(service.LogFieldUserID, privacy.MaskUserID(e.handle.UserID)).Warn("Failed to close homeserver client")
	}
	if e.done != nil {
		<-e.done
	}
}

func (c *Cache) Reset(ctx context.Context, userID string) error {
	c.Remove(userID)
	return c.factory.ResetSession(ctx, userID)
}

// Close tears down every cached client.
func (c *Cache) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	for _, e := range entries {
		c.teardown(e)
	}
}
