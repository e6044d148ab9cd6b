package bridge

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"lightfriend/internal/database"
	"lightfriend/internal/matrix"
	"lightfriend/internal/matrix/matrixtest"
	"lightfriend/internal/models"
	"lightfriend/internal/retry"
	"lightfriend/pkg/media"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const testUser = "user-1"

type testEnv struct {
	db       *database.Database
	factory  *matrixtest.Factory
	client   *matrixtest.Client
	cache    *matrix.Cache
	registry *Registry
	resolver *Resolver
	pipeline *Pipeline
	manager  *Manager
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := newTestLogger()

	db, err := database.New(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := matrixtest.NewClient(matrixtest.UserID("alice"))
	factory := matrixtest.NewFactory()
	factory.Set(testUser, client)

	cache := matrix.NewCache(factory, matrix.CacheConfig{
		InitTimeout: 5 * time.Second,
		SyncBackoff: retry.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  1,
		},
	}, logger)

	registry := NewRegistry(nil)
	resolver := NewResolver(cache, db, registry, models.ResolverConfig{}, logger)
	fetcher := media.NewFetcherWithClient(models.MediaConfig{AllowPrivateHosts: true}, http.DefaultClient)
	pipeline := NewPipeline(resolver, db, fetcher, logger)

	manager := NewManager(cache, db, registry, models.LifecycleConfig{
		BotJoinPollAttempts:   3,
		BotJoinPollIntervalMs: 5,
		MonitorSyncTimeoutSec: 1,
		MonitorPollIntervalMs: 10,
		MonitorCeilingSec:     1,
	}, logger)
	manager.handshakeBackoff.InitialDelay = time.Millisecond
	manager.handshakeBackoff.MaxDelay = 5 * time.Millisecond

	t.Cleanup(func() {
		manager.Close()
		cache.Close()
	})

	return &testEnv{
		db:       db,
		factory:  factory,
		client:   client,
		cache:    cache,
		registry: registry,
		resolver: resolver,
		pipeline: pipeline,
		manager:  manager,
	}
}

// connect records a connected bridge without running the handshake.
func (e *testEnv) connect(t *testing.T, platform models.Platform) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.ReserveConnection(ctx, testUser, platform))
	require.NoError(t, e.db.UpdateConnectionStatus(ctx, testUser, platform, models.StatusConnected))
}

func puppet(platform models.Platform, n string) id.UserID {
	return matrixtest.UserID(string(platform) + "_" + n)
}

func bot(platform models.Platform) id.UserID {
	return matrixtest.UserID(string(platform) + "bot")
}

func day(s string) time.Time {
	ts, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}
	return ts
}
