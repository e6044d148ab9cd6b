package matrix_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	appErrors "lightfriend/internal/errors"
	"lightfriend/internal/matrix"
	"lightfriend/internal/matrix/matrixtest"
	"lightfriend/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testCacheConfig() matrix.CacheConfig {
	return matrix.CacheConfig{
		InitTimeout: time.Second,
		SyncBackoff: retry.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  1,
		},
	}
}

func TestCache_GetOrCreateReusesHandle(t *testing.T) {
	factory := matrixtest.NewFactory()
	factory.Set("u1", matrixtest.NewClient(matrixtest.UserID("alice")))
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())
	defer cache.Close()

	h1, err := cache.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	h2, err := cache.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	calls, _ := factory.Stats()
	assert.Equal(t, 1, calls)
}

func TestCache_ConcurrentGetOrCreateIsSingleFlight(t *testing.T) {
	factory := matrixtest.NewFactory()
	factory.Delay = 50 * time.Millisecond
	factory.Set("u1", matrixtest.NewClient(matrixtest.UserID("alice")))
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())
	defer cache.Close()

	const callers = 10
	handles := make([]*matrix.Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := cache.GetOrCreate(context.Background(), "u1")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	calls, _ := factory.Stats()
	assert.Equal(t, 1, calls)
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestCache_InitFailureIsClientInitError(t *testing.T) {
	factory := matrixtest.NewFactory()
	factory.FailNext(errors.New("homeserver unreachable"))
	factory.Set("u1", matrixtest.NewClient(matrixtest.UserID("alice")))
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())
	defer cache.Close()

	_, err := cache.GetOrCreate(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeClientInit))

	// failures are not cached
	h, err := cache.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestCache_OneTimeKeyConflictKeepsCode(t *testing.T) {
	factory := matrixtest.NewFactory()
	factory.FailNext(appErrors.New(appErrors.ErrCodeOneTimeKeyConflict, "otk"))
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())
	defer cache.Close()

	_, err := cache.GetOrCreate(context.Background(), "u1")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCodeOneTimeKeyConflict))
}

func TestCache_StartSyncRunsOneLoop(t *testing.T) {
	client := matrixtest.NewClient(matrixtest.UserID("alice"))
	factory := matrixtest.NewFactory()
	factory.Set("u1", client)
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())
	defer cache.Close()

	received := make(chan matrix.Event, 4)
	handler := func(ctx context.Context, evt matrix.Event) { received <- evt }

	require.NoError(t, cache.StartSync(context.Background(), "u1", handler))
	require.NoError(t, cache.StartSync(context.Background(), "u1", handler))
	assert.True(t, cache.IsSyncing("u1"))

	client.Deliver(matrix.Event{Type: event.EventMessage.Type, Body: "hello"})
	select {
	case evt := <-received:
		assert.Equal(t, "hello", evt.Body)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, received)
}

func TestCache_StartSyncSurvivesCallerCancel(t *testing.T) {
	client := matrixtest.NewClient(matrixtest.UserID("alice"))
	factory := matrixtest.NewFactory()
	factory.Set("u1", client)
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan matrix.Event, 1)
	require.NoError(t, cache.StartSync(ctx, "u1", func(ctx context.Context, evt matrix.Event) { received <- evt }))
	cancel()

	client.Deliver(matrix.Event{Body: "still here"})
	select {
	case evt := <-received:
		assert.Equal(t, "still here", evt.Body)
	case <-time.After(time.Second):
		t.Fatal("sync loop stopped with the caller's context")
	}
}

func TestCache_SyncLoopRestartsAfterFailure(t *testing.T) {
	client := matrixtest.NewClient(matrixtest.UserID("alice"))
	client.Fail("Sync", errors.New("connection reset"))
	factory := matrixtest.NewFactory()
	factory.Set("u1", client)
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())
	defer cache.Close()

	received := make(chan matrix.Event, 1)
	require.NoError(t, cache.StartSync(context.Background(), "u1", func(ctx context.Context, evt matrix.Event) { received <- evt }))

	time.Sleep(30 * time.Millisecond)
	client.Fail("Sync", nil)
	client.Deliver(matrix.Event{Body: "recovered"})

	select {
	case evt := <-received:
		assert.Equal(t, "recovered", evt.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("sync loop did not recover")
	}
}

func TestCache_RemoveStopsSyncAndClosesClient(t *testing.T) {
	client := matrixtest.NewClient(matrixtest.UserID("alice"))
	factory := matrixtest.NewFactory()
	factory.Set("u1", client)
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())

	require.NoError(t, cache.StartSync(context.Background(), "u1", func(context.Context, matrix.Event) {}))
	cache.Remove("u1")

	assert.False(t, cache.IsSyncing("u1"))
	assert.True(t, client.IsClosed())

	// a later call builds a fresh handle
	_, err := cache.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	calls, _ := factory.Stats()
	assert.Equal(t, 2, calls)
}

func TestCache_ResetClearsSession(t *testing.T) {
	factory := matrixtest.NewFactory()
	factory.Set("u1", matrixtest.NewClient(matrixtest.UserID("alice")))
	cache := matrix.NewCache(factory, testCacheConfig(), quietLogger())
	defer cache.Close()

	_, err := cache.GetOrCreate(context.Background(), "u1")
	require.NoError(t, err)
	require.NoError(t, cache.Reset(context.Background(), "u1"))

	_, resets := factory.Stats()
	assert.Equal(t, 1, resets)
}
