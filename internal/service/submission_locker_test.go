package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSubmissionLockKey(t *testing.T) {
	require.Equal(t, "submission:42:7", SubmissionLockKey(42, 7))
}

func TestLocalSubmissionLockerSerialises(t *testing.T) {
	locker := NewLocalSubmissionLocker()
	key := SubmissionLockKey(1, 2)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), key)
			if err != nil {
				return
			}
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
}

func TestLocalSubmissionLockerHonoursContext(t *testing.T) {
	locker := NewLocalSubmissionLocker()
	key := SubmissionLockKey(1, 2)

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, key)
	require.ErrorIs(t, err, ErrLockUnavailable)

	other, err := locker.Lock(context.Background(), SubmissionLockKey(1, 3))
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)
	again()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestRedisSubmissionLocker(t *testing.T) {
	server, client := newTestRedis(t)
	locker := NewRedisSubmissionLocker(client, "test:lock", time.Minute, testLogger())
	key := SubmissionLockKey(4, 5)

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)
	require.True(t, server.Exists("test:lock:submission:4:5"))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, key)
	require.ErrorIs(t, err, ErrLockUnavailable)

	unlock()
	require.False(t, server.Exists("test:lock:submission:4:5"))

	again, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestRedisSubmissionLockerReleaseKeepsForeignHolder(t *testing.T) {
	server, client := newTestRedis(t)
	locker := NewRedisSubmissionLocker(client, "test:lock", time.Second, testLogger())
	key := SubmissionLockKey(4, 5)

	stale, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	server.FastForward(2 * time.Second)

	current, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	stale()
	require.True(t, server.Exists("test:lock:submission:4:5"))

	current()
	require.False(t, server.Exists("test:lock:submission:4:5"))
}

func TestRedisSubmissionLockerWaitsForRelease(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisSubmissionLocker(client, "", 0, testLogger())
	key := SubmissionLockKey(9, 9)

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		next, err := locker.Lock(context.Background(), key)
		if err == nil {
			next()
		}
		acquired <- err
	}()

	time.Sleep(80 * time.Millisecond)
	unlock()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRedisSubmissionLockerRefreshesHeldLock(t *testing.T) {
	server, client := newTestRedis(t)
	locker := NewRedisSubmissionLocker(client, "test:lock", 300*time.Millisecond, testLogger())
	redisKey := "test:lock:submission:6:6"
	key := SubmissionLockKey(6, 6)

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	// Each round consumes most of the TTL; only the refresh keeps the key alive.
	for i := 0; i < 3; i++ {
		server.FastForward(250 * time.Millisecond)
		require.True(t, server.Exists(redisKey))
		require.Eventually(t, func() bool {
			return server.TTL(redisKey) > 200*time.Millisecond
		}, 2*time.Second, 10*time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, key)
	require.ErrorIs(t, err, ErrLockUnavailable)

	unlock()
	require.False(t, server.Exists(redisKey))
}

func TestRedisSubmissionLockerStopsRefreshingLostLock(t *testing.T) {
	server, client := newTestRedis(t)
	locker := NewRedisSubmissionLocker(client, "test:lock", 300*time.Millisecond, testLogger())
	redisKey := "test:lock:submission:6:7"

	unlock, err := locker.Lock(context.Background(), SubmissionLockKey(6, 7))
	require.NoError(t, err)

	server.FastForward(time.Second)
	require.False(t, server.Exists(redisKey))
	require.NoError(t, server.Set(redisKey, "someone-else"))
	server.SetTTL(redisKey, 5*time.Second)

	time.Sleep(250 * time.Millisecond)
	require.Equal(t, 5*time.Second, server.TTL(redisKey))

	unlock()
	require.True(t, server.Exists(redisKey))
}
