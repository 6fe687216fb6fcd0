package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/observability"
)

const (
	defaultLockTTL          = 2 * time.Minute
	defaultLockPollInterval = 50 * time.Millisecond
)

// ErrLockUnavailable indicates a submission lock could not be acquired before the context ended.
var ErrLockUnavailable = errors.New("submission is being processed by another request")

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key still holds the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// SubmissionLocker serialises writers of one (student, question) record.
type SubmissionLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// SubmissionLockKey builds the lock key for a (student, question) pair.
func SubmissionLockKey(studentID, questionID uint) string {
	return fmt.Sprintf("submission:%d:%d", studentID, questionID)
}

type localSubmissionLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	token chan struct{}
	refs  int
}

// NewLocalSubmissionLocker builds an in-process locker for single-node deployments.
func NewLocalSubmissionLocker() SubmissionLocker {
	return &localSubmissionLocker{slots: make(map[string]*lockSlot)}
}

func (l *localSubmissionLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()

	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{token: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.token <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot)
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, ctx.Err())
	}
	observability.LockWait().Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.token
			l.release(key, slot)
		})
	}, nil
}

func (l *localSubmissionLocker) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

type redisSubmissionLocker struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	poll    time.Duration
	refresh time.Duration
	logger  zerolog.Logger
}

// NewRedisSubmissionLocker builds a locker shared by every API replica. The TTL
// bounds how long a crashed holder can block others. A live holder keeps its
// key alive by refreshing the TTL every third of it until release.
func NewRedisSubmissionLocker(client *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) SubmissionLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if prefix == "" {
		prefix = "gema:grading:lock"
	}
	refresh := ttl / 3
	if refresh <= 0 {
		refresh = ttl
	}
	return &redisSubmissionLocker{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		poll:    defaultLockPollInterval,
		refresh: refresh,
		logger:  logger.With().Str("component", "submission_locker").Logger(),
	}
}

func (l *redisSubmissionLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		acquired, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, ctx.Err())
			}
			return nil, fmt.Errorf("acquire submission lock: %w", err)
		}
		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
	observability.LockWait().Observe(time.Since(start).Seconds())

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn().Err(err).Str("lock_key", redisKey).Msg("failed to release submission lock")
			}
		})
	}, nil
}

// keepAlive extends the lock TTL while the holder is still working. It stops on
// release or once the key no longer carries the holder's token.
func (l *redisSubmissionLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.refresh)
		extended, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			l.logger.Warn().Err(err).Str("lock_key", redisKey).Msg("failed to extend submission lock")
			continue
		}
		if extended == 0 {
			l.logger.Error().Str("lock_key", redisKey).Msg("submission lock lost before release")
			return
		}
	}
}
