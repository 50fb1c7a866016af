package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("resource lock not acquired")
	// ErrLockLost is the cancellation cause handed to fn when a held key expired or was
	// taken over before fn finished.
	ErrLockLost = errors.New("resource lock lost")
)

// Locker guards critical sections per resource key (doctor slot, room slot, settlement week).
// Keys are acquired in sorted order so two callers asking for overlapping sets cannot deadlock.
// A held lock lasts as long as fn runs; fn's context is only cancelled when the lock is lost.
type Locker interface {
	WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker that uses one Redis key per resource.
func NewRedisLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisLocker) WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	defer func() {
		for _, key := range held {
			// release with a fresh context so a cancelled request still frees its keys
			relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = l.release(relCtx, key, token)
			cancel()
		}
	}()

	for _, key := range sortedUnique(keys) {
		lockKey := "lock:" + key
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if !ok {
			return ErrLockNotAcquired
		}
		held = append(held, lockKey)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(runCtx, held, token, stop, cancel)
	}()

	err := fn(runCtx)
	close(stop)
	<-done
	return err
}

// keepAlive extends every held key by ttl on each ttl/3 tick until stop is closed. If a
// key no longer carries token, fn's context is cancelled with ErrLockLost. Redis errors
// are retried on the next tick.
func (l *redisLocker) keepAlive(ctx context.Context, keys []string, token string, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	every := l.ttl / 3
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range keys {
				n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
				if err != nil {
					continue
				}
				if n == 0 {
					cancel(ErrLockLost)
					return
				}
			}
		}
	}
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// localLocker serializes callers inside one process. Unlike the Redis locker it waits
// for the key instead of failing fast; used when no Redis is configured and in tests.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() Locker {
	return &localLocker{locks: make(map[string]*keyLock)}
}

func (l *localLocker) WithLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	var held []string
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}()

	for _, key := range sortedUnique(keys) {
		if err := l.lock(ctx, key); err != nil {
			return err
		}
		held = append(held, key)
	}
	return fn(ctx)
}

func (l *localLocker) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *localLocker) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.locks[key]
	<-kl.ch
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
