package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EntityLocker serializes work on one order, group or interpreter. It sits in
// front of the row lock taken inside the database transaction. Calling an
// unlock more than once is a no-op.
type EntityLocker interface {
	// Lock waits until the key is free or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	// TryLock returns ok=false at once when the key is held elsewhere.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// OrderLockKey is the serialization key of an order: grouped orders share
// their group's key.
func OrderLockKey(order *models.AppointmentOrder) string {
	if order.IsGrouped() {
		return GroupLockKey(*order.GroupID)
	}
	return fmt.Sprintf("order:%d", order.ID)
}

// GroupLockKey is the serialization key of an order group.
func GroupLockKey(groupID uint) string { return fmt.Sprintf("group:%d", groupID) }

// InterpreterLockKey serializes matches of one interpreter.
func InterpreterLockKey(interpreterID uint) string {
	return fmt.Sprintf("interpreter:%d", interpreterID)
}

// ClientLockKey serializes order creation per client.
func ClientLockKey(clientID uint) string { return fmt.Sprintf("client:%d", clientID) }

// --- In-process locker ---

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is a keyed mutex for a single engine instance.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) entry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *LocalLocker) unlocker(key string, e *localEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}
}

// Lock waits for key until ctx is done. The returned unlock is idempotent.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	e := l.entry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(key, e), nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

// TryLock takes key only if it is free right now.
func (l *LocalLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	e := l.entry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(key, e), true, nil
	default:
		l.release(key, e)
		return nil, false, nil
	}
}

// --- Redis lease locker ---

// releaseScript deletes the lease only if it still carries our token, so an
// expired lease taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker holds leases with SET NX PX so several engine instances can share
// the tick. A lease outlives a crashed holder by at most ttl.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker returns a RedisLocker. A non-positive ttl means 30s.
func NewRedisLocker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 50 * time.Millisecond}
}

func (l *RedisLocker) key(key string) string { return l.prefix + "lock:" + key }

func (l *RedisLocker) acquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(key), token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be cancelled; release on a fresh one
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{l.key(key)}, token).Err(); err != nil {
				configslog.Log.Warn("redis lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}

// TryLock makes a single SET NX attempt.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	return l.acquire(ctx, key)
}

// Lock retries the lease until it is taken or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		unlock, ok, err := l.acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var (
	_ EntityLocker = (*LocalLocker)(nil)
	_ EntityLocker = (*RedisLocker)(nil)
)
