// Package lock linearizes every mutation of a single track. Operations on
// different tracks never contend.
//
// Local serves a single engine instance. Redis (redsync) serves several
// instances sharing one PostgreSQL store.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Unlock releases a held lock.
type Unlock func()

// Locker hands out exclusive per-key locks.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Local keeps one mutex per key. Keys are track IDs, so the map grows with
// the number of tracks ever touched by this process.
type Local struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*sync.Mutex)}
}

func (l *Local) Lock(_ context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}

// Redis implements Locker with redsync mutexes.
type Redis struct {
	rs     *redsync.Redsync
	expiry time.Duration
	log    *zap.Logger
}

// NewRedis creates a distributed locker. expiry bounds how long a crashed
// holder can block a track.
func NewRedis(client *redis.Client, expiry time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		log:    log,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	m := r.rs.NewMutex("race:lock:"+key, redsync.WithExpiry(r.expiry))
	if err := m.LockContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "lock %s", key)
	}
	return func() {
		if ok, err := m.UnlockContext(context.Background()); err != nil || !ok {
			r.log.Warn("track lock release failed",
				zap.String("key", key), zap.Bool("released", ok), zap.Error(err))
		}
	}, nil
}
