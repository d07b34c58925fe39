// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package lock serialises bulk synchronization runs across replicas.
//
// A lock is acquired by atomically creating a key in a KV bucket; Create
// fails when the key already exists. The value is the acquisition time, and
// locks older than the configured timeout are stale and forcibly reclaimed,
// so a replica that died mid-run does not block later runs forever.
//
// The value also carries a per-acquisition token. Release only deletes the
// key while it still holds that token, so a run that outlived the timeout
// cannot remove a lock another replica reclaimed in the meantime.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/woo-gateway/notubiz-sync-helper/internal/kv"
)

// ErrLockLost is returned by Release when the lock was reclaimed by another
// holder after it went stale.
var ErrLockLost = errors.New("lock was reclaimed by another holder")

const (
	// KeyPrefix namespaces run locks inside the lock bucket.
	KeyPrefix = "notubiz_sync_run."

	defaultTimeout       = 30 * time.Minute
	defaultRetryInterval = 2 * time.Second
	defaultMaxRetries    = 1
)

// Locker acquires and releases named locks. Implementations must be safe for
// concurrent use.
type Locker interface {
	// Acquire tries to acquire the lock for key. waited is true if at least
	// one retry was made.
	Acquire(ctx context.Context, key string) (acquired bool, waited bool)
	Release(ctx context.Context, key string) error
}

type config struct {
	timeout       time.Duration
	retryInterval time.Duration
	maxRetries    int
}

// Option configures a KVLocker.
type Option func(*config)

// WithTimeout sets the age after which a held lock is stale.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithRetryInterval sets the wait between acquire attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *config) { c.retryInterval = d }
}

// WithMaxRetries sets the number of acquire attempts.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// KVLocker is a Locker over a KV bucket.
type KVLocker struct {
	cfg      config
	bucket   kv.Bucket
	now      func() time.Time
	newToken func() string

	mu   sync.Mutex
	held map[string]string
}

// NewKVLocker creates a KVLocker. By default a held lock is not waited for.
func NewKVLocker(bucket kv.Bucket, opts ...Option) *KVLocker {
	cfg := config{
		timeout:       defaultTimeout,
		retryInterval: defaultRetryInterval,
		maxRetries:    defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}
	return &KVLocker{
		cfg:      cfg,
		bucket:   bucket,
		now:      time.Now,
		newToken: func() string { return uuid.New().String() },
		held:     make(map[string]string),
	}
}

// Acquire implements Locker.
func (l *KVLocker) Acquire(ctx context.Context, key string) (bool, bool) {
	var waited bool

	for attempt := 1; attempt <= l.cfg.maxRetries; attempt++ {
		now := l.now()
		lockValue := strconv.FormatInt(now.Unix(), 10) + " " + l.newToken()

		if err := l.bucket.Create(ctx, key, []byte(lockValue)); err == nil {
			l.hold(key, lockValue)
			return true, waited
		}

		if value, err := l.bucket.Get(ctx, key); err == nil {
			if ts, parseErr := lockTime(value); parseErr == nil {
				if now.Sub(ts) > l.cfg.timeout {
					if putErr := l.bucket.Put(ctx, key, []byte(lockValue)); putErr == nil {
						l.hold(key, lockValue)
						return true, waited
					}
				}
			}
		}

		if attempt < l.cfg.maxRetries {
			waited = true
			select {
			case <-ctx.Done():
				return false, waited
			case <-time.After(l.cfg.retryInterval):
			}
		}
	}

	return false, waited
}

// Release implements Locker. It returns ErrLockLost, leaving the key alone,
// when the stored value is no longer the one this locker wrote.
func (l *KVLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	mine, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("releasing %s: %w", key, ErrLockLost)
	}

	value, err := l.bucket.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrKeyNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("reading lock %s: %w", key, err)
	case string(value) != mine:
		return fmt.Errorf("releasing %s: %w", key, ErrLockLost)
	}
	return l.bucket.Delete(ctx, key)
}

func (l *KVLocker) hold(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = value
}

// lockTime parses the acquisition time of a lock value, "<unix> <token>" or
// a bare unix timestamp.
func lockTime(value []byte) (time.Time, error) {
	ts, _, _ := strings.Cut(string(value), " ")
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
