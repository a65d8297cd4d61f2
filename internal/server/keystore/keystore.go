// Package keystore provides the shared lock and cache service used to
// coordinate between server instances: short-lived distributed locks for
// leader election, and expiring key/value items for readiness markers and
// job deduplication.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Key prefixes shared by all instances. Changing one of these orphans any
// value written under the old prefix until it expires.
const (
	KmsRootConfigLock  = "kms-root-config-lock"
	KmsRootKeyReady    = "wait-till-ready-kms-root-key"
	KmsScopeKeyLock    = "kms-scope-key-creation:"
	KmsScopeKeyReady   = "wait-till-ready-kms-scope-key:"
	KmsRotationScan    = "kms-rotation-scan-lock"
	JobDeduplicationID = "job-dedup:"
)

// ErrLockNotAcquired is returned by AcquireLock when the lock is held by
// another instance and the retry budget is spent.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock is a held distributed lock. Release must be called on every exit
// path; releasing an already expired lock is not an error.
type Lock interface {
	Release(ctx context.Context) error
}

type LockOptions struct {
	// RetryCount is the number of additional acquisition attempts after the
	// first one fails. Zero means a single non-blocking attempt.
	RetryCount int
	// RetryDelay is the pause between attempts. Defaults to 100ms.
	RetryDelay time.Duration
}

type WaitOptions struct {
	// Timeout bounds the total wait. Defaults to 10 seconds.
	Timeout time.Duration
	// PollInterval is how often the key is re-read. Defaults to 200ms.
	PollInterval time.Duration
	// OnWait is invoked once per poll while the key is not ready, typically
	// to emit a progress log line.
	OnWait func()
}

// KeyStore is the lock and cache contract consumed by the KMS service and
// the job queue. Implementations must be safe for concurrent use.
type KeyStore interface {
	// AcquireLock acquires all keys or none of them. The lock expires after
	// ttl even if never released, so a crashed holder cannot wedge the
	// cluster.
	AcquireLock(ctx context.Context, keys []string, ttl time.Duration, opts LockOptions) (Lock, error)

	// SetItemWithExpiry writes an expiring item, overwriting any previous
	// value.
	SetItemWithExpiry(ctx context.Context, key string, value string, ttl time.Duration) error

	// GetItem returns the value for key, or internal.ErrNotFound if the key
	// is absent or expired.
	GetItem(ctx context.Context, key string) (string, error)

	// SetItemIfNotExists writes the item only when the key is absent, and
	// reports whether the write happened.
	SetItemIfNotExists(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// DeleteItems removes all items whose key matches the glob pattern.
	DeleteItems(ctx context.Context, pattern string) error

	// WaitTillReady polls key until check approves its value, the timeout
	// passes, or ctx is done.
	WaitTillReady(ctx context.Context, key string, check func(value string) bool, opts WaitOptions) error
}

func (o LockOptions) retryDelay() time.Duration {
	if o.RetryDelay <= 0 {
		return 100 * time.Millisecond
	}
	return o.RetryDelay
}

func (o WaitOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 10 * time.Second
	}
	return o.Timeout
}

func (o WaitOptions) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return 200 * time.Millisecond
	}
	return o.PollInterval
}

// waitTillReady implements WaitTillReady on top of a GetItem func, shared by
// the redis and in-memory stores.
func waitTillReady(ctx context.Context, get func(ctx context.Context, key string) (string, error), key string, check func(string) bool, opts WaitOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	ticker := time.NewTicker(opts.pollInterval())
	defer ticker.Stop()

	for {
		value, err := get(ctx, key)
		if err == nil && check(value) {
			return nil
		}

		if opts.OnWait != nil {
			opts.OnWait()
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}
