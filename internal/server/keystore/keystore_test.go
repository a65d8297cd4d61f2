package keystore

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/keyfort/keyfort/internal"
)

func TestMemoryAcquireLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	t.Run("mutual exclusion", func(t *testing.T) {
		lock, err := store.AcquireLock(ctx, []string{"lock-a"}, time.Minute, LockOptions{})
		assert.NilError(t, err)

		_, err = store.AcquireLock(ctx, []string{"lock-a"}, time.Minute, LockOptions{})
		assert.ErrorIs(t, err, ErrLockNotAcquired)

		assert.NilError(t, lock.Release(ctx))

		lock, err = store.AcquireLock(ctx, []string{"lock-a"}, time.Minute, LockOptions{})
		assert.NilError(t, err)
		assert.NilError(t, lock.Release(ctx))
	})

	t.Run("retry acquires after release", func(t *testing.T) {
		lock, err := store.AcquireLock(ctx, []string{"lock-b"}, time.Minute, LockOptions{})
		assert.NilError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = lock.Release(ctx)
		}()

		second, err := store.AcquireLock(ctx, []string{"lock-b"}, time.Minute,
			LockOptions{RetryCount: 5, RetryDelay: 20 * time.Millisecond})
		assert.NilError(t, err)
		assert.NilError(t, second.Release(ctx))
	})

	t.Run("expired lock can be re-acquired", func(t *testing.T) {
		_, err := store.AcquireLock(ctx, []string{"lock-c"}, 10*time.Millisecond, LockOptions{})
		assert.NilError(t, err)

		time.Sleep(20 * time.Millisecond)

		lock, err := store.AcquireLock(ctx, []string{"lock-c"}, time.Minute, LockOptions{})
		assert.NilError(t, err)
		assert.NilError(t, lock.Release(ctx))
	})

	t.Run("all keys or none", func(t *testing.T) {
		lock, err := store.AcquireLock(ctx, []string{"lock-d"}, time.Minute, LockOptions{})
		assert.NilError(t, err)
		defer lock.Release(ctx) // nolint:errcheck

		_, err = store.AcquireLock(ctx, []string{"lock-e", "lock-d"}, time.Minute, LockOptions{})
		assert.ErrorIs(t, err, ErrLockNotAcquired)

		// lock-e must not be held by the failed acquisition
		single, err := store.AcquireLock(ctx, []string{"lock-e"}, time.Minute, LockOptions{})
		assert.NilError(t, err)
		assert.NilError(t, single.Release(ctx))
	})
}

func TestMemoryItems(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.GetItem(ctx, "missing")
		assert.ErrorIs(t, err, internal.ErrNotFound)
	})

	t.Run("set and get", func(t *testing.T) {
		assert.NilError(t, store.SetItemWithExpiry(ctx, "item-a", "value", time.Minute))

		value, err := store.GetItem(ctx, "item-a")
		assert.NilError(t, err)
		assert.Equal(t, value, "value")
	})

	t.Run("expiry", func(t *testing.T) {
		assert.NilError(t, store.SetItemWithExpiry(ctx, "item-b", "value", 10*time.Millisecond))
		time.Sleep(20 * time.Millisecond)

		_, err := store.GetItem(ctx, "item-b")
		assert.ErrorIs(t, err, internal.ErrNotFound)
	})

	t.Run("set if not exists", func(t *testing.T) {
		fresh, err := store.SetItemIfNotExists(ctx, "item-c", "first", time.Minute)
		assert.NilError(t, err)
		assert.Assert(t, fresh)

		fresh, err = store.SetItemIfNotExists(ctx, "item-c", "second", time.Minute)
		assert.NilError(t, err)
		assert.Assert(t, !fresh)

		value, err := store.GetItem(ctx, "item-c")
		assert.NilError(t, err)
		assert.Equal(t, value, "first")
	})

	t.Run("delete by pattern", func(t *testing.T) {
		assert.NilError(t, store.SetItemWithExpiry(ctx, "job-dedup:one", "1", time.Minute))
		assert.NilError(t, store.SetItemWithExpiry(ctx, "job-dedup:two", "1", time.Minute))
		assert.NilError(t, store.SetItemWithExpiry(ctx, "other", "1", time.Minute))

		assert.NilError(t, store.DeleteItems(ctx, "job-dedup:*"))

		_, err := store.GetItem(ctx, "job-dedup:one")
		assert.ErrorIs(t, err, internal.ErrNotFound)
		_, err = store.GetItem(ctx, "other")
		assert.NilError(t, err)
	})
}

func TestMemoryWaitTillReady(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	t.Run("ready after a delay", func(t *testing.T) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = store.SetItemWithExpiry(ctx, "ready-a", "true", time.Minute)
		}()

		var waited bool
		err := store.WaitTillReady(ctx, "ready-a",
			func(value string) bool { return value == "true" },
			WaitOptions{Timeout: time.Second, PollInterval: 10 * time.Millisecond, OnWait: func() { waited = true }})
		assert.NilError(t, err)
		assert.Assert(t, waited)
	})

	t.Run("timeout", func(t *testing.T) {
		err := store.WaitTillReady(ctx, "never-ready",
			func(value string) bool { return value == "true" },
			WaitOptions{Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
