package keystore

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/keyfort/keyfort/internal"
)

// Memory is an in-process KeyStore with the same semantics as the redis
// implementation, used by tests and single-node deployments that run without
// a redis service.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{items: map[string]memoryItem{}}
}

func (m *Memory) get(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

type memoryLock struct {
	store *Memory
	keys  []string
	token string
}

func (l *memoryLock) Release(_ context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	for _, key := range l.keys {
		if item, ok := l.store.get(key); ok && item.value == l.token {
			delete(l.store.items, key)
		}
	}
	return nil
}

func (m *Memory) AcquireLock(ctx context.Context, keys []string, ttl time.Duration, opts LockOptions) (Lock, error) {
	token := time.Now().Format(time.RFC3339Nano)

	tryOnce := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()

		for _, key := range keys {
			if _, held := m.get(key); held {
				return false
			}
		}
		for _, key := range keys {
			m.items[key] = memoryItem{value: token, expiresAt: expiry(ttl)}
		}
		return true
	}

	for attempt := 0; ; attempt++ {
		if tryOnce() {
			return &memoryLock{store: m, keys: keys, token: token}, nil
		}
		if attempt >= opts.RetryCount {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.retryDelay()):
		}
	}
}

func (m *Memory) SetItemWithExpiry(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memoryItem{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (m *Memory) GetItem(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.get(key)
	if !ok {
		return "", internal.ErrNotFound
	}
	return item.value, nil
}

func (m *Memory) SetItemIfNotExists(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.items[key] = memoryItem{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (m *Memory) DeleteItems(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.items {
		if matched, _ := path.Match(pattern, key); matched {
			delete(m.items, key)
		}
	}
	return nil
}

func (m *Memory) WaitTillReady(ctx context.Context, key string, check func(string) bool, opts WaitOptions) error {
	return waitTillReady(ctx, m.GetItem, key, check, opts)
}
