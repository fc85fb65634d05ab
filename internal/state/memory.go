package state

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and as the development
// fallback when Redis is unreachable. It must never back a scaled
// deployment: nothing is shared across processes.
type Memory struct {
	mu     sync.Mutex
	items  map[string]memItem
	subs   map[string]map[int]chan []byte
	nextID int
}

type memItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory builds an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memItem),
		subs:  make(map[string]map[int]chan []byte),
	}
}

// get returns the live item, reaping it if expired. Caller holds mu.
func (m *Memory) get(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.items[key] = memItem{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(key)
	return ok, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if it, ok := m.get(key); ok {
		parsed, err := strconv.ParseInt(string(it.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	it := m.items[key]
	it.value = []byte(strconv.FormatInt(n, 10))
	m.items[key] = it
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.get(key)
	if !ok {
		return ErrNotFound
	}
	it.expiresAt = expiry(ttl)
	m.items[key] = it
	return nil
}

func (m *Memory) PTTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.get(key)
	if !ok {
		return 0, ErrNotFound
	}
	if it.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(it.expiresAt), nil
}

func (m *Memory) Update(_ context.Context, key string, ttl time.Duration, fn func(old []byte, found bool) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, found := m.get(key)
	next, err := fn(it.value, found)
	if err != nil {
		return err
	}
	m.items[key] = memItem{value: next, expiresAt: expiry(ttl)}
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default: // slow subscriber, drop
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan []byte, 64)
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan []byte)
	}
	m.subs[channel][id] = ch
	m.mu.Unlock()

	go func() {
		for msg := range ch {
			handler(msg)
		}
	}()

	unsub := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if live, ok := m.subs[channel][id]; ok {
			delete(m.subs[channel], id)
			close(live)
		}
	}
	return unsub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for channel, subs := range m.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(m.subs, channel)
	}
	return nil
}
