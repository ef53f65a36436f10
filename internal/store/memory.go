package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. Watches registered on it observe changes in
// the exact order they were applied.
type Memory struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[*memWatcher]struct{}
	done     chan struct{}
	closed   bool
}

type memWatcher struct {
	prefix string
	q      *eventQueue
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string][]byte),
		watchers: make(map[*memWatcher]struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	if !validKey(key) {
		return ErrBadKey
	}
	v := append([]byte(nil), value...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = v
	m.notifyLocked(Event{Op: OpPut, Key: key, Value: v})
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.deleteLocked(key)
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range m.keysLocked(prefix) {
		m.deleteLocked(key)
	}
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := m.keysLocked(prefix)
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, Entry{Key: key, Value: append([]byte(nil), m.data[key]...)})
	}
	return entries, nil
}

func (m *Memory) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	w := &memWatcher{prefix: prefix, q: newEventQueue()}
	for _, key := range m.keysLocked(prefix) {
		w.q.push(Event{Op: OpPut, Key: key, Value: m.data[key]})
	}
	m.watchers[w] = struct{}{}

	go w.q.run(ctx, m.done)
	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.mu.Lock()
		delete(m.watchers, w)
		m.mu.Unlock()
	}()

	return w.q.out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

func (m *Memory) deleteLocked(key string) {
	if _, ok := m.data[key]; !ok {
		return
	}
	delete(m.data, key)
	m.notifyLocked(Event{Op: OpDelete, Key: key})
}

func (m *Memory) notifyLocked(ev Event) {
	for w := range m.watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			w.q.push(ev)
		}
	}
}

func (m *Memory) keysLocked(prefix string) []string {
	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
