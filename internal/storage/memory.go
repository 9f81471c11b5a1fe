package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. It is safe for concurrent use and loses
// everything on Close.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (m *MemoryStore) Put(bucket, key string, value []byte) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[string(makeKey(bucket, key))] = append([]byte{}, value...)
	return nil
}

func (m *MemoryStore) Get(bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("bucket and key are required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.items[string(makeKey(bucket, key))]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, val...), nil
}

func (m *MemoryStore) PutIfAbsent(bucket, key string, value []byte) ([]byte, bool, error) {
	if bucket == "" || key == "" {
		return nil, false, fmt.Errorf("bucket and key are required")
	}
	k := string(makeKey(bucket, key))
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[k]; ok {
		return append([]byte{}, existing...), false, nil
	}
	m.items[k] = append([]byte{}, value...)
	return append([]byte{}, value...), true, nil
}

func (m *MemoryStore) ForEach(bucket string, fn func(key, value []byte) error) error {
	return m.ForEachPrefix(bucket, "", fn)
}

func (m *MemoryStore) ForEachPrefix(bucket, prefix string, fn func(key, value []byte) error) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	bucketPrefix := bucket + "/"
	scan := bucketPrefix + prefix

	m.mu.RLock()
	keys := make([]string, 0)
	snapshot := make(map[string][]byte)
	for k, v := range m.items {
		if strings.HasPrefix(k, scan) {
			keys = append(keys, k)
			snapshot[k] = append([]byte{}, v...)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k[len(bucketPrefix):]), snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Delete(bucket, key string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, string(makeKey(bucket, key)))
	return nil
}

func (m *MemoryStore) DeletePrefix(bucket, prefix string) (int, error) {
	if bucket == "" {
		return 0, fmt.Errorf("bucket is required")
	}
	scan := string(makeKey(bucket, prefix))
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k := range m.items {
		if strings.HasPrefix(k, scan) {
			delete(m.items, k)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string][]byte)
	return nil
}
