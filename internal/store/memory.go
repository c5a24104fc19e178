package store

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// MemoryStore keeps records in a map. It backs tests and sessions started
// with store type "memory", whose journal and revisions die with the
// process.
type MemoryStore struct {
	hub

	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Create(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, taken := m.records[key]; taken {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	m.records[key] = raw
	m.mu.Unlock()

	m.publish(v1alpha1.EventAdded, key, value)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	raw, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.records, key)
	m.mu.Unlock()

	var old interface{}
	_ = json.Unmarshal(raw, &old)
	m.publish(v1alpha1.EventDeleted, key, old)
	return nil
}

// List returns records in key order, matching the bolt cursor.
func (m *MemoryStore) List(prefix string, factory func() interface{}) ([]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		obj := factory()
		if err := json.Unmarshal(m.records[k], obj); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (m *MemoryStore) Watch(prefix string) (<-chan v1alpha1.WatchEvent, func()) {
	return m.watch(prefix)
}

// Close drops every record and closes open watches.
func (m *MemoryStore) Close() error {
	m.closeAll()

	m.mu.Lock()
	m.records = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}
