package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemStorage keeps all generations in process memory.
type MemStorage struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
	quota *quota
}

// NewMemStorage creates an in-memory storage limited to quotaBytes (0 = unlimited).
func NewMemStorage(quotaBytes int64) *MemStorage {
	return &MemStorage{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
		quota: newQuota(quotaBytes),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[name]; !ok {
		if m.quota.full() {
			return nil, errors.Wrapf(ErrQuotaExceeded, "open %s", name)
		}
		m.db[name] = make(map[string][]byte)
	}
	return &memGeneration{storage: m, name: name}, nil
}

func (m *MemStorage) Keys(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[name]
	return ok, nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[name]; !ok {
		return false, nil
	}
	delete(m.db, name)
	m.quota.releaseAll(name)
	return true, nil
}

func (m *MemStorage) Close() error {
	return nil
}

type memGeneration struct {
	storage *MemStorage
	name    string
}

func (g *memGeneration) Name() string {
	return g.name
}

func (g *memGeneration) Match(_ context.Context, key string) (*Response, bool, error) {
	g.storage.mutex.RLock()
	b, ok := g.storage.db[g.name][key]
	g.storage.mutex.RUnlock()
	if !ok {
		return nil, false, nil
	}
	res, err := DecodeResponse(b)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (g *memGeneration) Put(_ context.Context, key string, res *Response) error {
	b, err := EncodeResponse(res)
	if err != nil {
		return err
	}
	g.storage.mutex.Lock()
	defer g.storage.mutex.Unlock()
	entries, ok := g.storage.db[g.name]
	if !ok {
		return ErrGenerationDeleted
	}
	if err := g.storage.quota.reserve(g.name, key, int64(len(b))); err != nil {
		return err
	}
	entries[key] = b
	return nil
}

func (g *memGeneration) Keys(_ context.Context) ([]string, error) {
	g.storage.mutex.RLock()
	defer g.storage.mutex.RUnlock()
	keys := make([]string, 0, len(g.storage.db[g.name]))
	for key := range g.storage.db[g.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
