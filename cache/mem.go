package cache

import (
	"sync"
)

// MemStore keeps records in a map.
// It is only shared by the workers of a single process.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string][]byte
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m MemStore) Get(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	record, ok := m.db[key]
	return record, ok, nil
}

func (m MemStore) Put(key string, record []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	// copy so the caller may reuse its buffer
	m.db[key] = append([]byte(nil), record...)
	return nil
}

func (m MemStore) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemStore) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m MemStore) Clear() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key := range m.db {
		delete(m.db, key)
	}
	return nil
}

func (m MemStore) Close() error {
	return nil
}
