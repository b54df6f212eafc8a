package cache

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Store is the storage medium shared by all worker processes.
// It stores and retrieves opaque []byte records addressed by cache key.
// Expiration is not the concern of the store, see SharedCache.
//
// Implementations must be thread-safe!
// Put must replace a record atomically: a concurrent Get (from this or any
// other process) sees either the previous record or the new one.
type Store interface {
	// Get returns the record stored under key.
	// The boolean is false if there is no such record.
	Get(key string) ([]byte, bool, error)
	// Put stores the record under key, replacing any previous record.
	Put(key string, record []byte) error
	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys lists the keys of all stored records.
	Keys() ([]string, error)
	// Clear removes all records.
	Clear() error
	// Close releases the resources held by the store.
	Close() error
}

// ErrUnknownProvider is returned by Open for unsupported provider names.
var ErrUnknownProvider = errors.New("unknown cache provider")

const (
	ProviderFile    = "file"
	ProviderSQLite  = "sqlite"
	ProviderLevelDB = "leveldb"
	ProviderMemory  = "memory"
)

// Open opens the store for the given provider.
// location is the shared cache directory. The file provider writes records
// straight into it, sqlite uses cache.db and leveldb a leveldb/ subdirectory.
// The memory provider ignores location.
func Open(provider, location string) (Store, error) {
	switch provider {
	case ProviderFile, "":
		return NewFileStore(location)
	case ProviderSQLite:
		if location == "" {
			location = "./cache_data"
		}
		return NewSQLiteStore(filepath.Join(location, "cache.db"))
	case ProviderLevelDB:
		if location == "" {
			location = "./cache_data"
		}
		return NewLevelDBStore(filepath.Join(location, "leveldb"))
	case ProviderMemory:
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}
