package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileSuffix = ".json"

// FileStore keeps one file per record in a directory that every worker
// process can reach (e.g. a shared volume).
//
// There is no locking across processes. Writes go to a temporary file in the
// same directory which is then renamed over the record, so readers never see
// a partially written record. Concurrent writers to the same key: last
// rename wins.
type FileStore struct {
	dir string
	// serializes writers within this process only
	writeMutex *sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (FileStore, error) {
	if dir == "" {
		dir = "./cache_data"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return FileStore{}, err
	}
	return FileStore{
		dir:        dir,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Dir is the directory holding the records.
func (s FileStore) Dir() string {
	return s.dir
}

func (s FileStore) path(key string) string {
	return filepath.Join(s.dir, key+fileSuffix)
}

func (s FileStore) Get(key string) ([]byte, bool, error) {
	record, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (s FileStore) Put(key string, record []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return err
	}
	// remove the temporary file unless the rename below succeeds
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(record); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return err
	}
	renamed = true
	return nil
}

func (s FileStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileSuffix))
	}
	return keys, nil
}

func (s FileStore) Clear() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		// another worker may be clearing the same directory
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s FileStore) Close() error {
	return nil
}
