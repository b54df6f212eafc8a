package cache

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var recordPrefix = []byte("e:")

// LevelDBStore keeps records in a LevelDB database.
// LevelDB takes an exclusive lock on its directory, so only one worker process
// can use a given database: use it for single worker setups and development.
type LevelDBStore struct {
	db *leveldb.DB
}

func NewLevelDBStore(path string) (LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBStore{}, err
	}
	return LevelDBStore{db: db}, nil
}

func recordKey(key string) []byte {
	return append(append([]byte(nil), recordPrefix...), key...)
}

func (s LevelDBStore) Get(key string) ([]byte, bool, error) {
	record, err := s.db.Get(recordKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// Put is atomic on its own, LevelDB applies single writes as a batch.
func (s LevelDBStore) Put(key string, record []byte) error {
	return s.db.Put(recordKey(key), record, nil)
}

func (s LevelDBStore) Delete(key string) error {
	return s.db.Delete(recordKey(key), nil)
}

func (s LevelDBStore) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer it.Release()

	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(it.Key()[len(recordPrefix):]))
	}
	return keys, it.Error()
}

func (s LevelDBStore) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete(recordKey(key))
	}
	return s.db.Write(batch, nil)
}

func (s LevelDBStore) Close() error {
	return s.db.Close()
}
