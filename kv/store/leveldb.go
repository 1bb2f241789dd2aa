package store

import (
	"os"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lderrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldbStore is the on-disk Store backend used by the daemon in
// production. Concurrent readers are safe; goleveldb serializes
// writers internally, matching the "single-writer" contract of C1.
type leveldbStore struct {
	mu sync.RWMutex
	db *leveldb.DB
}

// Open opens (or creates) a goleveldb database at path and reports
// whether it already existed.
func Open(path string) (OpenResult, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{Store: &leveldbStore{db: db}, WasRecovered: existed}, nil
}

func (s *leveldbStore) Contains(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Has([]byte(key), nil)
}

func (s *leveldbStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if err == lderrors.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *leveldbStore) Insert(key string, value []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.db.Get([]byte(key), nil)
	var prevVal []byte
	if err == nil {
		prevVal = append([]byte(nil), prev...)
	} else if err != lderrors.ErrNotFound {
		return nil, err
	}

	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return nil, err
	}
	return prevVal, nil
}

func (s *leveldbStore) Remove(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if err == lderrors.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *leveldbStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *leveldbStore) Flush() error {
	// goleveldb durably writes on Put/Delete by default (sync is
	// opt-in per call); CompactRange forces pending memtable writes
	// to disk so a crash immediately after Flush cannot lose data.
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.CompactRange(util.Range{})
}

func (s *leveldbStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
