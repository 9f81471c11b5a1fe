package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

const maxConflictRetries = 8

type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	return NewBadgerStoreWithKey(path, "")
}

func NewBadgerStoreWithKey(path string, keyBase64 string) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if keyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyBase64)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes")
		}
		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(64 << 20)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Put(bucket, key string, value []byte) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makeKey(bucket, key), value)
	})
}

func (b *BadgerStore) Get(bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("bucket and key are required")
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(bucket, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutIfAbsent relies on badger's optimistic transactions: a concurrent writer
// of the same key makes the later commit fail with ErrConflict, and the retry
// then observes the committed value.
func (b *BadgerStore) PutIfAbsent(bucket, key string, value []byte) ([]byte, bool, error) {
	if bucket == "" || key == "" {
		return nil, false, fmt.Errorf("bucket and key are required")
	}
	itemKey := makeKey(bucket, key)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var (
			out     []byte
			created bool
		)
		err := b.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(itemKey)
			switch {
			case err == nil:
				out, err = item.ValueCopy(nil)
				return err
			case errors.Is(err, badger.ErrKeyNotFound):
				created = true
				out = append([]byte{}, value...)
				return txn.Set(itemKey, value)
			default:
				return err
			}
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return out, created, nil
	}
	return nil, false, fmt.Errorf("put if absent %s/%s: %w", bucket, key, badger.ErrConflict)
}

func (b *BadgerStore) ForEach(bucket string, fn func(key, value []byte) error) error {
	return b.ForEachPrefix(bucket, "", fn)
}

func (b *BadgerStore) ForEachPrefix(bucket, prefix string, fn func(key, value []byte) error) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	bucketPrefix := []byte(bucket + "/")
	scan := append(append([]byte{}, bucketPrefix...), prefix...)
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(scan); it.ValidForPrefix(scan); it.Next() {
			item := it.Item()
			k := item.Key()
			key := string(k[len(bucketPrefix):])
			if err := item.Value(func(val []byte) error {
				return fn([]byte(key), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) Delete(bucket, key string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(makeKey(bucket, key))
	})
}

func (b *BadgerStore) DeletePrefix(bucket, prefix string) (int, error) {
	if bucket == "" {
		return 0, fmt.Errorf("bucket is required")
	}
	scan := makeKey(bucket, prefix)
	removed := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(scan); it.ValidForPrefix(scan); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (b *BadgerStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func makeKey(bucket, key string) []byte {
	return []byte(filepath.ToSlash(bucket + "/" + key))
}
