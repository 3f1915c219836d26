package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ipsix/knockscan/internal/logging"
)

type BadgerStore struct {
	db *badger.DB
}

type Options struct {
	Path                string
	EncryptionKeyBase64 string
	Logger              *logging.Logger
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	return Open(Options{Path: path})
}

func Open(o Options) (*BadgerStore, error) {
	if o.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	opts := badger.DefaultOptions(o.Path).WithLogger(badgerLogger{l: o.Logger})
	if o.EncryptionKeyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(o.EncryptionKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes")
		}
		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Put(bucket, key string, value []byte) error {
	return b.PutTTL(bucket, key, value, 0)
}

// PutTTL stores value with an expiry; a zero ttl never expires.
func (b *BadgerStore) PutTTL(bucket, key string, value []byte, ttl time.Duration) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(makeKey(bucket, key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
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

func (b *BadgerStore) ForEach(bucket string, fn func(key, value []byte) error) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	prefix := []byte(bucket + "/")
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			key := string(k[len(prefix):])
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

func (b *BadgerStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func makeKey(bucket, key string) []byte {
	return []byte(filepath.ToSlash(bucket + "/" + key))
}

// badgerLogger routes badger's internal messages through our logger,
// dropping its info/debug chatter.
type badgerLogger struct {
	l *logging.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	if b.l != nil {
		b.l.Error("badger", logging.Field{Key: "detail", Value: fmt.Sprintf(format, args...)})
	}
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	if b.l != nil {
		b.l.Warn("badger", logging.Field{Key: "detail", Value: fmt.Sprintf(format, args...)})
	}
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
