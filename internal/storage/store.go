package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store is a bucketed key/value store. Keys are namespaced as bucket/key.
type Store interface {
	Put(bucket, key string, value []byte) error
	PutTTL(bucket, key string, value []byte, ttl time.Duration) error
	Get(bucket, key string) ([]byte, error)
	ForEach(bucket string, fn func(key, value []byte) error) error
	Delete(bucket, key string) error
	Close() error
}
