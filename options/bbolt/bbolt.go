// Package bbolt provides a BBolt-backed options.Store.
package bbolt

import (
	"fmt"

	"github.com/jmcleod/davkeeper/options"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("options")

// Store implements options.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ options.Store = (*Store)(nil)

// NewStore returns a Store backed by db, creating its bucket if needed.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating options bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at path and returns a Store on it.
func NewStoreFromFile(path string, opts *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key, def string) string {
	value := def
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(key)); v != nil {
			value = string(v)
		}
		return nil
	})
	return value
}

func (s *Store) Set(key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
}

func (s *Store) SetMany(values map[string]string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for k, v := range values {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("storing %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *Store) All() map[string]string {
	out := make(map[string]string)
	_ = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out
}
