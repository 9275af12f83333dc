/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/gravitational/trace"
)

var (
	valuesBucket    = []byte("values")
	revisionsBucket = []byte("revisions")
	listsBucket     = []byte("lists")
)

// boltBackend is an embedded, single-node StateStore implementation, the
// natural choice for a development deployment or the single-process
// "everything on one box" topology.
type boltBackend struct {
	db *bolt.DB
}

// NewBolt opens (creating if necessary) a BoltDB file at path and returns a
// Backend backed by it.
func NewBolt(path string) (Backend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, trace.Wrap(err, "opening bolt store at %v", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{valuesBucket, revisionsBucket, listsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, trace.Wrap(err, "initializing bolt store at %v", path)
	}
	return &boltBackend{db: db}, nil
}

// NewBoltInDir is a convenience wrapper creating the store file under dir.
func NewBoltInDir(dir, filename string) (Backend, error) {
	return NewBolt(filepath.Join(dir, filename))
}

func (b *boltBackend) Close() error {
	return trace.Wrap(b.db.Close())
}

func (b *boltBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(valuesBucket).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return value, found, trace.Wrap(err)
}

func (b *boltBackend) Set(_ context.Context, key string, value []byte) error {
	return trace.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		return writeValue(tx, key, value)
	}))
}

func (b *boltBackend) Delete(_ context.Context, key string) error {
	return trace.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(valuesBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(revisionsBucket).Delete([]byte(key))
	}))
}

func (b *boltBackend) GetRev(_ context.Context, key string) ([]byte, Revision, bool, error) {
	var value []byte
	var rev uint64
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(valuesBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		value = append([]byte(nil), v...)
		rev = decodeRevision(tx.Bucket(revisionsBucket).Get([]byte(key)))
		return nil
	})
	return value, rev, found, trace.Wrap(err)
}

func (b *boltBackend) CompareAndSwap(_ context.Context, key string, rev Revision, wasFound bool, value []byte) error {
	expected, _ := rev.(uint64)
	return trace.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		current := tx.Bucket(valuesBucket).Get([]byte(key))
		if wasFound != (current != nil) {
			return trace.CompareFailed("key %v existence changed", key)
		}
		if wasFound {
			currentRev := decodeRevision(tx.Bucket(revisionsBucket).Get([]byte(key)))
			if currentRev != expected {
				return trace.CompareFailed("key %v was modified concurrently", key)
			}
		}
		return writeValue(tx, key, value)
	}))
}

// writeValue stores value for key and bumps its revision counter. Caller
// must be inside a bolt write transaction.
func writeValue(tx *bolt.Tx, key string, value []byte) error {
	if err := tx.Bucket(valuesBucket).Put([]byte(key), value); err != nil {
		return err
	}
	next := decodeRevision(tx.Bucket(revisionsBucket).Get([]byte(key))) + 1
	return tx.Bucket(revisionsBucket).Put([]byte(key), encodeRevision(next))
}

func (b *boltBackend) RPush(_ context.Context, key, value string) error {
	return trace.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		list, err := readList(tx, key)
		if err != nil {
			return err
		}
		list = append(list, value)
		return writeList(tx, key, list)
	}))
}

func (b *boltBackend) LPop(_ context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		list, err := readList(tx, key)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return nil
		}
		value, found = list[0], true
		return writeList(tx, key, list[1:])
	})
	return value, found, trace.Wrap(err)
}

func (b *boltBackend) LRem(_ context.Context, key, value string) (int, error) {
	var removed int
	err := b.db.Update(func(tx *bolt.Tx) error {
		list, err := readList(tx, key)
		if err != nil {
			return err
		}
		kept := list[:0]
		for _, v := range list {
			if v == value {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		return writeList(tx, key, kept)
	})
	return removed, trace.Wrap(err)
}

func (b *boltBackend) LRange(_ context.Context, key string) ([]string, error) {
	var list []string
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = readList(tx, key)
		return err
	})
	return list, trace.Wrap(err)
}

func readList(tx *bolt.Tx, key string) ([]string, error) {
	raw := tx.Bucket(listsBucket).Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func writeList(tx *bolt.Tx, key string, list []string) error {
	if len(list) == 0 {
		return tx.Bucket(listsBucket).Delete([]byte(key))
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return tx.Bucket(listsBucket).Put([]byte(key), raw)
}

func encodeRevision(rev uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(rev >> (8 * (7 - i)))
	}
	return b
}

func decodeRevision(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	var rev uint64
	for i := 0; i < 8; i++ {
		rev = rev<<8 | uint64(raw[i])
	}
	return rev
}
