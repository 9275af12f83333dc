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

// Package store implements the StateStore abstraction: a
// keyed, durable store exposing scalar get/set/del, atomic list operations,
// and an optimistic watch/compare-and-swap transaction, modeled on the
// teacher's lib/storage/keyval package (BoltDB and Etcd backends sharing one
// Backend contract).
package store

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
)

// Revision is an opaque, backend-specific marker of a key's version at the
// time it was read, used to detect concurrent modification. A Revision
// observed alongside found=false carries no version; CompareAndSwap with
// wasFound=false checks only that the key is still absent.
type Revision interface{}

// Backend is the StateStore contract: a keyed, durable, optimistically
// concurrent key/value store with atomic list operations.
type Backend interface {
	// Get returns the value stored at key. found is false if key is unset.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set unconditionally writes value for key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key, if present.
	Delete(ctx context.Context, key string) error

	// GetRev is Get plus the revision needed to later CompareAndSwap.
	GetRev(ctx context.Context, key string) (value []byte, rev Revision, found bool, err error)
	// CompareAndSwap writes value for key only if key's revision still
	// matches rev (wasFound must match whether the key existed when rev was
	// observed). It returns a trace.CompareFailed error on conflict.
	CompareAndSwap(ctx context.Context, key string, rev Revision, wasFound bool, value []byte) error

	// RPush appends value to the list at key.
	RPush(ctx context.Context, key, value string) error
	// LPop removes and returns the first element of the list at key. found
	// is false if the list is empty or unset.
	LPop(ctx context.Context, key string) (value string, found bool, err error)
	// LRem removes every occurrence of value from the list at key,
	// returning the number removed.
	LRem(ctx context.Context, key, value string) (removed int, err error)
	// LRange returns every element of the list at key, in order.
	LRange(ctx context.Context, key string) ([]string, error)

	// Close releases resources held by the backend.
	Close() error
}

// UpdateJSON implements an optimistic check-and-set rule: read,
// modify, conditionally write, retry on conflict. modify receives whether
// the key previously existed and its decoded contents (the zero value of T
// if it did not); it returns the new contents to persist. A modify that
// returns write=false with a nil error leaves the key untouched, and
// UpdateJSON returns nil.
func UpdateJSON[T any](ctx context.Context, backend Backend, key string, maxRetries int, modify func(exists bool, current T) (next T, write bool, err error)) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		raw, rev, found, err := backend.GetRev(ctx, key)
		if err != nil {
			return trace.Wrap(err)
		}

		var current T
		if found {
			if err := json.Unmarshal(raw, &current); err != nil {
				return trace.Wrap(err, "decoding %v", key)
			}
		}

		next, write, err := modify(found, current)
		if err != nil {
			return trace.Wrap(err)
		}
		if !write {
			return nil
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return trace.Wrap(err, "encoding %v", key)
		}

		err = backend.CompareAndSwap(ctx, key, rev, found, encoded)
		if err == nil {
			return nil
		}
		if trace.IsCompareFailed(err) {
			continue // lost the race, retry with a fresh read
		}
		return trace.Wrap(err)
	}
	return trace.LimitExceeded("exceeded %d CAS retries updating %v", maxRetries, key)
}

// GetJSON reads and decodes the value at key into a T, returning
// trace.NotFound when key is unset.
func GetJSON[T any](ctx context.Context, backend Backend, key string) (T, error) {
	var out T
	raw, found, err := backend.Get(ctx, key)
	if err != nil {
		return out, trace.Wrap(err)
	}
	if !found {
		return out, trace.NotFound("%v not found", key)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, trace.Wrap(err, "decoding %v", key)
	}
	return out, nil
}

// SetJSON encodes value as JSON and writes it unconditionally to key.
func SetJSON[T any](ctx context.Context, backend Backend, key string, value T) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return trace.Wrap(err, "encoding %v", key)
	}
	return trace.Wrap(backend.Set(ctx, key, encoded))
}
