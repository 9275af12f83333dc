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

	"github.com/coreos/etcd/client"
	"github.com/gravitational/trace"
)

// EtcdConfig configures the distributed StateStore backend, used when more
// than one monitor process needs to share state across hosts (the
// "no shared mutable memory between processes" rule is satisfied by routing
// every cross-process read/write through this backend).
type EtcdConfig struct {
	// Nodes is the list of etcd client endpoints.
	Nodes []string
	// Prefix namespaces every key this backend reads or writes, so several
	// qcloud deployments can share one etcd cluster.
	Prefix string
}

func (c EtcdConfig) CheckAndSetDefaults() error {
	if len(c.Nodes) == 0 {
		return trace.BadParameter("missing etcd endpoints")
	}
	return nil
}

type etcdBackend struct {
	kapi   client.KeysAPI
	prefix string
}

// NewEtcd returns a Backend backed by an etcd cluster.
func NewEtcd(cfg EtcdConfig) (Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c, err := client.New(client.Config{
		Endpoints: cfg.Nodes,
		Transport: client.DefaultTransport,
	})
	if err != nil {
		return nil, trace.Wrap(err, "connecting to etcd")
	}
	return &etcdBackend{kapi: client.NewKeysAPI(c), prefix: cfg.Prefix}, nil
}

func (e *etcdBackend) Close() error {
	return nil
}

func (e *etcdBackend) key(key string) string {
	return e.prefix + "/" + key
}

func (e *etcdBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, found, err := e.GetRev(ctx, key)
	return value, found, err
}

func (e *etcdBackend) GetRev(ctx context.Context, key string) ([]byte, Revision, bool, error) {
	resp, err := e.kapi.Get(ctx, e.key(key), nil)
	if err != nil {
		if client.IsKeyNotFound(err) {
			return nil, uint64(0), false, nil
		}
		return nil, nil, false, trace.Wrap(err, "reading %v", key)
	}
	return []byte(resp.Node.Value), resp.Node.ModifiedIndex, true, nil
}

func (e *etcdBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := e.kapi.Set(ctx, e.key(key), string(value), &client.SetOptions{PrevExist: client.PrevIgnore})
	return trace.Wrap(err, "writing %v", key)
}

func (e *etcdBackend) Delete(ctx context.Context, key string) error {
	_, err := e.kapi.Delete(ctx, e.key(key), nil)
	if err != nil && client.IsKeyNotFound(err) {
		return nil
	}
	return trace.Wrap(err, "deleting %v", key)
}

func (e *etcdBackend) CompareAndSwap(ctx context.Context, key string, rev Revision, wasFound bool, value []byte) error {
	opts := &client.SetOptions{}
	if wasFound {
		index, _ := rev.(uint64)
		opts.PrevIndex = index
	} else {
		opts.PrevExist = client.PrevNoExist
	}
	_, err := e.kapi.Set(ctx, e.key(key), string(value), opts)
	if err != nil {
		if etcdErr, ok := err.(client.Error); ok && etcdErr.Code == client.ErrorCodeTestFailed {
			return trace.CompareFailed("key %v was modified concurrently", key)
		}
		if etcdErr, ok := err.(client.Error); ok && etcdErr.Code == client.ErrorCodeNodeExist {
			return trace.CompareFailed("key %v was created concurrently", key)
		}
		return trace.Wrap(err, "writing %v", key)
	}
	return nil
}

// List operations are modeled as a JSON array stored at one key and mutated
// through the same CAS primitive used for job records — etcd v2 offers no
// native list type, so atomicity comes from UpdateJSON's retry loop rather
// than a server-side operation, same as the BoltDB backend's in-process
// transaction provides it.

func (e *etcdBackend) RPush(ctx context.Context, key, value string) error {
	return UpdateJSON[[]string](ctx, e, key, casRetryLimit, func(_ bool, current []string) ([]string, bool, error) {
		return append(current, value), true, nil
	})
}

func (e *etcdBackend) LPop(ctx context.Context, key string) (string, bool, error) {
	var popped string
	var found bool
	err := UpdateJSON[[]string](ctx, e, key, casRetryLimit, func(_ bool, current []string) ([]string, bool, error) {
		if len(current) == 0 {
			return current, false, nil
		}
		popped, found = current[0], true
		return current[1:], true, nil
	})
	return popped, found, trace.Wrap(err)
}

func (e *etcdBackend) LRem(ctx context.Context, key, value string) (int, error) {
	var removed int
	err := UpdateJSON[[]string](ctx, e, key, casRetryLimit, func(_ bool, current []string) ([]string, bool, error) {
		removed = 0
		kept := current[:0]
		for _, v := range current {
			if v == value {
				removed++
				continue
			}
			kept = append(kept, v)
		}
		return kept, true, nil
	})
	return removed, trace.Wrap(err)
}

func (e *etcdBackend) LRange(ctx context.Context, key string) ([]string, error) {
	raw, found, err := e.Get(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !found {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, trace.Wrap(err, "decoding %v", key)
	}
	return list, nil
}

// casRetryLimit bounds the internal list-mutation retry loops above; it has
// the same value as defaults.CASRetryLimit.
const casRetryLimit = 50
