/*
Copyright 2020 Gravitational, Inc.

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
	"os"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func TestStore(t *testing.T) { TestingT(t) }

// backendSuite exercises the Backend contract against whichever backend its
// embedder sets up in SetUpTest, so BoltSuite and EtcdSuite share every
// assertion below instead of duplicating them.
type backendSuite struct {
	backend Backend
}

func (s *backendSuite) TestGetSetDelete(c *C) {
	ctx := context.Background()

	_, found, err := s.backend.Get(ctx, "k1")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, false)

	c.Assert(s.backend.Set(ctx, "k1", []byte("v1")), IsNil)

	value, found, err := s.backend.Get(ctx, "k1")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)
	c.Assert(string(value), Equals, "v1")

	c.Assert(s.backend.Delete(ctx, "k1"), IsNil)
	_, found, err = s.backend.Get(ctx, "k1")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, false)
}

func (s *backendSuite) TestCompareAndSwapRejectsStaleWrite(c *C) {
	ctx := context.Background()

	c.Assert(s.backend.Set(ctx, "k2", []byte("v1")), IsNil)

	_, rev, found, err := s.backend.GetRev(ctx, "k2")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)

	// A concurrent writer updates the key between our read and our write.
	c.Assert(s.backend.Set(ctx, "k2", []byte("v2")), IsNil)

	err = s.backend.CompareAndSwap(ctx, "k2", rev, true, []byte("v3"))
	c.Assert(trace.IsCompareFailed(err), Equals, true)

	value, _, _, err := s.backend.GetRev(ctx, "k2")
	c.Assert(err, IsNil)
	c.Assert(string(value), Equals, "v2")
}

func (s *backendSuite) TestCompareAndSwapRejectsExistenceMismatch(c *C) {
	ctx := context.Background()

	err := s.backend.CompareAndSwap(ctx, "k3", nil, true, []byte("v1"))
	c.Assert(trace.IsCompareFailed(err), Equals, true)

	err = s.backend.CompareAndSwap(ctx, "k3", nil, false, []byte("v1"))
	c.Assert(err, IsNil)

	err = s.backend.CompareAndSwap(ctx, "k3", nil, false, []byte("v2"))
	c.Assert(trace.IsCompareFailed(err), Equals, true)
}

func (s *backendSuite) TestListOperations(c *C) {
	ctx := context.Background()

	c.Assert(s.backend.RPush(ctx, "q1", "a"), IsNil)
	c.Assert(s.backend.RPush(ctx, "q1", "b"), IsNil)
	c.Assert(s.backend.RPush(ctx, "q1", "a"), IsNil)

	list, err := s.backend.LRange(ctx, "q1")
	c.Assert(err, IsNil)
	c.Assert(list, DeepEquals, []string{"a", "b", "a"})

	value, found, err := s.backend.LPop(ctx, "q1")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)
	c.Assert(value, Equals, "a")

	removed, err := s.backend.LRem(ctx, "q1", "a")
	c.Assert(err, IsNil)
	c.Assert(removed, Equals, 1)

	list, err = s.backend.LRange(ctx, "q1")
	c.Assert(err, IsNil)
	c.Assert(list, DeepEquals, []string{"b"})

	_, found, err = s.backend.LPop(ctx, "q1")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)
	_, found, err = s.backend.LPop(ctx, "q1")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, false)
}

func (s *backendSuite) TestUpdateJSONRetriesOnConflict(c *C) {
	ctx := context.Background()
	type counter struct{ N int }

	c.Assert(SetJSON(ctx, s.backend, "c1", counter{N: 0}), IsNil)

	attempts := 0
	err := UpdateJSON[counter](ctx, s.backend, "c1", 10, func(exists bool, current counter) (counter, bool, error) {
		attempts++
		if attempts == 1 {
			// Simulate a concurrent writer winning the race on the first try.
			c.Assert(s.backend.Set(ctx, "c1", []byte(`{"N":99}`)), IsNil)
		}
		current.N++
		return current, true, nil
	})
	c.Assert(err, IsNil)
	c.Assert(attempts > 1, Equals, true)

	final, err := GetJSON[counter](ctx, s.backend, "c1")
	c.Assert(err, IsNil)
	c.Assert(final.N, Equals, 100)
}

func (s *backendSuite) TestGetJSONNotFound(c *C) {
	ctx := context.Background()
	type record struct{ Name string }

	_, err := GetJSON[record](ctx, s.backend, "missing")
	c.Assert(trace.IsNotFound(err), Equals, true)
}

type BoltSuite struct {
	backendSuite
	dir string
}

var _ = Suite(&BoltSuite{})

func (s *BoltSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
	backend, err := NewBoltInDir(s.dir, "qcloud.db")
	c.Assert(err, IsNil)
	s.backend = backend
}

func (s *BoltSuite) TearDownTest(c *C) {
	c.Assert(s.backend.Close(), IsNil)
}

// EtcdSuite runs the same conformance checks against a live etcd cluster.
// It is skipped unless QCLOUD_TEST_ETCD_ENDPOINTS names at least one
// endpoint, since no etcd server is assumed to be running in the default
// test environment.
type EtcdSuite struct {
	backendSuite
}

var _ = Suite(&EtcdSuite{})

func (s *EtcdSuite) SetUpTest(c *C) {
	raw := os.Getenv("QCLOUD_TEST_ETCD_ENDPOINTS")
	if raw == "" {
		c.Skip("QCLOUD_TEST_ETCD_ENDPOINTS not set")
	}
	backend, err := NewEtcd(EtcdConfig{
		Nodes:  strings.Split(raw, ","),
		Prefix: "/qcloud-test",
	})
	c.Assert(err, IsNil)
	s.backend = backend
}

func (s *EtcdSuite) TearDownTest(c *C) {
	if s.backend == nil {
		return
	}
	c.Assert(s.backend.Close(), IsNil)
}
