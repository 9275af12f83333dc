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

package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/nutjunkie/qcloud/lib/authclient"
	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/jobmanager"
	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/store"
)

func TestHTTPAPI(t *testing.T) { TestingT(t) }

// noopBus satisfies bus.Bus with no-op behavior, sufficient for the
// synchronous Submit/Get/Delete paths exercised here, which only publish
// best-effort events.
type noopBus struct{}

func (noopBus) Publish(context.Context, jobs.Event) error { return nil }
func (noopBus) Consume(ctx context.Context, _ []jobs.EventKind, _ chan<- bus.Delivery) error {
	<-ctx.Done()
	return nil
}
func (noopBus) Close() error { return nil }

type HandlersSuite struct {
	server     *Server
	authServer *httptest.Server
	backend    store.Backend
}

var _ = Suite(&HandlersSuite{})

func (s *HandlersSuite) SetUpTest(c *C) {
	s.authServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/validate":
			if r.Header.Get("Qcloud-Token") == "good-token" {
				w.Header().Set("Qcloud-Server-Status", "OK")
				w.Header().Set("Qcloud-Server-Userid", "user1")
			} else {
				w.Header().Set("Qcloud-Server-Message", "invalid token")
			}
		case "/register":
			w.Header().Set("Qcloud-Server-Status", "OK")
			w.Header().Set("Qcloud-Server-Userid", "user2")
			w.Header().Set("Qcloud-Token", "fresh-token")
		}
	}))

	backend, err := store.NewBoltInDir(c.MkDir(), "qcloud.db")
	c.Assert(err, IsNil)
	s.backend = backend

	auth, err := authclient.New(authclient.Config{BaseURL: s.authServer.URL})
	c.Assert(err, IsNil)

	mgr, err := jobmanager.New(jobmanager.Config{
		Store:   backend,
		Bus:     noopBus{},
		WorkDir: c.MkDir(),
		Logger:  log.Init(log.Config{}),
	})
	c.Assert(err, IsNil)

	srv, err := New(Config{JobManager: mgr, Auth: auth, Logger: log.Init(log.Config{})})
	c.Assert(err, IsNil)
	s.server = srv
}

func (s *HandlersSuite) TearDownTest(c *C) {
	c.Assert(s.backend.Close(), IsNil)
	s.authServer.Close()
}

func (s *HandlersSuite) TestSubmitThenStatus(c *C) {
	req := httptest.NewRequest(http.MethodPost, "/submit?cookie=good-token", strings.NewReader("2\n0 1\nH 0 0 0\n"))
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	c.Assert(rec.Header().Get(headerServerStatus), Equals, "OK")
	jobid := rec.Header().Get(headerServerJobid)
	c.Assert(jobid, Not(Equals), "")

	req2 := httptest.NewRequest(http.MethodGet, "/status?cookie=good-token&jobid="+jobid, nil)
	rec2 := httptest.NewRecorder()
	s.server.ServeHTTP(rec2, req2)
	c.Assert(rec2.Header().Get(headerServerStatus), Equals, "OK")
	c.Assert(rec2.Header().Get(headerServerStatus2), Equals, "NEW")
}

func (s *HandlersSuite) TestStatusUnknownJobIsInvalid(c *C) {
	req := httptest.NewRequest(http.MethodGet, "/status?cookie=good-token&jobid=nosuchjob", nil)
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	c.Assert(rec.Header().Get(headerServerStatus2), Equals, "INVALID")
}

func (s *HandlersSuite) TestSubmitRejectsBadToken(c *C) {
	req := httptest.NewRequest(http.MethodPost, "/submit?cookie=bad-token", strings.NewReader("input"))
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	c.Assert(rec.Code, Equals, http.StatusUnauthorized)
}

func (s *HandlersSuite) TestRegister(c *C) {
	req := httptest.NewRequest(http.MethodGet, "/register", nil)
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	c.Assert(rec.Header().Get(headerAppStatus), Equals, "OK")
	c.Assert(rec.Header().Get("Qchemserv-Cookie"), Equals, "fresh-token")
}
