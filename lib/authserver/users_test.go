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

package authserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/store"
)

func TestAuthServer(t *testing.T) { TestingT(t) }

type UsersSuite struct {
	backend store.Backend
	users   *UserManager
}

var _ = Suite(&UsersSuite{})

func (s *UsersSuite) SetUpTest(c *C) {
	backend, err := store.NewBoltInDir(c.MkDir(), "qcloud.db")
	c.Assert(err, IsNil)
	s.backend = backend

	users, err := NewUserManager(UserManagerConfig{Store: backend, AdminAccount: "admin"})
	c.Assert(err, IsNil)
	s.users = users
	c.Assert(s.users.SetAdminPassword(context.Background(), "hunter2"), IsNil)
}

func (s *UsersSuite) TearDownTest(c *C) {
	c.Assert(s.backend.Close(), IsNil)
}

func (s *UsersSuite) TestAddUserRequiresAdminPassword(c *C) {
	ctx := context.Background()
	_, err := s.users.AddUser(ctx, "alice", "pw", "wrong")
	c.Assert(err, NotNil)
}

func (s *UsersSuite) TestAddUserThenAuthenticate(c *C) {
	ctx := context.Background()
	userid, err := s.users.AddUser(ctx, "alice", "pw", "hunter2")
	c.Assert(err, IsNil)
	c.Assert(userid, Not(Equals), "")

	ok, err := s.users.AuthenticateUser(ctx, "alice", "pw")
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)

	ok, err = s.users.AuthenticateUser(ctx, "alice", "wrongpw")
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, false)
}

func (s *UsersSuite) TestAddUserRejectsAdminAsUsername(c *C) {
	ctx := context.Background()
	_, err := s.users.AddUser(ctx, "admin", "pw", "hunter2")
	c.Assert(err, NotNil)
}

func (s *UsersSuite) TestDeleteUserRequiresAdminPassword(c *C) {
	ctx := context.Background()
	_, err := s.users.AddUser(ctx, "alice", "pw", "hunter2")
	c.Assert(err, IsNil)

	err = s.users.DeleteUser(ctx, "alice", "wrong")
	c.Assert(err, NotNil)

	c.Assert(s.users.DeleteUser(ctx, "alice", "hunter2"), IsNil)
	exists, err := s.users.UserExists(ctx, "alice")
	c.Assert(err, IsNil)
	c.Assert(exists, Equals, false)
}

func (s *UsersSuite) TestAnonymousServerMintsThrowawayAccounts(c *C) {
	backend, err := store.NewBoltInDir(c.MkDir(), "anon.db")
	c.Assert(err, IsNil)
	defer backend.Close()

	anon, err := NewUserManager(UserManagerConfig{Store: backend, Anon: true, AdminAccount: "admin"})
	c.Assert(err, IsNil)

	ctx := context.Background()
	userid, err := anon.AddAnonymousUser(ctx)
	c.Assert(err, IsNil)

	ok, err := anon.AuthenticateUser(ctx, userid, "")
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)

	_, err = anon.AddUser(ctx, "alice", "pw", "x")
	c.Assert(err, NotNil)
}

type ServerSuite struct {
	backend store.Backend
	server  *Server
}

var _ = Suite(&ServerSuite{})

func (s *ServerSuite) SetUpTest(c *C) {
	backend, err := store.NewBoltInDir(c.MkDir(), "qcloud.db")
	c.Assert(err, IsNil)
	s.backend = backend

	srv, err := New(Config{
		Store:            backend,
		JWTCode:          []byte("test-signing-key"),
		JWTExpirySeconds: 3600,
		AdminAccount:     "admin",
		AdminPassword:    "hunter2",
		Logger:           log.Init(log.Config{}),
	})
	c.Assert(err, IsNil)
	s.server = srv
}

func (s *ServerSuite) TearDownTest(c *C) {
	c.Assert(s.backend.Close(), IsNil)
}

func (s *ServerSuite) TestTokenThenValidateRoundTrip(c *C) {
	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	req.Header.Set(headerClientUser, "admin")
	req.Header.Set(headerClientPass, "hunter2")
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	c.Assert(rec.Header().Get(headerServerStatus), Equals, "OK")
	token := rec.Header().Get(headerToken)
	c.Assert(token, Not(Equals), "")

	req2 := httptest.NewRequest(http.MethodGet, "/validate", nil)
	req2.Header.Set(headerToken, token)
	rec2 := httptest.NewRecorder()
	s.server.ServeHTTP(rec2, req2)
	c.Assert(rec2.Header().Get(headerServerStatus), Equals, "OK")
	c.Assert(rec2.Header().Get(headerServerUserid), Equals, "1")
}

func (s *ServerSuite) TestValidateRejectsGarbageToken(c *C) {
	req := httptest.NewRequest(http.MethodGet, "/validate", nil)
	req.Header.Set(headerToken, "not-a-jwt")
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	c.Assert(rec.Code, Equals, http.StatusUnauthorized)
}
