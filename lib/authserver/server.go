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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/store"
)

const (
	headerClientUser   = "Qcloud-Client-User"
	headerClientPass   = "Qcloud-Client-Password"
	headerClientAuth   = "Qcloud-Client-Authorisation"
	headerToken        = "Qcloud-Token"
	headerServerStatus = "Qcloud-Server-Status"
	headerServerMsg    = "Qcloud-Server-Message"
	headerServerUserid = "Qcloud-Server-Userid"
)

// Config configures a Server.
type Config struct {
	Store store.Backend
	// JWTCode signs and verifies every issued token. Rotating it
	// invalidates every previously issued token, matching the warning in
	// authentication_server.py's constructor.
	JWTCode []byte
	// JWTExpirySeconds is the lifetime granted to a token issued via
	// RequestToken or AddUser; AddAnonymousUser tokens never expire (0). A
	// token for the admin account always gets one second instead.
	JWTExpirySeconds int
	Anon             bool
	AdminAccount     string
	AdminPassword    string
	Logger           log.Logger
}

func (c Config) checkAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if len(c.JWTCode) == 0 {
		return trace.BadParameter("missing JWTCode")
	}
	if c.AdminAccount == "" {
		return trace.BadParameter("missing AdminAccount")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	return nil
}

// Server is the authentication daemon.
type Server struct {
	cfg    Config
	users  *UserManager
	router *httprouter.Router
}

// New constructs a Server, setting the admin account's password from
// configuration exactly as AuthenticationServer's constructor does before
// any request is served.
func New(cfg Config) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	users, err := NewUserManager(UserManagerConfig{Store: cfg.Store, Anon: cfg.Anon, AdminAccount: cfg.AdminAccount})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.AdminPassword != "" {
		if err := users.SetAdminPassword(context.Background(), cfg.AdminPassword); err != nil {
			return nil, trace.Wrap(err, "setting admin password")
		}
	}

	s := &Server{cfg: cfg, users: users, router: httprouter.New()}
	s.router.GET("/token", s.handleRequestToken)
	s.router.GET("/adduser", s.handleAddUser)
	s.router.GET("/deleteuser", s.handleDeleteUser)
	s.router.GET("/register", s.handleAddAnonymousUser)
	s.router.GET("/validate", s.handleValidate)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func fail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set(headerServerMsg, msg)
	w.WriteHeader(status)
}

func missingHeader(name string) string {
	return "missing header: " + name
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user := r.Header.Get(headerClientUser)
	passwd := r.Header.Get(headerClientPass)
	auth := r.Header.Get(headerClientAuth)
	if user == "" || passwd == "" || auth == "" {
		fail(w, http.StatusBadRequest, missingHeader(headerClientUser))
		return
	}

	userid, err := s.users.AddUser(r.Context(), user, passwd, auth)
	if err != nil {
		s.cfg.Logger.WithError(err).Error(err.Error())
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	token, err := generateToken(userid, s.cfg.JWTExpirySeconds, s.cfg.JWTCode)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerUserid, userid)
	w.Header().Set(headerToken, token)
	s.cfg.Logger.WithField("user", user).Info("user added")
}

func (s *Server) handleAddAnonymousUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userid, err := s.users.AddAnonymousUser(r.Context())
	if err != nil {
		s.cfg.Logger.WithError(err).Error(err.Error())
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	token, err := generateToken(userid, 0, s.cfg.JWTCode)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerUserid, userid)
	w.Header().Set(headerToken, token)
	s.cfg.Logger.WithField("userid", userid).Info("user added")
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user := r.Header.Get(headerClientUser)
	auth := r.Header.Get(headerClientAuth)
	if user == "" || auth == "" {
		fail(w, http.StatusBadRequest, missingHeader(headerClientUser))
		return
	}

	if err := s.users.DeleteUser(r.Context(), user, auth); err != nil {
		s.cfg.Logger.WithError(err).Error(err.Error())
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	w.Header().Set(headerServerStatus, "OK")
	s.cfg.Logger.WithField("user", user).Info("user deleted")
}

func (s *Server) handleRequestToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	user := r.Header.Get(headerClientUser)
	passwd := r.Header.Get(headerClientPass)
	if user == "" || passwd == "" {
		fail(w, http.StatusBadRequest, missingHeader(headerClientUser))
		return
	}

	ok, err := s.users.AuthenticateUser(r.Context(), user, passwd)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	if !ok {
		fail(w, http.StatusForbidden, "invalid password")
		return
	}

	userid, err := s.users.GetUserID(r.Context(), user)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	token, err := generateToken(userid, s.cfg.JWTExpirySeconds, s.cfg.JWTCode)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerUserid, userid)
	w.Header().Set(headerToken, token)
	s.cfg.Logger.WithField("user", user).Info("token issued")
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token := r.Header.Get(headerToken)
	if token == "" {
		fail(w, http.StatusBadRequest, missingHeader(headerToken))
		return
	}

	userid, err := validateToken(token, s.cfg.JWTCode)
	if err != nil {
		s.cfg.Logger.WithError(err).Error(err.Error())
		fail(w, http.StatusUnauthorized, err.Error())
		return
	}

	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerUserid, userid)
}
