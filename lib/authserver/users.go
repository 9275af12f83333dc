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

// Package authserver is the authentication daemon, equivalent to
// qcauth/authentication_server.py and qcauth/user_manager.py: it issues and
// validates JWTs and stores user credentials in the StateStore under
// "user:{name}" records.
package authserver

import (
	"context"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
	"github.com/pborman/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nutjunkie/qcloud/lib/store"
)

var (
	userIDPattern   = regexp.MustCompile("^[a-z0-9]{32}$")
	usernamePattern = regexp.MustCompile("^[a-zA-Z0-9_.-]+$")
)

// userRecord is the persisted shape of one account, stored at
// "user:{name}".
type userRecord struct {
	ID           string `json:"id"`
	PasswordHash string `json:"pwhash"`
}

// UserManagerConfig configures a UserManager.
type UserManagerConfig struct {
	Store store.Backend
	// Anon runs the server in anonymous mode: AddUser/DeleteUser are
	// refused and AddAnonymousUser mints throwaway accounts instead.
	Anon bool
	// AdminAccount names the account add_user/delete_user authenticate
	// against; it can never itself be added, deleted, or used as the user
	// argument to AddUser.
	AdminAccount string
}

// UserManager stores and authenticates qcloud accounts, grounded on
// user_manager.py's UserManager class.
type UserManager struct {
	cfg UserManagerConfig
}

// NewUserManager constructs a UserManager.
func NewUserManager(cfg UserManagerConfig) (*UserManager, error) {
	if cfg.Store == nil {
		return nil, trace.BadParameter("missing Store")
	}
	if cfg.AdminAccount == "" {
		return nil, trace.BadParameter("missing AdminAccount")
	}
	return &UserManager{cfg: cfg}, nil
}

func userKey(name string) string {
	return "user:" + name
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", trace.Wrap(err, "hashing password")
	}
	return string(hash), nil
}

func newUserID() string {
	return strings.Replace(uuid.New(), "-", "", -1)
}

// usernameIsValid mirrors user_manager.py's username_is_valid: the admin
// account name is never a legal user argument, and anonymous deployments
// only accept already-minted userids as names.
func (m *UserManager) usernameIsValid(user string) bool {
	if user == m.cfg.AdminAccount {
		return false
	}
	if m.cfg.Anon {
		return userIDPattern.MatchString(user)
	}
	return usernamePattern.MatchString(user)
}

// UserExists reports whether user names a known account (the admin account
// always counts as existing).
func (m *UserManager) UserExists(ctx context.Context, user string) (bool, error) {
	if user == m.cfg.AdminAccount {
		return true, nil
	}
	if !m.usernameIsValid(user) {
		return false, nil
	}
	_, found, err := m.cfg.Store.Get(ctx, userKey(user))
	if err != nil {
		return false, trace.Wrap(err)
	}
	return found, nil
}

// AddUser creates a password-authenticated account. Refused outright on an
// anonymous server; otherwise requires the admin password as
// authentication, mirroring add_user's two raised-Exception guard clauses.
func (m *UserManager) AddUser(ctx context.Context, user, password, adminPassword string) (string, error) {
	if m.cfg.Anon {
		return "", trace.BadParameter("invalid add user request for anonymous server")
	}
	ok, err := m.AuthenticateUser(ctx, m.cfg.AdminAccount, adminPassword)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !ok {
		return "", trace.AccessDenied("invalid admin password, permission denied")
	}
	if !m.usernameIsValid(user) {
		return "", trace.BadParameter("invalid username: %v", user)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return "", trace.Wrap(err)
	}
	userid := newUserID()
	if err := store.SetJSON(ctx, m.cfg.Store, userKey(user), userRecord{ID: userid, PasswordHash: hash}); err != nil {
		return "", trace.Wrap(err, "persisting user %v", user)
	}
	return userid, nil
}

// AddAnonymousUser mints a throwaway account whose name is its own userid,
// mirroring add_anonymous_user. Refused on a non-anonymous server.
func (m *UserManager) AddAnonymousUser(ctx context.Context) (string, error) {
	if !m.cfg.Anon {
		return "", trace.BadParameter("invalid add anonymous user request for server")
	}
	userid := newUserID()
	if err := store.SetJSON(ctx, m.cfg.Store, userKey(userid), userRecord{ID: userid}); err != nil {
		return "", trace.Wrap(err, "persisting anonymous user %v", userid)
	}
	return userid, nil
}

// DeleteUser removes an account's record. The admin account can never be
// deleted, and deletion itself requires the admin password, mirroring
// delete_user.
func (m *UserManager) DeleteUser(ctx context.Context, user, adminPassword string) error {
	exists, err := m.UserExists(ctx, user)
	if err != nil {
		return trace.Wrap(err)
	}
	if !exists {
		return trace.NotFound("unknown user: %v", user)
	}
	if user == m.cfg.AdminAccount {
		return trace.AccessDenied("invalid admin password, permission denied")
	}
	ok, err := m.AuthenticateUser(ctx, m.cfg.AdminAccount, adminPassword)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.AccessDenied("invalid admin password, permission denied")
	}
	return trace.Wrap(m.cfg.Store.Delete(ctx, userKey(user)))
}

// AuthenticateUser checks password against user's stored hash. On an
// anonymous server any existing user authenticates with no password check,
// mirroring authenticate_user's anon branch.
func (m *UserManager) AuthenticateUser(ctx context.Context, user, password string) (bool, error) {
	if m.cfg.Anon {
		return m.UserExists(ctx, user)
	}

	record, err := store.GetJSON[userRecord](ctx, m.cfg.Store, userKey(user))
	if trace.IsNotFound(err) {
		return false, trace.NotFound("unknown user: %v", user)
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	return bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)) == nil, nil
}

// SetAdminPassword (re)sets the admin account's password hash, mirroring
// set_admin_password, called once at startup from the configuration file.
func (m *UserManager) SetAdminPassword(ctx context.Context, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(store.SetJSON(ctx, m.cfg.Store, userKey(m.cfg.AdminAccount), userRecord{ID: "1", PasswordHash: hash}))
}

// GetUserID returns the stored userid for user, used by RequestToken.
func (m *UserManager) GetUserID(ctx context.Context, user string) (string, error) {
	record, err := store.GetJSON[userRecord](ctx, m.cfg.Store, userKey(user))
	if err != nil {
		return "", trace.Wrap(err, "reading user %v", user)
	}
	return record.ID, nil
}
