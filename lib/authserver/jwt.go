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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
)

// claims is the JWT payload shape generate_jwt/jwt.decode used: a bare
// "userid" claim, plus an expiry only set when the original requested one.
type claims struct {
	UserID string `json:"userid"`
	jwt.RegisteredClaims
}

// generateToken mirrors generate_jwt: userid "1" (the admin account) always
// gets a one-second expiry regardless of configuration, a non-zero
// expirySeconds sets a normal expiry, and zero means no expiry at all
// (anonymous accounts).
func generateToken(userid string, expirySeconds int, code []byte) (string, error) {
	c := claims{UserID: userid}
	switch {
	case userid == "1":
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Second))
	case expirySeconds != 0:
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Duration(expirySeconds) * time.Second))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(code)
	if err != nil {
		return "", trace.Wrap(err, "signing token for %v", userid)
	}
	return signed, nil
}

// validateToken mirrors ValidateToken's jwt.decode call, distinguishing an
// expired signature from any other decode failure.
func validateToken(token string, code []byte) (userid string, err error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (interface{}, error) {
		return code, nil
	})
	if err != nil {
		return "", trace.Wrap(err, "JWT failed validation")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", trace.BadParameter("JWT invalid token")
	}
	return c.UserID, nil
}
