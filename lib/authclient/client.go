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

// Package authclient is the HTTP client lib/httpapi uses to validate a
// caller's token against the authentication service, equivalent to
// qcweb/web_server.py's BaseHandler.validate_token.
package authclient

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"
)

const (
	headerToken         = "Qcloud-Token"
	headerServerStatus  = "Qcloud-Server-Status"
	headerServerMessage = "Qcloud-Server-Message"
	headerServerUserid  = "Qcloud-Server-Userid"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the authentication service's base address, e.g.
	// "http://localhost:8001".
	BaseURL string
	Timeout time.Duration
}

func (c *Config) checkAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing BaseURL")
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

// Client calls the authentication service over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Validate calls GET /validate with the given token and returns the userid
// the authentication service decoded from it. Mirrors validate_token's
// "Qcloud-Server-Status" != "OK" => raise the server's message exactly.
func (c *Client) Validate(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/validate", nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	req.Header.Set(headerToken, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", trace.Wrap(err, "calling authentication service")
	}
	defer resp.Body.Close()

	if resp.Header.Get(headerServerStatus) != "OK" {
		msg := resp.Header.Get(headerServerMessage)
		if msg == "" {
			msg = "token validation failed"
		}
		return "", trace.AccessDenied(msg)
	}
	userid := resp.Header.Get(headerServerUserid)
	if userid == "" {
		return "", trace.AccessDenied("authentication service returned no userid")
	}
	return userid, nil
}

// Register calls GET /register on an anonymous authentication service and
// returns the freshly minted userid and token, equivalent to web_server.py's
// Register handler.
func (c *Client) Register(ctx context.Context) (userid, token string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/register", nil)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", trace.Wrap(err, "calling authentication service")
	}
	defer resp.Body.Close()

	if resp.Header.Get(headerServerStatus) != "OK" {
		msg := resp.Header.Get(headerServerMessage)
		if msg == "" {
			msg = "registration failed"
		}
		return "", "", trace.AccessDenied(msg)
	}
	return resp.Header.Get(headerServerUserid), resp.Header.Get(headerToken), nil
}
