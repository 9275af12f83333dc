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

// Command qcauth runs the authentication service: token issuance and
// validation, user provisioning. Equivalent to authentication_server.py's
// standalone invocation.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nutjunkie/qcloud/lib/authserver"
	"github.com/nutjunkie/qcloud/lib/config"
	"github.com/nutjunkie/qcloud/lib/log"
)

func main() {
	app := kingpin.New("qcauth", "Authentication service")
	configPath := app.Arg("config", "Path to the qcloud configuration file").Required().String()
	debug := app.Flag("debug", "Enable debug logging").Bool()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	level := "info"
	if debug {
		level = "debug"
	}
	logger := log.Init(log.Config{Level: level})
	logger.WithField("config", configPath).Info("reading configuration file")

	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if cfg.Authentication.Debug {
		logger = log.Init(log.Config{Level: "debug"})
	}

	backend, err := cfg.Store.Open()
	if err != nil {
		return trace.Wrap(err, "opening state store")
	}
	defer backend.Close()

	if cfg.Authentication.JWTCode == "" {
		return trace.BadParameter("[authentication] jwt_code is required")
	}

	server, err := authserver.New(authserver.Config{
		Store:            backend,
		JWTCode:          []byte(cfg.Authentication.JWTCode),
		JWTExpirySeconds: cfg.Authentication.JWTExpiry,
		Anon:             cfg.Authentication.Anon,
		AdminAccount:     cfg.Authentication.AdminAccount,
		AdminPassword:    cfg.Authentication.AdminPassword,
		Logger:           logger,
	})
	if err != nil {
		return trace.Wrap(err, "constructing authentication server")
	}

	addr := ":" + cfg.Authentication.Port
	logger.WithField("addr", addr).Info("qcauth listening")
	return trace.Wrap(http.ListenAndServe(addr, server))
}
