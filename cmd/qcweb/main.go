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

// Command qcweb runs the compute HTTP adapter: register, submit, delete,
// status, list and download, backed by JobManager and authenticated
// against the authentication service. Equivalent to web_server.py's
// standalone invocation.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nutjunkie/qcloud/lib/authclient"
	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/config"
	"github.com/nutjunkie/qcloud/lib/connector"
	"github.com/nutjunkie/qcloud/lib/httpapi"
	"github.com/nutjunkie/qcloud/lib/jobmanager"
	"github.com/nutjunkie/qcloud/lib/log"
)

func main() {
	app := kingpin.New("qcweb", "Compute HTTP adapter")
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

	cwd, _ := os.Getwd()
	logger.WithField("cwd", cwd).Info("starting qcweb")
	logger.WithField("config", configPath).Info("reading configuration file")

	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	backend, err := cfg.Store.Open()
	if err != nil {
		return trace.Wrap(err, "opening state store")
	}
	defer backend.Close()

	amqpURL, err := cfg.Queue.AMQPURL()
	if err != nil {
		return trace.Wrap(err)
	}
	messageBus, err := bus.NewAMQP(bus.AMQPConfig{URL: amqpURL, Queue: "qcweb", Logger: logger})
	if err != nil {
		return trace.Wrap(err, "connecting to message bus")
	}
	defer messageBus.Close()

	submitter, err := batchSubmitter(cfg, logger)
	if err != nil {
		return trace.Wrap(err)
	}

	manager, err := jobmanager.New(jobmanager.Config{
		Store:     backend,
		Bus:       messageBus,
		WorkDir:   cfg.Queue.WorkDir,
		Submitter: submitter,
		Logger:    logger,
	})
	if err != nil {
		return trace.Wrap(err, "constructing job manager")
	}

	authBaseURL := fmt.Sprintf("http://%s:%s", cfg.Authentication.Host, cfg.Authentication.Port)
	authClient, err := authclient.New(authclient.Config{BaseURL: authBaseURL, Timeout: 10 * time.Second})
	if err != nil {
		return trace.Wrap(err, "constructing authentication client")
	}

	server, err := httpapi.New(httpapi.Config{
		JobManager: manager,
		Auth:       authClient,
		Logger:     logger,
	})
	if err != nil {
		return trace.Wrap(err, "constructing http server")
	}

	addr := ":" + cfg.Server.Port
	logger.WithField("addr", addr).Info("qcweb listening")
	return trace.Wrap(http.ListenAndServe(addr, server))
}

// batchSubmitter wires a BatchLocal submitter when aimm.rq_conn names a
// "batch" backend reachable from this host, so $batch...$end directives are
// submitted to Slurm synchronously at submit time instead of going through
// the bus. Returns a nil Submitter, which JobManager.Submit treats as "no
// head-node connector configured", when no such backend is configured.
func batchSubmitter(cfg *config.Config, logger log.Logger) (jobmanager.BatchSubmitter, error) {
	for _, cc := range cfg.Connectors {
		if cc.Type != "batch" {
			continue
		}
		return connector.NewBatchLocal(connector.BatchLocalConfig{
			SbatchPath: cfg.AIMM.SlurmPath,
			Logger:     logger,
		})
	}
	return nil, nil
}
