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

// Command qcmon-local runs LocalQueueMonitor: the bus consumer that tracks
// every job's NEW -> QUEUED -> RUNNING -> DONE/ERROR transitions by
// maintaining the new/submitted/running worklists. Equivalent to
// local_queue_monitor.py's standalone invocation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/config"
	"github.com/nutjunkie/qcloud/lib/localqueue"
	"github.com/nutjunkie/qcloud/lib/log"
)

func main() {
	app := kingpin.New("qcmon-local", "Local queue monitor")
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

	backend, err := cfg.Store.Open()
	if err != nil {
		return trace.Wrap(err, "opening state store")
	}
	defer backend.Close()

	amqpURL, err := cfg.Queue.AMQPURL()
	if err != nil {
		return trace.Wrap(err)
	}
	messageBus, err := bus.NewAMQP(bus.AMQPConfig{URL: amqpURL, Queue: "qcloud.localqueue", Logger: logger})
	if err != nil {
		return trace.Wrap(err, "connecting to message bus")
	}
	defer messageBus.Close()

	monitor, err := localqueue.New(localqueue.Config{
		Store:     backend,
		Bus:       messageBus,
		Logger:    logger,
		QueueName: "qcloud.localqueue",
	})
	if err != nil {
		return trace.Wrap(err, "constructing local queue monitor")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("qcmon-local running")
	return trace.Wrap(monitor.Run(ctx))
}
