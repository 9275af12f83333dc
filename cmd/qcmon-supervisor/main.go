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

// Command qcmon-supervisor forks one qcmon-local process and one
// qcmon-remote process per configured compute backend, waiting on all of
// them. Equivalent to queue_monitor.py's standalone invocation, which did
// the same with subprocess.Popen over sys.executable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gravitational/trace"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nutjunkie/qcloud/lib/config"
	"github.com/nutjunkie/qcloud/lib/log"
)

func main() {
	app := kingpin.New("qcmon-supervisor", "Queue monitor supervisor")
	configPath := app.Arg("config", "Path to the qcloud configuration file").Required().String()
	binDir := app.Flag("bin-dir", "Directory containing the qcmon-local and qcmon-remote binaries").Default(".").String()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*configPath, *binDir); err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}
}

func run(configPath, binDir string) error {
	logger := log.Init(log.Config{Level: "info"})
	logger.WithField("config", configPath).Info("reading configuration file")

	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 1+len(cfg.Connectors))

	spawn := func(name string, args ...string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := filepath.Join(binDir, name)
			cmd := exec.CommandContext(ctx, path, args...)
			cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
			logger.WithField("child", name).WithField("args", args).Info("starting child process")
			if err := cmd.Run(); err != nil {
				errs <- trace.Wrap(err, "%v exited", name)
			}
		}()
	}

	spawn("qcmon-local", configPath)
	for _, cc := range cfg.Connectors {
		if cc.Type == "batch" {
			// BatchLocal bypasses RemoteQueueMonitor entirely; qcweb
			// submits to it directly, so it needs no monitor process here.
			continue
		}
		spawn("qcmon-remote", configPath, cc.ID)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
