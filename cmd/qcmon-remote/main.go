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

// Command qcmon-remote runs one RemoteQueueMonitor against a single
// configured compute backend. Equivalent to remote_queue_monitor.py's
// standalone invocation, which likewise takes the backend's section name as
// its second argument.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/config"
	"github.com/nutjunkie/qcloud/lib/connector"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/remotequeue"
)

func main() {
	app := kingpin.New("qcmon-remote", "Remote queue monitor")
	configPath := app.Arg("config", "Path to the qcloud configuration file").Required().String()
	backendID := app.Arg("backend", "Section name of the compute backend to drive").Required().String()
	debug := app.Flag("debug", "Enable debug logging").Bool()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*configPath, *backendID, *debug); err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}
}

func run(configPath, backendID string, debug bool) error {
	level := "info"
	if debug {
		level = "debug"
	}
	logger := log.Init(log.Config{Level: level}).WithField("backend", backendID)
	logger.WithField("config", configPath).Info("reading configuration file")

	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	var connCfg *config.ConnectorConfig
	for i := range cfg.Connectors {
		if cfg.Connectors[i].ID == backendID {
			connCfg = &cfg.Connectors[i]
			break
		}
	}
	if connCfg == nil {
		return trace.BadParameter("no [%v] section configured under aimm.rq_conn", backendID)
	}

	conn, err := buildConnector(*connCfg, cfg.AIMM.ScriptPath, logger)
	if err != nil {
		return trace.Wrap(err, "constructing %v connector", connCfg.Type)
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
	messageBus, err := bus.NewAMQP(bus.AMQPConfig{URL: amqpURL, Queue: "qcloud.remotequeue." + backendID, Logger: logger})
	if err != nil {
		return trace.Wrap(err, "connecting to message bus")
	}
	defer messageBus.Close()

	monitor, err := remotequeue.New(remotequeue.Config{
		Store:        backend,
		Bus:          messageBus,
		Connector:    conn,
		QueueID:      backendID,
		UpdatePeriod: time.Duration(connCfg.UpdatePeriod * float64(time.Second)),
		Logger:       logger,
	})
	if err != nil {
		return trace.Wrap(err, "constructing remote queue monitor")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("qcmon-remote running")
	return trace.Wrap(monitor.Run(ctx))
}

// buildConnector constructs the Connector variant named by cc.Type: "local"
// forks runqchem as a child process, "ssh" drives a PBS head node over
// secure shell. "batch" (BatchLocal) is not a Connector — it is wired
// directly into JobManager by cmd/qcweb instead.
func buildConnector(cc config.ConnectorConfig, scriptPath string, logger log.Logger) (connector.Connector, error) {
	switch cc.Type {
	case "local":
		return connector.NewLocal(connector.LocalConfig{
			RunnerPath:       scriptPath,
			MaxJobs:          cc.QueueSize,
			TimeLimitSeconds: cc.TimeLimit,
			MemLimitMB:       cc.MemLimit,
			Logger:           logger,
		})
	case "ssh":
		clientConf, err := sshClientConfig(cc)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return connector.NewSSH(connector.SSHConfig{
			Host:       cc.Host,
			Port:       cc.Port,
			User:       cc.Username,
			ClientConf: clientConf,
			MaxJobs:    cc.QueueSize,
			Queue:      cc.PBSQueue,
			Property:   cc.PBSProperty,
			Walltime:   formatWalltime(cc.TimeLimit),
			Logger:     logger,
		})
	default:
		return nil, trace.BadParameter("unknown connector type %q for backend %v", cc.Type, cc.ID)
	}
}

// sshClientConfig loads the private key named by cc.KeyFile, mirroring
// rqconn_pbs.py's key_filename argument to paramiko's SSHClient.connect.
func sshClientConfig(cc config.ConnectorConfig) (*ssh.ClientConfig, error) {
	if cc.KeyFile == "" {
		return nil, trace.BadParameter("backend %v requires key_file", cc.ID)
	}
	keyBytes, err := os.ReadFile(cc.KeyFile)
	if err != nil {
		return nil, trace.Wrap(err, "reading private key %v", cc.KeyFile)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing private key %v", cc.KeyFile)
	}
	return &ssh.ClientConfig{
		User:            cc.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}, nil
}

// formatWalltime renders a second count as PBS's H:M:S walltime directive,
// matching rqconn_pbs.py's constructor.
func formatWalltime(seconds int) string {
	hours := seconds / 3600
	minutes := (seconds / 60) % 60
	secs := seconds % 60
	return fmt.Sprintf("%d:%02d:%02d", hours, minutes, secs)
}
