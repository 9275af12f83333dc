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

// Package config parses the qcloud daemons' shared INI configuration file:
// [store] (née [redis]), [queue], [authentication], [server], [aimm], and
// one section per configured remote queue connector.
package config

import (
	"strings"

	"github.com/go-ini/ini"
	"github.com/gravitational/trace"
)

// StoreConfig configures the StateStore backend. Section [store].
type StoreConfig struct {
	// Backend selects "bolt" or "etcd".
	Backend string
	Host    string
	Port    string
	// Path is the BoltDB file path, used only when Backend is "bolt".
	Path string
}

// QueueConfig configures the message bus and the job manager's working
// directory. Section [queue].
type QueueConfig struct {
	Host    string
	Port    string
	WorkDir string
}

// AuthenticationConfig configures the authentication daemon. Section
// [authentication].
type AuthenticationConfig struct {
	Host          string
	Port          string
	JWTCode       string
	JWTExpiry     int
	AdminPassword string
	AdminAccount  string
	Anon          bool
	Debug         bool
	Cookie        string
}

// ServerConfig configures the HTTP adapter daemon. Section [server].
type ServerConfig struct {
	Port string
}

// AIMMConfig names the remote queue connectors to start and the shared
// compute script path. Section [aimm].
type AIMMConfig struct {
	// Connectors lists the section names of the configured remote queue
	// backends, mirroring aimm.rq_conn's comma-separated list.
	Connectors []string
	// ScriptPath (aimm.qc) is handed to the Local connector as its
	// RunnerPath: the directory containing the runqchem executable.
	ScriptPath string
	// SlurmPath is the directory containing sbatch/squeue/scancel, used by
	// the BatchLocal submitter. job_manager.py hardcoded this as a
	// module-level slurm_path constant; here it is configurable instead.
	SlurmPath string
}

// ConnectorConfig describes one remote queue backend, read from the
// section named by its own id in AIMMConfig.Connectors.
type ConnectorConfig struct {
	ID           string
	Type         string // "local", "batch", or "ssh"
	UpdatePeriod float64
	QueueSize    int
	TimeLimit    int
	MemLimit     int
	Host         string
	Port         int
	Username     string
	PBSQueue     string
	PBSProperty  string
	// KeyFile is the private key path an ssh-type connector authenticates
	// with, mirroring rqconn_pbs.py's key_filename argument to paramiko.
	KeyFile string
}

// Config is the parsed content of one qcloud daemon's configuration file.
type Config struct {
	Store          StoreConfig
	Queue          QueueConfig
	Authentication AuthenticationConfig
	Server         ServerConfig
	AIMM           AIMMConfig
	Connectors     []ConnectorConfig
}

// Load reads and parses the INI file at path.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading configuration file %v", path)
	}

	cfg := &Config{
		Store: StoreConfig{
			Backend: file.Section("store").Key("backend").MustString("bolt"),
			Host:    file.Section("store").Key("host").String(),
			Port:    file.Section("store").Key("port").String(),
			Path:    file.Section("store").Key("path").MustString("qcloud.db"),
		},
		Queue: QueueConfig{
			Host:    file.Section("queue").Key("host").String(),
			Port:    file.Section("queue").Key("port").String(),
			WorkDir: file.Section("queue").Key("workdir").String(),
		},
		Authentication: AuthenticationConfig{
			Host:          file.Section("authentication").Key("host").String(),
			Port:          file.Section("authentication").Key("port").String(),
			JWTCode:       file.Section("authentication").Key("jwt_code").String(),
			JWTExpiry:     file.Section("authentication").Key("jwt_expiry").MustInt(0),
			AdminPassword: file.Section("authentication").Key("admin_password").String(),
			AdminAccount:  file.Section("authentication").Key("admin_account").MustString("admin"),
			Anon:          file.Section("authentication").Key("anon").MustBool(false),
			Debug:         file.Section("authentication").Key("debug").MustBool(false),
			Cookie:        file.Section("authentication").Key("cookie").String(),
		},
		Server: ServerConfig{
			Port: file.Section("server").Key("port").String(),
		},
		AIMM: AIMMConfig{
			ScriptPath: file.Section("aimm").Key("qc").String(),
			SlurmPath:  file.Section("aimm").Key("slurm_path").MustString("/opt/slurm/bin"),
		},
	}

	if raw := file.Section("aimm").Key("rq_conn").String(); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			cfg.AIMM.Connectors = append(cfg.AIMM.Connectors, id)
		}
	}

	for _, id := range cfg.AIMM.Connectors {
		section := file.Section(id)
		cfg.Connectors = append(cfg.Connectors, ConnectorConfig{
			ID:           id,
			Type:         section.Key("type").String(),
			UpdatePeriod: section.Key("update_period").MustFloat64(5),
			QueueSize:    section.Key("queue_size").MustInt(1),
			TimeLimit:    section.Key("time_limit").MustInt(0),
			MemLimit:     section.Key("mem_limit").MustInt(0),
			Host:         section.Key("host").String(),
			Port:         section.Key("port").MustInt(22),
			Username:     section.Key("username").String(),
			PBSQueue:     section.Key("pbs_queue").String(),
			PBSProperty:  section.Key("pbs_property").String(),
			KeyFile:      section.Key("key_file").String(),
		})
	}

	return cfg, nil
}
