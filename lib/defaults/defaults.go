/*
Copyright 2018 Gravitational, Inc.

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

// Package defaults holds constants shared by the job lifecycle engine and
// its wire adapters.
package defaults

import "time"

const (
	// InputFilename is the name of the file the job's raw input is written
	// to in its working directory when no backend directive is present.
	InputFilename = "input"

	// OutputFilename is the file a completed job is expected to have
	// produced; its absence after completion is the "missing output" error.
	OutputFilename = "output"

	// DirectiveOpen and DirectiveClose delimit the optional backend
	// directive block in raw submission input.
	DirectiveOpen  = "$batch"
	DirectiveClose = "$end"

	// JobQueueExchange is the AMQP exchange job events are published to.
	JobQueueExchange = "aimm.jobqueue"

	// LocalQueueNewKey is the StateStore list key holding jobids awaiting
	// dispatch to any backend.
	LocalQueueNewKey = "localqueue:new"

	// RemoteQueueMonitorPeriod is the default delay between RemoteQueueMonitor
	// cycles when a backend does not override it.
	RemoteQueueMonitorPeriod = 5 * time.Second

	// CASRetryLimit bounds the number of optimistic check-and-set retries
	// before UpdateJSON gives up and returns a conflict error.
	CASRetryLimit = 50

	// SSHReconnectBackoff is a delay for re-establishing a dropped
	// secure-shell connection. The RemoteSSH connector does not read it:
	// after a reset it redials on its next use, with no wait of its own.
	SSHReconnectBackoff = 3 * time.Second

	// SFTPRemoteBaseDir is the parent directory remote working directories
	// are created under on the RemoteSSH backend host.
	SFTPRemoteBaseDir = "qchemserv"
)
