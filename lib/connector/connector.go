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

// Package connector implements RemoteQueueConnector: the
// pluggable capability a RemoteQueueMonitor drives to submit, poll and
// retrieve the output of jobs running on some compute backend. Two
// variants are provided: Local (child process fork) and RemoteSSH (a
// remote workload manager reached over secure shell). BatchLocal (see
// batch.go) does not implement Connector: it bypasses the monitor entirely
// for synchronous head-node submission.
package connector

import "context"

// TrackedJob is the connector-private state kept for one job between
// Submit and its eventual completion. Backend is an opaque identifier
// meaningful only to the connector that created it (a PID, a PBS job id).
type TrackedJob struct {
	JobID     string
	Backend   string
	LocalDir  string
	RemoteDir string
}

// Connector is the RemoteQueueMonitor's capability interface onto one
// compute backend.
type Connector interface {
	// Init seeds the connector's internal tracking with jobs recovered from
	// persistent storage, so a restarted monitor does not lose track of
	// work already in flight.
	Init(ctx context.Context, tracked []TrackedJob) error
	// Update refreshes the connector's view of backend queue state. Called
	// once per monitor cycle before any GetJobStatus call.
	Update(ctx context.Context) error
	// GetJobStatus reports a tracked job's status. found is false once the
	// backend no longer knows about the job (it has left the queue,
	// successfully or not), signalling the monitor to collect output.
	GetJobStatus(ctx context.Context, job TrackedJob) (status string, found bool, err error)
	// CanSubmit reports whether the connector has spare capacity.
	CanSubmit(ctx context.Context) bool
	// Submit hands a new job to the backend.
	Submit(ctx context.Context, jobID, localDir string) (TrackedJob, error)
	// Terminate requests cancellation of a tracked job.
	Terminate(ctx context.Context, job TrackedJob) error
	// TransferOutputFiles retrieves a completed job's output into its local
	// work directory, returning the names of files transferred.
	TransferOutputFiles(ctx context.Context, job TrackedJob) ([]string, error)
}
