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

// Package jobs defines the canonical job record, its status transitions and
// the event messages that drive them.
package jobs

import "github.com/gravitational/trace"

// Status is the status of a computational job.
type Status string

const (
	// StatusNew is assigned at submission when no backend directive is
	// present; the job has not yet been picked up by a monitor.
	StatusNew Status = "NEW"
	// StatusQueued is assigned once a job has entered a queue (the local
	// queue, when LocalQueueMonitor handles job_created, or a backend, on
	// synchronous submission) but has not started running.
	StatusQueued Status = "QUEUED"
	// StatusRunning is assigned once the backend reports the job executing.
	StatusRunning Status = "RUNNING"
	// StatusDone is a terminal status: the job completed and produced output.
	StatusDone Status = "DONE"
	// StatusError is a terminal status: submission failure, missing output,
	// or a backend-reported error.
	StatusError Status = "ERROR"
	// StatusDeleted is a terminal status: the job was cancelled.
	StatusDeleted Status = "DELETED"
	// StatusDNE is synthesized by the store for an unknown jobid; it is
	// never persisted.
	StatusDNE Status = "DNE"
	// StatusInvalid is what the HTTP adapter surfaces for StatusDNE.
	StatusInvalid Status = "INVALID"
)

// Terminal reports whether status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusDeleted:
		return true
	default:
		return false
	}
}

// Job is the canonical, persistent description of one submission.
type Job struct {
	// JobID is the opaque globally unique identifier assigned at creation.
	JobID string `json:"jobid"`
	// BackendID is minted by the connector after submission; empty until
	// then.
	BackendID string `json:"backend_id,omitempty"`
	// Status is the job's current lifecycle state.
	Status Status `json:"status"`
	// Files is the set of filenames present in the job's working directory.
	Files []string `json:"files"`
	// Error is set only when Status is StatusError.
	Error string `json:"error,omitempty"`
	// WorkDir is the filesystem path private to this job.
	WorkDir string `json:"workdir,omitempty"`
}

// IsValid reports whether the job corresponds to a known jobid.
func (j Job) IsValid() bool {
	return j.Status != StatusDNE
}

// HasFile reports whether name is present in Files.
func (j Job) HasFile(name string) bool {
	for _, f := range j.Files {
		if f == name {
			return true
		}
	}
	return false
}

// DNE returns the synthetic record the store returns for an unknown jobid.
func DNE(jobid string) Job {
	return Job{JobID: jobid, Status: StatusDNE}
}

// transitions enumerates the directed transition graph of job status,
// keyed by (from, to). Anything not present here must be refused.
var transitions = map[Status]map[Status]bool{
	StatusNew: {
		StatusQueued:  true,
		StatusDeleted: true,
		StatusError:   true,
	},
	StatusQueued: {
		StatusRunning: true,
		StatusDeleted: true,
		StatusError:   true,
	},
	StatusRunning: {
		StatusDone:    true,
		StatusError:   true,
		StatusDeleted: true,
	},
}

// CanTransition reports whether moving a job from 'from' to 'to' is a legal
// edge of the job status state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true // idempotent re-application of an already-applied event
	}
	if from.Terminal() {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ErrTerminal is returned when a caller attempts to move a job out of a
// terminal status.
var ErrTerminal = trace.BadParameter("job has reached a terminal status")

// ErrIllegalTransition is returned when a caller attempts a transition not
// present in the state machine.
var ErrIllegalTransition = trace.BadParameter("illegal job status transition")

// ValidateTransition returns an error unless moving from 'from' to 'to' is
// legal.
func ValidateTransition(from, to Status) error {
	if from.Terminal() && from != to {
		return trace.Wrap(ErrTerminal, "from %v to %v", from, to)
	}
	if !CanTransition(from, to) {
		return trace.Wrap(ErrIllegalTransition, "from %v to %v", from, to)
	}
	return nil
}
