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

package jobs

// EventKind identifies the kind of a job-event bus message. Events are
// routing-keyed by kind so multiple monitors can filter independently.
type EventKind string

const (
	EventJobCreated             EventKind = "job_created"
	EventJobSubmitted           EventKind = "job_submitted"
	EventJobStarted             EventKind = "job_started"
	EventJobCompleted           EventKind = "job_completed"
	EventJobTerminateRequested  EventKind = "job_terminate_requested"
	EventJobError               EventKind = "job_error"
)

// EventKinds lists every routing key the local queue monitor subscribes to.
var EventKinds = []EventKind{
	EventJobCreated,
	EventJobSubmitted,
	EventJobStarted,
	EventJobCompleted,
	EventJobTerminateRequested,
	EventJobError,
}

// Event is the immutable notification published on the job-events bus.
type Event struct {
	JobID string    `json:"jobid"`
	Kind  EventKind `json:"-"`
	Error string    `json:"error,omitempty"`
}
