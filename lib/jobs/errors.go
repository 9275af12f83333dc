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

import "github.com/gravitational/trace"

// ErrorKind classifies the failures the job lifecycle engine distinguishes.
// Only ErrorKindTransport ever causes a connector to reset its connection;
// the rest are either surfaced to the user or retried silently, never
// both.
type ErrorKind string

const (
	// ErrorKindSubmission is a backend refusal of a job; terminal, surfaced.
	ErrorKindSubmission ErrorKind = "submission_failure"
	// ErrorKindMissingOutput is a backend-reported completion with no
	// output file; terminal, surfaced.
	ErrorKindMissingOutput ErrorKind = "missing_output"
	// ErrorKindTransfer is a failed remote file transfer; transient, retried
	// silently, never surfaced as a terminal status.
	ErrorKindTransfer ErrorKind = "transfer_failure"
	// ErrorKindTransport is an unusable secure shell; the owning connector
	// clears its connection and retries on the next cycle.
	ErrorKindTransport ErrorKind = "transport_failure"
	// ErrorKindConflict is a lost optimistic CAS race; retried.
	ErrorKindConflict ErrorKind = "record_conflict"
	// ErrorKindUnknownJob is returned for an unrecognised jobid; surfaced as
	// StatusInvalid.
	ErrorKindUnknownJob ErrorKind = "unknown_job"
)

// KindError is a typed result wrapping one of the ErrorKind classifications
// above, used in place of catch-all exception handling for control flow.
type KindError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *KindError) Error() string {
	return e.Err.Error()
}

// Unwrap supports errors.Is/errors.As.
func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind wraps err, attaching an ErrorKind for later classification by
// KindOf. A nil err yields a nil result.
func WithKind(err error, kind ErrorKind) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: trace.Wrap(err)}
}

// KindOf extracts the ErrorKind attached by WithKind, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ke *KindError
	for err != nil {
		if k, ok := err.(*KindError); ok {
			ke = k
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	if ke == nil {
		return "", false
	}
	return ke.Kind, true
}
