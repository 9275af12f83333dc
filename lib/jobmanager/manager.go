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

// Package jobmanager implements JobManager: the single point
// of entry that mints job identifiers, persists their records, and either
// hands a job to the event bus for local queueing or, for a workload
// manager directive, submits it synchronously to a head-node connector.
package jobmanager

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"github.com/pborman/uuid"

	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/defaults"
	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/store"
)

// BatchSubmitter is implemented by a head-node connector capable of taking
// a workload manager directive and submitting it directly, bypassing the
// local queue entirely. A job submitted this way is never seen by
// LocalQueueMonitor's event stream; Get refreshes its status by polling the
// submitter, when the submitter also implements BatchRefresher.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, jobID, workDir, batchFilename, directive string) (backendID string, err error)
}

// BatchRefresher is an optional capability of a BatchSubmitter: polling the
// backend directly for a job it submitted synchronously. Get calls this for
// any non-terminal job with a BackendID, since such a job bypasses
// LocalQueueMonitor/RemoteQueueMonitor entirely and has nothing else driving
// its status forward.
type BatchRefresher interface {
	Refresh(ctx context.Context, backendID string) (status jobs.Status, found bool, err error)
}

// BatchTerminator is an optional capability of a BatchSubmitter: cancelling
// a job it submitted synchronously. Delete calls this for a job with a
// BackendID before marking it DELETED.
type BatchTerminator interface {
	Terminate(ctx context.Context, backendID string) error
}

// Config configures a JobManager.
type Config struct {
	Store   store.Backend
	Bus     bus.Bus
	// WorkDir is the parent directory under which every job gets its own
	// subdirectory named after its job id.
	WorkDir string
	// Submitter handles workload manager directives. May be nil, in which
	// case Submit rejects directive-bearing input with BadParameter —
	// the expected configuration for a node with no head-node connector.
	Submitter BatchSubmitter
	Logger    log.Logger
}

func (c Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing Bus")
	}
	if c.WorkDir == "" {
		return trace.BadParameter("missing WorkDir")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	return nil
}

// Manager is a JobManager.
type Manager struct {
	cfg Config
}

// New constructs a Manager.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg}, nil
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

// newJobID mints a job identifier: a hex-encoded time-based UUID with no
// separators.
func newJobID() string {
	return strings.Replace(uuid.NewUUID().String(), "-", "", -1)
}

// Submit creates a new job from program input, writing it to its own work
// directory. Input beginning with a $batch...$end directive is submitted
// synchronously through cfg.Submitter; all other input is stored NEW and
// announced with a job_created event for LocalQueueMonitor to pick up.
func (m *Manager) Submit(ctx context.Context, input string) (*jobs.Job, error) {
	directive, remainder, isBatch := parseDirective(input)
	if isBatch && m.cfg.Submitter == nil {
		return nil, trace.BadParameter("workload manager directive given but no head-node connector is configured")
	}

	jobID := newJobID()
	workDir := m.workDir(jobID)
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return nil, trace.Wrap(err, "creating work directory for %v", jobID)
	}

	if isBatch {
		return m.submitBatch(ctx, jobID, workDir, directive, remainder)
	}
	return m.submitLocal(ctx, jobID, workDir, input)
}

func (m *Manager) submitLocal(ctx context.Context, jobID, workDir, input string) (*jobs.Job, error) {
	if err := os.WriteFile(filepath.Join(workDir, defaults.InputFilename), []byte(input), 0640); err != nil {
		return nil, trace.Wrap(err, "writing input for %v", jobID)
	}

	job := &jobs.Job{JobID: jobID, Status: jobs.StatusNew, Files: []string{}, WorkDir: workDir}
	if err := store.SetJSON(ctx, m.cfg.Store, jobKey(jobID), job); err != nil {
		return nil, trace.Wrap(err, "persisting %v", jobID)
	}

	if err := m.cfg.Bus.Publish(ctx, jobs.Event{JobID: jobID, Kind: jobs.EventJobCreated}); err != nil {
		m.cfg.Logger.WithField("jobid", jobID).WithError(err).Warn("failed to publish job_created event")
	}
	return job, nil
}

func (m *Manager) submitBatch(ctx context.Context, jobID, workDir, directive, body string) (*jobs.Job, error) {
	base := baseNameFromDirective(directive)
	inputFilename, outputFilename, batchFilename := defaults.InputFilename, defaults.OutputFilename, "batch"
	if base != "" {
		inputFilename, outputFilename, batchFilename = base+".inp", base+".out", base+".bat"
	}

	if err := os.WriteFile(filepath.Join(workDir, inputFilename), []byte(body), 0640); err != nil {
		return nil, trace.Wrap(err, "writing input for %v", jobID)
	}

	backendID, err := m.cfg.Submitter.SubmitBatch(ctx, jobID, workDir, batchFilename, directive)
	status := jobs.StatusQueued
	var submitErr string
	if err != nil {
		status = jobs.StatusError
		submitErr = jobs.WithKind(err, jobs.ErrorKindSubmission).Error()
		m.cfg.Logger.WithField("jobid", jobID).WithError(err).Error("batch submission failed")
	}

	job := &jobs.Job{
		JobID:     jobID,
		BackendID: backendID,
		Status:    status,
		Files:     []string{inputFilename},
		Error:     submitErr,
		WorkDir:   workDir,
	}
	_ = outputFilename // recorded on completion by the connector, not at submit time
	if err := store.SetJSON(ctx, m.cfg.Store, jobKey(jobID), job); err != nil {
		return nil, trace.Wrap(err, "persisting %v", jobID)
	}
	return job, nil
}

// Get returns the current record for jobID. A job with no record returns a
// synthetic jobs.StatusDNE record rather than an error. A non-terminal job
// bound to a synchronously-submitted backend is refreshed against it first,
// since such a job is never seen by LocalQueueMonitor/RemoteQueueMonitor.
func (m *Manager) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := store.GetJSON[jobs.Job](ctx, m.cfg.Store, jobKey(jobID))
	if trace.IsNotFound(err) {
		dne := jobs.DNE(jobID)
		return &dne, nil
	}
	if err != nil {
		return nil, trace.Wrap(err, "reading %v", jobID)
	}
	if err := m.refreshBatch(ctx, &job); err != nil {
		m.cfg.Logger.WithField("jobid", jobID).WithError(err).Warn("failed to refresh batch job status")
	}
	return &job, nil
}

// refreshBatch polls cfg.Submitter for job's live status when it was
// submitted synchronously (BackendID set) and cfg.Submitter implements
// BatchRefresher, updating the persisted record in place and reflecting the
// change onto job. It is a no-op for a bus-routed job or a Submitter with no
// refresh capability.
func (m *Manager) refreshBatch(ctx context.Context, job *jobs.Job) error {
	if job.BackendID == "" || job.Status.Terminal() {
		return nil
	}
	refresher, ok := m.cfg.Submitter.(BatchRefresher)
	if !ok {
		return nil
	}

	status, found, err := refresher.Refresh(ctx, job.BackendID)
	if err != nil {
		return trace.Wrap(err)
	}
	if found && status == job.Status {
		return nil
	}

	return store.UpdateJSON[jobs.Job](ctx, m.cfg.Store, jobKey(job.JobID), defaults.CASRetryLimit,
		func(exists bool, current jobs.Job) (jobs.Job, bool, error) {
			if !exists || current.Status.Terminal() {
				*job = current
				return current, false, nil
			}
			current.Status = status
			if status == jobs.StatusDone {
				if files, ferr := listWorkDir(current.WorkDir); ferr == nil {
					current.Files = files
				}
			}
			*job = current
			return current, true, nil
		})
}

// Delete requests termination of a running or queued job and marks it
// DELETED. Terminal jobs are left untouched. A job bound to a
// synchronously-submitted backend (BackendID set at submit time) is
// cancelled directly through the submitter's Terminate before being marked
// DELETED; any other non-terminal job is either still waiting in the shared
// new worklist or owned by a RemoteQueueMonitor running in another process,
// so Delete only publishes job_terminate_requested and leaves cancellation
// to whichever monitor holds it.
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !job.IsValid() || job.Status.Terminal() {
		return nil
	}

	if job.BackendID != "" {
		if terminator, ok := m.cfg.Submitter.(BatchTerminator); ok {
			if err := terminator.Terminate(ctx, job.BackendID); err != nil {
				return trace.Wrap(err, "cancelling %v", jobID)
			}
		}
	}

	var transitioned bool
	err = store.UpdateJSON[jobs.Job](ctx, m.cfg.Store, jobKey(jobID), defaults.CASRetryLimit,
		func(exists bool, current jobs.Job) (jobs.Job, bool, error) {
			if !exists {
				return current, false, trace.NotFound("job %v not found", jobID)
			}
			if current.Status.Terminal() {
				return current, false, nil
			}
			current.Status = jobs.StatusDeleted
			transitioned = true
			return current, true, nil
		})
	if err != nil {
		return trace.Wrap(err, "deleting %v", jobID)
	}
	if !transitioned || job.BackendID != "" {
		// Either already terminal, or already cancelled directly above with
		// no monitor owning this job to react to a terminate event.
		return nil
	}
	return m.cfg.Bus.Publish(ctx, jobs.Event{JobID: jobID, Kind: jobs.EventJobTerminateRequested})
}

// ListFiles returns the names of files present in jobID's work directory.
func (m *Manager) ListFiles(ctx context.Context, jobID string) ([]string, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !job.IsValid() {
		return nil, trace.NotFound("job %v not found", jobID)
	}
	return job.Files, nil
}

// GetFilePath returns the on-disk path of fname within jobID's work
// directory, if it exists and was recorded on the job.
func (m *Manager) GetFilePath(ctx context.Context, jobID, fname string) (string, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !job.IsValid() || !job.HasFile(fname) {
		return "", trace.NotFound("%v has no file %v", jobID, fname)
	}
	path := filepath.Join(job.WorkDir, fname)
	if _, err := os.Stat(path); err != nil {
		return "", trace.Wrap(err, "locating %v for %v", fname, jobID)
	}
	return path, nil
}

func (m *Manager) workDir(jobID string) string {
	return filepath.Join(m.cfg.WorkDir, jobID)
}

// listWorkDir lists the names of every entry in dir.
func listWorkDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}
