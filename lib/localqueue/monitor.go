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

// Package localqueue implements LocalQueueMonitor: the bus
// consumer that tracks a job through NEW -> QUEUED -> RUNNING -> DONE/ERROR
// by maintaining three worklists (new, submitted, running) in the
// StateStore and updating the job record as events arrive.
package localqueue

import (
	"context"
	"os"

	"github.com/gravitational/trace"

	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/defaults"
	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/store"
)

const (
	listNew       = defaults.LocalQueueNewKey
	listSubmitted = "localqueue:submitted"
	listRunning   = "localqueue:running"
)

// Config configures a Monitor.
type Config struct {
	Store  store.Backend
	Bus    bus.Bus
	Logger log.Logger
	// QueueName must be set, but the monitor does not pass it to the bus:
	// the queue consumed from is the one Bus was built with (for AMQP,
	// bus.AMQPConfig.Queue). Monitors sharing that bus queue load-balance
	// deliveries between the instances.
	QueueName string
}

func (c Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing Bus")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	if c.QueueName == "" {
		return trace.BadParameter("missing QueueName")
	}
	return nil
}

// Monitor is a LocalQueueMonitor.
type Monitor struct {
	cfg Config
}

// New constructs a Monitor.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{cfg: cfg}, nil
}

// Run consumes job events until ctx is cancelled, dispatching each to its
// handler and then acknowledging or rejecting the delivery. Handlers are
// idempotent: redelivery of an already-applied event is a no-op, so
// at-least-once bus delivery cannot corrupt a job's worklist membership.
func (m *Monitor) Run(ctx context.Context) error {
	deliveries := make(chan bus.Delivery)
	errCh := make(chan error, 1)
	go func() { errCh <- m.cfg.Bus.Consume(ctx, jobs.EventKinds, deliveries) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return trace.Wrap(err)
		case d := <-deliveries:
			if err := m.handle(ctx, d.Event); err != nil {
				m.cfg.Logger.WithField("jobid", d.Event.JobID).WithError(err).Error("failed to apply job event, requeueing")
				d.Nack(true)
				continue
			}
			if err := d.Ack(); err != nil {
				m.cfg.Logger.WithError(err).Warn("failed to ack delivery")
			}
		}
	}
}

func (m *Monitor) handle(ctx context.Context, event jobs.Event) error {
	switch event.Kind {
	case jobs.EventJobCreated:
		return m.onJobCreated(ctx, event)
	case jobs.EventJobSubmitted:
		return m.onJobSubmitted(ctx, event)
	case jobs.EventJobStarted:
		return m.onJobStarted(ctx, event)
	case jobs.EventJobCompleted:
		return m.onJobCompleted(ctx, event)
	case jobs.EventJobTerminateRequested:
		return m.onJobTerminateRequested(ctx, event)
	case jobs.EventJobError:
		return m.onJobError(ctx, event)
	default:
		return trace.BadParameter("unrecognised event kind %v", event.Kind)
	}
}

func (m *Monitor) onJobCreated(ctx context.Context, event jobs.Event) error {
	job, err := store.GetJSON[jobs.Job](ctx, m.cfg.Store, jobKey(event.JobID))
	if err != nil {
		return trace.Wrap(err)
	}
	if job.Status != jobs.StatusNew {
		return nil // already applied
	}
	if err := m.pushOnce(ctx, listNew, event.JobID); err != nil {
		return trace.Wrap(err)
	}
	return m.setStatus(ctx, event.JobID, jobs.StatusQueued)
}

func (m *Monitor) onJobSubmitted(ctx context.Context, event jobs.Event) error {
	if _, err := m.cfg.Store.LRem(ctx, listNew, event.JobID); err != nil {
		return trace.Wrap(err)
	}
	if err := m.pushOnce(ctx, listSubmitted, event.JobID); err != nil {
		return trace.Wrap(err)
	}
	return m.setStatus(ctx, event.JobID, jobs.StatusQueued)
}

func (m *Monitor) onJobStarted(ctx context.Context, event jobs.Event) error {
	if _, err := m.cfg.Store.LRem(ctx, listSubmitted, event.JobID); err != nil {
		return trace.Wrap(err)
	}
	if err := m.pushOnce(ctx, listRunning, event.JobID); err != nil {
		return trace.Wrap(err)
	}
	return m.setStatus(ctx, event.JobID, jobs.StatusRunning)
}

func (m *Monitor) onJobCompleted(ctx context.Context, event jobs.Event) error {
	if _, err := m.cfg.Store.LRem(ctx, listRunning, event.JobID); err != nil {
		return trace.Wrap(err)
	}

	return store.UpdateJSON[jobs.Job](ctx, m.cfg.Store, jobKey(event.JobID), defaults.CASRetryLimit,
		func(exists bool, current jobs.Job) (jobs.Job, bool, error) {
			if !exists {
				return current, false, trace.NotFound("job %v not found", event.JobID)
			}
			files, err := listWorkDir(current.WorkDir)
			if err != nil {
				return current, false, trace.Wrap(err, "listing work directory for %v", event.JobID)
			}
			current.Files = files
			if current.HasFile(defaults.OutputFilename) {
				current.Status = jobs.StatusDone
			} else {
				current.Status = jobs.StatusError
				current.Error = "missing output file"
			}
			return current, true, nil
		})
}

// listWorkDir lists the names of every entry in dir, refreshing a job's
// recorded file set from what its runner actually produced.
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

func (m *Monitor) onJobTerminateRequested(ctx context.Context, event jobs.Event) error {
	removed, err := m.cfg.Store.LRem(ctx, listNew, event.JobID)
	if err != nil {
		return trace.Wrap(err)
	}
	if removed == 0 {
		// Job has already left the new worklist (submitted, running, or
		// already terminal) — the owning connector handles termination.
		return nil
	}
	return m.setStatus(ctx, event.JobID, jobs.StatusDeleted)
}

func (m *Monitor) onJobError(ctx context.Context, event jobs.Event) error {
	for _, list := range []string{listNew, listSubmitted, listRunning} {
		if _, err := m.cfg.Store.LRem(ctx, list, event.JobID); err != nil {
			return trace.Wrap(err)
		}
	}
	return store.UpdateJSON[jobs.Job](ctx, m.cfg.Store, jobKey(event.JobID), defaults.CASRetryLimit,
		func(exists bool, current jobs.Job) (jobs.Job, bool, error) {
			if !exists {
				return current, false, trace.NotFound("job %v not found", event.JobID)
			}
			current.Status = jobs.StatusError
			current.Error = event.Error
			return current, true, nil
		})
}

func (m *Monitor) setStatus(ctx context.Context, jobID string, status jobs.Status) error {
	return store.UpdateJSON[jobs.Job](ctx, m.cfg.Store, jobKey(jobID), defaults.CASRetryLimit,
		func(exists bool, current jobs.Job) (jobs.Job, bool, error) {
			if !exists {
				return current, false, trace.NotFound("job %v not found", jobID)
			}
			if err := jobs.ValidateTransition(current.Status, status); err != nil {
				if current.Status == status {
					return current, false, nil
				}
				return current, false, trace.Wrap(err)
			}
			current.Status = status
			return current, true, nil
		})
}

// pushOnce appends jobID to list, first removing any entry for it, so the
// list never holds the same job twice.
func (m *Monitor) pushOnce(ctx context.Context, list, jobID string) error {
	if _, err := m.cfg.Store.LRem(ctx, list, jobID); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.cfg.Store.RPush(ctx, list, jobID))
}

func jobKey(jobID string) string {
	return "job:" + jobID
}
