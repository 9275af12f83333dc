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

// Package remotequeue implements RemoteQueueMonitor: a
// per-backend polling loop that refreshes a RemoteQueueConnector, reflects
// its status changes back onto job records via the event bus, and starts
// new jobs drawn from the local "new" worklist while the connector has
// spare capacity.
package remotequeue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/connector"
	"github.com/nutjunkie/qcloud/lib/defaults"
	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/store"
)

// Config configures a Monitor.
type Config struct {
	Store     store.Backend
	Bus       bus.Bus
	Connector connector.Connector
	// QueueID names this backend, namespacing its worklists so several
	// RemoteQueueMonitors can share one StateStore.
	QueueID string
	// UpdatePeriod is the delay between refresh cycles.
	UpdatePeriod time.Duration
	Logger       log.Logger
	Clock        clockwork.Clock
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing Store")
	}
	if c.Bus == nil {
		return trace.BadParameter("missing Bus")
	}
	if c.Connector == nil {
		return trace.BadParameter("missing Connector")
	}
	if c.QueueID == "" {
		return trace.BadParameter("missing QueueID")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	if c.UpdatePeriod <= 0 {
		c.UpdatePeriod = defaults.RemoteQueueMonitorPeriod
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Monitor is a RemoteQueueMonitor for one backend.
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

func (m *Monitor) listKey(suffix string) string {
	return "remotequeue:" + m.cfg.QueueID + ":" + suffix
}

func (m *Monitor) trackedKey(jobID string) string {
	return "remote:" + jobID
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

// Run drives the refresh/submit cycle until ctx is cancelled, while also
// consuming job_terminate_requested events so a job already dispatched to
// this backend's connector is cancelled as soon as the request arrives,
// rather than waiting for the next poll cycle to notice it missing.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.init(ctx); err != nil {
		return trace.Wrap(err)
	}

	deliveries := make(chan bus.Delivery)
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.cfg.Bus.Consume(ctx, []jobs.EventKind{jobs.EventJobTerminateRequested}, deliveries)
	}()

	if err := m.cycle(ctx); err != nil {
		m.cfg.Logger.WithError(err).Error("remote queue monitor cycle failed")
	}
	ticker := m.cfg.Clock.After(m.cfg.UpdatePeriod)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return trace.Wrap(err)
		case d := <-deliveries:
			if err := m.onJobTerminateRequested(ctx, d.Event); err != nil {
				m.cfg.Logger.WithField("jobid", d.Event.JobID).WithError(err).Error("failed to cancel terminated job, requeueing")
				d.Nack(true)
				continue
			}
			if err := d.Ack(); err != nil {
				m.cfg.Logger.WithError(err).Warn("failed to ack delivery")
			}
		case <-ticker:
			if err := m.cycle(ctx); err != nil {
				m.cfg.Logger.WithError(err).Error("remote queue monitor cycle failed")
			}
			ticker = m.cfg.Clock.After(m.cfg.UpdatePeriod)
		}
	}
}

// onJobTerminateRequested cancels jobID on this backend's connector if it is
// currently tracked here, as either submitted or running. A job this
// backend never received — still waiting in the new worklist, tracked by a
// different backend, or already terminal — is silently ignored;
// submitNew's terminal-status check keeps a deleted-while-new job from ever
// reaching Connector.Submit in the first place.
func (m *Monitor) onJobTerminateRequested(ctx context.Context, event jobs.Event) error {
	jobID := event.JobID
	tracked, err := m.loadTracked(ctx, jobID)
	if err != nil {
		return trace.Wrap(err)
	}
	if tracked == nil {
		return nil
	}

	if err := m.cfg.Connector.Terminate(ctx, *tracked); err != nil {
		return trace.Wrap(err, "terminating %v", jobID)
	}

	if _, err := m.cfg.Store.LRem(ctx, m.listKey("submitted"), jobID); err != nil {
		return trace.Wrap(err)
	}
	if _, err := m.cfg.Store.LRem(ctx, m.listKey("running"), jobID); err != nil {
		return trace.Wrap(err)
	}
	if err := m.cfg.Store.Delete(ctx, m.trackedKey(jobID)); err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(store.UpdateJSON[jobs.Job](ctx, m.cfg.Store, jobKey(jobID), defaults.CASRetryLimit,
		func(exists bool, current jobs.Job) (jobs.Job, bool, error) {
			if !exists || current.Status.Terminal() {
				return current, false, nil
			}
			current.Status = jobs.StatusDeleted
			return current, true, nil
		}))
}

// init seeds the connector with jobs recovered from persistent storage, so
// a restarted monitor resumes tracking work already in flight.
func (m *Monitor) init(ctx context.Context) error {
	submitted, err := m.cfg.Store.LRange(ctx, m.listKey("submitted"))
	if err != nil {
		return trace.Wrap(err)
	}
	running, err := m.cfg.Store.LRange(ctx, m.listKey("running"))
	if err != nil {
		return trace.Wrap(err)
	}

	var tracked []connector.TrackedJob
	for _, jobID := range append(append([]string{}, submitted...), running...) {
		raw, found, err := m.cfg.Store.Get(ctx, m.trackedKey(jobID))
		if err != nil {
			return trace.Wrap(err)
		}
		if !found {
			continue
		}
		var t connector.TrackedJob
		if err := json.Unmarshal(raw, &t); err != nil {
			return trace.Wrap(err, "decoding tracked job %v", jobID)
		}
		tracked = append(tracked, t)
	}
	return trace.Wrap(m.cfg.Connector.Init(ctx, tracked))
}

// cycle performs one refresh/reconcile/submit pass.
func (m *Monitor) cycle(ctx context.Context) error {
	if err := m.cfg.Connector.Update(ctx); err != nil {
		return trace.Wrap(err)
	}
	if err := m.reconcile(ctx); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.submitNew(ctx))
}

func (m *Monitor) reconcile(ctx context.Context) error {
	submitted, err := m.cfg.Store.LRange(ctx, m.listKey("submitted"))
	if err != nil {
		return trace.Wrap(err)
	}
	running, err := m.cfg.Store.LRange(ctx, m.listKey("running"))
	if err != nil {
		return trace.Wrap(err)
	}
	inSubmitted := toSet(submitted)
	inRunning := toSet(running)

	for _, jobID := range append(append([]string{}, submitted...), running...) {
		tracked, err := m.loadTracked(ctx, jobID)
		if err != nil {
			return trace.Wrap(err)
		}
		if tracked == nil {
			continue
		}

		status, found, err := m.cfg.Connector.GetJobStatus(ctx, *tracked)
		if err != nil {
			m.cfg.Logger.WithField("jobid", jobID).WithError(err).Warn("failed to query backend job status")
			continue
		}

		if !found {
			// Job left the backend queue entirely: completed or failed.
			if err := m.complete(ctx, jobID, *tracked, inSubmitted[jobID], inRunning[jobID]); err != nil {
				return trace.Wrap(err)
			}
			continue
		}

		if status == "RUNNING" && inSubmitted[jobID] {
			if _, err := m.cfg.Store.LRem(ctx, m.listKey("submitted"), jobID); err != nil {
				return trace.Wrap(err)
			}
			if err := m.cfg.Store.RPush(ctx, m.listKey("running"), jobID); err != nil {
				return trace.Wrap(err)
			}
			if err := m.cfg.Bus.Publish(ctx, jobs.Event{JobID: jobID, Kind: jobs.EventJobStarted}); err != nil {
				m.cfg.Logger.WithField("jobid", jobID).WithError(err).Warn("failed to publish job_started")
			}
		}
	}
	return nil
}

func (m *Monitor) loadTracked(ctx context.Context, jobID string) (*connector.TrackedJob, error) {
	raw, found, err := m.cfg.Store.Get(ctx, m.trackedKey(jobID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !found {
		return nil, nil
	}
	var t connector.TrackedJob
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, trace.Wrap(err, "decoding tracked job %v", jobID)
	}
	return &t, nil
}

func (m *Monitor) complete(ctx context.Context, jobID string, tracked connector.TrackedJob, wasSubmitted, wasRunning bool) error {
	files, err := m.cfg.Connector.TransferOutputFiles(ctx, tracked)
	if err != nil {
		m.cfg.Logger.WithField("jobid", jobID).WithError(err).Warn("output transfer failed, will retry next cycle")
		return nil
	}

	if wasSubmitted {
		if _, err := m.cfg.Store.LRem(ctx, m.listKey("submitted"), jobID); err != nil {
			return trace.Wrap(err)
		}
	}
	if wasRunning {
		if _, err := m.cfg.Store.LRem(ctx, m.listKey("running"), jobID); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := m.cfg.Store.Delete(ctx, m.trackedKey(jobID)); err != nil {
		return trace.Wrap(err)
	}

	if err := store.UpdateJSON[jobs.Job](ctx, m.cfg.Store, jobKey(jobID), defaults.CASRetryLimit,
		func(exists bool, current jobs.Job) (jobs.Job, bool, error) {
			if !exists {
				return current, false, trace.NotFound("job %v not found", jobID)
			}
			current.Files = append(current.Files, files...)
			return current, true, nil
		}); err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(m.cfg.Bus.Publish(ctx, jobs.Event{JobID: jobID, Kind: jobs.EventJobCompleted}))
}

func (m *Monitor) submitNew(ctx context.Context) error {
	for m.cfg.Connector.CanSubmit(ctx) {
		jobID, found, err := m.cfg.Store.LPop(ctx, defaults.LocalQueueNewKey)
		if err != nil {
			return trace.Wrap(err)
		}
		if !found {
			return nil
		}

		job, err := store.GetJSON[jobs.Job](ctx, m.cfg.Store, jobKey(jobID))
		if err != nil {
			m.cfg.Logger.WithField("jobid", jobID).WithError(err).Warn("dropping unknown job from new worklist")
			continue
		}
		if job.Status.Terminal() {
			// Deleted (or otherwise finished) while still waiting in the new
			// worklist: nothing was ever dispatched, so there is nothing to
			// submit or cancel.
			continue
		}

		tracked, err := m.cfg.Connector.Submit(ctx, jobID, job.WorkDir)
		if err != nil {
			m.cfg.Logger.WithField("jobid", jobID).WithError(err).Warn("remote submission failed")
			if perr := m.cfg.Bus.Publish(ctx, jobs.Event{JobID: jobID, Kind: jobs.EventJobError, Error: "remote submission failed"}); perr != nil {
				m.cfg.Logger.WithError(perr).Warn("failed to publish job_error")
			}
			continue
		}

		encoded, err := json.Marshal(tracked)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := m.cfg.Store.Set(ctx, m.trackedKey(jobID), encoded); err != nil {
			return trace.Wrap(err)
		}
		if err := m.cfg.Store.RPush(ctx, m.listKey("submitted"), jobID); err != nil {
			return trace.Wrap(err)
		}
		if err := m.cfg.Bus.Publish(ctx, jobs.Event{JobID: jobID, Kind: jobs.EventJobSubmitted}); err != nil {
			m.cfg.Logger.WithField("jobid", jobID).WithError(err).Warn("failed to publish job_submitted")
		}
	}
	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
