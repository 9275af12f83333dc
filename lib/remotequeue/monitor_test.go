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

package remotequeue

import (
	"context"
	"sync"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/connector"
	"github.com/nutjunkie/qcloud/lib/defaults"
	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/store"
)

func TestRemoteQueue(t *testing.T) { TestingT(t) }

type fakeConnector struct {
	mu         sync.Mutex
	capacity   int
	submitted  []connector.TrackedJob
	terminated []connector.TrackedJob
	status     map[string]string // backend id -> status, absent means gone
	transfer   map[string][]string
}

func (f *fakeConnector) Init(context.Context, []connector.TrackedJob) error { return nil }
func (f *fakeConnector) Update(context.Context) error                      { return nil }
func (f *fakeConnector) GetJobStatus(_ context.Context, job connector.TrackedJob) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[job.Backend]
	return status, ok, nil
}
func (f *fakeConnector) CanSubmit(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted) < f.capacity
}
func (f *fakeConnector) Submit(_ context.Context, jobID, localDir string) (connector.TrackedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tracked := connector.TrackedJob{JobID: jobID, Backend: "backend-" + jobID, LocalDir: localDir}
	f.submitted = append(f.submitted, tracked)
	f.status[tracked.Backend] = "RUNNING"
	return tracked, nil
}
func (f *fakeConnector) Terminate(_ context.Context, job connector.TrackedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, job)
	return nil
}
func (f *fakeConnector) TransferOutputFiles(_ context.Context, job connector.TrackedJob) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfer[job.Backend], nil
}

// recordingBus is a minimal bus.Bus that records every published event.
type recordingBus struct {
	mu        sync.Mutex
	published []jobs.Event
}

func (b *recordingBus) Publish(_ context.Context, event jobs.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}
func (b *recordingBus) Consume(ctx context.Context, _ []jobs.EventKind, _ chan<- bus.Delivery) error {
	<-ctx.Done()
	return nil
}
func (b *recordingBus) Close() error { return nil }

type MonitorSuite struct {
	backend store.Backend
	conn    *fakeConnector
}

var _ = Suite(&MonitorSuite{})

func (s *MonitorSuite) SetUpTest(c *C) {
	backend, err := store.NewBoltInDir(c.MkDir(), "qcloud.db")
	c.Assert(err, IsNil)
	s.backend = backend
	s.conn = &fakeConnector{capacity: 1, status: map[string]string{}, transfer: map[string][]string{}}
}

func (s *MonitorSuite) TearDownTest(c *C) {
	c.Assert(s.backend.Close(), IsNil)
}

func (s *MonitorSuite) TestSubmitNewDispatchesFromLocalQueue(c *C) {
	ctx := context.Background()
	b := &recordingBus{}
	m, err := New(Config{Store: s.backend, Bus: b, Connector: s.conn, QueueID: "q1", Logger: log.Init(log.Config{})})
	c.Assert(err, IsNil)

	c.Assert(store.SetJSON(ctx, s.backend, "job:job1", jobs.Job{JobID: "job1", Status: jobs.StatusQueued, WorkDir: "/tmp/job1"}), IsNil)
	c.Assert(s.backend.RPush(ctx, defaults.LocalQueueNewKey, "job1"), IsNil)

	c.Assert(m.submitNew(ctx), IsNil)

	c.Assert(s.conn.submitted, HasLen, 1)
	c.Assert(s.conn.submitted[0].JobID, Equals, "job1")

	submitted, err := s.backend.LRange(ctx, m.listKey("submitted"))
	c.Assert(err, IsNil)
	c.Assert(submitted, DeepEquals, []string{"job1"})

	c.Assert(b.published, HasLen, 1)
	c.Assert(b.published[0].Kind, Equals, jobs.EventJobSubmitted)
}

func (s *MonitorSuite) TestReconcileCompletesJobWhenBackendForgetsIt(c *C) {
	ctx := context.Background()
	b := &recordingBus{}
	m, err := New(Config{Store: s.backend, Bus: b, Connector: s.conn, QueueID: "q1", Logger: log.Init(log.Config{})})
	c.Assert(err, IsNil)

	c.Assert(store.SetJSON(ctx, s.backend, "job:job2", jobs.Job{JobID: "job2", Status: jobs.StatusRunning, Files: []string{}}), IsNil)
	c.Assert(s.backend.RPush(ctx, m.listKey("running"), "job2"), IsNil)
	tracked := connector.TrackedJob{JobID: "job2", Backend: "backend-job2"}
	c.Assert(store.SetJSON(ctx, s.backend, "remote:job2", tracked), IsNil)
	s.conn.transfer["backend-job2"] = []string{"output"}
	// status map has no entry for backend-job2, so GetJobStatus reports not found.

	c.Assert(m.reconcile(ctx), IsNil)

	running, err := s.backend.LRange(ctx, m.listKey("running"))
	c.Assert(err, IsNil)
	c.Assert(running, HasLen, 0)

	job, err := store.GetJSON[jobs.Job](ctx, s.backend, "job:job2")
	c.Assert(err, IsNil)
	c.Assert(job.Files, DeepEquals, []string{"output"})

	c.Assert(b.published, HasLen, 1)
	c.Assert(b.published[0].Kind, Equals, jobs.EventJobCompleted)
}

func (s *MonitorSuite) TestSubmitNewSkipsAlreadyTerminalJob(c *C) {
	ctx := context.Background()
	b := &recordingBus{}
	m, err := New(Config{Store: s.backend, Bus: b, Connector: s.conn, QueueID: "q1", Logger: log.Init(log.Config{})})
	c.Assert(err, IsNil)

	c.Assert(store.SetJSON(ctx, s.backend, "job:job3", jobs.Job{JobID: "job3", Status: jobs.StatusDeleted, WorkDir: "/tmp/job3"}), IsNil)
	c.Assert(s.backend.RPush(ctx, defaults.LocalQueueNewKey, "job3"), IsNil)

	c.Assert(m.submitNew(ctx), IsNil)

	c.Assert(s.conn.submitted, HasLen, 0)
	c.Assert(b.published, HasLen, 0)
}

func (s *MonitorSuite) TestOnJobTerminateRequestedCancelsTrackedJob(c *C) {
	ctx := context.Background()
	b := &recordingBus{}
	m, err := New(Config{Store: s.backend, Bus: b, Connector: s.conn, QueueID: "q1", Logger: log.Init(log.Config{})})
	c.Assert(err, IsNil)

	c.Assert(store.SetJSON(ctx, s.backend, "job:job4", jobs.Job{JobID: "job4", Status: jobs.StatusRunning}), IsNil)
	c.Assert(s.backend.RPush(ctx, m.listKey("running"), "job4"), IsNil)
	tracked := connector.TrackedJob{JobID: "job4", Backend: "backend-job4"}
	c.Assert(store.SetJSON(ctx, s.backend, "remote:job4", tracked), IsNil)

	c.Assert(m.onJobTerminateRequested(ctx, jobs.Event{JobID: "job4", Kind: jobs.EventJobTerminateRequested}), IsNil)

	c.Assert(s.conn.terminated, HasLen, 1)
	c.Assert(s.conn.terminated[0].JobID, Equals, "job4")

	running, err := s.backend.LRange(ctx, m.listKey("running"))
	c.Assert(err, IsNil)
	c.Assert(running, HasLen, 0)

	job, err := store.GetJSON[jobs.Job](ctx, s.backend, "job:job4")
	c.Assert(err, IsNil)
	c.Assert(job.Status, Equals, jobs.StatusDeleted)

	_, found, err := s.backend.Get(ctx, "remote:job4")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, false)
}

func (s *MonitorSuite) TestOnJobTerminateRequestedIgnoresUntrackedJob(c *C) {
	ctx := context.Background()
	b := &recordingBus{}
	m, err := New(Config{Store: s.backend, Bus: b, Connector: s.conn, QueueID: "q1", Logger: log.Init(log.Config{})})
	c.Assert(err, IsNil)

	c.Assert(store.SetJSON(ctx, s.backend, "job:job5", jobs.Job{JobID: "job5", Status: jobs.StatusQueued}), IsNil)

	c.Assert(m.onJobTerminateRequested(ctx, jobs.Event{JobID: "job5", Kind: jobs.EventJobTerminateRequested}), IsNil)

	c.Assert(s.conn.terminated, HasLen, 0)

	job, err := store.GetJSON[jobs.Job](ctx, s.backend, "job:job5")
	c.Assert(err, IsNil)
	c.Assert(job.Status, Equals, jobs.StatusQueued)
}
