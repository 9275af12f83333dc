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

package jobmanager

import (
	"context"
	"os"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/nutjunkie/qcloud/lib/bus"
	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/store"
)

func TestJobManager(t *testing.T) { TestingT(t) }

type fakeBus struct {
	published []jobs.Event
}

func (f *fakeBus) Publish(_ context.Context, event jobs.Event) error {
	f.published = append(f.published, event)
	return nil
}
func (f *fakeBus) Consume(ctx context.Context, keys []jobs.EventKind, out chan<- bus.Delivery) error {
	<-ctx.Done()
	return nil
}
func (f *fakeBus) Close() error { return nil }

type fakeSubmitter struct {
	backendID string
	err       error
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, jobID, workDir, batchFilename, directive string) (string, error) {
	return f.backendID, f.err
}

// fakeBatchConnector additionally implements BatchRefresher and
// BatchTerminator, exercising the optional-capability branches that
// fakeSubmitter (deliberately) leaves untouched.
type fakeBatchConnector struct {
	backendID    string
	refreshed    []string
	terminated   []string
	refreshErr   error
	refreshState jobs.Status
	refreshFound bool
}

func (f *fakeBatchConnector) SubmitBatch(_ context.Context, jobID, workDir, batchFilename, directive string) (string, error) {
	return f.backendID, nil
}

func (f *fakeBatchConnector) Refresh(_ context.Context, backendID string) (jobs.Status, bool, error) {
	f.refreshed = append(f.refreshed, backendID)
	return f.refreshState, f.refreshFound, f.refreshErr
}

func (f *fakeBatchConnector) Terminate(_ context.Context, backendID string) error {
	f.terminated = append(f.terminated, backendID)
	return nil
}

type ManagerSuite struct {
	backend store.Backend
	bus     *fakeBus
	workdir string
}

var _ = Suite(&ManagerSuite{})

func (s *ManagerSuite) SetUpTest(c *C) {
	backend, err := store.NewBoltInDir(c.MkDir(), "qcloud.db")
	c.Assert(err, IsNil)
	s.backend = backend
	s.bus = &fakeBus{}
	s.workdir = c.MkDir()
}

func (s *ManagerSuite) TearDownTest(c *C) {
	c.Assert(s.backend.Close(), IsNil)
}

func (s *ManagerSuite) newManager(c *C, submitter BatchSubmitter) *Manager {
	m, err := New(Config{
		Store:     s.backend,
		Bus:       s.bus,
		WorkDir:   s.workdir,
		Submitter: submitter,
		Logger:    log.Init(log.Config{}),
	})
	c.Assert(err, IsNil)
	return m
}

func (s *ManagerSuite) TestSubmitLocalCreatesJobAndPublishesEvent(c *C) {
	m := s.newManager(c, nil)
	ctx := context.Background()

	job, err := m.Submit(ctx, "$molecule\n0 1\nO 0 0 0\n$end\n")
	c.Assert(err, IsNil)
	c.Assert(job.Status, Equals, jobs.StatusNew)
	c.Assert(s.bus.published, HasLen, 1)
	c.Assert(s.bus.published[0].Kind, Equals, jobs.EventJobCreated)

	input, err := os.ReadFile(job.WorkDir + "/input")
	c.Assert(err, IsNil)
	c.Assert(string(input), Equals, "$molecule\n0 1\nO 0 0 0\n$end\n")

	fetched, err := m.Get(ctx, job.JobID)
	c.Assert(err, IsNil)
	c.Assert(fetched.JobID, Equals, job.JobID)
}

func (s *ManagerSuite) TestSubmitBatchWithoutSubmitterFails(c *C) {
	m := s.newManager(c, nil)
	_, err := m.Submit(context.Background(), "$batch\n--job-name=foo\n$end\nrest")
	c.Assert(err, ErrorMatches, ".*no head-node connector.*")
}

func (s *ManagerSuite) TestSubmitBatchDelegatesToSubmitter(c *C) {
	m := s.newManager(c, &fakeSubmitter{backendID: "12345"})
	ctx := context.Background()

	job, err := m.Submit(ctx, "$batch\n--job-name=foo.inp\n$end\n$molecule\n0 1\n$end\n")
	c.Assert(err, IsNil)
	c.Assert(job.Status, Equals, jobs.StatusQueued)
	c.Assert(job.BackendID, Equals, "12345")
	c.Assert(s.bus.published, HasLen, 0)
}

func (s *ManagerSuite) TestGetUnknownJobReturnsDNE(c *C) {
	m := s.newManager(c, nil)
	job, err := m.Get(context.Background(), "nonexistent")
	c.Assert(err, IsNil)
	c.Assert(job.Status, Equals, jobs.StatusDNE)
	c.Assert(job.IsValid(), Equals, false)
}

func (s *ManagerSuite) TestDeleteTerminalJobIsNoop(c *C) {
	m := s.newManager(c, nil)
	ctx := context.Background()

	job, err := m.Submit(ctx, "plain input")
	c.Assert(err, IsNil)

	err = store.UpdateJSON[jobs.Job](ctx, s.backend, "job:"+job.JobID, 10, func(_ bool, current jobs.Job) (jobs.Job, bool, error) {
		current.Status = jobs.StatusDone
		return current, true, nil
	})
	c.Assert(err, IsNil)

	c.Assert(m.Delete(ctx, job.JobID), IsNil)
	fetched, err := m.Get(ctx, job.JobID)
	c.Assert(err, IsNil)
	c.Assert(fetched.Status, Equals, jobs.StatusDone)
}

func (s *ManagerSuite) TestGetRefreshesBatchJobFromConnector(c *C) {
	conn := &fakeBatchConnector{backendID: "9999", refreshState: jobs.StatusRunning, refreshFound: true}
	m := s.newManager(c, conn)
	ctx := context.Background()

	job, err := m.Submit(ctx, "$batch\n--job-name=foo.inp\n$end\n$molecule\n0 1\n$end\n")
	c.Assert(err, IsNil)
	c.Assert(job.Status, Equals, jobs.StatusQueued)

	fetched, err := m.Get(ctx, job.JobID)
	c.Assert(err, IsNil)
	c.Assert(conn.refreshed, DeepEquals, []string{"9999"})
	c.Assert(fetched.Status, Equals, jobs.StatusRunning)

	stored, err := store.GetJSON[jobs.Job](ctx, s.backend, "job:"+job.JobID)
	c.Assert(err, IsNil)
	c.Assert(stored.Status, Equals, jobs.StatusRunning)
}

func (s *ManagerSuite) TestGetDoesNotRefreshTerminalBatchJob(c *C) {
	conn := &fakeBatchConnector{backendID: "9999", refreshState: jobs.StatusRunning, refreshFound: true}
	m := s.newManager(c, conn)
	ctx := context.Background()

	job, err := m.Submit(ctx, "$batch\n--job-name=foo.inp\n$end\n$molecule\n0 1\n$end\n")
	c.Assert(err, IsNil)

	err = store.UpdateJSON[jobs.Job](ctx, s.backend, "job:"+job.JobID, 10, func(_ bool, current jobs.Job) (jobs.Job, bool, error) {
		current.Status = jobs.StatusDone
		return current, true, nil
	})
	c.Assert(err, IsNil)

	fetched, err := m.Get(ctx, job.JobID)
	c.Assert(err, IsNil)
	c.Assert(conn.refreshed, HasLen, 0)
	c.Assert(fetched.Status, Equals, jobs.StatusDone)
}

func (s *ManagerSuite) TestDeleteTerminatesBackendBoundJobDirectly(c *C) {
	conn := &fakeBatchConnector{backendID: "9999", refreshState: jobs.StatusQueued, refreshFound: true}
	m := s.newManager(c, conn)
	ctx := context.Background()

	job, err := m.Submit(ctx, "$batch\n--job-name=foo.inp\n$end\n$molecule\n0 1\n$end\n")
	c.Assert(err, IsNil)

	c.Assert(m.Delete(ctx, job.JobID), IsNil)

	c.Assert(conn.terminated, DeepEquals, []string{"9999"})
	c.Assert(s.bus.published, HasLen, 0)

	fetched, err := m.Get(ctx, job.JobID)
	c.Assert(err, IsNil)
	c.Assert(fetched.Status, Equals, jobs.StatusDeleted)
}

func (s *ManagerSuite) TestDeleteOfBusRoutedJobPublishesTerminateRequest(c *C) {
	m := s.newManager(c, nil)
	ctx := context.Background()

	job, err := m.Submit(ctx, "plain input")
	c.Assert(err, IsNil)

	c.Assert(m.Delete(ctx, job.JobID), IsNil)

	c.Assert(s.bus.published, HasLen, 2)
	c.Assert(s.bus.published[1].Kind, Equals, jobs.EventJobTerminateRequested)
	c.Assert(s.bus.published[1].JobID, Equals, job.JobID)

	fetched, err := m.Get(ctx, job.JobID)
	c.Assert(err, IsNil)
	c.Assert(fetched.Status, Equals, jobs.StatusDeleted)
}
