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

import (
	"testing"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func TestJobs(t *testing.T) { TestingT(t) }

type JobsSuite struct{}

var _ = Suite(&JobsSuite{})

func (s *JobsSuite) TestTerminalStatuses(c *C) {
	c.Assert(StatusDone.Terminal(), Equals, true)
	c.Assert(StatusError.Terminal(), Equals, true)
	c.Assert(StatusDeleted.Terminal(), Equals, true)
	c.Assert(StatusNew.Terminal(), Equals, false)
	c.Assert(StatusQueued.Terminal(), Equals, false)
	c.Assert(StatusRunning.Terminal(), Equals, false)
}

func (s *JobsSuite) TestDNEIsInvalid(c *C) {
	job := DNE("unknownjob")
	c.Assert(job.IsValid(), Equals, false)
	c.Assert(job.Status, Equals, StatusDNE)

	known := Job{JobID: "realjob", Status: StatusNew}
	c.Assert(known.IsValid(), Equals, true)
}

func (s *JobsSuite) TestHasFile(c *C) {
	job := Job{Files: []string{"input", "output"}}
	c.Assert(job.HasFile("output"), Equals, true)
	c.Assert(job.HasFile("missing"), Equals, false)
}

func (s *JobsSuite) TestCanTransitionFollowsTheLifecycle(c *C) {
	c.Assert(CanTransition(StatusNew, StatusQueued), Equals, true)
	c.Assert(CanTransition(StatusQueued, StatusRunning), Equals, true)
	c.Assert(CanTransition(StatusRunning, StatusDone), Equals, true)
	c.Assert(CanTransition(StatusNew, StatusRunning), Equals, false)
	c.Assert(CanTransition(StatusNew, StatusNew), Equals, true)
}

func (s *JobsSuite) TestCanTransitionRefusesOutOfTerminal(c *C) {
	c.Assert(CanTransition(StatusDone, StatusRunning), Equals, false)
	c.Assert(CanTransition(StatusDeleted, StatusQueued), Equals, false)
}

func (s *JobsSuite) TestCanTransitionTerminalIsIdempotent(c *C) {
	c.Assert(CanTransition(StatusDone, StatusDone), Equals, true)
	c.Assert(CanTransition(StatusError, StatusError), Equals, true)
	c.Assert(CanTransition(StatusDeleted, StatusDeleted), Equals, true)
	c.Assert(ValidateTransition(StatusDone, StatusDone), IsNil)
}

func (s *JobsSuite) TestValidateTransitionErrors(c *C) {
	c.Assert(ValidateTransition(StatusNew, StatusQueued), IsNil)

	err := ValidateTransition(StatusDone, StatusRunning)
	c.Assert(trace.Unwrap(err), Equals, trace.Unwrap(ErrTerminal))

	err = ValidateTransition(StatusNew, StatusDone)
	c.Assert(trace.Unwrap(err), Equals, trace.Unwrap(ErrIllegalTransition))
}
