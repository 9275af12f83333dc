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

package script

import (
	"strings"
	"testing"

	. "gopkg.in/check.v1"
)

func TestScript(t *testing.T) { TestingT(t) }

type ScriptSuite struct{}

var _ = Suite(&ScriptSuite{})

func (s *ScriptSuite) TestRenderSlurmEmbedsDirectiveAndWorkDir(c *C) {
	out, err := RenderSlurm(SlurmParams{Directive: "#SBATCH --ntasks=4", WorkDir: "/tmp/job1"})
	c.Assert(err, IsNil)
	c.Assert(strings.Contains(out, "#SBATCH --ntasks=4"), Equals, true)
	c.Assert(strings.Contains(out, "--chdir=/tmp/job1"), Equals, true)
	c.Assert(strings.HasPrefix(out, "#!/bin/bash"), Equals, true)
}

func (s *ScriptSuite) TestRenderPBSEmbedsFields(c *C) {
	out, err := RenderPBS(PBSParams{JobID: "abc123", Queue: "batch", Walltime: "24:00:00", User: "alice"})
	c.Assert(err, IsNil)
	c.Assert(strings.Contains(out, "#PBS -N aimm_abc123"), Equals, true)
	c.Assert(strings.Contains(out, "#PBS -q batch"), Equals, true)
	c.Assert(strings.Contains(out, "walltime=24:00:00"), Equals, true)
	c.Assert(strings.Contains(out, "/scratch/alice"), Equals, true)
}
