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

package connector

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gravitational/trace"

	"github.com/nutjunkie/qcloud/lib/defaults"
	"github.com/nutjunkie/qcloud/lib/log"
)

// LocalConfig configures the Local connector variant: jobs are forked as
// child processes on the same host as the monitor.
type LocalConfig struct {
	// RunnerPath is the directory containing the runqchem executable.
	RunnerPath string
	// MaxJobs bounds concurrently running child processes.
	MaxJobs int
	// TimeLimitSeconds and MemLimitMB are exported to the child process as
	// QCHEMSERV_TIME_LIMIT and QCHEMSERV_MEM_LIMIT (in KB), matching the
	// runner's own resource-limit enforcement.
	TimeLimitSeconds int
	MemLimitMB       int
	Logger           log.Logger
}

func (c LocalConfig) CheckAndSetDefaults() error {
	if c.RunnerPath == "" {
		return trace.BadParameter("missing RunnerPath")
	}
	if c.MaxJobs <= 0 {
		return trace.BadParameter("MaxJobs must be positive")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	return nil
}

type runningProc struct {
	cmd  *exec.Cmd
	job  TrackedJob
	done chan struct{}
}

// Local is the Connector variant that runs jobs as local child processes.
type Local struct {
	cfg LocalConfig

	mu      sync.Mutex
	running map[string]*runningProc // keyed by jobID
}

// NewLocal constructs a Local connector.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Local{cfg: cfg, running: make(map[string]*runningProc)}, nil
}

// Init is a no-op: a restarted Local connector cannot recover child
// processes it no longer owns, so jobs abandoned by a crashed monitor are
// left for an operator to resubmit.
func (l *Local) Init(ctx context.Context, tracked []TrackedJob) error {
	return nil
}

func (l *Local) Update(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for jobID, rp := range l.running {
		select {
		case <-rp.done:
			delete(l.running, jobID)
		default:
		}
	}
	return nil
}

func (l *Local) GetJobStatus(ctx context.Context, job TrackedJob) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.running[job.JobID]; ok {
		return "RUNNING", true, nil
	}
	return "", false, nil
}

func (l *Local) CanSubmit(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running) < l.cfg.MaxJobs
}

func (l *Local) Submit(ctx context.Context, jobID, localDir string) (TrackedJob, error) {
	exe := filepath.Join(l.cfg.RunnerPath, "runqchem")
	cmd := exec.CommandContext(ctx, exe, defaults.InputFilename, defaults.OutputFilename)
	cmd.Dir = localDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("QCHEMSERV_TIME_LIMIT=%d", l.cfg.TimeLimitSeconds),
		fmt.Sprintf("QCHEMSERV_MEM_LIMIT=%d", l.cfg.MemLimitMB*1024))

	if err := cmd.Start(); err != nil {
		return TrackedJob{}, trace.Wrap(err, "forking runner for %v", jobID)
	}

	job := TrackedJob{JobID: jobID, Backend: strconv.Itoa(cmd.Process.Pid), LocalDir: localDir}
	done := make(chan struct{})

	l.mu.Lock()
	l.running[jobID] = &runningProc{cmd: cmd, job: job, done: done}
	l.mu.Unlock()

	go func() {
		// Reap asynchronously so Update's non-blocking check can observe
		// completion without the monitor loop ever blocking on Wait.
		_ = cmd.Wait()
		close(done)
	}()

	return job, nil
}

func (l *Local) Terminate(ctx context.Context, job TrackedJob) error {
	l.mu.Lock()
	rp, ok := l.running[job.JobID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return trace.Wrap(rp.cmd.Process.Kill())
}

// TransferOutputFiles is a no-op: a locally executed job already writes its
// output directly into its work directory.
func (l *Local) TransferOutputFiles(ctx context.Context, job TrackedJob) ([]string, error) {
	return nil, nil
}
