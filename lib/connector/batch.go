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
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/script"
)

var sbatchSubmittedRE = regexp.MustCompile(`(?i)submitted batch job (\d+)`)

// BatchLocalConfig configures the BatchLocal connector variant: a
// workload-manager directive is submitted synchronously, at submit time,
// to a Slurm scheduler running on the same host as JobManager.
type BatchLocalConfig struct {
	// SbatchPath is the directory containing sbatch/squeue/scancel.
	SbatchPath string
	Logger     log.Logger
}

func (c BatchLocalConfig) CheckAndSetDefaults() error {
	if c.SbatchPath == "" {
		return trace.BadParameter("missing SbatchPath")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	return nil
}

// BatchLocal implements jobmanager.BatchSubmitter by writing a Slurm batch
// script and shelling out to sbatch. It does not implement Connector — a
// job submitted this way is not seen by RemoteQueueMonitor; its status is
// refreshed directly through BatchLocal.Refresh, which JobManager.Get calls
// through the jobmanager.BatchRefresher capability.
type BatchLocal struct {
	cfg BatchLocalConfig
}

// NewBatchLocal constructs a BatchLocal submitter.
func NewBatchLocal(cfg BatchLocalConfig) (*BatchLocal, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &BatchLocal{cfg: cfg}, nil
}

// SubmitBatch writes a Slurm batch script wrapping directive and submits it
// via sbatch, returning the minted Slurm job id as backendID.
func (b *BatchLocal) SubmitBatch(ctx context.Context, jobID, workDir, batchFilename, directive string) (string, error) {
	rendered, err := script.RenderSlurm(script.SlurmParams{Directive: directive, WorkDir: workDir})
	if err != nil {
		return "", trace.Wrap(err)
	}

	batchPath := filepath.Join(workDir, batchFilename)
	if err := os.WriteFile(batchPath, []byte(rendered), 0750); err != nil {
		return "", trace.Wrap(err, "writing batch script for %v", jobID)
	}

	out, err := exec.CommandContext(ctx, filepath.Join(b.cfg.SbatchPath, "sbatch"), batchPath).CombinedOutput()
	if err != nil {
		return "", jobs.WithKind(trace.Wrap(err, "sbatch: %s", out), jobs.ErrorKindSubmission)
	}

	match := sbatchSubmittedRE.FindSubmatch(out)
	if match == nil {
		return "", jobs.WithKind(trace.BadParameter("could not parse sbatch output: %s", out), jobs.ErrorKindSubmission)
	}
	return string(match[1]), nil
}

// Refresh reports whether slurmID is still queued or running by shelling
// out to squeue. found is false once Slurm no longer has any record of it.
func (b *BatchLocal) Refresh(ctx context.Context, slurmID string) (status jobs.Status, found bool, err error) {
	out, err := exec.CommandContext(ctx, filepath.Join(b.cfg.SbatchPath, "squeue"), "-h", "--job", slurmID).CombinedOutput()
	if err != nil {
		// squeue exits non-zero for an unknown job id — treat as DONE.
		return jobs.StatusDone, false, nil
	}

	fields := regexp.MustCompile(`\s+`).Split(
		regexp.MustCompile(`^\s+`).ReplaceAllString(string(out), ""), -1)
	if len(fields) <= 4 {
		return jobs.StatusDone, false, nil
	}
	switch fields[4] {
	case "R", "CG":
		return jobs.StatusRunning, true, nil
	default:
		return jobs.StatusQueued, true, nil
	}
}

// Terminate cancels a submitted Slurm job via scancel.
func (b *BatchLocal) Terminate(ctx context.Context, slurmID string) error {
	_, err := strconv.Atoi(slurmID)
	if err != nil {
		return trace.BadParameter("invalid slurm job id %v", slurmID)
	}
	out, err := exec.CommandContext(ctx, filepath.Join(b.cfg.SbatchPath, "scancel"), slurmID).CombinedOutput()
	if err != nil {
		return trace.Wrap(err, "scancel %v: %s", slurmID, out)
	}
	return nil
}
