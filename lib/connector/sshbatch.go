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
	"net"
	"regexp"
	"sync"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/nutjunkie/qcloud/lib/defaults"
	"github.com/nutjunkie/qcloud/lib/jobs"
	"github.com/nutjunkie/qcloud/lib/log"
	"github.com/nutjunkie/qcloud/lib/script"
)

var (
	qsubRE  = regexp.MustCompile(`^(\d+)\.[\w.]+`)
	qstatRE = regexp.MustCompile(`^(\d+)\.[\w.]+\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+(\w)\s+`)
)

// SSHConfig configures the RemoteSSH connector variant: a workload manager
// reached over secure shell on a remote head node.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	ClientConf *ssh.ClientConfig
	MaxJobs    int
	// Queue, Property and Walltime are written into each job's PBS
	// directive.
	Queue    string
	Property string
	Walltime string
	Logger   log.Logger
}

func (c SSHConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing Host")
	}
	if c.ClientConf == nil {
		return trace.BadParameter("missing ClientConf")
	}
	if c.MaxJobs <= 0 {
		return trace.BadParameter("MaxJobs must be positive")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	return nil
}

type pbsEntry struct {
	pid    string
	status string
}

// SSH is the Connector variant that submits to a PBS-style workload
// manager over a persistent secure shell connection, reconnecting whenever
// the connection is found unusable.
type SSH struct {
	cfg SSHConfig

	mu       sync.Mutex
	client   *ssh.Client
	queue    []pbsEntry
	tracked  map[string]bool // pids this connector submitted, still pending
}

// NewSSH constructs an SSH connector. The connection is established lazily
// on first use so a misconfigured or unreachable head node does not block
// startup.
func NewSSH(cfg SSHConfig) (*SSH, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SSH{cfg: cfg, tracked: make(map[string]bool)}, nil
}

func (s *SSH) Init(ctx context.Context, tracked []TrackedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tracked {
		s.tracked[t.Backend] = true
	}
	return nil
}

// ensureConnected reconnects if the current client is missing or its
// transport has gone unusable.
func (s *SSH) ensureConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	client, err := ssh.Dial("tcp", addr, s.cfg.ClientConf)
	if err != nil {
		return jobs.WithKind(trace.Wrap(err, "dialing %v", addr), jobs.ErrorKindTransport)
	}
	s.client = client
	s.cfg.Logger.WithField("host", s.cfg.Host).Info("established ssh connection")
	return nil
}

func (s *SSH) resetConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *SSH) runCommand(ctx context.Context, cmd string) (string, error) {
	if err := s.ensureConnected(); err != nil {
		return "", trace.Wrap(err)
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		s.resetConnection()
		return "", jobs.WithKind(trace.Wrap(err, "opening session"), jobs.ErrorKindTransport)
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	if err != nil {
		if _, ok := err.(*ssh.ExitError); !ok {
			s.resetConnection()
			return "", jobs.WithKind(trace.Wrap(err, "running %v", cmd), jobs.ErrorKindTransport)
		}
	}
	return string(out), nil
}

func (s *SSH) Update(ctx context.Context) error {
	out, err := s.runCommand(ctx, fmt.Sprintf("qstat -u %s", s.cfg.User))
	if err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var queue []pbsEntry
	seen := make(map[string]bool)
	for _, line := range splitLines(out) {
		match := qstatRE.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		pid := match[1]
		if !s.tracked[pid] {
			continue
		}
		queue = append(queue, pbsEntry{pid: pid, status: match[2]})
		seen[pid] = true
	}
	s.queue = queue
	for pid := range s.tracked {
		if !seen[pid] {
			delete(s.tracked, pid)
		}
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// pbsStatusMap maps PBS's single-letter job status to this package's
// status vocabulary ({"Q","R","E","C"} -> queued/running/running/done).
var pbsStatusMap = map[string]string{
	"Q": "QUEUED",
	"R": "RUNNING",
	"E": "RUNNING",
	"C": "DONE",
}

func (s *SSH) GetJobStatus(ctx context.Context, job TrackedJob) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.queue {
		if entry.pid != job.Backend {
			continue
		}
		status, ok := pbsStatusMap[entry.status]
		if !ok {
			status = "UNKNOWN"
		}
		return status, true, nil
	}
	return "", false, nil
}

func (s *SSH) CanSubmit(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) < s.cfg.MaxJobs
}

func (s *SSH) Submit(ctx context.Context, jobID, localDir string) (TrackedJob, error) {
	if err := s.ensureConnected(); err != nil {
		return TrackedJob{}, trace.Wrap(err)
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		s.resetConnection()
		return TrackedJob{}, jobs.WithKind(trace.Wrap(err, "opening sftp"), jobs.ErrorKindTransport)
	}
	defer sftpClient.Close()

	remoteDir := fmt.Sprintf("%s/%s", defaults.SFTPRemoteBaseDir, jobID)
	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return TrackedJob{}, jobs.WithKind(trace.Wrap(err, "creating %v", remoteDir), jobs.ErrorKindTransfer)
	}

	rendered, err := script.RenderPBS(script.PBSParams{JobID: jobID, Queue: s.cfg.Queue, Walltime: s.cfg.Walltime, User: s.cfg.User})
	if err != nil {
		return TrackedJob{}, trace.Wrap(err)
	}
	scriptName := fmt.Sprintf("%s.pbs", jobID)
	if err := writeRemoteFile(sftpClient, remoteDir+"/"+scriptName, rendered); err != nil {
		return TrackedJob{}, jobs.WithKind(err, jobs.ErrorKindTransfer)
	}
	if err := sftpCopyUp(sftpClient, localDir+"/"+defaults.InputFilename, remoteDir+"/"+defaults.InputFilename); err != nil {
		return TrackedJob{}, jobs.WithKind(err, jobs.ErrorKindTransfer)
	}

	out, err := s.runCommand(ctx, fmt.Sprintf("cd %s; qsub %s", remoteDir, scriptName))
	if err != nil {
		return TrackedJob{}, trace.Wrap(err)
	}
	match := qsubRE.FindStringSubmatch(out)
	if match == nil {
		return TrackedJob{}, jobs.WithKind(trace.BadParameter("could not parse qsub output: %s", out), jobs.ErrorKindSubmission)
	}
	pid := match[1]

	s.mu.Lock()
	s.tracked[pid] = true
	s.mu.Unlock()

	return TrackedJob{JobID: jobID, Backend: pid, LocalDir: localDir, RemoteDir: remoteDir}, nil
}

func (s *SSH) Terminate(ctx context.Context, job TrackedJob) error {
	_, err := s.runCommand(ctx, fmt.Sprintf("qdel %s", job.Backend))
	return trace.Wrap(err)
}

func (s *SSH) TransferOutputFiles(ctx context.Context, job TrackedJob) ([]string, error) {
	if err := s.ensureConnected(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		s.resetConnection()
		return nil, jobs.WithKind(trace.Wrap(err, "opening sftp"), jobs.ErrorKindTransport)
	}
	defer sftpClient.Close()

	entries, err := sftpClient.ReadDir(job.RemoteDir)
	if err != nil {
		return nil, jobs.WithKind(trace.Wrap(err, "listing %v", job.RemoteDir), jobs.ErrorKindTransfer)
	}

	var transferred []string
	scriptName := job.JobID + ".pbs"
	for _, entry := range entries {
		name := entry.Name()
		if name == defaults.InputFilename || name == scriptName {
			continue
		}
		if err := sftpCopyDown(sftpClient, job.RemoteDir+"/"+name, job.LocalDir+"/"+name); err != nil {
			return transferred, jobs.WithKind(err, jobs.ErrorKindTransfer)
		}
		transferred = append(transferred, name)
	}
	return transferred, nil
}
