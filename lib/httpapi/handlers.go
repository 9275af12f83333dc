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

package httpapi

import (
	"io"
	"net/http"
	"os"

	"github.com/julienschmidt/httprouter"

	"github.com/nutjunkie/qcloud/lib/jobs"
)

const (
	headerServerStatus  = "Qcloud-Server-Status"
	headerServerMessage = "Qcloud-Server-Message"
	headerServerJobid   = "Qcloud-Server-Jobid"
	headerServerBackend = "Qcloud-Server-Slurmid"
	headerServerStatus2 = "Qcloud-Server-Jobstatus"
	headerServerUserid  = "Qcloud-Server-Userid"
	headerToken         = "Qcloud-Token"

	headerAppStatus  = "Qchemserv-Status"
	headerAppRequest = "Qchemserv-Request"
	headerAppJobid   = "Qchemserv-Jobid"
	headerAppStatus2 = "Qchemserv-Jobstatus"
)

// getArg reads name from the query string, falling back to a form value,
// matching tornado's get_argument which accepts either.
func getArg(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return r.FormValue(name)
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set(headerServerMessage, msg)
	w.WriteHeader(status)
}

// getJob validates the caller's token and loads the job named by the
// "jobid" argument, surfacing an unknown jobid as StatusInvalid rather than
// an error — matching get_job's is_valid() check.
func (s *Server) getJob(r *http.Request) (userid string, job *jobs.Job, err error) {
	token := r.Header.Get(headerToken)
	if token == "" {
		token = getArg(r, "cookie")
	}
	if token == "" {
		return "", nil, errMissingArgument("cookie")
	}
	userid, err = s.cfg.Auth.Validate(r.Context(), token)
	if err != nil {
		return "", nil, err
	}

	jobID := getArg(r, "jobid")
	if jobID == "" {
		return "", nil, errMissingArgument("jobid")
	}
	job, err = s.cfg.JobManager.Get(r.Context(), jobID)
	if err != nil {
		return "", nil, err
	}
	if !job.IsValid() {
		job.Status = jobs.StatusInvalid
	}
	return userid, job, nil
}

type missingArgument string

func (m missingArgument) Error() string { return "missing argument: " + string(m) }

func errMissingArgument(name string) error { return missingArgument(name) }

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userid, token, err := s.cfg.Auth.Register(r.Context())
	if err != nil {
		s.cfg.Logger.WithError(err).Error("registration failed")
		s.fail(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set(headerAppStatus, "OK")
	w.Header().Set(headerAppRequest, "register")
	w.Header().Set("Qchemserv-Cookie", token)
	s.cfg.Logger.WithField("userid", userid).Info("user registered")
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token := r.Header.Get(headerToken)
	if token == "" {
		token = getArg(r, "cookie")
	}
	if token == "" {
		s.fail(w, http.StatusBadRequest, errMissingArgument("cookie").Error())
		return
	}
	userid, err := s.cfg.Auth.Validate(r.Context(), token)
	if err != nil {
		s.fail(w, http.StatusUnauthorized, "invalid token passed to submit")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.cfg.JobManager.Submit(r.Context(), string(body))
	if err != nil {
		s.cfg.Logger.WithError(err).Error("submit failed")
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerJobid, job.JobID)
	w.Header().Set(headerServerBackend, job.BackendID)

	w.Header().Set(headerAppStatus, "OK")
	w.Header().Set(headerAppRequest, "submit")
	w.Header().Set(headerAppJobid, job.JobID)

	s.cfg.Logger.WithField("jobid", job.JobID).WithField("userid", userid).Info("job submitted")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, job, err := s.getJob(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if job.Status != jobs.StatusDone {
		s.fail(w, http.StatusConflict, "job not completed")
		return
	}

	var body string
	for _, f := range job.Files {
		body += f + "\n"
	}
	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerJobid, job.JobID)
	w.Header().Set(headerAppStatus, "OK")
	w.Header().Set(headerAppRequest, "list")
	w.Header().Set(headerAppJobid, job.JobID)
	io.WriteString(w, body)

	s.cfg.Logger.WithField("jobid", job.JobID).Info("job file list")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, job, err := s.getJob(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	fname := getArg(r, "file")
	if fname == "" {
		s.fail(w, http.StatusBadRequest, errMissingArgument("file").Error())
		return
	}

	fpath, err := s.cfg.JobManager.GetFilePath(r.Context(), job.JobID, fname)
	if err != nil {
		s.fail(w, http.StatusNotFound, "file not found "+fname)
		return
	}

	f, err := os.Open(fpath)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerJobid, job.JobID)
	w.Header().Set(headerAppStatus, "OK")
	w.Header().Set(headerAppRequest, "download")
	w.Header().Set(headerAppJobid, job.JobID)
	io.Copy(w, f)

	s.cfg.Logger.WithField("jobid", job.JobID).WithField("file", fname).Info("file downloaded")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, job, err := s.getJob(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerJobid, job.JobID)
	w.Header().Set(headerServerStatus2, string(job.Status))
	w.Header().Set(headerAppStatus, "OK")
	w.Header().Set(headerAppRequest, "status")
	w.Header().Set(headerAppJobid, job.JobID)
	w.Header().Set(headerAppStatus2, string(job.Status))

	s.cfg.Logger.WithField("jobid", job.JobID).WithField("status", job.Status).Info("job status queried")
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	_, job, err := s.getJob(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.cfg.JobManager.Delete(r.Context(), job.JobID); err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set(headerServerStatus, "OK")
	w.Header().Set(headerServerJobid, job.JobID)
	w.Header().Set(headerAppStatus, "OK")
	w.Header().Set(headerAppRequest, "delete")
	w.Header().Set(headerAppJobid, job.JobID)

	s.cfg.Logger.WithField("jobid", job.JobID).Info("job deleted")
}
