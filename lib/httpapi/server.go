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

// Package httpapi is the HTTP adapter for the job lifecycle engine,
// equivalent to qcweb/web_server.py's ComputeServer: register, submit,
// delete, status, list and download, each authenticated against
// lib/authclient and reporting its outcome through the Qcloud-Server-* and
// Qchemserv-* response headers the original handlers used.
package httpapi

import (
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/nutjunkie/qcloud/lib/authclient"
	"github.com/nutjunkie/qcloud/lib/jobmanager"
	"github.com/nutjunkie/qcloud/lib/log"
)

// Config configures a Server.
type Config struct {
	JobManager *jobmanager.Manager
	Auth       *authclient.Client
	Logger     log.Logger
}

func (c Config) checkAndSetDefaults() error {
	if c.JobManager == nil {
		return trace.BadParameter("missing JobManager")
	}
	if c.Auth == nil {
		return trace.BadParameter("missing Auth")
	}
	if c.Logger == nil {
		return trace.BadParameter("missing Logger")
	}
	return nil
}

// Server is the compute HTTP adapter.
type Server struct {
	cfg    Config
	router *httprouter.Router
}

// New constructs a Server with every route registered, mirroring
// ComputeServer's handler table: register, submit, delete, status, list,
// download.
func New(cfg Config) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{cfg: cfg, router: httprouter.New()}

	s.router.GET("/register", s.handleRegister)
	s.router.POST("/submit", s.handleSubmit)
	s.router.GET("/delete", s.handleDelete)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/list", s.handleList)
	s.router.GET("/download", s.handleDownload)

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
