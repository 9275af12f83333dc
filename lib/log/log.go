/*
Copyright 2019 Gravitational, Inc.

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

// Package log wraps logrus so every qcloud daemon logs through one
// interface instead of the global logrus package.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the subset of structured logging operations qcloud components
// depend on.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields logrus.Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Writer() *io.PipeWriter
}

// Config controls the process-wide logger initialized by Init.
type Config struct {
	// Level is one of logrus's level names ("debug", "info", "warn", ...).
	Level string
	// JSON selects the JSON formatter instead of the text formatter.
	JSON bool
	// Output defaults to stderr when nil.
	Output io.Writer
}

// Init configures the standard logrus logger for a daemon and returns a
// root Logger derived from it.
func Init(cfg Config) Logger {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	logrus.SetOutput(output)

	return New(logrus.NewEntry(logrus.StandardLogger()))
}

// New creates a Logger for the given logrus entry.
func New(entry *logrus.Entry) Logger {
	return logger{entry: entry}
}

type logger struct {
	entry *logrus.Entry
}

func (l logger) WithField(key string, value interface{}) Logger {
	return New(l.entry.WithField(key, value))
}

func (l logger) WithFields(fields logrus.Fields) Logger {
	return New(l.entry.WithFields(fields))
}

func (l logger) WithError(err error) Logger {
	return New(l.entry.WithError(err))
}

func (l logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l logger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l logger) Writer() *io.PipeWriter { return l.entry.Writer() }
