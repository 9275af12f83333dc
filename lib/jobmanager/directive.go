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
	"regexp"
	"strings"

	"github.com/nutjunkie/qcloud/lib/defaults"
)

var directiveRE = regexp.MustCompile(`(?s)\` + defaults.DirectiveOpen + `(.+?)\` + defaults.DirectiveClose + `(.+)`)

// nameRE pulls a job name out of a workload manager directive's --job-name
// flag, used to derive batch/input/output filenames.
var nameRE = regexp.MustCompile(`--job-name[\s=]+(\S+)`)

// parseDirective splits job input into a leading $batch...$end workload
// manager directive and the remaining program input. ok is false when no
// directive is present, meaning the job is a plain local submission.
func parseDirective(input string) (directive, remainder string, ok bool) {
	match := directiveRE.FindStringSubmatch(input)
	if match == nil {
		return "", input, false
	}
	return strings.TrimSpace(match[1]), strings.TrimSpace(match[2]), true
}

// baseNameFromDirective extracts the --job-name argument from a workload
// manager directive, if present, for use as the stem of the batch, input
// and output filenames. A blank result means the caller should fall back to
// defaults.InputFilename/OutputFilename.
func baseNameFromDirective(directive string) string {
	match := nameRE.FindStringSubmatch(directive)
	if match == nil {
		return ""
	}
	name := match[1]
	for _, suffix := range []string{".inp", ".in", ".qcin"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}
