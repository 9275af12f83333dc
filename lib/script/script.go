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

// Package script renders the job scripts the batch connector variants
// submit to their workload manager, grounded on the script bodies
// job_manager.py's create_job_slurm and rqconn_pbs.py write inline before
// shelling out to sbatch/qsub respectively.
package script

import (
	"bytes"
	"text/template"

	"github.com/gravitational/trace"
)

// SlurmParams fills the Slurm batch script template.
type SlurmParams struct {
	// Directive is the verbatim $batch...$end body, containing whatever
	// #SBATCH lines the user supplied.
	Directive string
	WorkDir   string
}

var slurmTemplate = template.Must(template.New("slurm").Parse(
	`#!/bin/bash
{{.Directive}}
#SBATCH --chdir={{.WorkDir}}

export QC=/opt/qchem
export QCAUX=/opt/qcaux
export QCSCRATCH=/tmp/scratch
$QC/bin/qchem input output
`))

// RenderSlurm renders a Slurm batch script for the BatchLocal connector.
func RenderSlurm(p SlurmParams) (string, error) {
	var buf bytes.Buffer
	if err := slurmTemplate.Execute(&buf, p); err != nil {
		return "", trace.Wrap(err, "rendering slurm script")
	}
	return buf.String(), nil
}

// PBSParams fills the PBS batch script template.
type PBSParams struct {
	JobID    string
	Queue    string
	Walltime string
	User     string
}

var pbsTemplate = template.Must(template.New("pbs").Parse(
	`#PBS -N aimm_{{.JobID}}
#PBS -V
#PBS -q {{.Queue}}
#PBS -l nodes=1:ppn=1
#PBS -l walltime={{.Walltime}}

cd $PBS_O_WORKDIR
setenv QC /home/qcsoftware/qchem_latest
setenv QCSCRATCH /scratch/{{.User}}
setenv QCAUX /home/qcsoftware/qcaux_latest
source $QC/bin/qchem.setup
qchem input output
`))

// RenderPBS renders a PBS batch script for the RemoteSSH connector.
func RenderPBS(p PBSParams) (string, error) {
	var buf bytes.Buffer
	if err := pbsTemplate.Execute(&buf, p); err != nil {
		return "", trace.Wrap(err, "rendering pbs script")
	}
	return buf.String(), nil
}
