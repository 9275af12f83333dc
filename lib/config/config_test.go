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

package config

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"
)

func TestConfig(t *testing.T) { TestingT(t) }

type ConfigSuite struct{}

var _ = Suite(&ConfigSuite{})

const sample = `
[store]
backend = bolt
path = qcloud.db

[queue]
host = localhost
port = 5672
workdir = /var/qcloud/jobs

[authentication]
host = localhost
port = 8001
jwt_code = secret
jwt_expiry = 3600
admin_password = hunter2
admin_account = admin
anon = false

[server]
port = 8000

[aimm]
qc = /opt/qchemserv/runqchem
slurm_path = /opt/slurm/bin
rq_conn = local1, cluster1

[local1]
type = local
update_period = 2
queue_size = 4

[cluster1]
type = ssh
update_period = 5
queue_size = 8
time_limit = 3600
mem_limit = 4096
host = cluster.example.com
port = 22
username = qcloud
pbs_queue = batch
pbs_property = fast
key_file = /home/qcloud/.ssh/id_rsa
`

func (s *ConfigSuite) TestLoadParsesAllSections(c *C) {
	path := filepath.Join(c.MkDir(), "qcloud.ini")
	c.Assert(os.WriteFile(path, []byte(sample), 0640), IsNil)

	cfg, err := Load(path)
	c.Assert(err, IsNil)

	c.Assert(cfg.Store.Backend, Equals, "bolt")
	c.Assert(cfg.Queue.WorkDir, Equals, "/var/qcloud/jobs")
	c.Assert(cfg.Authentication.JWTExpiry, Equals, 3600)
	c.Assert(cfg.Authentication.AdminAccount, Equals, "admin")
	c.Assert(cfg.Server.Port, Equals, "8000")
	c.Assert(cfg.AIMM.Connectors, DeepEquals, []string{"local1", "cluster1"})
	c.Assert(cfg.Connectors, HasLen, 2)
	c.Assert(cfg.Connectors[1].Type, Equals, "ssh")
	c.Assert(cfg.Connectors[1].PBSQueue, Equals, "batch")
	c.Assert(cfg.Connectors[1].KeyFile, Equals, "/home/qcloud/.ssh/id_rsa")
	c.Assert(cfg.AIMM.SlurmPath, Equals, "/opt/slurm/bin")
}
