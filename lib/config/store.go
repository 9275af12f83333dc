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
	"fmt"

	"github.com/gravitational/trace"

	"github.com/nutjunkie/qcloud/lib/store"
)

// Open constructs the StateStore backend named in [store]. The original
// implementation dialed a single Redis instance; a qcloud daemon instead
// picks between an embedded BoltDB file (single-process deployments) and an
// etcd cluster (several monitors sharing state) by c.Backend.
func (c StoreConfig) Open() (store.Backend, error) {
	switch c.Backend {
	case "", "bolt":
		path := c.Path
		if path == "" {
			path = "qcloud.db"
		}
		return store.NewBolt(path)
	case "etcd":
		if c.Host == "" {
			return nil, trace.BadParameter("[store] backend=etcd requires host")
		}
		port := c.Port
		if port == "" {
			port = "2379"
		}
		return store.NewEtcd(store.EtcdConfig{
			Nodes:  []string{fmt.Sprintf("http://%s:%s", c.Host, port)},
			Prefix: "qcloud",
		})
	default:
		return nil, trace.BadParameter("unknown store backend %q", c.Backend)
	}
}

// AMQPURL builds the connection string bus.NewAMQP dials, defaulting to the
// guest account RabbitMQ ships with out of the box.
func (c QueueConfig) AMQPURL() (string, error) {
	if c.Host == "" {
		return "", trace.BadParameter("[queue] section requires host")
	}
	port := c.Port
	if port == "" {
		port = "5672"
	}
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", c.Host, port), nil
}
