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
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
)

func writeRemoteFile(client *sftp.Client, remotePath, contents string) error {
	f, err := client.Create(remotePath)
	if err != nil {
		return trace.Wrap(err, "creating %v", remotePath)
	}
	defer f.Close()
	if _, err := f.Write([]byte(contents)); err != nil {
		return trace.Wrap(err, "writing %v", remotePath)
	}
	return nil
}

func sftpCopyUp(client *sftp.Client, localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return trace.Wrap(err, "opening %v", localPath)
	}
	defer local.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return trace.Wrap(err, "creating %v", remotePath)
	}
	defer remote.Close()

	if _, err := io.Copy(remote, local); err != nil {
		return trace.Wrap(err, "copying %v to %v", localPath, remotePath)
	}
	return nil
}

func sftpCopyDown(client *sftp.Client, remotePath, localPath string) error {
	remote, err := client.Open(remotePath)
	if err != nil {
		return trace.Wrap(err, "opening %v", remotePath)
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return trace.Wrap(err, "creating %v", localPath)
	}
	defer local.Close()

	if _, err := io.Copy(local, remote); err != nil {
		return trace.Wrap(err, "copying %v to %v", remotePath, localPath)
	}
	return nil
}
