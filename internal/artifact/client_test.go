// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KirillBaranov/kb-labs-workflow/internal/artifact"
)

func TestFSClientProduceConsumeRoundtrip(t *testing.T) {
	client, err := artifact.NewFSClient(t.TempDir(), "run-1", "build")
	require.NoError(t, err)

	require.NoError(t, client.Produce("out/report.txt", []byte("hello")))

	data, err := client.Consume("out/report.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestFSClientListFiltersByPrefix(t *testing.T) {
	client, err := artifact.NewFSClient(t.TempDir(), "run-1", "build")
	require.NoError(t, err)

	require.NoError(t, client.Produce("out/a.txt", []byte("a")))
	require.NoError(t, client.Produce("out/b.txt", []byte("b")))
	require.NoError(t, client.Produce("logs/c.txt", []byte("c")))

	entries, err := client.List("out/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "out/a.txt", entries[0].Path)
	require.Equal(t, "out/b.txt", entries[1].Path)
}

func TestFSClientRejectsEscapingPath(t *testing.T) {
	client, err := artifact.NewFSClient(t.TempDir(), "run-1", "build")
	require.NoError(t, err)

	err = client.Produce("../../etc/passwd", []byte("pwned"))
	require.Error(t, err)

	_, err = client.Consume("../secret.txt")
	require.Error(t, err)
}
