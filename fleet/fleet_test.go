// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fleet

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func setChildEnv(t *testing.T, role, workerID, workers, dir string) {
	t.Helper()
	t.Setenv(EnvRole, role)
	t.Setenv(EnvWorkerID, workerID)
	t.Setenv(EnvWorkers, workers)
	t.Setenv(EnvDir, dir)
}

func TestFromEnvMaster(t *testing.T) {
	os.Unsetenv(EnvRole)
	_, isChild, err := FromEnv()
	require.NoError(t, err)
	require.False(t, isChild)
}

func TestFromEnvQueue(t *testing.T) {
	setChildEnv(t, "queue", "-1", "4", "/tmp/fleet-test")
	f, isChild, err := FromEnv()
	require.NoError(t, err)
	require.True(t, isChild)
	require.True(t, f.IsQueue())
	require.False(t, f.IsMaster())
	require.Equal(t, 4, f.NumWorkers())
	require.Equal(t, -1, f.WorkerID())
	require.Equal(t, "/tmp/fleet-test/mq.sock", f.MasterQueueSocket())
}

func TestFromEnvWorker(t *testing.T) {
	setChildEnv(t, "worker", "2", "4", "/tmp/fleet-test")
	f, isChild, err := FromEnv()
	require.NoError(t, err)
	require.True(t, isChild)
	require.True(t, f.IsWorker())
	require.Equal(t, 2, f.WorkerID())
	require.True(t, strings.HasSuffix(f.QueueWorkerSocket(2), "qw_2.sock"))
}

func TestFromEnvBadRole(t *testing.T) {
	setChildEnv(t, "supervisor", "0", "4", "/tmp/fleet-test")
	_, isChild, err := FromEnv()
	require.True(t, isChild)
	require.Error(t, err)
}

func TestFromEnvBadWorkerID(t *testing.T) {
	setChildEnv(t, "worker", "banana", "4", "/tmp/fleet-test")
	_, _, err := FromEnv()
	require.Error(t, err)
}

func TestNewRejectsZeroWorkers(t *testing.T) {
	os.Unsetenv(EnvRole)
	_, err := New(0, "setup", "")
	require.Error(t, err)
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "master", Master.String())
	require.Equal(t, "queue", Queue.String())
	require.Equal(t, "worker", Worker.String())
}
