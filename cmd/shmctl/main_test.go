package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var segCounter atomic.Uint64

func nextSegmentName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("shmhub-shmctl-test-%d-%d", os.Getpid(), segCounter.Add(1))
}

func TestCreateThenMetricsAndDiagnose(t *testing.T) {
	name := nextSegmentName(t)
	t.Cleanup(func() { os.Remove("/dev/shm/" + name) })

	root := newRootCmd()
	root.SetArgs([]string{"--segment", name, "create", "--ring-capacity", "4"})
	require.NoError(t, root.Execute())

	root = newRootCmd()
	root.SetArgs([]string{"--segment", name, "metrics"})
	require.NoError(t, root.Execute())

	root = newRootCmd()
	root.SetArgs([]string{"--segment", name, "diagnose"})
	require.NoError(t, root.Execute())

	root = newRootCmd()
	root.SetArgs([]string{"--segment", name, "cleanup-consumers", "--stale-after", "0s"})
	require.NoError(t, root.Execute())
}
