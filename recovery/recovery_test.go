package recovery_test

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shmhub/shmhub/recovery"
	"github.com/shmhub/shmhub/shm"
)

var segCounter atomic.Uint64

func newSegment(t *testing.T) *shm.Segment {
	t.Helper()
	cfg := shm.Config{
		PhysicalPageSize: shm.PageSize4096,
		LogicalSlotSize:  4096,
		RingCapacity:     4,
		Policy:           shm.PolicyRingBuffer,
		ConsumerSync:     shm.ConsumerSyncMultiReader,
		ChecksumKind:     shm.ChecksumNone,
		ChecksumPolicy:   shm.ChecksumManual,
	}
	name := fmt.Sprintf("shmhub-recovery-test-%d-%d", os.Getpid(), segCounter.Add(1))
	seg, err := shm.Create(name, cfg, 1)
	require.NoError(t, err)
	// Tests defer seg.Close(), which runs before Cleanup; Unlink reads the
	// mapped header, so cleanup removes the backing file directly.
	t.Cleanup(func() { os.Remove("/dev/shm/" + name) })
	return seg
}

func TestToolkitForceResetAndDiagnose(t *testing.T) {
	seg := newSegment(t)
	defer seg.Close()

	wh, err := seg.WriterAcquire(0, uint64(os.Getpid()), time.Time{})
	require.NoError(t, err)
	require.NoError(t, wh.Commit())

	tk := recovery.New(seg)
	diags := tk.DiagnoseAllSlots()
	require.Equal(t, shm.SlotCommitted, diags[0].State)

	// Commit already released the writer lock, so reset should succeed.
	require.NoError(t, tk.ForceResetSlot(0, true))
	require.Equal(t, shm.SlotFree, tk.DiagnoseSlot(0).State)
}

func TestToolkitMetricsSnapshotAndReset(t *testing.T) {
	seg := newSegment(t)
	defer seg.Close()

	wh, err := seg.WriterAcquire(0, uint64(os.Getpid()), time.Time{})
	require.NoError(t, err)
	require.NoError(t, wh.Commit())

	tk := recovery.New(seg)
	snap := tk.MetricsSnapshot()
	require.Equal(t, uint64(1), snap.TotalCommits)

	tk.ResetMetrics()
	require.Equal(t, uint64(0), tk.MetricsSnapshot().TotalCommits)
}

func TestToolkitCleanupDeadConsumers(t *testing.T) {
	seg := newSegment(t)
	defer seg.Close()

	_, err := seg.RegisterConsumer(1, 999999999)
	require.NoError(t, err)

	tk := recovery.New(seg)
	require.Equal(t, 1, tk.CleanupDeadConsumers(0))
}
