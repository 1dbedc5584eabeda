package shm

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterConsumerAndRecomputeReadIndex(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	for i := uint32(0); i < 3; i++ {
		wh, err := seg.WriterAcquire(i, 1, zeroDeadline())
		require.NoError(t, err)
		require.NoError(t, wh.Commit())
		seg.AdvanceWriteIndex()
	}
	require.Equal(t, uint64(3), seg.CommitIndex())

	slotA, err := seg.RegisterConsumer(100, uint64(os.Getpid()))
	require.NoError(t, err)
	slotB, err := seg.RegisterConsumer(200, uint64(os.Getpid()))
	require.NoError(t, err)

	// read_index only moves forward, so the slow consumer reports first.
	seg.UpdateConsumerHeartbeat(slotB, 1)
	seg.UpdateConsumerHeartbeat(slotA, 3)
	require.Equal(t, uint64(1), seg.ReadIndexValue(), "read_index must track the slowest live consumer")

	seg.DeregisterConsumer(slotB, 200)
	seg.RecomputeReadIndex()
	require.Equal(t, uint64(3), seg.ReadIndexValue(), "read_index advances once the slow consumer leaves")
}

func TestCleanupDeadConsumersOnlyRemovesDeadPids(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	live, err := seg.RegisterConsumer(1, uint64(os.Getpid()))
	require.NoError(t, err)
	dead, err := seg.RegisterConsumer(2, 999999999)
	require.NoError(t, err)

	n := seg.CleanupDeadConsumers(0)
	require.Equal(t, 1, n)

	require.True(t, seg.DiagnoseConsumer(live, 5*time.Second).Registered)
	require.False(t, seg.DiagnoseConsumer(dead, 0).Registered)
}

func TestForceResetSlotRefusesLiveWriter(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	_, err := seg.WriterAcquire(0, uint64(os.Getpid()), zeroDeadline())
	require.NoError(t, err)

	err = seg.ForceResetSlot(0, true)
	require.Error(t, err)
}

func TestForceResetSlotRequiresForce(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	err := seg.ForceResetSlot(0, false)
	require.Error(t, err)
}

func TestDiagnoseAllSlotsCoversEveryIndex(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	diags := seg.DiagnoseAllSlots()
	require.Len(t, diags, int(cfg.RingCapacity))
	for i, d := range diags {
		require.Equal(t, uint32(i), d.Index)
		require.Equal(t, SlotFree, d.State)
	}
}
