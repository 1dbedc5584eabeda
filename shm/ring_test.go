package shm

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAwaitRingCapacityBlocksWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.RingCapacity = 2
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	// A registered consumer still parked at sequence 0 is what holds
	// read_index back; backpressure only exists for someone.
	slot, err := seg.RegisterConsumer(7, uint64(os.Getpid()))
	require.NoError(t, err)
	seg.UpdateConsumerHeartbeat(slot, 0)

	for i := uint32(0); i < 2; i++ {
		wh, err := seg.WriterAcquire(i, 1, zeroDeadline())
		require.NoError(t, err)
		require.NoError(t, wh.Commit())
		seg.AdvanceWriteIndex()
	}

	deadline := time.Now().Add(50 * time.Millisecond)
	err = seg.AwaitRingCapacity(deadline)
	require.Error(t, err, "ring is full: write_index - read_index >= ring_capacity while a consumer lags")

	// Once the lagging consumer advances, the ring has room again.
	seg.UpdateConsumerHeartbeat(slot, 2)
	require.NoError(t, seg.AwaitRingCapacity(time.Now().Add(50*time.Millisecond)))
}

func TestAwaitRingCapacityDrainsWithoutConsumers(t *testing.T) {
	cfg := testConfig()
	cfg.RingCapacity = 1
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	// With nobody registered, a capacity-1 ring overwrites freely, the
	// same observable behaviour as SINGLE_LATEST.
	for i := 0; i < 3; i++ {
		require.NoError(t, seg.AwaitRingCapacity(time.Now().Add(time.Second)))
		wh, err := seg.WriterAcquire(0, 1, zeroDeadline())
		require.NoError(t, err)
		require.NoError(t, wh.Commit())
		seg.AdvanceWriteIndex()
	}
	require.Equal(t, uint64(3), seg.CommitIndex())
}

func TestAwaitRingCapacityNoopForSingleLatest(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = PolicySingleLatest
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	for i := uint32(0); i < 10; i++ {
		wh, err := seg.WriterAcquire(i%cfg.RingCapacity, 1, zeroDeadline())
		require.NoError(t, err)
		require.NoError(t, wh.Commit())
		seg.AdvanceWriteIndex()
	}
	require.NoError(t, seg.AwaitRingCapacity(time.Now().Add(10*time.Millisecond)))
}

func TestOccupancyTracksCommitMinusRead(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	wh, err := seg.WriterAcquire(0, 1, zeroDeadline())
	require.NoError(t, err)
	require.NoError(t, wh.Commit())
	seg.AdvanceWriteIndex()

	require.Equal(t, uint64(1), seg.Occupancy())
}
