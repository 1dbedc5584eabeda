package shm

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// deadPid is far above any real pid_max, so the liveness probe always
// reports it gone.
const deadPid uint64 = 999999999

func commitSlot(t *testing.T, seg *Segment, index uint32, payload []byte) {
	t.Helper()
	wh, err := seg.WriterAcquire(index, uint64(os.Getpid()), zeroDeadline())
	require.NoError(t, err)
	copy(wh.Payload(), payload)
	require.NoError(t, wh.Commit())
	seg.AdvanceWriteIndex()
}

func TestWriterBlocksWhileReaderHoldsSlot(t *testing.T) {
	cfg := testConfig()
	cfg.RingCapacity = 2
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	commitSlot(t, seg, 0, []byte("first"))

	rh, err := seg.ReaderAcquire(0)
	require.NoError(t, err)

	// Wrap-around attempt on the held slot must time out rather than
	// overwrite under the reader.
	_, err = seg.WriterAcquire(0, uint64(os.Getpid()), time.Now().Add(30*time.Millisecond))
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrTimeout, serr.Kind)

	// The blocked writer never advanced the generation, so the reader's
	// validate-on-release still sees its own write.
	require.NoError(t, rh.Release())

	wh, err := seg.WriterAcquire(0, uint64(os.Getpid()), time.Now().Add(time.Second))
	require.NoError(t, err)
	copy(wh.Payload(), []byte("second"))
	require.NoError(t, wh.Commit())
	seg.AdvanceWriteIndex()

	rh, err = seg.ReaderAcquire(0)
	require.NoError(t, err)
	require.Equal(t, "second", string(rh.Payload()[:6]))
	require.NoError(t, rh.Release())
}

func TestWriterMutualExclusion(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	wh, err := seg.WriterAcquire(0, uint64(os.Getpid()), zeroDeadline())
	require.NoError(t, err)

	// A second live writer contends on the lock and must time out, never
	// receive a second mutable reference.
	_, err = seg.WriterAcquire(0, uint64(os.Getppid()), time.Now().Add(30*time.Millisecond))
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrTimeout, serr.Kind)

	require.NoError(t, wh.Commit())
}

func TestReaderAcquireAbortsOnWritingSlot(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	wh, err := seg.WriterAcquire(0, uint64(os.Getpid()), zeroDeadline())
	require.NoError(t, err)

	_, err = seg.ReaderAcquire(0)
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrNotReady, serr.Kind)

	require.NoError(t, wh.Commit())
}

func TestZombieWriterReclaim(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	// A writer that died mid-write leaves the lock held by its PID and
	// the slot parked in WRITING.
	entry := seg.slotEntry(3)
	entry.WriterLock.Store(deadPid)
	entry.SlotStateV.Store(uint32(SlotWriting))

	d := seg.DiagnoseSlot(3)
	require.False(t, d.WriterAlive)
	require.True(t, d.Stuck)
	require.Equal(t, deadPid, d.WriterLockPid)

	wh, err := seg.WriterAcquire(3, uint64(os.Getpid()), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seg.Header().Metrics.ZombieReclaims.Load())
	require.NoError(t, wh.Commit())
}

func TestConcurrentZombieReclaimIsExclusive(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	entry := seg.slotEntry(0)
	entry.WriterLock.Store(deadPid)
	entry.SlotStateV.Store(uint32(SlotWriting))

	// Two live peers race to reclaim. Exactly one CAS(dead, mine) wins;
	// the loser falls back to normal contention and acquires only after
	// the winner commits.
	pids := []uint64{uint64(os.Getpid()), uint64(os.Getppid())}
	var wg sync.WaitGroup
	errs := make([]error, len(pids))
	for i, pid := range pids {
		wg.Add(1)
		go func(i int, pid uint64) {
			defer wg.Done()
			wh, err := seg.WriterAcquire(0, pid, time.Now().Add(2*time.Second))
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = wh.Commit()
		}(i, pid)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, uint64(1), seg.Header().Metrics.ZombieReclaims.Load())
	require.Equal(t, uint64(0), entry.WriterLock.Load())
}

func TestForceResetUnsticksZombieSlot(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	entry := seg.slotEntry(3)
	entry.WriterLock.Store(deadPid)
	entry.SlotStateV.Store(uint32(SlotWriting))
	entry.ReaderCount.Store(2)

	require.NoError(t, seg.ForceResetSlot(3, true))
	require.Equal(t, uint64(1), seg.Header().Metrics.RecoveryActions.Load())

	d := seg.DiagnoseSlot(3)
	require.Equal(t, SlotFree, d.State)
	require.Equal(t, uint64(0), d.WriterLockPid)
	require.Equal(t, uint32(0), d.ReaderCount)

	commitSlot(t, seg, 3, []byte("after reset"))
}

func TestReaderStaleGenerationOnRelease(t *testing.T) {
	cfg := testConfig()
	cfg.ChecksumKind = ChecksumNone
	cfg.ChecksumPolicy = ChecksumManual
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	commitSlot(t, seg, 0, []byte("v1"))

	rh, err := seg.ReaderAcquire(0)
	require.NoError(t, err)

	// An overwrite the reader lost the visibility race against shows up
	// as a generation bump.
	seg.slotEntry(0).WriteGeneration.Add(1)

	err = rh.Release()
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrStaleOverwritten, serr.Kind)
	require.Equal(t, uint64(1), seg.Header().Metrics.ReaderGenerationMismatch.Load())
	require.Equal(t, uint32(0), seg.slotEntry(0).ReaderCount.Load(), "release decrements even on a stale read")
}

func TestReaderChecksumFailOnCorruptedPayload(t *testing.T) {
	cfg := testConfig() // ENFORCED + BLAKE2b
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	commitSlot(t, seg, 0, []byte{0x01, 0x02, 0x03})

	// Flip one byte behind the committed checksum's back.
	seg.SlotPayload(0)[1] ^= 0xFF

	rh, err := seg.ReaderAcquire(0)
	require.NoError(t, err)
	err = rh.Release()
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrChecksumFail, serr.Kind)
	require.Equal(t, uint64(1), seg.Header().Metrics.ReaderChecksumFail.Load())
}

func TestAbortReleasesWithoutCommit(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	wh, err := seg.WriterAcquire(0, uint64(os.Getpid()), zeroDeadline())
	require.NoError(t, err)
	wh.Abort()

	require.Equal(t, uint64(0), seg.CommitIndex())
	d := seg.DiagnoseSlot(0)
	require.Equal(t, SlotFree, d.State)
	require.Equal(t, uint64(0), d.WriterLockPid)

	commitSlot(t, seg, 0, []byte("after abort"))
	require.Equal(t, uint64(1), seg.CommitIndex())
}

func TestUseAfterReleaseIsReported(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	commitSlot(t, seg, 0, []byte("x"))
	rh, err := seg.ReaderAcquire(0)
	require.NoError(t, err)
	require.NoError(t, rh.Release())

	err = rh.Release()
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrUseAfterRelease, serr.Kind)
}
