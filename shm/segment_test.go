package shm

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSegmentCounter atomic.Uint64

func zeroDeadline() time.Time { return time.Time{} }

func testConfig() Config {
	return Config{
		PhysicalPageSize: PageSize4096,
		LogicalSlotSize:  4096,
		RingCapacity:     4,
		FlexZoneSize:     0,
		Policy:           PolicyRingBuffer,
		ConsumerSync:     ConsumerSyncMultiReader,
		ChecksumKind:     ChecksumBlake2b256,
		ChecksumPolicy:   ChecksumEnforced,
	}
}

func newTestSegment(t *testing.T, cfg Config) *Segment {
	t.Helper()
	name := fmt.Sprintf("shmhub-test-%d-%d", os.Getpid(), testSegmentCounter.Add(1))
	seg, err := Create(name, cfg, 1)
	require.NoError(t, err)
	// Tests defer seg.Close(), which runs before Cleanup; Unlink reads the
	// mapped header, so cleanup removes the backing file directly.
	t.Cleanup(func() {
		os.Remove(shmPath(seg.Name))
	})
	return seg
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RingCapacity = 0
	_, err := Create("shmhub-test-invalid", cfg, 1)
	require.Error(t, err)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrInvalidConfig, serr.Kind)
}

func TestCreateAttachRoundTrip(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	expected := ExpectedSchemas{
		FlexZoneHash:  cfg.FlexZoneHash,
		DataBlockHash: cfg.DataBlockHash,
	}
	attached, err := Attach(seg.Name, cfg.SharedSecret, expected)
	require.NoError(t, err)
	defer attached.Close()

	require.Equal(t, seg.Layout().TotalSize, attached.Layout().TotalSize)
	require.Equal(t, seg.Config().RingCapacity, attached.Config().RingCapacity)
}

func TestAttachRejectsSchemaMismatch(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	bad := ExpectedSchemas{FlexZoneHash: [32]byte{1}, DataBlockHash: [32]byte{2}}
	_, err := Attach(seg.Name, cfg.SharedSecret, bad)
	require.Error(t, err)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrSchemaMismatch, serr.Kind)
}

func TestWriterCommitThenReaderRelease(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	index := seg.NextWriteSlot()
	wh, err := seg.WriterAcquire(index, 1, zeroDeadline())
	require.NoError(t, err)
	copy(wh.Payload(), []byte("hello"))
	require.NoError(t, wh.Commit())
	seg.AdvanceWriteIndex()

	rh, err := seg.ReaderAcquire(index)
	require.NoError(t, err)
	require.Equal(t, "hello", string(rh.Payload()[:5]))
	require.NoError(t, rh.Release())
}

func TestReaderAcquireNotReadyBeforeCommit(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	_, err := seg.ReaderAcquire(0)
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrNotReady, serr.Kind)
}

func TestDoubleCommitFails(t *testing.T) {
	cfg := testConfig()
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	wh, err := seg.WriterAcquire(0, 1, zeroDeadline())
	require.NoError(t, err)
	require.NoError(t, wh.Commit())
	err = wh.Commit()
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrDoubleCommit, serr.Kind)
}

func TestFlexZoneChecksumRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.FlexZoneSize = 4096
	seg := newTestSegment(t, cfg)
	defer seg.Close()

	copy(seg.FlexZoneBytes(), []byte("flexdata"))
	seg.UpdateFlexZoneChecksum()
	require.NoError(t, seg.VerifyFlexZoneChecksum())

	seg.FlexZoneBytes()[0] ^= 0xFF
	err := seg.VerifyFlexZoneChecksum()
	require.Error(t, err)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	require.Equal(t, ErrChecksumFail, serr.Kind)
}
