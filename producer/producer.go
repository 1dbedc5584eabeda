// Package producer implements the producer handle: the unique
// authority that creates and owns a segment, exposes slot acquisition,
// commit, flex-zone write access, checksum maintenance, and heartbeat
// publication.
package producer

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shmhub/shmhub/shm"
)

// Directory is the external collaborator consumed at Create time:
// Register maps a channel name to a segment name plus the schema hashes
// a consumer will check.
type Directory interface {
	Register(channel, segmentName string, flexZoneHash, dataBlockHash [32]byte) error
	Unregister(channel string) error
}

// Handle is the producer's owning reference to a segment.
type Handle struct {
	Channel string
	seg     *shm.Segment
	cfg     shm.Config
	pid     uint64
	log     *zap.SugaredLogger
	dir     Directory
}

// Option configures Create.
type Option func(*Handle)

// WithLogger attaches a structured logger; the nil-safe default is a
// no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.log = l.Sugar()
		}
	}
}

// WithDirectory wires the external directory/registration collaborator.
func WithDirectory(d Directory) Option {
	return func(h *Handle) { h.dir = d }
}

// randomID derives a diagnostic identity from the entropy of a fresh
// UUIDv4 rather than hand-rolling a crypto/rand call for eight bytes.
func randomID() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8])
}

// Create allocates the segment, registers it with the directory (if one
// was supplied), and returns the owning handle. Failures: INVALID_CONFIG,
// NAME_IN_USE (surfaced as OS_RESOURCE), OS_RESOURCE.
func Create(channel, segmentName string, cfg shm.Config, opts ...Option) (*Handle, error) {
	h := &Handle{Channel: channel, cfg: cfg, log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(h)
	}

	producerID := randomID()
	seg, err := shm.Create(segmentName, cfg, producerID)
	if err != nil {
		return nil, err
	}
	h.seg = seg
	// The writer-lock identity is the OS PID (liveness probes work on
	// PIDs), distinct from producer_id, which is a random identity
	// stamped once at creation for diagnostics.
	h.pid = uint64(os.Getpid())

	if h.dir != nil {
		if err := h.dir.Register(channel, segmentName, cfg.FlexZoneHash, cfg.DataBlockHash); err != nil {
			seg.Unlink()
			seg.Close()
			return nil, err
		}
	}

	h.log.Infow("producer: segment created", "channel", channel, "segment", segmentName, "ring_capacity", cfg.RingCapacity)
	return h, nil
}

// Segment exposes the underlying segment for the txn façade and recovery
// tooling within this module; it is the single borrowed reference every
// other operation derives from.
func (h *Handle) Segment() *shm.Segment { return h.seg }

// Config returns the configuration stored at creation.
func (h *Handle) Config() shm.Config { return h.cfg }

// AcquireWriter picks the next slot, waits for ring capacity under
// RING_BUFFER policy, then acquires the writer lock on it.
func (h *Handle) AcquireWriter(timeout time.Duration) (*shm.WriterHandle, error) {
	deadline := deadlineFrom(timeout)
	if err := h.seg.AwaitRingCapacity(deadline); err != nil {
		h.seg.Header().Metrics.WriterTimeouts.Add(1)
		return nil, err
	}
	index := h.seg.NextWriteSlot()
	start := time.Now()
	wh, err := h.seg.WriterAcquire(index, h.pid, deadline)
	h.seg.Header().Metrics.WriterBlockedTotalNs.Add(uint64(time.Since(start).Nanoseconds()))
	if err != nil {
		h.seg.Header().Metrics.WriterTimeouts.Add(1)
		return nil, err
	}
	h.seg.AdvanceWriteIndex()
	return wh, nil
}

// FlexZoneBytesMut returns the mutable flex-zone byte slice.
func (h *Handle) FlexZoneBytesMut() []byte { return h.seg.FlexZoneBytes() }

// UpdateFlexZoneChecksum recomputes and stores the flex-zone digest.
func (h *Handle) UpdateFlexZoneChecksum() { h.seg.UpdateFlexZoneChecksum() }

// VerifyFlexZoneChecksum checks the flex-zone digest.
func (h *Handle) VerifyFlexZoneChecksum() error { return h.seg.VerifyFlexZoneChecksum() }

// UpdateHeartbeat stamps the producer's liveness timestamp.
func (h *Handle) UpdateHeartbeat() { h.seg.UpdateProducerHeartbeat() }

// Close drops the handle. If the active consumer count is already zero
// the segment is unlinked here; otherwise the ProducerDetached flag is
// raised and unlinking falls to whichever consumer Detach brings the
// count to zero. Segment.Unlink's CAS keeps the removal exactly-once
// across that handoff.
func (h *Handle) Close() error {
	if h.dir != nil {
		_ = h.dir.Unregister(h.Channel)
	}
	h.seg.Header().ProducerDetached.Store(1)
	if h.seg.Header().ActiveConsumerCount.Load() == 0 {
		if err := h.seg.Unlink(); err != nil {
			h.log.Warnw("producer: unlink failed", "error", err)
		}
	}
	return h.seg.Close()
}

// Pid returns the OS process id this handle uses as its writer-lock
// identity.
func (h *Handle) Pid() uint64 { return uint64(os.Getpid()) }

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
