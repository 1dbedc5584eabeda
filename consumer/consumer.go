// Package consumer implements the consumer handle: it attaches to a
// segment, registers a heartbeat, and exposes direct slot lookups plus a
// lazy iterator (see iterator.go).
package consumer

import (
	"encoding/binary"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shmhub/shmhub/shm"
)

// Directory is the external collaborator consumed at Attach time.
type Directory interface {
	Discover(channel string) (segmentName string, flexZoneHash, dataBlockHash [32]byte, err error)
}

// Handle is a consumer's non-owning reference into a segment.
type Handle struct {
	Channel       string
	seg           *shm.Segment
	consumerID    uint64
	heartbeatSlot int
	startSequence uint64
	log           *zap.SugaredLogger
}

// Option configures Attach.
type Option func(*handleOpts)

type handleOpts struct {
	logger *zap.Logger
}

func WithLogger(l *zap.Logger) Option {
	return func(o *handleOpts) { o.logger = l }
}

// randomID derives a consumer identity from a fresh UUIDv4; see
// producer.randomID for why this replaces a hand-rolled crypto/rand call.
func randomID() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8])
}

// Attach performs the directory lookup, maps the segment, validates the
// header, and registers a heartbeat slot.
func Attach(dir Directory, channel string, sharedSecret [64]byte, expected shm.ExpectedSchemas, opts ...Option) (*Handle, error) {
	o := &handleOpts{}
	for _, fn := range opts {
		fn(o)
	}
	log := zap.NewNop().Sugar()
	if o.logger != nil {
		log = o.logger.Sugar()
	}

	segmentName, flexHash, dataHash, err := dir.Discover(channel)
	if err != nil {
		return nil, err
	}
	if expected.FlexZoneHash != flexHash || expected.DataBlockHash != dataHash {
		// The directory's record disagrees with the caller's own
		// expectation before we even map the segment; fail the same way
		// an attach-time mismatch would.
		return nil, shm.KindError(shm.ErrSchemaMismatch)
	}

	seg, err := shm.Attach(segmentName, sharedSecret, expected)
	if err != nil {
		return nil, err
	}

	consumerID := randomID()
	slot, err := seg.RegisterConsumer(consumerID, uint64(os.Getpid()))
	if err != nil {
		seg.Close()
		return nil, err
	}

	h := &Handle{
		Channel:       channel,
		seg:           seg,
		consumerID:    consumerID,
		heartbeatSlot: slot,
		startSequence: seg.Header().Consumers[slot].ReadCursor.Load(),
		log:           log,
	}
	h.log.Infow("consumer: attached", "channel", channel, "segment", segmentName, "consumer_id", consumerID)
	return h, nil
}

// Segment exposes the underlying segment to the txn façade.
func (h *Handle) Segment() *shm.Segment { return h.seg }

// Config returns the segment's configuration.
func (h *Handle) Config() shm.Config { return h.seg.Config() }

// AcquireRead is a direct lookup by sequence index. Returns NOT_READY
// if slotID >= commit_index, or if the per-slot reader acquire itself
// fails.
func (h *Handle) AcquireRead(slotID uint64) (*shm.ReaderHandle, error) {
	if slotID >= h.seg.CommitIndex() {
		h.seg.Header().Metrics.ReaderNotReady.Add(1)
		return nil, shm.KindError(shm.ErrNotReady)
	}
	index := uint32(slotID % uint64(h.seg.Header().RingCapacityV))
	return h.seg.ReaderAcquire(index)
}

// UpdateHeartbeat stamps this consumer's liveness timestamp and its
// lowest still-live cursor, which feeds read_index's MULTI-READER
// resolution.
func (h *Handle) UpdateHeartbeat(cursor uint64) {
	h.seg.UpdateConsumerHeartbeat(h.heartbeatSlot, cursor)
}

// Detach clears this consumer's heartbeat slot and, if it was the last
// active consumer and the producer already dropped its handle, unlinks
// the segment. A lone consumer detaching while the producer is still
// live never deletes the segment.
func (h *Handle) Detach() error {
	h.seg.DeregisterConsumer(h.heartbeatSlot, h.consumerID)
	hdr := h.seg.Header()
	if hdr.ActiveConsumerCount.Load() == 0 && hdr.ProducerDetached.Load() == 1 {
		if err := h.seg.Unlink(); err != nil {
			h.log.Warnw("consumer: unlink failed", "channel", h.Channel, "error", err)
		}
	}
	return h.seg.Close()
}

// ConsumerID returns this handle's random identity.
func (h *Handle) ConsumerID() uint64 { return h.consumerID }

// StartSequence returns the commit sequence this consumer registered at:
// the first sequence it is guaranteed to observe.
func (h *Handle) StartSequence() uint64 { return h.startSequence }
