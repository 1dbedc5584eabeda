// Package txn implements the transaction façade: a typed RAII
// wrapper that validates layout and schema exactly once at scope entry,
// then dispenses typed slot and flex-zone references for the duration of
// a caller-supplied scope function, guaranteeing release on every exit
// path (normal return, error return, or panic).
//
// It exists to close three recurring bug classes: a forgotten release
// on exit, repeated schema re-validation on a hot path, and confusion
// about whether commit also releases the writer lock (it does, as one
// step — see shm.WriterHandle.Commit).
package txn

import (
	"reflect"
	"time"
	"unsafe"

	"github.com/shmhub/shmhub/consumer"
	"github.com/shmhub/shmhub/producer"
	"github.com/shmhub/shmhub/schema"
	"github.com/shmhub/shmhub/shm"
)

// entryValidate performs the once-per-scope size and schema checks.
// The heartbeat half of scope entry is the caller's responsibility,
// since it differs for the producer and consumer Run helpers below.
func entryValidate[F any, P any](seg *shm.Segment) error {
	if seg == nil {
		return shm.KindError(shm.ErrNullHandle)
	}
	h := seg.Header()

	var zeroF F
	flexSize := uint64(reflect.TypeOf(zeroF).Size())
	_, isEmpty := any(zeroF).(schema.Empty)
	if isEmpty {
		flexSize = 0
	}
	if flexSize > h.FlexZoneSizeV {
		return shm.KindError(shm.ErrLayoutMismatch)
	}

	var zeroP P
	payloadSize := uint64(reflect.TypeOf(zeroP).Size())
	if payloadSize > uint64(h.LogicalSlotSizeV) {
		return shm.KindError(shm.ErrLayoutMismatch)
	}

	wantFlex := schema.Hash[F]()
	if !isEmpty && wantFlex != h.FlexZoneSchemaHash {
		return shm.KindError(shm.ErrSchemaMismatch)
	}
	wantPayload := schema.Hash[P]()
	if wantPayload != h.DataBlockSchemaHash {
		return shm.KindError(shm.ErrSchemaMismatch)
	}
	return nil
}

func typedPointer[T any](b []byte) *T {
	return (*T)(unsafe.Pointer(&b[0]))
}

// ProducerScope is dispensed to a producer-side scope function. F and P
// must be plain-data types whose size fits the segment's flex zone and
// slot size respectively, checked once at entry.
type ProducerScope[F any, P any] struct {
	handle *producer.Handle
	seq    *WriterSlotSeq[P]
}

// Flexzone returns a mutable typed view over the flex-zone bytes.
func (s *ProducerScope[F, P]) Flexzone() *F {
	b := s.handle.FlexZoneBytesMut()
	if len(b) == 0 {
		var zero F
		return &zero
	}
	return typedPointer[F](b)
}

// UpdateFlexZoneChecksum recomputes and stores the flex-zone digest.
func (s *ProducerScope[F, P]) UpdateFlexZoneChecksum() { s.handle.UpdateFlexZoneChecksum() }

// Slots returns the lazy, non-terminating writer-side slot sequence.
func (s *ProducerScope[F, P]) Slots(perSlotTimeout time.Duration) *WriterSlotSeq[P] {
	if s.seq == nil {
		s.seq = &WriterSlotSeq[P]{handle: s.handle, perSlotTimeout: perSlotTimeout}
	}
	s.seq.perSlotTimeout = perSlotTimeout
	return s.seq
}

// RunProducer runs a producer-side transaction scope end to end: entry
// validation, heartbeat, scope invocation, and an exit contract that
// runs on every path, including a panicking scope.
func RunProducer[F any, P any](h *producer.Handle, scope func(*ProducerScope[F, P]) error) (err error) {
	seg := h.Segment()
	if verr := entryValidate[F, P](seg); verr != nil {
		return verr
	}
	h.UpdateHeartbeat()

	s := &ProducerScope[F, P]{handle: h}
	// Deferred so it runs on every exit path — normal return, error
	// return, or a panicking scope body — and never consumes the error.
	defer func() {
		if s.seq != nil {
			s.seq.exitRelease()
		}
		h.UpdateHeartbeat()
	}()

	err = scope(s)
	return err
}

// ConsumerScope is dispensed to a consumer-side scope function.
type ConsumerScope[F any, P any] struct {
	handle *consumer.Handle
	seq    *ReaderSlotSeq[P]
}

// Flexzone returns a typed view over the flex-zone bytes. Read-only by
// convention: the core does not enforce immutability of consumer-side
// flex-zone access; the flex zone's interior coordination is entirely
// the user's.
func (s *ConsumerScope[F, P]) Flexzone() *F {
	b := s.handle.Segment().FlexZoneBytes()
	if len(b) == 0 {
		var zero F
		return &zero
	}
	return typedPointer[F](b)
}

// VerifyFlexZoneChecksum checks the flex-zone digest.
func (s *ConsumerScope[F, P]) VerifyFlexZoneChecksum() error {
	return s.handle.Segment().VerifyFlexZoneChecksum()
}

// Slots returns the lazy, non-terminating reader-side slot sequence,
// positioned at the sequence the consumer attached at so nothing
// committed since then is skipped.
func (s *ConsumerScope[F, P]) Slots(perSlotTimeout time.Duration) *ReaderSlotSeq[P] {
	if s.seq == nil {
		s.seq = &ReaderSlotSeq[P]{handle: s.handle, it: consumer.NewIterator(s.handle)}
		s.seq.it.SeekTo(s.handle.StartSequence())
	}
	s.seq.perSlotTimeout = perSlotTimeout
	return s.seq
}

// RunConsumer runs a consumer-side transaction scope end to end.
func RunConsumer[F any, P any](h *consumer.Handle, scope func(*ConsumerScope[F, P]) error) (err error) {
	seg := h.Segment()
	if verr := entryValidate[F, P](seg); verr != nil {
		return verr
	}
	// Slots starts reading at StartSequence, so that is this consumer's
	// lowest still-live cursor on entry.
	h.UpdateHeartbeat(h.StartSequence())

	s := &ConsumerScope[F, P]{handle: h}
	defer func() {
		if s.seq != nil {
			s.seq.releaseCurrent()
		}
		h.UpdateHeartbeat(seg.CommitIndex())
	}()

	err = scope(s)
	return err
}
