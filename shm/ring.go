package shm

import "time"

// NextWriteSlot is the producer-side slot selection:
// slot = write_index mod ring_capacity. It does not itself advance
// write_index; callers advance it after a successful writer acquire, so
// that reader_count visibility on the current slot stays stable while
// the acquire is in flight.
func (s *Segment) NextWriteSlot() uint32 {
	cap64 := uint64(s.hdr.RingCapacityV)
	return uint32(s.hdr.WriteIndex.Load() % cap64)
}

// AdvanceWriteIndex bumps write_index by one, to be called once a
// writer acquire on the current slot has succeeded.
func (s *Segment) AdvanceWriteIndex() uint64 {
	return s.hdr.WriteIndex.Add(1)
}

// AwaitRingCapacity blocks (bounded by deadline, tri-phase backoff) until
// there is room for another write under RING_BUFFER policy, i.e.
// write_index - read_index < ring_capacity. For SINGLE_LATEST and
// DOUBLE_BUFFER policies this is a no-op: those policies always have
// room, because the producer simply overwrites.
func (s *Segment) AwaitRingCapacity(deadline time.Time) error {
	if Policy(s.hdr.PolicyV) != PolicyRingBuffer {
		return nil
	}
	cap64 := uint64(s.hdr.RingCapacityV)
	b := newBackoff()
	for {
		wi := s.hdr.WriteIndex.Load()
		ri := s.hdr.ReadIndex.Load()
		if wi-ri < cap64 {
			return nil
		}
		// read_index only moves when a consumer heartbeats; with no
		// registered consumer it would pin the ring full forever, so
		// refresh it here before concluding there is no room. A ring
		// nobody reads from drains freely, which also makes a
		// capacity-1 ring behave exactly like SINGLE_LATEST.
		s.RecomputeReadIndex()
		if s.hdr.ReadIndex.Load() != ri {
			continue
		}
		if pastDeadline(deadline) {
			return newErr(ErrTimeout, -1, "ring full: write_index - read_index >= ring_capacity")
		}
		b.wait(deadline)
	}
}

// Occupancy returns commit_index - read_index, the queue depth used for
// backpressure accounting.
func (s *Segment) Occupancy() uint64 {
	ci := s.hdr.CommitIndex.Load()
	ri := s.hdr.ReadIndex.Load()
	if ci < ri {
		return 0
	}
	return ci - ri
}

// CommitIndex returns the current commit_index, loaded with Acquire
// ordering (the typed atomic's Load already provides this on every
// architecture Go supports).
func (s *Segment) CommitIndex() uint64 { return s.hdr.CommitIndex.Load() }

// WriteIndexValue returns the current write_index.
func (s *Segment) WriteIndexValue() uint64 { return s.hdr.WriteIndex.Load() }

// ReadIndexValue returns the current (advisory) read_index.
func (s *Segment) ReadIndexValue() uint64 { return s.hdr.ReadIndex.Load() }

// RecomputeReadIndex resolves read_index under MULTI_READER sync:
// it becomes the minimum ReadCursor across every currently
// registered consumer (an empty ConsumerID slot does not participate).
// With no registered consumers at all, read_index tracks commit_index,
// since nothing bounds it from behind. Called by a consumer after it
// updates its own cursor, and is safe to call concurrently from many
// consumers — it only ever moves read_index forward.
func (s *Segment) RecomputeReadIndex() {
	h := s.hdr
	min := h.CommitIndex.Load()
	any := false
	for i := range h.Consumers {
		c := &h.Consumers[i]
		if c.ConsumerID.Load() == 0 {
			continue
		}
		cursor := c.ReadCursor.Load()
		if !any || cursor < min {
			min = cursor
			any = true
		}
	}
	for {
		cur := h.ReadIndex.Load()
		if min <= cur {
			return
		}
		if h.ReadIndex.CompareAndSwap(cur, min) {
			return
		}
	}
}
