package shm

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// SlotEntry is the 64-byte cache-line-aligned per-slot coordination
// state. It shares no cache line with its neighbours.
type SlotEntry struct {
	WriterLock  atomic.Uint64 // 0 = unlocked; otherwise the owning OS PID
	ReaderCount atomic.Uint32
	// SlotStateV holds a SlotState value. Backed by a 4-byte atomic
	// word rather than a single byte: sync/atomic has no single-byte
	// atomic primitive, and this field is CAS'd from several processes,
	// so it needs a real atomic type, not an unsafe byte cast.
	SlotStateV      atomic.Uint32
	WriteGeneration atomic.Uint64
	_               [64 - 8 - 4 - 4 - 8]byte
}

func init() {
	if unsafe.Sizeof(SlotEntry{}) != SlotStateSize {
		panic("shm: SlotEntry size mismatch with SlotStateSize")
	}
}

func (e *SlotEntry) state() SlotState { return SlotState(e.SlotStateV.Load()) }

// WriterHandle is returned by WriterAcquire: a live reference to a
// slot's payload bytes, plus enough of the acquiring context to Commit
// or Abort correctly exactly once.
type WriterHandle struct {
	seg       *Segment
	index     uint32
	entry     *SlotEntry
	pid       uint64
	committed bool
	released  bool
}

// WriterAcquire establishes exclusive write access to a slot: CAS the
// lock from 0 to pid (reclaiming a dead holder's lock via CAS if
// necessary), wait for reader_count==0, then publish WRITING. All waits
// are bounded by deadline and use the tri-phase backoff.
func (s *Segment) WriterAcquire(index uint32, pid uint64, deadline time.Time) (*WriterHandle, error) {
	entry := s.slotEntry(index)
	b := newBackoff()

	for {
		if entry.WriterLock.CompareAndSwap(0, pid) {
			break
		}
		holder := entry.WriterLock.Load()
		if holder != 0 && !processAlive(holder) {
			if entry.WriterLock.CompareAndSwap(holder, pid) {
				s.hdr.Metrics.ZombieReclaims.Add(1)
				break
			}
			// Lost the reclaim race to a peer; fall through to backoff.
		}
		s.hdr.Metrics.WriteLockContention.Add(1)
		if pastDeadline(deadline) {
			return nil, newErr(ErrTimeout, int(index), "writer acquire: lock contended")
		}
		b.wait(deadline)
	}

	// Lock held. Wait for reader_count == 0.
	b = newBackoff()
	for entry.ReaderCount.Load() != 0 {
		if pastDeadline(deadline) {
			entry.WriterLock.CompareAndSwap(pid, 0)
			return nil, newErr(ErrTimeout, int(index), "writer acquire: waiting on readers")
		}
		b.wait(deadline)
	}

	entry.SlotStateV.Store(uint32(SlotWriting))

	return &WriterHandle{seg: s, index: index, entry: entry, pid: pid}, nil
}

// Payload returns the mutable slot bytes. Valid only until Commit/Abort.
func (w *WriterHandle) Payload() []byte { return w.seg.SlotPayload(w.index) }

func (w *WriterHandle) Index() uint32 { return w.index }

// Commit is the single conceptual step that makes a written slot
// visible to consumers: checksum (if enforced), generation bump, state
// transition, commit_index advance, and lock release all happen here,
// in this order, exactly once. Commit is also the release of the
// writer lock; there is no separate release step to confuse it with.
func (w *WriterHandle) Commit() error {
	if w.committed {
		return newErr(ErrDoubleCommit, int(w.index), "slot already committed this acquisition")
	}
	s := w.seg
	h := s.hdr

	if ChecksumPolicy(h.ChecksumPolicyV) == ChecksumEnforced && ChecksumKind(h.ChecksumKindV) != ChecksumNone {
		digest, valid := s.checksumEntry(w.index)
		sum := blake2b256(w.Payload())
		*digest = sum
		valid.Store(1)
	}

	newGen := w.entry.WriteGeneration.Add(1)
	if newGen == 0 {
		h.Metrics.WriteGenerationWraps.Add(1)
	}
	w.entry.SlotStateV.Store(uint32(SlotCommitted))
	h.CommitIndex.Add(1)
	h.Metrics.TotalCommits.Add(1)
	h.Metrics.TotalBytesWritten.Add(uint64(len(w.Payload())))

	if !w.entry.WriterLock.CompareAndSwap(w.pid, 0) {
		panic("shm: writer lock held a different owner at commit time — invariant broken")
	}
	w.committed = true
	w.released = true
	return nil
}

// Abort releases the writer lock without advancing commit_index. Used by
// the transaction façade's exit contract when a writer scope ends without
// an explicit Commit. In steady state this is a program bug, so
// the caller is expected to also bump a metric; Abort itself just makes
// the slot usable again.
func (w *WriterHandle) Abort() {
	if w.released {
		return
	}
	if w.entry.ReaderCount.Load() == 0 {
		w.entry.SlotStateV.Store(uint32(SlotFree))
	}
	w.entry.WriterLock.CompareAndSwap(w.pid, 0)
	w.released = true
}

// ReaderHandle is returned by ReaderAcquire: an immutable view plus the
// captured generation needed for optimistic validation on release.
type ReaderHandle struct {
	seg        *Segment
	index      uint32
	entry      *SlotEntry
	generation uint64
	released   bool
}

// ReaderAcquire establishes shared read access via a TOCTTOU-safe
// handshake: load state, bump reader_count, fence, re-check state. This
// is the mitigation for the window between a writer's first state load
// and its own commit.
func (s *Segment) ReaderAcquire(index uint32) (*ReaderHandle, error) {
	entry := s.slotEntry(index)
	h := s.hdr

	if entry.state() != SlotCommitted {
		h.Metrics.ReaderNotReady.Add(1)
		return nil, newErr(ErrNotReady, int(index), "slot not committed")
	}

	newCount := entry.ReaderCount.Add(1)
	if cur := h.Metrics.ReaderPeakCount.Load(); uint64(newCount) > cur {
		h.Metrics.ReaderPeakCount.CompareAndSwap(cur, uint64(newCount))
	}

	seqCstFence()

	if entry.state() != SlotCommitted {
		entry.ReaderCount.Add(^uint32(0)) // -1
		h.Metrics.ReaderRaceAborted.Add(1)
		return nil, newErr(ErrNotReady, int(index), "writer re-acquired slot during reader handshake")
	}

	gen := entry.WriteGeneration.Load()
	return &ReaderHandle{seg: s, index: index, entry: entry, generation: gen}, nil
}

// Payload returns the immutable slot bytes. Valid until Release.
func (r *ReaderHandle) Payload() []byte { return r.seg.SlotPayload(r.index) }

func (r *ReaderHandle) Index() uint32 { return r.index }

// Release validates the read on the way out: compare the captured
// generation, optionally verify the checksum, then decrement
// reader_count. Returns the validation outcome; the reader_count is
// always decremented regardless of outcome.
func (r *ReaderHandle) Release() error {
	if r.released {
		return newErr(ErrUseAfterRelease, int(r.index), "reader slot already released")
	}
	s := r.seg
	h := s.hdr
	defer func() {
		r.entry.ReaderCount.Add(^uint32(0))
		r.released = true
	}()

	if r.entry.WriteGeneration.Load() != r.generation {
		h.Metrics.ReaderGenerationMismatch.Add(1)
		return newErr(ErrStaleOverwritten, int(r.index), "payload overwritten since acquire")
	}

	if ChecksumPolicy(h.ChecksumPolicyV) == ChecksumEnforced && ChecksumKind(h.ChecksumKindV) != ChecksumNone {
		digest, valid := s.checksumEntry(r.index)
		if valid.Load() == 1 {
			sum := blake2b256(r.Payload())
			if sum != *digest {
				h.Metrics.ReaderChecksumFail.Add(1)
				return newErr(ErrChecksumFail, int(r.index), "checksum mismatch")
			}
		}
	}
	h.Metrics.TotalReads.Add(1)
	return nil
}

func pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}
