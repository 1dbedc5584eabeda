package txn

import (
	"time"

	"github.com/shmhub/shmhub/consumer"
	"github.com/shmhub/shmhub/producer"
	"github.com/shmhub/shmhub/shm"
)

// WriterSlotSeq is the lazy, non-terminating writer-side slot sequence.
// Next transparently releases the previously yielded slot before
// acquiring the next one: committing it if the scope body never called
// Commit explicitly, or honouring an explicit Abort.
type WriterSlotSeq[P any] struct {
	handle         *producer.Handle
	perSlotTimeout time.Duration

	cur       *shm.WriterHandle
	committed bool
	aborted   bool
}

// releaseCurrent runs on sequence advance: a slot the scope body wrote
// but never explicitly committed is committed now, so advancing the
// sequence is all a steady-state writer loop ever has to do.
func (w *WriterSlotSeq[P]) releaseCurrent() {
	if w.cur == nil {
		return
	}
	if !w.committed && !w.aborted {
		_ = w.cur.Commit()
	}
	w.cur = nil
}

// exitRelease runs on scope exit, where the contract is the opposite of
// the advance path: an acquired-but-uncommitted slot is released
// WITHOUT advancing commit_index, and the abandonment is recorded — an
// uncommitted writer scope is a bug, not a commit the caller forgot.
func (w *WriterSlotSeq[P]) exitRelease() {
	if w.cur == nil {
		return
	}
	if !w.committed && !w.aborted {
		w.cur.Abort()
		w.handle.Segment().Header().Metrics.RecoveryActions.Add(1)
	}
	w.cur = nil
}

// Next acquires the next writer slot, auto-releasing the prior one.
func (w *WriterSlotSeq[P]) Next() (*WriterItem[P], error) {
	w.releaseCurrent()
	wh, err := w.handle.AcquireWriter(w.perSlotTimeout)
	if err != nil {
		return nil, err
	}
	w.cur = wh
	w.committed = false
	w.aborted = false
	return &WriterItem[P]{seq: w, wh: wh}, nil
}

// WriterItem is a single typed writer-mode slot reference.
type WriterItem[P any] struct {
	seq *WriterSlotSeq[P]
	wh  *shm.WriterHandle
}

// PayloadMut returns the mutable typed payload view.
func (it *WriterItem[P]) PayloadMut() *P { return typedPointer[P](it.wh.Payload()) }

// Index returns the ring slot index this item occupies.
func (it *WriterItem[P]) Index() uint32 { return it.wh.Index() }

// Commit is idempotent within the same iteration: calling it more than
// once before the sequence advances to the next item is a no-op success.
// Calling it again after the sequence has already advanced operates on a
// released handle and is a program error (shm.WriterHandle.Commit
// reports ErrDoubleCommit in that case).
func (it *WriterItem[P]) Commit() error {
	if it.seq.committed {
		return nil
	}
	if err := it.wh.Commit(); err != nil {
		return err
	}
	it.seq.committed = true
	return nil
}

// Abort rolls back this slot instead of letting it auto-commit on
// advance: the scope body's explicit skip path.
func (it *WriterItem[P]) Abort() {
	if it.seq.aborted || it.seq.committed {
		return
	}
	it.wh.Abort()
	it.seq.aborted = true
}

// ReaderSlotSeq is the lazy, non-terminating reader-side slot sequence.
type ReaderSlotSeq[P any] struct {
	handle         *consumer.Handle
	it             *consumer.Iterator
	perSlotTimeout time.Duration

	cur      *shm.ReaderHandle
	released bool
}

func (r *ReaderSlotSeq[P]) releaseCurrent() {
	if r.cur == nil || r.released {
		return
	}
	_ = r.cur.Release()
	r.released = true
	r.cur = nil
}

// Next acquires the next reader slot, auto-releasing (validating) the
// prior one if the caller never called its Validate explicitly.
func (r *ReaderSlotSeq[P]) Next() (*ReaderItem[P], error) {
	r.releaseCurrent()
	res := r.it.Next(r.perSlotTimeout)
	if res.Outcome != consumer.OutcomeOk {
		return nil, res.Err
	}
	r.cur = res.Reader
	r.released = false
	r.handle.UpdateHeartbeat(r.it.CurrentSequence())
	return &ReaderItem[P]{seq: r, rh: res.Reader}, nil
}

// ReaderItem is a single typed reader-mode slot reference.
type ReaderItem[P any] struct {
	seq *ReaderSlotSeq[P]
	rh  *shm.ReaderHandle
}

// Payload returns the typed read-only payload view. Valid until Validate
// is called or the sequence advances.
func (it *ReaderItem[P]) Payload() *P { return typedPointer[P](it.rh.Payload()) }

// Index returns the ring slot index this item occupies.
func (it *ReaderItem[P]) Index() uint32 { return it.rh.Index() }

// Validate runs validate-on-release: generation check, then
// checksum check if enforced, then the reader_count decrement.
func (it *ReaderItem[P]) Validate() error {
	if it.seq.released {
		return shm.KindError(shm.ErrUseAfterRelease)
	}
	err := it.rh.Release()
	it.seq.released = true
	it.seq.cur = nil
	return err
}
