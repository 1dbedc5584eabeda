package consumer

import (
	"time"

	"github.com/shmhub/shmhub/shm"
)

// Outcome tags the result of one iterator step. For OutcomeOk the
// acquired slot travels in Result.Reader; every other value says why no
// usable slot was yielded.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeNotReady
	OutcomeTimeout
	OutcomeStaleOverwritten
	OutcomeChecksumFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "Ok"
	case OutcomeNotReady:
		return "NotReady"
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeStaleOverwritten:
		return "StaleOverwritten"
	case OutcomeChecksumFail:
		return "ChecksumFail"
	default:
		return "Unknown"
	}
}

// Result is one item of the non-terminating sequence. Reader is non-nil
// only when Outcome == OutcomeOk, and must be released by the caller
// (the txn façade does this automatically; direct callers of the
// iterator must call Reader.Release themselves).
type Result struct {
	Outcome Outcome
	Reader  *shm.ReaderHandle
	Err     error
}

// Iterator is a lazy, non-terminating, cursor-based sequence of read
// results. The cursor lives in the iterator handle, not the
// header, so independent consumers can iterate independently even when
// ConsumerSync is MULTI-READER.
type Iterator struct {
	h      *Handle
	cursor uint64
}

// NewIterator creates an iterator positioned at sequence 0. Call
// SeekLatest or SeekTo to reposition before the first Next.
func NewIterator(h *Handle) *Iterator {
	return &Iterator{h: h}
}

// SeekLatest sets the cursor to the current commit_index (loaded with
// Acquire ordering).
func (it *Iterator) SeekLatest() {
	it.cursor = it.h.seg.CommitIndex()
}

// SeekTo sets the cursor so the next Next() yields sequence n.
func (it *Iterator) SeekTo(n uint64) {
	if n == 0 {
		it.cursor = 0
		return
	}
	it.cursor = n
}

// CurrentSequence returns the last yielded sequence number.
func (it *Iterator) CurrentSequence() uint64 {
	if it.cursor == 0 {
		return 0
	}
	return it.cursor - 1
}

// Next attempts one acquire within perItemTimeout, never ending the
// sequence: a timeout or not-ready condition is returned as a Result
// value, not as an end-of-iteration signal. Callers loop until they
// choose to stop: re-entering the whole transaction scope on every
// transient miss would force a schema re-validation that the façade
// exists specifically to avoid.
func (it *Iterator) Next(perItemTimeout time.Duration) Result {
	deadline := time.Time{}
	if perItemTimeout > 0 {
		deadline = time.Now().Add(perItemTimeout)
	}

	b := newResultBackoff()
	for {
		commit := it.h.seg.CommitIndex()
		if it.cursor >= commit {
			if deadline.IsZero() || time.Now().Before(deadline) {
				b.sleep()
				continue
			}
			it.h.seg.Header().Metrics.ReaderNotReady.Add(1)
			return Result{Outcome: OutcomeNotReady, Err: shm.KindError(shm.ErrNotReady)}
		}

		index := uint32(it.cursor % uint64(it.h.seg.Header().RingCapacityV))
		reader, err := it.h.seg.ReaderAcquire(index)
		if err == nil {
			it.cursor++
			return Result{Outcome: OutcomeOk, Reader: reader}
		}

		serr, ok := err.(*shm.Error)
		if ok && serr.Kind == shm.ErrNotReady {
			// Lost a race with a concurrent overwrite between the
			// commit_index check and the acquire; retry within budget.
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return Result{Outcome: OutcomeTimeout, Err: shm.KindError(shm.ErrTimeout)}
			}
			b.sleep()
			continue
		}
		return Result{Outcome: OutcomeNotReady, Err: err}
	}
}

// resultBackoff is a small sleep-only backoff for the iterator's polling
// loop — coarser than shm's internal tri-phase lock backoff, since this
// waits on commit_index advancing (producer-paced), not on a contended
// CAS (peer-paced).
type resultBackoff struct{ n int }

func newResultBackoff() *resultBackoff { return &resultBackoff{} }

func (b *resultBackoff) sleep() {
	b.n++
	d := time.Duration(b.n) * 20 * time.Microsecond
	if d > time.Millisecond {
		d = time.Millisecond
	}
	time.Sleep(d)
}
