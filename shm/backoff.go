package shm

import (
	"runtime"
	"sync/atomic"
	"time"
)

// backoff implements a tri-phase wait: a tight pause-spin
// phase for microsecond-scale contention, then cooperative yielding,
// then a capped short sleep. It never blocks unboundedly — every call
// site also checks the caller's deadline.
//
// This is hand-rolled rather than built on cenkalti/backoff: that
// library models exponential/jittered delays for network-style
// operations measured in milliseconds-to-seconds; it has no
// sub-microsecond spin phase and allocates a strategy object per call,
// both wrong for a hot lock-acquire path. It is used in the directory
// client instead, where its retry model fits.
type backoff struct {
	spins uint32
}

const (
	spinPhaseIters  = 64
	yieldPhaseIters = 200
	sleepCap        = 2 * time.Millisecond
)

func newBackoff() *backoff { return &backoff{} }

// wait performs one backoff step, never past deadline.
func (b *backoff) wait(deadline time.Time) {
	b.spins++
	switch {
	case b.spins < spinPhaseIters:
		// Tight phase: return immediately and let the caller re-check
		// its atomic. Go exposes no PAUSE intrinsic; the re-load itself
		// is the cheapest spin available without assembly.
	case b.spins < yieldPhaseIters:
		runtime.Gosched()
	default:
		d := time.Duration(b.spins-yieldPhaseIters) * 10 * time.Microsecond
		if d > sleepCap {
			d = sleepCap
		}
		if !deadline.IsZero() {
			if remain := time.Until(deadline); remain < d {
				if remain <= 0 {
					return
				}
				d = remain
			}
		}
		time.Sleep(d)
	}
}

// seqCstFence provides the bidirectional barrier the reader handshake
// requires between its reader_count increment and its re-check of
// slot_state, matching the writer's release-ordered state publish. Go's
// memory model does not expose a standalone fence primitive; a dummy CAS
// on a throwaway word has full sequential-consistency semantics on every
// architecture the race detector and the runtime support, and is the
// documented idiom for emulating a fence with sync/atomic.
var fenceWord atomic.Uint32

func seqCstFence() {
	fenceWord.CompareAndSwap(0, 0)
}
