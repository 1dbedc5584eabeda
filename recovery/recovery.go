// Package recovery exposes the operator-facing diagnostic and repair
// surface: segment-wide health sweeps, stuck-writer and
// zombie-reader release, stale-consumer cleanup, and metrics snapshot
// access. It adds no new mechanism over the shm package; it is a thin,
// named façade so cmd/shmctl has a stable import surface independent of
// shm's internal layout helpers.
package recovery

import (
	"time"

	"github.com/shmhub/shmhub/shm"
)

// Toolkit wraps a single attached segment for diagnostic/repair use.
type Toolkit struct {
	seg *shm.Segment
}

// New wraps seg for recovery operations.
func New(seg *shm.Segment) *Toolkit {
	return &Toolkit{seg: seg}
}

// DiagnoseAllSlots returns a diagnostic snapshot of every ring slot.
func (t *Toolkit) DiagnoseAllSlots() []shm.SlotDiagnostic {
	return t.seg.DiagnoseAllSlots()
}

// DiagnoseSlot returns a diagnostic snapshot of a single ring slot.
func (t *Toolkit) DiagnoseSlot(index uint32) shm.SlotDiagnostic {
	return t.seg.DiagnoseSlot(index)
}

// ForceResetSlot clears a slot's writer lock and reader count back to
// FREE. Refuses unless force is true and the slot's writer is confirmed
// dead or gone: the operator must opt in to an unsafe reset.
func (t *Toolkit) ForceResetSlot(index uint32, force bool) error {
	return t.seg.ForceResetSlot(index, force)
}

// ReleaseZombieReaders sets a slot's reader_count to zero, but only when
// at least one consumer is registered and every registered consumer has a
// heartbeat older than staleAfter and a dead PID; otherwise it refuses.
// Readers are not tracked per slot, so no per-reader decrement is made.
func (t *Toolkit) ReleaseZombieReaders(index uint32, staleAfter time.Duration) error {
	return t.seg.ReleaseZombieReaders(index, staleAfter)
}

// CleanupDeadConsumers deregisters every consumer heartbeat slot whose
// last heartbeat predates staleAfter and whose PID fails the liveness
// probe, returning the count removed.
func (t *Toolkit) CleanupDeadConsumers(staleAfter time.Duration) int {
	return t.seg.CleanupDeadConsumers(staleAfter)
}

// DiagnoseConsumer returns a diagnostic snapshot of one heartbeat slot.
func (t *Toolkit) DiagnoseConsumer(slot int, staleAfter time.Duration) shm.ConsumerDiagnostic {
	return t.seg.DiagnoseConsumer(slot, staleAfter)
}

// ProducerAlive reports whether the producer heartbeat is within
// staleAfter of now or, if it is older, whether the producer's PID still
// passes the OS liveness probe.
func (t *Toolkit) ProducerAlive(staleAfter time.Duration) bool {
	return t.seg.ProducerAlive(staleAfter)
}

// MetricsSnapshot returns a point-in-time copy of every counter.
func (t *Toolkit) MetricsSnapshot() shm.MetricsSnapshot {
	return t.seg.Header().Metrics.Snapshot()
}

// ResetMetrics zeroes every counter. Intended for between-test-run use;
// never call this against a segment with a live producer or consumer
// unless the operator explicitly wants to discard their history.
func (t *Toolkit) ResetMetrics() {
	t.seg.Header().Metrics.Reset()
}

// RecomputeReadIndex forces an out-of-band read_index recomputation,
// useful after CleanupDeadConsumers removes a straggler that was holding
// read_index back.
func (t *Toolkit) RecomputeReadIndex() {
	t.seg.RecomputeReadIndex()
}
