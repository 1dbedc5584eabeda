package shm

import (
	"time"
)

// DefaultStaleThreshold is the default heartbeat freshness window.
const DefaultStaleThreshold = 5 * time.Second

// UpdateProducerHeartbeat stamps the current monotonic time into the
// header. Called on every transaction entry, and optionally on a
// periodic tick.
func (s *Segment) UpdateProducerHeartbeat() {
	s.hdr.ProducerLastHeartbeatNs.Store(uint64(monotonicNs()))
	s.hdr.Metrics.HeartbeatBeats.Add(1)
}

// RegisterConsumer finds a free heartbeat slot (ConsumerID == 0) via CAS
// and claims it for consumerID/pid. Returns the slot index, or
// OS_RESOURCE if the fixed table is full.
func (s *Segment) RegisterConsumer(consumerID uint64, pid uint64) (int, error) {
	for i := range s.hdr.Consumers {
		c := &s.hdr.Consumers[i]
		if c.ConsumerID.CompareAndSwap(0, consumerID) {
			c.Pid.Store(pid)
			c.LastHeartbeatNs.Store(uint64(monotonicNs()))
			c.ReadCursor.Store(s.hdr.CommitIndex.Load())
			s.hdr.ActiveConsumerCount.Add(1)
			return i, nil
		}
	}
	return -1, newErr(ErrOSResource, -1, "consumer heartbeat table full")
}

// DeregisterConsumer CASes the slot back to 0 on detach.
func (s *Segment) DeregisterConsumer(slot int, consumerID uint64) {
	if slot < 0 || slot >= len(s.hdr.Consumers) {
		return
	}
	c := &s.hdr.Consumers[slot]
	if c.ConsumerID.CompareAndSwap(consumerID, 0) {
		c.Pid.Store(0)
		c.LastHeartbeatNs.Store(0)
		c.ReadCursor.Store(0)
		s.hdr.ActiveConsumerCount.Add(^uint32(0)) // -1
	}
	s.RecomputeReadIndex()
}

// UpdateConsumerHeartbeat stamps the current time and the consumer's
// lowest still-live cursor, then recomputes read_index.
func (s *Segment) UpdateConsumerHeartbeat(slot int, cursor uint64) {
	if slot < 0 || slot >= len(s.hdr.Consumers) {
		return
	}
	c := &s.hdr.Consumers[slot]
	c.LastHeartbeatNs.Store(uint64(monotonicNs()))
	c.ReadCursor.Store(cursor)
	s.hdr.Metrics.HeartbeatBeats.Add(1)
	s.RecomputeReadIndex()
}

// ProducerAlive reports whether the producer's heartbeat is fresh or, if
// it is stale, whether its recorded PID still passes the OS liveness
// probe.
func (s *Segment) ProducerAlive(staleAfter time.Duration) bool {
	last := s.hdr.ProducerLastHeartbeatNs.Load()
	age := time.Duration(monotonicNs()-int64(last)) * time.Nanosecond
	if age > staleAfter {
		s.hdr.Metrics.HeartbeatStaleObservations.Add(1)
		return processAlive(s.hdr.ProducerPid.Load())
	}
	return true
}

// ConsumerDiagnostic describes one registered consumer.
type ConsumerDiagnostic struct {
	Slot       int
	ConsumerID uint64
	Pid        uint64
	AgeNs      int64
	ReadCursor uint64
	Alive      bool
	Registered bool
}

// DiagnoseConsumer reports the state of one heartbeat slot.
func (s *Segment) DiagnoseConsumer(slot int, staleAfter time.Duration) ConsumerDiagnostic {
	c := &s.hdr.Consumers[slot]
	id := c.ConsumerID.Load()
	if id == 0 {
		return ConsumerDiagnostic{Slot: slot}
	}
	last := c.LastHeartbeatNs.Load()
	age := monotonicNs() - int64(last)
	pid := c.Pid.Load()
	stale := time.Duration(age)*time.Nanosecond > staleAfter
	alive := !stale || processAlive(pid)
	return ConsumerDiagnostic{
		Slot:       slot,
		ConsumerID: id,
		Pid:        pid,
		AgeNs:      age,
		ReadCursor: c.ReadCursor.Load(),
		Alive:      alive,
		Registered: true,
	}
}

// CleanupDeadConsumers scrubs heartbeat slots whose stored PID is dead
// and whose timestamp is older than staleAfter. Returns how many slots
// were cleared.
func (s *Segment) CleanupDeadConsumers(staleAfter time.Duration) int {
	cleared := 0
	for i := range s.hdr.Consumers {
		d := s.DiagnoseConsumer(i, staleAfter)
		if !d.Registered || d.Alive {
			continue
		}
		s.DeregisterConsumer(i, d.ConsumerID)
		s.hdr.Metrics.RecoveryActions.Add(1)
		cleared++
	}
	return cleared
}

// SlotDiagnostic describes one ring slot's coordination state as seen
// by the recovery tooling.
type SlotDiagnostic struct {
	Index         uint32
	State         SlotState
	WriterLockPid uint64
	WriterAlive   bool
	ReaderCount   uint32
	AgeGeneration uint64
	Stuck         bool
}

// DiagnoseSlot reports one slot's lock holder, liveness, and state.
func (s *Segment) DiagnoseSlot(index uint32) SlotDiagnostic {
	e := s.slotEntry(index)
	pid := e.WriterLock.Load()
	alive := pid != 0 && processAlive(pid)
	stuck := pid != 0 && !alive
	return SlotDiagnostic{
		Index:         index,
		State:         e.state(),
		WriterLockPid: pid,
		WriterAlive:   alive,
		ReaderCount:   e.ReaderCount.Load(),
		AgeGeneration: e.WriteGeneration.Load(),
		Stuck:         stuck,
	}
}

// DiagnoseAllSlots sweeps every ring slot by repeating the single-slot
// check over the full range.
func (s *Segment) DiagnoseAllSlots() []SlotDiagnostic {
	n := s.hdr.RingCapacityV
	out := make([]SlotDiagnostic, n)
	for i := uint32(0); i < n; i++ {
		out[i] = s.DiagnoseSlot(i)
	}
	return out
}

// ForceResetSlot resets a wedged slot: it fails unless the
// writer lock is free or its holder is dead, and force is set. Resets
// state to FREE and zeroes reader_count/writer_lock.
func (s *Segment) ForceResetSlot(index uint32, force bool) error {
	if !force {
		return newErr(ErrInvalidConfig, int(index), "force_reset_slot requires force=true")
	}
	e := s.slotEntry(index)
	pid := e.WriterLock.Load()
	if pid != 0 && processAlive(pid) {
		return newErr(ErrInvalidConfig, int(index), "writer lock held by a live process")
	}
	e.WriterLock.Store(0)
	e.ReaderCount.Store(0)
	e.SlotStateV.Store(uint32(SlotFree))
	s.hdr.Metrics.RecoveryActions.Add(1)
	return nil
}

// ReleaseZombieReaders is a best-effort scrub that only clears
// reader_count when every registered consumer heartbeat resolves to a
// dead PID. Reader identities are not individually recorded per slot,
// so this is necessarily a whole-segment judgement, not a per-reader
// one.
func (s *Segment) ReleaseZombieReaders(index uint32, staleAfter time.Duration) error {
	anyRegistered := false
	for i := range s.hdr.Consumers {
		d := s.DiagnoseConsumer(i, staleAfter)
		if !d.Registered {
			continue
		}
		anyRegistered = true
		if d.Alive {
			return newErr(ErrInvalidConfig, int(index), "at least one registered consumer is still alive")
		}
	}
	if !anyRegistered {
		return newErr(ErrInvalidConfig, int(index), "no registered consumers to evaluate")
	}
	e := s.slotEntry(index)
	e.ReaderCount.Store(0)
	s.hdr.Metrics.RecoveryActions.Add(1)
	return nil
}
