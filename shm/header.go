// Package shm implements the shared-memory control layer: segment layout,
// the per-slot state machine, ring sequencing, checksum policy, and
// cross-process liveness. It mirrors the cache-line-aligned, mmap-backed
// layout style of a seqlock ring buffer, generalised from a single
// latest-value matrix to a full multi-slot, multi-consumer ring with
// zombie-writer recovery.
package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// Magic is the 32-bit sentinel written at the front of every segment.
	Magic = 0x53484d48 // "SHMH"

	VersionMajor = 1
	VersionMinor = 0

	// HeaderSize is the fixed size of the header region: exactly one OS page.
	HeaderSize = 4096

	// SlotStateSize is the fixed size of one per-slot state entry: one
	// cache line, so neighbouring slots never share a line.
	SlotStateSize = 64

	// ChecksumEntrySize is the fixed size of one per-slot checksum entry:
	// a 32-byte digest plus a validity flag. The flag is backed by a
	// 4-byte atomic word rather than a literal byte — Go's sync/atomic
	// has no atomic single-byte primitive, and the entry must stay
	// naturally aligned for every ring slot, not just slot 0.
	ChecksumEntrySize = 32 + 4

	// ConsumerHeartbeatEntrySize is the fixed size of one heartbeat slot.
	ConsumerHeartbeatEntrySize = 64

	// MaxConsumerHeartbeats bounds the fixed heartbeat table embedded in
	// the header so the header stays exactly one page.
	MaxConsumerHeartbeats = 32

	pageAlign = 4096
)

// PhysicalPageSize is the enum of supported physical page sizes.
type PhysicalPageSize uint32

const (
	PageSize256  PhysicalPageSize = 256
	PageSize512  PhysicalPageSize = 512
	PageSize1024 PhysicalPageSize = 1024
	PageSize2048 PhysicalPageSize = 2048
	PageSize4096 PhysicalPageSize = 4096
)

func (p PhysicalPageSize) valid() bool {
	switch p {
	case PageSize256, PageSize512, PageSize1024, PageSize2048, PageSize4096:
		return true
	default:
		return false
	}
}

// Policy selects the ring's overwrite/backpressure behaviour. Pinned to a
// four-byte underlying type: it crosses process and possibly compiler
// boundaries, so it may never rely on a compiler-chosen enum width.
type Policy uint32

const (
	PolicySingleLatest Policy = iota + 1
	PolicyDoubleBuffer
	PolicyRingBuffer
)

// ConsumerSync selects single- or multi-reader coordination.
type ConsumerSync uint32

const (
	ConsumerSyncSingleReader ConsumerSync = iota + 1
	ConsumerSyncMultiReader
)

// ChecksumKind selects the checksum algorithm, or none.
type ChecksumKind uint32

const (
	ChecksumNone ChecksumKind = iota
	ChecksumBlake2b256
)

// ChecksumPolicy selects whether checksums are maintained automatically.
type ChecksumPolicy uint32

const (
	ChecksumManual ChecksumPolicy = iota + 1
	ChecksumEnforced
)

// SlotState is the per-slot state machine value. The value type is one
// byte; in the segment it is held in SlotEntry.SlotStateV, a 4-byte
// atomic word (see slot.go).
type SlotState uint8

const (
	SlotFree SlotState = iota
	SlotWriting
	SlotCommitted
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "FREE"
	case SlotWriting:
		return "WRITING"
	case SlotCommitted:
		return "COMMITTED"
	default:
		return "INVALID"
	}
}

// Config describes the parameters a producer supplies to Create, and
// which a consumer's expectations are checked against at Attach.
type Config struct {
	PhysicalPageSize PhysicalPageSize
	LogicalSlotSize  uint32
	RingCapacity     uint32
	FlexZoneSize     uint64
	Policy           Policy
	ConsumerSync     ConsumerSync
	ChecksumKind     ChecksumKind
	ChecksumPolicy   ChecksumPolicy
	SharedSecret     [64]byte
	FlexZoneHash     [32]byte
	DataBlockHash    [32]byte
}

func (c Config) validate() error {
	if c.FlexZoneSize != 0 && c.FlexZoneSize%pageAlign != 0 {
		return newErr(ErrInvalidConfig, -1, "flex_zone_size must be 0 or a multiple of 4096")
	}
	if !c.PhysicalPageSize.valid() {
		return newErr(ErrInvalidConfig, -1, "physical_page_size must be one of 256/512/1024/2048/4096")
	}
	if c.LogicalSlotSize == 0 || c.LogicalSlotSize%uint32(c.PhysicalPageSize) != 0 {
		return newErr(ErrInvalidConfig, -1, "logical_slot_size must be a non-zero multiple of physical_page_size")
	}
	if c.RingCapacity == 0 {
		return newErr(ErrInvalidConfig, -1, "ring_capacity must be >= 1")
	}
	switch c.Policy {
	case PolicySingleLatest, PolicyDoubleBuffer, PolicyRingBuffer:
	default:
		return newErr(ErrInvalidConfig, -1, "unknown policy")
	}
	switch c.ConsumerSync {
	case ConsumerSyncSingleReader, ConsumerSyncMultiReader:
	default:
		return newErr(ErrInvalidConfig, -1, "unknown consumer_sync")
	}
	switch c.ChecksumKind {
	case ChecksumNone, ChecksumBlake2b256:
	default:
		return newErr(ErrInvalidConfig, -1, "unknown checksum_kind")
	}
	switch c.ChecksumPolicy {
	case ChecksumManual, ChecksumEnforced:
	default:
		return newErr(ErrInvalidConfig, -1, "unknown checksum_policy")
	}
	return nil
}

// Metrics is the set of header-resident atomic counters. Incremented at
// the call site, never part of the synchronisation chain; read in one
// non-transactional pass via Snapshot.
type Metrics struct {
	WriterTimeouts             atomic.Uint64
	WriterBlockedTotalNs       atomic.Uint64
	WriteLockContention        atomic.Uint64
	ZombieReclaims             atomic.Uint64
	WriteGenerationWraps       atomic.Uint64
	ReaderNotReady             atomic.Uint64
	ReaderRaceAborted          atomic.Uint64
	ReaderGenerationMismatch   atomic.Uint64
	ReaderChecksumFail         atomic.Uint64
	ReaderPeakCount            atomic.Uint64
	HeartbeatBeats             atomic.Uint64
	HeartbeatStaleObservations atomic.Uint64
	RecoveryActions            atomic.Uint64
	TotalCommits               atomic.Uint64
	TotalReads                 atomic.Uint64
	TotalBytesWritten          atomic.Uint64
}

// MetricsSnapshot is a point-in-time, non-transactional copy of Metrics.
type MetricsSnapshot struct {
	WriterTimeouts             uint64
	WriterBlockedTotalNs       uint64
	WriteLockContention        uint64
	ZombieReclaims             uint64
	WriteGenerationWraps       uint64
	ReaderNotReady             uint64
	ReaderRaceAborted          uint64
	ReaderGenerationMismatch   uint64
	ReaderChecksumFail         uint64
	ReaderPeakCount            uint64
	HeartbeatBeats             uint64
	HeartbeatStaleObservations uint64
	RecoveryActions            uint64
	TotalCommits               uint64
	TotalReads                 uint64
	TotalBytesWritten          uint64
}

// Snapshot copies every counter in one pass. Not transactional across
// counters: concurrent writers may advance one counter between two reads.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		WriterTimeouts:             m.WriterTimeouts.Load(),
		WriterBlockedTotalNs:       m.WriterBlockedTotalNs.Load(),
		WriteLockContention:        m.WriteLockContention.Load(),
		ZombieReclaims:             m.ZombieReclaims.Load(),
		WriteGenerationWraps:       m.WriteGenerationWraps.Load(),
		ReaderNotReady:             m.ReaderNotReady.Load(),
		ReaderRaceAborted:          m.ReaderRaceAborted.Load(),
		ReaderGenerationMismatch:   m.ReaderGenerationMismatch.Load(),
		ReaderChecksumFail:         m.ReaderChecksumFail.Load(),
		ReaderPeakCount:            m.ReaderPeakCount.Load(),
		HeartbeatBeats:             m.HeartbeatBeats.Load(),
		HeartbeatStaleObservations: m.HeartbeatStaleObservations.Load(),
		RecoveryActions:            m.RecoveryActions.Load(),
		TotalCommits:               m.TotalCommits.Load(),
		TotalReads:                 m.TotalReads.Load(),
		TotalBytesWritten:          m.TotalBytesWritten.Load(),
	}
}

// Reset zeroes every counter. Not atomic across counters, same caveat as Snapshot.
func (m *Metrics) Reset() {
	m.WriterTimeouts.Store(0)
	m.WriterBlockedTotalNs.Store(0)
	m.WriteLockContention.Store(0)
	m.ZombieReclaims.Store(0)
	m.WriteGenerationWraps.Store(0)
	m.ReaderNotReady.Store(0)
	m.ReaderRaceAborted.Store(0)
	m.ReaderGenerationMismatch.Store(0)
	m.ReaderChecksumFail.Store(0)
	m.ReaderPeakCount.Store(0)
	m.HeartbeatBeats.Store(0)
	m.HeartbeatStaleObservations.Store(0)
	m.RecoveryActions.Store(0)
	m.TotalCommits.Store(0)
	m.TotalReads.Store(0)
	m.TotalBytesWritten.Store(0)
}

// ConsumerHeartbeat is one entry in the fixed heartbeat table.
// ReadCursor lets the producer compute read_index as the minimum across
// live consumers without a separate out-of-band registry of reader
// identities.
type ConsumerHeartbeat struct {
	ConsumerID      atomic.Uint64
	LastHeartbeatNs atomic.Uint64
	Pid             atomic.Uint64
	ReadCursor      atomic.Uint64
	_               [64 - 32]byte // pad to ConsumerHeartbeatEntrySize
}

// Header is the first HeaderSize bytes of the segment, mapped directly
// onto shared memory. Every field after the descriptive prefix is an
// atomic type: multiple processes mutate this memory concurrently.
//
// Field order is normative — it is the byte layout every attaching
// process parses. Do not reorder without bumping VersionMajor.
type Header struct {
	MagicValue      uint32
	VersionMajorVal uint32
	VersionMinorVal uint32
	_               uint32 // padding to 8-byte align TotalSize

	TotalSize         uint64
	PhysicalPageSizeV uint32
	LogicalSlotSizeV  uint32
	RingCapacityV     uint32
	_pad1             uint32
	FlexZoneSizeV     uint64
	PolicyV           uint32
	ConsumerSyncV     uint32
	ChecksumKindV     uint32
	ChecksumPolicyV   uint32

	SharedSecret        [64]byte
	FlexZoneSchemaHash  [32]byte
	DataBlockSchemaHash [32]byte

	WriteIndex  atomic.Uint64
	CommitIndex atomic.Uint64
	ReadIndex   atomic.Uint64

	Metrics Metrics

	ProducerID              atomic.Uint64
	ProducerLastHeartbeatNs atomic.Uint64
	ProducerPid             atomic.Uint64

	ActiveConsumerCount atomic.Uint32
	SegmentUnlinked     atomic.Uint32
	ProducerDetached    atomic.Uint32
	_pad2               uint32

	Consumers [MaxConsumerHeartbeats]ConsumerHeartbeat

	// Reserved bytes pad the struct to exactly HeaderSize. Its length is
	// asserted, not hard-coded, by the init() check below.
	_reserved [headerReservedLen]byte
}

// headerReservedLen is computed so unsafe.Sizeof(Header{}) == HeaderSize.
// Kept as a const expression of the preceding fields' sizes so the pad
// self-adjusts if a field above changes size; the init() assertion below
// is the actual contract enforcement.
const headerBodySize = 4 + 4 + 4 + 4 + /* magic/version/pad */
	8 + 4 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4 + /* sizes & policy enums */
	64 + 32 + 32 + /* secret + hashes */
	8 + 8 + 8 + /* ring indices */
	16*8 + /* Metrics: 16 uint64 counters */
	8 + 8 + 8 + /* producer id/heartbeat/pid */
	4 + 4 + 4 + 4 + /* consumer count, unlinked + detached flags, pad */
	MaxConsumerHeartbeats*ConsumerHeartbeatEntrySize

const headerReservedLen = HeaderSize - headerBodySize

func init() {
	if sz := unsafe.Sizeof(Header{}); sz != HeaderSize {
		panic(fmt.Sprintf("shm: Header size is %d, expected %d (body=%d reserved=%d)", sz, HeaderSize, headerBodySize, headerReservedLen))
	}
	if unsafe.Sizeof(ConsumerHeartbeat{}) != ConsumerHeartbeatEntrySize {
		panic(fmt.Sprintf("shm: ConsumerHeartbeat size is %d, expected %d", unsafe.Sizeof(ConsumerHeartbeat{}), ConsumerHeartbeatEntrySize))
	}
}

func (h *Header) config() Config {
	return Config{
		PhysicalPageSize: PhysicalPageSize(h.PhysicalPageSizeV),
		LogicalSlotSize:  h.LogicalSlotSizeV,
		RingCapacity:     h.RingCapacityV,
		FlexZoneSize:     h.FlexZoneSizeV,
		Policy:           Policy(h.PolicyV),
		ConsumerSync:     ConsumerSync(h.ConsumerSyncV),
		ChecksumKind:     ChecksumKind(h.ChecksumKindV),
		ChecksumPolicy:   ChecksumPolicy(h.ChecksumPolicyV),
		SharedSecret:     h.SharedSecret,
		FlexZoneHash:     h.FlexZoneSchemaHash,
		DataBlockHash:    h.DataBlockSchemaHash,
	}
}
