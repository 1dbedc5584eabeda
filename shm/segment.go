package shm

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/crypto/blake2b"
)

// Segment owns the mapped shared-memory region for the lifetime of the
// process that created or attached to it. Producer and Consumer handles
// hold a *Segment plus an integer slot index; everything else (offsets,
// pointers, checksums) is derived from it at O(1): no pointer chains,
// just one borrowed reference plus integer slot indices.
type Segment struct {
	Name   string
	path   string
	data   []byte
	hdr    *Header
	layout Layout
	owner  bool // true for the process that called Create
}

func shmPath(name string) string {
	return "/dev/shm/" + name
}

// Create allocates and zeroes a new segment, writes its header, and
// initialises every slot-state entry to FREE. Fails with INVALID_CONFIG
// when the sizes do not line up (see Config.validate).
func Create(name string, cfg Config, producerID uint64) (*Segment, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	layout := DeriveOffsets(cfg)

	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, newErr(ErrOSResource, -1, fmt.Sprintf("segment %q already exists", name))
		}
		return nil, wrapErr(ErrOSResource, -1, "open segment file", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(layout.TotalSize)); err != nil {
		os.Remove(path)
		return nil, wrapErr(ErrOSResource, -1, "truncate segment file", err)
	}

	data, err := mmapFile(f, int(layout.TotalSize))
	if err != nil {
		os.Remove(path)
		return nil, wrapErr(ErrOSResource, -1, "mmap segment", err)
	}

	seg := &Segment{Name: name, path: path, data: data, layout: layout, owner: true}
	seg.hdr = (*Header)(unsafe.Pointer(&data[0]))

	h := seg.hdr
	h.MagicValue = Magic
	h.VersionMajorVal = VersionMajor
	h.VersionMinorVal = VersionMinor
	h.TotalSize = layout.TotalSize
	h.PhysicalPageSizeV = uint32(cfg.PhysicalPageSize)
	h.LogicalSlotSizeV = cfg.LogicalSlotSize
	h.RingCapacityV = cfg.RingCapacity
	h.FlexZoneSizeV = cfg.FlexZoneSize
	h.PolicyV = uint32(cfg.Policy)
	h.ConsumerSyncV = uint32(cfg.ConsumerSync)
	h.ChecksumKindV = uint32(cfg.ChecksumKind)
	h.ChecksumPolicyV = uint32(cfg.ChecksumPolicy)
	h.SharedSecret = cfg.SharedSecret
	h.FlexZoneSchemaHash = cfg.FlexZoneHash
	h.DataBlockSchemaHash = cfg.DataBlockHash
	h.ProducerID.Store(producerID)
	h.ProducerLastHeartbeatNs.Store(uint64(monotonicNs()))
	h.ProducerPid.Store(uint64(os.Getpid()))

	for i := uint32(0); i < cfg.RingCapacity; i++ {
		e := seg.slotEntry(i)
		e.SlotStateV.Store(uint32(SlotFree))
	}

	return seg, nil
}

// ExpectedSchemas is the pair of hashes a consumer requires to match at
// Attach. It carries no expected layout: Attach checks the layout only
// for consistency between the header and the mapped file.
type ExpectedSchemas struct {
	FlexZoneHash  [32]byte
	DataBlockHash [32]byte
}

// Attach maps an existing segment and validates magic, version, shared
// secret, both schema hashes, and the fully derived layout. It never
// mutates the header.
func Attach(name string, sharedSecret [64]byte, expected ExpectedSchemas) (*Segment, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, wrapErr(ErrOSResource, -1, "open segment file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, wrapErr(ErrOSResource, -1, "stat segment file", err)
	}
	if info.Size() < HeaderSize {
		return nil, newErr(ErrLayoutMismatch, -1, "segment file smaller than header")
	}

	data, err := mmapFile(f, int(info.Size()))
	if err != nil {
		return nil, wrapErr(ErrOSResource, -1, "mmap segment", err)
	}

	hdr := (*Header)(unsafe.Pointer(&data[0]))
	if hdr.MagicValue != Magic {
		munmapData(data)
		return nil, newErr(ErrLayoutMismatch, -1, "bad magic")
	}
	if hdr.VersionMajorVal != VersionMajor {
		munmapData(data)
		return nil, newErr(ErrVersionIncompatible, -1, fmt.Sprintf("segment version %d.%d incompatible with %d.%d", hdr.VersionMajorVal, hdr.VersionMinorVal, VersionMajor, VersionMinor))
	}
	if !bytes.Equal(hdr.SharedSecret[:], sharedSecret[:]) {
		munmapData(data)
		return nil, newErr(ErrSecretMismatch, -1, "shared secret mismatch")
	}
	if !bytes.Equal(hdr.FlexZoneSchemaHash[:], expected.FlexZoneHash[:]) {
		munmapData(data)
		return nil, newErr(ErrSchemaMismatch, -1, "flex zone schema hash mismatch")
	}
	if !bytes.Equal(hdr.DataBlockSchemaHash[:], expected.DataBlockHash[:]) {
		munmapData(data)
		return nil, newErr(ErrSchemaMismatch, -1, "data block schema hash mismatch")
	}

	cfg := hdr.config()
	layout := DeriveOffsets(cfg)
	if layout.TotalSize != hdr.TotalSize || layout.TotalSize != uint64(info.Size()) {
		munmapData(data)
		return nil, newErr(ErrLayoutMismatch, -1, "derived layout size does not match segment")
	}
	if err := layout.validateAttach(); err != nil {
		munmapData(data)
		return nil, err
	}

	seg := &Segment{Name: name, path: path, data: data, hdr: hdr, layout: layout}
	return seg, nil
}

// OpenDiagnostic maps an existing segment for recovery/inspection use
// without checking the shared secret or schema hashes: an operator tool
// run against a segment it did not create has no business asserting what
// those hashes should be. It still validates magic, version, and the
// derived layout, since a corrupt or foreign file must never be treated
// as a live segment.
func OpenDiagnostic(name string) (*Segment, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, wrapErr(ErrOSResource, -1, "open segment file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, wrapErr(ErrOSResource, -1, "stat segment file", err)
	}
	if info.Size() < HeaderSize {
		return nil, newErr(ErrLayoutMismatch, -1, "segment file smaller than header")
	}

	data, err := mmapFile(f, int(info.Size()))
	if err != nil {
		return nil, wrapErr(ErrOSResource, -1, "mmap segment", err)
	}

	hdr := (*Header)(unsafe.Pointer(&data[0]))
	if hdr.MagicValue != Magic {
		munmapData(data)
		return nil, newErr(ErrLayoutMismatch, -1, "bad magic")
	}
	if hdr.VersionMajorVal != VersionMajor {
		munmapData(data)
		return nil, newErr(ErrVersionIncompatible, -1, fmt.Sprintf("segment version %d.%d incompatible with %d.%d", hdr.VersionMajorVal, hdr.VersionMinorVal, VersionMajor, VersionMinor))
	}

	cfg := hdr.config()
	layout := DeriveOffsets(cfg)
	if layout.TotalSize != hdr.TotalSize || layout.TotalSize != uint64(info.Size()) {
		munmapData(data)
		return nil, newErr(ErrLayoutMismatch, -1, "derived layout size does not match segment")
	}
	if err := layout.validateAttach(); err != nil {
		munmapData(data)
		return nil, err
	}

	return &Segment{Name: name, path: path, data: data, hdr: hdr, layout: layout}, nil
}

// Config returns the configuration baked into the segment at creation.
func (s *Segment) Config() Config { return s.hdr.config() }

// Layout returns the derived offsets for this segment.
func (s *Segment) Layout() Layout { return s.layout }

// Header gives package-internal collaborators (producer, consumer,
// recovery) raw access to the mapped header. Exported because those are
// separate packages in this module, not because external callers should
// poke at it directly.
func (s *Segment) Header() *Header { return s.hdr }

func (s *Segment) slotEntry(i uint32) *SlotEntry {
	off := s.layout.SlotStateOffset + uint64(i)*SlotStateSize
	return (*SlotEntry)(unsafe.Pointer(&s.data[off]))
}

// SlotPayload returns the raw logical_slot_size bytes backing slot i.
// Callers outside this package reach it only through typed wrappers in
// txn; it is exported for producer/consumer to build those wrappers.
func (s *Segment) SlotPayload(i uint32) []byte {
	size := uint64(s.hdr.LogicalSlotSizeV)
	off := s.layout.RingOffset + uint64(i)*size
	return s.data[off : off+size]
}

// FlexZoneBytes returns the raw flex-zone region.
func (s *Segment) FlexZoneBytes() []byte {
	return s.data[s.layout.FlexZoneOffset : s.layout.FlexZoneOffset+s.layout.FlexZoneLen]
}

func (s *Segment) checksumEntry(i uint32) (digest *[32]byte, valid *atomic.Uint32) {
	if s.hdr.ChecksumKindV == uint32(ChecksumNone) {
		return nil, nil
	}
	off := s.layout.ChecksumOffset + uint64(i)*s.layout.ChecksumEntryBytes
	digest = (*[32]byte)(unsafe.Pointer(&s.data[off]))
	valid = (*atomic.Uint32)(unsafe.Pointer(&s.data[off+32]))
	return digest, valid
}

// Close unmaps the segment without removing its backing file.
func (s *Segment) Close() error {
	return munmapData(s.data)
}

// Unlink removes the backing file. Valid only when the active consumer
// count is zero and the producer has dropped its handle; callers
// (producer Close, or the last consumer's Detach) are responsible for
// checking that. The CAS on SegmentUnlinked makes the removal happen
// exactly once no matter which side loses the race to call it.
func (s *Segment) Unlink() error {
	if !s.hdr.SegmentUnlinked.CompareAndSwap(0, 1) {
		return nil
	}
	return os.Remove(s.path)
}

func blake2b256(parts ...[]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
