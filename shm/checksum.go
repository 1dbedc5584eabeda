package shm

// Flex-zone checksum storage. The flex zone has exactly one digest per
// segment (unlike the per-slot checksum array) and is always maintained
// manually, so it lives as two words at a fixed offset inside the
// header's reserved tail rather than in its own derived region.
//
// The split mirrors a compute step under explicit caller control (never
// on the hot per-slot path) and a verify step the caller invokes when it
// chooses to.

import (
	"sync/atomic"
	"unsafe"
)

// flexDigestOffset and flexValidOffset place the flex-zone digest and validity flag in the
// header's reserved tail, right after the fields derive_offsets and the
// wire-compatibility assertions in header.go care about. It must stay
// within headerReservedLen.
const (
	flexDigestOffset = headerBodySize
	flexValidOffset  = flexDigestOffset + 32
)

func init() {
	if flexValidOffset+4 > HeaderSize {
		panic("shm: flex-zone checksum storage does not fit in header reserved region")
	}
}

func (s *Segment) flexDigest() *[32]byte {
	return (*[32]byte)(unsafe.Pointer(&s.data[flexDigestOffset]))
}

func (s *Segment) flexValid() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.data[flexValidOffset]))
}

// UpdateFlexZoneChecksum computes and stores the BLAKE2b-256 digest of
// the current flex-zone bytes. Callers serialise their own writes to the
// flex zone; this call is not implicitly synchronised with them.
func (s *Segment) UpdateFlexZoneChecksum() {
	sum := blake2b256(s.FlexZoneBytes())
	*s.flexDigest() = sum
	s.flexValid().Store(1)
}

// VerifyFlexZoneChecksum recomputes the digest and compares it against
// the stored value. Returns ErrChecksumFail on mismatch, or
// ErrNotReady if no checksum has ever been stored.
func (s *Segment) VerifyFlexZoneChecksum() error {
	if s.flexValid().Load() == 0 {
		return newErr(ErrNotReady, -1, "flex zone checksum never computed")
	}
	sum := blake2b256(s.FlexZoneBytes())
	if sum != *s.flexDigest() {
		s.hdr.Metrics.ReaderChecksumFail.Add(1)
		return newErr(ErrChecksumFail, -1, "flex zone checksum mismatch")
	}
	return nil
}
