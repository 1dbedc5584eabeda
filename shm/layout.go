package shm

// Layout is the pure function of Config -> byte offsets: every process
// that attaches to a segment
// recomputes it from the header and gets byte-identical results. Never
// hard-code an offset; always go through Layout.
type Layout struct {
	HeaderOffset       uint64
	SlotStateOffset    uint64
	SlotStateLen       uint64
	ChecksumOffset     uint64
	ChecksumLen        uint64
	FlexZoneOffset     uint64
	FlexZoneLen        uint64
	RingOffset         uint64
	RingLen            uint64
	TotalSize          uint64
	ChecksumEntryBytes uint64
}

func roundUp4096(n uint64) uint64 {
	if n%pageAlign == 0 {
		return n
	}
	return ((n / pageAlign) + 1) * pageAlign
}

// DeriveOffsets computes the segment layout from a Config. It is the
// single source of truth for every offset in the segment; Create and
// Attach both call it and must observe the same values.
func DeriveOffsets(cfg Config) Layout {
	var l Layout
	l.HeaderOffset = 0

	l.SlotStateOffset = HeaderSize
	l.SlotStateLen = uint64(cfg.RingCapacity) * SlotStateSize

	checksumEntryBytes := uint64(0)
	if cfg.ChecksumKind != ChecksumNone {
		checksumEntryBytes = ChecksumEntrySize
	}
	l.ChecksumEntryBytes = checksumEntryBytes
	l.ChecksumOffset = l.SlotStateOffset + l.SlotStateLen
	l.ChecksumLen = uint64(cfg.RingCapacity) * checksumEntryBytes

	controlEnd := l.ChecksumOffset + l.ChecksumLen
	l.FlexZoneOffset = roundUp4096(controlEnd)
	l.FlexZoneLen = cfg.FlexZoneSize

	ringStart := l.FlexZoneOffset + l.FlexZoneLen
	l.RingOffset = roundUp4096(ringStart)
	l.RingLen = uint64(cfg.RingCapacity) * uint64(cfg.LogicalSlotSize)

	l.TotalSize = l.RingOffset + l.RingLen
	return l
}

// validateAttach re-checks the structural invariants every attacher
// depends on: the ring buffer offset is page-aligned, and flex_zone_offset
// is the 4096-rounded end of the control zone.
func (l Layout) validateAttach() error {
	if l.RingOffset%pageAlign != 0 {
		return newErr(ErrLayoutMismatch, -1, "ring buffer offset is not 4096-aligned")
	}
	expectedFlexOffset := roundUp4096(l.ChecksumOffset + l.ChecksumLen)
	if l.FlexZoneOffset != expectedFlexOffset {
		return newErr(ErrLayoutMismatch, -1, "flex zone offset does not equal rounded-up control zone end")
	}
	return nil
}
