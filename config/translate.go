package config

import (
	"fmt"

	"github.com/shmhub/shmhub/shm"
)

// ToShmConfig translates a TOML-loaded ChannelConfig's string enum
// fields into the typed shm.Config a producer passes to shm.Create.
// SharedSecret/FlexZoneHash/DataBlockHash are left zero; callers that
// need a shared secret set it after translation.
func (c ChannelConfig) ToShmConfig() (shm.Config, error) {
	pageSize, err := parsePageSize(c.PhysicalPageSize)
	if err != nil {
		return shm.Config{}, err
	}
	policy, err := parsePolicy(c.Policy)
	if err != nil {
		return shm.Config{}, err
	}
	sync, err := parseConsumerSync(c.ConsumerSync)
	if err != nil {
		return shm.Config{}, err
	}
	checksumKind, err := parseChecksumKind(c.ChecksumKind)
	if err != nil {
		return shm.Config{}, err
	}
	checksumPolicy, err := parseChecksumPolicy(c.ChecksumPolicy)
	if err != nil {
		return shm.Config{}, err
	}

	return shm.Config{
		PhysicalPageSize: pageSize,
		LogicalSlotSize:  c.LogicalSlotSize,
		RingCapacity:     c.RingCapacity,
		FlexZoneSize:     c.FlexZoneSize,
		Policy:           policy,
		ConsumerSync:     sync,
		ChecksumKind:     checksumKind,
		ChecksumPolicy:   checksumPolicy,
	}, nil
}

func parsePageSize(s uint32) (shm.PhysicalPageSize, error) {
	p := shm.PhysicalPageSize(s)
	switch p {
	case shm.PageSize256, shm.PageSize512, shm.PageSize1024, shm.PageSize2048, shm.PageSize4096:
		return p, nil
	default:
		return 0, fmt.Errorf("config: invalid physical_page_size %d", s)
	}
}

func parsePolicy(s string) (shm.Policy, error) {
	switch s {
	case "single_latest":
		return shm.PolicySingleLatest, nil
	case "double_buffer":
		return shm.PolicyDoubleBuffer, nil
	case "ring_buffer":
		return shm.PolicyRingBuffer, nil
	default:
		return 0, fmt.Errorf("config: invalid policy %q", s)
	}
}

func parseConsumerSync(s string) (shm.ConsumerSync, error) {
	switch s {
	case "single_reader":
		return shm.ConsumerSyncSingleReader, nil
	case "multi_reader":
		return shm.ConsumerSyncMultiReader, nil
	default:
		return 0, fmt.Errorf("config: invalid consumer_sync %q", s)
	}
}

func parseChecksumKind(s string) (shm.ChecksumKind, error) {
	switch s {
	case "none", "":
		return shm.ChecksumNone, nil
	case "blake2b256":
		return shm.ChecksumBlake2b256, nil
	default:
		return 0, fmt.Errorf("config: invalid checksum_kind %q", s)
	}
}

func parseChecksumPolicy(s string) (shm.ChecksumPolicy, error) {
	switch s {
	case "manual":
		return shm.ChecksumManual, nil
	case "enforced":
		return shm.ChecksumEnforced, nil
	default:
		return 0, fmt.Errorf("config: invalid checksum_policy %q", s)
	}
}
