// Package config loads a hub's TOML configuration file: a plain
// Load(path) returning (*Config, error), with an environment-variable
// override for the path.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// EnvOverride names the environment variable that, when set, overrides
// the path argument passed to Load.
const EnvOverride = "SHMHUB_CONFIG"

// Config is a single hub node's configuration: the segments it owns or
// attaches to, plus where to find the directory and notify transports.
type Config struct {
	Directory DirectoryConfig          `toml:"directory"`
	Notify    NotifyConfig             `toml:"notify"`
	Channels  map[string]ChannelConfig `toml:"channels"`
}

// DirectoryConfig points at the registration service.
type DirectoryConfig struct {
	Kind string `toml:"kind"` // "file" is the only reference kind
	Path string `toml:"path"`
}

// NotifyConfig points at the notification transport.
type NotifyConfig struct {
	Kind       string `toml:"kind"` // "local" or "unix"
	SocketPath string `toml:"socket_path"`
}

// ChannelConfig is the header.Config plus the segment name a given
// channel binds to, as loaded from TOML rather than constructed in code.
type ChannelConfig struct {
	SegmentName      string `toml:"segment_name"`
	PhysicalPageSize uint32 `toml:"physical_page_size"`
	LogicalSlotSize  uint32 `toml:"logical_slot_size"`
	RingCapacity     uint32 `toml:"ring_capacity"`
	FlexZoneSize     uint64 `toml:"flex_zone_size"`
	Policy           string `toml:"policy"`          // "single_latest" | "double_buffer" | "ring_buffer"
	ConsumerSync     string `toml:"consumer_sync"`   // "single_reader" | "multi_reader"
	ChecksumKind     string `toml:"checksum_kind"`   // "none" | "blake2b256"
	ChecksumPolicy   string `toml:"checksum_policy"` // "manual" | "enforced"
}

// Load reads and parses a TOML config file at path, unless EnvOverride
// is set, in which case its value takes precedence.
func Load(path string) (*Config, error) {
	if p := os.Getenv(EnvOverride); p != "" {
		path = p
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}
