// Package directory provides a reference implementation of the
// directory/registration service that maps a channel name to a segment
// name plus the schema hashes a consumer checks at attach. It exists so
// the module is runnable end to end; production deployments are
// expected to substitute their own control plane behind the same
// Register/Discover surface.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	atomicfile "github.com/natefinch/atomic"
)

// Record is what the directory hands back on Discover.
type Record struct {
	SegmentName   string   `json:"segment_name"`
	FlexZoneHash  [32]byte `json:"flex_zone_hash"`
	DataBlockHash [32]byte `json:"data_block_hash"`
}

// ErrNotFound is returned by Discover when a channel has no registration.
var ErrNotFound = fmt.Errorf("directory: channel not found")

// FileDirectory persists the channel->segment registry as a single JSON
// file, rewritten atomically on every change so a crash mid-Register
// never leaves a torn record for a concurrent Discover to read.
type FileDirectory struct {
	path string
	mu   sync.Mutex
}

// NewFileDirectory returns a registry backed by the file at path. It
// touches no file itself: the file is read on every call and created by
// the first Register.
func NewFileDirectory(path string) *FileDirectory {
	return &FileDirectory{path: path}
}

func (d *FileDirectory) load() (map[string]Record, error) {
	records := map[string]Record{}
	b, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return records, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (d *FileDirectory) save(records map[string]Record) error {
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(d.path, bytes.NewReader(b))
}

// Register maps channel to segmentName plus the schema hashes.
func (d *FileDirectory) Register(channel, segmentName string, flexZoneHash, dataBlockHash [32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.load()
	if err != nil {
		return err
	}
	records[channel] = Record{SegmentName: segmentName, FlexZoneHash: flexZoneHash, DataBlockHash: dataBlockHash}
	return d.save(records)
}

// Unregister removes a channel's registration.
func (d *FileDirectory) Unregister(channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.load()
	if err != nil {
		return err
	}
	delete(records, channel)
	return d.save(records)
}

// Discover looks up a channel's current registration, retrying with
// backoff for a short window: a consumer may race a producer that has
// not finished registering yet. This is the network-style retry case
// backoff/v5 is meant for, unlike the core's microsecond lock backoff.
func (d *FileDirectory) Discover(channel string) (string, [32]byte, [32]byte, error) {
	op := func() (Record, error) {
		d.mu.Lock()
		records, err := d.load()
		d.mu.Unlock()
		if err != nil {
			return Record{}, backoff.Permanent(err)
		}
		rec, ok := records[channel]
		if !ok {
			return Record{}, ErrNotFound
		}
		return rec, nil
	}

	rec, err := backoff.Retry(context.Background(), op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	if err != nil {
		return "", [32]byte{}, [32]byte{}, err
	}
	return rec.SegmentName, rec.FlexZoneHash, rec.DataBlockHash, nil
}
