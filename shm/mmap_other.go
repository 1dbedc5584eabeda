//go:build !unix

package shm

import (
	"os"
	"time"
)

func mmapFile(f *os.File, size int) ([]byte, error) {
	return nil, newErr(ErrOSResource, -1, "shared memory segments require a unix host")
}

func munmapData(data []byte) error { return nil }

// monotonicNs falls back to wall-clock nanoseconds on non-unix hosts.
// Documented limitation: this platform has no shared-memory backend at
// all (mmapFile always fails), so this path only serves the small subset
// of pure in-memory helpers that still get built and tested there.
func monotonicNs() int64 { return time.Now().UnixNano() }

func processAlive(pid uint64) bool { return true }
