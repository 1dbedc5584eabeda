//go:build unix

package shm

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmapData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

// monotonicNs reads CLOCK_MONOTONIC directly: unlike time.Now()'s
// embedded monotonic reading, this value is comparable across processes
// on the same host, which the cross-process heartbeat protocol requires.
func monotonicNs() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// processAlive probes OS-level liveness of pid via the null signal: it
// delivers nothing but still fails with ESRCH if the process is gone, the
// standard unix liveness idiom.
func processAlive(pid uint64) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	if err == unix.EPERM {
		// Exists, but owned by another user — still alive.
		return true
	}
	return false
}
