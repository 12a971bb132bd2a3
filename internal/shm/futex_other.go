//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

const pollInterval = time.Millisecond

// WaitUint32 polls the word on platforms without shared futexes.
// Latency is bounded by the poll interval instead of a kernel wakeup.
func WaitUint32(addr *uint32, val uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val {
		if timeout > 0 && time.Now().After(deadline) {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// WakeAll is a no-op when waiters poll.
func WakeAll(addr *uint32) error {
	return nil
}
