//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// x/sys/unix exports the futex syscall number but not the operation
// constants. The non-private variants are required: the words live in
// memory mapped by multiple processes.
const (
	futexWait = 0
	futexWake = 1
)

// WaitUint32 blocks until the value at addr is no longer val, a wake
// arrives on the same address, or the timeout elapses. The word lives
// in memory shared between processes, so the non-private futex ops are
// used. Spurious returns are allowed; callers always re-check their
// condition in a loop.
func WaitUint32(addr *uint32, val uint32, timeout time.Duration) error {
	// Re-check right before entering the syscall to close the window
	// where a wake lands between the caller's snapshot and the wait.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var tsPtr unsafe.Pointer
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = unsafe.Pointer(&ts)
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWait),
		uintptr(val),
		uintptr(tsPtr),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		// All of these mean "go re-check the condition".
		return nil
	default:
		return fmt.Errorf("shm: futex wait: %w", errno)
	}
}

// WakeAll wakes every waiter blocked on addr.
func WakeAll(addr *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWake),
		uintptr(int(^uint32(0)>>1)),
		0, 0, 0,
	)
	if errno != 0 {
		return fmt.Errorf("shm: futex wake: %w", errno)
	}
	return nil
}
