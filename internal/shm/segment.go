// Package shm maps named segment files into memory so cooperating
// processes can share a control block and a payload region without
// kernel-mediated copying. Wakeups between processes ride on futexes
// where the platform has them and degrade to bounded polling elsewhere.
package shm

import (
	"errors"
	"fmt"
	"os"
)

var ErrClosed = errors.New("shm: segment is closed")

// Segment is an open, possibly memory-mapped segment file. Mappings
// are tracked so Close can unmap everything it handed out.
type Segment struct {
	f    *os.File
	path string
	maps [][]byte
}

// OpenOrCreate opens the segment file at path, creating it with the
// given minimum size when absent. Concurrent callers racing on the
// same path all end up with the same file; first-writer rules inside
// the mapped control block decide ownership, not the filesystem.
func OpenOrCreate(path string, minSize int64) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open or create %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if info.Size() < minSize {
		if err := f.Truncate(minSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: size %s to %d: %w", path, minSize, err)
		}
	}
	return &Segment{f: f, path: path}, nil
}

// Open opens an existing segment file. The caller gets os.ErrNotExist
// (wrapped) when no segment is present.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	return &Segment{f: f, path: path}, nil
}

// Path returns the backing file path.
func (s *Segment) Path() string {
	return s.path
}

// Size returns the current size of the backing file.
func (s *Segment) Size() (int64, error) {
	if s.f == nil {
		return 0, ErrClosed
	}
	info, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Grow extends the backing file to size bytes. Shrinking is refused;
// mappings held by other processes would fault.
func (s *Segment) Grow(size int64) error {
	if s.f == nil {
		return ErrClosed
	}
	cur, err := s.Size()
	if err != nil {
		return err
	}
	if size < cur {
		return fmt.Errorf("shm: refusing to shrink %s from %d to %d", s.path, cur, size)
	}
	if size == cur {
		return nil
	}
	if err := s.f.Truncate(size); err != nil {
		return fmt.Errorf("shm: grow %s to %d: %w", s.path, size, err)
	}
	return nil
}

// Map maps length bytes starting at offset. The offset must be
// page-aligned. The mapping stays valid until Close.
func (s *Segment) Map(offset int64, length int) ([]byte, error) {
	if s.f == nil {
		return nil, ErrClosed
	}
	mem, err := mapFile(s.f, offset, length)
	if err != nil {
		return nil, fmt.Errorf("shm: map %s [%d:+%d]: %w", s.path, offset, length, err)
	}
	s.maps = append(s.maps, mem)
	return mem, nil
}

// Close unmaps every mapping handed out by Map and closes the file.
// The segment file itself stays on disk; see Remove.
func (s *Segment) Close() error {
	var firstErr error
	for _, mem := range s.maps {
		if err := unmapFile(mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.maps = nil
	if s.f != nil {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.f = nil
	}
	return firstErr
}

// Remove unlinks a segment file. Missing files are not an error:
// concurrent teardown paths may both attempt the unlink.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
