package shmsync

import (
	"errors"
	"fmt"
	"os"

	"github.com/shmsync/shmsync/internal/shm"
)

// channel is one named shared memory region: a control page holding
// the synchronization node followed by the payload region. Endpoints
// never outlive their channel; the last detacher removes the backing
// file once the creator requested it.
type channel struct {
	reg  *Registry
	name string
	seg  *shm.Segment
	node *node
	data []byte

	closed bool
}

// openChannel opens or creates the named channel and joins its
// reference count. Both sinks (bind) and sources (touch) arrive here;
// whoever gets there first initializes the node control block.
func openChannel(reg *Registry, name string) (*channel, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	seg, err := shm.OpenOrCreate(reg.SegmentPath(name), ctlSize)
	if err != nil {
		return nil, err
	}
	return wrapSegment(reg, name, seg)
}

// attachChannel opens the named channel without creating it. Reports
// ErrNotFound when no process has created the segment yet.
func attachChannel(reg *Registry, name string) (*channel, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	seg, err := shm.Open(reg.SegmentPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, err
	}
	return wrapSegment(reg, name, seg)
}

func wrapSegment(reg *Registry, name string, seg *shm.Segment) (*channel, error) {
	ctl, err := seg.Map(0, ctlSize)
	if err != nil {
		seg.Close()
		return nil, err
	}
	nd := nodeFromCtl(ctl)
	if err := nd.initialize(); err != nil {
		seg.Close()
		return nil, fmt.Errorf("channel %q: %w", name, err)
	}
	nd.ref()
	return &channel{reg: reg, name: name, seg: seg, node: nd}, nil
}

// growData extends the segment to hold capacity payload bytes and maps
// the payload region. Sink side only.
func (c *channel) growData(capacity uint64) error {
	if err := c.seg.Grow(int64(ctlSize + capacity)); err != nil {
		return err
	}
	return c.mapData(capacity)
}

// mapData maps the payload region of an already-sized segment.
func (c *channel) mapData(capacity uint64) error {
	if capacity == 0 {
		return fmt.Errorf("channel %q: zero payload capacity", c.name)
	}
	mem, err := c.seg.Map(ctlSize, int(capacity))
	if err != nil {
		return err
	}
	c.data = mem
	return nil
}

// payload returns the mapped payload region.
func (c *channel) payload() []byte {
	return c.data
}

// close detaches from the channel. The creator passes requestUnlink;
// removal happens only when the last attachment of any kind drops, so
// sources still reading keep the mapping alive after the sink is gone.
// Idempotent.
func (c *channel) close(requestUnlink bool) error {
	if c.closed {
		return nil
	}
	c.closed = true

	removeFile := c.node.unref(requestUnlink)
	err := c.seg.Close()
	if removeFile {
		if rmErr := shm.Remove(c.seg.Path()); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
