package shmsync

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/shmsync/shmsync/internal/shm"
)

const (
	nodeMagic   = uint64(0x73686d73796e6331) // "shmsync1"
	nodeVersion = uint32(1)

	// ctlSize is the size of the control page at the head of every
	// segment. The payload region starts right after it, which keeps
	// the payload offset page-aligned for mmap.
	ctlSize = 4096

	// descriptor block location inside the control page
	descOffset = 128
	descSize   = 64

	initSpinBudget = 2 * time.Second
)

// NodeState is the lifecycle of a synchronization node. END is
// terminal: no transition ever leaves it.
type NodeState uint32

const (
	StateUninitialized NodeState = iota
	StateConnected
	StateEnd
)

func (s NodeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateEnd:
		return "end"
	default:
		return "invalid"
	}
}

// nodeHeader mirrors the first bytes of the control page. Every field
// is shared between processes; mutate only under the node lock or with
// the documented atomic protocol.
type nodeHeader struct {
	magic   uint64 // 0x00: claimed by the first opener via CAS
	version uint32 // 0x08
	init    uint32 // 0x0C: set once the claimant finished initializing

	lock uint32 // 0x10: spinlock word guarding the counters below

	state       uint32 // 0x14: NodeState
	sinkBound   uint32 // 0x18: a live sink owns the node
	descValid   uint32 // 0x1C: descriptor block is published and stable
	expected    uint32 // 0x20: readers pre-registered via touch
	attached    uint32 // 0x24: readers currently attached
	outstanding uint32 // 0x28: readers that have not posted this cycle

	dataSeq  uint32 // 0x2C: futex word, bumped on publish and END
	spaceSeq uint32 // 0x30: futex word, bumped when the write turn opens

	refs      uint32 // 0x34: attachment count across all endpoints
	unlinkReq uint32 // 0x38: creator requested removal on last detach
	_         uint32 // 0x3C

	seq     uint64 // 0x40: monotonic publish counter
	dataCap uint64 // 0x48: payload region capacity in bytes
}

// node provides the wait/post protocol over a mapped control page.
type node struct {
	h   *nodeHeader
	ctl []byte
}

func nodeFromCtl(ctl []byte) *node {
	return &node{
		h:   (*nodeHeader)(unsafe.Pointer(&ctl[0])),
		ctl: ctl,
	}
}

// initialize claims a fresh control page or joins one another process
// already claimed. Fresh pages are all zero (the segment file is
// created sparse), so a zero magic means unclaimed.
func (n *node) initialize() error {
	if atomic.CompareAndSwapUint64(&n.h.magic, 0, nodeMagic) {
		atomic.StoreUint32(&n.h.version, nodeVersion)
		atomic.StoreUint32(&n.h.state, uint32(StateUninitialized))
		atomic.StoreUint32(&n.h.init, 1)
		return nil
	}

	deadline := time.Now().Add(initSpinBudget)
	for atomic.LoadUint32(&n.h.init) == 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: initialization never completed", ErrCorruptNode)
		}
		runtime.Gosched()
	}
	if atomic.LoadUint64(&n.h.magic) != nodeMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptNode)
	}
	if v := atomic.LoadUint32(&n.h.version); v != nodeVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrCorruptNode, v, nodeVersion)
	}
	return nil
}

// lockNode guards the counter fields. Critical sections are a handful
// of loads and stores, so a spin with yield beats parking a goroutine.
func (n *node) lockNode() {
	for !atomic.CompareAndSwapUint32(&n.h.lock, 0, 1) {
		runtime.Gosched()
	}
}

func (n *node) unlockNode() {
	atomic.StoreUint32(&n.h.lock, 0)
}

func (n *node) state() NodeState {
	return NodeState(atomic.LoadUint32(&n.h.state))
}

func (n *node) sequence() uint64 {
	return atomic.LoadUint64(&n.h.seq)
}

func (n *node) capacity() uint64 {
	return atomic.LoadUint64(&n.h.dataCap)
}

func (n *node) ready() bool {
	return atomic.LoadUint32(&n.h.sinkBound) != 0 && atomic.LoadUint32(&n.h.descValid) != 0
}

// maybeConnect flips UNINITIALIZED to CONNECTED once the sink has bound,
// the descriptor is stable and every pre-registered reader attached.
// Callers hold the node lock.
func (n *node) maybeConnect() {
	if NodeState(atomic.LoadUint32(&n.h.state)) != StateUninitialized {
		return
	}
	if atomic.LoadUint32(&n.h.sinkBound) == 0 || atomic.LoadUint32(&n.h.descValid) == 0 {
		return
	}
	if atomic.LoadUint32(&n.h.attached) < atomic.LoadUint32(&n.h.expected) {
		return
	}
	atomic.StoreUint32(&n.h.state, uint32(StateConnected))
}

// bindSink claims the single writer slot. Exactly one live sink per
// node; a second bind is a name collision, reported, never merged.
func (n *node) bindSink(capacity uint64) error {
	n.lockNode()
	defer n.unlockNode()
	if atomic.LoadUint32(&n.h.sinkBound) != 0 {
		return ErrNameInUse
	}
	if n.state() == StateEnd {
		return ErrNameInUse
	}
	atomic.StoreUint32(&n.h.sinkBound, 1)
	atomic.StoreUint64(&n.h.dataCap, capacity)
	return nil
}

// publishDescriptor copies the encoded descriptor into the control
// page and marks it stable. Readers spin-waiting in connect are woken.
func (n *node) publishDescriptor(enc [descSize]byte) {
	n.lockNode()
	copy(n.ctl[descOffset:descOffset+descSize], enc[:])
	atomic.StoreUint32(&n.h.descValid, 1)
	n.maybeConnect()
	atomic.AddUint32(&n.h.dataSeq, 1)
	n.unlockNode()
	shm.WakeAll(&n.h.dataSeq)
}

func (n *node) descriptorBytes() (enc [descSize]byte) {
	copy(enc[:], n.ctl[descOffset:descOffset+descSize])
	return enc
}

// touchReader pre-registers intent to attach. The sink's first wait
// does not unblock before this many readers completed their handshake.
func (n *node) touchReader() {
	n.lockNode()
	atomic.AddUint32(&n.h.expected, 1)
	n.unlockNode()
}

// untouchReader rolls a pre-registration back when a touched source is
// closed without ever connecting, so the rendezvous cannot starve on a
// reader that will never come.
func (n *node) untouchReader() {
	n.lockNode()
	if atomic.LoadUint32(&n.h.expected) > 0 {
		atomic.AddUint32(&n.h.expected, ^uint32(0))
	}
	n.maybeConnect()
	atomic.AddUint32(&n.h.spaceSeq, 1)
	n.unlockNode()
	shm.WakeAll(&n.h.spaceSeq)
}

// attachReader commits a reader to the barrier and returns the publish
// sequence it joins after. Taking the join sequence under the same lock
// as the attach count makes late attachment unambiguous: the reader
// participates in exactly the cycles whose post snapshot includes it.
func (n *node) attachReader() (joinSeq uint64) {
	n.lockNode()
	atomic.AddUint32(&n.h.attached, 1)
	joinSeq = atomic.LoadUint64(&n.h.seq)
	n.maybeConnect()
	atomic.AddUint32(&n.h.spaceSeq, 1)
	n.unlockNode()
	shm.WakeAll(&n.h.spaceSeq)
	return joinSeq
}

// detachReader removes a reader. If the reader was counted in the
// current cycle and never posted, the outstanding count is clamped so
// the sink does not starve on a departed reader.
func (n *node) detachReader() {
	n.lockNode()
	if atomic.LoadUint32(&n.h.attached) > 0 {
		atomic.AddUint32(&n.h.attached, ^uint32(0))
	}
	wake := false
	att := atomic.LoadUint32(&n.h.attached)
	if atomic.LoadUint32(&n.h.outstanding) > att {
		atomic.StoreUint32(&n.h.outstanding, att)
		if att == 0 {
			wake = true
		}
	}
	if wake {
		atomic.AddUint32(&n.h.spaceSeq, 1)
	}
	n.unlockNode()
	if wake {
		shm.WakeAll(&n.h.spaceSeq)
	}
}

// sinkWait blocks until the write turn: the node is CONNECTED and every
// reader posted for the previous cycle. Returns ErrEndOfStream once the
// node reached END.
func (n *node) sinkWait(ctx context.Context, poll time.Duration) error {
	for {
		n.lockNode()
		st := n.state()
		if st == StateEnd {
			n.unlockNode()
			return ErrEndOfStream
		}
		if st == StateConnected && atomic.LoadUint32(&n.h.outstanding) == 0 {
			n.unlockNode()
			return nil
		}
		snap := atomic.LoadUint32(&n.h.spaceSeq)
		n.unlockNode()

		if err := ctx.Err(); err != nil {
			return err
		}
		shm.WaitUint32(&n.h.spaceSeq, snap, poll)
	}
}

// sinkPost hands the turn to the readers: snapshots the attached count
// into outstanding, publishes the next sequence number and wakes every
// blocked reader.
func (n *node) sinkPost() (seq uint64, readers uint32) {
	n.lockNode()
	readers = atomic.LoadUint32(&n.h.attached)
	atomic.StoreUint32(&n.h.outstanding, readers)
	seq = atomic.AddUint64(&n.h.seq, 1)
	atomic.AddUint32(&n.h.dataSeq, 1)
	n.unlockNode()
	shm.WakeAll(&n.h.dataSeq)
	return seq, readers
}

// sourceWait blocks until a sequence newer than lastSeen is published,
// and returns it. END short-circuits everything, including payloads the
// reader never observed.
func (n *node) sourceWait(ctx context.Context, poll time.Duration, lastSeen uint64) (cycleSeq uint64, err error) {
	for {
		n.lockNode()
		if n.state() == StateEnd {
			n.unlockNode()
			return 0, ErrEndOfStream
		}
		if s := atomic.LoadUint64(&n.h.seq); s > lastSeen {
			n.unlockNode()
			return s, nil
		}
		snap := atomic.LoadUint32(&n.h.dataSeq)
		n.unlockNode()

		if err := ctx.Err(); err != nil {
			return 0, err
		}
		shm.WaitUint32(&n.h.dataSeq, snap, poll)
	}
}

// sourcePost releases the reader's slot in the current cycle. The last
// reader to post flips the turn back to the writer and wakes it.
func (n *node) sourcePost() {
	n.lockNode()
	wake := false
	if out := atomic.LoadUint32(&n.h.outstanding); out > 0 {
		atomic.AddUint32(&n.h.outstanding, ^uint32(0))
		if out == 1 {
			atomic.AddUint32(&n.h.spaceSeq, 1)
			wake = true
		}
	}
	n.unlockNode()
	if wake {
		shm.WakeAll(&n.h.spaceSeq)
	}
}

// setEnd is the broadcast shutdown: terminal state, both futex words
// bumped, every blocked party woken regardless of barrier counts.
func (n *node) setEnd() {
	n.lockNode()
	atomic.StoreUint32(&n.h.state, uint32(StateEnd))
	atomic.AddUint32(&n.h.dataSeq, 1)
	atomic.AddUint32(&n.h.spaceSeq, 1)
	n.unlockNode()
	shm.WakeAll(&n.h.dataSeq)
	shm.WakeAll(&n.h.spaceSeq)
}

// ref and unref maintain the attachment count used for teardown. The
// last detacher removes the segment file iff removal was requested.
func (n *node) ref() {
	n.lockNode()
	atomic.AddUint32(&n.h.refs, 1)
	n.unlockNode()
}

func (n *node) unref(requestUnlink bool) (removeFile bool) {
	n.lockNode()
	if requestUnlink {
		atomic.StoreUint32(&n.h.unlinkReq, 1)
	}
	if atomic.LoadUint32(&n.h.refs) > 0 {
		atomic.AddUint32(&n.h.refs, ^uint32(0))
	}
	removeFile = atomic.LoadUint32(&n.h.refs) == 0 && atomic.LoadUint32(&n.h.unlinkReq) != 0
	n.unlockNode()
	return removeFile
}
