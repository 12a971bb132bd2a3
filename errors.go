package shmsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNameInvalid = errors.New("shmsync: channel names must only contain alphanum, dashes, dots and be less than 128 chars")

	ErrInvalidCfg  = errors.New("shmsync: invalid options")
	ErrNameInUse   = errors.New("shmsync: channel is already bound by a live sink")
	ErrNotFound    = errors.New("shmsync: no sink has bound the channel")
	ErrCorruptNode = errors.New("shmsync: control segment failed validation")
	ErrCapacity    = errors.New("shmsync: payload does not fit the channel capacity")

	ErrAlreadyBound    = errors.New("sink: already bound while connected")
	ErrNotBound        = errors.New("sink: not bound to a channel")
	ErrNoDescriptor    = errors.New("sink: payload descriptor was not declared before publishing")
	ErrNotTouched      = errors.New("source: touch must be called before connect")
	ErrNotConnected    = errors.New("source: not connected to a node")
	ErrOutsideCycle    = errors.New("shmsync: payload access outside a wait/post cycle")
	ErrDescriptorShape = errors.New("shmsync: payload shape does not match the declared descriptor")
	ErrKindMismatch    = errors.New("shmsync: channel payload kind does not match the endpoint codec")

	// ErrEndOfStream is not a failure. It is the normal termination signal
	// returned by every Wait once the sink has shut the node down.
	ErrEndOfStream = errors.New("shmsync: end of stream")

	// ErrOverrun reports a payload dropped because a buffer's bounded
	// queue was full. The pipeline keeps running.
	ErrOverrun = errors.New("buffer: bounded queue full, payload dropped")
)

// ConnectError wraps the reason a source could not complete its
// rendezvous with a sink within the bounded retry window.
type ConnectError struct {
	Channel string
	Waited  time.Duration
	cause   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("source: connect to %q failed after %s: %s", e.Channel, e.Waited, e.cause)
}

func (e *ConnectError) Unwrap() error {
	return e.cause
}

// ConnectTimeout builds the error a source returns when no sink binds
// the channel within the retry window.
func ConnectTimeout(channel string, waited time.Duration) error {
	return &ConnectError{Channel: channel, Waited: waited, cause: ErrNotFound}
}
