package rtps

import "github.com/cockroachdb/errors"

// Error taxonomy for the protocol layer. None of these ever unwind the
// receive loop: handlers drop, log, and move on to the next
// submessage/datagram.
var (
	// ErrMalformedWire means a datagram or submessage failed to decode.
	ErrMalformedWire = errors.New("rtps: malformed wire data")

	// ErrCapacity means a fixed-size slot array (matched writers, remote
	// participants, history cache) is full.
	ErrCapacity = errors.New("rtps: capacity exceeded")

	// ErrUnknownEntity means a submessage addressed an entity id with no
	// local binding.
	ErrUnknownEntity = errors.New("rtps: unknown entity")
)
