package darc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg = errors.New("node: invalid options")
	ErrNodeClosed = errors.New("node: closed")

	ErrHeaderCapacity     = errors.New("packet: buffer too small for header")
	ErrHeaderTruncated    = errors.New("packet: truncated header")
	ErrHeaderVersion      = errors.New("packet: unsupported header version")
	ErrBadMagic           = errors.New("packet: not a darc datagram")
	ErrUnknownPayloadType = errors.New("packet: unknown payload type")
	ErrEnvelope           = errors.New("packet: malformed name envelope")
	ErrBufferOverflow     = errors.New("packet: datagram does not fit the buffer")
	ErrTruncated          = errors.New("packet: datagram larger than the receive buffer")

	ErrInvalidAddr       = errors.New("link: invalid address, expected host:port")
	ErrResolve           = errors.New("link: could not resolve address")
	ErrBind              = errors.New("link: could not bind UDP socket")
	ErrBufferSize        = errors.New("link: could not allocate udp buffer")
	ErrUnknownConnection = errors.New("link: unknown connection id")
	ErrTransport         = errors.New("link: transport error")
	ErrLinkClosed        = errors.New("link: closed")

	ErrNameInvalid        = errors.New("dispatch: names must be between 1 and 255 bytes")
	ErrTopicTypeMismatch  = errors.New("dispatch: topic already registered with another type")
	ErrProcTypeMismatch   = errors.New("procedure: already registered with other types")
	ErrServerAlreadyBound = errors.New("procedure: a server is already bound to this name")
	ErrNoMethod           = errors.New("procedure: server has no method bound")
	ErrServerClosed       = errors.New("procedure: server closed")

	ErrGossipDisabled = errors.New("gossip: not configured, see WithGossip")
	ErrJoinCluster    = errors.New("gossip: could not join cluster")
)

// InvariantError is raised, as a panic value, when the local wiring is
// broken: it is a defect of the program, not a condition to recover from.
// The node event loop re-raises it instead of logging it.
type InvariantError struct {
	Err    error
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s: %s", e.Err, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

func (e *InvariantError) Fatal() bool {
	return true
}
