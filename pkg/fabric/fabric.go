// Package fabric defines the substrate the flow core runs on: name
// registration, flow allocation, broadcast layers and message-preserving
// links with up/down signalling.
package fabric

import (
	"context"
	"errors"

	"github.com/WebFirstLanguage/ouroboros/pkg/qos"
)

// Fabric errors
var (
	ErrNameNotFound = errors.New("name not found")
	ErrNameTaken    = errors.New("name already registered")
	ErrCapacity     = errors.New("flow capacity exhausted")
	ErrInvalidQoS   = errors.New("qos cannot be granted")
	ErrRefused      = errors.New("allocation refused")
	ErrPeerGone     = errors.New("peer deallocated")
	ErrClosed       = errors.New("fabric closed")
	ErrNotSupported = errors.New("operation not supported")
	ErrTooLarge     = errors.New("message exceeds max sdu")
)

// EventKind identifies what a link reported
type EventKind uint8

const (
	// EventData carries one message
	EventData EventKind = iota + 1
	// EventDown reports the link as unusable
	EventDown
	// EventUp reports recovery after EventDown
	EventUp
	// EventJoin reports a new member of a broadcast layer
	EventJoin
	// EventLeave reports a member leaving a broadcast layer
	EventLeave
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventDown:
		return "down"
	case EventUp:
		return "up"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Event is one item received on a link
type Event struct {
	Kind   EventKind
	Data   []byte // EventData only
	Member string // EventJoin / EventLeave only
}

// Link is one end of an allocated flow or broadcast membership
type Link interface {
	// Send transmits msg as a single message. It blocks while the link is
	// congested, honoring ctx.
	Send(ctx context.Context, msg []byte) error

	// Recv returns the next event. Once the peer has deallocated and all
	// data is drained it returns io.EOF.
	Recv(ctx context.Context) (Event, error)

	// QoS returns the negotiated descriptor
	QoS() qos.Spec

	// MaxSDU returns the largest message Send accepts
	MaxSDU() int

	// Close releases the link; the peer observes io.EOF after draining
	Close() error
}

// Listener delivers links allocated to a registered name
type Listener interface {
	Accept(ctx context.Context) (Link, error)
	Name() string
	Close() error
}

// Fabric allocates links between named endpoints
type Fabric interface {
	// Register claims name so that allocations to it can be accepted
	Register(ctx context.Context, name string) (Listener, error)

	// Allocate creates a flow to name with the requested QoS
	Allocate(ctx context.Context, name string, spec qos.Spec) (Link, error)

	// Join adds a member to the broadcast layer group
	Join(ctx context.Context, group string, spec qos.Spec) (Link, error)

	Close() error
}
