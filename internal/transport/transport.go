// Package transport is the capability set the session layer depends on. The
// session layer never imports a concrete transport.
package transport

import (
	"context"
	"errors"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
)

// ErrDisconnected is returned by Send while the channel has no live link.
var ErrDisconnected = errors.New("transport: disconnected")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// EventKind distinguishes channel events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventDisconnect
	EventReconnect
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Event is delivered on Channel.Events in arrival order.
type Event struct {
	Kind EventKind
	// Data is set for EventMessage.
	Data []byte
	// Reason is set for EventDisconnect.
	Reason error
}

// Target names the endpoint to connect to and who is connecting.
type Target struct {
	// Endpoint is the issuer hint carried by the pairing token.
	Endpoint  string
	SessionID string
	Peer      pairing.Identity
}

// Channel is a live bidirectional link. Implementations reconnect on their own
// and report it through EventDisconnect / EventReconnect. The Events channel is
// closed once the channel is closed or has given up reconnecting. Send must be
// safe for concurrent use.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Events() <-chan Event
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target Target) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Channel, error) {
	return f(ctx, target)
}
