// Package transport defines the capabilities the mesh engine consumes from an
// underlying network transport. The engine never touches sockets itself: it
// discovers peers, sends datagrams and receives callbacks exclusively through
// these interfaces. net/lanudp provides the stock implementation.
package transport

import (
	"context"
	"time"
)

// PeerDescriptor is one peer as reported by a discovery round.
type PeerDescriptor struct {
	NodeID       string
	Address      string
	Port         int
	Capabilities []string
}

// SenderInfo identifies the origin of an inbound datagram.
type SenderInfo struct {
	NodeID  string
	Address string
	Port    int
}

// SendOptions qualify a single send.
type SendOptions struct {
	// Type is the wire message type ("heartbeat", "smart_message").
	Type string

	// MessageClass is set for application messages.
	MessageClass string

	// Encrypt requests payload encryption. It is a no-op when the transport
	// has no encryption key configured.
	Encrypt bool
}

// ReceiveFunc is invoked once per inbound application-level datagram. It may
// be called from multiple goroutines concurrently and must not panic the
// receive path (the engine wraps it accordingly).
type ReceiveFunc func(data []byte, sender SenderInfo)

// Transport is the byte-level network capability: broadcast discovery plus
// point-to-point delivery. Implementations resolve node ids to addresses
// themselves; the engine only ever names peers by id.
type Transport interface {
	// Discover probes the network and collects peer descriptors until the
	// timeout elapses. The local node never appears in the result.
	Discover(ctx context.Context, timeout time.Duration) ([]PeerDescriptor, error)

	// SendTo delivers data to the named peer. It fails when the peer's
	// address is unknown or the send itself fails.
	SendTo(ctx context.Context, nodeID string, data []byte, opts SendOptions) error

	// OnReceive registers the single inbound callback. Registering replaces
	// any previous callback.
	OnReceive(fn ReceiveFunc)

	// Close releases sockets and stops receive pumps. It is idempotent.
	Close() error
}
