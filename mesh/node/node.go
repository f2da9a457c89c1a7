// Package node implements the peer-membership and routing engine of the
// mesh: the concurrent peer registry, the discovery and heartbeat loops that
// maintain it, and the routing that turns an outbound message into a set of
// destination peers. The byte-level network work is delegated to a
// transport.Transport.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lanmesh/config"
	"lanmesh/helper/timer"
	"lanmesh/mesh/peer"
	"lanmesh/mesh/protocol"
	"lanmesh/mesh/transport"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("node is not connected")

// Fixed backoffs after a failed loop iteration.
const (
	discoveryBackoff = 5 * time.Second
	heartbeatBackoff = 10 * time.Second
)

// Node is the mesh engine facade. Create with New, start with Connect (or
// Configure), stop with Disconnect. All methods are safe for concurrent use.
type Node struct {
	cfg       *config.Config
	transport transport.Transport
	clock     clock.Clock

	registry *peer.Registry
	subs     *subscribers
	sg       singleflight.Group

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   *errgroup.Group
}

// New creates a node over the given transport. The node is inert until
// Connect or Configure is called.
func New(cfg *config.Config, tr transport.Transport) *Node {
	return newNode(cfg, tr, clock.New())
}

func newNode(cfg *config.Config, tr transport.Transport, clk clock.Clock) *Node {
	return &Node{
		cfg:       cfg,
		transport: tr,
		clock:     clk,
		registry:  peer.NewRegistry(cfg.NodeID, clk),
		subs:      newSubscribers(),
	}
}

// Configure registers the receive callback and starts the discovery and
// heartbeat loops. It is idempotent: configuring a running node is a no-op.
func (n *Node) Configure() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	if err := n.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	n.transport.OnReceive(n.handleInbound)

	ctx, cancel := context.WithCancel(context.Background())
	g, cctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// One immediate cycle so a fresh node does not wait a full period to
		// learn the network.
		if err := n.discoverCycle(cctx); err != nil {
			log.Warnf("discovery: initial cycle failed: %v", err)
		}
		return timer.RunWithTicker(cctx, &timer.Interval{
			Duration: n.cfg.DiscoveryTimeout.Duration(),
			Backoff:  discoveryBackoff,
		}, n.discoverCycle)
	})

	g.Go(func() error {
		return timer.RunWithTicker(cctx, &timer.Interval{
			Duration: n.cfg.HeartbeatInterval.Duration(),
			Backoff:  heartbeatBackoff,
		}, n.heartbeatCycle)
	})

	n.cancel = cancel
	n.loops = g
	n.running = true

	log.Infof("node %s: configured (discovery %s, heartbeat %s)", n.cfg.NodeID, n.cfg.DiscoveryTimeout, n.cfg.HeartbeatInterval)
	return nil
}

// Connect ensures the node is configured and running.
func (n *Node) Connect() error {
	return n.Configure()
}

// Disconnect stops both loops, closes the transport and clears all
// membership and subscription state. It is idempotent: further calls are
// no-ops returning nil.
func (n *Node) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	n.cancel()
	if err := n.loops.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("node %s: loop exited with: %v", n.cfg.NodeID, err)
	}

	err := n.transport.Close()

	n.registry.Clear()
	n.subs.clear()
	n.running = false

	log.Infof("node %s: disconnected", n.cfg.NodeID)
	return err
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Publish routes a serialized payload to its destination peers and sends it
// best effort. It returns the number of peers the message reached; peers
// that could not be reached are logged, not errored — a partial delivery is
// still a delivery. Only a node that is not connected, or a payload that
// cannot be enveloped, produces an error.
func (n *Node) Publish(messageClass string, payload []byte) (int, error) {
	if !n.isRunning() {
		return 0, ErrNotConnected
	}

	peers := n.registry.All()
	targets := routeTargets(protocol.ExtractRoutingHeader(payload), peers)

	// Escape valve: an empty routing result widens to a full broadcast
	// rather than silently dropping the message. An explicitly addressed
	// message to an unknown peer therefore goes to everyone.
	if len(targets) == 0 && len(peers) > 0 {
		log.Debugf("publish: no targets for %q, widening to broadcast (%d peers)", messageClass, len(peers))
		targets = routeTargets(nil, peers)
	}

	env := &protocol.Envelope{
		Type:         protocol.TypeSmartMessage,
		NodeID:       n.cfg.NodeID,
		MessageClass: messageClass,
	}
	env.SetPayload(payload)
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}

	sent := 0
	var sendErrs error
	for _, id := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ConnectionTimeout.Duration())
		err := n.transport.SendTo(ctx, id, data, transport.SendOptions{
			Type:         protocol.TypeSmartMessage,
			MessageClass: messageClass,
			Encrypt:      true,
		})
		cancel()
		if err != nil {
			sendErrs = multierr.Append(sendErrs, err)
			continue
		}
		sent++
	}

	if sendErrs != nil {
		log.Warnf("publish: %q reached %d/%d peers: %v", messageClass, sent, len(targets), sendErrs)
	}
	return sent, nil
}

// Subscribe registers a handler for a message class. While the class has at
// least one handler it is advertised in this node's heartbeats.
func (n *Node) Subscribe(messageClass string, h Handler) *Subscription {
	return n.subs.add(messageClass, h)
}

// Unsubscribe removes a subscription handle. Removing the last handler of a
// class stops advertising it.
func (n *Node) Unsubscribe(sub *Subscription) {
	n.subs.remove(sub)
}

// Topology is a read-only snapshot of the node's view of the network.
type Topology struct {
	NodeID        string
	Peers         []peer.Record
	Subscriptions []string
}

// Topology reports the local id, every known peer (discovery and heartbeat
// state merged per record) and the classes this node subscribes to.
func (n *Node) Topology() Topology {
	return Topology{
		NodeID:        n.cfg.NodeID,
		Peers:         n.registry.All(),
		Subscriptions: n.subs.classes(),
	}
}
