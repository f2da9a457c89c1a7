package node

import (
	"context"

	"lanmesh/mesh/protocol"
	"lanmesh/mesh/transport"

	log "github.com/sirupsen/logrus"
)

// staleFactor: a peer silent for this many heartbeat intervals is evicted.
const staleFactor = 3

// heartbeatCycle runs one liveness round: announce to every known peer, then
// sweep out the peers that have gone silent. Per-peer send failures are
// logged and skipped; the fan-out is best effort with no retry inside the
// cycle.
func (n *Node) heartbeatCycle(ctx context.Context) error {
	env := &protocol.Envelope{
		Type:            protocol.TypeHeartbeat,
		NodeID:          n.cfg.NodeID,
		Timestamp:       n.clock.Now().Unix(),
		MessageTypes:    n.subs.classes(),
		ProtocolVersion: protocol.Version,
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	peers := n.registry.All()
	sent := 0
	for _, p := range peers {
		sendCtx, cancel := context.WithTimeout(ctx, n.cfg.ConnectionTimeout.Duration())
		err := n.transport.SendTo(sendCtx, p.ID, data, transport.SendOptions{
			Type:    protocol.TypeHeartbeat,
			Encrypt: true,
		})
		cancel()
		if err != nil {
			log.Warnf("heartbeat: failed to send to %s: %v", p.ID, err)
			continue
		}
		sent++
	}
	if len(peers) > 0 {
		log.Debugf("heartbeat: announced to %d/%d peers", sent, len(peers))
	}

	for _, evicted := range n.registry.EvictStale(staleFactor * n.cfg.HeartbeatInterval.Duration()) {
		log.Infof("heartbeat: evicted stale peer %s (last seen %s)", evicted.ID, evicted.LastSeen)
	}

	return nil
}
