package node

import (
	"lanmesh/mesh/peer"
	"lanmesh/mesh/protocol"
	"lanmesh/mesh/transport"

	log "github.com/sirupsen/logrus"
)

// handleInbound is the transport's receive callback: classify one inbound
// wire message and either merge liveness state or dispatch to subscribers.
// A malformed message must never disturb delivery of the ones after it, so
// everything here is drop-and-log; nothing propagates past this function.
func (n *Node) handleInbound(data []byte, sender transport.SenderInfo) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("inbound: panic handling message from %s: %v", sender.Address, r)
		}
	}()

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Debugf("inbound: dropping malformed message from %s: %v", sender.Address, err)
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		n.handleHeartbeat(env, sender)
	case protocol.TypeSmartMessage:
		n.handleSmartMessage(env, sender)
	default:
		log.Debugf("inbound: dropping message of unknown type %q from %s", env.Type, sender.Address)
	}
}

func (n *Node) handleHeartbeat(env *protocol.Envelope, sender transport.SenderInfo) {
	if env.NodeID == "" {
		log.Debugf("inbound: dropping heartbeat without node_id from %s", sender.Address)
		return
	}

	// Liveness is judged by the receiver's clock; the sender's timestamp is
	// informational only (clocks on a LAN are not trusted to agree).
	n.registry.Upsert(env.NodeID, peer.Fields{
		Address:         sender.Address,
		Port:            sender.Port,
		LastHeartbeat:   n.clock.Now(),
		MessageTypes:    env.MessageTypes,
		ProtocolVersion: env.ProtocolVersion,
	})

	log.Debugf("inbound: heartbeat from %s (%s, %d message types)", env.NodeID, sender.Address, len(env.MessageTypes))
}

func (n *Node) handleSmartMessage(env *protocol.Envelope, sender transport.SenderInfo) {
	payload := env.PayloadBytes()
	if env.MessageClass == "" || payload == nil {
		log.Debugf("inbound: dropping incomplete smart message from %s", sender.Address)
		return
	}

	if !n.subs.hasActive(env.MessageClass) {
		log.Debugf("inbound: no subscriber for %q, dropping message from %s", env.MessageClass, sender.Address)
		return
	}

	n.subs.dispatch(env.MessageClass, payload)
}
