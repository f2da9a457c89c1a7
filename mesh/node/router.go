package node

import (
	"lanmesh/mesh/peer"
	"lanmesh/mesh/protocol"
)

// routeTargets maps an outbound message's routing header and a registry
// snapshot to the set of destination peer ids. It is a pure function; the
// result is sorted because the snapshot is.
//
// Precedence: an explicit target wins over capability selection, which wins
// over broadcast. An explicit target that is not a known peer yields an empty
// set here — widening that to a broadcast is the publish layer's decision,
// never this one's.
func routeTargets(hdr *protocol.RoutingHeader, peers []peer.Record) []string {
	if hdr != nil && hdr.To != "" && hdr.To != protocol.Broadcast {
		for _, p := range peers {
			if p.ID == hdr.To {
				return []string{hdr.To}
			}
		}
		return nil
	}

	if hdr != nil && len(hdr.Capabilities) > 0 {
		var targets []string
		for _, p := range peers {
			if p.HasCapabilities(hdr.Capabilities) {
				targets = append(targets, p.ID)
			}
		}
		return targets
	}

	// Broadcast: no header (unparsable payload included), empty header,
	// explicit broadcast sentinel, or an empty capability list.
	targets := make([]string, 0, len(peers))
	for _, p := range peers {
		targets = append(targets, p.ID)
	}
	return targets
}
