package node

import (
	"context"

	"lanmesh/mesh/peer"

	log "github.com/sirupsen/logrus"
)

// discoverCycle runs one discovery round: probe the transport, merge every
// usable descriptor into the registry. Discovery only ever adds or refreshes
// peers; eviction belongs to the heartbeat sweep.
func (n *Node) discoverCycle(ctx context.Context) error {
	// Collapse concurrent cycles (timer vs. DiscoverNow) into one probe.
	_, err, _ := n.sg.Do("discover", func() (interface{}, error) {
		timeout := n.cfg.DiscoveryTimeout.Duration()

		descriptors, err := n.transport.Discover(ctx, timeout)
		if err != nil {
			return nil, err
		}

		added := 0
		for _, d := range descriptors {
			if d.NodeID == "" || d.NodeID == n.cfg.NodeID {
				continue
			}
			if _, known := n.registry.Get(d.NodeID); !known {
				added++
			}
			n.registry.Upsert(d.NodeID, peer.Fields{
				Address:      d.Address,
				Port:         d.Port,
				Capabilities: d.Capabilities,
			})
		}

		if added > 0 {
			log.Infof("discovery: %d peers reported, %d new, %d known total", len(descriptors), added, n.registry.Len())
		} else {
			log.Debugf("discovery: %d peers reported, %d known total", len(descriptors), n.registry.Len())
		}
		return nil, nil
	})

	return err
}

// DiscoverNow triggers one discovery cycle immediately, bypassing the timer.
// Concurrent callers share a single network probe.
func (n *Node) DiscoverNow(ctx context.Context) error {
	if !n.isRunning() {
		return ErrNotConnected
	}
	return n.discoverCycle(ctx)
}
