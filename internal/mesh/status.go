package mesh

import (
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
)

const statusTopPeers = 3

// GetMeshStatus aggregates a read-only snapshot of every component.
func (c *Coordinator) GetMeshStatus() common.MeshStatus {
	snapshot := c.table.Snapshot()
	status := common.MeshStatus{
		NodeID:          c.nodeID,
		JammingDetected: c.hopper.JammingDetected(),
		HopperState:     c.hopper.State().String(),
		CurrentChannel:  c.hopper.CurrentChannel(),
		Epoch:           c.hopper.Epoch(),
		PeerCount:       len(snapshot),
		RouteCount:      len(c.router.Routes()),
		Gossip:          c.gossip.Summary(),
		Offline:         c.store.GapInfo(),
		GeneratedAt:     c.now(),
	}
	for _, peer := range snapshot {
		if peer.Ghost {
			status.GhostPeers++
		}
		if peer.RoutingEligible() {
			status.EligiblePeers++
		}
	}
	status.BunkerMode = status.PeerCount == 0

	for _, peer := range c.table.TopPeers(statusTopPeers) {
		status.TopPeers = append(status.TopPeers, peer.NodeID)
	}
	if view, ok := c.gossip.ConsensusView(); ok {
		status.Consensus = &common.Consensus{
			Height:     view.Height,
			Root:       view.Root.String(),
			Supporters: view.Supporters,
		}
	}

	c.chainMu.Lock()
	status.LocalHeight = c.chain.height
	if !c.chain.root.IsZero() {
		status.LocalRoot = c.chain.root.String()
	}
	c.chainMu.Unlock()
	return status
}
