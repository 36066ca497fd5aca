package consensus

import (
	"sort"

	"go.uber.org/zap"
)

// subleaderCount is floor(totalNodes * ratio), never less than 1 once
// Validate has passed (spec §4.3.10).
func (n *Node) subleaderCount() int {
	count := int(float64(n.totalNodes) * n.cfg.SubleaderRatio)
	if count < 1 {
		count = 1
	}
	if count > n.totalNodes-1 {
		count = n.totalNodes - 1
	}
	return count
}

// subleaderMapLocked returns the leader's current sub-leader designation
// to attach to outgoing AppendEntries (spec §4.3.10). Designation is
// ranked by EMA round-trip time: the fastest-responding peers become
// Primary (rank 0) and Secondary (rank 1) sub-leaders, followed by any
// remaining slots in rank order. Once at least K RTT samples have been
// observed (K = subleaderCount(), the number of slots to fill) the
// ranking freezes for the remainder of this leadership term, so
// sub-leader identity doesn't thrash on every heartbeat's jitter. Must
// hold mu.
func (n *Node) subleaderMapLocked() map[NodeID]int {
	if !n.cfg.EnableSubleader {
		return nil
	}

	needed := n.subleaderCount()

	if n.subleadersAssigned {
		return n.currentSubLeaders
	}

	if len(n.responseTimes) < needed {
		return n.currentSubLeaders
	}

	type ranked struct {
		id  NodeID
		rtt int64
	}
	peers := make([]ranked, 0, len(n.responseTimes))
	for id, rtt := range n.responseTimes {
		peers = append(peers, ranked{id: id, rtt: int64(rtt)})
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].rtt != peers[j].rtt {
			return peers[i].rtt < peers[j].rtt
		}
		return peers[i].id < peers[j].id
	})

	assignment := make(map[NodeID]int, needed)
	for i := 0; i < needed && i < len(peers); i++ {
		assignment[peers[i].id] = i
	}

	n.currentSubLeaders = assignment
	n.subleadersAssigned = true

	if n.cfg.Debug {
		n.log.Debug("sub-leaders assigned", zap.Any("assignment", assignment))
	}

	return assignment
}
