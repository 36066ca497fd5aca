package consensus

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const maxEntriesPerAppend = 100

// sendAppendEntriesLocked broadcasts AppendEntries to every peer (spec
// §4.3.8). During a pending instant promotion it sends the "as if already
// leader" empty-entries form described in §4.3.4. Must hold mu.
func (n *Node) sendAppendEntriesLocked() {
	subleaderMap := n.subleaderMapLocked()
	n.recentAckNodes = map[NodeID]struct{}{n.id: {}}
	now := time.Now()

	if n.promotionPending {
		data := AppendEntriesData{
			PrevLogIndex: 0,
			PrevLogTerm:  0,
			Entries:      nil,
			LeaderCommit: LogIndex(len(n.entries)),
			SubLeaders:   subleaderMap,
		}
		for i := 0; i < n.totalNodes; i++ {
			if NodeID(i) == n.id {
				continue
			}
			n.sentAt[NodeID(i)] = now
			n.transport.Send(NodeID(i), n.newMessage(MsgAppendEntries, data))
		}
		n.lastHeartbeat = time.Now()
		return
	}

	for i := 0; i < n.totalNodes; i++ {
		peer := NodeID(i)
		if peer == n.id {
			continue
		}

		nextIdx, ok := n.nextIndex[peer]
		if !ok {
			nextIdx = LogIndex(len(n.entries) + 1)
		}
		prevLogIndex := nextIdx - 1
		var prevLogTerm Term
		if prevLogIndex > 0 && int(prevLogIndex) <= len(n.entries) {
			prevLogTerm = n.entries[prevLogIndex-1].Term
		}

		var entries []LogEntry
		if int(nextIdx) <= len(n.entries) {
			end := nextIdx - 1 + maxEntriesPerAppend
			if end > LogIndex(len(n.entries)) {
				end = LogIndex(len(n.entries))
			}
			entries = n.entries[nextIdx-1 : end]
		}

		data := AppendEntriesData{
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: n.commitIndex,
			SubLeaders:   subleaderMap,
		}
		n.sentAt[peer] = now
		n.transport.Send(peer, n.newMessage(MsgAppendEntries, data))
	}

	n.lastHeartbeat = time.Now()
}

func (n *Node) newAppendAck(success bool, matchIndex LogIndex) *Message {
	return n.newMessage(MsgAppendAck, AppendAckData{Success: success, MatchIndex: matchIndex})
}

// handleAppendEntriesLocked implements the receiver logic of spec §4.3.6.
// Must hold mu.
func (n *Node) handleAppendEntriesLocked(msg *Message) {
	var req AppendEntriesData
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		n.log.Warn("malformed AppendEntries", zap.Error(err))
		return
	}

	if msg.Term < n.currentTerm {
		n.transport.Send(msg.SenderID, n.newAppendAck(false, 0))
		return
	}

	n.lastHeartbeat = time.Now()
	n.consecutiveFailures = 0
	n.startupGraceActive = false

	if n.state == Candidate && msg.Term == n.currentTerm {
		n.state = Follower
		n.promotionPending = false
	}

	n.state = Follower
	n.currentTerm = msg.Term
	sender := msg.SenderID
	n.leaderID = &sender

	if !n.hadLeader {
		n.hadLeader = true
		n.electionTimeout = n.resetElectionTimerLocked()
	}

	if n.cfg.EnableSubleader && req.SubLeaders != nil {
		n.currentSubLeaders = req.SubLeaders
		wasSubLeader := n.isSubLeader
		_, n.isSubLeader = n.currentSubLeaders[n.id]

		if n.isSubLeader {
			rank := n.currentSubLeaders[n.id]
			n.subleaderRank = &rank
			if !wasSubLeader {
				n.stats.BecameSubleaderCount++
				n.log.Info("designated sub-leader", zap.Int("rank", rank))
			}
			n.electionTimeout = n.resetElectionTimerLocked()
		} else {
			n.subleaderRank = nil
		}
	}

	if req.PrevLogIndex > 0 {
		if int(req.PrevLogIndex) > len(n.entries) {
			n.transport.Send(msg.SenderID, n.newAppendAck(false, LogIndex(len(n.entries))))
			return
		}
		if n.entries[req.PrevLogIndex-1].Term != req.PrevLogTerm {
			n.entries = n.entries[:req.PrevLogIndex-1]
			n.transport.Send(msg.SenderID, n.newAppendAck(false, LogIndex(len(n.entries))))
			return
		}
	}

	if len(req.Entries) > 0 {
		n.entries = n.entries[:req.PrevLogIndex]
		n.entries = append(n.entries, req.Entries...)
	}

	if req.LeaderCommit > n.commitIndex {
		n.commitIndex = minIndex(req.LeaderCommit, LogIndex(len(n.entries)))
		n.applyCommittedLocked()
	}

	n.transport.Send(msg.SenderID, n.newAppendAck(true, LogIndex(len(n.entries))))
}

// handleAppendAckLocked implements spec §4.3.8/§4.3.4's ack-handling.
// Must hold mu.
func (n *Node) handleAppendAckLocked(msg *Message) {
	if n.state != Leader && n.state != Candidate {
		return
	}
	if msg.Term < n.currentTerm {
		return
	}

	var resp AppendAckData
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		n.log.Warn("malformed AppendAck", zap.Error(err))
		return
	}

	sender := msg.SenderID

	if !resp.Success {
		if n.state == Leader && !n.promotionPending {
			if idx, ok := n.nextIndex[sender]; ok {
				n.nextIndex[sender] = maxIndex(1, idx-1)
			}
		}
		return
	}

	if n.promotionPending {
		if _, already := n.promotionAckNodes[sender]; !already {
			n.promotionAckNodes[sender] = struct{}{}
			majority := n.majorityNeeded()
			if n.cfg.Debug {
				n.log.Debug("promotion ack",
					zap.Int("sender", int(sender)),
					zap.Int("acks", len(n.promotionAckNodes)),
					zap.Int("majority", majority),
				)
			}
			if len(n.promotionAckNodes) >= majority && n.state == Candidate {
				n.becomeLeaderLocked("instant_promotion", time.Since(n.promotionStart))
			}
		}
	}

	if n.state == Leader && !n.promotionPending {
		n.recentAckNodes[sender] = struct{}{}

		if match, ok := n.matchIndex[sender]; ok {
			if resp.MatchIndex > match {
				n.matchIndex[sender] = resp.MatchIndex
			}
			n.nextIndex[sender] = n.matchIndex[sender] + 1
		}

		if len(n.recentAckNodes) >= n.majorityNeeded() {
			n.lastMajorityAck = time.Now()
		}

		n.updateCommitIndexLocked()
	}

	if sentAt, ok := n.sentAt[sender]; ok {
		rtt := time.Since(sentAt)
		alpha := n.cfg.RTTAlpha
		if prev, ok := n.responseTimes[sender]; ok {
			n.responseTimes[sender] = time.Duration(alpha*float64(rtt) + (1-alpha)*float64(prev))
		} else {
			n.responseTimes[sender] = rtt
		}
	}
}

// updateCommitIndexLocked advances commitIndex to the highest index
// replicated on a strict majority whose term matches currentTerm — the
// standard Raft safety restriction against committing by replication
// count alone across term boundaries (spec §4.3.8). Must hold mu.
func (n *Node) updateCommitIndexLocked() {
	if n.state != Leader {
		return
	}
	for idx := LogIndex(len(n.entries)); idx > n.commitIndex; idx-- {
		if n.entries[idx-1].Term != n.currentTerm {
			continue
		}
		count := 1 // self
		for _, match := range n.matchIndex {
			if match >= idx {
				count++
			}
		}
		if count > n.totalNodes/2 {
			n.commitIndex = idx
			n.applyCommittedLocked()
			break
		}
	}
}

func minIndex(a, b LogIndex) LogIndex {
	if a < b {
		return a
	}
	return b
}

func maxIndex(a, b LogIndex) LogIndex {
	if a > b {
		return a
	}
	return b
}
