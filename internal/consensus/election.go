package consensus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// instantPromotionLocked is the S-Raft fast-path (spec §4.3.4): a
// sub-leader Follower whose timeout fired claims the next term
// immediately and wins it by collecting majority AppendAck, skipping
// RequestVote entirely. Must hold mu.
func (n *Node) instantPromotionLocked() {
	connected := n.transport.ConnectedCount()
	if connected < 2 {
		if n.cfg.Debug {
			n.log.Debug("instant promotion skipped: insufficient connections", zap.Int("connected", connected))
		}
		n.lastHeartbeat = time.Now()
		n.electionTimeout = n.resetElectionTimerLocked() + randDuration(500*time.Millisecond, 1500*time.Millisecond)
		return
	}

	rank := n.subleaderRank

	n.state = Candidate
	n.currentTerm++
	self := n.id
	n.votedFor = &self
	n.isSubLeader = false
	n.subleaderRank = nil
	n.leaderID = nil
	n.hadLeader = true

	n.promotionAckNodes = map[NodeID]struct{}{n.id: {}}
	n.promotionStart = time.Now()
	n.promotionPending = true

	n.stats.InstantPromotions++

	n.log.Info("instant promotion attempt",
		zap.Int("prior_rank", derefRank(rank)),
		zap.Uint64("term", uint64(n.currentTerm)),
		zap.Int("connected", connected),
	)

	n.sendAppendEntriesLocked()
	n.lastHeartbeat = time.Now()
}

func derefRank(r *int) int {
	if r == nil {
		return -1
	}
	return *r
}

// startElectionLocked runs a standard Raft election (spec §4.3.5). Must
// hold mu.
func (n *Node) startElectionLocked() {
	if n.consecutiveFailures >= 3 {
		backoff := exponentialBackoff(n.consecutiveFailures)
		if n.cfg.Debug {
			n.log.Debug("election backoff", zap.Duration("backoff", backoff))
		}
		n.lastHeartbeat = time.Now()
		n.electionTimeout = n.resetElectionTimerLocked() + backoff
		n.consecutiveFailures++
		if n.consecutiveFailures > 8 {
			n.consecutiveFailures = 0
		}
		return
	}

	connected := n.transport.ConnectedCount()
	if connected < 2 {
		n.consecutiveFailures++
		if n.cfg.Debug {
			n.log.Debug("election start skipped: insufficient connections")
		}
		n.lastHeartbeat = time.Now()
		n.electionTimeout = n.resetElectionTimerLocked() + randDuration(500*time.Millisecond, 1500*time.Millisecond)
		return
	}

	n.state = Candidate
	n.currentTerm++
	self := n.id
	n.votedFor = &self
	n.votedNodes = map[NodeID]struct{}{n.id: {}}
	n.electionStart = time.Now()
	n.isSubLeader = false
	n.subleaderRank = nil

	n.stats.ElectionsStarted++

	lastLogIndex := LogIndex(len(n.entries))
	var lastLogTerm Term
	if len(n.entries) > 0 {
		lastLogTerm = n.entries[len(n.entries)-1].Term
	}

	n.log.Info("standard election started",
		zap.Uint64("term", uint64(n.currentTerm)),
		zap.Bool("had_leader_before", n.hadLeader),
		zap.Int("connected", connected),
	)

	for i := 0; i < n.totalNodes; i++ {
		if NodeID(i) == n.id {
			continue
		}
		n.transport.Send(NodeID(i), n.newRequestVote(lastLogIndex, lastLogTerm))
	}

	n.lastHeartbeat = time.Now()
	n.electionTimeout = n.resetElectionTimerLocked() + randDuration(0, 100*time.Millisecond)
	n.consecutiveFailures++
}

// exponentialBackoff implements the stratified retry in spec §4.3.5:
// after 3 consecutive failures, defer by min(3s, 2^(k-2)*100ms), wrapping
// the failure counter at 8.
func exponentialBackoff(failures int) time.Duration {
	backoff := time.Duration(1<<uint(failures-2)) * 100 * time.Millisecond
	if backoff > 3*time.Second {
		return 3 * time.Second
	}
	return backoff
}

func (n *Node) newMessage(t MessageType, data interface{}) *Message {
	raw, _ := json.Marshal(data)
	return &Message{
		Type:      t,
		SenderID:  n.id,
		Term:      n.currentTerm,
		Timestamp: time.Now(),
		MessageID: uuid.NewString(),
		Data:      raw,
	}
}

func (n *Node) newRequestVote(lastLogIndex LogIndex, lastLogTerm Term) *Message {
	return n.newMessage(MsgRequestVote, RequestVoteData{LastLogIndex: lastLogIndex, LastLogTerm: lastLogTerm})
}

func (n *Node) newVoteResponse(granted bool) *Message {
	return n.newMessage(MsgVoteResponse, VoteResponseData{VoteGranted: granted})
}

// handleRequestVoteLocked implements spec §4.3.7. Must hold mu.
func (n *Node) handleRequestVoteLocked(msg *Message) {
	var req RequestVoteData
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		n.log.Warn("malformed RequestVote", zap.Error(err))
		return
	}

	granted := false

	if msg.Term >= n.currentTerm {
		sittingLeader := n.state == Leader && msg.Term == n.currentTerm
		if !sittingLeader && (n.votedFor == nil || *n.votedFor == msg.SenderID) {
			lastLogIndex := LogIndex(len(n.entries))
			var lastLogTerm Term
			if len(n.entries) > 0 {
				lastLogTerm = n.entries[len(n.entries)-1].Term
			}
			if req.LastLogTerm > lastLogTerm || (req.LastLogTerm == lastLogTerm && req.LastLogIndex >= lastLogIndex) {
				sender := msg.SenderID
				n.votedFor = &sender
				granted = true
				n.lastHeartbeat = time.Now()
			}
		}
	}

	n.transport.Send(msg.SenderID, n.newVoteResponse(granted))
}

// handleVoteResponseLocked implements spec §4.3.5's vote-counting half.
// Must hold mu.
func (n *Node) handleVoteResponseLocked(msg *Message) {
	if n.state != Candidate {
		return
	}
	if msg.Term < n.currentTerm {
		return
	}

	var resp VoteResponseData
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		n.log.Warn("malformed VoteResponse", zap.Error(err))
		return
	}
	if !resp.VoteGranted {
		return
	}
	if _, already := n.votedNodes[msg.SenderID]; already {
		return
	}
	n.votedNodes[msg.SenderID] = struct{}{}
	n.stats.VotesReceivedTotal++

	if n.cfg.Debug {
		n.log.Debug("vote received", zap.Int("votes", len(n.votedNodes)), zap.Int("total", n.totalNodes))
	}

	if len(n.votedNodes) >= n.majorityNeeded() {
		n.becomeLeaderLocked("voting", time.Since(n.electionStart))
	}
}

// checkPromotionSuccessLocked evaluates whether the instant-promotion
// attempt has collected a majority, or timed out (spec §4.3.4). Must hold
// mu.
func (n *Node) checkPromotionSuccessLocked() {
	elapsed := time.Since(n.promotionStart)
	majority := n.majorityNeeded()

	if len(n.promotionAckNodes) >= majority && n.state == Candidate {
		n.becomeLeaderLocked("instant_promotion", elapsed)
		return
	}

	if elapsed > n.cfg.PromotionTimeout {
		n.stats.PromotionFailures++
		n.log.Info("instant promotion failed",
			zap.Int("acks", len(n.promotionAckNodes)),
			zap.Int("majority", majority),
			zap.Duration("timeout", n.cfg.PromotionTimeout),
		)
		n.metrics.RecordPromotionFailure(n.id, n.currentTerm, len(n.promotionAckNodes), majority)
		n.stepDownLocked("promotion timeout")
	}
}

// becomeLeaderLocked is the common path for both election and promotion
// victories (spec §4.3.9). Must hold mu.
func (n *Node) becomeLeaderLocked(method string, elapsed time.Duration) {
	n.state = Leader
	self := n.id
	n.leaderID = &self
	n.promotionPending = false
	n.consecutiveFailures = 0
	n.hadLeader = true

	n.stats.BecameLeaderCount++
	if method == "instant_promotion" {
		n.stats.PromotionSuccesses++
	}

	n.lastMajorityAck = time.Now()
	n.recentAckNodes = map[NodeID]struct{}{n.id: {}}

	n.nextIndex = make(map[NodeID]LogIndex)
	n.matchIndex = make(map[NodeID]LogIndex)
	lastLogIndex := LogIndex(len(n.entries))
	for i := 0; i < n.totalNodes; i++ {
		if NodeID(i) == n.id {
			continue
		}
		n.nextIndex[NodeID(i)] = lastLogIndex + 1
		n.matchIndex[NodeID(i)] = 0
	}

	n.subleadersAssigned = false
	n.currentSubLeaders = make(map[NodeID]int)

	n.log.Info("became leader",
		zap.Uint64("term", uint64(n.currentTerm)),
		zap.String("method", method),
		zap.Duration("elapsed", elapsed),
	)

	n.metrics.RecordElection(elapsed, n.id, method)

	if n.onBecomeLeader != nil {
		cb := n.onBecomeLeader
		n.mu.Unlock()
		cb()
		n.mu.Lock()
	}

	n.sendAppendEntriesLocked()
}
