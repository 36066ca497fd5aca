package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Node is a single S-Raft peer: the role state machine described in
// spec §3/§4.3. All mutable state is guarded by mu and only ever touched
// from the single consensus worker goroutine started by Run, except for
// the read-only accessors (GetState, IsLeader, GetLeaderID) and
// SubmitCommand, which take the lock to serialize against it.
type Node struct {
	mu sync.Mutex

	id         NodeID
	totalNodes int
	cfg        Config

	transport Transport
	metrics   MetricsSink
	log       *zap.Logger

	// Persistent-per-term state (volatile in this design).
	currentTerm Term
	votedFor    *NodeID
	entries     []LogEntry

	// Volatile state.
	state       Role
	commitIndex LogIndex
	lastApplied LogIndex
	leaderID    *NodeID
	hadLeader   bool

	// Leader-only state.
	nextIndex      map[NodeID]LogIndex
	matchIndex     map[NodeID]LogIndex
	recentAckNodes map[NodeID]struct{}
	lastMajorityAck time.Time
	responseTimes  map[NodeID]time.Duration
	sentAt         map[NodeID]time.Time

	// Sub-leader state.
	isSubLeader       bool
	subleaderRank     *int
	currentSubLeaders map[NodeID]int
	subleadersAssigned bool

	// Promotion state.
	promotionPending   bool
	promotionStart     time.Time
	promotionAckNodes  map[NodeID]struct{}

	// Election bookkeeping.
	votedNodes              map[NodeID]struct{}
	electionStart           time.Time
	consecutiveFailures     int
	electionTimeout         time.Duration
	lastHeartbeat           time.Time

	startupGraceActive bool
	startupTime        time.Time

	running bool
	stats   Stats

	onBecomeLeader   func()
	onBecomeFollower func()
	onLogCommitted   func(LogEntry)
}

// NewNode constructs a Follower in term 0 with an empty log, per spec §3
// ("Lifecycle").
func NewNode(id NodeID, totalNodes int, cfg Config, transport Transport, metrics MetricsSink, logger *zap.Logger) *Node {
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		id:                id,
		totalNodes:        totalNodes,
		cfg:               cfg,
		transport:         transport,
		metrics:           metrics,
		log:               logger.With(zap.Int("node_id", int(id))),
		state:             Follower,
		nextIndex:         make(map[NodeID]LogIndex),
		matchIndex:        make(map[NodeID]LogIndex),
		recentAckNodes:    make(map[NodeID]struct{}),
		responseTimes:     make(map[NodeID]time.Duration),
		sentAt:            make(map[NodeID]time.Time),
		currentSubLeaders: make(map[NodeID]int),
		promotionAckNodes: make(map[NodeID]struct{}),
		votedNodes:        make(map[NodeID]struct{}),
		lastMajorityAck:   time.Now(),
		lastHeartbeat:     time.Now(),
		startupGraceActive: true,
		startupTime:        time.Now(),
		running:            true,
	}
	n.electionTimeout = n.resetElectionTimerLocked()
	return n
}

// OnBecomeLeader registers the callback fired when this node transitions
// to Leader, via either election or instant promotion.
func (n *Node) OnBecomeLeader(fn func()) { n.onBecomeLeader = fn }

// OnBecomeFollower registers the callback fired on every step-down.
func (n *Node) OnBecomeFollower(fn func()) { n.onBecomeFollower = fn }

// OnLogCommitted registers the callback fired once per committed entry,
// in order, from the consensus worker goroutine.
func (n *Node) OnLogCommitted(fn func(LogEntry)) { n.onLogCommitted = fn }

// Run is the node's main loop: receive, handle, check timers, tick.
// It blocks until ctx is cancelled or Stop is called.
func (n *Node) Run(ctx context.Context) {
	n.mu.Lock()
	n.lastHeartbeat = time.Now()
	n.mu.Unlock()
	n.log.Info("node started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n.mu.Lock()
		running := n.running
		n.mu.Unlock()
		if !running {
			return
		}

		if msg, ok := n.transport.Receive(n.cfg.RecvTimeout); ok {
			n.handleMessage(msg)
		}

		n.checkTimers()
		time.Sleep(n.cfg.AutoTickPeriod)
	}
}

// Stop halts the node; state becomes Stopped. Idempotent.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	n.state = Stopped
	n.log.Info("node stopped")
}

func (n *Node) checkTimers() {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()

	switch n.state {
	case Leader:
		if n.promotionPending {
			n.checkPromotionSuccessLocked()
		}
		if now.Sub(n.lastMajorityAck) > n.cfg.LeaseBound() {
			n.stepDownLocked("leader lease expired")
			return
		}
		if now.Sub(n.lastHeartbeat) >= n.cfg.HeartbeatInterval {
			n.sendAppendEntriesLocked()
		}

	case Candidate:
		if n.promotionPending {
			n.checkPromotionSuccessLocked()
		}

	case Follower:
		if n.startupGraceActive {
			if now.Sub(n.startupTime) < n.cfg.StartupGrace {
				n.lastHeartbeat = now
				return
			}
			n.startupGraceActive = false
			if n.cfg.Debug {
				n.log.Debug("startup grace period ended")
			}
		}

		if now.Sub(n.lastHeartbeat) >= n.electionTimeout {
			if n.cfg.EnableSubleader && n.isSubLeader {
				n.instantPromotionLocked()
			} else {
				n.startElectionLocked()
			}
		}
	}
}

// resetElectionTimerLocked computes the next election timeout per the
// stratified brackets in spec §4.3.1. Must hold mu.
func (n *Node) resetElectionTimerLocked() time.Duration {
	if !n.hadLeader {
		base := n.cfg.ElectionTimeoutBase
		offset := time.Duration(float64(n.id) * 0.05 * float64(time.Second))
		return randDuration(base+offset, 2*base+offset)
	}

	if n.cfg.EnableSubleader && n.isSubLeader && n.subleaderRank != nil {
		switch *n.subleaderRank {
		case 0:
			return randDuration(n.cfg.PrimaryTimeoutMin, n.cfg.PrimaryTimeoutMax)
		case 1:
			return randDuration(n.cfg.SecondaryTimeoutMin, n.cfg.SecondaryTimeoutMax)
		}
	}

	idOffset := time.Duration(int(n.id)%n.totalNodes) * 150 * time.Millisecond
	return randDuration(n.cfg.FollowerTimeoutMin+idOffset, n.cfg.FollowerTimeoutMax+idOffset)
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// majorityNeeded returns floor(N/2)+1.
func (n *Node) majorityNeeded() int {
	return n.totalNodes/2 + 1
}

func (n *Node) stepDownLocked(reason string) {
	if n.cfg.Debug && n.state != Follower {
		n.log.Debug("stepping down", zap.String("reason", reason), zap.Stringer("from", n.state))
	}
	n.state = Follower
	n.promotionPending = false
	n.promotionAckNodes = make(map[NodeID]struct{})
	n.votedFor = nil
	n.isSubLeader = false
	n.subleaderRank = nil
	n.leaderID = nil
	n.lastHeartbeat = time.Now()
	n.electionTimeout = n.resetElectionTimerLocked()

	if n.onBecomeFollower != nil {
		cb := n.onBecomeFollower
		n.mu.Unlock()
		cb()
		n.mu.Lock()
	}
}

// SubmitCommand appends a new log entry under the current term iff this
// node is Leader. Returns whether the entry was accepted — the only
// error the consensus core ever surfaces to the application layer.
func (n *Node) SubmitCommand(command []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Leader {
		return false
	}
	entry := LogEntry{
		Term:    n.currentTerm,
		Command: append([]byte(nil), command...),
		Index:   LogIndex(len(n.entries) + 1),
	}
	n.entries = append(n.entries, entry)
	return true
}

// IsLeader reports whether this node currently believes itself Leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == Leader
}

// GetLeaderID returns the last known leader for the current term, if any.
func (n *Node) GetLeaderID() (NodeID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID == nil {
		return 0, false
	}
	return *n.leaderID, true
}

// GetState returns a lock-protected snapshot of node state.
func (n *Node) GetState() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	var leader *NodeID
	if n.leaderID != nil {
		v := *n.leaderID
		leader = &v
	}
	var rank *int
	if n.subleaderRank != nil {
		v := *n.subleaderRank
		rank = &v
	}
	return Snapshot{
		ID:            n.id,
		State:         n.state,
		Term:          n.currentTerm,
		LeaderID:      leader,
		IsSubLeader:   n.isSubLeader,
		SubleaderRank: rank,
		LogLength:     len(n.entries),
		CommitIndex:   n.commitIndex,
	}
}

// GetStats returns a copy of the node's diagnostic counters.
func (n *Node) GetStats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Node) applyCommittedLocked() {
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		if int(n.lastApplied) <= len(n.entries) {
			entry := n.entries[n.lastApplied-1]
			if n.onLogCommitted != nil {
				cb := n.onLogCommitted
				n.mu.Unlock()
				cb(entry)
				n.mu.Lock()
			}
		}
	}
}

func (n *Node) handleMessage(msg *Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if msg.Term > n.currentTerm {
		if n.cfg.Debug && n.state == Leader {
			n.log.Debug("higher term observed", zap.Uint64("their_term", uint64(msg.Term)), zap.Uint64("our_term", uint64(n.currentTerm)))
		}
		n.currentTerm = msg.Term
		n.stepDownLocked("higher term discovered")
	}

	switch msg.Type {
	case MsgAppendEntries:
		n.handleAppendEntriesLocked(msg)
	case MsgAppendAck:
		n.handleAppendAckLocked(msg)
	case MsgRequestVote:
		n.handleRequestVoteLocked(msg)
	case MsgVoteResponse:
		n.handleVoteResponseLocked(msg)
	}
}
