package consensus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{3, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{5, 800 * time.Millisecond},
		{6, 1600 * time.Millisecond},
		{7, 3 * time.Second}, // 3.2s clamped to the 3s ceiling
		{8, 3 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exponentialBackoff(tc.failures), "failures=%d", tc.failures)
	}
}

func TestDerefRank(t *testing.T) {
	assert.Equal(t, -1, derefRank(nil))
	rank := 2
	assert.Equal(t, 2, derefRank(&rank))
}

func TestHandleRequestVoteLocked_GrantsOncePerTerm(t *testing.T) {
	n := NewNode(0, 3, DefaultConfig(), newNoopTransport(0, 3), nil, nil)

	reqData, err := json.Marshal(RequestVoteData{LastLogIndex: 0, LastLogTerm: 0})
	require.NoError(t, err)

	msg := &Message{Type: MsgRequestVote, SenderID: 1, Term: 1, Data: reqData}

	n.mu.Lock()
	n.currentTerm = 1
	n.handleRequestVoteLocked(msg)
	firstVote := n.votedFor
	n.mu.Unlock()

	require.NotNil(t, firstVote)
	assert.Equal(t, NodeID(1), *firstVote)

	otherReq := &Message{Type: MsgRequestVote, SenderID: 2, Term: 1, Data: reqData}
	n.mu.Lock()
	n.handleRequestVoteLocked(otherReq)
	secondVote := n.votedFor
	n.mu.Unlock()

	// still voted for node 1, not node 2, within the same term
	assert.Equal(t, NodeID(1), *secondVote)
}

func TestHandleRequestVoteLocked_RejectsStaleLog(t *testing.T) {
	reqData, _ := json.Marshal(RequestVoteData{LastLogIndex: 1, LastLogTerm: 1})
	msg := &Message{Type: MsgRequestVote, SenderID: 1, Term: 2, Data: reqData}

	n := NewNode(0, 3, DefaultConfig(), newNoopTransport(0, 3), nil, nil)
	n.mu.Lock()
	n.currentTerm = 1
	n.entries = []LogEntry{{Term: 1, Index: 1}, {Term: 2, Index: 2}}
	n.handleRequestVoteLocked(msg)
	granted := n.votedFor
	n.mu.Unlock()

	assert.Nil(t, granted, "a candidate whose log is behind must not receive a vote")
}

func TestHandleVoteResponseLocked_BecomesLeaderAtMajority(t *testing.T) {
	cfg := DefaultConfig()
	n := NewNode(0, 5, cfg, newNoopTransport(0, 5), nil, nil)

	var becameLeader bool
	n.OnBecomeLeader(func() { becameLeader = true })

	n.mu.Lock()
	n.state = Candidate
	n.currentTerm = 1
	n.votedNodes = map[NodeID]struct{}{0: {}}
	n.electionStart = time.Now()
	n.mu.Unlock()

	grant, _ := json.Marshal(VoteResponseData{VoteGranted: true})

	n.mu.Lock()
	n.handleVoteResponseLocked(&Message{Type: MsgVoteResponse, SenderID: 1, Term: 1, Data: grant})
	stillCandidate := n.state == Candidate
	n.mu.Unlock()
	assert.True(t, stillCandidate, "two votes out of five is not yet a majority")

	n.mu.Lock()
	n.handleVoteResponseLocked(&Message{Type: MsgVoteResponse, SenderID: 2, Term: 1, Data: grant})
	isLeader := n.state == Leader
	n.mu.Unlock()

	assert.True(t, isLeader, "three votes out of five reaches majority")
	assert.True(t, becameLeader)
}

func TestInstantPromotionLocked_SkipsWhenDisconnected(t *testing.T) {
	n := NewNode(1, 5, DefaultConfig(), newNoopTransport(1, 1), nil, nil)

	n.mu.Lock()
	n.isSubLeader = true
	rank := 0
	n.subleaderRank = &rank
	startTerm := n.currentTerm
	n.instantPromotionLocked()
	term := n.currentTerm
	state := n.state
	n.mu.Unlock()

	assert.Equal(t, startTerm, term, "an isolated node must not bump its term")
	assert.Equal(t, Follower, state)
}

func TestCheckPromotionSuccessLocked_StepsDownAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PromotionTimeout = time.Millisecond

	n := NewNode(1, 5, cfg, newNoopTransport(1, 5), nil, nil)

	n.mu.Lock()
	n.state = Candidate
	n.promotionPending = true
	n.promotionAckNodes = map[NodeID]struct{}{1: {}}
	n.promotionStart = time.Now().Add(-time.Hour)
	n.checkPromotionSuccessLocked()
	state := n.state
	pending := n.promotionPending
	n.mu.Unlock()

	assert.Equal(t, Follower, state)
	assert.False(t, pending)
}
