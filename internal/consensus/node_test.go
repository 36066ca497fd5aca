package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNode_StartsAsFollowerInTermZero(t *testing.T) {
	n := NewNode(0, 3, DefaultConfig(), newNoopTransport(0, 3), nil, nil)
	snap := n.GetState()

	assert.Equal(t, Follower, snap.State)
	assert.Equal(t, Term(0), snap.Term)
	assert.Equal(t, 0, snap.LogLength)
	assert.Nil(t, snap.LeaderID)
}

func TestSubmitCommand_OnlyLeaderAccepts(t *testing.T) {
	n := NewNode(0, 3, DefaultConfig(), newNoopTransport(0, 3), nil, nil)

	accepted := n.SubmitCommand([]byte("op"))
	require.False(t, accepted, "a follower must reject SubmitCommand")

	n.mu.Lock()
	n.state = Leader
	n.mu.Unlock()

	accepted = n.SubmitCommand([]byte("op"))
	require.True(t, accepted)

	snap := n.GetState()
	assert.Equal(t, 1, snap.LogLength)
}

func TestStepDownLocked_ClearsLeaderAndSubleaderState(t *testing.T) {
	n := NewNode(0, 5, DefaultConfig(), newNoopTransport(0, 5), nil, nil)

	n.mu.Lock()
	n.state = Leader
	self := NodeID(0)
	n.leaderID = &self
	n.isSubLeader = true
	rank := 1
	n.subleaderRank = &rank
	n.stepDownLocked("test")
	n.mu.Unlock()

	snap := n.GetState()
	assert.Equal(t, Follower, snap.State)
	assert.Nil(t, snap.LeaderID)
	assert.False(t, snap.IsSubLeader)
	assert.Nil(t, snap.SubleaderRank)
}

func TestResetElectionTimerLocked_Brackets(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("bootstrap uses election timeout base, offset by node id", func(t *testing.T) {
		n := NewNode(2, 5, cfg, newNoopTransport(2, 5), nil, nil)
		n.mu.Lock()
		n.hadLeader = false
		d := n.resetElectionTimerLocked()
		n.mu.Unlock()

		base := cfg.ElectionTimeoutBase
		offset := time.Duration(float64(2) * 0.05 * float64(time.Second))
		assert.GreaterOrEqual(t, d, base+offset)
		assert.LessOrEqual(t, d, 2*base+offset)
	})

	t.Run("primary sub-leader uses the primary bracket", func(t *testing.T) {
		n := NewNode(1, 5, cfg, newNoopTransport(1, 5), nil, nil)
		n.mu.Lock()
		n.hadLeader = true
		n.isSubLeader = true
		rank := 0
		n.subleaderRank = &rank
		d := n.resetElectionTimerLocked()
		n.mu.Unlock()

		assert.GreaterOrEqual(t, d, cfg.PrimaryTimeoutMin)
		assert.LessOrEqual(t, d, cfg.PrimaryTimeoutMax)
	})

	t.Run("secondary sub-leader uses the secondary bracket", func(t *testing.T) {
		n := NewNode(1, 5, cfg, newNoopTransport(1, 5), nil, nil)
		n.mu.Lock()
		n.hadLeader = true
		n.isSubLeader = true
		rank := 1
		n.subleaderRank = &rank
		d := n.resetElectionTimerLocked()
		n.mu.Unlock()

		assert.GreaterOrEqual(t, d, cfg.SecondaryTimeoutMin)
		assert.LessOrEqual(t, d, cfg.SecondaryTimeoutMax)
	})

	t.Run("ordinary follower spreads by id mod N", func(t *testing.T) {
		n := NewNode(3, 5, cfg, newNoopTransport(3, 5), nil, nil)
		n.mu.Lock()
		n.hadLeader = true
		d := n.resetElectionTimerLocked()
		n.mu.Unlock()

		idOffset := time.Duration(3%5) * 150 * time.Millisecond
		assert.GreaterOrEqual(t, d, cfg.FollowerTimeoutMin+idOffset)
		assert.LessOrEqual(t, d, cfg.FollowerTimeoutMax+idOffset)
	})
}

func TestMajorityNeeded(t *testing.T) {
	cases := []struct {
		total int
		want  int
	}{
		{3, 2},
		{4, 3},
		{5, 3},
		{7, 4},
	}
	for _, tc := range cases {
		n := NewNode(0, tc.total, DefaultConfig(), newNoopTransport(0, tc.total), nil, nil)
		assert.Equal(t, tc.want, n.majorityNeeded())
	}
}

func TestApplyCommittedLocked_InvokesCallbackInOrder(t *testing.T) {
	n := NewNode(0, 3, DefaultConfig(), newNoopTransport(0, 3), nil, nil)

	var applied []LogIndex
	n.OnLogCommitted(func(e LogEntry) {
		applied = append(applied, e.Index)
	})

	n.mu.Lock()
	n.entries = []LogEntry{{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 1, Index: 3}}
	n.commitIndex = 3
	n.applyCommittedLocked()
	n.mu.Unlock()

	assert.Equal(t, []LogIndex{1, 2, 3}, applied)
}
