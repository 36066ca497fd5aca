// Package consensus implements the S-Raft role state machine: standard
// Raft leader election and log replication augmented with a sub-leader
// fast-path for instant promotion on leader failure.
package consensus

import (
	"encoding/json"
	"strconv"
	"time"
)

// NodeID is a peer's index into the cluster's sorted host:port list.
type NodeID int

// Term is a monotonically increasing leadership epoch.
type Term uint64

// LogIndex is a 1-based, strictly increasing log position.
type LogIndex uint64

// Role is the node's position in the Follower/Candidate/Leader automaton.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Stopped
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// LogEntry is the ordered (term, command, index) triple replicated across
// the cluster. Command is opaque to the consensus layer.
type LogEntry struct {
	Term    Term            `json:"term"`
	Command json.RawMessage `json:"command"`
	Index   LogIndex        `json:"index"`
}

// MessageType identifies a wire message kind: the four inter-node consensus
// messages plus the reserved client request/response kinds.
type MessageType string

const (
	MsgAppendEntries  MessageType = "AppendEntries"
	MsgAppendAck      MessageType = "AppendAck"
	MsgRequestVote    MessageType = "RequestVote"
	MsgVoteResponse   MessageType = "VoteResponse"
	MsgClientRequest  MessageType = "ClientRequest"
	MsgClientResponse MessageType = "ClientResponse"
)

// Message is the self-describing record carried over the wire: a 4-byte
// big-endian length prefix followed by this struct JSON-encoded.
//
// message_id is informational only; receivers must not use it for
// deduplication — every receiver rule below is idempotent under duplicates.
type Message struct {
	Type      MessageType     `json:"type"`
	SenderID  NodeID          `json:"sender_id"`
	Term      Term            `json:"term"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AppendEntriesData is the typed payload carried by an AppendEntries message.
type AppendEntriesData struct {
	PrevLogIndex LogIndex       `json:"prev_log_index"`
	PrevLogTerm  Term           `json:"prev_log_term"`
	Entries      []LogEntry     `json:"entries"`
	LeaderCommit LogIndex       `json:"leader_commit"`
	SubLeaders   map[NodeID]int `json:"sub_leaders"`
}

// UnmarshalJSON restores the integer-keyed sub_leaders map: JSON object
// keys always arrive as strings, so a conforming decoder must coerce them
// back to NodeID before the consensus logic can index the map by peer id.
func (d *AppendEntriesData) UnmarshalJSON(b []byte) error {
	var shadow struct {
		PrevLogIndex LogIndex       `json:"prev_log_index"`
		PrevLogTerm  Term           `json:"prev_log_term"`
		Entries      []LogEntry     `json:"entries"`
		LeaderCommit LogIndex       `json:"leader_commit"`
		SubLeaders   map[string]int `json:"sub_leaders"`
	}
	if err := json.Unmarshal(b, &shadow); err != nil {
		return err
	}
	d.PrevLogIndex = shadow.PrevLogIndex
	d.PrevLogTerm = shadow.PrevLogTerm
	d.Entries = shadow.Entries
	d.LeaderCommit = shadow.LeaderCommit
	if len(shadow.SubLeaders) > 0 {
		d.SubLeaders = make(map[NodeID]int, len(shadow.SubLeaders))
		for k, v := range shadow.SubLeaders {
			// Keys are always decimal node ids produced by our own encoder.
			if id, err := strconv.Atoi(k); err == nil {
				d.SubLeaders[NodeID(id)] = v
			}
		}
	}
	return nil
}

// AppendAckData is the typed payload carried by an AppendAck message.
type AppendAckData struct {
	Success    bool     `json:"success"`
	MatchIndex LogIndex `json:"match_index"`
}

// RequestVoteData is the typed payload carried by a RequestVote message.
type RequestVoteData struct {
	LastLogIndex LogIndex `json:"last_log_index"`
	LastLogTerm  Term     `json:"last_log_term"`
}

// VoteResponseData is the typed payload carried by a VoteResponse message.
type VoteResponseData struct {
	VoteGranted bool `json:"vote_granted"`
}

// Transport is the contract the consensus node relies on for delivery.
// Send is best-effort and non-blocking from the caller's point of view;
// failures are silent to the caller (logged/metered internally). Receive
// blocks up to timeout and returns (nil, false) if nothing arrived.
type Transport interface {
	Send(target NodeID, msg *Message)
	Receive(timeout time.Duration) (*Message, bool)
	ConnectedCount() int
	SelfID() NodeID
	Start() error
	Stop() error
}

// StateMachine is the application's command interpreter. Apply is called
// once per committed entry, in order, from the consensus worker goroutine;
// it must not block indefinitely. The concrete state machine (e.g. a
// replicated counter) is out of scope for this module — only the
// interface is specified.
type StateMachine interface {
	Apply(entry LogEntry) error
}

// MetricsSink receives election, promotion, and latency observations from
// the consensus node. Export formats (JSON/CSV) are not this interface's
// concern — see internal/metrics for the Prometheus-backed implementation.
type MetricsSink interface {
	RecordElection(d time.Duration, winner NodeID, method string)
	RecordPromotionFailure(node NodeID, term Term, acks, needed int)
	RecordRequestLatency(d time.Duration, success bool)
}

// NopMetricsSink discards every observation; useful as a default and in
// tests that don't care about metrics.
type NopMetricsSink struct{}

func (NopMetricsSink) RecordElection(time.Duration, NodeID, string)            {}
func (NopMetricsSink) RecordPromotionFailure(NodeID, Term, int, int)           {}
func (NopMetricsSink) RecordRequestLatency(time.Duration, bool)                {}

// Snapshot is the lock-protected, point-in-time view returned by GetState.
type Snapshot struct {
	ID            NodeID
	State         Role
	Term          Term
	LeaderID      *NodeID
	IsSubLeader   bool
	SubleaderRank *int
	LogLength     int
	CommitIndex   LogIndex
}

// Stats mirrors the source's per-node counters, surfaced for diagnostics.
type Stats struct {
	ElectionsStarted      int
	VotesReceivedTotal    int
	BecameLeaderCount     int
	BecameSubleaderCount  int
	InstantPromotions     int
	PromotionSuccesses    int
	PromotionFailures     int
}
