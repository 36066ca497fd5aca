package consensus

import (
	"sync"
	"time"
)

// fakeNetwork is an in-memory, fully-connected network of fakeTransports
// used by unit and cluster tests so the consensus logic can be exercised
// without opening real sockets.
type fakeNetwork struct {
	mu    sync.Mutex
	nodes map[NodeID]*fakeTransport
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: make(map[NodeID]*fakeTransport)}
}

func (f *fakeNetwork) register(id NodeID, total int) *fakeTransport {
	t := &fakeTransport{
		id:      id,
		total:   total,
		net:     f,
		inbox:   make(chan *Message, 1000),
		blocked: make(map[NodeID]bool),
	}
	f.mu.Lock()
	f.nodes[id] = t
	f.mu.Unlock()
	return t
}

type fakeTransport struct {
	id    NodeID
	total int
	net   *fakeNetwork

	inbox chan *Message

	mu      sync.Mutex
	blocked map[NodeID]bool
}

func (t *fakeTransport) Send(target NodeID, msg *Message) {
	t.mu.Lock()
	blocked := t.blocked[target]
	t.mu.Unlock()
	if blocked {
		return
	}

	t.net.mu.Lock()
	peer, ok := t.net.nodes[target]
	t.net.mu.Unlock()
	if !ok {
		return
	}
	select {
	case peer.inbox <- msg:
	default:
	}
}

func (t *fakeTransport) Receive(timeout time.Duration) (*Message, bool) {
	select {
	case msg := <-t.inbox:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (t *fakeTransport) ConnectedCount() int { return t.total }
func (t *fakeTransport) SelfID() NodeID      { return t.id }
func (t *fakeTransport) Start() error        { return nil }
func (t *fakeTransport) Stop() error         { return nil }

func (t *fakeTransport) partition(target NodeID, blocked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[target] = blocked
}

// noopTransport is a minimal Transport for single-node unit tests that
// never actually exchange messages with peers.
type noopTransport struct {
	id        NodeID
	connected int
	inbox     chan *Message
}

func newNoopTransport(id NodeID, connected int) *noopTransport {
	return &noopTransport{id: id, connected: connected, inbox: make(chan *Message, 16)}
}

func (n *noopTransport) Send(target NodeID, msg *Message) {}
func (n *noopTransport) Receive(timeout time.Duration) (*Message, bool) {
	select {
	case msg := <-n.inbox:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}
func (n *noopTransport) ConnectedCount() int { return n.connected }
func (n *noopTransport) SelfID() NodeID      { return n.id }
func (n *noopTransport) Start() error        { return nil }
func (n *noopTransport) Stop() error         { return nil }

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.ElectionTimeoutBase = 20 * time.Millisecond
	cfg.PrimaryTimeoutMin, cfg.PrimaryTimeoutMax = 15*time.Millisecond, 20*time.Millisecond
	cfg.SecondaryTimeoutMin, cfg.SecondaryTimeoutMax = 25*time.Millisecond, 35*time.Millisecond
	cfg.FollowerTimeoutMin, cfg.FollowerTimeoutMax = 30*time.Millisecond, 60*time.Millisecond
	cfg.PromotionTimeout = 40 * time.Millisecond
	cfg.RecvTimeout = 2 * time.Millisecond
	cfg.AutoTickPeriod = time.Millisecond
	cfg.StartupGrace = 0
	return cfg
}
