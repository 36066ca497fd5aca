// Package transport implements the persistent-connection TCP transport
// S-Raft nodes use to exchange consensus messages on an EC2-style
// private network: one long-lived socket per peer, framed JSON messages,
// and automatic reconnection rather than per-message dialing.
package transport

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/s-raft/sraft/internal/consensus"
)

// Config holds the transport-level timeouts from spec §6, distinct from
// the consensus package's Config which governs election/heartbeat timers.
type Config struct {
	ConnectTimeout       time.Duration
	SendTimeout          time.Duration
	ReconnectInterval    time.Duration
	RecvQueueSize        int
	InitialConnectPasses int
	InitialConnectGrace  time.Duration
}

// DefaultConfig mirrors the reference transport's hardcoded timings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       2 * time.Second,
		SendTimeout:          1 * time.Second,
		ReconnectInterval:    1 * time.Second,
		RecvQueueSize:        1000,
		InitialConnectPasses: 5,
		InitialConnectGrace:  5 * time.Second,
	}
}

// TCPTransport is a consensus.Transport backed by raw TCP sockets with a
// persistent per-peer connection pool (spec §5).
type TCPTransport struct {
	selfID   consensus.NodeID
	selfAddr string
	addrs    []string // sorted; index is the peer's NodeID
	cfg      Config
	log      *zap.Logger

	listener net.Listener
	recvCh   chan *consensus.Message

	mu       sync.Mutex
	conns    map[consensus.NodeID]net.Conn
	limiters map[consensus.NodeID]*rate.Limiter
	running  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTCPTransport builds a transport for selfAddr among allAddrs. Node IDs
// are assigned by sorted address order, matching how a cluster identity
// file resolves IDs (spec §4.6).
func NewTCPTransport(selfAddr string, allAddrs []string, cfg Config, logger *zap.Logger) (*TCPTransport, error) {
	sorted := append([]string(nil), allAddrs...)
	sort.Strings(sorted)

	selfID := -1
	for i, a := range sorted {
		if a == selfAddr {
			selfID = i
			break
		}
	}
	if selfID < 0 {
		return nil, fmt.Errorf("self address %q not present in cluster address list", selfAddr)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiters := make(map[consensus.NodeID]*rate.Limiter, len(sorted))
	for i := range sorted {
		if i == selfID {
			continue
		}
		limiters[consensus.NodeID(i)] = rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1)
	}

	return &TCPTransport{
		selfID:   consensus.NodeID(selfID),
		selfAddr: selfAddr,
		addrs:    sorted,
		cfg:      cfg,
		log:      logger.With(zap.Int("node_id", selfID)),
		recvCh:   make(chan *consensus.Message, cfg.RecvQueueSize),
		conns:    make(map[consensus.NodeID]net.Conn),
		limiters: limiters,
		stopCh:   make(chan struct{}),
	}, nil
}

func (t *TCPTransport) parseAddr(addr string) (string, int, error) {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid address %q", addr)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in address %q: %w", addr, err)
	}
	return parts[0], port, nil
}

// Start begins listening, waits out the startup grace window to let peer
// servers come up, then spends up to InitialConnectPasses seconds dialing
// the rest of the cluster (spec §5).
func (t *TCPTransport) Start() error {
	_, port, err := t.parseAddr(t.selfAddr)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	t.listener = ln

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	t.log.Info("transport listening", zap.Int("port", port))

	t.wg.Add(1)
	go t.acceptLoop()

	t.log.Info("waiting for peers to start", zap.Duration("grace", t.cfg.InitialConnectGrace))
	time.Sleep(t.cfg.InitialConnectGrace)

	t.establishInitialConnections()
	return nil
}

func (t *TCPTransport) establishInitialConnections() {
	total := len(t.addrs) - 1
	for pass := 0; pass < t.cfg.InitialConnectPasses; pass++ {
		for i := range t.addrs {
			peer := consensus.NodeID(i)
			if peer == t.selfID {
				continue
			}
			t.ensureConnection(peer)
		}
		if t.connectedPeers() >= total {
			break
		}
		time.Sleep(time.Second)
	}
	t.log.Info("initial connections established",
		zap.Int("connected", t.connectedPeers()),
		zap.Int("total", total),
	)
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn("accept error", zap.Error(err))
				continue
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetNoDelay(true)
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		msg, err := readFrame(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		select {
		case t.recvCh <- msg:
		case <-t.stopCh:
			return
		}
	}
}

// ensureConnection returns the cached connection to target, dialing a new
// one if none is cached (Send drops a connection whose write fails),
// rate-limited by the
// reconnect-interval token bucket so a flapping peer isn't redialed every
// tick (spec §5).
func (t *TCPTransport) ensureConnection(target consensus.NodeID) net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn
	}

	if limiter, ok := t.limiters[target]; ok && !limiter.Allow() {
		return nil
	}

	if int(target) < 0 || int(target) >= len(t.addrs) {
		return nil
	}
	host, port, err := t.parseAddr(t.addrs[target])
	if err != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), t.cfg.ConnectTimeout)
	if err != nil {
		t.log.Debug("connect failed", zap.Int("target", int(target)), zap.Error(err))
		return nil
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetNoDelay(true)
	}

	t.conns[target] = conn
	t.log.Info("connected to peer", zap.Int("target", int(target)), zap.String("addr", t.addrs[target]))

	t.wg.Add(1)
	go t.handleConn(conn)

	return conn
}

func (t *TCPTransport) dropConnection(target consensus.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target]; ok {
		conn.Close()
		delete(t.conns, target)
	}
}

func (t *TCPTransport) connectedPeers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Send delivers msg to target; sending to SelfID loops back through the
// receive queue without touching the network.
func (t *TCPTransport) Send(target consensus.NodeID, msg *consensus.Message) {
	if target == t.selfID {
		select {
		case t.recvCh <- msg:
		default:
			t.log.Warn("receive queue full, dropping self-loopback message")
		}
		return
	}

	packet, err := frame(msg)
	if err != nil {
		t.log.Warn("encode failed", zap.Error(err))
		return
	}

	conn := t.ensureConnection(target)
	if conn == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(t.cfg.SendTimeout))
	if _, err := conn.Write(packet); err != nil {
		t.log.Debug("send failed, dropping connection", zap.Int("target", int(target)), zap.Error(err))
		t.dropConnection(target)
	}
}

// Receive blocks for up to timeout waiting on the next inbound message.
func (t *TCPTransport) Receive(timeout time.Duration) (*consensus.Message, bool) {
	select {
	case msg := <-t.recvCh:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}

// ConnectedCount reports the number of live peer connections, including
// self (spec §4.3.4's connectivity gate reads this value).
func (t *TCPTransport) ConnectedCount() int {
	return t.connectedPeers() + 1
}

func (t *TCPTransport) SelfID() consensus.NodeID { return t.selfID }

// Stop tears down the listener and every pooled connection. Idempotent.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	close(t.stopCh)
	if t.listener != nil {
		t.listener.Close()
	}

	t.mu.Lock()
	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.log.Info("transport stopped")
	return nil
}

var _ consensus.Transport = (*TCPTransport)(nil)
