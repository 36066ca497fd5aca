package transport

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/s-raft/sraft/internal/consensus"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func fastTransportConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.SendTimeout = 200 * time.Millisecond
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.InitialConnectPasses = 3
	cfg.InitialConnectGrace = 0
	return cfg
}

func TestTCPTransport_SendAndReceiveBetweenTwoNodes(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)
	addrA := "127.0.0.1:" + strconv.Itoa(portA)
	addrB := "127.0.0.1:" + strconv.Itoa(portB)

	addrs := []string{addrA, addrB}
	logger := zaptest.NewLogger(t)

	a, err := NewTCPTransport(addrA, addrs, fastTransportConfig(), logger)
	require.NoError(t, err)
	b, err := NewTCPTransport(addrB, addrs, fastTransportConfig(), logger)
	require.NoError(t, err)

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()
	defer b.Stop()

	msg := &consensus.Message{
		Type:      consensus.MsgRequestVote,
		SenderID:  a.SelfID(),
		Term:      1,
		MessageID: "round-trip",
	}
	a.Send(b.SelfID(), msg)

	received, ok := b.Receive(2 * time.Second)
	require.True(t, ok, "node B should receive the message sent by node A")
	require.Equal(t, msg.MessageID, received.MessageID)
	require.Equal(t, a.SelfID(), received.SenderID)
}

func TestTCPTransport_SelfSendLoopsBackWithoutNetwork(t *testing.T) {
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	tr, err := NewTCPTransport(addr, []string{addr}, fastTransportConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	msg := &consensus.Message{Type: consensus.MsgAppendAck, SenderID: tr.SelfID(), MessageID: "self"}
	tr.Send(tr.SelfID(), msg)

	received, ok := tr.Receive(time.Second)
	require.True(t, ok)
	require.Equal(t, "self", received.MessageID)
}

