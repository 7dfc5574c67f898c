package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/path"
)

func dialedPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	var listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	var acceptCh = make(chan net.Conn, 1)
	var acceptErrCh = make(chan error, 1)
	go func() {
		var conn, acceptErr = listener.Accept()
		acceptErrCh <- acceptErr
		acceptCh <- conn
	}()

	var clientConn, dialErr = net.Dial("tcp", listener.Addr().String())
	require.NoError(t, dialErr)
	require.NoError(t, <-acceptErrCh)
	return clientConn, <-acceptCh
}

func TestTcpHandshakeAssignsBothSidesToLeaves(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var b = newTestLeaf(t, "b")

	_, err := a.CreateTerminal(endpoint.Producer, path.MustNew("/Temp"), 1)
	require.NoError(t, err)
	_, err2 := b.CreateTerminal(endpoint.Consumer, path.MustNew("/Temp"), 1)
	require.NoError(t, err2)

	var clientConn, serverConn = dialedPair(t)
	var client = NewTcp(clientConn, "client")
	var server = NewTcp(serverConn, "server")

	var clientErrCh = make(chan error, 1)
	var serverErrCh = make(chan error, 1)
	go func() { clientErrCh <- client.Assign(context.Background(), a, time.Second) }()
	go func() { serverErrCh <- server.Assign(context.Background(), b, time.Second) }()

	require.NoError(t, <-clientErrCh)
	require.NoError(t, <-serverErrCh)

	require.Equal(t, Open, client.State())
	require.Equal(t, Open, server.State())

	require.Eventually(t, func() bool {
		return a.KnownRemoteCount() == 1 && b.KnownRemoteCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTcpAssignTimesOutWithoutPeer(t *testing.T) {
	var leaf = newTestLeaf(t, "solo")
	var clientConn, serverConn = dialedPair(t)
	defer serverConn.Close()

	var client = NewTcp(clientConn, "client")
	var err = client.Assign(context.Background(), leaf, 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, Dead, client.State())
}

func TestTcpLivenessKeepsConnectionAlive(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var b = newTestLeaf(t, "b")

	var clientConn, serverConn = dialedPair(t)
	var client = NewTcp(clientConn, "client")
	var server = NewTcp(serverConn, "server")

	var clientErrCh = make(chan error, 1)
	var serverErrCh = make(chan error, 1)
	go func() { clientErrCh <- client.Assign(context.Background(), a, time.Second) }()
	go func() { serverErrCh <- server.Assign(context.Background(), b, time.Second) }()
	require.NoError(t, <-clientErrCh)
	require.NoError(t, <-serverErrCh)

	// Liveness ticks every LivenessInterval, well under LivenessTimeout; the
	// connection must survive several ticks with no application traffic.
	time.Sleep(LivenessInterval*2 + 100*time.Millisecond)
	require.Equal(t, Open, client.State())
	require.Equal(t, Open, server.State())

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}
