package connection

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/path"
)

func TestServerAndAutoConnectingClientEstablishBinding(t *testing.T) {
	var server = newTestLeaf(t, "server")
	var client = newTestLeaf(t, "client")

	_, err := server.CreateTerminal(endpoint.Consumer, path.MustNew("/Temp"), 1)
	require.NoError(t, err)
	var prod, err2 = client.CreateTerminal(endpoint.Producer, path.MustNew("/Temp"), 1)
	require.NoError(t, err2)

	var srv = NewTcpServer(server, "server", time.Second)
	go func() {
		require.NoError(t, srv.Serve("127.0.0.1:0"))
	}()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	defer srv.Close()

	var auto = NewAutoConnectingTcpClient(client, srv.Addr().String(), "client", time.Second)
	var connectedCh = make(chan struct{}, 1)
	auto.OnConnect(func(err error, conn *Tcp) {
		if err == nil {
			select {
			case connectedCh <- struct{}{}:
			default:
			}
		}
	})
	auto.Start()
	defer auto.Stop()

	select {
	case <-connectedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for auto-connect")
	}

	require.Eventually(t, func() bool {
		return prod.BuiltinBinding().GetState() == endpoint.Established
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoConnectingClientRetriesUntilServerAvailable(t *testing.T) {
	// Reserve a free port, then close the listener so the client's first
	// attempts race against nothing listening there yet.
	var reserved, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var addr = reserved.Addr().String()
	require.NoError(t, reserved.Close())

	var client = newTestLeaf(t, "client")
	var auto = NewAutoConnectingTcpClient(client, addr, "client", time.Second)

	var attempts = make(chan error, 8)
	auto.OnConnect(func(err error, conn *Tcp) {
		select {
		case attempts <- err:
		default:
		}
	})
	auto.Start()
	defer auto.Stop()

	select {
	case attemptErr := <-attempts:
		require.Error(t, attemptErr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one failed attempt before server starts")
	}

	var target = newTestLeaf(t, "target")
	_, err2 := target.CreateTerminal(endpoint.Consumer, path.MustNew("/Temp"), 1)
	require.NoError(t, err2)
	var srv = NewTcpServer(target, "server", time.Second)
	go func() {
		_ = srv.Serve(addr)
	}()
	defer srv.Close()

	var succeeded = make(chan struct{}, 1)
	auto.OnConnect(func(err error, conn *Tcp) {
		if err == nil {
			select {
			case succeeded <- struct{}{}:
			default:
			}
		}
	})

	select {
	case <-succeeded:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for retry to succeed once server is listening")
	}
}
