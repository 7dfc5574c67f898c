package connection

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// RetryInterval is the fixed cadence between connection attempts (spec.md
// §4.2: "Retry cadence: 1 s between attempts").
const RetryInterval = time.Second

// ConnectObserver fires for every connection attempt, successful or not.
type ConnectObserver func(err error, conn *Tcp)

// DisconnectObserver fires when a previously-established connection dies.
type DisconnectObserver func(cause error)

// AutoConnectingTcpClient is the supervisor of spec.md §4.2: it repeatedly
// dials and assigns a connection to a fixed host:port until canceled,
// guaranteeing at most one live connection at a time and restarting after
// RetryInterval on loss. The atomic running flag is grounded on
// pinecone/router/peer.go's use of go.uber.org/atomic for lock-free
// liveness state.
type AutoConnectingTcpClient struct {
	target         Target
	addr           string
	identification string
	assignTimeout  time.Duration

	running atomic.Bool
	cancel  context.CancelFunc

	mu                  sync.Mutex
	connectObservers    []ConnectObserver
	disconnectObservers []DisconnectObserver
	current             *Tcp
}

// NewAutoConnectingTcpClient constructs a supervisor that will dial addr
// and assign the resulting connection to target once Start is called.
func NewAutoConnectingTcpClient(target Target, addr, identification string, assignTimeout time.Duration) *AutoConnectingTcpClient {
	return &AutoConnectingTcpClient{target: target, addr: addr, identification: identification, assignTimeout: assignTimeout}
}

// OnConnect registers fn to run for every attempt (spec.md's
// connect_observer).
func (c *AutoConnectingTcpClient) OnConnect(fn ConnectObserver) {
	c.mu.Lock()
	c.connectObservers = append(c.connectObservers, fn)
	c.mu.Unlock()
}

// OnDisconnect registers fn to run when an established connection dies
// (spec.md's disconnect_observer).
func (c *AutoConnectingTcpClient) OnDisconnect(fn DisconnectObserver) {
	c.mu.Lock()
	c.disconnectObservers = append(c.disconnectObservers, fn)
	c.mu.Unlock()
}

// Start begins the retry loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (c *AutoConnectingTcpClient) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	var ctx, cancel = context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Stop cancels the retry loop and closes the current connection, if any.
func (c *AutoConnectingTcpClient) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.mu.Lock()
	var cur = c.current
	c.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
}

func (c *AutoConnectingTcpClient) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var conn, err = c.attempt(ctx)
		c.notifyConnect(err, conn)
		if err != nil {
			log.WithFields(log.Fields{"addr": c.addr, "err": err}).Debug("auto-connect attempt failed")
			if !c.sleep(ctx, RetryInterval) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.current = conn
		c.mu.Unlock()

		var died = make(chan error, 1)
		conn.AsyncAwaitDeath(func(cause error) { died <- cause })

		select {
		case cause := <-died:
			c.mu.Lock()
			c.current = nil
			c.mu.Unlock()
			c.notifyDisconnect(cause)
		case <-ctx.Done():
			conn.Close()
			return
		}

		if !c.sleep(ctx, RetryInterval) {
			return
		}
	}
}

func (c *AutoConnectingTcpClient) attempt(ctx context.Context) (*Tcp, error) {
	var dialer net.Dialer
	var netConn, err = dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, mapNetErr(err)
	}
	var tc = NewTcp(netConn, c.identification)
	if err = tc.Assign(ctx, c.target, c.assignTimeout); err != nil {
		return nil, err
	}
	return tc, nil
}

func (c *AutoConnectingTcpClient) sleep(ctx context.Context, d time.Duration) bool {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *AutoConnectingTcpClient) notifyConnect(err error, conn *Tcp) {
	c.mu.Lock()
	var observers = append([]ConnectObserver(nil), c.connectObservers...)
	c.mu.Unlock()
	for _, o := range observers {
		o(err, conn)
	}
}

func (c *AutoConnectingTcpClient) notifyDisconnect(cause error) {
	c.mu.Lock()
	var observers = append([]DisconnectObserver(nil), c.disconnectObservers...)
	c.mu.Unlock()
	for _, o := range observers {
		o(cause)
	}
}
