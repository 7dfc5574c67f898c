package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// AcceptObserver fires for every inbound connection, after Assign completes
// (successfully or not).
type AcceptObserver func(err error, conn *Tcp)

// TcpServer accepts inbound connections and assigns each to target within a
// handshake timeout (spec.md §4.2: "TcpServer. Accepts inbound connections,
// requires assign to complete within a handshake timeout"). A connection
// that fails assignment, or later dies, is not explicitly recycled: once
// nothing but the caller's own references remain it is reclaimed by the
// garbage collector, per spec.md §9's retention note ("a dead connection
// object is retained until its last external reference drops").
type TcpServer struct {
	target           Target
	identification   string
	handshakeTimeout time.Duration

	mu        sync.Mutex
	listener  net.Listener
	observers []AcceptObserver
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTcpServer constructs a server that will assign every accepted
// connection to target, using identification as its own handshake identity
// string and handshakeTimeout as the per-connection assign deadline.
func NewTcpServer(target Target, identification string, handshakeTimeout time.Duration) *TcpServer {
	return &TcpServer{target: target, identification: identification, handshakeTimeout: handshakeTimeout}
}

// OnAccept registers fn to run after every accepted connection's Assign
// completes, successfully or not.
func (s *TcpServer) OnAccept(fn AcceptObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Serve listens on addr and accepts connections until Close is called. It
// blocks until the listener is closed, returning nil in that case.
func (s *TcpServer) Serve(addr string) error {
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	for {
		var conn, acceptErr = listener.Accept()
		if acceptErr != nil {
			if errors.Is(acceptErr, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.WithField("err", acceptErr).Warn("tcp server accept failed")
			return acceptErr
		}

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Addr returns the listener's bound address, or nil before Serve starts
// listening.
func (s *TcpServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections. Already-accepted connections are
// left running; callers track their lifetime via OnAccept/AsyncAwaitDeath.
func (s *TcpServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		var l = s.listener
		s.mu.Unlock()
		if l != nil {
			err = l.Close()
		}
	})
	return err
}

func (s *TcpServer) handle(netConn net.Conn) {
	defer s.wg.Done()
	var tc = NewTcp(netConn, s.identification)
	var err = tc.Assign(context.Background(), s.target, s.handshakeTimeout)
	if err != nil {
		log.WithFields(log.Fields{"remote": netConn.RemoteAddr(), "err": err}).Debug("tcp server assign failed")
	}
	s.notifyAccept(err, tc)
}

func (s *TcpServer) notifyAccept(err error, conn *Tcp) {
	s.mu.Lock()
	var observers = append([]AcceptObserver(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		o(err, conn)
	}
}
