// Package connection implements the Connection types of spec.md §4.2/§4.5:
// an in-process Local link and a framed Tcp link, both carrying the same
// announcement/application/liveness frame multiplexing over an
// endpoint.RemoteLink, plus the AutoConnectingTcpClient supervisor and
// TcpServer acceptor.
//
// The read-loop-goroutine-plus-ticker shape is grounded on
// broker/append_fsm.go's pump goroutine, and transport-error classification
// is grounded on broker/client/reader.go's mapGRPCCtxErr (reused here,
// without gRPC, as mapNetErr).
package connection

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/yerrors"
)

// State is the Connection lifecycle of spec.md §4.2.
type State int

const (
	Handshaking State = iota
	Open
	Dead
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Open:
		return "open"
	default:
		return "dead"
	}
}

// Target is the narrow surface a Connection needs from the Leaf or Node it
// is assigned to, decoupling this package from the concrete endpoint type.
type Target interface {
	HandleRemoteAnnouncement(endpoint.RemoteLink, endpoint.Announcement)
	HandleRemoteMessage(endpoint.RemoteLink, endpoint.WireMessage)
	AttachLink(link endpoint.RemoteLink, peerNodeIDs []uuid.UUID) error
	DetachLink(link endpoint.RemoteLink)
	SelfNodeIDs() []uuid.UUID
}

// DeathHandler is invoked exactly once with the error that killed a
// connection (spec.md §4.2 async_await_death).
type DeathHandler func(error)

// lifecycle is the State/death-notification machinery shared by Local and
// Tcp, grounded on consumer/resolver.go's single-mutex-plus-callback-queue
// shape.
type lifecycle struct {
	id string

	mu       sync.Mutex
	state    State
	cause    error
	awaiters []DeathHandler
}

func newLifecycle(id string) *lifecycle { return &lifecycle{id: id, state: Handshaking} }

// ID returns a debug-correlation identifier for this connection, grounded
// on nugget-thane-ai-agent's use of google/uuid for cross-component
// correlation ids.
func (l *lifecycle) ID() string { return l.id }

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) markOpen() {
	l.mu.Lock()
	if l.state == Handshaking {
		l.state = Open
	}
	l.mu.Unlock()
}

// markDead transitions to Dead exactly once, firing every registered death
// handler with cause. Idempotent; later calls are no-ops.
func (l *lifecycle) markDead(cause error) {
	l.mu.Lock()
	if l.state == Dead {
		l.mu.Unlock()
		return
	}
	l.state = Dead
	l.cause = cause
	var handlers = l.awaiters
	l.awaiters = nil
	l.mu.Unlock()

	log.WithFields(log.Fields{"connection": l.id, "cause": cause}).Info("connection died")
	for _, h := range handlers {
		h(cause)
	}
}

// AsyncAwaitDeath registers fn to fire once, with the failure that killed
// the connection. If the connection is already Dead, fn fires immediately
// with the recorded cause.
func (l *lifecycle) AsyncAwaitDeath(fn DeathHandler) {
	l.mu.Lock()
	if l.state == Dead {
		var cause = l.cause
		l.mu.Unlock()
		fn(cause)
		return
	}
	l.awaiters = append(l.awaiters, fn)
	l.mu.Unlock()
}

var errClosed = yerrors.New(yerrors.Canceled, "connection closed")
