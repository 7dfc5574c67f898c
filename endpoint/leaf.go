package endpoint

import (
	"sync"

	"github.com/google/uuid"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
	"go.yogi.dev/core/yerrors"
)

// Leaf is the single-peer endpoint of spec.md §3: it may be attached to at
// most one Connection at a time and neither forwards nor exposes a
// known-terminals set (that is Node-only).
type Leaf struct {
	core *core

	mu     sync.Mutex
	linkID string
}

// NewLeaf constructs a Leaf bound to sched, rooted at location, reporting
// metrics to reg under name.
func NewLeaf(sched *scheduler.Scheduler, reg *metrics.Registry, name string, location path.Path) *Leaf {
	return &Leaf{core: newCore(sched, reg, name, location)}
}

// CreateTerminal allocates a new terminal of variant at name (resolved
// against the Leaf's location) with the given payload-type signature.
func (l *Leaf) CreateTerminal(variant Variant, name path.Path, signature uint32) (*Terminal, error) {
	return l.core.createTerminal(variant, name, signature)
}

// DestroyTerminal releases t and every binding/operation it owns.
func (l *Leaf) DestroyTerminal(t *Terminal) { l.core.destroyTerminal(t) }

// Attach connects link as this Leaf's sole peer. Attaching a second link
// before Detach fails.
func (l *Leaf) Attach(link RemoteLink) error {
	l.mu.Lock()
	if l.linkID != "" {
		l.mu.Unlock()
		return yerrors.New(yerrors.InvalidTarget, "leaf already has an attached connection")
	}
	l.linkID = link.ID()
	l.mu.Unlock()
	l.core.Attach(link)
	return nil
}

// Detach tears down the currently attached link's remote state.
func (l *Leaf) Detach(link RemoteLink) {
	l.mu.Lock()
	if l.linkID == link.ID() {
		l.linkID = ""
	}
	l.mu.Unlock()
	l.core.Detach(link)
}

// HandleRemoteAnnouncement applies an announcement frame received from the
// attached connection.
func (l *Leaf) HandleRemoteAnnouncement(link RemoteLink, ann Announcement) {
	l.core.HandleRemoteAnnouncement(link, ann)
}

// HandleRemoteMessage applies an application frame received from the
// attached connection.
func (l *Leaf) HandleRemoteMessage(link RemoteLink, msg WireMessage) {
	l.core.HandleRemoteMessage(link, msg)
}

// KnownRemoteCount reports the number of distinct remote terminal tuples
// currently visible across the attached connection.
func (l *Leaf) KnownRemoteCount() int { return l.core.KnownRemoteCount() }

// AttachLink satisfies connection.Target; a Leaf has no tree-topology
// concept, so peerNodeIDs is ignored.
func (l *Leaf) AttachLink(link RemoteLink, peerNodeIDs []uuid.UUID) error { return l.Attach(link) }

// DetachLink satisfies connection.Target.
func (l *Leaf) DetachLink(link RemoteLink) { l.Detach(link) }

// SelfNodeIDs satisfies connection.Target; a Leaf never participates in
// tree-topology loop detection.
func (l *Leaf) SelfNodeIDs() []uuid.UUID { return nil }
