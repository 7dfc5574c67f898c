package connection

import (
	"github.com/google/uuid"
	"go.yogi.dev/core/endpoint"
)

// Local is the in-process, zero-copy link of spec.md §4.2: "constructed by
// passing both endpoints; transitions directly to OPEN." Each direction's
// forwarding call runs synchronously on the caller's goroutine, which is
// re-posted to the receiving terminal's own Strand by endpoint.core before
// any user handler runs, satisfying spec.md §5's "callbacks never stall the
// transport" on the sending side trivially (there is no I/O to stall).
type Local struct {
	*lifecycle
	a, b    Target
	linkToA *localLink
	linkToB *localLink
}

type localLink struct {
	id      string
	peer    Target
	reverse endpoint.RemoteLink
}

func (l *localLink) ID() string { return l.id }
func (l *localLink) SendAnnouncement(ann endpoint.Announcement) {
	l.peer.HandleRemoteAnnouncement(l.reverse, ann)
}
func (l *localLink) SendMessage(msg endpoint.WireMessage) {
	l.peer.HandleRemoteMessage(l.reverse, msg)
}

// NewLocal connects a and b directly. It fails with AssignmentFailed if
// both are Nodes whose reachable node-id sets intersect (spec.md §9's
// tree-topology loop guard).
func NewLocal(a, b Target) (*Local, error) {
	var id = uuid.NewString()
	var linkToB = &localLink{id: id, peer: b}
	var linkToA = &localLink{id: id, peer: a}
	linkToB.reverse = linkToA
	linkToA.reverse = linkToB

	var aIDs, bIDs = a.SelfNodeIDs(), b.SelfNodeIDs()
	if err := a.AttachLink(linkToB, bIDs); err != nil {
		return nil, err
	}
	if err := b.AttachLink(linkToA, aIDs); err != nil {
		a.DetachLink(linkToB)
		return nil, err
	}

	var c = &Local{lifecycle: newLifecycle(id), a: a, b: b, linkToA: linkToA, linkToB: linkToB}
	c.markOpen()
	return c, nil
}

// Close tears down both attachments and marks the connection Dead.
func (c *Local) Close() error {
	c.a.DetachLink(c.linkToB)
	c.b.DetachLink(c.linkToA)
	c.markDead(errClosed)
	return nil
}
