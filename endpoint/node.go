package endpoint

import (
	"sync"

	"github.com/google/uuid"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
	"go.yogi.dev/core/yerrors"
)

// KnownTerminalsChange is one delta in a Node's known-terminals set
// (spec.md §3: "a tuple is present iff at least one reachable endpoint
// currently exposes a terminal matching it").
type KnownTerminalsChange struct {
	Added     bool
	Variant   Variant
	Signature uint32
	Name      string
}

// KnownTerminalsHandler is invoked once per AsyncAwaitKnownTerminalsChange
// registration, on the Node's Strand. res is Canceled if the registration
// was withdrawn by CancelAwaitKnownTerminalsChange instead of firing for an
// actual known-terminals delta.
type KnownTerminalsHandler func(res Result, change KnownTerminalsChange)

// knownDelivery is what an AsyncAwaitKnownTerminalsChange awaiter channel
// carries: either a real delta (Success) or a withdrawal (Canceled).
type knownDelivery struct {
	result Result
	change KnownTerminalsChange
}

// Node is the multi-peer endpoint of spec.md §3: it may have any number of
// attached connections, forwards announcements between them, and exposes an
// insertion-ordered known-terminals set. Its own NodeID and the node ids
// reachable through each attached peer resolve spec.md §9's tree-topology
// Open Question: an attachment is refused with AssignmentFailed if the two
// sides' reachable sets intersect.
type Node struct {
	core *core
	id   uuid.UUID

	mu          sync.Mutex
	links       map[string]RemoteLink
	reachable   map[string]map[uuid.UUID]bool // per-link peer-reported reachable ids
	known       []remoteKey                   // insertion order
	knownSet    map[remoteKey]bool
	awaiters    map[int]chan knownDelivery
	nextAwaiter int

	strand *scheduler.Strand
}

// NewNode constructs a Node bound to sched, rooted at location, reporting
// metrics to reg under name.
func NewNode(sched *scheduler.Scheduler, reg *metrics.Registry, name string, location path.Path) *Node {
	var n = &Node{
		core:      newCore(sched, reg, name, location),
		id:        uuid.New(),
		links:     make(map[string]RemoteLink),
		reachable: make(map[string]map[uuid.UUID]bool),
		knownSet:  make(map[remoteKey]bool),
		awaiters:  make(map[int]chan knownDelivery),
		strand:    sched.NewStrand(),
	}
	n.core.onKnownChange = n.onKnownChange
	return n
}

// NodeID returns this Node's identity, exchanged during connection
// handshakes for loop detection.
func (n *Node) NodeID() uuid.UUID { return n.id }

// ReachableIDs returns this Node's own id plus every id reachable through a
// currently attached peer, the set a handshaking counterpart must be
// disjoint from.
func (n *Node) ReachableIDs() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out = []uuid.UUID{n.id}
	for _, ids := range n.reachable {
		for id := range ids {
			out = append(out, id)
		}
	}
	return out
}

// CheckAssignment reports AssignmentFailed if peerIDs intersects this
// Node's current reachable set, refusing an attachment that would close a
// cycle in the tree topology (spec.md §9).
func (n *Node) CheckAssignment(peerIDs []uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var mine = map[uuid.UUID]bool{n.id: true}
	for _, ids := range n.reachable {
		for id := range ids {
			mine[id] = true
		}
	}
	for _, id := range peerIDs {
		if mine[id] {
			return yerrors.New(yerrors.AssignmentFailed, "peer reachable-id set intersects this node's own topology at %s", id)
		}
	}
	return nil
}

// CreateTerminal allocates a new terminal of variant at name (resolved
// against the Node's location) with the given payload-type signature.
func (n *Node) CreateTerminal(variant Variant, name path.Path, signature uint32) (*Terminal, error) {
	return n.core.createTerminal(variant, name, signature)
}

// DestroyTerminal releases t and every binding/operation it owns.
func (n *Node) DestroyTerminal(t *Terminal) { n.core.destroyTerminal(t) }

// Attach validates peerReachable against CheckAssignment, then attaches
// link: the new peer receives every locally-owned terminal and the Node's
// entire current known-terminals set.
func (n *Node) Attach(link RemoteLink, peerReachable []uuid.UUID) error {
	if err := n.CheckAssignment(peerReachable); err != nil {
		return err
	}

	n.mu.Lock()
	n.links[link.ID()] = link
	var ids = make(map[uuid.UUID]bool, len(peerReachable))
	for _, id := range peerReachable {
		ids[id] = true
	}
	n.reachable[link.ID()] = ids
	var snapshot = append([]remoteKey(nil), n.known...)
	n.mu.Unlock()

	n.core.Attach(link)
	for _, key := range snapshot {
		link.SendAnnouncement(Announcement{Added: true, Variant: key.variant, Signature: key.signature, Name: key.name})
	}
	return nil
}

// Detach withdraws link and every remote tuple attributed to it.
func (n *Node) Detach(link RemoteLink) {
	n.mu.Lock()
	delete(n.links, link.ID())
	delete(n.reachable, link.ID())
	n.mu.Unlock()
	n.core.Detach(link)
}

// HandleRemoteAnnouncement applies an announcement received from link and
// forwards it to every other attached peer.
func (n *Node) HandleRemoteAnnouncement(link RemoteLink, ann Announcement) {
	n.core.HandleRemoteAnnouncement(link, ann)
}

// HandleRemoteMessage applies an application frame received from link.
func (n *Node) HandleRemoteMessage(link RemoteLink, msg WireMessage) {
	n.core.HandleRemoteMessage(link, msg)
}

// onKnownChange is core's hook: it maintains the insertion-ordered known
// set, notifies AsyncAwaitKnownTerminalsChange callers, and forwards the
// delta to every attached peer except the one that reported it.
func (n *Node) onKnownChange(originLink string, ann Announcement) {
	var key = remoteKey{variant: ann.Variant, signature: ann.Signature, name: ann.Name}

	n.mu.Lock()
	if ann.Added {
		if n.knownSet[key] {
			n.mu.Unlock()
			return
		}
		n.knownSet[key] = true
		n.known = append(n.known, key)
	} else {
		if !n.knownSet[key] {
			n.mu.Unlock()
			return
		}
		delete(n.knownSet, key)
		for i, k := range n.known {
			if k == key {
				n.known = append(n.known[:i], n.known[i+1:]...)
				break
			}
		}
	}
	var awaiters = n.awaiters
	n.awaiters = make(map[int]chan knownDelivery)
	var peers = make([]RemoteLink, 0, len(n.links))
	for id, l := range n.links {
		if id != originLink {
			peers = append(peers, l)
		}
	}
	n.mu.Unlock()

	var change = KnownTerminalsChange{Added: ann.Added, Variant: ann.Variant, Signature: ann.Signature, Name: ann.Name}
	for _, ch := range awaiters {
		ch <- knownDelivery{result: Success, change: change}
	}
	for _, l := range peers {
		l.SendAnnouncement(ann)
	}
}

// GetKnownTerminals returns a snapshot of the known-terminals set in
// insertion order (spec.md §3).
func (n *Node) GetKnownTerminals() []KnownTerminalsChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out = make([]KnownTerminalsChange, len(n.known))
	for i, k := range n.known {
		out[i] = KnownTerminalsChange{Added: true, Variant: k.variant, Signature: k.signature, Name: k.name}
	}
	return out
}

// AsyncAwaitKnownTerminalsChange registers fn to run once, on the Node's
// Strand, the next time the known-terminals set changes. Returns a handle
// for CancelAwaitKnownTerminalsChange.
func (n *Node) AsyncAwaitKnownTerminalsChange(fn KnownTerminalsHandler) int {
	n.mu.Lock()
	var handle = n.nextAwaiter
	n.nextAwaiter++
	var ch = make(chan knownDelivery, 1)
	n.awaiters[handle] = ch
	n.mu.Unlock()

	go func() {
		var d = <-ch
		n.strand.Post(func() { fn(d.result, d.change) })
	}()
	return handle
}

// CancelAwaitKnownTerminalsChange withdraws a not-yet-fired registration,
// reporting whether one was pending. The handler still fires, with
// Canceled.
func (n *Node) CancelAwaitKnownTerminalsChange(handle int) bool {
	n.mu.Lock()
	var ch, ok = n.awaiters[handle]
	if !ok {
		n.mu.Unlock()
		return false
	}
	delete(n.awaiters, handle)
	n.mu.Unlock()

	ch <- knownDelivery{result: Canceled}
	return true
}

// KnownRemoteCount reports the size of the known-terminals set.
func (n *Node) KnownRemoteCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.known)
}

// AttachLink satisfies connection.Target.
func (n *Node) AttachLink(link RemoteLink, peerNodeIDs []uuid.UUID) error {
	return n.Attach(link, peerNodeIDs)
}

// DetachLink satisfies connection.Target.
func (n *Node) DetachLink(link RemoteLink) { n.Detach(link) }

// SelfNodeIDs satisfies connection.Target.
func (n *Node) SelfNodeIDs() []uuid.UUID { return n.ReachableIDs() }
