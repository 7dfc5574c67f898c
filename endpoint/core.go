package endpoint

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
	"go.yogi.dev/core/yerrors"
)

// remoteKey identifies a remote terminal tuple for binding/announcement
// matching, exactly the (variant, signature, name) triple spec.md §4.4's
// matching rule is defined over.
type remoteKey struct {
	variant   Variant
	signature uint32
	name      string
}

// core is the shared engine shared by Leaf and Node (spec.md §4.2): the
// terminal/binding arena, the remote-terminal refcount table driving
// binding establishment, and the link set terminals are announced across.
// Its single-mutex/observer-queue shape mirrors consumer/resolver.go's
// Resolver: state transitions happen under the lock, callbacks fire after
// it is released via each object's own Strand.
type core struct {
	sched    *scheduler.Scheduler
	location path.Path

	terminalIDs idGen
	bindingIDs  idGen
	opIDs       idGen

	mu          sync.Mutex
	terminals   map[TerminalID]*Terminal
	bindings    map[BindingID]*Binding
	bindingsBy  map[remoteKey]map[BindingID]*Binding
	remote      map[remoteKey]int // global refcount across every attached link
	remoteOwner map[remoteKey]map[string]bool
	links       map[string]RemoteLink
	operations  map[OperationID]*Operation

	onKnownChange func(linkID string, ann Announcement) // Node hook; nil for Leaf

	metrics coreMetrics
}

type coreMetrics struct {
	terminals prometheus.Gauge
	knownSize prometheus.Gauge
}

func newCoreMetrics(reg *metrics.Registry, name string) coreMetrics {
	var labels = prometheus.Labels{"endpoint": name}
	return coreMetrics{
		terminals: reg.NewGauge(prometheus.GaugeOpts{
			Name:        "yogi_endpoint_local_terminals",
			Help:        "Number of terminals currently held by this endpoint.",
			ConstLabels: labels,
		}),
		knownSize: reg.NewGauge(prometheus.GaugeOpts{
			Name:        "yogi_endpoint_known_terminals",
			Help:        "Number of distinct remote terminal tuples currently known.",
			ConstLabels: labels,
		}),
	}
}

func newCore(sched *scheduler.Scheduler, reg *metrics.Registry, name string, location path.Path) *core {
	return &core{
		sched:       sched,
		location:    location,
		terminals:   make(map[TerminalID]*Terminal),
		bindings:    make(map[BindingID]*Binding),
		bindingsBy:  make(map[remoteKey]map[BindingID]*Binding),
		remote:      make(map[remoteKey]int),
		remoteOwner: make(map[remoteKey]map[string]bool),
		links:       make(map[string]RemoteLink),
		operations:  make(map[OperationID]*Operation),
		metrics:     newCoreMetrics(reg, name),
	}
}

// createTerminal allocates a Terminal of variant at name (resolved against
// c.location), with its implicit binding if the variant has one.
func (c *core) createTerminal(variant Variant, name path.Path, signature uint32) (*Terminal, error) {
	if !variant.Valid() {
		return nil, yerrors.New(yerrors.InvalidVariant, "%d is not a recognized terminal variant", int(variant))
	}
	var resolved, err = path.Resolve(c.location, name)
	if err != nil {
		return nil, yerrors.Wrap(yerrors.InvalidPath, err, "resolve terminal name")
	}

	var t = &Terminal{
		id:        TerminalID(c.terminalIDs.next()),
		variant:   variant,
		name:      resolved,
		signature: signature,
		strand:    c.sched.NewStrand(),
		core:      c,
	}
	if variant.Cached() {
		t.cache = newCache()
	}
	if variant == DeafMute {
		t.explicit = make(map[BindingID]*Binding)
	}

	c.mu.Lock()
	c.terminals[t.id] = t
	c.mu.Unlock()
	c.metrics.terminals.Inc()

	if variant.HasImplicitBinding() {
		var b, err = c.createBinding(t, resolved, variant.Counterpart(), true)
		if err != nil {
			return nil, err
		}
		t.builtin = b
	}

	c.announceLocal(Announcement{Added: true, Variant: variant, Signature: signature, Name: resolved.String()})
	return t, nil
}

func (c *core) createBinding(owner *Terminal, target path.Path, counterpart Variant, implicit bool) (*Binding, error) {
	var b = newBinding(BindingID(c.bindingIDs.next()), owner.id, target, counterpart, owner.signature, implicit, owner.strand)

	var key = b.matchKey()
	c.mu.Lock()
	c.bindings[b.id] = b
	if c.bindingsBy[key] == nil {
		c.bindingsBy[key] = make(map[BindingID]*Binding)
	}
	c.bindingsBy[key][b.id] = b
	var established = c.remote[key] > 0
	c.mu.Unlock()

	if !implicit {
		owner.mu.Lock()
		owner.explicit[b.id] = b
		owner.mu.Unlock()
	}
	if established {
		b.setEstablished(true)
	}
	return b, nil
}

func (c *core) destroyTerminal(t *Terminal) {
	t.destroy()

	c.mu.Lock()
	delete(c.terminals, t.id)
	var ownedBindings []*Binding
	if t.builtin != nil {
		c.removeBindingLocked(t.builtin)
		ownedBindings = append(ownedBindings, t.builtin)
	}
	for _, b := range t.explicit {
		c.removeBindingLocked(b)
		ownedBindings = append(ownedBindings, b)
	}
	var ownedOps []*Operation
	for id, op := range c.operations {
		if op.owner == t.id {
			ownedOps = append(ownedOps, op)
			delete(c.operations, id)
		}
	}
	c.mu.Unlock()
	c.metrics.terminals.Dec()

	// spec.md §8 "Cancellation totality": every outstanding async_* handler
	// on a destroyed object fires before destruction returns. A terminal
	// that initiated a scatter-gather must surface BindingDestroyed to its
	// own still-outstanding handler the same way a dead peer binding would,
	// and every binding the terminal owned must cancel its own outstanding
	// AsyncAwaitStateChange awaiters.
	for _, op := range ownedOps {
		op.cancelRemaining()
	}
	for _, b := range ownedBindings {
		b.destroy()
	}

	c.announceLocal(Announcement{Added: false, Variant: t.variant, Signature: t.signature, Name: t.name.String()})
}

// destroyBinding releases an explicit binding before its owning terminal is
// destroyed (spec.md §4.6's DestroyBinding session request). Implicit
// bindings may only be released by destroying their owning terminal.
func (c *core) destroyBinding(b *Binding) {
	c.mu.Lock()
	c.removeBindingLocked(b)
	c.mu.Unlock()
	b.destroy()
}

func (c *core) removeBindingLocked(b *Binding) {
	delete(c.bindings, b.id)
	var key = b.matchKey()
	if m := c.bindingsBy[key]; m != nil {
		delete(m, b.id)
		if len(m) == 0 {
			delete(c.bindingsBy, key)
		}
	}
	traceFinish(b.trace)
}

// announceLocal pushes a local terminal lifecycle change to every attached
// link (spec.md §4.5): the only way a peer learns of this endpoint's
// terminals.
func (c *core) announceLocal(ann Announcement) {
	c.mu.Lock()
	var links = make([]RemoteLink, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.Unlock()
	for _, l := range links {
		l.SendAnnouncement(ann)
	}
}

// Attach registers a newly OPEN link, sending it every currently-held local
// terminal as an Added announcement, and begins tracking its remote state.
func (c *core) Attach(link RemoteLink) {
	c.mu.Lock()
	c.links[link.ID()] = link
	var terminals = make([]*Terminal, 0, len(c.terminals))
	for _, t := range c.terminals {
		terminals = append(terminals, t)
	}
	c.mu.Unlock()

	for _, t := range terminals {
		link.SendAnnouncement(Announcement{Added: true, Variant: t.variant, Signature: t.signature, Name: t.name.String()})
	}
}

// Detach withdraws every remote tuple attributed to link (spec.md §9's
// connection-death handling: contributions become CONNECTION_LOST and the
// known-terminals set loses any tuple only that link contributed).
func (c *core) Detach(link RemoteLink) {
	c.mu.Lock()
	delete(c.links, link.ID())
	var toRemove []remoteKey
	for key, owners := range c.remoteOwner {
		if owners[link.ID()] {
			delete(owners, link.ID())
			if len(owners) == 0 {
				toRemove = append(toRemove, key)
			}
		}
	}
	c.mu.Unlock()

	for _, key := range toRemove {
		c.applyRemoteChange(link.ID(), key, false)
	}

	c.mu.Lock()
	var ops = make([]*Operation, 0, len(c.operations))
	for _, op := range c.operations {
		ops = append(ops, op)
	}
	c.mu.Unlock()
	for _, op := range ops {
		op.deliver(link.ID(), Finished|ConnectionLost, nil)
	}
}

// HandleRemoteAnnouncement applies an Added/Removed delta received from
// link, updating the remote refcount for the tuple and, on a 0<->positive
// transition, every Binding indexed under that key.
func (c *core) HandleRemoteAnnouncement(link RemoteLink, ann Announcement) {
	var key = remoteKey{variant: ann.Variant, signature: ann.Signature, name: ann.Name}

	c.mu.Lock()
	if c.remoteOwner[key] == nil {
		c.remoteOwner[key] = make(map[string]bool)
	}
	var already = c.remoteOwner[key][link.ID()]
	if ann.Added && already {
		c.mu.Unlock()
		return
	}
	if !ann.Added && !already {
		c.mu.Unlock()
		return
	}
	if ann.Added {
		c.remoteOwner[key][link.ID()] = true
	} else {
		delete(c.remoteOwner[key], link.ID())
	}
	c.mu.Unlock()

	c.applyRemoteChange(link.ID(), key, ann.Added)

	if ann.Added {
		c.replayCacheTo(link, ann)
	}
}

// replayCacheTo delivers a freshly-announced counterpart its one-time
// cached message replay, matching spec.md §4.4's "cached semantics".
func (c *core) replayCacheTo(link RemoteLink, ann Announcement) {
	c.mu.Lock()
	var senders []*Terminal
	for _, t := range c.terminals {
		if t.cache != nil && t.variant.Counterpart() == ann.Variant && t.signature == ann.Signature && t.name.String() == ann.Name {
			senders = append(senders, t)
		}
	}
	c.mu.Unlock()

	for _, t := range senders {
		if payload, ok := t.cache.takeForDelivery(link.ID()); ok {
			link.SendMessage(WireMessage{Kind: WirePublish, Variant: t.variant, Signature: t.signature, Name: t.name.String(), Payload: payload})
		}
	}
}

// applyRemoteChange mutates the refcount for key by +1/-1 and, on a
// zero-crossing, fires every Binding watching key plus the known-terminals
// hook (Node only).
func (c *core) applyRemoteChange(linkID string, key remoteKey, added bool) {
	c.mu.Lock()
	var before = c.remote[key]
	if added {
		c.remote[key] = before + 1
	} else {
		c.remote[key] = before - 1
		if c.remote[key] < 0 {
			c.remote[key] = 0
		}
	}
	var after = c.remote[key]
	if after == 0 {
		delete(c.remote, key)
	}
	var bindings = make([]*Binding, 0, len(c.bindingsBy[key]))
	for _, b := range c.bindingsBy[key] {
		bindings = append(bindings, b)
	}
	var hook = c.onKnownChange
	c.mu.Unlock()

	c.metrics.knownSize.Set(float64(len(c.remote)))

	if before == 0 && after > 0 {
		for _, b := range bindings {
			b.setEstablished(true)
		}
		if hook != nil {
			hook(linkID, Announcement{Added: true, Variant: key.variant, Signature: key.signature, Name: key.name})
		}
	} else if before > 0 && after == 0 {
		for _, b := range bindings {
			b.setEstablished(false)
		}
		if hook != nil {
			hook(linkID, Announcement{Added: false, Variant: key.variant, Signature: key.signature, Name: key.name})
		}
	}
}

// publish routes payload from t to every attached remote link whose peer
// has announced a terminal matching t's counterpart at t's name.
func (c *core) publish(t *Terminal, payload []byte) {
	var key = remoteKey{variant: t.variant.Counterpart(), signature: t.signature, name: t.name.String()}

	c.mu.Lock()
	var links = make([]RemoteLink, 0, len(c.links))
	for id := range c.remoteOwner[key] {
		if l, ok := c.links[id]; ok {
			links = append(links, l)
		}
	}
	c.mu.Unlock()

	for _, l := range links {
		l.SendMessage(WireMessage{Kind: WirePublish, Variant: t.variant, Signature: t.signature, Name: t.name.String(), Payload: payload})
	}
}

// scatterGather fans payload to every link whose peer currently exposes a
// matching responder terminal, registering an Operation that completes
// once every reached peer has answered.
func (c *core) scatterGather(t *Terminal, payload []byte, handler GatherHandler) (*Operation, error) {
	var key = remoteKey{variant: t.variant.Counterpart(), signature: t.signature, name: t.name.String()}
	if t.variant == ScatterGather {
		key.variant = ScatterGather // self-paired: match other ScatterGather terminals of the same name
	}

	c.mu.Lock()
	var fanout []string
	var links []RemoteLink
	for id := range c.remoteOwner[key] {
		if l, ok := c.links[id]; ok {
			fanout = append(fanout, id)
			links = append(links, l)
		}
	}
	var opID = OperationID(c.opIDs.next())
	var op = newOperation(opID, t.id, fanout, handler, t.strand)
	c.operations[opID] = op
	c.mu.Unlock()

	if len(fanout) == 0 {
		c.mu.Lock()
		delete(c.operations, opID)
		c.mu.Unlock()
		op.deliverEmptyFanout()
		return op, nil
	}

	for _, l := range links {
		l.SendMessage(WireMessage{
			Kind: WireScatterRequest, Variant: t.variant, Signature: t.signature,
			Name: t.name.String(), OperationID: opID, Payload: payload,
		})
	}
	return op, nil
}

// HandleRemoteMessage applies an inbound application frame to every local
// terminal whose name+variant+signature it matches.
func (c *core) HandleRemoteMessage(link RemoteLink, msg WireMessage) {
	switch msg.Kind {
	case WirePublish:
		c.deliverPublish(msg)
	case WireScatterRequest:
		c.deliverScatterRequest(link, msg)
	case WireGatherResponse:
		c.deliverGatherResponse(link, msg)
	}
}

func (c *core) deliverPublish(msg WireMessage) {
	c.mu.Lock()
	var matches []*Terminal
	for _, t := range c.terminals {
		if t.variant.Counterpart() == msg.Variant && t.signature == msg.Signature && t.name.String() == msg.Name {
			matches = append(matches, t)
		}
	}
	c.mu.Unlock()

	for _, t := range matches {
		if t.cache != nil {
			t.cache.set(msg.Payload)
		}
		if !t.deliverMessage(msg.Payload) {
			log.WithField("terminal", t.name.String()).Trace("publish arrived with no outstanding receive handler")
		}
	}
}

func (c *core) deliverScatterRequest(link RemoteLink, msg WireMessage) {
	c.mu.Lock()
	var target *Terminal
	for _, t := range c.terminals {
		if t.variant.CanRespond() && t.signature == msg.Signature && t.name.String() == msg.Name {
			target = t
			break
		}
	}
	c.mu.Unlock()

	if target == nil {
		link.SendMessage(WireMessage{Kind: WireGatherResponse, OperationID: msg.OperationID, Flags: Finished | Deaf})
		return
	}

	target.mu.Lock()
	var recv = target.receiver
	target.mu.Unlock()
	if recv == nil {
		link.SendMessage(WireMessage{Kind: WireGatherResponse, OperationID: msg.OperationID, Flags: Finished | Ignored})
		return
	}

	var payload = msg.Payload
	var opID = msg.OperationID
	target.strand.Post(func() {
		recv(&ScatteredMessage{
			OperationID: opID,
			Payload:     payload,
			respond: func(resp []byte) {
				link.SendMessage(WireMessage{Kind: WireGatherResponse, OperationID: opID, Flags: Finished, Payload: resp})
			},
			ignore: func() {
				link.SendMessage(WireMessage{Kind: WireGatherResponse, OperationID: opID, Flags: Finished | Ignored})
			},
		})
	})
}

func (c *core) deliverGatherResponse(link RemoteLink, msg WireMessage) {
	c.mu.Lock()
	var op = c.operations[msg.OperationID]
	c.mu.Unlock()
	if op == nil {
		return
	}
	op.deliver(link.ID(), msg.Flags, msg.Payload)
}

// KnownRemoteCount reports the number of distinct remote tuples currently
// visible, exercised by tests and by process metrics.
func (c *core) KnownRemoteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remote)
}
