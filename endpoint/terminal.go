package endpoint

import (
	"sync"

	"github.com/dustin/go-humanize"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
	"go.yogi.dev/core/yerrors"
)

// MaxMessageSize is the payload ceiling of spec.md §6, enforced on every
// publish, scatter, gather, request and response payload.
const MaxMessageSize = 65536

// Terminal is a named, typed endpoint of a single endpoint's name tree
// (spec.md §3). Creation, destruction and state access all go through the
// owning core so Terminal itself never stores an Endpoint/Leaf/Node
// pointer, avoiding the reference cycle the Design Notes call out.
type Terminal struct {
	id        TerminalID
	variant   Variant
	name      path.Path
	signature uint32
	strand    *scheduler.Strand
	core      *core

	cache *cache // non-nil iff variant.Cached()

	builtin *Binding // non-nil iff variant.HasImplicitBinding()

	mu         sync.Mutex
	explicit   map[BindingID]*Binding // Deaf-Mute only
	receiver   ReceiveHandler
	msgHandler MessageHandler

	destroyed bool
}

// MessageHandler is the receiving side of a publish-like relationship
// (spec.md §4.3's Binder capability async_receive_message). res is Canceled
// if the registration was withdrawn by CancelReceiveMessage or by the
// terminal's destruction instead of firing for an arrived message.
type MessageHandler func(res Result, payload []byte)

// AsyncReceiveMessage registers fn to run once the next message arrives
// from any counterpart of this terminal. Only one handler may be
// outstanding at a time; registering a second before the first fires fails
// with AlreadyAwaiting (spec.md §4.3).
func (t *Terminal) AsyncReceiveMessage(fn MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.msgHandler != nil {
		return yerrors.New(yerrors.AlreadyAwaiting, "terminal %s already has a receive handler outstanding", t.name)
	}
	t.msgHandler = fn
	return nil
}

// CancelReceiveMessage withdraws a not-yet-fired AsyncReceiveMessage
// registration, reporting whether one was pending. The handler still
// fires, with Canceled.
func (t *Terminal) CancelReceiveMessage() bool {
	t.mu.Lock()
	var fn = t.msgHandler
	t.msgHandler = nil
	t.mu.Unlock()
	if fn == nil {
		return false
	}
	t.strand.Post(func() { fn(Canceled, nil) })
	return true
}

// deliverMessage consumes the outstanding receive handler, if any, and
// invokes it on the terminal's Strand with Success. Returns false if no
// handler was registered (the cached case: the message is still retained,
// just not handed to a waiting caller).
func (t *Terminal) deliverMessage(payload []byte) bool {
	t.mu.Lock()
	var fn = t.msgHandler
	t.msgHandler = nil
	t.mu.Unlock()
	if fn == nil {
		return false
	}
	t.strand.Post(func() { fn(Success, payload) })
	return true
}

// ScatteredMessage is delivered to a responder-side receive handler
// (spec.md §4.3). Exactly one of Respond/Ignore must be called.
type ScatteredMessage struct {
	OperationID OperationID
	Payload     []byte

	respond func([]byte)
	ignore  func()
}

// Respond answers the scattered message with payload.
func (m *ScatteredMessage) Respond(payload []byte) error {
	if len(payload) > MaxMessageSize {
		return yerrors.New(yerrors.BufferTooSmall, "response payload exceeds max message size")
	}
	m.respond(payload)
	return nil
}

// Ignore answers the scattered message with the IGNORED gather flag.
func (m *ScatteredMessage) Ignore() { m.ignore() }

// ReceiveHandler is the responder-side callback of spec.md §4.3.
type ReceiveHandler func(*ScatteredMessage)

// RegisterReceiver installs the handler invoked for every scattered
// message/request addressed to this terminal. Only ScatterGather and
// Service terminals may respond (spec.md §3 CanRespond).
func (t *Terminal) RegisterReceiver(fn ReceiveHandler) error {
	if !t.variant.CanRespond() {
		return yerrors.New(yerrors.InvalidTarget, "%s terminal does not accept scatter-gather/request", t.variant)
	}
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
	return nil
}

// ID returns the terminal's endpoint-local handle.
func (t *Terminal) ID() TerminalID { return t.id }

// Variant returns the terminal's kind.
func (t *Terminal) Variant() Variant { return t.variant }

// Name returns the terminal's resolved absolute name.
func (t *Terminal) Name() path.Path { return t.name }

// Signature returns the terminal's 32-bit payload-type fingerprint.
func (t *Terminal) Signature() uint32 { return t.signature }

// BuiltinBinding returns the implicit binding auto-created for every
// variant but Deaf-Mute, or nil for Deaf-Mute terminals.
func (t *Terminal) BuiltinBinding() *Binding { return t.builtin }

// GetBuiltinBindingState is the convenience passthrough of spec.md §4.4.
func (t *Terminal) GetBuiltinBindingState() (State, error) {
	if t.builtin == nil {
		return Released, yerrors.New(yerrors.NotBound, "terminal %s has no implicit binding", t.name)
	}
	return t.builtin.GetState(), nil
}

// GetSubscriptionState mirrors GetBuiltinBindingState for
// Subscribable-capable variants (spec.md §4.3).
func (t *Terminal) GetSubscriptionState() (State, error) {
	if !t.variant.Subscribable() {
		return Released, yerrors.New(yerrors.NotBound, "%s terminal is not subscribable", t.variant)
	}
	return t.GetBuiltinBindingState()
}

// AsyncAwaitSubscriptionStateChange mirrors AsyncAwaitStateChange, returning
// a handle for Binding.CancelAwaitStateChange.
func (t *Terminal) AsyncAwaitSubscriptionStateChange(fn StateHandler) (int, error) {
	if !t.variant.Subscribable() {
		return -1, yerrors.New(yerrors.NotBound, "%s terminal is not subscribable", t.variant)
	}
	return t.builtin.AsyncAwaitStateChange(fn), nil
}

// CreateBinding creates an explicit Binding on a primitive terminal,
// matching remote terminals at target (resolved against the owning
// endpoint's location). Only Deaf-Mute terminals expose this call per
// spec.md §3/§4.4; every other variant's binding is implicit.
func (t *Terminal) CreateBinding(target path.Path) (*Binding, error) {
	if t.variant != DeafMute {
		return nil, yerrors.New(yerrors.InvalidTarget, "explicit bindings are only valid on deaf-mute terminals, got %s", t.variant)
	}
	var resolved, err = path.Resolve(t.core.location, target)
	if err != nil {
		return nil, yerrors.Wrap(yerrors.InvalidPath, err, "resolve binding target")
	}
	return t.core.createBinding(t, resolved, t.variant.Counterpart(), false)
}

// DestroyBinding releases an explicit binding created by CreateBinding.
// Only valid for bindings this terminal owns; implicit bindings are
// released only by destroying their owning terminal.
func (t *Terminal) DestroyBinding(b *Binding) error {
	t.mu.Lock()
	if _, ok := t.explicit[b.id]; !ok {
		t.mu.Unlock()
		return yerrors.New(yerrors.InvalidTarget, "binding %d is not an explicit binding of terminal %s", b.id, t.name)
	}
	delete(t.explicit, b.id)
	t.mu.Unlock()
	t.core.destroyBinding(b)
	return nil
}

// Publish sends payload to every currently-bound counterpart of a
// publish-like terminal, and if the variant is cached, retains payload for
// replay to counterparts established later (spec.md §4.3). A non-cached
// variant fails with NotBound if its implicit binding is not currently
// Established (spec.md §4.3's publish binds the not-bound case to an error
// rather than silently succeeding); a cached variant has no such check,
// since publishing unbound is exactly how a cache gets seeded for a
// counterpart that connects later.
func (t *Terminal) Publish(payload []byte) error {
	if !t.variant.PublishLike() {
		return yerrors.New(yerrors.InvalidTarget, "%s terminal does not support publish", t.variant)
	}
	if len(payload) > MaxMessageSize {
		return yerrors.New(yerrors.BufferTooSmall, "payload of %s exceeds max message size %s",
			humanize.IBytes(uint64(len(payload))), humanize.IBytes(MaxMessageSize))
	}
	if t.cache != nil {
		t.cache.set(payload)
	} else if t.builtin == nil || t.builtin.GetState() != Established {
		return yerrors.New(yerrors.NotBound, "%s terminal %s is not bound to any counterpart", t.variant, t.name)
	}
	t.core.publish(t, payload)
	return nil
}

// TryPublish is the non-throwing form of Publish: it reports whether the
// message was actually sent to at least the possibility of a bound
// counterpart, returning false instead of an error when the terminal is not
// bound (spec.md §4.3's try_publish).
func (t *Terminal) TryPublish(payload []byte) bool {
	return t.Publish(payload) == nil
}

// GetCachedMessage returns the terminal's retained message, matching
// spec.md's get_cached_message(); fails with NoCache on a non-cached
// variant or if nothing has been published yet.
func (t *Terminal) GetCachedMessage() ([]byte, error) {
	if t.cache == nil {
		return nil, yerrors.New(yerrors.NoCache, "%s terminal is not cached", t.variant)
	}
	var payload, ok = t.cache.get()
	if !ok {
		return nil, yerrors.New(yerrors.NoCache, "no message has been published yet")
	}
	return payload, nil
}

// ScatterGather fans payload out to every peer currently matching the
// terminal's binding and returns an Operation tracking their responses
// (spec.md §3/§4.3).
func (t *Terminal) ScatterGather(payload []byte, handler GatherHandler) (*Operation, error) {
	if !t.variant.CanRequest() {
		return nil, yerrors.New(yerrors.InvalidTarget, "%s terminal does not initiate scatter-gather/request", t.variant)
	}
	if len(payload) > MaxMessageSize {
		return nil, yerrors.New(yerrors.BufferTooSmall, "payload of %s exceeds max message size %s",
			humanize.IBytes(uint64(len(payload))), humanize.IBytes(MaxMessageSize))
	}
	return t.core.scatterGather(t, payload, handler)
}

// destroy marks the terminal unusable and tears down its bindings and
// operations, firing any outstanding AsyncReceiveMessage handler with
// Canceled (spec.md §8's cancellation totality). Idempotent. Bindings are
// destroyed separately by the owning core, which has the map of them.
func (t *Terminal) destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	var fn = t.msgHandler
	t.msgHandler = nil
	t.mu.Unlock()

	if fn != nil {
		t.strand.Post(func() { fn(Canceled, nil) })
	}
}
