package endpoint

import (
	"sync"

	"golang.org/x/net/trace"

	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
)

// State is the two-state binding/subscription machine of spec.md §4.4.
type State int

const (
	Released State = iota
	Established
)

func (s State) String() string {
	if s == Established {
		return "established"
	}
	return "released"
}

// StateHandler is invoked once per state transition, on the Binding's own
// Strand, matching spec.md §5 ("no user callback is invoked while the
// endpoint lock is held"). res is Canceled if the registration was withdrawn
// by CancelAwaitStateChange or by the binding's destruction instead of
// firing for an actual transition.
type StateHandler func(res Result, state State)

// stateDelivery is what an AsyncAwaitStateChange awaiter channel carries:
// either a real transition (Success) or a withdrawal (Canceled).
type stateDelivery struct {
	result Result
	state  State
}

// Binding is the engine-side binding object of spec.md §4.4: either
// explicitly created via Terminal.CreateBinding on a Deaf-Mute terminal, or
// implicitly created for every other variant at terminal construction,
// targeting the terminal's own resolved name against its paired
// counterpart variant.
//
// Established iff the owning endpoint's known-remote-terminal set currently
// contains at least one tuple matching (Counterpart, Signature, Target).
type Binding struct {
	id          BindingID
	owner       TerminalID
	target      path.Path
	counterpart Variant
	signature   uint32
	implicit    bool

	strand *scheduler.Strand
	trace  *trace.EventLog

	mu          sync.Mutex
	state       State
	awaiters    map[int]chan stateDelivery
	nextAwaiter int
	destroyed   bool
}

func newBinding(id BindingID, owner TerminalID, target path.Path, counterpart Variant, signature uint32, implicit bool, strand *scheduler.Strand) *Binding {
	return &Binding{
		id:          id,
		owner:       owner,
		target:      target,
		counterpart: counterpart,
		signature:   signature,
		implicit:    implicit,
		strand:      strand,
		trace:       newEventLog("yogi.binding", target.String()),
		awaiters:    make(map[int]chan stateDelivery),
	}
}

// ID returns the binding's endpoint-local handle.
func (b *Binding) ID() BindingID { return b.id }

// Target returns the pattern this binding matches remote terminals against.
func (b *Binding) Target() path.Path { return b.target }

// GetState returns the binding's current state, matching spec.md's
// synchronous get_binding_state().
func (b *Binding) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AsyncAwaitStateChange registers fn to run once, on the binding's Strand,
// the next time the state differs from the state at registration time.
// Returns a handle for CancelAwaitStateChange. If the binding is already
// destroyed, fn fires with Canceled on the binding's Strand.
func (b *Binding) AsyncAwaitStateChange(fn StateHandler) int {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		b.strand.Post(func() { fn(Canceled, b.state) })
		return -1
	}
	var handle = b.nextAwaiter
	b.nextAwaiter++
	var ch = make(chan stateDelivery, 1)
	b.awaiters[handle] = ch
	b.mu.Unlock()

	go func() {
		var d = <-ch
		b.strand.Post(func() { fn(d.result, d.state) })
	}()
	return handle
}

// CancelAwaitStateChange withdraws a not-yet-fired registration, reporting
// whether one was pending. The handler still fires, with Canceled.
func (b *Binding) CancelAwaitStateChange(handle int) bool {
	b.mu.Lock()
	var ch, ok = b.awaiters[handle]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.awaiters, handle)
	var state = b.state
	b.mu.Unlock()

	ch <- stateDelivery{result: Canceled, state: state}
	return true
}

// matchKey is the remoteKey this binding's target resolves to, derived once
// at construction since the target is immutable for the binding's lifetime.
func (b *Binding) matchKey() remoteKey {
	return remoteKey{variant: b.counterpart, signature: b.signature, name: b.target.String()}
}

// setEstablished updates state from a refcount>0 transition observed by the
// owning core's known-remote-terminal index, firing pending awaiters with
// Success.
func (b *Binding) setEstablished(established bool) {
	var want = Released
	if established {
		want = Established
	}

	b.mu.Lock()
	if b.destroyed || b.state == want {
		b.mu.Unlock()
		return
	}
	b.state = want
	var awaiters = b.awaiters
	b.awaiters = make(map[int]chan stateDelivery)
	b.mu.Unlock()

	traceLog(b.trace, "%s -> %s", b.target, want)
	for _, ch := range awaiters {
		ch <- stateDelivery{result: Success, state: want}
	}
}

// destroy unconditionally cancels every outstanding AsyncAwaitStateChange
// registration, matching spec.md §8's cancellation totality: destroying a
// binding fires Canceled to every awaiter regardless of whether it also
// happens to carry a real state transition. Idempotent.
func (b *Binding) destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	var awaiters = b.awaiters
	b.awaiters = make(map[int]chan stateDelivery)
	var state = b.state
	b.mu.Unlock()

	for _, ch := range awaiters {
		ch <- stateDelivery{result: Canceled, state: state}
	}
}
