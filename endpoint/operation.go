package endpoint

import (
	"sync"

	"golang.org/x/net/trace"

	"go.yogi.dev/core/scheduler"
)

// GatherFlags is the gather-response bit field of spec.md §6.
type GatherFlags byte

const (
	Finished         GatherFlags = 1 << 0
	Ignored          GatherFlags = 1 << 1
	Deaf             GatherFlags = 1 << 2
	BindingDestroyed GatherFlags = 1 << 3
	ConnectionLost   GatherFlags = 1 << 4
)

func (f GatherFlags) Has(bit GatherFlags) bool { return f&bit != 0 }

// GatherVerdict is returned by a scatter-gather handler to continue
// accumulating responses or to short-circuit the operation.
type GatherVerdict int

const (
	Continue GatherVerdict = iota
	Stop
)

// GatherResult carries one peer's contribution to an in-flight Operation.
type GatherResult struct {
	Flags   GatherFlags
	Payload []byte
}

// GatherHandler is invoked once per peer response and, last, once more with
// Finished set (spec.md §4.3). It must not block.
type GatherHandler func(GatherResult) GatherVerdict

// Operation is the scatter-gather/request multiplexer of spec.md §3: a
// single operation_id tracks an outstanding set of peers reached at send
// time, closing when the set empties or the handler returns Stop. The
// explicit-state-enum-FSM shape (fixed set of named transitions driven by
// one mutex) is grounded on broker/append_fsm.go's appendFSM, here
// generalized from a single linear append pipeline to an arbitrary-sized
// outstanding peer set.
type Operation struct {
	id      OperationID
	owner   TerminalID
	handler GatherHandler
	strand  *scheduler.Strand
	trace   *trace.EventLog

	mu          sync.Mutex
	outstanding map[string]struct{} // remote peer link ids reached at send time
	stopped     bool
	done        bool
}

func newOperation(id OperationID, owner TerminalID, fanout []string, handler GatherHandler, strand *scheduler.Strand) *Operation {
	var o = &Operation{id: id, owner: owner, handler: handler, strand: strand, outstanding: make(map[string]struct{}, len(fanout))}
	for _, peer := range fanout {
		o.outstanding[peer] = struct{}{}
	}
	o.trace = newEventLog("yogi.scatter-gather", "")
	traceLog(o.trace, "fanout of %d peer(s)", len(fanout))
	return o
}

// ID returns the operation's endpoint-local handle.
func (o *Operation) ID() OperationID { return o.id }

// deliver posts one peer's gather result to the handler on the operation's
// Strand, removing the peer from the outstanding set and, when it was the
// last one (or the handler returned Stop), following with a final
// Finished-flagged invocation.
func (o *Operation) deliver(peer string, flags GatherFlags, payload []byte) {
	o.strand.Post(func() {
		o.mu.Lock()
		if _, pending := o.outstanding[peer]; o.done || !pending {
			o.mu.Unlock()
			return
		}
		delete(o.outstanding, peer)
		var verdict = o.handler(GatherResult{Flags: flags, Payload: payload})
		var finishNow = verdict == Stop || len(o.outstanding) == 0
		if verdict == Stop {
			o.stopped = true
		}
		if finishNow {
			o.done = true
		}
		o.mu.Unlock()

		if flags.Has(BindingDestroyed) || flags.Has(ConnectionLost) {
			traceErr(o.trace, "peer %s dropped out, flags=%d", peer, flags)
		} else {
			traceLog(o.trace, "peer %s answered flags=%d", peer, flags)
		}
		if finishNow {
			traceFinish(o.trace)
			o.handler(GatherResult{Flags: Finished})
		}
	})
}

// deliverEmptyFanout handles the spec.md §4.3 edge case: "If the fanout at
// send time is empty, exactly one handler invocation with flags =
// FINISHED|DEAF occurs."
func (o *Operation) deliverEmptyFanout() {
	o.strand.Post(func() {
		o.mu.Lock()
		o.done = true
		o.mu.Unlock()
		traceFinish(o.trace)
		o.handler(GatherResult{Flags: Finished | Deaf})
	})
}

// cancelRemaining marks every still-outstanding peer as BindingDestroyed,
// used when the operation's owning terminal is destroyed mid-flight.
func (o *Operation) cancelRemaining() {
	o.mu.Lock()
	var peers = make([]string, 0, len(o.outstanding))
	for p := range o.outstanding {
		peers = append(peers, p)
	}
	o.mu.Unlock()
	for _, p := range peers {
		o.deliver(p, Finished|BindingDestroyed, nil)
	}
}
