package session

import "go.yogi.dev/core/endpoint"

// resourceID is a 32-bit monotonic session-local id shared by terminals,
// bindings and operations (spec.md §4.6: "Every session-allocated resource
// ... is addressed by a 32-bit monotonic session-local id"), mirroring
// endpoint/arena.go's id-generator shape at the session layer.
type resourceID struct{ next uint32 }

func (g *resourceID) allocate() uint32 {
	g.next++
	return g.next
}

// terminalEntry is the session-local view of a created Terminal: the
// endpoint object plus which Monitor* requests are currently outstanding
// against it (AlreadyMonitoring is enforced per terminal, per monitor
// kind).
type terminalEntry struct {
	id       uint32
	terminal *endpoint.Terminal

	monitoringBuiltinBinding bool
	monitoringSubscription   bool
	monitoringPublish        bool
	monitoringScatter        bool

	bindings map[uint32]*bindingEntry
}

type bindingEntry struct {
	id         uint32
	binding    *endpoint.Binding
	owner      *terminalEntry
	monitoring bool
}

type operationEntry struct {
	id        uint32
	operation *endpoint.Operation
	owner     *terminalEntry
}
