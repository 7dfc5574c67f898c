package endpoint

import "sync/atomic"

// TerminalID is an endpoint-local, monotonic, never-reused terminal handle
// (spec.md Design Notes: "a flat u32-id-keyed registry"). BindingID and
// OperationID follow the same shape.
type TerminalID uint32
type BindingID uint32
type OperationID uint32

// idGen is a lock-free monotonic counter grounded on go.uber.org/atomic's
// use in pinecone/router/peer.go for connection sequence numbers.
type idGen struct{ n uint32 }

func (g *idGen) next() uint32 { return atomic.AddUint32(&g.n, 1) }
