// Package endpoint implements the fourteen-variant terminal model, the
// implicit/explicit binding state machine, the scatter-gather operation
// multiplexer, and the Leaf/Node endpoint types of spec.md §3/§4.
//
// Terminal, Binding and Operation are kept in a flat, u32-id-keyed arena
// per endpoint (remote links are keyed by their string link id) rather than
// holding pointers to each other directly, exactly
// as spec.md's Design Notes ask ("avoid a Terminal -> Endpoint -> Binding
// reference cycle"). The arena and its single-mutex/observer-list shape are
// grounded on consumer/resolver.go's Resolver: one mutex protects a map of
// ids to local state, and change notifications are queued while the lock is
// held but invoked after it is released.
package endpoint

// Variant enumerates the fourteen terminal kinds of spec.md §3.
type Variant int

const (
	DeafMute Variant = iota
	PublishSubscribe
	CachedPublishSubscribe
	ScatterGather
	Producer
	Consumer
	CachedProducer
	CachedConsumer
	Master
	Slave
	CachedMaster
	CachedSlave
	Service
	Client
)

func (v Variant) String() string {
	switch v {
	case DeafMute:
		return "deaf-mute"
	case PublishSubscribe:
		return "publish-subscribe"
	case CachedPublishSubscribe:
		return "cached-publish-subscribe"
	case ScatterGather:
		return "scatter-gather"
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	case CachedProducer:
		return "cached-producer"
	case CachedConsumer:
		return "cached-consumer"
	case Master:
		return "master"
	case Slave:
		return "slave"
	case CachedMaster:
		return "cached-master"
	case CachedSlave:
		return "cached-slave"
	case Service:
		return "service"
	case Client:
		return "client"
	default:
		return "unknown"
	}
}

// Valid reports whether v is one of the fourteen defined variants, i.e. a
// terminal type byte a session peer can legally request on the wire.
func (v Variant) Valid() bool {
	return v >= DeafMute && v <= Client
}

// Cached reports whether v retains a last-sent message replayed once to a
// newly established counterpart (spec.md §3 Cached column).
func (v Variant) Cached() bool {
	switch v {
	case CachedPublishSubscribe, CachedProducer, CachedConsumer, CachedMaster, CachedSlave:
		return true
	default:
		return false
	}
}

// Primitive reports whether v is one of the first four variants, which
// expose the raw Binder/Subscribable/ScatterGather capabilities directly
// rather than through a fixed convenience pairing (spec.md §3).
func (v Variant) Primitive() bool {
	return v == DeafMute || v == PublishSubscribe || v == CachedPublishSubscribe || v == ScatterGather
}

// Subscribable reports whether v exposes subscription-state: the mirror of
// binding-state read from the sending side of a publish-like or
// scatter/request relationship (spec.md §4.3 "Subscribable capability").
func (v Variant) Subscribable() bool {
	switch v {
	case PublishSubscribe, CachedPublishSubscribe, ScatterGather,
		Producer, CachedProducer, Master, Slave, CachedMaster, CachedSlave, Client:
		return true
	default:
		return false
	}
}

// PublishLike reports whether v can originate a one-to-many payload via
// async_publish (spec.md §4.3).
func (v Variant) PublishLike() bool {
	switch v {
	case PublishSubscribe, CachedPublishSubscribe, Producer, CachedProducer, Master, CachedMaster, Slave, CachedSlave:
		return true
	default:
		return false
	}
}

// ScatterGatherLike reports whether v originates or answers multi-response
// operations (spec.md §4.3 Scatter-gather/Service-Client).
func (v Variant) ScatterGatherLike() bool {
	return v == ScatterGather || v == Service || v == Client
}

// CanRequest reports whether v may call async_scatter_gather / async_request.
// ScatterGather is self-paired and symmetric: a given terminal plays
// requester or responder depending which method is called, not its variant
// alone. Client is requester-only; Service is responder-only.
func (v Variant) CanRequest() bool {
	return v == ScatterGather || v == Client
}

// CanRespond reports whether v may call async_receive_scattered_message /
// async_receive_request.
func (v Variant) CanRespond() bool {
	return v == ScatterGather || v == Service
}

// Counterpart returns the variant a binding/announcement of v must match,
// per spec.md §3's "Paired with" column. Self-paired for the four
// self-matching primitives.
func (v Variant) Counterpart() Variant {
	switch v {
	case Producer:
		return Consumer
	case Consumer:
		return Producer
	case CachedProducer:
		return CachedConsumer
	case CachedConsumer:
		return CachedProducer
	case Master:
		return Slave
	case Slave:
		return Master
	case CachedMaster:
		return CachedSlave
	case CachedSlave:
		return CachedMaster
	case Service:
		return Client
	case Client:
		return Service
	default:
		return v // DeafMute, PublishSubscribe, CachedPublishSubscribe, ScatterGather: self-paired.
	}
}

// HasImplicitBinding reports whether v is auto-bound to its counterpart at
// its own name on creation (spec.md §3: every variant but Deaf-Mute is
// annotated "(implicit)" or a binder/receiver side of an implicit pairing;
// spec.md §4.4 states this explicitly for the ten convenience variants, and
// the three self-paired primitives share the same "(implicit)" annotation
// in the variant table). Deaf-Mute is the only variant requiring an
// explicit Binding(source, target_path) call.
func (v Variant) HasImplicitBinding() bool {
	return v != DeafMute
}
