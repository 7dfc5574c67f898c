package endpoint

// Announcement is the name-tree delta exchanged between an endpoint and one
// peer connection (spec.md §4.5 "Announcement frames: add/remove tuples for
// terminals this side, or a forwarded downstream side, owns"). Terminals
// are addressed across the wire by name+variant+signature, never by the
// endpoint-local TerminalID, which has no meaning off-box.
type Announcement struct {
	Added     bool
	Variant   Variant
	Signature uint32
	Name      string
}

// WireKind discriminates the application-frame payloads exchanged once a
// binding has been established across a connection (spec.md §4.5 point 2).
type WireKind int

const (
	WirePublish WireKind = iota
	WireScatterRequest
	WireGatherResponse
)

// WireMessage is one application frame. OperationID is meaningful only for
// the scatter-gather kinds.
type WireMessage struct {
	Kind        WireKind
	Variant     Variant
	Signature   uint32
	Name        string
	OperationID OperationID
	Flags       GatherFlags
	Payload     []byte
}

// RemoteLink is the narrow interface a Connection implements so the
// endpoint core can reach it without importing the connection package
// (spec.md Design Notes: "connections reference peer terminals only by
// name+signature"). ID distinguishes links for outstanding-peer tracking in
// Operation and for loop-detection bookkeeping.
type RemoteLink interface {
	ID() string
	SendAnnouncement(Announcement)
	SendMessage(WireMessage)
}
