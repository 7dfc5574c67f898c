// Package session implements the binary framed request/response façade of
// spec.md §4.6: a hub process exposes one Leaf per connected client as a
// Session, translating wire requests into calls against the endpoint
// package and wire notifications from endpoint/binding/operation state
// changes.
package session

// RequestType is the 1-byte discriminator leading every client request
// frame (spec.md §4.6). Enumerant order is part of the wire contract and
// must never change across versions; new request types are appended.
type RequestType byte

const (
	ReqVersion RequestType = iota + 1
	ReqCurrentTime
	ReqKnownTerminals
	ReqKnownTerminalsSubtree
	ReqFindKnownTerminals
	ReqMonitorKnownTerminals
	ReqConnectionFactories
	ReqConnections
	ReqMonitorConnections
	ReqClientAddress
	ReqStartDnsLookup
	ReqCreateTerminal
	ReqDestroyTerminal
	ReqCreateBinding
	ReqDestroyBinding
	ReqMonitorBindingState
	ReqMonitorBuiltinBindingState
	ReqMonitorSubscriptionState
	ReqPublishMessage
	ReqMonitorReceivedPublishMessages
	ReqScatterGather
	ReqMonitorReceivedScatterMessages
	ReqRespondToScatteredMessage
	ReqIgnoreScatteredMessage
)

func (t RequestType) String() string {
	switch t {
	case ReqVersion:
		return "Version"
	case ReqCurrentTime:
		return "CurrentTime"
	case ReqKnownTerminals:
		return "KnownTerminals"
	case ReqKnownTerminalsSubtree:
		return "KnownTerminalsSubtree"
	case ReqFindKnownTerminals:
		return "FindKnownTerminals"
	case ReqMonitorKnownTerminals:
		return "MonitorKnownTerminals"
	case ReqConnectionFactories:
		return "ConnectionFactories"
	case ReqConnections:
		return "Connections"
	case ReqMonitorConnections:
		return "MonitorConnections"
	case ReqClientAddress:
		return "ClientAddress"
	case ReqStartDnsLookup:
		return "StartDnsLookup"
	case ReqCreateTerminal:
		return "CreateTerminal"
	case ReqDestroyTerminal:
		return "DestroyTerminal"
	case ReqCreateBinding:
		return "CreateBinding"
	case ReqDestroyBinding:
		return "DestroyBinding"
	case ReqMonitorBindingState:
		return "MonitorBindingState"
	case ReqMonitorBuiltinBindingState:
		return "MonitorBuiltinBindingState"
	case ReqMonitorSubscriptionState:
		return "MonitorSubscriptionState"
	case ReqPublishMessage:
		return "PublishMessage"
	case ReqMonitorReceivedPublishMessages:
		return "MonitorReceivedPublishMessages"
	case ReqScatterGather:
		return "ScatterGather"
	case ReqMonitorReceivedScatterMessages:
		return "MonitorReceivedScatterMessages"
	case ReqRespondToScatteredMessage:
		return "RespondToScatteredMessage"
	case ReqIgnoreScatteredMessage:
		return "IgnoreScatteredMessage"
	default:
		return "Unknown"
	}
}

// ResponseType is the 1-byte discriminator leading every server response or
// notification frame.
type ResponseType byte

const (
	RespOK ResponseType = iota + 1
	RespInternalServerError
	RespInvalidRequest
	RespApiError
	RespAlreadyMonitoring
	RespInvalidTerminalId
	RespInvalidBindingId
	RespInvalidOperationId
	RespInvalidTerminalType

	RespConnectionChanged
	RespKnownTerminalsChanged
	RespBindingStateChanged
	RespBuiltinBindingStateChanged
	RespSubscriptionStateChanged
	RespPublishedMessageReceived
	RespCachedPublishedMessageReceived
	RespScatteredMessageReceived
	RespGatheredMessageReceived
)

func (t ResponseType) String() string {
	switch t {
	case RespOK:
		return "OK"
	case RespInternalServerError:
		return "InternalServerError"
	case RespInvalidRequest:
		return "InvalidRequest"
	case RespApiError:
		return "ApiError"
	case RespAlreadyMonitoring:
		return "AlreadyMonitoring"
	case RespInvalidTerminalId:
		return "InvalidTerminalId"
	case RespInvalidBindingId:
		return "InvalidBindingId"
	case RespInvalidOperationId:
		return "InvalidOperationId"
	case RespInvalidTerminalType:
		return "InvalidTerminalType"
	case RespConnectionChanged:
		return "ConnectionChanged"
	case RespKnownTerminalsChanged:
		return "KnownTerminalsChanged"
	case RespBindingStateChanged:
		return "BindingStateChanged"
	case RespBuiltinBindingStateChanged:
		return "BuiltinBindingStateChanged"
	case RespSubscriptionStateChanged:
		return "SubscriptionStateChanged"
	case RespPublishedMessageReceived:
		return "PublishedMessageReceived"
	case RespCachedPublishedMessageReceived:
		return "CachedPublishedMessageReceived"
	case RespScatteredMessageReceived:
		return "ScatteredMessageReceived"
	case RespGatheredMessageReceived:
		return "GatheredMessageReceived"
	default:
		return "Unknown"
	}
}

// ProtocolVersion identifies this session wire format to clients issuing a
// Version request.
const ProtocolVersion = "yogi-session/1"
