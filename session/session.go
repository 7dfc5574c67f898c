package session

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/yerrors"
)

// ConnectionStatus is the session-visible state of one named outbound
// connection factory, backing the Connections/MonitorConnections requests.
type ConnectionStatus struct {
	Name   string
	Target string
	Open   bool
}

// ConnectionSupervisor is the narrow surface session needs from a hub's
// connection factories (e.g. connection.AutoConnectingTcpClient) to answer
// Connections/MonitorConnections requests without importing the connection
// package, keeping session decoupled the same way endpoint/connection are.
type ConnectionSupervisor interface {
	Status() ConnectionStatus
}

// Session is a hub process's binary framed façade onto a single Leaf
// (spec.md §4.6): "Each client owns one session, which in turn owns its own
// Leaf connected to the hub's Node." Modeled on consumer/service.go's
// Service (owns a Resolver plus a Loopback connection), here owning an
// endpoint.Leaf plus the raw byte stream instead of a gRPC server.
type Session struct {
	leaf       *endpoint.Leaf
	node       *endpoint.Node // for KnownTerminals-family introspection
	conn       io.ReadWriteCloser
	remoteAddr string
	metrics    sessionMetrics

	r *bufio.Reader
	w *bufio.Writer

	writeMu sync.Mutex

	mu              sync.Mutex
	ids             resourceID
	terminals       map[uint32]*terminalEntry
	bindingsByID    map[uint32]*bindingEntry
	operations      map[uint32]*operationEntry
	pendingScatter  map[scatterKey]*endpoint.ScatteredMessage
	monitoringKnown bool
	connections     map[string]ConnectionSupervisor
	closed          bool

	done chan struct{}
}

type scatterKey struct {
	terminalID  uint32
	operationID endpoint.OperationID
}

// New constructs a Session serving conn, backed by leaf for terminal
// creation and node (which may be nil, if this hub exposes no
// known-terminals introspection) for KnownTerminals-family requests.
func New(leaf *endpoint.Leaf, node *endpoint.Node, conn io.ReadWriteCloser, remoteAddr string, reg *metrics.Registry) *Session {
	return &Session{
		leaf:           leaf,
		node:           node,
		conn:           conn,
		remoteAddr:     remoteAddr,
		metrics:        newSessionMetrics(reg),
		r:              bufio.NewReader(conn),
		w:              bufio.NewWriter(conn),
		terminals:      make(map[uint32]*terminalEntry),
		bindingsByID:   make(map[uint32]*bindingEntry),
		operations:     make(map[uint32]*operationEntry),
		pendingScatter: make(map[scatterKey]*endpoint.ScatteredMessage),
		connections:    make(map[string]ConnectionSupervisor),
		done:           make(chan struct{}),
	}
}

// RegisterConnection exposes a named connection supervisor through the
// Connections/ConnectionFactories/MonitorConnections requests.
func (s *Session) RegisterConnection(name string, sup ConnectionSupervisor) {
	s.mu.Lock()
	s.connections[name] = sup
	s.mu.Unlock()
}

// Serve reads and dispatches requests until the connection closes or a
// fatal transport error occurs. It tears down every terminal this session
// created before returning.
func (s *Session) Serve() error {
	s.metrics.active.Inc()
	defer s.metrics.active.Dec()
	defer s.teardown()

	for {
		var reqType, err = s.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		s.metrics.requests.WithLabelValues(RequestType(reqType).String()).Inc()
		if dispatchErr := s.dispatch(RequestType(reqType)); dispatchErr != nil {
			s.metrics.errors.WithLabelValues(RequestType(reqType).String()).Inc()
			log.WithFields(log.Fields{"remote": s.remoteAddr, "request": RequestType(reqType), "err": dispatchErr}).Debug("session request failed")
			if !s.isRecoverable(dispatchErr) {
				return dispatchErr
			}
		}
	}
}

// isRecoverable reports whether dispatchErr already produced its own error
// response frame and parsing can continue, vs. a transport-level failure
// that must tear the session down.
func (s *Session) isRecoverable(err error) bool {
	_, ok := err.(transportError)
	return !ok
}

type transportError struct{ error }

func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var entries = make([]*terminalEntry, 0, len(s.terminals))
	for _, e := range s.terminals {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	close(s.done)
	for _, e := range entries {
		s.leaf.DestroyTerminal(e.terminal)
	}
	s.conn.Close()
}

func (s *Session) dispatch(reqType RequestType) error {
	switch reqType {
	case ReqVersion:
		return s.handleVersion()
	case ReqCurrentTime:
		return s.handleCurrentTime()
	case ReqClientAddress:
		return s.handleClientAddress()
	case ReqKnownTerminals:
		return s.handleKnownTerminals("")
	case ReqKnownTerminalsSubtree:
		return s.handleKnownTerminalsSubtree()
	case ReqFindKnownTerminals:
		return s.handleFindKnownTerminals()
	case ReqMonitorKnownTerminals:
		return s.handleMonitorKnownTerminals()
	case ReqConnectionFactories:
		return s.handleConnectionFactories()
	case ReqConnections:
		return s.handleConnections()
	case ReqMonitorConnections:
		return s.handleMonitorConnections()
	case ReqStartDnsLookup:
		return s.handleStartDnsLookup()
	case ReqCreateTerminal:
		return s.handleCreateTerminal()
	case ReqDestroyTerminal:
		return s.handleDestroyTerminal()
	case ReqCreateBinding:
		return s.handleCreateBinding()
	case ReqDestroyBinding:
		return s.handleDestroyBinding()
	case ReqMonitorBindingState:
		return s.handleMonitorBindingState()
	case ReqMonitorBuiltinBindingState:
		return s.handleMonitorBuiltinBindingState()
	case ReqMonitorSubscriptionState:
		return s.handleMonitorSubscriptionState()
	case ReqPublishMessage:
		return s.handlePublishMessage()
	case ReqMonitorReceivedPublishMessages:
		return s.handleMonitorReceivedPublishMessages()
	case ReqScatterGather:
		return s.handleScatterGather()
	case ReqMonitorReceivedScatterMessages:
		return s.handleMonitorReceivedScatterMessages()
	case ReqRespondToScatteredMessage:
		return s.handleRespondToScatteredMessage()
	case ReqIgnoreScatteredMessage:
		return s.handleIgnoreScatteredMessage()
	default:
		return s.writeSimple(RespInvalidRequest)
	}
}

// --- frame writers -----------------------------------------------------

func (s *Session) flushLocked() error {
	return s.w.Flush()
}

func (s *Session) writeSimple(rt ResponseType) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.w.WriteByte(byte(rt)); err != nil {
		return transportError{err}
	}
	return transportError{s.flushLocked()}
}

func (s *Session) writeApiError(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.w.WriteByte(byte(RespApiError)); err != nil {
		return transportError{err}
	}
	if err := writeCString(s.w, msg); err != nil {
		return transportError{err}
	}
	return transportError{s.flushLocked()}
}

func (s *Session) writeOKu32(id uint32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.w.WriteByte(byte(RespOK)); err != nil {
		return transportError{err}
	}
	if err := writeU32(s.w, id); err != nil {
		return transportError{err}
	}
	return transportError{s.flushLocked()}
}

// errToResponse maps an engine error into the matching synchronous
// response, writing it and returning nil (request handled) or a transport
// error if the write itself failed.
func (s *Session) errToResponse(err error) error {
	switch yerrors.KindOf(err) {
	case yerrors.InvalidVariant:
		return s.writeSimple(RespInvalidTerminalType)
	default:
		return s.writeApiError(err.Error())
	}
}

// --- simple introspection requests -------------------------------------

func (s *Session) handleVersion() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.w.WriteByte(byte(RespOK)); err != nil {
		return transportError{err}
	}
	if err := writeCString(s.w, ProtocolVersion); err != nil {
		return transportError{err}
	}
	return transportError{s.flushLocked()}
}

func (s *Session) handleCurrentTime() error {
	return s.writeOKu32(uint32(time.Now().Unix()))
}

func (s *Session) handleClientAddress() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.w.WriteByte(byte(RespOK)); err != nil {
		return transportError{err}
	}
	if err := writeCString(s.w, s.remoteAddr); err != nil {
		return transportError{err}
	}
	return transportError{s.flushLocked()}
}

func (s *Session) handleStartDnsLookup() error {
	var host, err = readCString(s.r)
	if err != nil {
		return transportError{err}
	}
	go func() {
		var addrs, lookupErr = net.LookupHost(host)
		if lookupErr != nil {
			s.writeApiError(lookupErr.Error())
			return
		}
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		s.w.WriteByte(byte(RespOK))
		writeU32(s.w, uint32(len(addrs)))
		for _, a := range addrs {
			writeCString(s.w, a)
		}
		s.flushLocked()
	}()
	return nil
}

// --- known-terminals introspection --------------------------------------

func (s *Session) handleKnownTerminals(prefix string) error {
	if s.node == nil {
		return s.writeApiError("this session's hub exposes no known-terminals set")
	}
	var known = s.node.GetKnownTerminals()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.w.WriteByte(byte(RespOK))
	var matched = make([]endpoint.KnownTerminalsChange, 0, len(known))
	for _, k := range known {
		if prefix == "" || len(k.Name) >= len(prefix) && k.Name[:len(prefix)] == prefix {
			matched = append(matched, k)
		}
	}
	writeU32(s.w, uint32(len(matched)))
	for _, k := range matched {
		s.w.WriteByte(byte(k.Variant))
		writeU32(s.w, k.Signature)
		writeCString(s.w, k.Name)
	}
	return transportError{s.flushLocked()}
}

func (s *Session) handleKnownTerminalsSubtree() error {
	var prefix, err = readCString(s.r)
	if err != nil {
		return transportError{err}
	}
	return s.handleKnownTerminals(prefix)
}

func (s *Session) handleFindKnownTerminals() error {
	var name, err = readCString(s.r)
	if err != nil {
		return transportError{err}
	}
	if s.node == nil {
		return s.writeApiError("this session's hub exposes no known-terminals set")
	}
	for _, k := range s.node.GetKnownTerminals() {
		if k.Name == name {
			s.writeMu.Lock()
			defer s.writeMu.Unlock()
			s.w.WriteByte(byte(RespOK))
			s.w.WriteByte(1)
			s.w.WriteByte(byte(k.Variant))
			writeU32(s.w, k.Signature)
			return transportError{s.flushLocked()}
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.w.WriteByte(byte(RespOK))
	s.w.WriteByte(0)
	return transportError{s.flushLocked()}
}

func (s *Session) handleMonitorKnownTerminals() error {
	if s.node == nil {
		return s.writeApiError("this session's hub exposes no known-terminals set")
	}
	s.mu.Lock()
	if s.monitoringKnown {
		s.mu.Unlock()
		return s.writeSimple(RespAlreadyMonitoring)
	}
	s.monitoringKnown = true
	s.mu.Unlock()

	// Register the first await before acknowledging: a change landing
	// between writing RespOK and a goroutine getting scheduled would
	// otherwise be lost.
	var fired = make(chan endpoint.KnownTerminalsChange, 1)
	var handle = s.node.AsyncAwaitKnownTerminalsChange(func(res endpoint.Result, c endpoint.KnownTerminalsChange) {
		if !res.Canceled {
			fired <- c
		}
	})

	if err := s.writeSimple(RespOK); err != nil {
		s.node.CancelAwaitKnownTerminalsChange(handle)
		return err
	}
	go s.pumpKnownTerminals(fired, handle)
	return nil
}

func (s *Session) pumpKnownTerminals(fired chan endpoint.KnownTerminalsChange, handle int) {
	for {
		select {
		case <-s.done:
			s.node.CancelAwaitKnownTerminalsChange(handle)
			return
		case change := <-fired:
			fired = make(chan endpoint.KnownTerminalsChange, 1)
			handle = s.node.AsyncAwaitKnownTerminalsChange(func(res endpoint.Result, c endpoint.KnownTerminalsChange) {
				if !res.Canceled {
					fired <- c
				}
			})
			s.writeMu.Lock()
			s.w.WriteByte(byte(RespKnownTerminalsChanged))
			if change.Added {
				s.w.WriteByte(1)
			} else {
				s.w.WriteByte(0)
			}
			s.w.WriteByte(byte(change.Variant))
			writeU32(s.w, change.Signature)
			writeCString(s.w, change.Name)
			s.flushLocked()
			s.writeMu.Unlock()
		}
	}
}

// --- connection introspection -------------------------------------------

func (s *Session) handleConnectionFactories() error { return s.writeConnectionList() }
func (s *Session) handleConnections() error         { return s.writeConnectionList() }

func (s *Session) writeConnectionList() error {
	s.mu.Lock()
	var list = make([]ConnectionStatus, 0, len(s.connections))
	for _, sup := range s.connections {
		list = append(list, sup.Status())
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.w.WriteByte(byte(RespOK))
	writeU32(s.w, uint32(len(list)))
	for _, c := range list {
		writeCString(s.w, c.Name)
		writeCString(s.w, c.Target)
		if c.Open {
			s.w.WriteByte(1)
		} else {
			s.w.WriteByte(0)
		}
	}
	return transportError{s.flushLocked()}
}

func (s *Session) handleMonitorConnections() error {
	if err := s.writeSimple(RespOK); err != nil {
		return err
	}
	go s.pumpConnections()
	return nil
}

func (s *Session) pumpConnections() {
	var last = map[string]bool{}
	var ticker = time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		var list = make([]ConnectionStatus, 0, len(s.connections))
		for _, sup := range s.connections {
			list = append(list, sup.Status())
		}
		s.mu.Unlock()

		for _, c := range list {
			if last[c.Name] == c.Open {
				continue
			}
			last[c.Name] = c.Open
			s.writeMu.Lock()
			s.w.WriteByte(byte(RespConnectionChanged))
			writeCString(s.w, c.Name)
			if c.Open {
				s.w.WriteByte(1)
			} else {
				s.w.WriteByte(0)
			}
			s.flushLocked()
			s.writeMu.Unlock()
		}
	}
}

// --- terminal lifecycle ---------------------------------------------------

func (s *Session) handleCreateTerminal() error {
	var variantByte, err = s.r.ReadByte()
	if err != nil {
		return transportError{err}
	}
	var signature uint32
	if signature, err = readU32(s.r); err != nil {
		return transportError{err}
	}
	var name string
	if name, err = readCString(s.r); err != nil {
		return transportError{err}
	}

	var resolved path.Path
	if resolved, err = path.New(name); err != nil {
		return s.writeApiError(errors.Wrap(err, "invalid terminal name").Error())
	}

	var t *endpoint.Terminal
	t, err = s.leaf.CreateTerminal(endpoint.Variant(variantByte), resolved, signature)
	if err != nil {
		return s.errToResponse(err)
	}

	s.mu.Lock()
	var id = s.ids.allocate()
	var entry = &terminalEntry{id: id, terminal: t, bindings: make(map[uint32]*bindingEntry)}
	s.terminals[id] = entry
	s.mu.Unlock()

	return s.writeOKu32(id)
}

func (s *Session) handleDestroyTerminal() error {
	var id, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var entry, ok = s.takeTerminal(id)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}
	s.leaf.DestroyTerminal(entry.terminal)
	return s.writeSimple(RespOK)
}

func (s *Session) takeTerminal(id uint32) (*terminalEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var e, ok = s.terminals[id]
	if ok {
		delete(s.terminals, id)
	}
	return e, ok
}

func (s *Session) lookupTerminal(id uint32) (*terminalEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var e, ok = s.terminals[id]
	return e, ok
}

// --- binding lifecycle -----------------------------------------------------

func (s *Session) handleCreateBinding() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var target string
	if target, err = readCString(s.r); err != nil {
		return transportError{err}
	}

	var entry, ok = s.lookupTerminal(terminalID)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}

	var resolved path.Path
	if resolved, err = path.New(target); err != nil {
		return s.writeApiError(errors.Wrap(err, "invalid binding target").Error())
	}

	var b *endpoint.Binding
	b, err = entry.terminal.CreateBinding(resolved)
	if err != nil {
		return s.errToResponse(err)
	}

	s.mu.Lock()
	var id = s.ids.allocate()
	var be = &bindingEntry{id: id, binding: b, owner: entry}
	s.bindingsByID[id] = be
	entry.bindings[id] = be
	s.mu.Unlock()

	return s.writeOKu32(id)
}

func (s *Session) handleDestroyBinding() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var bindingID uint32
	if bindingID, err = readU32(s.r); err != nil {
		return transportError{err}
	}

	var entry, ok = s.lookupTerminal(terminalID)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}

	s.mu.Lock()
	var be = s.bindingsByID[bindingID]
	s.mu.Unlock()
	if be == nil || be.owner != entry {
		return s.writeSimple(RespInvalidBindingId)
	}

	if err = entry.terminal.DestroyBinding(be.binding); err != nil {
		return s.errToResponse(err)
	}

	s.mu.Lock()
	delete(s.bindingsByID, bindingID)
	delete(entry.bindings, bindingID)
	s.mu.Unlock()

	return s.writeSimple(RespOK)
}

// --- state monitors ---------------------------------------------------------

func (s *Session) handleMonitorBindingState() error {
	var bindingID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	s.mu.Lock()
	var be = s.bindingsByID[bindingID]
	if be == nil {
		s.mu.Unlock()
		return s.writeSimple(RespInvalidBindingId)
	}
	if be.monitoring {
		s.mu.Unlock()
		return s.writeSimple(RespAlreadyMonitoring)
	}
	be.monitoring = true
	s.mu.Unlock()

	var done = make(chan endpoint.State, 1)
	var handle = be.binding.AsyncAwaitStateChange(stateDeliverer(done))

	if err = s.writeSimple(RespOK); err != nil {
		return err
	}
	go s.pumpBindingState(bindingID, be.binding, done, handle)
	return nil
}

// stateDeliverer adapts a StateHandler to push only real transitions into
// ch, dropping Canceled deliveries (the pump loop is already tearing down
// whenever a cancel fires).
func stateDeliverer(ch chan endpoint.State) endpoint.StateHandler {
	return func(res endpoint.Result, st endpoint.State) {
		if !res.Canceled {
			ch <- st
		}
	}
}

func (s *Session) pumpBindingState(bindingID uint32, b *endpoint.Binding, done chan endpoint.State, handle int) {
	for {
		select {
		case <-s.done:
			b.CancelAwaitStateChange(handle)
			return
		case st := <-done:
			done = make(chan endpoint.State, 1)
			handle = b.AsyncAwaitStateChange(stateDeliverer(done))
			s.writeMu.Lock()
			s.w.WriteByte(byte(RespBindingStateChanged))
			writeU32(s.w, bindingID)
			s.w.WriteByte(byte(st))
			s.flushLocked()
			s.writeMu.Unlock()
		}
	}
}

func (s *Session) handleMonitorBuiltinBindingState() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var entry, ok = s.lookupTerminal(terminalID)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}
	if entry.terminal.BuiltinBinding() == nil {
		return s.writeApiError("terminal has no implicit binding")
	}
	s.mu.Lock()
	if entry.monitoringBuiltinBinding {
		s.mu.Unlock()
		return s.writeSimple(RespAlreadyMonitoring)
	}
	entry.monitoringBuiltinBinding = true
	s.mu.Unlock()

	var b = entry.terminal.BuiltinBinding()
	var done = make(chan endpoint.State, 1)
	var handle = b.AsyncAwaitStateChange(stateDeliverer(done))

	if err = s.writeSimple(RespOK); err != nil {
		return err
	}
	go s.pumpBuiltinBindingState(terminalID, b, done, handle)
	return nil
}

func (s *Session) pumpBuiltinBindingState(terminalID uint32, b *endpoint.Binding, done chan endpoint.State, handle int) {
	for {
		select {
		case <-s.done:
			b.CancelAwaitStateChange(handle)
			return
		case st := <-done:
			done = make(chan endpoint.State, 1)
			handle = b.AsyncAwaitStateChange(stateDeliverer(done))
			s.writeMu.Lock()
			s.w.WriteByte(byte(RespBuiltinBindingStateChanged))
			writeU32(s.w, terminalID)
			s.w.WriteByte(byte(st))
			s.flushLocked()
			s.writeMu.Unlock()
		}
	}
}

func (s *Session) handleMonitorSubscriptionState() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var entry, ok = s.lookupTerminal(terminalID)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}
	s.mu.Lock()
	if entry.monitoringSubscription {
		s.mu.Unlock()
		return s.writeSimple(RespAlreadyMonitoring)
	}
	entry.monitoringSubscription = true
	s.mu.Unlock()

	var done = make(chan endpoint.State, 1)
	var handle int
	if handle, err = entry.terminal.AsyncAwaitSubscriptionStateChange(stateDeliverer(done)); err != nil {
		s.mu.Lock()
		entry.monitoringSubscription = false
		s.mu.Unlock()
		return s.errToResponse(err)
	}

	if err = s.writeSimple(RespOK); err != nil {
		return err
	}
	go s.pumpSubscriptionState(terminalID, entry.terminal, done, handle)
	return nil
}

func (s *Session) pumpSubscriptionState(terminalID uint32, t *endpoint.Terminal, done chan endpoint.State, handle int) {
	for {
		select {
		case <-s.done:
			if b := t.BuiltinBinding(); b != nil {
				b.CancelAwaitStateChange(handle)
			}
			return
		case st := <-done:
			done = make(chan endpoint.State, 1)
			var err error
			if handle, err = t.AsyncAwaitSubscriptionStateChange(stateDeliverer(done)); err != nil {
				return
			}
			s.writeMu.Lock()
			s.w.WriteByte(byte(RespSubscriptionStateChanged))
			writeU32(s.w, terminalID)
			s.w.WriteByte(byte(st))
			s.flushLocked()
			s.writeMu.Unlock()
		}
	}
}

// --- publish / receive -------------------------------------------------

func (s *Session) handlePublishMessage() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var payload []byte
	if payload, err = readBytes(s.r); err != nil {
		return transportError{err}
	}
	var entry, ok = s.lookupTerminal(terminalID)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}
	if err = entry.terminal.Publish(payload); err != nil {
		return s.errToResponse(err)
	}
	return s.writeSimple(RespOK)
}

func (s *Session) handleMonitorReceivedPublishMessages() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var entry, ok = s.lookupTerminal(terminalID)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}
	s.mu.Lock()
	if entry.monitoringPublish {
		s.mu.Unlock()
		return s.writeSimple(RespAlreadyMonitoring)
	}
	entry.monitoringPublish = true
	s.mu.Unlock()

	var done = make(chan []byte, 1)
	if err = entry.terminal.AsyncReceiveMessage(messageDeliverer(done)); err != nil {
		s.mu.Lock()
		entry.monitoringPublish = false
		s.mu.Unlock()
		return s.errToResponse(err)
	}

	if err = s.writeSimple(RespOK); err != nil {
		return err
	}

	if cached, cacheErr := entry.terminal.GetCachedMessage(); cacheErr == nil {
		s.writeMu.Lock()
		s.w.WriteByte(byte(RespCachedPublishedMessageReceived))
		writeU32(s.w, terminalID)
		writeBytes(s.w, cached)
		s.flushLocked()
		s.writeMu.Unlock()
	}

	go s.pumpReceivedMessages(terminalID, entry.terminal, done)
	return nil
}

// messageDeliverer adapts a MessageHandler to push only real arrivals into
// ch, dropping Canceled deliveries.
func messageDeliverer(ch chan []byte) endpoint.MessageHandler {
	return func(res endpoint.Result, payload []byte) {
		if !res.Canceled {
			ch <- payload
		}
	}
}

func (s *Session) pumpReceivedMessages(terminalID uint32, t *endpoint.Terminal, done chan []byte) {
	for {
		select {
		case <-s.done:
			t.CancelReceiveMessage()
			return
		case payload := <-done:
			done = make(chan []byte, 1)
			if err := t.AsyncReceiveMessage(messageDeliverer(done)); err != nil {
				return
			}
			s.writeMu.Lock()
			s.w.WriteByte(byte(RespPublishedMessageReceived))
			writeU32(s.w, terminalID)
			writeBytes(s.w, payload)
			s.flushLocked()
			s.writeMu.Unlock()
		}
	}
}

// --- scatter-gather ------------------------------------------------------

func (s *Session) handleScatterGather() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var payload []byte
	if payload, err = readBytes(s.r); err != nil {
		return transportError{err}
	}
	var entry, ok = s.lookupTerminal(terminalID)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}

	// op is assigned below; the handler only runs once ScatterGather has
	// posted to the terminal's Strand, which happens strictly after this
	// call returns, so the closure's reference to op is always valid by
	// the time it fires.
	var op *endpoint.Operation
	op, err = entry.terminal.ScatterGather(payload, func(result endpoint.GatherResult) endpoint.GatherVerdict {
		s.writeMu.Lock()
		s.w.WriteByte(byte(RespGatheredMessageReceived))
		writeU32(s.w, terminalID)
		writeU32(s.w, uint32(op.ID()))
		s.w.WriteByte(byte(result.Flags))
		writeBytes(s.w, result.Payload)
		s.flushLocked()
		s.writeMu.Unlock()
		return endpoint.Continue
	})
	if err != nil {
		return s.errToResponse(err)
	}

	s.mu.Lock()
	var id = s.ids.allocate()
	s.operations[id] = &operationEntry{id: id, operation: op, owner: entry}
	s.mu.Unlock()

	return s.writeOKu32(id)
}

func (s *Session) handleMonitorReceivedScatterMessages() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var entry, ok = s.lookupTerminal(terminalID)
	if !ok {
		return s.writeSimple(RespInvalidTerminalId)
	}
	s.mu.Lock()
	if entry.monitoringScatter {
		s.mu.Unlock()
		return s.writeSimple(RespAlreadyMonitoring)
	}
	entry.monitoringScatter = true
	s.mu.Unlock()

	var regErr = entry.terminal.RegisterReceiver(func(msg *endpoint.ScatteredMessage) {
		s.mu.Lock()
		s.pendingScatter[scatterKey{terminalID: terminalID, operationID: msg.OperationID}] = msg
		s.mu.Unlock()

		s.writeMu.Lock()
		s.w.WriteByte(byte(RespScatteredMessageReceived))
		writeU32(s.w, terminalID)
		writeU32(s.w, uint32(msg.OperationID))
		writeBytes(s.w, msg.Payload)
		s.flushLocked()
		s.writeMu.Unlock()
	})
	if regErr != nil {
		return s.errToResponse(regErr)
	}
	return s.writeSimple(RespOK)
}

func (s *Session) handleRespondToScatteredMessage() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var opID uint32
	if opID, err = readU32(s.r); err != nil {
		return transportError{err}
	}
	var payload []byte
	if payload, err = readBytes(s.r); err != nil {
		return transportError{err}
	}

	var msg, ok = s.takeScattered(terminalID, opID)
	if !ok {
		return s.writeSimple(RespInvalidOperationId)
	}
	if err = msg.Respond(payload); err != nil {
		return s.errToResponse(err)
	}
	return s.writeSimple(RespOK)
}

func (s *Session) handleIgnoreScatteredMessage() error {
	var terminalID, err = readU32(s.r)
	if err != nil {
		return transportError{err}
	}
	var opID uint32
	if opID, err = readU32(s.r); err != nil {
		return transportError{err}
	}
	var msg, ok = s.takeScattered(terminalID, opID)
	if !ok {
		return s.writeSimple(RespInvalidOperationId)
	}
	msg.Ignore()
	return s.writeSimple(RespOK)
}

func (s *Session) takeScattered(terminalID, opID uint32) (*endpoint.ScatteredMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key = scatterKey{terminalID: terminalID, operationID: endpoint.OperationID(opID)}
	var msg, ok = s.pendingScatter[key]
	if ok {
		delete(s.pendingScatter, key)
	}
	return msg, ok
}
