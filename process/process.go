// Package process implements the process-scope "interface" singleton of
// spec.md §9 Design Notes and the Process/* observable terminal tree of
// spec.md §6: "A process-scope 'interface' singleton owns the process's
// unique Node, its Scheduler, and the Process/* observable terminals. Model
// it as an explicit object created once at startup and threaded through;
// forbid implicit global access from tests."
//
// Grounded on consumer.NewService (go.gazette.dev/core/consumer/service.go)
// being constructed exactly once by a real main() and threaded through a
// task.Group: Process plays the same "single root object a process
// constructs once and hands everywhere" role, but for YOGI's
// Scheduler+Node+observable-terminal triple instead of a Resolver+Loopback
// pair.
package process

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/logging"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
	"go.yogi.dev/core/yerrors"
)

// Signature is the 32-bit payload-type fingerprint every Process/* terminal
// announces. Signatures are opaque and conventionally derived from a
// payload schema out of band (spec.md §3); every process-observable
// terminal shares this one fixed convention so a session client need only
// know one constant to interoperate with any of them.
const Signature uint32 = 0

// ConditionFunc reports whether one named operational condition currently
// holds. The conjunction of every registered condition drives the
// Process/Operational terminal.
type ConditionFunc func() bool

// Process bundles one Scheduler, one root Node, and the Process/* observable
// terminal tree of spec.md §6 into the single explicit object a hub process
// constructs at startup (cmd/yogihub's main) and threads through; there is
// no package-level instance.
type Process struct {
	sched    *scheduler.Scheduler
	node     *endpoint.Node
	reg      *metrics.Registry
	location path.Path

	stdoutSink *logging.Sink
	yogiSink   *logging.Sink

	operational *endpoint.Terminal
	errorsTerm  *endpoint.Terminal
	warningsTerm *endpoint.Terminal
	logTerm     *endpoint.Terminal

	stdoutMaxTerm *endpoint.Terminal
	yogiMaxTerm   *endpoint.Terminal

	mu              sync.Mutex
	conditions      map[string]ConditionFunc
	errors          map[string]string
	warnings        map[string]string
	componentTerms  map[string][2]*endpoint.Terminal // component -> [stdout, yogi] cached-masters
}

// New constructs a Process rooted at location (spec.md §6's yogi.location),
// with n worker threads in its Scheduler, reporting to reg, and feeding the
// given stdout/yogi logging sinks' verbosity from the Process/*Verbosity*
// cached-master terminals.
func New(reg *metrics.Registry, location path.Path, n int, stdoutSink, yogiSink *logging.Sink) (*Process, error) {
	var sched, err = scheduler.New(reg, "process", n)
	if err != nil {
		return nil, yerrors.Wrap(yerrors.BadConfiguration, err, "construct process scheduler")
	}

	var p = &Process{
		sched:          sched,
		node:           endpoint.NewNode(sched, reg, "process", location),
		reg:            reg,
		location:       location,
		stdoutSink:     stdoutSink,
		yogiSink:       yogiSink,
		conditions:     make(map[string]ConditionFunc),
		errors:         make(map[string]string),
		warnings:       make(map[string]string),
		componentTerms: make(map[string][2]*endpoint.Terminal),
	}

	if err := p.createObservableTerminals(); err != nil {
		return nil, err
	}
	return p, nil
}

// Scheduler returns the process's single worker pool, the handle every
// other endpoint/connection constructed by the hub must share (spec.md
// §4.1: "No implicit global scheduler").
func (p *Process) Scheduler() *scheduler.Scheduler { return p.sched }

// Node returns the process's unique root Node, the mesh peer every inbound
// session Leaf and outbound AutoConnectingTcpClient attaches to.
func (p *Process) Node() *endpoint.Node { return p.node }

func (p *Process) createObservableTerminals() error {
	var err error
	if p.operational, err = p.node.CreateTerminal(endpoint.CachedProducer, path.MustNew("Process/Operational"), Signature); err != nil {
		return yerrors.Wrap(yerrors.BadConfiguration, err, "create Process/Operational")
	}
	if p.errorsTerm, err = p.node.CreateTerminal(endpoint.CachedProducer, path.MustNew("Process/Errors"), Signature); err != nil {
		return yerrors.Wrap(yerrors.BadConfiguration, err, "create Process/Errors")
	}
	if p.warningsTerm, err = p.node.CreateTerminal(endpoint.CachedProducer, path.MustNew("Process/Warnings"), Signature); err != nil {
		return yerrors.Wrap(yerrors.BadConfiguration, err, "create Process/Warnings")
	}
	if p.logTerm, err = p.node.CreateTerminal(endpoint.Producer, path.MustNew("Process/Log"), Signature); err != nil {
		return yerrors.Wrap(yerrors.BadConfiguration, err, "create Process/Log")
	}

	if err := p.publishOperational(true); err != nil {
		return err
	}
	if err := p.publishAnomalies(p.errorsTerm, nil); err != nil {
		return err
	}
	if err := p.publishAnomalies(p.warningsTerm, nil); err != nil {
		return err
	}

	if p.stdoutSink != nil {
		var t, verr = p.newVerbosityMaster("Process/Standard Output Log Verbosity/Max Verbosity", p.stdoutSink, "")
		if verr != nil {
			return verr
		}
		p.stdoutMaxTerm = t
	}
	if p.yogiSink != nil {
		var t, verr = p.newVerbosityMaster("Process/YOGI Log Verbosity/Max Verbosity", p.yogiSink, "")
		if verr != nil {
			return verr
		}
		p.yogiMaxTerm = t
	}
	return nil
}

// RegisterCondition adds a named operational condition. Operational
// re-evaluates immediately; call Reevaluate again whenever the external
// state fn reads changes, since fn is a pull-based check (spec.md §6) with
// no push/observer contract of its own.
func (p *Process) RegisterCondition(name string, fn ConditionFunc) {
	p.mu.Lock()
	p.conditions[name] = fn
	p.mu.Unlock()
	p.Reevaluate()
}

// UnregisterCondition removes a previously registered condition.
func (p *Process) UnregisterCondition(name string) {
	p.mu.Lock()
	delete(p.conditions, name)
	p.mu.Unlock()
	p.Reevaluate()
}

// Reevaluate recomputes Process/Operational as the conjunction of every
// registered condition (vacuously true with none registered) and publishes
// the result, whether or not it changed.
func (p *Process) Reevaluate() {
	p.mu.Lock()
	var all = true
	for _, fn := range p.conditions {
		if !fn() {
			all = false
			break
		}
	}
	p.mu.Unlock()
	_ = p.publishOperational(all)
}

func (p *Process) publishOperational(v bool) error {
	var payload, err = json.Marshal(v)
	if err != nil {
		return yerrors.Wrap(yerrors.Unknown, err, "marshal Process/Operational")
	}
	return p.operational.Publish(payload)
}

// SetError records name as an active error-level anomaly with the given
// message, republishing Process/Errors.
func (p *Process) SetError(name, message string) error { return p.setAnomaly(true, name, message) }

// ClearError withdraws a previously set error anomaly.
func (p *Process) ClearError(name string) error { return p.clearAnomaly(true, name) }

// SetWarning records name as an active warning-level anomaly.
func (p *Process) SetWarning(name, message string) error { return p.setAnomaly(false, name, message) }

// ClearWarning withdraws a previously set warning anomaly.
func (p *Process) ClearWarning(name string) error { return p.clearAnomaly(false, name) }

func (p *Process) setAnomaly(isError bool, name, message string) error {
	p.mu.Lock()
	var m = p.warnings
	if isError {
		m = p.errors
	}
	m[name] = message
	p.mu.Unlock()
	return p.republishAnomalies(isError)
}

func (p *Process) clearAnomaly(isError bool, name string) error {
	p.mu.Lock()
	var m = p.warnings
	if isError {
		m = p.errors
	}
	delete(m, name)
	p.mu.Unlock()
	return p.republishAnomalies(isError)
}

func (p *Process) republishAnomalies(isError bool) error {
	p.mu.Lock()
	var m = p.warnings
	var term = p.warningsTerm
	if isError {
		m = p.errors
		term = p.errorsTerm
	}
	var out = make([]string, 0, len(m))
	for _, msg := range m {
		out = append(out, msg)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return p.publishAnomalies(term, out)
}

func (p *Process) publishAnomalies(term *endpoint.Terminal, messages []string) error {
	var payload, err = json.Marshal(messages)
	if err != nil {
		return yerrors.Wrap(yerrors.Unknown, err, "marshal anomaly list")
	}
	return term.Publish(payload)
}

// logRecord is the wire shape of a Process/Log message: a timestamped
// message plus arbitrary structured metadata, JSON-encoded the way
// message/json_framing.go's JSONFraming line-delimits gazette messages,
// generalized here to a single self-contained payload per publish instead
// of a streamed sequence.
type logRecord struct {
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}

// LogHook returns a logrus.Hook that feeds Process/Log from every entry the
// logger passes to its hooks, wiring spec.md §6's `Log (producer of (message,
// json-metadata) pair with timestamp)` without process importing logrus's
// sink internals directly. The "yogi" sink's verbosity settings do not
// filter what it forwards.
func (p *Process) LogHook() *logging.ForwardHook {
	return logging.NewForwardHook(func(message string, fields log.Fields, at time.Time) {
		var meta, err = json.Marshal(fields)
		if err != nil {
			return
		}
		var rec = logRecord{Message: message, Metadata: meta, Timestamp: at}
		var payload, merr = json.Marshal(rec)
		if merr != nil {
			return
		}
		if perr := p.logTerm.Publish(payload); perr != nil {
			log.WithField("err", perr).Debug("dropped Process/Log publish")
		}
	})
}

// RegisterComponent creates the `.../Components/<component>` cached-master
// verbosity terminals for component under both sinks (spec.md §6), so a
// session client can independently raise or lower its logging.
func (p *Process) RegisterComponent(component string) error {
	p.mu.Lock()
	var _, exists = p.componentTerms[component]
	p.mu.Unlock()
	if exists {
		return nil
	}

	var pair [2]*endpoint.Terminal
	if p.stdoutSink != nil {
		var t, err = p.newVerbosityMaster("Process/Standard Output Log Verbosity/Components/"+component, p.stdoutSink, component)
		if err != nil {
			return err
		}
		pair[0] = t
	}
	if p.yogiSink != nil {
		var t, err = p.newVerbosityMaster("Process/YOGI Log Verbosity/Components/"+component, p.yogiSink, component)
		if err != nil {
			return err
		}
		pair[1] = t
	}

	p.mu.Lock()
	p.componentTerms[component] = pair
	p.mu.Unlock()
	return nil
}

// newVerbosityMaster creates a CachedMaster terminal at name that publishes
// the sink's currently effective level for component ("" meaning the
// sink-wide max), and arms a perpetual receive loop so a remote CachedSlave write
// live-adjusts that level (spec.md §6, resolved per
// original_source/yogi-cpp/tests/LoggingTest.cpp).
func (p *Process) newVerbosityMaster(name string, sink *logging.Sink, component string) (*endpoint.Terminal, error) {
	var t, err = p.node.CreateTerminal(endpoint.CachedMaster, path.MustNew(name), Signature)
	if err != nil {
		return nil, yerrors.Wrap(yerrors.BadConfiguration, err, "create %s", name)
	}

	var current = sink.MaxVerbosity()
	if component != "" {
		if l, ok := sink.ComponentVerbosity(component); ok {
			current = l
		}
	}
	if err := t.Publish([]byte(current.String())); err != nil {
		return nil, yerrors.Wrap(yerrors.Unknown, err, "publish initial verbosity for %s", name)
	}

	p.armVerbosityReceiver(t, sink, component)
	return t, nil
}

// armVerbosityReceiver re-registers a one-shot AsyncReceiveMessage handler
// after every firing, the same perpetual-re-registration shape
// session.go's Monitor*-family handlers use for their pump goroutines, here
// applied directly against a Terminal instead of a session resource table
// entry.
func (p *Process) armVerbosityReceiver(t *endpoint.Terminal, sink *logging.Sink, component string) {
	var handler endpoint.MessageHandler
	handler = func(res endpoint.Result, payload []byte) {
		if res.Canceled {
			return
		}
		var lvl, err = logging.ParseLevel(string(payload))
		if err != nil {
			log.WithFields(log.Fields{"terminal": t.Name().String(), "payload": string(payload)}).
				Warn("ignoring malformed log verbosity write")
		} else {
			if component == "" {
				sink.SetMaxVerbosity(lvl)
			} else {
				sink.SetComponentVerbosity(component, lvl)
			}
			if perr := t.Publish(payload); perr != nil {
				log.WithField("err", perr).Debug("failed to refresh verbosity cache")
			}
		}
		p.armVerbosityReceiver(t, sink, component)
	}
	if err := t.AsyncReceiveMessage(handler); err != nil {
		log.WithField("err", err).Error("failed to arm verbosity receiver")
	}
}
