package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink is one of spec.md §6's two logging destinations (`logging.stdout`,
// `logging.yogi`): a max-verbosity ceiling plus a per-component override
// map, installed as a logrus.Hook. Grounded on the teacher's
// `log "github.com/sirupsen/logrus"` usage throughout (broker/append_fsm.go,
// consumer/resolver.go) generalized into a reusable hook type, since the
// teacher itself only ever calls the package-level logrus functions and has
// no equivalent multi-sink/per-component-verbosity concept to copy from
// directly.
type Sink struct {
	name string
	out  io.Writer
	fmt  logrus.Formatter

	mu         sync.RWMutex
	max        Level
	components map[string]Level
}

// NewSink constructs a Sink named name (used only in error messages and
// logging.Sink.Name), writing formatted entries to out at or below max
// verbosity, with no per-component overrides yet.
func NewSink(name string, out io.Writer, max Level) *Sink {
	return &Sink{
		name:       name,
		out:        out,
		fmt:        &logrus.TextFormatter{FullTimestamp: true},
		max:        max,
		components: make(map[string]Level),
	}
}

// NewStdoutSink constructs the `logging.stdout` sink of spec.md §6.
func NewStdoutSink(max Level) *Sink { return NewSink("stdout", os.Stdout, max) }

// Name returns the sink's configuration-file key ("stdout" or "yogi").
func (s *Sink) Name() string { return s.name }

// MaxVerbosity returns the sink's current ceiling, absent any per-component
// override.
func (s *Sink) MaxVerbosity() Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max
}

// SetMaxVerbosity live-adjusts the sink's ceiling; this is the mechanism
// backing the `.../Max Verbosity` cached-master terminal of spec.md §6
// (see the process package).
func (s *Sink) SetMaxVerbosity(l Level) {
	s.mu.Lock()
	s.max = l
	s.mu.Unlock()
}

// ComponentVerbosity returns the override configured for component, if any.
func (s *Sink) ComponentVerbosity(component string) (Level, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var l, ok = s.components[component]
	return l, ok
}

// SetComponentVerbosity live-adjusts the ceiling for one named component,
// backing a `.../Components/<component>` cached-master terminal.
func (s *Sink) SetComponentVerbosity(component string, l Level) {
	s.mu.Lock()
	s.components[component] = l
	s.mu.Unlock()
}

// ClearComponentVerbosity removes component's override, reverting it to the
// sink's MaxVerbosity.
func (s *Sink) ClearComponentVerbosity(component string) {
	s.mu.Lock()
	delete(s.components, component)
	s.mu.Unlock()
}

// Levels satisfies logrus.Hook. Every level is returned unconditionally:
// component overrides are resolved per-entry inside Fire, since they can
// change at runtime (spec.md §6's LoggingTest.cpp scenario of a remote peer
// adjusting verbosity through a cached-master terminal) and logrus only
// consults Levels() once, at AddHook time.
func (s *Sink) Levels() []logrus.Level { return logrus.AllLevels }

// Fire satisfies logrus.Hook: it resolves the effective ceiling for entry's
// "component" field (falling back to the sink's MaxVerbosity), drops the
// entry if it is noisier than that ceiling, and otherwise writes it
// formatted to the sink's writer.
func (s *Sink) Fire(entry *logrus.Entry) error {
	var ceiling = s.effectiveCeiling(entry)
	if entry.Level > ceiling.logrusLevel() {
		return nil
	}
	var b, err = s.fmt.Format(entry)
	if err != nil {
		return err
	}
	_, err = s.out.Write(b)
	return err
}

func (s *Sink) effectiveCeiling(entry *logrus.Entry) Level {
	var component, ok = entry.Data["component"].(string)
	if !ok {
		return s.MaxVerbosity()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, has := s.components[component]; has {
		return l
	}
	return s.max
}

var _ logrus.Hook = (*Sink)(nil)
