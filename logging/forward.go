package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Forwarder is invoked once per log entry the logger passes to its hooks,
// carrying enough to feed the `Process/Log` producer terminal of spec.md §6
// (message, structured metadata, timestamp).
type Forwarder func(message string, fields logrus.Fields, at time.Time)

// ForwardHook adapts a Forwarder into a logrus.Hook, used by process.Process
// to wire log entries into the Process/Log producer without the logging
// package importing endpoint (which would create an import cycle through
// process). It is a hook of its own, registered for every level; no Sink's
// verbosity settings filter what it forwards.
type ForwardHook struct {
	fn Forwarder
}

// NewForwardHook constructs a ForwardHook that calls fn for every entry.
func NewForwardHook(fn Forwarder) *ForwardHook { return &ForwardHook{fn: fn} }

// Levels satisfies logrus.Hook.
func (h *ForwardHook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire satisfies logrus.Hook.
func (h *ForwardHook) Fire(entry *logrus.Entry) error {
	h.fn(entry.Message, logrus.Fields(entry.Data), entry.Time)
	return nil
}

var _ logrus.Hook = (*ForwardHook)(nil)
