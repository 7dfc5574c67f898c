package endpoint

import "golang.org/x/net/trace"

// traceEnabled gates the x/net/trace event logs SPEC_FULL.md §3 describes
// ("every terminal records a trace span ... for binding/subscription
// transitions and scatter-gather fan-out"), grounded on gazette's addTrace
// idiom (consumer/service.go) but generalized from a context-carried
// *trace.Trace to a per-binding/per-operation *trace.EventLog, since YOGI's
// completion-handler API has no per-call context.Context to hang a trace
// off of. Off by default: enabling it registers render state with the
// golang.org/x/net/trace package for the life of the process, which tests
// and most embeddings have no use for.
var traceEnabled = false

// EnableTrace turns x/net/trace event logging on or off for every
// Binding/Operation created after the call. Intended to be toggled once at
// process startup (see the process package), not per test.
func EnableTrace(enabled bool) { traceEnabled = enabled }

func newEventLog(family, title string) *trace.EventLog {
	if !traceEnabled {
		return nil
	}
	return trace.NewEventLog(family, title)
}

func traceLog(el *trace.EventLog, format string, args ...interface{}) {
	if el != nil {
		el.Printf(format, args...)
	}
}

func traceErr(el *trace.EventLog, format string, args ...interface{}) {
	if el != nil {
		el.Errorf(format, args...)
	}
}

func traceFinish(el *trace.EventLog) {
	if el != nil {
		el.Finish()
	}
}
