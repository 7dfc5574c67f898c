package endpoint

// Result is delivered as the first argument to every asynchronous handler
// (spec.md §7: "asynchronous handlers receive a Result whose sign
// distinguishes success from failure"). The engine never silently drops a
// handler: every async_* call results in exactly one handler invocation,
// either with Success or, if withdrawn via a cancel_* call or implicitly by
// destroying the object it was registered on, with Canceled.
type Result struct {
	Canceled bool
}

// Success is delivered to a handler that fired because the awaited event
// actually occurred.
var Success = Result{}

// Canceled is delivered to a handler withdrawn by its matching cancel_* call
// or by destruction of the object it was registered on (spec.md §8
// "cancellation totality").
var Canceled = Result{Canceled: true}
