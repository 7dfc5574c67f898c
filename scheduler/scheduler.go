// Package scheduler implements the bounded worker pool of spec.md §4.1: a
// single handle type used by every other engine component to run completion
// handlers, with per-object ("strand") serialization and cross-object
// parallelism (spec.md §5).
//
// The design generalizes the teacher's task.Group supervision idiom
// (consumer/service.go QueueTasks: a fixed set of named goroutines draining
// until a shared context is cancelled) into a resizable fixed-worker pool
// that drains a shared, unbounded work queue instead of one goroutine per
// task. Per-owner serialization is implemented with per-Strand FIFO queues,
// matching the "handlers for the same terminal instance are serialized"
// requirement of spec.md §5.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
	"go.yogi.dev/core/metrics"
)

// Handler is a queued unit of work. It must not block indefinitely; blocking
// handlers stall their Strand (spec.md §5: "No user callback is invoked
// while [the endpoint] lock is held" and "callbacks never stall the
// transport" — the same discipline applies to the scheduler itself).
type Handler func()

// Scheduler is the bounded thread pool described by spec.md §4.1. There is
// no implicit global instance (spec.md: "No implicit global scheduler");
// every Endpoint must be constructed with one explicitly.
type Scheduler struct {
	mu      sync.Mutex
	size    int
	workers []chan struct{} // closed to signal a worker to exit
	queue   chan queuedTask
	wg      sync.WaitGroup
	pending sync.WaitGroup // outstanding dispatch tokens, for a clean Stop drain

	metrics schedulerMetrics
	global  *Strand // serialization domain used by Scheduler.Post
}

type queuedTask struct {
	strand *Strand
}

type schedulerMetrics struct {
	queued  prometheus.Gauge
	running prometheus.Gauge
	latency prometheus.Histogram
	poolSz  prometheus.Gauge
}

func newMetrics(reg *metrics.Registry, name string) schedulerMetrics {
	var labels = prometheus.Labels{"scheduler": name}
	return schedulerMetrics{
		queued: reg.NewGauge(prometheus.GaugeOpts{
			Name:        "yogi_scheduler_queued_handlers",
			Help:        "Number of handlers currently queued awaiting a worker.",
			ConstLabels: labels,
		}),
		running: reg.NewGauge(prometheus.GaugeOpts{
			Name:        "yogi_scheduler_running_handlers",
			Help:        "Number of handlers currently executing.",
			ConstLabels: labels,
		}),
		latency: reg.NewHistogram(prometheus.HistogramOpts{
			Name:        "yogi_scheduler_handler_seconds",
			Help:        "Handler execution latency in seconds.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		poolSz: reg.NewGauge(prometheus.GaugeOpts{
			Name:        "yogi_scheduler_pool_size",
			Help:        "Configured worker pool size.",
			ConstLabels: labels,
		}),
	}
}

// MaxPoolSize bounds a single Scheduler's worker count, matching the
// "platform-max" ceiling referenced by spec.md §4.1.
const MaxPoolSize = 1 << 14

// New constructs a Scheduler with an initial pool of size n, n ∈ [1, MaxPoolSize].
// reg is the Registry metrics are registered against (use metrics.NewRegistry()
// for a process, or a fresh one per test to avoid collector collisions). name
// distinguishes this Scheduler's metrics from any others sharing reg.
func New(reg *metrics.Registry, name string, n int) (*Scheduler, error) {
	if n < 1 || n > MaxPoolSize {
		return nil, errors.Errorf("thread pool size %d out of range [1, %d]", n, MaxPoolSize)
	}
	var s = &Scheduler{
		queue:   make(chan queuedTask, 4096),
		metrics: newMetrics(reg, name),
	}
	s.global = &Strand{sched: s}
	s.resizeLocked(n)
	return s, nil
}

// SetThreadPoolSize resizes the pool to n workers, n ∈ [1, MaxPoolSize].
// Resizing is safe at any time; shrinking waits for excess workers to
// quiesce their current handler before exiting, never interrupting one
// mid-flight.
func (s *Scheduler) SetThreadPoolSize(n int) error {
	if n < 1 || n > MaxPoolSize {
		return errors.Errorf("thread pool size %d out of range [1, %d]", n, MaxPoolSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizeLocked(n)
	return nil
}

func (s *Scheduler) resizeLocked(n int) {
	for len(s.workers) < n {
		var stop = make(chan struct{})
		s.workers = append(s.workers, stop)
		s.wg.Add(1)
		go s.runWorker(stop)
	}
	for len(s.workers) > n {
		var last = s.workers[len(s.workers)-1]
		s.workers = s.workers[:len(s.workers)-1]
		close(last)
	}
	s.size = n
	s.metrics.poolSz.Set(float64(n))
}

func (s *Scheduler) runWorker(stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stop:
			return
		case t := <-s.queue:
			s.metrics.queued.Dec()
			t.strand.runOne(&s.metrics)
			s.pending.Done()
		}
	}
}

// Post enqueues fn to run on the Scheduler for work with no associated
// owning object. Such handlers share a single Strand and therefore run
// serialized with respect to each other, in submission order.
func (s *Scheduler) Post(fn Handler) {
	s.global.Post(fn)
}

// Strand is a single-threaded serialization domain bound to one owning
// engine object (a Terminal, Binding, or Connection instance), per spec.md
// §5: "Handlers targeting the same terminal, binding, or connection are
// serialized; handlers across different objects run concurrently up to the
// pool size." It is implemented as a private FIFO drained by the owning
// Scheduler's workers, so one Strand never occupies more than one worker at
// a time, while distinct Strands run fully in parallel.
type Strand struct {
	sched *Scheduler
	mu    sync.Mutex
	q     []Handler
	busy  bool
}

// NewStrand returns a Strand bound to s. Every Terminal and every Node
// constructs one Strand at creation; a terminal's bindings and operations
// share its Strand, and connections construct none.
func (s *Scheduler) NewStrand() *Strand {
	return &Strand{sched: s}
}

// Post enqueues fn to run on this Strand. If the Strand is idle, fn is
// handed directly to the Scheduler queue; if busy, fn is appended and will
// run immediately after the handler currently in flight (or queued ahead of
// it) completes — never concurrently with another handler of this Strand.
func (st *Strand) Post(fn Handler) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.q = append(st.q, fn)
	if !st.busy {
		st.busy = true
		st.dispatchLocked()
	}
}

func (st *Strand) dispatchLocked() {
	st.sched.metrics.queued.Inc()
	st.sched.pending.Add(1)
	st.sched.queue <- queuedTask{strand: st}
}

// runOne is invoked by a worker holding one queue slot for this Strand. It
// pops and executes exactly one queued Handler, then re-enqueues itself if
// more work remains, preserving strict FIFO per-Strand ordering without
// ever running two of the Strand's handlers concurrently.
func (st *Strand) runOne(m *schedulerMetrics) {
	st.mu.Lock()
	if len(st.q) == 0 {
		st.busy = false
		st.mu.Unlock()
		return
	}
	var fn = st.q[0]
	st.q = st.q[1:]
	st.mu.Unlock()

	m.running.Inc()
	var timer = prometheus.NewTimer(m.latency)
	func() {
		defer func() {
			timer.ObserveDuration()
			m.running.Dec()
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("scheduler handler panicked")
			}
		}()
		fn()
	}()

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.q) > 0 {
		st.dispatchLocked()
	} else {
		st.busy = false
	}
}

// Stop blocks until all currently enqueued handlers across every Strand
// have drained, then shuts the pool down. Stop is typically invoked by the
// owning Endpoint's destructor path. New work posted concurrently with Stop
// is not guaranteed to drain before Stop returns.
func (s *Scheduler) Stop(ctx context.Context) error {
	var drained = make(chan struct{})
	go func() { s.pending.Wait(); close(drained) }()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}

	s.mu.Lock()
	var workers = s.workers
	s.workers = nil
	s.mu.Unlock()

	for _, w := range workers {
		close(w)
	}
	var done = make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}
