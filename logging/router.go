package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to sink workers. Publish never blocks;
// events are dropped when the queue is full.
type Router struct {
	clock       Clock
	minSeverity Severity
	fields      map[string]any
	fallback    *log.Logger
	dropWarn    *rate.Sometimes

	// mu guards queue against Publish racing Close.
	mu     sync.RWMutex
	closed bool
	queue  chan Event

	workers []*sinkWorker
	group   errgroup.Group

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
}

// RouterStats reports router throughput for diagnostics.
type RouterStats struct {
	EventsTotal  uint64      `json:"eventsTotal"`
	DroppedTotal uint64      `json:"droppedTotal"`
	Sinks        []SinkStats `json:"sinks,omitempty"`
}

// SinkStats reports one sink worker.
type SinkStats struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	interval := cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	r := &Router{
		clock:       clock,
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
		fallback:    log.New(os.Stderr, "[logging] ", log.LstdFlags),
		dropWarn:    &rate.Sometimes{Interval: interval},
		queue:       make(chan Event, bufferSize),
	}

	workerBuffer := min(max(bufferSize, 32), 1024)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.workers = append(r.workers, &sinkWorker{
			name:     named.Name,
			sink:     named.Sink,
			events:   make(chan Event, workerBuffer),
			fallback: r.fallback,
		})
	}

	for _, worker := range r.workers {
		r.group.Go(func() error {
			worker.run()
			return nil
		})
	}
	r.group.Go(func() error {
		r.dispatch()
		return nil
	})
	return r, nil
}

// dispatch forwards queued events until Close closes the queue, then closes
// every worker so they drain their own backlog.
func (r *Router) dispatch() {
	for event := range r.queue {
		if event.Time.IsZero() {
			event.Time = r.clock.Now()
		}
		event = mergeFields(event, r.fields)
		r.eventsTotal.Add(1)
		for _, worker := range r.workers {
			worker.enqueue(event)
		}
	}
	for _, worker := range r.workers {
		close(worker.events)
	}
}

// Publish enqueues event unless it is untyped or below the minimum severity.
// The trace id of the span carried by ctx is attached when the event does
// not already have one.
func (r *Router) Publish(ctx context.Context, event Event) {
	if event.Type == "" || event.Severity < r.minSeverity {
		return
	}
	if event.TraceID == "" && ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.TraceID = sc.TraceID().String()
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.droppedTotal.Add(1)
		r.dropWarn.Do(func() {
			r.fallback.Printf("dropping event type=%s tick=%d (dropped=%d)", event.Type, event.Tick, r.droppedTotal.Load())
		})
	}
}

// Close stops accepting events, waits for every queued event to reach its
// sinks and then closes the sinks. Only the first call does any work.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.group.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.eventsTotal.Load(),
		DroppedTotal: r.droppedTotal.Load(),
	}
	for _, worker := range r.workers {
		stats.Sinks = append(stats.Sinks, SinkStats{
			Name:    worker.name,
			Written: worker.written.Load(),
			Failed:  worker.failed.Load(),
			Dropped: worker.dropped.Load(),
		})
	}
	return stats
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, worker := range r.workers {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		w.dropped.Add(1)
	}
}

// run writes events in order. After a failed write the worker backs off
// exponentially, capped at 32s, before the next write.
func (w *sinkWorker) run() {
	failures := 0
	for event := range w.events {
		if failures > 0 {
			time.Sleep(time.Duration(1<<min(failures, 5)) * time.Second)
		}
		if err := w.sink.Write(event); err != nil {
			failures++
			w.failed.Add(1)
			w.fallback.Printf("sink %s failed: %v (failures=%d)", w.name, err, failures)
			continue
		}
		failures = 0
		w.written.Add(1)
	}
}
