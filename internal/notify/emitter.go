package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink consumes alerts (file, webhook, etc.).
type Sink interface {
	Name() string
	Deliver(context.Context, *Alert) error
	Close(context.Context) error
}

// sinkCounters are per-sink delivery tallies, allocated once at construction
// so the hot path touches atomics only.
type sinkCounters struct {
	success atomic.Uint64
	failure atomic.Uint64
}

// Metrics is a point-in-time copy of the emitter's counters.
type Metrics struct {
	enqueued uint64
	dropped  uint64

	sinkSuccess map[string]uint64
	sinkFailure map[string]uint64
}

func (m Metrics) Enqueued() uint64               { return m.enqueued }
func (m Metrics) Dropped() uint64                { return m.dropped }
func (m Metrics) SinkSuccess(name string) uint64 { return m.sinkSuccess[name] }
func (m Metrics) SinkFailure(name string) uint64 { return m.sinkFailure[name] }

// Emitter buffers alerts and delivers them asynchronously. A full queue drops
// the alert rather than stalling mediation.
type Emitter struct {
	queue           chan *Alert
	sinks           []Sink
	shutdownTimeout time.Duration
	log             *zap.Logger

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	bySink   map[string]*sinkCounters

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// EmitterConfig controls queue and worker sizing.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
}

// NewEmitter starts background workers delivering to the given sinks.
func NewEmitter(cfg EmitterConfig, sinks []Sink, log *zap.Logger) *Emitter {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 2 * time.Second
	}

	em := &Emitter{
		queue:           make(chan *Alert, queueSize),
		sinks:           sinks,
		shutdownTimeout: shutdownTimeout,
		log:             log,
		bySink:          make(map[string]*sinkCounters, len(sinks)),
	}
	for _, s := range sinks {
		em.bySink[s.Name()] = &sinkCounters{}
	}
	for i := 0; i < workers; i++ {
		em.wg.Add(1)
		go em.worker()
	}
	return em
}

// Emit enqueues an alert without blocking.
func (e *Emitter) Emit(ctx context.Context, a *Alert) {
	if e == nil || a == nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.dropped.Add(1)
		return
	}

	select {
	case e.queue <- a:
		e.enqueued.Add(1)
	default:
		e.dropped.Add(1)
	}
}

// Close stops accepting alerts and waits briefly for the queue to drain.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
	}

	for _, s := range e.sinks {
		if err := s.Close(waitCtx); err != nil {
			e.log.Warn("alert sink close error", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
}

// MetricsSnapshot copies current counters.
func (e *Emitter) MetricsSnapshot() Metrics {
	out := Metrics{
		enqueued:    e.enqueued.Load(),
		dropped:     e.dropped.Load(),
		sinkSuccess: make(map[string]uint64, len(e.bySink)),
		sinkFailure: make(map[string]uint64, len(e.bySink)),
	}
	for name, c := range e.bySink {
		out.sinkSuccess[name] = c.success.Load()
		out.sinkFailure[name] = c.failure.Load()
	}
	return out
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for a := range e.queue {
		e.deliver(a)
	}
}

func (e *Emitter) deliver(a *Alert) {
	for _, s := range e.sinks {
		c := e.bySink[s.Name()]
		if err := s.Deliver(context.Background(), a); err != nil {
			e.log.Warn("alert delivery failed", zap.String("sink", s.Name()), zap.Error(err))
			c.failure.Add(1)
			continue
		}
		c.success.Add(1)
	}
}
