package dispatch

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FeedbackHandler is called with each event after a worker has dispatched
// it. Invocation is serialized across all workers.
type FeedbackHandler func(e Event)

// AsyncBus wraps a dispatcher registry with a FIFO work queue and a pool
// of worker goroutines. Post enqueues and returns the unprocessed event
// immediately; callers that want the processed event use the feedback
// handler.
//
// Each worker owns a private shard built from the registry's descriptor
// set at the most recent Bind, so workers never share mutable handler
// tables. Rebinding installs a fresh snapshot per worker atomically from
// the worker's perspective: a worker dispatches each event entirely on
// one snapshot.
//
// Registration and binding follow the single-threaded caller contract of
// DispatcherShard; Post, StartWorkers, and StopWorkers are safe for
// concurrent use.
type AsyncBus struct {
	config  *Config
	logger  Logger
	subject *subject

	registry *DispatcherShard
	queue    chan Event
	bound    bool

	feedbackMu sync.Mutex
	feedback   FeedbackHandler

	mu      sync.Mutex
	workers []*asyncWorker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type asyncWorker struct {
	id    string
	bus   *AsyncBus
	shard atomic.Pointer[DispatcherShard]
}

// NewAsyncBus creates an async bus. Workers are not started; call
// StartWorkers after the first Bind.
func NewAsyncBus(opts ...Option) *AsyncBus {
	o := applyOptions(opts)
	registry := newShard(o.config, o.logger, o.subject)
	registry.source = "dispatch-async"
	return &AsyncBus{
		config:   o.config,
		logger:   o.logger,
		subject:  o.subject,
		registry: registry,
		queue:    make(chan Event, o.config.QueueCapacity),
	}
}

// Register appends a descriptor to the registry.
func (b *AsyncBus) Register(d *HandlerDescriptor) error {
	return b.registry.Register(d)
}

// RegisterAll registers descriptors in order.
func (b *AsyncBus) RegisterAll(descriptors []*HandlerDescriptor) error {
	return b.registry.RegisterAll(descriptors)
}

// RegisterHandler analyzes a handler object and registers the resulting
// descriptors.
func (b *AsyncBus) RegisterHandler(handler any) ([]*HandlerDescriptor, error) {
	return b.registry.RegisterHandler(handler)
}

// Unregister removes a descriptor by identity.
func (b *AsyncBus) Unregister(d *HandlerDescriptor) {
	b.registry.Unregister(d)
}

// UnregisterHandler removes every descriptor whose target has the same
// dynamic type as handler.
func (b *AsyncBus) UnregisterHandler(handler any) {
	b.registry.UnregisterHandler(handler)
}

// Clear empties the registry.
func (b *AsyncBus) Clear() {
	b.registry.Clear()
}

// Bind compiles the registry into a plan and rebuilds every running
// worker's private snapshot.
func (b *AsyncBus) Bind() error {
	if err := b.registry.Bind(); err != nil {
		return err
	}
	b.bound = true

	b.mu.Lock()
	workers := make([]*asyncWorker, len(b.workers))
	copy(workers, b.workers)
	b.mu.Unlock()

	for _, w := range workers {
		shard, err := b.buildWorkerShard()
		if err != nil {
			return err
		}
		w.shard.Store(shard)
	}
	return nil
}

// buildWorkerShard copies the registry's descriptor set into a fresh
// shard with its own compiled plan. Descriptors are immutable and shared;
// the handler tables and plan are private to the worker.
func (b *AsyncBus) buildWorkerShard() (*DispatcherShard, error) {
	shard := b.registry.clone()
	shard.source = "dispatch-async-worker"
	if err := shard.RegisterAll(b.registry.allDescriptors()); err != nil {
		return nil, err
	}
	if err := shard.Bind(); err != nil {
		return nil, err
	}
	return shard, nil
}

// Post enqueues the event and returns it unprocessed. Blocks only while
// the bounded queue is full. Fails with ErrNotBound until the first
// successful Bind. Events enqueued while no workers run wait in the
// queue; StopWorkers discards them.
func (b *AsyncBus) Post(e Event) (Event, error) {
	if e == nil {
		return nil, ErrNilEvent
	}
	if !b.bound {
		return e, ErrNotBound
	}
	b.queue <- e
	return e, nil
}

// SetFeedback installs the post-dispatch callback and returns the bus.
// Passing nil removes it.
func (b *AsyncBus) SetFeedback(fn FeedbackHandler) *AsyncBus {
	b.feedbackMu.Lock()
	b.feedback = fn
	b.feedbackMu.Unlock()
	return b
}

// StartWorkers launches the configured number of workers, each with a
// private snapshot of the registry. Fails with ErrNotBound before the
// first Bind and ErrWorkersRunning when already started.
func (b *AsyncBus) StartWorkers() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrWorkersRunning
	}
	if !b.bound {
		return ErrNotBound
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.workers = make([]*asyncWorker, 0, b.config.WorkerCount)
	for i := 0; i < b.config.WorkerCount; i++ {
		w := &asyncWorker{id: uuid.New().String(), bus: b}
		shard, err := b.buildWorkerShard()
		if err != nil {
			b.cancel()
			b.workers = nil
			return err
		}
		w.shard.Store(shard)
		b.workers = append(b.workers, w)
		b.wg.Add(1)
		go w.run(b.ctx)
	}
	b.running = true

	b.subject.emit(context.Background(), EventTypeWorkersStarted, "dispatch-async", map[string]any{
		"workers": b.config.WorkerCount,
	})
	b.logger.Info("Async bus workers started", "workers", b.config.WorkerCount)
	return nil
}

// StopWorkers stops and joins all workers, then discards events still in
// the queue. After it returns no further dispatch occurs. Callers that
// need the backlog processed drain it (wait for QueueDepth zero) first.
func (b *AsyncBus) StopWorkers() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrWorkersNotRunning
	}
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	b.running = false
	b.workers = nil
	b.mu.Unlock()

	// Discard the backlog.
	for {
		select {
		case <-b.queue:
		default:
			b.subject.emit(context.Background(), EventTypeWorkersStopped, "dispatch-async", nil)
			b.logger.Info("Async bus workers stopped")
			return nil
		}
	}
}

// Running reports whether workers are active.
func (b *AsyncBus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// QueueDepth returns the number of events waiting in the queue.
func (b *AsyncBus) QueueDepth() int { return len(b.queue) }

// Snapshot returns a read-only view of the registry.
func (b *AsyncBus) Snapshot() RegistrySnapshot { return b.registry.Snapshot() }

// Stats aggregates the counters of all current worker shards. Counters
// reset when workers are restarted and when Bind rebuilds the running
// workers' snapshots, since each new worker shard starts fresh.
func (b *AsyncBus) Stats() DispatchStats {
	b.mu.Lock()
	workers := make([]*asyncWorker, len(b.workers))
	copy(workers, b.workers)
	b.mu.Unlock()

	var total DispatchStats
	for _, w := range workers {
		if shard := w.shard.Load(); shard != nil {
			total = total.add(shard.Stats())
		}
	}
	return total
}

// CopyBus creates a bus with the same configuration, observers, and
// descriptor set, with fresh workers (not started). The copy is bound
// when the original was.
func (b *AsyncBus) CopyBus() (*AsyncBus, error) {
	nb := &AsyncBus{
		config:   b.config,
		logger:   b.logger,
		subject:  b.subject,
		registry: b.registry.clone(),
		queue:    make(chan Event, b.config.QueueCapacity),
	}
	nb.registry.source = "dispatch-async"
	if err := nb.registry.RegisterAll(b.registry.allDescriptors()); err != nil {
		return nil, err
	}
	b.feedbackMu.Lock()
	nb.feedback = b.feedback
	b.feedbackMu.Unlock()
	if b.bound {
		if err := nb.Bind(); err != nil {
			return nil, err
		}
	}
	return nb, nil
}

// RegisterObserver adds a lifecycle observer, optionally filtered to the
// given event types.
func (b *AsyncBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	return b.subject.RegisterObserver(observer, eventTypes...)
}

// UnregisterObserver removes a lifecycle observer. Idempotent.
func (b *AsyncBus) UnregisterObserver(observer Observer) error {
	return b.subject.UnregisterObserver(observer)
}

// GetObservers returns information about registered observers.
func (b *AsyncBus) GetObservers() []ObserverInfo { return b.subject.GetObservers() }

func (b *AsyncBus) feedbackHandler() FeedbackHandler {
	b.feedbackMu.Lock()
	defer b.feedbackMu.Unlock()
	return b.feedback
}

// run is the worker loop: dequeue one event, dispatch it on the private
// snapshot, fire feedback. In the default mode the worker parks on the
// queue and wakes on the idle tick to re-check shutdown; in manual
// management mode it polls without blocking.
func (w *asyncWorker) run(ctx context.Context) {
	defer w.bus.wg.Done()

	if w.bus.config.ManualManagement {
		w.spin(ctx)
		return
	}

	idle := w.bus.config.idleSleepDelay()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.bus.queue:
			w.process(e)
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)
	}
}

func (w *asyncWorker) spin(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case e := <-w.bus.queue:
			w.process(e)
		default:
			runtime.Gosched()
		}
	}
}

func (w *asyncWorker) process(e Event) {
	shard := w.shard.Load()
	processed, err := shard.Post(e)
	if err != nil {
		w.bus.logger.Error("Async dispatch failed", "worker", w.id, "error", err)
		return
	}
	if fn := w.bus.feedbackHandler(); fn != nil {
		w.bus.feedbackMu.Lock()
		fn(processed)
		w.bus.feedbackMu.Unlock()
	}
}
