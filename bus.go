// Package dispatch provides an in-process event bus built around a
// specialized dispatcher: at bind time the registered handlers are
// compiled into a dispatch plan tailored to exactly that set, so posting
// an event walks a flat, branch-pruned routine instead of a generic loop.
//
// # Features
//
//   - Handler objects introspected into typed descriptors (On<Event>
//     subscriber methods, per-method priority/forced/variant/filter
//     metadata)
//   - Priority-ordered dispatch with per-handler filters and enable gates
//   - Cancellable events with short-circuit between invocations
//   - Exact-type matching with interface-variant fallback
//   - Multi-shard expander lifting the 256-handler shard capacity
//   - Asynchronous bus with worker-private plan snapshots and a
//     serialized feedback callback
//   - CloudEvents lifecycle notifications to registered observers
//   - Prometheus and Datadog StatsD exporters over dispatch counters
//
// # Usage
//
//	type OrderPlaced struct {
//	    dispatch.BaseEvent
//	    OrderID string
//	}
//
//	type OrderHandler struct{}
//
//	func (h *OrderHandler) OnOrderPlaced(e *OrderPlaced) {
//	    // ...
//	}
//
//	bus := dispatch.New()
//	if _, err := bus.RegisterHandler(&OrderHandler{}); err != nil {
//	    // ...
//	}
//	if err := bus.Bind(); err != nil {
//	    // ...
//	}
//	bus.Post(&OrderPlaced{OrderID: "42"})
//
// Registration and binding are single-threaded; callers coordinate
// externally. The async variant owns its worker lifecycle.
package dispatch

// dispatcher is the registry-and-post surface shared by a single shard
// and the multi-shard expander; the facade delegates to whichever the
// configuration selects.
type dispatcher interface {
	Register(d *HandlerDescriptor) error
	RegisterAll(descriptors []*HandlerDescriptor) error
	RegisterHandler(handler any) ([]*HandlerDescriptor, error)
	Unregister(d *HandlerDescriptor)
	UnregisterHandler(handler any)
	Clear()
	Bind() error
	Post(e Event) (Event, error)
	Snapshot() RegistrySnapshot
	Stats() DispatchStats
}

// options collects construction-time settings shared by Bus, AsyncBus,
// and standalone shards.
type options struct {
	config    *Config
	logger    Logger
	subject   *subject
	observers []pendingObserver
}

type pendingObserver struct {
	observer   Observer
	eventTypes []string
}

// Option configures bus construction.
type Option func(*options)

// WithConfig sets the bus configuration. A nil config keeps the default.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithLogger sets the structured logger. A nil logger keeps the default
// slog-backed one.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver registers an observer for lifecycle events, optionally
// filtered to the given event types.
func WithObserver(observer Observer, eventTypes ...string) Option {
	return func(o *options) {
		o.observers = append(o.observers, pendingObserver{observer: observer, eventTypes: eventTypes})
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		config: DefaultConfig(),
		logger: NewSlogLogger(nil),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.subject = newSubject(o.logger)
	for _, po := range o.observers {
		_ = o.subject.RegisterObserver(po.observer, po.eventTypes...)
	}
	return o
}

// Bus is the synchronous facade: a handler registry in front of either a
// single dispatcher shard or, when the configuration sets MaxPerShard, a
// multi-shard expander. Instance-scoped; create as many independent
// buses as needed.
type Bus struct {
	config  *Config
	logger  Logger
	subject *subject
	engine  dispatcher
}

// New creates a synchronous bus. With cfg.MaxPerShard > 0 the bus is
// backed by an expander and has no overall handler limit; otherwise a
// single shard with capacity MaxMethods serves it.
func New(opts ...Option) *Bus {
	o := applyOptions(opts)
	b := &Bus{
		config:  o.config,
		logger:  o.logger,
		subject: o.subject,
	}

	shard := newShard(o.config, o.logger, o.subject)
	if o.config.MaxPerShard > 0 {
		b.engine = NewExpander(shard, o.config.MaxPerShard)
	} else {
		b.engine = shard
	}
	return b
}

// Register appends a descriptor to the registry. Takes effect on the
// next Bind.
func (b *Bus) Register(d *HandlerDescriptor) error { return b.engine.Register(d) }

// RegisterAll registers descriptors in order, stopping at the first
// failure.
func (b *Bus) RegisterAll(descriptors []*HandlerDescriptor) error {
	return b.engine.RegisterAll(descriptors)
}

// RegisterHandler analyzes a handler object and registers the resulting
// descriptors, returning them.
func (b *Bus) RegisterHandler(handler any) ([]*HandlerDescriptor, error) {
	return b.engine.RegisterHandler(handler)
}

// Unregister removes a descriptor by identity.
func (b *Bus) Unregister(d *HandlerDescriptor) { b.engine.Unregister(d) }

// UnregisterHandler removes every descriptor whose target has the same
// dynamic type as handler.
func (b *Bus) UnregisterHandler(handler any) { b.engine.UnregisterHandler(handler) }

// Clear empties the registry.
func (b *Bus) Clear() { b.engine.Clear() }

// Bind compiles the current registry into the active dispatch plan.
func (b *Bus) Bind() error { return b.engine.Bind() }

// Post routes the event through the active plan and returns it, possibly
// mutated or cancelled by handlers.
func (b *Bus) Post(e Event) (Event, error) { return b.engine.Post(e) }

// Snapshot returns a read-only view of the registry.
func (b *Bus) Snapshot() RegistrySnapshot { return b.engine.Snapshot() }

// Stats returns the bus's cumulative dispatch counters.
func (b *Bus) Stats() DispatchStats { return b.engine.Stats() }

// RegisterObserver adds a lifecycle observer, optionally filtered to the
// given event types.
func (b *Bus) RegisterObserver(observer Observer, eventTypes ...string) error {
	return b.subject.RegisterObserver(observer, eventTypes...)
}

// UnregisterObserver removes a lifecycle observer. Idempotent.
func (b *Bus) UnregisterObserver(observer Observer) error {
	return b.subject.UnregisterObserver(observer)
}

// GetObservers returns information about registered observers.
func (b *Bus) GetObservers() []ObserverInfo { return b.subject.GetObservers() }
