package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
)

// MaxMethods is the handler capacity of a single dispatcher shard.
// Registering past it fails with ErrCapacityExceeded; the Expander is the
// sanctioned way to scale beyond one shard.
const MaxMethods = 256

// ShardState tracks the registration lifecycle of a shard.
type ShardState int

const (
	// StateEmpty means no descriptors have been registered.
	StateEmpty ShardState = iota

	// StateDirty means the registry changed since the last Bind; the
	// active plan (if any) still serves the previous snapshot.
	StateDirty

	// StateBound means the active plan reflects the current registry.
	StateBound
)

func (s ShardState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDirty:
		return "dirty"
	case StateBound:
		return "bound"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DispatchStats is a snapshot of a dispatcher's cumulative counters.
type DispatchStats struct {
	// Dispatched counts posted events.
	Dispatched uint64 `json:"dispatched"`

	// Invoked counts handler invocations.
	Invoked uint64 `json:"invoked"`

	// Filtered counts handler skips caused by a filter returning false.
	Filtered uint64 `json:"filtered"`

	// Cancelled counts posts that ended with the event cancelled.
	Cancelled uint64 `json:"cancelled"`

	// Errors counts failures recovered from handlers, filters, and
	// enable checks.
	Errors uint64 `json:"errors"`
}

func (s DispatchStats) add(o DispatchStats) DispatchStats {
	return DispatchStats{
		Dispatched: s.Dispatched + o.Dispatched,
		Invoked:    s.Invoked + o.Invoked,
		Filtered:   s.Filtered + o.Filtered,
		Cancelled:  s.Cancelled + o.Cancelled,
		Errors:     s.Errors + o.Errors,
	}
}

// RegistrySnapshot is a read-only view of a shard's registered
// descriptors, for inspection and monitoring.
type RegistrySnapshot struct {
	// Descriptors lists all registered descriptors: exact-type buckets
	// in registration order, then variant-accepting descriptors.
	Descriptors []*HandlerDescriptor

	// ByType counts descriptors per exact event type.
	ByType map[reflect.Type]int

	// Variants counts variant-accepting descriptors.
	Variants int

	// State is the shard's lifecycle state at snapshot time.
	State ShardState
}

// DispatcherShard owns a capacity-limited handler registry and the
// specialized dispatch plan compiled from it.
//
// Registration, binding, and posting are single-threaded: callers
// coordinate externally (the async bus gives each worker a private
// shard for exactly this reason). The cumulative counters are atomic so
// metrics exporters can read them from other goroutines.
type DispatcherShard struct {
	config  *Config
	logger  Logger
	subject *subject
	source  string

	buckets     map[reflect.Type][]*HandlerDescriptor
	bucketOrder []reflect.Type
	variants    []*HandlerDescriptor
	count       int
	state       ShardState
	capacity    int

	plan *dispatchPlan

	dispatched atomic.Uint64
	invoked    atomic.Uint64
	filtered   atomic.Uint64
	cancelled  atomic.Uint64
	errors     atomic.Uint64
}

// NewDispatcherShard creates an empty shard with capacity MaxMethods.
func NewDispatcherShard(opts ...Option) *DispatcherShard {
	o := applyOptions(opts)
	return newShard(o.config, o.logger, o.subject)
}

func newShard(cfg *Config, logger Logger, subj *subject) *DispatcherShard {
	return &DispatcherShard{
		config:   cfg,
		logger:   logger,
		subject:  subj,
		source:   "dispatch-shard",
		buckets:  make(map[reflect.Type][]*HandlerDescriptor),
		capacity: MaxMethods,
	}
}

// clone creates an empty shard sharing this shard's configuration,
// logger, and observer registry.
func (s *DispatcherShard) clone() *DispatcherShard {
	return newShard(s.config, s.logger, s.subject)
}

// State returns the shard's lifecycle state.
func (s *DispatcherShard) State() ShardState { return s.state }

// Len returns the number of registered descriptors.
func (s *DispatcherShard) Len() int { return s.count }

// Register appends a descriptor to the registry. The change takes effect
// on the next Bind. Fails with ErrCapacityExceeded when the shard is at
// capacity.
func (s *DispatcherShard) Register(d *HandlerDescriptor) error {
	if d == nil {
		return ErrNilDescriptor
	}
	if s.count+1 > s.capacity {
		return fmt.Errorf("%w: %d registered, capacity %d", ErrCapacityExceeded, s.count, s.capacity)
	}

	if d.acceptVariants {
		s.variants = append(s.variants, d)
	} else {
		if _, ok := s.buckets[d.eventType]; !ok {
			s.bucketOrder = append(s.bucketOrder, d.eventType)
		}
		s.buckets[d.eventType] = append(s.buckets[d.eventType], d)
	}
	s.count++
	s.markDirty()

	s.subject.emit(context.Background(), EventTypeHandlerRegistered, s.source, map[string]any{
		"descriptor_id": d.id,
		"event_type":    d.eventType.String(),
		"priority":      d.priority,
		"variants":      d.acceptVariants,
	})
	return nil
}

// RegisterAll registers descriptors in order, stopping at the first
// failure.
func (s *DispatcherShard) RegisterAll(descriptors []*HandlerDescriptor) error {
	for _, d := range descriptors {
		if err := s.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterHandler analyzes a handler object and registers the resulting
// descriptors. Either all of the handler's descriptors are registered or
// none are: analysis failures and capacity overflow leave the registry
// untouched.
func (s *DispatcherShard) RegisterHandler(handler any) ([]*HandlerDescriptor, error) {
	descriptors, err := Analyze(handler)
	if err != nil {
		return nil, err
	}
	if s.count+len(descriptors) > s.capacity {
		return nil, fmt.Errorf("%w: %d registered + %d new, capacity %d",
			ErrCapacityExceeded, s.count, len(descriptors), s.capacity)
	}
	if err := s.RegisterAll(descriptors); err != nil {
		return nil, err
	}
	return descriptors, nil
}

// Unregister removes a descriptor by identity. Removing an unknown
// descriptor is a no-op. Takes effect on the next Bind.
func (s *DispatcherShard) Unregister(d *HandlerDescriptor) {
	if d == nil {
		return
	}
	before := s.count
	if d.acceptVariants {
		s.variants = removeDescriptor(s.variants, d, &s.count)
	} else if bucket, ok := s.buckets[d.eventType]; ok {
		s.buckets[d.eventType] = removeDescriptor(bucket, d, &s.count)
		if len(s.buckets[d.eventType]) == 0 {
			s.dropBucket(d.eventType)
		}
	}
	if s.count == before {
		return
	}
	s.markDirty()

	s.subject.emit(context.Background(), EventTypeHandlerUnregistered, s.source, map[string]any{
		"descriptor_id": d.id,
		"event_type":    d.eventType.String(),
	})
}

// UnregisterHandler removes every descriptor whose target has the same
// dynamic type as handler. Matching is by type, not identity: two handler
// instances of the same type unregister each other's methods.
func (s *DispatcherShard) UnregisterHandler(handler any) {
	if handler == nil {
		return
	}
	ht := reflect.TypeOf(handler)
	for _, d := range s.allDescriptors() {
		if reflect.TypeOf(d.target) == ht {
			s.Unregister(d)
		}
	}
}

// Clear empties the registry. The active plan keeps serving the previous
// snapshot until the next Bind.
func (s *DispatcherShard) Clear() {
	s.buckets = make(map[reflect.Type][]*HandlerDescriptor)
	s.bucketOrder = nil
	s.variants = nil
	s.count = 0
	s.markDirty()

	s.subject.emit(context.Background(), EventTypeRegistryCleared, s.source, nil)
}

// Bind snapshots the registry, sorts each bucket by priority descending
// (stable), assigns stable indexes, compiles the specialized plan, and
// installs it as the active dispatcher. Binding an empty registry
// succeeds and produces a plan that matches nothing.
func (s *DispatcherShard) Bind() error {
	plan := s.compilePlan()
	s.plan = plan
	s.state = StateBound

	s.subject.emit(context.Background(), EventTypePlanBound, s.source, map[string]any{
		"handlers": len(plan.handlers),
		"types":    len(plan.exact),
		"variants": len(plan.variants),
	})
	s.logger.Debug("Dispatch plan bound",
		"handlers", len(plan.handlers),
		"types", len(plan.exact),
		"variants", len(plan.variants))
	return nil
}

// Post routes the event through the active plan and returns it, possibly
// mutated or cancelled by handlers. Fails with ErrNotBound until the
// first successful Bind; after that the active plan is always the last
// bind's plan, even while the registry is dirty.
func (s *DispatcherShard) Post(e Event) (Event, error) {
	if e == nil {
		return nil, ErrNilEvent
	}
	if s.plan == nil {
		return e, ErrNotBound
	}

	s.dispatched.Add(1)
	s.plan.dispatch(e)
	if c, ok := e.(Cancellable); ok && c.IsCancelled() {
		s.cancelled.Add(1)
	}
	return e, nil
}

// Snapshot returns a read-only view of the current registry. The view is
// independent of the active plan: mutations since the last Bind are
// visible here but not in dispatching.
func (s *DispatcherShard) Snapshot() RegistrySnapshot {
	snap := RegistrySnapshot{
		ByType:   make(map[reflect.Type]int, len(s.buckets)),
		Variants: len(s.variants),
		State:    s.state,
	}
	snap.Descriptors = s.allDescriptors()
	for et, bucket := range s.buckets {
		snap.ByType[et] = len(bucket)
	}
	return snap
}

// Stats returns the shard's cumulative dispatch counters.
func (s *DispatcherShard) Stats() DispatchStats {
	return DispatchStats{
		Dispatched: s.dispatched.Load(),
		Invoked:    s.invoked.Load(),
		Filtered:   s.filtered.Load(),
		Cancelled:  s.cancelled.Load(),
		Errors:     s.errors.Load(),
	}
}

// allDescriptors returns all registered descriptors: buckets in
// registration order, then variants.
func (s *DispatcherShard) allDescriptors() []*HandlerDescriptor {
	all := make([]*HandlerDescriptor, 0, s.count)
	for _, et := range s.bucketOrder {
		all = append(all, s.buckets[et]...)
	}
	all = append(all, s.variants...)
	return all
}

func (s *DispatcherShard) markDirty() {
	if s.count == 0 && s.plan == nil {
		s.state = StateEmpty
		return
	}
	s.state = StateDirty
}

func (s *DispatcherShard) dropBucket(et reflect.Type) {
	delete(s.buckets, et)
	for i, t := range s.bucketOrder {
		if t == et {
			s.bucketOrder = append(s.bucketOrder[:i], s.bucketOrder[i+1:]...)
			break
		}
	}
}

func removeDescriptor(list []*HandlerDescriptor, d *HandlerDescriptor, count *int) []*HandlerDescriptor {
	for i, existing := range list {
		if existing == d {
			*count--
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// invokeHandler runs the descriptor's invocation with panic recovery.
func (s *DispatcherShard) invokeHandler(d *HandlerDescriptor, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.dispatchFailure(d, e, r)
		}
	}()
	s.invoked.Add(1)
	d.invoke(e)
}

// runFilter evaluates the descriptor's filter. A filter that panics is
// reported through the dispatch error mechanism and treated as rejecting.
func (s *DispatcherShard) runFilter(d *HandlerDescriptor, e Event) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.dispatchFailure(d, e, r)
			allowed = false
		}
	}()
	allowed = d.filter.Filter(e)
	if !allowed {
		s.filtered.Add(1)
	}
	return allowed
}

// checkEnabled consults the target's Enabled gate. ok is false when the
// gate panicked; the failure is reported and the handler skipped.
func (s *DispatcherShard) checkEnabled(d *HandlerDescriptor, e Event) (enabled, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.dispatchFailure(d, e, r)
			enabled, ok = false, false
		}
	}()
	return d.toggle.Enabled(), true
}

// dispatchFailure wraps a recovered failure in a DispatchErrorEvent and
// re-posts it through the same plan, once: a failure raised while
// dispatching a DispatchErrorEvent is logged and dropped to prevent
// loops.
func (s *DispatcherShard) dispatchFailure(d *HandlerDescriptor, e Event, cause any) {
	s.errors.Add(1)

	dispatchErr := &DispatchError{Cause: cause, Descriptor: d}
	s.logger.Error("Dispatch failure recovered",
		"method", d.Method(),
		"event_type", d.EventType().String(),
		"error", fmt.Sprint(cause))

	s.subject.emit(context.Background(), EventTypeDispatchError, s.source, map[string]any{
		"descriptor_id": d.id,
		"method":        d.method,
		"error":         fmt.Sprint(cause),
	})

	if _, isErrorEvent := e.(*DispatchErrorEvent); isErrorEvent {
		s.logger.Error("Error handler failed; dropping", "method", d.Method())
		return
	}

	s.plan.dispatch(&DispatchErrorEvent{Err: dispatchErr})
}
