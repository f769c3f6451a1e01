package dispatch

import (
	"reflect"
	"sort"
)

// planStep is the specialized routine compiled for one descriptor. The
// cancellable view of the event is resolved once per dispatch and passed
// in. A false return means the event was observed cancelled and the rest
// of the matching chain must not run.
type planStep func(e Event, c Cancellable) bool

// variantEntry pairs a variant-accepting descriptor's interface type with
// its compiled step.
type variantEntry struct {
	eventType reflect.Type
	step      planStep
}

// dispatchPlan is the executable dispatch routine produced by Bind. It
// reflects the registry snapshot at bind time: exact-type buckets keyed
// by concrete event type, each a priority-ordered step chain, plus the
// priority-ordered variant list consulted only when no exact bucket
// matched. The flattened handler and filter tables keep the stable index
// assignment for the lifetime of this plan.
type dispatchPlan struct {
	exact    map[reflect.Type][]planStep
	variants []variantEntry

	handlers []*HandlerDescriptor
	filters  []Filter
}

// dispatch runs the event through the plan. Exact-type matching
// short-circuits variant matching: variant handlers only fire when the
// event's concrete type has no bucket in this snapshot.
func (p *dispatchPlan) dispatch(e Event) {
	c, _ := e.(Cancellable)
	et := reflect.TypeOf(e)

	if steps, ok := p.exact[et]; ok {
		for _, step := range steps {
			if !step(e, c) {
				return
			}
		}
		return
	}

	for _, v := range p.variants {
		if et == v.eventType || !et.Implements(v.eventType) {
			continue
		}
		if !v.step(e, c) {
			return
		}
	}
}

// compilePlan snapshots the shard's registry into a new plan. Each bucket
// is stable-sorted by priority descending (ties keep registration order)
// and every descriptor is compiled into a step with its untaken branches
// pruned: no filter slot when the descriptor has no filter, no enable
// check when it is forced or its target is not Toggleable.
func (s *DispatcherShard) compilePlan() *dispatchPlan {
	plan := &dispatchPlan{
		exact: make(map[reflect.Type][]planStep, len(s.buckets)),
	}

	for _, et := range s.bucketOrder {
		bucket := s.buckets[et]
		if len(bucket) == 0 {
			continue
		}
		ordered := sortByPriority(bucket)
		steps := make([]planStep, 0, len(ordered))
		for _, d := range ordered {
			steps = append(steps, s.compileStep(d))
			plan.index(d)
		}
		plan.exact[et] = steps
	}

	for _, d := range sortByPriority(s.variants) {
		plan.variants = append(plan.variants, variantEntry{
			eventType: d.eventType,
			step:      s.compileStep(d),
		})
		plan.index(d)
	}

	return plan
}

// index assigns the descriptor (and its filter, when present) the next
// stable slot in the plan's flattened tables.
func (p *dispatchPlan) index(d *HandlerDescriptor) {
	p.handlers = append(p.handlers, d)
	if d.filter != nil {
		p.filters = append(p.filters, d.filter)
	}
}

// compileStep specializes the per-handler routine for one descriptor.
// The invariant ordering is filter gate, cancellation check, enable gate,
// invoke. The cancellation check sits before the invocation, so the
// highest-priority handler always runs and a handler that cancels stops
// the lower-priority ones.
func (s *DispatcherShard) compileStep(d *HandlerDescriptor) planStep {
	fire := func(e Event) { s.invokeHandler(d, e) }

	if !d.forced && d.toggle != nil {
		invoke := fire
		fire = func(e Event) {
			enabled, ok := s.checkEnabled(d, e)
			if !ok || !enabled {
				return
			}
			invoke(e)
		}
	}

	if d.filter == nil {
		return func(e Event, c Cancellable) bool {
			if c != nil && c.IsCancelled() {
				return false
			}
			fire(e)
			return true
		}
	}

	return func(e Event, c Cancellable) bool {
		if !s.runFilter(d, e) {
			return true
		}
		if c != nil && c.IsCancelled() {
			return false
		}
		fire(e)
		return true
	}
}

// sortByPriority returns a new slice ordered by priority descending.
// The sort is stable: equal priorities keep registration order.
func sortByPriority(descriptors []*HandlerDescriptor) []*HandlerDescriptor {
	ordered := make([]*HandlerDescriptor, len(descriptors))
	copy(ordered, descriptors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].priority > ordered[j].priority
	})
	return ordered
}
