package dispatch

import (
	"reflect"
)

// Expander lifts the fixed per-shard handler capacity by partitioning
// descriptors across multiple dispatcher shards, preserving dispatch
// semantics.
//
// Partitioning happens at Bind: descriptors are grouped by event type and
// packed into shards of at most maxPerShard handlers, never splitting an
// event-type bucket across shards unless the bucket itself exceeds the
// limit. A split bucket is chunked in priority order, so iterating the
// shards in creation order still observes global priority order.
//
// Post routes through a bus-map: only shards holding handlers for the
// event's concrete type are visited (variant-holding shards when no exact
// bucket exists anywhere). The map also keeps exact-type matching
// suppressing variant handlers across shard boundaries, exactly as a
// single shard would.
type Expander struct {
	template    *DispatcherShard
	maxPerShard int

	pending []*HandlerDescriptor
	shards  []*DispatcherShard
	bound   bool
	dirty   bool

	exactShards   map[reflect.Type][]*DispatcherShard
	variantShards []*DispatcherShard
}

// NewExpander creates an expander cloning template for each shard it
// makes. maxPerShard is clamped to [1, MaxMethods].
func NewExpander(template *DispatcherShard, maxPerShard int) *Expander {
	if maxPerShard < 1 {
		maxPerShard = 1
	}
	if maxPerShard > MaxMethods {
		maxPerShard = MaxMethods
	}
	return &Expander{
		template:    template,
		maxPerShard: maxPerShard,
	}
}

// Register appends a descriptor to the pending list. The expander has no
// capacity limit; the change takes effect on the next Bind.
func (x *Expander) Register(d *HandlerDescriptor) error {
	if d == nil {
		return ErrNilDescriptor
	}
	x.pending = append(x.pending, d)
	x.dirty = true
	return nil
}

// RegisterAll registers descriptors in order.
func (x *Expander) RegisterAll(descriptors []*HandlerDescriptor) error {
	for _, d := range descriptors {
		if err := x.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterHandler analyzes a handler object and registers the resulting
// descriptors.
func (x *Expander) RegisterHandler(handler any) ([]*HandlerDescriptor, error) {
	descriptors, err := Analyze(handler)
	if err != nil {
		return nil, err
	}
	if err := x.RegisterAll(descriptors); err != nil {
		return nil, err
	}
	return descriptors, nil
}

// Unregister removes a pending descriptor by identity. Takes effect on
// the next Bind.
func (x *Expander) Unregister(d *HandlerDescriptor) {
	if d == nil {
		return
	}
	for i, existing := range x.pending {
		if existing == d {
			x.pending = append(x.pending[:i], x.pending[i+1:]...)
			x.dirty = true
			return
		}
	}
}

// UnregisterHandler removes every pending descriptor whose target has the
// same dynamic type as handler.
func (x *Expander) UnregisterHandler(handler any) {
	if handler == nil {
		return
	}
	ht := reflect.TypeOf(handler)
	kept := x.pending[:0]
	for _, d := range x.pending {
		if reflect.TypeOf(d.target) != ht {
			kept = append(kept, d)
		} else {
			x.dirty = true
		}
	}
	x.pending = kept
}

// Clear empties the pending list. Existing shards keep serving the
// previous snapshot until the next Bind.
func (x *Expander) Clear() {
	x.pending = nil
	x.dirty = true
}

// Len returns the number of pending descriptors.
func (x *Expander) Len() int { return len(x.pending) }

// ShardCount returns the number of shards created by the last Bind.
func (x *Expander) ShardCount() int { return len(x.shards) }

// Shards returns the shards created by the last Bind, in creation order.
func (x *Expander) Shards() []*DispatcherShard {
	shards := make([]*DispatcherShard, len(x.shards))
	copy(shards, x.shards)
	return shards
}

// Bind partitions the pending descriptors into groups of at most
// maxPerShard, creates one fresh shard per group from the template,
// registers and binds each, and installs the set as active.
func (x *Expander) Bind() error {
	groups := x.partition()

	shards := make([]*DispatcherShard, 0, len(groups))
	exactShards := make(map[reflect.Type][]*DispatcherShard)
	var variantShards []*DispatcherShard

	for _, group := range groups {
		shard := x.template.clone()
		if err := shard.RegisterAll(group); err != nil {
			return err
		}
		if err := shard.Bind(); err != nil {
			return err
		}

		hasVariants := false
		seen := make(map[reflect.Type]bool)
		for _, d := range group {
			if d.acceptVariants {
				hasVariants = true
				continue
			}
			if !seen[d.eventType] {
				seen[d.eventType] = true
				exactShards[d.eventType] = append(exactShards[d.eventType], shard)
			}
		}
		if hasVariants {
			variantShards = append(variantShards, shard)
		}
		shards = append(shards, shard)
	}

	x.shards = shards
	x.exactShards = exactShards
	x.variantShards = variantShards
	x.bound = true
	x.dirty = false
	return nil
}

// State derives the expander's lifecycle state from its pending list and
// the last Bind.
func (x *Expander) State() ShardState {
	switch {
	case x.dirty || (!x.bound && len(x.pending) > 0):
		return StateDirty
	case x.bound:
		return StateBound
	default:
		return StateEmpty
	}
}

// Snapshot returns a read-only view of the pending descriptors. Unlike a
// shard's snapshot, Descriptors lists them in plain registration order,
// with variant-accepting descriptors interleaved where they were
// registered.
func (x *Expander) Snapshot() RegistrySnapshot {
	snap := RegistrySnapshot{
		ByType: make(map[reflect.Type]int),
		State:  x.State(),
	}
	snap.Descriptors = make([]*HandlerDescriptor, len(x.pending))
	copy(snap.Descriptors, x.pending)
	for _, d := range x.pending {
		if d.acceptVariants {
			snap.Variants++
		} else {
			snap.ByType[d.eventType]++
		}
	}
	return snap
}

// Post routes the event to the shards holding handlers for its concrete
// type, in creation order, falling back to the variant-holding shards
// when no exact bucket exists anywhere. A cancellable event cancelled in
// an earlier shard is honored by later shards' plans.
func (x *Expander) Post(e Event) (Event, error) {
	if e == nil {
		return nil, ErrNilEvent
	}
	if !x.bound {
		return e, ErrNotBound
	}
	if len(x.shards) == 1 {
		return x.shards[0].Post(e)
	}

	targets := x.exactShards[reflect.TypeOf(e)]
	if len(targets) == 0 {
		targets = x.variantShards
	}
	for _, shard := range targets {
		if _, err := shard.Post(e); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Stats aggregates the cumulative counters of all active shards.
func (x *Expander) Stats() DispatchStats {
	var total DispatchStats
	for _, shard := range x.shards {
		total = total.add(shard.Stats())
	}
	return total
}

// partition groups the pending descriptors: exact-type buckets in
// first-registration order (each pre-sorted by priority descending),
// variants as a final bucket. Buckets are packed greedily; a bucket
// larger than maxPerShard is chunked in priority order.
func (x *Expander) partition() [][]*HandlerDescriptor {
	buckets := make(map[reflect.Type][]*HandlerDescriptor)
	var bucketOrder []reflect.Type
	var variants []*HandlerDescriptor

	for _, d := range x.pending {
		if d.acceptVariants {
			variants = append(variants, d)
			continue
		}
		if _, ok := buckets[d.eventType]; !ok {
			bucketOrder = append(bucketOrder, d.eventType)
		}
		buckets[d.eventType] = append(buckets[d.eventType], d)
	}

	ordered := make([][]*HandlerDescriptor, 0, len(bucketOrder)+1)
	for _, et := range bucketOrder {
		ordered = append(ordered, sortByPriority(buckets[et]))
	}
	if len(variants) > 0 {
		ordered = append(ordered, sortByPriority(variants))
	}

	var groups [][]*HandlerDescriptor
	var current []*HandlerDescriptor

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}

	for _, bucket := range ordered {
		if len(bucket) > x.maxPerShard {
			flush()
			for start := 0; start < len(bucket); start += x.maxPerShard {
				end := start + x.maxPerShard
				if end > len(bucket) {
					end = len(bucket)
				}
				if end-start == x.maxPerShard {
					groups = append(groups, bucket[start:end])
				} else {
					// remainder may still be packed with the next
					// bucket; copy so append cannot alias the chunked
					// slice
					current = append([]*HandlerDescriptor(nil), bucket[start:end]...)
				}
			}
			continue
		}
		if len(current)+len(bucket) > x.maxPerShard {
			flush()
		}
		current = append(current, bucket...)
	}
	flush()

	return groups
}
