package dispatch

import (
	"reflect"

	"github.com/google/uuid"
)

// Toggleable is implemented by handler targets that can be switched off.
// Every non-forced descriptor consults Enabled at post time, immediately
// before invocation. Targets that do not implement Toggleable are always
// enabled.
type Toggleable interface {
	Enabled() bool
}

// MethodOptions carries per-method subscription metadata. The zero value
// is the default: priority 0, not forced, exact-type matching, no filter.
type MethodOptions struct {
	// Priority orders dispatch; higher runs first. Ties preserve
	// registration order.
	Priority int

	// Forced skips the target's Enabled gate for this method.
	Forced bool

	// AcceptVariants matches any event whose concrete type implements
	// the method's interface parameter, instead of exact-type matching.
	// Requires the parameter to be an interface type.
	AcceptVariants bool

	// Filter, when non-nil, instantiates a fresh filter for this
	// method's descriptor. The filter's Init hook is called with the
	// descriptor before first dispatch.
	Filter FilterFactory
}

// SubscriberOptions is implemented by handlers that want non-default
// metadata for their subscriber methods. The map is keyed by method name;
// methods without an entry use the zero MethodOptions. Naming a method
// that is not a subscriber is a SubscriptionError.
type SubscriberOptions interface {
	SubscriberOptions() map[string]MethodOptions
}

// HandlerDescriptor is the immutable record binding one subscriber method
// to its metadata. Descriptors are produced by Analyze or NewDescriptorFor
// and registered with a shard; index assignment inside a shard is stable
// for the lifetime of one bound plan.
type HandlerDescriptor struct {
	id             string
	eventType      reflect.Type
	target         any
	method         string
	invoke         func(Event)
	priority       int
	forced         bool
	acceptVariants bool
	filter         Filter
	toggle         Toggleable
}

// NewDescriptorFor builds a descriptor programmatically for event type E.
// E must be a concrete event type (pointer to a struct embedding
// BaseEvent), or an interface type combined with opts.AcceptVariants.
// A filter set through opts.Filter here counts as metadata-chosen and
// receives its Init hook; use SetFilter to attach one without Init.
func NewDescriptorFor[E Event](target any, fn func(E), opts MethodOptions) (*HandlerDescriptor, error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	et := reflect.TypeFor[E]()
	if et.Kind() == reflect.Interface {
		if !opts.AcceptVariants {
			return nil, newSubscriptionError("", "interface event type %s requires AcceptVariants", et)
		}
	} else if opts.AcceptVariants {
		return nil, newSubscriptionError("", "AcceptVariants requires an interface event type, got %s", et)
	}

	d := &HandlerDescriptor{
		id:             uuid.New().String(),
		eventType:      et,
		target:         target,
		invoke:         func(e Event) { fn(e.(E)) },
		priority:       opts.Priority,
		forced:         opts.Forced,
		acceptVariants: opts.AcceptVariants,
	}
	if t, ok := target.(Toggleable); ok {
		d.toggle = t
	}
	if opts.Filter != nil {
		f := opts.Filter()
		if f == nil {
			return nil, newSubscriptionError("", "filter factory returned nil")
		}
		if init, ok := f.(Initializable); ok {
			init.Init(d)
		}
		d.filter = f
	}
	return d, nil
}

// ID returns the descriptor's unique identifier.
func (d *HandlerDescriptor) ID() string { return d.id }

// EventType returns the event type this descriptor matches: a concrete
// type for exact matching, an interface type for variant matching.
func (d *HandlerDescriptor) EventType() reflect.Type { return d.eventType }

// Target returns the handler object the method is bound to.
func (d *HandlerDescriptor) Target() any { return d.target }

// Method returns the subscriber method name, when the descriptor was
// produced by analysis.
func (d *HandlerDescriptor) Method() string { return d.method }

// Priority returns the dispatch priority; higher runs first.
func (d *HandlerDescriptor) Priority() int { return d.priority }

// Forced reports whether the target's Enabled gate is skipped.
func (d *HandlerDescriptor) Forced() bool { return d.forced }

// AcceptsVariants reports whether the descriptor matches events by
// interface satisfaction instead of exact type.
func (d *HandlerDescriptor) AcceptsVariants() bool { return d.acceptVariants }

// Filter returns the descriptor's filter, or nil.
func (d *HandlerDescriptor) Filter() Filter { return d.filter }

// SetFilter attaches a filter programmatically. The filter does not
// receive an Init call. Takes effect on the next Bind.
func (d *HandlerDescriptor) SetFilter(f Filter) { d.filter = f }
