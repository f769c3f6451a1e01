package dispatch

// Filter gates delivery to a single handler. Returning false skips the
// owning handler only; the event itself is unaffected and other handlers
// still run. Filters must not retain or mutate the event.
type Filter interface {
	// Filter reports whether the event may be delivered to the
	// descriptor this filter is attached to.
	Filter(e Event) bool
}

// Initializable is an optional extension of Filter. When a filter is
// instantiated from subscriber metadata, Init is called exactly once with
// the descriptor it will gate, before the first dispatch. Filters attached
// programmatically via HandlerDescriptor.SetFilter are not initialized.
type Initializable interface {
	// Init configures the filter for the descriptor that owns it.
	Init(d *HandlerDescriptor)
}

// FilterFactory produces a fresh filter value for one descriptor. A nil
// factory in MethodOptions means no filter. A factory returning nil is a
// SubscriptionError.
type FilterFactory func() Filter

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(e Event) bool

// Filter implements Filter.
func (f FilterFunc) Filter(e Event) bool { return f(e) }
