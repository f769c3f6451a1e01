package dispatch

// Event is implemented by every value delivered through the bus.
// Concrete event types embed BaseEvent (or CancellableEvent) to satisfy
// the interface; the unexported methods keep the implementation surface
// inside this package while user types stay plain structs.
//
// Example event type:
//
//	type OrderPlaced struct {
//	    dispatch.BaseEvent
//	    OrderID string
//	}
type Event interface {
	headContext() *Context
	setHeadContext(*Context)
}

// BaseEvent is the embeddable carrier for plain (non-cancellable) events.
// The zero value is ready to use.
type BaseEvent struct {
	head *Context
}

func (e *BaseEvent) headContext() *Context     { return e.head }
func (e *BaseEvent) setHeadContext(c *Context) { e.head = c }

// Cancellable is implemented by events whose dispatch can be cut short.
// The cancelled flag is observed between handler invocations: once set,
// no further handler on the same post call runs.
type Cancellable interface {
	Event

	// Cancel marks the event as cancelled.
	Cancel()

	// SetCancelled sets or clears the cancelled flag.
	SetCancelled(cancelled bool)

	// IsCancelled reports whether the event has been cancelled.
	IsCancelled() bool
}

// CancellableEvent is the embeddable carrier for cancellable events.
// The flag is not synchronized: an event is dispatched by exactly one
// goroutine at a time, and callers must not share a single event value
// across concurrent posts.
type CancellableEvent struct {
	BaseEvent
	cancelled bool
}

// Cancel marks the event as cancelled.
func (e *CancellableEvent) Cancel() { e.cancelled = true }

// SetCancelled sets or clears the cancelled flag.
func (e *CancellableEvent) SetCancelled(cancelled bool) { e.cancelled = cancelled }

// IsCancelled reports whether the event has been cancelled.
func (e *CancellableEvent) IsCancelled() bool { return e.cancelled }

// Context is one node of an event's context chain: an arbitrary user
// payload plus a parent pointer forming a singly-linked ancestry.
// The chain is never copied; SetContext links nodes in place.
type Context struct {
	value  any
	parent *Context
}

// NewContext creates a detached context node carrying value.
func NewContext(value any) *Context {
	return &Context{value: value}
}

// Value returns the user payload carried by this node.
func (c *Context) Value() any { return c.value }

// Parent returns the next node up the chain, or nil at the root.
func (c *Context) Parent() *Context { return c.parent }

// SetContext attaches ctx as the event's current context and returns the
// event. The previously attached head becomes ctx's parent, but only when
// ctx has no parent of its own yet; a node that already belongs to a chain
// keeps its ancestry. Cycles are not detected — producers are responsible
// for keeping chains finite.
func SetContext[E Event](e E, ctx *Context) E {
	if ctx.parent == nil {
		ctx.parent = e.headContext()
	}
	e.setHeadContext(ctx)
	return e
}

// HeadContext returns the event's current (most recently attached)
// context node, or nil when none has been set.
func HeadContext(e Event) *Context {
	return e.headContext()
}

// ContextOf walks the event's context chain from the head and returns the
// nearest payload whose dynamic type is T; when T is an interface type,
// the nearest payload that implements T. Lookup is linear in chain depth.
func ContextOf[T any](e Event) (T, bool) {
	for c := e.headContext(); c != nil; c = c.parent {
		if v, ok := c.value.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}
