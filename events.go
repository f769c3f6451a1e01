package dispatch

// Lifecycle event type constants emitted to observers.
// Following CloudEvents specification reverse domain notation.
const (
	// Registry events
	EventTypeHandlerRegistered   = "com.gocodealone.dispatch.handler.registered"
	EventTypeHandlerUnregistered = "com.gocodealone.dispatch.handler.unregistered"
	EventTypeRegistryCleared     = "com.gocodealone.dispatch.registry.cleared"

	// Plan events
	EventTypePlanBound = "com.gocodealone.dispatch.plan.bound"

	// Dispatch events
	EventTypeDispatchError = "com.gocodealone.dispatch.dispatch.error"

	// Async bus lifecycle events
	EventTypeWorkersStarted = "com.gocodealone.dispatch.workers.started"
	EventTypeWorkersStopped = "com.gocodealone.dispatch.workers.stopped"

	// Configuration events
	EventTypeConfigLoaded = "com.gocodealone.dispatch.config.loaded"
)
