package dispatch

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var eventInterfaceType = reflect.TypeOf((*Event)(nil)).Elem()

// isSubscriberName reports whether a method name marks a subscriber:
// an exported "On" prefix followed by an upper-case letter, e.g.
// OnOrderPlaced. Unexported methods never reach analysis.
func isSubscriberName(name string) bool {
	if len(name) < 3 || !strings.HasPrefix(name, "On") {
		return false
	}
	return unicode.IsUpper(rune(name[2]))
}

// Analyze introspects a handler object into descriptors, one per
// subscriber method. A subscriber method is named On<Something> and must
// take exactly one event parameter and return nothing. The parameter is a
// concrete event type for exact matching, or an interface type when the
// method's MethodOptions set AcceptVariants. Methods not following the
// naming convention are ignored.
//
// Metadata comes from the handler's SubscriberOptions implementation,
// when present. Any violation fails the whole analysis with a
// SubscriptionError; no descriptors are returned.
func Analyze(handler any) ([]*HandlerDescriptor, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	hv := reflect.ValueOf(handler)
	ht := hv.Type()

	var optsMap map[string]MethodOptions
	if so, ok := handler.(SubscriberOptions); ok {
		optsMap = so.SubscriberOptions()
	}

	toggle, _ := handler.(Toggleable)

	var descriptors []*HandlerDescriptor
	seen := make(map[string]bool)

	for i := 0; i < ht.NumMethod(); i++ {
		name := ht.Method(i).Name
		if !isSubscriberName(name) {
			continue
		}
		seen[name] = true

		mv := hv.Method(i)
		mt := mv.Type()
		opts := optsMap[name]

		if mt.NumIn() != 1 {
			return nil, newSubscriptionError(name, "subscriber must take exactly one event parameter, has %d", mt.NumIn())
		}
		if mt.NumOut() != 0 {
			return nil, newSubscriptionError(name, "subscriber must not return values, returns %d", mt.NumOut())
		}

		pt := mt.In(0)
		switch {
		case pt.Kind() == reflect.Interface:
			if !opts.AcceptVariants {
				return nil, newSubscriptionError(name, "interface parameter %s requires AcceptVariants", pt)
			}
			if !pt.Implements(eventInterfaceType) {
				return nil, newSubscriptionError(name, "parameter %s does not extend Event", pt)
			}
		default:
			if opts.AcceptVariants {
				return nil, newSubscriptionError(name, "AcceptVariants requires an interface parameter, got %s", pt)
			}
			if !pt.Implements(eventInterfaceType) {
				return nil, newSubscriptionError(name, "parameter %s is not an event type", pt)
			}
		}

		d := &HandlerDescriptor{
			id:             uuid.New().String(),
			eventType:      pt,
			target:         handler,
			method:         name,
			priority:       opts.Priority,
			forced:         opts.Forced,
			acceptVariants: opts.AcceptVariants,
			toggle:         toggle,
		}
		method := mv
		d.invoke = func(e Event) {
			method.Call([]reflect.Value{reflect.ValueOf(e)})
		}

		if opts.Filter != nil {
			f := opts.Filter()
			if f == nil {
				return nil, newSubscriptionError(name, "filter factory returned nil")
			}
			if init, ok := f.(Initializable); ok {
				init.Init(d)
			}
			d.filter = f
		}

		descriptors = append(descriptors, d)
	}

	for name := range optsMap {
		if !seen[name] {
			return nil, newSubscriptionError(name, "options reference a method that is not a subscriber")
		}
	}

	return descriptors, nil
}
