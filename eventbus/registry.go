package eventbus

import (
	"context"
	"reflect"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// eventType describes how to turn a wire body back into a concrete event.
type eventType struct {
	name   string
	typ    reflect.Type
	decode func(body []byte) (cbus.IntegrationEvent, error)
}

type subscription struct {
	key  any // handler identity used by Unsubscribe
	call func(ctx context.Context, e cbus.IntegrationEvent) error
}

// registry maps event names to their handlers and descriptors.
// A name is present in handlers iff it is present in types, and its handler list is never empty.
// It is not safe for concurrent use; the owning Bus serializes access.
type registry struct {
	handlers map[string][]subscription
	types    map[string]eventType
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string][]subscription),
		types:    make(map[string]eventType),
	}
}

func (r *registry) typeOf(name string) (eventType, bool) {
	et, ok := r.types[name]
	return et, ok
}

// add appends sub under et.name, creating both entries when the name is new.
func (r *registry) add(et eventType, sub subscription) {
	if _, ok := r.types[et.name]; !ok {
		r.types[et.name] = et
	}

	r.handlers[et.name] = append(r.handlers[et.name], sub)
}

// remove drops the first subscription whose key matches. last reports that the
// name had no handlers left and was removed from both maps.
func (r *registry) remove(name string, key any) (removed, last bool) {
	subs, ok := r.handlers[name]
	if !ok {
		return false, false
	}

	idx := -1

	for i, s := range subs {
		if sameHandler(s.key, key) {
			idx = i
			break
		}
	}

	if idx < 0 {
		return false, false
	}

	rest := make([]subscription, 0, len(subs)-1)
	rest = append(rest, subs[:idx]...)
	rest = append(rest, subs[idx+1:]...)

	if len(rest) > 0 {
		r.handlers[name] = rest
		return true, false
	}

	delete(r.handlers, name)
	delete(r.types, name)

	return true, true
}

// lookup returns the descriptor and a copy of the handler list for name.
func (r *registry) lookup(name string) (eventType, []subscription, bool) {
	et, ok := r.types[name]
	if !ok {
		return eventType{}, nil, false
	}

	return et, append([]subscription(nil), r.handlers[name]...), true
}

func (r *registry) count(name string) int { return len(r.handlers[name]) }

func (r *registry) empty() bool { return len(r.handlers) == 0 }

// sameHandler compares handler identities without panicking on uncomparable values.
// Functions compare by code pointer, so two closures from the same literal are equal.
func sameHandler(a, b any) (eq bool) {
	// structs holding uncomparable values in interface fields still panic on ==
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()

	if a == nil || b == nil {
		return a == nil && b == nil
	}

	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}

	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}

	if !ta.Comparable() {
		return false
	}

	return a == b
}
