package stream

import (
	"log/slog"
	"runtime/debug"
)

type observer struct {
	sink      Sink
	protected bool
}

// Registry maps each key to at most one sink. A protected entry cannot be
// unregistered, which lets a subscription survive its stream being killed
// for reconfiguration. Registry is not safe for concurrent use; the
// orchestrator loop owns it.
type Registry struct {
	observers map[Key]*observer
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Sink panics are logged to logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		observers: make(map[Key]*observer),
		logger:    logger,
	}
}

// Register stores sink for key unless one is already present.
// It reports whether sink was stored.
func (r *Registry) Register(key Key, sink Sink) bool {
	if _, ok := r.observers[key]; ok {
		return false
	}
	r.observers[key] = &observer{sink: sink}
	return true
}

// Unregister removes the sink for key unless it is protected, then tells a
// Detacher sink. It reports whether a sink was removed.
func (r *Registry) Unregister(key Key) bool {
	o, ok := r.observers[key]
	if !ok || o.protected {
		return false
	}
	delete(r.observers, key)
	if d, ok := o.sink.(Detacher); ok {
		r.call(key, func() { d.OnDetach() })
	}
	return true
}

// SetProtected marks the sink for key. Absent keys are ignored.
func (r *Registry) SetProtected(key Key, protected bool) {
	if o, ok := r.observers[key]; ok {
		o.protected = protected
	}
}

// Protected reports whether key has a protected sink.
func (r *Registry) Protected(key Key) bool {
	o, ok := r.observers[key]
	return ok && o.protected
}

// Has reports whether key has a sink.
func (r *Registry) Has(key Key) bool {
	_, ok := r.observers[key]
	return ok
}

// Sink returns the sink registered for key.
func (r *Registry) Sink(key Key) (Sink, bool) {
	o, ok := r.observers[key]
	if !ok {
		return nil, false
	}
	return o.sink, true
}

// Len returns the number of registered sinks.
func (r *Registry) Len() int {
	return len(r.observers)
}

// NotifyState forwards a state change. It reports whether a sink received it.
func (r *Registry) NotifyState(key Key, flag StateFlag, value bool) bool {
	return r.notify(key, func(s Sink) { s.OnState(flag, value) })
}

// NotifyFrame forwards an encoded frame. It reports whether a sink received it.
func (r *Registry) NotifyFrame(key Key, payload string) bool {
	return r.notify(key, func(s Sink) { s.OnFrame(payload) })
}

// NotifyError forwards an error message. It reports whether a sink received it.
func (r *Registry) NotifyError(key Key, message string) bool {
	return r.notify(key, func(s Sink) { s.OnError(message) })
}

func (r *Registry) notify(key Key, call func(Sink)) bool {
	o, ok := r.observers[key]
	if !ok {
		return false
	}
	return r.call(key, func() { call(o.sink) })
}

// call runs fn, recovering a sink panic. It reports whether fn returned.
func (r *Registry) call(key Key, fn func()) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Sink panicked", "key", key.String(), "panic", p, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}
