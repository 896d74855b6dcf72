// Package events carries stream lifecycle notifications between camfeed
// components over a kelindar/event dispatcher.
package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// A nil *Bus drops everything, so components can run without one.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(StreamStartedEvent{...})
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StreamStartingEvent:
		event.Publish(b.dispatcher, e)
	case StreamStartedEvent:
		event.Publish(b.dispatcher, e)
	case StreamFailedEvent:
		event.Publish(b.dispatcher, e)
	case StreamStoppedEvent:
		event.Publish(b.dispatcher, e)
	case StreamReconfiguringEvent:
		event.Publish(b.dispatcher, e)
	case FrameEvent:
		event.Publish(b.dispatcher, e)
	case FrameDiscardedEvent:
		event.Publish(b.dispatcher, e)
	case SubscriberAttachedEvent:
		event.Publish(b.dispatcher, e)
	case SubscriberDetachedEvent:
		event.Publish(b.dispatcher, e)
	case ConfigReloadedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives.
// Returns an unsubscribe function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e StreamStoppedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}
	switch h := handler.(type) {
	case func(StreamStartingEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamReconfiguringEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FrameEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(FrameDiscardedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SubscriberAttachedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SubscriberDetachedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ConfigReloadedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
