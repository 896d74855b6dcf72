package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/camfeed/internal/events"
)

// EventsInput selects optional event classes.
type EventsInput struct {
	Frames bool `query:"frames" doc:"Also send one event per assembled frame"`
}

// ConnectedEvent is sent once when an event feed opens.
type ConnectedEvent struct {
	Message   string `json:"message" example:"event feed connected" doc:"Greeting"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// registerEventRoutes registers the lifecycle event feed.
func (s *Server) registerEventRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream lifecycle, subscriber and configuration events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"connected":            ConnectedEvent{},
		"stream-starting":      events.StreamStartingEvent{},
		"stream-started":       events.StreamStartedEvent{},
		"stream-failed":        events.StreamFailedEvent{},
		"stream-stopped":       events.StreamStoppedEvent{},
		"stream-reconfiguring": events.StreamReconfiguringEvent{},
		"frame":                events.FrameEvent{},
		"frame-discarded":      events.FrameDiscardedEvent{},
		"subscriber-attached":  events.SubscriberAttachedEvent{},
		"subscriber-detached":  events.SubscriberDetachedEvent{},
		"config-reloaded":      events.ConfigReloadedEvent{},
	}, func(ctx context.Context, input *EventsInput, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.StreamStartingEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StreamStartedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StreamFailedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StreamStoppedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StreamReconfiguringEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.FrameDiscardedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.SubscriberAttachedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.SubscriberDetachedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ConfigReloadedEvent](s.eventBus, eventCh),
		}
		if input.Frames {
			unsubscribers = append(unsubscribers, events.SubscribeToChannel[events.FrameEvent](s.eventBus, eventCh))
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		if err := send.Data(ConnectedEvent{
			Message:   "event feed connected",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
