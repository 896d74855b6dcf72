package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/camfeed/internal/api/models"
	"github.com/smazurov/camfeed/internal/stream"
)

// sseSink queues orchestrator notifications for one SSE connection. It never
// blocks the orchestrator: when the queue is full the message is dropped.
type sseSink struct {
	ch       chan any
	dropped  atomic.Uint64
	detached chan struct{}
	once     sync.Once
}

func newSSESink(size int) *sseSink {
	return &sseSink{ch: make(chan any, size), detached: make(chan struct{})}
}

func (s *sseSink) push(msg any) {
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *sseSink) OnState(flag stream.StateFlag, value bool) {
	s.push(models.StreamStateMessage{State: string(flag), TypeState: value})
}

func (s *sseSink) OnFrame(payload string) {
	s.push(models.StreamFluxMessage{Image: payload})
}

func (s *sseSink) OnError(message string) {
	s.push(models.StreamErrorMessage{Message: message})
}

// OnDetach ends the connection once the stream is killed under it.
func (s *sseSink) OnDetach() {
	s.once.Do(func() { close(s.detached) })
}

// registerLiveRoutes registers the live subscriber endpoint. Connecting
// subscribes the key and starts its stream; disconnecting kills it.
func (s *Server) registerLiveRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "stream-live",
		Method:      http.MethodGet,
		Path:        "/api/controllers/{controller}/cameras/{camera}/qualities/{quality}/live",
		Summary:     "Live Stream",
		Description: "Subscribe to one rendition. Sends stream-state changes, stream-flux frames as JPEG data URIs and stream-error messages. Only one subscriber per stream is allowed.",
		Tags:        []string{"streams"},
		Security:    withAuth(),
		Errors:      []int{401, 422},
	}, map[string]any{
		"stream-state": models.StreamStateMessage{},
		"stream-flux":  models.StreamFluxMessage{},
		"stream-error": models.StreamErrorMessage{},
	}, func(ctx context.Context, input *models.StreamKeyInput, send sse.Sender) {
		key := input.Key()
		if err := s.checkCamera(input.Controller, input.Camera); err != nil {
			_ = send.Data(models.StreamErrorMessage{Message: err.Error()})
			return
		}

		sink := newSSESink(s.liveBuffer)
		if !s.streams.Subscribe(key, sink) {
			s.logger.Warn("Rejected live subscriber", "key", key.String(), "reason", "already subscribed")
			_ = send.Data(models.StreamErrorMessage{Message: "stream already has a subscriber"})
			return
		}
		s.logger.Info("Live subscriber connected", "key", key.String())
		defer func() {
			s.streams.Detach(key, sink)
			s.logger.Info("Live subscriber disconnected", "key", key.String(), "dropped", sink.dropped.Load())
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sink.ch:
				if err := send.Data(msg); err != nil {
					return
				}
			case <-sink.detached:
				s.logger.Info("Live stream killed", "key", key.String())
				for {
					select {
					case msg := <-sink.ch:
						if err := send.Data(msg); err != nil {
							return
						}
					default:
						_ = send.Data(models.StreamErrorMessage{Message: "stream stopped"})
						return
					}
				}
			}
		}
	})
}
