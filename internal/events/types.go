package events

// Event type constants for kelindar/event.
const (
	TypeStreamStarting uint32 = iota + 1
	TypeStreamStarted
	TypeStreamFailed
	TypeStreamStopped
	TypeStreamReconfiguring
	TypeFrame
	TypeFrameDiscarded
	TypeSubscriberAttached
	TypeSubscriberDetached
	TypeConfigReloaded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StreamRef names the rendition an event is about.
type StreamRef struct {
	Key        string `json:"key" example:"1/5/primary" doc:"Stream key"`
	Controller int    `json:"controller" example:"1" doc:"Controller id"`
	Camera     int    `json:"camera" example:"5" doc:"Camera id"`
	Quality    string `json:"quality" example:"primary" doc:"Rendition"`
}

// StreamStartingEvent is published when a transcoder is being resolved and spawned.
type StreamStartingEvent struct {
	StreamRef
	Instance  uint64 `json:"instance" doc:"Process instance id"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStartingEvent.
func (e StreamStartingEvent) Type() uint32 { return TypeStreamStarting }

// StreamStartedEvent is published once the transcoder process is running.
type StreamStartedEvent struct {
	StreamRef
	Instance  uint64 `json:"instance" doc:"Process instance id"`
	PID       int    `json:"pid" example:"4242" doc:"Transcoder process id"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStartedEvent.
func (e StreamStartedEvent) Type() uint32 { return TypeStreamStarted }

// StreamFailedEvent is published when a stream could not be started.
type StreamFailedEvent struct {
	StreamRef
	Instance  uint64 `json:"instance" doc:"Process instance id"`
	Code      string `json:"code" example:"SPAWN_FAILED" doc:"Error code"`
	Error     string `json:"error" doc:"Detailed error description"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamFailedEvent.
func (e StreamFailedEvent) Type() uint32 { return TypeStreamFailed }

// StreamStoppedEvent is published when a transcoder exit has been processed.
type StreamStoppedEvent struct {
	StreamRef
	Instance   uint64 `json:"instance" doc:"Process instance id"`
	ExitCode   int    `json:"exit_code" example:"0" doc:"Process exit code"`
	Signal     string `json:"signal,omitempty" example:"killed" doc:"Terminating signal"`
	Requested  bool   `json:"requested" doc:"Whether the stop was requested"`
	Superseded bool   `json:"superseded" doc:"Whether a reconfiguration replaced this process"`
	Frames     uint64 `json:"frames" doc:"Frames emitted by this process"`
	Timestamp  string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStoppedEvent.
func (e StreamStoppedEvent) Type() uint32 { return TypeStreamStopped }

// StreamReconfiguringEvent is published when a live stream is killed to be
// respawned with new parameters.
type StreamReconfiguringEvent struct {
	StreamRef
	Instance  uint64 `json:"instance" doc:"Instance being replaced"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamReconfiguringEvent.
func (e StreamReconfiguringEvent) Type() uint32 { return TypeStreamReconfiguring }

// FrameEvent is published for every assembled frame.
type FrameEvent struct {
	StreamRef
	Size      int  `json:"size" doc:"Frame size in bytes"`
	Delivered bool `json:"delivered" doc:"Whether a subscriber received it"`
}

// Type returns the event type identifier for FrameEvent.
func (e FrameEvent) Type() uint32 { return TypeFrame }

// FrameDiscardedEvent is published when the assembler drops an oversized frame.
type FrameDiscardedEvent struct {
	StreamRef
	Bytes int `json:"bytes" doc:"Bytes discarded"`
}

// Type returns the event type identifier for FrameDiscardedEvent.
func (e FrameDiscardedEvent) Type() uint32 { return TypeFrameDiscarded }

// SubscriberAttachedEvent is published when a sink is registered for a key.
type SubscriberAttachedEvent struct {
	StreamRef
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SubscriberAttachedEvent.
func (e SubscriberAttachedEvent) Type() uint32 { return TypeSubscriberAttached }

// SubscriberDetachedEvent is published when a sink is removed.
type SubscriberDetachedEvent struct {
	StreamRef
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SubscriberDetachedEvent.
func (e SubscriberDetachedEvent) Type() uint32 { return TypeSubscriberDetached }

// ConfigReloadedEvent is published after the controllers file was reloaded.
type ConfigReloadedEvent struct {
	Path      string   `json:"path" doc:"Reloaded file"`
	Changes   []string `json:"changes" example:"[\"1/primary\"]" doc:"Reconfigured controller/quality pairs"`
	Timestamp string   `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }
