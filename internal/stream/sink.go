package stream

// StateFlag names one boolean of a subscriber's stream state.
type StateFlag string

// State flags, in the wire spelling subscribers expect.
const (
	StateLoading     StateFlag = "isLoading"
	StateSuccess     StateFlag = "isSuccess"
	StateConfiguring StateFlag = "isConfiguring"
	StateError       StateFlag = "isError"
)

// Sink is the live subscriber of one key. Calls come from the orchestrator
// loop and must not block.
type Sink interface {
	OnState(flag StateFlag, value bool)
	// OnFrame receives a frame encoded by EncodeFrame.
	OnFrame(payload string)
	OnError(message string)
}

// Detacher is implemented by sinks that need to know when they lose their
// key, for example when the stream is killed while the client is connected.
// OnDetach is called from the orchestrator loop and must not block.
type Detacher interface {
	OnDetach()
}
