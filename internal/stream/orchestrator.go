package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/camfeed/internal/events"
	"github.com/smazurov/camfeed/internal/process"
)

// DefaultRespawnDelay is the minimum gap between killing a stream for
// reconfiguration and starting its replacement.
const DefaultRespawnDelay = 200 * time.Millisecond

// Resolver turns a key into the transcoder command for it.
type Resolver interface {
	Resolve(ctx context.Context, key Key) (process.Spec, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, key Key) (process.Spec, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, key Key) (process.Spec, error) {
	return f(ctx, key)
}

// Options configures an Orchestrator.
type Options struct {
	// Resolver and Spawner are required.
	Resolver Resolver
	Spawner  process.Spawner

	// Bus receives lifecycle events (optional).
	Bus *events.Bus

	// Logger for orchestrator operations. If nil, uses slog.Default().
	Logger *slog.Logger

	// RespawnDelay defaults to DefaultRespawnDelay.
	RespawnDelay time.Duration

	// MaxFrameSize bounds one open frame. 0 uses DefaultMaxFrameSize,
	// negative disables the bound.
	MaxFrameSize int

	// QueueSize is the capacity of the loop's inbound queue. Default 256.
	QueueSize int
}

// StreamInfo is a snapshot of one process table entry.
type StreamInfo struct {
	Key           Key       `json:"key"`
	Instance      uint64    `json:"instance"`
	PID           int       `json:"pid,omitempty"`
	Running       bool      `json:"running"`
	Streaming     bool      `json:"streaming"`
	Reconfiguring bool      `json:"reconfiguring"`
	Restarting    bool      `json:"restarting"`
	InFrame       bool      `json:"in_frame"`
	Buffered      int       `json:"buffered_bytes"`
	Frames        uint64    `json:"frames"`
	Discarded     uint64    `json:"discarded_bytes"`
	Subscribed    bool      `json:"subscribed"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitzero"`
}

// Loop inputs. Process events carry the instance they belong to so that
// output from a replaced process is recognised and dropped.
type (
	command struct {
		fn   func()
		done chan struct{}
	}
	spawnResult struct {
		key      Key
		instance uint64
		handle   process.Handle
		err      error
	}
	dataEvent struct {
		key      Key
		instance uint64
		chunk    []byte
	}
	exitEvent struct {
		key      Key
		instance uint64
		exit     process.Exit
	}
	respawnDue struct {
		key      Key
		instance uint64
	}
	shutdownRequest struct{}
)

// respawn tracks a reconfiguration waiting to start the replacement. Both
// the delay must have elapsed and the old instance must have exited.
type respawn struct {
	instance uint64
	timer    *time.Timer
	due      bool
	exited   bool
}

// Orchestrator runs at most one transcoder per key and routes its frames to
// the key's subscriber. All state is owned by one goroutine; the exported
// methods hand work to it and are safe for concurrent use. Start must be
// called before any other method. Sinks must not call back into the
// Orchestrator synchronously.
type Orchestrator struct {
	resolver     Resolver
	spawner      process.Spawner
	bus          *events.Bus
	logger       *slog.Logger
	respawnDelay time.Duration
	maxFrameSize int

	in      chan any
	quit    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	spawns  sync.WaitGroup

	startOnce    sync.Once
	shutdownOnce sync.Once
	quitOnce     sync.Once

	// owned by loop
	table        *table
	registry     *Registry
	respawns     map[Key]*respawn
	lastError    map[Key]bool
	nextInstance uint64
	closing      bool
}

// New creates an orchestrator. It panics if Resolver or Spawner is missing.
func New(opts Options) *Orchestrator {
	if opts.Resolver == nil || opts.Spawner == nil {
		panic("stream: Options.Resolver and Options.Spawner are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := opts.RespawnDelay
	if delay <= 0 {
		delay = DefaultRespawnDelay
	}
	maxFrame := opts.MaxFrameSize
	switch {
	case maxFrame == 0:
		maxFrame = DefaultMaxFrameSize
	case maxFrame < 0:
		maxFrame = 0
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		resolver:     opts.Resolver,
		spawner:      opts.Spawner,
		bus:          opts.Bus,
		logger:       logger,
		respawnDelay: delay,
		maxFrameSize: maxFrame,
		in:           make(chan any, queue),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		table:        newTable(),
		registry:     NewRegistry(logger),
		respawns:     make(map[Key]*respawn),
		lastError:    make(map[Key]bool),
	}
}

// Start launches the owner loop.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		go o.loop()
	})
}

// Shutdown stops every stream and waits for their exits, or until ctx is
// done. A stopped orchestrator ignores further calls.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	// Never started: there is no loop to drain.
	o.startOnce.Do(func() { close(o.stopped) })
	o.shutdownOnce.Do(func() { o.post(shutdownRequest{}) })

	var err error
	select {
	case <-o.stopped:
	case <-ctx.Done():
		err = fmt.Errorf("streams still running at shutdown: %w", ctx.Err())
		o.quitOnce.Do(func() { close(o.quit) })
		<-o.stopped
	}
	o.cancel()
	o.spawns.Wait()
	return err
}

// Register attaches sink to key without starting a stream. It reports false
// if key already has a sink.
func (o *Orchestrator) Register(key Key, sink Sink) bool {
	var ok bool
	o.do(func() { ok = o.register(key, sink) })
	return ok
}

// Unregister detaches the sink of key unless it is protected.
func (o *Orchestrator) Unregister(key Key) {
	o.do(func() { o.unregister(key) })
}

// Create starts the stream for key if none is running or starting. If the
// running stream is being stopped, a new one starts once it has exited.
func (o *Orchestrator) Create(key Key) {
	o.do(func() { o.create(key) })
}

// Kill requests termination of the stream for key and detaches its sink
// unless protected. The stream leaves the table when its process exits.
func (o *Orchestrator) Kill(key Key) {
	o.do(func() { o.kill(key) })
}

// Subscribe attaches sink to key and starts the stream. It reports false,
// starting nothing, if key already has a sink.
func (o *Orchestrator) Subscribe(key Key, sink Sink) bool {
	var ok bool
	o.do(func() {
		if ok = o.register(key, sink); ok {
			o.create(key)
		}
	})
	return ok
}

// Unsubscribe kills the stream for key and detaches its sink, cancelling a
// reconfiguration in progress for it.
func (o *Orchestrator) Unsubscribe(key Key) {
	o.do(func() { o.unsubscribe(key) })
}

// Detach unsubscribes key only while sink is still its subscriber, so a
// client that lost its slot cannot stop a stream now owned by another one.
// It reports whether key was unsubscribed; a sink whose dynamic type is not
// comparable never matches.
func (o *Orchestrator) Detach(key Key, sink Sink) bool {
	var ok bool
	o.do(func() {
		current, found := o.registry.Sink(key)
		if !found || !sameSink(current, sink) {
			return
		}
		ok = true
		o.unsubscribe(key)
	})
	return ok
}

// OnConfigChanged restarts every live stream of controller at quality so that
// it picks up new parameters, keeping each subscriber attached. It returns
// the number of streams it restarted.
func (o *Orchestrator) OnConfigChanged(controller int, quality Quality) int {
	var n int
	o.do(func() { n = o.reconfigure(controller, quality) })
	return n
}

// Streams returns a snapshot of the process table ordered by key.
func (o *Orchestrator) Streams() []StreamInfo {
	var out []StreamInfo
	o.do(func() {
		keys := o.table.keys()
		out = make([]StreamInfo, 0, len(keys))
		for _, key := range keys {
			e, _ := o.table.get(key)
			info := StreamInfo{
				Key:           key,
				Instance:      e.instance,
				Running:       e.handle != nil,
				Streaming:     e.streaming,
				Reconfiguring: e.superseded,
				Restarting:    e.restart,
				InFrame:       e.asm.InFrame(),
				Buffered:      e.asm.Buffered(),
				Frames:        e.asm.Frames(),
				Discarded:     e.asm.Discarded(),
				Subscribed:    o.registry.Has(key),
				CreatedAt:     e.createdAt,
				StartedAt:     e.startedAt,
			}
			if e.handle != nil {
				info.PID = e.handle.PID()
			}
			out = append(out, info)
		}
	})
	return out
}

// post queues ev for the loop. It reports false once the loop has stopped.
func (o *Orchestrator) post(ev any) bool {
	select {
	case o.in <- ev:
		return true
	case <-o.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (o *Orchestrator) do(fn func()) bool {
	cmd := command{fn: fn, done: make(chan struct{})}
	if !o.post(cmd) {
		return false
	}
	select {
	case <-cmd.done:
		return true
	case <-o.stopped:
		return false
	}
}

func (o *Orchestrator) loop() {
	defer close(o.stopped)
	for {
		select {
		case <-o.quit:
			o.logger.Warn("Orchestrator stopped with streams still running", "streams", o.table.len())
			return
		case ev := <-o.in:
			o.dispatch(ev)
			if o.closing && o.table.len() == 0 {
				o.logger.Info("All streams stopped")
				return
			}
		}
	}
}

func (o *Orchestrator) dispatch(ev any) {
	switch ev := ev.(type) {
	case command:
		ev.fn()
		close(ev.done)
	case spawnResult:
		o.handleSpawnResult(ev)
	case dataEvent:
		o.handleData(ev)
	case exitEvent:
		o.handleExit(ev)
	case respawnDue:
		o.handleRespawnDue(ev)
	case shutdownRequest:
		o.shutdown()
	default:
		o.logger.Error("Unknown loop event", "type", fmt.Sprintf("%T", ev))
	}
}

func (o *Orchestrator) register(key Key, sink Sink) bool {
	if !o.registry.Register(key, sink) {
		o.logger.Debug("Subscriber already registered", "key", key.String())
		return false
	}
	o.logger.Debug("Subscriber registered", "key", key.String())
	o.bus.Publish(events.SubscriberAttachedEvent{StreamRef: ref(key), Timestamp: now()})
	return true
}

func (o *Orchestrator) unregister(key Key) {
	if !o.registry.Unregister(key) {
		return
	}
	o.logger.Debug("Subscriber unregistered", "key", key.String())
	o.bus.Publish(events.SubscriberDetachedEvent{StreamRef: ref(key), Timestamp: now()})
}

func (o *Orchestrator) create(key Key) {
	if o.closing {
		o.logger.Debug("Ignoring create during shutdown", "key", key.String())
		return
	}
	if e, ok := o.table.get(key); ok {
		o.queueRestart(key, e)
		return
	}
	o.start(key, true)
}

// queueRestart handles create while an instance still holds key. A killed
// instance is replaced after its exit unless a reconfiguration already will.
func (o *Orchestrator) queueRestart(key Key, e *entry) {
	if _, pending := o.respawns[key]; pending || !e.killRequested || e.restart {
		o.logger.Debug("Stream already exists", "key", key.String(), "instance", e.instance)
		return
	}
	e.restart = true
	o.logger.Info("Restart queued behind stopping stream", "key", key.String(), "instance", e.instance)
	o.notifyLoading(key)
}

// start reserves a fresh instance for key and spawns it. notify is false
// when the subscriber was already told the stream is loading.
func (o *Orchestrator) start(key Key, notify bool) {
	o.nextInstance++
	e := &entry{
		instance:  o.nextInstance,
		asm:       NewAssembler(o.maxFrameSize),
		createdAt: time.Now(),
	}
	o.table.put(key, e)
	if notify {
		o.notifyLoading(key)
	}

	o.logger.Info("Starting stream", "key", key.String(), "instance", e.instance)
	o.bus.Publish(events.StreamStartingEvent{StreamRef: ref(key), Instance: e.instance, Timestamp: now()})

	o.spawns.Add(1)
	go o.spawn(key, e.instance)
}

func (o *Orchestrator) notifyLoading(key Key) {
	if o.lastError[key] {
		delete(o.lastError, key)
		o.registry.NotifyState(key, StateError, false)
	}
	o.registry.NotifyState(key, StateLoading, true)
}

// restartIfQueued starts the replacement queued by create once the killed
// instance e has left the table.
func (o *Orchestrator) restartIfQueued(key Key, e *entry) {
	if !e.restart || o.closing {
		return
	}
	if _, ok := o.table.get(key); ok {
		return
	}
	o.start(key, false)
}

// spawn resolves and starts the process off the loop.
func (o *Orchestrator) spawn(key Key, instance uint64) {
	defer o.spawns.Done()

	res := spawnResult{key: key, instance: instance}
	spec, err := o.resolver.Resolve(o.ctx, key)
	if err != nil {
		res.err = NewError(ErrCodeConfigResolution, "failed to resolve stream", key, err)
		o.post(res)
		return
	}
	if spec.Name == "" {
		spec.Name = key.String()
	}

	h, err := o.spawner.Spawn(o.ctx, spec, process.Callbacks{
		OnData: func(chunk []byte) {
			o.post(dataEvent{key: key, instance: instance, chunk: chunk})
		},
		OnExit: func(exit process.Exit) {
			o.post(exitEvent{key: key, instance: instance, exit: exit})
		},
	})
	if err != nil {
		res.err = NewError(ErrCodeSpawn, "failed to spawn transcoder", key, err)
		o.post(res)
		return
	}

	res.handle = h
	if !o.post(res) {
		_ = h.Stop()
	}
}

func (o *Orchestrator) handleSpawnResult(res spawnResult) {
	e, ok := o.table.lookup(res.key, res.instance)
	if !ok {
		// The process already exited before its handle arrived.
		o.logger.Debug("Spawn result for finished instance", "key", res.key.String(), "instance", res.instance)
		return
	}

	if res.err != nil {
		o.table.delete(res.key)
		o.logger.Error("Failed to start stream", "key", res.key.String(), "instance", res.instance, "error", res.err)

		code := ErrCodeSpawn
		var se *Error
		if errors.As(res.err, &se) {
			code = se.Code
		}
		o.bus.Publish(events.StreamFailedEvent{
			StreamRef: ref(res.key),
			Instance:  res.instance,
			Code:      code,
			Error:     res.err.Error(),
			Timestamp: now(),
		})

		if !e.superseded && !e.restart {
			o.registry.NotifyState(res.key, StateLoading, false)
			o.registry.NotifyState(res.key, StateError, true)
			o.registry.NotifyError(res.key, "failed to start stream")
			o.lastError[res.key] = true
		}
		o.instanceGone(res.key, res.instance)
		o.restartIfQueued(res.key, e)
		return
	}

	e.handle = res.handle
	e.startedAt = time.Now()
	o.logger.Info("Stream started", "key", res.key.String(), "instance", res.instance, "pid", res.handle.PID())
	o.bus.Publish(events.StreamStartedEvent{
		StreamRef: ref(res.key),
		Instance:  res.instance,
		PID:       res.handle.PID(),
		Timestamp: now(),
	})

	if e.killRequested {
		o.stopHandle(res.key, e)
	}
}

func (o *Orchestrator) handleData(ev dataEvent) {
	e, ok := o.table.lookup(ev.key, ev.instance)
	if !ok {
		o.logger.Debug("Dropping output of finished instance", "key", ev.key.String(), "instance", ev.instance)
		return
	}
	if e.superseded {
		return
	}

	if !e.streaming {
		e.streaming = true
		o.registry.NotifyState(ev.key, StateLoading, false)
		o.registry.NotifyState(ev.key, StateSuccess, true)
	}

	discardedBefore := e.asm.Discarded()
	for _, frame := range e.asm.Feed(ev.chunk) {
		delivered := o.registry.NotifyFrame(ev.key, EncodeFrame(frame))
		o.bus.Publish(events.FrameEvent{StreamRef: ref(ev.key), Size: len(frame), Delivered: delivered})
	}
	if dropped := e.asm.Discarded() - discardedBefore; dropped > 0 {
		o.logger.Warn("Discarded oversized frame", "key", ev.key.String(), "bytes", dropped, "limit", o.maxFrameSize)
		o.bus.Publish(events.FrameDiscardedEvent{StreamRef: ref(ev.key), Bytes: int(dropped)})
	}
}

func (o *Orchestrator) handleExit(ev exitEvent) {
	e, ok := o.table.lookup(ev.key, ev.instance)
	if !ok {
		o.logger.Debug("Exit of unknown instance", "key", ev.key.String(), "instance", ev.instance)
		return
	}
	o.table.delete(ev.key)

	attrs := []any{"key", ev.key.String(), "instance", ev.instance, "exit_code", ev.exit.Code}
	if ev.exit.Signal != "" {
		attrs = append(attrs, "signal", ev.exit.Signal)
	}
	switch {
	case e.killRequested:
		o.logger.Info("Stream stopped", attrs...)
	default:
		err := NewError(ErrCodeProcessExited, "transcoder exited", ev.key, ev.exit.Err)
		o.logger.Warn("Stream exited", append(attrs, "error", err)...)
	}

	o.bus.Publish(events.StreamStoppedEvent{
		StreamRef:  ref(ev.key),
		Instance:   ev.instance,
		ExitCode:   ev.exit.Code,
		Signal:     ev.exit.Signal,
		Requested:  e.killRequested,
		Superseded: e.superseded,
		Frames:     e.asm.Frames(),
		Timestamp:  now(),
	})

	// A superseded or restarting instance is followed by a new one.
	if !e.superseded && !e.restart {
		o.registry.NotifyState(ev.key, StateSuccess, false)
		o.registry.NotifyState(ev.key, StateLoading, false)
		o.registry.NotifyState(ev.key, StateError, true)
		o.registry.NotifyError(ev.key, fmt.Sprintf("camera stream %d stopped", ev.key.Camera))
		o.lastError[ev.key] = true
	}
	o.instanceGone(ev.key, ev.instance)
	o.restartIfQueued(ev.key, e)
}

func (o *Orchestrator) unsubscribe(key Key) {
	if r, ok := o.respawns[key]; ok {
		r.timer.Stop()
		delete(o.respawns, key)
	}
	o.registry.SetProtected(key, false)
	o.kill(key)
	o.unregister(key)
}

func (o *Orchestrator) kill(key Key) {
	e, ok := o.table.get(key)
	if !ok {
		o.logger.Debug("No stream to kill", "key", key.String())
		return
	}
	o.unregister(key)
	e.restart = false

	if e.killRequested {
		return
	}
	e.killRequested = true
	o.logger.Info("Stopping stream", "key", key.String(), "instance", e.instance)
	if e.handle != nil {
		o.stopHandle(key, e)
	}
}

func (o *Orchestrator) stopHandle(key Key, e *entry) {
	if err := e.handle.Stop(); err != nil {
		o.logger.Error("Failed to stop stream", "error", NewError(ErrCodeKill, "failed to stop transcoder", key, err))
	}
}

// reconfigure kills every live stream of (controller, quality) and schedules
// its replacement. Subscribers stay protected until the replacement exists.
func (o *Orchestrator) reconfigure(controller int, quality Quality) int {
	if o.closing {
		return 0
	}
	keys := o.table.match(controller, quality)
	if len(keys) == 0 {
		o.logger.Debug("No live streams to reconfigure", "controller", controller, "quality", quality.String())
		return 0
	}

	n := 0
	for _, key := range keys {
		e, _ := o.table.get(key)
		if e.superseded || e.killRequested {
			continue
		}
		o.logger.Info("Reconfiguring stream", "key", key.String(), "instance", e.instance)
		o.bus.Publish(events.StreamReconfiguringEvent{StreamRef: ref(key), Instance: e.instance, Timestamp: now()})

		o.registry.NotifyState(key, StateSuccess, false)
		o.registry.NotifyState(key, StateConfiguring, true)
		o.registry.SetProtected(key, true)
		e.superseded = true
		o.kill(key)

		r := &respawn{instance: e.instance}
		instance := e.instance
		r.timer = time.AfterFunc(o.respawnDelay, func() {
			o.post(respawnDue{key: key, instance: instance})
		})
		o.respawns[key] = r
		n++
	}
	return n
}

func (o *Orchestrator) handleRespawnDue(ev respawnDue) {
	r, ok := o.respawns[ev.key]
	if !ok || r.instance != ev.instance {
		return
	}
	r.due = true
	if r.exited {
		o.respawn(ev.key)
	} else {
		o.logger.Debug("Respawn waiting for exit", "key", ev.key.String(), "instance", ev.instance)
	}
}

// instanceGone is called once an instance has left the table.
func (o *Orchestrator) instanceGone(key Key, instance uint64) {
	r, ok := o.respawns[key]
	if !ok || r.instance != instance {
		return
	}
	r.exited = true
	if r.due {
		o.respawn(key)
	}
}

func (o *Orchestrator) respawn(key Key) {
	delete(o.respawns, key)
	o.registry.NotifyState(key, StateConfiguring, false)
	o.create(key)
	o.registry.SetProtected(key, false)
}

func (o *Orchestrator) shutdown() {
	o.logger.Info("Shutting down streams", "streams", o.table.len())
	o.closing = true
	for key, r := range o.respawns {
		r.timer.Stop()
		delete(o.respawns, key)
	}
	for _, key := range o.table.keys() {
		o.registry.SetProtected(key, false)
		o.kill(key)
	}
	// Abort resolutions and spawns still in flight.
	o.cancel()
}

// sameSink compares sinks by identity. Sinks of a non-comparable type make
// interface comparison panic; they never match.
func sameSink(a, b Sink) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func ref(key Key) events.StreamRef {
	return events.StreamRef{
		Key:        key.String(),
		Controller: key.Controller,
		Camera:     key.Camera,
		Quality:    key.Quality.String(),
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
