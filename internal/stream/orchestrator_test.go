package stream

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/smazurov/camfeed/internal/process"
)

var testKey = Key{Controller: 1, Camera: 1, Quality: Primary}

func TestCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.o.Create(testKey)
		}()
	}
	wg.Wait()
	h.waitRunning(t, testKey)
	h.o.Create(testKey)
	h.sync()

	if got := h.spawner.callCount(); got != 1 {
		t.Errorf("spawn called %d times, want 1", got)
	}
	if got := len(h.o.Streams()); got != 1 {
		t.Errorf("%d table entries, want 1", got)
	}
}

func TestConcreteScenario(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}

	if !h.o.Subscribe(testKey, sink) {
		t.Fatal("Subscribe returned false")
	}
	p := h.spawner.next(t)
	h.sync()
	if got := sink.Events(); !slices.Equal(got, []string{"isLoading=true"}) {
		t.Fatalf("after create: %v", got)
	}

	p.emit([]byte{0xFF, 0xD8, 'a', 'b', 'c'})
	h.sync()
	if s, _ := h.stream(testKey); !s.InFrame || s.Buffered != 5 {
		t.Errorf("after chunk1: InFrame=%v Buffered=%d", s.InFrame, s.Buffered)
	}

	p.emit([]byte{'d', 'e', 'f', 0xFF, 0xD9})
	h.sync()

	frame := []byte{0xFF, 0xD8, 'a', 'b', 'c', 'd', 'e', 'f', 0xFF, 0xD9}
	want := []string{
		"isLoading=true",
		"isLoading=false",
		"isSuccess=true",
		"frame:" + EncodeFrame(frame),
	}
	if diff := cmp.Diff(want, sink.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if s, _ := h.stream(testKey); s.InFrame || s.Frames != 1 {
		t.Errorf("after chunk2: InFrame=%v Frames=%d", s.InFrame, s.Frames)
	}
}

func TestKillBeforeCreateIsNoop(t *testing.T) {
	h := newHarness(t)

	h.o.Kill(testKey)

	if n := len(h.o.Streams()); n != 0 {
		t.Errorf("%d table entries after kill", n)
	}
	if h.subscribed(testKey) {
		t.Error("observer created by kill")
	}
	if h.spawner.callCount() != 0 {
		t.Error("kill spawned a process")
	}
}

func TestKillLeavesObserverWithoutStream(t *testing.T) {
	h := newHarness(t)
	h.o.Register(testKey, &recordingSink{})

	// No process entry, so kill does nothing at all.
	h.o.Kill(testKey)
	if !h.subscribed(testKey) {
		t.Error("kill without a stream removed the observer")
	}
}

func TestKillStopsProcessAndUnregisters(t *testing.T) {
	h := newHarness(t)
	h.spawner.exitOnStop = false
	sink := &recordingSink{}

	h.o.Subscribe(testKey, sink)
	p := h.spawner.next(t)
	h.waitRunning(t, testKey)

	h.o.Kill(testKey)
	if !p.isStopped() {
		t.Fatal("handle not stopped")
	}
	if h.subscribed(testKey) {
		t.Error("observer still registered after kill")
	}
	if _, ok := h.stream(testKey); !ok {
		t.Error("entry removed before exit event")
	}

	p.exit(process.Exit{Code: 255})
	h.waitGone(t, testKey)

	// A new create is allowed once the exit has been processed.
	h.o.Create(testKey)
	h.spawner.next(t).exit(process.Exit{})
}

func TestProtectedObserverSurvivesKill(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}

	h.o.Subscribe(testKey, sink)
	h.spawner.next(t)
	h.waitRunning(t, testKey)
	h.o.do(func() { h.o.registry.SetProtected(testKey, true) })

	h.o.Kill(testKey)
	h.waitGone(t, testKey)

	if !h.subscribed(testKey) {
		t.Fatal("protected observer removed by kill")
	}
	h.o.Unregister(testKey)
	if !h.subscribed(testKey) {
		t.Fatal("protected observer removed by unregister")
	}
}

func TestRegisterFirstWriterWins(t *testing.T) {
	h := newHarness(t)
	first, second := &recordingSink{}, &recordingSink{}

	if !h.o.Register(testKey, first) {
		t.Fatal("first Register failed")
	}
	if h.o.Register(testKey, second) {
		t.Fatal("second Register replaced the sink")
	}
	if h.o.Subscribe(testKey, second) {
		t.Fatal("Subscribe with a taken key succeeded")
	}
	if h.spawner.callCount() != 0 {
		t.Error("rejected Subscribe started a stream")
	}

	h.o.Create(testKey)
	h.spawner.next(t)
	h.sync()
	if len(first.Events()) == 0 || len(second.Events()) != 0 {
		t.Errorf("first=%v second=%v", first.Events(), second.Events())
	}
}

func TestProcessExitNotifiesAndAllowsRetry(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}

	h.o.Subscribe(testKey, sink)
	p := h.spawner.next(t)
	p.emit([]byte{0})
	p.exit(process.Exit{Code: 1})
	h.waitGone(t, testKey)

	want := []string{
		"isLoading=true",
		"isLoading=false",
		"isSuccess=true",
		"isSuccess=false",
		"isLoading=false",
		"isError=true",
		"error:camera stream 1 stopped",
	}
	if diff := cmp.Diff(want, sink.Events()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	h.o.Create(testKey)
	h.spawner.next(t)
	h.sync()
	got := sink.Events()[len(want):]
	if !slices.Equal(got, []string{"isError=false", "isLoading=true"}) {
		t.Errorf("recreate events = %v", got)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*harness)
	}{
		{"resolution", func(h *harness) { h.resolver.err = errUnavailable }},
		{"spawn", func(h *harness) { h.spawner.err = errUnavailable }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			sink := &recordingSink{}

			h.o.Subscribe(testKey, sink)
			waitFor(t, "failure notification", func() bool { return len(sink.Events()) == 4 })

			want := []string{"isLoading=true", "isLoading=false", "isError=true", "error:failed to start stream"}
			if got := sink.Events(); !slices.Equal(got, want) {
				t.Fatalf("events = %v, want %v", got, want)
			}
			if _, ok := h.stream(testKey); ok {
				t.Fatal("failed start left a table entry")
			}

			// The key stays absent so a later create retries.
			h.resolver.mu.Lock()
			h.resolver.err = nil
			h.resolver.mu.Unlock()
			h.spawner.mu.Lock()
			h.spawner.err = nil
			h.spawner.mu.Unlock()

			h.o.Create(testKey)
			h.spawner.next(t)
			if h.resolver.callCount() != 2 {
				t.Errorf("resolver called %d times, want 2", h.resolver.callCount())
			}
		})
	}
}

func TestReconfigurationPreservesSubscription(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}
	other := Key{Controller: 1, Camera: 1, Quality: Secondary}

	h.o.Subscribe(testKey, sink)
	old := h.spawner.next(t)
	h.o.Subscribe(other, &recordingSink{})
	untouched := h.spawner.next(t)
	h.waitRunning(t, testKey)

	old.emit(jpeg("A"))
	if n := h.o.OnConfigChanged(1, Primary); n != 1 {
		t.Errorf("OnConfigChanged restarted %d streams, want 1", n)
	}

	replacement := h.spawner.next(t)
	if !old.isStopped() {
		t.Error("old process not stopped")
	}
	if untouched.isStopped() {
		t.Error("stream of another quality was restarted")
	}
	h.waitRunning(t, testKey)
	replacement.emit(jpeg("B"))
	h.sync()

	want := []string{
		"isLoading=true",
		"isLoading=false",
		"isSuccess=true",
		"frame:" + EncodeFrame(jpeg("A")),
		"isSuccess=false",
		"isConfiguring=true",
		"isConfiguring=false",
		"isLoading=true",
		"isLoading=false",
		"isSuccess=true",
		"frame:" + EncodeFrame(jpeg("B")),
	}
	if diff := cmp.Diff(want, sink.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	var protected bool
	h.o.do(func() { protected = h.o.registry.Protected(testKey) })
	if protected {
		t.Error("observer still protected after respawn")
	}
	if h.resolver.callCount() != 3 {
		t.Errorf("resolver called %d times, want 3 (config re-resolved)", h.resolver.callCount())
	}
}

func TestReconfigurationWaitsForExit(t *testing.T) {
	h := newHarness(t)
	h.spawner.exitOnStop = false

	h.o.Subscribe(testKey, &recordingSink{})
	old := h.spawner.next(t)
	h.waitRunning(t, testKey)

	h.o.OnConfigChanged(1, Primary)
	if n := h.o.OnConfigChanged(1, Primary); n != 0 {
		t.Errorf("repeated change restarted %d streams, want 0", n)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.spawner.callCount(); n != 1 {
		t.Fatalf("respawned before the old process exited (%d spawns)", n)
	}

	old.exit(process.Exit{Code: 255, Signal: "interrupt"})
	h.spawner.next(t).exit(process.Exit{})
}

func TestReconfigurationDropsStaleOutput(t *testing.T) {
	h := newHarness(t)
	h.spawner.exitOnStop = false
	sink := &recordingSink{}

	h.o.Subscribe(testKey, sink)
	old := h.spawner.next(t)
	h.waitRunning(t, testKey)
	h.o.OnConfigChanged(1, Primary)

	// Output of the superseded process, before and after its exit, is ignored.
	old.emit(jpeg("late"))
	old.exit(process.Exit{Code: 255})
	replacement := h.spawner.next(t)
	old.cb.OnData(jpeg("later"))
	old.cb.OnExit(process.Exit{Code: 1})
	h.sync()

	for _, ev := range sink.Events() {
		if ev == "frame:"+EncodeFrame(jpeg("late")) || ev == "frame:"+EncodeFrame(jpeg("later")) {
			t.Errorf("stale frame delivered: %s", ev)
		}
		if ev == "isError=true" {
			t.Error("superseded exit reported as an error")
		}
	}
	h.waitRunning(t, testKey)
	if s, _ := h.stream(testKey); s.PID != replacement.PID() {
		t.Errorf("replacement entry disturbed by stale exit: %+v", s)
	}
	replacement.exit(process.Exit{})
}

func TestReconfigurationIgnoresUnmatchedKeys(t *testing.T) {
	h := newHarness(t)
	h.o.Subscribe(testKey, &recordingSink{})
	p := h.spawner.next(t)
	h.waitRunning(t, testKey)

	if n := h.o.OnConfigChanged(2, Primary) + h.o.OnConfigChanged(1, Auxiliary); n != 0 {
		t.Errorf("unrelated changes restarted %d streams", n)
	}

	if p.isStopped() || h.spawner.callCount() != 1 {
		t.Error("unrelated config change touched the stream")
	}
}

func TestUnsubscribeCancelsReconfiguration(t *testing.T) {
	h := newHarness(t)
	h.spawner.exitOnStop = false

	h.o.Subscribe(testKey, &recordingSink{})
	old := h.spawner.next(t)
	h.waitRunning(t, testKey)

	h.o.OnConfigChanged(1, Primary)
	h.o.Unsubscribe(testKey)
	old.exit(process.Exit{Code: 255})
	h.waitGone(t, testKey)
	time.Sleep(50 * time.Millisecond)
	h.sync()

	if n := h.spawner.callCount(); n != 1 {
		t.Errorf("stream respawned after unsubscribe (%d spawns)", n)
	}
	if h.subscribed(testKey) {
		t.Error("observer still registered")
	}
}

func TestKillDuringSpawn(t *testing.T) {
	h := newHarness(t)
	h.spawner.gate = make(chan struct{})

	h.o.Create(testKey)
	waitFor(t, "spawn call", func() bool { return h.spawner.callCount() == 1 })
	h.o.Kill(testKey)
	h.sync()
	if n := h.spawner.callCount(); n != 1 {
		t.Fatalf("kill of a reservation spawned again (%d spawns)", n)
	}

	close(h.spawner.gate)
	p := h.spawner.next(t)
	waitFor(t, "stop of late handle", p.isStopped)
	h.waitGone(t, testKey)
}

func TestCreateWhileStopping(t *testing.T) {
	tests := []struct {
		name string
		stop func(h *harness)
	}{
		{"after kill", func(h *harness) { h.o.Kill(testKey) }},
		{"after unsubscribe during reconfiguration", func(h *harness) {
			h.o.OnConfigChanged(1, Primary)
			h.o.Unsubscribe(testKey)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.spawner.exitOnStop = false

			h.o.Subscribe(testKey, &recordingSink{})
			old := h.spawner.next(t)
			h.waitRunning(t, testKey)
			tt.stop(h)

			// A reconnecting client arrives before the old process is gone.
			next := &recordingSink{}
			if !h.o.Subscribe(testKey, next) {
				t.Fatal("Subscribe refused while the old stream stops")
			}
			h.sync()
			if diff := cmp.Diff([]string{"isLoading=true"}, next.Events()); diff != "" {
				t.Errorf("events before exit (-want +got):\n%s", diff)
			}
			if s, _ := h.stream(testKey); !s.Restarting {
				t.Errorf("stream not marked restarting: %+v", s)
			}

			old.exit(process.Exit{Code: 255, Signal: "interrupt"})
			replacement := h.spawner.next(t)
			h.waitRunning(t, testKey)
			replacement.emit(jpeg("new"))
			h.sync()

			want := []string{
				"isLoading=true",
				"isLoading=false",
				"isSuccess=true",
				"frame:" + EncodeFrame(jpeg("new")),
			}
			if diff := cmp.Diff(want, next.Events()); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
			if n := h.spawner.callCount(); n != 2 {
				t.Errorf("spawns = %d, want 2", n)
			}
			replacement.exit(process.Exit{})
		})
	}
}

func TestUnsubscribeCancelsQueuedRestart(t *testing.T) {
	h := newHarness(t)
	h.spawner.exitOnStop = false

	h.o.Subscribe(testKey, &recordingSink{})
	old := h.spawner.next(t)
	h.waitRunning(t, testKey)
	h.o.Kill(testKey)
	h.o.Subscribe(testKey, &recordingSink{})
	h.o.Unsubscribe(testKey)

	old.exit(process.Exit{Code: 255})
	h.waitGone(t, testKey)
	time.Sleep(30 * time.Millisecond)
	h.sync()
	if n := h.spawner.callCount(); n != 1 {
		t.Errorf("queued restart survived unsubscribe (%d spawns)", n)
	}
}

func TestCreateDuringReconfigurationWaitsForRespawn(t *testing.T) {
	h := newHarness(t)
	h.spawner.exitOnStop = false

	h.o.Subscribe(testKey, &recordingSink{})
	old := h.spawner.next(t)
	h.waitRunning(t, testKey)
	h.o.OnConfigChanged(1, Primary)
	h.o.Create(testKey)

	old.exit(process.Exit{Code: 255})
	replacement := h.spawner.next(t)
	time.Sleep(30 * time.Millisecond)
	h.sync()
	if n := h.spawner.callCount(); n != 2 {
		t.Errorf("spawns = %d, want one replacement", n)
	}
	replacement.exit(process.Exit{})
}

func TestDetachNonComparableSink(t *testing.T) {
	h := newHarness(t)
	sink := funcSink{record: func(string) {}}

	h.o.Subscribe(testKey, sink)
	h.spawner.next(t)
	h.waitRunning(t, testKey)

	if h.o.Detach(testKey, funcSink{record: func(string) {}}) {
		t.Error("non-comparable sink matched")
	}
	if !h.subscribed(testKey) {
		t.Error("subscription lost")
	}
	h.o.Unsubscribe(testKey)
	h.waitGone(t, testKey)
}

func TestKillFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.spawner.exitOnStop = false
	h.spawner.stopErr = errors.New("operation not permitted")

	h.o.Subscribe(testKey, &recordingSink{})
	p := h.spawner.next(t)
	h.waitRunning(t, testKey)

	h.o.Kill(testKey)
	if _, ok := h.stream(testKey); !ok {
		t.Fatal("entry removed without an exit event")
	}
	p.exit(process.Exit{Code: 0})
	h.waitGone(t, testKey)
}

func TestKeysAreIsolated(t *testing.T) {
	h := newHarness(t)
	a, b := &recordingSink{}, &recordingSink{}
	keyB := Key{Controller: 1, Camera: 2, Quality: Primary}

	h.o.Subscribe(testKey, a)
	pa := h.spawner.next(t)
	h.o.Subscribe(keyB, b)
	pb := h.spawner.next(t)

	pa.exit(process.Exit{Code: 1})
	pb.emit(jpeg("b"))
	h.waitGone(t, testKey)
	h.sync()

	if _, ok := h.stream(keyB); !ok {
		t.Fatal("exit of one stream removed another")
	}
	if got := b.Events(); got[len(got)-1] != "frame:"+EncodeFrame(jpeg("b")) {
		t.Errorf("other stream events = %v", got)
	}
	for _, ev := range b.Events() {
		if ev == "isError=true" {
			t.Error("error leaked to another key")
		}
	}
}

type panickingSink struct{ recordingSink }

func (s *panickingSink) OnState(StateFlag, bool) { panic("boom") }

func TestSinkPanicDoesNotStopLoop(t *testing.T) {
	h := newHarness(t)
	h.o.Subscribe(testKey, &panickingSink{})
	p := h.spawner.next(t)
	p.emit(jpeg("x"))
	h.sync()

	if s, ok := h.stream(testKey); !ok || s.Frames != 1 {
		t.Errorf("loop stalled after sink panic: %+v", s)
	}
}

func TestMaxFrameSizeOption(t *testing.T) {
	sp := newFakeSpawner()
	o := New(Options{Resolver: &countingResolver{}, Spawner: sp, Logger: testLogger(), MaxFrameSize: 8})
	o.Start()
	defer o.Shutdown(context.Background())

	o.Create(testKey)
	p := sp.next(t)
	p.emit([]byte{0xFF, 0xD8, 1, 2, 3, 4, 5, 6, 7, 8, 9})

	waitFor(t, "discard", func() bool {
		s := o.Streams()
		return len(s) == 1 && s[0].Discarded == 11
	})
}

func TestStreamsSnapshot(t *testing.T) {
	h := newHarness(t)
	keys := []Key{
		{Controller: 2, Camera: 1, Quality: Primary},
		{Controller: 1, Camera: 3, Quality: Auxiliary},
		{Controller: 1, Camera: 3, Quality: Primary},
	}
	for _, k := range keys {
		h.o.Create(k)
		h.spawner.next(t)
		h.waitRunning(t, k)
	}
	h.o.Register(keys[0], &recordingSink{})

	got := h.o.Streams()
	want := []Key{keys[2], keys[1], keys[0]}
	if len(got) != len(want) {
		t.Fatalf("got %d streams", len(got))
	}
	for i, s := range got {
		if s.Key != want[i] {
			t.Errorf("stream %d key = %v, want %v", i, s.Key, want[i])
		}
		if s.PID == 0 || s.StartedAt.IsZero() {
			t.Errorf("stream %d missing pid or start time: %+v", i, s)
		}
	}
	if !got[2].Subscribed || got[0].Subscribed {
		t.Error("subscribed flags wrong")
	}
}

func TestShutdownStopsAllStreams(t *testing.T) {
	sp := newFakeSpawner()
	o := New(Options{Resolver: &countingResolver{}, Spawner: sp, Logger: testLogger()})
	o.Start()

	var procs []*fakeProc
	for cam := range 3 {
		o.Subscribe(Key{Controller: 1, Camera: cam, Quality: Primary}, &recordingSink{})
		procs = append(procs, sp.next(t))
	}

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for i, p := range procs {
		if !p.isStopped() {
			t.Errorf("process %d not stopped", i)
		}
	}

	// Calls after shutdown are ignored.
	o.Create(testKey)
	if o.Subscribe(testKey, &recordingSink{}) {
		t.Error("Subscribe succeeded after shutdown")
	}
	if o.Streams() != nil {
		t.Error("Streams returned data after shutdown")
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestShutdownTimeout(t *testing.T) {
	sp := newFakeSpawner()
	sp.exitOnStop = false
	o := New(Options{Resolver: &countingResolver{}, Spawner: sp, Logger: testLogger()})
	o.Start()

	o.Create(testKey)
	sp.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := o.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown error = %v, want deadline exceeded", err)
	}
}

func TestShutdownWithPendingSpawn(t *testing.T) {
	sp := newFakeSpawner()
	sp.gate = make(chan struct{})
	o := New(Options{Resolver: &countingResolver{}, Spawner: sp, Logger: testLogger()})
	o.Start()

	o.Create(testKey)
	waitFor(t, "spawn call", func() bool { return sp.callCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	o := New(Options{Resolver: &countingResolver{}, Spawner: newFakeSpawner()})
	if err := o.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	o.Start()
	o.Create(testKey)
}

func TestNewRequiresCollaborators(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New without Spawner did not panic")
		}
	}()
	New(Options{Resolver: &countingResolver{}})
}

func TestDetachOnlyOwnSink(t *testing.T) {
	h := newHarness(t)
	first, second := &recordingSink{}, &recordingSink{}

	h.o.Subscribe(testKey, first)
	p := h.spawner.next(t)
	h.waitRunning(t, testKey)

	// A kill from elsewhere frees the slot and a second client takes it.
	h.o.Kill(testKey)
	h.waitGone(t, testKey)
	if !h.o.Subscribe(testKey, second) {
		t.Fatal("second Subscribe failed")
	}
	replacement := h.spawner.next(t)

	if h.o.Detach(testKey, first) {
		t.Error("stale sink detached the new subscriber")
	}
	if replacement.isStopped() || !h.subscribed(testKey) {
		t.Error("stale detach touched the new stream")
	}
	if !p.isStopped() {
		t.Error("first process not stopped")
	}

	if !h.o.Detach(testKey, second) {
		t.Error("owner could not detach")
	}
	h.waitGone(t, testKey)
	if h.subscribed(testKey) {
		t.Error("observer still registered after detach")
	}
}
