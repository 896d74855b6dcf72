package stream

import (
	"slices"
	"testing"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(testLogger())
	a, b := &recordingSink{}, &recordingSink{}

	if !r.Register(testKey, a) {
		t.Fatal("first Register failed")
	}
	if r.Register(testKey, b) {
		t.Fatal("second Register succeeded")
	}
	if !r.Has(testKey) || r.Len() != 1 {
		t.Fatalf("Has=%v Len=%d", r.Has(testKey), r.Len())
	}

	r.NotifyState(testKey, StateLoading, true)
	if len(a.Events()) != 1 || len(b.Events()) != 0 {
		t.Errorf("a=%v b=%v", a.Events(), b.Events())
	}
}

func TestRegistryProtection(t *testing.T) {
	tests := []struct {
		name      string
		protect   bool
		wantGone  bool
		wantFlags bool
	}{
		{"unprotected", false, true, false},
		{"protected", true, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(testLogger())
			r.Register(testKey, &recordingSink{})
			r.SetProtected(testKey, tt.protect)

			if got := r.Protected(testKey); got != tt.wantFlags {
				t.Errorf("Protected = %v", got)
			}
			if got := r.Unregister(testKey); got != tt.wantGone {
				t.Errorf("Unregister = %v, want %v", got, tt.wantGone)
			}
			if r.Has(testKey) == tt.wantGone {
				t.Errorf("Has = %v after Unregister", r.Has(testKey))
			}
		})
	}
}

func TestRegistryAbsentKey(t *testing.T) {
	r := NewRegistry(nil)

	r.SetProtected(testKey, true)
	if r.Protected(testKey) || r.Has(testKey) {
		t.Error("SetProtected created an entry")
	}
	if r.Unregister(testKey) {
		t.Error("Unregister of absent key reported removal")
	}
	if r.NotifyState(testKey, StateError, true) ||
		r.NotifyFrame(testKey, "x") ||
		r.NotifyError(testKey, "x") {
		t.Error("notify to absent key reported delivery")
	}
}

func TestRegistryNotify(t *testing.T) {
	r := NewRegistry(testLogger())
	sink := &recordingSink{}
	r.Register(testKey, sink)

	if !r.NotifyState(testKey, StateConfiguring, true) {
		t.Error("NotifyState not delivered")
	}
	if !r.NotifyFrame(testKey, "data:image/jpeg;base64,AA==") {
		t.Error("NotifyFrame not delivered")
	}
	if !r.NotifyError(testKey, "camera stream 1 stopped") {
		t.Error("NotifyError not delivered")
	}

	want := []string{
		"isConfiguring=true",
		"frame:data:image/jpeg;base64,AA==",
		"error:camera stream 1 stopped",
	}
	if got := sink.Events(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestRegistryRecoversSinkPanic(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(testKey, &panickingSink{})

	if r.NotifyState(testKey, StateLoading, true) {
		t.Error("panicking sink reported as delivered")
	}
	if !r.NotifyFrame(testKey, "x") {
		t.Error("sink unusable after panic")
	}
}

func TestRegistrySinkLookup(t *testing.T) {
	r := NewRegistry(testLogger())
	sink := &recordingSink{}
	r.Register(testKey, sink)

	got, ok := r.Sink(testKey)
	if !ok || got != Sink(sink) {
		t.Errorf("Sink = %v, %v", got, ok)
	}
	if _, ok := r.Sink(Key{Controller: 5}); ok {
		t.Error("Sink found for absent key")
	}
}

type panickingDetacher struct {
	recordingSink
}

func (s *panickingDetacher) OnDetach() { panic("closed twice") }

func TestRegistryUnregisterNotifiesDetacher(t *testing.T) {
	tests := []struct {
		name    string
		protect bool
		want    []string
	}{
		{"unprotected", false, []string{"detached"}},
		{"protected", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(testLogger())
			sink := &detachingSink{}
			r.Register(testKey, sink)
			r.SetProtected(testKey, tt.protect)
			r.Unregister(testKey)

			if got := sink.Events(); !slices.Equal(got, tt.want) {
				t.Errorf("events = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryRecoversDetachPanic(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(testKey, &panickingDetacher{})

	if !r.Unregister(testKey) {
		t.Error("Unregister failed")
	}
	if r.Has(testKey) {
		t.Error("sink still registered after OnDetach panic")
	}
}
