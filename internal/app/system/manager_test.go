package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	name     string
	startErr error
	stopErr  error
	events   *[]string
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(_ context.Context) error {
	*s.events = append(*s.events, "start:"+s.name)
	return s.startErr
}

func (s *recordingService) Stop(_ context.Context) error {
	*s.events = append(*s.events, "stop:"+s.name)
	return s.stopErr
}

func TestStartOrderAndStopReverse(t *testing.T) {
	var events []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&recordingService{name: name, events: &events}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events %v", events)
	}
	for i, e := range want {
		if events[i] != e {
			t.Fatalf("event %d: got %s want %s", i, events[i], e)
		}
	}
}

func TestFailedStartUnwinds(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Register(&recordingService{name: "ok", events: &events}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(&recordingService{name: "bad", startErr: errors.New("boom"), events: &events}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected start failure")
	}

	want := []string{"start:ok", "start:bad", "stop:ok"}
	if len(events) != len(want) {
		t.Fatalf("events %v", events)
	}
	for i, e := range want {
		if events[i] != e {
			t.Fatalf("event %d: got %s want %s", i, events[i], e)
		}
	}
}

func TestRegisterRules(t *testing.T) {
	m := NewManager()

	if err := m.Register(nil); err == nil {
		t.Fatalf("nil service must be rejected")
	}
	if err := m.Register(NoopService{}); err == nil {
		t.Fatalf("empty name must be rejected")
	}
	if err := m.Register(NoopService{ServiceName: "x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(NoopService{ServiceName: "x"}); err == nil {
		t.Fatalf("duplicate name must be rejected")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Register(NoopService{ServiceName: "late"}); err == nil {
		t.Fatalf("registration after start must be rejected")
	}
}
