package notify

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type recordingScheduler struct {
	reminders []Reminder
	err       error
}

func (r *recordingScheduler) ScheduleReminder(ctx context.Context, rem Reminder) error {
	if r.err != nil {
		return r.err
	}
	r.reminders = append(r.reminders, rem)
	return nil
}

func TestBuildEmptyObjectEqualsDefaults(t *testing.T) {
	d := New()
	got := d.Build([]byte(`{}`))
	if !reflect.DeepEqual(got, DefaultDescriptor()) {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestBuildFallsBackOnBadPayloads(t *testing.T) {
	d := New()
	payloads := [][]byte{
		nil,
		[]byte(""),
		[]byte("   "),
		[]byte("not json"),
		[]byte(`{"title": 42}`),
		[]byte(`["title"]`),
		[]byte(`{"actions": "open"}`),
	}

	for _, p := range payloads {
		got := d.Build(p)
		if !reflect.DeepEqual(got, DefaultDescriptor()) {
			t.Errorf("payload %q: expected defaults, got %+v", p, got)
		}
	}
}

func TestBuildMergesPresentFields(t *testing.T) {
	d := New()
	got := d.Build([]byte(`{
		"title": "New questions",
		"tag": "questions-7",
		"actions": [{"action": "open", "title": "Go"}],
		"data": {"url": "/questions/7"}
	}`))

	def := DefaultDescriptor()
	if got.Title != "New questions" || got.Tag != "questions-7" {
		t.Errorf("present fields not applied: %+v", got)
	}
	if got.Body != def.Body || got.Icon != def.Icon || got.Badge != def.Badge {
		t.Errorf("absent fields should keep defaults: %+v", got)
	}
	if len(got.Actions) != 1 || got.Actions[0].Title != "Go" {
		t.Errorf("actions not replaced: %+v", got.Actions)
	}
	if got.Data["url"] != "/questions/7" {
		t.Errorf("data not replaced: %+v", got.Data)
	}
}

func TestBuildDoesNotLeakIntoDefaults(t *testing.T) {
	d := New()
	got := d.Build([]byte(`{}`))
	got.Actions[0].Title = "mutated"
	got.Data["url"] = "/mutated"

	again := d.Build([]byte(`{}`))
	if !reflect.DeepEqual(again, DefaultDescriptor()) {
		t.Fatalf("mutating a built descriptor changed the defaults: %+v", again)
	}
}

func TestRouteOpen(t *testing.T) {
	d := New()

	tests := []struct {
		data map[string]any
		want string
	}{
		{map[string]any{"url": "/questions/3?x=1"}, "/questions/3?x=1"},
		{nil, "/"},
		{map[string]any{"url": "https://evil.example/phish"}, "/"},
		{map[string]any{"url": "//evil.example"}, "/"},
		{map[string]any{"url": 12}, "/"},
	}
	for _, tt := range tests {
		got, err := d.Route(context.Background(), ActionOpen, tt.data)
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if got.Kind != KindNavigate || got.URL != tt.want {
			t.Errorf("Route(open, %v) = %+v, want URL %s", tt.data, got, tt.want)
		}
	}
}

func TestRouteUnknownOpensApp(t *testing.T) {
	d := New()
	for _, action := range []string{"", "explode"} {
		got, err := d.Route(context.Background(), action, map[string]any{"url": "/deep"})
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if got.Kind != KindNavigate || got.URL != "/" {
			t.Errorf("action %q should open the app root, got %+v", action, got)
		}
	}
}

func TestRouteDismiss(t *testing.T) {
	sched := &recordingScheduler{}
	d := New(WithScheduler(sched))
	got, err := d.Route(context.Background(), ActionDismiss, nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got.Kind != KindDismiss {
		t.Errorf("expected dismiss, got %+v", got)
	}
	if len(sched.reminders) != 0 {
		t.Error("dismiss must not schedule anything")
	}
}

func TestRouteSnooze(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := &recordingScheduler{}
	d := New(WithScheduler(sched), WithSnooze(30*time.Minute), WithClock(func() time.Time { return now }))

	got, err := d.Route(context.Background(), ActionSnooze, map[string]any{"url": "/questions"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got.Kind != KindSnooze || !got.RemindAt.Equal(now.Add(30*time.Minute)) {
		t.Errorf("unexpected interaction %+v", got)
	}
	if len(sched.reminders) != 1 {
		t.Fatalf("expected one reminder, got %d", len(sched.reminders))
	}
	if sched.reminders[0].Delay != 30*time.Minute {
		t.Errorf("unexpected delay %v", sched.reminders[0].Delay)
	}
	if sched.reminders[0].Descriptor.Data["url"] != "/questions" {
		t.Errorf("routing data not carried: %+v", sched.reminders[0].Descriptor.Data)
	}
}

func TestRouteSnoozeSchedulerError(t *testing.T) {
	d := New(WithScheduler(&recordingScheduler{err: errors.New("redis down")}))
	if _, err := d.Route(context.Background(), ActionSnooze, nil); err == nil {
		t.Fatal("expected scheduler error to be returned")
	}
}
