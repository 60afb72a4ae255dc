package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/internal/network"
)

// Sink displays a notification to the user
type Sink interface {
	Show(ctx context.Context, d Descriptor) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, d Descriptor) error

// Show implements Sink
func (f SinkFunc) Show(ctx context.Context, d Descriptor) error {
	return f(ctx, d)
}

// WebhookSink posts descriptors as JSON to the hosting application
type WebhookSink struct {
	Client network.Client
	URL    string
}

// Show implements Sink. Any non-2xx answer is an error.
func (w *WebhookSink) Show(ctx context.Context, d Descriptor) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(ctx, &network.Request{
		Method: http.MethodPost,
		URL:    w.URL,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("notification webhook: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("notification webhook: status %d", resp.Status)
	}
	return nil
}

// LocalScheduler fires snoozed reminders from in-process timers. It is the
// scheduler used when no background worker is configured; pending reminders
// do not survive a restart.
type LocalScheduler struct {
	mu      sync.Mutex
	sink    Sink
	timers  map[*time.Timer]struct{}
	stopped bool
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewLocalScheduler creates a scheduler; reminders are dropped until SetSink
func NewLocalScheduler(log zerolog.Logger) *LocalScheduler {
	return &LocalScheduler{timers: make(map[*time.Timer]struct{}), log: log}
}

// SetSink sets where due reminders are shown
func (l *LocalScheduler) SetSink(s Sink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// ScheduleReminder implements Scheduler
func (l *LocalScheduler) ScheduleReminder(ctx context.Context, r Reminder) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return fmt.Errorf("local scheduler stopped")
	}

	var t *time.Timer
	l.wg.Add(1)
	t = time.AfterFunc(r.Delay, func() {
		defer l.wg.Done()
		l.mu.Lock()
		delete(l.timers, t)
		sink := l.sink
		l.mu.Unlock()

		if sink == nil {
			l.log.Warn().Str("tag", r.Descriptor.Tag).Msg("notify: reminder due with no sink, dropped")
			return
		}
		if err := sink.Show(context.WithoutCancel(ctx), r.Descriptor); err != nil {
			l.log.Error().Err(err).Str("tag", r.Descriptor.Tag).Msg("notify: show reminder")
		}
	})
	l.timers[t] = struct{}{}
	return nil
}

// Stop cancels pending reminders and waits for running ones
func (l *LocalScheduler) Stop() {
	l.mu.Lock()
	l.stopped = true
	for t := range l.timers {
		if t.Stop() {
			l.wg.Done()
		}
		delete(l.timers, t)
	}
	l.mu.Unlock()
	l.wg.Wait()
}
