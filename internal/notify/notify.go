// Package notify turns push payloads into notification descriptors and
// routes notification interactions back into the application.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Interaction actions
const (
	ActionOpen    = "open"
	ActionSnooze  = "snooze"
	ActionDismiss = "dismiss"
)

// DefaultSnooze is how long a snoozed reminder waits
const DefaultSnooze = time.Hour

// Action is a button shown on a notification
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Descriptor describes a notification to display
type Descriptor struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon"`
	Badge   string         `json:"badge"`
	Tag     string         `json:"tag"`
	Actions []Action       `json:"actions"`
	Data    map[string]any `json:"data"`
}

// DefaultDescriptor is shown when a push carries nothing usable
func DefaultDescriptor() Descriptor {
	return Descriptor{
		Title: "Time to practice",
		Body:  "Your daily questions are waiting.",
		Icon:  "/icons/icon-192.png",
		Badge: "/icons/badge-72.png",
		Tag:   "daily-reminder",
		Actions: []Action{
			{Action: ActionOpen, Title: "Start now"},
			{Action: ActionSnooze, Title: "Remind me later"},
		},
		Data: map[string]any{"url": "/"},
	}
}

// pushPayload mirrors Descriptor with presence tracking
type pushPayload struct {
	Title   *string        `json:"title"`
	Body    *string        `json:"body"`
	Icon    *string        `json:"icon"`
	Badge   *string        `json:"badge"`
	Tag     *string        `json:"tag"`
	Actions *[]Action      `json:"actions"`
	Data    map[string]any `json:"data"`
}

// Kind is the outcome of a notification interaction
type Kind string

const (
	KindNavigate Kind = "navigate"
	KindSnooze   Kind = "snooze"
	KindDismiss  Kind = "dismiss"
)

// Interaction tells the application what to do after a click
type Interaction struct {
	Kind     Kind      `json:"kind"`
	URL      string    `json:"url,omitempty"`
	RemindAt time.Time `json:"remind_at,omitempty"`
}

// Reminder is a notification to show again later
type Reminder struct {
	Descriptor Descriptor    `json:"descriptor"`
	Delay      time.Duration `json:"delay"`
}

// Scheduler re-schedules snoozed reminders
type Scheduler interface {
	ScheduleReminder(ctx context.Context, r Reminder) error
}

// Dispatcher builds descriptors and routes interactions
type Dispatcher struct {
	defaults  Descriptor
	scheduler Scheduler
	snooze    time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDefaults replaces the default descriptor
func WithDefaults(d Descriptor) Option {
	return func(n *Dispatcher) { n.defaults = d }
}

// WithScheduler sets where snoozed reminders go
func WithScheduler(s Scheduler) Option {
	return func(n *Dispatcher) { n.scheduler = s }
}

// WithSnooze sets the snooze delay
func WithSnooze(d time.Duration) Option {
	return func(n *Dispatcher) {
		if d > 0 {
			n.snooze = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(n *Dispatcher) { n.log = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(n *Dispatcher) { n.now = now }
}

// New creates a Dispatcher
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		defaults: DefaultDescriptor(),
		snooze:   DefaultSnooze,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Build merges the fields present in payload over the defaults. An empty or
// malformed payload yields the defaults unchanged.
func (d *Dispatcher) Build(payload []byte) Descriptor {
	out := cloneDescriptor(d.defaults)
	if len(strings.TrimSpace(string(payload))) == 0 {
		return out
	}

	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.log.Debug().Err(err).Msg("notify: malformed push payload, using defaults")
		return out
	}

	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Body != nil {
		out.Body = *p.Body
	}
	if p.Icon != nil {
		out.Icon = *p.Icon
	}
	if p.Badge != nil {
		out.Badge = *p.Badge
	}
	if p.Tag != nil {
		out.Tag = *p.Tag
	}
	if p.Actions != nil {
		out.Actions = append([]Action{}, (*p.Actions)...)
	}
	if p.Data != nil {
		out.Data = p.Data
	}
	return out
}

// Route maps a notification action to what the application should do.
// Unknown actions open the application.
func (d *Dispatcher) Route(ctx context.Context, action string, data map[string]any) (Interaction, error) {
	switch action {
	case ActionDismiss:
		return Interaction{Kind: KindDismiss}, nil

	case ActionSnooze:
		remindAt := d.now().Add(d.snooze).UTC()
		if d.scheduler != nil {
			reminder := Reminder{Descriptor: cloneDescriptor(d.defaults), Delay: d.snooze}
			if data != nil {
				reminder.Descriptor.Data = data
			}
			if err := d.scheduler.ScheduleReminder(ctx, reminder); err != nil {
				return Interaction{}, fmt.Errorf("schedule reminder: %w", err)
			}
		} else {
			d.log.Warn().Msg("notify: snooze without a scheduler, reminder dropped")
		}
		return Interaction{Kind: KindSnooze, RemindAt: remindAt}, nil

	case ActionOpen:
		return Interaction{Kind: KindNavigate, URL: targetURL(data)}, nil

	default:
		if action != "" {
			d.log.Debug().Str("action", action).Msg("notify: unknown action, opening application")
		}
		return Interaction{Kind: KindNavigate, URL: "/"}, nil
	}
}

// targetURL returns data["url"] when it is a same-origin path, else "/"
func targetURL(data map[string]any) string {
	raw, _ := data["url"].(string)
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return "/"
	}
	return u.String()
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Actions = append([]Action(nil), d.Actions...)
	if d.Data != nil {
		data := make(map[string]any, len(d.Data))
		for k, v := range d.Data {
			data[k] = v
		}
		d.Data = data
	}
	return d
}
