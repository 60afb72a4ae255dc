// Package syncqueue persists outbound mutations per tag and delivers them to
// their remote endpoint when connectivity returns.
//
// Delivery is at-least-once: an entry is removed only after the endpoint
// acknowledged it with a 2xx, and every POST carries the task ID as an
// Idempotency-Key so the remote side can discard repeats.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/internal/kv"
	"github.com/briangreenhill/offlinecache/internal/network"
)

// Known sync tags
const (
	TagProgress  = "sync-progress"
	TagQuestions = "sync-questions"
)

const keyPrefix = "sync:"

var (
	ErrUnknownTag     = errors.New("unknown sync tag")
	ErrInvalidPayload = errors.New("sync payload must be valid JSON")
)

// Task is one queued mutation
type Task struct {
	ID         string          `json:"id"`
	Tag        string          `json:"tag"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// Queue owns the lifecycle of sync tasks
type Queue struct {
	store     kv.Store
	net       network.Client
	endpoints map[string]string
	log       zerolog.Logger
	now       func() time.Time

	// serializes read-modify-write cycles within this process
	mu sync.Mutex
}

// Option configures a Queue
type Option func(*Queue)

// WithLogger sets the queue logger
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock overrides the enqueue timestamp source
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue delivering tag payloads to endpoints[tag]
func New(store kv.Store, net network.Client, endpoints map[string]string, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		net:       net,
		endpoints: make(map[string]string, len(endpoints)),
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for tag, url := range endpoints {
		if url != "" {
			q.endpoints[tag] = url
		}
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Tags returns the configured tags, sorted
func (q *Queue) Tags() []string {
	tags := make([]string, 0, len(q.endpoints))
	for tag := range q.endpoints {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Enqueue stores payload for tag. A later enqueue for the same tag replaces
// the earlier one, so the queue holds at most one task per tag.
func (q *Queue) Enqueue(ctx context.Context, tag string, payload json.RawMessage) (*Task, error) {
	if _, ok := q.endpoints[tag]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}

	task := &Task{
		ID:         uuid.NewString(),
		Tag:        tag,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.save(ctx, task); err != nil {
		return nil, err
	}
	q.log.Debug().Str("tag", tag).Str("task", task.ID).Msg("sync: enqueued")
	return task, nil
}

// Pending returns the queued task for tag, if any
func (q *Queue) Pending(ctx context.Context, tag string) (*Task, bool, error) {
	return q.load(ctx, tag)
}

// Flush delivers the queued task for tag. On success the entry is cleared;
// on failure it is kept with the attempt recorded. An empty queue is success.
func (q *Queue) Flush(ctx context.Context, tag string) error {
	endpoint, ok := q.endpoints[tag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}

	task, ok, err := q.load(ctx, tag)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	sendErr := q.send(ctx, endpoint, task)

	q.mu.Lock()
	defer q.mu.Unlock()

	// Re-read: a newer enqueue during the send must survive
	current, ok, err := q.load(ctx, tag)
	if err != nil {
		return err
	}

	if sendErr == nil {
		if ok && current.ID == task.ID {
			if err := q.store.Delete(ctx, keyPrefix+tag); err != nil {
				return fmt.Errorf("clear %s: %w", tag, err)
			}
		}
		q.log.Info().Str("tag", tag).Str("task", task.ID).Msg("sync: delivered")
		return nil
	}

	if ok && current.ID == task.ID {
		current.Attempts++
		current.LastError = sendErr.Error()
		if err := q.save(ctx, current); err != nil {
			q.log.Warn().Err(err).Str("tag", tag).Msg("sync: record failed attempt")
		}
	}
	q.log.Warn().Err(sendErr).Str("tag", tag).Str("task", task.ID).Msg("sync: delivery failed, keeping task")
	return sendErr
}

// FlushAll flushes every configured tag and returns the failures by tag
func (q *Queue) FlushAll(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for _, tag := range q.Tags() {
		if err := q.Flush(ctx, tag); err != nil {
			failed[tag] = err
		}
	}
	return failed
}

func (q *Queue) send(ctx context.Context, endpoint string, task *Task) error {
	resp, err := q.net.Do(ctx, &network.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: http.Header{
			"Content-Type":    []string{"application/json"},
			"Idempotency-Key": []string{task.ID},
			"X-Sync-Tag":      []string{task.Tag},
		},
		Body: task.Payload,
	})
	if err != nil {
		return fmt.Errorf("post %s: %w", task.Tag, err)
	}
	if !resp.OK() {
		return &RemoteError{Tag: task.Tag, Status: resp.Status, Body: truncate(string(resp.Body), 200)}
	}
	return nil
}

func (q *Queue) load(ctx context.Context, tag string) (*Task, bool, error) {
	raw, ok, err := q.store.Get(ctx, keyPrefix+tag)
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", tag, err)
	}
	if !ok {
		return nil, false, nil
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", tag, err)
	}
	return &task, true, nil
}

func (q *Queue) save(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, keyPrefix+task.Tag, raw); err != nil {
		return fmt.Errorf("save %s: %w", task.Tag, err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
