// Package service wires the cache components into one CacheService value
// and routes events to them through a dispatch table.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/cache"
	"github.com/briangreenhill/offlinecache/internal/lifecycle"
	"github.com/briangreenhill/offlinecache/internal/network"
	"github.com/briangreenhill/offlinecache/internal/notify"
	"github.com/briangreenhill/offlinecache/internal/policy"
	"github.com/briangreenhill/offlinecache/internal/strategy"
	"github.com/briangreenhill/offlinecache/internal/syncqueue"
)

// Kind names an event
type Kind string

const (
	EventInstall           Kind = "install"
	EventActivate          Kind = "activate"
	EventFetch             Kind = "fetch"
	EventMessage           Kind = "message"
	EventSync              Kind = "sync"
	EventOnline            Kind = "online"
	EventPush              Kind = "push"
	EventNotificationClick Kind = "notificationclick"
)

// Control message types
const (
	MsgSkipWaiting    = "SKIP_WAITING"
	MsgRequestUpdate  = "REQUEST_UPDATE"
	MsgCacheQuestions = "CACHE_QUESTIONS"
)

var (
	ErrUnknownEvent       = errors.New("unknown event")
	ErrUnknownMessage     = errors.New("unknown control message")
	ErrInvalidQuestions   = errors.New("questions document is not valid JSON")
	ErrNoActiveGeneration = errors.New("no active generation")

	ErrNotificationUndelivered = errors.New("notification not delivered")
)

// Message is a control message from the hosting application
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is one unit of work for the service. Only the fields of its kind
// are read.
type Event struct {
	Kind    Kind
	Version string           // install
	Request *network.Request // fetch
	Message Message          // message
	Tag     string           // sync
	Payload []byte           // sync (optional mutation), push
	Action  string           // notificationclick
	Data    map[string]any   // notificationclick
}

// Result carries whatever the handled event produced
type Result struct {
	Response     *network.Response     `json:"-"`
	Intercepted  bool                  `json:"-"`
	Generation   *lifecycle.Generation `json:"generation,omitempty"`
	Updated      bool                  `json:"updated,omitempty"`
	Task         *syncqueue.Task       `json:"task,omitempty"`
	Queued       []string              `json:"queued,omitempty"`
	Failed       map[string]string     `json:"failed,omitempty"`
	Notification *notify.Descriptor    `json:"notification,omitempty"`
	Interaction  *notify.Interaction   `json:"interaction,omitempty"`
}

// Handler handles one event kind
type Handler func(ctx context.Context, ev Event) (Result, error)

// FlushEnqueuer hands sync flushes to a background worker
type FlushEnqueuer interface {
	EnqueueFlush(ctx context.Context, tag string) error
}

// Options holds the components a CacheService owns
type Options struct {
	Version      string // installed when an install event names none
	Origin       string // base URL cache keys are built from
	QuestionsKey string // path CACHE_QUESTIONS stores its document under
	Registry     *cache.Registry
	Lifecycle    *lifecycle.Controller
	Executor     *strategy.Executor
	Sync         *syncqueue.Queue
	Notify       *notify.Dispatcher
	Enqueuer     FlushEnqueuer // optional
	Notifier     notify.Sink   // optional, e.g. a webhook to the hosting application
	Logger       zerolog.Logger
}

// CacheService is the per-process cache worker
type CacheService struct {
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler

	subMu   sync.Mutex
	subs    map[int]chan notify.Descriptor
	nextSub int
}

// New creates a CacheService with the default handler for every event kind
func New(opts Options) *CacheService {
	s := &CacheService{opts: opts, log: opts.Logger, subs: make(map[int]chan notify.Descriptor)}
	s.handlers = map[Kind]Handler{
		EventInstall:           s.handleInstall,
		EventActivate:          s.handleActivate,
		EventFetch:             s.handleFetch,
		EventMessage:           s.handleMessage,
		EventSync:              s.handleSync,
		EventOnline:            s.handleOnline,
		EventPush:              s.handlePush,
		EventNotificationClick: s.handleNotificationClick,
	}
	return s
}

// Handle replaces the handler for kind
func (s *CacheService) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Dispatch runs the handler registered for ev.Kind
func (s *CacheService) Dispatch(ctx context.Context, ev Event) (Result, error) {
	s.mu.RLock()
	h, ok := s.handlers[ev.Kind]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return h(ctx, ev)
}

// Fetch answers an intercepted request. Requests that are not intercepted
// return false and must go to the network unchanged.
func (s *CacheService) Fetch(ctx context.Context, req *network.Request) (*network.Response, bool) {
	res, err := s.Dispatch(ctx, Event{Kind: EventFetch, Request: req})
	if err != nil {
		s.log.Error().Err(err).Str("url", req.URL).Msg("service: fetch handler failed")
		return network.Unavailable("Service unavailable"), true
	}
	return res.Response, res.Intercepted
}

// Wait blocks until background revalidation has finished
func (s *CacheService) Wait() {
	s.opts.Executor.Wait()
}

func (s *CacheService) handleInstall(ctx context.Context, ev Event) (Result, error) {
	version := ev.Version
	if version == "" {
		version = s.opts.Version
	}
	gen, err := s.opts.Lifecycle.Install(ctx, version)
	return Result{Generation: &gen}, err
}

func (s *CacheService) handleActivate(ctx context.Context, ev Event) (Result, error) {
	if err := s.opts.Lifecycle.Activate(ctx); err != nil {
		return Result{}, err
	}
	return s.activeResult(), nil
}

func (s *CacheService) handleFetch(ctx context.Context, ev Event) (Result, error) {
	if ev.Request == nil || !policy.Intercepted(ev.Request.URL) {
		return Result{}, nil
	}
	return Result{Response: s.opts.Executor.Execute(ctx, ev.Request), Intercepted: true}, nil
}

func (s *CacheService) handleMessage(ctx context.Context, ev Event) (Result, error) {
	switch ev.Message.Type {
	case MsgSkipWaiting:
		if err := s.opts.Lifecycle.SkipWaiting(ctx); err != nil {
			return Result{}, err
		}
		return s.activeResult(), nil

	case MsgRequestUpdate:
		gen, updated, err := s.opts.Lifecycle.CheckForUpdate(ctx)
		if err != nil {
			return Result{}, err
		}
		if !updated {
			return s.activeResult(), nil
		}
		return Result{Generation: &gen, Updated: true}, nil

	case MsgCacheQuestions:
		return Result{}, s.cacheQuestions(ev.Message.Data)

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownMessage, ev.Message.Type)
	}
}

// cacheQuestions stores doc verbatim in the active static store
func (s *CacheService) cacheQuestions(doc json.RawMessage) error {
	if len(doc) == 0 || !json.Valid(doc) {
		return ErrInvalidQuestions
	}

	name := s.opts.Lifecycle.StaticStore()
	store, ok := s.opts.Registry.Lookup(name)
	if name == "" || !ok {
		return ErrNoActiveGeneration
	}

	key, err := s.questionsKey()
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	store.Put(key, cache.Entry{
		Status: http.StatusOK,
		Header: header,
		Body:   append([]byte(nil), doc...),
	})

	s.log.Info().Str("store", name).Int("bytes", len(doc)).Msg("service: cached questions")
	return nil
}

func (s *CacheService) questionsKey() (string, error) {
	base, err := url.Parse(s.opts.Origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	ref, err := url.Parse(s.opts.QuestionsKey)
	if err != nil {
		return "", fmt.Errorf("parse questions key: %w", err)
	}
	return cache.KeyFor(http.MethodGet, base.ResolveReference(ref).String()), nil
}

// handleSync queues the payload when one is given and attempts delivery.
// A failed delivery is not an error: the task stays queued.
func (s *CacheService) handleSync(ctx context.Context, ev Event) (Result, error) {
	var res Result
	if len(ev.Payload) > 0 {
		task, err := s.opts.Sync.Enqueue(ctx, ev.Tag, ev.Payload)
		if err != nil {
			return Result{}, err
		}
		res.Task = task
	}

	if err := s.opts.Sync.Flush(ctx, ev.Tag); err != nil {
		if errors.Is(err, syncqueue.ErrUnknownTag) {
			return Result{}, err
		}
		s.log.Warn().Err(err).Str("tag", ev.Tag).Msg("service: sync flush failed, task kept")
		res.Failed = map[string]string{ev.Tag: err.Error()}
	}
	return res, nil
}

// handleOnline reacts to restored connectivity by flushing every tag, in the
// background when a worker is available.
func (s *CacheService) handleOnline(ctx context.Context, ev Event) (Result, error) {
	res := Result{Failed: map[string]string{}}

	for _, tag := range s.opts.Sync.Tags() {
		if s.opts.Enqueuer != nil {
			err := s.opts.Enqueuer.EnqueueFlush(ctx, tag)
			if err == nil {
				res.Queued = append(res.Queued, tag)
				continue
			}
			s.log.Warn().Err(err).Str("tag", tag).Msg("service: enqueue flush failed, flushing inline")
		}
		if err := s.opts.Sync.Flush(ctx, tag); err != nil {
			res.Failed[tag] = err.Error()
		}
	}

	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res, nil
}

// handlePush builds the descriptor and shows it. A failing Notifier is an
// error so a retrying caller (the reminder worker) delivers again.
func (s *CacheService) handlePush(ctx context.Context, ev Event) (Result, error) {
	d := s.opts.Notify.Build(ev.Payload)
	if err := s.Show(ctx, d); err != nil {
		return Result{Notification: &d}, err
	}
	return Result{Notification: &d}, nil
}

// Show implements notify.Sink: it publishes d to every subscriber and to
// the configured Notifier.
func (s *CacheService) Show(ctx context.Context, d notify.Descriptor) error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		select {
		case ch <- d:
		default:
			s.log.Warn().Int("subscriber", id).Str("tag", d.Tag).Msg("service: notification subscriber is full, dropped")
		}
	}
	s.subMu.Unlock()

	if s.opts.Notifier == nil {
		return nil
	}
	if err := s.opts.Notifier.Show(ctx, d); err != nil {
		return fmt.Errorf("%w: %w", ErrNotificationUndelivered, err)
	}
	return nil
}

// Subscribe returns a channel receiving every shown notification and a
// function that cancels the subscription and closes the channel
func (s *CacheService) Subscribe(buffer int) (<-chan notify.Descriptor, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan notify.Descriptor, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.subMu.Unlock()
		})
	}
}

func (s *CacheService) handleNotificationClick(ctx context.Context, ev Event) (Result, error) {
	in, err := s.opts.Notify.Route(ctx, ev.Action, ev.Data)
	if err != nil {
		return Result{}, err
	}
	return Result{Interaction: &in}, nil
}

func (s *CacheService) activeResult() Result {
	gen, ok := s.opts.Lifecycle.Active()
	if !ok {
		return Result{}
	}
	return Result{Generation: &gen}
}
