package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/offlinecache/internal/kv"
	"github.com/briangreenhill/offlinecache/internal/network"
)

const (
	progressURL  = "https://api.test/progress"
	questionsURL = "https://api.test/questions"
)

// remote records deliveries and answers with a configurable status or error
type remote struct {
	mu       sync.Mutex
	status   int
	err      error
	requests []*network.Request
	onSend   func()
}

func (r *remote) Do(ctx context.Context, req *network.Request) (*network.Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	status, err, hook := r.status, r.err, r.onSend
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &network.Response{Status: status, Header: http.Header{}, Body: []byte("ack")}, nil
}

func newTestQueue(r *remote) (*Queue, *kv.MemoryStore) {
	store := kv.NewMemoryStore()
	q := New(store, r, map[string]string{
		TagProgress:  progressURL,
		TagQuestions: questionsURL,
	}, WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))
	return q, store
}

func TestFlushSuccessClearsQueue(t *testing.T) {
	r := &remote{status: http.StatusOK}
	q, _ := newTestQueue(r)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, TagProgress, json.RawMessage(`{"sessions":[{"id":"s1"}]}`))
	require.NoError(t, err)

	require.NoError(t, q.Flush(ctx, TagProgress))

	_, ok, err := q.Pending(ctx, TagProgress)
	require.NoError(t, err)
	assert.False(t, ok, "queue should be empty after a successful flush")

	require.Len(t, r.requests, 1)
	req := r.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, progressURL, req.URL)
	assert.Equal(t, task.ID, req.Header.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"sessions":[{"id":"s1"}]}`, string(req.Body))
}

func TestFlushFailureKeepsTask(t *testing.T) {
	r := &remote{err: errors.New("connection refused")}
	q, _ := newTestQueue(r)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TagProgress, json.RawMessage(`{"sessions":[{"id":"s1"}]}`))
	require.NoError(t, err)

	err = q.Flush(ctx, TagProgress)
	require.Error(t, err)
	assert.True(t, Retryable(err))

	task, ok, err := q.Pending(ctx, TagProgress)
	require.NoError(t, err)
	require.True(t, ok, "task must survive a failed flush")
	assert.JSONEq(t, `{"sessions":[{"id":"s1"}]}`, string(task.Payload))
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "connection refused")
}

func TestFlushRejectedKeepsTask(t *testing.T) {
	r := &remote{status: http.StatusServiceUnavailable}
	q, _ := newTestQueue(r)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TagQuestions, json.RawMessage(`{"answers":[1,2]}`))
	require.NoError(t, err)

	err = q.Flush(ctx, TagQuestions)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusServiceUnavailable, remoteErr.Status)

	_, ok, _ := q.Pending(ctx, TagQuestions)
	assert.True(t, ok)

	// Retry on the next connectivity signal succeeds with the same task ID
	r.status = http.StatusOK
	require.NoError(t, q.Flush(ctx, TagQuestions))
	require.Len(t, r.requests, 2)
	assert.Equal(t, r.requests[0].Header.Get("Idempotency-Key"), r.requests[1].Header.Get("Idempotency-Key"))
	_, ok, _ = q.Pending(ctx, TagQuestions)
	assert.False(t, ok)
}

func TestEnqueueCoalescesByTag(t *testing.T) {
	r := &remote{status: http.StatusOK}
	q, _ := newTestQueue(r)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, TagProgress, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, TagProgress, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	task, ok, _ := q.Pending(ctx, TagProgress)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(task.Payload))
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), task.EnqueuedAt)

	require.NoError(t, q.Flush(ctx, TagProgress))
	require.Len(t, r.requests, 1, "coalesced tasks are delivered once")
}

func TestFlushKeepsNewerEnqueue(t *testing.T) {
	r := &remote{status: http.StatusOK}
	q, _ := newTestQueue(r)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TagProgress, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	// A newer payload arrives while the first one is in flight
	r.onSend = func() {
		r.onSend = nil
		_, err := q.Enqueue(ctx, TagProgress, json.RawMessage(`{"v":2}`))
		require.NoError(t, err)
	}
	require.NoError(t, q.Flush(ctx, TagProgress))

	task, ok, _ := q.Pending(ctx, TagProgress)
	require.True(t, ok, "the newer task must not be cleared by the older delivery")
	assert.JSONEq(t, `{"v":2}`, string(task.Payload))
	assert.Equal(t, 0, task.Attempts)
}

func TestFlushEmptyIsSuccess(t *testing.T) {
	r := &remote{status: http.StatusOK}
	q, _ := newTestQueue(r)

	require.NoError(t, q.Flush(context.Background(), TagProgress))
	assert.Empty(t, r.requests)
}

func TestUnknownTagAndInvalidPayload(t *testing.T) {
	q, _ := newTestQueue(&remote{status: http.StatusOK})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "sync-unknown", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTag)
	assert.ErrorIs(t, q.Flush(ctx, "sync-unknown"), ErrUnknownTag)

	_, err = q.Enqueue(ctx, TagProgress, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestFlushAll(t *testing.T) {
	r := &remote{status: http.StatusOK}
	q, _ := newTestQueue(r)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, TagProgress, json.RawMessage(`{"p":1}`))
	_, _ = q.Enqueue(ctx, TagQuestions, json.RawMessage(`{"q":1}`))

	assert.Empty(t, q.FlushAll(ctx))
	assert.Len(t, r.requests, 2)
	assert.Equal(t, []string{TagProgress, TagQuestions}, q.Tags())

	r.status = http.StatusInternalServerError
	_, _ = q.Enqueue(ctx, TagProgress, json.RawMessage(`{"p":2}`))
	failed := q.FlushAll(ctx)
	assert.Len(t, failed, 1)
	assert.Contains(t, failed, TagProgress)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: i/o timeout"), true},
		{&RemoteError{Status: http.StatusTooManyRequests}, true},
		{&RemoteError{Status: http.StatusBadGateway}, true},
		{&RemoteError{Status: http.StatusRequestTimeout}, true},
		{&RemoteError{Status: http.StatusBadRequest}, false},
		{&RemoteError{Status: http.StatusUnauthorized}, false},
		{ErrUnknownTag, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},  // é is two bytes
		{"日本語", 4, "日"}, // three bytes per rune
		{"日本語", 6, "日本"},
		{"€", 1, ""},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}
}
