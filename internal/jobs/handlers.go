package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/internal/network"
	"github.com/briangreenhill/offlinecache/internal/syncqueue"
)

// Flusher delivers the queued task for a tag
type Flusher interface {
	Flush(ctx context.Context, tag string) error
}

// Handlers holds what the worker needs to run every task type
type Handlers struct {
	Flusher      Flusher
	Network      network.Client
	PushURL      string // the proxy's push endpoint
	ControlToken string
	Logger       zerolog.Logger
}

// NewServeMux registers every task handler
func NewServeMux(h Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskFlushSync, FlushHandler(h.Flusher, h.Logger))
	mux.HandleFunc(TaskReminder, ReminderHandler(h.Network, h.PushURL, h.ControlToken, h.Logger))
	return mux
}

// FlushHandler flushes one sync tag. Retryable failures are returned so
// asynq retries them; permanent ones are logged and dropped. The queued
// entry survives either way.
func FlushHandler(f Flusher, log zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p FlushPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error().Err(err).Msg("[asynq] bad flush payload")
			return fmt.Errorf("bad flush payload: %v: %w", err, asynq.SkipRetry)
		}

		start := time.Now()
		err := f.Flush(ctx, p.Tag)
		duration := time.Since(start)

		if err != nil {
			if syncqueue.Retryable(err) {
				log.Warn().Err(err).Str("tag", p.Tag).Dur("duration", duration).Msg("[sync] retryable error")
				return err
			}
			log.Error().Err(err).Str("tag", p.Tag).Dur("duration", duration).Msg("[sync] permanent error, dropping job")
			return nil
		}
		log.Info().Str("tag", p.Tag).Dur("duration", duration).Msg("[sync] done")
		return nil
	}
}

// ReminderHandler re-posts a snoozed notification to the proxy
func ReminderHandler(client network.Client, pushURL, token string, log zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p ReminderPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error().Err(err).Msg("[asynq] bad reminder payload")
			return fmt.Errorf("bad reminder payload: %v: %w", err, asynq.SkipRetry)
		}

		body, err := json.Marshal(p.Descriptor)
		if err != nil {
			return fmt.Errorf("marshal reminder: %v: %w", err, asynq.SkipRetry)
		}

		header := http.Header{}
		header.Set("Content-Type", "application/json")
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(ctx, &network.Request{
			Method: http.MethodPost,
			URL:    pushURL,
			Header: header,
			Body:   body,
		})
		if err != nil {
			return fmt.Errorf("post reminder: %w", err)
		}
		if resp.Status >= 500 {
			return fmt.Errorf("post reminder: status %d", resp.Status)
		}
		if !resp.OK() {
			log.Error().Int("status", resp.Status).Msg("[notify] reminder rejected, dropping job")
			return nil
		}
		log.Info().Str("tag", p.Descriptor.Tag).Msg("[notify] reminder delivered")
		return nil
	}
}
