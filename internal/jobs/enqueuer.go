package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/offlinecache/internal/notify"
)

// TaskClient is the part of *asynq.Client the Enqueuer uses
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer puts sync flushes and reminders on the worker queues
type Enqueuer struct {
	client TaskClient
	log    zerolog.Logger
}

func NewEnqueuer(client TaskClient, log zerolog.Logger) *Enqueuer {
	return &Enqueuer{client: client, log: log}
}

// EnqueueFlush asks the worker to flush tag. Flushes for the same tag
// requested within a short window collapse into one task.
func (e *Enqueuer) EnqueueFlush(ctx context.Context, tag string) error {
	task, err := NewFlushTask(tag)
	if err != nil {
		return fmt.Errorf("build flush task: %w", err)
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueSync),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.Unique(30*time.Second),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		e.log.Debug().Str("tag", tag).Msg("[asynq] flush already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue flush %s: %w", tag, err)
	}

	e.log.Info().Str("id", info.ID).Str("queue", info.Queue).Str("tag", tag).Msg("[asynq] enqueued flush")
	return nil
}

// ScheduleReminder implements notify.Scheduler
func (e *Enqueuer) ScheduleReminder(ctx context.Context, r notify.Reminder) error {
	task, err := NewReminderTask(r.Descriptor)
	if err != nil {
		return fmt.Errorf("build reminder task: %w", err)
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.ProcessIn(r.Delay),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return fmt.Errorf("enqueue reminder: %w", err)
	}

	e.log.Info().Str("id", info.ID).Dur("delay", r.Delay).Msg("[asynq] scheduled reminder")
	return nil
}
