package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/offlinecache/internal/notify"
)

const (
	TaskFlushSync = "sync:flush"
	TaskReminder  = "notify:reminder"
)

// Queues served by the worker
const (
	QueueSync    = "sync"
	QueueDefault = "default"
)

type FlushPayload struct {
	Tag string `json:"tag"`
}

type ReminderPayload struct {
	Descriptor notify.Descriptor `json:"descriptor"`
}

func NewFlushTask(tag string) (*asynq.Task, error) {
	payload, err := json.Marshal(FlushPayload{Tag: tag})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFlushSync, payload), nil
}

func NewReminderTask(d notify.Descriptor) (*asynq.Task, error) {
	payload, err := json.Marshal(ReminderPayload{Descriptor: d})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReminder, payload), nil
}
