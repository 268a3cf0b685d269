// Package messaging публикация событий жизненного цикла заданий в RabbitMQ.
package messaging

import (
	"context"
	"time"

	"cyoa-server/internal/domain"

	"github.com/google/uuid"
)

// JobEvent сообщение о переходе задания в новое состояние.
type JobEvent struct {
	JobID         uuid.UUID       `json:"job_id"`
	State         domain.JobState `json:"state"`
	PreviousState domain.JobState `json:"previous_state,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	ResultRef     *uuid.UUID      `json:"result_ref,omitempty"`
	Error         string          `json:"error,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewJobEvent собирает событие из снимка задания.
func NewJobEvent(job *domain.Job, previous domain.JobState) JobEvent {
	ev := JobEvent{
		JobID:         job.ID,
		State:         job.State,
		PreviousState: previous,
		SessionID:     job.SessionID,
		Error:         job.Error,
		OccurredAt:    job.UpdatedAt,
	}
	if job.ResultRef != nil {
		ref := *job.ResultRef
		ev.ResultRef = &ref
	}
	return ev
}

// JobEventPublisher отправляет события заданий.
type JobEventPublisher interface {
	PublishJobEvent(ctx context.Context, event JobEvent) error
	Close() error
}

// NoopPublisher используется, когда RABBITMQ_URL не задан.
type NoopPublisher struct{}

func (NoopPublisher) PublishJobEvent(context.Context, JobEvent) error { return nil }
func (NoopPublisher) Close() error { return nil }
