package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState состояние задания генерации.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Причины, которые оркестратор пишет в Job.Error.
const (
	FailureCancelled   = "cancelled"
	FailureInterrupted = "interrupted"
	FailureRejected    = "rejected: job queue is full"
	FailureShutdown    = "interrupted: server shutting down"
)

// Valid true для известных состояний.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateRunning, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// IsTerminal completed и failed больше не меняются.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// CanTransitionTo описывает граф pending -> running -> completed|failed, pending -> failed.
func (s JobState) CanTransitionTo(next JobState) bool {
	switch s {
	case JobStatePending:
		return next == JobStateRunning || next == JobStateFailed
	case JobStateRunning:
		return next == JobStateCompleted || next == JobStateFailed
	}
	return false
}

// Job одно задание генерации истории.
type Job struct {
	ID          uuid.UUID         `json:"id"`
	State       JobState          `json:"state"`
	Prompt      string            `json:"prompt"`
	Options     GenerationOptions `json:"options"`
	SessionID   string            `json:"session_id,omitempty"`
	Retries     int               `json:"retries"`
	ResultRef   *uuid.UUID        `json:"result_ref,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// NewJob создает задание в состоянии pending.
func NewJob(prompt string, opts GenerationOptions, sessionID string, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:        uuid.New(),
		State:     JobStatePending,
		Prompt:    prompt,
		Options:   opts,
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone глубокая копия, хранилища отдают наружу только копии.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ResultRef != nil {
		ref := *j.ResultRef
		c.ResultRef = &ref
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CheckInvariants result_ref только у completed, error только у failed.
func (j *Job) CheckInvariants() error {
	if !j.State.Valid() {
		return fmt.Errorf("job %s: unknown state %q", j.ID, j.State)
	}
	if (j.State == JobStateCompleted) != (j.ResultRef != nil) {
		return fmt.Errorf("job %s: result_ref must be set iff state is completed", j.ID)
	}
	if (j.State == JobStateFailed) != (j.Error != "") {
		return fmt.Errorf("job %s: error must be set iff state is failed", j.ID)
	}
	return nil
}

// JobTransition атомарный переход From -> To.
// Хранилище применяет его только если текущее состояние равно From.
type JobTransition struct {
	From      JobState
	To        JobState
	At        time.Time
	ResultRef *uuid.UUID
	Error     string
	Retries   int
}

// Validate проверяет переход сам по себе, без текущего состояния задания.
func (t JobTransition) Validate() error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if t.To == JobStateCompleted && t.ResultRef == nil {
		return fmt.Errorf("%w: completed requires result_ref", ErrInvalidTransition)
	}
	if t.To != JobStateCompleted && t.ResultRef != nil {
		return fmt.Errorf("%w: result_ref is only allowed for completed", ErrInvalidTransition)
	}
	if t.To == JobStateFailed && t.Error == "" {
		return fmt.Errorf("%w: failed requires error", ErrInvalidTransition)
	}
	if t.To != JobStateFailed && t.Error != "" {
		return fmt.Errorf("%w: error is only allowed for failed", ErrInvalidTransition)
	}
	return nil
}

// Apply применяет переход к заданию. При несовпадении From ничего не меняет.
func (j *Job) Apply(t JobTransition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if j.State != t.From {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrInvalidTransition, j.ID, j.State, t.From)
	}
	at := t.At.UTC()
	if at.Before(j.UpdatedAt) {
		at = j.UpdatedAt
	}
	j.State = t.To
	j.UpdatedAt = at
	switch t.To {
	case JobStateRunning:
		j.StartedAt = &at
	case JobStateCompleted:
		ref := *t.ResultRef
		j.ResultRef = &ref
		j.CompletedAt = &at
	case JobStateFailed:
		j.Error = t.Error
		j.CompletedAt = &at
	}
	if t.Retries > j.Retries {
		j.Retries = t.Retries
	}
	return nil
}
