package repository

import (
	"context"

	"cyoa-server/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX общий интерфейс для *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// JobRepository хранилище заданий.
// Все методы возвращают копии, изменения снаружи на хранилище не влияют.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.Job, error)
	ListByState(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error)
	// Transition применяет переход атомарно, только если текущее состояние равно t.From.
	// Иначе domain.ErrInvalidTransition, для неизвестного id domain.ErrNotFound.
	Transition(ctx context.Context, id uuid.UUID, t domain.JobTransition) (*domain.Job, error)
}

// StoryRepository хранилище готовых историй.
type StoryRepository interface {
	Save(ctx context.Context, story *domain.Story) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Story, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
