package repository

import (
	"context"
	"fmt"
	"time"

	"cyoa-server/internal/domain"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Compile-time check
var _ JobRepository = (*pgJobRepository)(nil)

const jobColumns = `id, state, prompt, max_depth, branching_factor, session_id, retries,
	result_ref, error, created_at, updated_at, started_at, completed_at`

const (
	insertJobQuery = `
		INSERT INTO jobs (id, state, prompt, max_depth, branching_factor, session_id, retries,
			result_ref, error, created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	getJobQuery = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	listJobsBySessionQuery = `SELECT ` + jobColumns + ` FROM jobs
		WHERE session_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`

	listJobsByStateQuery = `SELECT ` + jobColumns + ` FROM jobs
		WHERE state = $1
		ORDER BY created_at, id
		LIMIT $2`

	// CAS: обновляем только если состояние не изменилось с момента чтения
	transitionJobQuery = `
		UPDATE jobs SET
			state = $3, updated_at = $4, started_at = $5, completed_at = $6,
			result_ref = $7, error = $8, retries = $9
		WHERE id = $1 AND state = $2
		RETURNING ` + jobColumns
)

// jobRow строка таблицы jobs.
type jobRow struct {
	ID              uuid.UUID  `db:"id"`
	State           string     `db:"state"`
	Prompt          string     `db:"prompt"`
	MaxDepth        int        `db:"max_depth"`
	BranchingFactor int        `db:"branching_factor"`
	SessionID       string     `db:"session_id"`
	Retries         int        `db:"retries"`
	ResultRef       *uuid.UUID `db:"result_ref"`
	Error           *string    `db:"error"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:     r.ID,
		State:  domain.JobState(r.State),
		Prompt: r.Prompt,
		Options: domain.GenerationOptions{
			MaxDepth:        r.MaxDepth,
			BranchingFactor: r.BranchingFactor,
		},
		SessionID:   r.SessionID,
		Retries:     r.Retries,
		ResultRef:   r.ResultRef,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		StartedAt:   utcPtr(r.StartedAt),
		CompletedAt: utcPtr(r.CompletedAt),
	}
	if r.Error != nil {
		job.Error = *r.Error
	}
	return job
}

type pgJobRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgJobRepository репозиторий заданий в PostgreSQL.
func NewPgJobRepository(db DBTX, logger *zap.Logger) JobRepository {
	return &pgJobRepository{
		db:     db,
		logger: logger.Named("PgJobRepo"),
	}
}

func (r *pgJobRepository) Create(ctx context.Context, job *domain.Job) error {
	logFields := []zap.Field{zap.Stringer("jobID", job.ID), zap.String("sessionID", job.SessionID)}

	_, err := r.db.Exec(ctx, insertJobQuery,
		job.ID,
		string(job.State),
		job.Prompt,
		job.Options.MaxDepth,
		job.Options.BranchingFactor,
		job.SessionID,
		job.Retries,
		job.ResultRef,
		nullString(job.Error),
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create job", append(logFields, zap.Error(err))...)
		return fmt.Errorf("create job %s: %w: %w", job.ID, domain.ErrPersistence, err)
	}
	r.logger.Debug("Job created", logFields...)
	return nil
}

func (r *pgJobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	var row jobRow
	if err := pgxscan.Get(ctx, r.db, &row, getJobQuery, id); err != nil {
		if pgxscan.NotFound(err) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		r.logger.Error("Failed to get job", zap.Stringer("jobID", id), zap.Error(err))
		return nil, fmt.Errorf("get job %s: %w: %w", id, domain.ErrPersistence, err)
	}
	return row.toDomain(), nil
}

func (r *pgJobRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.Job, error) {
	return r.list(ctx, listJobsBySessionQuery, sessionID, limit)
}

func (r *pgJobRepository) ListByState(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	return r.list(ctx, listJobsByStateQuery, string(state), limit)
}

func (r *pgJobRepository) list(ctx context.Context, query string, arg any, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*jobRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, arg, limit); err != nil {
		r.logger.Error("Failed to list jobs", zap.Any("filter", arg), zap.Error(err))
		return nil, fmt.Errorf("list jobs: %w: %w", domain.ErrPersistence, err)
	}
	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

func (r *pgJobRepository) Transition(ctx context.Context, id uuid.UUID, t domain.JobTransition) (*domain.Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	logFields := []zap.Field{zap.Stringer("jobID", id), zap.String("from", string(t.From)), zap.String("to", string(t.To))}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := next.Apply(t); err != nil {
		return nil, err
	}

	var row jobRow
	err = pgxscan.Get(ctx, r.db, &row, transitionJobQuery,
		id,
		string(t.From),
		string(next.State),
		next.UpdatedAt,
		next.StartedAt,
		next.CompletedAt,
		next.ResultRef,
		nullString(next.Error),
		next.Retries,
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			// состояние поменялось между чтением и UPDATE
			r.logger.Info("Job transition lost race", logFields...)
			return nil, fmt.Errorf("%w: job %s is no longer %s", domain.ErrInvalidTransition, id, t.From)
		}
		r.logger.Error("Failed to transition job", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("transition job %s: %w: %w", id, domain.ErrPersistence, err)
	}
	r.logger.Debug("Job transitioned", logFields...)
	return row.toDomain(), nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
