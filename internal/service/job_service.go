package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cyoa-server/internal/domain"
	"cyoa-server/internal/messaging"
	"cyoa-server/internal/metrics"
	"cyoa-server/internal/repository"
	"cyoa-server/pkg/taskmanager"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// TaskRunner очередь воркеров, в проде *taskmanager.TaskManager.
type TaskRunner interface {
	Submit(id uuid.UUID, fn taskmanager.TaskFunc) error
	Cancel(id uuid.UUID) bool
}

// JobServiceConfig настройки оркестратора.
type JobServiceConfig struct {
	Limits             domain.OptionLimits
	PersistMaxAttempts int
	PersistRetryDelay  time.Duration
	SessionListLimit   int
	RecoveryBatchSize  int
}

// CreateJobInput запрос на генерацию.
type CreateJobInput struct {
	Prompt    string
	Options   domain.GenerationOptions
	SessionID string
}

// RecoveryReport итог Recover.
type RecoveryReport struct {
	Interrupted int
	Requeued    int
	Rejected    int
}

// JobService принимает задания, ставит их в очередь и ведет по состояниям.
type JobService struct {
	jobs    repository.JobRepository
	stories *StoryService
	tasks   TaskRunner
	events  messaging.JobEventPublisher
	cfg     JobServiceConfig
	logger  *zap.Logger

	now func() time.Time
}

func NewJobService(
	jobs repository.JobRepository,
	stories *StoryService,
	tasks TaskRunner,
	events messaging.JobEventPublisher,
	cfg JobServiceConfig,
	logger *zap.Logger,
) *JobService {
	if events == nil {
		events = messaging.NoopPublisher{}
	}
	if cfg.PersistMaxAttempts < 1 {
		cfg.PersistMaxAttempts = 1
	}
	return &JobService{
		jobs:    jobs,
		stories: stories,
		tasks:   tasks,
		events:  events,
		cfg:     cfg,
		logger:  logger.Named("JobService"),
		now:     time.Now,
	}
}

// CreateJob валидирует запрос, сохраняет pending задание и ставит его в очередь.
// Генерацию не ждет.
func (s *JobService) CreateJob(ctx context.Context, in CreateJobInput) (*domain.Job, error) {
	prompt, err := domain.NormalizePrompt(in.Prompt, s.cfg.Limits.MaxPromptLength)
	if err != nil {
		return nil, err
	}
	opts, err := in.Options.Normalize(s.cfg.Limits)
	if err != nil {
		return nil, err
	}

	job := domain.NewJob(prompt, opts, in.SessionID, s.now())
	if err := s.jobs.Create(ctx, job); err != nil {
		s.logger.Error("Failed to persist new job", zap.Error(err))
		return nil, err
	}
	metrics.JobsSubmitted.Inc()
	s.publish(ctx, job, "")

	log := s.logger.With(zap.String("job_id", job.ID.String()))
	if err := s.enqueue(job.ID); err != nil {
		log.Warn("Job rejected by worker queue", zap.Error(err))
		s.reject(context.WithoutCancel(ctx), job)
		return nil, fmt.Errorf("%w: job %s: %w", domain.ErrQueueFull, job.ID, err)
	}
	log.Info("Job accepted",
		zap.Int("max_depth", opts.MaxDepth),
		zap.Int("branching_factor", opts.BranchingFactor),
	)
	return job, nil
}

func (s *JobService) enqueue(id uuid.UUID) error {
	return s.tasks.Submit(id, func(ctx context.Context) error {
		return s.runJob(ctx, id)
	})
}

// reject переводит pending задание, не попавшее в очередь, в failed.
func (s *JobService) reject(ctx context.Context, job *domain.Job) {
	failed, err := s.transition(ctx, job.ID, domain.JobTransition{
		From:  domain.JobStatePending,
		To:    domain.JobStateFailed,
		At:    s.now(),
		Error: domain.FailureRejected,
	})
	if err != nil {
		s.logger.Error("Failed to mark rejected job as failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	s.finished(ctx, failed, domain.JobStatePending, "rejected")
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

// ListJobs последние задания сессии. limit <= 0 или больше настроенного берет настроенный.
func (s *JobService) ListJobs(ctx context.Context, sessionID string, limit int) ([]*domain.Job, error) {
	if limit <= 0 || (s.cfg.SessionListLimit > 0 && limit > s.cfg.SessionListLimit) {
		limit = s.cfg.SessionListLimit
	}
	return s.jobs.ListBySession(ctx, sessionID, limit)
}

// CancelJob отменяет pending или running задание.
// Для running возвращается снимок до отмены, в failed его переведет воркер.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	log := s.logger.With(zap.String("job_id", id.String()))

	// состояние может смениться между чтением и CAS, тогда читаем заново
	for round := 0; round < 3; round++ {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch job.State {
		case domain.JobStatePending:
			failed, err := s.transition(ctx, id, domain.JobTransition{
				From:  domain.JobStatePending,
				To:    domain.JobStateFailed,
				At:    s.now(),
				Error: domain.FailureCancelled,
			})
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return nil, err
			}
			s.tasks.Cancel(id)
			log.Info("Pending job cancelled")
			s.finished(ctx, failed, domain.JobStatePending, "cancelled")
			return failed, nil

		case domain.JobStateRunning:
			if s.tasks.Cancel(id) {
				log.Info("Cancellation requested for running job")
				return job, nil
			}
			// воркера, который ведет задание, нет в этом процессе
			failed, err := s.transition(ctx, id, domain.JobTransition{
				From:    domain.JobStateRunning,
				To:      domain.JobStateFailed,
				At:      s.now(),
				Error:   domain.FailureCancelled,
				Retries: job.Retries,
			})
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return nil, err
			}
			log.Warn("Orphaned running job cancelled without a worker")
			s.finished(ctx, failed, domain.JobStateRunning, "cancelled")
			return failed, nil

		default:
			return nil, fmt.Errorf("%w: job %s is %s", domain.ErrJobNotCancellable, id, job.State)
		}
	}
	return nil, fmt.Errorf("%w: job %s keeps changing state", domain.ErrJobNotCancellable, id)
}

// runJob выполняется воркером taskmanager.
func (s *JobService) runJob(ctx context.Context, id uuid.UUID) error {
	log := s.logger.With(zap.String("job_id", id.String()))
	// записи состояний должны пройти и после отмены задачи
	persistCtx := context.WithoutCancel(ctx)

	job, err := s.transition(persistCtx, id, domain.JobTransition{
		From: domain.JobStatePending,
		To:   domain.JobStateRunning,
		At:   s.now(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			log.Info("Job already claimed or cancelled, skipping", zap.Error(err))
			return nil
		}
		log.Error("Failed to claim job", zap.Error(err))
		return err
	}
	s.publish(persistCtx, job, domain.JobStatePending)
	log.Info("Job started")

	story, stats, err := s.stories.Generate(ctx, job.Prompt, job.Options)
	if err != nil {
		reason := failureReason(ctx, err)
		log.Warn("Story generation failed", zap.String("reason", reason), zap.Int("retries", stats.Retries), zap.Error(err))
		s.fail(persistCtx, job, reason, stats)
		return err
	}
	story.SessionID = job.SessionID

	if err := s.persist(persistCtx, func(c context.Context) error { return s.stories.SaveStory(c, story) }); err != nil {
		log.Error("Failed to save story", zap.String("story_id", story.ID.String()), zap.Error(err))
		s.fail(persistCtx, job, "persistence failure: could not save story", stats)
		return err
	}

	if ctx.Err() != nil {
		s.discardStory(persistCtx, story.ID)
		s.fail(persistCtx, job, failureReason(ctx, ctx.Err()), stats)
		return abortError(ctx)
	}

	ref := story.ID
	done, err := s.transition(persistCtx, id, domain.JobTransition{
		From:      domain.JobStateRunning,
		To:        domain.JobStateCompleted,
		At:        s.now(),
		ResultRef: &ref,
		Retries:   stats.Retries,
	})
	if err != nil {
		log.Error("Failed to record job completion", zap.String("story_id", story.ID.String()), zap.Error(err))
		s.discardStory(persistCtx, story.ID)
		s.fail(persistCtx, job, "persistence failure: could not record completion", stats)
		return err
	}
	log.Info("Job completed", zap.String("story_id", story.ID.String()), zap.Int("retries", stats.Retries))
	s.finished(persistCtx, done, domain.JobStateRunning, "success")
	return nil
}

// fail переводит running задание в failed. Если запись не удалась, задание
// останется running до следующего запуска, где Recover пометит его interrupted.
func (s *JobService) fail(ctx context.Context, job *domain.Job, reason string, stats GenerationStats) {
	failed, err := s.transition(ctx, job.ID, domain.JobTransition{
		From:    domain.JobStateRunning,
		To:      domain.JobStateFailed,
		At:      s.now(),
		Error:   reason,
		Retries: stats.Retries,
	})
	if err != nil {
		s.logger.Error("Failed to mark job as failed",
			zap.String("job_id", job.ID.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	s.finished(ctx, failed, domain.JobStateRunning, metricReason(reason))
}

func (s *JobService) discardStory(ctx context.Context, id uuid.UUID) {
	if err := s.stories.DeleteStory(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("Failed to delete unreferenced story", zap.String("story_id", id.String()), zap.Error(err))
	}
}

// transition CAS с повтором ошибок хранилища. Неверный переход не повторяется.
func (s *JobService) transition(ctx context.Context, id uuid.UUID, t domain.JobTransition) (*domain.Job, error) {
	var job *domain.Job
	err := s.persist(ctx, func(c context.Context) error {
		var err error
		job, err = s.jobs.Transition(c, id, t)
		return err
	})
	return job, err
}

func (s *JobService) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.PersistMaxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !errors.Is(err, domain.ErrPersistence) {
			return err
		}
		if attempt < s.cfg.PersistMaxAttempts {
			s.logger.Warn("Persistence error, retrying", zap.Int("attempt", attempt), zap.Error(err))
			if serr := sleepCtx(ctx, s.cfg.PersistRetryDelay*time.Duration(attempt)); serr != nil {
				return err
			}
		}
	}
	return err
}

// Recover разбирает задания, оставшиеся от прошлого процесса:
// running становятся failed (interrupted), pending снова ставятся в очередь.
func (s *JobService) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	limit := s.cfg.RecoveryBatchSize

	running, err := s.jobs.ListByState(ctx, domain.JobStateRunning, limit)
	if err != nil {
		return report, fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		failed, err := s.transition(ctx, job.ID, domain.JobTransition{
			From:    domain.JobStateRunning,
			To:      domain.JobStateFailed,
			At:      s.now(),
			Error:   domain.FailureInterrupted,
			Retries: job.Retries,
		})
		if err != nil {
			s.logger.Warn("Failed to mark interrupted job", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		report.Interrupted++
		s.finished(ctx, failed, domain.JobStateRunning, "interrupted")
	}

	pending, err := s.jobs.ListByState(ctx, domain.JobStatePending, limit)
	if err != nil {
		return report, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		err := s.enqueue(job.ID)
		switch {
		case err == nil:
			report.Requeued++
		case errors.Is(err, taskmanager.ErrTaskExists):
		default:
			s.logger.Warn("Pending job could not be requeued", zap.String("job_id", job.ID.String()), zap.Error(err))
			s.reject(ctx, job)
			report.Rejected++
		}
	}

	if limit > 0 && (len(running) == limit || len(pending) == limit) {
		s.logger.Warn("Recovery batch limit reached, remaining jobs are handled on next start", zap.Int("limit", limit))
	}
	s.logger.Info("Job recovery finished",
		zap.Int("interrupted", report.Interrupted),
		zap.Int("requeued", report.Requeued),
		zap.Int("rejected", report.Rejected),
	)
	return report, nil
}

// finished событие и метрики терминального перехода.
func (s *JobService) finished(ctx context.Context, job *domain.Job, from domain.JobState, reason string) {
	metrics.JobsFinished.WithLabelValues(string(job.State), reason).Inc()
	if job.StartedAt != nil && job.CompletedAt != nil {
		metrics.JobDuration.WithLabelValues(string(job.State)).Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
	s.publish(ctx, job, from)
}

// publish best effort: ошибка брокера не влияет на задание.
func (s *JobService) publish(ctx context.Context, job *domain.Job, from domain.JobState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.PublishJobEvent(ctx, messaging.NewJobEvent(job, from)); err != nil {
		s.logger.Warn("Failed to publish job event",
			zap.String("job_id", job.ID.String()),
			zap.String("state", string(job.State)),
			zap.Error(err),
		)
	}
}

// failureReason текст ошибки для Job.Error.
func failureReason(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, taskmanager.ErrTaskCancelled):
			return domain.FailureCancelled
		case errors.Is(cause, taskmanager.ErrShuttingDown):
			return domain.FailureShutdown
		default:
			return domain.FailureInterrupted
		}
	}
	return err.Error()
}

func metricReason(reason string) string {
	switch reason {
	case domain.FailureCancelled:
		return "cancelled"
	case domain.FailureShutdown, domain.FailureInterrupted:
		return "interrupted"
	}
	return "error"
}
