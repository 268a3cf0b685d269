package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"cyoa-server/internal/domain"
	"cyoa-server/internal/generation"
	"cyoa-server/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDiskFull = fmt.Errorf("%w: disk full", domain.ErrPersistence)

// brokenStoryRepository не может сохранить ни одну историю.
type brokenStoryRepository struct {
	*repository.MemoryStoryRepository
	saves atomic.Int32
}

func (r *brokenStoryRepository) Save(context.Context, *domain.Story) error {
	r.saves.Add(1)
	return errDiskFull
}

// noCompletionJobRepository не может записать переход в completed.
type noCompletionJobRepository struct {
	*repository.MemoryJobRepository
}

func (r *noCompletionJobRepository) Transition(ctx context.Context, id uuid.UUID, t domain.JobTransition) (*domain.Job, error) {
	if t.To == domain.JobStateCompleted {
		return nil, errDiskFull
	}
	return r.MemoryJobRepository.Transition(ctx, id, t)
}

func newPersistenceFixture(t *testing.T, jobs repository.JobRepository, stories repository.StoryRepository) (*JobService, *stubRunner) {
	t.Helper()
	storySvc := NewStoryService(generation.NewTemplateBackend(), stories, StoryServiceConfig{
		Retry:              RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		BackendConcurrency: 2,
	}, zap.NewNop())
	runner := newStubRunner()
	svc := NewJobService(jobs, storySvc, runner, &recordingPublisher{}, JobServiceConfig{
		Limits:             testLimits,
		PersistMaxAttempts: 3,
		PersistRetryDelay:  time.Millisecond,
		SessionListLimit:   50,
		RecoveryBatchSize:  100,
	}, zap.NewNop())
	return svc, runner
}

func runCreatedJob(t *testing.T, svc *JobService, runner *stubRunner) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := svc.CreateJob(ctx, CreateJobInput{Prompt: "A haunted lighthouse", Options: domain.GenerationOptions{MaxDepth: 2, BranchingFactor: 2}})
	require.NoError(t, err)

	task := runner.task(job.ID)
	require.NotNil(t, task)
	assert.ErrorIs(t, task(ctx), domain.ErrPersistence)

	done, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return done
}

func TestJobService_StorySaveFailureFailsJob(t *testing.T) {
	stories := &brokenStoryRepository{MemoryStoryRepository: repository.NewMemoryStoryRepository()}
	svc, runner := newPersistenceFixture(t, repository.NewMemoryJobRepository(), stories)

	done := runCreatedJob(t, svc, runner)

	assert.Equal(t, domain.JobStateFailed, done.State)
	assert.Equal(t, "persistence failure: could not save story", done.Error)
	assert.Nil(t, done.ResultRef)
	assert.NoError(t, done.CheckInvariants())
	assert.Equal(t, int32(3), stories.saves.Load())
	assert.Equal(t, 0, stories.Len())
}

func TestJobService_CompletionFailureDiscardsStory(t *testing.T) {
	stories := repository.NewMemoryStoryRepository()
	jobs := &noCompletionJobRepository{MemoryJobRepository: repository.NewMemoryJobRepository()}
	svc, runner := newPersistenceFixture(t, jobs, stories)

	done := runCreatedJob(t, svc, runner)

	assert.Equal(t, domain.JobStateFailed, done.State)
	assert.Equal(t, "persistence failure: could not record completion", done.Error)
	assert.Nil(t, done.ResultRef)
	assert.NoError(t, done.CheckInvariants())
	assert.Equal(t, 0, stories.Len())
}
