package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cyoa-server/internal/domain"
	"cyoa-server/internal/generation"
	"cyoa-server/internal/messaging"
	"cyoa-server/internal/repository"
	"cyoa-server/pkg/taskmanager"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLimits = domain.OptionLimits{
	DefaultMaxDepth:        3,
	DefaultBranchingFactor: 2,
	MaxDepth:               6,
	MaxBranchingFactor:     4,
	MaxPromptLength:        1000,
}

// stubRunner запоминает задачи, но не выполняет их.
type stubRunner struct {
	mu        sync.Mutex
	submitErr error
	tasks     map[uuid.UUID]taskmanager.TaskFunc
	cancelled []uuid.UUID
}

func newStubRunner() *stubRunner {
	return &stubRunner{tasks: make(map[uuid.UUID]taskmanager.TaskFunc)}
}

func (r *stubRunner) Submit(id uuid.UUID, fn taskmanager.TaskFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitErr != nil {
		return r.submitErr
	}
	r.tasks[id] = fn
	return nil
}

func (r *stubRunner) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	if ok {
		r.cancelled = append(r.cancelled, id)
	}
	return ok
}

func (r *stubRunner) task(id uuid.UUID) taskmanager.TaskFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.JobEvent
}

func (p *recordingPublisher) PublishJobEvent(_ context.Context, ev messaging.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) states(id uuid.UUID) []domain.JobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.JobState
	for _, ev := range p.events {
		if ev.JobID == id {
			out = append(out, ev.State)
		}
	}
	return out
}

// blockingBackend висит на GenerateRoot до отмены контекста.
type blockingBackend struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingBackend() *blockingBackend { return &blockingBackend{started: make(chan struct{})} }

func (b *blockingBackend) Name() string { return "blocking" }

func (b *blockingBackend) GenerateRoot(ctx context.Context, _ string) (generation.RootContent, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return generation.RootContent{}, ctx.Err()
}

func (b *blockingBackend) GenerateChoices(ctx context.Context, _ generation.ExpandRequest) ([]generation.ChoiceContent, error) {
	return nil, ctx.Err()
}

type jobFixture struct {
	svc     *JobService
	jobs    *repository.MemoryJobRepository
	stories *repository.MemoryStoryRepository
	events  *recordingPublisher
}

func newJobFixture(t *testing.T, backend generation.Backend, runner TaskRunner) *jobFixture {
	t.Helper()
	storySvc, stories := newTestStoryService(backend)
	jobs := repository.NewMemoryJobRepository()
	events := &recordingPublisher{}
	svc := NewJobService(jobs, storySvc, runner, events, JobServiceConfig{
		Limits:             testLimits,
		PersistMaxAttempts: 3,
		PersistRetryDelay:  time.Millisecond,
		SessionListLimit:   50,
		RecoveryBatchSize:  100,
	}, zap.NewNop())
	return &jobFixture{svc: svc, jobs: jobs, stories: stories, events: events}
}

func newRunningManager(t *testing.T) *taskmanager.TaskManager {
	t.Helper()
	tm := taskmanager.New(taskmanager.Config{Workers: 2, QueueSize: 10, Logger: zap.NewNop()})
	tm.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tm.Shutdown(ctx)
	})
	return tm
}

func waitTerminal(t *testing.T, svc *JobService, id uuid.UUID) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := svc.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestJobService_HauntedLighthouse(t *testing.T) {
	f := newJobFixture(t, generation.NewTemplateBackend(), newRunningManager(t))
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, CreateJobInput{
		Prompt:    "A haunted lighthouse",
		Options:   domain.GenerationOptions{MaxDepth: 2, BranchingFactor: 2},
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatePending, job.State)

	done := waitTerminal(t, f.svc, job.ID)
	require.Equal(t, domain.JobStateCompleted, done.State, done.Error)
	require.NotNil(t, done.ResultRef)
	assert.Empty(t, done.Error)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.NoError(t, done.CheckInvariants())

	story, err := f.svc.stories.GetStory(ctx, *done.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", story.SessionID)
	root := story.Root()
	require.Len(t, root.Choices, 2)
	for _, c := range root.Choices {
		assert.Empty(t, story.Nodes[c.TargetNodeID].Choices)
	}

	again, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done, again)

	assert.Equal(t,
		[]domain.JobState{domain.JobStatePending, domain.JobStateRunning, domain.JobStateCompleted},
		f.events.states(job.ID),
	)
}

func TestJobService_CreateJobValidation(t *testing.T) {
	runner := newStubRunner()
	f := newJobFixture(t, generation.NewTemplateBackend(), runner)
	ctx := context.Background()

	tests := []struct {
		name  string
		input CreateJobInput
		field string
	}{
		{"empty prompt", CreateJobInput{Prompt: "   "}, "prompt"},
		{"depth too large", CreateJobInput{Prompt: "p", Options: domain.GenerationOptions{MaxDepth: 7}}, "options.max_depth"},
		{"negative branching", CreateJobInput{Prompt: "p", Options: domain.GenerationOptions{BranchingFactor: -1}}, "options.branching_factor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateJob(ctx, tt.input)
			require.ErrorIs(t, err, domain.ErrValidation)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	pending, err := f.jobs.ListByState(ctx, domain.JobStatePending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, runner.tasks)
}

func TestJobService_CreateJobAppliesDefaults(t *testing.T) {
	f := newJobFixture(t, generation.NewTemplateBackend(), newStubRunner())

	job, err := f.svc.CreateJob(context.Background(), CreateJobInput{Prompt: "  dragons  "})
	require.NoError(t, err)
	assert.Equal(t, "dragons", job.Prompt)
	assert.Equal(t, domain.GenerationOptions{MaxDepth: 3, BranchingFactor: 2}, job.Options)
}

func TestJobService_GetJobNotFound(t *testing.T) {
	f := newJobFixture(t, generation.NewTemplateBackend(), newStubRunner())

	_, err := f.svc.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobService_RetryExhaustionFailsJob(t *testing.T) {
	b := &mockBackend{}
	b.On("GenerateRoot", mock.Anything, "p").Return(generation.RootContent{}, generation.Transient(errors.New("503")))
	f := newJobFixture(t, b, newRunningManager(t))

	job, err := f.svc.CreateJob(context.Background(), CreateJobInput{Prompt: "p"})
	require.NoError(t, err)

	done := waitTerminal(t, f.svc, job.ID)
	assert.Equal(t, domain.JobStateFailed, done.State)
	assert.NotEmpty(t, done.Error)
	assert.Nil(t, done.ResultRef)
	assert.Equal(t, 2, done.Retries)
	assert.Equal(t, 0, f.stories.Len())
	b.AssertNumberOfCalls(t, "GenerateRoot", 3)
}

func TestJobService_QueueFullRejectsJob(t *testing.T) {
	runner := newStubRunner()
	runner.submitErr = taskmanager.ErrQueueFull
	f := newJobFixture(t, generation.NewTemplateBackend(), runner)
	ctx := context.Background()

	_, err := f.svc.CreateJob(ctx, CreateJobInput{Prompt: "p", SessionID: "s"})
	require.ErrorIs(t, err, domain.ErrQueueFull)

	jobs, err := f.svc.ListJobs(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStateFailed, jobs[0].State)
	assert.Equal(t, domain.FailureRejected, jobs[0].Error)
}

func TestJobService_CancelPending(t *testing.T) {
	runner := newStubRunner()
	f := newJobFixture(t, generation.NewTemplateBackend(), runner)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, CreateJobInput{Prompt: "p"})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, cancelled.State)
	assert.Equal(t, domain.FailureCancelled, cancelled.Error)
	assert.Contains(t, runner.cancelled, job.ID)

	// воркер, получивший задачу после отмены, ее пропускает
	require.NoError(t, runner.task(job.ID)(ctx))
	after, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled, after)
	assert.Equal(t, 0, f.stories.Len())
}

func TestJobService_CancelRunning(t *testing.T) {
	backend := newBlockingBackend()
	f := newJobFixture(t, backend, newRunningManager(t))
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, CreateJobInput{Prompt: "p"})
	require.NoError(t, err)

	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not start the job")
	}

	snapshot, err := f.svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, snapshot.State)

	done := waitTerminal(t, f.svc, job.ID)
	assert.Equal(t, domain.JobStateFailed, done.State)
	assert.Equal(t, domain.FailureCancelled, done.Error)
}

func TestJobService_CancelTerminal(t *testing.T) {
	f := newJobFixture(t, generation.NewTemplateBackend(), newRunningManager(t))
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, CreateJobInput{Prompt: "p", Options: domain.GenerationOptions{MaxDepth: 1}})
	require.NoError(t, err)
	waitTerminal(t, f.svc, job.ID)

	_, err = f.svc.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotCancellable)
}

func TestJobService_ShutdownInterruptsRunningJob(t *testing.T) {
	backend := newBlockingBackend()
	tm := taskmanager.New(taskmanager.Config{Workers: 1, QueueSize: 10, Logger: zap.NewNop()})
	tm.Start()
	f := newJobFixture(t, backend, tm)

	job, err := f.svc.CreateJob(context.Background(), CreateJobInput{Prompt: "p"})
	require.NoError(t, err)
	<-backend.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, tm.Shutdown(ctx))

	done := waitTerminal(t, f.svc, job.ID)
	assert.Equal(t, domain.JobStateFailed, done.State)
	assert.Equal(t, domain.FailureShutdown, done.Error)
}

func TestJobService_Recover(t *testing.T) {
	runner := newStubRunner()
	f := newJobFixture(t, generation.NewTemplateBackend(), runner)
	ctx := context.Background()
	now := time.Now()

	stale := domain.NewJob("stale", domain.GenerationOptions{MaxDepth: 1, BranchingFactor: 1}, "", now)
	require.NoError(t, f.jobs.Create(ctx, stale))
	_, err := f.jobs.Transition(ctx, stale.ID, domain.JobTransition{From: domain.JobStatePending, To: domain.JobStateRunning, At: now})
	require.NoError(t, err)

	waiting := domain.NewJob("waiting", domain.GenerationOptions{MaxDepth: 1, BranchingFactor: 1}, "", now)
	require.NoError(t, f.jobs.Create(ctx, waiting))

	report, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Interrupted: 1, Requeued: 1}, report)

	got, err := f.svc.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, domain.FailureInterrupted, got.Error)

	// повторно поставленное задание выполняется как обычно
	require.NoError(t, runner.task(waiting.ID)(ctx))
	got, err = f.svc.GetJob(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, got.State)
}

func TestJobService_ListJobsBySession(t *testing.T) {
	f := newJobFixture(t, generation.NewTemplateBackend(), newStubRunner())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateJob(ctx, CreateJobInput{Prompt: "p", SessionID: "mine"})
		require.NoError(t, err)
	}
	_, err := f.svc.CreateJob(ctx, CreateJobInput{Prompt: "p", SessionID: "other"})
	require.NoError(t, err)

	jobs, err := f.svc.ListJobs(ctx, "mine", 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, "mine", j.SessionID)
	}
}

func TestFailureReason(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(taskmanager.ErrShuttingDown)
	assert.Equal(t, domain.FailureShutdown, failureReason(ctx, ctx.Err()))

	ctx, cancel = context.WithCancelCause(context.Background())
	cancel(taskmanager.ErrTaskCancelled)
	assert.Equal(t, domain.FailureCancelled, failureReason(ctx, ctx.Err()))

	assert.Equal(t, "boom", failureReason(context.Background(), errors.New("boom")))
}
