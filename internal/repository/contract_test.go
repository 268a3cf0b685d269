package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cyoa-server/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Общие проверки для всех реализаций JobRepository и StoryRepository.

func newTestJob(session string, createdAt time.Time) *domain.Job {
	return domain.NewJob("a lighthouse keeper", domain.GenerationOptions{MaxDepth: 3, BranchingFactor: 2}, session, createdAt.Truncate(time.Microsecond))
}

func newTestStory() *domain.Story {
	return &domain.Story{
		ID:         uuid.New(),
		Title:      "The Lighthouse",
		Prompt:     "a lighthouse keeper",
		RootNodeID: "n0",
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
		Nodes: map[string]*domain.Node{
			"n0": {ID: "n0", Depth: 1, Text: "Storm.", Choices: []domain.Choice{{Label: "Light the lamp", TargetNodeID: "n1"}}},
			"n1": {ID: "n1", Depth: 2, Text: "Ships are saved.", IsEnding: true, IsWinningEnding: true},
		},
	}
}

func testJobRepositoryContract(t *testing.T, jobs JobRepository, stories StoryRepository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		job := newTestJob("s-get", time.Now())
		require.NoError(t, jobs.Create(ctx, job))

		got, err := jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, domain.JobStatePending, got.State)
		assert.Equal(t, job.Options, got.Options)
		assert.Equal(t, "s-get", got.SessionID)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.ResultRef)
		assert.Empty(t, got.Error)
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := jobs.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("full lifecycle", func(t *testing.T) {
		job := newTestJob("s-life", time.Now())
		require.NoError(t, jobs.Create(ctx, job))

		running, err := jobs.Transition(ctx, job.ID, domain.JobTransition{From: domain.JobStatePending, To: domain.JobStateRunning, At: time.Now()})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateRunning, running.State)
		require.NotNil(t, running.StartedAt)

		story := newTestStory()
		require.NoError(t, stories.Save(ctx, story))

		done, err := jobs.Transition(ctx, job.ID, domain.JobTransition{
			From: domain.JobStateRunning, To: domain.JobStateCompleted, At: time.Now(), ResultRef: &story.ID, Retries: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateCompleted, done.State)
		require.NotNil(t, done.ResultRef)
		assert.Equal(t, story.ID, *done.ResultRef)
		assert.Equal(t, 1, done.Retries)
		require.NoError(t, done.CheckInvariants())

		_, err = jobs.Transition(ctx, job.ID, domain.JobTransition{From: domain.JobStateRunning, To: domain.JobStateFailed, At: time.Now(), Error: "late"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateCompleted, got.State)
	})

	t.Run("transition unknown", func(t *testing.T) {
		_, err := jobs.Transition(ctx, uuid.New(), domain.JobTransition{From: domain.JobStatePending, To: domain.JobStateRunning, At: time.Now()})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("concurrent claim has one winner", func(t *testing.T) {
		job := newTestJob("s-race", time.Now())
		require.NoError(t, jobs.Create(ctx, job))

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = jobs.Transition(ctx, job.ID, domain.JobTransition{From: domain.JobStatePending, To: domain.JobStateRunning, At: time.Now()})
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("list by session newest first", func(t *testing.T) {
		base := time.Now().Add(-time.Hour)
		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			job := newTestJob("s-list", base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, jobs.Create(ctx, job))
			ids = append(ids, job.ID)
		}
		require.NoError(t, jobs.Create(ctx, newTestJob("s-other", base)))

		got, err := jobs.ListBySession(ctx, "s-list", 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, ids[2], got[0].ID)
		assert.Equal(t, ids[0], got[2].ID)

		got, err = jobs.ListBySession(ctx, "s-list", 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("list by state", func(t *testing.T) {
		job := newTestJob("s-state", time.Now())
		require.NoError(t, jobs.Create(ctx, job))
		_, err := jobs.Transition(ctx, job.ID, domain.JobTransition{From: domain.JobStatePending, To: domain.JobStateRunning, At: time.Now()})
		require.NoError(t, err)

		running, err := jobs.ListByState(ctx, domain.JobStateRunning, 1000)
		require.NoError(t, err)
		found := false
		for _, j := range running {
			assert.Equal(t, domain.JobStateRunning, j.State)
			if j.ID == job.ID {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("returned jobs are copies", func(t *testing.T) {
		job := newTestJob("s-copy", time.Now())
		require.NoError(t, jobs.Create(ctx, job))
		got, err := jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		got.State = domain.JobStateFailed

		again, err := jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatePending, again.State)
	})
}

func testStoryRepositoryContract(t *testing.T, stories StoryRepository) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		story := newTestStory()
		require.NoError(t, stories.Save(ctx, story))

		got, err := stories.Get(ctx, story.ID)
		require.NoError(t, err)
		assert.Equal(t, story.Title, got.Title)
		assert.Equal(t, story.RootNodeID, got.RootNodeID)
		assert.Equal(t, story.Nodes, got.Nodes)
		require.NoError(t, got.Validate())
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := stories.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		story := newTestStory()
		require.NoError(t, stories.Save(ctx, story))
		require.NoError(t, stories.Delete(ctx, story.ID))

		_, err := stories.Get(ctx, story.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, stories.Delete(ctx, story.ID), domain.ErrNotFound)
	})
}
