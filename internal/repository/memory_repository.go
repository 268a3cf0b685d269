package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cyoa-server/internal/domain"

	"github.com/google/uuid"
)

var (
	_ JobRepository   = (*MemoryJobRepository)(nil)
	_ StoryRepository = (*MemoryStoryRepository)(nil)
)

// MemoryJobRepository хранилище заданий в памяти процесса.
// Используется при STORAGE_DRIVER=memory и в тестах.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.Job
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (r *MemoryJobRepository) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w: duplicate id", job.ID, domain.ErrPersistence)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobRepository) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

func (r *MemoryJobRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]*domain.Job, error) {
	out := r.filter(func(j *domain.Job) bool { return j.SessionID == sessionID })
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID.String() < out[k].ID.String()
	})
	return truncate(out, limit), nil
}

func (r *MemoryJobRepository) ListByState(_ context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	out := r.filter(func(j *domain.Job) bool { return j.State == state })
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID.String() < out[k].ID.String()
	})
	return truncate(out, limit), nil
}

func (r *MemoryJobRepository) Transition(_ context.Context, id uuid.UUID, t domain.JobTransition) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	next := job.Clone()
	if err := next.Apply(t); err != nil {
		return nil, err
	}
	r.jobs[id] = next
	return next.Clone(), nil
}

func (r *MemoryJobRepository) filter(keep func(*domain.Job) bool) []*domain.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Job, 0)
	for _, j := range r.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}

func truncate(jobs []*domain.Job, limit int) []*domain.Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

// MemoryStoryRepository хранилище историй в памяти процесса.
type MemoryStoryRepository struct {
	mu      sync.RWMutex
	stories map[uuid.UUID]*domain.Story
}

func NewMemoryStoryRepository() *MemoryStoryRepository {
	return &MemoryStoryRepository{stories: make(map[uuid.UUID]*domain.Story)}
}

func (r *MemoryStoryRepository) Save(_ context.Context, story *domain.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stories[story.ID]; exists {
		return fmt.Errorf("save story %s: %w: duplicate id", story.ID, domain.ErrPersistence)
	}
	r.stories[story.ID] = story.Clone()
	return nil
}

func (r *MemoryStoryRepository) Get(_ context.Context, id uuid.UUID) (*domain.Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stories[id]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", id, domain.ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *MemoryStoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stories[id]; !ok {
		return fmt.Errorf("story %s: %w", id, domain.ErrNotFound)
	}
	delete(r.stories, id)
	return nil
}

// Len число сохраненных историй.
func (r *MemoryStoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stories)
}
