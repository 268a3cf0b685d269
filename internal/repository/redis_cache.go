package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cyoa-server/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	jobCacheKeyPrefix   = "cyoa:job:"
	storyCacheKeyPrefix = "cyoa:story:"
)

var (
	_ JobRepository   = (*CachedJobRepository)(nil)
	_ StoryRepository = (*CachedStoryRepository)(nil)
)

// CachedJobRepository read-through кэш поверх JobRepository.
// Кэшируются только задания в терминальном состоянии: они больше не меняются,
// поэтому кэш не может отдать устаревшее состояние.
type CachedJobRepository struct {
	next   JobRepository
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedJobRepository(next JobRepository, rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedJobRepository {
	return &CachedJobRepository{next: next, rdb: rdb, ttl: ttl, logger: logger.Named("JobCache")}
}

func (r *CachedJobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.next.Create(ctx, job)
}

func (r *CachedJobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	var cached domain.Job
	if hit := cacheGet(ctx, r.rdb, r.logger, jobCacheKeyPrefix+id.String(), &cached); hit {
		return &cached, nil
	}
	job, err := r.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		cacheSet(ctx, r.rdb, r.logger, jobCacheKeyPrefix+id.String(), job, r.ttl)
	}
	return job, nil
}

func (r *CachedJobRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.Job, error) {
	return r.next.ListBySession(ctx, sessionID, limit)
}

func (r *CachedJobRepository) ListByState(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	return r.next.ListByState(ctx, state, limit)
}

func (r *CachedJobRepository) Transition(ctx context.Context, id uuid.UUID, t domain.JobTransition) (*domain.Job, error) {
	job, err := r.next.Transition(ctx, id, t)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		cacheSet(ctx, r.rdb, r.logger, jobCacheKeyPrefix+id.String(), job, r.ttl)
	}
	return job, nil
}

// CachedStoryRepository read-through кэш историй. Истории неизменяемы.
type CachedStoryRepository struct {
	next   StoryRepository
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStoryRepository(next StoryRepository, rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedStoryRepository {
	return &CachedStoryRepository{next: next, rdb: rdb, ttl: ttl, logger: logger.Named("StoryCache")}
}

func (r *CachedStoryRepository) Save(ctx context.Context, story *domain.Story) error {
	if err := r.next.Save(ctx, story); err != nil {
		return err
	}
	cacheSet(ctx, r.rdb, r.logger, storyCacheKeyPrefix+story.ID.String(), story, r.ttl)
	return nil
}

func (r *CachedStoryRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Story, error) {
	var cached domain.Story
	if hit := cacheGet(ctx, r.rdb, r.logger, storyCacheKeyPrefix+id.String(), &cached); hit {
		return &cached, nil
	}
	story, err := r.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cacheSet(ctx, r.rdb, r.logger, storyCacheKeyPrefix+id.String(), story, r.ttl)
	return story, nil
}

func (r *CachedStoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	// сначала кэш: иначе Get между двумя шагами вернет удаленную историю
	if err := r.rdb.Del(ctx, storyCacheKeyPrefix+id.String()).Err(); err != nil {
		r.logger.Warn("Failed to evict story from cache", zap.Stringer("storyID", id), zap.Error(err))
	}
	return r.next.Delete(ctx, id)
}

// cacheGet ошибки Redis не фатальны: логируем и идем в хранилище.
func cacheGet(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger, key string, dst any) bool {
	raw, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.Warn("Corrupted cache entry, ignoring", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func cacheSet(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// PingRedis проверка подключения при старте.
func PingRedis(ctx context.Context, rdb redis.UniversalClient) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
