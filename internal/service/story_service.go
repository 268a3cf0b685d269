package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cyoa-server/internal/domain"
	"cyoa-server/internal/generation"
	"cyoa-server/internal/metrics"
	"cyoa-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// StoryServiceConfig настройки генерации.
type StoryServiceConfig struct {
	Retry RetryPolicy
	// BackendConcurrency сколько вызовов бэкенда одновременно на весь процесс.
	BackendConcurrency int64
	// CallTimeout таймаут одного вызова, 0 без ограничения.
	CallTimeout time.Duration
}

// GenerationStats счетчики одного прогона Generate.
type GenerationStats struct {
	BackendCalls int
	Retries      int
}

type genCounters struct {
	calls   atomic.Int32
	retries atomic.Int32
}

func (c *genCounters) stats() GenerationStats {
	return GenerationStats{BackendCalls: int(c.calls.Load()), Retries: int(c.retries.Load())}
}

// StoryService строит дерево истории обходом в ширину и хранит готовые истории.
type StoryService struct {
	backend generation.Backend
	stories repository.StoryRepository
	cfg     StoryServiceConfig
	sem     *semaphore.Weighted
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewStoryService(backend generation.Backend, stories repository.StoryRepository, cfg StoryServiceConfig, logger *zap.Logger) *StoryService {
	if cfg.BackendConcurrency < 1 {
		cfg.BackendConcurrency = 1
	}
	return &StoryService{
		backend: backend,
		stories: stories,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.BackendConcurrency),
		logger:  logger.Named("StoryService"),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// frontier узел текущего уровня обхода.
type frontier struct {
	node     *domain.Node
	path     []generation.PathStep
	terminal bool // бэкенд сам пометил сцену концовкой
}

// Generate строит историю целиком. При любой ошибке дерево отбрасывается.
// opts должны быть уже нормализованы.
func (s *StoryService) Generate(ctx context.Context, prompt string, opts domain.GenerationOptions) (*domain.Story, GenerationStats, error) {
	counters := &genCounters{}
	log := s.logger.With(zap.Int("max_depth", opts.MaxDepth), zap.Int("branching_factor", opts.BranchingFactor))

	var root generation.RootContent
	err := s.call(ctx, generation.OpRoot, counters, func(c context.Context) error {
		var err error
		root, err = s.backend.GenerateRoot(c, prompt)
		return err
	})
	if err != nil {
		return nil, counters.stats(), err
	}

	story := &domain.Story{
		ID:         uuid.New(),
		Title:      root.Title,
		Prompt:     prompt,
		RootNodeID: domain.NodeID(0),
		Nodes:      make(map[string]*domain.Node),
		CreatedAt:  s.now().UTC(),
	}
	rootNode := &domain.Node{ID: domain.NodeID(0), Depth: 1, Text: root.Text}
	story.Nodes[rootNode.ID] = rootNode

	next := 1
	level := []*frontier{{node: rootNode}}
	for len(level) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, counters.stats(), abortError(ctx)
		}

		replies := make([][]generation.ChoiceContent, len(level))
		g, gctx := errgroup.WithContext(ctx)
		for i, f := range level {
			if f.terminal || f.node.Depth >= opts.MaxDepth {
				continue
			}
			req := generation.ExpandRequest{
				Prompt:     prompt,
				Title:      story.Title,
				Path:       f.path,
				NodeText:   f.node.Text,
				Depth:      f.node.Depth,
				MaxDepth:   opts.MaxDepth,
				MaxChoices: opts.BranchingFactor,
			}
			g.Go(func() error {
				return s.call(gctx, generation.OpChoices, counters, func(c context.Context) error {
					choices, err := s.backend.GenerateChoices(c, req)
					replies[i] = choices
					return err
				})
			})
		}
		if err := g.Wait(); err != nil {
			return nil, counters.stats(), err
		}

		// id раздаются после уровня в порядке узлов, поэтому не зависят от порядка ответов
		var nextLevel []*frontier
		for i, f := range level {
			choices := replies[i]
			if len(choices) > opts.BranchingFactor {
				log.Debug("Truncating backend reply",
					zap.String("node_id", f.node.ID),
					zap.Int("got", len(choices)),
				)
				choices = choices[:opts.BranchingFactor]
			}
			for _, c := range choices {
				child := &domain.Node{
					ID:              domain.NodeID(next),
					Depth:           f.node.Depth + 1,
					Text:            c.Text,
					IsWinningEnding: c.IsEnding && c.IsWinning,
				}
				next++
				story.Nodes[child.ID] = child
				f.node.Choices = append(f.node.Choices, domain.Choice{Label: c.Label, TargetNodeID: child.ID})

				path := make([]generation.PathStep, 0, len(f.path)+1)
				path = append(path, f.path...)
				path = append(path, generation.PathStep{Text: f.node.Text, Choice: c.Label})
				nextLevel = append(nextLevel, &frontier{node: child, path: path, terminal: c.IsEnding})
			}
		}
		level = nextLevel
	}

	for _, n := range story.Nodes {
		n.IsEnding = len(n.Choices) == 0
		if !n.IsEnding {
			n.IsWinningEnding = false
		}
	}
	if err := story.Validate(); err != nil {
		return nil, counters.stats(), generation.Fatal(err)
	}

	stats := story.Stats()
	metrics.StoryNodes.Observe(float64(stats.Nodes))
	log.Info("Story generated",
		zap.String("story_id", story.ID.String()),
		zap.Int("nodes", stats.Nodes),
		zap.Int("endings", stats.Endings),
		zap.Int("backend_calls", int(counters.calls.Load())),
		zap.Int("retries", int(counters.retries.Load())),
	)
	return story, counters.stats(), nil
}

// call выполняет один вызов бэкенда с повторами временных ошибок.
// Семафор держится только на время попытки, не во время паузы.
func (s *StoryService) call(ctx context.Context, op string, counters *genCounters, fn func(ctx context.Context) error) error {
	name := s.backend.Name()
	total := s.cfg.Retry.attempts()

	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if attempt > 1 {
			delay := s.cfg.Retry.Delay(attempt - 1)
			s.logger.Debug("Retrying backend call",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := s.sleep(ctx, delay); err != nil {
				return abortError(ctx)
			}
			counters.retries.Add(1)
			metrics.BackendRetries.WithLabelValues(name, op).Inc()
		}

		err := s.attempt(ctx, fn)
		counters.calls.Add(1)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return abortError(ctx)
		}
		if !errors.Is(err, domain.ErrTransientGeneration) {
			if !errors.Is(err, domain.ErrFatalGeneration) {
				err = generation.Fatal(err)
			}
			s.logger.Warn("Backend call failed permanently", zap.String("operation", op), zap.Error(err))
			return err
		}
		lastErr = err
		s.logger.Warn("Backend call failed, will retry",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", total),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", domain.ErrFatalGeneration, op, total, lastErr)
}

func (s *StoryService) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	callCtx := ctx
	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTransientGeneration) {
		return generation.Transient(err)
	}
	return err
}

// abortError ошибка прерванной генерации с причиной отмены.
func abortError(ctx context.Context) error {
	return fmt.Errorf("%w: %w", domain.ErrCancelled, context.Cause(ctx))
}

// SaveStory сохраняет готовую историю.
func (s *StoryService) SaveStory(ctx context.Context, story *domain.Story) error {
	return s.stories.Save(ctx, story)
}

// DeleteStory удаляет историю, на которую не ссылается ни одно задание.
func (s *StoryService) DeleteStory(ctx context.Context, id uuid.UUID) error {
	return s.stories.Delete(ctx, id)
}

func (s *StoryService) GetStory(ctx context.Context, id uuid.UUID) (*domain.Story, error) {
	return s.stories.Get(ctx, id)
}
