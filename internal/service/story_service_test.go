package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"cyoa-server/internal/domain"
	"cyoa-server/internal/generation"
	"cyoa-server/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) GenerateRoot(ctx context.Context, prompt string) (generation.RootContent, error) {
	args := m.Called(ctx, prompt)
	return args.Get(0).(generation.RootContent), args.Error(1)
}

func (m *mockBackend) GenerateChoices(ctx context.Context, req generation.ExpandRequest) ([]generation.ChoiceContent, error) {
	args := m.Called(ctx, req)
	choices, _ := args.Get(0).([]generation.ChoiceContent)
	return choices, args.Error(1)
}

func atDepth(depth int) interface{} {
	return mock.MatchedBy(func(r generation.ExpandRequest) bool { return r.Depth == depth })
}

func newTestStoryService(backend generation.Backend) (*StoryService, *repository.MemoryStoryRepository) {
	repo := repository.NewMemoryStoryRepository()
	svc := NewStoryService(backend, repo, StoryServiceConfig{
		Retry:              RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		BackendConcurrency: 2,
	}, zap.NewNop())
	svc.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return svc, repo
}

func TestGenerate_TemplateTwoByTwo(t *testing.T) {
	svc, _ := newTestStoryService(generation.NewTemplateBackend())

	story, stats, err := svc.Generate(context.Background(), "A haunted lighthouse", domain.GenerationOptions{MaxDepth: 2, BranchingFactor: 2})
	require.NoError(t, err)
	require.NoError(t, story.Validate())

	root := story.Root()
	require.NotNil(t, root)
	assert.Equal(t, "n0", root.ID)
	require.Len(t, root.Choices, 2)
	assert.Equal(t, "n1", root.Choices[0].TargetNodeID)
	assert.Equal(t, "n2", root.Choices[1].TargetNodeID)
	for _, c := range root.Choices {
		child := story.Nodes[c.TargetNodeID]
		require.NotNil(t, child)
		assert.Empty(t, child.Choices)
		assert.True(t, child.IsEnding)
		assert.Equal(t, 2, child.Depth)
	}
	assert.False(t, root.IsEnding)
	assert.Equal(t, 1, story.Stats().WinningEndings)
	assert.Equal(t, GenerationStats{BackendCalls: 2, Retries: 0}, stats)
}

func TestGenerate_DepthOneIsSingleEnding(t *testing.T) {
	svc, _ := newTestStoryService(generation.NewTemplateBackend())

	story, _, err := svc.Generate(context.Background(), "dragons", domain.GenerationOptions{MaxDepth: 1, BranchingFactor: 3})
	require.NoError(t, err)
	require.Len(t, story.Nodes, 1)
	assert.True(t, story.Root().IsEnding)
}

func TestGenerate_NodeIDsFollowBreadthFirstOrder(t *testing.T) {
	svc, _ := newTestStoryService(generation.NewTemplateBackend())

	story, _, err := svc.Generate(context.Background(), "forest", domain.GenerationOptions{MaxDepth: 3, BranchingFactor: 2})
	require.NoError(t, err)
	require.Len(t, story.Nodes, 7)

	ordered := story.OrderedNodes()
	for i, n := range ordered {
		assert.Equal(t, domain.NodeID(i), n.ID)
	}
	assert.Equal(t, []string{"n3", "n4"}, []string{ordered[1].Choices[0].TargetNodeID, ordered[1].Choices[1].TargetNodeID})
}

func TestGenerate_TruncatesAndHonorsBackendEndings(t *testing.T) {
	b := &mockBackend{}
	b.On("GenerateRoot", mock.Anything, "p").Return(generation.RootContent{Title: "T", Text: "start"}, nil)
	b.On("GenerateChoices", mock.Anything, atDepth(1)).Return([]generation.ChoiceContent{
		{Label: "a", Text: "A"},
		{Label: "b", Text: "B", IsEnding: true, IsWinning: true},
		{Label: "c", Text: "C"},
	}, nil)
	b.On("GenerateChoices", mock.Anything, mock.MatchedBy(func(r generation.ExpandRequest) bool {
		return r.Depth == 2 && r.NodeText == "A"
	})).Return([]generation.ChoiceContent{}, nil)

	svc, _ := newTestStoryService(b)
	story, _, err := svc.Generate(context.Background(), "p", domain.GenerationOptions{MaxDepth: 3, BranchingFactor: 2})
	require.NoError(t, err)

	require.Len(t, story.Nodes, 3)
	assert.Len(t, story.Root().Choices, 2)
	a, bNode := story.Nodes["n1"], story.Nodes["n2"]
	assert.True(t, a.IsEnding)
	assert.False(t, a.IsWinningEnding)
	assert.True(t, bNode.IsEnding)
	assert.True(t, bNode.IsWinningEnding)
	// узел B бэкенд пометил концовкой, его не раскрывали
	b.AssertNumberOfCalls(t, "GenerateChoices", 2)
}

func TestGenerate_PassesPathToBackend(t *testing.T) {
	b := &mockBackend{}
	b.On("GenerateRoot", mock.Anything, "p").Return(generation.RootContent{Title: "T", Text: "start"}, nil)
	b.On("GenerateChoices", mock.Anything, atDepth(1)).Return([]generation.ChoiceContent{{Label: "go", Text: "gone"}}, nil)
	b.On("GenerateChoices", mock.Anything, mock.MatchedBy(func(r generation.ExpandRequest) bool {
		return r.Depth == 2 && len(r.Path) == 1 && r.Path[0] == generation.PathStep{Text: "start", Choice: "go"} && r.NodeText == "gone"
	})).Return([]generation.ChoiceContent{{Label: "end", Text: "the end", IsEnding: true}}, nil)

	svc, _ := newTestStoryService(b)
	story, _, err := svc.Generate(context.Background(), "p", domain.GenerationOptions{MaxDepth: 3, BranchingFactor: 1})
	require.NoError(t, err)
	assert.Len(t, story.Nodes, 3)
	b.AssertExpectations(t)
}

func TestGenerate_RetriesTransientErrors(t *testing.T) {
	b := &mockBackend{}
	b.On("GenerateRoot", mock.Anything, "p").
		Return(generation.RootContent{}, generation.Transient(errors.New("429"))).Once()
	b.On("GenerateRoot", mock.Anything, "p").
		Return(generation.RootContent{Title: "T", Text: "start"}, nil).Once()

	svc, _ := newTestStoryService(b)
	story, stats, err := svc.Generate(context.Background(), "p", domain.GenerationOptions{MaxDepth: 1, BranchingFactor: 1})
	require.NoError(t, err)
	assert.NotNil(t, story)
	assert.Equal(t, GenerationStats{BackendCalls: 2, Retries: 1}, stats)
}

func TestGenerate_ExhaustedRetriesAreFatal(t *testing.T) {
	b := &mockBackend{}
	b.On("GenerateRoot", mock.Anything, "p").Return(generation.RootContent{}, generation.Transient(errors.New("timeout")))

	svc, repo := newTestStoryService(b)
	story, stats, err := svc.Generate(context.Background(), "p", domain.GenerationOptions{MaxDepth: 2, BranchingFactor: 2})
	require.Error(t, err)
	assert.Nil(t, story)
	assert.ErrorIs(t, err, domain.ErrFatalGeneration)
	assert.Equal(t, 3, stats.BackendCalls)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 0, repo.Len())
}

func TestGenerate_FatalErrorNotRetried(t *testing.T) {
	b := &mockBackend{}
	b.On("GenerateRoot", mock.Anything, "p").Return(generation.RootContent{Title: "T", Text: "start"}, nil)
	b.On("GenerateChoices", mock.Anything, atDepth(1)).Return(nil, generation.Fatal(errors.New("401 unauthorized")))

	svc, _ := newTestStoryService(b)
	_, stats, err := svc.Generate(context.Background(), "p", domain.GenerationOptions{MaxDepth: 2, BranchingFactor: 2})
	assert.ErrorIs(t, err, domain.ErrFatalGeneration)
	assert.Equal(t, 2, stats.BackendCalls)
	assert.Zero(t, stats.Retries)
}

func TestGenerate_UnclassifiedErrorTreatedAsFatal(t *testing.T) {
	b := &mockBackend{}
	b.On("GenerateRoot", mock.Anything, "p").Return(generation.RootContent{}, errors.New("boom"))

	svc, _ := newTestStoryService(b)
	_, _, err := svc.Generate(context.Background(), "p", domain.GenerationOptions{MaxDepth: 1, BranchingFactor: 1})
	assert.ErrorIs(t, err, domain.ErrFatalGeneration)
	b.AssertNumberOfCalls(t, "GenerateRoot", 1)
}

func TestGenerate_CancelledContext(t *testing.T) {
	svc, _ := newTestStoryService(generation.NewTemplateBackend())
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("stop")
	cancel(cause)

	_, _, err := svc.Generate(ctx, "p", domain.GenerationOptions{MaxDepth: 2, BranchingFactor: 2})
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.ErrorIs(t, err, cause)
}

func TestGenerate_CallTimeoutIsTransient(t *testing.T) {
	b := &mockBackend{}
	b.On("GenerateRoot", mock.Anything, "p").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(generation.RootContent{}, context.DeadlineExceeded)

	svc, _ := newTestStoryService(b)
	svc.cfg.CallTimeout = 5 * time.Millisecond

	_, stats, err := svc.Generate(context.Background(), "p", domain.GenerationOptions{MaxDepth: 1, BranchingFactor: 1})
	assert.ErrorIs(t, err, domain.ErrFatalGeneration)
	assert.ErrorIs(t, err, domain.ErrTransientGeneration)
	assert.Equal(t, 3, stats.BackendCalls)
}
