package generation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateBackend_Deterministic(t *testing.T) {
	b := NewTemplateBackend()
	ctx := context.Background()

	r1, err := b.GenerateRoot(ctx, "a haunted lighthouse")
	require.NoError(t, err)
	r2, err := b.GenerateRoot(ctx, "a haunted lighthouse")
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, "A haunted lighthouse", r1.Title)

	req := ExpandRequest{Prompt: "p", NodeText: r1.Text, Depth: 1, MaxDepth: 3, MaxChoices: 3}
	c1, err := b.GenerateChoices(ctx, req)
	require.NoError(t, err)
	c2, err := b.GenerateChoices(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.Len(t, c1, 3)
	for _, c := range c1 {
		assert.False(t, c.IsEnding)
		assert.NotEmpty(t, c.Label)
		assert.NotEmpty(t, c.Text)
	}
}

func TestTemplateBackend_LastLevelEndings(t *testing.T) {
	b := NewTemplateBackend()
	choices, err := b.GenerateChoices(context.Background(), ExpandRequest{Depth: 2, MaxDepth: 3, MaxChoices: 2, NodeText: "x"})
	require.NoError(t, err)
	require.Len(t, choices, 2)
	assert.True(t, choices[0].IsEnding && choices[0].IsWinning)
	assert.True(t, choices[1].IsEnding)
	assert.False(t, choices[1].IsWinning)
}

func TestTemplateBackend_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTemplateBackend().GenerateRoot(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
}
