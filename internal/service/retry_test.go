package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_DelayGrowsWithinJitter(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		for i := 0; i < 50; i++ {
			got := p.Delay(attempt)
			low := time.Duration(float64(want) * 0.9)
			if low < p.BaseDelay {
				low = p.BaseDelay
			}
			assert.GreaterOrEqual(t, got, low, "attempt %d", attempt)
			assert.LessOrEqual(t, got, time.Duration(float64(want)*1.1), "attempt %d", attempt)
		}
	}
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	assert.Equal(t, 30*time.Second, p.Delay(8))
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
