package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardRetriesTransientFailures(t *testing.T) {
	src := &fakeSource{
		name:       "flaky",
		configured: true,
		errs: []error{
			transportError("flaky", errors.New("connection reset")),
			statusError("flaky", 503, nil),
		},
		points: samplePoints("AAPL", 2),
	}
	g := Guard(src, RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, BreakerSettings{}, noopLogger())

	points, err := g.FetchHistorical(context.Background(), aapl, 5)
	require.NoError(t, err)
	assert.Len(t, points, 2)
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestGuardGivesUpAfterAttempts(t *testing.T) {
	src := &fakeSource{
		name:       "down",
		configured: true,
		errs: []error{
			statusError("down", 429, nil),
			statusError("down", 429, nil),
			statusError("down", 429, nil),
			statusError("down", 429, nil),
		},
	}
	g := Guard(src, RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, BreakerSettings{}, noopLogger())

	_, err := g.FetchHistorical(context.Background(), aapl, 5)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindRateLimited))
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestGuardFailsFastOnPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"client error", statusError("p", 404, []byte("not found"))},
		{"parse error", parseError("p", errors.New("bad json"))},
		{"unconfigured", unconfigured("p")},
		{"empty result", emptyResult("p", "AAPL")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{name: "p", configured: true, errs: []error{tt.err, tt.err, tt.err}}
			g := Guard(src, RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, BreakerSettings{}, noopLogger())

			_, err := g.FetchHistorical(context.Background(), aapl, 5)
			require.Error(t, err)
			assert.EqualValues(t, 1, src.calls.Load())
		})
	}
}

func TestGuardBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fail := statusError("down", 500, nil)
	src := &fakeSource{name: "down", configured: true, errs: []error{fail, fail, fail, fail, fail}}
	g := Guard(src, RetryPolicy{Attempts: 1}, BreakerSettings{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Minute}, noopLogger())

	for i := 0; i < 2; i++ {
		_, err := g.FetchHistorical(context.Background(), aapl, 5)
		require.Error(t, err)
	}

	_, err := g.FetchHistorical(context.Background(), aapl, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, src.calls.Load(), "open circuit must not reach the upstream")
}

func TestGuardKeepsFallbackMarker(t *testing.T) {
	syn := NewSynthetic(SyntheticOptions{}, noopLogger())
	g := Guard(syn, RetryPolicy{}, BreakerSettings{}, noopLogger())
	assert.True(t, g.IsFallback())
	assert.Equal(t, SyntheticName, g.Name())
}

func TestGuardStopsRetryingWhenContextCancelled(t *testing.T) {
	fail := transportError("slow", errors.New("timeout"))
	src := &fakeSource{name: "slow", configured: true, errs: []error{fail, fail, fail}}
	g := Guard(src, RetryPolicy{Attempts: 3, Backoff: time.Hour}, BreakerSettings{}, noopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.FetchHistorical(ctx, aapl, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, src.calls.Load())
}
