package cronrunner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func TestRunner_RunsJobsWithBaseContext(t *testing.T) {
	base := context.WithValue(context.Background(), ctxKey{}, "base")
	r := New(base)

	var runs atomic.Int32
	var sawBase atomic.Bool
	_, err := r.Add("tick", "@every 1s", func(ctx context.Context) {
		sawBase.Store(ctx.Value(ctxKey{}) == "base")
		runs.Add(1)
	})
	require.NoError(t, err)

	r.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	r.Stop()
	assert.True(t, sawBase.Load())
}

func TestRunner_RecoversPanickingJob(t *testing.T) {
	r := New(context.Background())
	var runs atomic.Int32
	_, err := r.Add("boom", "@every 1s", func(context.Context) {
		runs.Add(1)
		panic("job failed")
	})
	require.NoError(t, err)

	r.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
	r.Stop()
}

func TestRunner_RejectsBadSpec(t *testing.T) {
	r := New(nil)
	_, err := r.Add("bad", "every minute", func(context.Context) {})
	assert.Error(t, err)
}
