package context

import (
	stdctx "context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObservePipelinedEpoch(t *testing.T) {
	runtime := NewRuntimeContext()
	ctx := stdctx.Background()

	assert.Equal(t, EpochCurrent, runtime.ObservePipelinedEpoch(ctx, 0))
	assert.Equal(t, EpochAdvanced, runtime.ObservePipelinedEpoch(ctx, 5))
	assert.Equal(t, EpochCurrent, runtime.ObservePipelinedEpoch(ctx, 5))
	assert.Equal(t, EpochStale, runtime.ObservePipelinedEpoch(ctx, 4))
	assert.Equal(t, uint64(5), runtime.PipelinedEpoch())
	assert.Equal(t, EpochAdvanced, runtime.ObservePipelinedEpoch(ctx, 6))
	assert.Equal(t, "advanced", EpochAdvanced.String())
}

func TestFlags(t *testing.T) {
	runtime := NewRuntimeContext()
	ctx := stdctx.Background()

	assert.False(t, runtime.IsRestartSyncDone())
	runtime.SetRestartSyncDone(ctx)
	assert.True(t, runtime.IsRestartSyncDone())

	runtime.SetShutdownRequested(ctx, true)
	assert.True(t, runtime.IsShutdownRequested())

	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runtime.MarkUsageReported(later)
	runtime.MarkUsageReported(later.Add(-time.Minute))
	assert.Equal(t, later, runtime.LastUsageReportAt())
}
