// Package context holds the in-memory runtime state of sessiond, including:
//   - The epoch of the enforcement plane, advanced on every plane restart
//   - Whether restart recovery of the session store has finished
//   - When the last usage report arrived
//   - Shutdown flags and basic lifecycle helpers.
//
// Note: This package is named "context", so we alias the standard library
// "context" package to avoid name collisions.
package context

import (
	stdctx "context"
	"sync"
	"time"

	"github.com/free5gc/sessiond/internal/logger"
)

// EpochObservation is what a reported enforcement plane epoch means.
type EpochObservation int

const (
	// EpochCurrent matches the epoch already known.
	EpochCurrent EpochObservation = iota
	// EpochAdvanced is newer than the known epoch: the plane restarted and
	// needs its flows set up again.
	EpochAdvanced
	// EpochStale predates the known epoch and must be ignored.
	EpochStale
)

func (observation EpochObservation) String() string {
	switch observation {
	case EpochAdvanced:
		return "advanced"
	case EpochStale:
		return "stale"
	default:
		return "current"
	}
}

// RuntimeContext provides concurrency-safe accessors to process-wide flags.
type RuntimeContext interface {
	// ---- Enforcement plane epoch ----

	// ObservePipelinedEpoch compares an epoch carried by the enforcement
	// plane with the known one and records it when it advanced. Epoch zero
	// carries no information and is always current.
	ObservePipelinedEpoch(ctx stdctx.Context, epoch uint64) EpochObservation

	// PipelinedEpoch returns the latest known epoch.
	PipelinedEpoch() uint64

	// ---- Usage reports ----

	// MarkUsageReported records the arrival time of a usage report.
	MarkUsageReported(at time.Time)

	// LastUsageReportAt returns when the last usage report arrived.
	LastUsageReportAt() time.Time

	// ---- Restart recovery ----

	// SetRestartSyncDone marks restart recovery as finished.
	SetRestartSyncDone(ctx stdctx.Context)

	// IsRestartSyncDone reports whether restart recovery has finished.
	IsRestartSyncDone() bool

	// ---- Shutdown flag ----

	// SetShutdownRequested marks whether a graceful shutdown has been requested.
	SetShutdownRequested(ctx stdctx.Context, requested bool)

	// IsShutdownRequested returns true if shutdown has been requested.
	IsShutdownRequested() bool
}

// runtimeContextImpl is the concrete implementation of RuntimeContext.
// It keeps all state in memory guarded by RWMutexes.
type runtimeContextImpl struct {
	mutexForEpoch  sync.RWMutex
	pipelinedEpoch uint64

	mutexForUsage   sync.RWMutex
	lastUsageReport time.Time

	mutexForRestart sync.RWMutex
	restartSyncDone bool

	mutexForShutdown  sync.RWMutex
	shutdownRequested bool
}

// NewRuntimeContext creates a new, empty RuntimeContext.
func NewRuntimeContext() RuntimeContext {
	return &runtimeContextImpl{}
}

// -----------------------------------------------------------------------------
// Enforcement plane epoch
// -----------------------------------------------------------------------------

// ObservePipelinedEpoch implements RuntimeContext.ObservePipelinedEpoch.
func (runtime *runtimeContextImpl) ObservePipelinedEpoch(
	ctx stdctx.Context,
	epoch uint64,
) EpochObservation {
	if epoch == 0 {
		return EpochCurrent
	}

	runtime.mutexForEpoch.Lock()
	defer runtime.mutexForEpoch.Unlock()

	switch {
	case epoch < runtime.pipelinedEpoch:
		logger.ContextLog.Warnf("stale enforcement plane epoch %d (current %d)", epoch, runtime.pipelinedEpoch)
		return EpochStale
	case epoch > runtime.pipelinedEpoch:
		logger.ContextLog.Infof("enforcement plane epoch %d -> %d", runtime.pipelinedEpoch, epoch)
		runtime.pipelinedEpoch = epoch
		return EpochAdvanced
	default:
		return EpochCurrent
	}
}

// PipelinedEpoch implements RuntimeContext.PipelinedEpoch.
func (runtime *runtimeContextImpl) PipelinedEpoch() uint64 {
	runtime.mutexForEpoch.RLock()
	defer runtime.mutexForEpoch.RUnlock()
	return runtime.pipelinedEpoch
}

// -----------------------------------------------------------------------------
// Usage reports
// -----------------------------------------------------------------------------

// MarkUsageReported implements RuntimeContext.MarkUsageReported.
func (runtime *runtimeContextImpl) MarkUsageReported(at time.Time) {
	runtime.mutexForUsage.Lock()
	defer runtime.mutexForUsage.Unlock()
	if at.After(runtime.lastUsageReport) {
		runtime.lastUsageReport = at
	}
}

// LastUsageReportAt implements RuntimeContext.LastUsageReportAt.
func (runtime *runtimeContextImpl) LastUsageReportAt() time.Time {
	runtime.mutexForUsage.RLock()
	defer runtime.mutexForUsage.RUnlock()
	return runtime.lastUsageReport
}

// -----------------------------------------------------------------------------
// Restart recovery
// -----------------------------------------------------------------------------

// SetRestartSyncDone implements RuntimeContext.SetRestartSyncDone.
func (runtime *runtimeContextImpl) SetRestartSyncDone(ctx stdctx.Context) {
	runtime.mutexForRestart.Lock()
	defer runtime.mutexForRestart.Unlock()
	runtime.restartSyncDone = true

	logger.ContextLog.Info("restart sync done")
}

// IsRestartSyncDone implements RuntimeContext.IsRestartSyncDone.
func (runtime *runtimeContextImpl) IsRestartSyncDone() bool {
	runtime.mutexForRestart.RLock()
	defer runtime.mutexForRestart.RUnlock()
	return runtime.restartSyncDone
}

// -----------------------------------------------------------------------------
// Shutdown flag
// -----------------------------------------------------------------------------

// SetShutdownRequested implements RuntimeContext.SetShutdownRequested.
func (runtime *runtimeContextImpl) SetShutdownRequested(
	ctx stdctx.Context,
	requested bool,
) {
	runtime.mutexForShutdown.Lock()
	defer runtime.mutexForShutdown.Unlock()
	runtime.shutdownRequested = requested

	logger.ContextLog.Infof("shutdown requested=%t", requested)
}

// IsShutdownRequested implements RuntimeContext.IsShutdownRequested.
func (runtime *runtimeContextImpl) IsShutdownRequested() bool {
	runtime.mutexForShutdown.RLock()
	defer runtime.mutexForShutdown.RUnlock()
	return runtime.shutdownRequested
}
