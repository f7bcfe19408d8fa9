package enforcer

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/metrics"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/internal/storage"
)

// SetupFlows implements Enforcer.SetupFlows.
func (enforcer *enforcerImpl) SetupFlows(ctx context.Context, epoch uint64) error {
	return enforcer.onLoop(ctx, func() error {
		if current := enforcer.runtime.PipelinedEpoch(); epoch != 0 && epoch < current {
			return errors.Wrapf(ErrStaleEpoch, "setup for epoch %d, current is %d", epoch, current)
		}
		enforcer.runtime.ObservePipelinedEpoch(ctx, epoch)
		return enforcer.replayFlows(epoch)
	})
}

// replayFlows sends the complete rule state of every active session to the
// enforcement plane in one setup call.
func (enforcer *enforcerImpl) replayFlows(epoch uint64) error {
	workingSet, readError := enforcer.store.ReadAll(enforcer.lifetimeContext)
	if readError != nil {
		logger.EnforcerLog.Errorf("flow replay for epoch %d failed: %v", epoch, readError)
		return errors.Wrap(readError, "read sessions for flow replay")
	}

	request := model.SetupFlowsRequest{Epoch: epoch}
	for _, s := range workingSet.Sessions() {
		if !s.IsActive() {
			continue
		}
		enforced := s.EnforcedRules()
		if len(enforced) > 0 {
			request.Sessions = append(request.Sessions, activateRequest(s, enforced))
		}
		if s.Config().UsesBearers() {
			continue
		}
		state := model.QuotaNone
		if len(enforced) > 0 {
			state = model.QuotaValid
		}
		request.Quotas = append(request.Quotas, model.SubscriberQuotaUpdate{
			SubscriberID: s.SubscriberID(),
			SessionID:    s.SessionID(),
			MACAddress:   s.Config().MACAddress,
			State:        state,
		})
	}

	logger.EnforcerLog.Infof("replaying %d session(s) to the enforcement plane at epoch %d",
		len(request.Sessions), epoch)
	enforcer.enqueuePlaneCall(planeCall{
		description: fmt.Sprintf("setup flows for epoch %d", epoch),
		invoke: func(ctx context.Context) error {
			return enforcer.pipelined.SetupFlows(ctx, request)
		},
	})
	return nil
}

// SyncOnRestart implements Enforcer.SyncOnRestart. Rule windows are synced to
// now; terminating sessions resume their force termination timer or complete
// at once when it already ran out.
func (enforcer *enforcerImpl) SyncOnRestart(ctx context.Context) error {
	syncError := enforcer.onLoopAsync(ctx, func(finish func(error)) {
		now := enforcer.loop.Now()
		synced, storeError := enforcer.store.SyncOnRestart(ctx, now)
		if storeError != nil {
			finish(errors.Wrap(storeError, "store restart sync"))
			return
		}
		syncedRules := make(map[model.SessionKey]session.RuleSyncResult, len(synced))
		for _, result := range synced {
			syncedRules[result.Key] = result.Rules
		}

		enforcer.transact(ctx, nil,
			func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
				recovered := workingSet.Sessions()
				live := 0
				for _, s := range recovered {
					if s.IsActive() || s.IsTerminating() {
						live++
					}
				}
				pending := effects{func() { metrics.ActiveSessions.Set(float64(live)) }}

				for _, s := range recovered {
					key := s.Key()
					uc := update.CriteriaFor(s)
					switch {
					case s.IsTerminating():
						remaining := enforcer.config.ForceTerminationTimeout - now.Sub(s.TerminationStartedAt())
						if remaining <= 0 {
							pending = append(pending, enforcer.completeTermination(s, uc, "forced")...)
							continue
						}
						pending = append(pending, func() { enforcer.armForceTermination(key, remaining) })
					case s.IsActive():
						rules := syncedRules[key]
						if len(rules.Expired) > 0 {
							if terminating, started := enforcer.terminateIfRuleless(s, uc, now, "every rule expired while down"); started {
								pending = append(pending, terminating...)
								continue
							}
						}
						var delta ruleDelta
						for _, change := range rules.Expired {
							delta.add(s, change)
						}
						pending = append(pending, enforcer.deactivateRules(s, delta.toDeactivate))
						if len(delta.bearerIDs) > 0 {
							pending = append(pending, enforcer.deleteBearers(s, delta.bearerIDs))
						}
						pending = append(pending, enforcer.sessionStartEffects(s)...)
					}
				}
				logger.EnforcerLog.Infof("recovered %d session(s), %d live", len(recovered), live)
				return pending, nil
			}, finish)
	})
	if syncError != nil {
		return syncError
	}
	enforcer.runtime.SetRestartSyncDone(ctx)
	return nil
}

// ListSessions implements Enforcer.ListSessions. An empty subscriber id lists
// every session.
func (enforcer *enforcerImpl) ListSessions(ctx context.Context, subscriberID string) ([]model.SessionSummary, error) {
	var workingSet storage.SessionMap
	var readError error
	if subscriberID == "" {
		workingSet, readError = enforcer.store.ReadAll(ctx)
	} else {
		workingSet, readError = enforcer.store.Read(ctx, []string{subscriberID})
	}
	if readError != nil {
		return nil, errors.Wrap(readError, "list sessions")
	}

	sessions := workingSet.Sessions()
	summaries := make([]model.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	return summaries, nil
}
