package enforcer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	sessiondcontext "github.com/free5gc/sessiond/internal/context"
	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/metrics"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/internal/storage"
)

// Outcomes of the rule record metric.
const (
	recordAccounted    = "accounted"
	recordDropAll      = "drop_all"
	recordOrphan       = "orphan"
	recordStaleVersion = "stale_version"
	recordStaleEpoch   = "stale_epoch"
)

// ReportRuleRecords implements Enforcer.ReportRuleRecords.
func (enforcer *enforcerImpl) ReportRuleRecords(ctx context.Context, table model.RuleRecordTable) error {
	return enforcer.onLoopAsync(ctx, func(finish func(error)) {
		enforcer.reportRuleRecords(ctx, table, finish)
	})
}

func (enforcer *enforcerImpl) reportRuleRecords(ctx context.Context, table model.RuleRecordTable, finish func(error)) {
	observation := enforcer.runtime.ObservePipelinedEpoch(ctx, table.Epoch)
	if observation == sessiondcontext.EpochStale {
		metrics.RuleRecords.WithLabelValues(recordStaleEpoch).Add(float64(len(table.Records)))
		logger.EnforcerLog.Warnf("dropping %d record(s) of stale epoch %d, current is %d",
			len(table.Records), table.Epoch, enforcer.runtime.PipelinedEpoch())
		finish(nil)
		return
	}

	now := enforcer.loop.Now()
	enforcer.runtime.MarkUsageReported(now)
	enforcer.orphans.DeleteExpired()

	replay := func(aggregateError error) {
		if observation == sessiondcontext.EpochAdvanced {
			logger.EnforcerLog.Infof("enforcement plane moved to epoch %d, replaying flows", table.Epoch)
			if replayError := enforcer.replayFlows(table.Epoch); replayError != nil && aggregateError == nil {
				aggregateError = replayError
			}
		}
		finish(aggregateError)
	}

	subscriberIDs := subscribersOfRecords(table.Records)
	if len(subscriberIDs) == 0 {
		replay(nil)
		return
	}
	enforcer.transact(ctx, subscriberIDs,
		func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
			return enforcer.aggregateRecords(workingSet, update, subscriberIDs, table.Records, now), nil
		},
		func(aggregateError error) {
			if aggregateError != nil {
				logger.EnforcerLog.Errorf("usage aggregation failed: %v", aggregateError)
			}
			replay(aggregateError)
		})
}

// aggregateRecords accounts one report into the working set. Records without
// a session trigger a cleanup of the orphan flow. A terminating session with
// no live flow left in the report completes its termination.
func (enforcer *enforcerImpl) aggregateRecords(
	workingSet storage.SessionMap,
	update storage.SessionUpdate,
	subscriberIDs []string,
	records []model.RuleRecord,
	now time.Time,
) effects {
	var pending effects
	var touched []*session.Session
	seen := make(map[model.SessionKey]bool)
	liveFlows := make(map[model.SessionKey]bool)
	outcomes := make(map[string]int)
	var usedTx, usedRx uint64

	for _, record := range records {
		s := matchRecord(workingSet[record.SubscriberID], record)
		if s == nil {
			outcomes[recordOrphan]++
			pending = append(pending, enforcer.cleanupOrphan(record))
			continue
		}
		if record.RuleID == model.DropAllRuleID {
			outcomes[recordDropAll]++
			continue
		}

		key := s.Key()
		liveFlows[key] = true
		usage, accepted := s.AddRuleUsage(record.RuleID, record.RuleVersion,
			record.BytesTx, record.BytesRx, record.DroppedTx, record.DroppedRx, update.CriteriaFor(s))
		if !accepted {
			outcomes[recordStaleVersion]++
			continue
		}
		outcomes[recordAccounted]++
		usedTx += usage.Tx
		usedRx += usage.Rx

		if s.IsActive() && !seen[key] {
			seen[key] = true
			touched = append(touched, s)
		}
	}
	pending = append(pending, func() {
		for outcome, count := range outcomes {
			metrics.RuleRecords.WithLabelValues(outcome).Add(float64(count))
		}
		metrics.UsageBytes.WithLabelValues("tx").Add(float64(usedTx))
		metrics.UsageBytes.WithLabelValues("rx").Add(float64(usedRx))
	})

	for _, subscriberID := range subscriberIDs {
		for _, s := range workingSet[subscriberID] {
			if s.IsTerminating() && !liveFlows[s.Key()] {
				pending = append(pending, enforcer.completeTermination(s, update.CriteriaFor(s), "flows_drained")...)
			}
		}
	}

	return append(pending, enforcer.collect(touched, update, now)...)
}

// matchRecord finds the session a record belongs to. Among the sessions
// carrying the record's tunnel, one with the record's UE address wins.
func matchRecord(sessions []*session.Session, record model.RuleRecord) *session.Session {
	var candidate *session.Session
	for _, s := range sessions {
		if s.State() == session.StateReleased || !s.MatchesTeid(record.Teid) {
			continue
		}
		if record.UEIPv4 != "" && s.Config().UEIPv4 == record.UEIPv4 {
			return s
		}
		if candidate == nil {
			candidate = s
		}
	}
	return candidate
}

func subscribersOfRecords(records []model.RuleRecord) []string {
	seen := make(map[string]bool)
	var subscriberIDs []string
	for _, record := range records {
		if record.SubscriberID == "" || seen[record.SubscriberID] {
			continue
		}
		seen[record.SubscriberID] = true
		subscriberIDs = append(subscriberIDs, record.SubscriberID)
	}
	return subscriberIDs
}

// cleanupOrphan tears down every flow of a tunnel no session owns. Repeated
// records of the same tunnel are ignored until the cleanup TTL passes.
func (enforcer *enforcerImpl) cleanupOrphan(record model.RuleRecord) effect {
	cacheKey := record.SubscriberID + "/" + strconv.FormatUint(uint64(record.Teid), 10)
	request := model.DeactivateFlowsRequest{
		SubscriberID: record.SubscriberID,
		UEIPv4:       record.UEIPv4,
		Origin:       model.OriginOrphan,
	}
	if record.Teid != 0 {
		request.TeidList = []model.Teids{{AgwTeid: record.Teid}}
	}
	return func() {
		if addError := enforcer.orphans.Add(cacheKey, true, cache.DefaultExpiration); addError != nil {
			return
		}
		metrics.OrphanCleanups.Inc()
		logger.EnforcerLog.Warnf("flows of %s on teid %d have no session, removing them",
			record.SubscriberID, record.Teid)
		enforcer.deactivateAll(request)()
	}
}

// -----------------------------------------------------------------------------
// Update collection
// -----------------------------------------------------------------------------

// collect gathers the update lines and final-unit actions of the given
// sessions into one update request.
func (enforcer *enforcerImpl) collect(
	sessions []*session.Session,
	update storage.SessionUpdate,
	now time.Time,
) effects {
	var pending effects
	var request model.UpdateSessionRequest
	for _, s := range sessions {
		if !s.IsActive() {
			continue
		}
		uc := update.CriteriaFor(s)
		lines, actions := s.GetUpdates(enforcer.config.QuotaExhaustionThreshold,
			enforcer.config.TerminateOnExhaustion, now, uc)
		request.Updates = append(request.Updates, lines.Charging...)
		request.UsageMonitors = append(request.UsageMonitors, lines.Monitors...)
		for _, action := range actions {
			pending = append(pending, enforcer.executeAction(s, action, uc, now)...)
		}
	}
	if !request.IsEmpty() {
		pending = append(pending, enforcer.sendUpdate(request))
	}
	return pending
}

func (enforcer *enforcerImpl) sendUpdate(request model.UpdateSessionRequest) effect {
	return func() {
		var response model.UpdateSessionResponse
		enforcer.callPeer(metrics.PeerProxy, enforcer.config.ProxyTimeout,
			fmt.Sprintf("update with %d credit and %d monitor line(s)", len(request.Updates), len(request.UsageMonitors)),
			func(ctx context.Context) error {
				var updateError error
				response, updateError = enforcer.proxy.UpdateSession(ctx, request)
				return updateError
			},
			func(callError error) {
				if callError != nil {
					metrics.UpdateRequests.WithLabelValues(metrics.ResultFailure).Inc()
					enforcer.handleUpdateFailure(request)
					return
				}
				metrics.UpdateRequests.WithLabelValues(metrics.ResultSuccess).Inc()
				enforcer.applyUpdateResponse(response)
			})
	}
}

// handleUpdateFailure resets every key the failed request carried and retries
// collection for its sessions after the retry delay.
func (enforcer *enforcerImpl) handleUpdateFailure(request model.UpdateSessionRequest) {
	keys := sessionsOfRequest(request)
	subscriberIDs := make([]string, 0, len(keys))
	seen := make(map[string]bool)
	for _, key := range keys {
		if !seen[key.SubscriberID] {
			seen[key.SubscriberID] = true
			subscriberIDs = append(subscriberIDs, key.SubscriberID)
		}
	}

	enforcer.transact(enforcer.lifetimeContext, subscriberIDs,
		func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
			for _, line := range request.Updates {
				if s, found := workingSet.Find(model.SessionKey{SubscriberID: line.SubscriberID, SessionID: line.SessionID}); found {
					s.MarkChargingFailure(line.Usage.ChargingKey, update.CriteriaFor(s))
				}
			}
			for _, line := range request.UsageMonitors {
				s, found := workingSet.Find(model.SessionKey{SubscriberID: line.SubscriberID, SessionID: line.SessionID})
				if !found {
					continue
				}
				if line.MonitoringKey != "" {
					s.MarkMonitorFailure(line.MonitoringKey, update.CriteriaFor(s))
				}
				if line.EventTrigger == model.EventTriggerRevalidationTimeout && s.IsActive() {
					s.SetEventTrigger(model.EventTriggerRevalidationTimeout, session.TriggerReady, update.CriteriaFor(s))
				}
			}
			return nil, nil
		},
		func(transactError error) {
			if transactError != nil {
				logger.EnforcerLog.Errorf("resetting keys of a failed update: %v", transactError)
			}
		})

	enforcer.loop.Schedule(enforcer.config.UpdateRetryDelay, func() {
		for _, key := range keys {
			enforcer.collectSession(key)
		}
	})
}

func sessionsOfRequest(request model.UpdateSessionRequest) []model.SessionKey {
	seen := make(map[model.SessionKey]bool)
	var keys []model.SessionKey
	add := func(key model.SessionKey) {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for _, line := range request.Updates {
		add(model.SessionKey{SubscriberID: line.SubscriberID, SessionID: line.SessionID})
	}
	for _, line := range request.UsageMonitors {
		add(model.SessionKey{SubscriberID: line.SubscriberID, SessionID: line.SessionID})
	}
	return keys
}

func subscribersOfResponse(response model.UpdateSessionResponse) []string {
	seen := make(map[string]bool)
	var subscriberIDs []string
	add := func(subscriberID string) {
		if subscriberID != "" && !seen[subscriberID] {
			seen[subscriberID] = true
			subscriberIDs = append(subscriberIDs, subscriberID)
		}
	}
	for _, line := range response.Responses {
		add(line.SubscriberID)
	}
	for _, line := range response.UsageMonitorResponses {
		add(line.SubscriberID)
	}
	return subscriberIDs
}

// applyUpdateResponse applies the server's answer. A permanent failure of a
// credit terminates its session. Sessions that received usable quota are
// collected again at once so a redirected or restricted service is restored.
func (enforcer *enforcerImpl) applyUpdateResponse(response model.UpdateSessionResponse) {
	subscriberIDs := subscribersOfResponse(response)
	if len(subscriberIDs) == 0 {
		return
	}

	enforcer.transact(enforcer.lifetimeContext, subscriberIDs,
		func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
			now := enforcer.loop.Now()
			var pending effects
			var regranted []*session.Session
			regrantedKeys := make(map[model.SessionKey]bool)

			for _, creditResponse := range response.Responses {
				key := model.SessionKey{SubscriberID: creditResponse.SubscriberID, SessionID: creditResponse.SessionID}
				s, found := workingSet.Find(key)
				if !found {
					logger.EnforcerLog.Debugf("credit response for unknown session %s", key)
					continue
				}
				uc := update.CriteriaFor(s)
				applied := s.ReceiveChargingCredit(creditResponse, now, uc)

				if !creditResponse.Success && creditResponse.ResultCode.IsPermanent() && s.IsActive() {
					sessionLog(key).Warnf("permanent failure %d for credit %s, terminating",
						creditResponse.ResultCode, creditResponse.ChargingKey)
					pending = append(pending, enforcer.startTermination(s, uc, now, true)...)
					continue
				}
				if !applied {
					continue
				}
				if grant, found := s.GetChargingGrant(creditResponse.ChargingKey); found && !grant.ExpiryTime.IsZero() {
					expiry := grant.ExpiryTime
					pending = append(pending, func() { enforcer.armValidityTimer(key, expiry) })
				}
				if !creditResponse.GrantedUnits.IsZero() && !regrantedKeys[key] {
					regrantedKeys[key] = true
					regranted = append(regranted, s)
				}
			}

			for _, monitorResponse := range response.UsageMonitorResponses {
				key := model.SessionKey{SubscriberID: monitorResponse.SubscriberID, SessionID: monitorResponse.SessionID}
				s, found := workingSet.Find(key)
				if !found {
					logger.EnforcerLog.Debugf("monitor response for unknown session %s", key)
					continue
				}
				uc := update.CriteriaFor(s)
				s.ReceiveMonitor(monitorResponse, uc)
				if !s.IsActive() {
					continue
				}
				pending = append(pending, enforcer.applyRuleUpdates(s, ruleUpdates{
					remove:  monitorResponse.RulesToRemove,
					static:  monitorResponse.StaticRulesToInstall,
					dynamic: monitorResponse.DynamicRulesToInstall,
				}, now, uc, nil)...)
				if s.IsActive() && applyEventTriggers(s, monitorResponse.EventTriggers, monitorResponse.RevalidationTime, uc) {
					at := s.RevalidationTime()
					pending = append(pending, func() { enforcer.armRevalidation(key, at) })
				}
			}

			return append(pending, enforcer.collect(regranted, update, now)...), nil
		},
		func(transactError error) {
			if transactError != nil {
				logger.EnforcerLog.Errorf("applying update response failed: %v", transactError)
			}
		})
}
