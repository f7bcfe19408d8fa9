package session

import (
	"time"

	"github.com/free5gc/sessiond/internal/credit"
	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
)

// UpdateLines are the usage lines one session contributes to an update
// request.
type UpdateLines struct {
	Charging []model.CreditUsageUpdate
	Monitors []model.UsageMonitorUpdate
}

// IsEmpty reports whether no line was produced.
func (lines UpdateLines) IsEmpty() bool {
	return len(lines.Charging) == 0 && len(lines.Monitors) == 0
}

// ---- charging credits ----

// ReceiveChargingCredit applies one credit response. A failed response marks
// the credit failed, or suspended for a transient result code; permanent
// failures are left to the caller. It returns whether a grant was applied.
func (s *Session) ReceiveChargingCredit(
	response model.CreditUpdateResponse,
	now time.Time,
	uc *UpdateCriteria,
) bool {
	key := response.ChargingKey
	grant, exists := s.chargingPool[key]

	if !response.Success {
		if !exists {
			return false
		}
		update := uc.chargingUpdateFor(key, grant)
		if response.ResultCode.IsTransient() {
			grant.MarkSuspended(update)
		} else {
			grant.MarkFailure(update)
		}
		return false
	}

	if !exists {
		if response.GrantedUnits.IsEmpty() {
			logger.SessionLog.Warnf("session %s: empty grant for new charging key %s ignored", s.key, key)
			return false
		}
		grant = credit.NewChargingGrant()
		s.chargingPool[key] = grant
		uc.addCharging(key, grant)
	}

	update := uc.chargingUpdateFor(key, grant)
	if !grant.ReceiveChargingGrant(response, now, update) {
		logger.SessionLog.Warnf("session %s: invalid grant for charging key %s", s.key, key)
		grant.MarkFailure(update)
		return false
	}
	return true
}

// MarkChargingFailure abandons the report in flight for a key, e.g. when the
// update request carrying it failed as a whole.
func (s *Session) MarkChargingFailure(key model.ChargingKey, uc *UpdateCriteria) {
	grant, exists := s.chargingPool[key]
	if !exists {
		return
	}
	grant.MarkFailure(uc.chargingUpdateFor(key, grant))
}

// HasChargingKey reports whether the session tracks a charging key.
func (s *Session) HasChargingKey(key model.ChargingKey) bool {
	_, exists := s.chargingPool[key]
	return exists
}

// ChargingKeys returns every charging key in order.
func (s *Session) ChargingKeys() []model.ChargingKey {
	return sortedChargingKeys(s.chargingPool)
}

// GetChargingGrant returns a copy of a charging credit.
func (s *Session) GetChargingGrant(key model.ChargingKey) (credit.StoredChargingGrant, bool) {
	grant, exists := s.chargingPool[key]
	if !exists {
		return credit.StoredChargingGrant{}, false
	}
	return grant.Marshal(), true
}

// ---- reauthorization ----

// ReauthKey forces a re-request of one charging key. A key never granted is
// created so the request goes out with zero usage.
func (s *Session) ReauthKey(key model.ChargingKey, uc *UpdateCriteria) model.ReAuthResult {
	grant, exists := s.chargingPool[key]
	if !exists {
		grant = credit.NewChargingGrant()
		s.chargingPool[key] = grant
		uc.addCharging(key, grant)
	}
	return grant.Reauth(uc.chargingUpdateFor(key, grant))
}

// ReauthAll forces a re-request of every charging key. It reports
// UPDATE_INITIATED if at least one key was armed.
func (s *Session) ReauthAll(uc *UpdateCriteria) model.ReAuthResult {
	result := model.ReAuthUpdateNotNeeded
	for _, key := range sortedChargingKeys(s.chargingPool) {
		grant := s.chargingPool[key]
		if grant.Reauth(uc.chargingUpdateFor(key, grant)) == model.ReAuthUpdateInitiated {
			result = model.ReAuthUpdateInitiated
		}
	}
	return result
}

// ---- usage monitors ----

// ReceiveMonitor applies one monitoring response. The response that follows
// the final report of a deleted monitor removes it. It returns whether the
// monitor changed.
func (s *Session) ReceiveMonitor(response model.UsageMonitoringUpdateResponse, uc *UpdateCriteria) bool {
	if response.Credit == nil {
		return false
	}
	grant := *response.Credit
	monitoringKey := grant.MonitoringKey
	monitor, exists := s.monitorPool[monitoringKey]

	if exists && monitor.IsDeleted() {
		s.removeMonitor(monitoringKey, uc)
		return true
	}

	if !response.Success {
		if exists {
			monitor.MarkFailure(uc.monitorUpdateFor(monitoringKey, monitor))
		}
		return false
	}

	if !exists {
		if grant.Action == model.MonitorActionDisable || grant.GrantedUnits.IsEmpty() {
			return false
		}
		level := grant.Level
		if level == "" {
			level = model.MonitoringLevelRule
		}
		monitor = credit.NewMonitor(level)
		s.monitorPool[monitoringKey] = monitor
		uc.addMonitor(monitoringKey, monitor)
	}

	if !monitor.ReceiveMonitoringCredit(grant, uc.monitorUpdateFor(monitoringKey, monitor)) {
		monitor.MarkFailure(uc.monitorUpdateFor(monitoringKey, monitor))
		return false
	}

	if monitor.Level() == model.MonitoringLevelSession && !monitor.IsDeleted() && s.sessionLevelKey != monitoringKey {
		s.SetSessionLevelKey(monitoringKey, uc)
	}
	return true
}

// InstallMonitoringCredit applies a monitoring grant pushed by the policy
// server outside of an update response.
func (s *Session) InstallMonitoringCredit(grant model.UsageMonitoringCredit, uc *UpdateCriteria) bool {
	return s.ReceiveMonitor(model.UsageMonitoringUpdateResponse{
		Success:      true,
		SubscriberID: s.key.SubscriberID,
		SessionID:    s.key.SessionID,
		Credit:       &grant,
	}, uc)
}

// MarkMonitorFailure abandons the report in flight for a monitoring key.
func (s *Session) MarkMonitorFailure(monitoringKey string, uc *UpdateCriteria) {
	monitor, exists := s.monitorPool[monitoringKey]
	if !exists {
		return
	}
	monitor.MarkFailure(uc.monitorUpdateFor(monitoringKey, monitor))
}

func (s *Session) removeMonitor(monitoringKey string, uc *UpdateCriteria) {
	delete(s.monitorPool, monitoringKey)
	uc.deleteMonitor(monitoringKey)
	if s.sessionLevelKey == monitoringKey {
		s.SetSessionLevelKey("", uc)
	}
	logger.SessionLog.Infof("session %s: monitor %s removed", s.key, monitoringKey)
}

// HasMonitor reports whether the session tracks a monitoring key.
func (s *Session) HasMonitor(monitoringKey string) bool {
	_, exists := s.monitorPool[monitoringKey]
	return exists
}

// GetMonitor returns a copy of a monitor.
func (s *Session) GetMonitor(monitoringKey string) (credit.StoredMonitor, bool) {
	monitor, exists := s.monitorPool[monitoringKey]
	if !exists {
		return credit.StoredMonitor{}, false
	}
	return monitor.Marshal(), true
}

// SessionLevelKey returns the monitoring key counting all session traffic.
func (s *Session) SessionLevelKey() string {
	return s.sessionLevelKey
}

// SetSessionLevelKey replaces or, with an empty key, clears the session-level
// monitoring key.
func (s *Session) SetSessionLevelKey(monitoringKey string, uc *UpdateCriteria) {
	s.sessionLevelKey = monitoringKey
	uc.SessionLevelKey = &monitoringKey
}

// ---- update collection ----

// GetUpdates collects the usage lines of one cycle and the final-unit actions
// due. A credit that crossed its hard-exhaustion boundary yields an action and
// no line in the same cycle. Only ACTIVE sessions collect.
func (s *Session) GetUpdates(
	threshold float64,
	terminateOnExhaustion bool,
	now time.Time,
	uc *UpdateCriteria,
) (UpdateLines, []ServiceAction) {
	var lines UpdateLines
	var actions []ServiceAction
	if s.state != StateActive {
		return lines, actions
	}

	for _, key := range sortedChargingKeys(s.chargingPool) {
		grant := s.chargingPool[key]

		if grant.ShouldDeactivateService(terminateOnExhaustion) {
			actions = append(actions, s.deactivateService(key, grant, uc.chargingUpdateFor(key, grant)))
			continue
		}
		if grant.ServiceState() == credit.ServiceNeedsActivation {
			actions = append(actions, s.restoreService(key, grant, uc.chargingUpdateFor(key, grant)))
		}

		usageType, due := grant.GetUpdateType(threshold, now)
		if !due {
			continue
		}
		lines.Charging = append(lines.Charging, model.CreditUsageUpdate{
			SubscriberID:  s.key.SubscriberID,
			SessionID:     s.key.SessionID,
			RequestNumber: s.requestNumber,
			RATType:       s.config.RATType,
			Usage:         grant.GetCreditUsage(key, usageType, uc.chargingUpdateFor(key, grant)),
		})
	}

	revalidating := s.eventTriggers[model.EventTriggerRevalidationTimeout] == TriggerReady
	for _, monitoringKey := range sortedMonitoringKeys(s.monitorPool) {
		monitor := s.monitorPool[monitoringKey]
		if !monitorDue(monitor, threshold, revalidating) {
			continue
		}
		update := uc.monitorUpdateFor(monitoringKey, monitor)

		trigger := model.EventTriggerUsageReport
		usage, due := monitor.GetUsageForReporting(threshold, update)
		if !due && revalidating {
			usage, due = monitor.ForceUsageForReporting(update)
			trigger = model.EventTriggerRevalidationTimeout
		}
		if !due {
			continue
		}
		lines.Monitors = append(lines.Monitors, s.monitorLine(monitoringKey, monitor.Level(), usage, trigger))
	}

	if revalidating {
		if len(lines.Monitors) == 0 {
			lines.Monitors = append(lines.Monitors, s.monitorLine("", "", credit.Usage{}, model.EventTriggerRevalidationTimeout))
		}
		s.SetEventTrigger(model.EventTriggerRevalidationTimeout, TriggerCleared, uc)
	}

	if !lines.IsEmpty() {
		s.IncrementRequestNumber(uc)
	}
	return lines, actions
}

// monitorDue is the read-only precondition of a monitor line, so that idle
// monitors leave no entry in the criteria.
func monitorDue(monitor *credit.Monitor, threshold float64, revalidating bool) bool {
	if monitor.Credit().IsReporting() {
		return false
	}
	if revalidating || monitor.IsDeleted() {
		return true
	}
	return !monitor.Credit().IsSuspended() && monitor.Credit().TrackingType() != credit.TrackingUnset &&
		monitor.Credit().IsQuotaExhausted(threshold)
}

func (s *Session) monitorLine(
	monitoringKey string,
	level model.MonitoringLevel,
	usage credit.Usage,
	trigger model.EventTrigger,
) model.UsageMonitorUpdate {
	return model.UsageMonitorUpdate{
		SubscriberID:  s.key.SubscriberID,
		SessionID:     s.key.SessionID,
		RequestNumber: s.requestNumber,
		MonitoringKey: monitoringKey,
		Level:         level,
		BytesTx:       usage.Tx,
		BytesRx:       usage.Rx,
		EventTrigger:  trigger,
	}
}

func (s *Session) deactivateService(
	key model.ChargingKey,
	grant *credit.ChargingGrant,
	update *credit.ChargingUpdate,
) ServiceAction {
	finalAction := grant.FinalActionToTake()
	displaced := s.EnforcedRulesForChargingKey(key)

	switch finalAction.Action {
	case model.FinalActionRedirect:
		grant.SetServiceState(credit.ServiceRedirected, update)
		grant.Credit().MarkSuspended(&update.Credit)
		logger.SessionLog.Infof("session %s: credit %s exhausted, redirecting to %s",
			s.key, key, finalAction.RedirectServer.ServerAddress)
		return RedirectServiceAction{
			Key:          key,
			Server:       finalAction.RedirectServer,
			RedirectRule: s.redirectRule(key, finalAction.RedirectServer),
			Displaced:    displaced,
		}
	case model.FinalActionRestrictAccess:
		restrict := s.restrictRules(finalAction.RestrictRules)
		grant.SetServiceState(credit.ServiceRestricted, update)
		logger.SessionLog.Infof("session %s: credit %s exhausted, restricting to %v",
			s.key, key, model.RuleIDs(restrict))
		return RestrictServiceAction{
			Key:       key,
			Restrict:  restrict,
			Displaced: excludeRules(displaced, restrict),
		}
	default:
		grant.SetServiceState(credit.ServiceNeedsDeactivation, update)
		logger.SessionLog.Infof("session %s: credit %s exhausted, terminating", s.key, key)
		return TerminateServiceAction{Key: key}
	}
}

func (s *Session) restoreService(
	key model.ChargingKey,
	grant *credit.ChargingGrant,
	update *credit.ChargingUpdate,
) ServiceAction {
	reinstall := s.EnforcedRulesForChargingKey(key)
	var remove []model.RuleToProcess
	if acted := grant.ActedAction(); acted != nil {
		switch acted.Action {
		case model.FinalActionRedirect:
			remove = []model.RuleToProcess{s.redirectRule(key, acted.RedirectServer)}
		case model.FinalActionRestrictAccess:
			remove = excludeRules(s.restrictRules(acted.RestrictRules), reinstall)
		}
	}
	grant.SetServiceState(credit.ServiceEnabled, update)
	logger.SessionLog.Infof("session %s: credit %s granted again, restoring %d rule(s)", s.key, key, len(reinstall))
	return RestoreServiceAction{Key: key, Reinstall: reinstall, Remove: remove}
}

// ---- termination ----

// GetTerminateRequest builds the final usage report of the session.
func (s *Session) GetTerminateRequest() model.SessionTerminateRequest {
	request := model.SessionTerminateRequest{
		SubscriberID:  s.key.SubscriberID,
		SessionID:     s.key.SessionID,
		RequestNumber: s.requestNumber,
		UEIPv4:        s.config.UEIPv4,
		APN:           s.config.APN,
	}
	for _, key := range sortedChargingKeys(s.chargingPool) {
		usage := s.chargingPool[key].Credit().GetFinalUsage()
		request.CreditUsages = append(request.CreditUsages, model.CreditUsage{
			ChargingKey: key,
			BytesTx:     usage.Tx,
			BytesRx:     usage.Rx,
			Type:        model.UsageTerminated,
		})
	}
	for _, monitoringKey := range sortedMonitoringKeys(s.monitorPool) {
		monitor := s.monitorPool[monitoringKey]
		usage := monitor.Credit().GetFinalUsage()
		request.MonitorUsages = append(request.MonitorUsages,
			s.monitorLine(monitoringKey, monitor.Level(), usage, model.EventTriggerUsageReport))
	}
	return request
}
