package enforcer

import (
	"context"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/metrics"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/scheduler"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/internal/storage"
)

// CreateSession implements Enforcer.CreateSession. The charging/policy server
// is asked from the caller's goroutine; only initialization runs on the loop.
func (enforcer *enforcerImpl) CreateSession(
	ctx context.Context,
	request model.CreateSessionRequest,
) (model.SessionKey, error) {
	config := request.Config
	if config.RATType == "" {
		config.RATType = model.RATTypeLTE
	}
	if _, validateError := govalidator.ValidateStruct(config); validateError != nil {
		return model.SessionKey{}, errors.Wrapf(ErrInvalidRequest, "session config: %v", validateError)
	}

	sessionID := request.SessionID
	if sessionID == "" {
		sessionID = config.SubscriberID + "-" + uuid.NewString()
	}
	key := model.SessionKey{SubscriberID: config.SubscriberID, SessionID: sessionID}
	request.SessionID = sessionID
	request.Config = config

	proxyContext, cancel := context.WithTimeout(ctx, enforcer.config.ProxyTimeout)
	response, proxyError := enforcer.proxy.CreateSession(proxyContext, request)
	cancel()
	if proxyError != nil {
		metrics.RPCFailures.WithLabelValues(metrics.PeerProxy).Inc()
		return key, errors.Wrapf(proxyError, "create session %s", key)
	}
	if response.SessionID != "" && response.SessionID != sessionID {
		sessionLog(key).Warnf("server answered for session id %q, keeping %q", response.SessionID, sessionID)
	}

	return key, enforcer.InitSession(ctx, key, config, response)
}

// InitSession implements Enforcer.InitSession.
func (enforcer *enforcerImpl) InitSession(
	ctx context.Context,
	key model.SessionKey,
	config model.SessionConfig,
	response model.CreateSessionResponse,
) error {
	if key.SubscriberID == "" || key.SessionID == "" {
		return errors.Wrap(ErrInvalidRequest, "session key needs imsi and session id")
	}
	return enforcer.onLoop(ctx, func() error {
		return enforcer.initSession(ctx, key, config, response)
	})
}

func (enforcer *enforcerImpl) initSession(
	ctx context.Context,
	key model.SessionKey,
	config model.SessionConfig,
	response model.CreateSessionResponse,
) error {
	now := enforcer.loop.Now()
	s := session.New(key, config, enforcer.catalog, now)
	uc := s.NewUpdateCriteria()
	log := sessionLog(key)

	for _, creditResponse := range response.Credits {
		if !s.ReceiveChargingCredit(creditResponse, now, uc) {
			log.Warnf("initial credit for %s not applied", creditResponse.ChargingKey)
		}
	}
	for _, monitorResponse := range response.UsageMonitors {
		s.ReceiveMonitor(monitorResponse, uc)
	}
	for _, install := range response.StaticRules {
		if _, installError := s.ActivateStaticRule(install.RuleID, install.Lifetime, now, uc); installError != nil {
			log.Warnf("initial static rule skipped: %v", installError)
		}
	}
	for _, install := range response.DynamicRules {
		if _, installError := s.InsertDynamicRule(install.Rule, install.Lifetime, now, uc); installError != nil {
			log.Warnf("initial dynamic rule skipped: %v", installError)
		}
	}
	applyEventTriggers(s, response.EventTriggers, response.RevalidationTime, uc)

	if activateError := s.Activate(uc); activateError != nil {
		return errors.Wrapf(activateError, "activate session %s", key)
	}
	if createError := enforcer.store.Create(ctx, s); createError != nil {
		return errors.Wrapf(createError, "store session %s", key)
	}

	metrics.SessionsCreated.WithLabelValues(string(config.RATType)).Inc()
	metrics.ActiveSessions.Inc()
	log.Infof("session created with %d active and %d scheduled rule(s)",
		len(s.ActiveRuleIDs()), len(s.ScheduledRuleIDs()))

	enforcer.sessionStartEffects(s).run()
	return nil
}

// sessionStartEffects installs the enforced rules of a freshly created or
// recovered session and arms its timers.
func (enforcer *enforcerImpl) sessionStartEffects(s *session.Session) effects {
	var pending effects
	enforced := s.EnforcedRules()

	switch {
	case s.Config().UsesBearers():
		pending = append(pending, enforcer.activateRules(s, enforced))
	case len(enforced) > 0:
		pending = append(pending,
			enforcer.activateRules(s, enforced),
			enforcer.reportQuotaState(s, model.QuotaValid))
	default:
		pending = append(pending, enforcer.reportQuotaState(s, model.QuotaNone))
	}

	if awaiting := s.RulesAwaitingBearer(); len(awaiting) > 0 {
		pending = append(pending, enforcer.scheduleBearerCreation(s.Key(), model.RuleIDs(awaiting)))
	}
	return append(pending, enforcer.armSessionTimers(s))
}

// applyEventTriggers records the triggers a server subscribed the session to.
// Revalidation is armed only when both the trigger and a time are present.
func applyEventTriggers(
	s *session.Session,
	triggers []model.EventTrigger,
	revalidationTime *time.Time,
	uc *session.UpdateCriteria,
) bool {
	armed := false
	for _, trigger := range triggers {
		if trigger != model.EventTriggerRevalidationTimeout {
			s.SetEventTrigger(trigger, session.TriggerCleared, uc)
			continue
		}
		if revalidationTime == nil || revalidationTime.IsZero() {
			continue
		}
		s.SetRevalidationTime(*revalidationTime, uc)
		armed = true
	}
	return armed
}

// -----------------------------------------------------------------------------
// Timers
// -----------------------------------------------------------------------------

// armSessionTimers arms the rule transition, revalidation and validity timers
// of a session as they stand.
func (enforcer *enforcerImpl) armSessionTimers(s *session.Session) effect {
	key := s.Key()
	now := enforcer.loop.Now()
	nextTransition, hasTransition := s.NextRuleTransition(now)

	var revalidationAt time.Time
	if state, found := s.EventTriggerState(model.EventTriggerRevalidationTimeout); found && state == session.TriggerPending {
		revalidationAt = s.RevalidationTime()
	}

	var expiries []time.Time
	for _, chargingKey := range s.ChargingKeys() {
		if grant, found := s.GetChargingGrant(chargingKey); found && !grant.ExpiryTime.IsZero() {
			expiries = append(expiries, grant.ExpiryTime)
		}
	}

	return func() {
		if hasTransition {
			enforcer.armRuleTimer(key, nextTransition)
		}
		if !revalidationAt.IsZero() {
			enforcer.armRevalidation(key, revalidationAt)
		}
		for _, expiry := range expiries {
			enforcer.armValidityTimer(key, expiry)
		}
	}
}

func (enforcer *enforcerImpl) delayUntil(deadline time.Time) time.Duration {
	delay := deadline.Sub(enforcer.loop.Now())
	if delay < 0 {
		return 0
	}
	return delay
}

// armRuleTimer keeps one rule-transition timer per session, at the earliest
// pending transition. A fired timer re-arms for the next transition.
func (enforcer *enforcerImpl) armRuleTimer(key model.SessionKey, deadline time.Time) {
	if existing, found := enforcer.ruleTimers[key]; found {
		if !existing.deadline.After(deadline) {
			return
		}
		enforcer.loop.Cancel(existing.handle)
	}

	var handle scheduler.Handle
	handle = enforcer.loop.Schedule(enforcer.delayUntil(deadline), func() {
		if current, found := enforcer.ruleTimers[key]; found && current.handle == handle {
			delete(enforcer.ruleTimers, key)
		}
		enforcer.syncRules(key)
	})
	enforcer.ruleTimers[key] = ruleTimer{handle: handle, deadline: deadline}
}

func (enforcer *enforcerImpl) syncRules(key model.SessionKey) {
	enforcer.transact(enforcer.lifetimeContext, []string{key.SubscriberID},
		func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
			s, found := workingSet.Find(key)
			if !found || !s.IsActive() {
				return nil, nil
			}
			now := enforcer.loop.Now()
			uc := update.CriteriaFor(s)
			return enforcer.ruleSyncEffects(s, s.SyncRulesToTime(now, uc), uc, now), nil
		},
		func(transactError error) {
			if transactError != nil {
				sessionLog(key).Errorf("rule time sync failed: %v", transactError)
			}
		})
}

// ruleSyncEffects enforces the outcome of a rule time sync. A session whose
// last rules expired is terminated.
func (enforcer *enforcerImpl) ruleSyncEffects(
	s *session.Session,
	synced session.RuleSyncResult,
	uc *session.UpdateCriteria,
	now time.Time,
) effects {
	var delta ruleDelta
	for _, change := range synced.Activated {
		delta.add(s, change)
	}
	for _, change := range synced.Expired {
		delta.add(s, change)
	}
	pending := enforcer.ruleDeltaEffects(s, delta)

	if len(synced.Expired) > 0 {
		if terminating, started := enforcer.terminateIfRuleless(s, uc, now, "every rule expired"); started {
			return append(pending, terminating...)
		}
	}
	if next, found := s.NextRuleTransition(now); found {
		key := s.Key()
		pending = append(pending, func() { enforcer.armRuleTimer(key, next) })
	}
	return pending
}

func hasRules(s *session.Session) bool {
	return len(s.ActiveRuleIDs())+len(s.ScheduledRuleIDs()) > 0
}

// terminateIfRuleless starts the termination of an active session that has
// neither an installed nor a scheduled rule left. Callers invoke it after
// something took rules away.
func (enforcer *enforcerImpl) terminateIfRuleless(
	s *session.Session,
	uc *session.UpdateCriteria,
	now time.Time,
	why string,
) (effects, bool) {
	if !s.IsActive() || hasRules(s) {
		return nil, false
	}
	sessionLog(s.Key()).Infof("%s, terminating", why)
	return enforcer.startTermination(s, uc, now, true), true
}

// armRevalidation schedules one revalidation. Timers for the same session are
// not deduplicated; a redundant firing finds no pending trigger.
func (enforcer *enforcerImpl) armRevalidation(key model.SessionKey, at time.Time) {
	enforcer.loop.Schedule(enforcer.delayUntil(at), func() {
		enforcer.revalidate(key)
	})
}

func (enforcer *enforcerImpl) revalidate(key model.SessionKey) {
	enforcer.transact(enforcer.lifetimeContext, []string{key.SubscriberID},
		func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
			s, found := workingSet.Find(key)
			if !found || !s.IsActive() {
				return nil, nil
			}
			if !s.MarkRevalidationReady(update.CriteriaFor(s)) {
				return nil, nil
			}
			sessionLog(key).Info("revalidation timer fired")
			return enforcer.collect([]*session.Session{s}, update, enforcer.loop.Now()), nil
		},
		func(transactError error) {
			if transactError != nil {
				sessionLog(key).Errorf("revalidation failed: %v", transactError)
			}
		})
}

// armValidityTimer re-runs collection when a grant's validity ends.
func (enforcer *enforcerImpl) armValidityTimer(key model.SessionKey, at time.Time) {
	enforcer.loop.Schedule(enforcer.delayUntil(at), func() {
		enforcer.collectSession(key)
	})
}

func (enforcer *enforcerImpl) collectSession(key model.SessionKey) {
	enforcer.transact(enforcer.lifetimeContext, []string{key.SubscriberID},
		func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
			s, found := workingSet.Find(key)
			if !found || !s.IsActive() {
				return nil, nil
			}
			return enforcer.collect([]*session.Session{s}, update, enforcer.loop.Now()), nil
		},
		func(transactError error) {
			if transactError != nil {
				sessionLog(key).Errorf("collection failed: %v", transactError)
			}
		})
}
