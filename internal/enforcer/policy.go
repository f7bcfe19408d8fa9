package enforcer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/internal/storage"
)

// ruleUpdates is one batch of rule changes for a session. Removals apply
// first.
type ruleUpdates struct {
	remove  []string
	static  []model.StaticRuleInstall
	dynamic []model.DynamicRuleInstall
}

// applyRuleUpdates applies a batch to s and returns the enforcement effects.
// Installs that fail are recorded in failed when it is not nil. A session
// left without any rule by the batch's removals is terminated.
func (enforcer *enforcerImpl) applyRuleUpdates(
	s *session.Session,
	updates ruleUpdates,
	now time.Time,
	uc *session.UpdateCriteria,
	failed map[string]string,
) effects {
	log := sessionLog(s.Key())
	var delta ruleDelta

	for _, ruleID := range updates.remove {
		delta.add(s, s.RemoveRule(ruleID, uc))
	}
	for _, install := range updates.static {
		change, installError := s.ActivateStaticRule(install.RuleID, install.Lifetime, now, uc)
		if installError != nil {
			log.Warnf("static rule %q not installed: %v", install.RuleID, installError)
			if failed != nil {
				failed[install.RuleID] = installError.Error()
			}
			continue
		}
		delta.add(s, change)
	}
	for _, install := range updates.dynamic {
		change, installError := s.InsertDynamicRule(install.Rule, install.Lifetime, now, uc)
		if installError != nil {
			log.Warnf("dynamic rule %q not installed: %v", install.Rule.ID, installError)
			if failed != nil {
				failed[install.Rule.ID] = installError.Error()
			}
			continue
		}
		delta.add(s, change)
	}

	pending := enforcer.ruleDeltaEffects(s, delta)
	if len(updates.remove) > 0 {
		if terminating, started := enforcer.terminateIfRuleless(s, uc, now, "every rule removed"); started {
			return append(pending, terminating...)
		}
	}
	if next, found := s.NextRuleTransition(now); found {
		key := s.Key()
		pending = append(pending, func() { enforcer.armRuleTimer(key, next) })
	}
	return pending
}

// PolicyReAuth implements Enforcer.PolicyReAuth.
func (enforcer *enforcerImpl) PolicyReAuth(
	ctx context.Context,
	request model.PolicyReAuthRequest,
) (model.PolicyReAuthAnswer, error) {
	answer := model.PolicyReAuthAnswer{SessionID: request.SessionID, Result: model.ReAuthSessionNotFound}
	if request.SubscriberID == "" {
		return answer, errors.Wrap(ErrInvalidRequest, "policy reauth needs imsi")
	}

	reauthError := enforcer.onLoopAsync(ctx, func(finish func(error)) {
		enforcer.transact(ctx, []string{request.SubscriberID},
			func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
				answer = model.PolicyReAuthAnswer{SessionID: request.SessionID, Result: model.ReAuthSessionNotFound}

				var targets []*session.Session
				for _, candidate := range workingSet[request.SubscriberID] {
					if !candidate.IsActive() {
						continue
					}
					if request.SessionID == "" || candidate.SessionID() == request.SessionID {
						targets = append(targets, candidate)
					}
				}
				if len(targets) == 0 {
					return nil, nil
				}

				now := enforcer.loop.Now()
				failed := make(map[string]string)
				var pending effects
				for _, s := range targets {
					pending = append(pending, enforcer.policyReAuthSession(s, request, now, update.CriteriaFor(s), failed)...)
				}

				answer.Result = model.ReAuthUpdateInitiated
				if len(failed) > 0 {
					answer.FailedRules = failed
				}
				return pending, nil
			}, finish)
	})
	return answer, reauthError
}

func (enforcer *enforcerImpl) policyReAuthSession(
	s *session.Session,
	request model.PolicyReAuthRequest,
	now time.Time,
	uc *session.UpdateCriteria,
	failed map[string]string,
) effects {
	key := s.Key()
	sessionLog(key).Infof("policy reauth: %d removal(s), %d static and %d dynamic install(s)",
		len(request.RulesToRemove), len(request.RulesToInstall), len(request.DynamicRulesToInstall))

	for _, grant := range request.UsageMonitoringCredits {
		s.InstallMonitoringCredit(grant, uc)
	}

	pending := enforcer.applyRuleUpdates(s, ruleUpdates{
		remove:  request.RulesToRemove,
		static:  request.RulesToInstall,
		dynamic: request.DynamicRulesToInstall,
	}, now, uc, failed)
	if !s.IsActive() {
		return pending
	}

	if request.QoSInfo != nil && request.QoSInfo.AMBR != nil {
		s.SetAMBR(request.QoSInfo.AMBR, uc)
		pending = append(pending, enforcer.activateRules(s, s.EnforcedRules()))
	}

	if applyEventTriggers(s, request.EventTriggers, request.RevalidationTime, uc) {
		at := s.RevalidationTime()
		pending = append(pending, func() { enforcer.armRevalidation(key, at) })
	}
	return pending
}

// SetSessionRules implements Enforcer.SetSessionRules. Every active session
// of each listed subscriber is reconciled against the subscriber's set.
func (enforcer *enforcerImpl) SetSessionRules(ctx context.Context, request model.SessionRulesRequest) error {
	ruleSets := make(map[string]model.SubscriberRuleSet, len(request.RuleSets))
	subscriberIDs := make([]string, 0, len(request.RuleSets))
	for _, ruleSet := range request.RuleSets {
		if ruleSet.SubscriberID == "" {
			return errors.Wrap(ErrInvalidRequest, "rule set without imsi")
		}
		if _, duplicate := ruleSets[ruleSet.SubscriberID]; !duplicate {
			subscriberIDs = append(subscriberIDs, ruleSet.SubscriberID)
		}
		ruleSets[ruleSet.SubscriberID] = ruleSet
	}
	if len(subscriberIDs) == 0 {
		return nil
	}

	return enforcer.onLoopAsync(ctx, func(finish func(error)) {
		enforcer.transact(ctx, subscriberIDs,
			func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
				now := enforcer.loop.Now()
				var pending effects
				for _, subscriberID := range subscriberIDs {
					ruleSet := ruleSets[subscriberID]
					for _, s := range workingSet[subscriberID] {
						if !s.IsActive() {
							continue
						}
						uc := update.CriteriaFor(s)
						result := s.ApplyRuleSet(ruleSet.StaticRuleIDs, ruleSet.DynamicRules, now, uc)
						pending = append(pending, enforcer.ruleSetEffects(s, result, now, uc)...)
					}
				}
				return pending, nil
			}, finish)
	})
}

// ruleSetEffects enforces a reconciled rule set. A set that took away the
// session's last rule terminates it.
func (enforcer *enforcerImpl) ruleSetEffects(
	s *session.Session,
	result session.RuleSetResult,
	now time.Time,
	uc *session.UpdateCriteria,
) effects {
	if result.IsEmpty() && len(result.Bearers) == 0 {
		return nil
	}
	sessionLog(s.Key()).Infof("rule set applied: +%v -%v, %d awaiting bearer",
		model.RuleIDs(result.ToActivate), model.RuleIDs(result.ToDeactivate), len(result.NeedBearer))

	pending := effects{
		enforcer.deactivateRules(s, result.ToDeactivate),
		enforcer.activateRules(s, result.ToActivate),
	}
	if len(result.Bearers) > 0 {
		bearerIDs := make([]uint32, 0, len(result.Bearers))
		for _, binding := range result.Bearers {
			bearerIDs = append(bearerIDs, binding.BearerID)
		}
		pending = append(pending, enforcer.deleteBearers(s, bearerIDs))
	}
	if len(result.ToDeactivate) > 0 {
		if terminating, started := enforcer.terminateIfRuleless(s, uc, now, "rule set left no rule"); started {
			return append(pending, terminating...)
		}
	}
	if len(result.NeedBearer) > 0 {
		pending = append(pending, enforcer.scheduleBearerCreation(s.Key(), model.RuleIDs(result.NeedBearer)))
	}
	return pending
}
