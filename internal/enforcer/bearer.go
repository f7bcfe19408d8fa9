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

// scheduleBearerCreation asks the access network for dedicated bearers after
// the bearer creation delay, for those rules that by then are still installed
// and still unbound.
func (enforcer *enforcerImpl) scheduleBearerCreation(key model.SessionKey, ruleIDs []string) effect {
	pendingRuleIDs := append([]string(nil), ruleIDs...)
	return func() {
		enforcer.loop.Schedule(enforcer.config.BearerCreationDelay, func() {
			enforcer.createBearers(key, pendingRuleIDs)
		})
	}
}

func (enforcer *enforcerImpl) createBearers(key model.SessionKey, ruleIDs []string) {
	workingSet, readError := enforcer.store.Read(enforcer.lifetimeContext, []string{key.SubscriberID})
	if readError != nil {
		sessionLog(key).Warnf("bearer creation skipped, read failed: %v", readError)
		return
	}
	s, found := workingSet.Find(key)
	if !found || !s.IsActive() {
		sessionLog(key).Debug("bearer creation skipped, session no longer active")
		return
	}

	policyRules := make([]model.PolicyRule, 0, len(ruleIDs))
	for _, ruleID := range ruleIDs {
		if !s.IsRuleAwaitingBearer(ruleID) {
			continue
		}
		if body, installed := s.GetRule(ruleID); installed {
			policyRules = append(policyRules, body)
		}
	}
	if len(policyRules) == 0 {
		sessionLog(key).Debugf("bearer creation for %v no longer needed", ruleIDs)
		return
	}

	config := s.Config()
	notifier, found := enforcer.notifierFor(config.RATType)
	if !found {
		sessionLog(key).Warnf("no access notifier for %s, cannot create bearers", config.RATType)
		return
	}
	request := model.CreateBearerRequest{
		SubscriberID: config.SubscriberID,
		SessionID:    key.SessionID,
		UEIPv4:       config.UEIPv4,
		LinkBearerID: config.BearerID,
		PolicyRules:  policyRules,
	}
	sessionLog(key).Infof("requesting dedicated bearers for %d rule(s)", len(policyRules))
	enforcer.callPeer(metrics.PeerAccess, enforcer.config.AccessTimeout, "create bearer "+key.String(),
		func(ctx context.Context) error { return notifier.CreateBearer(ctx, request) }, nil)
}

func (enforcer *enforcerImpl) deleteBearers(s *session.Session, bearerIDs []uint32) effect {
	config := s.Config()
	request := model.DeleteBearerRequest{
		SubscriberID: config.SubscriberID,
		SessionID:    s.SessionID(),
		UEIPv4:       config.UEIPv4,
		LinkBearerID: config.BearerID,
		BearerIDs:    append([]uint32(nil), bearerIDs...),
	}
	return func() {
		notifier, found := enforcer.notifierFor(config.RATType)
		if !found {
			return
		}
		enforcer.callPeer(metrics.PeerAccess, enforcer.config.AccessTimeout,
			fmt.Sprintf("delete bearers %v of %s/%s", request.BearerIDs, request.SubscriberID, request.SessionID),
			func(ctx context.Context) error { return notifier.DeleteBearer(ctx, request) }, nil)
	}
}

// BindPolicyToBearer implements Enforcer.BindPolicyToBearer.
func (enforcer *enforcerImpl) BindPolicyToBearer(ctx context.Context, request model.PolicyBearerBindingRequest) error {
	if request.SubscriberID == "" || request.PolicyRuleID == "" {
		return errors.Wrap(ErrInvalidRequest, "bearer binding needs imsi and policy rule id")
	}
	return enforcer.onLoopAsync(ctx, func(finish func(error)) {
		enforcer.transact(ctx, []string{request.SubscriberID},
			func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
				s := findRuleSession(workingSet[request.SubscriberID], request.LinkedBearerID, request.PolicyRuleID)
				if s == nil {
					return nil, errors.Wrapf(ErrSessionNotFound, "no session of %s carries rule %q",
						request.SubscriberID, request.PolicyRuleID)
				}

				uc := update.CriteriaFor(s)
				change := s.BindRuleToBearer(request.PolicyRuleID, request.BearerID, request.Teids, uc)
				switch change.Result {
				case session.RuleInstalled:
					sessionLog(s.Key()).Infof("rule %s bound to bearer %d", request.PolicyRuleID, request.BearerID)
					return effects{enforcer.activateRules(s, []model.RuleToProcess{change.Rule})}, nil
				case session.RuleRemoved:
					sessionLog(s.Key()).Warnf("bearer creation failed for rule %s, removing it", request.PolicyRuleID)
					pending := effects{enforcer.deactivateRules(s, []model.RuleToProcess{change.Rule})}
					terminating, _ := enforcer.terminateIfRuleless(s, uc, enforcer.loop.Now(), "last rule lost its bearer")
					return append(pending, terminating...), nil
				default:
					return nil, nil
				}
			}, finish)
	})
}

// findRuleSession returns the active session of a subscriber that carries
// ruleID on the given default bearer; a zero bearer id matches any.
func findRuleSession(sessions []*session.Session, linkedBearerID uint32, ruleID string) *session.Session {
	for _, candidate := range sessions {
		if !candidate.IsActive() {
			continue
		}
		if linkedBearerID != 0 && candidate.Config().BearerID != linkedBearerID {
			continue
		}
		if _, installed := candidate.GetRule(ruleID); installed {
			return candidate
		}
	}
	return nil
}

// UpdateTunnelIds implements Enforcer.UpdateTunnelIds.
func (enforcer *enforcerImpl) UpdateTunnelIds(ctx context.Context, request model.UpdateTunnelIdsRequest) error {
	if request.SubscriberID == "" {
		return errors.Wrap(ErrInvalidRequest, "tunnel id update needs imsi")
	}
	return enforcer.onLoopAsync(ctx, func(finish func(error)) {
		enforcer.transact(ctx, []string{request.SubscriberID},
			func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
				var target *session.Session
				for _, candidate := range workingSet[request.SubscriberID] {
					if candidate.IsActive() && (request.BearerID == 0 || candidate.Config().BearerID == request.BearerID) {
						target = candidate
						break
					}
				}
				if target == nil {
					return nil, errors.Wrapf(ErrSessionNotFound, "no session of %s on bearer %d",
						request.SubscriberID, request.BearerID)
				}

				target.SetTeids(model.Teids{AgwTeid: request.AgwTeid, EnbTeid: request.EnbTeid}, update.CriteriaFor(target))
				logger.EnforcerLog.Infof("session %s: tunnel ids updated (agw=%d enb=%d)",
					target.Key(), request.AgwTeid, request.EnbTeid)
				return effects{enforcer.activateRules(target, target.EnforcedRules())}, nil
			}, finish)
	})
}
