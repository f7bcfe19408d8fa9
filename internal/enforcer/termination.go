package enforcer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/metrics"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/internal/storage"
)

// startTermination moves s to TERMINATING and tears down all of its flows.
// The access network is told only when it did not start the termination
// itself. Completion waits for the enforcement plane to drain the session's
// flows, bounded by the force termination timer.
func (enforcer *enforcerImpl) startTermination(
	s *session.Session,
	uc *session.UpdateCriteria,
	now time.Time,
	notifyAccess bool,
) effects {
	key := s.Key()
	teidList := s.AllTeids()
	bearerIDs := s.DedicatedBearerIDs()

	started, terminateError := s.StartTermination(now, uc)
	if terminateError != nil {
		sessionLog(key).Errorf("cannot start termination: %v", terminateError)
		return nil
	}
	if !started {
		return nil
	}
	s.RemoveAllRulesForTermination(uc)
	sessionLog(key).Infof("termination started, %d dedicated bearer(s)", len(bearerIDs))

	config := s.Config()
	request := deactivateRequest(s, nil)
	request.TeidList = teidList
	request.Origin = model.OriginTermination

	pending := effects{enforcer.deactivateAll(request)}
	if !config.UsesBearers() {
		pending = append(pending, enforcer.reportQuotaState(s, model.QuotaTerminate))
	}
	if notifyAccess {
		pending = append(pending, func() {
			notifier, found := enforcer.notifierFor(config.RATType)
			if !found {
				return
			}
			enforcer.callPeer(metrics.PeerAccess, enforcer.config.AccessTimeout, "terminate "+key.String(),
				func(ctx context.Context) error { return notifier.TerminateSession(ctx, key) }, nil)
		})
	}
	return append(pending, func() { enforcer.armForceTermination(key, enforcer.config.ForceTerminationTimeout) })
}

// armForceTermination replaces the force termination timer of a session.
func (enforcer *enforcerImpl) armForceTermination(key model.SessionKey, delay time.Duration) {
	if existing, found := enforcer.forceTerminationTimers[key]; found {
		enforcer.loop.Cancel(existing)
	}
	enforcer.forceTerminationTimers[key] = enforcer.loop.Schedule(delay, func() {
		delete(enforcer.forceTerminationTimers, key)
		enforcer.forceTerminate(key)
	})
}

func (enforcer *enforcerImpl) forceTerminate(key model.SessionKey) {
	enforcer.transact(enforcer.lifetimeContext, []string{key.SubscriberID},
		func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
			s, found := workingSet.Find(key)
			if !found || !s.IsTerminating() {
				return nil, nil
			}
			sessionLog(key).Warn("flows not drained in time, forcing termination")
			return enforcer.completeTermination(s, update.CriteriaFor(s), "forced"), nil
		},
		func(transactError error) {
			if transactError != nil {
				sessionLog(key).Errorf("forced termination failed: %v", transactError)
			}
		})
}

// completeTermination releases a terminating session and reports its final
// usage. The store removes the session when the write commits.
func (enforcer *enforcerImpl) completeTermination(
	s *session.Session,
	uc *session.UpdateCriteria,
	reason string,
) effects {
	key := s.Key()
	if !s.IsTerminating() {
		return nil
	}
	request := s.GetTerminateRequest()
	if completeError := s.CompleteTermination(uc); completeError != nil {
		sessionLog(key).Errorf("cannot complete termination: %v", completeError)
		return nil
	}
	sessionLog(key).Infof("session released (%s)", reason)

	return effects{func() {
		if handle, found := enforcer.forceTerminationTimers[key]; found {
			enforcer.loop.Cancel(handle)
			delete(enforcer.forceTerminationTimers, key)
		}
		if timer, found := enforcer.ruleTimers[key]; found {
			enforcer.loop.Cancel(timer.handle)
			delete(enforcer.ruleTimers, key)
		}
		metrics.SessionsTerminated.WithLabelValues(reason).Inc()
		metrics.ActiveSessions.Dec()
		enforcer.callPeer(metrics.PeerProxy, enforcer.config.ProxyTimeout, "terminate "+key.String(),
			func(ctx context.Context) error { return enforcer.proxy.TerminateSession(ctx, request) }, nil)
	}}
}

// EndSession implements Enforcer.EndSession.
func (enforcer *enforcerImpl) EndSession(ctx context.Context, key model.SessionKey) error {
	return enforcer.onLoopAsync(ctx, func(finish func(error)) {
		enforcer.transact(ctx, []string{key.SubscriberID},
			func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
				s, found := workingSet.Find(key)
				if !found {
					return nil, errors.Wrapf(ErrSessionNotFound, "end session %s", key)
				}
				return enforcer.startTermination(s, update.CriteriaFor(s), enforcer.loop.Now(), false), nil
			}, finish)
	})
}

// AbortSession implements Enforcer.AbortSession.
func (enforcer *enforcerImpl) AbortSession(
	ctx context.Context,
	request model.AbortSessionRequest,
) (model.AbortSessionAnswer, error) {
	answer := model.AbortSessionAnswer{Result: model.AbortSessionNotFound}
	key := model.SessionKey{SubscriberID: request.SubscriberID, SessionID: request.SessionID}
	abortError := enforcer.onLoopAsync(ctx, func(finish func(error)) {
		enforcer.transact(ctx, []string{key.SubscriberID},
			func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
				s, found := workingSet.Find(key)
				if !found {
					answer.Result = model.AbortSessionNotFound
					return nil, nil
				}
				answer.Result = model.AbortSessionRemoved
				sessionLog(key).Info("abort requested by the server")
				return enforcer.startTermination(s, update.CriteriaFor(s), enforcer.loop.Now(), true), nil
			}, finish)
	})
	return answer, abortError
}
