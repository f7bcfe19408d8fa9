package enforcer

import (
	"time"

	"github.com/free5gc/sessiond/internal/metrics"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
)

// executeAction turns a final-unit decision into enforcement-plane effects.
// Terminate ends the whole session.
func (enforcer *enforcerImpl) executeAction(
	s *session.Session,
	action session.ServiceAction,
	uc *session.UpdateCriteria,
	now time.Time,
) effects {
	log := sessionLog(s.Key()).WithField("charging_key", action.ChargingKey().String())

	var name string
	var pending effects
	switch typed := action.(type) {
	case session.TerminateServiceAction:
		name = "terminate"
		log.Info("credit exhausted, terminating session")
		pending = enforcer.startTermination(s, uc, now, true)
	case session.RedirectServiceAction:
		name = "redirect"
		log.Infof("credit exhausted, redirecting to %s", typed.Server.ServerAddress)
		pending = effects{
			enforcer.deactivateRules(s, typed.Displaced),
			enforcer.activateRules(s, []model.RuleToProcess{typed.RedirectRule}),
		}
	case session.RestrictServiceAction:
		name = "restrict"
		log.Infof("credit exhausted, restricting to %v", model.RuleIDs(typed.Restrict))
		pending = effects{
			enforcer.deactivateRules(s, typed.Displaced),
			enforcer.activateRules(s, typed.Restrict),
		}
	case session.RestoreServiceAction:
		name = "restore"
		log.Infof("credit granted again, restoring %v", model.RuleIDs(typed.Reinstall))
		pending = effects{
			enforcer.deactivateRules(s, typed.Remove),
			enforcer.activateRules(s, typed.Reinstall),
		}
		if !s.Config().UsesBearers() {
			pending = append(pending, enforcer.reportQuotaState(s, model.QuotaValid))
		}
	default:
		log.Warnf("unknown service action %T", action)
		return nil
	}

	return append(pending, func() { metrics.ServiceActions.WithLabelValues(name).Inc() })
}
