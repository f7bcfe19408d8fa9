package session

import (
	"github.com/free5gc/sessiond/internal/model"
)

// redirectRulePriority puts the redirect rule ahead of every other rule.
const redirectRulePriority uint32 = 0

// ServiceAction is a final-unit decision taken for one charging credit during
// update collection. It is one of TerminateServiceAction,
// RedirectServiceAction, RestrictServiceAction or RestoreServiceAction.
type ServiceAction interface {
	ChargingKey() model.ChargingKey
	serviceAction()
}

// TerminateServiceAction ends the whole session.
type TerminateServiceAction struct {
	Key model.ChargingKey
}

// RedirectServiceAction installs RedirectRule and deactivates Displaced.
type RedirectServiceAction struct {
	Key          model.ChargingKey
	Server       model.RedirectServer
	RedirectRule model.RuleToProcess
	Displaced    []model.RuleToProcess
}

// RestrictServiceAction installs only the Restrict rules and deactivates
// Displaced.
type RestrictServiceAction struct {
	Key       model.ChargingKey
	Restrict  []model.RuleToProcess
	Displaced []model.RuleToProcess
}

// RestoreServiceAction undoes a redirect or restrict once usable quota is
// granted again: Remove goes away and Reinstall comes back.
type RestoreServiceAction struct {
	Key       model.ChargingKey
	Reinstall []model.RuleToProcess
	Remove    []model.RuleToProcess
}

func (action TerminateServiceAction) ChargingKey() model.ChargingKey { return action.Key }
func (action RedirectServiceAction) ChargingKey() model.ChargingKey  { return action.Key }
func (action RestrictServiceAction) ChargingKey() model.ChargingKey  { return action.Key }
func (action RestoreServiceAction) ChargingKey() model.ChargingKey   { return action.Key }

func (TerminateServiceAction) serviceAction() {}
func (RedirectServiceAction) serviceAction()  {}
func (RestrictServiceAction) serviceAction()  {}
func (RestoreServiceAction) serviceAction()   {}

// RedirectRuleID returns the id of the rule installed when the credit of key
// is redirected.
func RedirectRuleID(key model.ChargingKey) string {
	return "redirect-" + key.String()
}

func (s *Session) redirectRule(key model.ChargingKey, server model.RedirectServer) model.RuleToProcess {
	return model.RuleToProcess{
		Rule: model.PolicyRule{
			ID:           RedirectRuleID(key),
			Priority:     redirectRulePriority,
			RatingGroup:  key.RatingGroup,
			TrackingType: model.TrackingNone,
			Redirect:     &model.RedirectInformation{Server: server},
		},
		Version: 1,
		Teids:   s.config.Teids,
	}
}

// restrictRules resolves restrict rule ids against the session and the
// catalog. Unknown ids are skipped.
func (s *Session) restrictRules(ruleIDs []string) []model.RuleToProcess {
	resolved := make([]model.RuleToProcess, 0, len(ruleIDs))
	for _, ruleID := range ruleIDs {
		if body, installed := s.GetRule(ruleID); installed {
			resolved = append(resolved, s.ruleToProcess(ruleID, body))
			continue
		}
		body, found := s.lookupCatalog(ruleID)
		if !found {
			continue
		}
		version := s.RuleVersion(ruleID)
		if version == 0 {
			version = 1
		}
		resolved = append(resolved, model.RuleToProcess{Rule: body, Version: version, Teids: s.config.Teids})
	}
	return resolved
}

func excludeRules(rules []model.RuleToProcess, excluded []model.RuleToProcess) []model.RuleToProcess {
	if len(excluded) == 0 {
		return rules
	}
	skip := make(map[string]bool, len(excluded))
	for _, rule := range excluded {
		skip[rule.Rule.ID] = true
	}
	kept := make([]model.RuleToProcess, 0, len(rules))
	for _, rule := range rules {
		if !skip[rule.Rule.ID] {
			kept = append(kept, rule)
		}
	}
	return kept
}
