package enforcer

import (
	"context"
	"fmt"

	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
)

// Builders of enforcement-plane requests. Each returns an effect holding its
// own copy of the request, so later mutations of the session never leak into
// a queued call.

func activateRequest(s *session.Session, rulesToProcess []model.RuleToProcess) model.ActivateFlowsRequest {
	config := s.Config()
	request := model.ActivateFlowsRequest{
		SubscriberID: config.SubscriberID,
		SessionID:    s.SessionID(),
		UEIPv4:       config.UEIPv4,
		UEIPv6:       config.UEIPv6,
		MSISDN:       config.MSISDN,
		Teids:        config.Teids,
		Rules:        append([]model.RuleToProcess(nil), rulesToProcess...),
	}
	if config.AMBR != nil {
		ambr := *config.AMBR
		request.AMBR = &ambr
	}
	return request
}

func deactivateRequest(s *session.Session, rulesToProcess []model.RuleToProcess) model.DeactivateFlowsRequest {
	config := s.Config()
	return model.DeactivateFlowsRequest{
		SubscriberID: config.SubscriberID,
		SessionID:    s.SessionID(),
		UEIPv4:       config.UEIPv4,
		UEIPv6:       config.UEIPv6,
		TeidList:     uniqueTeids(rulesToProcess, config.Teids),
		Rules:        append([]model.RuleToProcess(nil), rulesToProcess...),
	}
}

// uniqueTeids lists the tunnels of the given rules, the default one first.
func uniqueTeids(rulesToProcess []model.RuleToProcess, defaultTeids model.Teids) []model.Teids {
	teidList := []model.Teids{defaultTeids}
	seen := map[model.Teids]bool{defaultTeids: true}
	for _, rule := range rulesToProcess {
		if rule.Teids.IsZero() || seen[rule.Teids] {
			continue
		}
		seen[rule.Teids] = true
		teidList = append(teidList, rule.Teids)
	}
	return teidList
}

func (enforcer *enforcerImpl) activateRules(s *session.Session, rulesToProcess []model.RuleToProcess) effect {
	if len(rulesToProcess) == 0 {
		return func() {}
	}
	request := activateRequest(s, rulesToProcess)
	return func() {
		enforcer.enqueuePlaneCall(planeCall{
			description: fmt.Sprintf("activate %v for %s/%s", model.RuleIDs(request.Rules),
				request.SubscriberID, request.SessionID),
			invoke: func(ctx context.Context) error {
				return enforcer.pipelined.ActivateFlows(ctx, request)
			},
		})
	}
}

func (enforcer *enforcerImpl) deactivateRules(s *session.Session, rulesToProcess []model.RuleToProcess) effect {
	if len(rulesToProcess) == 0 {
		return func() {}
	}
	request := deactivateRequest(s, rulesToProcess)
	return func() {
		enforcer.enqueuePlaneCall(planeCall{
			description: fmt.Sprintf("deactivate %v for %s/%s", model.RuleIDs(request.Rules),
				request.SubscriberID, request.SessionID),
			invoke: func(ctx context.Context) error {
				return enforcer.pipelined.DeactivateFlows(ctx, request)
			},
		})
	}
}

// deactivateAll removes every flow on the given tunnels of a subscriber.
func (enforcer *enforcerImpl) deactivateAll(request model.DeactivateFlowsRequest) effect {
	request.RemoveAll = true
	request.Rules = nil
	return func() {
		enforcer.enqueuePlaneCall(planeCall{
			description: fmt.Sprintf("deactivate all (%s) for %s", request.Origin, request.SubscriberID),
			invoke: func(ctx context.Context) error {
				return enforcer.pipelined.DeactivateFlows(ctx, request)
			},
		})
	}
}

func (enforcer *enforcerImpl) reportQuotaState(s *session.Session, state model.SubscriberQuotaState) effect {
	update := model.SubscriberQuotaUpdate{
		SubscriberID: s.SubscriberID(),
		SessionID:    s.SessionID(),
		MACAddress:   s.Config().MACAddress,
		State:        state,
	}
	return func() {
		enforcer.enqueuePlaneCall(planeCall{
			description: fmt.Sprintf("quota state %s for %s/%s", update.State, update.SubscriberID, update.SessionID),
			invoke: func(ctx context.Context) error {
				return enforcer.pipelined.UpdateSubscriberQuotaState(ctx, []model.SubscriberQuotaUpdate{update})
			},
		})
	}
}

// ruleDelta gathers the enforcement-plane consequences of rule changes.
// Deactivations are issued before activations.
type ruleDelta struct {
	toDeactivate []model.RuleToProcess
	toActivate   []model.RuleToProcess
	needBearer   []string
	bearerIDs    []uint32
	changed      bool
}

// add records one rule change of s.
func (delta *ruleDelta) add(s *session.Session, change session.RuleChange) {
	switch change.Result {
	case session.RuleInstalled, session.RuleReplaced:
		delta.changed = true
		if change.Previous != nil {
			delta.toDeactivate = append(delta.toDeactivate, *change.Previous)
		}
		if change.Bearer != nil {
			delta.bearerIDs = append(delta.bearerIDs, change.Bearer.BearerID)
		}
		if s.IsRuleAwaitingBearer(change.Rule.Rule.ID) {
			delta.needBearer = append(delta.needBearer, change.Rule.Rule.ID)
		} else {
			delta.toActivate = append(delta.toActivate, change.Rule)
		}
	case session.RuleRemoved, session.RuleExpired:
		delta.changed = true
		if change.WasActive {
			delta.toDeactivate = append(delta.toDeactivate, change.Rule)
		}
		if change.Bearer != nil {
			delta.bearerIDs = append(delta.bearerIDs, change.Bearer.BearerID)
		}
	case session.RuleDeferred:
		delta.changed = true
		if change.Previous != nil {
			delta.toDeactivate = append(delta.toDeactivate, *change.Previous)
		}
		if change.Bearer != nil {
			delta.bearerIDs = append(delta.bearerIDs, change.Bearer.BearerID)
		}
	}
}

// effects turns the delta into ordered effects for s.
func (enforcer *enforcerImpl) ruleDeltaEffects(s *session.Session, delta ruleDelta) effects {
	var pending effects
	pending = append(pending,
		enforcer.deactivateRules(s, delta.toDeactivate),
		enforcer.activateRules(s, delta.toActivate),
	)
	if len(delta.bearerIDs) > 0 {
		pending = append(pending, enforcer.deleteBearers(s, delta.bearerIDs))
	}
	if len(delta.needBearer) > 0 {
		pending = append(pending, enforcer.scheduleBearerCreation(s.Key(), delta.needBearer))
	}
	return pending
}
