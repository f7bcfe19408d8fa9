package session

import (
	"sort"

	"github.com/free5gc/sessiond/internal/model"
)

// BearerBinding is the dedicated bearer a QoS-bearing rule is carried on.
type BearerBinding struct {
	BearerID uint32      `json:"bearerId"`
	Teids    model.Teids `json:"teids"`
}

// BindRuleToBearer records the bearer created for a rule. A bearer id of zero
// means creation failed: the rule is removed and must be deactivated, never
// activated. Binding a rule that is gone, or re-delivering the same binding,
// is a no-op.
func (s *Session) BindRuleToBearer(
	ruleID string,
	bearerID uint32,
	teids model.Teids,
	uc *UpdateCriteria,
) RuleChange {
	entry, exists := s.ruleEntries[ruleID]
	if !exists || entry.State != RuleActive {
		return RuleChange{Result: RuleNoOp, Rule: model.RuleToProcess{Rule: model.PolicyRule{ID: ruleID}}}
	}

	if bearerID == 0 {
		return s.removeRule(ruleID, uc)
	}

	binding := BearerBinding{BearerID: bearerID, Teids: teids}
	if existing, bound := s.bearers[ruleID]; bound && existing == binding {
		return RuleChange{
			Result:    RuleNoOp,
			Rule:      s.ruleToProcess(ruleID, s.entryBody(ruleID, *entry)),
			WasActive: true,
		}
	}

	s.bearers[ruleID] = binding
	uc.upsertBearer(ruleID, binding)
	return RuleChange{
		Result: RuleInstalled,
		Rule:   s.ruleToProcess(ruleID, s.entryBody(ruleID, *entry)),
		Bearer: &binding,
	}
}

// GetBearerBinding returns the bearer a rule is bound to.
func (s *Session) GetBearerBinding(ruleID string) (BearerBinding, bool) {
	binding, bound := s.bearers[ruleID]
	return binding, bound
}

// DedicatedBearerIDs returns the ids of every dedicated bearer in order.
func (s *Session) DedicatedBearerIDs() []uint32 {
	bearerIDs := make([]uint32, 0, len(s.bearers))
	for _, binding := range s.bearers {
		bearerIDs = append(bearerIDs, binding.BearerID)
	}
	sort.Slice(bearerIDs, func(i, j int) bool { return bearerIDs[i] < bearerIDs[j] })
	return bearerIDs
}

// AllTeids returns the default tunnel followed by every dedicated one.
func (s *Session) AllTeids() []model.Teids {
	teidList := []model.Teids{s.config.Teids}
	ruleIDs := make([]string, 0, len(s.bearers))
	for ruleID := range s.bearers {
		ruleIDs = append(ruleIDs, ruleID)
	}
	sort.Strings(ruleIDs)
	for _, ruleID := range ruleIDs {
		teidList = append(teidList, s.bearers[ruleID].Teids)
	}
	return teidList
}
