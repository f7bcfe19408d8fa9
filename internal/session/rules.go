package session

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/credit"
	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/rules"
)

// ErrRuleNotFound is returned when a static rule id is not in the catalog.
var ErrRuleNotFound = errors.New("rule not found")

// RuleKind tells where a rule's body comes from.
type RuleKind string

const (
	RuleStatic  RuleKind = "STATIC"
	RuleDynamic RuleKind = "DYNAMIC"
)

// RuleState is the lifecycle state of an installed rule id. Removed and
// expired rules have no entry.
type RuleState string

const (
	RuleScheduled RuleState = "SCHEDULED"
	RuleActive    RuleState = "ACTIVE"
)

// RuleEntry is one rule id of a session.
type RuleEntry struct {
	Kind     RuleKind           `json:"kind"`
	State    RuleState          `json:"state"`
	Lifetime model.RuleLifetime `json:"lifetime"`
	Body     *model.PolicyRule  `json:"body,omitempty"`
}

func (entry RuleEntry) clone() RuleEntry {
	if entry.Body != nil {
		body := copyPolicyRule(*entry.Body)
		entry.Body = &body
	}
	return entry
}

// RuleResult is the outcome of a rule operation. Re-delivered instructions
// yield RuleNoOp rather than an error.
type RuleResult string

const (
	RuleInstalled RuleResult = "INSTALLED"
	RuleDeferred  RuleResult = "SCHEDULED"
	RuleReplaced  RuleResult = "REPLACED"
	RuleRemoved   RuleResult = "REMOVED"
	RuleExpired   RuleResult = "EXPIRED"
	RuleNoOp      RuleResult = "NO_OP"
)

// RuleChange describes what a rule operation did. Rule carries the body,
// version and tunnel of the rule after the operation, or before it for
// removals. Previous is the installed version a replace or reschedule
// displaced. Bearer is a dedicated bearer binding the operation dropped.
type RuleChange struct {
	Result    RuleResult
	Rule      model.RuleToProcess
	WasActive bool
	Previous  *model.RuleToProcess
	Bearer    *BearerBinding
}

// NeedsEnforcement reports whether the enforcement plane must hear about the
// change.
func (change RuleChange) NeedsEnforcement() bool {
	switch change.Result {
	case RuleInstalled, RuleReplaced:
		return true
	case RuleRemoved, RuleExpired, RuleDeferred:
		return change.WasActive
	default:
		return false
	}
}

// RuleSyncResult lists the rules a time sync moved.
type RuleSyncResult struct {
	Activated []RuleChange
	Expired   []RuleChange
}

// RuleSetResult is the reconciliation of a session against a complete desired
// rule set. The three lists are disjoint by (rule id, version).
type RuleSetResult struct {
	ToActivate   []model.RuleToProcess
	ToDeactivate []model.RuleToProcess
	NeedBearer   []model.RuleToProcess
	Bearers      []BearerBinding
}

// IsEmpty reports whether nothing changed.
func (result RuleSetResult) IsEmpty() bool {
	return len(result.ToActivate) == 0 && len(result.ToDeactivate) == 0 && len(result.NeedBearer) == 0
}

// ---- install / remove ----

// ActivateStaticRule installs a catalog rule, or schedules it when the
// lifetime window has not opened yet.
func (s *Session) ActivateStaticRule(
	ruleID string,
	lifetime model.RuleLifetime,
	now time.Time,
	uc *UpdateCriteria,
) (RuleChange, error) {
	body, found := s.lookupCatalog(ruleID)
	if !found {
		return RuleChange{Result: RuleNoOp}, errors.Wrapf(ErrRuleNotFound, "static rule %q", ruleID)
	}
	return s.installRule(RuleEntry{Kind: RuleStatic, Lifetime: lifetime}, body, now, uc), nil
}

// InsertDynamicRule installs a rule carried inline, or schedules it. An active
// dynamic rule re-installed with a different body is replaced in place.
func (s *Session) InsertDynamicRule(
	body model.PolicyRule,
	lifetime model.RuleLifetime,
	now time.Time,
	uc *UpdateCriteria,
) (RuleChange, error) {
	if strings.TrimSpace(body.ID) == "" {
		return RuleChange{Result: RuleNoOp}, rules.ErrEmptyRuleID
	}
	copied := copyPolicyRule(body)
	return s.installRule(RuleEntry{Kind: RuleDynamic, Lifetime: lifetime, Body: &copied}, copied, now, uc), nil
}

func (s *Session) installRule(desired RuleEntry, body model.PolicyRule, now time.Time, uc *UpdateCriteria) RuleChange {
	ruleID := body.ID
	existing, exists := s.ruleEntries[ruleID]

	if desired.Lifetime.IsExpired(now) {
		if !exists {
			return RuleChange{Result: RuleNoOp, Rule: model.RuleToProcess{Rule: body}}
		}
		change := s.removeRule(ruleID, uc)
		change.Result = RuleExpired
		return change
	}

	desired.State = RuleActive
	if desired.Lifetime.ShouldSchedule(now) {
		desired.State = RuleScheduled
	}

	if exists && existing.Kind == desired.Kind && existing.State == desired.State && sameEntryBody(*existing, desired) {
		if !sameLifetime(existing.Lifetime, desired.Lifetime) {
			existing.Lifetime = desired.Lifetime
			uc.upsertRule(ruleID, *existing)
		}
		return RuleChange{
			Result:    RuleNoOp,
			Rule:      s.ruleToProcess(ruleID, body),
			WasActive: existing.State == RuleActive,
		}
	}

	wasActive := exists && existing.State == RuleActive
	var previous *model.RuleToProcess
	if wasActive {
		displaced := s.ruleToProcess(ruleID, s.entryBody(ruleID, *existing))
		previous = &displaced
	}
	// A bearer was created for the old QoS; a new QoS needs its own.
	var released *BearerBinding
	if binding, bound := s.bearers[ruleID]; bound && exists && !s.entryBody(ruleID, *existing).SameQoS(body) {
		delete(s.bearers, ruleID)
		uc.deleteBearer(ruleID)
		released = &binding
	}

	entry := desired.clone()
	s.ruleEntries[ruleID] = &entry
	uc.upsertRule(ruleID, entry)

	if entry.State == RuleScheduled {
		return RuleChange{
			Result:    RuleDeferred,
			Rule:      s.ruleToProcess(ruleID, body),
			WasActive: wasActive,
			Previous:  previous,
			Bearer:    released,
		}
	}

	s.bumpVersion(ruleID, uc)
	result := RuleInstalled
	if wasActive {
		result = RuleReplaced
	}
	return RuleChange{
		Result:    result,
		Rule:      s.ruleToProcess(ruleID, body),
		WasActive: wasActive,
		Previous:  previous,
		Bearer:    released,
	}
}

// RemoveRule removes a rule id in any state. Removing an absent rule is a
// no-op.
func (s *Session) RemoveRule(ruleID string, uc *UpdateCriteria) RuleChange {
	if _, exists := s.ruleEntries[ruleID]; !exists {
		return RuleChange{Result: RuleNoOp, Rule: model.RuleToProcess{Rule: model.PolicyRule{ID: ruleID}}}
	}
	return s.removeRule(ruleID, uc)
}

func (s *Session) removeRule(ruleID string, uc *UpdateCriteria) RuleChange {
	entry := s.ruleEntries[ruleID]
	change := RuleChange{
		Result:    RuleRemoved,
		Rule:      s.ruleToProcess(ruleID, s.entryBody(ruleID, *entry)),
		WasActive: entry.State == RuleActive,
	}
	if binding, bound := s.bearers[ruleID]; bound {
		change.Bearer = &binding
		delete(s.bearers, ruleID)
		uc.deleteBearer(ruleID)
	}
	delete(s.ruleEntries, ruleID)
	uc.deleteRule(ruleID)
	return change
}

// RemoveAllRulesForTermination removes every active and scheduled rule and
// returns what was removed for enforcement-plane teardown.
func (s *Session) RemoveAllRulesForTermination(uc *UpdateCriteria) []RuleChange {
	changes := make([]RuleChange, 0, len(s.ruleEntries))
	for _, ruleID := range s.sortedRuleIDs() {
		changes = append(changes, s.removeRule(ruleID, uc))
	}
	return changes
}

// ---- time sync ----

// SyncRulesToTime activates scheduled rules whose window opened and removes
// rules whose window closed. Syncing to T1 then T2 leaves the same active set
// as syncing to T2 directly.
func (s *Session) SyncRulesToTime(now time.Time, uc *UpdateCriteria) RuleSyncResult {
	var result RuleSyncResult
	for _, ruleID := range s.sortedRuleIDs() {
		entry := s.ruleEntries[ruleID]
		switch {
		case entry.Lifetime.IsExpired(now):
			change := s.removeRule(ruleID, uc)
			change.Result = RuleExpired
			result.Expired = append(result.Expired, change)
		case entry.State == RuleScheduled && entry.Lifetime.IsActive(now):
			entry.State = RuleActive
			uc.upsertRule(ruleID, *entry)
			s.bumpVersion(ruleID, uc)
			result.Activated = append(result.Activated, RuleChange{
				Result: RuleInstalled,
				Rule:   s.ruleToProcess(ruleID, s.entryBody(ruleID, *entry)),
			})
		}
	}
	return result
}

// NextRuleTransition returns the earliest activation or deactivation time
// after now, false if no rule has one.
func (s *Session) NextRuleTransition(now time.Time) (time.Time, bool) {
	var next time.Time
	consider := func(candidate time.Time) {
		if candidate.IsZero() || !candidate.After(now) {
			return
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	for _, entry := range s.ruleEntries {
		if entry.State == RuleScheduled {
			consider(entry.Lifetime.ActivationTime)
		}
		consider(entry.Lifetime.DeactivationTime)
	}
	return next, !next.IsZero()
}

// ---- bulk reconciliation ----

// ApplyRuleSet reconciles the session against the complete desired rule set
// of a subscriber-wide push. Active rules not desired are deactivated, desired
// rules not active are activated, and QoS-bearing rules that still lack a
// bearer are set aside for bearer creation.
func (s *Session) ApplyRuleSet(
	staticRuleIDs []string,
	dynamicRules []model.PolicyRule,
	now time.Time,
	uc *UpdateCriteria,
) RuleSetResult {
	desired := make(map[string]RuleEntry, len(staticRuleIDs)+len(dynamicRules))
	bodies := make(map[string]model.PolicyRule, len(staticRuleIDs)+len(dynamicRules))
	for _, ruleID := range staticRuleIDs {
		body, found := s.lookupCatalog(ruleID)
		if !found {
			logger.SessionLog.Warnf("session %s: rule set names unknown static rule %q", s.key, ruleID)
			continue
		}
		desired[ruleID] = RuleEntry{Kind: RuleStatic}
		bodies[ruleID] = body
	}
	for _, rule := range dynamicRules {
		body := copyPolicyRule(rule)
		desired[rule.ID] = RuleEntry{Kind: RuleDynamic, Body: &body}
		bodies[rule.ID] = body
	}

	var result RuleSetResult
	for _, ruleID := range s.sortedRuleIDs() {
		entry := s.ruleEntries[ruleID]
		if entry.State != RuleActive {
			continue
		}
		if _, wanted := desired[ruleID]; wanted {
			continue
		}
		change := s.removeRule(ruleID, uc)
		result.ToDeactivate = append(result.ToDeactivate, change.Rule)
		if change.Bearer != nil {
			result.Bearers = append(result.Bearers, *change.Bearer)
		}
	}

	desiredIDs := make([]string, 0, len(desired))
	for ruleID := range desired {
		desiredIDs = append(desiredIDs, ruleID)
	}
	sort.Strings(desiredIDs)

	for _, ruleID := range desiredIDs {
		change := s.installRule(desired[ruleID], bodies[ruleID], now, uc)
		switch change.Result {
		case RuleInstalled, RuleReplaced:
		default:
			continue
		}
		if change.Previous != nil {
			result.ToDeactivate = append(result.ToDeactivate, *change.Previous)
		}
		if change.Bearer != nil {
			result.Bearers = append(result.Bearers, *change.Bearer)
		}
		if s.awaitsBearer(ruleID, change.Rule.Rule) {
			result.NeedBearer = append(result.NeedBearer, change.Rule)
		} else {
			result.ToActivate = append(result.ToActivate, change.Rule)
		}
	}
	return result
}

// ---- queries ----

// RuleState returns the state of a rule id, false if it has no entry.
func (s *Session) RuleState(ruleID string) (RuleState, bool) {
	entry, exists := s.ruleEntries[ruleID]
	if !exists {
		return "", false
	}
	return entry.State, true
}

// RuleVersion returns the version the rule was last installed at.
func (s *Session) RuleVersion(ruleID string) uint32 {
	if stats, found := s.ruleStats[ruleID]; found {
		return stats.CurrentVersion
	}
	return 0
}

// GetRule returns the body of an installed or scheduled rule.
func (s *Session) GetRule(ruleID string) (model.PolicyRule, bool) {
	entry, exists := s.ruleEntries[ruleID]
	if !exists {
		return model.PolicyRule{}, false
	}
	return s.entryBody(ruleID, *entry), true
}

// ActiveRuleIDs returns the ids of active rules in order.
func (s *Session) ActiveRuleIDs() []string {
	return s.ruleIDsInState(RuleActive)
}

// ScheduledRuleIDs returns the ids of scheduled rules in order.
func (s *Session) ScheduledRuleIDs() []string {
	return s.ruleIDsInState(RuleScheduled)
}

func (s *Session) ruleIDsInState(state RuleState) []string {
	ruleIDs := make([]string, 0)
	for _, ruleID := range s.sortedRuleIDs() {
		if s.ruleEntries[ruleID].State == state {
			ruleIDs = append(ruleIDs, ruleID)
		}
	}
	return ruleIDs
}

// EnforcedRules returns the rules the enforcement plane should carry: every
// active rule except QoS-bearing rules still waiting for a bearer and rules
// displaced by a redirect or restrict, plus the rules standing in for the
// displaced ones.
func (s *Session) EnforcedRules() []model.RuleToProcess {
	displacedKeys, standIns := s.finalActionRules()
	standInIDs := make(map[string]bool, len(standIns))
	for _, standIn := range standIns {
		standInIDs[standIn.Rule.ID] = true
	}

	installable := s.installableRules()
	enforced := make([]model.RuleToProcess, 0, len(installable)+len(standIns))
	for _, rule := range installable {
		if key, tracked := rule.Rule.ChargingKey(); tracked && displacedKeys[key] && !standInIDs[rule.Rule.ID] {
			continue
		}
		enforced = append(enforced, rule)
	}
	for _, standIn := range standIns {
		if !containsRule(enforced, standIn.Rule.ID) {
			enforced = append(enforced, standIn)
		}
	}
	return enforced
}

// installableRules returns every active rule except QoS-bearing rules still
// waiting for a bearer.
func (s *Session) installableRules() []model.RuleToProcess {
	installable := make([]model.RuleToProcess, 0, len(s.ruleEntries))
	for _, ruleID := range s.sortedRuleIDs() {
		entry := s.ruleEntries[ruleID]
		if entry.State != RuleActive {
			continue
		}
		body := s.entryBody(ruleID, *entry)
		if s.awaitsBearer(ruleID, body) {
			continue
		}
		installable = append(installable, s.ruleToProcess(ruleID, body))
	}
	return installable
}

// finalActionRules returns the charging keys whose rules a redirect or
// restrict currently displaces and the rules installed in their place.
func (s *Session) finalActionRules() (map[model.ChargingKey]bool, []model.RuleToProcess) {
	displaced := make(map[model.ChargingKey]bool)
	var standIns []model.RuleToProcess
	for _, key := range sortedChargingKeys(s.chargingPool) {
		grant := s.chargingPool[key]
		switch grant.ServiceState() {
		case credit.ServiceRedirected, credit.ServiceRestricted, credit.ServiceNeedsActivation:
		default:
			continue
		}
		acted := grant.ActedAction()
		if acted == nil {
			continue
		}
		switch acted.Action {
		case model.FinalActionRedirect:
			displaced[key] = true
			standIns = append(standIns, s.redirectRule(key, acted.RedirectServer))
		case model.FinalActionRestrictAccess:
			displaced[key] = true
			for _, restrict := range s.restrictRules(acted.RestrictRules) {
				if !containsRule(standIns, restrict.Rule.ID) {
					standIns = append(standIns, restrict)
				}
			}
		}
	}
	return displaced, standIns
}

func containsRule(rules []model.RuleToProcess, ruleID string) bool {
	for _, rule := range rules {
		if rule.Rule.ID == ruleID {
			return true
		}
	}
	return false
}

// RulesAwaitingBearer returns the active QoS-bearing rules without a bearer.
func (s *Session) RulesAwaitingBearer() []model.RuleToProcess {
	awaiting := make([]model.RuleToProcess, 0)
	for _, ruleID := range s.sortedRuleIDs() {
		entry := s.ruleEntries[ruleID]
		if entry.State != RuleActive {
			continue
		}
		body := s.entryBody(ruleID, *entry)
		if s.awaitsBearer(ruleID, body) {
			awaiting = append(awaiting, s.ruleToProcess(ruleID, body))
		}
	}
	return awaiting
}

// IsRuleAwaitingBearer reports whether a rule is still installed and still
// lacks its dedicated bearer.
func (s *Session) IsRuleAwaitingBearer(ruleID string) bool {
	entry, exists := s.ruleEntries[ruleID]
	if !exists || entry.State != RuleActive {
		return false
	}
	return s.awaitsBearer(ruleID, s.entryBody(ruleID, *entry))
}

// EnforcedRulesForChargingKey returns the installable rules accounted against
// a charging key, whether or not a final action currently displaces them.
func (s *Session) EnforcedRulesForChargingKey(key model.ChargingKey) []model.RuleToProcess {
	matching := make([]model.RuleToProcess, 0)
	for _, rule := range s.installableRules() {
		ruleKey, tracked := rule.Rule.ChargingKey()
		if tracked && ruleKey == key {
			matching = append(matching, rule)
		}
	}
	return matching
}

// ---- helpers ----

func (s *Session) awaitsBearer(ruleID string, body model.PolicyRule) bool {
	if !s.config.UsesBearers() || !body.NeedsDedicatedBearer() {
		return false
	}
	_, bound := s.bearers[ruleID]
	return !bound
}

func (s *Session) lookupCatalog(ruleID string) (model.PolicyRule, bool) {
	if s.catalog == nil {
		return model.PolicyRule{}, false
	}
	return s.catalog.GetRule(ruleID)
}

func (s *Session) entryBody(ruleID string, entry RuleEntry) model.PolicyRule {
	if entry.Body != nil {
		return copyPolicyRule(*entry.Body)
	}
	if body, found := s.lookupCatalog(ruleID); found {
		return body
	}
	return model.PolicyRule{ID: ruleID}
}

func (s *Session) ruleToProcess(ruleID string, body model.PolicyRule) model.RuleToProcess {
	teids := s.config.Teids
	if binding, bound := s.bearers[ruleID]; bound {
		teids = binding.Teids
	}
	return model.RuleToProcess{
		Rule:    body,
		Version: s.RuleVersion(ruleID),
		Teids:   teids,
	}
}

func (s *Session) bumpVersion(ruleID string, uc *UpdateCriteria) {
	stats := s.statsFor(ruleID)
	stats.CurrentVersion++
	uc.RuleStatsUpdates[ruleID] = stats.clone()
}

func (s *Session) sortedRuleIDs() []string {
	ruleIDs := make([]string, 0, len(s.ruleEntries))
	for ruleID := range s.ruleEntries {
		ruleIDs = append(ruleIDs, ruleID)
	}
	sort.Strings(ruleIDs)
	return ruleIDs
}

func sameEntryBody(existing RuleEntry, desired RuleEntry) bool {
	if existing.Body == nil || desired.Body == nil {
		return existing.Body == nil && desired.Body == nil
	}
	return existing.Body.SameBody(*desired.Body)
}

func sameLifetime(a, b model.RuleLifetime) bool {
	return a.ActivationTime.Equal(b.ActivationTime) && a.DeactivationTime.Equal(b.DeactivationTime)
}

func copyPolicyRule(rule model.PolicyRule) model.PolicyRule {
	if rule.QoS != nil {
		qos := *rule.QoS
		rule.QoS = &qos
	}
	if rule.Redirect != nil {
		redirect := *rule.Redirect
		rule.Redirect = &redirect
	}
	rule.FlowList = append([]model.FlowDescription(nil), rule.FlowList...)
	return rule
}
