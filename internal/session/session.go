// Package session implements the per-session record of sessiond:
// - Charging grants keyed by charging key and usage monitors keyed by monitoring key
// - Installed and scheduled rules with their versions and lifetime windows
// - Rule-to-bearer bindings for QoS-bearing rules
// - Lifecycle state, event triggers and the pending request number
//
// Every mutator records its effect into an UpdateCriteria. Replaying the
// criteria on the record that was read reproduces the mutated record, which is
// what the store persists.
package session

import (
	"sort"
	"time"

	"github.com/felixgeelhaar/statekit"

	"github.com/free5gc/sessiond/internal/credit"
	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/rules"
)

// TriggerState is the state of one policy event trigger.
type TriggerState string

const (
	TriggerPending TriggerState = "PENDING"
	TriggerReady   TriggerState = "READY"
	TriggerCleared TriggerState = "CLEARED"
)

// Session is the record of one session. A Session obtained from the store is
// exclusively owned by the caller until written back.
type Session struct {
	key           model.SessionKey
	version       uint64
	state         State
	config        model.SessionConfig
	requestNumber uint32
	createdAt     time.Time

	terminationStartedAt time.Time

	ruleEntries map[string]*RuleEntry
	ruleStats   map[string]*RuleStats
	bearers     map[string]BearerBinding

	chargingPool    map[model.ChargingKey]*credit.ChargingGrant
	monitorPool     map[string]*credit.Monitor
	sessionLevelKey string

	eventTriggers    map[model.EventTrigger]TriggerState
	revalidationTime time.Time

	catalog rules.Lookup
}

// New returns a session in CREATING. The catalog resolves static rule ids.
func New(
	key model.SessionKey,
	config model.SessionConfig,
	catalog rules.Lookup,
	now time.Time,
) *Session {
	return &Session{
		key:           key,
		state:         StateCreating,
		config:        config,
		requestNumber: 1,
		createdAt:     now,
		ruleEntries:   make(map[string]*RuleEntry),
		ruleStats:     make(map[string]*RuleStats),
		bearers:       make(map[string]BearerBinding),
		chargingPool:  make(map[model.ChargingKey]*credit.ChargingGrant),
		monitorPool:   make(map[string]*credit.Monitor),
		eventTriggers: make(map[model.EventTrigger]TriggerState),
		catalog:       catalog,
	}
}

// NewUpdateCriteria returns an empty delta bound to the version this session
// was read at.
func (s *Session) NewUpdateCriteria() *UpdateCriteria {
	return newUpdateCriteria(s.version)
}

// ---- identity and access context ----

// Key returns the subscriber and session ids.
func (s *Session) Key() model.SessionKey {
	return s.key
}

// SubscriberID returns the subscriber id.
func (s *Session) SubscriberID() string {
	return s.key.SubscriberID
}

// SessionID returns the session id.
func (s *Session) SessionID() string {
	return s.key.SessionID
}

// Version returns the store version this record was read at.
func (s *Session) Version() uint64 {
	return s.version
}

// Config returns the access-side context of the session.
func (s *Session) Config() model.SessionConfig {
	return s.config
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// RequestNumber returns the number the next update line will carry.
func (s *Session) RequestNumber() uint32 {
	return s.requestNumber
}

// IncrementRequestNumber advances the request number after lines were sent.
func (s *Session) IncrementRequestNumber(uc *UpdateCriteria) {
	s.requestNumber++
	uc.RequestNumberIncrement++
}

// MatchesTeid reports whether a usage record's tunnel id belongs to this
// session. A zero id matches any session of the subscriber.
func (s *Session) MatchesTeid(teid uint32) bool {
	if teid == 0 {
		return true
	}
	if s.config.Teids.AgwTeid == teid || s.config.Teids.EnbTeid == teid {
		return true
	}
	for _, binding := range s.bearers {
		if binding.Teids.AgwTeid == teid || binding.Teids.EnbTeid == teid {
			return true
		}
	}
	return false
}

// SetTeids records new default-bearer tunnel ids.
func (s *Session) SetTeids(teids model.Teids, uc *UpdateCriteria) {
	s.config.Teids = teids
	config := copySessionConfig(s.config)
	uc.UpdatedConfig = &config
}

// SetAMBR records a new session-level bitrate.
func (s *Session) SetAMBR(ambr *model.AggregatedMaximumBitrate, uc *UpdateCriteria) {
	if ambr == nil {
		s.config.AMBR = nil
	} else {
		copied := *ambr
		s.config.AMBR = &copied
	}
	config := copySessionConfig(s.config)
	uc.UpdatedConfig = &config
}

// ---- lifecycle ----

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.state
}

// IsActive reports whether the session is in ACTIVE.
func (s *Session) IsActive() bool {
	return s.state == StateActive
}

// IsTerminating reports whether termination has started and not completed.
func (s *Session) IsTerminating() bool {
	return s.state == StateTerminating
}

// TerminationStartedAt returns when termination started; zero if it has not.
func (s *Session) TerminationStartedAt() time.Time {
	return s.terminationStartedAt
}

// Activate moves a CREATING session to ACTIVE.
func (s *Session) Activate(uc *UpdateCriteria) error {
	if s.state == StateActive {
		return nil
	}
	return s.transition(eventActivate, uc)
}

// StartTermination moves the session to TERMINATING. A session already
// terminating or released is left alone and false is returned.
func (s *Session) StartTermination(now time.Time, uc *UpdateCriteria) (bool, error) {
	if s.state == StateTerminating || s.state == StateReleased {
		return false, nil
	}
	if transitionError := s.transition(eventTerminate, uc); transitionError != nil {
		return false, transitionError
	}
	s.terminationStartedAt = now
	uc.TerminationStartedAt = &now
	return true, nil
}

// CompleteTermination moves a terminating session to RELEASED and marks the
// criteria as ending the session.
func (s *Session) CompleteTermination(uc *UpdateCriteria) error {
	if s.state == StateReleased {
		return nil
	}
	if transitionError := s.transition(eventRelease, uc); transitionError != nil {
		return transitionError
	}
	uc.IsSessionEnded = true
	return nil
}

func (s *Session) transition(event statekit.EventType, uc *UpdateCriteria) error {
	landed, transitionError := fireLifecycleEvent(s.key, s.state, event)
	if transitionError != nil {
		return transitionError
	}
	logger.SessionLog.Infof("session %s: %s -> %s", s.key, s.state, landed)
	s.state = landed
	uc.UpdatedState = landed
	return nil
}

// ---- event triggers ----

// SetEventTrigger records the state of a policy event trigger.
func (s *Session) SetEventTrigger(trigger model.EventTrigger, state TriggerState, uc *UpdateCriteria) {
	s.eventTriggers[trigger] = state
	uc.EventTriggerUpdates[trigger] = state
}

// EventTriggerState returns the state of a trigger, false if never set.
func (s *Session) EventTriggerState(trigger model.EventTrigger) (TriggerState, bool) {
	state, found := s.eventTriggers[trigger]
	return state, found
}

// SetRevalidationTime arms revalidation: the trigger is pending until the
// timer fires and marks it ready.
func (s *Session) SetRevalidationTime(revalidationTime time.Time, uc *UpdateCriteria) {
	s.revalidationTime = revalidationTime
	uc.RevalidationTime = &revalidationTime
	s.SetEventTrigger(model.EventTriggerRevalidationTimeout, TriggerPending, uc)
}

// RevalidationTime returns the armed revalidation time; zero if none.
func (s *Session) RevalidationTime() time.Time {
	return s.revalidationTime
}

// MarkRevalidationReady makes the next collection cycle send revalidation
// lines. It returns false when no revalidation is pending, which makes a
// redundant timer firing a no-op.
func (s *Session) MarkRevalidationReady(uc *UpdateCriteria) bool {
	if s.eventTriggers[model.EventTriggerRevalidationTimeout] != TriggerPending {
		return false
	}
	s.SetEventTrigger(model.EventTriggerRevalidationTimeout, TriggerReady, uc)
	return true
}

// ---- summaries ----

// Summary returns a read-only view for listings.
func (s *Session) Summary() model.SessionSummary {
	return model.SessionSummary{
		SubscriberID:  s.key.SubscriberID,
		SessionID:     s.key.SessionID,
		State:         string(s.state),
		RATType:       s.config.RATType,
		ActiveRules:   s.ActiveRuleIDs(),
		ScheduledRule: s.ScheduledRuleIDs(),
		RequestNumber: s.requestNumber,
		Version:       s.version,
	}
}

func sortedChargingKeys(pool map[model.ChargingKey]*credit.ChargingGrant) []model.ChargingKey {
	keys := make([]model.ChargingKey, 0, len(pool))
	for key := range pool {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RatingGroup != keys[j].RatingGroup {
			return keys[i].RatingGroup < keys[j].RatingGroup
		}
		if keys[i].ServiceIdentifier != keys[j].ServiceIdentifier {
			return keys[i].ServiceIdentifier < keys[j].ServiceIdentifier
		}
		return !keys[i].HasServiceIdentifier && keys[j].HasServiceIdentifier
	})
	return keys
}

func sortedMonitoringKeys(pool map[string]*credit.Monitor) []string {
	keys := make([]string, 0, len(pool))
	for key := range pool {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
