package session

import (
	"time"

	"github.com/free5gc/sessiond/internal/credit"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/rules"
)

// StoredSession is the serialized form of a Session.
type StoredSession struct {
	SubscriberID         string              `json:"imsi"`
	SessionID            string              `json:"sessionId"`
	Version              uint64              `json:"version"`
	State                State               `json:"state"`
	Config               model.SessionConfig `json:"config"`
	RequestNumber        uint32              `json:"requestNumber"`
	CreatedAt            time.Time           `json:"createdAt"`
	TerminationStartedAt time.Time           `json:"terminationStartedAt"`

	Rules     map[string]RuleEntry     `json:"rules"`
	RuleStats map[string]RuleStats     `json:"ruleStats"`
	Bearers   map[string]BearerBinding `json:"bearers"`

	Charging        map[model.ChargingKey]credit.StoredChargingGrant `json:"charging"`
	Monitors        map[string]credit.StoredMonitor                 `json:"monitors"`
	SessionLevelKey string                                          `json:"sessionLevelKey,omitempty"`

	EventTriggers    map[model.EventTrigger]TriggerState `json:"eventTriggers"`
	RevalidationTime time.Time                           `json:"revalidationTime"`
}

// Key returns the subscriber and session ids.
func (stored StoredSession) Key() model.SessionKey {
	return model.SessionKey{SubscriberID: stored.SubscriberID, SessionID: stored.SessionID}
}

// Clone returns a deep copy.
func (stored StoredSession) Clone() StoredSession {
	cloned := stored
	cloned.Config = copySessionConfig(stored.Config)

	cloned.Rules = make(map[string]RuleEntry, len(stored.Rules))
	for ruleID, entry := range stored.Rules {
		cloned.Rules[ruleID] = entry.clone()
	}
	cloned.RuleStats = make(map[string]RuleStats, len(stored.RuleStats))
	for ruleID, stats := range stored.RuleStats {
		cloned.RuleStats[ruleID] = stats.clone()
	}
	cloned.Bearers = make(map[string]BearerBinding, len(stored.Bearers))
	for ruleID, binding := range stored.Bearers {
		cloned.Bearers[ruleID] = binding
	}

	cloned.Charging = make(map[model.ChargingKey]credit.StoredChargingGrant, len(stored.Charging))
	for key, grant := range stored.Charging {
		cloned.Charging[key] = credit.UnmarshalChargingGrant(grant).Marshal()
	}
	cloned.Monitors = make(map[string]credit.StoredMonitor, len(stored.Monitors))
	for monitoringKey, monitor := range stored.Monitors {
		cloned.Monitors[monitoringKey] = monitor
	}

	cloned.EventTriggers = make(map[model.EventTrigger]TriggerState, len(stored.EventTriggers))
	for trigger, state := range stored.EventTriggers {
		cloned.EventTriggers[trigger] = state
	}
	return cloned
}

// Durable returns the form written to durable backends: in-flight reporting
// is dropped from every credit.
func (stored StoredSession) Durable() StoredSession {
	durable := stored.Clone()
	for key, grant := range durable.Charging {
		durable.Charging[key] = grant.Durable()
	}
	for monitoringKey, monitor := range durable.Monitors {
		durable.Monitors[monitoringKey] = monitor.Durable()
	}
	return durable
}

// ApplyUpdateCriteria returns the record that results from replaying uc on
// this one.
func (stored StoredSession) ApplyUpdateCriteria(uc *UpdateCriteria, catalog rules.Lookup) StoredSession {
	replayed := Unmarshal(stored, catalog)
	replayed.ApplyUpdateCriteria(uc)
	return replayed.Marshal()
}

// Marshal returns the serialized form of the session.
func (s *Session) Marshal() StoredSession {
	stored := StoredSession{
		SubscriberID:         s.key.SubscriberID,
		SessionID:            s.key.SessionID,
		Version:              s.version,
		State:                s.state,
		Config:               copySessionConfig(s.config),
		RequestNumber:        s.requestNumber,
		CreatedAt:            s.createdAt,
		TerminationStartedAt: s.terminationStartedAt,
		Rules:                make(map[string]RuleEntry, len(s.ruleEntries)),
		RuleStats:            make(map[string]RuleStats, len(s.ruleStats)),
		Bearers:              make(map[string]BearerBinding, len(s.bearers)),
		Charging:             make(map[model.ChargingKey]credit.StoredChargingGrant, len(s.chargingPool)),
		Monitors:             make(map[string]credit.StoredMonitor, len(s.monitorPool)),
		SessionLevelKey:      s.sessionLevelKey,
		EventTriggers:        make(map[model.EventTrigger]TriggerState, len(s.eventTriggers)),
		RevalidationTime:     s.revalidationTime,
	}
	for ruleID, entry := range s.ruleEntries {
		stored.Rules[ruleID] = entry.clone()
	}
	for ruleID, stats := range s.ruleStats {
		stored.RuleStats[ruleID] = stats.clone()
	}
	for ruleID, binding := range s.bearers {
		stored.Bearers[ruleID] = binding
	}
	for key, grant := range s.chargingPool {
		stored.Charging[key] = grant.Marshal()
	}
	for monitoringKey, monitor := range s.monitorPool {
		stored.Monitors[monitoringKey] = monitor.Marshal()
	}
	for trigger, state := range s.eventTriggers {
		stored.EventTriggers[trigger] = state
	}
	return stored
}

// Unmarshal rebuilds a Session from its serialized form. The result shares
// nothing with stored.
func Unmarshal(stored StoredSession, catalog rules.Lookup) *Session {
	s := New(stored.Key(), copySessionConfig(stored.Config), catalog, stored.CreatedAt)
	s.version = stored.Version
	if stored.State != "" {
		s.state = stored.State
	}
	s.requestNumber = stored.RequestNumber
	s.terminationStartedAt = stored.TerminationStartedAt
	s.sessionLevelKey = stored.SessionLevelKey
	s.revalidationTime = stored.RevalidationTime

	for ruleID, entry := range stored.Rules {
		copied := entry.clone()
		s.ruleEntries[ruleID] = &copied
	}
	for ruleID, stats := range stored.RuleStats {
		copied := stats.clone()
		s.ruleStats[ruleID] = &copied
	}
	for ruleID, binding := range stored.Bearers {
		s.bearers[ruleID] = binding
	}
	for key, grant := range stored.Charging {
		s.chargingPool[key] = credit.UnmarshalChargingGrant(grant)
	}
	for monitoringKey, monitor := range stored.Monitors {
		s.monitorPool[monitoringKey] = credit.UnmarshalMonitor(monitor)
	}
	for trigger, state := range stored.EventTriggers {
		s.eventTriggers[trigger] = state
	}
	return s
}

func copySessionConfig(config model.SessionConfig) model.SessionConfig {
	if config.AMBR != nil {
		ambr := *config.AMBR
		config.AMBR = &ambr
	}
	return config
}
