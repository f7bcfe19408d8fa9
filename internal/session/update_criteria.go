package session

import (
	"time"

	"github.com/free5gc/sessiond/internal/credit"
	"github.com/free5gc/sessiond/internal/model"
)

// UpdateCriteria is the write-ahead description of every mutation one logical
// operation applied to a session. The store applies it to the version it was
// read at; ApplyUpdateCriteria replays it on a record.
//
// Adds and deletes of the same id cancel each other as they are recorded, so
// replay order between them does not matter.
type UpdateCriteria struct {
	ReadVersion    uint64 `json:"readVersion"`
	IsSessionEnded bool   `json:"isSessionEnded,omitempty"`

	UpdatedState           State                `json:"updatedState,omitempty"`
	UpdatedConfig          *model.SessionConfig `json:"updatedConfig,omitempty"`
	TerminationStartedAt   *time.Time           `json:"terminationStartedAt,omitempty"`
	RequestNumberIncrement uint32               `json:"requestNumberIncrement,omitempty"`

	RuleUpserts      map[string]RuleEntry     `json:"ruleUpserts"`
	RuleDeletes      map[string]bool          `json:"ruleDeletes"`
	RuleStatsUpdates map[string]RuleStats     `json:"ruleStatsUpdates"`
	BearerUpserts    map[string]BearerBinding `json:"bearerUpserts"`
	BearerDeletes    map[string]bool          `json:"bearerDeletes"`

	ChargingAdds    map[model.ChargingKey]credit.StoredChargingGrant `json:"chargingAdds"`
	ChargingUpdates map[model.ChargingKey]*credit.ChargingUpdate    `json:"chargingUpdates"`
	MonitorAdds     map[string]credit.StoredMonitor                 `json:"monitorAdds"`
	MonitorUpdates  map[string]*credit.MonitorUpdate                `json:"monitorUpdates"`
	MonitorDeletes  map[string]bool                                 `json:"monitorDeletes"`
	SessionLevelKey *string                                         `json:"sessionLevelKey,omitempty"`

	EventTriggerUpdates map[model.EventTrigger]TriggerState `json:"eventTriggerUpdates"`
	RevalidationTime    *time.Time                          `json:"revalidationTime,omitempty"`
}

func newUpdateCriteria(readVersion uint64) *UpdateCriteria {
	return &UpdateCriteria{
		ReadVersion:         readVersion,
		RuleUpserts:         make(map[string]RuleEntry),
		RuleDeletes:         make(map[string]bool),
		RuleStatsUpdates:    make(map[string]RuleStats),
		BearerUpserts:       make(map[string]BearerBinding),
		BearerDeletes:       make(map[string]bool),
		ChargingAdds:        make(map[model.ChargingKey]credit.StoredChargingGrant),
		ChargingUpdates:     make(map[model.ChargingKey]*credit.ChargingUpdate),
		MonitorAdds:         make(map[string]credit.StoredMonitor),
		MonitorUpdates:      make(map[string]*credit.MonitorUpdate),
		MonitorDeletes:      make(map[string]bool),
		EventTriggerUpdates: make(map[model.EventTrigger]TriggerState),
	}
}

// IsEmpty reports whether the operation changed nothing.
func (uc *UpdateCriteria) IsEmpty() bool {
	return !uc.IsSessionEnded &&
		uc.UpdatedState == "" &&
		uc.UpdatedConfig == nil &&
		uc.TerminationStartedAt == nil &&
		uc.RequestNumberIncrement == 0 &&
		len(uc.RuleUpserts) == 0 &&
		len(uc.RuleDeletes) == 0 &&
		len(uc.RuleStatsUpdates) == 0 &&
		len(uc.BearerUpserts) == 0 &&
		len(uc.BearerDeletes) == 0 &&
		len(uc.ChargingAdds) == 0 &&
		len(uc.ChargingUpdates) == 0 &&
		len(uc.MonitorAdds) == 0 &&
		len(uc.MonitorUpdates) == 0 &&
		len(uc.MonitorDeletes) == 0 &&
		uc.SessionLevelKey == nil &&
		len(uc.EventTriggerUpdates) == 0 &&
		uc.RevalidationTime == nil
}

// ---- recording ----

func (uc *UpdateCriteria) upsertRule(ruleID string, entry RuleEntry) {
	uc.RuleUpserts[ruleID] = entry.clone()
	delete(uc.RuleDeletes, ruleID)
}

func (uc *UpdateCriteria) deleteRule(ruleID string) {
	delete(uc.RuleUpserts, ruleID)
	uc.RuleDeletes[ruleID] = true
}

func (uc *UpdateCriteria) upsertBearer(ruleID string, binding BearerBinding) {
	uc.BearerUpserts[ruleID] = binding
	delete(uc.BearerDeletes, ruleID)
}

func (uc *UpdateCriteria) deleteBearer(ruleID string) {
	delete(uc.BearerUpserts, ruleID)
	uc.BearerDeletes[ruleID] = true
}

// addCharging records a credit created by this operation. It must be called
// before the credit is mutated.
func (uc *UpdateCriteria) addCharging(key model.ChargingKey, grant *credit.ChargingGrant) {
	uc.ChargingAdds[key] = grant.Marshal()
	delete(uc.ChargingUpdates, key)
}

// chargingUpdateFor returns the delta of a credit, opening it on first use.
// It must be called before the credit is mutated.
func (uc *UpdateCriteria) chargingUpdateFor(key model.ChargingKey, grant *credit.ChargingGrant) *credit.ChargingUpdate {
	if update, found := uc.ChargingUpdates[key]; found {
		return update
	}
	update := grant.NewUpdate()
	uc.ChargingUpdates[key] = &update
	return &update
}

func (uc *UpdateCriteria) addMonitor(monitoringKey string, monitor *credit.Monitor) {
	uc.MonitorAdds[monitoringKey] = monitor.Marshal()
	delete(uc.MonitorUpdates, monitoringKey)
	delete(uc.MonitorDeletes, monitoringKey)
}

func (uc *UpdateCriteria) monitorUpdateFor(monitoringKey string, monitor *credit.Monitor) *credit.MonitorUpdate {
	if update, found := uc.MonitorUpdates[monitoringKey]; found {
		return update
	}
	update := monitor.NewUpdate()
	uc.MonitorUpdates[monitoringKey] = &update
	return &update
}

func (uc *UpdateCriteria) deleteMonitor(monitoringKey string) {
	delete(uc.MonitorAdds, monitoringKey)
	delete(uc.MonitorUpdates, monitoringKey)
	uc.MonitorDeletes[monitoringKey] = true
}

// ---- replay ----

// ApplyUpdateCriteria replays a delta on this record. The record's version is
// left alone; the store owns it.
func (s *Session) ApplyUpdateCriteria(uc *UpdateCriteria) {
	if uc.UpdatedState != "" {
		s.state = uc.UpdatedState
	}
	if uc.UpdatedConfig != nil {
		s.config = copySessionConfig(*uc.UpdatedConfig)
	}
	if uc.TerminationStartedAt != nil {
		s.terminationStartedAt = *uc.TerminationStartedAt
	}
	s.requestNumber += uc.RequestNumberIncrement

	for ruleID := range uc.RuleDeletes {
		delete(s.ruleEntries, ruleID)
	}
	for ruleID, entry := range uc.RuleUpserts {
		copied := entry.clone()
		s.ruleEntries[ruleID] = &copied
	}
	for ruleID, stats := range uc.RuleStatsUpdates {
		copied := stats.clone()
		s.ruleStats[ruleID] = &copied
	}
	for ruleID := range uc.BearerDeletes {
		delete(s.bearers, ruleID)
	}
	for ruleID, binding := range uc.BearerUpserts {
		s.bearers[ruleID] = binding
	}

	for key, stored := range uc.ChargingAdds {
		s.chargingPool[key] = credit.UnmarshalChargingGrant(stored)
	}
	for key, update := range uc.ChargingUpdates {
		if grant, exists := s.chargingPool[key]; exists {
			grant.ApplyUpdate(*update)
		}
	}

	for monitoringKey := range uc.MonitorDeletes {
		delete(s.monitorPool, monitoringKey)
	}
	for monitoringKey, stored := range uc.MonitorAdds {
		s.monitorPool[monitoringKey] = credit.UnmarshalMonitor(stored)
	}
	for monitoringKey, update := range uc.MonitorUpdates {
		if monitor, exists := s.monitorPool[monitoringKey]; exists {
			monitor.ApplyUpdate(*update)
		}
	}
	if uc.SessionLevelKey != nil {
		s.sessionLevelKey = *uc.SessionLevelKey
	}

	for trigger, state := range uc.EventTriggerUpdates {
		s.eventTriggers[trigger] = state
	}
	if uc.RevalidationTime != nil {
		s.revalidationTime = *uc.RevalidationTime
	}
}
