package credit

import (
	"time"

	"github.com/free5gc/sessiond/internal/model"
)

// StoredCredit is the serialized form of a Credit. The reporting fields are
// process-local: Durable drops them, so a credit reloaded after a restart
// simply re-detects exhaustion and reports again.
type StoredCredit struct {
	UsedTx            uint64            `json:"usedTx"`
	UsedRx            uint64            `json:"usedRx"`
	AllowedTotal      uint64            `json:"allowedTotal"`
	AllowedTx         uint64            `json:"allowedTx"`
	AllowedRx         uint64            `json:"allowedRx"`
	ReportedTx        uint64            `json:"reportedTx"`
	ReportedRx        uint64            `json:"reportedRx"`
	AllowedFloorTotal uint64            `json:"allowedFloorTotal"`
	AllowedFloorTx    uint64            `json:"allowedFloorTx"`
	AllowedFloorRx    uint64            `json:"allowedFloorRx"`
	TrackingType      GrantTrackingType `json:"trackingType"`
	Suspended         bool              `json:"suspended"`
	Reporting         bool              `json:"reporting,omitempty"`
	ReportingTx       uint64            `json:"reportingTx,omitempty"`
	ReportingRx       uint64            `json:"reportingRx,omitempty"`
}

// Durable returns the form written to durable backends.
func (stored StoredCredit) Durable() StoredCredit {
	stored.Reporting = false
	stored.ReportingTx = 0
	stored.ReportingRx = 0
	return stored
}

// Marshal returns the serialized form of the credit.
func (credit *Credit) Marshal() StoredCredit {
	return StoredCredit{
		UsedTx:            credit.buckets[UsedTx],
		UsedRx:            credit.buckets[UsedRx],
		AllowedTotal:      credit.buckets[AllowedTotal],
		AllowedTx:         credit.buckets[AllowedTx],
		AllowedRx:         credit.buckets[AllowedRx],
		ReportedTx:        credit.buckets[ReportedTx],
		ReportedRx:        credit.buckets[ReportedRx],
		AllowedFloorTotal: credit.buckets[AllowedFloorTotal],
		AllowedFloorTx:    credit.buckets[AllowedFloorTx],
		AllowedFloorRx:    credit.buckets[AllowedFloorRx],
		TrackingType:      credit.trackingType,
		Suspended:         credit.suspended,
		Reporting:         credit.reporting,
		ReportingTx:       credit.buckets[ReportingTx],
		ReportingRx:       credit.buckets[ReportingRx],
	}
}

// Unmarshal rebuilds a Credit from its serialized form.
func Unmarshal(stored StoredCredit) *Credit {
	credit := New()
	credit.buckets[UsedTx] = stored.UsedTx
	credit.buckets[UsedRx] = stored.UsedRx
	credit.buckets[AllowedTotal] = stored.AllowedTotal
	credit.buckets[AllowedTx] = stored.AllowedTx
	credit.buckets[AllowedRx] = stored.AllowedRx
	credit.buckets[ReportedTx] = stored.ReportedTx
	credit.buckets[ReportedRx] = stored.ReportedRx
	credit.buckets[AllowedFloorTotal] = stored.AllowedFloorTotal
	credit.buckets[AllowedFloorTx] = stored.AllowedFloorTx
	credit.buckets[AllowedFloorRx] = stored.AllowedFloorRx
	credit.buckets[ReportingTx] = stored.ReportingTx
	credit.buckets[ReportingRx] = stored.ReportingRx
	if stored.TrackingType != "" {
		credit.trackingType = stored.TrackingType
	}
	credit.suspended = stored.Suspended
	credit.reporting = stored.Reporting
	return credit
}

// StoredChargingGrant is the serialized form of a ChargingGrant.
type StoredChargingGrant struct {
	Credit       StoredCredit           `json:"credit"`
	IsFinal      bool                   `json:"isFinal"`
	FinalAction  model.FinalActionInfo  `json:"finalAction"`
	ActedAction  *model.FinalActionInfo `json:"actedAction,omitempty"`
	ServiceState ServiceState           `json:"serviceState"`
	ReauthState  ReauthState            `json:"reauthState"`
	ExpiryTime   time.Time              `json:"expiryTime"`
}

// Durable returns the form written to durable backends. A reauthorization
// that was in flight goes back to required.
func (stored StoredChargingGrant) Durable() StoredChargingGrant {
	stored.Credit = stored.Credit.Durable()
	if stored.ReauthState == ReauthProcessing {
		stored.ReauthState = ReauthRequired
	}
	return stored
}

// Marshal returns the serialized form of the grant.
func (grant *ChargingGrant) Marshal() StoredChargingGrant {
	return StoredChargingGrant{
		Credit:       grant.credit.Marshal(),
		IsFinal:      grant.isFinal,
		FinalAction:  grant.finalAction,
		ActedAction:  copyFinalAction(grant.actedAction),
		ServiceState: grant.serviceState,
		ReauthState:  grant.reauthState,
		ExpiryTime:   grant.expiryTime,
	}
}

// UnmarshalChargingGrant rebuilds a ChargingGrant from its serialized form.
func UnmarshalChargingGrant(stored StoredChargingGrant) *ChargingGrant {
	grant := NewChargingGrant()
	grant.credit = Unmarshal(stored.Credit)
	grant.isFinal = stored.IsFinal
	grant.finalAction = stored.FinalAction
	grant.actedAction = copyFinalAction(stored.ActedAction)
	if stored.ServiceState != "" {
		grant.serviceState = stored.ServiceState
	}
	if stored.ReauthState != "" {
		grant.reauthState = stored.ReauthState
	}
	grant.expiryTime = stored.ExpiryTime
	return grant
}

// StoredMonitor is the serialized form of a Monitor.
type StoredMonitor struct {
	Credit  StoredCredit          `json:"credit"`
	Level   model.MonitoringLevel `json:"level"`
	Deleted bool                  `json:"deleted"`
}

// Durable returns the form written to durable backends.
func (stored StoredMonitor) Durable() StoredMonitor {
	stored.Credit = stored.Credit.Durable()
	return stored
}

// Marshal returns the serialized form of the monitor.
func (monitor *Monitor) Marshal() StoredMonitor {
	return StoredMonitor{
		Credit:  monitor.credit.Marshal(),
		Level:   monitor.level,
		Deleted: monitor.deleted,
	}
}

// UnmarshalMonitor rebuilds a Monitor from its serialized form.
func UnmarshalMonitor(stored StoredMonitor) *Monitor {
	return &Monitor{
		credit:  Unmarshal(stored.Credit),
		level:   stored.Level,
		deleted: stored.Deleted,
	}
}

func copyFinalAction(action *model.FinalActionInfo) *model.FinalActionInfo {
	if action == nil {
		return nil
	}
	copied := *action
	copied.RestrictRules = append([]string(nil), action.RestrictRules...)
	return &copied
}
