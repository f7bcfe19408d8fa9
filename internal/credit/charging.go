package credit

import (
	"time"

	"github.com/free5gc/sessiond/internal/model"
)

// ServiceState is the action state of a charging credit.
//
//	ENABLED -> {REDIRECTED | RESTRICTED | NEEDS_DEACTIVATION}   (hard exhaustion)
//	{REDIRECTED | RESTRICTED} -> NEEDS_ACTIVATION -> ENABLED    (usable grant)
//
// NEEDS_DEACTIVATION means the session is being terminated and never leaves.
type ServiceState string

const (
	ServiceEnabled           ServiceState = "SERVICE_ENABLED"
	ServiceNeedsDeactivation ServiceState = "SERVICE_NEEDS_DEACTIVATION"
	ServiceRedirected        ServiceState = "SERVICE_REDIRECTED"
	ServiceRestricted        ServiceState = "SERVICE_RESTRICTED"
	ServiceNeedsActivation   ServiceState = "SERVICE_NEEDS_ACTIVATION"
)

// ReauthState tracks a forced re-request of quota.
type ReauthState string

const (
	ReauthNotNeeded  ReauthState = "REAUTH_NOT_NEEDED"
	ReauthRequired   ReauthState = "REAUTH_REQUIRED"
	ReauthProcessing ReauthState = "REAUTH_PROCESSING"
)

// ChargingUpdate is the delta of one ChargingGrant over one logical operation.
type ChargingUpdate struct {
	Credit       Update                 `json:"credit"`
	IsFinal      bool                   `json:"isFinal"`
	FinalAction  model.FinalActionInfo  `json:"finalAction"`
	ActedAction  *model.FinalActionInfo `json:"actedAction,omitempty"`
	ServiceState ServiceState           `json:"serviceState"`
	ReauthState  ReauthState            `json:"reauthState"`
	ExpiryTime   time.Time              `json:"expiryTime"`
}

// ChargingGrant is a Credit accounted against the charging server.
type ChargingGrant struct {
	credit       *Credit
	isFinal      bool
	finalAction  model.FinalActionInfo
	actedAction  *model.FinalActionInfo
	serviceState ServiceState
	reauthState  ReauthState
	expiryTime   time.Time
}

// NewChargingGrant returns an enabled grant with an empty credit.
func NewChargingGrant() *ChargingGrant {
	return &ChargingGrant{
		credit:       New(),
		serviceState: ServiceEnabled,
		reauthState:  ReauthNotNeeded,
	}
}

// NewUpdate returns an empty delta reflecting the grant's current state.
func (grant *ChargingGrant) NewUpdate() ChargingUpdate {
	update := ChargingUpdate{Credit: grant.credit.NewUpdate()}
	grant.syncUpdate(&update)
	return update
}

func (grant *ChargingGrant) syncUpdate(update *ChargingUpdate) {
	if update == nil {
		return
	}
	update.IsFinal = grant.isFinal
	update.FinalAction = grant.finalAction
	update.ActedAction = copyFinalAction(grant.actedAction)
	update.ServiceState = grant.serviceState
	update.ReauthState = grant.reauthState
	update.ExpiryTime = grant.expiryTime
}

func creditUpdateOf(update *ChargingUpdate) *Update {
	if update == nil {
		return nil
	}
	return &update.Credit
}

// ReceiveChargingGrant applies a successful credit response. It returns false,
// with no state change, when the response carries no valid grant dimension.
// A grant with usable quota moves a displaced service back to activation.
func (grant *ChargingGrant) ReceiveChargingGrant(
	response model.CreditUpdateResponse,
	now time.Time,
	update *ChargingUpdate,
) bool {
	if !grant.credit.ReceiveCredit(response.GrantedUnits, creditUpdateOf(update)) {
		return false
	}

	grant.isFinal = response.IsFinal
	if response.IsFinal {
		grant.finalAction = response.FinalAction
	} else {
		grant.finalAction = model.FinalActionInfo{}
	}

	grant.reauthState = ReauthNotNeeded

	if response.ValidityTime > 0 {
		grant.expiryTime = now.Add(time.Duration(response.ValidityTime) * time.Second)
	} else {
		grant.expiryTime = time.Time{}
	}

	grant.credit.ClearSuspension(creditUpdateOf(update))

	if !grant.credit.IsQuotaExhausted(1.0) {
		switch grant.serviceState {
		case ServiceRedirected, ServiceRestricted:
			grant.serviceState = ServiceNeedsActivation
		}
	}

	grant.syncUpdate(update)
	return true
}

// ShouldDeactivateService reports whether the hard-exhaustion boundary has
// been crossed and a final action must run. Suspended credits and credits
// already acted on never qualify.
func (grant *ChargingGrant) ShouldDeactivateService(terminateOnExhaustion bool) bool {
	if grant.serviceState != ServiceEnabled || grant.credit.IsSuspended() {
		return false
	}
	if grant.credit.TrackingType() == TrackingUnset {
		return false
	}
	if !grant.credit.IsQuotaExhausted(1.0) {
		return false
	}
	return grant.isFinal || terminateOnExhaustion
}

// FinalActionToTake returns the action a deactivation should run: the
// server-provided one for a final grant, termination otherwise.
func (grant *ChargingGrant) FinalActionToTake() model.FinalActionInfo {
	if grant.isFinal {
		return grant.finalAction
	}
	return model.FinalActionInfo{Action: model.FinalActionTerminate}
}

// GetUpdateType decides whether this grant contributes an update line in the
// current cycle and why.
func (grant *ChargingGrant) GetUpdateType(threshold float64, now time.Time) (model.CreditUsageType, bool) {
	if grant.credit.IsReporting() {
		return "", false
	}
	if grant.reauthState == ReauthRequired {
		return model.UsageReauthRequired, true
	}
	if grant.isFinal || grant.credit.IsSuspended() {
		return "", false
	}
	if grant.serviceState != ServiceEnabled && grant.serviceState != ServiceNeedsActivation {
		return "", false
	}
	if !grant.expiryTime.IsZero() && !now.Before(grant.expiryTime) {
		return model.UsageValidityTimerExpired, true
	}
	if grant.credit.IsQuotaExhausted(1.0) {
		return model.UsageQuotaExhausted, true
	}
	if grant.credit.IsQuotaExhausted(threshold) {
		return model.UsageThreshold, true
	}
	return "", false
}

// GetCreditUsage snapshots the usage for an update line of the given type and
// marks the grant as reporting.
func (grant *ChargingGrant) GetCreditUsage(
	key model.ChargingKey,
	usageType model.CreditUsageType,
	update *ChargingUpdate,
) model.CreditUsage {
	usage := grant.credit.ForceUsageForReporting(creditUpdateOf(update))
	if usageType == model.UsageReauthRequired {
		grant.reauthState = ReauthProcessing
	}
	grant.syncUpdate(update)
	return model.CreditUsage{
		ChargingKey: key,
		BytesTx:     usage.Tx,
		BytesRx:     usage.Rx,
		Type:        usageType,
	}
}

// Reauth forces a re-request in the next cycle unless one is already in flight.
func (grant *ChargingGrant) Reauth(update *ChargingUpdate) model.ReAuthResult {
	if grant.reauthState == ReauthProcessing || grant.credit.IsReporting() {
		return model.ReAuthUpdateNotNeeded
	}
	grant.reauthState = ReauthRequired
	grant.syncUpdate(update)
	return model.ReAuthUpdateInitiated
}

// MarkFailure abandons the report in flight. A reauthorization that was in
// flight is re-armed.
func (grant *ChargingGrant) MarkFailure(update *ChargingUpdate) {
	grant.credit.MarkFailure(creditUpdateOf(update))
	if grant.reauthState == ReauthProcessing {
		grant.reauthState = ReauthRequired
	}
	grant.syncUpdate(update)
}

// MarkSuspended abandons the report in flight and suspends the credit.
func (grant *ChargingGrant) MarkSuspended(update *ChargingUpdate) {
	grant.credit.MarkFailure(creditUpdateOf(update))
	grant.credit.MarkSuspended(creditUpdateOf(update))
	grant.syncUpdate(update)
}

// SetServiceState moves the action state machine. Entering a displaced state
// records the action that displaced the rules so it can be undone.
func (grant *ChargingGrant) SetServiceState(state ServiceState, update *ChargingUpdate) {
	switch state {
	case ServiceRedirected, ServiceRestricted, ServiceNeedsDeactivation:
		acted := grant.finalAction
		grant.actedAction = copyFinalAction(&acted)
	case ServiceEnabled:
		grant.actedAction = nil
	}
	grant.serviceState = state
	grant.syncUpdate(update)
}

// ApplyUpdate replays a delta produced by the mutators above.
func (grant *ChargingGrant) ApplyUpdate(update ChargingUpdate) {
	grant.credit.ApplyUpdate(update.Credit)
	grant.isFinal = update.IsFinal
	grant.finalAction = update.FinalAction
	grant.actedAction = copyFinalAction(update.ActedAction)
	grant.serviceState = update.ServiceState
	grant.reauthState = update.ReauthState
	grant.expiryTime = update.ExpiryTime
}

// Credit returns the underlying bucket set.
func (grant *ChargingGrant) Credit() *Credit {
	return grant.credit
}

// IsFinal reports whether the latest grant was final.
func (grant *ChargingGrant) IsFinal() bool {
	return grant.isFinal
}

// FinalAction returns the final-unit action of the latest final grant.
func (grant *ChargingGrant) FinalAction() model.FinalActionInfo {
	return grant.finalAction
}

// ActedAction returns the action currently displacing the credit's rules.
func (grant *ChargingGrant) ActedAction() *model.FinalActionInfo {
	return copyFinalAction(grant.actedAction)
}

// ServiceState returns the action state.
func (grant *ChargingGrant) ServiceState() ServiceState {
	return grant.serviceState
}

// ReauthState returns the reauthorization state.
func (grant *ChargingGrant) ReauthState() ReauthState {
	return grant.reauthState
}

// ExpiryTime returns when the grant's validity ends; zero means never.
func (grant *ChargingGrant) ExpiryTime() time.Time {
	return grant.expiryTime
}
