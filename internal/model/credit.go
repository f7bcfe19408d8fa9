package model

import "time"

// ---------------------------------------------------------------------------
// Granted units
// ---------------------------------------------------------------------------

// CreditUnit is one dimension of a grant. IsValid distinguishes an explicit
// zero grant from an absent dimension.
type CreditUnit struct {
	IsValid bool   `json:"isValid"`
	Volume  uint64 `json:"volume"`
}

// GrantedUnits carries the total/tx/rx dimensions of a grant.
type GrantedUnits struct {
	Total CreditUnit `json:"total"`
	Tx    CreditUnit `json:"tx"`
	Rx    CreditUnit `json:"rx"`
}

// IsEmpty reports whether no dimension is valid, i.e. the grant is malformed.
func (units GrantedUnits) IsEmpty() bool {
	return !units.Total.IsValid && !units.Tx.IsValid && !units.Rx.IsValid
}

// IsZero reports whether every valid dimension grants zero volume.
func (units GrantedUnits) IsZero() bool {
	if units.IsEmpty() {
		return false
	}
	for _, unit := range []CreditUnit{units.Total, units.Tx, units.Rx} {
		if unit.IsValid && unit.Volume > 0 {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Final unit actions
// ---------------------------------------------------------------------------

// FinalAction is the server-specified behavior once a final grant is used up.
type FinalAction string

const (
	FinalActionTerminate      FinalAction = "TERMINATE"
	FinalActionRedirect       FinalAction = "REDIRECT"
	FinalActionRestrictAccess FinalAction = "RESTRICT_ACCESS"
)

// RedirectAddressType enumerates the forms a redirect server address can take.
type RedirectAddressType string

const (
	RedirectAddressIPv4   RedirectAddressType = "IPV4"
	RedirectAddressIPv6   RedirectAddressType = "IPV6"
	RedirectAddressURL    RedirectAddressType = "URL"
	RedirectAddressSIPURI RedirectAddressType = "SIP_URI"
)

// RedirectServer is where redirected traffic is sent.
type RedirectServer struct {
	AddressType   RedirectAddressType `json:"addressType" yaml:"addressType"`
	ServerAddress string              `json:"serverAddress" yaml:"serverAddress"`
}

// FinalActionInfo describes what to do with a credit's rules once its final
// grant is exhausted.
type FinalActionInfo struct {
	Action         FinalAction    `json:"action"`
	RedirectServer RedirectServer `json:"redirectServer,omitempty"`
	RestrictRules  []string       `json:"restrictRules,omitempty"`
}

// ---------------------------------------------------------------------------
// Usage lines
// ---------------------------------------------------------------------------

// CreditUsageType tells the charging server why a usage line was sent.
type CreditUsageType string

const (
	UsageThreshold            CreditUsageType = "THRESHOLD"
	UsageQuotaExhausted       CreditUsageType = "QUOTA_EXHAUSTED"
	UsageValidityTimerExpired CreditUsageType = "VALIDITY_TIMER_EXPIRED"
	UsageReauthRequired       CreditUsageType = "REAUTH_REQUIRED"
	UsageTerminated           CreditUsageType = "TERMINATED"
)

// CreditUsage is the usage reported for one charging key.
type CreditUsage struct {
	ChargingKey ChargingKey     `json:"chargingKey"`
	BytesTx     uint64          `json:"bytesTx"`
	BytesRx     uint64          `json:"bytesRx"`
	Type        CreditUsageType `json:"type"`
}

// CreditUsageUpdate is one charging line of an update request.
type CreditUsageUpdate struct {
	SubscriberID  string      `json:"imsi"`
	SessionID     string      `json:"sessionId"`
	RequestNumber uint32      `json:"requestNumber"`
	RATType       RATType     `json:"ratType"`
	Usage         CreditUsage `json:"usage"`
}

// MonitoringLevel tells whether a monitor counts all session traffic or only
// the traffic of rules that reference it.
type MonitoringLevel string

const (
	MonitoringLevelSession MonitoringLevel = "SESSION_LEVEL"
	MonitoringLevelRule    MonitoringLevel = "PCC_RULE_LEVEL"
)

// MonitorAction tells whether a monitor keeps running after a response.
type MonitorAction string

const (
	MonitorActionContinue MonitorAction = "CONTINUE"
	MonitorActionDisable  MonitorAction = "DISABLE"
)

// EventTrigger names a policy event a session reports on.
type EventTrigger string

const (
	EventTriggerUsageReport         EventTrigger = "USAGE_REPORT"
	EventTriggerRevalidationTimeout EventTrigger = "REVALIDATION_TIMEOUT"
)

// UsageMonitoringCredit is a monitoring grant from the policy server.
type UsageMonitoringCredit struct {
	MonitoringKey string          `json:"monitoringKey"`
	Level         MonitoringLevel `json:"level"`
	GrantedUnits  GrantedUnits    `json:"grantedUnits"`
	Action        MonitorAction   `json:"action,omitempty"`
}

// UsageMonitorUpdate is one monitoring line of an update request.
type UsageMonitorUpdate struct {
	SubscriberID  string          `json:"imsi"`
	SessionID     string          `json:"sessionId"`
	RequestNumber uint32          `json:"requestNumber"`
	MonitoringKey string          `json:"monitoringKey,omitempty"`
	Level         MonitoringLevel `json:"level,omitempty"`
	BytesTx       uint64          `json:"bytesTx"`
	BytesRx       uint64          `json:"bytesRx"`
	EventTrigger  EventTrigger    `json:"eventTrigger"`
}

// ---------------------------------------------------------------------------
// Result codes
// ---------------------------------------------------------------------------

// ResultCode is a Diameter-style result code carried by credit responses.
type ResultCode uint32

const (
	ResultSuccess               ResultCode = 2001
	ResultCreditLimitReached    ResultCode = 4012
	ResultAuthorizationRejected ResultCode = 5003
	ResultUserUnknown           ResultCode = 5030
	ResultRatingFailed          ResultCode = 5031
)

// IsTransient reports a per-credit condition that should suspend the credit
// rather than end service.
func (code ResultCode) IsTransient() bool {
	return code >= 4000 && code < 5000
}

// IsPermanent reports a failure that must drive a final action.
func (code ResultCode) IsPermanent() bool {
	return code >= 5000
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// CreditUpdateResponse is the charging server's answer for one charging key.
type CreditUpdateResponse struct {
	Success      bool            `json:"success"`
	SubscriberID string          `json:"imsi"`
	SessionID    string          `json:"sessionId"`
	ChargingKey  ChargingKey     `json:"chargingKey"`
	GrantedUnits GrantedUnits    `json:"grantedUnits"`
	IsFinal      bool            `json:"isFinal"`
	FinalAction  FinalActionInfo `json:"finalAction,omitempty"`
	ValidityTime uint32          `json:"validityTime,omitempty"`
	ResultCode   ResultCode      `json:"resultCode,omitempty"`
}

// UsageMonitoringUpdateResponse is the policy server's answer for one
// monitoring key, possibly carrying rule changes.
type UsageMonitoringUpdateResponse struct {
	Success               bool                   `json:"success"`
	SubscriberID          string                 `json:"imsi"`
	SessionID             string                 `json:"sessionId"`
	Credit                *UsageMonitoringCredit `json:"credit,omitempty"`
	ResultCode            ResultCode             `json:"resultCode,omitempty"`
	StaticRulesToInstall  []StaticRuleInstall    `json:"staticRulesToInstall,omitempty"`
	DynamicRulesToInstall []DynamicRuleInstall   `json:"dynamicRulesToInstall,omitempty"`
	RulesToRemove         []string               `json:"rulesToRemove,omitempty"`
	EventTriggers         []EventTrigger         `json:"eventTriggers,omitempty"`
	RevalidationTime      *time.Time             `json:"revalidationTime,omitempty"`
}
