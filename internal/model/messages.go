package model

import "time"

// ---------------------------------------------------------------------------
// Enforcement plane (usage reports, flow control)
// ---------------------------------------------------------------------------

// DropAllRuleID is the implicit rule the enforcement plane keeps for every
// session it still tracks. A session reporting only this rule has no live
// traffic left.
const DropAllRuleID = "internal_default_drop_flow_rule"

// RuleRecord is the usage of one rule of one session. Byte counters are
// cumulative since the install of RuleVersion.
type RuleRecord struct {
	SubscriberID string `json:"imsi" binding:"required"`
	Teid         uint32 `json:"teid"`
	UEIPv4       string `json:"ueIpv4,omitempty"`
	RuleID       string `json:"ruleId" binding:"required"`
	RuleVersion  uint32 `json:"ruleVersion"`
	BytesTx      uint64 `json:"bytesTx"`
	BytesRx      uint64 `json:"bytesRx"`
	DroppedTx    uint64 `json:"droppedTx,omitempty"`
	DroppedRx    uint64 `json:"droppedRx,omitempty"`
}

// RuleRecordTable is one usage report from the enforcement plane.
type RuleRecordTable struct {
	Records []RuleRecord `json:"records"`
	Epoch   uint64       `json:"epoch"`
}

// DeactivateOrigin records why all flows of a subscriber are torn down.
type DeactivateOrigin string

const (
	OriginTermination DeactivateOrigin = "TERMINATION"
	OriginOrphan      DeactivateOrigin = "ORPHAN_FLOW"
)

// SubscriberQuotaState is reported for sessions without bearers when their
// quota situation changes.
type SubscriberQuotaState string

const (
	QuotaValid     SubscriberQuotaState = "VALID_QUOTA"
	QuotaNone      SubscriberQuotaState = "NO_QUOTA"
	QuotaTerminate SubscriberQuotaState = "TERMINATE"
)

// ActivateFlowsRequest installs rules of one session in the enforcement plane.
type ActivateFlowsRequest struct {
	SubscriberID string                    `json:"imsi"`
	SessionID    string                    `json:"sessionId"`
	UEIPv4       string                    `json:"ueIpv4,omitempty"`
	UEIPv6       string                    `json:"ueIpv6,omitempty"`
	MSISDN       string                    `json:"msisdn,omitempty"`
	Teids        Teids                     `json:"teids"`
	AMBR         *AggregatedMaximumBitrate `json:"ambr,omitempty"`
	Rules        []RuleToProcess           `json:"rules"`
}

// DeactivateFlowsRequest removes rules of one session. With RemoveAll set,
// every flow on the listed tunnels goes away and Rules is ignored.
type DeactivateFlowsRequest struct {
	SubscriberID string           `json:"imsi"`
	SessionID    string           `json:"sessionId,omitempty"`
	UEIPv4       string           `json:"ueIpv4,omitempty"`
	UEIPv6       string           `json:"ueIpv6,omitempty"`
	TeidList     []Teids          `json:"teidList"`
	Rules        []RuleToProcess  `json:"rules,omitempty"`
	RemoveAll    bool             `json:"removeAll,omitempty"`
	Origin       DeactivateOrigin `json:"origin,omitempty"`
}

// SubscriberQuotaUpdate reports the quota state of a session without bearers.
type SubscriberQuotaUpdate struct {
	SubscriberID string               `json:"imsi"`
	SessionID    string               `json:"sessionId"`
	MACAddress   string               `json:"macAddress,omitempty"`
	State        SubscriberQuotaState `json:"state"`
}

// SetupFlowsRequest replays the complete rule state after an enforcement
// plane restart. A request whose Epoch is older than the plane's current one
// is rejected.
type SetupFlowsRequest struct {
	Epoch    uint64                  `json:"epoch"`
	Sessions []ActivateFlowsRequest  `json:"sessions"`
	Quotas   []SubscriberQuotaUpdate `json:"quotas,omitempty"`
}

// ---------------------------------------------------------------------------
// Charging / policy server
// ---------------------------------------------------------------------------

// CreateSessionRequest is sent when the access network establishes a session.
type CreateSessionRequest struct {
	SessionID string        `json:"sessionId,omitempty"`
	Config    SessionConfig `json:"config"`
}

// CreateSessionResponse carries the initial grants and rules of a session.
type CreateSessionResponse struct {
	SessionID        string                          `json:"sessionId,omitempty"`
	Credits          []CreditUpdateResponse          `json:"credits,omitempty"`
	UsageMonitors    []UsageMonitoringUpdateResponse `json:"usageMonitors,omitempty"`
	StaticRules      []StaticRuleInstall             `json:"staticRules,omitempty"`
	DynamicRules     []DynamicRuleInstall            `json:"dynamicRules,omitempty"`
	EventTriggers    []EventTrigger                  `json:"eventTriggers,omitempty"`
	RevalidationTime *time.Time                      `json:"revalidationTime,omitempty"`
}

// UpdateSessionRequest batches the usage lines of one collection cycle.
type UpdateSessionRequest struct {
	Updates       []CreditUsageUpdate  `json:"updates,omitempty"`
	UsageMonitors []UsageMonitorUpdate `json:"usageMonitors,omitempty"`
}

// IsEmpty reports whether the request carries no line at all.
func (request UpdateSessionRequest) IsEmpty() bool {
	return len(request.Updates) == 0 && len(request.UsageMonitors) == 0
}

// UpdateSessionResponse answers an UpdateSessionRequest line by line.
type UpdateSessionResponse struct {
	Responses             []CreditUpdateResponse          `json:"responses,omitempty"`
	UsageMonitorResponses []UsageMonitoringUpdateResponse `json:"usageMonitorResponses,omitempty"`
}

// SessionTerminateRequest reports the final usage of a session.
type SessionTerminateRequest struct {
	SubscriberID  string               `json:"imsi"`
	SessionID     string               `json:"sessionId"`
	RequestNumber uint32               `json:"requestNumber"`
	UEIPv4        string               `json:"ueIpv4,omitempty"`
	APN           string               `json:"apn,omitempty"`
	CreditUsages  []CreditUsage        `json:"creditUsages,omitempty"`
	MonitorUsages []UsageMonitorUpdate `json:"monitorUsages,omitempty"`
}

// ---------------------------------------------------------------------------
// Server-initiated push
// ---------------------------------------------------------------------------

// ReAuthResult is the typed outcome of a reauthorization.
type ReAuthResult string

const (
	ReAuthUpdateInitiated ReAuthResult = "UPDATE_INITIATED"
	ReAuthUpdateNotNeeded ReAuthResult = "UPDATE_NOT_NEEDED"
	ReAuthSessionNotFound ReAuthResult = "SESSION_NOT_FOUND"
	ReAuthOtherFailure    ReAuthResult = "OTHER_FAILURE"
)

// ChargingReAuthType tells whether one key or the whole session is reauthorized.
type ChargingReAuthType string

const (
	ChargingReAuthSingleService ChargingReAuthType = "SINGLE_SERVICE"
	ChargingReAuthEntireSession ChargingReAuthType = "ENTIRE_SESSION"
)

// ChargingReAuthRequest forces a re-request of one or all charging keys.
type ChargingReAuthRequest struct {
	SubscriberID string             `json:"imsi" binding:"required"`
	SessionID    string             `json:"sessionId" binding:"required"`
	ChargingKey  ChargingKey        `json:"chargingKey"`
	Type         ChargingReAuthType `json:"type" binding:"required"`
}

// ChargingReAuthAnswer answers a ChargingReAuthRequest.
type ChargingReAuthAnswer struct {
	Result ReAuthResult `json:"result"`
}

// QoSInformation is a session-level QoS change.
type QoSInformation struct {
	QCI  uint32                    `json:"qci"`
	AMBR *AggregatedMaximumBitrate `json:"ambr,omitempty"`
}

// PolicyReAuthRequest is an out-of-band rule change. An empty SessionID
// targets every session of the subscriber.
type PolicyReAuthRequest struct {
	SubscriberID           string                  `json:"imsi" binding:"required"`
	SessionID              string                  `json:"sessionId,omitempty"`
	RulesToRemove          []string                `json:"rulesToRemove,omitempty"`
	RulesToInstall         []StaticRuleInstall     `json:"rulesToInstall,omitempty"`
	DynamicRulesToInstall  []DynamicRuleInstall    `json:"dynamicRulesToInstall,omitempty"`
	EventTriggers          []EventTrigger          `json:"eventTriggers,omitempty"`
	RevalidationTime       *time.Time              `json:"revalidationTime,omitempty"`
	UsageMonitoringCredits []UsageMonitoringCredit `json:"usageMonitoringCredits,omitempty"`
	QoSInfo                *QoSInformation         `json:"qosInfo,omitempty"`
}

// PolicyReAuthAnswer answers a PolicyReAuthRequest.
type PolicyReAuthAnswer struct {
	SessionID   string            `json:"sessionId,omitempty"`
	Result      ReAuthResult      `json:"result"`
	FailedRules map[string]string `json:"failedRules,omitempty"`
}

// AbortSessionRequest asks for an ungraceful termination.
type AbortSessionRequest struct {
	SubscriberID string `json:"imsi" binding:"required"`
	SessionID    string `json:"sessionId" binding:"required"`
}

// AbortSessionResult is the typed outcome of an abort.
type AbortSessionResult string

const (
	AbortSessionRemoved  AbortSessionResult = "SESSION_REMOVED"
	AbortSessionNotFound AbortSessionResult = "SESSION_NOT_FOUND"
)

// AbortSessionAnswer answers an AbortSessionRequest.
type AbortSessionAnswer struct {
	Result AbortSessionResult `json:"result"`
}

// SubscriberRuleSet is the complete desired rule set of every session of one
// subscriber.
type SubscriberRuleSet struct {
	SubscriberID  string       `json:"imsi" binding:"required"`
	StaticRuleIDs []string     `json:"staticRuleIds,omitempty"`
	DynamicRules  []PolicyRule `json:"dynamicRules,omitempty"`
}

// SessionRulesRequest is a subscriber-wide policy push. Active rules not in a
// subscriber's set are removed.
type SessionRulesRequest struct {
	RuleSets []SubscriberRuleSet `json:"ruleSets" binding:"required"`
}

// ---------------------------------------------------------------------------
// Access network
// ---------------------------------------------------------------------------

// PolicyBearerBindingRequest reports the bearer created for a QoS rule. A
// BearerID of zero means bearer creation failed.
type PolicyBearerBindingRequest struct {
	SubscriberID   string `json:"imsi" binding:"required"`
	LinkedBearerID uint32 `json:"linkedBearerId"`
	PolicyRuleID   string `json:"policyRuleId" binding:"required"`
	BearerID       uint32 `json:"bearerId"`
	Teids          Teids  `json:"teids"`
}

// UpdateTunnelIdsRequest reports new tunnel ids for the default bearer.
type UpdateTunnelIdsRequest struct {
	SubscriberID string `json:"imsi" binding:"required"`
	BearerID     uint32 `json:"bearerId"`
	EnbTeid      uint32 `json:"enbTeid"`
	AgwTeid      uint32 `json:"agwTeid"`
}

// CreateBearerRequest asks the access network for dedicated bearers.
type CreateBearerRequest struct {
	SubscriberID string       `json:"imsi"`
	SessionID    string       `json:"sessionId"`
	UEIPv4       string       `json:"ueIpv4,omitempty"`
	LinkBearerID uint32       `json:"linkBearerId"`
	PolicyRules  []PolicyRule `json:"policyRules"`
}

// DeleteBearerRequest asks the access network to release dedicated bearers.
type DeleteBearerRequest struct {
	SubscriberID string   `json:"imsi"`
	SessionID    string   `json:"sessionId"`
	UEIPv4       string   `json:"ueIpv4,omitempty"`
	LinkBearerID uint32   `json:"linkBearerId"`
	BearerIDs    []uint32 `json:"bearerIds"`
}

// SessionSummary is a read-only view of a stored session.
type SessionSummary struct {
	SubscriberID  string   `json:"imsi"`
	SessionID     string   `json:"sessionId"`
	State         string   `json:"state"`
	RATType       RATType  `json:"ratType"`
	ActiveRules   []string `json:"activeRules"`
	ScheduledRule []string `json:"scheduledRules"`
	RequestNumber uint32   `json:"requestNumber"`
	Version       uint64   `json:"version"`
}
