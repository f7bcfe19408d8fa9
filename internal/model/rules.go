package model

import (
	"reflect"
	"time"
)

// TrackingType tells which servers account the traffic of a rule.
type TrackingType string

const (
	TrackingOnlyOCS    TrackingType = "ONLY_OCS"
	TrackingOnlyPCRF   TrackingType = "ONLY_PCRF"
	TrackingOCSAndPCRF TrackingType = "OCS_AND_PCRF"
	TrackingNone       TrackingType = "NO_TRACKING"
)

// FlowAction is what the enforcement plane does with matched packets.
type FlowAction string

const (
	FlowPermit FlowAction = "PERMIT"
	FlowDeny   FlowAction = "DENY"
)

// FlowDirection is the direction a flow match applies to.
type FlowDirection string

const (
	FlowUplink   FlowDirection = "UPLINK"
	FlowDownlink FlowDirection = "DOWNLINK"
)

// FlowDescription is one packet filter of a rule. Filter uses the IPFilterRule
// syntax, e.g. "permit out ip from 10.0.0.0/8 to assigned".
type FlowDescription struct {
	Direction FlowDirection `json:"direction" yaml:"direction"`
	Filter    string        `json:"filter" yaml:"filter"`
	Action    FlowAction    `json:"action" yaml:"action"`
}

// FlowQoS is the QoS a rule asks for.
type FlowQoS struct {
	QCI        uint32 `json:"qci" yaml:"qci"`
	MaxReqBwUL uint64 `json:"maxReqBwUl,omitempty" yaml:"maxReqBwUl,omitempty"`
	MaxReqBwDL uint64 `json:"maxReqBwDl,omitempty" yaml:"maxReqBwDl,omitempty"`
	GbrUL      uint64 `json:"gbrUl,omitempty" yaml:"gbrUl,omitempty"`
	GbrDL      uint64 `json:"gbrDl,omitempty" yaml:"gbrDl,omitempty"`
	ArpLevel   uint32 `json:"arpLevel,omitempty" yaml:"arpLevel,omitempty"`
}

// RedirectInformation turns a rule into a redirect rule.
type RedirectInformation struct {
	Server RedirectServer `json:"server" yaml:"server"`
}

// PolicyRule is a named traffic-classification-and-treatment unit. Static
// rules are loaded into the catalog by id, dynamic rules travel inline.
type PolicyRule struct {
	ID                   string               `json:"id" yaml:"id" valid:"required"`
	Priority             uint32               `json:"priority" yaml:"priority"`
	RatingGroup          uint32               `json:"ratingGroup,omitempty" yaml:"ratingGroup,omitempty"`
	ServiceIdentifier    uint32               `json:"serviceIdentifier,omitempty" yaml:"serviceIdentifier,omitempty"`
	HasServiceIdentifier bool                 `json:"hasServiceIdentifier,omitempty" yaml:"hasServiceIdentifier,omitempty"`
	MonitoringKey        string               `json:"monitoringKey,omitempty" yaml:"monitoringKey,omitempty"`
	TrackingType         TrackingType         `json:"trackingType,omitempty" yaml:"trackingType,omitempty"`
	QoS                  *FlowQoS             `json:"qos,omitempty" yaml:"qos,omitempty"`
	FlowList             []FlowDescription    `json:"flowList,omitempty" yaml:"flowList,omitempty"`
	Redirect             *RedirectInformation `json:"redirect,omitempty" yaml:"redirect,omitempty"`
}

// ChargingKey returns the charging credit this rule's traffic is accounted
// against, if the rule is tracked by the charging server.
func (rule PolicyRule) ChargingKey() (ChargingKey, bool) {
	switch rule.TrackingType {
	case TrackingOnlyOCS, TrackingOCSAndPCRF:
		return ChargingKey{
			RatingGroup:          rule.RatingGroup,
			ServiceIdentifier:    rule.ServiceIdentifier,
			HasServiceIdentifier: rule.HasServiceIdentifier,
		}, true
	default:
		return ChargingKey{}, false
	}
}

// MonitoringKeyIfTracked returns the monitoring key this rule's traffic is
// accounted against, if the rule is tracked by the policy server.
func (rule PolicyRule) MonitoringKeyIfTracked() (string, bool) {
	switch rule.TrackingType {
	case TrackingOnlyPCRF, TrackingOCSAndPCRF:
		if rule.MonitoringKey == "" {
			return "", false
		}
		return rule.MonitoringKey, true
	default:
		return "", false
	}
}

// NeedsDedicatedBearer reports whether the rule asks for a non-default QoS class.
func (rule PolicyRule) NeedsDedicatedBearer() bool {
	return rule.QoS != nil && rule.QoS.QCI != 0 && rule.QoS.QCI != DefaultQCI
}

// SameQoS reports whether two definitions of a rule ask for the same QoS.
func (rule PolicyRule) SameQoS(other PolicyRule) bool {
	return reflect.DeepEqual(rule.QoS, other.QoS)
}

// SameBody reports whether two definitions of a rule are identical.
func (rule PolicyRule) SameBody(other PolicyRule) bool {
	return reflect.DeepEqual(rule, other)
}

// RuleLifetime is the window a rule is active in. A zero bound is open.
type RuleLifetime struct {
	ActivationTime   time.Time `json:"activationTime,omitempty" yaml:"activationTime,omitempty"`
	DeactivationTime time.Time `json:"deactivationTime,omitempty" yaml:"deactivationTime,omitempty"`
}

// IsActive reports whether now falls inside the window.
func (lifetime RuleLifetime) IsActive(now time.Time) bool {
	return !lifetime.ShouldSchedule(now) && !lifetime.IsExpired(now)
}

// ShouldSchedule reports whether the window has not opened yet.
func (lifetime RuleLifetime) ShouldSchedule(now time.Time) bool {
	return !lifetime.ActivationTime.IsZero() && now.Before(lifetime.ActivationTime)
}

// IsExpired reports whether the window has closed.
func (lifetime RuleLifetime) IsExpired(now time.Time) bool {
	return !lifetime.DeactivationTime.IsZero() && !now.Before(lifetime.DeactivationTime)
}

// StaticRuleInstall asks for a catalog rule to be installed in a window.
type StaticRuleInstall struct {
	RuleID   string       `json:"ruleId"`
	Lifetime RuleLifetime `json:"lifetime"`
}

// DynamicRuleInstall carries a full rule body to be installed in a window.
type DynamicRuleInstall struct {
	Rule     PolicyRule   `json:"rule"`
	Lifetime RuleLifetime `json:"lifetime"`
}

// RuleToProcess is a rule as handed to the enforcement plane: its body, the
// version it is installed at and the tunnel it is bound to.
type RuleToProcess struct {
	Rule    PolicyRule `json:"rule"`
	Version uint32     `json:"version"`
	Teids   Teids      `json:"teids"`
}

// RuleIDs returns the ids of the given rules in order.
func RuleIDs(rules []RuleToProcess) []string {
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.Rule.ID)
	}
	return ids
}
