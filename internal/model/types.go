// Package model defines shared data structures for sessiond, including:
// - Access-side session context (subscriber identity, tunnels, bitrates)
// - Grants, usage lines and responses exchanged with charging/policy servers
// - Rule definitions and the rule-record tables reported by the enforcement plane
// - Server-initiated push and access-network notification payloads.
//
// All types here are intentionally free of dependencies on other internal
// packages to avoid circular imports.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// RATType identifies the access technology of a session.
type RATType string

const (
	RATTypeLTE  RATType = "LTE"
	RATTypeWLAN RATType = "WLAN"
)

// DefaultQCI is the QoS class of the default bearer. Rules carrying any other
// class need a dedicated bearer before they can be enforced.
const DefaultQCI uint32 = 9

// ---------------------------------------------------------------------------
// Session identity and access context
// ---------------------------------------------------------------------------

// SessionKey identifies one session of one subscriber.
type SessionKey struct {
	SubscriberID string `json:"imsi"`
	SessionID    string `json:"sessionId"`
}

func (key SessionKey) String() string {
	return key.SubscriberID + "/" + key.SessionID
}

// Teids holds the uplink (gateway side) and downlink (access side) tunnel ids
// of a bearer.
type Teids struct {
	AgwTeid uint32 `json:"agwTeid" yaml:"agwTeid"`
	EnbTeid uint32 `json:"enbTeid" yaml:"enbTeid"`
}

// IsZero reports whether no tunnel has been assigned.
func (teids Teids) IsZero() bool {
	return teids.AgwTeid == 0 && teids.EnbTeid == 0
}

// AggregatedMaximumBitrate is the APN-AMBR applied to all non-GBR traffic of a session.
type AggregatedMaximumBitrate struct {
	MaxBandwidthUL uint64 `json:"maxBandwidthUl"`
	MaxBandwidthDL uint64 `json:"maxBandwidthDl"`
}

// SessionConfig is the access-side context a session was established with.
type SessionConfig struct {
	SubscriberID string                    `json:"imsi" valid:"required"`
	MSISDN       string                    `json:"msisdn,omitempty"`
	APN          string                    `json:"apn,omitempty"`
	UEIPv4       string                    `json:"ueIpv4,omitempty"`
	UEIPv6       string                    `json:"ueIpv6,omitempty"`
	RATType      RATType                   `json:"ratType" valid:"in(LTE|WLAN)"`
	BearerID     uint32                    `json:"bearerId,omitempty"`
	Teids        Teids                     `json:"teids"`
	MACAddress   string                    `json:"macAddress,omitempty"`
	AMBR         *AggregatedMaximumBitrate `json:"ambr,omitempty"`
}

// UsesBearers reports whether QoS rules of this session require dedicated
// bearers from the access network.
func (config SessionConfig) UsesBearers() bool {
	return config.RATType != RATTypeWLAN
}

// ---------------------------------------------------------------------------
// Charging keys
// ---------------------------------------------------------------------------

// ChargingKey identifies a charging credit: a rating group with an optional
// service identifier.
type ChargingKey struct {
	RatingGroup          uint32 `json:"ratingGroup" yaml:"ratingGroup"`
	ServiceIdentifier    uint32 `json:"serviceIdentifier,omitempty" yaml:"serviceIdentifier,omitempty"`
	HasServiceIdentifier bool   `json:"hasServiceIdentifier,omitempty" yaml:"hasServiceIdentifier,omitempty"`
}

func (key ChargingKey) String() string {
	if key.HasServiceIdentifier {
		return fmt.Sprintf("%d-%d", key.RatingGroup, key.ServiceIdentifier)
	}
	return strconv.FormatUint(uint64(key.RatingGroup), 10)
}

// MarshalText lets ChargingKey be used as a JSON object key.
func (key ChargingKey) MarshalText() ([]byte, error) {
	return []byte(key.String()), nil
}

// UnmarshalText parses the "rg" or "rg-sid" form produced by MarshalText.
func (key *ChargingKey) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), "-", 2)
	ratingGroup, parseError := strconv.ParseUint(parts[0], 10, 32)
	if parseError != nil {
		return fmt.Errorf("invalid rating group in charging key %q: %w", text, parseError)
	}
	key.RatingGroup = uint32(ratingGroup)
	key.ServiceIdentifier = 0
	key.HasServiceIdentifier = false
	if len(parts) == 2 {
		serviceIdentifier, parseError := strconv.ParseUint(parts[1], 10, 32)
		if parseError != nil {
			return fmt.Errorf("invalid service identifier in charging key %q: %w", text, parseError)
		}
		key.ServiceIdentifier = uint32(serviceIdentifier)
		key.HasServiceIdentifier = true
	}
	return nil
}
