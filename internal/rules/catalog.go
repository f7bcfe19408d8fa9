// Package rules holds the process-wide catalog of static policy rules. The
// catalog is loaded once at startup and only read afterwards; sessions look up
// rule metadata (QoS class, charging and monitoring keys) through it.
package rules

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
)

var (
	// ErrEmptyRuleID is returned when a catalog rule has no id.
	ErrEmptyRuleID = errors.New("rule id must not be empty")
	// ErrDuplicateRuleID is returned when two catalog rules share an id.
	ErrDuplicateRuleID = errors.New("duplicated rule id")
)

// Lookup resolves rule ids to definitions.
type Lookup interface {
	GetRule(ruleID string) (model.PolicyRule, bool)
}

// Catalog is a read-mostly registry of static rules keyed by id.
type Catalog struct {
	mutexForRules sync.RWMutex
	rules         map[string]model.PolicyRule
}

// NewCatalog builds a catalog from the given static rules.
func NewCatalog(staticRules []model.PolicyRule) (*Catalog, error) {
	catalog := &Catalog{
		rules: make(map[string]model.PolicyRule, len(staticRules)),
	}

	for index, rule := range staticRules {
		if strings.TrimSpace(rule.ID) == "" {
			return nil, errors.Wrapf(ErrEmptyRuleID, "staticRules[%d]", index)
		}
		if _, exists := catalog.rules[rule.ID]; exists {
			return nil, errors.Wrapf(ErrDuplicateRuleID, "staticRules[%d] id=%q", index, rule.ID)
		}
		catalog.rules[rule.ID] = rule
	}

	logger.SessionLog.Infof("rule catalog loaded with %d static rule(s)", len(catalog.rules))
	return catalog, nil
}

// GetRule implements Lookup.
func (catalog *Catalog) GetRule(ruleID string) (model.PolicyRule, bool) {
	catalog.mutexForRules.RLock()
	defer catalog.mutexForRules.RUnlock()

	rule, found := catalog.rules[ruleID]
	return rule, found
}

// GetChargingKey returns the charging key a static rule is accounted against.
func (catalog *Catalog) GetChargingKey(ruleID string) (model.ChargingKey, bool) {
	rule, found := catalog.GetRule(ruleID)
	if !found {
		return model.ChargingKey{}, false
	}
	return rule.ChargingKey()
}

// GetMonitoringKey returns the monitoring key a static rule is accounted against.
func (catalog *Catalog) GetMonitoringKey(ruleID string) (string, bool) {
	rule, found := catalog.GetRule(ruleID)
	if !found {
		return "", false
	}
	return rule.MonitoringKeyIfTracked()
}

// RuleIDsForChargingKey lists the static rules accounted against a charging key.
func (catalog *Catalog) RuleIDsForChargingKey(key model.ChargingKey) []string {
	catalog.mutexForRules.RLock()
	defer catalog.mutexForRules.RUnlock()

	ruleIDs := make([]string, 0)
	for ruleID, rule := range catalog.rules {
		ruleKey, tracked := rule.ChargingKey()
		if tracked && ruleKey == key {
			ruleIDs = append(ruleIDs, ruleID)
		}
	}
	sort.Strings(ruleIDs)
	return ruleIDs
}

// Len returns the number of static rules.
func (catalog *Catalog) Len() int {
	catalog.mutexForRules.RLock()
	defer catalog.mutexForRules.RUnlock()
	return len(catalog.rules)
}
