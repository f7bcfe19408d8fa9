package session

import (
	"sort"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
)

// retainedVersions is how many rule versions keep their last cumulative
// counters.
const retainedVersions = 2

// RuleCounters are the cumulative counters last reported for one rule version.
type RuleCounters struct {
	BytesTx   uint64 `json:"bytesTx"`
	BytesRx   uint64 `json:"bytesRx"`
	DroppedTx uint64 `json:"droppedTx"`
	DroppedRx uint64 `json:"droppedRx"`
}

// RuleStats tracks the versions of one rule id and the counters reported for
// the most recent ones. It outlives the rule's entry so that late reports and
// re-installs keep version continuity.
type RuleStats struct {
	CurrentVersion      uint32                  `json:"currentVersion"`
	LastReportedVersion uint32                  `json:"lastReportedVersion"`
	Counters            map[uint32]RuleCounters `json:"counters"`
}

func (stats RuleStats) clone() RuleStats {
	counters := make(map[uint32]RuleCounters, len(stats.Counters))
	for version, value := range stats.Counters {
		counters[version] = value
	}
	stats.Counters = counters
	return stats
}

func (s *Session) statsFor(ruleID string) *RuleStats {
	stats, found := s.ruleStats[ruleID]
	if !found {
		stats = &RuleStats{Counters: make(map[uint32]RuleCounters)}
		s.ruleStats[ruleID] = stats
	}
	return stats
}

// RuleUsage is the usage a rule report added on top of what was already
// accounted.
type RuleUsage struct {
	Tx        uint64
	Rx        uint64
	DroppedTx uint64
	DroppedRx uint64
}

// AddRuleUsage accounts a rule report. Counters are cumulative since the
// install of version; only the part above the counters last seen for that
// version is added to the rule's charging credit, its monitor and the
// session-level monitor. A counter below the last seen value means the
// enforcement plane reset it and is counted in full. A report for a version
// older than the retained ones is dropped and false is returned.
func (s *Session) AddRuleUsage(
	ruleID string,
	version uint32,
	bytesTx uint64,
	bytesRx uint64,
	droppedTx uint64,
	droppedRx uint64,
	uc *UpdateCriteria,
) (RuleUsage, bool) {
	stats := s.statsFor(ruleID)

	base, known := stats.Counters[version]
	if !known && len(stats.Counters) >= retainedVersions && version < oldestVersion(stats.Counters) {
		logger.SessionLog.Debugf("session %s: dropping report of rule %s version %d, oldest kept is %d",
			s.key, ruleID, version, oldestVersion(stats.Counters))
		return RuleUsage{}, false
	}

	usage := RuleUsage{
		Tx:        counterDelta(bytesTx, base.BytesTx),
		Rx:        counterDelta(bytesRx, base.BytesRx),
		DroppedTx: counterDelta(droppedTx, base.DroppedTx),
		DroppedRx: counterDelta(droppedRx, base.DroppedRx),
	}

	stats.Counters[version] = RuleCounters{
		BytesTx:   bytesTx,
		BytesRx:   bytesRx,
		DroppedTx: droppedTx,
		DroppedRx: droppedRx,
	}
	if version > stats.LastReportedVersion {
		stats.LastReportedVersion = version
	}
	pruneVersions(stats.Counters)
	uc.RuleStatsUpdates[ruleID] = stats.clone()

	if usage.Tx == 0 && usage.Rx == 0 {
		return usage, true
	}

	rule, known := s.ruleBodyForUsage(ruleID)
	monitoringKey := ""
	if known {
		if chargingKey, tracked := rule.ChargingKey(); tracked {
			if grant, exists := s.chargingPool[chargingKey]; exists {
				update := uc.chargingUpdateFor(chargingKey, grant)
				grant.Credit().AddUsedCredit(usage.Tx, usage.Rx, &update.Credit)
			}
		}
		if key, tracked := rule.MonitoringKeyIfTracked(); tracked {
			monitoringKey = key
			s.addMonitorUsage(key, usage.Tx, usage.Rx, uc)
		}
	}
	if s.sessionLevelKey != "" && s.sessionLevelKey != monitoringKey {
		s.addMonitorUsage(s.sessionLevelKey, usage.Tx, usage.Rx, uc)
	}
	return usage, true
}

func (s *Session) addMonitorUsage(monitoringKey string, tx uint64, rx uint64, uc *UpdateCriteria) {
	monitor, exists := s.monitorPool[monitoringKey]
	if !exists {
		return
	}
	update := uc.monitorUpdateFor(monitoringKey, monitor)
	monitor.Credit().AddUsedCredit(tx, rx, &update.Credit)
}

// ruleBodyForUsage resolves the keys of a reported rule, falling back to the
// catalog for static rules already removed from the session.
func (s *Session) ruleBodyForUsage(ruleID string) (model.PolicyRule, bool) {
	if entry, exists := s.ruleEntries[ruleID]; exists {
		return s.entryBody(ruleID, *entry), true
	}
	return s.lookupCatalog(ruleID)
}

// GetRuleStats returns the version bookkeeping of a rule id.
func (s *Session) GetRuleStats(ruleID string) (RuleStats, bool) {
	stats, found := s.ruleStats[ruleID]
	if !found {
		return RuleStats{}, false
	}
	return stats.clone(), true
}

func counterDelta(cumulative uint64, base uint64) uint64 {
	if cumulative < base {
		return cumulative
	}
	return cumulative - base
}

func oldestVersion(counters map[uint32]RuleCounters) uint32 {
	first := true
	var oldest uint32
	for version := range counters {
		if first || version < oldest {
			oldest = version
			first = false
		}
	}
	return oldest
}

func pruneVersions(counters map[uint32]RuleCounters) {
	if len(counters) <= retainedVersions {
		return
	}
	versions := make([]uint32, 0, len(counters))
	for version := range counters {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	for _, version := range versions[retainedVersions:] {
		delete(counters, version)
	}
}
