package credit

import (
	"github.com/free5gc/sessiond/internal/model"
)

// MonitorUpdate is the delta of one Monitor over one logical operation.
type MonitorUpdate struct {
	Credit  Update                `json:"credit"`
	Level   model.MonitoringLevel `json:"level"`
	Deleted bool                  `json:"deleted"`
}

// Monitor is a Credit accounted against the policy server.
type Monitor struct {
	credit  *Credit
	level   model.MonitoringLevel
	deleted bool
}

// NewMonitor returns an empty monitor at the given level.
func NewMonitor(level model.MonitoringLevel) *Monitor {
	return &Monitor{
		credit: New(),
		level:  level,
	}
}

// NewUpdate returns an empty delta reflecting the monitor's current state.
func (monitor *Monitor) NewUpdate() MonitorUpdate {
	update := MonitorUpdate{Credit: monitor.credit.NewUpdate()}
	monitor.syncUpdate(&update)
	return update
}

func (monitor *Monitor) syncUpdate(update *MonitorUpdate) {
	if update == nil {
		return
	}
	update.Level = monitor.level
	update.Deleted = monitor.deleted
}

func monitorCreditUpdateOf(update *MonitorUpdate) *Update {
	if update == nil {
		return nil
	}
	return &update.Credit
}

// ReceiveMonitoringCredit applies a monitoring grant. A zero grant on an
// already exhausted monitor, or an explicit disable, marks the monitor
// deleted: it reports once more and is removed on the following response.
func (monitor *Monitor) ReceiveMonitoringCredit(grant model.UsageMonitoringCredit, update *MonitorUpdate) bool {
	exhaustedBefore := monitor.credit.TrackingType() != TrackingUnset && monitor.credit.IsQuotaExhausted(1.0)

	if !monitor.credit.ReceiveCredit(grant.GrantedUnits, monitorCreditUpdateOf(update)) {
		if grant.Action != model.MonitorActionDisable {
			return false
		}
		if monitor.credit.IsReporting() {
			monitor.credit.commitReporting(monitorCreditUpdateOf(update))
			monitor.credit.syncUpdate(monitorCreditUpdateOf(update))
		}
	}

	if grant.Level != "" {
		monitor.level = grant.Level
	}
	if grant.Action == model.MonitorActionDisable || (grant.GrantedUnits.IsZero() && exhaustedBefore) {
		monitor.deleted = true
	}

	monitor.syncUpdate(update)
	return true
}

// GetUsageForReporting returns the usage line of this monitor for the current
// cycle. A deleted monitor reports whatever is left, even nothing, once.
func (monitor *Monitor) GetUsageForReporting(threshold float64, update *MonitorUpdate) (Usage, bool) {
	if monitor.deleted {
		if monitor.credit.IsReporting() {
			return Usage{}, false
		}
		return monitor.credit.ForceUsageForReporting(monitorCreditUpdateOf(update)), true
	}
	return monitor.credit.GetUsageForReporting(threshold, monitorCreditUpdateOf(update))
}

// ForceUsageForReporting snapshots the unreported usage regardless of
// exhaustion, for revalidation reports.
func (monitor *Monitor) ForceUsageForReporting(update *MonitorUpdate) (Usage, bool) {
	if monitor.credit.IsReporting() {
		return Usage{}, false
	}
	return monitor.credit.ForceUsageForReporting(monitorCreditUpdateOf(update)), true
}

// MarkFailure abandons the report in flight.
func (monitor *Monitor) MarkFailure(update *MonitorUpdate) {
	monitor.credit.MarkFailure(monitorCreditUpdateOf(update))
	monitor.syncUpdate(update)
}

// ApplyUpdate replays a delta produced by the mutators above.
func (monitor *Monitor) ApplyUpdate(update MonitorUpdate) {
	monitor.credit.ApplyUpdate(update.Credit)
	monitor.level = update.Level
	monitor.deleted = update.Deleted
}

// Credit returns the underlying bucket set.
func (monitor *Monitor) Credit() *Credit {
	return monitor.credit
}

// Level returns the monitoring level.
func (monitor *Monitor) Level() model.MonitoringLevel {
	return monitor.level
}

// IsDeleted reports whether the monitor awaits removal.
func (monitor *Monitor) IsDeleted() bool {
	return monitor.deleted
}
