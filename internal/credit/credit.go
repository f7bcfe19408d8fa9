// Package credit implements quota accounting for one session:
//   - Credit: the bucket set of one quota dimension (granted, used, reporting, reported)
//   - ChargingGrant: a Credit accounted against the charging server, with its
//     final-unit action, service state and reauthorization state
//   - Monitor: a Credit accounted against the policy server.
//
// Every mutator takes an update pointer and records its effect there so the
// owning session can persist the delta without re-deriving the whole record.
// A nil update pointer is allowed when no delta is needed.
package credit

import (
	"github.com/free5gc/sessiond/internal/model"
)

// Bucket indexes the counters of a Credit.
type Bucket int

const (
	UsedTx Bucket = iota
	UsedRx
	AllowedTotal
	AllowedTx
	AllowedRx
	ReportedTx
	ReportedRx
	// Counters below are carried as absolute values, not deltas.
	ReportingTx
	ReportingRx
	AllowedFloorTotal
	AllowedFloorTx
	AllowedFloorRx
	bucketCount
)

// monotonicBucketCount is the number of counters that only ever grow and are
// therefore persisted as deltas.
const monotonicBucketCount = int(ReportingTx)

// GrantTrackingType records which dimensions the latest grant carried and
// therefore which dimensions exhaustion is evaluated on.
type GrantTrackingType string

const (
	TrackingUnset        GrantTrackingType = "UNSET"
	TrackingTotalOnly    GrantTrackingType = "TOTAL_ONLY"
	TrackingTxOnly       GrantTrackingType = "TX_ONLY"
	TrackingRxOnly       GrantTrackingType = "RX_ONLY"
	TrackingTxAndRx      GrantTrackingType = "TX_AND_RX"
	TrackingAllTotalTxRx GrantTrackingType = "ALL_TOTAL_TX_RX"
)

// Usage is a pair of uplink/downlink byte counts.
type Usage struct {
	Tx uint64 `json:"tx"`
	Rx uint64 `json:"rx"`
}

// IsZero reports whether no bytes are counted.
func (usage Usage) IsZero() bool {
	return usage.Tx == 0 && usage.Rx == 0
}

// Update is the delta of one Credit over one logical operation.
type Update struct {
	BucketDeltas      [monotonicBucketCount]uint64 `json:"bucketDeltas"`
	AllowedFloorTotal uint64                       `json:"allowedFloorTotal"`
	AllowedFloorTx    uint64                       `json:"allowedFloorTx"`
	AllowedFloorRx    uint64                       `json:"allowedFloorRx"`
	TrackingType      GrantTrackingType            `json:"trackingType"`
	Suspended         bool                         `json:"suspended"`
	Reporting         bool                         `json:"reporting,omitempty"`
	ReportingTx       uint64                       `json:"reportingTx,omitempty"`
	ReportingRx       uint64                       `json:"reportingRx,omitempty"`
}

// Credit tracks one quota dimension for one session. It does no I/O.
type Credit struct {
	buckets      [bucketCount]uint64
	trackingType GrantTrackingType
	reporting    bool
	suspended    bool
}

// New returns an empty credit that has not received any grant.
func New() *Credit {
	return &Credit{trackingType: TrackingUnset}
}

// NewUpdate returns an empty delta reflecting the credit's current state.
func (credit *Credit) NewUpdate() Update {
	var update Update
	credit.syncUpdate(&update)
	return update
}

// syncUpdate copies the absolute (non-delta) fields into the update.
func (credit *Credit) syncUpdate(update *Update) {
	if update == nil {
		return
	}
	update.AllowedFloorTotal = credit.buckets[AllowedFloorTotal]
	update.AllowedFloorTx = credit.buckets[AllowedFloorTx]
	update.AllowedFloorRx = credit.buckets[AllowedFloorRx]
	update.TrackingType = credit.trackingType
	update.Suspended = credit.suspended
	update.Reporting = credit.reporting
	update.ReportingTx = credit.buckets[ReportingTx]
	update.ReportingRx = credit.buckets[ReportingRx]
}

func (credit *Credit) addToBucket(bucket Bucket, amount uint64, update *Update) {
	credit.buckets[bucket] += amount
	if update != nil && int(bucket) < monotonicBucketCount {
		update.BucketDeltas[bucket] += amount
	}
}

// ReceiveCredit applies a grant. The floors snapshot the allowed level before
// the grant, the tracking type follows the dimensions present, and any
// outstanding report is committed. A grant without any valid dimension is
// rejected with no state change.
func (credit *Credit) ReceiveCredit(units model.GrantedUnits, update *Update) bool {
	if units.IsEmpty() {
		return false
	}

	credit.trackingType = determineTrackingType(units)

	if units.Total.IsValid {
		credit.buckets[AllowedFloorTotal] = credit.buckets[AllowedTotal]
		credit.addToBucket(AllowedTotal, units.Total.Volume, update)
	}
	if units.Tx.IsValid {
		credit.buckets[AllowedFloorTx] = credit.buckets[AllowedTx]
		credit.addToBucket(AllowedTx, units.Tx.Volume, update)
	}
	if units.Rx.IsValid {
		credit.buckets[AllowedFloorRx] = credit.buckets[AllowedRx]
		credit.addToBucket(AllowedRx, units.Rx.Volume, update)
	}

	if credit.reporting {
		credit.commitReporting(update)
	}

	credit.syncUpdate(update)
	return true
}

func determineTrackingType(units model.GrantedUnits) GrantTrackingType {
	totalValid := units.Total.IsValid
	txValid := units.Tx.IsValid
	rxValid := units.Rx.IsValid

	switch {
	case totalValid && txValid && rxValid:
		return TrackingAllTotalTxRx
	case totalValid:
		return TrackingTotalOnly
	case txValid && rxValid:
		return TrackingTxAndRx
	case txValid:
		return TrackingTxOnly
	case rxValid:
		return TrackingRxOnly
	default:
		return TrackingUnset
	}
}

// AddUsedCredit accumulates usage. Floors are never touched.
func (credit *Credit) AddUsedCredit(usedTx uint64, usedRx uint64, update *Update) {
	if usedTx > 0 {
		credit.addToBucket(UsedTx, usedTx, update)
	}
	if usedRx > 0 {
		credit.addToBucket(UsedRx, usedRx, update)
	}
	credit.syncUpdate(update)
}

// IsQuotaExhausted reports whether usage reached the floor plus threshold
// times the amount granted since the floor, on the dimensions the latest
// grant tracks. In combined modes any crossing dimension exhausts the credit.
func (credit *Credit) IsQuotaExhausted(threshold float64) bool {
	usedTotal := credit.buckets[UsedTx] + credit.buckets[UsedRx]

	totalExhausted := dimensionExhausted(
		usedTotal, credit.buckets[AllowedTotal], credit.buckets[AllowedFloorTotal], threshold)
	txExhausted := dimensionExhausted(
		credit.buckets[UsedTx], credit.buckets[AllowedTx], credit.buckets[AllowedFloorTx], threshold)
	rxExhausted := dimensionExhausted(
		credit.buckets[UsedRx], credit.buckets[AllowedRx], credit.buckets[AllowedFloorRx], threshold)

	switch credit.trackingType {
	case TrackingTotalOnly:
		return totalExhausted
	case TrackingTxOnly:
		return txExhausted
	case TrackingRxOnly:
		return rxExhausted
	case TrackingTxAndRx:
		return txExhausted || rxExhausted
	case TrackingAllTotalTxRx:
		return totalExhausted || txExhausted || rxExhausted
	default:
		return false
	}
}

// dimensionExhausted compares cumulative usage with the threshold line
// floor + threshold*(allowed-floor). Quota left over from earlier grants is
// below the floor, so a zero grant only exhausts once that is used up.
func dimensionExhausted(used uint64, allowed uint64, floor uint64, threshold float64) bool {
	granted := saturatingSub(allowed, floor)
	return float64(used) >= float64(floor)+float64(granted)*threshold
}

func saturatingSub(a uint64, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// GetUnreportedUsage returns usage that is neither reported nor in flight.
func (credit *Credit) GetUnreportedUsage() Usage {
	return Usage{
		Tx: saturatingSub(credit.buckets[UsedTx], credit.buckets[ReportedTx]+credit.buckets[ReportingTx]),
		Rx: saturatingSub(credit.buckets[UsedRx], credit.buckets[ReportedRx]+credit.buckets[ReportingRx]),
	}
}

// GetFinalUsage returns everything used and not yet acknowledged, in flight
// or not. It does not change state.
func (credit *Credit) GetFinalUsage() Usage {
	return Usage{
		Tx: saturatingSub(credit.buckets[UsedTx], credit.buckets[ReportedTx]),
		Rx: saturatingSub(credit.buckets[UsedRx], credit.buckets[ReportedRx]),
	}
}

// GetUsageForReporting snapshots the unreported usage into the reporting
// counters when the credit is exhausted at threshold and no report is in
// flight. It returns false when there is nothing new to report. Suspended
// credits keep tallying but do not report.
func (credit *Credit) GetUsageForReporting(threshold float64, update *Update) (Usage, bool) {
	if credit.reporting || credit.suspended {
		return Usage{}, false
	}
	if !credit.IsQuotaExhausted(threshold) {
		return Usage{}, false
	}
	usage := credit.GetUnreportedUsage()
	if usage.IsZero() {
		return Usage{}, false
	}
	credit.startReporting(usage, update)
	return usage, true
}

// ForceUsageForReporting snapshots the unreported usage, possibly zero, and
// marks the credit as reporting.
func (credit *Credit) ForceUsageForReporting(update *Update) Usage {
	usage := credit.GetUnreportedUsage()
	credit.startReporting(usage, update)
	return usage
}

func (credit *Credit) startReporting(usage Usage, update *Update) {
	credit.buckets[ReportingTx] += usage.Tx
	credit.buckets[ReportingRx] += usage.Rx
	credit.reporting = true
	credit.syncUpdate(update)
}

func (credit *Credit) commitReporting(update *Update) {
	credit.addToBucket(ReportedTx, credit.buckets[ReportingTx], update)
	credit.addToBucket(ReportedRx, credit.buckets[ReportingRx], update)
	credit.buckets[ReportingTx] = 0
	credit.buckets[ReportingRx] = 0
	credit.reporting = false
}

// MarkFailure abandons the report in flight. Used bytes stay, so the next
// exhaustion check re-triggers reporting.
func (credit *Credit) MarkFailure(update *Update) {
	credit.buckets[ReportingTx] = 0
	credit.buckets[ReportingRx] = 0
	credit.reporting = false
	credit.syncUpdate(update)
}

// MarkSuspended stops reporting and traffic-affecting actions for this credit.
func (credit *Credit) MarkSuspended(update *Update) {
	credit.suspended = true
	credit.syncUpdate(update)
}

// ClearSuspension resumes normal handling.
func (credit *Credit) ClearSuspension(update *Update) {
	credit.suspended = false
	credit.syncUpdate(update)
}

// ApplyUpdate replays a delta produced by the mutators above.
func (credit *Credit) ApplyUpdate(update Update) {
	for index, delta := range update.BucketDeltas {
		credit.buckets[index] += delta
	}
	credit.buckets[AllowedFloorTotal] = update.AllowedFloorTotal
	credit.buckets[AllowedFloorTx] = update.AllowedFloorTx
	credit.buckets[AllowedFloorRx] = update.AllowedFloorRx
	credit.buckets[ReportingTx] = update.ReportingTx
	credit.buckets[ReportingRx] = update.ReportingRx
	credit.trackingType = update.TrackingType
	credit.suspended = update.Suspended
	credit.reporting = update.Reporting
}

// GetBucket returns one counter.
func (credit *Credit) GetBucket(bucket Bucket) uint64 {
	return credit.buckets[bucket]
}

// TrackingType returns the tracking mode set by the latest grant.
func (credit *Credit) TrackingType() GrantTrackingType {
	return credit.trackingType
}

// IsReporting reports whether a report is in flight.
func (credit *Credit) IsReporting() bool {
	return credit.reporting
}

// IsSuspended reports whether the credit is suspended.
func (credit *Credit) IsSuspended() bool {
	return credit.suspended
}
