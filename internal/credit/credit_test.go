package credit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/sessiond/internal/model"
)

func grantedUnits(total, tx, rx *uint64) model.GrantedUnits {
	var units model.GrantedUnits
	if total != nil {
		units.Total = model.CreditUnit{IsValid: true, Volume: *total}
	}
	if tx != nil {
		units.Tx = model.CreditUnit{IsValid: true, Volume: *tx}
	}
	if rx != nil {
		units.Rx = model.CreditUnit{IsValid: true, Volume: *rx}
	}
	return units
}

func volume(value uint64) *uint64 {
	return &value
}

func TestDetermineTrackingType(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		units    model.GrantedUnits
		expected GrantTrackingType
	}{
		{"total only", grantedUnits(volume(10), nil, nil), TrackingTotalOnly},
		{"tx only", grantedUnits(nil, volume(10), nil), TrackingTxOnly},
		{"rx only", grantedUnits(nil, nil, volume(10)), TrackingRxOnly},
		{"tx and rx", grantedUnits(nil, volume(10), volume(10)), TrackingTxAndRx},
		{"total and tx", grantedUnits(volume(10), volume(10), nil), TrackingTotalOnly},
		{"all", grantedUnits(volume(10), volume(10), volume(10)), TrackingAllTotalTxRx},
		{"explicit zero total", grantedUnits(volume(0), nil, nil), TrackingTotalOnly},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			credit := New()
			require.True(t, credit.ReceiveCredit(testCase.units, nil))
			assert.Equal(t, testCase.expected, credit.TrackingType())
		})
	}
}

func TestReceiveCreditRejectsEmptyGrant(t *testing.T) {
	t.Parallel()

	credit := New()
	require.True(t, credit.ReceiveCredit(grantedUnits(volume(100), nil, nil), nil))
	before := credit.Marshal()

	update := credit.NewUpdate()
	assert.False(t, credit.ReceiveCredit(model.GrantedUnits{}, &update))
	assert.Equal(t, before, credit.Marshal())
	assert.Equal(t, [monotonicBucketCount]uint64{}, update.BucketDeltas)
}

func TestReceiveCreditSnapshotsFloors(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(1000), volume(100), volume(200)), nil)
	credit.ReceiveCredit(grantedUnits(volume(1000), volume(100), volume(200)), nil)

	assert.Equal(t, uint64(2000), credit.GetBucket(AllowedTotal))
	assert.Equal(t, uint64(1000), credit.GetBucket(AllowedFloorTotal))
	assert.Equal(t, uint64(200), credit.GetBucket(AllowedTx))
	assert.Equal(t, uint64(100), credit.GetBucket(AllowedFloorTx))
	assert.Equal(t, uint64(400), credit.GetBucket(AllowedRx))
	assert.Equal(t, uint64(200), credit.GetBucket(AllowedFloorRx))
}

func TestAllTotalTxRxExhaustionScenario(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(1000), volume(100), volume(200)), nil)
	require.Equal(t, TrackingAllTotalTxRx, credit.TrackingType())

	// Checked at the hard threshold 1.0: at 0.8 tx=99 already crosses 80 of
	// the tx grant, and any crossing dimension exhausts this mode.
	credit.AddUsedCredit(99, 150, nil)
	assert.False(t, credit.IsQuotaExhausted(1.0))
	assert.True(t, credit.IsQuotaExhausted(0.8))

	credit.ReceiveCredit(grantedUnits(volume(1000), volume(100), volume(200)), nil)
	credit.AddUsedCredit(100, 249, nil)
	assert.False(t, credit.IsQuotaExhausted(1.0), "tx=199 rx=399 is below the second grant")

	credit.AddUsedCredit(1, 1, nil)
	assert.True(t, credit.IsQuotaExhausted(1.0), "tx=200 rx=400 uses up the second grant")
}

func TestHardExhaustionBoundary(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		units   model.GrantedUnits
		usageTx uint64
		usageRx uint64
		granted uint64
		used    func(tx, rx uint64) uint64
	}{
		{
			name:    "total",
			units:   grantedUnits(volume(500), nil, nil),
			usageTx: 7, usageRx: 3, granted: 500,
			used: func(tx, rx uint64) uint64 { return tx + rx },
		},
		{
			name:    "tx",
			units:   grantedUnits(nil, volume(300), nil),
			usageTx: 11, usageRx: 5, granted: 300,
			used: func(tx, rx uint64) uint64 { return tx },
		},
		{
			name:    "rx",
			units:   grantedUnits(nil, nil, volume(250)),
			usageTx: 2, usageRx: 9, granted: 250,
			used: func(tx, rx uint64) uint64 { return rx },
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			credit := New()
			credit.ReceiveCredit(testCase.units, nil)

			var tx, rx uint64
			for step := 0; step < 200; step++ {
				expected := testCase.used(tx, rx) >= testCase.granted
				require.Equal(t, expected, credit.IsQuotaExhausted(1.0), "tx=%d rx=%d", tx, rx)
				credit.AddUsedCredit(testCase.usageTx, testCase.usageRx, nil)
				tx += testCase.usageTx
				rx += testCase.usageRx
			}
		})
	}
}

func TestSoftThreshold(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(1000), nil, nil), nil)

	credit.AddUsedCredit(400, 399, nil)
	assert.False(t, credit.IsQuotaExhausted(0.8))
	credit.AddUsedCredit(1, 0, nil)
	assert.True(t, credit.IsQuotaExhausted(0.8))
	assert.False(t, credit.IsQuotaExhausted(1.0))
}

func TestReportingIsMonotonic(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(100), nil, nil), nil)
	credit.AddUsedCredit(60, 30, nil)

	usage, ok := credit.GetUsageForReporting(0.8, nil)
	require.True(t, ok)
	assert.Equal(t, Usage{Tx: 60, Rx: 30}, usage)
	assert.True(t, credit.IsReporting())

	credit.AddUsedCredit(5, 5, nil)
	_, ok = credit.GetUsageForReporting(0.8, nil)
	assert.False(t, ok, "no new report while one is in flight")

	require.True(t, credit.ReceiveCredit(grantedUnits(volume(100), nil, nil), nil))
	assert.False(t, credit.IsReporting())
	assert.Equal(t, uint64(60), credit.GetBucket(ReportedTx))
	assert.Equal(t, uint64(30), credit.GetBucket(ReportedRx))
	assert.Equal(t, Usage{Tx: 5, Rx: 5}, credit.GetUnreportedUsage())
}

func TestMarkFailureKeepsUsage(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(100), nil, nil), nil)
	credit.AddUsedCredit(90, 0, nil)

	_, ok := credit.GetUsageForReporting(0.8, nil)
	require.True(t, ok)

	credit.MarkFailure(nil)
	assert.False(t, credit.IsReporting())
	assert.Equal(t, uint64(90), credit.GetBucket(UsedTx))
	assert.Equal(t, uint64(0), credit.GetBucket(ReportedTx))

	usage, ok := credit.GetUsageForReporting(0.8, nil)
	require.True(t, ok, "exhaustion re-triggers reporting after a failure")
	assert.Equal(t, Usage{Tx: 90}, usage)
}

func TestSuspendedCreditTalliesButDoesNotReport(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(100), nil, nil), nil)
	credit.MarkSuspended(nil)
	credit.AddUsedCredit(95, 0, nil)

	_, ok := credit.GetUsageForReporting(0.8, nil)
	assert.False(t, ok)
	assert.Equal(t, uint64(95), credit.GetBucket(UsedTx))

	credit.ClearSuspension(nil)
	_, ok = credit.GetUsageForReporting(0.8, nil)
	assert.True(t, ok)
}

func TestCreditMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(1000), volume(100), volume(200)), nil)
	credit.AddUsedCredit(80, 120, nil)
	credit.ForceUsageForReporting(nil)
	credit.MarkSuspended(nil)

	encoded, err := json.Marshal(credit.Marshal())
	require.NoError(t, err)

	var decoded StoredCredit
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, credit.Marshal(), Unmarshal(decoded).Marshal())
}

func TestCreditDurableDropsReporting(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(100), nil, nil), nil)
	credit.AddUsedCredit(90, 0, nil)
	credit.ForceUsageForReporting(nil)

	restored := Unmarshal(credit.Marshal().Durable())
	assert.False(t, restored.IsReporting())
	assert.Equal(t, uint64(0), restored.GetBucket(ReportingTx))

	usage, ok := restored.GetUsageForReporting(0.8, nil)
	require.True(t, ok)
	assert.Equal(t, Usage{Tx: 90}, usage)
}

func TestCreditUpdateReplay(t *testing.T) {
	t.Parallel()

	credit := New()
	credit.ReceiveCredit(grantedUnits(volume(1000), nil, nil), nil)
	credit.AddUsedCredit(500, 400, nil)
	before := credit.Marshal()

	update := credit.NewUpdate()
	credit.GetUsageForReporting(0.8, &update)
	credit.ReceiveCredit(grantedUnits(volume(1000), nil, nil), &update)
	credit.AddUsedCredit(10, 20, &update)

	replayed := Unmarshal(before)
	replayed.ApplyUpdate(update)
	assert.Equal(t, credit.Marshal(), replayed.Marshal())
}
