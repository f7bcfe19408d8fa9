package rules

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/sessiond/internal/model"
)

func TestNewCatalogRejectsInvalidRules(t *testing.T) {
	t.Parallel()

	_, err := NewCatalog([]model.PolicyRule{{ID: " "}})
	assert.True(t, errors.Is(err, ErrEmptyRuleID))

	_, err = NewCatalog([]model.PolicyRule{{ID: "a"}, {ID: "a"}})
	assert.True(t, errors.Is(err, ErrDuplicateRuleID))
}

func TestCatalogKeys(t *testing.T) {
	t.Parallel()

	catalog, err := NewCatalog([]model.PolicyRule{
		{ID: "ocs", RatingGroup: 1, TrackingType: model.TrackingOnlyOCS},
		{ID: "both", RatingGroup: 1, MonitoringKey: "mk", TrackingType: model.TrackingOCSAndPCRF},
		{ID: "pcrf", MonitoringKey: "mk", TrackingType: model.TrackingOnlyPCRF},
		{ID: "none", RatingGroup: 1, TrackingType: model.TrackingNone},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, catalog.Len())

	key, tracked := catalog.GetChargingKey("ocs")
	require.True(t, tracked)
	assert.Equal(t, model.ChargingKey{RatingGroup: 1}, key)

	_, tracked = catalog.GetChargingKey("pcrf")
	assert.False(t, tracked)

	monitoringKey, tracked := catalog.GetMonitoringKey("both")
	require.True(t, tracked)
	assert.Equal(t, "mk", monitoringKey)

	_, tracked = catalog.GetMonitoringKey("missing")
	assert.False(t, tracked)

	assert.Equal(t, []string{"both", "ocs"}, catalog.RuleIDsForChargingKey(model.ChargingKey{RatingGroup: 1}))
}
