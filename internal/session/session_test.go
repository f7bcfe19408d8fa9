package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/rules"
)

var (
	testNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testKey  = model.SessionKey{SubscriberID: "IMSI001010000000001", SessionID: "IMSI001010000000001-1"}
	ratingGr = model.ChargingKey{RatingGroup: 1}
)

func testCatalog(t *testing.T) *rules.Catalog {
	t.Helper()
	catalog, err := rules.NewCatalog([]model.PolicyRule{
		{ID: "static-ocs", Priority: 10, RatingGroup: 1, TrackingType: model.TrackingOnlyOCS},
		{ID: "static-ocs-2", Priority: 11, RatingGroup: 1, TrackingType: model.TrackingOnlyOCS},
		{ID: "static-pcrf", Priority: 20, MonitoringKey: "mk1", TrackingType: model.TrackingOnlyPCRF},
		{
			ID: "static-qos", Priority: 30, RatingGroup: 1, TrackingType: model.TrackingOnlyOCS,
			QoS: &model.FlowQoS{QCI: 1, GbrUL: 64000, GbrDL: 64000},
		},
		{ID: "restrict-x", Priority: 5, TrackingType: model.TrackingNone},
	})
	require.NoError(t, err)
	return catalog
}

func newTestSession(t *testing.T, ratType model.RATType) *Session {
	t.Helper()
	config := model.SessionConfig{
		SubscriberID: testKey.SubscriberID,
		APN:          "internet",
		UEIPv4:       "192.168.128.10",
		RATType:      ratType,
		BearerID:     5,
		Teids:        model.Teids{AgwTeid: 1, EnbTeid: 2},
	}
	s := New(testKey, config, testCatalog(t), testNow)
	require.NoError(t, s.Activate(s.NewUpdateCriteria()))
	return s
}

func finalGrant(total uint64, action model.FinalActionInfo) model.CreditUpdateResponse {
	return model.CreditUpdateResponse{
		Success:      true,
		SubscriberID: testKey.SubscriberID,
		SessionID:    testKey.SessionID,
		ChargingKey:  ratingGr,
		GrantedUnits: model.GrantedUnits{Total: model.CreditUnit{IsValid: true, Volume: total}},
		IsFinal:      true,
		FinalAction:  action,
		ResultCode:   model.ResultSuccess,
	}
}

func grant(total uint64) model.CreditUpdateResponse {
	response := finalGrant(total, model.FinalActionInfo{})
	response.IsFinal = false
	return response
}

func TestInstallIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	change, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	assert.Equal(t, RuleInstalled, change.Result)
	assert.Equal(t, uint32(1), change.Rule.Version)

	before := s.Marshal()
	uc := s.NewUpdateCriteria()
	change, err = s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, uc)
	require.NoError(t, err)
	assert.Equal(t, RuleNoOp, change.Result)
	assert.False(t, change.NeedsEnforcement())
	assert.True(t, uc.IsEmpty())
	assert.Equal(t, before, s.Marshal())

	dynamic := model.PolicyRule{ID: "dyn", RatingGroup: 2, TrackingType: model.TrackingOnlyOCS}
	change, err = s.InsertDynamicRule(dynamic, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	assert.Equal(t, RuleInstalled, change.Result)

	before = s.Marshal()
	change, err = s.InsertDynamicRule(dynamic, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	assert.Equal(t, RuleNoOp, change.Result)
	assert.Equal(t, before, s.Marshal())
}

func TestRemoveAbsentRuleIsNoOp(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	uc := s.NewUpdateCriteria()
	change := s.RemoveRule("never-installed", uc)
	assert.Equal(t, RuleNoOp, change.Result)
	assert.True(t, uc.IsEmpty())

	_, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	change = s.RemoveRule("static-ocs", s.NewUpdateCriteria())
	assert.Equal(t, RuleRemoved, change.Result)
	assert.True(t, change.WasActive)
	assert.Equal(t, RuleNoOp, s.RemoveRule("static-ocs", s.NewUpdateCriteria()).Result)
}

func TestUnknownStaticRule(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	_, err := s.ActivateStaticRule("missing", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	assert.True(t, errors.Is(err, ErrRuleNotFound))
}

func TestDynamicRuleReplacedInPlace(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	original := model.PolicyRule{ID: "dyn", Priority: 1, RatingGroup: 2, TrackingType: model.TrackingOnlyOCS}
	_, err := s.InsertDynamicRule(original, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)

	changed := original
	changed.Priority = 2
	change, err := s.InsertDynamicRule(changed, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	assert.Equal(t, RuleReplaced, change.Result)
	require.NotNil(t, change.Previous)
	assert.Equal(t, uint32(1), change.Previous.Version)
	assert.Equal(t, uint32(1), change.Previous.Rule.Priority)
	assert.Equal(t, uint32(2), change.Rule.Version)
	assert.Equal(t, uint32(2), change.Rule.Rule.Priority)
	assert.Equal(t, []string{"dyn"}, s.ActiveRuleIDs())
}

func TestRuleTimeSyncIsOrderIndependent(t *testing.T) {
	t.Parallel()

	build := func() *Session {
		s := newTestSession(t, model.RATTypeLTE)
		windows := map[string]model.RuleLifetime{
			"static-ocs": {ActivationTime: testNow.Add(time.Hour), DeactivationTime: testNow.Add(2 * time.Hour)},
			"static-pcrf": {ActivationTime: testNow.Add(3 * time.Hour)},
			"restrict-x":  {DeactivationTime: testNow.Add(30 * time.Minute)},
		}
		for ruleID, lifetime := range windows {
			_, err := s.ActivateStaticRule(ruleID, lifetime, testNow, s.NewUpdateCriteria())
			require.NoError(t, err)
		}
		return s
	}

	initial := build()
	assert.Equal(t, []string{"restrict-x"}, initial.ActiveRuleIDs())
	assert.Equal(t, []string{"static-ocs", "static-pcrf"}, initial.ScheduledRuleIDs())

	offsets := []time.Duration{
		10 * time.Minute, 45 * time.Minute, 90 * time.Minute, 150 * time.Minute, 200 * time.Minute, 5 * time.Hour,
	}
	for _, first := range offsets {
		for _, second := range offsets {
			if second <= first {
				continue
			}
			stepwise := build()
			stepwise.SyncRulesToTime(testNow.Add(first), stepwise.NewUpdateCriteria())
			stepwise.SyncRulesToTime(testNow.Add(second), stepwise.NewUpdateCriteria())

			direct := build()
			direct.SyncRulesToTime(testNow.Add(second), direct.NewUpdateCriteria())

			assert.Equal(t, direct.ActiveRuleIDs(), stepwise.ActiveRuleIDs(), "T1=%s T2=%s", first, second)
			assert.Equal(t, direct.ScheduledRuleIDs(), stepwise.ScheduledRuleIDs(), "T1=%s T2=%s", first, second)
		}
	}

	s := build()
	result := s.SyncRulesToTime(testNow.Add(90*time.Minute), s.NewUpdateCriteria())
	require.Len(t, result.Activated, 1)
	assert.Equal(t, "static-ocs", result.Activated[0].Rule.Rule.ID)
	require.Len(t, result.Expired, 1)
	assert.Equal(t, "restrict-x", result.Expired[0].Rule.Rule.ID)
	assert.True(t, result.Expired[0].WasActive)

	next, found := s.NextRuleTransition(testNow.Add(90 * time.Minute))
	require.True(t, found)
	assert.Equal(t, testNow.Add(2*time.Hour), next)
}

func TestBearerDeferredUntilBinding(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	for _, ruleID := range []string{"static-ocs", "static-qos"} {
		_, err := s.ActivateStaticRule(ruleID, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"static-ocs"}, model.RuleIDs(s.EnforcedRules()))
	assert.Equal(t, []string{"static-qos"}, model.RuleIDs(s.RulesAwaitingBearer()))
	assert.True(t, s.IsRuleAwaitingBearer("static-qos"))

	bearerTeids := model.Teids{AgwTeid: 10, EnbTeid: 20}
	change := s.BindRuleToBearer("static-qos", 6, bearerTeids, s.NewUpdateCriteria())
	assert.Equal(t, RuleInstalled, change.Result)
	assert.Equal(t, bearerTeids, change.Rule.Teids)
	assert.False(t, s.IsRuleAwaitingBearer("static-qos"))
	assert.Equal(t, []string{"static-ocs", "static-qos"}, model.RuleIDs(s.EnforcedRules()))
	assert.Equal(t, []uint32{6}, s.DedicatedBearerIDs())
	assert.True(t, s.MatchesTeid(10))

	assert.Equal(t, RuleNoOp, s.BindRuleToBearer("static-qos", 6, bearerTeids, s.NewUpdateCriteria()).Result)

	removed := s.RemoveRule("static-qos", s.NewUpdateCriteria())
	require.NotNil(t, removed.Bearer)
	assert.Equal(t, uint32(6), removed.Bearer.BearerID)
	assert.Empty(t, s.DedicatedBearerIDs())
}

func TestFailedBearerBindingRemovesRule(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	_, err := s.ActivateStaticRule("static-qos", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)

	change := s.BindRuleToBearer("static-qos", 0, model.Teids{}, s.NewUpdateCriteria())
	assert.Equal(t, RuleRemoved, change.Result)
	_, installed := s.RuleState("static-qos")
	assert.False(t, installed)
	assert.Empty(t, s.EnforcedRules())
	assert.Equal(t, RuleNoOp, s.BindRuleToBearer("static-qos", 7, model.Teids{}, s.NewUpdateCriteria()).Result)
}

func TestReplacingRuleQoSReleasesBearer(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	voice := model.PolicyRule{
		ID: "dyn-voice", Priority: 3, RatingGroup: 1, TrackingType: model.TrackingOnlyOCS,
		QoS: &model.FlowQoS{QCI: 1, GbrUL: 64000, GbrDL: 64000},
	}
	_, err := s.InsertDynamicRule(voice, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	require.Equal(t, RuleInstalled, s.BindRuleToBearer("dyn-voice", 6, model.Teids{AgwTeid: 10, EnbTeid: 20}, s.NewUpdateCriteria()).Result)

	reprioritized := voice
	reprioritized.Priority = 4
	change, err := s.InsertDynamicRule(reprioritized, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	assert.Equal(t, RuleReplaced, change.Result)
	assert.Nil(t, change.Bearer, "same QoS keeps the bearer")
	assert.False(t, s.IsRuleAwaitingBearer("dyn-voice"))

	video := reprioritized
	video.QoS = &model.FlowQoS{QCI: 2, GbrUL: 128000, GbrDL: 128000}
	uc := s.NewUpdateCriteria()
	change, err = s.InsertDynamicRule(video, model.RuleLifetime{}, testNow, uc)
	require.NoError(t, err)
	assert.Equal(t, RuleReplaced, change.Result)
	require.NotNil(t, change.Bearer)
	assert.Equal(t, uint32(6), change.Bearer.BearerID)
	require.NotNil(t, change.Previous)
	assert.Equal(t, model.Teids{AgwTeid: 10, EnbTeid: 20}, change.Previous.Teids)
	assert.True(t, uc.BearerDeletes["dyn-voice"])

	_, bound := s.GetBearerBinding("dyn-voice")
	assert.False(t, bound)
	assert.True(t, s.IsRuleAwaitingBearer("dyn-voice"))
	assert.Empty(t, s.DedicatedBearerIDs())
}

func TestWLANSessionSkipsBearers(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeWLAN)
	_, err := s.ActivateStaticRule("static-qos", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	assert.Equal(t, []string{"static-qos"}, model.RuleIDs(s.EnforcedRules()))
	assert.Empty(t, s.RulesAwaitingBearer())
}

func TestApplyRuleSet(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	dynamic := model.PolicyRule{ID: "dyn", Priority: 1, RatingGroup: 2, TrackingType: model.TrackingOnlyOCS}
	_, err := s.InsertDynamicRule(dynamic, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	for _, ruleID := range []string{"static-ocs", "static-pcrf"} {
		_, err = s.ActivateStaticRule(ruleID, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
		require.NoError(t, err)
	}

	changed := dynamic
	changed.Priority = 9
	result := s.ApplyRuleSet(
		[]string{"static-ocs", "static-qos", "unknown"},
		[]model.PolicyRule{changed},
		testNow,
		s.NewUpdateCriteria(),
	)

	assert.Equal(t, []string{"static-pcrf", "dyn"}, model.RuleIDs(result.ToDeactivate))
	assert.Equal(t, uint32(1), result.ToDeactivate[1].Version)
	assert.Equal(t, []string{"dyn"}, model.RuleIDs(result.ToActivate))
	assert.Equal(t, uint32(2), result.ToActivate[0].Version)
	assert.Equal(t, []string{"static-qos"}, model.RuleIDs(result.NeedBearer))
	assert.Equal(t, []string{"dyn", "static-ocs", "static-qos"}, s.ActiveRuleIDs())

	again := s.ApplyRuleSet([]string{"static-ocs", "static-qos"}, []model.PolicyRule{changed}, testNow, s.NewUpdateCriteria())
	assert.True(t, again.IsEmpty())
}

func TestCumulativeUsageContract(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	require.True(t, s.ReceiveChargingCredit(grant(100000), testNow, s.NewUpdateCriteria()))
	_, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)

	report := func(version uint32, tx, rx uint64) (RuleUsage, bool) {
		return s.AddRuleUsage("static-ocs", version, tx, rx, 0, 0, s.NewUpdateCriteria())
	}

	usage, accounted := report(1, 100, 50)
	require.True(t, accounted)
	assert.Equal(t, RuleUsage{Tx: 100, Rx: 50}, usage)

	usage, _ = report(1, 150, 50)
	assert.Equal(t, RuleUsage{Tx: 50}, usage, "only the growth of a cumulative counter is new")

	usage, _ = report(1, 150, 50)
	assert.Equal(t, RuleUsage{}, usage, "a repeated report adds nothing")

	usage, _ = report(1, 30, 10)
	assert.Equal(t, RuleUsage{Tx: 30, Rx: 10}, usage, "a counter reset is counted in full")

	s.RemoveRule("static-ocs", s.NewUpdateCriteria())
	change, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	require.Equal(t, uint32(2), change.Rule.Version)

	usage, _ = report(2, 20, 20)
	assert.Equal(t, RuleUsage{Tx: 20, Rx: 20}, usage)

	usage, accounted = report(1, 40, 10)
	require.True(t, accounted, "a late report of the previous version still applies")
	assert.Equal(t, RuleUsage{Tx: 10}, usage)

	s.RemoveRule("static-ocs", s.NewUpdateCriteria())
	_, err = s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	_, accounted = report(3, 5, 5)
	require.True(t, accounted)

	_, accounted = report(1, 500, 500)
	assert.False(t, accounted, "versions older than the retained window are dropped")

	stats, found := s.GetRuleStats("static-ocs")
	require.True(t, found)
	assert.Equal(t, uint32(3), stats.CurrentVersion)
	assert.Equal(t, uint32(3), stats.LastReportedVersion)
	assert.Len(t, stats.Counters, 2)

	stored, found := s.GetChargingGrant(ratingGr)
	require.True(t, found)
	assert.Equal(t, uint64(100+50+30+20+10+5), stored.Credit.UsedTx)
	assert.Equal(t, uint64(50+10+20+5), stored.Credit.UsedRx)
}

func TestSessionLevelMonitorCountsAllRules(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	_, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)

	installed := s.InstallMonitoringCredit(model.UsageMonitoringCredit{
		MonitoringKey: "session-mk",
		Level:         model.MonitoringLevelSession,
		GrantedUnits:  model.GrantedUnits{Total: model.CreditUnit{IsValid: true, Volume: 1000}},
	}, s.NewUpdateCriteria())
	require.True(t, installed)
	assert.Equal(t, "session-mk", s.SessionLevelKey())

	s.AddRuleUsage("static-ocs", 1, 300, 200, 0, 0, s.NewUpdateCriteria())
	monitor, found := s.GetMonitor("session-mk")
	require.True(t, found)
	assert.Equal(t, uint64(300), monitor.Credit.UsedTx)
	assert.Equal(t, uint64(200), monitor.Credit.UsedRx)
}

func TestRestrictFinalActionScenario(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	for _, ruleID := range []string{"static-ocs", "static-ocs-2", "static-pcrf"} {
		_, err := s.ActivateStaticRule(ruleID, model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
		require.NoError(t, err)
	}
	response := finalGrant(0, model.FinalActionInfo{
		Action:        model.FinalActionRestrictAccess,
		RestrictRules: []string{"restrict-x"},
	})
	require.True(t, s.ReceiveChargingCredit(response, testNow, s.NewUpdateCriteria()))

	s.AddRuleUsage("static-ocs", 1, 10, 10, 0, 0, s.NewUpdateCriteria())
	lines, actions := s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	assert.Empty(t, lines.Charging, "no update line for a credit whose final action fired")
	require.Len(t, actions, 1)

	restrict, ok := actions[0].(RestrictServiceAction)
	require.True(t, ok)
	assert.Equal(t, []string{"restrict-x"}, model.RuleIDs(restrict.Restrict))
	assert.Equal(t, []string{"static-ocs", "static-ocs-2"}, model.RuleIDs(restrict.Displaced))
	assert.ElementsMatch(t, []string{"static-pcrf", "restrict-x"}, model.RuleIDs(s.EnforcedRules()),
		"displaced rules stay out of the enforced set")

	_, actions = s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	assert.Empty(t, actions, "the action runs once per credit")

	require.True(t, s.ReceiveChargingCredit(grant(1000), testNow, s.NewUpdateCriteria()))
	_, actions = s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	require.Len(t, actions, 1)
	restore, ok := actions[0].(RestoreServiceAction)
	require.True(t, ok)
	assert.Equal(t, []string{"static-ocs", "static-ocs-2"}, model.RuleIDs(restore.Reinstall))
	assert.Equal(t, []string{"restrict-x"}, model.RuleIDs(restore.Remove))
	assert.ElementsMatch(t, []string{"static-ocs", "static-ocs-2", "static-pcrf"}, model.RuleIDs(s.EnforcedRules()))
}

func TestRedirectAndTerminateActions(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	_, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	server := model.RedirectServer{AddressType: model.RedirectAddressURL, ServerAddress: "http://portal"}
	s.ReceiveChargingCredit(finalGrant(0, model.FinalActionInfo{
		Action:         model.FinalActionRedirect,
		RedirectServer: server,
	}), testNow, s.NewUpdateCriteria())

	_, actions := s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	require.Len(t, actions, 1)
	redirect, ok := actions[0].(RedirectServiceAction)
	require.True(t, ok)
	assert.Equal(t, RedirectRuleID(ratingGr), redirect.RedirectRule.Rule.ID)
	assert.Equal(t, server, redirect.RedirectRule.Rule.Redirect.Server)
	assert.Equal(t, []string{"static-ocs"}, model.RuleIDs(redirect.Displaced))
	assert.Equal(t, []string{RedirectRuleID(ratingGr)}, model.RuleIDs(s.EnforcedRules()))

	other := newTestSession(t, model.RATTypeLTE)
	other.ReceiveChargingCredit(grant(100), testNow, other.NewUpdateCriteria())
	_, err = other.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, other.NewUpdateCriteria())
	require.NoError(t, err)
	other.AddRuleUsage("static-ocs", 1, 100, 0, 0, 0, other.NewUpdateCriteria())

	lines, actions := other.GetUpdates(0.8, false, testNow, other.NewUpdateCriteria())
	assert.Empty(t, actions)
	require.Len(t, lines.Charging, 1)
	assert.Equal(t, model.UsageQuotaExhausted, lines.Charging[0].Usage.Type)

	other.MarkChargingFailure(ratingGr, other.NewUpdateCriteria())
	_, actions = other.GetUpdates(0.8, true, testNow, other.NewUpdateCriteria())
	require.Len(t, actions, 1)
	_, ok = actions[0].(TerminateServiceAction)
	assert.True(t, ok)
}

func TestReauthWithoutPriorGrant(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	assert.Equal(t, model.ReAuthUpdateInitiated, s.ReauthKey(ratingGr, s.NewUpdateCriteria()))

	lines, _ := s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	require.Len(t, lines.Charging, 1)
	line := lines.Charging[0]
	assert.Equal(t, model.UsageReauthRequired, line.Usage.Type)
	assert.Zero(t, line.Usage.BytesTx)
	assert.Zero(t, line.Usage.BytesRx)
	assert.Equal(t, uint32(1), line.RequestNumber)
	assert.Equal(t, uint32(2), s.RequestNumber())

	assert.Equal(t, model.ReAuthUpdateNotNeeded, s.ReauthKey(ratingGr, s.NewUpdateCriteria()))
	assert.Equal(t, model.ReAuthUpdateNotNeeded, s.ReauthAll(s.NewUpdateCriteria()))
}

func TestRevalidationProducesMonitorLine(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	assert.False(t, s.MarkRevalidationReady(s.NewUpdateCriteria()))

	s.SetRevalidationTime(testNow.Add(time.Minute), s.NewUpdateCriteria())
	require.True(t, s.MarkRevalidationReady(s.NewUpdateCriteria()))
	assert.False(t, s.MarkRevalidationReady(s.NewUpdateCriteria()), "a redundant firing is a no-op")

	lines, _ := s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	require.Len(t, lines.Monitors, 1)
	assert.Equal(t, model.EventTriggerRevalidationTimeout, lines.Monitors[0].EventTrigger)

	state, _ := s.EventTriggerState(model.EventTriggerRevalidationTimeout)
	assert.Equal(t, TriggerCleared, state)

	lines, _ = s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	assert.True(t, lines.IsEmpty())
}

func TestMonitorRemovedAfterFinalReport(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	_, err := s.ActivateStaticRule("static-pcrf", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	monitoring := model.UsageMonitoringCredit{
		MonitoringKey: "mk1",
		Level:         model.MonitoringLevelRule,
		GrantedUnits:  model.GrantedUnits{Total: model.CreditUnit{IsValid: true, Volume: 100}},
	}
	require.True(t, s.InstallMonitoringCredit(monitoring, s.NewUpdateCriteria()))

	s.AddRuleUsage("static-pcrf", 1, 100, 0, 0, 0, s.NewUpdateCriteria())
	lines, _ := s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	require.Len(t, lines.Monitors, 1)

	monitoring.GrantedUnits = model.GrantedUnits{Total: model.CreditUnit{IsValid: true}}
	require.True(t, s.ReceiveMonitor(model.UsageMonitoringUpdateResponse{Success: true, Credit: &monitoring}, s.NewUpdateCriteria()))
	require.True(t, s.HasMonitor("mk1"))

	lines, _ = s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	require.Len(t, lines.Monitors, 1, "final report of the deleted monitor")

	require.True(t, s.ReceiveMonitor(model.UsageMonitoringUpdateResponse{Success: true, Credit: &monitoring}, s.NewUpdateCriteria()))
	assert.False(t, s.HasMonitor("mk1"))
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	s := New(testKey, model.SessionConfig{SubscriberID: testKey.SubscriberID}, testCatalog(t), testNow)
	assert.Equal(t, StateCreating, s.State())

	err := s.CompleteTermination(s.NewUpdateCriteria())
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	uc := s.NewUpdateCriteria()
	require.NoError(t, s.Activate(uc))
	assert.Equal(t, StateActive, uc.UpdatedState)

	started, err := s.StartTermination(testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, testNow, s.TerminationStartedAt())

	started, err = s.StartTermination(testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	assert.False(t, started, "repeated termination triggers are no-ops")

	uc = s.NewUpdateCriteria()
	require.NoError(t, s.CompleteTermination(uc))
	assert.True(t, uc.IsSessionEnded)
	assert.Equal(t, StateReleased, s.State())

	assert.Error(t, s.Activate(s.NewUpdateCriteria()))
}

func TestLifecycleMachineRejectsUnhandledEvents(t *testing.T) {
	t.Parallel()

	rejected := []struct {
		name  string
		from  State
		event statekit.EventType
	}{
		{"activate after release", StateReleased, eventActivate},
		{"activate while terminating", StateTerminating, eventActivate},
		{"activate twice", StateActive, eventActivate},
		{"release before termination", StateActive, eventRelease},
		{"terminate after release", StateReleased, eventTerminate},
	}
	for _, tc := range rejected {
		landed, err := fireLifecycleEvent(testKey, tc.from, tc.event)
		assert.True(t, errors.Is(err, ErrInvalidTransition), tc.name)
		assert.Equal(t, tc.from, landed, tc.name)
	}

	landed, err := fireLifecycleEvent(testKey, StateCreating, eventTerminate)
	require.NoError(t, err)
	assert.Equal(t, StateTerminating, landed, "creation can be aborted")
}

func TestRemoveAllRulesForTermination(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	_, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	_, err = s.ActivateStaticRule("static-pcrf", model.RuleLifetime{ActivationTime: testNow.Add(time.Hour)}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)

	changes := s.RemoveAllRulesForTermination(s.NewUpdateCriteria())
	require.Len(t, changes, 2)
	assert.True(t, changes[0].WasActive)
	assert.False(t, changes[1].WasActive)
	assert.Empty(t, s.ActiveRuleIDs())
	assert.Empty(t, s.ScheduledRuleIDs())
}

// populatedSession exercises most of the record so that round trips and
// replays cover every field.
func populatedSession(t *testing.T, s *Session, uc *UpdateCriteria) {
	t.Helper()
	_, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, uc)
	require.NoError(t, err)
	_, err = s.ActivateStaticRule("static-qos", model.RuleLifetime{}, testNow, uc)
	require.NoError(t, err)
	_, err = s.ActivateStaticRule("static-pcrf", model.RuleLifetime{ActivationTime: testNow.Add(time.Hour)}, testNow, uc)
	require.NoError(t, err)
	_, err = s.InsertDynamicRule(model.PolicyRule{
		ID:           "dyn",
		RatingGroup:  2,
		TrackingType: model.TrackingOCSAndPCRF,
		FlowList: []model.FlowDescription{
			{Direction: model.FlowUplink, Filter: "permit out ip from any to 8.8.8.8", Action: model.FlowPermit},
		},
	}, model.RuleLifetime{}, testNow, uc)
	require.NoError(t, err)

	response := grant(5000)
	response.ValidityTime = 3600
	require.True(t, s.ReceiveChargingCredit(response, testNow, uc))
	s.InstallMonitoringCredit(model.UsageMonitoringCredit{
		MonitoringKey: "session-mk",
		Level:         model.MonitoringLevelSession,
		GrantedUnits:  model.GrantedUnits{Total: model.CreditUnit{IsValid: true, Volume: 2000}},
	}, uc)
	s.BindRuleToBearer("static-qos", 6, model.Teids{AgwTeid: 10, EnbTeid: 20}, uc)
	s.AddRuleUsage("static-ocs", 1, 4500, 100, 3, 0, uc)
	s.SetRevalidationTime(testNow.Add(time.Minute), uc)
	s.GetUpdates(0.8, false, testNow, uc)
	s.SetTeids(model.Teids{AgwTeid: 3, EnbTeid: 4}, uc)
}

func TestSessionMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	populatedSession(t, s, s.NewUpdateCriteria())

	encoded, err := json.Marshal(s.Marshal())
	require.NoError(t, err)
	var decoded StoredSession
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	restored := Unmarshal(decoded, testCatalog(t))
	assert.Equal(t, s.Marshal(), restored.Marshal())
	assert.Equal(t, s.ActiveRuleIDs(), restored.ActiveRuleIDs())
	assert.Equal(t, s.RuleVersion("static-ocs"), restored.RuleVersion("static-ocs"))
	assert.Equal(t, s.State(), restored.State())
}

func TestUpdateCriteriaReplay(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	before := s.Marshal()

	uc := s.NewUpdateCriteria()
	populatedSession(t, s, uc)
	s.RemoveRule("dyn", uc)
	_, err := s.StartTermination(testNow, uc)
	require.NoError(t, err)

	encoded, err := json.Marshal(uc)
	require.NoError(t, err)
	var decoded UpdateCriteria
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	assert.Equal(t, s.Marshal(), before.ApplyUpdateCriteria(uc, testCatalog(t)))
	assert.Equal(t, s.Marshal(), before.ApplyUpdateCriteria(&decoded, testCatalog(t)))
}

func TestDurableDropsReporting(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, model.RATTypeLTE)
	_, err := s.ActivateStaticRule("static-ocs", model.RuleLifetime{}, testNow, s.NewUpdateCriteria())
	require.NoError(t, err)
	s.ReceiveChargingCredit(grant(100), testNow, s.NewUpdateCriteria())
	s.AddRuleUsage("static-ocs", 1, 90, 0, 0, 0, s.NewUpdateCriteria())
	lines, _ := s.GetUpdates(0.8, false, testNow, s.NewUpdateCriteria())
	require.Len(t, lines.Charging, 1)

	durable := s.Marshal().Durable()
	assert.False(t, durable.Charging[ratingGr].Credit.Reporting)
	assert.True(t, s.Marshal().Charging[ratingGr].Credit.Reporting, "the live record keeps reporting state")

	restored := Unmarshal(durable, testCatalog(t))
	lines, _ = restored.GetUpdates(0.8, false, testNow, restored.NewUpdateCriteria())
	require.Len(t, lines.Charging, 1, "a restart re-detects exhaustion and reports again")
	assert.Equal(t, uint64(90), lines.Charging[0].Usage.BytesTx)
}
