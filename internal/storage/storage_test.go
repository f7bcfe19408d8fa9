package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/rules"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/pkg/factory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) *rules.Catalog {
	t.Helper()
	catalog, err := rules.NewCatalog([]model.PolicyRule{
		{ID: "web", Priority: 10, RatingGroup: 1, TrackingType: model.TrackingOnlyOCS},
		{ID: "video", Priority: 20, RatingGroup: 2, TrackingType: model.TrackingOnlyOCS},
	})
	require.NoError(t, err)
	return catalog
}

type backendCase struct {
	name string
	open func(t *testing.T) backend
}

func backendCases() []backendCase {
	cases := []backendCase{
		{name: "memory", open: func(t *testing.T) backend { return nopBackend{} }},
		{name: "badger", open: func(t *testing.T) backend {
			durable, err := newBadgerBackend(factory.StoreConfig{Driver: factory.StoreDriverBadger, KeyPrefix: "test:"})
			require.NoError(t, err)
			return durable
		}},
	}
	if addr := os.Getenv("SESSIOND_TEST_REDIS_ADDR"); addr != "" {
		cases = append(cases, backendCase{name: "redis", open: func(t *testing.T) backend {
			durable, err := newRedisBackend(context.Background(), factory.StoreConfig{
				Driver:    factory.StoreDriverRedis,
				Addr:      addr,
				KeyPrefix: "sessiond-test:" + t.Name() + ":",
			})
			require.NoError(t, err)
			return durable
		}})
	}
	return cases
}

func openStore(t *testing.T, durable backend) *sessionStore {
	t.Helper()
	store, err := newSessionStore(context.Background(), durable, testCatalog(t))
	require.NoError(t, err)
	return store
}

func newActiveSession(t *testing.T, catalog rules.Lookup, subscriberID string, sessionID string) *session.Session {
	t.Helper()
	key := model.SessionKey{SubscriberID: subscriberID, SessionID: sessionID}
	config := model.SessionConfig{SubscriberID: subscriberID, RATType: model.RATTypeLTE, Teids: model.Teids{AgwTeid: 1, EnbTeid: 2}}
	created := session.New(key, config, catalog, testNow)
	uc := created.NewUpdateCriteria()
	require.NoError(t, created.Activate(uc))
	_, err := created.ActivateStaticRule("web", model.RuleLifetime{}, testNow, uc)
	require.NoError(t, err)
	created.ReceiveChargingCredit(model.CreditUpdateResponse{
		Success:      true,
		ChargingKey:  model.ChargingKey{RatingGroup: 1},
		GrantedUnits: model.GrantedUnits{Total: model.CreditUnit{IsValid: true, Volume: 1000}},
	}, testNow, uc)
	return created
}

func readOne(t *testing.T, store Store, key model.SessionKey) *session.Session {
	t.Helper()
	workingSet, err := store.Read(context.Background(), []string{key.SubscriberID})
	require.NoError(t, err)
	found, ok := workingSet.Find(key)
	require.True(t, ok, "session %s not stored", key)
	return found
}

func TestCreateAndRead(t *testing.T) {
	t.Parallel()
	for _, tc := range backendCases() {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := openStore(t, tc.open(t))
			defer store.Close()

			first := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1")
			second := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-0")
			other := newActiveSession(t, store.catalog, "IMSI002", "IMSI002-1")
			for _, created := range []*session.Session{first, second, other} {
				require.NoError(t, store.Create(ctx, created))
			}

			err := store.Create(ctx, newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1"))
			assert.True(t, errors.Is(err, ErrSessionExists))

			workingSet, err := store.Read(ctx, []string{"IMSI001", "IMSI404"})
			require.NoError(t, err)
			require.Len(t, workingSet["IMSI001"], 2)
			assert.Equal(t, "IMSI001-0", workingSet["IMSI001"][0].SessionID())
			assert.NotContains(t, workingSet, "IMSI404")

			loaded := readOne(t, store, first.Key())
			assert.Equal(t, uint64(1), loaded.Version())
			assert.Equal(t, []string{"web"}, loaded.ActiveRuleIDs())
			assert.Equal(t, session.StateActive, loaded.State())

			all, err := store.ReadAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all.Sessions(), 3)
		})
	}
}

func TestReadReturnsOwnedCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, nopBackend{})
	created := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1")
	require.NoError(t, store.Create(ctx, created))

	mutated := readOne(t, store, created.Key())
	mutated.RemoveRule("web", mutated.NewUpdateCriteria())
	assert.Empty(t, mutated.ActiveRuleIDs())

	assert.Equal(t, []string{"web"}, readOne(t, store, created.Key()).ActiveRuleIDs(),
		"mutations that are never written do not leak into the store")
}

func TestWriteDetectsConflicts(t *testing.T) {
	t.Parallel()
	for _, tc := range backendCases() {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := openStore(t, tc.open(t))
			defer store.Close()

			created := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1")
			require.NoError(t, store.Create(ctx, created))
			key := created.Key()

			winner := readOne(t, store, key)
			loser := readOne(t, store, key)

			winnerUpdate := NewSessionUpdate()
			_, err := winner.ActivateStaticRule("video", model.RuleLifetime{}, testNow, winnerUpdate.CriteriaFor(winner))
			require.NoError(t, err)
			require.NoError(t, store.Write(ctx, winnerUpdate))

			loserUpdate := NewSessionUpdate()
			loser.RemoveRule("web", loserUpdate.CriteriaFor(loser))
			err = store.Write(ctx, loserUpdate)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConflict))

			retried := readOne(t, store, key)
			assert.Equal(t, uint64(2), retried.Version())
			assert.Equal(t, []string{"video", "web"}, retried.ActiveRuleIDs())

			retryUpdate := NewSessionUpdate()
			retried.RemoveRule("web", retryUpdate.CriteriaFor(retried))
			require.NoError(t, store.Write(ctx, retryUpdate))
			assert.Equal(t, []string{"video"}, readOne(t, store, key).ActiveRuleIDs())
		})
	}
}

func TestWriteBatchIsAllOrNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, nopBackend{})
	first := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1")
	second := newActiveSession(t, store.catalog, "IMSI002", "IMSI002-1")
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	workingSet, err := store.Read(ctx, []string{"IMSI001", "IMSI002"})
	require.NoError(t, err)

	stale := readOne(t, store, second.Key())
	staleUpdate := NewSessionUpdate()
	stale.RemoveRule("web", staleUpdate.CriteriaFor(stale))
	require.NoError(t, store.Write(ctx, staleUpdate))

	batch := NewSessionUpdate()
	for _, target := range workingSet.Sessions() {
		_, err = target.ActivateStaticRule("video", model.RuleLifetime{}, testNow, batch.CriteriaFor(target))
		require.NoError(t, err)
	}
	err = store.Write(ctx, batch)
	assert.True(t, errors.Is(err, ErrConflict))

	assert.Equal(t, []string{"web"}, readOne(t, store, first.Key()).ActiveRuleIDs(),
		"the fresh session of a conflicting batch is not written either")
}

func TestEndedSessionIsRemoved(t *testing.T) {
	t.Parallel()
	for _, tc := range backendCases() {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := openStore(t, tc.open(t))
			defer store.Close()

			created := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1")
			require.NoError(t, store.Create(ctx, created))

			ending := readOne(t, store, created.Key())
			update := NewSessionUpdate()
			uc := update.CriteriaFor(ending)
			_, err := ending.StartTermination(testNow, uc)
			require.NoError(t, err)
			require.NoError(t, ending.CompleteTermination(uc))
			require.NoError(t, store.Write(ctx, update))

			workingSet, err := store.Read(ctx, []string{"IMSI001"})
			require.NoError(t, err)
			assert.Empty(t, workingSet)

			recreated := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1")
			assert.NoError(t, store.Create(ctx, recreated), "a removed key can be reused")
		})
	}
}

func TestDurableRecordsDropReporting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	durable, err := newBadgerBackend(factory.StoreConfig{Driver: factory.StoreDriverBadger})
	require.NoError(t, err)
	store := openStore(t, durable)
	defer store.Close()

	created := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1")
	require.NoError(t, store.Create(ctx, created))

	reporting := readOne(t, store, created.Key())
	update := NewSessionUpdate()
	uc := update.CriteriaFor(reporting)
	reporting.AddRuleUsage("web", 1, 900, 0, 0, 0, uc)
	lines, _ := reporting.GetUpdates(0.8, false, testNow, uc)
	require.Len(t, lines.Charging, 1)
	require.NoError(t, store.Write(ctx, update))

	live, _ := readOne(t, store, created.Key()).GetChargingGrant(model.ChargingKey{RatingGroup: 1})
	assert.True(t, live.Credit.Reporting)

	restarted := openStore(t, durable)
	recovered, _ := readOne(t, restarted, created.Key()).GetChargingGrant(model.ChargingKey{RatingGroup: 1})
	assert.False(t, recovered.Credit.Reporting)
	assert.Equal(t, uint64(900), recovered.Credit.UsedTx)
}

func TestSyncOnRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t, nopBackend{})

	created := newActiveSession(t, store.catalog, "IMSI001", "IMSI001-1")
	lifetime := model.RuleLifetime{ActivationTime: testNow.Add(time.Hour)}
	_, err := created.ActivateStaticRule("video", lifetime, testNow, created.NewUpdateCriteria())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, created))

	idle := newActiveSession(t, store.catalog, "IMSI002", "IMSI002-1")
	require.NoError(t, store.Create(ctx, idle))

	results, err := store.SyncOnRestart(ctx, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, created.Key(), results[0].Key)
	assert.Equal(t, session.StateActive, results[0].State)
	require.Len(t, results[0].Rules.Activated, 1)
	assert.Equal(t, "video", results[0].Rules.Activated[0].Rule.Rule.ID)
	assert.Empty(t, results[1].Rules.Activated)

	synced := readOne(t, store, created.Key())
	assert.Equal(t, []string{"video", "web"}, synced.ActiveRuleIDs())
	assert.Equal(t, uint64(2), synced.Version())
	assert.Equal(t, uint64(1), readOne(t, store, idle.Key()).Version(), "untouched sessions are not rewritten")
}

func TestNewStoreFromConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewStoreFromConfig(ctx, factory.StoreConfig{Driver: factory.StoreDriverMemory}, testCatalog(t))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewStoreFromConfig(ctx, factory.StoreConfig{Driver: factory.StoreDriverBadger}, testCatalog(t))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewStoreFromConfig(ctx, factory.StoreConfig{Driver: "mongo"}, testCatalog(t))
	assert.Error(t, err)
}

func TestRedisKeyLayout(t *testing.T) {
	t.Parallel()
	durable := newRedisBackendFromClient(nil, "edge-1:")
	key := model.SessionKey{SubscriberID: "IMSI001", SessionID: "IMSI001-7"}
	assert.Equal(t, "edge-1:session:IMSI001:IMSI001-7", durable.recordKey(key))
	assert.Equal(t, "edge-1:session:*", durable.recordPattern())
}
