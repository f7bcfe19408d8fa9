package enforcer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	sessiondcontext "github.com/free5gc/sessiond/internal/context"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/rules"
	"github.com/free5gc/sessiond/internal/scheduler"
	"github.com/free5gc/sessiond/internal/storage"
	"github.com/free5gc/sessiond/pkg/factory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	testNow      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testKey      = model.SessionKey{SubscriberID: "IMSI001010000000001", SessionID: "IMSI001010000000001-1"}
	ratingGroup1 = model.ChargingKey{RatingGroup: 1}
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

func testConfig() Config {
	return Config{
		QuotaExhaustionThreshold: 0.8,
		ForceTerminationTimeout:  5 * time.Second,
		BearerCreationDelay:      500 * time.Millisecond,
		UpdateRetryDelay:         2 * time.Second,
		OrphanCleanupTTL:         time.Minute,
		ConflictRetries:          3,
		ConflictRetryDelay:       time.Millisecond,
		PipelinedTimeout:         5 * time.Second,
		ProxyTimeout:             5 * time.Second,
		AccessTimeout:            5 * time.Second,
	}
}

func sessionConfig(ratType model.RATType) model.SessionConfig {
	return model.SessionConfig{
		SubscriberID: testKey.SubscriberID,
		APN:          "internet",
		UEIPv4:       "192.168.128.10",
		RATType:      ratType,
		BearerID:     5,
		Teids:        model.Teids{AgwTeid: 1, EnbTeid: 2},
		MACAddress:   "0a:00:27:00:00:01",
	}
}

func creditGrant(total uint64) model.CreditUpdateResponse {
	return model.CreditUpdateResponse{
		Success:      true,
		SubscriberID: testKey.SubscriberID,
		SessionID:    testKey.SessionID,
		ChargingKey:  ratingGroup1,
		GrantedUnits: model.GrantedUnits{Total: model.CreditUnit{IsValid: true, Volume: total}},
		ResultCode:   model.ResultSuccess,
	}
}

func finalCreditGrant(total uint64, action model.FinalActionInfo) model.CreditUpdateResponse {
	response := creditGrant(total)
	response.IsFinal = true
	response.FinalAction = action
	return response
}

func staticRules(ruleIDs ...string) []model.StaticRuleInstall {
	installs := make([]model.StaticRuleInstall, 0, len(ruleIDs))
	for _, ruleID := range ruleIDs {
		installs = append(installs, model.StaticRuleInstall{RuleID: ruleID})
	}
	return installs
}

func usageRecord(ruleID string, tx, rx uint64) model.RuleRecord {
	return model.RuleRecord{
		SubscriberID: testKey.SubscriberID,
		Teid:         1,
		UEIPv4:       "192.168.128.10",
		RuleID:       ruleID,
		RuleVersion:  1,
		BytesTx:      tx,
		BytesRx:      rx,
	}
}

// -----------------------------------------------------------------------------
// Enforcement plane
// -----------------------------------------------------------------------------

type planeCallKind string

const (
	callActivate   planeCallKind = "activate"
	callDeactivate planeCallKind = "deactivate"
	callQuota      planeCallKind = "quota"
	callSetup      planeCallKind = "setup"
)

type recordedPlaneCall struct {
	kind       planeCallKind
	activate   model.ActivateFlowsRequest
	deactivate model.DeactivateFlowsRequest
	quotas     []model.SubscriberQuotaUpdate
	setup      model.SetupFlowsRequest
}

type fakePipelined struct {
	mutex sync.Mutex
	calls []recordedPlaneCall
}

func (plane *fakePipelined) record(call recordedPlaneCall) error {
	plane.mutex.Lock()
	defer plane.mutex.Unlock()
	plane.calls = append(plane.calls, call)
	return nil
}

func (plane *fakePipelined) ActivateFlows(_ context.Context, request model.ActivateFlowsRequest) error {
	return plane.record(recordedPlaneCall{kind: callActivate, activate: request})
}

func (plane *fakePipelined) DeactivateFlows(_ context.Context, request model.DeactivateFlowsRequest) error {
	return plane.record(recordedPlaneCall{kind: callDeactivate, deactivate: request})
}

func (plane *fakePipelined) UpdateSubscriberQuotaState(_ context.Context, updates []model.SubscriberQuotaUpdate) error {
	return plane.record(recordedPlaneCall{kind: callQuota, quotas: updates})
}

func (plane *fakePipelined) SetupFlows(_ context.Context, request model.SetupFlowsRequest) error {
	return plane.record(recordedPlaneCall{kind: callSetup, setup: request})
}

func (plane *fakePipelined) snapshot() []recordedPlaneCall {
	plane.mutex.Lock()
	defer plane.mutex.Unlock()
	return append([]recordedPlaneCall(nil), plane.calls...)
}

func (plane *fakePipelined) reset() {
	plane.mutex.Lock()
	defer plane.mutex.Unlock()
	plane.calls = nil
}

// trace renders the calls as "activate:a,b" / "deactivate:a" / "deactivate-all"
// / "quota:STATE" / "setup" for order assertions.
func (plane *fakePipelined) trace() []string {
	var lines []string
	for _, call := range plane.snapshot() {
		switch call.kind {
		case callActivate:
			lines = append(lines, "activate:"+joinIDs(model.RuleIDs(call.activate.Rules)))
		case callDeactivate:
			if call.deactivate.RemoveAll {
				lines = append(lines, "deactivate-all:"+string(call.deactivate.Origin))
			} else {
				lines = append(lines, "deactivate:"+joinIDs(model.RuleIDs(call.deactivate.Rules)))
			}
		case callQuota:
			for _, update := range call.quotas {
				lines = append(lines, "quota:"+string(update.State))
			}
		case callSetup:
			lines = append(lines, "setup")
		}
	}
	return lines
}

func joinIDs(ruleIDs []string) string {
	joined := ""
	for index, ruleID := range ruleIDs {
		if index > 0 {
			joined += ","
		}
		joined += ruleID
	}
	return joined
}

// -----------------------------------------------------------------------------
// Charging / policy server
// -----------------------------------------------------------------------------

type fakeProxy struct {
	mutex          sync.Mutex
	createResponse model.CreateSessionResponse
	createError    error
	respond        func(request model.UpdateSessionRequest) (model.UpdateSessionResponse, error)
	gate           chan struct{}
	creates        []model.CreateSessionRequest
	updates        []model.UpdateSessionRequest
	terminations   []model.SessionTerminateRequest
}

func (proxy *fakeProxy) CreateSession(
	_ context.Context,
	request model.CreateSessionRequest,
) (model.CreateSessionResponse, error) {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	proxy.creates = append(proxy.creates, request)
	return proxy.createResponse, proxy.createError
}

func (proxy *fakeProxy) UpdateSession(
	ctx context.Context,
	request model.UpdateSessionRequest,
) (model.UpdateSessionResponse, error) {
	proxy.mutex.Lock()
	proxy.updates = append(proxy.updates, request)
	gate := proxy.gate
	respond := proxy.respond
	proxy.mutex.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.UpdateSessionResponse{}, ctx.Err()
		}
	}
	if respond == nil {
		return model.UpdateSessionResponse{}, nil
	}
	return respond(request)
}

func (proxy *fakeProxy) TerminateSession(_ context.Context, request model.SessionTerminateRequest) error {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	proxy.terminations = append(proxy.terminations, request)
	return nil
}

func (proxy *fakeProxy) setResponder(respond func(request model.UpdateSessionRequest) (model.UpdateSessionResponse, error)) {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	proxy.respond = respond
}

// hold makes update calls block until release.
func (proxy *fakeProxy) hold() {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	proxy.gate = make(chan struct{})
}

func (proxy *fakeProxy) release() {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	if proxy.gate != nil {
		close(proxy.gate)
		proxy.gate = nil
	}
}

func (proxy *fakeProxy) updateRequests() []model.UpdateSessionRequest {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	return append([]model.UpdateSessionRequest(nil), proxy.updates...)
}

func (proxy *fakeProxy) terminateRequests() []model.SessionTerminateRequest {
	proxy.mutex.Lock()
	defer proxy.mutex.Unlock()
	return append([]model.SessionTerminateRequest(nil), proxy.terminations...)
}

// -----------------------------------------------------------------------------
// Access network
// -----------------------------------------------------------------------------

type fakeNotifier struct {
	mutex      sync.Mutex
	created    []model.CreateBearerRequest
	deleted    []model.DeleteBearerRequest
	terminated []model.SessionKey
}

func (notifier *fakeNotifier) CreateBearer(_ context.Context, request model.CreateBearerRequest) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.created = append(notifier.created, request)
	return nil
}

func (notifier *fakeNotifier) DeleteBearer(_ context.Context, request model.DeleteBearerRequest) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.deleted = append(notifier.deleted, request)
	return nil
}

func (notifier *fakeNotifier) TerminateSession(_ context.Context, key model.SessionKey) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.terminated = append(notifier.terminated, key)
	return nil
}

func (notifier *fakeNotifier) createRequests() []model.CreateBearerRequest {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return append([]model.CreateBearerRequest(nil), notifier.created...)
}

func (notifier *fakeNotifier) deleteRequests() []model.DeleteBearerRequest {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return append([]model.DeleteBearerRequest(nil), notifier.deleted...)
}

func (notifier *fakeNotifier) terminatedSessions() []model.SessionKey {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return append([]model.SessionKey(nil), notifier.terminated...)
}

// conflictingStore fails the next armed writes as if another writer got
// there first.
type conflictingStore struct {
	storage.Store

	mutex      sync.Mutex
	conflicts  int
	writes     int
	conflicted chan struct{}
}

func newConflictingStore(t *testing.T) *conflictingStore {
	return &conflictingStore{Store: newTestStore(t), conflicted: make(chan struct{}, 1)}
}

func (store *conflictingStore) arm(conflicts int) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.conflicts = conflicts
	store.writes = 0
}

func (store *conflictingStore) writeCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.writes
}

func (store *conflictingStore) Write(ctx context.Context, update storage.SessionUpdate) error {
	store.mutex.Lock()
	store.writes++
	if store.conflicts > 0 {
		store.conflicts--
		store.mutex.Unlock()
		select {
		case store.conflicted <- struct{}{}:
		default:
		}
		return errors.Wrap(storage.ErrConflict, "concurrent writer")
	}
	store.mutex.Unlock()
	return store.Store.Write(ctx, update)
}

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

type harness struct {
	t         *testing.T
	clock     *scheduler.ManualClock
	loop      scheduler.EventLoop
	store     storage.Store
	runtime   sessiondcontext.RuntimeContext
	pipelined *fakePipelined
	proxy     *fakeProxy
	lte       *fakeNotifier
	wlan      *fakeNotifier
	enforcer  Enforcer
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewStoreFromConfig(context.Background(),
		factory.StoreConfig{Driver: factory.StoreDriverMemory}, testCatalog(t))
	require.NoError(t, err)
	return store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return startHarness(t, newTestStore(t), testNow, testConfig())
}

func startHarness(t *testing.T, store storage.Store, start time.Time, config Config) *harness {
	t.Helper()
	clock := scheduler.NewManualClock(start)
	h := &harness{
		t:         t,
		clock:     clock,
		loop:      scheduler.NewEventLoop(clock),
		store:     store,
		runtime:   sessiondcontext.NewRuntimeContext(),
		pipelined: &fakePipelined{},
		proxy:     &fakeProxy{},
		lte:       &fakeNotifier{},
		wlan:      &fakeNotifier{},
	}
	h.enforcer = New(config, Dependencies{
		Store:        store,
		Catalog:      testCatalog(t),
		Loop:         h.loop,
		Runtime:      h.runtime,
		Pipelined:    h.pipelined,
		Proxy:        h.proxy,
		LTENotifier:  h.lte,
		WLANNotifier: h.wlan,
	})
	require.NoError(t, h.enforcer.Start(context.Background()))
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.proxy.release()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.loop.Settle(ctx)
	require.NoError(h.t, h.enforcer.Stop(ctx))
}

func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.loop.Settle(ctx))
}

// advance moves the clock, runs every timer that came due and waits for the
// work they started.
func (h *harness) advance(delta time.Duration) {
	h.t.Helper()
	h.clock.Advance(delta)
	h.settle()
}

func (h *harness) initSession(ratType model.RATType, response model.CreateSessionResponse) {
	h.t.Helper()
	require.NoError(h.t, h.enforcer.InitSession(context.Background(), testKey, sessionConfig(ratType), response))
	h.settle()
}

func (h *harness) report(records ...model.RuleRecord) {
	h.t.Helper()
	require.NoError(h.t, h.enforcer.ReportRuleRecords(context.Background(), model.RuleRecordTable{Records: records}))
	h.settle()
}

func (h *harness) sessions() []model.SessionSummary {
	h.t.Helper()
	summaries, err := h.enforcer.ListSessions(context.Background(), testKey.SubscriberID)
	require.NoError(h.t, err)
	return summaries
}
