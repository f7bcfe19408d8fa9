// Package enforcer orchestrates the sessions of sessiond:
//   - Initializes sessions from the charging/policy server's initial answer
//   - Aggregates usage reports of the enforcement plane into sessions and
//     collects update requests
//   - Executes final-unit actions (redirect, restrict, terminate, restore)
//   - Handles reauthorization, revalidation, policy pushes, bearer binding
//   - Terminates sessions and recovers them after a restart
//
// Every operation runs on one event loop. A logical operation reads a working
// set from the session store, mutates it in memory, writes the recorded
// update criteria back and, only once the write committed, runs its effects:
// enforcement-plane calls, server calls, access-network notifications and
// timers. A write conflict discards the working set and re-runs the whole
// operation from a fresh read.
package enforcer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	sessiondcontext "github.com/free5gc/sessiond/internal/context"
	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/metrics"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/rules"
	"github.com/free5gc/sessiond/internal/scheduler"
	"github.com/free5gc/sessiond/internal/storage"
	"github.com/free5gc/sessiond/pkg/factory"
)

var (
	// ErrSessionNotFound is returned when a targeted session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStaleEpoch is returned when a flow setup carries an epoch older than
	// the enforcement plane's current one.
	ErrStaleEpoch = errors.New("stale enforcement plane epoch")

	// ErrInvalidRequest is returned for requests missing mandatory fields.
	ErrInvalidRequest = errors.New("invalid request")

	// errStopRetry marks errors the conflict retrier must not retry.
	errStopRetry = errors.New("not retryable")
)

// PipelinedClient is the control API of the enforcement plane.
type PipelinedClient interface {
	ActivateFlows(ctx context.Context, request model.ActivateFlowsRequest) error
	DeactivateFlows(ctx context.Context, request model.DeactivateFlowsRequest) error
	UpdateSubscriberQuotaState(ctx context.Context, updates []model.SubscriberQuotaUpdate) error
	SetupFlows(ctx context.Context, request model.SetupFlowsRequest) error
}

// SessionProxy is the charging/policy server.
type SessionProxy interface {
	CreateSession(ctx context.Context, request model.CreateSessionRequest) (model.CreateSessionResponse, error)
	UpdateSession(ctx context.Context, request model.UpdateSessionRequest) (model.UpdateSessionResponse, error)
	TerminateSession(ctx context.Context, request model.SessionTerminateRequest) error
}

// AccessNotifier is the access-network component of one access type.
type AccessNotifier interface {
	CreateBearer(ctx context.Context, request model.CreateBearerRequest) error
	DeleteBearer(ctx context.Context, request model.DeleteBearerRequest) error
	TerminateSession(ctx context.Context, key model.SessionKey) error
}

// Enforcer is the API used by the sbi server, the southbound receiver, the
// stats poller and the app. Every method is safe to call from any goroutine
// except the event loop itself.
type Enforcer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// CreateSession asks the charging/policy server for the initial answer
	// and initializes the session from it.
	CreateSession(ctx context.Context, request model.CreateSessionRequest) (model.SessionKey, error)

	// InitSession initializes a session from an initial answer.
	InitSession(
		ctx context.Context,
		key model.SessionKey,
		config model.SessionConfig,
		response model.CreateSessionResponse,
	) error

	// ReportRuleRecords aggregates one usage report and collects updates.
	ReportRuleRecords(ctx context.Context, table model.RuleRecordTable) error

	// EndSession starts an access-initiated termination.
	EndSession(ctx context.Context, key model.SessionKey) error

	ChargingReAuth(ctx context.Context, request model.ChargingReAuthRequest) (model.ChargingReAuthAnswer, error)
	PolicyReAuth(ctx context.Context, request model.PolicyReAuthRequest) (model.PolicyReAuthAnswer, error)
	AbortSession(ctx context.Context, request model.AbortSessionRequest) (model.AbortSessionAnswer, error)

	BindPolicyToBearer(ctx context.Context, request model.PolicyBearerBindingRequest) error
	UpdateTunnelIds(ctx context.Context, request model.UpdateTunnelIdsRequest) error
	SetSessionRules(ctx context.Context, request model.SessionRulesRequest) error

	// SetupFlows replays the rules of every active session to the
	// enforcement plane after it restarted with the given epoch.
	SetupFlows(ctx context.Context, epoch uint64) error

	// SyncOnRestart recovers stored sessions. It must run once before any
	// other traffic is served.
	SyncOnRestart(ctx context.Context) error

	ListSessions(ctx context.Context, subscriberID string) ([]model.SessionSummary, error)
}

// Config holds the enforcer's tunables.
type Config struct {
	QuotaExhaustionThreshold float64
	TerminateOnExhaustion    bool

	ForceTerminationTimeout time.Duration
	BearerCreationDelay     time.Duration
	UpdateRetryDelay        time.Duration
	OrphanCleanupTTL        time.Duration

	ConflictRetries    int
	ConflictRetryDelay time.Duration

	PipelinedTimeout time.Duration
	ProxyTimeout     time.Duration
	AccessTimeout    time.Duration
}

// ConfigFromFactory extracts the enforcer's tunables from the configuration.
func ConfigFromFactory(cfg *factory.Config) Config {
	return Config{
		QuotaExhaustionThreshold: cfg.Sessiond.QuotaExhaustionThreshold,
		TerminateOnExhaustion:    cfg.Sessiond.TerminateOnExhaustion,
		ForceTerminationTimeout:  cfg.Sessiond.ForceTerminationTimeout(),
		BearerCreationDelay:      cfg.Sessiond.BearerCreationDelay(),
		UpdateRetryDelay:         cfg.Sessiond.UpdateRetryDelay(),
		OrphanCleanupTTL:         cfg.Sessiond.OrphanCleanupTTL(),
		ConflictRetries:          cfg.Sessiond.ConflictRetries,
		ConflictRetryDelay:       cfg.Sessiond.ConflictRetryDelay(),
		PipelinedTimeout:         cfg.Pipelined.RPCTimeout(),
		ProxyTimeout:             cfg.Proxy.Timeout(),
		AccessTimeout:            cfg.Access.Timeout(),
	}
}

// Dependencies are the collaborators of the enforcer. Access notifiers may be
// nil when an access type is not deployed.
type Dependencies struct {
	Store        storage.Store
	Catalog      rules.Lookup
	Loop         scheduler.EventLoop
	Runtime      sessiondcontext.RuntimeContext
	Pipelined    PipelinedClient
	Proxy        SessionProxy
	LTENotifier  AccessNotifier
	WLANNotifier AccessNotifier
}

// planeCall is one queued enforcement-plane call.
type planeCall struct {
	description string
	invoke      func(ctx context.Context) error
	done        func(err error)
}

// ruleTimer is the single rule-transition timer of a session.
type ruleTimer struct {
	handle   scheduler.Handle
	deadline time.Time
}

// enforcerImpl is the concrete implementation of Enforcer. Fields below the
// loop marker are only touched from the event loop.
type enforcerImpl struct {
	config Config

	store     storage.Store
	catalog   rules.Lookup
	loop      scheduler.EventLoop
	runtime   sessiondcontext.RuntimeContext
	pipelined PipelinedClient
	proxy     SessionProxy
	notifiers map[model.RATType]AccessNotifier

	conflictRetrier retry.Retry[struct{}]
	orphans         *cache.Cache

	lifetimeContext context.Context
	cancelLifetime  context.CancelFunc

	startStopMutex sync.Mutex
	started        bool
	stopped        bool

	// ---- loop only ----
	forceTerminationTimers map[model.SessionKey]scheduler.Handle
	ruleTimers             map[model.SessionKey]ruleTimer
	planeQueue             []planeCall
	planeCallInFlight      bool
}

// New creates an enforcer. The event loop is started by Start.
func New(config Config, deps Dependencies) Enforcer {
	attempts := config.ConflictRetries
	if attempts < 1 {
		attempts = 1
	}
	lifetimeContext, cancelLifetime := context.WithCancel(context.Background())

	notifiers := make(map[model.RATType]AccessNotifier, 2)
	if deps.LTENotifier != nil {
		notifiers[model.RATTypeLTE] = deps.LTENotifier
	}
	if deps.WLANNotifier != nil {
		notifiers[model.RATTypeWLAN] = deps.WLANNotifier
	}

	runtime := deps.Runtime
	if runtime == nil {
		runtime = sessiondcontext.NewRuntimeContext()
	}

	return &enforcerImpl{
		config:    config,
		store:     deps.Store,
		catalog:   deps.Catalog,
		loop:      deps.Loop,
		runtime:   runtime,
		pipelined: deps.Pipelined,
		proxy:     deps.Proxy,
		notifiers: notifiers,
		conflictRetrier: retry.New[struct{}](retry.Config{
			MaxAttempts:        attempts,
			InitialDelay:       config.ConflictRetryDelay,
			BackoffPolicy:      retry.BackoffExponential,
			Multiplier:         2.0,
			NonRetryableErrors: []error{errStopRetry},
		}),
		// No janitor: expired entries are purged on every aggregation.
		orphans:                cache.New(config.OrphanCleanupTTL, 0),
		lifetimeContext:        lifetimeContext,
		cancelLifetime:         cancelLifetime,
		forceTerminationTimers: make(map[model.SessionKey]scheduler.Handle),
		ruleTimers:             make(map[model.SessionKey]ruleTimer),
	}
}

// Start implements Enforcer.Start.
func (enforcer *enforcerImpl) Start(ctx context.Context) error {
	enforcer.startStopMutex.Lock()
	defer enforcer.startStopMutex.Unlock()

	if enforcer.started {
		logger.EnforcerLog.Warn("Enforcer.Start called more than once; ignoring subsequent call")
		return nil
	}
	enforcer.started = true

	if startError := enforcer.loop.Start(ctx); startError != nil {
		return errors.Wrap(startError, "start event loop")
	}
	logger.EnforcerLog.Info("Enforcer started")
	return nil
}

// Stop implements Enforcer.Stop. In-flight calls are cancelled and their
// completions dropped.
func (enforcer *enforcerImpl) Stop(ctx context.Context) error {
	enforcer.startStopMutex.Lock()
	defer enforcer.startStopMutex.Unlock()

	if enforcer.stopped {
		return nil
	}
	enforcer.stopped = true

	enforcer.cancelLifetime()
	if stopError := enforcer.loop.Stop(ctx); stopError != nil {
		return errors.Wrap(stopError, "stop event loop")
	}
	logger.EnforcerLog.Info("Enforcer stopped")
	return nil
}

// -----------------------------------------------------------------------------
// Loop entry
// -----------------------------------------------------------------------------

// onLoop runs task on the event loop and returns its error.
func (enforcer *enforcerImpl) onLoop(ctx context.Context, task func() error) error {
	var taskError error
	if callError := enforcer.loop.Call(ctx, func() { taskError = task() }); callError != nil {
		return errors.Wrap(callError, "enforcer unavailable")
	}
	return taskError
}

// onLoopAsync runs task on the event loop and waits until it calls finish,
// which may happen from a later loop task. finish must be called once.
func (enforcer *enforcerImpl) onLoopAsync(ctx context.Context, task func(finish func(error))) error {
	outcome := make(chan error, 1)
	postError := enforcer.loop.Post(func() {
		task(func(taskError error) { outcome <- taskError })
	})
	if postError != nil {
		return errors.Wrap(postError, "enforcer unavailable")
	}
	select {
	case taskError := <-outcome:
		return taskError
	case <-ctx.Done():
		return ctx.Err()
	case <-enforcer.lifetimeContext.Done():
		return errors.New("enforcer unavailable: stopped")
	}
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

// effect is work that must only happen once the store write committed. It
// runs on the loop.
type effect func()

type effects []effect

func (all effects) run() {
	for _, work := range all {
		work()
	}
}

// mutation applies one logical operation to a working set. It must record
// every change through update and must not call out of the process.
type mutation func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error)

// transact reads the sessions of subscriberIDs (every session for nil),
// applies mutate and writes the result, then calls done on the loop. A
// conflicting write re-runs the whole operation from a fresh read after the
// conflict retrier's backoff; the backoff waits off the loop so other tasks
// keep running. Effects of the committed attempt run once, before done.
func (enforcer *enforcerImpl) transact(
	ctx context.Context,
	subscriberIDs []string,
	mutate mutation,
	done func(error),
) {
	committed, attemptError := enforcer.attemptTransaction(ctx, subscriberIDs, mutate)
	if !errors.Is(attemptError, storage.ErrConflict) {
		if attemptError == nil {
			committed.run()
		}
		done(attemptError)
		return
	}

	enforcer.loop.Go(func() func() {
		firstAttempt := true
		_, retryError := enforcer.conflictRetrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
			// The attempt that already ran on the loop counts as the first.
			if firstAttempt {
				firstAttempt = false
				return struct{}{}, attemptError
			}
			var retriedError error
			callError := enforcer.loop.Call(ctx, func() {
				committed, retriedError = enforcer.attemptTransaction(ctx, subscriberIDs, mutate)
			})
			if callError != nil {
				return struct{}{}, stopRetry(callError)
			}
			return struct{}{}, retriedError
		})
		return func() {
			if retryError == nil {
				committed.run()
			}
			done(retryError)
		}
	})
}

// attemptTransaction runs one read-mutate-write round on the loop. Only a
// write conflict comes back retryable.
func (enforcer *enforcerImpl) attemptTransaction(
	ctx context.Context,
	subscriberIDs []string,
	mutate mutation,
) (effects, error) {
	var workingSet storage.SessionMap
	var readError error
	if subscriberIDs == nil {
		workingSet, readError = enforcer.store.ReadAll(ctx)
	} else {
		workingSet, readError = enforcer.store.Read(ctx, subscriberIDs)
	}
	if readError != nil {
		return nil, stopRetry(readError)
	}

	update := storage.NewSessionUpdate()
	pending, mutateError := mutate(workingSet, update)
	if mutateError != nil {
		return nil, stopRetry(mutateError)
	}

	if writeError := enforcer.store.Write(ctx, update); writeError != nil {
		if errors.Is(writeError, storage.ErrConflict) {
			metrics.StoreConflicts.Inc()
			logger.EnforcerLog.Debugf("store conflict, retrying: %v", writeError)
			return nil, writeError
		}
		return nil, stopRetry(writeError)
	}
	return pending, nil
}

func stopRetry(cause error) error {
	return fmt.Errorf("%w: %w", errStopRetry, cause)
}

// -----------------------------------------------------------------------------
// Outbound calls
// -----------------------------------------------------------------------------

// callPeer runs call off the loop with a timeout. done, if any, runs on the
// loop with the call's error.
func (enforcer *enforcerImpl) callPeer(
	peer string,
	timeout time.Duration,
	description string,
	call func(ctx context.Context) error,
	done func(err error),
) {
	enforcer.loop.Go(func() func() {
		ctx, cancel := enforcer.peerContext(timeout)
		defer cancel()

		callError := call(ctx)
		if callError != nil {
			metrics.RPCFailures.WithLabelValues(peer).Inc()
			logger.EnforcerLog.Warnf("%s call %s failed: %v", peer, description, callError)
		}
		if done == nil {
			return nil
		}
		return func() { done(callError) }
	})
}

func (enforcer *enforcerImpl) peerContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(enforcer.lifetimeContext)
	}
	return context.WithTimeout(enforcer.lifetimeContext, timeout)
}

// enqueuePlaneCall queues an enforcement-plane call. Plane calls are issued
// one at a time in submission order, so a deactivation queued before an
// activation reaches the plane first.
func (enforcer *enforcerImpl) enqueuePlaneCall(call planeCall) {
	if enforcer.pipelined == nil {
		return
	}
	enforcer.planeQueue = append(enforcer.planeQueue, call)
	if !enforcer.planeCallInFlight {
		enforcer.issueNextPlaneCall()
	}
}

func (enforcer *enforcerImpl) issueNextPlaneCall() {
	if len(enforcer.planeQueue) == 0 {
		enforcer.planeCallInFlight = false
		return
	}
	call := enforcer.planeQueue[0]
	enforcer.planeQueue[0] = planeCall{}
	enforcer.planeQueue = enforcer.planeQueue[1:]
	enforcer.planeCallInFlight = true

	enforcer.callPeer(metrics.PeerPipelined, enforcer.config.PipelinedTimeout, call.description, call.invoke,
		func(callError error) {
			if call.done != nil {
				call.done(callError)
			}
			enforcer.issueNextPlaneCall()
		})
}

// notifierFor returns the access notifier of a session's access type.
func (enforcer *enforcerImpl) notifierFor(ratType model.RATType) (AccessNotifier, bool) {
	notifier, found := enforcer.notifiers[ratType]
	return notifier, found
}

func sessionLog(key model.SessionKey) *logrus.Entry {
	return logger.EnforcerLog.WithFields(logrus.Fields{
		"imsi":       key.SubscriberID,
		"session_id": key.SessionID,
	})
}
