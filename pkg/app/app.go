// Package app wires together the sessiond components:
//   - configuration and logging
//   - policy rule catalog and session store
//   - runtime context and event loop
//   - enforcement plane client and usage poller
//   - charging/policy server and access network clients
//   - enforcer
//   - sbi server and southbound receiver.
//
// cmd/main.go creates an App from the loaded Config and calls Start/Stop
// without knowing internal details.
package app

import (
	stdctx "context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/free5gc/sessiond/internal/aggregator"
	sessiondcontext "github.com/free5gc/sessiond/internal/context"
	"github.com/free5gc/sessiond/internal/enforcer"
	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/pipelined"
	"github.com/free5gc/sessiond/internal/rules"
	"github.com/free5gc/sessiond/internal/sbi"
	"github.com/free5gc/sessiond/internal/scheduler"
	"github.com/free5gc/sessiond/internal/southbound"
	"github.com/free5gc/sessiond/internal/storage"
	"github.com/free5gc/sessiond/pkg/factory"
)

// App is the high-level interface implemented by sessiond.
type App interface {
	// Start brings the instance online:
	//   - associate with the enforcement plane
	//   - start the enforcer and recover stored sessions
	//   - start the sbi and southbound HTTP servers
	//   - start the usage poller.
	Start(ctx stdctx.Context) error

	// Stop shuts down in reverse order and closes the store.
	Stop(ctx stdctx.Context) error
}

// appImpl is the concrete implementation of App.
type appImpl struct {
	config *factory.Config

	runtimeContext  sessiondcontext.RuntimeContext
	sessionStore    storage.Store
	pipelinedClient pipelined.Client
	enforcer        enforcer.Enforcer
	aggregator      aggregator.Aggregator

	sbiServer          *sbi.Server
	southboundReceiver *southbound.Receiver

	cancelPoller stdctx.CancelFunc
	pollerGroup  *errgroup.Group

	startStopMutex sync.Mutex
	started        bool
}

// NewApp constructs an App from a validated configuration. The store is
// opened here; network listeners and the plane association wait for Start.
func NewApp(ctx stdctx.Context, config *factory.Config) (App, error) {
	if config == nil {
		return nil, errors.New("config must not be nil")
	}

	if initError := logger.InitLog(config.Logging.Level, config.Logging.ReportCaller); initError != nil {
		logger.MainLog.Warnf("InitLog failed with level=%s, using fallback: %v",
			config.Logging.Level, initError)
	}

	logger.MainLog.Infof("Starting sessiond version=%s description=%q",
		config.Info.Version, config.Info.Description)

	catalog, catalogError := rules.NewCatalog(config.StaticRules)
	if catalogError != nil {
		return nil, errors.Wrap(catalogError, "build static rule catalog")
	}
	logger.MainLog.Infof("loaded %d static rule(s)", len(config.StaticRules))

	sessionStore, storeError := storage.NewStoreFromConfig(ctx, config.Store, catalog)
	if storeError != nil {
		return nil, errors.Wrap(storeError, "create session store")
	}

	runtimeContext := sessiondcontext.NewRuntimeContext()
	pipelinedClient := pipelined.NewClient(config.Pipelined)

	dependencies := enforcer.Dependencies{
		Store:     sessionStore,
		Catalog:   catalog,
		Loop:      scheduler.NewEventLoop(scheduler.SystemClock()),
		Runtime:   runtimeContext,
		Pipelined: pipelinedClient,
		Proxy:     sbi.NewProxyClient(config.Proxy),
	}
	// A nil interface must stay nil, so only set notifiers that exist.
	if config.Access.LteBaseURL != "" {
		dependencies.LTENotifier = sbi.NewAccessClient("bearer-controller", config.Access.LteBaseURL, config.Access.Timeout())
	}
	if config.Access.WlanBaseURL != "" {
		dependencies.WLANNotifier = sbi.NewAccessClient("aaa", config.Access.WlanBaseURL, config.Access.Timeout())
	}

	sessionEnforcer := enforcer.New(enforcer.ConfigFromFactory(config), dependencies)
	usageAggregator := aggregator.NewAggregator(sessionEnforcer, pipelinedClient)

	return &appImpl{
		config:             config,
		runtimeContext:     runtimeContext,
		sessionStore:       sessionStore,
		pipelinedClient:    pipelinedClient,
		enforcer:           sessionEnforcer,
		aggregator:         usageAggregator,
		sbiServer:          sbi.NewServer(sessionEnforcer, config.Sbi.ListenAddr),
		southboundReceiver: southbound.NewReceiver(usageAggregator, sessionEnforcer, config.Southbound.ListenAddr),
	}, nil
}

// Start implements App.Start.
func (app *appImpl) Start(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if app.started {
		logger.MainLog.Warn("App.Start called more than once; ignoring subsequent call")
		return nil
	}

	app.runtimeContext.SetShutdownRequested(ctx, false)

	if startError := app.pipelinedClient.Start(ctx); startError != nil {
		return errors.Wrap(startError, "start enforcement plane client")
	}
	if startError := app.enforcer.Start(ctx); startError != nil {
		if closeError := app.pipelinedClient.Close(); closeError != nil {
			logger.MainLog.Warnf("enforcement plane client close returned error: %v", closeError)
		}
		return errors.Wrap(startError, "start enforcer")
	}
	// The first polled table carries the plane epoch; the enforcer replays
	// recovered sessions when it sees it advance.
	if syncError := app.enforcer.SyncOnRestart(ctx); syncError != nil {
		app.stopCore(ctx)
		return errors.Wrap(syncError, "recover stored sessions")
	}

	if startError := app.southboundReceiver.Start(ctx); startError != nil {
		app.stopCore(ctx)
		return errors.Wrap(startError, "start southbound receiver")
	}
	if startError := app.sbiServer.Start(ctx); startError != nil {
		if stopError := app.southboundReceiver.Stop(ctx); stopError != nil {
			logger.MainLog.Warnf("southbound receiver stop returned error: %v", stopError)
		}
		app.stopCore(ctx)
		return errors.Wrap(startError, "start sbi server")
	}

	app.startPoller()

	app.started = true
	logger.MainLog.Info("sessiond successfully started")
	return nil
}

// startPoller runs the stats poller until Stop when polling is enabled.
func (app *appImpl) startPoller() {
	interval := app.config.Pipelined.PollInterval()
	if interval <= 0 {
		logger.MainLog.Info("stats polling disabled; relying on pushed usage reports")
		return
	}

	pollerContext, cancel := stdctx.WithCancel(stdctx.Background())
	group, groupContext := errgroup.WithContext(pollerContext)
	group.Go(func() error {
		app.aggregator.Run(groupContext, interval)
		return nil
	})
	app.cancelPoller = cancel
	app.pollerGroup = group
	logger.MainLog.Infof("stats poller running every %s", interval)
}

// Stop implements App.Stop.
func (app *appImpl) Stop(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if !app.started {
		return nil
	}

	logger.MainLog.Info("sessiond shutdown requested")
	app.runtimeContext.SetShutdownRequested(ctx, true)

	if app.cancelPoller != nil {
		app.cancelPoller()
		if waitError := app.pollerGroup.Wait(); waitError != nil {
			logger.MainLog.Warnf("stats poller returned error: %v", waitError)
		}
		app.cancelPoller = nil
		app.pollerGroup = nil
	}

	var firstError error
	keep := func(stopError error, what string) {
		if stopError == nil {
			return
		}
		logger.MainLog.Warnf("%s returned error: %v", what, stopError)
		if firstError == nil {
			firstError = errors.Wrap(stopError, what)
		}
	}

	keep(app.sbiServer.Stop(ctx), "sbi server stop")
	keep(app.southboundReceiver.Stop(ctx), "southbound receiver stop")
	keep(app.enforcer.Stop(ctx), "enforcer stop")
	keep(app.pipelinedClient.Close(), "enforcement plane client close")
	keep(app.sessionStore.Close(), "session store close")

	app.started = false
	logger.MainLog.Info("sessiond shutdown completed")
	return firstError
}

// stopCore undoes a partial Start.
func (app *appImpl) stopCore(ctx stdctx.Context) {
	if stopError := app.enforcer.Stop(ctx); stopError != nil {
		logger.MainLog.Warnf("enforcer stop returned error: %v", stopError)
	}
	if closeError := app.pipelinedClient.Close(); closeError != nil {
		logger.MainLog.Warnf("enforcement plane client close returned error: %v", closeError)
	}
}
