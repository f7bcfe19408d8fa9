package sbi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/free5gc/sessiond/internal/enforcer"
	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
)

// Server exposes the access-side session API, the server-initiated pushes of
// the charging/policy server and the metrics endpoint.
//
//	POST   /sessions                     - create a session
//	GET    /sessions                     - list every stored session
//	GET    /sessions/:imsi               - list the sessions of a subscriber
//	DELETE /sessions/:imsi/:sessionId    - access-initiated termination
//	POST   /bearer-binding               - dedicated bearer result
//	POST   /tunnel-ids                   - default bearer tunnel update
//	POST   /policy-reauth                - policy reauthorization
//	POST   /charging-reauth              - charging reauthorization
//	POST   /abort-session                - ungraceful termination
//	POST   /session-rules                - subscriber-wide rule sets
//	GET    /metrics                      - prometheus
type Server struct {
	enforcer enforcer.Enforcer
	engine   *gin.Engine
	listener *Listener
}

// NewServer builds the gin engine for listenAddr. Nothing listens until
// Start.
func NewServer(sessionEnforcer enforcer.Enforcer, listenAddr string) *Server {
	server := &Server{enforcer: sessionEnforcer}
	server.engine = NewEngine(logger.SbiLog)
	server.routes()
	server.listener = NewListener(listenAddr, server.engine, logger.SbiLog)
	return server
}

// Handler returns the gin engine, for tests and shared listeners.
func (server *Server) Handler() http.Handler {
	return server.engine
}

func (server *Server) routes() {
	server.engine.POST("/sessions", server.handleCreateSession)
	server.engine.GET("/sessions", server.handleListSessions)
	server.engine.GET("/sessions/:imsi", server.handleListSessions)
	server.engine.DELETE("/sessions/:imsi/:sessionId", server.handleEndSession)

	server.engine.POST("/bearer-binding", server.handleBearerBinding)
	server.engine.POST("/tunnel-ids", server.handleTunnelIds)

	server.engine.POST("/policy-reauth", server.handlePolicyReAuth)
	server.engine.POST("/charging-reauth", server.handleChargingReAuth)
	server.engine.POST("/abort-session", server.handleAbortSession)
	server.engine.POST("/session-rules", server.handleSessionRules)

	server.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start listens on the configured address and serves in the background.
func (server *Server) Start(ctx context.Context) error {
	return server.listener.Start(ctx)
}

// Stop shuts the listener down gracefully.
func (server *Server) Stop(ctx context.Context) error {
	return server.listener.Stop(ctx)
}

// -----------------------------------------------------------------------------
// Access-side session API
// -----------------------------------------------------------------------------

func (server *Server) handleCreateSession(c *gin.Context) {
	var request model.CreateSessionRequest
	if !BindJSON(c, &request) {
		return
	}
	key, createError := server.enforcer.CreateSession(c.Request.Context(), request)
	if createError != nil {
		RespondError(c, "create session", createError)
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (server *Server) handleListSessions(c *gin.Context) {
	summaries, listError := server.enforcer.ListSessions(c.Request.Context(), c.Param("imsi"))
	if listError != nil {
		RespondError(c, "list sessions", listError)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (server *Server) handleEndSession(c *gin.Context) {
	key := model.SessionKey{SubscriberID: c.Param("imsi"), SessionID: c.Param("sessionId")}
	if endError := server.enforcer.EndSession(c.Request.Context(), key); endError != nil {
		RespondError(c, "end session", endError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (server *Server) handleBearerBinding(c *gin.Context) {
	var request model.PolicyBearerBindingRequest
	if !BindJSON(c, &request) {
		return
	}
	if bindError := server.enforcer.BindPolicyToBearer(c.Request.Context(), request); bindError != nil {
		RespondError(c, "bearer binding", bindError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (server *Server) handleTunnelIds(c *gin.Context) {
	var request model.UpdateTunnelIdsRequest
	if !BindJSON(c, &request) {
		return
	}
	if updateError := server.enforcer.UpdateTunnelIds(c.Request.Context(), request); updateError != nil {
		RespondError(c, "tunnel id update", updateError)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Server-initiated pushes
// -----------------------------------------------------------------------------

func (server *Server) handlePolicyReAuth(c *gin.Context) {
	var request model.PolicyReAuthRequest
	if !BindJSON(c, &request) {
		return
	}
	answer, reauthError := server.enforcer.PolicyReAuth(c.Request.Context(), request)
	if reauthError != nil {
		RespondError(c, "policy reauth", reauthError)
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (server *Server) handleChargingReAuth(c *gin.Context) {
	var request model.ChargingReAuthRequest
	if !BindJSON(c, &request) {
		return
	}
	answer, reauthError := server.enforcer.ChargingReAuth(c.Request.Context(), request)
	if reauthError != nil {
		RespondError(c, "charging reauth", reauthError)
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (server *Server) handleAbortSession(c *gin.Context) {
	var request model.AbortSessionRequest
	if !BindJSON(c, &request) {
		return
	}
	answer, abortError := server.enforcer.AbortSession(c.Request.Context(), request)
	if abortError != nil {
		RespondError(c, "abort session", abortError)
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (server *Server) handleSessionRules(c *gin.Context) {
	var request model.SessionRulesRequest
	if !BindJSON(c, &request) {
		return
	}
	if rulesError := server.enforcer.SetSessionRules(c.Request.Context(), request); rulesError != nil {
		RespondError(c, "session rules", rulesError)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Helpers shared with the southbound receiver
// -----------------------------------------------------------------------------

// ErrorBody is the JSON body of every 4xx and 5xx answer.
type ErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// NewEngine returns a gin engine with recovery and request logging to log.
func NewEngine(log *logrus.Entry) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))
	return engine
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("handled request")
	}
}

// BindJSON decodes and validates the request body, answering 400 on failure.
func BindJSON(c *gin.Context, target interface{}) bool {
	if bindError := c.ShouldBindJSON(target); bindError != nil {
		logger.SbiLog.Warnf("invalid %s body: %v", c.FullPath(), bindError)
		c.JSON(http.StatusBadRequest, ErrorBody{Message: "invalid JSON body", Error: bindError.Error()})
		return false
	}
	return true
}

// RespondError maps enforcer errors to status codes.
func RespondError(c *gin.Context, operation string, failure error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(failure, enforcer.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(failure, enforcer.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(failure, enforcer.ErrStaleEpoch):
		status = http.StatusConflict
	case errors.Is(failure, context.DeadlineExceeded), errors.Is(failure, ErrPeerStatus):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		logger.SbiLog.Errorf("%s failed: %v", operation, failure)
	} else {
		logger.SbiLog.Infof("%s rejected: %v", operation, failure)
	}
	c.JSON(status, ErrorBody{Message: operation + " failed", Error: failure.Error()})
}

// Listener serves one http.Server in the background.
type Listener struct {
	httpServer *http.Server
	log        *logrus.Entry

	startStopMutex sync.Mutex
	serveDone      chan struct{}
}

// NewListener returns a listener for handler on listenAddr.
func NewListener(listenAddr string, handler http.Handler, log *logrus.Entry) *Listener {
	return &Listener{
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		log: log,
	}
}

// Start listens and serves in the background.
func (listener *Listener) Start(_ context.Context) error {
	listener.startStopMutex.Lock()
	defer listener.startStopMutex.Unlock()
	if listener.serveDone != nil {
		return nil
	}

	netListener, listenError := net.Listen("tcp", listener.httpServer.Addr)
	if listenError != nil {
		return errors.Wrapf(listenError, "listen on %s", listener.httpServer.Addr)
	}
	done := make(chan struct{})
	listener.serveDone = done
	go func() {
		defer close(done)
		listener.log.Infof("serving HTTP on %s", netListener.Addr())
		serveError := listener.httpServer.Serve(netListener)
		if serveError != nil && !errors.Is(serveError, http.ErrServerClosed) {
			listener.log.Errorf("HTTP server on %s stopped: %v", netListener.Addr(), serveError)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully and waits for the serving goroutine.
func (listener *Listener) Stop(ctx context.Context) error {
	listener.startStopMutex.Lock()
	defer listener.startStopMutex.Unlock()
	if listener.serveDone == nil {
		return nil
	}
	shutdownError := listener.httpServer.Shutdown(ctx)
	<-listener.serveDone
	listener.serveDone = nil
	return shutdownError
}
