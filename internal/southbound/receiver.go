// Package southbound exposes the HTTP endpoint where the enforcement plane
// pushes usage reports and announces restarts.
//
//	POST /usage        - one rule record table
//	POST /setup-flows  - the plane restarted with a new epoch; replay flows
//
// Pushed tables go through the same aggregator as polled ones.
package southbound

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/free5gc/sessiond/internal/aggregator"
	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/sbi"
)

// FlowReplayer replays every active session's rules at a new epoch.
type FlowReplayer interface {
	SetupFlows(ctx context.Context, epoch uint64) error
}

// SetupFlowsNotify announces an enforcement plane restart.
type SetupFlowsNotify struct {
	Epoch uint64 `json:"epoch" binding:"required"`
}

// Receiver handles pushes from the enforcement plane.
type Receiver struct {
	aggregator aggregator.Aggregator
	replayer   FlowReplayer
	engine     *gin.Engine
	listener   *sbi.Listener
}

// NewReceiver creates a receiver for listenAddr. Nothing listens until Start.
func NewReceiver(targetAggregator aggregator.Aggregator, replayer FlowReplayer, listenAddr string) *Receiver {
	receiver := &Receiver{
		aggregator: targetAggregator,
		replayer:   replayer,
		engine:     sbi.NewEngine(logger.SouthboundLog),
	}
	receiver.engine.POST("/usage", receiver.HandleUsage)
	receiver.engine.POST("/setup-flows", receiver.HandleSetupFlows)
	receiver.listener = sbi.NewListener(listenAddr, receiver.engine, logger.SouthboundLog)
	return receiver
}

// Handler returns the gin engine.
func (receiver *Receiver) Handler() http.Handler {
	return receiver.engine
}

// Start serves in the background.
func (receiver *Receiver) Start(ctx context.Context) error {
	return receiver.listener.Start(ctx)
}

// Stop shuts the listener down gracefully.
func (receiver *Receiver) Stop(ctx context.Context) error {
	return receiver.listener.Stop(ctx)
}

// HandleUsage processes one pushed usage report. It answers 204 once the
// enforcer has accounted the table.
func (receiver *Receiver) HandleUsage(c *gin.Context) {
	var table model.RuleRecordTable
	if !sbi.BindJSON(c, &table) {
		return
	}
	if len(table.Records) == 0 && table.Epoch == 0 {
		logger.SouthboundLog.Debug("received empty usage report")
		c.Status(http.StatusNoContent)
		return
	}

	if _, ingestError := receiver.aggregator.IngestRecords(c.Request.Context(), aggregator.SourcePush, table); ingestError != nil {
		sbi.RespondError(c, "usage report", ingestError)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleSetupFlows replays flows after an enforcement plane restart.
func (receiver *Receiver) HandleSetupFlows(c *gin.Context) {
	var notify SetupFlowsNotify
	if !sbi.BindJSON(c, &notify) {
		return
	}
	logger.SouthboundLog.Infof("enforcement plane announced epoch %d", notify.Epoch)
	if setupError := receiver.replayer.SetupFlows(c.Request.Context(), notify.Epoch); setupError != nil {
		sbi.RespondError(c, "setup flows", setupError)
		return
	}
	c.Status(http.StatusNoContent)
}
