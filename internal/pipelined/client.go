// Package pipelined is the control client of the enforcement plane. Flows of a
// session are expressed as one PFCP session on the plane: every policy rule
// becomes an uplink and a downlink PDR sharing one FAR and one URR, plus a QER
// when the rule carries QoS. Usage is pulled with URR queries and exposed as
// cumulative rule records.
package pipelined

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/wmnsk/go-pfcp/ie"
	"github.com/wmnsk/go-pfcp/message"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/pkg/factory"
)

const (
	maxDatagramSize = 1500
	maxSequence     = 0xffffff
)

var (
	// ErrNotStarted is returned by calls made before Start or after Close.
	ErrNotStarted = errors.New("enforcement plane client not started")
	// ErrRejected is returned when the plane answers with a cause other than
	// request accepted.
	ErrRejected = errors.New("enforcement plane rejected request")
	// ErrUnexpectedResponse is returned when the answer does not match the request.
	ErrUnexpectedResponse = errors.New("unexpected enforcement plane response")
	// ErrRuleIDsExhausted is returned when a session has no PFCP ids left for
	// another rule.
	ErrRuleIDsExhausted = errors.New("no free PFCP rule ids in session")
)

// Client drives the enforcement plane. It satisfies the enforcer's plane
// interface and the stats source of the aggregator.
type Client interface {
	Start(ctx context.Context) error
	Close() error

	ActivateFlows(ctx context.Context, request model.ActivateFlowsRequest) error
	DeactivateFlows(ctx context.Context, request model.DeactivateFlowsRequest) error
	UpdateSubscriberQuotaState(ctx context.Context, updates []model.SubscriberQuotaUpdate) error
	SetupFlows(ctx context.Context, request model.SetupFlowsRequest) error

	// PollStats queries the usage of every installed rule and returns it as
	// one record table stamped with the plane's epoch.
	PollStats(ctx context.Context) (model.RuleRecordTable, error)
}

// pfcpClient talks PFCP over one UDP socket. Operations are serialized by
// operationMutex; the reader goroutine only routes responses.
type pfcpClient struct {
	config   factory.PipelinedSection
	nodeID   *ie.IE
	recovery time.Time

	conn       *net.UDPConn
	peerAddr   *net.UDPAddr
	readerDone chan struct{}

	sequenceMutex sync.Mutex
	sequence      uint32

	pendingMutex sync.Mutex
	pending      map[uint32]chan message.Message

	operationMutex sync.Mutex
	sessions       map[model.SessionKey]*planeSession
	draining       []*drainingSession
	nextSEID       uint64

	epochMutex sync.Mutex
	epoch      uint64

	startStopMutex sync.Mutex
	started        bool
}

// NewClient returns a client for the configured plane. Nothing is sent until
// Start.
func NewClient(config factory.PipelinedSection) Client {
	return &pfcpClient{
		config:   config,
		nodeID:   ie.NewNodeID(config.NodeID, "", ""),
		recovery: time.Now(),
		pending:  make(map[uint32]chan message.Message),
		sessions: make(map[model.SessionKey]*planeSession),
		nextSEID: 1,
		sequence: 1,
	}
}

// Start opens the socket and sets up the PFCP association.
func (client *pfcpClient) Start(ctx context.Context) error {
	client.startStopMutex.Lock()
	defer client.startStopMutex.Unlock()

	if client.started {
		return nil
	}

	peerAddr, resolveError := net.ResolveUDPAddr("udp", client.config.PeerAddr)
	if resolveError != nil {
		return errors.Wrapf(resolveError, "resolve peer %s", client.config.PeerAddr)
	}
	localAddr, resolveError := net.ResolveUDPAddr("udp", client.config.LocalAddr)
	if resolveError != nil {
		return errors.Wrapf(resolveError, "resolve local address %s", client.config.LocalAddr)
	}
	conn, listenError := net.ListenUDP("udp", localAddr)
	if listenError != nil {
		return errors.Wrapf(listenError, "listen on %s", client.config.LocalAddr)
	}

	client.conn = conn
	client.peerAddr = peerAddr
	client.readerDone = make(chan struct{})
	client.started = true
	go client.readLoop(conn, client.readerDone)

	if setupError := client.setupAssociation(ctx); setupError != nil {
		client.started = false
		if closeError := conn.Close(); closeError != nil {
			logger.PipelinedLog.Warnf("closing PFCP socket after failed association: %v", closeError)
		}
		<-client.readerDone
		return setupError
	}
	logger.PipelinedLog.Infof("PFCP association with %s established, epoch %d", peerAddr, client.currentEpoch())
	return nil
}

// Close tears the socket down. Sessions on the plane are left in place; the
// next start replays them through SetupFlows.
func (client *pfcpClient) Close() error {
	client.startStopMutex.Lock()
	defer client.startStopMutex.Unlock()

	if !client.started {
		return nil
	}
	client.started = false
	closeError := client.conn.Close()
	<-client.readerDone
	logger.PipelinedLog.Info("enforcement plane client closed")
	return closeError
}

func (client *pfcpClient) isStarted() bool {
	client.startStopMutex.Lock()
	defer client.startStopMutex.Unlock()
	return client.started
}

func (client *pfcpClient) setupAssociation(ctx context.Context) error {
	request := message.NewAssociationSetupRequest(0, client.nodeID, ie.NewRecoveryTimeStamp(client.recovery))
	response, sendError := client.send(ctx, request)
	if sendError != nil {
		return errors.Wrap(sendError, "association setup")
	}
	setupResponse, ok := response.(*message.AssociationSetupResponse)
	if !ok {
		return errors.Wrapf(ErrUnexpectedResponse, "association setup answered with %s", response.MessageTypeName())
	}
	if causeError := checkCause(setupResponse.Cause); causeError != nil {
		return errors.Wrap(causeError, "association setup")
	}
	if setupResponse.RecoveryTimeStamp != nil {
		client.observeRecovery(setupResponse.RecoveryTimeStamp)
	}
	return nil
}

// observeRecovery derives the plane epoch from its recovery time stamp. A
// newer time stamp means the plane restarted and lost every session. Callers
// hold operationMutex.
func (client *pfcpClient) observeRecovery(recoveryIE *ie.IE) {
	recoveredAt, parseError := recoveryIE.RecoveryTimeStamp()
	if parseError != nil {
		logger.PipelinedLog.Warnf("unreadable recovery time stamp: %v", parseError)
		return
	}
	epoch := uint64(recoveredAt.Unix())

	client.epochMutex.Lock()
	previous := client.epoch
	if epoch > client.epoch {
		client.epoch = epoch
	}
	client.epochMutex.Unlock()

	if previous != 0 && epoch > previous {
		logger.PipelinedLog.Warnf("enforcement plane restarted (epoch %d -> %d), dropping local session table",
			previous, epoch)
		client.sessions = make(map[model.SessionKey]*planeSession)
		client.draining = nil
	}
}

func (client *pfcpClient) currentEpoch() uint64 {
	client.epochMutex.Lock()
	defer client.epochMutex.Unlock()
	return client.epoch
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

func (client *pfcpClient) nextSequence() uint32 {
	client.sequenceMutex.Lock()
	defer client.sequenceMutex.Unlock()
	sequence := client.sequence
	client.sequence++
	if client.sequence > maxSequence {
		client.sequence = 1
	}
	return sequence
}

// send transmits a request and waits for the response with the same
// sequence number. The socket must be open.
func (client *pfcpClient) send(ctx context.Context, request message.Message) (message.Message, error) {
	sequence := client.nextSequence()
	request.SetSequenceNumber(sequence)
	payload := make([]byte, request.MarshalLen())
	if marshalError := request.MarshalTo(payload); marshalError != nil {
		return nil, errors.Wrapf(marshalError, "marshal %s", request.MessageTypeName())
	}

	responseChannel := make(chan message.Message, 1)
	client.pendingMutex.Lock()
	client.pending[sequence] = responseChannel
	client.pendingMutex.Unlock()
	defer func() {
		client.pendingMutex.Lock()
		delete(client.pending, sequence)
		client.pendingMutex.Unlock()
	}()

	timeout := client.config.RPCTimeout()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	requestContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, writeError := client.conn.WriteToUDP(payload, client.peerAddr); writeError != nil {
		return nil, errors.Wrapf(writeError, "send %s", request.MessageTypeName())
	}
	logger.PipelinedLog.Tracef("sent %s seq=%d", request.MessageTypeName(), sequence)

	select {
	case response := <-responseChannel:
		return response, nil
	case <-requestContext.Done():
		return nil, errors.Wrapf(requestContext.Err(), "%s seq=%d", request.MessageTypeName(), sequence)
	}
}

func (client *pfcpClient) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buffer := make([]byte, maxDatagramSize)
	for {
		size, sourceAddr, readError := conn.ReadFromUDP(buffer)
		if readError != nil {
			return
		}
		received, parseError := message.Parse(append([]byte(nil), buffer[:size]...))
		if parseError != nil {
			logger.PipelinedLog.Warnf("dropping unparsable datagram from %s: %v", sourceAddr, parseError)
			continue
		}

		if heartbeat, isHeartbeat := received.(*message.HeartbeatRequest); isHeartbeat {
			client.answerHeartbeat(conn, sourceAddr, heartbeat)
			continue
		}

		client.pendingMutex.Lock()
		responseChannel, waiting := client.pending[received.Sequence()]
		client.pendingMutex.Unlock()
		if !waiting {
			logger.PipelinedLog.Debugf("no request waiting for %s seq=%d", received.MessageTypeName(), received.Sequence())
			continue
		}
		select {
		case responseChannel <- received:
		default:
		}
	}
}

func (client *pfcpClient) answerHeartbeat(conn *net.UDPConn, sourceAddr *net.UDPAddr, request *message.HeartbeatRequest) {
	response := message.NewHeartbeatResponse(request.Sequence(), ie.NewRecoveryTimeStamp(client.recovery))
	payload := make([]byte, response.MarshalLen())
	if marshalError := response.MarshalTo(payload); marshalError != nil {
		logger.PipelinedLog.Warnf("heartbeat response not sent: %v", marshalError)
		return
	}
	if _, writeError := conn.WriteToUDP(payload, sourceAddr); writeError != nil {
		logger.PipelinedLog.Debugf("heartbeat response not sent: %v", writeError)
	}
}

// checkCause maps a PFCP cause IE to an error.
func checkCause(causeIE *ie.IE) error {
	if causeIE == nil {
		return errors.Wrap(ErrUnexpectedResponse, "missing cause")
	}
	cause, causeError := causeIE.Cause()
	if causeError != nil {
		return errors.Wrap(causeError, "read cause")
	}
	if cause != ie.CauseRequestAccepted {
		return errors.Wrapf(ErrRejected, "cause %d", cause)
	}
	return nil
}
