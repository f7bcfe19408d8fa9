package pipelined

import (
	"context"

	"github.com/pkg/errors"
	"github.com/wmnsk/go-pfcp/ie"
	"github.com/wmnsk/go-pfcp/message"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
)

// ActivateFlows installs the rules of one session. An unknown session is
// established with the rules; a known one is modified, replacing any rule
// already installed under the same id.
func (client *pfcpClient) ActivateFlows(ctx context.Context, request model.ActivateFlowsRequest) error {
	if !client.isStarted() {
		return ErrNotStarted
	}
	client.operationMutex.Lock()
	defer client.operationMutex.Unlock()

	key := model.SessionKey{SubscriberID: request.SubscriberID, SessionID: request.SessionID}
	s, known := client.sessions[key]
	if !known {
		s = newPlaneSession(key, client.allocateSEID())
		s.adoptContext(request)
		if allocateError := s.allocateAll(request.Rules); allocateError != nil {
			return allocateError
		}
		return client.establish(ctx, s)
	}

	s.adoptContext(request)
	var ies []*ie.IE
	var replaced []*installedRule
	for _, toProcess := range request.Rules {
		if previous, installed := s.rules[toProcess.Rule.ID]; installed {
			ies = append(ies, removeRuleIEs(previous)...)
			replaced = append(replaced, previous)
		}
	}
	// New ids are taken before the replaced ones are freed, so one message
	// never removes and creates the same id.
	for _, toProcess := range request.Rules {
		installed, allocateError := s.allocate(toProcess)
		if allocateError != nil {
			return allocateError
		}
		s.rules[toProcess.Rule.ID] = installed
		ies = append(ies, client.ruleIEs(s, installed)...)
	}
	for _, previous := range replaced {
		s.freeIDs(previous)
	}
	if request.AMBR != nil {
		ies = append(ies, s.updateSessionQER())
	}
	if len(ies) == 0 {
		return nil
	}
	if _, modifyError := client.modify(ctx, s, ies...); modifyError != nil {
		return errors.Wrapf(modifyError, "activate %v for %s", model.RuleIDs(request.Rules), key)
	}
	logger.PipelinedLog.Debugf("activated %v for %s", model.RuleIDs(request.Rules), key)
	return nil
}

// DeactivateFlows removes rules of one session. RemoveAll deletes every
// matching PFCP session, which is how orphaned flows are cleaned up.
func (client *pfcpClient) DeactivateFlows(ctx context.Context, request model.DeactivateFlowsRequest) error {
	if !client.isStarted() {
		return ErrNotStarted
	}
	client.operationMutex.Lock()
	defer client.operationMutex.Unlock()

	if request.RemoveAll {
		var deleteError error
		removed := 0
		for key, s := range client.sessions {
			if !s.matches(request) {
				continue
			}
			response, err := client.delete(ctx, s)
			if err != nil {
				if deleteError == nil {
					deleteError = errors.Wrapf(err, "delete %s", key)
				}
				continue
			}
			delete(client.sessions, key)
			removed++
			if request.Origin != model.OriginOrphan {
				s.accumulate(response.UsageReport)
				client.draining = append(client.draining, &drainingSession{session: s})
			}
		}
		logger.PipelinedLog.Debugf("removed %d session(s) of %s (origin %s)", removed, request.SubscriberID, request.Origin)
		return deleteError
	}

	key := model.SessionKey{SubscriberID: request.SubscriberID, SessionID: request.SessionID}
	s, known := client.sessions[key]
	if !known {
		logger.PipelinedLog.Debugf("deactivate for unknown session %s ignored", key)
		return nil
	}
	var ies []*ie.IE
	var removed []*installedRule
	for _, toProcess := range request.Rules {
		installed, found := s.rules[toProcess.Rule.ID]
		if !found {
			continue
		}
		ies = append(ies, removeRuleIEs(installed)...)
		removed = append(removed, installed)
	}
	if len(ies) == 0 {
		return nil
	}
	if _, modifyError := client.modify(ctx, s, ies...); modifyError != nil {
		return errors.Wrapf(modifyError, "deactivate %v for %s", model.RuleIDs(request.Rules), key)
	}
	for _, installed := range removed {
		s.release(installed)
	}
	return nil
}

// UpdateSubscriberQuotaState opens or closes the session gate of sessions
// without bearers. A session the plane does not know yet is established
// with the drop-all rule only so the gate is in place before any rule.
func (client *pfcpClient) UpdateSubscriberQuotaState(ctx context.Context, updates []model.SubscriberQuotaUpdate) error {
	if !client.isStarted() {
		return ErrNotStarted
	}
	client.operationMutex.Lock()
	defer client.operationMutex.Unlock()

	var updateError error
	for _, update := range updates {
		if err := client.applyQuotaState(ctx, update); err != nil && updateError == nil {
			updateError = err
		}
	}
	return updateError
}

func (client *pfcpClient) applyQuotaState(ctx context.Context, update model.SubscriberQuotaUpdate) error {
	key := model.SessionKey{SubscriberID: update.SubscriberID, SessionID: update.SessionID}
	s, known := client.sessions[key]
	if !known {
		if update.State == model.QuotaTerminate {
			return nil
		}
		s = newPlaneSession(key, client.allocateSEID())
		s.gate = update.State
		return client.establish(ctx, s)
	}
	if s.gate == update.State {
		return nil
	}
	s.gate = update.State
	if _, modifyError := client.modify(ctx, s, s.updateSessionQER()); modifyError != nil {
		return errors.Wrapf(modifyError, "quota state %s for %s", update.State, key)
	}
	logger.PipelinedLog.Debugf("quota state of %s is %s", key, update.State)
	return nil
}

// SetupFlows replaces everything installed on the plane with the given
// state.
func (client *pfcpClient) SetupFlows(ctx context.Context, request model.SetupFlowsRequest) error {
	if !client.isStarted() {
		return ErrNotStarted
	}
	client.operationMutex.Lock()
	defer client.operationMutex.Unlock()

	if current := client.currentEpoch(); request.Epoch != 0 && current != 0 && request.Epoch < current {
		return errors.Errorf("setup for epoch %d, plane is at %d", request.Epoch, current)
	}

	for key, s := range client.sessions {
		if _, deleteError := client.delete(ctx, s); deleteError != nil {
			logger.PipelinedLog.Debugf("stale session %s not deleted: %v", key, deleteError)
		}
	}
	client.sessions = make(map[model.SessionKey]*planeSession)

	gates := make(map[model.SessionKey]model.SubscriberQuotaState, len(request.Quotas))
	for _, quota := range request.Quotas {
		gates[model.SessionKey{SubscriberID: quota.SubscriberID, SessionID: quota.SessionID}] = quota.State
	}

	var setupError error
	for _, activation := range request.Sessions {
		key := model.SessionKey{SubscriberID: activation.SubscriberID, SessionID: activation.SessionID}
		s := newPlaneSession(key, client.allocateSEID())
		s.adoptContext(activation)
		if state, found := gates[key]; found {
			s.gate = state
			delete(gates, key)
		}
		if err := s.allocateAll(activation.Rules); err != nil {
			logger.PipelinedLog.Warnf("flow setup of %s skipped: %v", key, err)
			if setupError == nil {
				setupError = err
			}
			continue
		}
		if err := client.establish(ctx, s); err != nil && setupError == nil {
			setupError = err
		}
	}
	for key, state := range gates {
		if state == model.QuotaTerminate {
			continue
		}
		s := newPlaneSession(key, client.allocateSEID())
		s.gate = state
		if err := client.establish(ctx, s); err != nil && setupError == nil {
			setupError = err
		}
	}
	logger.PipelinedLog.Infof("flow setup for epoch %d installed %d session(s)", request.Epoch, len(client.sessions))
	return setupError
}

// PollStats checks the plane's recovery time stamp, then queries every URR
// and folds the answers into cumulative rule records.
func (client *pfcpClient) PollStats(ctx context.Context) (model.RuleRecordTable, error) {
	if !client.isStarted() {
		return model.RuleRecordTable{}, ErrNotStarted
	}
	client.operationMutex.Lock()
	defer client.operationMutex.Unlock()

	if heartbeatError := client.heartbeat(ctx); heartbeatError != nil {
		return model.RuleRecordTable{}, heartbeatError
	}

	table := model.RuleRecordTable{Epoch: client.currentEpoch()}
	var pollError error
	for key, s := range client.sessions {
		queries := []*ie.IE{ie.NewQueryURR(ie.NewURRID(dropAllURR))}
		for _, installed := range s.rules {
			queries = append(queries, ie.NewQueryURR(ie.NewURRID(installed.urr)))
		}
		response, modifyError := client.modify(ctx, s, queries...)
		if modifyError != nil {
			if pollError == nil {
				pollError = errors.Wrapf(modifyError, "query usage of %s", key)
			}
			continue
		}
		s.accumulate(response.UsageReport)
		table.Records = append(table.Records, s.records()...)
	}
	table.Records = append(table.Records, client.drainRecords()...)
	return table, pollError
}

// drainingSession is a deleted session whose final usage still has to be
// reported. The first poll carries the final counters, the second only the
// drop-all record, which tells the core no flow is left.
type drainingSession struct {
	session       *planeSession
	finalReported bool
}

func (client *pfcpClient) drainRecords() []model.RuleRecord {
	var records []model.RuleRecord
	remaining := client.draining[:0]
	for _, draining := range client.draining {
		if !draining.finalReported {
			records = append(records, draining.session.records()...)
			draining.finalReported = true
			remaining = append(remaining, draining)
			continue
		}
		records = append(records, draining.session.records()[0])
	}
	client.draining = remaining
	return records
}

// -----------------------------------------------------------------------------
// Session procedures
// -----------------------------------------------------------------------------

func (client *pfcpClient) allocateSEID() uint64 {
	seid := client.nextSEID
	client.nextSEID++
	return seid
}

func (client *pfcpClient) establish(ctx context.Context, s *planeSession) error {
	ies := []*ie.IE{client.nodeID, client.fseid(s.localSEID)}
	ies = append(ies, client.dropAllIEs(s)...)
	for _, installed := range s.rules {
		ies = append(ies, client.ruleIEs(s, installed)...)
	}

	response, sendError := client.send(ctx, message.NewSessionEstablishmentRequest(0, 0, 0, 0, 0, ies...))
	if sendError != nil {
		return errors.Wrapf(sendError, "establish %s", s.key)
	}
	establishment, ok := response.(*message.SessionEstablishmentResponse)
	if !ok {
		return errors.Wrapf(ErrUnexpectedResponse, "establish %s answered with %s", s.key, response.MessageTypeName())
	}
	if causeError := checkCause(establishment.Cause); causeError != nil {
		return errors.Wrapf(causeError, "establish %s", s.key)
	}
	if establishment.UPFSEID != nil {
		fseid, parseError := establishment.UPFSEID.FSEID()
		if parseError != nil {
			return errors.Wrapf(parseError, "establish %s: read remote SEID", s.key)
		}
		s.remoteSEID = fseid.SEID
	}
	client.sessions[s.key] = s
	logger.PipelinedLog.Debugf("established %s with %d rule(s), SEID %d/%d",
		s.key, len(s.rules), s.localSEID, s.remoteSEID)
	return nil
}

func (client *pfcpClient) modify(
	ctx context.Context,
	s *planeSession,
	ies ...*ie.IE,
) (*message.SessionModificationResponse, error) {
	response, sendError := client.send(ctx, message.NewSessionModificationRequest(0, 0, s.remoteSEID, 0, 0, ies...))
	if sendError != nil {
		return nil, sendError
	}
	modification, ok := response.(*message.SessionModificationResponse)
	if !ok {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "modification answered with %s", response.MessageTypeName())
	}
	if causeError := checkCause(modification.Cause); causeError != nil {
		return nil, causeError
	}
	return modification, nil
}

func (client *pfcpClient) delete(ctx context.Context, s *planeSession) (*message.SessionDeletionResponse, error) {
	response, sendError := client.send(ctx, message.NewSessionDeletionRequest(0, 0, s.remoteSEID, 0, 0))
	if sendError != nil {
		return nil, sendError
	}
	deletion, ok := response.(*message.SessionDeletionResponse)
	if !ok {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "deletion answered with %s", response.MessageTypeName())
	}
	if causeError := checkCause(deletion.Cause); causeError != nil {
		return nil, causeError
	}
	return deletion, nil
}

func (client *pfcpClient) heartbeat(ctx context.Context) error {
	response, sendError := client.send(ctx, message.NewHeartbeatRequest(0, ie.NewRecoveryTimeStamp(client.recovery), nil))
	if sendError != nil {
		return errors.Wrap(sendError, "heartbeat")
	}
	heartbeat, ok := response.(*message.HeartbeatResponse)
	if !ok {
		return errors.Wrapf(ErrUnexpectedResponse, "heartbeat answered with %s", response.MessageTypeName())
	}
	if heartbeat.RecoveryTimeStamp != nil {
		client.observeRecovery(heartbeat.RecoveryTimeStamp)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Usage
// -----------------------------------------------------------------------------

// accumulate adds the volumes of usage reports to the URR counters. Reports
// for URRs no longer installed are dropped.
func (s *planeSession) accumulate(reports []*ie.IE) {
	for _, report := range reports {
		var urrID uint32
		var uplink, downlink uint64
		for _, child := range report.ChildIEs {
			switch child.Type {
			case ie.URRID:
				if id, err := child.URRID(); err == nil {
					urrID = id
				}
			case ie.VolumeMeasurement:
				if volume, err := child.VolumeMeasurement(); err == nil {
					uplink = volume.UplinkVolume
					downlink = volume.DownlinkVolume
				}
			}
		}
		counter, tracked := s.usage[urrID]
		if !tracked {
			continue
		}
		counter.uplink += uplink
		counter.downlink += downlink
	}
}

// records renders the counters as rule records. The drop-all record is
// always present while the session is installed.
func (s *planeSession) records() []model.RuleRecord {
	records := make([]model.RuleRecord, 0, len(s.rules)+1)
	dropped := s.usage[dropAllURR]
	records = append(records, model.RuleRecord{
		SubscriberID: s.key.SubscriberID,
		Teid:         s.teids.AgwTeid,
		UEIPv4:       s.ueIPv4,
		RuleID:       model.DropAllRuleID,
		DroppedTx:    dropped.uplink,
		DroppedRx:    dropped.downlink,
	})
	for ruleID, installed := range s.rules {
		counter := s.usage[installed.urr]
		records = append(records, model.RuleRecord{
			SubscriberID: s.key.SubscriberID,
			Teid:         installed.teids.AgwTeid,
			UEIPv4:       s.ueIPv4,
			RuleID:       ruleID,
			RuleVersion:  installed.version,
			BytesTx:      counter.uplink,
			BytesRx:      counter.downlink,
		})
	}
	return records
}
