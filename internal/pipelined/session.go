package pipelined

import (
	"math"
	"net"

	"github.com/pkg/errors"
	"github.com/wmnsk/go-pfcp/ie"

	"github.com/free5gc/sessiond/internal/model"
)

const (
	// Ids 1 are reserved for the drop-all rule and the session QER.
	dropAllPDRUplink   uint16 = 1
	dropAllPDRDownlink uint16 = 2
	dropAllFAR         uint32 = 1
	dropAllURR         uint32 = 1
	sessionQER         uint32 = 1
	firstRuleID        uint32 = 2

	// A rule in slot n uses base id firstRuleID+2n and the PDR ids 2*base
	// and 2*base+1, which must stay below 0xFFFF.
	maxRuleSlots uint32 = ((math.MaxUint16-2)/2-firstRuleID)/2 + 1

	dropAllPrecedence uint32 = math.MaxUint32

	ueIPSource      uint8 = 0x02
	ueIPDestination uint8 = 0x06
	fteidIPv4       uint8 = 0x01
)

// installedRule is the PFCP footprint of one policy rule.
type installedRule struct {
	rule    model.PolicyRule
	version uint32
	teids   model.Teids

	slot        uint32
	pdrUplink   uint16
	pdrDownlink uint16
	farUplink   uint32
	farDownlink uint32
	urr         uint32
	qer         uint32
}

// usageCounter accumulates the per-report volumes of one URR.
type usageCounter struct {
	uplink   uint64
	downlink uint64
}

// planeSession mirrors one PFCP session installed on the plane.
type planeSession struct {
	key        model.SessionKey
	localSEID  uint64
	remoteSEID uint64

	ueIPv4 string
	teids  model.Teids
	ambr   *model.AggregatedMaximumBitrate
	gate   model.SubscriberQuotaState

	rules map[string]*installedRule
	usage map[uint32]*usageCounter

	nextSlot  uint32
	freeSlots []uint32
}

func newPlaneSession(key model.SessionKey, localSEID uint64) *planeSession {
	return &planeSession{
		key:       key,
		localSEID: localSEID,
		gate:      model.QuotaValid,
		rules:     make(map[string]*installedRule),
		usage:     map[uint32]*usageCounter{dropAllURR: {}},
	}
}

// adoptContext copies the access context of an activation into the session.
func (s *planeSession) adoptContext(request model.ActivateFlowsRequest) {
	if request.UEIPv4 != "" {
		s.ueIPv4 = request.UEIPv4
	}
	if !request.Teids.IsZero() {
		s.teids = request.Teids
	}
	if request.AMBR != nil {
		s.ambr = request.AMBR
	}
}

// matches reports whether a deactivation addressed at a subscriber rather
// than a session selects s.
func (s *planeSession) matches(request model.DeactivateFlowsRequest) bool {
	if s.key.SubscriberID != request.SubscriberID {
		return false
	}
	if request.SessionID != "" {
		return s.key.SessionID == request.SessionID
	}
	if request.UEIPv4 != "" && request.UEIPv4 == s.ueIPv4 {
		return true
	}
	for _, teids := range request.TeidList {
		if teids.AgwTeid != 0 && teids.AgwTeid == s.teids.AgwTeid {
			return true
		}
		for _, installed := range s.rules {
			if teids.AgwTeid != 0 && teids.AgwTeid == installed.teids.AgwTeid {
				return true
			}
		}
	}
	return len(request.TeidList) == 0 && request.UEIPv4 == ""
}

// allocate reserves the PFCP ids of a new rule install. Slots of released
// rules are reused before new ones are taken.
func (s *planeSession) allocate(toProcess model.RuleToProcess) (*installedRule, error) {
	var slot uint32
	switch {
	case len(s.freeSlots) > 0:
		slot = s.freeSlots[len(s.freeSlots)-1]
		s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]
	case s.nextSlot < maxRuleSlots:
		slot = s.nextSlot
		s.nextSlot++
	default:
		return nil, errors.Wrapf(ErrRuleIDsExhausted, "rule %q of %s", toProcess.Rule.ID, s.key)
	}

	base := firstRuleID + 2*slot
	installed := &installedRule{
		rule:        toProcess.Rule,
		version:     toProcess.Version,
		teids:       toProcess.Teids,
		slot:        slot,
		pdrUplink:   uint16(base * 2),
		pdrDownlink: uint16(base*2 + 1),
		farUplink:   base,
		farDownlink: base + 1,
		urr:         base,
	}
	if toProcess.Rule.QoS != nil {
		installed.qer = base
	}
	if installed.teids.IsZero() {
		installed.teids = s.teids
	}
	s.usage[installed.urr] = &usageCounter{}
	return installed, nil
}

// allocateAll installs the ids of every rule of a session being established.
func (s *planeSession) allocateAll(rulesToProcess []model.RuleToProcess) error {
	for _, toProcess := range rulesToProcess {
		installed, allocateError := s.allocate(toProcess)
		if allocateError != nil {
			return allocateError
		}
		s.rules[toProcess.Rule.ID] = installed
	}
	return nil
}

// release forgets a removed rule and frees its ids.
func (s *planeSession) release(installed *installedRule) {
	delete(s.rules, installed.rule.ID)
	s.freeIDs(installed)
}

// freeIDs returns the ids of a rule to the session without touching the rule
// map, for a rule replaced under the same id.
func (s *planeSession) freeIDs(installed *installedRule) {
	delete(s.usage, installed.urr)
	s.freeSlots = append(s.freeSlots, installed.slot)
}

// -----------------------------------------------------------------------------
// IE builders
// -----------------------------------------------------------------------------

func (client *pfcpClient) fseid(seid uint64) *ie.IE {
	return ie.NewFSEID(seid, net.ParseIP(client.config.NodeID).To4(), nil)
}

func (client *pfcpClient) uplinkPDI(ueIPv4 string, teids model.Teids, filters ...*ie.IE) *ie.IE {
	children := []*ie.IE{ie.NewSourceInterface(ie.SrcInterfaceAccess)}
	if teids.AgwTeid != 0 {
		children = append(children,
			ie.NewFTEID(fteidIPv4, teids.AgwTeid, net.ParseIP(client.config.NodeID).To4(), nil, 0))
	}
	if ueIPv4 != "" {
		children = append(children, ie.NewUEIPAddress(ueIPSource, ueIPv4, "", 0, 0))
	}
	return ie.NewPDI(append(children, filters...)...)
}

func downlinkPDI(ueIPv4 string, filters ...*ie.IE) *ie.IE {
	children := []*ie.IE{ie.NewSourceInterface(ie.SrcInterfaceCore)}
	if ueIPv4 != "" {
		children = append(children, ie.NewUEIPAddress(ueIPDestination, ueIPv4, "", 0, 0))
	}
	return ie.NewPDI(append(children, filters...)...)
}

// sdfFilters returns the packet filters of one direction.
func sdfFilters(flows []model.FlowDescription, direction model.FlowDirection) []*ie.IE {
	var filters []*ie.IE
	for index, flow := range flows {
		if flow.Direction != direction || flow.Filter == "" {
			continue
		}
		filters = append(filters, ie.NewSDFFilter(flow.Filter, "", "", "", uint32(index+1)))
	}
	return filters
}

// forwards reports whether matched traffic passes. A rule whose every flow
// denies drops instead.
func forwards(rule model.PolicyRule) bool {
	if len(rule.FlowList) == 0 {
		return true
	}
	for _, flow := range rule.FlowList {
		if flow.Action != model.FlowDeny {
			return true
		}
	}
	return false
}

func createFAR(id uint32, forward bool, destination uint8) *ie.IE {
	if !forward {
		return ie.NewCreateFAR(ie.NewFARID(id), ie.NewApplyAction(ie.ApplyActionDROP))
	}
	return ie.NewCreateFAR(
		ie.NewFARID(id),
		ie.NewApplyAction(ie.ApplyActionFORW),
		ie.NewForwardingParameters(ie.NewDestinationInterface(destination)),
	)
}

func createURR(id uint32) *ie.IE {
	return ie.NewCreateURR(ie.NewURRID(id), ie.NewMeasurementMethod(0, 1, 0))
}

// createSessionQER carries the AMBR and the quota gate of the session.
func (s *planeSession) createSessionQER() *ie.IE {
	children := []*ie.IE{ie.NewQERID(sessionQER), gateStatus(s.gate)}
	if s.ambr != nil {
		children = append(children, ie.NewMBR(s.ambr.MaxBandwidthUL, s.ambr.MaxBandwidthDL))
	}
	return ie.NewCreateQER(children...)
}

func (s *planeSession) updateSessionQER() *ie.IE {
	children := []*ie.IE{ie.NewQERID(sessionQER), gateStatus(s.gate)}
	if s.ambr != nil {
		children = append(children, ie.NewMBR(s.ambr.MaxBandwidthUL, s.ambr.MaxBandwidthDL))
	}
	return ie.NewUpdateQER(children...)
}

func gateStatus(state model.SubscriberQuotaState) *ie.IE {
	if state == model.QuotaValid {
		return ie.NewGateStatus(ie.GateStatusOpen, ie.GateStatusOpen)
	}
	return ie.NewGateStatus(ie.GateStatusClosed, ie.GateStatusClosed)
}

func createRuleQER(installed *installedRule) *ie.IE {
	qos := installed.rule.QoS
	children := []*ie.IE{
		ie.NewQERID(installed.qer),
		ie.NewGateStatus(ie.GateStatusOpen, ie.GateStatusOpen),
		ie.NewMBR(qos.MaxReqBwUL, qos.MaxReqBwDL),
	}
	if qos.GbrUL != 0 || qos.GbrDL != 0 {
		children = append(children, ie.NewGBR(qos.GbrUL, qos.GbrDL))
	}
	if qos.QCI != 0 && qos.QCI <= math.MaxUint8 {
		children = append(children, ie.NewQFI(uint8(qos.QCI)))
	}
	return ie.NewCreateQER(children...)
}

func createPDR(id uint16, precedence uint32, pdi *ie.IE, far, urr uint32, qers ...uint32) *ie.IE {
	children := []*ie.IE{
		ie.NewPDRID(id),
		ie.NewPrecedence(precedence),
		pdi,
		ie.NewFARID(far),
		ie.NewURRID(urr),
	}
	for _, qer := range qers {
		if qer != 0 {
			children = append(children, ie.NewQERID(qer))
		}
	}
	return ie.NewCreatePDR(children...)
}

// dropAllIEs installs the lowest precedence rule every session carries.
func (client *pfcpClient) dropAllIEs(s *planeSession) []*ie.IE {
	return []*ie.IE{
		createPDR(dropAllPDRUplink, dropAllPrecedence,
			client.uplinkPDI(s.ueIPv4, s.teids), dropAllFAR, dropAllURR, sessionQER),
		createPDR(dropAllPDRDownlink, dropAllPrecedence,
			downlinkPDI(s.ueIPv4), dropAllFAR, dropAllURR, sessionQER),
		createFAR(dropAllFAR, false, 0),
		createURR(dropAllURR),
		s.createSessionQER(),
	}
}

// ruleIEs installs one rule as a PDR pair.
func (client *pfcpClient) ruleIEs(s *planeSession, installed *installedRule) []*ie.IE {
	rule := installed.rule
	forward := forwards(rule)
	ies := []*ie.IE{
		createPDR(installed.pdrUplink, rule.Priority,
			client.uplinkPDI(s.ueIPv4, installed.teids, sdfFilters(rule.FlowList, model.FlowUplink)...),
			installed.farUplink, installed.urr, installed.qer, sessionQER),
		createPDR(installed.pdrDownlink, rule.Priority,
			downlinkPDI(s.ueIPv4, sdfFilters(rule.FlowList, model.FlowDownlink)...),
			installed.farDownlink, installed.urr, installed.qer, sessionQER),
		createFAR(installed.farUplink, forward, ie.DstInterfaceCore),
		createFAR(installed.farDownlink, forward, ie.DstInterfaceAccess),
		createURR(installed.urr),
	}
	if installed.qer != 0 {
		ies = append(ies, createRuleQER(installed))
	}
	return ies
}

func removeRuleIEs(installed *installedRule) []*ie.IE {
	ies := []*ie.IE{
		ie.NewRemovePDR(ie.NewPDRID(installed.pdrUplink)),
		ie.NewRemovePDR(ie.NewPDRID(installed.pdrDownlink)),
		ie.NewRemoveFAR(ie.NewFARID(installed.farUplink)),
		ie.NewRemoveFAR(ie.NewFARID(installed.farDownlink)),
		ie.NewRemoveURR(ie.NewURRID(installed.urr)),
	}
	if installed.qer != 0 {
		ies = append(ies, ie.NewRemoveQER(ie.NewQERID(installed.qer)))
	}
	return ies
}
