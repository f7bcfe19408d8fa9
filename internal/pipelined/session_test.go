package pipelined

import (
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/sessiond/internal/model"
)

func ruleToProcess(ruleID string) model.RuleToProcess {
	return model.RuleToProcess{Rule: model.PolicyRule{ID: ruleID}, Version: 1}
}

func TestReleasedRuleIDsAreReused(t *testing.T) {
	s := newPlaneSession(model.SessionKey{SubscriberID: "IMSI1", SessionID: "IMSI1-1"}, 1)
	require.NoError(t, s.allocateAll([]model.RuleToProcess{ruleToProcess("a"), ruleToProcess("b")}))

	first := s.rules["a"]
	s.release(first)
	assert.NotContains(t, s.usage, first.urr)

	reused, err := s.allocate(ruleToProcess("c"))
	require.NoError(t, err)
	assert.Equal(t, first.pdrUplink, reused.pdrUplink)
	assert.Equal(t, first.farUplink, reused.farUplink)
	assert.Equal(t, first.urr, reused.urr)
	assert.NotEqual(t, s.rules["b"].pdrUplink, reused.pdrUplink)
}

func TestRuleIDsAreBoundedAndAvoidReservedIDs(t *testing.T) {
	s := newPlaneSession(model.SessionKey{SubscriberID: "IMSI1", SessionID: "IMSI1-1"}, 1)

	pdrIDs := make(map[uint16]bool)
	farIDs := make(map[uint32]bool)
	var last *installedRule
	for n := uint32(0); n < maxRuleSlots; n++ {
		installed, err := s.allocate(ruleToProcess(fmt.Sprintf("rule-%d", n)))
		require.NoError(t, err)
		s.rules[installed.rule.ID] = installed
		for _, id := range []uint16{installed.pdrUplink, installed.pdrDownlink} {
			require.False(t, pdrIDs[id], "pdr id %d handed out twice", id)
			require.Greater(t, id, dropAllPDRDownlink)
			require.Less(t, id, uint16(math.MaxUint16))
			pdrIDs[id] = true
		}
		for _, id := range []uint32{installed.farUplink, installed.farDownlink} {
			require.False(t, farIDs[id], "far id %d handed out twice", id)
			require.NotEqual(t, dropAllFAR, id)
			farIDs[id] = true
		}
		require.NotEqual(t, dropAllURR, installed.urr)
		last = installed
	}

	_, err := s.allocate(ruleToProcess("one-too-many"))
	assert.True(t, errors.Is(err, ErrRuleIDsExhausted))

	s.release(last)
	again, err := s.allocate(ruleToProcess("after-release"))
	require.NoError(t, err)
	assert.Equal(t, last.pdrDownlink, again.pdrDownlink)
}

func TestReplacedRuleKeepsDistinctIDsInOneMessage(t *testing.T) {
	s := newPlaneSession(model.SessionKey{SubscriberID: "IMSI1", SessionID: "IMSI1-1"}, 1)
	require.NoError(t, s.allocateAll([]model.RuleToProcess{ruleToProcess("a")}))
	previous := s.rules["a"]

	replacement, err := s.allocate(ruleToProcess("a"))
	require.NoError(t, err)
	s.rules["a"] = replacement
	s.freeIDs(previous)

	assert.NotEqual(t, previous.pdrUplink, replacement.pdrUplink)
	assert.Same(t, replacement, s.rules["a"])
	assert.Contains(t, s.usage, replacement.urr)
	assert.Equal(t, []uint32{previous.slot}, s.freeSlots)
}
