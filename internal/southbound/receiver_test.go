package southbound

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/sessiond/internal/aggregator"
	"github.com/free5gc/sessiond/internal/enforcer"
	"github.com/free5gc/sessiond/internal/model"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type recordingSink struct {
	tables []model.RuleRecordTable
}

func (sink *recordingSink) ReportRuleRecords(_ context.Context, table model.RuleRecordTable) error {
	sink.tables = append(sink.tables, table)
	return nil
}

type recordingReplayer struct {
	epochs []uint64
	err    error
}

func (replayer *recordingReplayer) SetupFlows(_ context.Context, epoch uint64) error {
	replayer.epochs = append(replayer.epochs, epoch)
	return replayer.err
}

func post(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, isRaw := body.([]byte)
	if !isRaw {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestUsageReportIsIngested(t *testing.T) {
	sink := &recordingSink{}
	receiver := NewReceiver(aggregator.NewAggregator(sink, nil), &recordingReplayer{}, "127.0.0.1:0")

	recorder := post(t, receiver.Handler(), "/usage", model.RuleRecordTable{
		Epoch: 2,
		Records: []model.RuleRecord{{
			SubscriberID: "IMSI1",
			Teid:         11,
			RuleID:       "internet",
			RuleVersion:  1,
			BytesTx:      100,
		}},
	})

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	require.Len(t, sink.tables, 1)
	assert.Equal(t, uint64(2), sink.tables[0].Epoch)
	assert.Equal(t, uint64(100), sink.tables[0].Records[0].BytesTx)
}

func TestEmptyUsageReportIsAccepted(t *testing.T) {
	sink := &recordingSink{}
	receiver := NewReceiver(aggregator.NewAggregator(sink, nil), &recordingReplayer{}, "127.0.0.1:0")

	recorder := post(t, receiver.Handler(), "/usage", model.RuleRecordTable{})

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Empty(t, sink.tables)
}

func TestMalformedUsageReportIsRejected(t *testing.T) {
	sink := &recordingSink{}
	receiver := NewReceiver(aggregator.NewAggregator(sink, nil), &recordingReplayer{}, "127.0.0.1:0")

	recorder := post(t, receiver.Handler(), "/usage", []byte(`{"records": [{"imsi": 7}]}`))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Empty(t, sink.tables)
}

func TestSetupFlows(t *testing.T) {
	t.Run("replays at the announced epoch", func(t *testing.T) {
		replayer := &recordingReplayer{}
		receiver := NewReceiver(aggregator.NewAggregator(&recordingSink{}, nil), replayer, "127.0.0.1:0")

		recorder := post(t, receiver.Handler(), "/setup-flows", SetupFlowsNotify{Epoch: 5})

		assert.Equal(t, http.StatusNoContent, recorder.Code)
		assert.Equal(t, []uint64{5}, replayer.epochs)
	})

	t.Run("stale epoch conflicts", func(t *testing.T) {
		replayer := &recordingReplayer{err: errors.Wrap(enforcer.ErrStaleEpoch, "epoch 1")}
		receiver := NewReceiver(aggregator.NewAggregator(&recordingSink{}, nil), replayer, "127.0.0.1:0")

		recorder := post(t, receiver.Handler(), "/setup-flows", SetupFlowsNotify{Epoch: 1})

		assert.Equal(t, http.StatusConflict, recorder.Code)
	})
}
