// Package aggregator funnels enforcement plane usage into the enforcer. Rule
// record tables arrive pushed through the southbound receiver or pulled by
// the stats poller; both are normalized here before the enforcer accounts
// them.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
)

// Sources of rule record tables.
const (
	SourcePush = "push"
	SourcePoll = "poll"
)

// RecordSink accounts one normalized table. The enforcer is the sink.
type RecordSink interface {
	ReportRuleRecords(ctx context.Context, table model.RuleRecordTable) error
}

// StatsSource is polled for the current usage of every installed rule.
type StatsSource interface {
	PollStats(ctx context.Context) (model.RuleRecordTable, error)
}

// Aggregator is used by the southbound receiver and the app.
type Aggregator interface {
	// IngestRecords normalizes a table and hands it to the sink. It returns
	// the number of records accepted.
	IngestRecords(ctx context.Context, source string, table model.RuleRecordTable) (acceptedCount int, err error)

	// PollOnce pulls one table from the stats source and ingests it.
	PollOnce(ctx context.Context) error

	// Run polls every interval until ctx is done. A zero interval returns at
	// once.
	Run(ctx context.Context, interval time.Duration)
}

// aggregatorImpl is the concrete implementation of Aggregator.
type aggregatorImpl struct {
	sink   RecordSink
	source StatsSource

	// pollMutex keeps polls from overlapping when a tick outlasts the interval.
	pollMutex sync.Mutex
}

// NewAggregator creates an Aggregator feeding sink. source may be nil when
// usage is only pushed.
func NewAggregator(sink RecordSink, source StatsSource) Aggregator {
	return &aggregatorImpl{sink: sink, source: source}
}

// IngestRecords implements Aggregator.IngestRecords.
func (aggregatorImplInstance *aggregatorImpl) IngestRecords(
	ctx context.Context,
	source string,
	table model.RuleRecordTable,
) (int, error) {
	normalized := model.RuleRecordTable{
		Epoch:   table.Epoch,
		Records: make([]model.RuleRecord, 0, len(table.Records)),
	}
	for index, record := range table.Records {
		if record.SubscriberID == "" || record.RuleID == "" {
			logger.AggregatorLog.Warnf("skipping %s record %d without imsi or rule id", source, index)
			continue
		}
		if record.RuleID == model.DropAllRuleID && (record.BytesTx != 0 || record.BytesRx != 0) {
			// The drop-all rule never forwards; its counters only carry drops.
			record.DroppedTx += record.BytesTx
			record.DroppedRx += record.BytesRx
			record.BytesTx, record.BytesRx = 0, 0
		}
		normalized.Records = append(normalized.Records, record)
	}

	if reportError := aggregatorImplInstance.sink.ReportRuleRecords(ctx, normalized); reportError != nil {
		return 0, errors.Wrapf(reportError, "report %d %s record(s)", len(normalized.Records), source)
	}
	logger.AggregatorLog.Debugf("ingested %d/%d %s record(s) at epoch %d",
		len(normalized.Records), len(table.Records), source, table.Epoch)
	return len(normalized.Records), nil
}

// PollOnce implements Aggregator.PollOnce.
func (aggregatorImplInstance *aggregatorImpl) PollOnce(ctx context.Context) error {
	if aggregatorImplInstance.source == nil {
		return nil
	}
	aggregatorImplInstance.pollMutex.Lock()
	defer aggregatorImplInstance.pollMutex.Unlock()

	table, pollError := aggregatorImplInstance.source.PollStats(ctx)
	if pollError != nil {
		if len(table.Records) == 0 {
			return errors.Wrap(pollError, "poll stats")
		}
		// Partial tables are still worth accounting.
		logger.AggregatorLog.Warnf("partial stats poll: %v", pollError)
	}
	_, ingestError := aggregatorImplInstance.IngestRecords(ctx, SourcePoll, table)
	return ingestError
}

// Run implements Aggregator.Run.
func (aggregatorImplInstance *aggregatorImpl) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || aggregatorImplInstance.source == nil {
		logger.AggregatorLog.Info("stats polling disabled")
		return
	}
	logger.AggregatorLog.Infof("polling enforcement plane stats every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pollError := aggregatorImplInstance.PollOnce(ctx); pollError != nil && ctx.Err() == nil {
				logger.AggregatorLog.Warnf("stats poll failed: %v", pollError)
			}
		}
	}
}
