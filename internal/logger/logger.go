// Package logger provides structured loggers for the components of sessiond.
// It wraps logrus and exposes category-specific log entries such as MainLog,
// EnforcerLog, StorageLog, etc. The logging level and caller reporting can be
// adjusted at runtime via InitLog.
package logger

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	moduleNameSessiond = "SESSIOND"
)

var (
	initOnce sync.Once

	// MainLog is the primary logger for high-level lifecycle events
	// (startup, shutdown, restart recovery).
	MainLog *log.Entry

	// CfgLog is used for configuration loading, validation, and printing.
	CfgLog *log.Entry

	// EnforcerLog is for session orchestration: init, usage, actions, reauth, termination.
	EnforcerLog *log.Entry

	// SessionLog is for per-session record mutations and rule lifecycle changes.
	SessionLog *log.Entry

	// StorageLog is for the session store and its durable backends.
	StorageLog *log.Entry

	// PipelinedLog is for the enforcement-plane control client.
	PipelinedLog *log.Entry

	// SbiLog is for charging/policy and access-network interactions, client and server side.
	SbiLog *log.Entry

	// SouthboundLog is for usage reports pushed by the enforcement plane.
	SouthboundLog *log.Entry

	// AggregatorLog is for stats polling and rule-record batching.
	AggregatorLog *log.Entry

	// SchedulerLog is for the event loop and its timers.
	SchedulerLog *log.Entry

	// ContextLog is for runtime flags (epoch, restart sync, shutdown).
	ContextLog *log.Entry
)

func init() {
	// Category loggers must be usable from tests that never call InitLog.
	if initError := InitLog("info", false); initError != nil {
		log.Warnf("default log setup failed: %v", initError)
	}
}

// InitLog configures the global logrus settings and initializes all category
// loggers. It is safe to call multiple times; the first call creates the
// entries and every call updates the log level and reportCaller flag.
func InitLog(levelString string, reportCaller bool) error {
	var initErr error

	initOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})

		log.SetLevel(log.InfoLevel)

		MainLog = newCategory("MAIN")
		CfgLog = newCategory("CFG")
		EnforcerLog = newCategory("ENFORCER")
		SessionLog = newCategory("SESSION")
		StorageLog = newCategory("STORAGE")
		PipelinedLog = newCategory("PIPELINED")
		SbiLog = newCategory("SBI")
		SouthboundLog = newCategory("SOUTHBOUND")
		AggregatorLog = newCategory("AGGREGATOR")
		SchedulerLog = newCategory("SCHEDULER")
		ContextLog = newCategory("CONTEXT")
	})

	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		log.SetLevel(log.InfoLevel)
		CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		initErr = parseErr
	} else {
		log.SetLevel(parsedLevel)
	}

	log.SetReportCaller(reportCaller)

	return initErr
}

func newCategory(category string) *log.Entry {
	return log.WithFields(log.Fields{
		"module":   moduleNameSessiond,
		"category": category,
	})
}

// parseLogLevel accepts any logrus level name, ignoring case and blanks. An
// empty string means info.
func parseLogLevel(levelString string) (log.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(levelString))
	if normalized == "" {
		return log.InfoLevel, nil
	}
	level, parseErr := log.ParseLevel(normalized)
	if parseErr != nil {
		return log.InfoLevel, errors.Wrapf(parseErr, "log level %q", levelString)
	}
	return level, nil
}
