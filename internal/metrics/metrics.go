// Package metrics defines the prometheus collectors of sessiond. Collectors
// register with the default registry on package init and are served by the
// /metrics route of the sbi server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sessiond"

// Label values shared by several collectors.
const (
	PeerPipelined = "pipelined"
	PeerProxy     = "proxy"
	PeerAccess    = "access"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// SessionsCreated counts sessions written by initSession, by access type.
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created, by access type.",
		},
		[]string{"rat_type"},
	)

	// SessionsTerminated counts released sessions, by what completed them.
	SessionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Sessions released, by completion path.",
		},
		[]string{"reason"},
	)

	// ActiveSessions tracks the sessions currently stored.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently stored.",
		},
	)

	// UsageBytes counts accounted bytes, by direction.
	UsageBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_bytes_total",
			Help:      "Bytes accounted from rule records, by direction.",
		},
		[]string{"direction"},
	)

	// UpdateRequests counts update requests sent to the charging/policy server.
	UpdateRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_requests_total",
			Help:      "Update requests sent to the charging/policy server, by result.",
		},
		[]string{"result"},
	)

	// ServiceActions counts executed final-unit actions, by kind.
	ServiceActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_actions_total",
			Help:      "Final-unit actions executed, by kind.",
		},
		[]string{"action"},
	)

	// OrphanCleanups counts deactivations sent for flows with no session.
	OrphanCleanups = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_flow_cleanups_total",
			Help:      "Deactivations sent for reported flows without a session.",
		},
	)

	// StoreConflicts counts optimistic-concurrency write conflicts.
	StoreConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Session store writes rejected by a version conflict.",
		},
	)

	// RPCFailures counts failed outbound calls, by peer.
	RPCFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_failures_total",
			Help:      "Failed outbound calls, by peer.",
		},
		[]string{"peer"},
	)

	// RuleRecords counts ingested rule records, by outcome.
	RuleRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_records_total",
			Help:      "Rule records ingested, by outcome.",
		},
		[]string{"outcome"},
	)
)
