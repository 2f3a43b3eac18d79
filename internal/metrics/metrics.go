package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderoom_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Room metrics
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderoom_active_rooms",
			Help: "Rooms with a running worker",
		},
	)

	OnlineParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderoom_online_participants",
			Help: "Participants currently connected",
		},
	)

	RoomsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_rooms_closed_total",
			Help: "Rooms torn down",
		},
		[]string{"reason"}, // "destroyed" or "expired"
	)

	AdmissionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_admissions_rejected_total",
			Help: "Join attempts refused",
		},
		[]string{"reason"},
	)

	FragmentsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_fragments_applied_total",
			Help: "Document and awareness fragments merged",
		},
		[]string{"kind"}, // "document" or "awareness"
	)

	FragmentsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_fragments_rejected_total",
			Help: "Document fragments refused",
		},
		[]string{"reason"},
	)

	HostTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_host_transfers_total",
			Help: "Host role transfers",
		},
		[]string{"reason"}, // "accepted", "timeout", "host-disconnected", "host-left"
	)

	SocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderoom_socket_connections",
			Help: "Open websocket connections, joined or not",
		},
	)

	SocketMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_socket_messages_dropped_total",
			Help: "Inbound socket messages discarded",
		},
		[]string{"reason"}, // "rate-limit" or "malformed"
	)

	// Execution metrics
	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_executions_total",
			Help: "Code executions by outcome",
		},
		[]string{"outcome"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderoom_execution_duration_seconds",
			Help:    "Wall time of code executions",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Infrastructure metrics
	SnapshotLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderoom_snapshot_latency_seconds",
			Help:    "Time to persist a room snapshot",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .5},
		},
	)
)
