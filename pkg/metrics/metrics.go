package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks mesh, dispatch and consensus metrics
type Metrics struct {
	// Mesh metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionsAdded   prometheus.Counter
	ConnectionsRemoved *prometheus.CounterVec
	FramesSent         prometheus.Counter
	FramesReceived     prometheus.Counter
	SendFull           prometheus.Counter
	SendDisconnected   prometheus.Counter
	SendIOErrors       prometheus.Counter

	// Peer dialing
	DialAttempts prometheus.Counter
	DialFailures prometheus.Counter

	// Dispatch metrics
	MessagesDispatched *prometheus.CounterVec
	DispatchErrors     *prometheus.CounterVec
	DispatchLatency    prometheus.Histogram

	// Consensus metrics
	ProposalsActive    prometheus.Gauge
	ProposalsSubmitted prometheus.Counter
	ProposalOutcomes   *prometheus.CounterVec
	ProposalDuration   prometheus.Histogram
	VotesReceived      *prometheus.CounterVec
	VotesDropped       *prometheus.CounterVec
	SendRetries        prometheus.Counter

	// Directory metrics
	CircuitsActive         prometheus.Gauge
	DirectoryWriteFailures prometheus.Counter
}

// New creates and registers Prometheus metrics
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "circuitmesh_connections_active",
			Help: "Number of connections registered with the mesh",
		}),
		ConnectionsAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_connections_added_total",
			Help: "Total number of connections added to the mesh",
		}),
		ConnectionsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitmesh_connections_removed_total",
			Help: "Total number of connections removed from the mesh",
		}, []string{"reason"}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_frames_sent_total",
			Help: "Total number of frames written to connections",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_frames_received_total",
			Help: "Total number of frames read from connections",
		}),
		SendFull: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_send_full_total",
			Help: "Sends refused because the outgoing queue was full",
		}),
		SendDisconnected: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_send_disconnected_total",
			Help: "Sends refused because the connection was removed",
		}),
		SendIOErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_send_io_errors_total",
			Help: "Sends refused after a connection write failed",
		}),

		DialAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_peer_dial_attempts_total",
			Help: "Total number of outbound peer dial attempts",
		}),
		DialFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_peer_dial_failures_total",
			Help: "Total number of failed outbound peer dials",
		}),

		MessagesDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitmesh_messages_dispatched_total",
			Help: "Messages handled successfully, by type",
		}, []string{"type"}),
		DispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitmesh_dispatch_errors_total",
			Help: "Dispatch failures, by type and kind",
		}, []string{"type", "kind"}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "circuitmesh_dispatch_latency_seconds",
			Help:    "Time spent decoding and handling one message",
			Buckets: prometheus.DefBuckets,
		}),

		ProposalsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "circuitmesh_proposals_active",
			Help: "Proposals currently awaiting votes",
		}),
		ProposalsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_proposals_submitted_total",
			Help: "Proposals accepted into voting",
		}),
		ProposalOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitmesh_proposal_outcomes_total",
			Help: "Terminal proposal outcomes",
		}, []string{"outcome", "reason"}),
		ProposalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "circuitmesh_proposal_duration_seconds",
			Help:    "Time from proposal to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		VotesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitmesh_votes_received_total",
			Help: "Votes recorded, by decision",
		}, []string{"decision"}),
		VotesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuitmesh_votes_dropped_total",
			Help: "Votes ignored, by reason",
		}, []string{"reason"}),
		SendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_consensus_send_retries_total",
			Help: "Consensus message sends retried after a full queue",
		}),

		CircuitsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "circuitmesh_circuits_active",
			Help: "Committed circuits that are routable",
		}),
		DirectoryWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "circuitmesh_directory_write_failures_total",
			Help: "Failed durable directory writes",
		}),
	}
}

// Discard returns metrics registered on a private registry, for callers
// that were given none.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
