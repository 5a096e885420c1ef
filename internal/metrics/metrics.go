package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_received_total",
			Help: "Push events received from the chat socket",
		},
		[]string{"event"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_rejected_total",
			Help: "Push events dropped because the payload was malformed",
		},
		[]string{"event"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "REST requests issued, by method and status class",
		},
		[]string{"method", "status"},
	)

	HTTPRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_http_retries_total",
			Help: "REST read retries after transient failures",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Connection attempts made after the first",
		},
	)

	// Engine metrics
	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_mutations_total",
			Help: "Optimistic mutations by operation and outcome",
		},
		[]string{"op", "result"}, // result: confirmed, rolled_back, coalesced
	)

	MutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_mutation_duration_seconds",
			Help:    "Time from optimistic apply to reconciliation",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op"},
	)

	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_uploads_total",
			Help: "Attachment uploads by outcome",
		},
		[]string{"result"},
	)

	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_upload_bytes_total",
			Help: "Bytes streamed to presigned upload URLs",
		},
	)

	AISessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_ai_sessions_total",
			Help: "Assistant sessions by action and terminal state",
		},
		[]string{"action", "state"},
	)

	Resyncs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_resync_duration_seconds",
			Help:    "REST snapshot resync latency after connect",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_online_users",
			Help: "Users reported online by the live presence feed",
		},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_bus_dropped_total",
			Help: "Change notifications dropped because a subscriber buffer was full",
		},
		[]string{"namespace"},
	)

	MarkReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_mark_reads_total",
			Help: "Mark-read requests by result",
		},
		[]string{"result"},
	)
)
