package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mismo_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mismo_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mismo_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mismo_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mismo_connections_rejected_total",
			Help: "Total number of connections rejected by limits",
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mismo_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Message flow metrics
var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mismo_messages_received_total",
			Help: "Total number of messages accepted over SMTP",
		},
		[]string{"result"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mismo_messages_rejected_total",
			Help: "Total number of messages rejected during an SMTP transaction",
		},
		[]string{"reason"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mismo_message_size_bytes",
			Help:    "Size distribution of accepted messages",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	MessagesRetrieved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mismo_messages_retrieved_total",
			Help: "Total number of messages retrieved over POP3",
		},
	)

	MessagesExpunged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mismo_messages_expunged_total",
			Help: "Total number of messages expunged after POP3 QUIT",
		},
	)
)

// Queue metrics
var (
	QueueSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mismo_queue_sweeps_total",
			Help: "Total number of queue sweeps executed",
		},
	)

	QueueSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mismo_queue_sweep_duration_seconds",
			Help:    "Duration of queue sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mismo_delivery_attempts_total",
			Help: "Total number of outbound delivery attempts",
		},
		[]string{"result"},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mismo_messages_delivered_total",
			Help: "Total number of messages reaching a terminal delivered state",
		},
		[]string{"disposition"},
	)

	MessagesBounced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mismo_messages_bounced_total",
			Help: "Total number of messages bounced after exhausting delivery attempts",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mismo_queue_depth",
			Help: "Number of messages waiting in the outbound queue",
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mismo_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mismo_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

// Domain/mailbox registry metrics
var (
	MailboxesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mismo_mailboxes_total",
			Help: "Total number of mailboxes",
		},
	)

	DomainsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mismo_domains_total",
			Help: "Total number of registered domains",
		},
	)
)
