package metrics

import (
	"sync/atomic"
	"time"
)

// Counters tracks process-lifetime totals for the status endpoint.
// Prometheus collectors cover scraping; these feed the JSON status
// report directly without a registry round trip.
type Counters struct {
	startedAt time.Time

	MessagesReceived  atomic.Int64
	MessagesDelivered atomic.Int64
	MessagesBounced   atomic.Int64
	MessagesRetrieved atomic.Int64
	SessionsAccepted  atomic.Int64
	SessionsRejected  atomic.Int64
	DeliveryFailures  atomic.Int64
}

// NewCounters returns a counter set anchored at the current time.
func NewCounters() *Counters {
	return &Counters{startedAt: time.Now()}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	StartedAt         time.Time `json:"started_at"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	MessagesReceived  int64     `json:"messages_received"`
	MessagesDelivered int64     `json:"messages_delivered"`
	MessagesBounced   int64     `json:"messages_bounced"`
	MessagesRetrieved int64     `json:"messages_retrieved"`
	SessionsAccepted  int64     `json:"sessions_accepted"`
	SessionsRejected  int64     `json:"sessions_rejected"`
	DeliveryFailures  int64     `json:"delivery_failures"`
}

// Snapshot returns a consistent-enough copy for status reporting.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		StartedAt:         c.startedAt,
		UptimeSeconds:     int64(time.Since(c.startedAt).Seconds()),
		MessagesReceived:  c.MessagesReceived.Load(),
		MessagesDelivered: c.MessagesDelivered.Load(),
		MessagesBounced:   c.MessagesBounced.Load(),
		MessagesRetrieved: c.MessagesRetrieved.Load(),
		SessionsAccepted:  c.SessionsAccepted.Load(),
		SessionsRejected:  c.SessionsRejected.Load(),
		DeliveryFailures:  c.DeliveryFailures.Load(),
	}
}
