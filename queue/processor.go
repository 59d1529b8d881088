// Package queue implements the outbound delivery processor: a periodic
// sweep over ENQUEUED messages that locks each one, resolves MX targets
// and attempts delivery with an escalating retry schedule.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/mismo-messaging/mismo/consts"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/logger"
	"github.com/mismo-messaging/mismo/pkg/metrics"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultLockTimeout   = 15 * time.Minute
	DefaultDeliveryLimit = 50
)

// backoffSchedule maps the attempt count after a failed cycle to the
// delay before the next try. Cumulative span is roughly 41 hours.
var backoffSchedule = []time.Duration{
	5 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	720 * time.Minute,
	1440 * time.Minute,
}

// backoffDelay returns the deferral for a message that has now failed
// attempts delivery cycles.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		return backoffSchedule[0]
	}
	if attempts > len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempts-1]
}

// Store is the persistence surface the processor drives.
type Store interface {
	DueMessages(ctx context.Context, now time.Time, limit int) ([]*db.Message, error)
	AcquireLock(ctx context.Context, id int64, now time.Time) (bool, error)
	ReclaimStaleLocks(ctx context.Context, threshold time.Duration) (int64, error)
	ReleaseForRetry(ctx context.Context, id int64, attempts int, next time.Time, logEntry string) error
	SetTerminalState(ctx context.Context, id int64, state consts.MessageState, logEntry string) error
	SetMXSnapshot(ctx context.Context, id int64, snapshot []byte) error
	InsertMessage(ctx context.Context, msg *db.Message, attachments []*db.Attachment) (int64, error)
	GetDomainByName(ctx context.Context, name string) (*db.Domain, error)
	QueueDepth(ctx context.Context) (int64, error)
}

// Resolver looks up mail exchanges for a domain. Satisfied by
// net.DefaultResolver.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// MXRecord is one resolved mail exchange, persisted as part of the MX
// snapshot on the message.
type MXRecord struct {
	Host string `json:"host"`
	Pref uint16 `json:"pref"`
}

// Processor runs the delivery sweep loop. Multiple processors may share
// one store: the conditional ENQUEUED->LOCKED transition is the mutual
// exclusion between them.
type Processor struct {
	store    Store
	resolver Resolver
	agent    DeliveryAgent
	hostname string
	counters *metrics.Counters

	sweepInterval time.Duration
	lockTimeout   time.Duration
	deliveryLimit int
}

type ProcessorOptions struct {
	SweepInterval time.Duration
	LockTimeout   time.Duration // Staleness threshold for reclaiming LOCKED messages
	DeliveryLimit int           // Maximum messages handled per sweep
}

func NewProcessor(store Store, resolver Resolver, agent DeliveryAgent, hostname string, counters *metrics.Counters, options ProcessorOptions) *Processor {
	p := &Processor{
		store:         store,
		resolver:      resolver,
		agent:         agent,
		hostname:      hostname,
		counters:      counters,
		sweepInterval: options.SweepInterval,
		lockTimeout:   options.LockTimeout,
		deliveryLimit: options.DeliveryLimit,
	}
	if p.sweepInterval <= 0 {
		p.sweepInterval = DefaultSweepInterval
	}
	if p.lockTimeout <= 0 {
		p.lockTimeout = DefaultLockTimeout
	}
	if p.deliveryLimit <= 0 {
		p.deliveryLimit = DefaultDeliveryLimit
	}
	return p
}

// Start runs the sweep loop until ctx is cancelled. The first sweep
// happens after one full interval, not immediately, so a cluster of
// restarting processors does not stampede the store.
func (p *Processor) Start(ctx context.Context) {
	logger.Info("Queue processor started", "interval", p.sweepInterval, "lock_timeout", p.lockTimeout, "limit", p.deliveryLimit)

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Queue processor stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one delivery cycle: reclaim stale locks, pick up due
// messages and attempt each one under a lock. Returns the number of
// messages this sweep actually processed.
func (p *Processor) Sweep(ctx context.Context) int {
	start := time.Now()
	metrics.QueueSweepsTotal.Inc()
	defer func() {
		metrics.QueueSweepDuration.Observe(time.Since(start).Seconds())
	}()

	reclaimed, err := p.store.ReclaimStaleLocks(ctx, p.lockTimeout)
	if err != nil {
		logger.Error("Queue: failed to reclaim stale locks", "error", err)
	} else if reclaimed > 0 {
		logger.Warn("Queue: reclaimed stale locks", "count", reclaimed)
	}

	due, err := p.store.DueMessages(ctx, start, p.deliveryLimit)
	if err != nil {
		logger.Error("Queue: failed to query due messages", "error", err)
		return 0
	}

	processed := 0
	for _, msg := range due {
		if ctx.Err() != nil {
			break
		}

		// Lock before any network I/O. A concurrent sweep that got here
		// first wins and this instance skips the message.
		locked, err := p.store.AcquireLock(ctx, msg.ID, time.Now())
		if err != nil {
			logger.Error("Queue: failed to lock message", "id", msg.ID, "message_id", msg.MessageID, "error", err)
			continue
		}
		if !locked {
			continue
		}

		p.processMessage(ctx, msg)
		processed++
	}

	if depth, err := p.store.QueueDepth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	if processed > 0 {
		logger.Info("Queue: sweep complete", "processed", processed, "duration", time.Since(start))
	}
	return processed
}

// processMessage attempts delivery of one LOCKED message and settles it
// into a terminal state or back to ENQUEUED with a deferred retry.
func (p *Processor) processMessage(ctx context.Context, msg *db.Message) {
	// Local domains never leave the host: the message simply becomes
	// visible to POP3 under its delivered_to address.
	domain, err := p.store.GetDomainByName(ctx, msg.Domain)
	if err == nil && domain.IsUsable() {
		entry := fmt.Sprintf("[%s] delivered locally to %s", time.Now().UTC().Format(time.RFC3339), msg.DeliveredTo)
		if err := p.store.SetTerminalState(ctx, msg.ID, consts.StateLocal, entry); err != nil {
			logger.Error("Queue: failed to mark local delivery", "id", msg.ID, "error", err)
			return
		}
		p.counters.MessagesDelivered.Add(1)
		metrics.MessagesDelivered.WithLabelValues("local").Inc()
		logger.Info("Queue: local delivery", "message_id", msg.MessageID, "delivered_to", msg.DeliveredTo)
		return
	}

	records, err := p.resolveMX(ctx, msg)
	if err != nil {
		p.handleFailure(ctx, msg, fmt.Sprintf("MX resolution for %s failed: %v", msg.Domain, err))
		return
	}

	var attemptErrs []string
	for _, mx := range records {
		if ctx.Err() != nil {
			p.releaseInterrupted(msg)
			return
		}

		err := p.agent.Deliver(ctx, mx.Host, msg.Sender, msg.DeliveredTo, msg.Raw)
		if err == nil {
			entry := fmt.Sprintf("[%s] accepted by %s", time.Now().UTC().Format(time.RFC3339), mx.Host)
			if err := p.store.SetTerminalState(ctx, msg.ID, consts.StateRemote, entry); err != nil {
				logger.Error("Queue: failed to mark remote delivery", "id", msg.ID, "error", err)
				return
			}
			p.counters.MessagesDelivered.Add(1)
			metrics.DeliveryAttempts.WithLabelValues("success").Inc()
			metrics.MessagesDelivered.WithLabelValues("remote").Inc()
			logger.Info("Queue: remote delivery", "message_id", msg.MessageID, "to", msg.DeliveredTo, "mx", mx.Host)
			return
		}

		metrics.DeliveryAttempts.WithLabelValues("failure").Inc()
		attemptErrs = append(attemptErrs, fmt.Sprintf("%s: %v", mx.Host, err))
		logger.Debug("Queue: delivery attempt failed", "message_id", msg.MessageID, "mx", mx.Host, "error", err)
	}

	p.handleFailure(ctx, msg, fmt.Sprintf("all MX candidates failed: %s", strings.Join(attemptErrs, "; ")))
}

// resolveMX looks up and orders the mail exchanges for the message
// domain and records the snapshot on the message. Sorting is stable so
// equal-preference records keep their resolver order.
func (p *Processor) resolveMX(ctx context.Context, msg *db.Message) ([]MXRecord, error) {
	mxs, err := p.resolver.LookupMX(ctx, msg.Domain)
	if err != nil {
		return nil, err
	}
	if len(mxs) == 0 {
		return nil, consts.ErrNoDeliveryHosts
	}

	records := make([]MXRecord, 0, len(mxs))
	for _, mx := range mxs {
		records = append(records, MXRecord{Host: strings.TrimSuffix(mx.Host, "."), Pref: mx.Pref})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	if snapshot, err := json.Marshal(records); err == nil {
		if err := p.store.SetMXSnapshot(ctx, msg.ID, snapshot); err != nil {
			logger.Debug("Queue: failed to store MX snapshot", "id", msg.ID, "error", err)
		}
	}

	return records, nil
}

// releaseInterrupted puts a message cut off by shutdown back into the
// queue without charging a delivery attempt: the remote host never saw
// it, so it must not creep toward the bounce budget. The sweep context
// is already cancelled at this point, hence the detached one for the
// store call.
func (p *Processor) releaseInterrupted(msg *db.Message) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	entry := fmt.Sprintf("[%s] delivery interrupted by shutdown", now.UTC().Format(time.RFC3339))
	if err := p.store.ReleaseForRetry(releaseCtx, msg.ID, msg.DeliveryAttempts, now, entry); err != nil {
		// The stale lock reclaim will pick the message up eventually.
		logger.Error("Queue: failed to release interrupted message", "id", msg.ID, "error", err)
		return
	}
	logger.Info("Queue: delivery interrupted, message requeued", "message_id", msg.MessageID, "attempts", msg.DeliveryAttempts)
}

// handleFailure settles a failed cycle: either defer the next attempt
// per the backoff schedule, or bounce once the attempt budget is spent.
func (p *Processor) handleFailure(ctx context.Context, msg *db.Message, reason string) {
	p.counters.DeliveryFailures.Add(1)

	attempts := msg.DeliveryAttempts + 1
	now := time.Now()
	entry := fmt.Sprintf("[%s] attempt %d failed: %s", now.UTC().Format(time.RFC3339), attempts, reason)

	if attempts > consts.MaxDeliveryAttempts {
		if err := p.store.SetTerminalState(ctx, msg.ID, consts.StateBounced, entry); err != nil {
			logger.Error("Queue: failed to mark bounce", "id", msg.ID, "error", err)
			return
		}
		p.counters.MessagesBounced.Add(1)
		metrics.MessagesBounced.Inc()
		logger.Warn("Queue: message bounced", "message_id", msg.MessageID, "to", msg.DeliveredTo, "attempts", attempts)

		p.sendBounceNotice(ctx, msg, reason)
		return
	}

	next := now.Add(backoffDelay(attempts))
	if err := p.store.ReleaseForRetry(ctx, msg.ID, attempts, next, entry); err != nil {
		logger.Error("Queue: failed to release message for retry", "id", msg.ID, "error", err)
		return
	}
	logger.Info("Queue: delivery deferred", "message_id", msg.MessageID, "to", msg.DeliveredTo, "attempt", attempts, "next", next.UTC().Format(time.RFC3339))
}

// sendBounceNotice enqueues a non-delivery notification back to the
// original sender. Notices from the bounce address itself are dropped
// so two misconfigured hosts cannot ping-pong forever.
func (p *Processor) sendBounceNotice(ctx context.Context, msg *db.Message, reason string) {
	if isBounceAddress(msg.Sender) {
		logger.Warn("Queue: suppressing bounce of a bounce", "message_id", msg.MessageID)
		return
	}

	notice := buildBounceNotice(p.hostname, msg, reason, time.Now())
	if _, err := p.store.InsertMessage(ctx, notice, nil); err != nil {
		logger.Error("Queue: failed to enqueue bounce notice", "message_id", msg.MessageID, "error", err)
		return
	}
	logger.Info("Queue: bounce notice enqueued", "message_id", msg.MessageID, "to", msg.Sender)
}
