package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mismo-messaging/mismo/consts"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryCall struct {
	id       int64
	attempts int
	next     time.Time
	entry    string
}

type terminalCall struct {
	id    int64
	state consts.MessageState
	entry string
}

type fakeQueueStore struct {
	mu        sync.Mutex
	due       []*db.Message
	domains   map[string]*db.Domain
	locked    map[int64]bool
	retries   []retryCall
	terminals []terminalCall
	snapshots map[int64][]byte
	inserted  []*db.Message
}

func newFakeQueueStore(due ...*db.Message) *fakeQueueStore {
	return &fakeQueueStore{
		due:       due,
		domains:   make(map[string]*db.Domain),
		locked:    make(map[int64]bool),
		snapshots: make(map[int64][]byte),
	}
}

func (f *fakeQueueStore) DueMessages(ctx context.Context, now time.Time, limit int) ([]*db.Message, error) {
	return f.due, nil
}

func (f *fakeQueueStore) AcquireLock(ctx context.Context, id int64, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked[id] {
		return false, nil
	}
	f.locked[id] = true
	return true, nil
}

func (f *fakeQueueStore) ReclaimStaleLocks(ctx context.Context, threshold time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeQueueStore) ReleaseForRetry(ctx context.Context, id int64, attempts int, next time.Time, logEntry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryCall{id: id, attempts: attempts, next: next, entry: logEntry})
	return nil
}

func (f *fakeQueueStore) SetTerminalState(ctx context.Context, id int64, state consts.MessageState, logEntry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, terminalCall{id: id, state: state, entry: logEntry})
	return nil
}

func (f *fakeQueueStore) SetMXSnapshot(ctx context.Context, id int64, snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[id] = snapshot
	return nil
}

func (f *fakeQueueStore) InsertMessage(ctx context.Context, msg *db.Message, attachments []*db.Attachment) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, msg)
	return int64(len(f.inserted)), nil
}

func (f *fakeQueueStore) GetDomainByName(ctx context.Context, name string) (*db.Domain, error) {
	if d, ok := f.domains[name]; ok {
		return d, nil
	}
	return nil, consts.ErrDomainNotLocal
}

func (f *fakeQueueStore) QueueDepth(ctx context.Context) (int64, error) {
	return int64(len(f.due)), nil
}

type fakeResolver struct {
	mxs []*net.MX
	err error
}

func (r *fakeResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	return r.mxs, r.err
}

type fakeAgent struct {
	mu       sync.Mutex
	failing  map[string]error
	attempts []string
}

func (a *fakeAgent) Deliver(ctx context.Context, host, from, to string, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, host)
	return a.failing[host]
}

func (a *fakeAgent) attemptedHosts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.attempts...)
}

func queuedMessage(id int64, attempts int) *db.Message {
	return &db.Message{
		ID:               id,
		MessageID:        fmt.Sprintf("msg-%d@mx.example.test", id),
		DeliveredTo:      "rcpt@remote.test",
		Sender:           "sender@origin.test",
		Recipients:       []string{"rcpt@remote.test"},
		Domain:           "remote.test",
		State:            consts.StateEnqueued,
		Raw:              []byte("Subject: out\r\n\r\nbody\r\n"),
		Size:             24,
		AcceptedAt:       time.Now().Add(-time.Hour),
		DeliveryAttempts: attempts,
	}
}

func newTestProcessor(store Store, resolver Resolver, agent DeliveryAgent) *Processor {
	return NewProcessor(store, resolver, agent, "mx.example.test", metrics.NewCounters(), ProcessorOptions{})
}

func TestBackoffDelayMonotonic(t *testing.T) {
	previous := time.Duration(0)
	for attempts := 1; attempts <= len(backoffSchedule); attempts++ {
		delay := backoffDelay(attempts)
		assert.Greater(t, delay, previous, "attempt %d", attempts)
		previous = delay
	}
}

func TestBackoffDelayClamps(t *testing.T) {
	assert.Equal(t, 5*time.Minute, backoffDelay(0))
	assert.Equal(t, 5*time.Minute, backoffDelay(1))
	assert.Equal(t, 24*time.Hour, backoffDelay(5))
	assert.Equal(t, 24*time.Hour, backoffDelay(50))
}

func TestSweepLocalDelivery(t *testing.T) {
	msg := queuedMessage(1, 0)
	msg.Domain = "example.test"
	msg.DeliveredTo = "alice@example.test"

	store := newFakeQueueStore(msg)
	store.domains["example.test"] = &db.Domain{Name: "example.test", Enabled: true, DNSValidated: true}
	agent := &fakeAgent{}

	p := newTestProcessor(store, &fakeResolver{}, agent)
	processed := p.Sweep(context.Background())

	assert.Equal(t, 1, processed)
	require.Len(t, store.terminals, 1)
	assert.Equal(t, consts.StateLocal, store.terminals[0].state)
	assert.Empty(t, agent.attemptedHosts(), "local delivery must not touch the network")
}

func TestSweepRemoteDeliveryPrefersLowestPreference(t *testing.T) {
	msg := queuedMessage(1, 0)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{
		{Host: "backup.remote.test.", Pref: 20},
		{Host: "primary.remote.test.", Pref: 10},
	}}
	agent := &fakeAgent{}

	p := newTestProcessor(store, resolver, agent)
	p.Sweep(context.Background())

	require.Len(t, store.terminals, 1)
	assert.Equal(t, consts.StateRemote, store.terminals[0].state)
	assert.Equal(t, []string{"primary.remote.test"}, agent.attemptedHosts())
}

func TestSweepEqualPreferenceKeepsResolverOrder(t *testing.T) {
	msg := queuedMessage(1, 0)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{
		{Host: "first.remote.test.", Pref: 10},
		{Host: "second.remote.test.", Pref: 10},
	}}
	agent := &fakeAgent{}

	p := newTestProcessor(store, resolver, agent)
	p.Sweep(context.Background())

	assert.Equal(t, []string{"first.remote.test"}, agent.attemptedHosts())
}

func TestSweepFallsThroughToNextMX(t *testing.T) {
	msg := queuedMessage(1, 0)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{
		{Host: "primary.remote.test.", Pref: 10},
		{Host: "backup.remote.test.", Pref: 20},
	}}
	agent := &fakeAgent{failing: map[string]error{
		"primary.remote.test": errors.New("connection refused"),
	}}

	p := newTestProcessor(store, resolver, agent)
	p.Sweep(context.Background())

	assert.Equal(t, []string{"primary.remote.test", "backup.remote.test"}, agent.attemptedHosts())
	require.Len(t, store.terminals, 1)
	assert.Equal(t, consts.StateRemote, store.terminals[0].state)
	assert.Empty(t, store.retries)
}

func TestSweepRecordsMXSnapshot(t *testing.T) {
	msg := queuedMessage(1, 0)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{
		{Host: "backup.remote.test.", Pref: 20},
		{Host: "primary.remote.test.", Pref: 10},
	}}

	p := newTestProcessor(store, resolver, &fakeAgent{})
	p.Sweep(context.Background())

	snapshot, ok := store.snapshots[1]
	require.True(t, ok)

	var records []MXRecord
	require.NoError(t, json.Unmarshal(snapshot, &records))
	require.Len(t, records, 2)
	assert.Equal(t, MXRecord{Host: "primary.remote.test", Pref: 10}, records[0])
	assert.Equal(t, MXRecord{Host: "backup.remote.test", Pref: 20}, records[1])
}

func TestSweepDefersAfterFailure(t *testing.T) {
	msg := queuedMessage(1, 0)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{{Host: "primary.remote.test.", Pref: 10}}}
	agent := &fakeAgent{failing: map[string]error{
		"primary.remote.test": errors.New("451 try again later"),
	}}

	p := newTestProcessor(store, resolver, agent)
	before := time.Now()
	p.Sweep(context.Background())

	require.Len(t, store.retries, 1)
	retry := store.retries[0]
	assert.Equal(t, int64(1), retry.id)
	assert.Equal(t, 1, retry.attempts)
	assert.WithinDuration(t, before.Add(5*time.Minute), retry.next, 10*time.Second)
	assert.Contains(t, retry.entry, "attempt 1 failed")
	assert.Empty(t, store.terminals)
}

func TestSweepResolutionFailureDefers(t *testing.T) {
	msg := queuedMessage(1, 2)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{err: errors.New("no such host")}

	p := newTestProcessor(store, resolver, &fakeAgent{})
	before := time.Now()
	p.Sweep(context.Background())

	require.Len(t, store.retries, 1)
	retry := store.retries[0]
	assert.Equal(t, 3, retry.attempts)
	assert.WithinDuration(t, before.Add(backoffDelay(3)), retry.next, 10*time.Second)
}

func TestInterruptedDeliveryDoesNotChargeAttempt(t *testing.T) {
	msg := queuedMessage(1, 2)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{{Host: "primary.remote.test.", Pref: 10}}}
	agent := &fakeAgent{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestProcessor(store, resolver, agent)
	p.processMessage(ctx, msg)

	assert.Empty(t, agent.attemptedHosts(), "no delivery may start after shutdown")
	assert.Empty(t, store.terminals)
	assert.Empty(t, store.inserted, "an interruption is not a bounce")

	require.Len(t, store.retries, 1)
	retry := store.retries[0]
	assert.Equal(t, 2, retry.attempts, "interruption must not consume the attempt budget")
	assert.WithinDuration(t, time.Now(), retry.next, 10*time.Second, "requeued message is due immediately")
	assert.Contains(t, retry.entry, "interrupted")
}

func TestSweepNoMXRecordsDefers(t *testing.T) {
	msg := queuedMessage(1, 0)
	store := newFakeQueueStore(msg)

	p := newTestProcessor(store, &fakeResolver{}, &fakeAgent{})
	p.Sweep(context.Background())

	require.Len(t, store.retries, 1)
	assert.Contains(t, store.retries[0].entry, consts.ErrNoDeliveryHosts.Error())
}

func TestSweepBouncesAfterAttemptBudget(t *testing.T) {
	msg := queuedMessage(1, consts.MaxDeliveryAttempts)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{{Host: "primary.remote.test.", Pref: 10}}}
	agent := &fakeAgent{failing: map[string]error{
		"primary.remote.test": errors.New("550 mailbox unavailable"),
	}}

	p := newTestProcessor(store, resolver, agent)
	p.Sweep(context.Background())

	require.Len(t, store.terminals, 1)
	assert.Equal(t, consts.StateBounced, store.terminals[0].state)
	assert.Empty(t, store.retries)

	// A non-delivery notice goes back to the original sender.
	require.Len(t, store.inserted, 1)
	notice := store.inserted[0]
	assert.Equal(t, "sender@origin.test", notice.DeliveredTo)
	assert.Equal(t, []string{"sender@origin.test"}, notice.Recipients)
	assert.Equal(t, consts.StateEnqueued, notice.State)
	assert.Equal(t, "MAILER-DAEMON@mx.example.test", notice.Sender)
	assert.Equal(t, "origin.test", notice.Domain)
}

func TestSweepNeverBouncesABounce(t *testing.T) {
	msg := queuedMessage(1, consts.MaxDeliveryAttempts)
	msg.Sender = "MAILER-DAEMON@elsewhere.test"
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{{Host: "primary.remote.test.", Pref: 10}}}
	agent := &fakeAgent{failing: map[string]error{
		"primary.remote.test": errors.New("550 mailbox unavailable"),
	}}

	p := newTestProcessor(store, resolver, agent)
	p.Sweep(context.Background())

	require.Len(t, store.terminals, 1)
	assert.Equal(t, consts.StateBounced, store.terminals[0].state)
	assert.Empty(t, store.inserted, "bounce of a bounce must be suppressed")
}

func TestConcurrentSweepsDeliverOnce(t *testing.T) {
	msg := queuedMessage(1, 0)
	store := newFakeQueueStore(msg)
	resolver := &fakeResolver{mxs: []*net.MX{{Host: "primary.remote.test.", Pref: 10}}}
	agent := &fakeAgent{}

	// Two processors share the store, as two sweeping instances would
	// share the queue table. The lock decides who delivers.
	p1 := newTestProcessor(store, resolver, agent)
	p2 := newTestProcessor(store, resolver, agent)

	var wg sync.WaitGroup
	for _, p := range []*Processor{p1, p2} {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			p.Sweep(context.Background())
		}(p)
	}
	wg.Wait()

	assert.Len(t, agent.attemptedHosts(), 1, "exactly one sweep must win the lock")
	assert.Len(t, store.terminals, 1)
}

func TestSweepSkipsAlreadyLockedMessages(t *testing.T) {
	msg := queuedMessage(1, 0)
	store := newFakeQueueStore(msg)
	store.locked[1] = true
	agent := &fakeAgent{}

	p := newTestProcessor(store, &fakeResolver{mxs: []*net.MX{{Host: "primary.remote.test.", Pref: 10}}}, agent)
	processed := p.Sweep(context.Background())

	assert.Equal(t, 0, processed)
	assert.Empty(t, agent.attemptedHosts())
}
