package smtp

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mismo-messaging/mismo/consts"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"github.com/mismo-messaging/mismo/queue"
	"github.com/mismo-messaging/mismo/server/pop3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipelineStore backs all three protocol surfaces the way the real
// database does: messages accepted over SMTP, settled by the queue
// sweep, and served to POP3 only once they reach LOCAL.
type pipelineStore struct {
	mu        sync.Mutex
	domains   map[string]*db.Domain
	mailboxes map[string]*db.Mailbox
	nextID    int64
	messages  []*db.Message
}

var (
	_ Store       = (*pipelineStore)(nil)
	_ queue.Store = (*pipelineStore)(nil)
	_ pop3.Store  = (*pipelineStore)(nil)
)

func newPipelineStore() *pipelineStore {
	return &pipelineStore{
		domains:   make(map[string]*db.Domain),
		mailboxes: make(map[string]*db.Mailbox),
	}
}

func (p *pipelineStore) GetDomainByName(ctx context.Context, name string) (*db.Domain, error) {
	if d, ok := p.domains[name]; ok {
		return d, nil
	}
	return nil, consts.ErrDomainNotLocal
}

func (p *pipelineStore) GetMailboxByAddress(ctx context.Context, address string) (*db.Mailbox, error) {
	if m, ok := p.mailboxes[address]; ok {
		return m, nil
	}
	return nil, consts.ErrMailboxNotFound
}

func (p *pipelineStore) Authenticate(ctx context.Context, protocol, address, password string) (*db.Mailbox, error) {
	m, ok := p.mailboxes[address]
	if !ok || password != "secret" {
		return nil, consts.ErrInvalidCredentials
	}
	return m, nil
}

func (p *pipelineStore) MailboxUsage(ctx context.Context, address string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var usage int64
	for _, m := range p.messages {
		if m.DeliveredTo == address && m.State == consts.StateLocal {
			usage += m.Size
		}
	}
	return usage, nil
}

func (p *pipelineStore) InsertMessage(ctx context.Context, msg *db.Message, attachments []*db.Attachment) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	stored := *msg
	stored.ID = p.nextID
	p.messages = append(p.messages, &stored)
	return stored.ID, nil
}

func (p *pipelineStore) DueMessages(ctx context.Context, now time.Time, limit int) ([]*db.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var due []*db.Message
	for _, m := range p.messages {
		if m.State == consts.StateEnqueued && len(due) < limit {
			copied := *m
			due = append(due, &copied)
		}
	}
	return due, nil
}

func (p *pipelineStore) AcquireLock(ctx context.Context, id int64, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if m.ID == id && m.State == consts.StateEnqueued {
			m.State = consts.StateLocked
			return true, nil
		}
	}
	return false, nil
}

func (p *pipelineStore) ReclaimStaleLocks(ctx context.Context, threshold time.Duration) (int64, error) {
	return 0, nil
}

func (p *pipelineStore) ReleaseForRetry(ctx context.Context, id int64, attempts int, next time.Time, logEntry string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if m.ID == id {
			m.State = consts.StateEnqueued
			m.DeliveryAttempts = attempts
		}
	}
	return nil
}

func (p *pipelineStore) SetTerminalState(ctx context.Context, id int64, state consts.MessageState, logEntry string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if m.ID == id {
			m.State = state
		}
	}
	return nil
}

func (p *pipelineStore) SetMXSnapshot(ctx context.Context, id int64, snapshot []byte) error {
	return nil
}

func (p *pipelineStore) QueueDepth(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var depth int64
	for _, m := range p.messages {
		if m.State == consts.StateEnqueued {
			depth++
		}
	}
	return depth, nil
}

func (p *pipelineStore) ListMailboxMessages(ctx context.Context, deliveredTo string) ([]*db.MessageSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var summaries []*db.MessageSummary
	for _, m := range p.messages {
		if m.DeliveredTo == deliveredTo && m.State == consts.StateLocal {
			summaries = append(summaries, &db.MessageSummary{ID: m.ID, MessageID: m.MessageID, Size: m.Size})
		}
	}
	return summaries, nil
}

func (p *pipelineStore) GetMessageRaw(ctx context.Context, id int64, deliveredTo string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if m.ID == id && m.DeliveredTo == deliveredTo && m.State == consts.StateLocal {
			return m.Raw, nil
		}
	}
	return nil, consts.ErrMessageNotFound
}

func (p *pipelineStore) MarkMessagesDeleted(ctx context.Context, deliveredTo string, ids []int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var marked int64
	for _, m := range p.messages {
		for _, id := range ids {
			if m.ID == id && m.DeliveredTo == deliveredTo {
				m.State = consts.StateDeleted
				marked++
			}
		}
	}
	return marked, nil
}

func (p *pipelineStore) stored() []*db.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*db.Message, len(p.messages))
	for i, m := range p.messages {
		copied := *m
		out[i] = &copied
	}
	return out
}

// Local deliveries never reach the resolver or the delivery agent.
type unusedResolver struct{}

func (unusedResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	return nil, errors.New("unexpected MX lookup")
}

type unusedAgent struct{}

func (unusedAgent) Deliver(ctx context.Context, host, from, to string, raw []byte) error {
	return errors.New("unexpected outbound delivery")
}

// An accepted message travels ENQUEUED -> LOCKED -> LOCAL through the
// sweep, and only then appears in the owner's maildrop.
func TestAcceptedMessageVisibleAfterSweep(t *testing.T) {
	store := newPipelineStore()
	store.domains["example.test"] = usableDomain("example.test", "")
	store.mailboxes["alice@example.test"] = &db.Mailbox{ID: 1, Address: "alice@example.test", Enabled: true}

	s := newTestSession(store)
	require.NoError(t, s.Mail("sender@remote.test", nil))
	require.NoError(t, s.Rcpt("alice@example.test", nil))
	requireSMTPError(t, s.Data(strings.NewReader("Subject: pipeline\r\n\r\nhello\r\n")), 250)

	stored := store.stored()
	require.Len(t, stored, 1)
	accepted := stored[0]
	assert.Equal(t, consts.StateEnqueued, accepted.State)
	assert.Equal(t, 0, accepted.DeliveryAttempts)
	assert.Equal(t, "alice@example.test", accepted.DeliveredTo)

	listing, err := store.ListMailboxMessages(context.Background(), "alice@example.test")
	require.NoError(t, err)
	assert.Empty(t, listing, "a message still in the queue must not be served")

	processor := queue.NewProcessor(store, unusedResolver{}, unusedAgent{}, "mx.example.test", metrics.NewCounters(), queue.ProcessorOptions{})
	assert.Equal(t, 1, processor.Sweep(context.Background()))

	settled := store.stored()[0]
	assert.Equal(t, consts.StateLocal, settled.State)
	assert.Equal(t, 0, settled.DeliveryAttempts, "local delivery consumes no attempts")

	// The maildrop numbers a POP3 STAT would report.
	listing, err = store.ListMailboxMessages(context.Background(), "alice@example.test")
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, accepted.Size, listing[0].Size)
	assert.Equal(t, accepted.MessageID, listing[0].MessageID)

	raw, err := store.GetMessageRaw(context.Background(), listing[0].ID, "alice@example.test")
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), listing[0].Size)
	assert.True(t, strings.HasPrefix(string(raw), "X-Mismo-Received:"))

	// A committed deletion empties the maildrop for the next login.
	_, err = store.MarkMessagesDeleted(context.Background(), "alice@example.test", []int64{listing[0].ID})
	require.NoError(t, err)
	listing, err = store.ListMailboxMessages(context.Background(), "alice@example.test")
	require.NoError(t, err)
	assert.Empty(t, listing)
}
