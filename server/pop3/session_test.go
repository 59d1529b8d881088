package pop3

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mismo-messaging/mismo/consts"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePOP3Store struct {
	mu       sync.Mutex
	mailbox  *db.Mailbox
	messages []*db.MessageSummary
	raws     map[int64][]byte
	expunged [][]int64
}

func (f *fakePOP3Store) Authenticate(ctx context.Context, protocol, address, password string) (*db.Mailbox, error) {
	if f.mailbox != nil && address == f.mailbox.Address && password == "secret" {
		return f.mailbox, nil
	}
	return nil, consts.ErrInvalidCredentials
}

func (f *fakePOP3Store) ListMailboxMessages(ctx context.Context, deliveredTo string) ([]*db.MessageSummary, error) {
	return f.messages, nil
}

func (f *fakePOP3Store) GetMessageRaw(ctx context.Context, id int64, deliveredTo string) ([]byte, error) {
	raw, ok := f.raws[id]
	if !ok {
		return nil, consts.ErrMessageNotFound
	}
	return raw, nil
}

func (f *fakePOP3Store) MarkMessagesDeleted(ctx context.Context, deliveredTo string, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expunged = append(f.expunged, ids)
	return int64(len(ids)), nil
}

func (f *fakePOP3Store) expungedCalls() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expunged
}

func newMaildropStore() *fakePOP3Store {
	return &fakePOP3Store{
		mailbox: &db.Mailbox{ID: 1, Address: "alice@example.test", Enabled: true},
		messages: []*db.MessageSummary{
			{ID: 101, MessageID: "aaa@mx.test", Size: 24},
			{ID: 102, MessageID: "bbb@mx.test", Size: 31},
		},
		raws: map[int64][]byte{
			101: []byte("Subject: one\r\n\r\nfirst\r\n"),
			102: []byte("Subject: two\r\n\r\n.starts with dot\r\n"),
		},
	}
}

// testClient drives a session over one half of a net.Pipe.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	done   chan struct{}
}

func startTestSession(t *testing.T, store Store) *testClient {
	t.Helper()

	srv := &POP3Server{
		name:        "POP3",
		hostname:    "mx.example.test",
		store:       store,
		counters:    metrics.NewCounters(),
		idleTimeout: 5 * time.Second,
	}

	clientConn, serverConn := net.Pipe()
	sessionCtx, sessionCancel := context.WithCancel(context.Background())

	session := &POP3Session{
		server:    srv,
		conn:      serverConn,
		deleted:   make(map[int]bool),
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	session.Id = "test-session"
	session.RemoteIP = "192.0.2.1"
	session.HostName = srv.hostname
	session.Protocol = "POP3"
	session.Stats = srv

	done := make(chan struct{})
	go func() {
		session.handleConnection()
		close(done)
	}()

	c := &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn), done: done}
	t.Cleanup(func() {
		clientConn.Close()
		c.waitClosed()
	})
	return c
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) waitClosed() {
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		c.t.Fatal("session did not terminate")
	}
}

func (c *testClient) login() {
	c.t.Helper()
	c.send("USER alice@example.test")
	require.Equal(c.t, "+OK User accepted", c.readLine())
	c.send("PASS secret")
	require.Equal(c.t, "+OK Maildrop has 2 messages", c.readLine())
}

func TestSessionGreeting(t *testing.T) {
	c := startTestSession(t, newMaildropStore())
	assert.Equal(t, "+OK mx.example.test POP3 server ready", c.readLine())
	c.send("QUIT")
	assert.Equal(t, "+OK Goodbye", c.readLine())
	c.waitClosed()
}

func TestSessionAuthAndStat(t *testing.T) {
	c := startTestSession(t, newMaildropStore())
	c.readLine() // greeting
	c.login()

	c.send("STAT")
	assert.Equal(t, "+OK 2 55", c.readLine())

	c.send("LIST")
	assert.Equal(t, "+OK 2 messages", c.readLine())
	assert.Equal(t, "1 24", c.readLine())
	assert.Equal(t, "2 31", c.readLine())
	assert.Equal(t, ".", c.readLine())

	c.send("UIDL")
	assert.Equal(t, "+OK unique-id listing follows", c.readLine())
	assert.Equal(t, "1 aaa@mx.test", c.readLine())
	assert.Equal(t, "2 bbb@mx.test", c.readLine())
	assert.Equal(t, ".", c.readLine())

	c.send("QUIT")
	assert.Equal(t, "+OK Goodbye", c.readLine())
}

func TestSessionAuthRejectsBadPassword(t *testing.T) {
	c := startTestSession(t, newMaildropStore())
	c.readLine() // greeting

	c.send("USER alice@example.test")
	require.Equal(t, "+OK User accepted", c.readLine())
	c.send("PASS wrong")
	assert.Equal(t, "-ERR Authentication failed", c.readLine())

	// Failed auth leaves the session usable but unauthenticated.
	c.send("STAT")
	assert.True(t, strings.HasPrefix(c.readLine(), "-ERR"))
}

func TestSessionRetr(t *testing.T) {
	c := startTestSession(t, newMaildropStore())
	c.readLine() // greeting
	c.login()

	c.send("RETR 2")
	// 37 is the size of the dot-stuffed wire payload, not the stored
	// size of 31: stuffing the leading dot and terminating the final
	// line both add bytes.
	assert.Equal(t, "+OK 37 octets", c.readLine())
	assert.Equal(t, "Subject: two", c.readLine())
	assert.Equal(t, "", c.readLine())
	// Leading dot in the body is stuffed on the wire.
	assert.Equal(t, "..starts with dot", c.readLine())
	assert.Equal(t, "", c.readLine())
	assert.Equal(t, ".", c.readLine())
}

func TestSessionTop(t *testing.T) {
	c := startTestSession(t, newMaildropStore())
	c.readLine() // greeting
	c.login()

	c.send("TOP 1 0")
	assert.Equal(t, "+OK Top of message follows", c.readLine())
	assert.Equal(t, "Subject: one", c.readLine())
	assert.Equal(t, "", c.readLine())
	assert.Equal(t, "", c.readLine())
	assert.Equal(t, ".", c.readLine())
}

func TestSessionDeleteCommittedOnQuit(t *testing.T) {
	store := newMaildropStore()
	c := startTestSession(t, store)
	c.readLine() // greeting
	c.login()

	c.send("DELE 1")
	assert.Equal(t, "+OK Message deleted", c.readLine())

	// Numbering stays stable: message 2 keeps its number.
	c.send("LIST")
	assert.Equal(t, "+OK 1 messages", c.readLine())
	assert.Equal(t, "2 31", c.readLine())
	assert.Equal(t, ".", c.readLine())

	c.send("STAT")
	assert.Equal(t, "+OK 1 31", c.readLine())

	c.send("QUIT")
	assert.Equal(t, "+OK Goodbye", c.readLine())
	c.waitClosed()

	calls := store.expungedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []int64{101}, calls[0])
}

func TestSessionDeleteDiscardedOnDrop(t *testing.T) {
	store := newMaildropStore()
	c := startTestSession(t, store)
	c.readLine() // greeting
	c.login()

	c.send("DELE 1")
	assert.Equal(t, "+OK Message deleted", c.readLine())

	// Dropping without QUIT must leave the maildrop untouched.
	c.conn.Close()
	c.waitClosed()

	assert.Empty(t, store.expungedCalls())
}

func TestSessionRsetRestoresDeleted(t *testing.T) {
	store := newMaildropStore()
	c := startTestSession(t, store)
	c.readLine() // greeting
	c.login()

	c.send("DELE 2")
	assert.Equal(t, "+OK Message deleted", c.readLine())
	c.send("RSET")
	assert.Equal(t, "+OK", c.readLine())

	c.send("STAT")
	assert.Equal(t, "+OK 2 55", c.readLine())

	c.send("QUIT")
	assert.Equal(t, "+OK Goodbye", c.readLine())
	c.waitClosed()

	assert.Empty(t, store.expungedCalls())
}

func TestSessionDeletedMessageNotRetrievable(t *testing.T) {
	c := startTestSession(t, newMaildropStore())
	c.readLine() // greeting
	c.login()

	c.send("DELE 1")
	assert.Equal(t, "+OK Message deleted", c.readLine())

	c.send("RETR 1")
	assert.Equal(t, "-ERR No such message", c.readLine())
}

func TestSessionCapa(t *testing.T) {
	c := startTestSession(t, newMaildropStore())
	c.readLine() // greeting

	c.send("CAPA")
	assert.Equal(t, "+OK Capability list follows", c.readLine())
	var caps []string
	for {
		line := c.readLine()
		if line == "." {
			break
		}
		caps = append(caps, line)
	}
	assert.Contains(t, caps, "UIDL")
	assert.Contains(t, caps, "TOP")
}

func TestSessionUnknownCommand(t *testing.T) {
	c := startTestSession(t, newMaildropStore())
	c.readLine() // greeting

	c.send("XFROB")
	assert.Equal(t, "-ERR Unknown command: XFROB", c.readLine())
}
