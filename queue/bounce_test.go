package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/mismo-messaging/mismo/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBounceAddress(t *testing.T) {
	assert.True(t, isBounceAddress("mailer-daemon@mx.example.test"))
	assert.True(t, isBounceAddress("MAILER-DAEMON@elsewhere.test"))
	assert.False(t, isBounceAddress("alice@example.test"))
	assert.False(t, isBounceAddress("mailer-daemon.fake@example.test"))
	assert.False(t, isBounceAddress(""))
}

func TestBuildBounceNotice(t *testing.T) {
	original := queuedMessage(7, consts.MaxDeliveryAttempts)
	now := time.Now()

	notice := buildBounceNotice("mx.example.test", original, "550 mailbox unavailable", now)

	assert.Equal(t, "MAILER-DAEMON@mx.example.test", notice.Sender)
	assert.Equal(t, original.Sender, notice.DeliveredTo)
	assert.Equal(t, []string{original.Sender}, notice.Recipients)
	assert.Equal(t, "Undelivered Mail Returned to Sender", notice.Subject)
	assert.Equal(t, "origin.test", notice.Domain)
	assert.Equal(t, consts.StateEnqueued, notice.State)
	assert.Equal(t, now, notice.AcceptedAt)
	assert.Equal(t, int64(len(notice.Raw)), notice.Size)
	assert.True(t, strings.HasSuffix(notice.MessageID, "@mx.example.test"))

	body := string(notice.Raw)
	assert.Contains(t, body, "550 mailbox unavailable")
	assert.Contains(t, body, "<rcpt@remote.test>")
	assert.Contains(t, body, "Delivery was attempted 6 times")
	assert.Contains(t, body, "Original message ID: "+original.MessageID)
	assert.Contains(t, body, "Auto-Submitted: auto-replied")
}

func TestBuildBounceNoticeUniqueIDs(t *testing.T) {
	original := queuedMessage(7, consts.MaxDeliveryAttempts)
	t1 := time.Now()
	t2 := t1.Add(time.Nanosecond)

	n1 := buildBounceNotice("mx.example.test", original, "reason", t1)
	n2 := buildBounceNotice("mx.example.test", original, "reason", t2)
	require.NotEqual(t, n1.MessageID, n2.MessageID)
}
