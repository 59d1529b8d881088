package smtp

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessageIDUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		raw := []byte(fmt.Sprintf("Subject: test %d\r\n\r\nbody %d\r\n", i, i))
		id := buildMessageID(raw, now, "mx.example.test")
		assert.False(t, seen[id], "duplicate message ID: %s", id)
		seen[id] = true
	}
}

func TestBuildMessageIDTimestampDisambiguates(t *testing.T) {
	raw := []byte("Subject: same payload\r\n\r\nidentical body\r\n")
	t1 := time.Now()
	t2 := t1.Add(time.Nanosecond)

	id1 := buildMessageID(raw, t1, "mx.example.test")
	id2 := buildMessageID(raw, t2, "mx.example.test")

	assert.NotEqual(t, id1, id2)
	assert.True(t, strings.HasSuffix(id1, "@mx.example.test"))
}

func TestPrependTraceHeader(t *testing.T) {
	raw := []byte("Subject: hello\r\n\r\nbody\r\n")
	now := time.Now()
	id := buildMessageID(raw, now, "mx.example.test")

	stored := prependTraceHeader(raw, id, now, "mx.example.test")

	text := string(stored)
	assert.True(t, strings.HasPrefix(text, "X-Mismo-Received: by mx.example.test; id="+id))
	assert.True(t, strings.HasSuffix(text, string(raw)))
}

func TestParseMessageSubject(t *testing.T) {
	raw := []byte("From: a@example.test\r\nSubject: Quarterly report\r\n\r\nSee attached.\r\n")

	parsed, err := parseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report", parsed.Subject)
	assert.Empty(t, parsed.Attachments)
}

func TestParseMessageMissingSubject(t *testing.T) {
	raw := []byte("From: a@example.test\r\n\r\nno subject here\r\n")

	parsed, err := parseMessage(raw)
	require.NoError(t, err)
	assert.Empty(t, parsed.Subject)
}

func TestParseMessageMalformed(t *testing.T) {
	raw := []byte("this line is not a header\r\nneither is this\r\n")

	_, err := parseMessage(raw)
	assert.Error(t, err)
}

func TestParseMessageAttachment(t *testing.T) {
	raw := []byte(strings.Join([]string{
		"From: a@example.test",
		"Subject: with attachment",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=BOUNDARY",
		"",
		"--BOUNDARY",
		"Content-Type: text/plain",
		"",
		"See attached.",
		"--BOUNDARY",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment; filename=\"data.bin\"",
		"",
		"payload-bytes",
		"--BOUNDARY--",
		"",
	}, "\r\n"))

	parsed, err := parseMessage(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Attachments, 1)

	att := parsed.Attachments[0]
	assert.Equal(t, "data.bin", att.Filename)
	assert.Equal(t, "application/octet-stream", att.ContentType)
	assert.Equal(t, []byte("payload-bytes"), att.Content)
	assert.Len(t, att.Checksum, 64)
}
