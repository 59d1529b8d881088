package pop3

import (
	"fmt"
	"strings"

	"github.com/mismo-messaging/mismo/db"
)

// buildListResponseLines builds the multi-line response body for the LIST
// command. Per RFC 1939 section 5, message numbers stay stable for the whole
// session: deleted messages are skipped but the survivors keep their
// original numbers.
func buildListResponseLines(messages []*db.MessageSummary, deleted map[int]bool) []string {
	var lines []string
	for i, msg := range messages {
		if !deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.Size))
		}
	}
	return lines
}

// buildUIDLResponseLines builds the multi-line response body for the UIDL
// command, using the queue message ID as the unique listing ID.
func buildUIDLResponseLines(messages []*db.MessageSummary, deleted map[int]bool) []string {
	var lines []string
	for i, msg := range messages {
		if !deleted[i] {
			lines = append(lines, fmt.Sprintf("%d %s", i+1, msg.MessageID))
		}
	}
	return lines
}

// buildSingleListResponse answers "LIST msg" / "UIDL msg" style queries for
// one message number. Returns false when the number is out of range or the
// message is marked deleted.
func buildSingleListResponse(messages []*db.MessageSummary, deleted map[int]bool, msgNumber int) (bool, string) {
	if msgNumber < 1 || msgNumber > len(messages) {
		return false, ""
	}
	if deleted[msgNumber-1] {
		return false, ""
	}
	return true, fmt.Sprintf("%d %d", msgNumber, messages[msgNumber-1].Size)
}

// computeStat returns the message count and total size STAT must report:
// the session snapshot minus anything marked deleted.
func computeStat(messages []*db.MessageSummary, deleted map[int]bool) (count int, size int64) {
	for i, msg := range messages {
		if !deleted[i] {
			count++
			size += msg.Size
		}
	}
	return count, size
}

// dotStuff prepares a message body for transmission inside a multi-line
// response: CRLF line endings, every line starting with '.' doubled, and
// a trailing CRLF so the terminating ".\r\n" stands on its own line.
func dotStuff(data []byte) string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var b strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, ".") {
			b.WriteString(".")
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

// topSlice returns the headers of a message plus the first n lines of its
// body, for the TOP command. The blank separator line is included.
func topSlice(data []byte, n int) []byte {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	headers, body, found := strings.Cut(text, "\n\n")
	if !found {
		return []byte(text)
	}

	var b strings.Builder
	b.WriteString(headers)
	b.WriteString("\n\n")

	if n > 0 {
		bodyLines := strings.Split(body, "\n")
		if n > len(bodyLines) {
			n = len(bodyLines)
		}
		b.WriteString(strings.Join(bodyLines[:n], "\n"))
	}
	return []byte(b.String())
}
