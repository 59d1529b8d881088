package smtp

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/mismo-messaging/mismo/db"
	"lukechampine.com/blake3"
)

// parsedMessage holds what the store needs beyond the raw bytes.
type parsedMessage struct {
	Subject     string
	Attachments []*db.Attachment
}

// parseMessage validates the MIME structure and pulls out the subject
// and any attachment parts. Unknown charsets are tolerated; structural
// errors are not.
func parseMessage(raw []byte) (*parsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	mr := mail.NewReader(entity)

	parsed := &parsedMessage{}
	parsed.Subject, _ = mr.Header.Subject()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return nil, fmt.Errorf("malformed message part: %w", err)
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		filename, _ := header.Filename()
		contentType, _, _ := header.ContentType()
		content, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %q: %w", filename, err)
		}
		parsed.Attachments = append(parsed.Attachments, db.NewAttachment(contentType, filename, "attachment", content))
	}

	return parsed, nil
}

// buildMessageID derives the queue identifier from the message content
// and acceptance time, qualified by the accepting host. Hashing the
// timestamp in keeps identical payloads from colliding.
func buildMessageID(raw []byte, acceptedAt time.Time, hostname string) string {
	hasher := blake3.New(16, nil)
	hasher.Write(raw)
	hasher.Write([]byte(strconv.FormatInt(acceptedAt.UnixNano(), 10)))
	return fmt.Sprintf("%x@%s", hasher.Sum(nil), hostname)
}

// prependTraceHeader stamps the stored copy with the accepting host,
// the generated ID and the acceptance time.
func prependTraceHeader(raw []byte, messageID string, acceptedAt time.Time, hostname string) []byte {
	trace := fmt.Sprintf("X-Mismo-Received: by %s; id=%s; %s\r\n",
		hostname, messageID, acceptedAt.UTC().Format(time.RFC1123Z))

	stored := make([]byte, 0, len(trace)+len(raw))
	stored = append(stored, trace...)
	return append(stored, raw...)
}
