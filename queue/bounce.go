package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mismo-messaging/mismo/consts"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/server"
	"lukechampine.com/blake3"
)

const bounceLocalPart = "mailer-daemon"

func isBounceAddress(address string) bool {
	return strings.HasPrefix(strings.ToLower(address), bounceLocalPart+"@")
}

// buildBounceNotice constructs the non-delivery notification enqueued
// back to the original sender after the attempt budget is exhausted.
func buildBounceNotice(hostname string, original *db.Message, reason string, now time.Time) *db.Message {
	sender := fmt.Sprintf("%s@%s", strings.ToUpper(bounceLocalPart), hostname)
	subject := "Undelivered Mail Returned to Sender"

	var body strings.Builder
	fmt.Fprintf(&body, "From: Mail Delivery System <%s>\r\n", sender)
	fmt.Fprintf(&body, "To: <%s>\r\n", original.Sender)
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	fmt.Fprintf(&body, "Date: %s\r\n", now.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&body, "Auto-Submitted: auto-replied\r\n")
	fmt.Fprintf(&body, "\r\n")
	fmt.Fprintf(&body, "This is the mail system at host %s.\r\n", hostname)
	fmt.Fprintf(&body, "\r\n")
	fmt.Fprintf(&body, "Your message could not be delivered to the following recipient:\r\n")
	fmt.Fprintf(&body, "\r\n")
	fmt.Fprintf(&body, "    <%s>\r\n", original.DeliveredTo)
	fmt.Fprintf(&body, "\r\n")
	fmt.Fprintf(&body, "Delivery was attempted %d times. The final error was:\r\n", original.DeliveryAttempts+1)
	fmt.Fprintf(&body, "\r\n")
	fmt.Fprintf(&body, "    %s\r\n", reason)
	fmt.Fprintf(&body, "\r\n")
	fmt.Fprintf(&body, "Original message ID: %s\r\n", original.MessageID)
	fmt.Fprintf(&body, "Accepted at: %s\r\n", original.AcceptedAt.UTC().Format(time.RFC1123Z))

	raw := []byte(body.String())

	hasher := blake3.New(16, nil)
	hasher.Write(raw)
	hasher.Write([]byte(strconv.FormatInt(now.UnixNano(), 10)))
	noticeID := fmt.Sprintf("%x@%s", hasher.Sum(nil), hostname)

	domain := original.Sender
	if addr, err := server.NewAddress(original.Sender); err == nil {
		domain = addr.Domain()
	}

	return &db.Message{
		MessageID:   noticeID,
		DeliveredTo: original.Sender,
		Sender:      sender,
		Recipients:  []string{original.Sender},
		Subject:     subject,
		Domain:      domain,
		State:       consts.StateEnqueued,
		Raw:         raw,
		Size:        int64(len(raw)),
		AcceptedAt:  now,
	}
}
