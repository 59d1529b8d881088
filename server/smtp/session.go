package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mismo-messaging/mismo/consts"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"github.com/mismo-messaging/mismo/server"
)

// recipient is one validated RCPT TO with its resolved delivery target.
// deliveredTo differs from the envelope address when a catch-all
// redirect applies.
type recipient struct {
	address     server.Address
	deliveredTo string
	local       bool
}

// Session is one SMTP transaction state machine instance.
type Session struct {
	server.Session
	backend     *Backend
	conn        *smtp.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	releaseConn func()
	startTime   time.Time

	sender     *server.Address
	recipients []recipient
	mailbox    *db.Mailbox
	transacted int
}

// AuthMechanisms advertises PLAIN and LOGIN. CRAM-MD5 is deliberately
// absent: credentials are stored as bcrypt digests, which cannot answer
// a challenge-response exchange.
func (s *Session) AuthMechanisms() []string {
	if _, isTLS := s.conn.TLSConnectionState(); !isTLS && !s.backend.insecureAuth {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	authenticate := func(username, password string) error {
		address, err := server.NewAddress(username)
		if err != nil {
			s.Log("auth failed: malformed username")
			return consts.ErrInvalidCredentials
		}

		mailbox, err := s.backend.store.Authenticate(s.ctx, s.backend.name, address.BaseAddress(), password)
		if err != nil {
			s.Log("auth failed for %s", address.BaseAddress())
			if errors.Is(err, consts.ErrInvalidCredentials) {
				return &smtp.SMTPError{
					Code:         535,
					EnhancedCode: smtp.EnhancedCode{5, 7, 8},
					Message:      "Authentication credentials invalid",
				}
			}
			return s.internalError("auth lookup failed: %v", err)
		}

		s.mailbox = mailbox
		s.User = server.NewUser(address, mailbox.ID)
		s.backend.authenticatedConnections.Add(1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(s.backend.name).Inc()
		s.Log("authenticated")
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("identities not supported")
			}
			return authenticate(username, password)
		}), nil
	case sasl.Login:
		return newLoginServer(authenticate), nil
	}
	return nil, fmt.Errorf("unsupported auth mechanism: %s", mech)
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.DebugLog("processing MAIL FROM: %s", from)

	fromAddress, err := server.NewAddress(from)
	if err != nil {
		s.Log("invalid sender address: %v", err)
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender address",
		}
	}

	// Envelope state restarts on every MAIL FROM.
	s.sender = &fromAddress
	s.recipients = nil

	s.Log("mail from=%s accepted", fromAddress.FullAddress())
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.DebugLog("processing RCPT TO: %s", to)

	if s.sender == nil {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM)",
		}
	}

	toAddress, err := server.NewAddress(to)
	if err != nil {
		s.Log("invalid recipient address: %v", err)
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}

	domain, err := s.backend.store.GetDomainByName(s.ctx, toAddress.Domain())
	if err != nil && !errors.Is(err, consts.ErrDomainNotLocal) {
		return s.internalError("domain lookup failed: %v", err)
	}

	if err == nil && domain.IsUsable() {
		deliveredTo, rcptErr := s.resolveLocalRecipient(toAddress, domain)
		if rcptErr != nil {
			return rcptErr
		}
		s.recipients = append(s.recipients, recipient{
			address:     toAddress,
			deliveredTo: deliveredTo,
			local:       true,
		})
		s.Log("recipient accepted: %s (local, delivered to %s)", toAddress.FullAddress(), deliveredTo)
		return nil
	}

	// Non-local domain: relaying requires an authenticated mailbox that
	// holds the relay capability.
	if s.mailbox == nil || !s.mailbox.HasCapability(consts.CapabilityRelay) {
		s.Log("recipient rejected: %s (relay denied)", toAddress.FullAddress())
		metrics.MessagesRejected.WithLabelValues("relay_denied").Inc()
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Mailbox unavailable or relaying denied",
		}
	}

	s.recipients = append(s.recipients, recipient{
		address:     toAddress,
		deliveredTo: toAddress.BaseAddress(),
		local:       false,
	})
	s.Log("recipient accepted: %s (relay for %s)", toAddress.FullAddress(), s.mailbox.Address)
	return nil
}

// resolveLocalRecipient maps a RCPT at a usable local domain to the
// mailbox that will own the message, applying the domain catch-all and
// the storage quota.
func (s *Session) resolveLocalRecipient(toAddress server.Address, domain *db.Domain) (string, error) {
	deliveredTo := toAddress.BaseAddress()

	mailbox, err := s.backend.store.GetMailboxByAddress(s.ctx, deliveredTo)
	if err != nil {
		if !errors.Is(err, consts.ErrMailboxNotFound) {
			return "", s.internalError("mailbox lookup failed: %v", err)
		}
		if domain.CatchAll == nil || *domain.CatchAll == "" {
			s.Log("recipient rejected: %s (no such mailbox)", deliveredTo)
			metrics.MessagesRejected.WithLabelValues("unknown_mailbox").Inc()
			return "", &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "No such user here",
			}
		}

		deliveredTo = *domain.CatchAll
		mailbox, err = s.backend.store.GetMailboxByAddress(s.ctx, deliveredTo)
		if err != nil {
			s.Log("recipient rejected: catch-all mailbox %s unavailable", deliveredTo)
			metrics.MessagesRejected.WithLabelValues("unknown_mailbox").Inc()
			return "", &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "No such user here",
			}
		}
		s.DebugLog("catch-all redirect: %s -> %s", toAddress.BaseAddress(), deliveredTo)
	}

	if !mailbox.IsActive() {
		s.Log("recipient rejected: %s (mailbox disabled)", deliveredTo)
		metrics.MessagesRejected.WithLabelValues("mailbox_disabled").Inc()
		return "", &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 2, 1},
			Message:      "Mailbox disabled",
		}
	}

	if mailbox.StorageQuota > 0 {
		usage, err := s.backend.store.MailboxUsage(s.ctx, mailbox.Address)
		if err != nil {
			return "", s.internalError("quota check failed: %v", err)
		}
		if usage >= mailbox.StorageQuota {
			s.Log("recipient rejected: %s (over quota: %d/%d)", deliveredTo, usage, mailbox.StorageQuota)
			metrics.MessagesRejected.WithLabelValues("over_quota").Inc()
			return "", &smtp.SMTPError{
				Code:         452,
				EnhancedCode: smtp.EnhancedCode{4, 2, 2},
				Message:      "Mailbox full",
			}
		}
	}

	return deliveredTo, nil
}

func (s *Session) Data(r io.Reader) error {
	if s.sender == nil || len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	var buf bytes.Buffer
	reader := r
	if s.backend.maxMessageSize > 0 {
		// One extra byte so the limit breach is detectable.
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		return s.internalError("failed to read message data: %v", err)
	}

	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		s.Log("message rejected: %d bytes exceeds limit of %d", buf.Len(), s.backend.maxMessageSize)
		metrics.MessagesRejected.WithLabelValues("too_large").Inc()
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("Message exceeds maximum allowed size of %d bytes", s.backend.maxMessageSize),
		}
	}

	rawBytes := buf.Bytes()
	acceptedAt := time.Now()

	parsed, err := parseMessage(rawBytes)
	if err != nil {
		s.Log("message rejected: parse failure: %v", err)
		metrics.MessagesRejected.WithLabelValues("parse_failure").Inc()
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message content could not be parsed",
		}
	}

	messageID := buildMessageID(rawBytes, acceptedAt, s.HostName)
	stored := prependTraceHeader(rawBytes, messageID, acceptedAt, s.HostName)
	size := int64(len(stored))

	envelopeRecipients := make([]string, 0, len(s.recipients))
	for _, rcpt := range s.recipients {
		envelopeRecipients = append(envelopeRecipients, rcpt.address.FullAddress())
	}

	for _, rcpt := range s.recipients {
		msg := &db.Message{
			MessageID:   messageID,
			DeliveredTo: rcpt.deliveredTo,
			Sender:      s.sender.FullAddress(),
			Recipients:  envelopeRecipients,
			Subject:     parsed.Subject,
			Domain:      rcpt.address.Domain(),
			State:       consts.StateEnqueued,
			Raw:         stored,
			Size:        size,
			AcceptedAt:  acceptedAt,
		}
		if _, err := s.backend.store.InsertMessage(s.ctx, msg, parsed.Attachments); err != nil {
			return s.internalError("failed to persist message %s: %v", messageID, err)
		}
	}

	s.transacted++
	s.backend.messagesAccepted.Add(1)
	s.backend.bytesReceived.Add(size)
	s.backend.counters.MessagesReceived.Add(int64(len(s.recipients)))
	metrics.MessagesReceived.WithLabelValues("accepted").Inc()
	metrics.MessageSizeBytes.Observe(float64(size))

	s.Log("message accepted: id=%s size=%d recipients=%d", messageID, size, len(s.recipients))

	// Carry the generated message ID back in the acceptance reply.
	return &smtp.SMTPError{
		Code:         250,
		EnhancedCode: smtp.EnhancedCode{2, 0, 0},
		Message:      fmt.Sprintf("OK: queued as %s", messageID),
	}
}

func (s *Session) Reset() {
	s.sender = nil
	s.recipients = nil
	s.DebugLog("transaction reset")
}

func (s *Session) Logout() error {
	if s.releaseConn != nil {
		s.releaseConn()
		s.releaseConn = nil
	}

	if s.mailbox != nil {
		s.backend.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(s.backend.name).Dec()
	}

	s.backend.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues(s.backend.name).Dec()
	metrics.ConnectionDuration.WithLabelValues(s.backend.name).Observe(time.Since(s.startTime).Seconds())

	if s.cancel != nil {
		s.cancel()
	}

	s.Log("session closed (transactions=%d)", s.transacted)
	return nil
}

func (s *Session) internalError(format string, a ...interface{}) error {
	s.ErrorLog(format, a...)
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary server error, try again later",
	}
}
