package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mismo-messaging/mismo/consts"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"github.com/mismo-messaging/mismo/server"
)

const Pop3MaxErrorsAllowed = 3         // Maximum number of errors tolerated before the connection is terminated
const Pop3ErrorDelay = 1 * time.Second // Wait for this many seconds per accumulated error before answering

type POP3Session struct {
	server.Session
	server        *POP3Server
	conn          net.Conn
	authenticated bool
	mailbox       *db.Mailbox
	messages      []*db.MessageSummary // Session snapshot taken at login
	deleted       map[int]bool         // Message indexes marked for deletion
	ctx           context.Context
	cancel        context.CancelFunc
	releaseConn   func()
	startTime     time.Time
	errorsCount   int
}

func (s *POP3Session) handleConnection() {
	defer s.Close()

	reader := bufio.NewReader(s.conn)
	writer := bufio.NewWriter(s.conn)

	writer.WriteString(fmt.Sprintf("+OK %s POP3 server ready\r\n", s.HostName))
	writer.Flush()

	s.Log("connected")

	var userAddress *server.Address

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				writer.WriteString("-ERR Connection timed out due to inactivity\r\n")
				writer.Flush()
				s.Log("timed out")
			} else if err == io.EOF {
				// Client dropped without QUIT: pending deletions are discarded.
				s.Log("client dropped connection")
			} else if !server.IsConnectionError(err) {
				s.Log("read error: %v", err)
			}
			return
		}

		if s.ctx.Err() != nil {
			writer.WriteString("-ERR Server shutting down\r\n")
			writer.Flush()
			return
		}

		line = strings.TrimSpace(line)
		parts := strings.Split(line, " ")
		cmd := strings.ToUpper(parts[0])

		switch cmd {
		case "CAPA":
			writer.WriteString("+OK Capability list follows\r\n")
			writer.WriteString("USER\r\n")
			writer.WriteString("UIDL\r\n")
			writer.WriteString("TOP\r\n")
			writer.WriteString("IMPLEMENTATION mismo\r\n")
			writer.WriteString(".\r\n")

		case "USER":
			if s.authenticated {
				if s.handleClientError(writer, "-ERR Already authenticated\r\n") {
					return
				}
				continue
			}
			if len(parts) < 2 {
				if s.handleClientError(writer, "-ERR Missing username\r\n") {
					return
				}
				continue
			}

			// Only full email addresses are accepted as usernames.
			newUserAddress, err := server.NewAddress(parts[1])
			if err != nil {
				s.Log("invalid username: %v", err)
				if s.handleClientError(writer, fmt.Sprintf("-ERR %s\r\n", err.Error())) {
					return
				}
				continue
			}
			userAddress = &newUserAddress
			writer.WriteString("+OK User accepted\r\n")

		case "PASS":
			if s.authenticated {
				writer.WriteString("-ERR Already authenticated\r\n")
				writer.Flush()
				continue
			}
			if userAddress == nil {
				s.Log("PASS without USER")
				writer.WriteString("-ERR Must provide USER first\r\n")
				writer.Flush()
				continue
			}
			if len(parts) < 2 {
				if s.handleClientError(writer, "-ERR Missing password\r\n") {
					return
				}
				continue
			}

			s.Log("authentication attempt for %s", userAddress.FullAddress())

			mailbox, err := s.server.store.Authenticate(s.ctx, "POP3", userAddress.BaseAddress(), parts[1])
			if err != nil {
				if !errors.Is(err, consts.ErrInvalidCredentials) {
					s.ErrorLog("authentication error: %v", err)
				}
				if s.handleClientError(writer, "-ERR Authentication failed\r\n") {
					s.Log("authentication failed")
					return
				}
				continue
			}

			// The maildrop snapshot is taken once at login. Messages
			// accepted afterwards show up on the next session.
			messages, err := s.server.store.ListMailboxMessages(s.ctx, mailbox.Address)
			if err != nil {
				s.ErrorLog("failed to load maildrop: %v", err)
				writer.WriteString("-ERR Internal server error\r\n")
				writer.Flush()
				continue
			}

			s.mailbox = mailbox
			s.messages = messages
			s.authenticated = true
			s.User = server.NewUser(*userAddress, mailbox.ID)

			authCount := s.server.authenticatedConnections.Add(1)
			totalCount := s.server.totalConnections.Load()
			metrics.AuthenticatedConnectionsCurrent.WithLabelValues("POP3").Inc()
			s.Log("authenticated (connections: total=%d, authenticated=%d)", totalCount, authCount)

			writer.WriteString(fmt.Sprintf("+OK Maildrop has %d messages\r\n", len(messages)))

		case "STAT":
			if !s.authenticated {
				if s.handleClientError(writer, "-ERR Not authenticated\r\n") {
					return
				}
				continue
			}
			count, size := computeStat(s.messages, s.deleted)
			writer.WriteString(fmt.Sprintf("+OK %d %d\r\n", count, size))

		case "LIST":
			if !s.authenticated {
				if s.handleClientError(writer, "-ERR Not authenticated\r\n") {
					return
				}
				continue
			}

			if len(parts) > 1 {
				msgNumber, err := strconv.Atoi(parts[1])
				if err != nil {
					if s.handleClientError(writer, "-ERR Invalid message number\r\n") {
						return
					}
					continue
				}
				ok, response := buildSingleListResponse(s.messages, s.deleted, msgNumber)
				if !ok {
					if s.handleClientError(writer, "-ERR No such message\r\n") {
						return
					}
					continue
				}
				writer.WriteString(fmt.Sprintf("+OK %s\r\n", response))
				continue
			}

			lines := buildListResponseLines(s.messages, s.deleted)
			writer.WriteString(fmt.Sprintf("+OK %d messages\r\n", len(lines)))
			for _, l := range lines {
				writer.WriteString(l + "\r\n")
			}
			writer.WriteString(".\r\n")
			s.Log("listed %d messages", len(lines))

		case "UIDL":
			if !s.authenticated {
				if s.handleClientError(writer, "-ERR Not authenticated\r\n") {
					return
				}
				continue
			}

			if len(parts) > 1 {
				msgNumber, err := strconv.Atoi(parts[1])
				if err != nil || msgNumber < 1 || msgNumber > len(s.messages) || s.deleted[msgNumber-1] {
					if s.handleClientError(writer, "-ERR No such message\r\n") {
						return
					}
					continue
				}
				writer.WriteString(fmt.Sprintf("+OK %d %s\r\n", msgNumber, s.messages[msgNumber-1].MessageID))
				continue
			}

			lines := buildUIDLResponseLines(s.messages, s.deleted)
			writer.WriteString("+OK unique-id listing follows\r\n")
			for _, l := range lines {
				writer.WriteString(l + "\r\n")
			}
			writer.WriteString(".\r\n")

		case "RETR":
			msg, ok := s.resolveMessageArg(writer, parts)
			if !ok {
				if s.errorsCount > Pop3MaxErrorsAllowed {
					return
				}
				continue
			}

			raw, err := s.server.store.GetMessageRaw(s.ctx, msg.ID, s.mailbox.Address)
			if err != nil {
				if errors.Is(err, consts.ErrMessageNotFound) {
					writer.WriteString("-ERR Message not available\r\n")
				} else {
					s.ErrorLog("RETR error: %v", err)
					writer.WriteString("-ERR Internal server error\r\n")
				}
				writer.Flush()
				continue
			}

			// The octet count must describe the bytes that follow, which
			// dot-stuffing and line ending normalization may have grown.
			stuffed := dotStuff(raw)
			writer.WriteString(fmt.Sprintf("+OK %d octets\r\n", len(stuffed)))
			writer.WriteString(stuffed)
			writer.WriteString(".\r\n")

			s.server.counters.MessagesRetrieved.Add(1)
			metrics.MessagesRetrieved.Inc()
			s.Log("retrieved message %s (%d octets)", msg.MessageID, len(stuffed))

		case "TOP":
			if !s.authenticated {
				if s.handleClientError(writer, "-ERR Not authenticated\r\n") {
					return
				}
				continue
			}
			if len(parts) < 3 {
				if s.handleClientError(writer, "-ERR Usage: TOP msg n\r\n") {
					return
				}
				continue
			}

			msg, ok := s.resolveMessageArg(writer, parts[:2])
			if !ok {
				if s.errorsCount > Pop3MaxErrorsAllowed {
					return
				}
				continue
			}

			n, err := strconv.Atoi(parts[2])
			if err != nil || n < 0 {
				if s.handleClientError(writer, "-ERR Invalid line count\r\n") {
					return
				}
				continue
			}

			raw, err := s.server.store.GetMessageRaw(s.ctx, msg.ID, s.mailbox.Address)
			if err != nil {
				s.ErrorLog("TOP error: %v", err)
				writer.WriteString("-ERR Internal server error\r\n")
				writer.Flush()
				continue
			}

			writer.WriteString("+OK Top of message follows\r\n")
			writer.WriteString(dotStuff(topSlice(raw, n)))
			writer.WriteString(".\r\n")

		case "DELE":
			msg, ok := s.resolveMessageArg(writer, parts)
			if !ok {
				if s.errorsCount > Pop3MaxErrorsAllowed {
					return
				}
				continue
			}

			msgNumber, _ := strconv.Atoi(parts[1])
			s.deleted[msgNumber-1] = true
			writer.WriteString("+OK Message deleted\r\n")
			s.Log("marked message %s for deletion", msg.MessageID)

		case "NOOP":
			writer.WriteString("+OK\r\n")

		case "RSET":
			s.deleted = make(map[int]bool)
			writer.WriteString("+OK\r\n")
			s.Log("reset")

		case "QUIT":
			// Deletions only take effect now. Anything else on the wire
			// before this point is a no-op if the connection drops.
			if s.authenticated && len(s.deleted) > 0 {
				var ids []int64
				for i, deleted := range s.deleted {
					if deleted && i < len(s.messages) {
						ids = append(ids, s.messages[i].ID)
					}
				}
				if len(ids) > 0 {
					expunged, err := s.server.store.MarkMessagesDeleted(s.ctx, s.mailbox.Address, ids)
					if err != nil {
						s.ErrorLog("failed to expunge messages: %v", err)
					} else {
						metrics.MessagesExpunged.Add(float64(expunged))
						s.Log("expunged %d messages", expunged)
					}
				}
			}

			writer.WriteString("+OK Goodbye\r\n")
			writer.Flush()
			return

		default:
			writer.WriteString(fmt.Sprintf("-ERR Unknown command: %s\r\n", cmd))
			s.Log("unknown command: %s", cmd)
		}
		writer.Flush()
	}
}

// resolveMessageArg validates the common "<CMD> msg" argument shape and
// returns the snapshot entry it names. Counts a client error when the
// argument is missing, malformed, out of range or marked deleted.
func (s *POP3Session) resolveMessageArg(writer *bufio.Writer, parts []string) (*db.MessageSummary, bool) {
	if !s.authenticated {
		s.handleClientError(writer, "-ERR Not authenticated\r\n")
		return nil, false
	}
	if len(parts) < 2 {
		s.handleClientError(writer, "-ERR Missing message number\r\n")
		return nil, false
	}
	msgNumber, err := strconv.Atoi(parts[1])
	if err != nil || msgNumber < 1 {
		s.handleClientError(writer, "-ERR Invalid message number\r\n")
		return nil, false
	}
	if msgNumber > len(s.messages) || s.deleted[msgNumber-1] {
		s.handleClientError(writer, "-ERR No such message\r\n")
		return nil, false
	}
	return s.messages[msgNumber-1], true
}

func (s *POP3Session) handleClientError(writer *bufio.Writer, errMsg string) bool {
	s.errorsCount++
	if s.errorsCount > Pop3MaxErrorsAllowed {
		writer.WriteString("-ERR Too many errors, closing connection\r\n")
		writer.Flush()
		return true
	}
	// Slow down brute force attempts.
	time.Sleep(time.Duration(s.errorsCount) * Pop3ErrorDelay)
	writer.WriteString(errMsg)
	writer.Flush()
	return false
}

func (s *POP3Session) Close() error {
	s.conn.Close()

	if s.releaseConn != nil {
		s.releaseConn()
		s.releaseConn = nil
	}

	totalCount := s.server.totalConnections.Add(-1)
	if s.authenticated {
		authCount := s.server.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues("POP3").Dec()
		s.Log("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)
	} else {
		s.Log("closed unauthenticated connection (connections: total=%d)", totalCount)
	}

	metrics.ConnectionsCurrent.WithLabelValues("POP3").Dec()
	metrics.ConnectionDuration.WithLabelValues("POP3").Observe(time.Since(s.startTime).Seconds())

	s.authenticated = false
	s.messages = nil
	s.deleted = nil
	s.User = nil

	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
