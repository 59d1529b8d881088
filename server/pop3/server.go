package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/logger"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	serverPkg "github.com/mismo-messaging/mismo/server"
)

const (
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultIdleTimeout      = 30 * time.Second
)

// Store is the persistence surface POP3 sessions need.
type Store interface {
	Authenticate(ctx context.Context, protocol, address, password string) (*db.Mailbox, error)
	ListMailboxMessages(ctx context.Context, deliveredTo string) ([]*db.MessageSummary, error)
	GetMessageRaw(ctx context.Context, id int64, deliveredTo string) ([]byte, error)
	MarkMessagesDeleted(ctx context.Context, deliveredTo string, ids []int64) (int64, error)
}

// POP3Server serves mailboxes over implicit TLS. Plaintext POP3 is not
// offered: credentials travel on every session, so the listener refuses
// to start without a certificate.
type POP3Server struct {
	addr             string
	name             string
	hostname         string
	store            Store
	counters         *metrics.Counters
	appCtx           context.Context
	cancel           context.CancelFunc
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	limiter *serverPkg.ConnectionLimiter
}

type POP3ServerOptions struct {
	TLSCertFile         string
	TLSKeyFile          string
	MaxConnections      int
	MaxConnectionsPerIP int
	HandshakeTimeout    time.Duration
	IdleTimeout         time.Duration
}

func New(appCtx context.Context, name, hostname, addr string, store Store, counters *metrics.Counters, options POP3ServerOptions) (*POP3Server, error) {
	if options.TLSCertFile == "" || options.TLSKeyFile == "" {
		return nil, fmt.Errorf("POP3 requires a TLS certificate and key")
	}

	cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	server := &POP3Server{
		addr:             addr,
		name:             name,
		hostname:         hostname,
		store:            store,
		counters:         counters,
		appCtx:           serverCtx,
		cancel:           serverCancel,
		handshakeTimeout: options.HandshakeTimeout,
		idleTimeout:      options.IdleTimeout,
		tlsConfig: &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS13,
			ClientAuth:    tls.NoClientCert,
			ServerName:    hostname,
			NextProtos:    []string{"pop3"},
			Renegotiation: tls.RenegotiateNever,
		},
	}

	if server.handshakeTimeout <= 0 {
		server.handshakeTimeout = DefaultHandshakeTimeout
	}
	if server.idleTimeout <= 0 {
		server.idleTimeout = DefaultIdleTimeout
	}

	server.limiter = serverPkg.NewConnectionLimiter("POP3", options.MaxConnections, options.MaxConnectionsPerIP)
	server.limiter.StartCleanup(serverCtx)

	return server, nil
}

func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create POP3 listener: %w", err)
		return
	}
	defer listener.Close()

	logger.Info("POP3 server listening with TLS", "name", s.name, "addr", s.addr)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return
			default:
				errChan <- err
				return
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("POP3: connection rejected", "name", s.name, "remote", conn.RemoteAddr().String(), "error", err)
			metrics.ConnectionsRejected.WithLabelValues("POP3").Inc()
			s.counters.SessionsRejected.Add(1)
			conn.Close()
			continue
		}

		go s.serveConn(conn, releaseConn)
	}
}

// serveConn completes the TLS handshake under a deadline before handing
// the connection to the session loop. A client that stalls mid-handshake
// is cut off without ever reaching the protocol.
func (s *POP3Server) serveConn(conn net.Conn, releaseConn func()) {
	tlsConn := tls.Server(conn, s.tlsConfig)

	conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	if err := tlsConn.HandshakeContext(s.appCtx); err != nil {
		logger.Debug("POP3: TLS handshake failed", "name", s.name, "remote", conn.RemoteAddr().String(), "error", err)
		metrics.ConnectionsRejected.WithLabelValues("POP3").Inc()
		tlsConn.Close()
		releaseConn()
		return
	}
	conn.SetDeadline(time.Time{})

	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	totalCount := s.totalConnections.Add(1)
	s.counters.SessionsAccepted.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("POP3").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("POP3").Inc()

	session := &POP3Session{
		server:      s,
		conn:        tlsConn,
		deleted:     make(map[int]bool),
		ctx:         sessionCtx,
		cancel:      sessionCancel,
		releaseConn: releaseConn,
		startTime:   time.Now(),
	}
	session.RemoteIP = remoteIP(conn)
	session.Protocol = "POP3"
	session.Id = uuid.NewString()
	session.HostName = s.hostname
	session.Stats = s

	logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount)

	session.handleConnection()
}

func (s *POP3Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

func (s *POP3Server) GetLimiter() *serverPkg.ConnectionLimiter {
	return s.limiter
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
