package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/mismo-messaging/mismo/db"
	"github.com/mismo-messaging/mismo/logger"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"github.com/mismo-messaging/mismo/server"
)

// Store is the persistence surface the SMTP server needs. Narrow on
// purpose so session tests can run against an in-memory fake.
type Store interface {
	GetDomainByName(ctx context.Context, name string) (*db.Domain, error)
	GetMailboxByAddress(ctx context.Context, address string) (*db.Mailbox, error)
	Authenticate(ctx context.Context, protocol, address, password string) (*db.Mailbox, error)
	MailboxUsage(ctx context.Context, address string) (int64, error)
	InsertMessage(ctx context.Context, msg *db.Message, attachments []*db.Attachment) (int64, error)
}

// Backend runs one SMTP listener, either plaintext or implicit TLS.
type Backend struct {
	addr           string
	name           string
	hostname       string
	store          Store
	counters       *metrics.Counters
	server         *smtp.Server
	appCtx         context.Context
	tlsConfig      *tls.Config
	maxMessageSize int64
	insecureAuth   bool

	totalConnections         atomic.Int64
	activeConnections        atomic.Int64
	authenticatedConnections atomic.Int64
	bytesReceived            atomic.Int64
	messagesAccepted         atomic.Int64

	limiter *server.ConnectionLimiter
}

type Options struct {
	Debug               bool
	TLS                 bool
	TLSCertFile         string
	TLSKeyFile          string
	InsecureAuth        bool
	MaxConnections      int
	MaxConnectionsPerIP int
	MaxMessageSize      int64
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
}

func New(appCtx context.Context, name, hostname, addr string, store Store, counters *metrics.Counters, options Options) (*Backend, error) {
	backend := &Backend{
		addr:           addr,
		name:           name,
		hostname:       hostname,
		store:          store,
		counters:       counters,
		appCtx:         appCtx,
		maxMessageSize: options.MaxMessageSize,
		insecureAuth:   options.InsecureAuth,
	}

	backend.limiter = server.NewConnectionLimiter(name, options.MaxConnections, options.MaxConnectionsPerIP)

	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS enabled for SMTP [%s] but no tls_cert_file/tls_key_file provided", name)
		}
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates:             []tls.Certificate{cert},
			MinVersion:               tls.VersionTLS12,
			ClientAuth:               tls.NoClientCert,
			ServerName:               hostname,
			PreferServerCipherSuites: true,
			NextProtos:               []string{"smtp"},
			Renegotiation:            tls.RenegotiateNever,
		}
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.Network = "tcp"
	s.MaxMessageBytes = options.MaxMessageSize
	s.MaxRecipients = 100
	s.ReadTimeout = options.ReadTimeout
	s.WriteTimeout = options.WriteTimeout
	// With implicit TLS the session is always encrypted; for the plain
	// listener AUTH is gated by insecure_auth.
	s.AllowInsecureAuth = options.TLS || options.InsecureAuth

	if options.Debug {
		var debugWriter io.Writer = os.Stdout
		s.Debug = debugWriter
	}

	backend.server = s
	backend.limiter.StartCleanup(appCtx)

	return backend, nil
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()

	// Admission control. Excess connections get a temporary failure so
	// legitimate senders retry later.
	releaseConn, err := b.limiter.Accept(remoteAddr)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues(b.name).Inc()
		b.counters.SessionsRejected.Add(1)
		logger.Warn("SMTP: connection rejected", "name", b.name, "remote", remoteAddr.String(), "error", err)
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections, try again later",
		}
	}

	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	b.counters.SessionsAccepted.Add(1)

	metrics.ConnectionsTotal.WithLabelValues(b.name).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(b.name).Inc()

	s := &Session{
		backend:     b,
		conn:        c,
		ctx:         sessionCtx,
		cancel:      sessionCancel,
		releaseConn: releaseConn,
		startTime:   time.Now(),
	}

	remoteIP := remoteAddr.String()
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	s.RemoteIP = remoteIP
	s.Id = uuid.NewString()
	s.HostName = b.hostname
	s.Protocol = "SMTP"
	s.Stats = b

	s.Log("new session (connections: active=%d)", b.activeConnections.Load())
	return s, nil
}

func (b *Backend) Start(errChan chan error) {
	var listener net.Listener

	tcpListener, err := net.Listen("tcp", b.server.Addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create SMTP listener [%s]: %w", b.name, err)
		return
	}

	if b.tlsConfig != nil {
		listener = tls.NewListener(tcpListener, b.tlsConfig)
		logger.Info("SMTP server listening with TLS", "name", b.name, "addr", b.server.Addr)
	} else {
		listener = tcpListener
		logger.Info("SMTP server listening", "name", b.name, "addr", b.server.Addr, "tls", false)
	}
	defer listener.Close()

	if err := b.server.Serve(listener); err != nil {
		if b.appCtx.Err() != nil {
			logger.Info("SMTP server stopped gracefully", "name", b.name)
		} else {
			errChan <- fmt.Errorf("SMTP server error [%s]: %w", b.name, err)
		}
	} else {
		logger.Info("SMTP server stopped gracefully", "name", b.name)
	}
}

func (b *Backend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *Backend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *Backend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (b *Backend) GetAuthenticatedConnections() int64 {
	return b.authenticatedConnections.Load()
}

// GetBytesReceived returns the cumulative message bytes accepted
func (b *Backend) GetBytesReceived() int64 {
	return b.bytesReceived.Load()
}

// GetMessagesAccepted returns the cumulative accepted message count
func (b *Backend) GetMessagesAccepted() int64 {
	return b.messagesAccepted.Load()
}

// GetLimiter returns the connection limiter for testing purposes
func (b *Backend) GetLimiter() *server.ConnectionLimiter {
	return b.limiter
}
