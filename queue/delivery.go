package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mismo-messaging/mismo/logger"
)

const smtpPort = "25"

// DeliveryAgent hands one message to one remote host. The processor
// walks the MX candidates with it; any error exhausts that candidate.
type DeliveryAgent interface {
	Deliver(ctx context.Context, host, from, to string, raw []byte) error
}

// SMTPDeliveryAgent speaks outbound SMTP on port 25, upgrading to
// STARTTLS when the peer offers it.
type SMTPDeliveryAgent struct {
	HeloHostname   string
	Port           string
	ConnectTimeout time.Duration
	DisableTLS     bool // Skip STARTTLS even when offered
	TLSVerify      bool
}

func NewSMTPDeliveryAgent(heloHostname string, connectTimeout time.Duration) *SMTPDeliveryAgent {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &SMTPDeliveryAgent{
		HeloHostname:   heloHostname,
		Port:           smtpPort,
		ConnectTimeout: connectTimeout,
	}
}

func (a *SMTPDeliveryAgent) Deliver(ctx context.Context, host, from, to string, raw []byte) error {
	c, err := a.connect(ctx, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("sender rejected by %s: %w", host, err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("recipient rejected by %s: %w", host, err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected by %s: %w", host, err)
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to write message to %s: %w", host, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("message rejected by %s: %w", host, err)
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted at this point.
		logger.Debug("Queue: QUIT failed after accepted delivery", "host", host, "error", err)
	}
	return nil
}

// connect dials host and negotiates STARTTLS when the peer offers it.
// NewClientStartTLS fails outright against peers without the extension,
// so that refusal falls back to a fresh plaintext connection rather
// than losing the message.
func (a *SMTPDeliveryAgent) connect(ctx context.Context, host string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: a.ConnectTimeout}
	port := a.Port
	if port == "" {
		port = smtpPort
	}
	addr := net.JoinHostPort(host, port)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}

	if a.DisableTLS {
		return a.hello(smtp.NewClient(conn), host)
	}

	tlsConfig := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !a.TLSVerify,
	}
	c, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err == nil {
		// The TLS upgrade invalidated the pre-upgrade EHLO, so the
		// greeting with our own hostname goes out on the secured
		// channel.
		return a.hello(c, host)
	}

	// NewClientStartTLS closed the connection. The library reports an
	// unsupported extension only as an opaque error string.
	if !strings.Contains(err.Error(), "doesn't support STARTTLS") {
		return nil, fmt.Errorf("STARTTLS with %s failed: %w", host, err)
	}
	logger.Debug("Queue: peer offers no STARTTLS, delivering in plaintext", "host", host)

	conn, err = dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reconnect to %s: %w", host, err)
	}
	return a.hello(smtp.NewClient(conn), host)
}

func (a *SMTPDeliveryAgent) hello(c *smtp.Client, host string) (*smtp.Client, error) {
	if err := c.Hello(a.HeloHostname); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("HELO rejected by %s: %w", host, err)
	}
	return c, nil
}

// NetResolver adapts net.Resolver to the processor's Resolver interface.
type NetResolver struct {
	resolver *net.Resolver
}

func NewNetResolver() *NetResolver {
	return &NetResolver{resolver: net.DefaultResolver}
}

func (r *NetResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	return r.resolver.LookupMX(ctx, domain)
}
