package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mismo-messaging/mismo/consts"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"golang.org/x/crypto/bcrypt"
)

// Mailbox is a user account in user@domain form. Its lifecycle is owned
// by the admin surface; this process reads it for authentication and
// delivery decisions.
type Mailbox struct {
	ID           int64
	Address      string
	PasswordHash string
	Enabled      bool
	ExpiresAt    *time.Time
	StorageQuota int64
	Capabilities []string
}

// IsActive reports whether the mailbox accepts logins and deliveries.
func (m *Mailbox) IsActive() bool {
	if !m.Enabled {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(time.Now()) {
		return false
	}
	return true
}

// HasCapability checks the mailbox capability set.
func (m *Mailbox) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// GetMailboxByAddress looks up a mailbox by its lowercased address.
func (db *Database) GetMailboxByAddress(ctx context.Context, address string) (*Mailbox, error) {
	var m Mailbox
	err := db.TimedQueryRow(ctx, "mailbox_get", `
		SELECT id, address, password_hash, enabled, expires_at, storage_quota, capabilities
		FROM mailboxes WHERE address = $1`, address).Scan(
		&m.ID, &m.Address, &m.PasswordHash, &m.Enabled, &m.ExpiresAt,
		&m.StorageQuota, &m.Capabilities)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to look up mailbox '%s': %w", address, err)
	}
	return &m, nil
}

// Authenticate verifies mailbox credentials. Failures are reported as
// ErrInvalidCredentials regardless of cause so the protocol reply never
// reveals whether the account exists.
func (db *Database) Authenticate(ctx context.Context, protocol, address, password string) (*Mailbox, error) {
	mailbox, err := db.GetMailboxByAddress(ctx, address)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues(protocol, "failure").Inc()
		if errors.Is(err, consts.ErrMailboxNotFound) {
			// Burn a comparison anyway so lookups and mismatches take
			// indistinguishable time.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uIppSyFlrpnZOQYRqlKTsqdofYPk7jG"), []byte(password))
			return nil, consts.ErrInvalidCredentials
		}
		return nil, err
	}

	if !mailbox.IsActive() {
		metrics.AuthenticationAttempts.WithLabelValues(protocol, "failure").Inc()
		return nil, consts.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(mailbox.PasswordHash), []byte(password)); err != nil {
		metrics.AuthenticationAttempts.WithLabelValues(protocol, "failure").Inc()
		return nil, consts.ErrInvalidCredentials
	}

	metrics.AuthenticationAttempts.WithLabelValues(protocol, "success").Inc()
	return mailbox, nil
}

// CountMailboxes returns the number of mailboxes.
func (db *Database) CountMailboxes(ctx context.Context) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "mailbox_count", `SELECT COUNT(*) FROM mailboxes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mailboxes: %w", err)
	}
	return count, nil
}
