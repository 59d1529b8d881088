package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mismo-messaging/mismo/consts"
)

// Domain is a locally served mail domain. The DNS validation fields are
// written by an external validator; this process only reads them.
type Domain struct {
	ID                    int64
	Name                  string
	Enabled               bool
	DNSValidated          bool
	DNSValidationHost     *string
	DNSValidationValue    *string
	DNSValidationLast     *time.Time
	DNSValidationFailures int
	CatchAll              *string
	ExpiresAt             *time.Time
	AddedBy               *string
}

// IsUsable reports whether the domain accepts local mail: enabled, not
// expired, and DNS ownership validated.
func (d *Domain) IsUsable() bool {
	if !d.Enabled || !d.DNSValidated {
		return false
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(time.Now()) {
		return false
	}
	return true
}

// GetDomainByName looks up a domain by its lowercased name.
func (db *Database) GetDomainByName(ctx context.Context, name string) (*Domain, error) {
	var d Domain
	err := db.TimedQueryRow(ctx, "domain_get", `
		SELECT id, name, enabled, dns_validated, dns_validation_host,
			dns_validation_value, dns_validation_last, dns_validation_failures,
			catch_all, expires_at, added_by
		FROM domains WHERE name = $1`, name).Scan(
		&d.ID, &d.Name, &d.Enabled, &d.DNSValidated, &d.DNSValidationHost,
		&d.DNSValidationValue, &d.DNSValidationLast, &d.DNSValidationFailures,
		&d.CatchAll, &d.ExpiresAt, &d.AddedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrDomainNotLocal
		}
		return nil, fmt.Errorf("failed to look up domain '%s': %w", name, err)
	}
	return &d, nil
}

// BootstrapDomain registers a domain as enabled and validated if it does
// not exist yet. Used for the configured local-domain list at startup;
// existing rows are left untouched so administrative state wins.
func (db *Database) BootstrapDomain(ctx context.Context, name string) error {
	_, err := db.TimedExec(ctx, "domain_bootstrap", `
		INSERT INTO domains (name, enabled, dns_validated, added_by)
		VALUES ($1, TRUE, TRUE, 'bootstrap')
		ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("failed to bootstrap domain '%s': %w", name, err)
	}
	return nil
}

// CountDomains returns the number of registered domains.
func (db *Database) CountDomains(ctx context.Context) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "domain_count", `SELECT COUNT(*) FROM domains`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count domains: %w", err)
	}
	return count, nil
}
