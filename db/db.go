package db

import (
	"context"
	_ "embed"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mismo-messaging/mismo/config"
	"github.com/mismo-messaging/mismo/logger"
	"github.com/mismo-messaging/mismo/pkg/metrics"
	"github.com/mismo-messaging/mismo/pkg/retry"
)

//go:embed schema.sql
var schema string

// Database wraps the pgx connection pool and is the single source of
// truth for message, domain, mailbox and attachment records.
type Database struct {
	Pool *pgxpool.Pool
}

// queryTracer logs every executed query when database debug is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("Database: query start", "sql", data.SQL, "args", data.Args)
	return ctx
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		logger.Debug("Database: query end", "command", data.CommandTag.String(), "error", data.Err)
		return
	}
	logger.Debug("Database: query end", "command", data.CommandTag.String())
}

// NewDatabaseFromConfig creates a connection pool from the configuration
// and runs schema migration. The connection itself is retried by
// ConnectWithRetry; this function makes a single attempt.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if len(dbConfig.Hosts) == 0 {
		return nil, fmt.Errorf("at least one database host must be specified")
	}

	// Randomly select one host; DNS or a proxy handles real balancing.
	selectedHost := dbConfig.Hosts[rand.Intn(len(dbConfig.Hosts))]
	if !strings.Contains(selectedHost, ":") {
		port := dbConfig.Port
		if port == "" {
			port = "5432"
		}
		selectedHost = selectedHost + ":" + port
	}

	sslMode := "disable"
	if dbConfig.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		dbConfig.User, dbConfig.Password, selectedHost, dbConfig.Name, sslMode)

	logger.Info("Database: connecting", "host", selectedHost, "name", dbConfig.Name, "user", dbConfig.User, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if dbConfig.Debug {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	if dbConfig.MaxConns > 0 {
		poolConfig.MaxConns = int32(dbConfig.MaxConns)
	}
	if dbConfig.MinConns > 0 {
		poolConfig.MinConns = int32(dbConfig.MinConns)
	}
	if lifetime, err := dbConfig.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idleTime, err := dbConfig.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = idleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run schema migration: %w", err)
	}

	return db, nil
}

// ConnectWithRetry connects to the database with bounded exponential
// backoff. A store that stays unreachable is fatal to the caller; this
// never degrades to running without persistence.
func ConnectWithRetry(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	initialBackoff, err := dbConfig.GetConnectBackoff()
	if err != nil {
		return nil, err
	}

	backoffConfig := retry.BackoffConfig{
		InitialInterval: initialBackoff,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      dbConfig.GetConnectRetries() - 1,
	}

	var db *Database
	err = retry.WithRetry(ctx, func() error {
		var connectErr error
		db, connectErr = NewDatabaseFromConfig(ctx, dbConfig)
		if connectErr != nil {
			logger.Warn("Database: connection attempt failed", "error", connectErr)
		}
		return connectErr
	}, backoffConfig)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}

// BeginTx starts a new transaction.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.Pool.Begin(ctx)
}

// Database timing helpers for critical operations

// TimedQueryRow wraps QueryRow with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return row
}

// TimedQuery wraps Query with duration metrics
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return rows, err
}

// TimedExec wraps Exec with duration metrics and returns the command tag
// so callers can inspect affected row counts.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := db.Pool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return tag, err
}
