package broker

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current broker schema version. Bump this when the
// schema changes; stale databases refuse to open rather than corrupt runs.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("broker: schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	defaultClaimLease   = 30 * time.Second
	defaultPollInterval = 25 * time.Millisecond
)

// SQLiteOptions configures the embedded broker.
type SQLiteOptions struct {
	// Path locates the database file; parent directories are created.
	Path string
	// Consumer identifies this process on claims. Defaults to the hostname
	// plus pid.
	Consumer string
	// ClaimLease bounds how long an unacked delivery stays invisible before
	// it is redelivered. Defaults to 30s.
	ClaimLease time.Duration
	// PollInterval paces blocked consumes. Defaults to 25ms.
	PollInterval time.Duration
}

// SQLite is a single-file broker. Channels are rows in one messages table;
// consumer groups track claims in a deliveries table with lease deadlines so
// unacked messages return to the channel after ClaimLease.
type SQLite struct {
	db   *sql.DB
	path string

	consumer string
	lease    time.Duration
	poll     time.Duration

	mu     sync.Mutex
	groups map[string]struct{}
	closed bool
}

// OpenSQLite initializes or connects to the broker database.
func OpenSQLite(opts SQLiteOptions) (*SQLite, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("broker: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure broker directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	b := &SQLite{
		db:       db,
		path:     opts.Path,
		consumer: opts.Consumer,
		lease:    opts.ClaimLease,
		poll:     opts.PollInterval,
		groups:   make(map[string]struct{}),
	}
	if b.consumer == "" {
		host, _ := os.Hostname()
		b.consumer = fmt.Sprintf("%s.%d", host, os.Getpid())
	}
	if b.lease <= 0 {
		b.lease = defaultClaimLease
	}
	if b.poll <= 0 {
		b.poll = defaultPollInterval
	}

	if err := b.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLite) initSchema(ctx context.Context) error {
	var tableExists int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return b.createSchema(ctx)
	}

	var version int
	if err := b.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to start fresh)",
			ErrSchemaMismatch, version, schemaVersion, b.path)
	}
	return nil
}

func (b *SQLite) createSchema(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (b *SQLite) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = b.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (b *SQLite) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish appends a message to the channel.
func (b *SQLite) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	_, err := b.execWithRetry(ctx,
		`INSERT INTO messages (channel, payload, published_at) VALUES (?, ?, ?)`,
		channel, payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (b *SQLite) ensureGroup(ctx context.Context, channel, group string) error {
	key := channel + "/" + group
	b.mu.Lock()
	_, ok := b.groups[key]
	b.mu.Unlock()
	if ok {
		return nil
	}

	_, err := b.execWithRetry(ctx,
		`INSERT OR IGNORE INTO consumer_groups (channel, name, created_at) VALUES (?, ?, ?)`,
		channel, group, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("register group %s on %s: %w", group, channel, err)
	}

	b.mu.Lock()
	b.groups[key] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Consume blocks until a message is available for the group or wait elapses.
// Delivery order follows publish order; a message whose claim lapsed is
// offered again before newer unclaimed ones.
func (b *SQLite) Consume(ctx context.Context, channel, group string, wait time.Duration) (*Delivery, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if err := b.ensureGroup(ctx, channel, group); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		delivery, err := b.claim(ctx, channel, group)
		if err != nil {
			return nil, err
		}
		if delivery != nil {
			return delivery, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.poll):
		}
	}
}

// claim attempts to take the oldest deliverable message for the group. The
// conditional upsert makes the claim race-safe: a concurrent claimant lands
// zero affected rows and simply retries on its next poll.
func (b *SQLite) claim(ctx context.Context, channel, group string) (*Delivery, error) {
	now := time.Now().UTC()

	var (
		messageID int64
		payload   []byte
	)
	err := retryOnBusy(ctx, func() error {
		row := b.db.QueryRowContext(ctx,
			`SELECT m.id, m.payload
             FROM messages m
             LEFT JOIN deliveries d ON d.message_id = m.id AND d.grp = ?
             WHERE m.channel = ?
               AND (d.message_id IS NULL OR (d.state = 'claimed' AND d.claim_deadline < ?))
             ORDER BY m.id
             LIMIT 1`,
			group, channel, now.Format(time.RFC3339Nano),
		)
		return row.Scan(&messageID, &payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next message on %s: %w", channel, err)
	}

	deadline := now.Add(b.lease).Format(time.RFC3339Nano)
	res, err := b.execWithRetry(ctx,
		`INSERT INTO deliveries (message_id, channel, grp, state, claimed_by, claim_deadline)
         VALUES (?, ?, ?, 'claimed', ?, ?)
         ON CONFLICT(message_id, grp) DO UPDATE SET
             state = 'claimed', claimed_by = excluded.claimed_by, claim_deadline = excluded.claim_deadline
         WHERE deliveries.state = 'claimed' AND deliveries.claim_deadline < ?`,
		messageID, channel, group, b.consumer, deadline, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("claim message %d on %s: %w", messageID, channel, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim message %d on %s: %w", messageID, channel, err)
	}
	if affected == 0 {
		// lost the race to another consumer
		return nil, nil
	}

	return &Delivery{
		Channel: channel,
		Group:   group,
		Payload: payload,
		ack: func(ackCtx context.Context) error {
			_, ackErr := b.execWithRetry(ackCtx,
				`UPDATE deliveries SET state = 'acked', claim_deadline = NULL
                 WHERE message_id = ? AND grp = ? AND state = 'claimed'`,
				messageID, group,
			)
			if ackErr != nil {
				return fmt.Errorf("ack message %d on %s: %w", messageID, channel, ackErr)
			}
			return nil
		},
	}, nil
}

// Ping reports whether the database file is reachable.
func (b *SQLite) Ping(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping broker db: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (b *SQLite) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.db.Close()
}
