package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLConfig selects and tunes a database-backed queue
type SQLConfig struct {
	Type string // "sqlite" or "postgres"
	DSN  string // connection string, or file path for sqlite

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	PollInterval time.Duration
}

// SQLBroker keeps messages in a table shared by every queue name.
// A claim is an optimistic UPDATE guarded on visible_at, so concurrent
// consumers across processes never hold the same lease.
type SQLBroker struct {
	db       *sql.DB
	queue    string
	postgres bool
	interval time.Duration
	now      func() time.Time
}

// OpenSQL opens the database described by cfg and returns its handle and dialect
func OpenSQL(cfg SQLConfig) (*sql.DB, bool, error) {
	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, false, fmt.Errorf("PostgreSQL DSN is required")
		}
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
		db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(5 * time.Minute)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, false, fmt.Errorf("failed to ping database: %w", err)
		}
		return db, true, nil

	case "sqlite", "sqlite3", "":
		path := cfg.DSN
		if path == "" {
			path = "recogpool.db"
		}
		// WAL plus a busy timeout lets workers in other processes share the file
		dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", path)
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open database: %w", err)
		}
		// single writer avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, false, nil

	default:
		return nil, false, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// NewSQLBroker opens a queue named queue on the configured database
func NewSQLBroker(cfg SQLConfig, queue string) (*SQLBroker, error) {
	db, postgres, err := OpenSQL(cfg)
	if err != nil {
		return nil, err
	}
	b, err := NewSQLBrokerFromDB(db, postgres, queue)
	if err != nil {
		db.Close()
		return nil, err
	}
	if cfg.PollInterval > 0 {
		b.interval = cfg.PollInterval
	}
	return b, nil
}

// NewSQLBrokerFromDB binds a queue to an existing handle. Several queues may
// share one handle; Close on any of them closes it.
func NewSQLBrokerFromDB(db *sql.DB, postgres bool, queue string) (*SQLBroker, error) {
	b := &SQLBroker{
		db:       db,
		queue:    queue,
		postgres: postgres,
		interval: DefaultPollInterval,
		now:      time.Now,
	}
	if err := b.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLBroker) initSchema() error {
	blob := "BLOB"
	if b.postgres {
		blob = "BYTEA"
	}
	schema := `
	CREATE TABLE IF NOT EXISTS queue_messages (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		body ` + blob + ` NOT NULL,
		receipt TEXT,
		receive_count INTEGER NOT NULL DEFAULT 0,
		enqueued_at BIGINT NOT NULL,
		visible_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages(queue, visible_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_messages_receipt ON queue_messages(receipt);
	`
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := b.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for postgres
func (b *SQLBroker) rebind(query string) string {
	if !b.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Send enqueues body
func (b *SQLBroker) Send(ctx context.Context, body []byte) error {
	now := b.now().UnixNano()
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO queue_messages (id, queue, body, receive_count, enqueued_at, visible_at) VALUES (?, ?, ?, 0, ?, ?)`),
		uuid.NewString(), b.queue, body, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// tryClaim attempts one optimistic claim; (nil, nil) when nothing is visible
func (b *SQLBroker) tryClaim(ctx context.Context, visibility time.Duration) (*Message, error) {
	// a lost race just means another consumer won that row, so retry a few times
	for attempt := 0; attempt < 3; attempt++ {
		now := b.now()
		var id string
		err := b.db.QueryRowContext(ctx, b.rebind(
			`SELECT id FROM queue_messages WHERE queue = ? AND visible_at <= ? ORDER BY enqueued_at, id LIMIT 1`),
			b.queue, now.UnixNano()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select message: %w", err)
		}

		receipt := uuid.NewString()
		visibleAt := now.Add(visibility)
		res, err := b.db.ExecContext(ctx, b.rebind(
			`UPDATE queue_messages SET receipt = ?, visible_at = ?, receive_count = receive_count + 1 WHERE id = ? AND visible_at <= ?`),
			receipt, visibleAt.UnixNano(), id, now.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("failed to claim message: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}

		msg := &Message{ID: id, Receipt: receipt, VisibleAt: visibleAt}
		var enqueued int64
		err = b.db.QueryRowContext(ctx, b.rebind(
			`SELECT body, receive_count, enqueued_at FROM queue_messages WHERE id = ? AND receipt = ?`),
			id, receipt).Scan(&msg.Body, &msg.ReceiveCount, &enqueued)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load claimed message: %w", err)
		}
		msg.EnqueuedAt = time.Unix(0, enqueued)
		return msg, nil
	}
	return nil, nil
}

// Receive claims one visible message, polling up to wait
func (b *SQLBroker) Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error) {
	return pollUntil(ctx, wait, b.interval, func() (*Message, error) {
		return b.tryClaim(ctx, visibility)
	})
}

// Delete acknowledges the message held under receipt
func (b *SQLBroker) Delete(ctx context.Context, receipt string) error {
	res, err := b.db.ExecContext(ctx, b.rebind(
		`DELETE FROM queue_messages WHERE queue = ? AND receipt = ?`), b.queue, receipt)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release makes the message visible again after delay
func (b *SQLBroker) Release(ctx context.Context, receipt string, delay time.Duration) error {
	res, err := b.db.ExecContext(ctx, b.rebind(
		`UPDATE queue_messages SET receipt = NULL, visible_at = ? WHERE queue = ? AND receipt = ?`),
		b.now().Add(delay).UnixNano(), b.queue, receipt)
	if err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Stats counts visible and in-flight rows
func (b *SQLBroker) Stats(ctx context.Context) (Stats, error) {
	var visible, total int
	err := b.db.QueryRowContext(ctx, b.rebind(
		`SELECT COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0), COUNT(*) FROM queue_messages WHERE queue = ?`),
		b.now().UnixNano(), b.queue).Scan(&visible, &total)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count messages: %w", err)
	}
	return Stats{Visible: visible, InFlight: total - visible}, nil
}

// Close closes the database handle
func (b *SQLBroker) Close() error {
	return b.db.Close()
}
