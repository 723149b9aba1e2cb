package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const defaultMaxRetries = 5

const schema = `
CREATE TABLE IF NOT EXISTS chain_heads (
  chain TEXT PRIMARY KEY,
  seq   BIGINT NOT NULL,
  hash  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
  chain     TEXT NOT NULL,
  seq       BIGINT NOT NULL,
  id        TEXT NOT NULL,
  ts        TEXT NOT NULL,
  outcome   TEXT NOT NULL,
  body      TEXT NOT NULL,
  prev_hash TEXT NOT NULL,
  hash      TEXT NOT NULL,
  PRIMARY KEY (chain, seq)
);
`

// SQLChain stores chains in a relational database. Each append runs in a
// transaction that advances chain_heads only if it still holds the expected
// previous hash; a concurrent writer that moved the head causes a retry.
type SQLChain struct {
	db         *sql.DB
	dialect    Dialect
	maxRetries int
	backoff    time.Duration
}

// NewSQLChain wraps an open database. Call Migrate before first use unless
// the schema already exists.
func NewSQLChain(db *sql.DB, dialect Dialect) *SQLChain {
	return &SQLChain{db: db, dialect: dialect, maxRetries: defaultMaxRetries, backoff: 5 * time.Millisecond}
}

// OpenSQLite opens a SQLite chain store and creates the schema.
func OpenSQLite(path string) (*SQLChain, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer connection keeps SQLite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)
	return openSQL(db, DialectSQLite)
}

// OpenPostgres opens a Postgres chain store and creates the schema.
func OpenPostgres(dsn string) (*SQLChain, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	return openSQL(db, DialectPostgres)
}

func openSQL(db *sql.DB, dialect Dialect) (*SQLChain, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", dialect, err)
	}
	c := NewSQLChain(db, dialect)
	if err := c.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Migrate creates the tables if they do not exist.
func (c *SQLChain) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (c *SQLChain) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var errHeadMoved = errors.New("head moved")

// Append links e to the current head of key and stores it.
func (c *SQLChain) Append(ctx context.Context, key string, e Event) (Event, error) {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		linked, err := c.tryAppend(ctx, key, e)
		if err == nil {
			return linked, nil
		}
		if !errors.Is(err, errHeadMoved) {
			return Event{}, err
		}
		time.Sleep(c.backoff * time.Duration(attempt+1))
	}
	return Event{}, fmt.Errorf("%w: %s after %d attempts", ErrChainConflict, key, c.maxRetries+1)
}

func (c *SQLChain) tryAppend(ctx context.Context, key string, e Event) (Event, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		prev = GenesisHash
	)
	err = tx.QueryRowContext(ctx, c.rebind(`SELECT seq, hash FROM chain_heads WHERE chain = ?`), key).Scan(&seq, &prev)
	fresh := errors.Is(err, sql.ErrNoRows)
	if err != nil && !fresh {
		return Event{}, fmt.Errorf("audit: read head: %w", err)
	}

	linked, err := link(e, key, prev)
	if err != nil {
		return Event{}, err
	}
	next := seq + 1

	var res sql.Result
	if fresh {
		res, err = tx.ExecContext(ctx,
			c.rebind(`INSERT INTO chain_heads (chain, seq, hash) VALUES (?, ?, ?) ON CONFLICT (chain) DO NOTHING`),
			key, next, linked.Hash)
	} else {
		res, err = tx.ExecContext(ctx,
			c.rebind(`UPDATE chain_heads SET seq = ?, hash = ? WHERE chain = ? AND hash = ?`),
			next, linked.Hash, key, prev)
	}
	if err != nil {
		return Event{}, fmt.Errorf("audit: advance head: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Event{}, fmt.Errorf("audit: advance head: %w", err)
	} else if n == 0 {
		return Event{}, errHeadMoved
	}

	body, err := json.Marshal(linked)
	if err != nil {
		return Event{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		c.rebind(`INSERT INTO audit_events (chain, seq, id, ts, outcome, body, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		key, next, linked.ID, linked.Timestamp, string(linked.Outcome), string(body), linked.PrevHash, linked.Hash,
	); err != nil {
		return Event{}, fmt.Errorf("audit: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("audit: commit: %w", err)
	}
	return linked, nil
}

// Events returns a chain ordered by sequence.
func (c *SQLChain) Events(ctx context.Context, key string) ([]Event, error) {
	rows, err := c.db.QueryContext(ctx, c.rebind(`SELECT body FROM audit_events WHERE chain = ? ORDER BY seq`), key)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		var e Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("audit: decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Keys lists chains with at least one event.
func (c *SQLChain) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT chain FROM chain_heads ORDER BY chain`)
	if err != nil {
		return nil, fmt.Errorf("audit: query chains: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database handle.
func (c *SQLChain) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
