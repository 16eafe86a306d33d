package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// SQLStore persists entries in a relational database. Postgres is used in
// production (schema managed by goose migrations); SQLite backs single-node
// deployments and creates its schema with Migrate.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS kv_entries (
		tier       SMALLINT    NOT NULL,
		name       TEXT        NOT NULL,
		value      BYTEA       NOT NULL,
		expires_at BIGINT      NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tier, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kv_entries_expiry ON kv_entries (tier, expires_at) WHERE expires_at > 0`,
	`CREATE TABLE IF NOT EXISTS kv_sequences (
		name       TEXT   PRIMARY KEY,
		next_value BIGINT NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS kv_entries (
		tier       INTEGER   NOT NULL,
		name       TEXT      NOT NULL,
		value      BLOB      NOT NULL,
		expires_at INTEGER   NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tier, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kv_entries_expiry ON kv_entries (tier, expires_at)`,
	`CREATE TABLE IF NOT EXISTS kv_sequences (
		name       TEXT    PRIMARY KEY,
		next_value INTEGER NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == SQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("kv: migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
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

func (s *SQLStore) Get(ctx context.Context, key Key) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT value, expires_at FROM kv_entries WHERE tier = ? AND name = ?`),
		int(key.Tier), key.Name)

	var (
		value     []byte
		expiresAt int64
	)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Entry{Key: key, Value: value, ExpiresAt: uint64(expiresAt)}, nil
}

func (s *SQLStore) Apply(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	for _, w := range writes {
		if !validTier(w.Key.Tier) {
			return ErrInvalidTier
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	upsert := s.rebind(`
		INSERT INTO kv_entries (tier, name, value, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tier, name) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP`)
	del := s.rebind(`DELETE FROM kv_entries WHERE tier = ? AND name = ?`)

	for _, w := range writes {
		if w.Delete {
			_, err = tx.ExecContext(ctx, del, int(w.Key.Tier), w.Key.Name)
		} else {
			value := w.Value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.ExecContext(ctx, upsert, int(w.Key.Tier), w.Key.Name, value, int64(w.ExpiresAt))
		}
		if err != nil {
			return fmt.Errorf("kv: apply %s: %w", w.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) NextSequence(ctx context.Context, name string) (uint64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO kv_sequences (name, next_value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET next_value = kv_sequences.next_value + 1
		RETURNING next_value`), name).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("kv: next sequence %s: %w", name, err)
	}
	return uint64(next - 1), nil
}

func (s *SQLStore) Sequence(ctx context.Context, name string) (uint64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT next_value FROM kv_sequences WHERE name = ?`), name).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func (s *SQLStore) Expiring(ctx context.Context, tier Tier, before uint64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT name, value, expires_at FROM kv_entries
		WHERE tier = ? AND expires_at > 0 AND expires_at < ?
		ORDER BY expires_at, name
		LIMIT ?`), int(tier), int64(before), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		var (
			name      string
			value     []byte
			expiresAt int64
		)
		if err := rows.Scan(&name, &value, &expiresAt); err != nil {
			return nil, err
		}
		result = append(result, &Entry{
			Key:       Key{Tier: tier, Name: name},
			Value:     value,
			ExpiresAt: uint64(expiresAt),
		})
	}
	return result, rows.Err()
}

func (s *SQLStore) DeleteExpired(ctx context.Context, tier Tier, now uint64) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM kv_entries WHERE tier = ? AND expires_at > 0 AND expires_at <= ?`),
		int(tier), int64(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
