package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresKV implements Store as a single generic table, keeping the
// teacher's connection-pool tuning and placeholder style while trading
// the teacher's normalized per-entity tables for the wide-column shape
// the persistence stage expects.
type PostgresKV struct {
	db *sql.DB
}

// NewPostgresKV opens a connection pool against connStr.
func NewPostgresKV(connStr string) (*PostgresKV, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Tuned for a single worker process; revisit under real concurrent load.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresKV{db: db}, nil
}

// Close closes the database connection.
func (s *PostgresKV) Close() error {
	return s.db.Close()
}

// InitSchema creates the single generic table and its indexes if absent.
// In production, use proper migration tools.
func (s *PostgresKV) InitSchema() error {
	schema := `
	-- ============================================================================
	-- KV_ITEMS TABLE
	-- ============================================================================
	-- Single-table design: every entity (task, deal, contact, idempotency
	-- record, token) is a row keyed by (pk, sk), with an optional secondary
	-- index projection for the (tenant_id, created_at) access pattern;
	-- (tenant_id, email) is served by the primary key. The payload carries the entity-specific fields as
	-- JSONB; pk/sk/gsi columns carry only what indexing needs.
	CREATE TABLE IF NOT EXISTS kv_items (
		pk VARCHAR(255) NOT NULL,
		sk VARCHAR(255) NOT NULL,
		gsi1pk VARCHAR(255),
		gsi1sk VARCHAR(255),
		payload JSONB NOT NULL,
		ttl_unix BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (pk, sk)
	);

	-- Backs list_tasks/list_deals/list_contacts: tenant-scoped, ordered by
	-- created_at via the fixed-width UTC timestamp prefix of gsi1sk.
	CREATE INDEX IF NOT EXISTS idx_kv_items_gsi1 ON kv_items(gsi1pk, gsi1sk);

	-- Backs TTL sweeps on the idempotency table.
	CREATE INDEX IF NOT EXISTS idx_kv_items_ttl ON kv_items(ttl_unix) WHERE ttl_unix IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put upserts a row by (pk, sk).
func (s *PostgresKV) Put(ctx context.Context, item Item) error {
	query := `
		INSERT INTO kv_items (pk, sk, gsi1pk, gsi1sk, payload, ttl_unix, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pk, sk) DO UPDATE
		SET gsi1pk = EXCLUDED.gsi1pk,
		    gsi1sk = EXCLUDED.gsi1sk,
		    payload = EXCLUDED.payload,
		    ttl_unix = EXCLUDED.ttl_unix
	`
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var ttl sql.NullInt64
	if item.TTLUnix != 0 {
		ttl = sql.NullInt64{Int64: item.TTLUnix, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query, item.PK, item.SK, nullString(item.GSI1PK), nullString(item.GSI1SK), item.Payload, ttl, createdAt)
	return err
}

// Get retrieves one row by (pk, sk).
func (s *PostgresKV) Get(ctx context.Context, pk, sk string) (*Item, bool, error) {
	query := `
		SELECT pk, sk, COALESCE(gsi1pk, ''), COALESCE(gsi1sk, ''), payload, COALESCE(ttl_unix, 0), created_at
		FROM kv_items WHERE pk = $1 AND sk = $2
	`
	var item Item
	err := s.db.QueryRowContext(ctx, query, pk, sk).Scan(
		&item.PK, &item.SK, &item.GSI1PK, &item.GSI1SK, &item.Payload, &item.TTLUnix, &item.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &item, true, nil
}

// Delete removes one row by (pk, sk).
func (s *PostgresKV) Delete(ctx context.Context, pk, sk string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE pk = $1 AND sk = $2`, pk, sk)
	return err
}

// QueryByPK lists all rows under a partition key whose sort key starts
// with skPrefix (pass "" to list the whole partition).
func (s *PostgresKV) QueryByPK(ctx context.Context, pk, skPrefix string) ([]Item, error) {
	query := `
		SELECT pk, sk, COALESCE(gsi1pk, ''), COALESCE(gsi1sk, ''), payload, COALESCE(ttl_unix, 0), created_at
		FROM kv_items WHERE pk = $1 AND sk LIKE $2
		ORDER BY sk ASC
	`
	rows, err := s.db.QueryContext(ctx, query, pk, skPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// QueryByIndex lists rows under the secondary-index partition key,
// ordered by gsi1sk, paginated by an opaque gsi1sk cursor.
func (s *PostgresKV) QueryByIndex(ctx context.Context, gsi1pk string, cursor string, limit int) ([]Item, string, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT pk, sk, COALESCE(gsi1pk, ''), COALESCE(gsi1sk, ''), payload, COALESCE(ttl_unix, 0), created_at
		FROM kv_items WHERE gsi1pk = $1 AND gsi1sk > $2
		ORDER BY gsi1sk ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, gsi1pk, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(items) == limit {
		next = items[len(items)-1].GSI1SK
	}
	return items, next, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.PK, &item.SK, &item.GSI1PK, &item.GSI1SK, &item.Payload, &item.TTLUnix, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
