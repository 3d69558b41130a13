// Package store is the persistence stage's port and Postgres-backed
// implementation: a single-table key-value design (primary key, sort key,
// one secondary index projection, TTL) generalized from a DynamoDB-style
// schema onto a relational driver.
package store

import (
	"context"
	"time"
)

// Item is the physical row shape of the key-value store: a partition key
// (PK), a sort key (SK), an optional secondary-index projection
// (GSI1PK/GSI1SK), an opaque JSON payload, and an optional TTL.
type Item struct {
	PK        string
	SK        string
	GSI1PK    string
	GSI1SK    string
	Payload   []byte
	TTLUnix   int64 // 0 means no expiry
	CreatedAt time.Time
}

// Store is the narrow contract the persistence stage depends on: primary-
// key get/put/delete (which also serves the (tenant_id, email) contact
// lookup), a sort-key prefix query within one partition, and a query over
// the secondary index used for the (tenant_id, created_at) access pattern.
type Store interface {
	Put(ctx context.Context, item Item) error
	Get(ctx context.Context, pk, sk string) (*Item, bool, error)
	Delete(ctx context.Context, pk, sk string) error
	QueryByPK(ctx context.Context, pk, skPrefix string) ([]Item, error)
	QueryByIndex(ctx context.Context, gsi1pk string, cursor string, limit int) (items []Item, nextCursor string, err error)
	Close() error
}
