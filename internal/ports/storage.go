package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smile/salespipe/internal/domain"
	"github.com/smile/salespipe/internal/store"
)

// Persister is the narrow contract the pipeline engine depends on for the
// persistence stage (spec §4.F): writing the extracted records, reading
// and writing the idempotency log, and purging a tenant on disconnect.
// internal/store.Repository implements it.
type Persister interface {
	CreateTask(ctx context.Context, t *domain.Task) error
	CreateDeal(ctx context.Context, d *domain.Deal) error
	UpsertContact(ctx context.Context, tenantID uuid.UUID, email, displayName string, source domain.ContactSource, now time.Time) (*domain.Contact, error)

	GetIdempotency(ctx context.Context, fingerprint string) (*domain.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error

	PurgeTenant(ctx context.Context, tenantID uuid.UUID, includeIdempotency bool) (store.PurgeCounts, error)
}
