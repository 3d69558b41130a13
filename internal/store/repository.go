package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smile/salespipe/internal/domain"
)

// Repository is the typed persistence-stage contract (spec §4.F), built on
// top of the generic Store. Method names mirror the teacher's
// ports.Storage shape (CreateX/GetX), generalized to this system's
// entities and to tenant-scoped listing with a secondary index.
type Repository struct {
	kv Store
}

// NewRepository wraps a Store with the typed task/deal/contact/
// idempotency/cursor operations the pipeline depends on.
func NewRepository(kv Store) *Repository {
	return &Repository{kv: kv}
}

func tenantPK(tenantID uuid.UUID) string { return "TENANT#" + tenantID.String() }

// rfc3339 formats t in UTC with a fixed nine-digit fraction, so gsi1sk
// values sort lexically in created_at order.
func rfc3339(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") }

// --- Tasks -------------------------------------------------------------

func (r *Repository) CreateTask(ctx context.Context, t *domain.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	return r.kv.Put(ctx, Item{
		PK:        tenantPK(t.TenantID),
		SK:        "TASK#" + t.ID.String(),
		GSI1PK:    tenantPK(t.TenantID) + "#TASK",
		GSI1SK:    rfc3339(t.CreatedAt) + "#" + t.ID.String(),
		Payload:   payload,
		CreatedAt: t.CreatedAt,
	})
}

func (r *Repository) GetTask(ctx context.Context, tenantID, id uuid.UUID) (*domain.Task, error) {
	item, found, err := r.kv.Get(ctx, tenantPK(tenantID), "TASK#"+id.String())
	if err != nil || !found {
		return nil, err
	}
	var t domain.Task
	if err := json.Unmarshal(item.Payload, &t); err != nil {
		return nil, fmt.Errorf("unmarshaling task: %w", err)
	}
	return &t, nil
}

// ListTasks returns tenant-scoped tasks ordered by created_at, optionally
// filtered by status, backed by the (tenant_id, created_at) index.
func (r *Repository) ListTasks(ctx context.Context, tenantID uuid.UUID, status domain.TaskStatus, cursor string, limit int) ([]domain.Task, string, error) {
	items, next, err := r.kv.QueryByIndex(ctx, tenantPK(tenantID)+"#TASK", cursor, limit)
	if err != nil {
		return nil, "", err
	}
	tasks := make([]domain.Task, 0, len(items))
	for _, item := range items {
		var t domain.Task
		if err := json.Unmarshal(item.Payload, &t); err != nil {
			return nil, "", fmt.Errorf("unmarshaling task: %w", err)
		}
		if status == "" || t.Status == status {
			tasks = append(tasks, t)
		}
	}
	return tasks, next, nil
}

// TaskPatch is the small fixed set of fields update_task is allowed to
// mutate.
type TaskPatch struct {
	Status     *domain.TaskStatus
	DueDate    *time.Time
	AssigneeID *uuid.UUID
}

func (r *Repository) UpdateTask(ctx context.Context, tenantID, id uuid.UUID, patch TaskPatch, now time.Time) (*domain.Task, error) {
	t, err := r.GetTask(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %s not found for tenant %s", id, tenantID)
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.DueDate != nil {
		t.DueDate = patch.DueDate
	}
	if patch.AssigneeID != nil {
		t.AssigneeID = patch.AssigneeID
	}
	t.UpdatedAt = now
	if err := r.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// --- Deals ---------------------------------------------------------------

func (r *Repository) CreateDeal(ctx context.Context, d *domain.Deal) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling deal: %w", err)
	}
	return r.kv.Put(ctx, Item{
		PK:        tenantPK(d.TenantID),
		SK:        "DEAL#" + d.ID.String(),
		GSI1PK:    tenantPK(d.TenantID) + "#DEAL",
		GSI1SK:    rfc3339(d.CreatedAt) + "#" + d.ID.String(),
		Payload:   payload,
		CreatedAt: d.CreatedAt,
	})
}

func (r *Repository) GetDeal(ctx context.Context, tenantID, id uuid.UUID) (*domain.Deal, error) {
	item, found, err := r.kv.Get(ctx, tenantPK(tenantID), "DEAL#"+id.String())
	if err != nil || !found {
		return nil, err
	}
	var d domain.Deal
	if err := json.Unmarshal(item.Payload, &d); err != nil {
		return nil, fmt.Errorf("unmarshaling deal: %w", err)
	}
	return &d, nil
}

func (r *Repository) ListDeals(ctx context.Context, tenantID uuid.UUID, status domain.DealStatus, cursor string, limit int) ([]domain.Deal, string, error) {
	items, next, err := r.kv.QueryByIndex(ctx, tenantPK(tenantID)+"#DEAL", cursor, limit)
	if err != nil {
		return nil, "", err
	}
	deals := make([]domain.Deal, 0, len(items))
	for _, item := range items {
		var d domain.Deal
		if err := json.Unmarshal(item.Payload, &d); err != nil {
			return nil, "", fmt.Errorf("unmarshaling deal: %w", err)
		}
		if status == "" || d.Status == status {
			deals = append(deals, d)
		}
	}
	return deals, next, nil
}

// DealPatch is the small fixed set of fields update_deal is allowed to
// mutate.
type DealPatch struct {
	Status      *domain.DealStatus
	Stage       *domain.DealStage
	AssigneeID  *uuid.UUID
	DueDate     *time.Time
	Value       *float64
	Probability *float64
}

func (r *Repository) UpdateDeal(ctx context.Context, tenantID, id uuid.UUID, patch DealPatch, now time.Time) (*domain.Deal, error) {
	d, err := r.GetDeal(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("deal %s not found for tenant %s", id, tenantID)
	}
	if patch.Status != nil {
		d.Status = *patch.Status
	}
	if patch.Stage != nil {
		d.Stage = *patch.Stage
	}
	if patch.AssigneeID != nil {
		d.AssigneeID = patch.AssigneeID
	}
	if patch.DueDate != nil {
		d.DueDate = patch.DueDate
	}
	if patch.Value != nil {
		d.Value = *patch.Value
	}
	if patch.Probability != nil {
		d.Probability = *patch.Probability
	}
	d.UpdatedAt = now
	if err := r.CreateDeal(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// --- Contacts ------------------------------------------------------------

// UpsertContact creates or updates a contact by (tenant_id, email): the
// primary key itself enforces the uniqueness invariant, so a put is a
// natural upsert. Repeated sightings bump LastContactAt monotonically.
func (r *Repository) UpsertContact(ctx context.Context, tenantID uuid.UUID, email, displayName string, source domain.ContactSource, now time.Time) (*domain.Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	existing, err := r.GetContact(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.LastContactAt.Before(now) {
			existing.LastContactAt = now
		}
		return existing, r.putContact(ctx, existing)
	}

	c, err := domain.NewContact(tenantID, email, displayName, source, now)
	if err != nil {
		return nil, err
	}
	return c, r.putContact(ctx, c)
}

func (r *Repository) putContact(ctx context.Context, c *domain.Contact) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling contact: %w", err)
	}
	return r.kv.Put(ctx, Item{
		PK:        tenantPK(c.TenantID),
		SK:        "CONTACT#" + c.Email,
		GSI1PK:    tenantPK(c.TenantID) + "#CONTACT",
		GSI1SK:    rfc3339(c.CreatedAt) + "#" + c.Email,
		Payload:   payload,
		CreatedAt: c.CreatedAt,
	})
}

func (r *Repository) GetContact(ctx context.Context, tenantID uuid.UUID, email string) (*domain.Contact, error) {
	item, found, err := r.kv.Get(ctx, tenantPK(tenantID), "CONTACT#"+email)
	if err != nil || !found {
		return nil, err
	}
	var c domain.Contact
	if err := json.Unmarshal(item.Payload, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling contact: %w", err)
	}
	return &c, nil
}

func (r *Repository) ListContacts(ctx context.Context, tenantID uuid.UUID, cursor string, limit int) ([]domain.Contact, string, error) {
	items, next, err := r.kv.QueryByIndex(ctx, tenantPK(tenantID)+"#CONTACT", cursor, limit)
	if err != nil {
		return nil, "", err
	}
	contacts := make([]domain.Contact, 0, len(items))
	for _, item := range items {
		var c domain.Contact
		if err := json.Unmarshal(item.Payload, &c); err != nil {
			return nil, "", fmt.Errorf("unmarshaling contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, next, nil
}

// --- Idempotency -----------------------------------------------------------

func idempotencyPK(fingerprint string) string { return "IDEMP#" + fingerprint }

func (r *Repository) GetIdempotency(ctx context.Context, fingerprint string) (*domain.IdempotencyRecord, error) {
	item, found, err := r.kv.Get(ctx, idempotencyPK(fingerprint), "RECORD")
	if err != nil || !found {
		return nil, err
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(item.Payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *Repository) PutIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling idempotency record: %w", err)
	}
	return r.kv.Put(ctx, Item{
		PK:      idempotencyPK(rec.Fingerprint),
		SK:      "RECORD",
		GSI1PK:  "IDEMP_TENANT#" + rec.TenantID.String(),
		GSI1SK:  rfc3339(rec.ProcessedAt) + "#" + rec.Fingerprint,
		Payload: payload,
		TTLUnix: rec.TTLUnix,
	})
}

// --- Purge -----------------------------------------------------------------

// PurgeCounts reports how many rows of each kind were removed by
// PurgeTenant.
type PurgeCounts struct {
	Tasks        int
	Deals        int
	Contacts     int
	Idempotency  int
}

// PurgeTenant deletes all tasks, deals, and contacts for a tenant, and
// optionally the idempotency rows referencing this tenant. Called with
// includeIdempotency=true on disconnect; false for ordinary test cleanup,
// where preserving the idempotency log prevents a re-ingestion storm.
func (r *Repository) PurgeTenant(ctx context.Context, tenantID uuid.UUID, includeIdempotency bool) (PurgeCounts, error) {
	var counts PurgeCounts

	items, err := r.kv.QueryByPK(ctx, tenantPK(tenantID), "")
	if err != nil {
		return counts, fmt.Errorf("listing tenant rows: %w", err)
	}

	for _, item := range items {
		switch {
		case hasPrefix(item.SK, "TASK#"):
			if err := r.kv.Delete(ctx, item.PK, item.SK); err != nil {
				return counts, err
			}
			counts.Tasks++
		case hasPrefix(item.SK, "DEAL#"):
			if err := r.kv.Delete(ctx, item.PK, item.SK); err != nil {
				return counts, err
			}
			counts.Deals++
		case hasPrefix(item.SK, "CONTACT#"):
			if err := r.kv.Delete(ctx, item.PK, item.SK); err != nil {
				return counts, err
			}
			counts.Contacts++
		}
	}

	if includeIdempotency {
		n, err := r.purgeIdempotencyForTenant(ctx, tenantID)
		if err != nil {
			return counts, err
		}
		counts.Idempotency = n
	}

	return counts, nil
}

// purgeIdempotencyForTenant scans idempotency rows by tenant. The
// key-value store indexes idempotency rows by fingerprint only, so this
// walks a dedicated tenant-scoped index maintained alongside each write.
func (r *Repository) purgeIdempotencyForTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	items, _, err := r.kv.QueryByIndex(ctx, "IDEMP_TENANT#"+tenantID.String(), "", 10000)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, item := range items {
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal(item.Payload, &rec); err != nil {
			continue
		}
		if err := r.kv.Delete(ctx, idempotencyPK(rec.Fingerprint), "RECORD"); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
