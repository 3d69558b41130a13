package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TenantStatus tracks the lifecycle of a connected mailbox.
type TenantStatus string

const (
	TenantConnected   TenantStatus = "connected"
	TenantExpired     TenantStatus = "expired"
	TenantDisconnected TenantStatus = "disconnected"
)

// Tenant is the mailbox account whose messages are processed, and the
// ownership scope for every record the pipeline writes.
type Tenant struct {
	ID        uuid.UUID    `json:"id"`
	Address   string       `json:"address"` // mailbox owner's address
	Status    TenantStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewTenant validates and constructs a Tenant. Constructor-time validation
// replaces the Pydantic validators of the source system: there is no
// post-hoc mutation path that can bypass these checks.
func NewTenant(address string, now time.Time) (*Tenant, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	if _, err := mail.ParseAddress(addr); err != nil {
		return nil, fmt.Errorf("tenant address invalid: %w", err)
	}
	return &Tenant{
		ID:        TenantIDFromAddress(addr),
		Address:   addr,
		Status:    TenantConnected,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// TenantIDFromAddress derives a stable UUID from a mailbox address. The
// token store keys tenants by address (the natural identity from the
// mailbox provider's point of view); every other component keys records by
// UUID. A name-based (v5) UUID lets both identities agree across polls and
// process restarts without a separate tenant-directory table.
func TenantIDFromAddress(address string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(strings.ToLower(strings.TrimSpace(address))))
}

// TenantFromAddress reconstructs the Tenant record the scheduler needs for
// a poll tick from just the address the token store returned, without a
// round trip to a tenant table.
func TenantFromAddress(address string) *Tenant {
	addr := strings.ToLower(strings.TrimSpace(address))
	return &Tenant{
		ID:      TenantIDFromAddress(addr),
		Address: addr,
		Status:  TenantConnected,
	}
}

// CanonicalMessage is transient: it is never persisted in full, only
// reduced to the records the pipeline derives from it.
type CanonicalMessage struct {
	MessageID         string
	Subject           string
	SenderAddress     string // lowercased
	SenderDisplayName string
	TextBody          string // plain text only
	HasAttachment     bool
	ReceivedAt        time.Time
}

// NewCanonicalMessage validates the invariants from the data model:
// sender_address must look like local@domain. text_body is stored as given;
// this constructor does not check that it is decoded.
func NewCanonicalMessage(messageID, subject, senderAddress, senderDisplayName, textBody string, hasAttachment bool, receivedAt time.Time) (*CanonicalMessage, error) {
	addr := strings.ToLower(strings.TrimSpace(senderAddress))
	if _, err := mail.ParseAddress(addr); err != nil {
		return nil, fmt.Errorf("sender address invalid: %w", err)
	}
	if messageID == "" {
		messageID = fmt.Sprintf("unknown-%d", receivedAt.Unix())
	}
	return &CanonicalMessage{
		MessageID:         messageID,
		Subject:           subject,
		SenderAddress:     addr,
		SenderDisplayName: senderDisplayName,
		TextBody:          textBody,
		HasAttachment:     hasAttachment,
		ReceivedAt:        receivedAt,
	}, nil
}

// TaskPriority enumerates the allowed task priorities.
type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityLow    TaskPriority = "low"
)

// TaskStatus enumerates the allowed task statuses.
type TaskStatus string

const (
	TaskDraft     TaskStatus = "draft"
	TaskAccepted  TaskStatus = "accepted"
	TaskRejected  TaskStatus = "rejected"
	TaskCompleted TaskStatus = "completed"
)

// Task is a to-do item extracted from a sales-relevant message.
type Task struct {
	ID                uuid.UUID    `json:"id"`
	TenantID          uuid.UUID    `json:"tenant_id"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	Priority          TaskPriority `json:"priority"`
	Status            TaskStatus   `json:"status"`
	DueDate           *time.Time   `json:"due_date,omitempty"`
	AssigneeID        *uuid.UUID   `json:"assignee_id,omitempty"`
	SourceFingerprint string       `json:"source_fingerprint"`
	Confidence        float64      `json:"confidence"`
	Agent             string       `json:"agent"`
	AuditSnippet      string       `json:"audit_snippet"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// NewTask validates the task invariants from the data model at construction.
func NewTask(tenantID uuid.UUID, title, description string, priority TaskPriority, confidence float64, agent, sourceFingerprint, auditSnippet string, status TaskStatus, now time.Time) (*Task, error) {
	title = strings.TrimSpace(title)
	if len(title) < 1 || len(title) > 200 {
		return nil, fmt.Errorf("task title length %d out of bounds [1,200]", len(title))
	}
	switch priority {
	case TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
	default:
		return nil, fmt.Errorf("invalid task priority %q", priority)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("task confidence %f out of bounds [0,1]", confidence)
	}
	auditSnippet = strings.TrimSpace(auditSnippet)
	if auditSnippet == "" {
		return nil, fmt.Errorf("task audit snippet must not be empty")
	}
	if len(auditSnippet) > 500 {
		auditSnippet = auditSnippet[:500]
	}
	return &Task{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Title:             title,
		Description:       description,
		Priority:          priority,
		Status:            status,
		SourceFingerprint: sourceFingerprint,
		Confidence:        confidence,
		Agent:             agent,
		AuditSnippet:      auditSnippet,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// DealStage enumerates the allowed deal pipeline stages.
type DealStage string

const (
	DealLead        DealStage = "lead"
	DealContacted   DealStage = "contacted"
	DealDemo        DealStage = "demo"
	DealProposal    DealStage = "proposal"
	DealNegotiation DealStage = "negotiation"
	DealClosedWon   DealStage = "closed_won"
	DealClosedLost  DealStage = "closed_lost"
)

// DealStatus enumerates the allowed deal statuses.
type DealStatus string

const (
	DealDraft    DealStatus = "draft"
	DealAccepted DealStatus = "accepted"
	DealRejected DealStatus = "rejected"
	DealWon      DealStatus = "won"
	DealLost     DealStatus = "lost"
)

var validCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true, "INR": true,
}

// Deal is a sales opportunity extracted from a sales-relevant message.
type Deal struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Status            DealStatus `json:"status"`
	Value             float64    `json:"value"`
	Currency          string     `json:"currency"`
	Stage             DealStage  `json:"stage"`
	Probability       float64    `json:"probability"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	AssigneeID        *uuid.UUID `json:"assignee_id,omitempty"`
	SourceFingerprint string     `json:"source_fingerprint"`
	Confidence        float64    `json:"confidence"`
	Agent             string     `json:"agent"`
	AuditSnippet      string     `json:"audit_snippet"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewDeal validates the deal invariants from the data model at construction.
func NewDeal(tenantID uuid.UUID, title, description string, value float64, currency string, stage DealStage, probability, confidence float64, agent, sourceFingerprint, auditSnippet string, status DealStatus, now time.Time) (*Deal, error) {
	title = strings.TrimSpace(title)
	if len(title) < 1 || len(title) > 200 {
		return nil, fmt.Errorf("deal title length %d out of bounds [1,200]", len(title))
	}
	if value < 0 {
		return nil, fmt.Errorf("deal value %f must be >= 0", value)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !validCurrencies[currency] {
		return nil, fmt.Errorf("unrecognized deal currency %q", currency)
	}
	switch stage {
	case DealLead, DealContacted, DealDemo, DealProposal, DealNegotiation, DealClosedWon, DealClosedLost:
	default:
		return nil, fmt.Errorf("invalid deal stage %q", stage)
	}
	if probability < 0 || probability > 100 {
		return nil, fmt.Errorf("deal probability %f out of bounds [0,100]", probability)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("deal confidence %f out of bounds [0,1]", confidence)
	}
	auditSnippet = strings.TrimSpace(auditSnippet)
	if auditSnippet == "" {
		return nil, fmt.Errorf("deal audit snippet must not be empty")
	}
	if len(auditSnippet) > 500 {
		auditSnippet = auditSnippet[:500]
	}
	return &Deal{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Title:             title,
		Description:       description,
		Status:            status,
		Value:             value,
		Currency:          currency,
		Stage:             stage,
		Probability:       probability,
		SourceFingerprint: sourceFingerprint,
		Confidence:        confidence,
		Agent:             agent,
		AuditSnippet:      auditSnippet,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// ContactSource records how a contact entered the system.
type ContactSource string

const (
	ContactManual          ContactSource = "manual"
	ContactEmailExtraction ContactSource = "email_extraction"
)

// Contact is a counterparty inferred from message senders. At most one
// contact exists per (tenant_id, email); repeated sightings update
// LastContactAt.
type Contact struct {
	ID            uuid.UUID     `json:"id"`
	TenantID      uuid.UUID     `json:"tenant_id"`
	Email         string        `json:"email"`
	DisplayName   string        `json:"display_name"`
	LastContactAt time.Time     `json:"last_contact_at"`
	Source        ContactSource `json:"source"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewContact validates and constructs a Contact, inferring a display name
// from the local part of the email address when none is supplied.
func NewContact(tenantID uuid.UUID, email, displayName string, source ContactSource, now time.Time) (*Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("contact email invalid: %w", err)
	}
	if displayName == "" {
		displayName = inferNameFromEmail(email)
	}
	return &Contact{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Email:         email,
		DisplayName:   displayName,
		LastContactAt: now,
		Source:        source,
		CreatedAt:     now,
	}, nil
}

// inferNameFromEmail splits a firstname.lastname local-part into a display
// name, falling back to the local-part with its first letter upper-cased
// when no separator is present.
func inferNameFromEmail(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	if len(parts) < 2 {
		return strings.Title(local)
	}
	for i, p := range parts {
		parts[i] = strings.Title(p)
	}
	return strings.Join(parts, " ")
}

// IdempotencyStatus enumerates the outcome recorded for a processed message.
type IdempotencyStatus string

const (
	IdempotencyProcessed IdempotencyStatus = "processed"
	IdempotencyFailed    IdempotencyStatus = "failed"
	IdempotencySkipped   IdempotencyStatus = "skipped"
)

// IdempotencyRecord is the transactional anchor of the pipeline: its
// presence attests the pipeline ran for a given fingerprint; its absence is
// permission to run again.
type IdempotencyRecord struct {
	Fingerprint       string            `json:"fingerprint"`
	TenantID          uuid.UUID         `json:"tenant_id"`
	OriginalMessageID string            `json:"original_message_id"`
	Subject           string            `json:"subject"`
	SenderAddress     string            `json:"sender_address"`
	ProcessedAt       time.Time         `json:"processed_at"`
	Status            IdempotencyStatus `json:"status"`
	ClassifierVerdict string            `json:"classifier_verdict"`
	TokensUsed        int               `json:"tokens_used"`
	ProcessingMS       int64            `json:"processing_ms"`
	TaskIDs           []uuid.UUID       `json:"task_ids"`
	DealIDs           []uuid.UUID       `json:"deal_ids"`
	TTLUnix           int64             `json:"ttl_unix"`
}

// NewIdempotencyRecord truncates the subject to the declared bound and
// computes the TTL from the configured retention window.
func NewIdempotencyRecord(fingerprint string, tenantID uuid.UUID, originalMessageID, subject, senderAddress string, status IdempotencyStatus, classifierVerdict string, tokensUsed int, processingMS int64, taskIDs, dealIDs []uuid.UUID, processedAt time.Time, ttlDays int) *IdempotencyRecord {
	if len(subject) > 500 {
		subject = subject[:500]
	}
	return &IdempotencyRecord{
		Fingerprint:       fingerprint,
		TenantID:          tenantID,
		OriginalMessageID: originalMessageID,
		Subject:           subject,
		SenderAddress:     senderAddress,
		ProcessedAt:       processedAt,
		Status:            status,
		ClassifierVerdict: classifierVerdict,
		TokensUsed:        tokensUsed,
		ProcessingMS:      processingMS,
		TaskIDs:           taskIDs,
		DealIDs:           dealIDs,
		TTLUnix:           processedAt.AddDate(0, 0, ttlDays).Unix(),
	}
}
