package ports

import (
	"context"
	"time"

	"github.com/smile/salespipe/internal/domain"
)

// Label is a mailbox folder/label as exposed by the mailbox provider.
type Label struct {
	ID   string
	Name string
}

// MailboxClient defines the contract the poll scheduler and the pipeline
// depend on for fetching mail from a provider (spec §4.B). The Gmail
// implementation lives in internal/mailbox.
type MailboxClient interface {
	ListLabels(ctx context.Context, tenantID string) ([]Label, error)
	FetchSince(ctx context.Context, tenantID string, labelIDs []string, after time.Time, max int) ([]domain.CanonicalMessage, error)
	MarkSeen(ctx context.Context, tenantID, messageID string) error
}
