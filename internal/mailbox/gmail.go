package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/smile/salespipe/internal/domain"
	"github.com/smile/salespipe/internal/pipeline"
	"github.com/smile/salespipe/internal/ports"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailClient implements ports.MailboxClient against the Gmail REST API.
// Token refresh is delegated to the oauth2.Config's TokenSource; refreshed
// credentials are written back to the TokenStore so subsequent calls reuse
// them.
type GmailClient struct {
	oauthConfig *oauth2.Config
	tokens      *TokenStore
	log         zerolog.Logger

	// endpoint overrides the Gmail API base URL; empty uses the real API.
	// Set only by tests, against an httptest server.
	endpoint string
}

// NewGmailClient constructs a GmailClient. oauthConfig supplies client
// credentials and scopes for the refresh-token grant; the browser
// authorization-code exchange itself is out of core scope.
func NewGmailClient(oauthConfig *oauth2.Config, tokens *TokenStore, log zerolog.Logger) *GmailClient {
	return &GmailClient{oauthConfig: oauthConfig, tokens: tokens, log: log}
}

func (c *GmailClient) serviceFor(ctx context.Context, tenantID string) (*gmail.Service, error) {
	creds, found, err := c.tokens.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &pipeline.ErrAuthExpired{TenantID: tenantID, Cause: fmt.Errorf("no credentials on file")}
	}

	tokenSource := c.oauthConfig.TokenSource(ctx, creds.toOAuth2Token())
	refreshed, err := tokenSource.Token()
	if err != nil {
		return nil, &pipeline.ErrAuthExpired{TenantID: tenantID, Cause: err}
	}
	if refreshed.AccessToken != creds.AccessToken {
		if err := c.tokens.Put(ctx, tenantID, Credentials{
			AccessToken:  refreshed.AccessToken,
			RefreshToken: refreshed.RefreshToken,
			Scopes:       creds.Scopes,
			Expiry:       refreshed.Expiry,
			UpdatedAt:    time.Now(),
		}); err != nil {
			c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to persist refreshed token")
		}
	}

	opts := []option.ClientOption{option.WithTokenSource(tokenSource)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, &pipeline.ErrTransientFetch{TenantID: tenantID, Cause: err}
	}
	return svc, nil
}

// ListLabels enumerates the tenant's Gmail labels.
func (c *GmailClient) ListLabels(ctx context.Context, tenantID string) ([]ports.Label, error) {
	svc, err := c.serviceFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, &pipeline.ErrTransientFetch{TenantID: tenantID, Cause: err}
	}
	labels := make([]ports.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, ports.Label{ID: l.Id, Name: l.Name})
	}
	return labels, nil
}

// FetchSince builds a provider query from the label set and a civil-date
// lower bound, paginating until max is reached or there is no further page
// token, decoding each raw message into a CanonicalMessage. Satisfies
// ports.MailboxClient.
func (c *GmailClient) FetchSince(ctx context.Context, tenantID string, labelIDs []string, after time.Time, max int) ([]domain.CanonicalMessage, error) {
	svc, err := c.serviceFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	query := "after:" + after.Format("2006/01/02")
	call := svc.Users.Messages.List("me").Q(query).Context(ctx)
	if len(labelIDs) > 0 {
		call = call.LabelIds(labelIDs...)
	}

	var results []domain.CanonicalMessage
	pageToken := ""
	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, &pipeline.ErrTransientFetch{TenantID: tenantID, Cause: err}
		}

		for _, ref := range resp.Messages {
			if len(results) >= max {
				return results, nil
			}
			msg, ok := c.fetchOne(ctx, svc, tenantID, ref.Id)
			if ok {
				results = append(results, *msg)
			}
		}

		if resp.NextPageToken == "" || len(results) >= max {
			return results, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *GmailClient) fetchOne(ctx context.Context, svc *gmail.Service, tenantID, messageID string) (*domain.CanonicalMessage, bool) {
	raw, err := svc.Users.Messages.Get("me", messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Str("message_id", messageID).Msg("failed to fetch raw message, skipping")
		return nil, false
	}
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(raw.Raw)
	if err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Str("message_id", messageID).Msg("failed to decode raw message, skipping")
		return nil, false
	}
	msg, err := ParseRFC5322(decoded, time.UnixMilli(raw.InternalDate))
	if err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Str("message_id", messageID).Msg("failed to parse message, skipping")
		return nil, false
	}
	return msg, true
}

// MarkSeen is currently unused by the pipeline, per spec §4.B.
func (c *GmailClient) MarkSeen(ctx context.Context, tenantID, messageID string) error {
	return nil
}
