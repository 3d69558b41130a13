// Package mailbox implements the mailbox client (spec §4.A/§4.B): OAuth2
// token persistence, the Gmail REST client, and MIME/HTML decoding into a
// domain.CanonicalMessage.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smile/salespipe/internal/store"
	"golang.org/x/oauth2"
)

// refreshBuffer is the window before expiry at which a token is considered
// expired, per spec §4.A.
const refreshBuffer = 5 * time.Minute

// Credentials is the persisted shape of a tenant's mailbox OAuth grant.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Scopes       []string  `json:"scopes"`
	Expiry       time.Time `json:"expiry"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether now is within refreshBuffer of Expiry.
func (c Credentials) Expired(now time.Time) bool {
	return !now.Before(c.Expiry.Add(-refreshBuffer))
}

func (c Credentials) toOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

// TokenStore maps tenant_id -> mailbox credentials, backed by the shared
// key-value store under pk=TOKEN#<tenant_id>, sk=CREDENTIALS.
type TokenStore struct {
	kv store.Store
}

// NewTokenStore constructs a TokenStore over the shared key-value store.
func NewTokenStore(kv store.Store) *TokenStore {
	return &TokenStore{kv: kv}
}

func tokenKey(tenantID string) (string, string) {
	return "TOKEN#" + tenantID, "CREDENTIALS"
}

// Put upserts credentials for a tenant, preserving CreatedAt across
// updates.
func (s *TokenStore) Put(ctx context.Context, tenantID string, creds Credentials) error {
	pk, sk := tokenKey(tenantID)
	if existing, found, err := s.kv.Get(ctx, pk, sk); err != nil {
		return err
	} else if found {
		var prev Credentials
		if err := json.Unmarshal(existing.Payload, &prev); err == nil {
			creds.CreatedAt = prev.CreatedAt
		}
	}
	if creds.CreatedAt.IsZero() {
		creds.CreatedAt = creds.UpdatedAt
	}

	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	return s.kv.Put(ctx, store.Item{
		PK:        pk,
		SK:        sk,
		GSI1PK:    "TOKENS",
		GSI1SK:    tenantID,
		Payload:   payload,
		CreatedAt: creds.CreatedAt,
	})
}

// Get returns the credentials for a tenant, or (nil, false) if absent.
func (s *TokenStore) Get(ctx context.Context, tenantID string) (*Credentials, bool, error) {
	pk, sk := tokenKey(tenantID)
	item, found, err := s.kv.Get(ctx, pk, sk)
	if err != nil || !found {
		return nil, found, err
	}
	var creds Credentials
	if err := json.Unmarshal(item.Payload, &creds); err != nil {
		return nil, false, fmt.Errorf("unmarshaling credentials: %w", err)
	}
	return &creds, true, nil
}

// Delete removes a tenant's credentials.
func (s *TokenStore) Delete(ctx context.Context, tenantID string) error {
	pk, sk := tokenKey(tenantID)
	return s.kv.Delete(ctx, pk, sk)
}

// ListTenants returns every tenant with a token record, without exposing
// credentials.
func (s *TokenStore) ListTenants(ctx context.Context) ([]string, error) {
	items, _, err := s.kv.QueryByIndex(ctx, "TOKENS", "", 10000)
	if err != nil {
		return nil, err
	}
	tenants := make([]string, 0, len(items))
	for _, item := range items {
		tenants = append(tenants, item.GSI1SK)
	}
	return tenants, nil
}
