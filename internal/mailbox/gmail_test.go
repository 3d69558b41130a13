package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/smile/salespipe/internal/pipeline"
	"github.com/smile/salespipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestGmailClient(t *testing.T, server *httptest.Server) (*GmailClient, *TokenStore) {
	t.Helper()
	kv := store.NewMemoryKV()
	tokens := NewTokenStore(kv)
	require.NoError(t, tokens.Put(context.Background(), "tenant@example.com", Credentials{
		AccessToken: "valid-token",
		Expiry:      time.Now().Add(time.Hour), // unexpired: avoids a real refresh round trip
		UpdatedAt:   time.Now(),
	}))

	oauthConfig := &oauth2.Config{ClientID: "test-client"}
	c := NewGmailClient(oauthConfig, tokens, zerolog.Nop())
	c.endpoint = server.URL
	return c, tokens
}

func rawMessage(subject string) string {
	raw := "From: buyer@external.example\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-Id: <abc@mail.example.com>\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"hello there, please send a quote\r\n"
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(raw))
}

func TestListLabels_ReturnsDecodedLabels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"labels": []map[string]string{
				{"id": "INBOX", "name": "INBOX"},
				{"id": "Label_1", "name": "Sales"},
			},
		})
	}))
	defer server.Close()

	c, _ := newTestGmailClient(t, server)
	labels, err := c.ListLabels(context.Background(), "tenant@example.com")
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "INBOX", labels[0].ID)
	assert.Equal(t, "Sales", labels[1].Name)
}

func TestFetchSince_DecodesRawMessagesIntoCanonicalForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": "m1"}},
			})
		case r.URL.Path == "/gmail/v1/users/me/messages/m1":
			json.NewEncoder(w).Encode(map[string]any{
				"id":           "m1",
				"raw":          rawMessage("Quote request"),
				"internalDate": fmt.Sprintf("%d", time.Now().UnixMilli()),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c, _ := newTestGmailClient(t, server)
	messages, err := c.FetchSince(context.Background(), "tenant@example.com", []string{"INBOX"}, time.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "abc@mail.example.com", messages[0].MessageID)
	assert.Equal(t, "buyer@external.example", messages[0].SenderAddress)
	assert.Contains(t, messages[0].TextBody, "send a quote")
}

func TestFetchSince_RespectsMaxAcrossPages(t *testing.T) {
	pageRequests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			pageRequests++
			json.NewEncoder(w).Encode(map[string]any{
				"messages":      []map[string]string{{"id": "m1"}, {"id": "m2"}},
				"nextPageToken": "page-2",
			})
		case r.URL.Path == "/gmail/v1/users/me/messages/m1", r.URL.Path == "/gmail/v1/users/me/messages/m2":
			json.NewEncoder(w).Encode(map[string]any{
				"id":           "m",
				"raw":          rawMessage("Hi"),
				"internalDate": fmt.Sprintf("%d", time.Now().UnixMilli()),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c, _ := newTestGmailClient(t, server)
	messages, err := c.FetchSince(context.Background(), "tenant@example.com", nil, time.Now().Add(-24*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, 1, pageRequests, "must stop before requesting a second page once max is reached")
}

func TestFetchSince_NoCredentials_ReturnsAuthExpired(t *testing.T) {
	kv := store.NewMemoryKV()
	tokens := NewTokenStore(kv)
	c := NewGmailClient(&oauth2.Config{}, tokens, zerolog.Nop())

	_, err := c.FetchSince(context.Background(), "unknown@example.com", nil, time.Now(), 10)
	require.Error(t, err)
	var authErr *pipeline.ErrAuthExpired
	require.ErrorAs(t, err, &authErr)
}
