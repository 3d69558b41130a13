// Command mailctl is the thin HTTP surface listed for completeness in the
// external interfaces (spec §6): OAuth connect/callback, connection
// status, disconnect, label listing, manual-poll, scheduler start/stop/
// status, raw-MIME upload for ad-hoc processing, and a rate-limited demo
// endpoint that runs the pipeline without persistence. None of these
// handlers are part of the core contract; they exist only to drive it.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/smile/salespipe/internal/config"
	"github.com/smile/salespipe/internal/domain"
	"github.com/smile/salespipe/internal/llm"
	"github.com/smile/salespipe/internal/logging"
	"github.com/smile/salespipe/internal/mailbox"
	"github.com/smile/salespipe/internal/pipeline"
	"github.com/smile/salespipe/internal/scheduler"
	"github.com/smile/salespipe/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

type server struct {
	cfg     *config.Config
	log     zerolog.Logger
	tokens  *mailbox.TokenStore
	gmail   *mailbox.GmailClient
	repo    *store.Repository
	poller  *scheduler.Poller
	oauth   *oauth2.Config
	demoRL  *demoRateLimiter
	llmDemo *llm.Client
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("fatal: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	kv, err := store.NewPostgresKV(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer kv.Close()
	if err := kv.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	repo := store.NewRepository(kv)
	tokens := mailbox.NewTokenStore(kv)
	oauthConfig := &oauth2.Config{
		ClientID:     os.Getenv("SALESPIPE_GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("SALESPIPE_GOOGLE_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("SALESPIPE_GOOGLE_REDIRECT_URL"),
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		Endpoint:     google.Endpoint,
	}
	gmailClient := mailbox.NewGmailClient(oauthConfig, tokens, log)
	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, log)

	tz, err := time.LoadLocation(cfg.FirstSyncTimezone)
	if err != nil {
		tz = time.UTC
	}
	engine := pipeline.New(repo, llmClient, pipeline.NewLogEmitter(log), pipeline.Config{
		ConfidenceThreshold:       cfg.ConfidenceThreshold,
		PrefilterMaxContentLength: cfg.PrefilterMaxContentLength,
		IdempotencyTTLDays:        cfg.IdempotencyTTLDays,
		BatchSize:                 cfg.BatchSize,
	}, log)
	poller := scheduler.New(tokens, gmailClient, engine, scheduler.Config{
		Period:             cfg.PollPeriod,
		MaxMessagesPerPoll: cfg.MaxMessagesPerPoll,
		DefaultLabels:      []string{"INBOX"},
		FirstSyncTimezone:  tz,
	}, log)

	s := &server{
		cfg: cfg, log: log, tokens: tokens, gmail: gmailClient, repo: repo,
		poller: poller, oauth: oauthConfig, demoRL: newDemoRateLimiter(5, time.Minute),
		llmDemo: llmClient,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/oauth/connect", s.handleOAuthConnect)
	r.Get("/oauth/callback", s.handleOAuthCallback)
	r.Get("/tenants/{tenantID}/status", s.handleStatus)
	r.Post("/tenants/{tenantID}/disconnect", s.handleDisconnect)
	r.Get("/tenants/{tenantID}/labels", s.handleListLabels)
	r.Post("/tenants/{tenantID}/poll", s.handleManualPoll)
	r.Post("/scheduler/start", s.handleSchedulerStart)
	r.Post("/scheduler/stop", s.handleSchedulerStop)
	r.Get("/scheduler/status", s.handleSchedulerStatus)
	r.Post("/tenants/{tenantID}/upload", s.handleRawUpload)
	r.Post("/demo/run", s.handleDemoRun)

	if cfg.PollingEnabled {
		poller.Start(context.Background())
	}

	log.Info().Str("addr", cfg.HTTPAddr).Msg("mailctl listening")
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		log.Fatal().Err(err).Msg("http server stopped")
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *server) handleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	url := s.oauth.AuthCodeURL(r.URL.Query().Get("tenant_id"), oauth2.AccessTypeOffline)
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if tenantID == "" || code == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing state or code"})
		return
	}
	token, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "token exchange failed"})
		return
	}
	now := time.Now()
	err = s.tokens.Put(r.Context(), tenantID, mailbox.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scopes:       s.oauth.Scopes,
		Expiry:       token.Expiry,
		UpdatedAt:    now,
	})
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store credentials"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "status": string(domain.TenantConnected)})
}

// handleStatus surfaces only connected/expired/disconnected, per the
// error-handling design's user-visible-behavior rule: internal error
// taxonomy never reaches the end user.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	creds, found, err := s.tokens.Get(r.Context(), tenantID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if !found {
		s.writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "status": string(domain.TenantDisconnected)})
		return
	}
	status := domain.TenantConnected
	if creds.Expired(time.Now()) {
		status = domain.TenantExpired
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "status": string(status)})
}

// handleDisconnect invokes purge_tenant(..., include_idempotency=true) and
// forgets the sync cursor, per the disconnect workflow's contract.
func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	tenant := domain.TenantFromAddress(tenantID)

	counts, err := s.repo.PurgeTenant(r.Context(), tenant.ID, true)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "purge failed"})
		return
	}
	if err := s.tokens.Delete(r.Context(), tenantID); err != nil {
		s.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to delete credentials during disconnect")
	}
	s.poller.ForgetCursor(tenantID)

	s.writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "status": string(domain.TenantDisconnected), "purged": counts})
}

func (s *server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	labels, err := s.gmail.ListLabels(r.Context(), tenantID)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to list labels"})
		return
	}
	s.writeJSON(w, http.StatusOK, labels)
}

func (s *server) handleManualPoll(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	result := s.poller.PollOne(r.Context(), tenantID)
	if result.Err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "poll failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"fetched": result.Fetched, "processed": result.Processed, "errored": result.Errored,
	})
}

func (s *server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	// The loop outlives this request, so it is not bound to r.Context().
	s.poller.Start(context.Background())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.poller.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status := s.poller.Status(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running": status.Running, "period_minutes": int(status.Period.Minutes()),
		"max_per_poll": status.MaxPerPoll, "tenant_count": status.TenantCount, "cursors": status.Cursors,
	})
}

// handleRawUpload processes a single ad-hoc MIME payload for a tenant,
// persisting results exactly as the poller's fetched batches would.
func (s *server) handleRawUpload(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	raw, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	msg, err := mailbox.ParseRFC5322(raw, time.Now())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to parse MIME"})
		return
	}
	tenant := domain.TenantFromAddress(tenantID)
	engine := pipeline.New(s.repo, s.llmDemo, pipeline.NewLogEmitter(s.log), pipeline.Config{
		ConfidenceThreshold:       s.cfg.ConfidenceThreshold,
		PrefilterMaxContentLength: s.cfg.PrefilterMaxContentLength,
		IdempotencyTTLDays:        s.cfg.IdempotencyTTLDays,
		BatchSize:                 s.cfg.BatchSize,
	}, s.log)
	result, err := engine.Process(r.Context(), tenant, msg)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleDemoRun runs the pipeline against a throwaway in-memory store and
// returns the result without persisting it, rate-limited per remote IP. Per-process counters only: under
// a multi-replica deployment this becomes per-replica, a known limitation
// (see DESIGN.md, Open Question 3).
func (s *server) handleDemoRun(w http.ResponseWriter, r *http.Request) {
	if !s.demoRL.Allow(r.RemoteAddr) {
		s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	msg, err := mailbox.ParseRFC5322(raw, time.Now())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to parse MIME"})
		return
	}
	demoRepo := store.NewRepository(store.NewMemoryKV())
	demoTenant, _ := domain.NewTenant("demo@example.com", time.Now())
	engine := pipeline.New(demoRepo, s.llmDemo, pipeline.NewLogEmitter(s.log), pipeline.Config{
		ConfidenceThreshold:       s.cfg.ConfidenceThreshold,
		PrefilterMaxContentLength: s.cfg.PrefilterMaxContentLength,
		IdempotencyTTLDays:        s.cfg.IdempotencyTTLDays,
		BatchSize:                 s.cfg.BatchSize,
	}, s.log)
	result, err := engine.Process(r.Context(), demoTenant, msg)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// demoRateLimiter is a fixed-window per-IP counter, intentionally
// per-process (see handleDemoRun).
type demoRateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*windowCounter
}

type windowCounter struct {
	count      int
	windowOpen time.Time
}

func newDemoRateLimiter(limit int, window time.Duration) *demoRateLimiter {
	return &demoRateLimiter{limit: limit, window: window, counters: make(map[string]*windowCounter)}
}

func (d *demoRateLimiter) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	c, ok := d.counters[key]
	if !ok || now.Sub(c.windowOpen) > d.window {
		c = &windowCounter{count: 0, windowOpen: now}
		d.counters[key] = c
	}
	if c.count >= d.limit {
		return false
	}
	c.count++
	return true
}
