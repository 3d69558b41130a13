// Command worker is the composition root: it constructs every collaborator
// once, wires them together per the hexagonal architecture (driving
// adapters -> application ports -> driven adapters), starts the poll
// scheduler, and blocks until an OS signal requests shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smile/salespipe/internal/config"
	"github.com/smile/salespipe/internal/llm"
	"github.com/smile/salespipe/internal/logging"
	"github.com/smile/salespipe/internal/mailbox"
	"github.com/smile/salespipe/internal/pipeline"
	"github.com/smile/salespipe/internal/scheduler"
	"github.com/smile/salespipe/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Missing LLM credentials at startup is the one fatal configuration
		// error per the error-handling design; everything past this point is
		// recoverable per-tenant/per-message.
		os.Stderr.WriteString("fatal: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	log.Info().Str("llm_model", cfg.LLMModel).Int("poll_period_minutes", cfg.PollPeriodMinutes).Msg("starting worker")

	tz, err := time.LoadLocation(cfg.FirstSyncTimezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.FirstSyncTimezone).Msg("invalid first_sync_timezone, falling back to UTC")
		tz = time.UTC
	}

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
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		Endpoint:     google.Endpoint,
	}
	gmailClient := mailbox.NewGmailClient(oauthConfig, tokens, log)

	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, log)

	emitter := pipeline.NewLogEmitter(log)
	engine := pipeline.New(repo, llmClient, emitter, pipeline.Config{
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
		AutoStart:          cfg.PollingEnabled,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PollingEnabled {
		poller.Start(ctx)
		log.Info().Msg("poll scheduler started")
	} else {
		log.Info().Msg("poll scheduler paused at startup (polling_enabled=false)")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, waiting for in-flight tick to finish")
	poller.Stop()
	log.Info().Msg("worker stopped")
}
