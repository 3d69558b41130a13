// Package scheduler runs the poll scheduler (spec §4.C): a recurring timer
// that fans out across tenant accounts, resolving each tenant's sync cursor
// and handing fetched batches to the pipeline engine. Tenants are polled
// sequentially within one tick to keep per-LLM concurrency predictable, per
// the governing concurrency contract (§5).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/smile/salespipe/internal/domain"
	"github.com/smile/salespipe/internal/pipeline"
	"github.com/smile/salespipe/internal/ports"
)

// TenantLister is the narrow slice of the token store the scheduler needs:
// the set of tenants with a credential on file. The mailbox package's
// TokenStore satisfies it.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// Config bounds the scheduler's behavior; values come from
// internal/config.Config.
type Config struct {
	Period             time.Duration
	MaxMessagesPerPoll int
	DefaultLabels      []string
	FirstSyncTimezone  *time.Location
	AutoStart          bool
}

// TenantResult summarizes one tenant's outcome within a tick, surfaced for
// logging and the status snapshot.
type TenantResult struct {
	TenantID  string
	Fetched   int
	Processed int
	Errored   int
	Err       error
}

// Status is the snapshot exposed to the HTTP surface's status handler.
type Status struct {
	Running     bool
	Period      time.Duration
	MaxPerPoll  int
	TenantCount int
	Cursors     map[string]time.Time
}

// Poller owns the recurring timer, the per-tenant sync-cursor map, and
// drives the pipeline engine on every fetched batch. It is constructed once
// in the composition root and passed around as an explicit collaborator,
// never held as a package-level singleton.
type Poller struct {
	tenants TenantLister
	mailbox ports.MailboxClient
	engine  *pipeline.Engine
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	cursors   map[string]time.Time
	running   bool
	cancel    context.CancelFunc
	tickMu    sync.Mutex // serializes overlapping PollAll calls
	stoppedCh chan struct{}
}

// New constructs a Poller. Polling does not start until Start is called;
// this constructor does not act on Config.AutoStart (the composition root
// decides whether to call Start), so tests can construct a Poller without
// a background goroutine.
func New(tenants TenantLister, mailbox ports.MailboxClient, engine *pipeline.Engine, cfg Config, log zerolog.Logger) *Poller {
	if cfg.FirstSyncTimezone == nil {
		cfg.FirstSyncTimezone = time.UTC
	}
	if len(cfg.DefaultLabels) == 0 {
		cfg.DefaultLabels = []string{"INBOX"}
	}
	return &Poller{
		tenants: tenants,
		mailbox: mailbox,
		engine:  engine,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		cursors: make(map[string]time.Time),
	}
}

// Start launches the background timer loop. Calling Start twice is a
// no-op. Shutdown is driven by Stop, which cancels the loop's context and
// waits for the in-flight tick to finish.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.stoppedCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop(loopCtx)
}

// Stop signals the timer loop and blocks until the in-flight tick, if any,
// completes.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	stopped := p.stoppedCh
	p.mu.Unlock()

	cancel()
	<-stopped

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.stoppedCh)
	ticker := time.NewTicker(p.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollAll(ctx); err != nil {
				p.log.Error().Err(err).Msg("poll tick failed")
			}
		}
	}
}

// PollAll fans out across every tenant with a token on file. It is the
// body of one scheduled tick, and overlapping PollAll calls serialize on
// tickMu. PollOne, which a manual-poll request calls directly, does not
// take tickMu and can overlap a tick; cursor-map writes are guarded by mu
// on either path.
func (p *Poller) PollAll(ctx context.Context) error {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	tenantIDs, err := p.tenants.ListTenants(ctx)
	if err != nil {
		return err
	}
	if len(tenantIDs) == 0 {
		p.log.Debug().Msg("no connected tenants to poll")
		return nil
	}

	p.log.Info().Int("tenant_count", len(tenantIDs)).Msg("polling tenants")
	for _, tenantID := range tenantIDs {
		result := p.PollOne(ctx, tenantID)
		if result.Err != nil {
			p.log.Error().Err(result.Err).Str("tenant_id", tenantID).Msg("tenant poll failed, continuing with remaining tenants")
			continue
		}
		p.log.Info().Str("tenant_id", tenantID).Int("fetched", result.Fetched).Int("processed", result.Processed).Msg("tenant poll complete")
	}
	return nil
}

// PollOne fetches and processes new messages for a single tenant, sharing
// its logic between the timer loop and manual-poll requests. On success the
// cursor advances to the wall-clock time observed at the start of the
// fetch; on failure it is left unchanged so the next attempt re-covers the
// same window.
func (p *Poller) PollOne(ctx context.Context, tenantID string) TenantResult {
	fetchStart := p.now()
	after := p.resolveCursor(tenantID, fetchStart)

	messages, err := p.mailbox.FetchSince(ctx, tenantID, p.cfg.DefaultLabels, after, p.cfg.MaxMessagesPerPoll)
	if err != nil {
		return TenantResult{TenantID: tenantID, Err: err}
	}

	result := TenantResult{TenantID: tenantID, Fetched: len(messages)}
	if len(messages) == 0 {
		p.advanceCursor(tenantID, fetchStart)
		return result
	}

	tenant := domain.TenantFromAddress(tenantID)
	msgPtrs := make([]*domain.CanonicalMessage, len(messages))
	for i := range messages {
		msgPtrs[i] = &messages[i]
	}
	batch := p.engine.ProcessBatch(ctx, tenant, msgPtrs)
	for _, r := range batch.Results {
		switch r.Status {
		case pipeline.StatusError:
			result.Errored++
		default:
			result.Processed++
		}
	}

	p.advanceCursor(tenantID, fetchStart)
	return result
}

// resolveCursor returns the lower bound for a tenant's next fetch: the last
// successful tick time, or start-of-today in the configured civil timezone
// on first use.
func (p *Poller) resolveCursor(tenantID string, now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if after, ok := p.cursors[tenantID]; ok {
		return after
	}
	return domain.StartOfDay(now, p.cfg.FirstSyncTimezone)
}

func (p *Poller) advanceCursor(tenantID string, fetchStart time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[tenantID] = fetchStart
}

// Status returns a snapshot for the HTTP surface's status handler.
func (p *Poller) Status(ctx context.Context) Status {
	p.mu.Lock()
	running := p.running
	cursors := make(map[string]time.Time, len(p.cursors))
	for k, v := range p.cursors {
		cursors[k] = v
	}
	p.mu.Unlock()

	tenantIDs, _ := p.tenants.ListTenants(ctx)
	return Status{
		Running:     running,
		Period:      p.cfg.Period,
		MaxPerPoll:  p.cfg.MaxMessagesPerPoll,
		TenantCount: len(tenantIDs),
		Cursors:     cursors,
	}
}

// ForgetCursor drops a tenant's sync cursor, used by the disconnect
// workflow so a later reconnect starts fresh rather than resuming from a
// stale bound.
func (p *Poller) ForgetCursor(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cursors, tenantID)
}
