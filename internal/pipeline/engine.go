// Package pipeline runs the per-message state machine described by the
// system: Classify -> Prefilter -> Extract -> ConfidenceGate -> Persist ->
// Emit, with conditional skip transitions. It is written as an explicit Go
// function advancing a result record through branches, per the governing
// design note that rules out a graph-library abstraction for this shape.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smile/salespipe/internal/domain"
	"github.com/smile/salespipe/internal/llm"
	"github.com/smile/salespipe/internal/ports"
	"github.com/smile/salespipe/internal/prefilter"
)

// LLMGateway is the narrow contract the engine depends on for classify and
// extract calls. *llm.Client satisfies it structurally.
type LLMGateway interface {
	Classify(ctx context.Context, sameDomain bool, subject, senderAddress, body string) (llm.ClassifyResult, int, error)
	ClassifyBatch(ctx context.Context, items []llm.ClassifyItem) ([]llm.ClassifyResult, int, error)
	Extract(ctx context.Context, subject, body string) (llm.ExtractResponse, int, error)
	Model() string
}

// Config bounds the engine's per-message behavior; values come from
// internal/config.Config.
type Config struct {
	ConfidenceThreshold       float64
	PrefilterMaxContentLength int
	IdempotencyTTLDays        int
	BatchSize                 int // messages per batched Classify call; ProcessBatch chunks survivors to this size
}

// Status enumerates the three outcomes of processing one message.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Result summarizes the outcome of running one message through the
// engine.
type Result struct {
	Status            Status
	Fingerprint       string
	Reason            string
	ClassifierVerdict string
	TaskIDs           []uuid.UUID
	DealIDs           []uuid.UUID
	TokensUsed        int
}

// Engine threads its collaborators as explicitly passed dependencies,
// constructed once in the composition root — no module-level singletons.
type Engine struct {
	persister ports.Persister
	llmGW     LLMGateway
	emitter   Emitter
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// New constructs an Engine.
func New(persister ports.Persister, llmGW LLMGateway, emitter Emitter, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{persister: persister, llmGW: llmGW, emitter: emitter, cfg: cfg, log: log, now: time.Now}
}

// Process runs the state machine for exactly one message belonging to
// tenant. Side effects are confined to the persistence stage and the
// Emit sink; the idempotency gate guarantees Emit still runs exactly once
// even on a duplicate (the duplicate path emits nothing new, matching the
// "same fingerprint, no new rows" invariant — only the first run emits).
func (e *Engine) Process(ctx context.Context, tenant *domain.Tenant, msg *domain.CanonicalMessage) (Result, error) {
	start := e.now()
	fingerprint := Fingerprint(msg)

	if existing, err := e.persister.GetIdempotency(ctx, fingerprint); err != nil {
		return Result{}, &ErrPersistence{Entity: "idempotency_lookup", Cause: err}
	} else if existing != nil {
		return Result{
			Status:            StatusSkipped,
			Fingerprint:       fingerprint,
			Reason:            "already_processed",
			ClassifierVerdict: existing.ClassifierVerdict,
			TaskIDs:           existing.TaskIDs,
			DealIDs:           existing.DealIDs,
		}, nil
	}

	sameDomain := domainOf(msg.SenderAddress) == domainOf(tenant.Address)
	classification, classifyTokens, err := e.llmGW.Classify(ctx, sameDomain, msg.Subject, msg.SenderAddress, msg.TextBody)
	if err != nil {
		// Fail-open: classification failure is not fatal. Treat as unknown,
		// skip the message, but still write an idempotency row so it is
		// never retried forever.
		e.log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("classifier error, failing open to unknown")
		classification = llm.ClassifyResult{Category: llm.CategoryUnknown, Confidence: 0}
	}

	return e.processClassified(ctx, tenant, msg, fingerprint, classification, classifyTokens, start)
}

// processClassified runs every stage after Classify: Prefilter, Extract,
// ConfidenceGate, Persist, Emit. Process and ProcessBatch both funnel into
// this so the two paths share identical post-classify behavior — the only
// difference between them is whether Classify is called once per message or
// once for the whole survivor set.
func (e *Engine) processClassified(ctx context.Context, tenant *domain.Tenant, msg *domain.CanonicalMessage, fingerprint string, classification llm.ClassifyResult, classifyTokens int, start time.Time) (Result, error) {
	if classification.Category != llm.CategorySalesLead {
		return e.skip(ctx, tenant, msg, fingerprint, string(classification.Category), classifyTokens, start)
	}

	pf := prefilter.Run(prefilter.Config{MaxContentLength: e.cfg.PrefilterMaxContentLength}, msg.Subject, msg.TextBody, domainOf(msg.SenderAddress), msg.HasAttachment)
	if !pf.Passed {
		return e.skip(ctx, tenant, msg, fingerprint, string(classification.Category), classifyTokens, start)
	}

	extractResp, extractTokens, err := e.llmGW.Extract(ctx, msg.Subject, pf.Body)
	if err != nil {
		var throttled *llm.ThrottledError
		if errors.As(err, &throttled) {
			return Result{Status: StatusError, Fingerprint: fingerprint, Reason: "throttled"}, &ErrThrottled{Attempts: throttled.Attempts, Cause: throttled.Cause}
		}
		return Result{Status: StatusError, Fingerprint: fingerprint, Reason: "extract_failed"}, err
	}

	tasks, draftTasks := e.buildTasks(tenant.ID, fingerprint, pf.Body, extractResp.Tasks)
	deals, draftDeals := e.buildDeals(tenant.ID, fingerprint, pf.Body, extractResp.Deals)

	if len(tasks)+len(draftTasks)+len(deals)+len(draftDeals) > 0 {
		if _, err := e.persister.UpsertContact(ctx, tenant.ID, msg.SenderAddress, msg.SenderDisplayName, domain.ContactEmailExtraction, start); err != nil {
			e.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("persistence error upserting contact")
		}
	}

	var taskIDs, dealIDs []uuid.UUID
	for _, t := range append(tasks, draftTasks...) {
		if err := e.persister.CreateTask(ctx, t); err != nil {
			e.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("persistence error writing task")
			continue
		}
		taskIDs = append(taskIDs, t.ID)
	}
	for _, d := range append(deals, draftDeals...) {
		if err := e.persister.CreateDeal(ctx, d); err != nil {
			e.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("persistence error writing deal")
			continue
		}
		dealIDs = append(dealIDs, d.ID)
	}

	tokensUsed := classifyTokens + extractTokens
	processingMS := e.now().Sub(start).Milliseconds()
	rec := domain.NewIdempotencyRecord(fingerprint, tenant.ID, msg.MessageID, msg.Subject, msg.SenderAddress,
		domain.IdempotencyProcessed, string(classification.Category), tokensUsed, processingMS, taskIDs, dealIDs, start, e.cfg.IdempotencyTTLDays)

	if err := e.persister.PutIdempotency(ctx, rec); err != nil {
		return Result{Status: StatusError, Fingerprint: fingerprint, Reason: "idempotency_write_failed"}, &ErrIdempotencyWrite{Fingerprint: fingerprint, Cause: err}
	}

	e.emitCompletion(ctx, tenant, fingerprint, tasks, draftTasks, deals, draftDeals)

	return Result{
		Status:            StatusProcessed,
		Fingerprint:       fingerprint,
		ClassifierVerdict: string(classification.Category),
		TaskIDs:           taskIDs,
		DealIDs:           dealIDs,
		TokensUsed:        tokensUsed,
	}, nil
}

// skip writes a skipped idempotency row (so the message is never retried)
// and returns the skip result. Used for non-sales_lead classifications and
// prefilter rejections alike.
func (e *Engine) skip(ctx context.Context, tenant *domain.Tenant, msg *domain.CanonicalMessage, fingerprint, verdict string, tokens int, start time.Time) (Result, error) {
	rec := domain.NewIdempotencyRecord(fingerprint, tenant.ID, msg.MessageID, msg.Subject, msg.SenderAddress,
		domain.IdempotencySkipped, verdict, tokens, e.now().Sub(start).Milliseconds(), nil, nil, start, e.cfg.IdempotencyTTLDays)
	if err := e.persister.PutIdempotency(ctx, rec); err != nil {
		return Result{Status: StatusError, Fingerprint: fingerprint, Reason: "idempotency_write_failed"}, &ErrIdempotencyWrite{Fingerprint: fingerprint, Cause: err}
	}
	e.emitter.Emit(ctx, Event{Type: EventProcessingCompleted, TenantID: tenant.ID.String(), Fingerprint: fingerprint,
		Counts: map[string]int{"tasks": 0, "deals": 0}})
	return Result{Status: StatusSkipped, Fingerprint: fingerprint, Reason: verdict, ClassifierVerdict: verdict}, nil
}

// buildTasks gates normalized task candidates on confidence. A candidate
// with no snippet of its own takes fallbackSnippet (the message body) as its
// audit snippet.
func (e *Engine) buildTasks(tenantID uuid.UUID, fingerprint, fallbackSnippet string, raw []llm.RawCandidate) (accepted, draft []*domain.Task) {
	for _, r := range raw {
		nt, ok := llm.NormalizeTask(r)
		if !ok {
			continue
		}
		snippet := nt.Snippet
		if strings.TrimSpace(snippet) == "" {
			snippet = fallbackSnippet
		}
		status := domain.TaskDraft
		if nt.Confidence >= e.cfg.ConfidenceThreshold {
			status = domain.TaskAccepted
		}
		t, err := domain.NewTask(tenantID, nt.Title, nt.Description, domain.TaskPriority(nt.Priority), nt.Confidence, e.llmGW.Model(), fingerprint, snippet, status, e.now())
		if err != nil {
			e.log.Warn().Err(err).Msg("rejected malformed task candidate")
			continue
		}
		if status == domain.TaskAccepted {
			accepted = append(accepted, t)
		} else {
			draft = append(draft, t)
		}
	}
	return accepted, draft
}

// buildDeals is buildTasks for deal candidates, with the same snippet
// fallback.
func (e *Engine) buildDeals(tenantID uuid.UUID, fingerprint, fallbackSnippet string, raw []llm.RawCandidate) (accepted, draft []*domain.Deal) {
	for _, r := range raw {
		nd, ok := llm.NormalizeDeal(r)
		if !ok {
			continue
		}
		snippet := nd.Snippet
		if strings.TrimSpace(snippet) == "" {
			snippet = fallbackSnippet
		}
		status := domain.DealDraft
		if nd.Confidence >= e.cfg.ConfidenceThreshold {
			status = domain.DealAccepted
		}
		d, err := domain.NewDeal(tenantID, nd.Title, nd.Description, nd.Value, nd.Currency, domain.DealStage(nd.Stage), nd.Probability, nd.Confidence, e.llmGW.Model(), fingerprint, snippet, status, e.now())
		if err != nil {
			e.log.Warn().Err(err).Msg("rejected malformed deal candidate")
			continue
		}
		if status == domain.DealAccepted {
			accepted = append(accepted, d)
		} else {
			draft = append(draft, d)
		}
	}
	return accepted, draft
}

func (e *Engine) emitCompletion(ctx context.Context, tenant *domain.Tenant, fingerprint string, tasks, draftTasks []*domain.Task, deals, draftDeals []*domain.Deal) {
	for _, t := range tasks {
		e.emitter.Emit(ctx, Event{Type: EventTaskAutoAccepted, TenantID: tenant.ID.String(), Fingerprint: fingerprint, EntityID: t.ID.String(), EntityKind: "task"})
	}
	for _, d := range deals {
		e.emitter.Emit(ctx, Event{Type: EventDealAutoAccepted, TenantID: tenant.ID.String(), Fingerprint: fingerprint, EntityID: d.ID.String(), EntityKind: "deal"})
	}
	for _, t := range draftTasks {
		e.emitter.Emit(ctx, Event{Type: EventRequiresReview, TenantID: tenant.ID.String(), Fingerprint: fingerprint, EntityID: t.ID.String(), EntityKind: "task"})
	}
	for _, d := range draftDeals {
		e.emitter.Emit(ctx, Event{Type: EventRequiresReview, TenantID: tenant.ID.String(), Fingerprint: fingerprint, EntityID: d.ID.String(), EntityKind: "deal"})
	}
	e.emitter.Emit(ctx, Event{Type: EventProcessingCompleted, TenantID: tenant.ID.String(), Fingerprint: fingerprint,
		Counts: map[string]int{"tasks": len(tasks) + len(draftTasks), "deals": len(deals) + len(draftDeals)}})
}

func domainOf(address string) string {
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}
