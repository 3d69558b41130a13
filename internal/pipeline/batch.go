package pipeline

import (
	"context"

	"github.com/smile/salespipe/internal/domain"
	"github.com/smile/salespipe/internal/llm"
)

// BatchResult aggregates the per-message results of one batched run. Errors
// is derived from Results (every StatusError entry), kept as a field only
// so callers get an O(1) count without re-scanning Results themselves.
type BatchResult struct {
	Results []Result
	Errors  int
}

// ProcessBatch implements the batched variant (spec §4.D): fingerprints and
// idempotency filtering happen in bulk, survivors get a single batched
// Classify call via ClassifyBatch, and every stage after classify still
// runs per-message so extraction keeps per-item failure isolation. The
// sequential path (repeated Process calls) and this batched path yield the
// same final database state for the same inputs; the only difference is
// that Classify is invoked once for the whole survivor set instead of once
// per message.
func (e *Engine) ProcessBatch(ctx context.Context, tenant *domain.Tenant, msgs []*domain.CanonicalMessage) BatchResult {
	var out BatchResult

	type survivor struct {
		msg         *domain.CanonicalMessage
		fingerprint string
	}
	var survivors []survivor

	for _, msg := range msgs {
		fingerprint := Fingerprint(msg)
		existing, err := e.persister.GetIdempotency(ctx, fingerprint)
		if err != nil {
			out.Results = append(out.Results, Result{Status: StatusError, Fingerprint: fingerprint, Reason: "idempotency_lookup_failed"})
			out.Errors++
			continue
		}
		if existing != nil {
			out.Results = append(out.Results, Result{
				Status: StatusSkipped, Fingerprint: fingerprint, Reason: "already_processed",
				ClassifierVerdict: existing.ClassifierVerdict, TaskIDs: existing.TaskIDs, DealIDs: existing.DealIDs,
			})
			continue
		}
		survivors = append(survivors, survivor{msg: msg, fingerprint: fingerprint})
	}

	if len(survivors) == 0 {
		return out
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	for start := 0; start < len(survivors); start += batchSize {
		end := start + batchSize
		if end > len(survivors) {
			end = len(survivors)
		}
		chunk := survivors[start:end]

		items := make([]llm.ClassifyItem, len(chunk))
		for i, s := range chunk {
			items[i] = llm.ClassifyItem{
				SameDomain:    domainOf(s.msg.SenderAddress) == domainOf(tenant.Address),
				Subject:       s.msg.Subject,
				SenderAddress: s.msg.SenderAddress,
				Body:          s.msg.TextBody,
			}
		}
		classifications, classifyTokens, err := e.llmGW.ClassifyBatch(ctx, items)
		if err != nil {
			// Fail-open for the whole chunk, same rule as the sequential
			// path's per-message fail-open: every survivor is treated as
			// unknown rather than left unprocessed.
			e.log.Warn().Err(err).Int("chunk_size", len(chunk)).Msg("batch classifier error, failing open to unknown")
			classifications = make([]llm.ClassifyResult, len(chunk))
			for i := range classifications {
				classifications[i] = llm.ClassifyResult{Category: llm.CategoryUnknown, Confidence: 0}
			}
		}

		// classifyTokens covers the whole chunk; split evenly across its
		// survivors since the provider doesn't report a per-message
		// breakdown.
		perMessageClassifyTokens := classifyTokens / len(chunk)
		for i, s := range chunk {
			result, err := e.processClassified(ctx, tenant, s.msg, s.fingerprint, classifications[i], perMessageClassifyTokens, e.now())
			if err != nil {
				out.Errors++
			}
			out.Results = append(out.Results, result)
		}
	}

	return out
}
