package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/smile/salespipe/internal/domain"
	"github.com/smile/salespipe/internal/llm"
	"github.com/smile/salespipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLLM is a scripted LLMGateway for pipeline tests.
type fakeLLM struct {
	classifyResult llm.ClassifyResult
	classifyErr    error
	classifyBatch  []llm.ClassifyResult // overrides classifyResult for ClassifyBatch when set
	extractResp    llm.ExtractResponse
	extractErr     error
	batchCalls     int
}

func (f *fakeLLM) Classify(ctx context.Context, sameDomain bool, subject, senderAddress, body string) (llm.ClassifyResult, int, error) {
	return f.classifyResult, 10, f.classifyErr
}
func (f *fakeLLM) ClassifyBatch(ctx context.Context, items []llm.ClassifyItem) ([]llm.ClassifyResult, int, error) {
	f.batchCalls++
	if f.classifyErr != nil {
		return nil, 0, f.classifyErr
	}
	if f.classifyBatch != nil {
		return f.classifyBatch, 10 * len(items), nil
	}
	results := make([]llm.ClassifyResult, len(items))
	for i := range results {
		results[i] = f.classifyResult
	}
	return results, 10 * len(items), nil
}
func (f *fakeLLM) Extract(ctx context.Context, subject, body string) (llm.ExtractResponse, int, error) {
	return f.extractResp, 20, f.extractErr
}
func (f *fakeLLM) Model() string { return "test-model" }

func newEngine(t *testing.T, gw LLMGateway) (*Engine, *store.Repository) {
	t.Helper()
	repo := store.NewRepository(store.NewMemoryKV())
	eng := New(repo, gw, NewLogEmitter(zerolog.Nop()), Config{
		ConfidenceThreshold:       0.8,
		PrefilterMaxContentLength: 5000,
		IdempotencyTTLDays:        90,
	}, zerolog.Nop())
	return eng, repo
}

func salesLeadMessage(t *testing.T) *domain.CanonicalMessage {
	t.Helper()
	msg, err := domain.NewCanonicalMessage("msg-1", "Quote for 200 seats",
		"buyer@external.example", "Buyer Person",
		"We would like a quote and pricing for 200 seats, please schedule a demo and share the proposal and contract.",
		false, time.Now())
	require.NoError(t, err)
	return msg
}

func TestProcess_ExternalSalesLead(t *testing.T) {
	gw := &fakeLLM{
		classifyResult: llm.ClassifyResult{Category: llm.CategorySalesLead, Confidence: 0.9},
		extractResp: llm.ExtractResponse{
			Tasks: []llm.RawCandidate{{"title": "Send pricing", "confidence": 0.9}},
			Deals: []llm.RawCandidate{{"title": "200 seat deal", "confidence": 0.85, "value": "$50000"}},
		},
	}
	eng, repo := newEngine(t, gw)
	tenant, err := domain.NewTenant("owner@mycompany.example", time.Now())
	require.NoError(t, err)

	result, err := eng.Process(context.Background(), tenant, salesLeadMessage(t))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Len(t, result.TaskIDs, 1)
	assert.Len(t, result.DealIDs, 1)

	rec, err := repo.GetIdempotency(context.Background(), result.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.IdempotencyProcessed, rec.Status)
}

func TestProcess_InternalClassification_Skipped(t *testing.T) {
	gw := &fakeLLM{classifyResult: llm.ClassifyResult{Category: llm.CategoryInternalOps, Confidence: 0.95}}
	eng, repo := newEngine(t, gw)
	tenant, err := domain.NewTenant("owner@mycompany.example", time.Now())
	require.NoError(t, err)

	msg, err := domain.NewCanonicalMessage("pr-1", "[PR #528] fix bug", "pullrequests@bitbucket.org", "", "automated notification body text here", false, time.Now())
	require.NoError(t, err)

	result, err := eng.Process(context.Background(), tenant, msg)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "internal_operations", result.ClassifierVerdict)

	rec, err := repo.GetIdempotency(context.Background(), result.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.IdempotencySkipped, rec.Status)
}

func TestProcess_DuplicateSubmission_ShortCircuits(t *testing.T) {
	gw := &fakeLLM{
		classifyResult: llm.ClassifyResult{Category: llm.CategorySalesLead, Confidence: 0.9},
		extractResp: llm.ExtractResponse{
			Tasks: []llm.RawCandidate{{"title": "Send pricing", "confidence": 0.9}},
		},
	}
	eng, _ := newEngine(t, gw)
	tenant, err := domain.NewTenant("owner@mycompany.example", time.Now())
	require.NoError(t, err)
	msg := salesLeadMessage(t)

	first, err := eng.Process(context.Background(), tenant, msg)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, first.Status)

	second, err := eng.Process(context.Background(), tenant, msg)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, "already_processed", second.Reason)
	assert.Equal(t, first.TaskIDs, second.TaskIDs)
}

func TestProcess_ClassifierError_FailsOpenToUnknownAndSkips(t *testing.T) {
	gw := &fakeLLM{classifyErr: assertErr{"boom"}}
	eng, repo := newEngine(t, gw)
	tenant, err := domain.NewTenant("owner@mycompany.example", time.Now())
	require.NoError(t, err)

	result, err := eng.Process(context.Background(), tenant, salesLeadMessage(t))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "unknown", result.ClassifierVerdict)

	rec, err := repo.GetIdempotency(context.Background(), result.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestProcess_ConfidenceGate_PartitionsAcceptedAndDraft(t *testing.T) {
	gw := &fakeLLM{
		classifyResult: llm.ClassifyResult{Category: llm.CategorySalesLead, Confidence: 0.9},
		extractResp: llm.ExtractResponse{
			Tasks: []llm.RawCandidate{
				{"title": "High confidence task", "confidence": 0.95},
				{"title": "Low confidence task", "confidence": 0.3},
			},
		},
	}
	eng, repo := newEngine(t, gw)
	tenant, err := domain.NewTenant("owner@mycompany.example", time.Now())
	require.NoError(t, err)

	result, err := eng.Process(context.Background(), tenant, salesLeadMessage(t))
	require.NoError(t, err)
	require.Len(t, result.TaskIDs, 2)

	var accepted, draft int
	for _, id := range result.TaskIDs {
		task, err := repo.GetTask(context.Background(), tenant.ID, id)
		require.NoError(t, err)
		if task.Status == domain.TaskAccepted {
			accepted++
			assert.GreaterOrEqual(t, task.Confidence, 0.8)
		} else {
			draft++
			assert.Less(t, task.Confidence, 0.8)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, draft)
}

func TestProcess_EmptyExtractorResponse_ProcessedWithZeroCandidates(t *testing.T) {
	gw := &fakeLLM{classifyResult: llm.ClassifyResult{Category: llm.CategorySalesLead, Confidence: 0.9}}
	eng, repo := newEngine(t, gw)
	tenant, err := domain.NewTenant("owner@mycompany.example", time.Now())
	require.NoError(t, err)

	result, err := eng.Process(context.Background(), tenant, salesLeadMessage(t))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Empty(t, result.TaskIDs)
	assert.Empty(t, result.DealIDs)

	rec, err := repo.GetIdempotency(context.Background(), result.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.IdempotencyProcessed, rec.Status)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", domainOf("someone@EXAMPLE.com"))
	assert.Equal(t, "", domainOf("not-an-address"))
}
