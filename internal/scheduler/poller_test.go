package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/smile/salespipe/internal/domain"
	"github.com/smile/salespipe/internal/llm"
	"github.com/smile/salespipe/internal/pipeline"
	"github.com/smile/salespipe/internal/ports"
	"github.com/smile/salespipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTenantLister struct {
	tenantIDs []string
	err       error
}

func (f *fakeTenantLister) ListTenants(ctx context.Context) ([]string, error) {
	return f.tenantIDs, f.err
}

type fakeMailbox struct {
	messages   map[string][]domain.CanonicalMessage
	fetchErr   error
	tenantErrs map[string]error
	calls      []time.Time
}

func (f *fakeMailbox) ListLabels(ctx context.Context, tenantID string) ([]ports.Label, error) {
	return nil, nil
}

func (f *fakeMailbox) FetchSince(ctx context.Context, tenantID string, labelIDs []string, after time.Time, max int) ([]domain.CanonicalMessage, error) {
	f.calls = append(f.calls, after)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if err := f.tenantErrs[tenantID]; err != nil {
		return nil, err
	}
	return f.messages[tenantID], nil
}

// blockingLister holds ListTenants until release is closed, signalling on
// entered each time a call begins.
type blockingLister struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLister) ListTenants(ctx context.Context) ([]string, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil, nil
}

func (f *fakeMailbox) MarkSeen(ctx context.Context, tenantID, messageID string) error { return nil }

type fakeLLM struct{}

func (f *fakeLLM) Classify(ctx context.Context, sameDomain bool, subject, senderAddress, body string) (llm.ClassifyResult, int, error) {
	return llm.ClassifyResult{Category: llm.CategorySalesLead, Confidence: 0.9}, 5, nil
}

func (f *fakeLLM) ClassifyBatch(ctx context.Context, items []llm.ClassifyItem) ([]llm.ClassifyResult, int, error) {
	results := make([]llm.ClassifyResult, len(items))
	for i := range results {
		results[i] = llm.ClassifyResult{Category: llm.CategorySalesLead, Confidence: 0.9}
	}
	return results, 5 * len(items), nil
}

func (f *fakeLLM) Extract(ctx context.Context, subject, body string) (llm.ExtractResponse, int, error) {
	return llm.ExtractResponse{
		Tasks: []llm.RawCandidate{{"title": "Follow up", "confidence": 0.9}},
	}, 5, nil
}

func (f *fakeLLM) Model() string { return "test-model" }

func newTestPoller(t *testing.T, tenants TenantLister, mbox ports.MailboxClient) *Poller {
	t.Helper()
	repo := store.NewRepository(store.NewMemoryKV())
	engine := pipeline.New(repo, &fakeLLM{}, pipeline.NewLogEmitter(zerolog.Nop()), pipeline.Config{
		ConfidenceThreshold:       0.8,
		PrefilterMaxContentLength: 5000,
		IdempotencyTTLDays:        90,
	}, zerolog.Nop())
	return New(tenants, mbox, engine, Config{
		Period:             time.Minute,
		MaxMessagesPerPoll: 100,
	}, zerolog.Nop())
}

func sampleMessage(t *testing.T) domain.CanonicalMessage {
	t.Helper()
	msg, err := domain.NewCanonicalMessage("msg-1", "Quote for 200 seats",
		"buyer@external.example", "Buyer Person",
		"We would like a quote and pricing for 200 seats, please schedule a demo and share the proposal.",
		false, time.Now())
	require.NoError(t, err)
	return *msg
}

func TestPollOne_FirstPollUsesStartOfDayCursor(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]domain.CanonicalMessage{}}
	p := newTestPoller(t, &fakeTenantLister{}, mbox)

	result := p.PollOne(context.Background(), "tenant@example.com")
	require.NoError(t, result.Err)
	require.Len(t, mbox.calls, 1)

	now := time.Now().UTC() // the poller's default first-sync timezone
	assert.Equal(t, now.Year(), mbox.calls[0].Year())
	assert.Equal(t, now.YearDay(), mbox.calls[0].YearDay())
	assert.Equal(t, 0, mbox.calls[0].Hour())
}

func TestPollOne_SuccessAdvancesCursor(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]domain.CanonicalMessage{
		"tenant@example.com": {sampleMessage(t)},
	}}
	p := newTestPoller(t, &fakeTenantLister{}, mbox)

	result := p.PollOne(context.Background(), "tenant@example.com")
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Fetched)
	assert.Equal(t, 1, result.Processed)

	cursorBefore := p.cursors["tenant@example.com"]
	assert.False(t, cursorBefore.IsZero())

	// Second poll starts from the advanced cursor, not start-of-day again.
	_ = p.PollOne(context.Background(), "tenant@example.com")
	require.Len(t, mbox.calls, 2)
	assert.True(t, mbox.calls[1].Equal(cursorBefore))
}

func TestPollOne_FetchFailureLeavesCursorUnchanged(t *testing.T) {
	mbox := &fakeMailbox{fetchErr: assertErr("transient failure")}
	p := newTestPoller(t, &fakeTenantLister{}, mbox)

	result := p.PollOne(context.Background(), "tenant@example.com")
	require.Error(t, result.Err)
	_, ok := p.cursors["tenant@example.com"]
	assert.False(t, ok)
}

func TestPollAll_OneTenantFailureDoesNotStopOthers(t *testing.T) {
	mbox := &fakeMailbox{
		messages: map[string][]domain.CanonicalMessage{
			"good@example.com": {sampleMessage(t)},
		},
		tenantErrs: map[string]error{"bad@example.com": assertErr("transient failure")},
	}
	lister := &fakeTenantLister{tenantIDs: []string{"bad@example.com", "good@example.com"}}
	p := newTestPoller(t, lister, mbox)

	err := p.PollAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, mbox.calls, 2)
	assert.NotContains(t, p.cursors, "bad@example.com")
	assert.Contains(t, p.cursors, "good@example.com")
}

func TestStatus_ReflectsRunningAndCursors(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]domain.CanonicalMessage{}}
	lister := &fakeTenantLister{tenantIDs: []string{"tenant@example.com"}}
	p := newTestPoller(t, lister, mbox)

	status := p.Status(context.Background())
	assert.False(t, status.Running)
	assert.Equal(t, 1, status.TenantCount)

	_ = p.PollOne(context.Background(), "tenant@example.com")
	status = p.Status(context.Background())
	assert.Contains(t, status.Cursors, "tenant@example.com")
}

func TestStartStop_WaitsForInFlightTick(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]domain.CanonicalMessage{}}
	lister := &blockingLister{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := newTestPoller(t, lister, mbox)
	p.cfg.Period = 10 * time.Millisecond

	p.Start(context.Background())
	<-lister.entered // a tick is now in flight
	begin := time.Now()
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(lister.release)
	}()
	p.Stop()
	assert.GreaterOrEqual(t, time.Since(begin), 30*time.Millisecond, "Stop must wait for the in-flight tick")

	status := p.Status(context.Background())
	assert.False(t, status.Running)
}

func TestForgetCursor_RemovesEntry(t *testing.T) {
	mbox := &fakeMailbox{messages: map[string][]domain.CanonicalMessage{
		"tenant@example.com": {sampleMessage(t)},
	}}
	p := newTestPoller(t, &fakeTenantLister{}, mbox)
	_ = p.PollOne(context.Background(), "tenant@example.com")
	require.Contains(t, p.cursors, "tenant@example.com")

	p.ForgetCursor("tenant@example.com")
	assert.NotContains(t, p.cursors, "tenant@example.com")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
