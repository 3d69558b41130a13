package pipeline

import "fmt"

// ErrAuthExpired is returned when token refresh failed or the provider
// rejected credentials. The scheduler responds by skipping the tenant for
// this tick and surfacing the condition to the disconnect workflow.
type ErrAuthExpired struct {
	TenantID string
	Cause    error
}

func (e *ErrAuthExpired) Error() string {
	return fmt.Sprintf("auth expired for tenant %s: %v", e.TenantID, e.Cause)
}

func (e *ErrAuthExpired) Unwrap() error { return e.Cause }

// ErrTransientFetch is returned for network or provider-5xx failures during
// mailbox operations. The scheduler skips the current tenant for this tick
// and retries on the next.
type ErrTransientFetch struct {
	TenantID string
	Cause    error
}

func (e *ErrTransientFetch) Error() string {
	return fmt.Sprintf("transient fetch error for tenant %s: %v", e.TenantID, e.Cause)
}

func (e *ErrTransientFetch) Unwrap() error { return e.Cause }

// ErrThrottled is returned after the LLM retry budget is exhausted on a
// 429 or equivalent rate-limit signal.
type ErrThrottled struct {
	Attempts int
	Cause    error
}

func (e *ErrThrottled) Error() string {
	return fmt.Sprintf("throttled after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ErrThrottled) Unwrap() error { return e.Cause }

// ErrExtractionParse names the failure kind for an LLM response that is
// non-JSON or a shape the normalizer cannot rescue. The extraction parser
// does not return it: such a response yields zero candidates and no error.
type ErrExtractionParse struct {
	Cause error
}

func (e *ErrExtractionParse) Error() string {
	return fmt.Sprintf("extraction parse error: %v", e.Cause)
}

func (e *ErrExtractionParse) Unwrap() error { return e.Cause }

// ErrPersistence wraps a store failure. The engine returns it when the
// idempotency lookup fails; a failed task, deal or contact write is logged
// instead, and the other writes proceed independently.
type ErrPersistence struct {
	Entity string
	Cause  error
}

func (e *ErrPersistence) Error() string {
	return fmt.Sprintf("persistence error writing %s: %v", e.Entity, e.Cause)
}

func (e *ErrPersistence) Unwrap() error { return e.Cause }

// ErrIdempotencyWrite is returned when the final idempotency row fails to
// write, on the skip path or after the task/deal writes. The fingerprint remains
// unrecorded, so the next run will re-create those records; duplication at
// this layer is tolerable, deduplication of business records is not this
// package's job.
type ErrIdempotencyWrite struct {
	Fingerprint string
	Cause       error
}

func (e *ErrIdempotencyWrite) Error() string {
	return fmt.Sprintf("idempotency write error for %s: %v", e.Fingerprint, e.Cause)
}

func (e *ErrIdempotencyWrite) Unwrap() error { return e.Cause }

// ErrClassifier names the failure kind for a classification that fails
// outright. The engine does not return it: handling is fail-open, so the
// error is logged, the message is treated as "unknown" and skipped, and an
// idempotency row is still written so it is not retried forever.
type ErrClassifier struct {
	Cause error
}

func (e *ErrClassifier) Error() string {
	return fmt.Sprintf("classifier error: %v", e.Cause)
}

func (e *ErrClassifier) Unwrap() error { return e.Cause }
