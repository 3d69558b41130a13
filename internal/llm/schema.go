package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smile/salespipe/internal/domain/extract"
)

// Category enumerates the classifier's verdict values.
type Category string

const (
	CategorySalesLead      Category = "sales_lead"
	CategoryInternalOps    Category = "internal_operations"
	CategorySpamNoise      Category = "spam_noise"
	CategoryCustomerSupport Category = "customer_support"
	CategoryUnknown        Category = "unknown"
)

// ClassifyResult is the structured output of a classify call.
type ClassifyResult struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

const classifySystemPrompt = `You are an email triage classifier for a sales pipeline. Classify the message into exactly one category: sales_lead, internal_operations, spam_noise, customer_support, or unknown.

Rules:
- If the sender and recipient share the same domain, classify as internal_operations.
- Developer-tool notifications (pull request, issue tracker, CI build) are internal_operations.
- Automated marketing or newsletter content is spam_noise.
- External messages expressing buying intent (pricing, quotes, demos, proposals) are sales_lead.
- Messages from an existing customer reporting a problem are customer_support.
- If none of the above clearly apply, use unknown.

Respond with a JSON object: {"category": "...", "confidence": 0.0-1.0, "reasoning": "..."}.`

// Classify runs a single classification call over one message. On any
// error (transport, parse) the result fails open to Category: unknown,
// Confidence: 0 — the caller treats unknown as skipped.
func (c *Client) Classify(ctx context.Context, sameDomain bool, subject, senderAddress, body string) (ClassifyResult, int, error) {
	user := fmt.Sprintf("From: %s\nSame-domain-as-recipient: %v\nSubject: %s\n\n%s", senderAddress, sameDomain, subject, body)
	content, tokens, err := c.Complete(ctx, classifySystemPrompt, user)
	if err != nil {
		return ClassifyResult{Category: CategoryUnknown, Confidence: 0}, 0, err
	}

	var result ClassifyResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return ClassifyResult{Category: CategoryUnknown, Confidence: 0}, tokens, fmt.Errorf("parsing classify response: %w", err)
	}
	if result.Category == "" {
		result.Category = CategoryUnknown
	}
	return result, tokens, nil
}

// ClassifyItem is one message's classify inputs within a batched request.
type ClassifyItem struct {
	SameDomain    bool
	Subject       string
	SenderAddress string
	Body          string
}

const classifyBatchSystemPrompt = classifySystemPrompt + `

The input is a JSON array of messages, each carrying its own "index". Return
a JSON object: {"results": [{"index": 0, "category": "...", "confidence": 0.0-1.0, "reasoning": "..."}, ...]},
exactly one result per input message, each result's "index" matching its input's.`

type classifyBatchInput struct {
	Index      int    `json:"index"`
	From       string `json:"from"`
	SameDomain bool   `json:"same_domain_as_recipient"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

type classifyBatchResultEntry struct {
	Index int `json:"index"`
	ClassifyResult
}

type classifyBatchResponse struct {
	Results []classifyBatchResultEntry `json:"results"`
}

// ClassifyBatch issues a single classify call covering every item, matching
// results back to inputs by index. Any item the model's response omits
// fails open to Category: unknown, Confidence: 0, same as a single failed
// Classify call.
func (c *Client) ClassifyBatch(ctx context.Context, items []ClassifyItem) ([]ClassifyResult, int, error) {
	if len(items) == 0 {
		return nil, 0, nil
	}

	inputs := make([]classifyBatchInput, len(items))
	for i, it := range items {
		inputs[i] = classifyBatchInput{Index: i, From: it.SenderAddress, SameDomain: it.SameDomain, Subject: it.Subject, Body: it.Body}
	}
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, 0, fmt.Errorf("marshaling classify batch input: %w", err)
	}

	content, tokens, err := c.Complete(ctx, classifyBatchSystemPrompt, string(payload))
	results := make([]ClassifyResult, len(items))
	for i := range results {
		results[i] = ClassifyResult{Category: CategoryUnknown, Confidence: 0}
	}
	if err != nil {
		return results, 0, err
	}

	var resp classifyBatchResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return results, tokens, fmt.Errorf("parsing classify batch response: %w", err)
	}
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(results) {
			continue
		}
		cr := r.ClassifyResult
		if cr.Category == "" {
			cr.Category = CategoryUnknown
		}
		results[r.Index] = cr
	}
	return results, tokens, nil
}

// RawCandidate is the liberal, alias-tolerant shape an extraction entry may
// arrive in before normalization.
type RawCandidate map[string]interface{}

// ExtractResponse is the structured output of an extract call before
// per-candidate normalization.
type ExtractResponse struct {
	Tasks []RawCandidate `json:"tasks"`
	Deals []RawCandidate `json:"deals"`
}

const extractSystemPrompt = `You extract structured sales tasks and deals from a single business email.

Output JSON: {"tasks": [...], "deals": [...]}.

Each task has: title, description, priority (high|medium|low), due_date (optional), confidence (0-1), snippet.
Each deal has: title, description, value, currency (default INR), stage (lead|contacted|demo|proposal|negotiation|closed_won|closed_lost), probability (0-100), confidence (0-1), snippet.

Value conventions: Indian numbering (lakh = 100,000; crore = 10,000,000) must be converted to a plain integer. A stated range uses the low end. A multi-year total uses the first year's figure only.

Confidence calibration: use >=0.8 only when the message states the fact directly; use 0.5-0.79 when it is a reasonable inference; use <0.5 when speculative.

Prefer false negatives over false positives: omit a task or deal you are not reasonably confident about rather than inventing one.`

// Extract runs a single extraction call over one message's (possibly
// prefiltered) body. On parse failure it returns an empty candidate list
// rather than raising, per the gateway's structured-output contract.
func (c *Client) Extract(ctx context.Context, subject, body string) (ExtractResponse, int, error) {
	user := fmt.Sprintf("Subject: %s\n\n%s", subject, body)
	content, tokens, err := c.Complete(ctx, extractSystemPrompt, user)
	if err != nil {
		return ExtractResponse{}, 0, err
	}

	var resp ExtractResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return ExtractResponse{}, tokens, nil // treated as zero candidates, not an error
	}
	return resp, tokens, nil
}

// NormalizedTask is a stage-specific payload ready for the confidence gate.
type NormalizedTask struct {
	Title       string
	Description string
	Priority    string
	Confidence  float64
	Snippet     string
}

// NormalizedDeal is a stage-specific payload ready for the confidence gate.
type NormalizedDeal struct {
	Title       string
	Description string
	Value       float64
	Currency    string
	Stage       string
	Probability float64
	Confidence  float64
	Snippet     string
}

func str(m RawCandidate, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func num(m RawCandidate, def float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return n
			case string:
				if nv, _, vok := extract.NormalizeValue(n); vok {
					return nv
				}
			}
		}
	}
	return def
}

// NormalizeTask converts a liberal RawCandidate into a NormalizedTask,
// accepting field-name aliases and clamping numerics to their declared
// ranges. It rejects entries missing all name-like fields.
func NormalizeTask(raw RawCandidate) (NormalizedTask, bool) {
	title := str(raw, "title", "task", "text", "name")
	if title == "" {
		return NormalizedTask{}, false
	}
	priority := strings.ToLower(str(raw, "priority"))
	switch priority {
	case "high", "medium", "low":
	default:
		priority = "medium"
	}
	confidence := clamp(num(raw, 0.5, "confidence", "score"), 0, 1)
	return NormalizedTask{
		Title:       title,
		Description: str(raw, "description", "desc"),
		Priority:    priority,
		Confidence:  confidence,
		Snippet:     str(raw, "snippet", "audit_snippet", "evidence"),
	}, true
}

// NormalizeDeal converts a liberal RawCandidate into a NormalizedDeal,
// applying the same alias tolerance and clamping as NormalizeTask, plus
// currency/value normalization via internal/domain/extract.
func NormalizeDeal(raw RawCandidate) (NormalizedDeal, bool) {
	title := str(raw, "title", "deal", "text", "name")
	if title == "" {
		return NormalizedDeal{}, false
	}

	value := 0.0
	currency := "INR"
	if rawValue := str(raw, "value", "amount"); rawValue != "" {
		if v, c, ok := extract.NormalizeValue(rawValue); ok {
			value, currency = v, c
		}
	} else if v, ok := raw["value"].(float64); ok {
		value = v
	}
	if c := strings.ToUpper(str(raw, "currency")); c != "" {
		currency = c
	}

	stage := strings.ToLower(str(raw, "stage"))
	switch stage {
	case "lead", "contacted", "demo", "proposal", "negotiation", "closed_won", "closed_lost":
	default:
		stage = "lead"
	}

	return NormalizedDeal{
		Title:       title,
		Description: str(raw, "description", "desc"),
		Value:       value,
		Currency:    currency,
		Stage:       stage,
		Probability: clamp(num(raw, 50, "probability"), 0, 100),
		Confidence:  clamp(num(raw, 0.5, "confidence", "score"), 0, 1),
		Snippet:     str(raw, "snippet", "audit_snippet", "evidence"),
	}, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
