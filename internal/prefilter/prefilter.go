// Package prefilter applies the deterministic, no-external-call rejection
// and scoring pass between Classify and Extract: spam-phrase rejection,
// all-caps rejection, business-relevance scoring, and smart truncation.
package prefilter

import (
	"fmt"
	"strings"
)

const (
	minContentLength = 20
	elisionMarker    = "\n\n[... content truncated ...]\n\n"
)

var spamPatterns = []string{
	"unsubscribe", "opt-out", "opt out",
	"lottery", "you've won", "you have won", "congratulations you",
	"viagra", "cialis", "pharmacy",
	"nigerian prince", "inheritance", "next of kin",
}

var businessKeywords = []string{
	"pricing", "quote", "proposal", "contract", "demo", "trial",
	"budget", "procurement", "vendor", "partnership", "integration",
	"meeting", "schedule a call", "discuss", "requirements",
	"implementation", "onboarding", "renewal", "invoice", "purchase order",
	"rfp", "sow", "timeline", "decision maker", "stakeholder",
	"roi", "enterprise plan",
}

var priorityDomains = []string{"gmail.com", "outlook.com", "yahoo.com"}

// Result is the outcome of running a message through the prefilter.
type Result struct {
	Passed  bool
	Reason  string // populated when Passed is false
	Score   float64
	Body    string // possibly truncated
}

// Config bounds prefilter behavior; MaxContentLength is configuration
// (spec's prefilter_max_content_length).
type Config struct {
	MaxContentLength int
}

// Run applies the deterministic rejection and scoring rules to a message
// body and subject, returning a filtered body and score, or a skip
// verdict.
func Run(cfg Config, subject, body, senderDomain string, hasAttachment bool) Result {
	trimmed := strings.TrimSpace(body)
	if len(trimmed) < minContentLength {
		return Result{Passed: false, Reason: "too_short"}
	}

	if isSpam(subject, trimmed) {
		return Result{Passed: false, Reason: "spam_pattern"}
	}

	if isShouting(trimmed) {
		return Result{Passed: false, Reason: "excessive_caps"}
	}

	score := businessScore(subject, trimmed, senderDomain, hasAttachment)
	if score < 0.05 {
		return Result{Passed: false, Reason: "low_business_relevance", Score: score}
	}

	maxLen := cfg.MaxContentLength
	if maxLen <= 0 {
		maxLen = 5000
	}
	truncated := smartTruncate(trimmed, maxLen)

	return Result{Passed: true, Score: score, Body: truncated}
}

func isSpam(subject, body string) bool {
	haystack := strings.ToLower(subject + " " + body)
	for _, p := range spamPatterns {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

// isShouting reports whether more than half the alphabetic characters in
// the body are uppercase.
func isShouting(body string) bool {
	var upper, alpha int
	for _, r := range body {
		switch {
		case r >= 'A' && r <= 'Z':
			upper++
			alpha++
		case r >= 'a' && r <= 'z':
			alpha++
		}
	}
	if alpha == 0 {
		return false
	}
	return float64(upper)/float64(alpha) > 0.5
}

// businessScore computes a [0,1] business-relevance score from keyword
// matches in subject (weighted higher) and body, a priority-domain bonus,
// and attachment presence.
func businessScore(subject, body, senderDomain string, hasAttachment bool) float64 {
	lowerSubject := strings.ToLower(subject)
	lowerBody := strings.ToLower(body)

	var bodyHits, subjectHits int
	for _, kw := range businessKeywords {
		if strings.Contains(lowerBody, kw) {
			bodyHits++
		}
		if strings.Contains(lowerSubject, kw) {
			subjectHits++
		}
	}

	bodyScore := minFloat(float64(bodyHits)*0.1, 0.5)
	subjectScore := minFloat(float64(subjectHits)*0.1, 0.3)

	score := bodyScore + subjectScore
	if HasPriorityDomain(senderDomain) {
		score += 0.05
	}
	if hasAttachment {
		score += 0.1
	}
	return minFloat(score, 1.0)
}

// HasPriorityDomain reports whether the sender's domain is one of the
// common freemail providers that receive a small scoring bonus.
func HasPriorityDomain(senderDomain string) bool {
	senderDomain = strings.ToLower(senderDomain)
	for _, d := range priorityDomains {
		if senderDomain == d {
			return true
		}
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// smartTruncate preserves the first 60% and last 20% of the body, joined
// by an explicit elision marker, never exceeding maxLen when maxLen is at
// least 38 bytes; below that, the marker and the 20% tail alone are longer
// than maxLen. A body already within the limit is returned unchanged (the
// identity law).
func smartTruncate(body string, maxLen int) string {
	if len(body) <= maxLen {
		return body
	}
	headLen := int(float64(maxLen) * 0.6)
	tailLen := int(float64(maxLen) * 0.2)
	if headLen+tailLen+len(elisionMarker) > maxLen {
		headLen = maxLen - tailLen - len(elisionMarker)
		if headLen < 0 {
			headLen = 0
		}
	}
	head := body[:headLen]
	tail := body[len(body)-tailLen:]
	return fmt.Sprintf("%s%s%s", head, elisionMarker, tail)
}
