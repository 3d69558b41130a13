package prefilter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_TooShort(t *testing.T) {
	r := Run(Config{MaxContentLength: 5000}, "hi", "short", "external.example", false)
	assert.False(t, r.Passed)
	assert.Equal(t, "too_short", r.Reason)
}

func TestRun_SpamPattern(t *testing.T) {
	body := "Click here to unsubscribe from our newsletter immediately, thanks!"
	r := Run(Config{MaxContentLength: 5000}, "Marketing blast", body, "external.example", false)
	assert.False(t, r.Passed)
	assert.Equal(t, "spam_pattern", r.Reason)
}

func TestRun_ExcessiveCaps(t *testing.T) {
	body := "THIS IS AN URGENT MESSAGE YOU MUST READ IMMEDIATELY RIGHT NOW PLEASE"
	r := Run(Config{MaxContentLength: 5000}, "urgent", body, "external.example", false)
	assert.False(t, r.Passed)
	assert.Equal(t, "excessive_caps", r.Reason)
}

func TestRun_LowBusinessRelevance(t *testing.T) {
	body := "Hey, just checking in to see how your weekend was, hope all is well."
	r := Run(Config{MaxContentLength: 5000}, "Hello", body, "external.example", false)
	assert.False(t, r.Passed)
	assert.Equal(t, "low_business_relevance", r.Reason)
}

func TestRun_Passes_SalesLead(t *testing.T) {
	body := "We'd like a quote and pricing for 200 seats, can we schedule a demo and discuss the proposal and contract timeline?"
	r := Run(Config{MaxContentLength: 5000}, "Quote for 200 seats", body, "external.example", false)
	assert.True(t, r.Passed)
	assert.Greater(t, r.Score, 0.05)
}

func TestRun_PriorityDomainAndAttachmentRaiseScore(t *testing.T) {
	body := "We'd like a quote and pricing for 200 seats, can we schedule a demo and discuss the proposal and contract timeline?"
	base := Run(Config{MaxContentLength: 5000}, "Quote for 200 seats", body, "external.example", false)
	boosted := Run(Config{MaxContentLength: 5000}, "Quote for 200 seats", body, "gmail.com", true)
	assert.True(t, boosted.Passed)
	assert.Greater(t, boosted.Score, base.Score)
}

func TestHasPriorityDomain(t *testing.T) {
	assert.True(t, HasPriorityDomain("gmail.com"))
	assert.True(t, HasPriorityDomain("Gmail.com"))
	assert.False(t, HasPriorityDomain("external.example"))
}

func TestSmartTruncate_IdentityWhenShort(t *testing.T) {
	body := "short body under the limit"
	assert.Equal(t, body, smartTruncate(body, 5000))
}

func TestSmartTruncate_PreservesHeadAndTail(t *testing.T) {
	body := strings.Repeat("a", 1000) + "MIDDLE" + strings.Repeat("b", 1000)
	out := smartTruncate(body, 500)
	assert.LessOrEqual(t, len(out), 500) // marker included, the result stays within maxLen
	assert.True(t, strings.HasPrefix(out, "aaa"))
	assert.True(t, strings.HasSuffix(out, "bbb"))
	assert.Contains(t, out, "truncated")
}
