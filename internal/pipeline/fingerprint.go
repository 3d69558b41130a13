package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/smile/salespipe/internal/domain"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeBody collapses whitespace and lowercases the body so that
// cosmetic differences between redeliveries of the same message do not
// change the fingerprint.
func normalizeBody(body string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(body)), " ")
}

// Fingerprint computes the 256-bit hash that identifies a message for
// idempotency: stable across retries and restarts, derived only from the
// message id and the normalized body so that metadata-only redeliveries
// from the mailbox provider still dedupe.
func Fingerprint(msg *domain.CanonicalMessage) string {
	h := sha256.New()
	h.Write([]byte(msg.MessageID))
	h.Write([]byte(":"))
	h.Write([]byte(normalizeBody(msg.TextBody)))
	return hex.EncodeToString(h.Sum(nil))
}
