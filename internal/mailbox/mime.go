package mailbox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/smile/salespipe/internal/domain"
)

// ParseRFC5322 decodes a raw RFC5322/MIME message into a CanonicalMessage:
// headers parsed case-insensitively, the body taken from the first
// text/plain part found by a pre-order walk, falling back to the first
// text/html part with tags stripped; attachment parts are ignored. A
// synthetic message_id of the form "unknown-<epoch>" is assigned when the
// header is absent.
func ParseRFC5322(raw []byte, receivedAt time.Time) (*domain.CanonicalMessage, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing RFC5322 message: %w", err)
	}

	messageID := strings.Trim(m.Header.Get("Message-Id"), "<>")
	subject := decodeHeader(m.Header.Get("Subject"))

	fromAddr, fromName, err := parseFrom(m.Header.Get("From"))
	if err != nil {
		return nil, fmt.Errorf("parsing From header: %w", err)
	}

	body, hasAttachment, err := extractBody(m.Header, m.Body)
	if err != nil {
		return nil, fmt.Errorf("extracting body: %w", err)
	}

	return domain.NewCanonicalMessage(messageID, subject, fromAddr, fromName, body, hasAttachment, receivedAt)
}

func decodeHeader(raw string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func parseFrom(raw string) (address, name string, err error) {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", "", err
	}
	return strings.ToLower(addr.Address), addr.Name, nil
}

// extractBody walks the MIME tree pre-order, returning the first
// text/plain part's decoded content, or the first text/html part's
// stripped content if no plain part exists, plus whether any part carried
// an attachment disposition.
func extractBody(header mail.Header, body io.Reader) (string, bool, error) {
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		// No content-type header at all: treat the whole body as plain text.
		raw, readErr := io.ReadAll(body)
		if readErr != nil {
			return "", false, readErr
		}
		return string(raw), false, nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		decoded, decErr := decodePart(mediaType, header.Get("Content-Transfer-Encoding"), body)
		if decErr == nil && mediaType == "text/html" {
			decoded = StripHTML(decoded)
		}
		return decoded, false, decErr
	}

	plain, htmlBody, hasAttachment, err := walkMultipart(body, params["boundary"])
	if err != nil {
		return "", hasAttachment, err
	}
	if plain != "" {
		return plain, hasAttachment, nil
	}
	if htmlBody != "" {
		return StripHTML(htmlBody), hasAttachment, nil
	}
	return "", hasAttachment, nil
}

func walkMultipart(body io.Reader, boundary string) (plain, htmlBody string, hasAttachment bool, err error) {
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return plain, htmlBody, hasAttachment, nil
		}
		if err != nil {
			return plain, htmlBody, hasAttachment, err
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, parseErr := mime.ParseMediaType(contentType)
		if parseErr != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedPlain, nestedHTML, nestedAttachment, nestedErr := walkMultipart(part, params["boundary"])
			if nestedErr != nil {
				return plain, htmlBody, hasAttachment, nestedErr
			}
			if plain == "" {
				plain = nestedPlain
			}
			if htmlBody == "" {
				htmlBody = nestedHTML
			}
			hasAttachment = hasAttachment || nestedAttachment
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(strings.ToLower(disposition), "attachment") {
			hasAttachment = true
			continue
		}

		decoded, decErr := decodePart(mediaType, part.Header.Get("Content-Transfer-Encoding"), part)
		if decErr != nil {
			continue
		}

		switch {
		case mediaType == "text/plain" && plain == "":
			plain = decoded
		case mediaType == "text/html" && htmlBody == "":
			htmlBody = decoded
		}
	}
}

func decodePart(mediaType, encoding string, r io.Reader) (string, error) {
	if !strings.HasPrefix(mediaType, "text/") {
		return "", nil
	}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
