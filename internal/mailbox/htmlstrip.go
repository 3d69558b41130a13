package mailbox

import (
	"strings"

	"golang.org/x/net/html"
)

// skipElements never contribute text (script/style content is not body
// text even though the tokenizer emits it as text nodes).
var skipElements = map[string]bool{
	"script": true, "style": true, "head": true, "title": true,
}

// blockElements force a line break after they close, so paragraphs and
// list items don't run together.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true,
}

// StripHTML converts an HTML body to plain text by streaming the
// tokenizer and emitting only text nodes outside skipElements, inserting
// a newline after block-level elements.
func StripHTML(htmlBody string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlBody))
	var sb strings.Builder
	var skipDepth int

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return collapseBlankLines(sb.String())
		case html.TextToken:
			if skipDepth == 0 {
				sb.Write(tokenizer.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if skipElements[tag] && tt == html.StartTagToken {
				skipDepth++
			}
			if blockElements[tag] {
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if skipDepth > 0 && skipElements[tag] {
				skipDepth--
			}
			if blockElements[tag] {
				sb.WriteString("\n")
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
