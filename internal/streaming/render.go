// Package streaming mirrors adapter events into a live-edited Telegram
// message per turn.
package streaming

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// MaxMessageLen keeps rendered messages under Telegram's 4096 limit with
// headroom for HTML expansion.
const MaxMessageLen = 3800

var fencedCodeBlockRE = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)\r?\n(.*?)```")

// RenderForTelegram returns the text to send and the parse mode. Text with
// fenced code blocks is rendered as HTML unless the rendered form would
// exceed the message limit, in which case the plain text is kept.
func RenderForTelegram(text string) (string, string) {
	if !strings.Contains(text, "```") {
		return text, ""
	}
	rendered := renderFencedCodeBlocksAsHTML(text)
	if len([]rune(rendered)) > MaxMessageLen {
		return text, ""
	}
	return rendered, "HTML"
}

func renderFencedCodeBlocksAsHTML(text string) string {
	var result []string
	cursor := 0

	for _, match := range fencedCodeBlockRE.FindAllStringSubmatchIndex(text, -1) {
		before := text[cursor:match[0]]
		if before != "" {
			result = append(result, strings.ReplaceAll(html.EscapeString(before), "\n", "<br>"))
		}

		language := strings.TrimSpace(text[match[2]:match[3]])
		code := text[match[4]:match[5]]
		codeEscaped := html.EscapeString(code)
		if language != "" {
			result = append(result, fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`,
				html.EscapeString(language), codeEscaped))
		} else {
			result = append(result, fmt.Sprintf("<pre><code>%s</code></pre>", codeEscaped))
		}
		cursor = match[1]
	}

	tail := text[cursor:]
	if tail != "" {
		result = append(result, strings.ReplaceAll(html.EscapeString(tail), "\n", "<br>"))
	}
	if len(result) == 0 {
		return html.EscapeString(text)
	}
	return strings.Join(result, "")
}

func splitChunks(text string, chunkSize int) []string {
	runes := []rune(text)
	if len(runes) <= chunkSize {
		return []string{text}
	}
	var chunks []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
