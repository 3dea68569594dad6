// Copyright 2024-2026 Aiku AI

package notify

import (
	"html"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	noticeBoldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	noticeStrikeRe = regexp.MustCompile(`~~(.+?)~~`)
	noticeCodeRe   = regexp.MustCompile("`([^`]+)`")
	noticeLinkRe   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	noticeItemRe   = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
)

// renderNotice turns a status or alert text written in Mattermost-flavoured
// markdown into a Matrix notice. Plain text stays plain; otherwise an HTML
// body is added next to the original text.
func renderNotice(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	if !hasMarkdown(text) {
		return content
	}

	var out []string
	var items []string
	flush := func() {
		if len(items) > 0 {
			out = append(out, "<ul>"+strings.Join(items, "")+"</ul>")
			items = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if m := noticeItemRe.FindStringSubmatch(line); m != nil {
			items = append(items, "<li>"+renderInline(m[1])+"</li>")
			continue
		}
		flush()
		out = append(out, renderInline(line))
	}
	flush()

	content.Format = event.FormatHTML
	content.FormattedBody = strings.ReplaceAll(strings.Join(out, "\n"), "</ul>\n", "</ul>")
	content.FormattedBody = strings.ReplaceAll(content.FormattedBody, "\n", "<br/>")
	return content
}

func hasMarkdown(text string) bool {
	return noticeBoldRe.MatchString(text) ||
		noticeStrikeRe.MatchString(text) ||
		noticeCodeRe.MatchString(text) ||
		noticeLinkRe.MatchString(text) ||
		noticeItemRe.MatchString(text)
}

func renderInline(line string) string {
	// Code spans are cut out first so their content is not formatted.
	var spans []string
	line = noticeCodeRe.ReplaceAllStringFunc(line, func(match string) string {
		spans = append(spans, "<code>"+html.EscapeString(match[1:len(match)-1])+"</code>")
		return "\x00"
	})

	line = html.EscapeString(line)
	line = noticeBoldRe.ReplaceAllString(line, "<strong>$1</strong>")
	line = noticeStrikeRe.ReplaceAllString(line, "<del>$1</del>")
	line = noticeLinkRe.ReplaceAllStringFunc(line, func(match string) string {
		parts := noticeLinkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(html.UnescapeString(href)))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		return label
	})

	for _, span := range spans {
		line = strings.Replace(line, "\x00", span, 1)
	}
	return line
}
