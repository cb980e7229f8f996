// Package format turns raw chat text into renderable content.
//
// Agent text uses a markdown-lite dialect: only [label](url) links and
// newlines are recognised. User text may contain bare URLs, which become
// links, or hyperlink markup pasted from a rich text box, which is kept.
package format

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"chat-session/models"
)

var (
	markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	bareURL      = regexp.MustCompile(`https?://[^\s<]+`)
)

// Formatter renders text. With sanitizing enabled every rich result, and
// every backend HTML fragment, is passed through a UGC policy.
type Formatter struct {
	policy *bluemonday.Policy
}

func New(sanitize bool) *Formatter {
	f := &Formatter{}
	if sanitize {
		p := bluemonday.UGCPolicy()
		p.AddTargetBlankToFullyQualifiedLinks(true)
		p.AllowAttrs("class").OnElements("a")
		f.policy = p
	}
	return f
}

// Message formats agent text. skipMarkdown is set when the text already
// carries anchors produced by link enrichment.
func (f *Formatter) Message(text string, skipMarkdown bool) models.Content {
	if text == "" {
		return models.RichText("")
	}
	out := text
	if !skipMarkdown {
		out = markdownLink.ReplaceAllString(out, `<a href="$2" target="_blank">$1</a>`)
	}
	out = strings.ReplaceAll(out, "\n", "<br/>")
	return models.RichText(f.clean(out))
}

// UserText formats the echo of locally typed text.
func (f *Formatter) UserText(text string) models.Content {
	if strings.Contains(text, "<a ") {
		return models.RichText(f.clean(text))
	}
	if !bareURL.MatchString(text) {
		return models.PlainText(text)
	}

	var b strings.Builder
	last := 0
	for _, loc := range bareURL.FindAllStringIndex(text, -1) {
		b.WriteString(html.EscapeString(text[last:loc[0]]))
		u := text[loc[0]:loc[1]]
		b.WriteString(`<a href="` + html.EscapeString(u) + `" target="_blank">` + html.EscapeString(u) + `</a>`)
		last = loc[1]
	}
	b.WriteString(html.EscapeString(text[last:]))
	return models.RichText(f.clean(b.String()))
}

// BackendHTML returns a backend-supplied HTML fragment ready to render.
func (f *Formatter) BackendHTML(s string) string {
	return f.clean(s)
}

func (f *Formatter) clean(s string) string {
	if f.policy == nil {
		return s
	}
	return f.policy.Sanitize(s)
}

// Anchor builds the link inserted for a resolved record.
func Anchor(url, label string) string {
	return `<a href="` + html.EscapeString(url) + `" target="_blank" class="record-link">` + html.EscapeString(label) + `</a>`
}
