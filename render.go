package main

import (
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"chat-session/messagelog"
	"chat-session/models"
	"chat-session/session"
)

var (
	anchorTag = regexp.MustCompile(`<a [^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	lineBreak = regexp.MustCompile(`<br\s*/?>`)
	stripTags = bluemonday.StrictPolicy()
)

// terminalText flattens rich content for a terminal: links become
// "label (url)" and every other tag is dropped.
func terminalText(c models.Content) string {
	if c.Format == models.FormatPlain {
		return c.Text
	}
	s := anchorTag.ReplaceAllString(c.Text, "$2 ($1)")
	s = lineBreak.ReplaceAllString(s, "\n")
	return html.UnescapeString(stripTags.Sanitize(s))
}

func render(m models.Message) string {
	head := fmt.Sprintf("[%s] #%d %s", m.Timestamp(), m.ID, m.Kind)

	switch m.Kind {
	case models.KindThinking:
		return head + " ..."
	case models.KindEmail:
		e := m.Email
		saved := ""
		if e.IsSaved {
			saved = " (saved)"
		}
		body := e.BodyText
		if body == "" {
			body = terminalText(models.RichText(e.BodyHTML))
		}
		return fmt.Sprintf("%s%s\n  Subject: %s\n  Tone: %s  Audience: %s\n  %s",
			head, saved, e.Subject, e.Tone, e.Audience, strings.ReplaceAll(body, "\n", "\n  "))
	case models.KindReviewProposal:
		return head + "\n" + renderProposal(m.Proposal)
	case models.KindConfirmation:
		c := m.Confirmation
		line := fmt.Sprintf("%s %s [%s]", head, c.Prompt, strings.Join(c.Options, " / "))
		if c.Answered {
			line += " -> " + c.Choice
		}
		return line
	}
	return head + " " + terminalText(m.Content)
}

func renderProposal(p *models.ProposalPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  %s\n  Create %s (%s)", p.Prompt, p.ObjectName, p.State)
	if p.IsSaved {
		b.WriteString(" (saved)")
	}
	for _, f := range p.Fields {
		fmt.Fprintf(&b, "\n    %-12s %s = %q", f.Key, f.Label, f.Value)
		if f.IsPicklist {
			fmt.Fprintf(&b, " {%s}", strings.Join(f.PicklistValues, ", "))
		}
	}
	if len(p.RelatedRecords) > 0 {
		fmt.Fprintf(&b, "\n  Related records (%d):", len(p.RelatedRecords))
		for _, r := range p.RelatedRecords {
			fmt.Fprintf(&b, "\n    %s %s <%s>", r.ID, r.Name, r.URL)
		}
	}
	return b.String()
}

// printer echoes log changes to the terminal.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) observe(ch messagelog.Change) {
	if ch.Op == messagelog.OpRemove {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := ""
	if ch.Op == messagelog.OpReplace {
		prefix = "(updated) "
	}
	fmt.Fprintln(p.out, prefix+render(ch.Message))
}

type consoleNotifier struct {
	out    io.Writer
	logger *zap.Logger
}

func (n *consoleNotifier) Notify(title, message string, level session.Level) {
	fmt.Fprintf(n.out, "*** %s: %s ***\n", title, message)
	n.logger.Debug("notification", zap.String("title", title), zap.String("level", string(level)))
}
