// Package enrich resolves record links after a message has been shown.
package enrich

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-session/format"
	"chat-session/metrics"
	"chat-session/models"
)

// Resolver is the link lookup the worker depends on.
type Resolver interface {
	Resolve(ctx context.Context, recordID, objectKind string) (string, error)
}

type Config struct {
	// Placeholder is used for records whose link could not be resolved.
	Placeholder string
	// Timeout bounds one batch of lookups.
	Timeout     time.Duration
	Concurrency int
}

func DefaultConfig() Config {
	return Config{Placeholder: "#", Timeout: 10 * time.Second, Concurrency: 4}
}

type Worker struct {
	resolver Resolver
	cfg      Config
	logger   *zap.Logger
}

func New(r Resolver, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{resolver: r, cfg: cfg, logger: logger.With(zap.String("component", "enrich"))}
}

type lookup struct {
	kind   string
	record models.Record
	url    string
	err    error
}

// resolveAll resolves every lookup concurrently. Results land in place, so
// the caller sees them in input order.
func (w *Worker) resolveAll(ctx context.Context, items []lookup) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			it := &items[i]
			it.url, it.err = w.resolver.Resolve(ctx, it.record.ID, it.kind)
			if it.err != nil {
				metrics.LinkResolutions.WithLabelValues("fallback").Inc()
				w.logger.Warn("link resolution failed",
					zap.String("record_id", it.record.ID),
					zap.String("object", it.kind),
					zap.Error(it.err))
			} else {
				metrics.LinkResolutions.WithLabelValues("ok").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ResolveRecords returns one related record per input, in input order. Failed
// lookups get the placeholder URL.
func (w *Worker) ResolveRecords(ctx context.Context, records []models.Record, objectKind string) []models.RelatedRecord {
	start := time.Now()
	defer func() {
		metrics.EnrichmentDuration.WithLabelValues("proposal").Observe(time.Since(start).Seconds())
	}()

	items := make([]lookup, len(records))
	for i, r := range records {
		items[i] = lookup{kind: objectKind, record: r}
	}
	w.resolveAll(ctx, items)

	out := make([]models.RelatedRecord, len(items))
	for i, it := range items {
		u := it.url
		if it.err != nil || u == "" {
			u = w.cfg.Placeholder
		}
		out[i] = models.RelatedRecord{ID: it.record.ID, Name: it.record.Name, Email: it.record.Email, URL: u}
	}
	return out
}

// LinkifyText links every created record into text. A record's name is
// matched case-insensitively everywhere; failing that the first occurrence
// of its id is replaced; failing that a "View:" line is appended. Records
// whose lookup fails are left out. The bool reports whether text changed.
func (w *Worker) LinkifyText(ctx context.Context, text string, created map[string][]models.Record) (string, bool) {
	start := time.Now()
	defer func() {
		metrics.EnrichmentDuration.WithLabelValues("agent").Observe(time.Since(start).Seconds())
	}()

	kinds := make([]string, 0, len(created))
	for k := range created {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	var items []lookup
	for _, k := range kinds {
		for _, r := range created[k] {
			items = append(items, lookup{kind: k, record: r})
		}
	}
	w.resolveAll(ctx, items)

	var (
		spans    []span
		appended strings.Builder
	)
	for _, it := range items {
		if it.err != nil {
			continue
		}
		label := it.record.Name
		if label == "" {
			label = it.record.ID
		}
		anchor := format.Anchor(it.url, label)

		if it.record.Name != "" {
			re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(it.record.Name))
			hit := false
			for _, loc := range re.FindAllStringIndex(text, -1) {
				if claimed(spans, loc[0], loc[1]) {
					continue
				}
				spans = append(spans, span{start: loc[0], end: loc[1], anchor: anchor})
				hit = true
			}
			if hit {
				continue
			}
		}
		if it.record.ID != "" {
			if start := firstFree(text, it.record.ID, spans); start >= 0 {
				spans = append(spans, span{start: start, end: start + len(it.record.ID), anchor: anchor})
				continue
			}
		}
		appended.WriteString(" <br/>View: " + anchor)
	}
	if len(spans) == 0 && appended.Len() == 0 {
		return text, false
	}

	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	var b strings.Builder
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.start])
		b.WriteString(s.anchor)
		last = s.end
	}
	b.WriteString(text[last:])
	b.WriteString(appended.String())
	return b.String(), true
}

// span is a region of the original reply text replaced by an anchor. Matches
// are only taken from the original text, so one record's anchor markup is
// never rewritten by another record.
type span struct {
	start, end int
	anchor     string
}

func claimed(spans []span, start, end int) bool {
	for _, s := range spans {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}

func firstFree(text, sub string, spans []span) int {
	for off := 0; off <= len(text)-len(sub); {
		i := strings.Index(text[off:], sub)
		if i < 0 {
			return -1
		}
		start := off + i
		if !claimed(spans, start, start+len(sub)) {
			return start
		}
		off = start + 1
	}
	return -1
}
