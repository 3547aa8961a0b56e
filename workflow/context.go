package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/cataloger/storage"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// Cache is the fragment of a cache the context builder needs. A redis
// manager satisfies it; a nil Cache disables caching.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// CacheMetrics records context-cache effectiveness. A prometheus
// collector satisfies it; nil disables recording.
type CacheMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

const (
	contextCacheTTL  = 15 * time.Minute
	contextCacheType = "context"
)

// StripHTML removes markup and returns the text content, used to shrink
// previous-run context before it is injected into a prompt.
func StripHTML(doc string) string {
	tok := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skipDepth := 0
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := tok.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(tok.Text()))
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
	}
}

type contextParts struct {
	catalog       string
	summary       string
	catalogScript string
	summaryScript string
	comments      []renderedComment
}

type renderedComment struct {
	user string
	date string
	body string
}

// ContextBuilder assembles the feedback document a new run receives
// about the previous run: catalog, summary, session scripts and user
// comments, bundled as HTML and stripped to plain text.
type ContextBuilder struct {
	store   storage.Store
	cache   Cache
	metrics CacheMetrics
	logger  *zap.Logger
}

// NewContextBuilder creates a builder. cache may be nil.
func NewContextBuilder(store storage.Store, cache Cache, logger *zap.Logger) *ContextBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextBuilder{
		store:  store,
		cache:  cache,
		logger: logger.With(zap.String("component", "context_builder")),
	}
}

// SetMetrics installs the cache-effectiveness recorder.
func (c *ContextBuilder) SetMetrics(m CacheMetrics) {
	c.metrics = m
}

// Previous returns the plain-text context of the latest run under
// prefix, or "" when no previous run exists. Failures degrade to an
// empty context: a run must not be blocked by feedback assembly.
func (c *ContextBuilder) Previous(ctx context.Context, prefix string) string {
	timestamps, err := c.store.ListTimestamps(ctx, prefix)
	if err != nil || len(timestamps) == 0 {
		c.logger.Info("no previous run", zap.String("prefix", prefix))
		return ""
	}
	timestamp := timestamps[0]

	cacheKey := fmt.Sprintf("context:%s:%s", prefix, timestamp)
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, cacheKey); err == nil {
			if c.metrics != nil {
				c.metrics.RecordCacheHit(contextCacheType)
			}
			c.logger.Debug("context cache hit", zap.String("key", cacheKey))
			return cached
		}
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(contextCacheType)
		}
	}

	doc, err := c.Build(ctx, prefix, timestamp)
	if err != nil {
		c.logger.Warn("previous context unavailable",
			zap.String("prefix", prefix),
			zap.Error(err),
		)
		return ""
	}

	text := StripHTML(doc)
	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, text, contextCacheTTL); err != nil {
			c.logger.Warn("context cache store failed", zap.Error(err))
		}
	}
	c.logger.Info("previous context generated",
		zap.String("prefix", prefix),
		zap.String("timestamp", timestamp),
		zap.Int("bytes", len(text)),
	)
	return text
}

// Build assembles the context HTML for one run. Every component is
// optional; missing pieces are skipped.
func (c *ContextBuilder) Build(ctx context.Context, prefix, timestamp string) (string, error) {
	var parts contextParts

	g, gctx := errgroup.WithContext(ctx)
	fetch := func(filename string, dst *string) func() error {
		return func() error {
			data, err := c.store.Read(gctx, prefix, timestamp, filename)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			*dst = string(data)
			return nil
		}
	}

	g.Go(fetch(storage.CatalogFile, &parts.catalog))
	g.Go(fetch(storage.SummaryFile, &parts.summary))
	g.Go(fetch(storage.CatalogScriptFile, &parts.catalogScript))
	g.Go(fetch(storage.SummaryScriptFile, &parts.summaryScript))
	g.Go(func() error {
		comments, err := c.store.ListComments(gctx, prefix, timestamp)
		if err != nil {
			return err
		}
		for _, cm := range comments {
			body, err := c.store.ReadComment(gctx, prefix, timestamp, cm.Filename)
			if err != nil {
				continue
			}
			parts.comments = append(parts.comments, renderedComment{
				user: cm.User,
				date: cm.Date,
				body: body,
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("assemble context for %s/%s: %w", prefix, timestamp, err)
	}

	return renderContextHTML(prefix, timestamp, parts), nil
}

func renderContextHTML(prefix, timestamp string, parts contextParts) string {
	var b strings.Builder
	b.WriteString("<html><head><title>Previous Catalog Context</title></head><body>\n")
	fmt.Fprintf(&b, "<h1>Previous catalog run: %s @ %s</h1>\n", prefix, timestamp)

	section := func(title, content string) {
		if content == "" {
			return
		}
		fmt.Fprintf(&b, "<h2>%s</h2>\n<div>%s</div>\n", title, content)
	}
	section("Catalog", parts.catalog)
	section("Summary", parts.summary)
	if parts.catalogScript != "" {
		section("Catalog session script", "<pre>"+parts.catalogScript+"</pre>")
	}
	if parts.summaryScript != "" {
		section("Summary session script", "<pre>"+parts.summaryScript+"</pre>")
	}

	if len(parts.comments) > 0 {
		b.WriteString("<h2>User feedback</h2>\n")
		for _, cm := range parts.comments {
			fmt.Fprintf(&b, "<div><b>%s</b> (%s): %s</div>\n", cm.user, cm.date, cm.body)
		}
	}

	b.WriteString("</body></html>")
	return b.String()
}
