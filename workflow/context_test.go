package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/cataloger/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string]string)}
}

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, nil
	}
	return "", assert.AnError
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

type countingCacheMetrics struct {
	mu     sync.Mutex
	hits   int
	misses int
}

func (m *countingCacheMetrics) RecordCacheHit(string) {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *countingCacheMetrics) RecordCacheMiss(string) {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

func TestStripHTML(t *testing.T) {
	doc := `<html><head><style>body { color: red }</style>
<script>alert("hi")</script></head>
<body><h1>Orders table</h1><p>Contains <b>12</b> columns.</p></body></html>`

	text := StripHTML(doc)
	assert.Contains(t, text, "Orders table")
	assert.Contains(t, text, "12")
	assert.Contains(t, text, "columns.")
	assert.NotContains(t, text, "<h1>")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color: red")
}

func TestStripHTMLPlainText(t *testing.T) {
	assert.Equal(t, "just text", StripHTML("just text"))
	assert.Equal(t, "", StripHTML(""))
}

func TestBuildBundlesRunArtifacts(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()
	ts := "2026-08-01T10:00:00Z"

	require.NoError(t, store.Write(ctx, "sales_db", ts, storage.CatalogFile, []byte("<p>orders: 3 tables</p>")))
	require.NoError(t, store.Write(ctx, "sales_db", ts, storage.CatalogScriptFile, []byte("# inspected schema")))
	_, err = store.WriteComment(ctx, "sales_db", ts, "alice", "please include row counts")
	require.NoError(t, err)

	b := NewContextBuilder(store, nil, zaptest.NewLogger(t))
	doc, err := b.Build(ctx, "sales_db", ts)
	require.NoError(t, err)

	assert.Contains(t, doc, "orders: 3 tables")
	assert.Contains(t, doc, "# inspected schema")
	assert.Contains(t, doc, "please include row counts")
	assert.Contains(t, doc, "alice")
	// Missing summary artifacts are skipped, not rendered empty.
	assert.NotContains(t, doc, "Summary session script")
}

func TestPreviousEmptyWithoutRuns(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	b := NewContextBuilder(store, nil, zaptest.NewLogger(t))
	assert.Empty(t, b.Previous(context.Background(), "fresh_db"))
}

func TestPreviousUsesLatestRunAndCaches(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "sales_db", "2026-08-01T10:00:00Z", storage.CatalogFile, []byte("<p>old run</p>")))
	require.NoError(t, store.Write(ctx, "sales_db", "2026-08-02T10:00:00Z", storage.CatalogFile, []byte("<p>new run</p>")))

	cache := newMapCache()
	b := NewContextBuilder(store, cache, zaptest.NewLogger(t))

	text := b.Previous(ctx, "sales_db")
	assert.Contains(t, text, "new run")
	assert.NotContains(t, text, "old run")
	assert.NotContains(t, text, "<p>")
	assert.Equal(t, 1, cache.sets)

	// Second call is served from cache.
	again := b.Previous(ctx, "sales_db")
	assert.Equal(t, text, again)
	assert.Equal(t, 1, cache.sets)
}

func TestPreviousRecordsCacheHitAndMiss(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "sales_db", "2026-08-01T10:00:00Z", storage.CatalogFile, []byte("<p>run</p>")))

	metrics := &countingCacheMetrics{}
	b := NewContextBuilder(store, newMapCache(), zaptest.NewLogger(t))
	b.SetMetrics(metrics)

	b.Previous(ctx, "sales_db")
	assert.Equal(t, 0, metrics.hits)
	assert.Equal(t, 1, metrics.misses)

	b.Previous(ctx, "sales_db")
	assert.Equal(t, 1, metrics.hits)
	assert.Equal(t, 1, metrics.misses)
}
