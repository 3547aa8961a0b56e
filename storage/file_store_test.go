package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Write(ctx, "sales_db", "2026-08-01T10:00:00Z", CatalogFile, []byte("<html>catalog</html>"))
	require.NoError(t, err)

	data, err := s.Read(ctx, "sales_db", "2026-08-01T10:00:00Z", CatalogFile)
	require.NoError(t, err)
	assert.Equal(t, "<html>catalog</html>", string(data))
}

func TestReadMissingObject(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(context.Background(), "sales_db", "2026-08-01T10:00:00Z", CatalogFile)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeySegmentValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Write(ctx, "../escape", "ts", "f.html", nil))
	assert.Error(t, s.Write(ctx, "p", "a/b", "f.html", nil))
	assert.Error(t, s.Write(ctx, "p", "ts", "..", nil))
	_, err := s.Read(ctx, "p", "ts", "a\\b")
	assert.Error(t, err)
}

func TestListTimestampsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ts := range []string{"2026-08-01T10:00:00Z", "2026-08-03T10:00:00Z", "2026-08-02T10:00:00Z"} {
		require.NoError(t, s.Write(ctx, "sales_db", ts, CatalogFile, []byte("x")))
	}

	got, err := s.ListTimestamps(ctx, "sales_db")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2026-08-03T10:00:00Z",
		"2026-08-02T10:00:00Z",
		"2026-08-01T10:00:00Z",
	}, got)
}

func TestListPrefixes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "beta_db", "2026-08-01T10:00:00Z", CatalogFile, []byte("x")))
	require.NoError(t, s.Write(ctx, "alpha_db", "2026-08-01T10:00:00Z", CatalogFile, []byte("x")))

	got, err := s.ListPrefixes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha_db", "beta_db"}, got)
}

func TestLatestScriptSkipsRunsWithoutOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "sales_db", "2026-08-01T10:00:00Z", CatalogScriptFile, []byte("# old script")))
	// Newest run has a catalog but no script.
	require.NoError(t, s.Write(ctx, "sales_db", "2026-08-02T10:00:00Z", CatalogFile, []byte("<html/>")))

	ts, content, err := s.LatestScript(ctx, "sales_db", CatalogScriptFile)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-01T10:00:00Z", ts)
	assert.Equal(t, "# old script", content)
}

func TestLatestScriptNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.LatestScript(context.Background(), "empty_db", CatalogScriptFile)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFilesGroupsByKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := "2026-08-01T10:00:00Z"

	require.NoError(t, s.Write(ctx, "sales_db", ts, CatalogFile, []byte("<html/>")))
	require.NoError(t, s.Write(ctx, "sales_db", ts, CatalogScriptFile, []byte("# script")))
	require.NoError(t, s.Write(ctx, "sales_db", ts, "notes.json", []byte("{}")))
	_, err := s.WriteComment(ctx, "sales_db", ts, "alice", "looks good")
	require.NoError(t, err)

	listing, err := s.ListFiles(ctx, "sales_db", ts)
	require.NoError(t, err)
	assert.Len(t, listing.HTML, 1)
	assert.Len(t, listing.Scripts, 1)
	assert.Len(t, listing.Comments, 1)
	assert.Len(t, listing.Other, 1)
	assert.Equal(t, CatalogFile, listing.HTML[0].Filename)
	assert.Equal(t, "sales_db/"+ts+"/"+CatalogFile, listing.HTML[0].Key)
}

func TestCommentsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := "2026-08-01T10:00:00Z"

	first, err := s.WriteComment(ctx, "sales_db", ts, "alice", "first impression")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond) // comment filenames have second resolution
	second, err := s.WriteComment(ctx, "sales_db", ts, "bob-smith", "second opinion")
	require.NoError(t, err)

	comments, err := s.ListComments(ctx, "sales_db", ts)
	require.NoError(t, err)
	require.Len(t, comments, 2)

	// Newest first, dashed usernames parsed intact.
	assert.Equal(t, second, comments[0].Filename)
	assert.Equal(t, "bob-smith", comments[0].User)
	assert.Equal(t, first, comments[1].Filename)
	assert.Equal(t, "alice", comments[1].User)

	body, err := s.ReadComment(ctx, "sales_db", ts, first)
	require.NoError(t, err)
	assert.Equal(t, "first impression", body)
}

func TestReadCommentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadComment(context.Background(), "sales_db", "2026-08-01T10:00:00Z", "ghost-2026-08-01T10:00:00Z.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenerateTimestampFormat(t *testing.T) {
	ts := GenerateTimestamp()
	parsed, err := time.Parse("2006-01-02T15:04:05Z", ts)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, time.Minute)
}
