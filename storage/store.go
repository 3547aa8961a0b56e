package storage

import (
	"context"
	"errors"
	"time"
)

// Well-known artifact filenames within a {prefix}/{timestamp}/ entry.
const (
	CatalogFile       = "catalog.html"
	SummaryFile       = "recent_summary.html"
	CatalogScriptFile = "catalog_script.py"
	SummaryScriptFile = "summary_script.py"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Comment is one stored user comment on a catalog run.
type Comment struct {
	Filename string `json:"filename"`
	User     string `json:"user"`
	Date     string `json:"date"`
}

// FileInfo describes one stored object.
type FileInfo struct {
	Filename string    `json:"filename"`
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"last_modified"`
}

// Listing groups a run's objects by kind.
type Listing struct {
	HTML     []FileInfo `json:"html"`
	Scripts  []FileInfo `json:"scripts"`
	Comments []FileInfo `json:"comments"`
	Other    []FileInfo `json:"other"`
}

// Store is the artifact store the workflow and API depend on. Objects
// are keyed {prefix}/{timestamp}/{filename}; comments live under a
// comments/ subdirectory of a run entry. The backing implementation
// (filesystem, object storage) is interchangeable.
type Store interface {
	// Write stores an object under {prefix}/{timestamp}/{filename}.
	Write(ctx context.Context, prefix, timestamp, filename string, data []byte) error

	// Read fetches an object; ErrNotFound when absent.
	Read(ctx context.Context, prefix, timestamp, filename string) ([]byte, error)

	// LatestScript returns the newest run timestamp holding the named
	// script, along with the script content. ErrNotFound when no run
	// has one.
	LatestScript(ctx context.Context, prefix, filename string) (timestamp, content string, err error)

	// ListPrefixes returns all top-level prefixes.
	ListPrefixes(ctx context.Context) ([]string, error)

	// ListTimestamps returns a prefix's run timestamps, newest first.
	ListTimestamps(ctx context.Context, prefix string) ([]string, error)

	// ListFiles returns all objects of one run grouped by kind.
	ListFiles(ctx context.Context, prefix, timestamp string) (*Listing, error)

	// WriteComment stores a user comment on a run and returns the
	// generated comment filename.
	WriteComment(ctx context.Context, prefix, timestamp, user, text string) (string, error)

	// ListComments returns a run's comments, newest first.
	ListComments(ctx context.Context, prefix, timestamp string) ([]Comment, error)

	// ReadComment fetches one comment body; ErrNotFound when absent.
	ReadComment(ctx context.Context, prefix, timestamp, filename string) (string, error)
}

// GenerateTimestamp returns the UTC run timestamp used as the second
// key segment.
func GenerateTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
