package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// FileStore keeps artifacts on the local filesystem using the same
// {prefix}/{timestamp}/{filename} layout as the object-store backends,
// so entries written locally can be synced up verbatim.
type FileStore struct {
	root   string
	logger *zap.Logger
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{
		root:   dir,
		logger: logger.With(zap.String("component", "file_store")),
	}, nil
}

// cleanSegment rejects path escapes in a single key segment.
func cleanSegment(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty key segment")
	}
	if strings.ContainsAny(s, "/\\") || s == "." || s == ".." {
		return "", fmt.Errorf("invalid key segment %q", s)
	}
	return s, nil
}

func (s *FileStore) entryPath(prefix, timestamp string, extra ...string) (string, error) {
	p, err := cleanSegment(prefix)
	if err != nil {
		return "", err
	}
	ts, err := cleanSegment(timestamp)
	if err != nil {
		return "", err
	}
	parts := append([]string{s.root, p, ts}, extra...)
	return filepath.Join(parts...), nil
}

func (s *FileStore) Write(_ context.Context, prefix, timestamp, filename string, data []byte) error {
	name, err := cleanSegment(filename)
	if err != nil {
		return err
	}
	path, err := s.entryPath(prefix, timestamp, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create entry dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s/%s/%s: %w", prefix, timestamp, filename, err)
	}
	s.logger.Info("object written",
		zap.String("prefix", prefix),
		zap.String("timestamp", timestamp),
		zap.String("filename", filename),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (s *FileStore) Read(_ context.Context, prefix, timestamp, filename string) ([]byte, error) {
	name, err := cleanSegment(filename)
	if err != nil {
		return nil, err
	}
	path, err := s.entryPath(prefix, timestamp, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s/%s: %w", prefix, timestamp, filename, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s/%s: %w", prefix, timestamp, filename, err)
	}
	return data, nil
}

func (s *FileStore) LatestScript(ctx context.Context, prefix, filename string) (string, string, error) {
	timestamps, err := s.ListTimestamps(ctx, prefix)
	if err != nil {
		return "", "", err
	}
	for _, ts := range timestamps {
		data, err := s.Read(ctx, prefix, ts, filename)
		if err == nil {
			return ts, string(data), nil
		}
	}
	return "", "", fmt.Errorf("no %s under prefix %s: %w", filename, prefix, ErrNotFound)
}

func (s *FileStore) ListPrefixes(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list prefixes: %w", err)
	}
	var prefixes []string
	for _, e := range entries {
		if e.IsDir() {
			prefixes = append(prefixes, e.Name())
		}
	}
	sort.Strings(prefixes)
	return prefixes, nil
}

func (s *FileStore) ListTimestamps(_ context.Context, prefix string) ([]string, error) {
	p, err := cleanSegment(prefix)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, p))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list timestamps for %s: %w", prefix, err)
	}
	var timestamps []string
	for _, e := range entries {
		if e.IsDir() {
			timestamps = append(timestamps, e.Name())
		}
	}
	// ISO-8601 sorts lexicographically; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(timestamps)))
	return timestamps, nil
}

func (s *FileStore) ListFiles(_ context.Context, prefix, timestamp string) (*Listing, error) {
	dir, err := s.entryPath(prefix, timestamp)
	if err != nil {
		return nil, err
	}

	listing := &Listing{}
	add := func(relDir, name string) error {
		full := filepath.Join(dir, relDir, name)
		info, err := os.Stat(full)
		if err != nil {
			return err
		}
		fi := FileInfo{
			Filename: name,
			Key:      strings.TrimPrefix(filepath.ToSlash(filepath.Join(prefix, timestamp, relDir, name)), "./"),
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
		switch {
		case relDir == "comments":
			listing.Comments = append(listing.Comments, fi)
		case strings.HasSuffix(name, ".html"):
			listing.HTML = append(listing.HTML, fi)
		case strings.HasSuffix(name, ".py"):
			listing.Scripts = append(listing.Scripts, fi)
		default:
			listing.Other = append(listing.Other, fi)
		}
		return nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return listing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list files for %s/%s: %w", prefix, timestamp, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if e.Name() != "comments" {
				continue
			}
			comments, err := os.ReadDir(filepath.Join(dir, "comments"))
			if err != nil {
				continue
			}
			for _, c := range comments {
				if !c.IsDir() {
					_ = add("comments", c.Name())
				}
			}
			continue
		}
		_ = add("", e.Name())
	}
	return listing, nil
}

func (s *FileStore) WriteComment(_ context.Context, prefix, timestamp, user, text string) (string, error) {
	u, err := cleanSegment(user)
	if err != nil {
		return "", fmt.Errorf("invalid user: %w", err)
	}
	filename := fmt.Sprintf("%s-%s.txt", u, GenerateTimestamp())
	path, err := s.entryPath(prefix, timestamp, "comments", filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create comments dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write comment: %w", err)
	}
	s.logger.Info("comment written",
		zap.String("prefix", prefix),
		zap.String("timestamp", timestamp),
		zap.String("user", user),
	)
	return filename, nil
}

func (s *FileStore) ListComments(_ context.Context, prefix, timestamp string) ([]Comment, error) {
	dir, err := s.entryPath(prefix, timestamp, "comments")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	var comments []Comment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		// Filename layout: {user}-{timestamp}.txt; the user part may
		// itself contain dashes.
		base := strings.TrimSuffix(name, ".txt")
		if commentSplit(base) <= 0 {
			continue
		}
		comments = append(comments, Comment{
			Filename: name,
			User:     trimCommentUser(base),
			Date:     commentDate(base),
		})
	}
	sort.Slice(comments, func(i, j int) bool { return comments[i].Date > comments[j].Date })
	return comments, nil
}

func (s *FileStore) ReadComment(_ context.Context, prefix, timestamp, filename string) (string, error) {
	name, err := cleanSegment(filename)
	if err != nil {
		return "", err
	}
	path, err := s.entryPath(prefix, timestamp, "comments", name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("comment %s: %w", filename, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read comment %s: %w", filename, err)
	}
	return string(data), nil
}

// Comment timestamps look like 2024-01-15T10:00:00Z, which contains
// dashes itself, so split at the dash preceding the date.
func commentSplit(base string) int {
	// The timestamp is the last 20 characters; the dash before it
	// separates it from the user.
	const tsLen = len("2006-01-02T15:04:05Z")
	if len(base) <= tsLen {
		return -1
	}
	if base[len(base)-tsLen-1] != '-' {
		return -1
	}
	return len(base) - tsLen - 1
}

func trimCommentUser(base string) string {
	if i := commentSplit(base); i > 0 {
		return base[:i]
	}
	return base
}

func commentDate(base string) string {
	if i := commentSplit(base); i >= 0 {
		return base[i+1:]
	}
	return ""
}
