package handlers

import (
	"context"
	"errors"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/BaSui01/cataloger/internal/ctxkeys"
	"github.com/BaSui01/cataloger/runtime"
	"github.com/BaSui01/cataloger/storage"
	"github.com/BaSui01/cataloger/workflow"

	"go.uber.org/zap"
)

// CatalogRunner executes one catalog workflow run.
type CatalogRunner interface {
	Run(ctx context.Context, req workflow.Request) (*workflow.Result, error)
}

// ContextProvider assembles the previous-run context for a prefix.
type ContextProvider interface {
	Previous(ctx context.Context, prefix string) string
}

// CatalogHandler serves catalog runs and stored artifacts.
type CatalogHandler struct {
	runner   CatalogRunner
	store    storage.Store
	contexts ContextProvider
	logger   *zap.Logger
}

// NewCatalogHandler creates the handler. contexts may be nil, which
// disables the context endpoint.
func NewCatalogHandler(runner CatalogRunner, store storage.Store, contexts ContextProvider, logger *zap.Logger) *CatalogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogHandler{
		runner:   runner,
		store:    store,
		contexts: contexts,
		logger:   logger.With(zap.String("component", "catalog_handler")),
	}
}

// RunRequest is the body of POST /api/v1/catalog.
type RunRequest struct {
	// ConnectionString of the data source to catalog. Passed to the
	// evaluation runtime's environment, never echoed back.
	ConnectionString string `json:"connection_string"`

	// Tables scopes the run; empty catalogs everything reachable.
	Tables []string `json:"tables,omitempty"`

	// Prefix keys the run's artifacts in the store.
	Prefix string `json:"prefix"`
}

// CommentRequest is the body of the comment creation endpoint.
type CommentRequest struct {
	User string `json:"user,omitempty"`
	Text string `json:"text"`
}

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// HandleRun runs the two-phase catalog workflow synchronously and
// returns the run manifest.
func (h *CatalogHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}

	if req.ConnectionString == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "connection_string is required", h.logger)
		return
	}
	if !prefixPattern.MatchString(req.Prefix) {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "prefix must be a simple name", h.logger)
		return
	}

	logger := h.logger.With(zap.String("prefix", req.Prefix))
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		logger = logger.With(zap.String("request_id", id))
	}
	logger.Info("catalog run requested", zap.Int("tables", len(req.Tables)))

	result, err := h.runner.Run(r.Context(), workflow.Request{
		ConnectionString: req.ConnectionString,
		Tables:           req.Tables,
		Prefix:           req.Prefix,
	})
	if err != nil {
		if errors.Is(err, runtime.ErrAcquireTimeout) || errors.Is(err, runtime.ErrPoolClosed) {
			WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, "no evaluation runtime available", logger)
			return
		}
		WriteError(w, http.StatusBadGateway, CodeRunFailed, err.Error(), logger)
		return
	}

	WriteSuccess(w, result)
}

// HandleListPrefixes lists all catalog prefixes.
func (h *CatalogHandler) HandleListPrefixes(w http.ResponseWriter, r *http.Request) {
	prefixes, err := h.store.ListPrefixes(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to list prefixes", h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"prefixes": prefixes})
}

// HandleListRuns lists a prefix's run timestamps, newest first.
func (h *CatalogHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	timestamps, err := h.store.ListTimestamps(r.Context(), prefix)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, CodeNotFound, "unknown prefix", h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to list runs", h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"prefix": prefix, "timestamps": timestamps})
}

// HandleListFiles lists one run's objects grouped by kind.
func (h *CatalogHandler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	timestamp := r.PathValue("timestamp")

	listing, err := h.store.ListFiles(r.Context(), prefix, timestamp)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, CodeNotFound, "unknown run", h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to list files", h.logger)
		return
	}
	WriteSuccess(w, listing)
}

// HandleGetFile serves one artifact body with a content type derived
// from the filename.
func (h *CatalogHandler) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	timestamp := r.PathValue("timestamp")
	filename := r.PathValue("filename")

	data, err := h.store.Read(r.Context(), prefix, timestamp, filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, CodeNotFound, "file not found", h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to read file", h.logger)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleCreateComment stores a user comment on a run.
func (h *CatalogHandler) HandleCreateComment(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	timestamp := r.PathValue("timestamp")

	var req CommentRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "text is required", h.logger)
		return
	}

	user := req.User
	if user == "" {
		if u, ok := ctxkeys.User(r.Context()); ok {
			user = u
		} else {
			user = "anonymous"
		}
	}

	filename, err := h.store.WriteComment(r.Context(), prefix, timestamp, user, req.Text)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, CodeNotFound, "unknown run", h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to store comment", h.logger)
		return
	}

	WriteSuccess(w, map[string]string{
		"filename": filename,
		"key":      path.Join(prefix, timestamp, "comments", filename),
	})
}

// HandleListComments lists a run's comments, newest first.
func (h *CatalogHandler) HandleListComments(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	timestamp := r.PathValue("timestamp")

	comments, err := h.store.ListComments(r.Context(), prefix, timestamp)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, CodeNotFound, "unknown run", h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to list comments", h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"comments": comments})
}

// HandleGetComment serves one comment body as plain text.
func (h *CatalogHandler) HandleGetComment(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	timestamp := r.PathValue("timestamp")
	filename := r.PathValue("filename")

	text, err := h.store.ReadComment(r.Context(), prefix, timestamp, filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			WriteError(w, http.StatusNotFound, CodeNotFound, "comment not found", h.logger)
			return
		}
		WriteError(w, http.StatusInternalServerError, CodeInternal, "failed to read comment", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// HandleContext returns the plain-text previous-run context a new run
// under the prefix would receive.
func (h *CatalogHandler) HandleContext(w http.ResponseWriter, r *http.Request) {
	if h.contexts == nil {
		WriteError(w, http.StatusNotFound, CodeNotFound, "context assembly is disabled", h.logger)
		return
	}
	prefix := r.PathValue("prefix")
	text := h.contexts.Previous(r.Context(), prefix)
	WriteSuccess(w, map[string]string{"prefix": prefix, "context": text})
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(filename, ".py"), strings.HasSuffix(filename, ".txt"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(filename, ".json"):
		return "application/json; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
