package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/switchyardio/switchyard/internal/storage"
)

// handleAdminKeys returns the current credential pool state.
func (s *server) handleAdminKeys(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Keys == nil {
		writeJSON(w, http.StatusNotFound, errorBody("key registry not available"))
		return
	}
	keys := s.deps.Keys.All()
	writeJSON(w, http.StatusOK, map[string]any{"data": keys, "total": len(keys)})
}

// handleAdminUsage lists raw usage records, newest first.
func (s *server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.usageFilter(w, r)
	if !ok {
		return
	}
	records, err := s.deps.Store.QueryUsage(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   records,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// handleAdminUsageSummary aggregates usage per provider and model.
func (s *server) handleAdminUsageSummary(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.usageFilter(w, r)
	if !ok {
		return
	}
	summaries, err := s.deps.Store.SummarizeUsage(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": summaries})
}

// usageFilter parses the shared usage query parameters. A false return means
// the error response was already written.
func (s *server) usageFilter(w http.ResponseWriter, r *http.Request) (storage.UsageFilter, bool) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusNotFound, errorBody("usage store not configured"))
		return storage.UsageFilter{}, false
	}
	q := r.URL.Query()
	f := storage.UsageFilter{
		Route:      q.Get("route"),
		ProviderID: q.Get("provider"),
		Model:      q.Get("model"),
	}
	// Validate RFC3339 upfront: SQLite comparisons on malformed strings
	// silently produce empty results instead of a clear error.
	for _, p := range []struct {
		name  string
		value string
		dst   *string
	}{
		{"since", q.Get("since"), &f.Since},
		{"until", q.Get("until"), &f.Until},
	} {
		if p.value == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, p.value); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid "+p.name+" format, use RFC3339"))
			return storage.UsageFilter{}, false
		}
		*p.dst = p.value
	}
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

func errorBody(msg string) chatError {
	var e chatError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}
