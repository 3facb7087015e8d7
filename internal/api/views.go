package api

import (
	"net/http"
	"strconv"
)

const defaultListLimit = 100

func listParams(r *http.Request) (status string, limit int) {
	status = r.URL.Query().Get("status")
	limit = defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return status, limit
}

// handleListQueue returns recent queue entries, optionally filtered by status.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	status, limit := listParams(r)
	entries, err := s.store.ListQueueEntries(r.Context(), status, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleListEnrollments returns recent enrollments, optionally filtered by status.
func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	status, limit := listParams(r)
	enrollments, err := s.store.ListEnrollments(r.Context(), status, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enrollments": enrollments,
		"count":       len(enrollments),
	})
}
