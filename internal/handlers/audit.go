package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sshbox/sshbox/internal/audit"
)

// Wired from main at startup.
var Auditor *audit.Auditor

// GetAuditLog returns audit records, newest first. Filters: session_id,
// event_type, since (RFC3339), limit, offset.
func GetAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := audit.QueryOptions{
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = &ts
	}

	result, err := Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit log")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
