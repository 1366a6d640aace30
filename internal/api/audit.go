package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-crestron/internal/audit"
)

// handleListAudit pages the command audit log, newest first.
// Query parameters: accessory, transport, actor, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeServiceUnavailable(w, "audit log is not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Accessory: q.Get("accessory"),
		Transport: q.Get("transport"),
		Actor:     q.Get("actor"),
	}
	var ok bool
	if filter.Limit, ok = intParam(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, q.Get("offset"), "offset"); !ok {
		return
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeInternalError(w, "failed to read audit log")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// intParam parses an optional non-negative query parameter, writing a 400
// when it is malformed.
func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
