package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-persistence/internal/audit"
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// handleListChanges serves the change log. Query parameters: change_set,
// action, kind, entity_id, limit, offset.
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	if s.changes == nil {
		writeNotFound(w, "change log is not recorded")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		ChangeSet: q.Get("change_set"),
		Action:    q.Get("action"),
		Kind:      persistence.Kind(q.Get("kind")),
	}

	switch filter.Action {
	case "", audit.ActionInsert, audit.ActionUpdate, audit.ActionDelete:
	default:
		writeBadRequest(w, fmt.Sprintf("unknown action %q", filter.Action))
		return
	}

	for _, p := range []struct {
		name string
		dst  any
	}{
		{"entity_id", &filter.EntityID},
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, fmt.Sprintf("%s must be an integer", p.name))
			return
		}
		switch dst := p.dst.(type) {
		case *int64:
			*dst = n
		case *int:
			*dst = int(n)
		}
	}

	result, err := s.changes.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing change log failed", "error", err)
		writeInternalError(w, "listing change log failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
