package api

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

// ObjectList is the /api/v1/objects/{kind} body.
type ObjectList struct {
	Kind  persistence.Kind `json:"kind"`
	IDs   []int64          `json:"ids"`
	Count int              `json:"count"`
}

// kindParam resolves the {kind} URL parameter against the registry,
// writing a 404 for unknown kinds.
func (s *Server) kindParam(w http.ResponseWriter, r *http.Request) (persistence.Kind, bool) {
	if s.objects == nil {
		writeNotFound(w, "object access is not enabled")
		return "", false
	}
	kind := persistence.Kind(chi.URLParam(r, "kind"))
	if _, ok := s.registry.Resolve(kind); !ok {
		writeNotFound(w, "unknown kind "+string(kind))
		return "", false
	}
	return kind, true
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}

	all, ok := s.objects.GetAllObjects(r.Context(), kind)
	if !ok {
		writeInternalError(w, "loading objects failed")
		return
	}

	ids := make([]int64, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, ObjectList{Kind: kind, IDs: ids, Count: len(ids)})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "id must be a positive integer")
		return
	}

	e, ok := s.objects.GetObjectByID(r.Context(), kind, id)
	if !ok {
		writeNotFound(w, "object not found")
		return
	}
	writeJSON(w, http.StatusOK, persistence.RefOf(e))
}
