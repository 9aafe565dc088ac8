package server

import (
	"cmp"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/raterudder/energycost/pkg/log"
	"github.com/raterudder/energycost/pkg/types"
)

// setStateRequest is the body of POST /api/states.
type setStateRequest struct {
	EntityID    string            `json:"entityId"`
	State       string            `json:"state"`
	Unit        string            `json:"unit"`
	Unavailable bool              `json:"unavailable"`
	Attributes  map[string]string `json:"attributes"`
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	states := s.runtime.States()
	slices.SortFunc(states, func(a, b types.EntityState) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	writeJSON(w, states)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runtime.GetState(r.PathValue("entityID"))
	if !ok {
		writeJSONError(w, "entity not found", http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req setStateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode state", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	domain, object, ok := strings.Cut(req.EntityID, ".")
	if !ok || domain == "" || object == "" {
		writeJSONError(w, "entityId must look like domain.object_id", http.StatusBadRequest)
		return
	}

	s.runtime.SetState(ctx, types.EntityState{
		EntityID:    req.EntityID,
		State:       req.State,
		Unit:        req.Unit,
		Unavailable: req.Unavailable,
		Attributes:  req.Attributes,
	})
	log.Ctx(ctx).DebugContext(ctx, "state ingested", slog.String("entityID", req.EntityID), slog.String("state", req.State))

	state, _ := s.runtime.GetState(req.EntityID)
	writeJSON(w, state)
}
