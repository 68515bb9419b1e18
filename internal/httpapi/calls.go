package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callscreen/internal/session"
	"github.com/ent0n29/callscreen/internal/witness"
)

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.sessions.List()
	if calls == nil {
		calls = []*session.Info{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"active": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "callID"))
	info, err := s.sessions.Get(callID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "call not found")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetCallWitness(w http.ResponseWriter, r *http.Request) {
	if !s.requireWitness(w) {
		return
	}
	rec, err := s.witness.GetByCallID(r.Context(), strings.TrimSpace(chi.URLParam(r, "callID")))
	if err != nil {
		s.respondWitnessError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListWitness(w http.ResponseWriter, r *http.Request) {
	if !s.requireWitness(w) {
		return
	}
	records, err := s.witness.ListAll(r.Context())
	if err != nil {
		s.respondWitnessError(w, err)
		return
	}
	if records == nil {
		records = []witness.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records":   records,
		"limit":     witness.ListLimit,
		"truncated": len(records) >= witness.ListLimit,
	})
}

func (s *Server) handleGetWitness(w http.ResponseWriter, r *http.Request) {
	if !s.requireWitness(w) {
		return
	}
	rec, err := s.witness.GetRecord(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		s.respondWitnessError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleDisclosure serves the public decision document the attestation
// service notarizes.
func (s *Server) handleDisclosure(w http.ResponseWriter, r *http.Request) {
	if !s.requireWitness(w) {
		return
	}
	doc, err := s.witness.Disclosure(r.Context(), strings.TrimSpace(chi.URLParam(r, "callID")))
	if err != nil {
		s.respondWitnessError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) requireWitness(w http.ResponseWriter) bool {
	if s.witness == nil {
		respondError(w, http.StatusNotImplemented, "witness_disabled", "witness pipeline not configured")
		return false
	}
	return true
}

func (s *Server) respondWitnessError(w http.ResponseWriter, err error) {
	if errors.Is(err, witness.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "witness record not found")
		return
	}
	log.Error().Err(err).Msg("witness lookup failed")
	respondError(w, http.StatusInternalServerError, "witness_store_error", "witness lookup failed")
}
