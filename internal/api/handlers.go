package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/oscillatelabsllc/recall/internal/db"
	"github.com/oscillatelabsllc/recall/internal/enrich"
	"github.com/oscillatelabsllc/recall/internal/models"
)

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrMalformedEvent), errors.Is(err, db.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleEnrich builds the enriched prompt for an utterance.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	var req enrich.Request
	if err := models.DecodeStrict(body, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	successResponse(w, s.memory.EnrichBeforeResponse(r.Context(), req))
}

// handleRecordTurn persists a completed turn.
func (s *Server) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	var turn models.Turn
	if err := models.DecodeStrict(body, &turn); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	receipt, err := s.memory.RecordTurn(r.Context(), turn)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	if !receipt.Persisted() {
		s.logger.Warn("turn not fully persisted",
			zap.String("user_event", receipt.User.EventID),
			zap.String("error", receipt.User.Error))
	}
	successResponse(w, receipt)
}

// handleQuery runs a filter spec against the document store. An empty body
// returns the most recent events.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	var spec models.FilterSpec
	if len(bytes.TrimSpace(body)) > 0 {
		if err := models.DecodeStrict(body, &spec); err != nil {
			errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	events, err := s.memory.LookupMemory(r.Context(), spec)
	if err != nil {
		errorResponse(w, statusFor(err), "Query failed: "+err.Error())
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	successResponse(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleGetEvent returns one stored event.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		errorResponse(w, http.StatusBadRequest, "event id is required")
		return
	}

	ev, err := s.memory.GetEvent(r.Context(), id)
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	successResponse(w, ev)
}

// handleRoutingLog returns the recent routing decisions.
func (s *Server) handleRoutingLog(w http.ResponseWriter, r *http.Request) {
	decisions := s.memory.RoutingLog()
	if decisions == nil {
		decisions = []models.RoutingDecision{}
	}
	successResponse(w, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// handleGetStatus returns system status
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	successResponse(w, s.memory.Status(r.Context()))
}

// handleMaintenance runs one maintenance pass. Step failures are listed in
// the report.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := s.memory.Maintain(r.Context())
	if err != nil {
		s.logger.Warn("maintenance finished with errors", zap.Error(err))
	}
	successResponse(w, report)
}
