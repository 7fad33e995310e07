package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/recoverlution/luma/internal/application/command"
	"github.com/recoverlution/luma/internal/application/query"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"name":    "LUMA engine API",
		"version": s.deps.Version,
		"endpoints": map[string]string{
			"health":      "/health",
			"metrics":     "/metrics",
			"patients":    "/api/v1/patients",
			"escalations": "/api/v1/escalations",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"healthy": true,
			"uptime":  s.Uptime().Round(time.Second).String(),
			"version": s.deps.Version,
		})
		return
	}
	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		if status := s.deps.HealthChecker.Check(r.Context()); !status.Ready {
			writeJSONErrorWithDetails(w, r, http.StatusServiceUnavailable, "not_ready", "Service is not ready", status.Message)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// handleMetrics serves JSON counters. A failing section is reported inline and
// does not fail the others.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"uptime_seconds": s.Uptime().Seconds(),
	}

	names := make([]string, 0, len(s.deps.Metrics))
	for name := range s.deps.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		v, err := s.deps.Metrics[name](ctx)
		cancel()
		if err != nil {
			logger.FromContext(r.Context()).Warn("metrics source failed", logger.String("source", name), logger.Err(err))
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = v
	}
	writeJSON(w, r, http.StatusOK, out)
}

// ══════════════════════════════════════════════════════════════════════════════
// PATIENT LIFECYCLE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// PatientResponse is the lifecycle view of a patient.
type PatientResponse struct {
	PatientID         string     `json:"patient_id"`
	ExternalRef       string     `json:"external_ref,omitempty"`
	Status            string     `json:"status"`
	Timezone          string     `json:"timezone"`
	SuggestionsPaused bool       `json:"suggestions_paused"`
	EnrolledAt        time.Time  `json:"enrolled_at"`
	DischargedAt      *time.Time `json:"discharged_at,omitempty"`
}

func newPatientResponse(p *patient.Patient) PatientResponse {
	return PatientResponse{
		PatientID:         p.ID.String(),
		ExternalRef:       p.ExternalRef,
		Status:            string(p.Status),
		Timezone:          p.Timezone,
		SuggestionsPaused: p.SuggestionsPaused,
		EnrolledAt:        p.EnrolledAt,
		DischargedAt:      p.DischargedAt,
	}
}

type enrollRequest struct {
	PatientID   string `json:"patient_id"`
	ExternalRef string `json:"external_ref"`
	Timezone    string `json:"timezone"`
}

// handleEnrollPatient handles POST /api/v1/patients
func (s *Server) handleEnrollPatient(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.deps.Commands.Patients.Enroll(r.Context(), command.EnrollPatientCommand{
		PatientID:   req.PatientID,
		ExternalRef: req.ExternalRef,
		Timezone:    req.Timezone,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, newPatientResponse(p))
}

// handleChangeStatus handles POST /api/v1/patients/{id}/status
func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.deps.Commands.Patients.ChangeStatus(r.Context(), command.ChangePatientStatusCommand{
		PatientID: r.PathValue("id"),
		Status:    req.Status,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newPatientResponse(p))
}

// handleSetSuggestionsPaused handles POST /api/v1/patients/{id}/suggestions-paused
func (s *Server) handleSetSuggestionsPaused(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.deps.Commands.Patients.SetSuggestionsPaused(r.Context(), command.SetSuggestionsPausedCommand{
		PatientID: r.PathValue("id"),
		Paused:    req.Paused,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newPatientResponse(p))
}

// ══════════════════════════════════════════════════════════════════════════════
// INBOUND SIGNAL HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// CycleResponse is returned by every command that runs a decision cycle.
type CycleResponse struct {
	Decision query.DecisionDTO `json:"decision"`
	Emitted  bool              `json:"emitted"`
	States   []query.StateDTO  `json:"states,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

func newCycleResponse(d decision.Decision, emitted bool, states []microblock.State) CycleResponse {
	resp := CycleResponse{Decision: query.NewDecisionDTO(d), Emitted: emitted}
	for _, st := range states {
		resp.States = append(resp.States, query.NewStateDTO(st))
	}
	return resp
}

type checkinRequest struct {
	Dimensions   map[string]float64 `json:"dimensions"`
	Timestamp    time.Time          `json:"timestamp"`
	ContextTags  []string           `json:"context_tags"`
	HighDistress bool               `json:"high_distress"`
	Arousal      *float64           `json:"arousal"`
	Backfill     bool               `json:"backfill"`
}

// handleRecordCheckin handles POST /api/v1/patients/{id}/checkins
func (s *Server) handleRecordCheckin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Commands.Checkins.Handle(r.Context(), command.RecordCheckinCommand{
		PatientID:    r.PathValue("id"),
		Dimensions:   req.Dimensions,
		Timestamp:    req.Timestamp,
		ContextTags:  req.ContextTags,
		HighDistress: req.HighDistress,
		Arousal:      req.Arousal,
		Backfill:     req.Backfill,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := newCycleResponse(res.Decision, res.Emitted, res.States)
	resp.Extra = map[string]string{"checkin_id": res.CheckinID}
	writeJSON(w, r, http.StatusCreated, resp)
}

type completionRequest struct {
	ContentID            string    `json:"content_id"`
	ReflectionSentiment  *float64  `json:"reflection_sentiment"`
	SelfReportDifficulty *float64  `json:"self_report_difficulty"`
	CompletionSeconds    float64   `json:"completion_seconds"`
	ScrollDepth          *float64  `json:"scroll_depth"`
	ExercisesCompleted   int       `json:"exercises_completed"`
	ExercisesTotal       int       `json:"exercises_total"`
	ContextTags          []string  `json:"context_tags"`
	Timestamp            time.Time `json:"timestamp"`
	Backfill             bool      `json:"backfill"`
}

// handleRecordCompletion handles POST /api/v1/patients/{id}/completions
func (s *Server) handleRecordCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Commands.Completions.Handle(r.Context(), command.RecordContentCompletionCommand{
		PatientID:            r.PathValue("id"),
		ContentID:            req.ContentID,
		ReflectionSentiment:  req.ReflectionSentiment,
		SelfReportDifficulty: req.SelfReportDifficulty,
		CompletionSeconds:    req.CompletionSeconds,
		ScrollDepth:          req.ScrollDepth,
		ExercisesCompleted:   req.ExercisesCompleted,
		ExercisesTotal:       req.ExercisesTotal,
		ContextTags:          req.ContextTags,
		Timestamp:            req.Timestamp,
		Backfill:             req.Backfill,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, newCycleResponse(res.Decision, res.Emitted, res.States))
}

type overrideRequest struct {
	MicroBlockID string    `json:"microblock_id"`
	State        string    `json:"state"`
	Note         string    `json:"note"`
	ClinicianID  string    `json:"clinician_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// handleRecordOverride handles POST /api/v1/patients/{id}/overrides
func (s *Server) handleRecordOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Commands.Overrides.Handle(r.Context(), command.RecordClinicianOverrideCommand{
		PatientID:    r.PathValue("id"),
		MicroBlockID: req.MicroBlockID,
		State:        req.State,
		Note:         req.Note,
		ClinicianID:  req.ClinicianID,
		Timestamp:    req.Timestamp,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, newCycleResponse(res.Decision, res.Emitted, []microblock.State{res.State}))
}

// handleRecordCrisisFlag handles POST /api/v1/patients/{id}/crisis-flags
func (s *Server) handleRecordCrisisFlag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Timestamp time.Time `json:"timestamp"`
		Source    string    `json:"source"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Commands.CrisisFlags.Handle(r.Context(), command.RecordCrisisFlagCommand{
		PatientID: r.PathValue("id"),
		Timestamp: req.Timestamp,
		Source:    req.Source,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := newCycleResponse(res.Decision, res.Emitted, nil)
	resp.Extra = map[string]string{"flag_id": res.FlagID}
	writeJSON(w, r, http.StatusCreated, resp)
}

// handleBaselineStep handles POST /api/v1/patients/{id}/baseline-step
func (s *Server) handleBaselineStep(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Commands.BaselineStep.Handle(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status": res.Status,
		"item":   res.Item,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// READ-SIDE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetActiveDecision handles GET /api/v1/patients/{id}/decision
func (s *Server) handleGetActiveDecision(w http.ResponseWriter, r *http.Request) {
	dto, err := s.deps.Queries.ActiveDecision.Handle(r.Context(), query.GetActiveDecisionQuery{
		PatientID: r.PathValue("id"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// handleGetPillars handles GET /api/v1/patients/{id}/pillars
func (s *Server) handleGetPillars(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Queries.Pillars.Handle(r.Context(), query.GetPillarReportQuery{
		PatientID: r.PathValue("id"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// handleGetPatterns handles GET /api/v1/patients/{id}/patterns
func (s *Server) handleGetPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.deps.Queries.Patterns.Handle(r.Context(), query.GetPatternsQuery{
		PatientID:          r.PathValue("id"),
		IncludeInvalidated: getQueryParamBool(r, "include_invalidated"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, patterns, &ResponseMeta{TotalCount: len(patterns)})
}

// handleGetOverview handles GET /api/v1/patients/{id} and /overview
func (s *Server) handleGetOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.deps.Queries.Overview.Handle(r.Context(), query.GetPatientOverviewQuery{
		PatientID:      r.PathValue("id"),
		IncludeUnknown: getQueryParamBool(r, "include_unknown"),
		Pillar:         r.URL.Query().Get("pillar"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, overview)
}

// handleGetEscalations handles GET /api/v1/escalations?after=&since=&limit=
func (s *Server) handleGetEscalations(w http.ResponseWriter, r *http.Request) {
	q := query.GetEscalationsQuery{}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp", err.Error())
			return
		}
		q.Since = t
	}
	if after := r.URL.Query().Get("after"); after != "" {
		n, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_request", "after must be an integer cursor")
			return
		}
		q.After = n
	}
	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q.Limit = limit

	page, err := s.deps.Queries.Escalations.Handle(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	meta := &ResponseMeta{TotalCount: len(page.Escalations), NextCursor: page.NextCursor}
	writeJSONWithMeta(w, r, http.StatusOK, page, meta)
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST DECODING & ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// decode reads a JSON body, rejecting unknown fields. An empty body decodes to
// the zero request. It writes the error response itself and returns false on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
		return false
	}
	writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
	return false
}

// writeDomainError maps the domain error taxonomy onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case shared.IsValidation(err):
		writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "validation_error", "Request failed validation", err.Error())
	case shared.IsNotFound(err):
		writeJSONErrorWithDetails(w, r, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case shared.IsOutOfOrder(err):
		writeJSONErrorWithDetails(w, r, http.StatusConflict, "out_of_order", "Event precedes already applied events; resend with backfill", err.Error())
	case shared.IsConflict(err), shared.IsAlreadyExists(err):
		writeJSONErrorWithDetails(w, r, http.StatusConflict, "conflict", "Request conflicts with current state", err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, r, 499, "client_closed_request", "Request cancelled")
	default:
		logger.FromContext(r.Context()).Error("request failed",
			logger.String("path", r.URL.Path),
			logger.Err(err),
		)
		writeJSONError(w, r, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
