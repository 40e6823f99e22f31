package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mirelabs/dermatrack/internal/analysis"
	"github.com/mirelabs/dermatrack/internal/web/middleware"
)

// AnalysisService runs the analysis pipeline. Implemented by analysis.Pipeline.
type AnalysisService interface {
	Analyze(ctx context.Context, in analysis.AnalyzeInput) (*analysis.Record, error)
	AnalyzeSubject(ctx context.Context, subjectID string) (*analysis.Record, error)
	CompareProgress(ctx context.Context, ownerID string, images analysis.ProgressImages) (*analysis.ProgressResult, error)
}

// RecordReader reads persisted analysis records for status polling.
type RecordReader interface {
	GetBySubject(ctx context.Context, subjectID string) (*analysis.Record, error)
}

// AnalysisHandler handles analysis submission and status endpoints.
type AnalysisHandler struct {
	service AnalysisService
	records RecordReader
	logger  zerolog.Logger
}

// NewAnalysisHandler creates a new analysis handler.
func NewAnalysisHandler(service AnalysisService, records RecordReader, logger zerolog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		service: service,
		records: records,
		logger:  logger,
	}
}

// SubmitRequest represents an initial analysis submission. Either a stored
// subject id or inline image references, never both.
type SubmitRequest struct {
	SubjectID     string            `json:"subject_id,omitempty"`
	FrontImageRef string            `json:"front_image_url,omitempty"`
	LeftImageRef  string            `json:"left_image_url,omitempty"`
	RightImageRef string            `json:"right_image_url,omitempty"`
	Answers       map[string]string `json:"answers,omitempty"`
}

// parseSubmitRequest parses and validates a submission, returning an error
// message if invalid.
func parseSubmitRequest(r *http.Request) (SubmitRequest, string) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errInvalidRequestBody
	}
	if req.SubjectID == "" && req.FrontImageRef == "" {
		return req, "subject_id or front_image_url is required"
	}
	if req.SubjectID != "" && req.FrontImageRef != "" {
		return req, "subject_id and front_image_url are mutually exclusive"
	}
	return req, ""
}

// Submit runs an initial skin analysis and returns the completed record.
func (h *AnalysisHandler) Submit(w http.ResponseWriter, r *http.Request) {
	req, errMsg := parseSubmitRequest(r)
	if errMsg != "" {
		respondError(w, http.StatusBadRequest, errMsg)
		return
	}

	var (
		rec *analysis.Record
		err error
	)
	if req.SubjectID != "" {
		rec, err = h.service.AnalyzeSubject(r.Context(), req.SubjectID)
	} else {
		rec, err = h.service.Analyze(r.Context(), analysis.AnalyzeInput{
			OwnerID:       middleware.OwnerFromRequest(r),
			FrontImageRef: req.FrontImageRef,
			LeftImageRef:  req.LeftImageRef,
			RightImageRef: req.RightImageRef,
			Answers:       req.Answers,
		})
	}
	if err != nil {
		switch {
		case errors.Is(err, analysis.ErrSubjectNotFound):
			respondError(w, http.StatusNotFound, "subject not found")
		case errors.Is(err, analysis.ErrMissingFrontImage):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error().Err(err).Str("subject_id", sanitizeForLog(req.SubjectID)).Msg("analysis failed")
			respondError(w, http.StatusInternalServerError, "analysis failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// Status returns the newest analysis record for a subject, for polling.
func (h *AnalysisHandler) Status(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	if subjectID == "" {
		respondError(w, http.StatusBadRequest, "subject id is required")
		return
	}

	rec, err := h.records.GetBySubject(r.Context(), subjectID)
	if err != nil {
		h.logger.Error().Err(err).Str("subject_id", sanitizeForLog(subjectID)).Msg("record lookup failed")
		respondError(w, http.StatusInternalServerError, "failed to load analysis record")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "no analysis record for subject")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}
