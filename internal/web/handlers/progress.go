package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mirelabs/dermatrack/internal/analysis"
	"github.com/mirelabs/dermatrack/internal/web/middleware"
)

// ProgressRequest represents a progress comparison submission.
type ProgressRequest struct {
	FrontImageRef string `json:"front_image_url"`
	LeftImageRef  string `json:"left_image_url,omitempty"`
	RightImageRef string `json:"right_image_url,omitempty"`
}

// Progress compares a new submission against the owner's active baseline.
func (h *AnalysisHandler) Progress(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerFromContext(r.Context())
	if ownerID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.FrontImageRef == "" {
		respondError(w, http.StatusBadRequest, "front_image_url is required")
		return
	}

	result, err := h.service.CompareProgress(r.Context(), ownerID, analysis.ProgressImages{
		FrontRef: req.FrontImageRef,
		LeftRef:  req.LeftImageRef,
		RightRef: req.RightImageRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, analysis.ErrNoActivePlan),
			errors.Is(err, analysis.ErrBaselineIncomplete),
			errors.Is(err, analysis.ErrMissingFrontImage):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error().Err(err).Str("owner_id", sanitizeForLog(ownerID)).Msg("progress comparison failed")
			respondError(w, http.StatusInternalServerError, "progress comparison failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}
