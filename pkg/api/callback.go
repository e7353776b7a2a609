package api

import (
	"net/http"

	"github.com/fitrun/fitrun/pkg/lifecycle"
)

type callbackRequest struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputKey string `json:"output_key"`
	Error     string `json:"error"`
}

type callbackResponse struct {
	OK       bool `json:"ok"`
	Promoted bool `json:"promoted"`
}

// handleCallback records a worker completion report.
func (s *server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.lifecycle.Complete(r.Context(), lifecycle.CompleteRequest{
		JobID:     req.JobID,
		Status:    req.Status,
		OutputKey: req.OutputKey,
		Error:     req.Error,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{OK: true, Promoted: res.Promoted})
}
