package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/lifecycle"
	"github.com/fitrun/fitrun/pkg/sizing"
	"github.com/fitrun/fitrun/pkg/storage"
	"github.com/fitrun/fitrun/pkg/store"
	"github.com/go-chi/chi/v5"
)

type presignRequest struct {
	Files []storage.FileSpec `json:"files"`
}

type presignResponse struct {
	Uploads []storage.Upload `json:"uploads"`
}

type commitRequest struct {
	ObjectKeys []string `json:"object_keys"`
	HeightCm   *float64 `json:"height_cm"`
	CustomerID string   `json:"customer_id"`
}

type commitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type statusResponse struct {
	Status    string  `json:"status"`
	OutputURL *string `json:"output_url"`
}

type heightRequest struct {
	HeightCm   *float64 `json:"height_cm"`
	CustomerID string   `json:"customer_id"`
}

type heightResponse struct {
	OK       bool     `json:"ok"`
	HeightCm *float64 `json:"height_cm"`
}

type sizingResponse struct {
	SmallMaxCm  float64  `json:"small_max_cm"`
	MediumMaxCm float64  `json:"medium_max_cm"`
	Labels      []string `json:"labels"`
	LabelsCSV   string   `json:"labels_csv"`
}

type recommendationResponse struct {
	Label    string  `json:"label"`
	HeightCm float64 `json:"height_cm"`
}

// resolve resolves the acting identity and reissues the guest cookie.
func (s *server) resolve(
	w http.ResponseWriter,
	r *http.Request,
	asserted string,
) (*identity.Resolution, error) {
	res, err := s.resolver.Resolve(r, asserted)
	if err != nil {
		return nil, err
	}

	if res.Cookie != nil {
		http.SetCookie(w, res.Cookie)
	}

	return res, nil
}

// handlePresign issues presigned upload URLs for the requested photos.
func (s *server) handlePresign(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(w, r, "")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if s.presigner == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"uploads are not configured"})

		return
	}

	var req presignRequest
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := storage.ValidateFiles(req.Files, s.cfg.Storage.MaxUploadBytes); err != nil {
		s.writeError(w, r, err)

		return
	}

	allowed, err := s.uploadLimiter.Allow(r.Context(), res.Shop+"|"+res.Identity.Key())
	if err != nil {
		s.writeError(w, r, fmt.Errorf("checking upload limit: %w", err))

		return
	}

	if !allowed {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate_limited"})

		return
	}

	uploads, err := s.presigner.PresignUploads(r.Context(), req.Files)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, presignResponse{Uploads: uploads})
}

// handleCommit creates a run from previously uploaded photos.
func (s *server) handleCommit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	// The asserted identity is checked before the payload itself.
	res, err := s.resolve(w, r, body.customerID())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req commitRequest
	if err := body.decode(&req); err != nil {
		s.writeError(w, r, err)

		return
	}

	prefix := ""
	if s.cfg.Storage.S3.Enabled {
		prefix = s.cfg.Storage.S3.InputPrefix
	}

	for _, key := range req.ObjectKeys {
		if !storage.IsCleanKey(key, prefix) {
			s.writeError(w, r, fmt.Errorf("%w: object key %q is not allowed", lifecycle.ErrValidation, key))

			return
		}
	}

	run, err := s.lifecycle.Create(r.Context(), lifecycle.CreateRequest{
		Shop:      res.Shop,
		Identity:  res.Identity,
		InputKeys: req.ObjectKeys,
		HeightCm:  req.HeightCm,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, commitResponse{
		JobID:  run.ID,
		Status: string(run.Status),
	})
}

// handleStatus reports a run's status, refreshing it from the worker while
// it is in flight.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"job_id is required"})

		return
	}

	run, err := s.lifecycle.Reconcile(r.Context(), shopFromContext(r.Context()), jobID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:    string(run.Status),
		OutputURL: s.assetURL(run.OutputKey),
	})
}

// assetURL returns the storefront URL for an output key.
func (s *server) assetURL(key *string) *string {
	if key == nil || *key == "" {
		return nil
	}

	u := s.cfg.Lifecycle.AssetURLPrefix + *key

	return &u
}

// handleGetHeight returns the stored height for the acting identity.
func (s *server) handleGetHeight(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(w, r, "")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var height *float64

	profile, err := s.store.GetProfile(r.Context(), res.Shop, res.Identity)
	switch {
	case err == nil:
		height = profile.HeightCm
	case !errors.Is(err, store.ErrNotFound):
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, heightResponse{OK: true, HeightCm: height})
}

// handleSaveHeight stores or clears the acting identity's height. Accepts
// JSON or form encoded bodies.
func (s *server) handleSaveHeight(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.resolve(w, r, body.customerID())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req heightRequest
	if err := body.decode(&req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if req.HeightCm != nil {
		if err := sizing.ValidateHeight(*req.HeightCm); err != nil {
			s.writeError(w, r, err)

			return
		}
	}

	profile, err := s.store.SaveHeight(r.Context(), res.Shop, res.Identity, req.HeightCm)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, heightResponse{OK: true, HeightCm: profile.HeightCm})
}

// loadRules returns the shop's sizing rules, falling back to defaults.
func (s *server) loadRules(ctx context.Context, shop string) (sizing.Rules, error) {
	stored, err := s.store.GetSizingRules(ctx, shop)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return sizing.DefaultRules(), nil
		}

		return sizing.Rules{}, err
	}

	return sizing.FromStore(stored), nil
}

func newSizingResponse(rules sizing.Rules) sizingResponse {
	return sizingResponse{
		SmallMaxCm:  rules.SmallMaxCm,
		MediumMaxCm: rules.MediumMaxCm,
		Labels:      rules.Labels,
		LabelsCSV:   strings.Join(rules.Labels, ","),
	}
}

// handleSizing returns the shop's sizing rules.
func (s *server) handleSizing(w http.ResponseWriter, r *http.Request) {
	rules, err := s.loadRules(r.Context(), shopFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newSizingResponse(rules))
}

// handleRecommendation recommends a size label for the given height, or
// for the acting identity's stored height when none is given.
func (s *server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(w, r, "")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var height float64

	if raw := r.URL.Query().Get("height_cm"); raw != "" {
		height, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid height_cm"})

			return
		}
	} else {
		profile, err := s.store.GetProfile(r.Context(), res.Shop, res.Identity)
		if err != nil {
			s.writeError(w, r, err)

			return
		}

		if profile.HeightCm == nil {
			s.writeError(w, r, fmt.Errorf("no stored height: %w", store.ErrNotFound))

			return
		}

		height = *profile.HeightCm
	}

	rules, err := s.loadRules(r.Context(), res.Shop)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	label, err := sizing.Recommend(rules, height)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, recommendationResponse{Label: label, HeightCm: height})
}

// handleAsset serves an output asset from local storage or redirects to a
// presigned object URL.
func (s *server) handleAsset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	switch {
	case s.assets != nil:
		if err := s.assets.ServeFile(w, r, key); err != nil {
			s.writeError(w, r, err)
		}
	case s.presigner != nil:
		target, err := s.presigner.OutputURL(r.Context(), key)
		if err != nil {
			s.writeError(w, r, err)

			return
		}

		http.Redirect(w, r, target, http.StatusFound)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{"not_found"})
	}
}
