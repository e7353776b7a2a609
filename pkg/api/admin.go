package api

import (
	"net/http"
	"strconv"

	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/sizing"
	"github.com/fitrun/fitrun/pkg/store"
)

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 200
)

type listRunsResponse struct {
	Runs []store.Run `json:"runs"`
}

type putSizingRequest struct {
	SmallMaxCm  float64 `json:"small_max_cm"`
	MediumMaxCm float64 `json:"medium_max_cm"`
	LabelsCSV   string  `json:"labels_csv"`
}

type erasureRequest struct {
	CustomerID  string `json:"customer_id"`
	SessionHash string `json:"session_hash"`
	All         bool   `json:"all"`
}

// handleListRuns lists the shop's most recent runs.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

			return
		}

		limit = min(n, maxRunListLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), shopFromContext(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if runs == nil {
		runs = []store.Run{}
	}

	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

// handleGetSizing returns the shop's sizing rules.
func (s *server) handleGetSizing(w http.ResponseWriter, r *http.Request) {
	rules, err := s.loadRules(r.Context(), shopFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newSizingResponse(rules))
}

// handlePutSizing validates and stores the shop's sizing rules.
func (s *server) handlePutSizing(w http.ResponseWriter, r *http.Request) {
	var req putSizingRequest
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	labels, err := sizing.ParseLabels(req.LabelsCSV)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	rules := sizing.Rules{
		SmallMaxCm:  req.SmallMaxCm,
		MediumMaxCm: req.MediumMaxCm,
		Labels:      labels,
	}

	if err := rules.Validate(); err != nil {
		s.writeError(w, r, err)

		return
	}

	shop := shopFromContext(r.Context())

	if err := s.store.UpsertSizingRules(r.Context(), rules.ToStore(shop)); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.log.WithField("shop", shop).Info("Sizing rules updated")

	writeJSON(w, http.StatusOK, newSizingResponse(rules))
}

// handleErasure erases one identity's records, or the whole shop's when
// all is set.
func (s *server) handleErasure(w http.ResponseWriter, r *http.Request) {
	var req erasureRequest
	if err := decodeStrict(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	shop := shopFromContext(r.Context())

	var (
		erased *store.Erasure
		err    error
	)

	switch {
	case req.CustomerID != "":
		erased, err = s.store.EraseIdentity(r.Context(), shop, identity.Customer(req.CustomerID))
	case req.SessionHash != "":
		erased, err = s.store.EraseIdentity(r.Context(), shop, identity.Guest(req.SessionHash))
	case req.All:
		erased, err = s.store.EraseShop(r.Context(), shop)
	default:
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"customer_id, session_hash or all is required"})

		return
	}

	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.log.WithField("shop", shop).
		WithField("runs", erased.Runs).
		WithField("profiles", erased.Profiles).
		Info("Admin erasure completed")

	writeJSON(w, http.StatusOK, erased)
}
