package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/store"
	"golang.org/x/sync/errgroup"
)

// webhookPayload covers the privacy webhook bodies. Customer ids arrive as
// numbers and are coerced to strings.
type webhookPayload struct {
	ShopDomain string `json:"shop_domain"`
	CustomerID string `json:"customer_id"`
	Customer   struct {
		ID string `json:"id"`
	} `json:"customer"`
}

func (p *webhookPayload) customerID() string {
	if p.Customer.ID != "" {
		return p.Customer.ID
	}

	return p.CustomerID
}

type redactResponse struct {
	OK      bool           `json:"ok"`
	Erasure *store.Erasure `json:"erasure"`
}

type dataRequestResponse struct {
	OK      bool           `json:"ok"`
	Runs    []store.Run    `json:"runs"`
	Profile *store.Profile `json:"profile"`
}

// decodeWebhook decodes the payload and resolves the shop, preferring the
// signed shop header over the body.
func (s *server) decodeWebhook(r *http.Request) (string, *webhookPayload, error) {
	var p webhookPayload
	if err := decodeLenient(r, &p); err != nil {
		return "", nil, err
	}

	shop := shopFromContext(r.Context())
	if shop == "" {
		shop = p.ShopDomain
	}

	if shop == "" {
		return "", nil, fmt.Errorf("%w: shop domain is required", errBadRequest)
	}

	return shop, &p, nil
}

// handleCustomerRedact erases every record held for a customer.
func (s *server) handleCustomerRedact(w http.ResponseWriter, r *http.Request) {
	shop, p, err := s.decodeWebhook(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	customerID := p.customerID()
	if customerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"customer id is required"})

		return
	}

	erased, err := s.store.EraseIdentity(r.Context(), shop, identity.Customer(customerID))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.log.WithField("shop", shop).
		WithField("runs", erased.Runs).
		WithField("profiles", erased.Profiles).
		Info("Customer data redacted")

	writeJSON(w, http.StatusOK, redactResponse{OK: true, Erasure: erased})
}

// handleShopRedact erases every record held for a shop.
func (s *server) handleShopRedact(w http.ResponseWriter, r *http.Request) {
	shop, _, err := s.decodeWebhook(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	erased, err := s.store.EraseShop(r.Context(), shop)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.log.WithField("shop", shop).
		WithField("runs", erased.Runs).
		WithField("profiles", erased.Profiles).
		WithField("sizing_rules", erased.SizingRules).
		Info("Shop data redacted")

	writeJSON(w, http.StatusOK, redactResponse{OK: true, Erasure: erased})
}

// handleCustomerDataRequest exports the records held for a customer.
func (s *server) handleCustomerDataRequest(w http.ResponseWriter, r *http.Request) {
	shop, p, err := s.decodeWebhook(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	customerID := p.customerID()
	if customerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"customer id is required"})

		return
	}

	id := identity.Customer(customerID)

	var (
		runs    []store.Run
		profile *store.Profile
	)

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		var err error

		runs, err = s.store.ListRunsByIdentity(ctx, shop, id)

		return err
	})

	g.Go(func() error {
		var err error

		profile, err = s.store.GetProfile(ctx, shop, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	})

	if err := g.Wait(); err != nil {
		s.writeError(w, r, err)

		return
	}

	if runs == nil {
		runs = []store.Run{}
	}

	writeJSON(w, http.StatusOK, dataRequestResponse{
		OK:      true,
		Runs:    runs,
		Profile: profile,
	})
}
