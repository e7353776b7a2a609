// Package platform pushes derived profile attributes to the commerce
// platform's customer record.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/sirupsen/logrus"
)

// ProfilePayload is the JSON document stored on the customer record.
type ProfilePayload struct {
	ModelVersion int      `json:"model_version"`
	HeightCm     *float64 `json:"height_cm"`
	UpdatedAt    string   `json:"updated_at"`
	MeshURL      *string  `json:"mesh_url"`
	PreviewURL   *string  `json:"preview_url"`
}

// Publisher pushes profile payloads for customers.
type Publisher interface {
	PublishProfile(
		ctx context.Context, shop, customerID string, payload ProfilePayload,
	) error
}

// NopPublisher discards every payload.
type NopPublisher struct{}

// PublishProfile implements Publisher.
func (NopPublisher) PublishProfile(context.Context, string, string, ProfilePayload) error {
	return nil
}

const metafieldsSetMutation = `mutation SetFitProfile($metafields: [MetafieldsSetInput!]!) {
  metafieldsSet(metafields: $metafields) {
    userErrors { field message }
  }
}`

// Compile-time interface check.
var _ Publisher = (*shopifyPublisher)(nil)

type shopifyPublisher struct {
	log     logrus.FieldLogger
	cfg     *config.PlatformConfig
	client  *http.Client
	baseURL func(shop string) string
}

// NewShopifyPublisher creates a Publisher that writes a JSON metafield on
// the customer through the Admin GraphQL API.
func NewShopifyPublisher(log logrus.FieldLogger, cfg *config.PlatformConfig) Publisher {
	return &shopifyPublisher{
		log:    log.WithField("component", "platform"),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		baseURL: func(shop string) string {
			return "https://" + shop
		},
	}
}

type metafieldInput struct {
	OwnerID   string `json:"ownerId"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Value     string `json:"value"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		MetafieldsSet struct {
			UserErrors []struct {
				Field   []string `json:"field"`
				Message string   `json:"message"`
			} `json:"userErrors"`
		} `json:"metafieldsSet"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// PublishProfile implements Publisher.
func (p *shopifyPublisher) PublishProfile(
	ctx context.Context, shop, customerID string, payload ProfilePayload,
) error {
	token, ok := p.cfg.TokenFor(shop)
	if !ok {
		return fmt.Errorf("no access token configured for shop %s", shop)
	}

	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding profile payload: %w", err)
	}

	body, err := json.Marshal(graphQLRequest{
		Query: metafieldsSetMutation,
		Variables: map[string]any{
			"metafields": []metafieldInput{{
				OwnerID:   "gid://shopify/Customer/" + customerID,
				Namespace: p.cfg.Namespace,
				Key:       p.cfg.Key,
				Type:      "json",
				Value:     string(value),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("encoding graphql request: %w", err)
	}

	endpoint := fmt.Sprintf(
		"%s/admin/api/%s/graphql.json", p.baseURL(shop), p.cfg.APIVersion,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling admin api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("admin api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding admin api response: %w", err)
	}

	if len(out.Errors) > 0 {
		return fmt.Errorf("admin api error: %s", out.Errors[0].Message)
	}

	if errs := out.Data.MetafieldsSet.UserErrors; len(errs) > 0 {
		return fmt.Errorf("metafieldsSet rejected: %s", errs[0].Message)
	}

	p.log.WithField("shop", shop).
		WithField("customer_id", customerID).
		Debug("Published fit profile")

	return nil
}
