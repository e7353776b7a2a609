package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, handler http.HandlerFunc) *shopifyPublisher {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, ok := NewShopifyPublisher(logrus.New(), &config.PlatformConfig{
		Enabled:    true,
		APIVersion: "2024-10",
		Namespace:  "fitrun",
		Key:        "profile",
		Timeout:    2 * time.Second,
		AccessTokens: []config.ShopToken{
			{Shop: "demo.myshopify.com", Token: "shpat_demo"},
		},
	}).(*shopifyPublisher)
	require.True(t, ok)

	p.baseURL = func(string) string { return srv.URL }

	return p
}

func TestShopifyPublisher_PublishProfile(t *testing.T) {
	var req graphQLRequest

	p := newTestPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/api/2024-10/graphql.json", r.URL.Path)
		assert.Equal(t, "shpat_demo", r.Header.Get("X-Shopify-Access-Token"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		_, _ = w.Write([]byte(`{"data":{"metafieldsSet":{"userErrors":[]}}}`))
	})

	height := 172.0
	mesh := "/apps/fit/assets/outputs/run-1.glb"

	err := p.PublishProfile(context.Background(), "demo.myshopify.com", "42", ProfilePayload{
		ModelVersion: 1,
		HeightCm:     &height,
		UpdatedAt:    "2026-03-01T10:00:00Z",
		MeshURL:      &mesh,
	})
	require.NoError(t, err)

	assert.Contains(t, req.Query, "metafieldsSet")

	metafields, ok := req.Variables["metafields"].([]any)
	require.True(t, ok)
	require.Len(t, metafields, 1)

	mf, ok := metafields[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gid://shopify/Customer/42", mf["ownerId"])
	assert.Equal(t, "fitrun", mf["namespace"])
	assert.Equal(t, "profile", mf["key"])
	assert.Equal(t, "json", mf["type"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(mf["value"].(string)), &payload))
	assert.Equal(t, mesh, payload["mesh_url"])
	assert.Nil(t, payload["preview_url"])
	assert.InDelta(t, 172.0, payload["height_cm"], 0.001)
}

func TestShopifyPublisher_Errors(t *testing.T) {
	t.Run("unknown shop", func(t *testing.T) {
		p := newTestPublisher(t, func(http.ResponseWriter, *http.Request) {
			t.Fatal("no request expected")
		})

		err := p.PublishProfile(context.Background(), "other.myshopify.com", "42", ProfilePayload{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no access token")
	})

	t.Run("user errors", func(t *testing.T) {
		p := newTestPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"data":{"metafieldsSet":{"userErrors":[{"field":["value"],"message":"invalid json"}]}}}`))
		})

		err := p.PublishProfile(context.Background(), "demo.myshopify.com", "42", ProfilePayload{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid json")
	})

	t.Run("http error", func(t *testing.T) {
		p := newTestPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "throttled", http.StatusTooManyRequests)
		})

		err := p.PublishProfile(context.Background(), "demo.myshopify.com", "42", ProfilePayload{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})
}

func TestNopPublisher(t *testing.T) {
	require.NoError(t, NopPublisher{}.PublishProfile(context.Background(), "s", "c", ProfilePayload{}))
}
