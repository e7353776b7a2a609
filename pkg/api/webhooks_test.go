package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookRequest(path, shop, body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhookHMACHeader, identity.SignWebhook(secret, []byte(body)))

	if shop != "" {
		req.Header.Set(webhookShopHeader, shop)
	}

	return req
}

// completeRun commits and completes a run for the customer.
func (e *testEnv) completeRun(t *testing.T, customerID string) string {
	t.Helper()

	jobID := e.commitAs(t, customerID)

	rec := e.serve(newCallbackRequest(testCallbackSecret,
		`{"job_id":"`+jobID+`","status":"succeeded","output_key":"outputs/`+jobID+`.glb"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	return jobID
}

func TestWebhooks_RejectBadSignature(t *testing.T) {
	e := newTestServer(t)

	for _, path := range []string{
		"/webhooks/customers/redact",
		"/webhooks/shop/redact",
		"/webhooks/customers/data_request",
	} {
		rec := e.serve(webhookRequest(path, testShop, `{"shop_domain":"`+testShop+`"}`, "wrong"))

		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestWebhooks_CustomerDataRequestAndRedact(t *testing.T) {
	e := newTestServer(t)

	jobID := e.completeRun(t, "42")
	e.completeRun(t, "43")

	// Customer ids arrive as numbers.
	body := `{"shop_domain":"` + testShop + `","customer":{"id":42}}`

	rec := e.serve(webhookRequest("/webhooks/customers/data_request", "", body, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	export := decodeResponse[dataRequestResponse](t, rec)
	assert.True(t, export.OK)
	require.Len(t, export.Runs, 1)
	assert.Equal(t, jobID, export.Runs[0].ID)
	require.NotNil(t, export.Profile)
	require.NotNil(t, export.Profile.ActiveRunID)
	assert.Equal(t, jobID, *export.Profile.ActiveRunID)

	rec = e.serve(webhookRequest("/webhooks/customers/redact", testShop, body, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	redacted := decodeResponse[redactResponse](t, rec)
	require.NotNil(t, redacted.Erasure)
	assert.Equal(t, int64(1), redacted.Erasure.Runs)
	assert.Equal(t, int64(1), redacted.Erasure.Profiles)

	rec = e.serve(webhookRequest("/webhooks/customers/data_request", "", body, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"runs":[],"profile":null}`, rec.Body.String())

	// Other customers are untouched.
	others, err := e.srv.store.ListRunsByIdentity(t.Context(), testShop, identity.Customer("43"))
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestWebhooks_CustomerIDFallback(t *testing.T) {
	e := newTestServer(t)

	e.completeRun(t, "42")

	rec := e.serve(webhookRequest("/webhooks/customers/redact", testShop,
		`{"customer_id":"42"}`, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), decodeResponse[redactResponse](t, rec).Erasure.Runs)

	rec = e.serve(webhookRequest("/webhooks/customers/redact", testShop, `{}`, testWebhookSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.serve(webhookRequest("/webhooks/customers/redact", "", `{"customer_id":"42"}`, testWebhookSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no shop")
}

func TestWebhooks_ShopRedact(t *testing.T) {
	e := newTestServer(t)

	e.completeRun(t, "42")
	e.completeRun(t, "43")

	rec := e.serve(webhookRequest("/webhooks/shop/redact", testShop,
		`{"shop_id":1,"shop_domain":"`+testShop+`"}`, testWebhookSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	redacted := decodeResponse[redactResponse](t, rec)
	assert.Equal(t, int64(2), redacted.Erasure.Runs)
	assert.Equal(t, int64(2), redacted.Erasure.Profiles)

	runs, err := e.srv.store.ListRuns(t.Context(), testShop, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
