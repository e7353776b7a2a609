package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/lifecycle"
	"github.com/fitrun/fitrun/pkg/sizing"
	"github.com/fitrun/fitrun/pkg/storage"
	"github.com/fitrun/fitrun/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{identity.ErrAuthentication, http.StatusUnauthorized},
		{identity.ErrAuthorizationMismatch, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", lifecycle.ErrValidation), http.StatusBadRequest},
		{storage.ErrInvalidFile, http.StatusBadRequest},
		{sizing.ErrInvalidRules, http.StatusBadRequest},
		{errBadRequest, http.StatusBadRequest},
		{lifecycle.ErrRateLimited, http.StatusTooManyRequests},
		{lifecycle.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("loading: %w", store.ErrNotFound), http.StatusNotFound},
		{storage.ErrAssetNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: boom", lifecycle.ErrGateway), http.StatusBadGateway},
		{lifecycle.ErrConflict, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, msg := errorStatus(tt.err)

			assert.Equal(t, tt.status, status)

			if status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", msg)
			}
		})
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	assert.Equal(t, "10.0.0.1", extractIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", extractIP(req))

	req.Header.Set("X-Forwarded-For", " , ")
	assert.Equal(t, "10.0.0.1", extractIP(req))
}

func TestRateLimiterMap_Cleanup(t *testing.T) {
	rl := newRateLimiterMap(60)
	now := time.Now()

	rl.getLimiter("a", now)
	rl.getLimiter("b", now.Add(-2*rateLimitEntryTTL))

	// Touching an entry refreshes it.
	rl.getLimiter("b", now)
	rl.getLimiter("c", now.Add(-2*rateLimitEntryTTL))

	assert.Equal(t, 1, rl.cleanup(now))
	assert.Len(t, rl.limiters, 2)
}

func TestRateLimitMiddleware(t *testing.T) {
	e := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.IP = config.IPRateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})

	var codes []int

	for range 3 {
		req := proxyRequest(http.MethodGet, "/proxy/fit/sizing", nil, "")
		req.RemoteAddr = "198.51.100.1:1234"

		codes = append(codes, e.serve(req).Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Other clients have their own bucket.
	req := proxyRequest(http.MethodGet, "/proxy/fit/sizing", nil, "")
	req.RemoteAddr = "198.51.100.2:1234"

	assert.Equal(t, http.StatusOK, e.serve(req).Code)
}

func TestDecodeStrict(t *testing.T) {
	type payload struct {
		Name   string   `json:"name"`
		Height *float64 `json:"height_cm"`
		Tags   []string `json:"tags"`
	}

	decode := func(body string) (payload, error) {
		var p payload

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := decodeStrict(req, &p)

		return p, err
	}

	p, err := decode(`{"name":"a","height_cm":170.5,"tags":["x"]}`)
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name)
	require.NotNil(t, p.Height)
	assert.InDelta(t, 170.5, *p.Height, 0.001)
	assert.Equal(t, []string{"x"}, p.Tags)

	p, err = decode(`{"name":"a"}`)
	require.NoError(t, err)
	assert.Nil(t, p.Height)

	for _, body := range []string{
		`{"name":"a","unknown":1}`,
		`{"name":1}`,
		`{"height_cm":"tall"}`,
		`[]`,
		`null`,
		`not json`,
	} {
		_, err := decode(body)
		assert.ErrorIs(t, err, errBadRequest, body)
	}
}

func TestReadBody_Form(t *testing.T) {
	var req heightRequest

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("height_cm=172.5&customer_id="))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := readBody(r)
	require.NoError(t, err)
	assert.Empty(t, body.customerID())

	require.NoError(t, body.decode(&req))
	require.NotNil(t, req.HeightCm)
	assert.InDelta(t, 172.5, *req.HeightCm, 0.001)
	assert.Empty(t, req.CustomerID)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("height_cm=tall&customer_id=42"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err = readBody(r)
	require.NoError(t, err)
	assert.Equal(t, "42", body.customerID())
	assert.ErrorIs(t, body.decode(&req), errBadRequest)
}

func TestRequestBody_CustomerID(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{}`, ""},
		{`{"customer_id":null}`, ""},
		{`{"customer_id":"7001"}`, "7001"},
		{`{"customer_id":7001}`, "7001"},
		{`{"customer_id":6945123456789}`, "6945123456789"},
		{`{"customer_id":true}`, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			body, err := readBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			require.NoError(t, err)

			assert.Equal(t, tt.want, body.customerID())
		})
	}
}

func TestDecodeLenient(t *testing.T) {
	var p webhookPayload

	r := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"shop_id":7,"shop_domain":"demo.myshopify.com","customer":{"id":1234567890,"email":"x"}}`))

	require.NoError(t, decodeLenient(r, &p))
	assert.Equal(t, "demo.myshopify.com", p.ShopDomain)
	assert.Equal(t, "1234567890", p.customerID())
}

func TestTraceRequests(t *testing.T) {
	e := newTestServer(t)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	e.srv.tracer = tp.Tracer("test")
	e.srv.router = e.srv.buildRouter()

	const parentTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := proxyRequest(http.MethodGet, "/proxy/fit/status", url.Values{"job_id": {"missing"}}, "")
	req.Header.Set("traceparent", "00-"+parentTraceID+"-00f067aa0ba902b7-01")

	require.Equal(t, http.StatusNotFound, e.serve(req).Code)

	e.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	status := spans[0]
	assert.Equal(t, "GET /proxy/fit/status", status.Name())
	assert.Equal(t, trace.SpanKindServer, status.SpanKind())
	assert.Equal(t, parentTraceID, status.SpanContext().TraceID().String())
	assert.Contains(t, status.Attributes(), attribute.Int("http.response.status_code", http.StatusNotFound))
	assert.Contains(t, status.Attributes(), attribute.String("http.route", "/proxy/fit/status"))

	health := spans[1]
	assert.Equal(t, "GET /healthz", health.Name())
	assert.NotEqual(t, parentTraceID, health.SpanContext().TraceID().String())
	assert.Contains(t, health.Attributes(), attribute.Int("http.response.status_code", http.StatusOK))
}
