package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const (
	shopContextKey contextKey = "shop"

	callbackSecretHeader = "X-Callback-Secret"
	webhookHMACHeader    = "X-Shopify-Hmac-Sha256"
	webhookShopHeader    = "X-Shopify-Shop-Domain"
	operatorKeyHeader    = "X-Operator-Key"

	maxWebhookBody = 1 << 20
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// traceRequests starts a server span per request, continuing a trace
// propagated by the caller. The span is named after the matched route.
func (s *server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(
			r.Context(), propagation.HeaderCarrier(r.Header),
		)

		ctx, span := s.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(attribute.String("http.route", pattern))
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		span.SetAttributes(attribute.Int("http.response.status_code", status))

		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// requireProxy verifies the app proxy signature and stores the shop in the
// request context. Responses are never cached.
func (s *server) requireProxy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")

		shop, err := s.resolver.Verify(r)
		if err != nil {
			s.log.WithError(err).
				WithField("path", r.URL.Path).
				Debug("Rejected proxy request")

			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"unauthorized"})

			return
		}

		next.ServeHTTP(w, r.WithContext(withShop(r.Context(), shop)))
	})
}

// requireCallbackSecret checks the shared worker callback secret.
func (s *server) requireCallbackSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identity.SecretsEqual(
			r.Header.Get(callbackSecretHeader), s.cfg.Callback.Secret,
		) {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"unauthorized"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireWebhook verifies the platform HMAC over the raw body and restores
// the body for the handler.
func (s *server) requireWebhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid body"})

			return
		}

		if err := identity.VerifyWebhookSignature(
			s.cfg.Webhooks.Secret, body, r.Header.Get(webhookHMACHeader),
		); err != nil {
			s.log.WithError(err).
				WithField("path", r.URL.Path).
				Warn("Rejected webhook")

			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"unauthorized"})

			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		if shop := r.Header.Get(webhookShopHeader); shop != "" {
			ctx = withShop(ctx, shop)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminClaims are the claims carried by an embedded admin session token.
type adminClaims struct {
	Dest string `json:"dest"`
	jwt.RegisteredClaims
}

// requireAdmin authenticates an admin session token or an operator key and
// stores the administered shop in the request context.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			shop string
			err  error
		)

		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			shop, err = s.authenticateSessionToken(authHeader[7:])
		} else if key := r.Header.Get(operatorKeyHeader); key != "" {
			shop, err = s.authenticateOperatorKey(key, r.URL.Query().Get("shop"))
		} else {
			err = fmt.Errorf("%w: no credentials", identity.ErrAuthentication)
		}

		if err != nil {
			s.log.WithError(err).
				WithField("path", r.URL.Path).
				Debug("Rejected admin request")

			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		next.ServeHTTP(w, r.WithContext(withShop(r.Context(), shop)))
	})
}

// authenticateSessionToken validates an HS256 session token and returns
// the shop named by its destination claim.
func (s *server) authenticateSessionToken(raw string) (string, error) {
	if s.cfg.Admin.SessionSecret == "" {
		return "", fmt.Errorf("%w: session tokens disabled", identity.ErrAuthentication)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}

	if s.cfg.Admin.APIKey != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Admin.APIKey))
	}

	var claims adminClaims

	if _, err := jwt.ParseWithClaims(raw, &claims, func(_ *jwt.Token) (any, error) {
		return []byte(s.cfg.Admin.SessionSecret), nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %w", identity.ErrAuthentication, err)
	}

	dest, err := url.Parse(claims.Dest)
	if err != nil || dest.Hostname() == "" {
		return "", fmt.Errorf("%w: invalid dest claim", identity.ErrAuthentication)
	}

	return dest.Hostname(), nil
}

// authenticateOperatorKey checks key against the configured bcrypt hash.
func (s *server) authenticateOperatorKey(key, shop string) (string, error) {
	if s.cfg.Admin.OperatorKeyHash == "" {
		return "", fmt.Errorf("%w: operator keys disabled", identity.ErrAuthentication)
	}

	if err := bcrypt.CompareHashAndPassword(
		[]byte(s.cfg.Admin.OperatorKeyHash), []byte(key),
	); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return "", fmt.Errorf("%w: invalid operator key", identity.ErrAuthentication)
		}

		return "", fmt.Errorf("%w: %w", identity.ErrAuthentication, err)
	}

	if shop == "" {
		return "", fmt.Errorf("%w: shop is required", identity.ErrAuthentication)
	}

	return shop, nil
}

func withShop(ctx context.Context, shop string) context.Context {
	return context.WithValue(ctx, shopContextKey, shop)
}

// shopFromContext returns the authenticated shop domain.
func shopFromContext(ctx context.Context) string {
	shop, _ := ctx.Value(shopContextKey).(string)

	return shop
}
