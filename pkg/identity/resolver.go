package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
)

const (
	guestTokenBytes = 16

	// loggedInCustomerParam is set by the app proxy and covered by the
	// proxy signature.
	loggedInCustomerParam = "logged_in_customer_id"
)

// Resolution is the outcome of resolving a storefront request.
type Resolution struct {
	Shop     string
	Identity Identity

	// Cookie is the guest session cookie to set on the response. Nil for
	// customer identities.
	Cookie *http.Cookie

	// NewSession is true when a guest token was minted for this request.
	NewSession bool
}

// Resolver verifies app proxy requests and resolves their identity.
type Resolver struct {
	cfg *config.ProxyConfig
	now func() time.Time
}

// NewResolver creates a resolver for the given proxy configuration.
func NewResolver(cfg *config.ProxyConfig) *Resolver {
	return &Resolver{
		cfg: cfg,
		now: time.Now,
	}
}

// Verify checks the provenance signature of req and returns the shop it was
// issued for.
func (r *Resolver) Verify(req *http.Request) (string, error) {
	query := req.URL.Query()

	if err := VerifyProxySignature(
		query, r.cfg.Secret, r.cfg.MaxSkew, r.now(),
	); err != nil {
		return "", err
	}

	shop := query.Get("shop")
	if shop == "" {
		return "", fmt.Errorf("%w: missing shop", ErrAuthentication)
	}

	return shop, nil
}

// Resolve verifies req and resolves the acting identity. asserted is the
// customer id claimed by the request payload, if any; it must match the
// platform-verified customer id.
func (r *Resolver) Resolve(
	req *http.Request,
	asserted string,
) (*Resolution, error) {
	shop, err := r.Verify(req)
	if err != nil {
		return nil, err
	}

	verified := req.URL.Query().Get(loggedInCustomerParam)

	if asserted != "" && asserted != verified {
		return nil, ErrAuthorizationMismatch
	}

	if verified != "" {
		return &Resolution{
			Shop:     shop,
			Identity: Customer(verified),
		}, nil
	}

	token, minted, err := r.guestToken(req)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Shop:       shop,
		Identity:   Guest(HashSession(r.cfg.SessionSalt, token)),
		Cookie:     r.guestCookie(token),
		NewSession: minted,
	}, nil
}

// guestToken returns the request's guest token, minting one when the
// cookie is absent or malformed.
func (r *Resolver) guestToken(req *http.Request) (string, bool, error) {
	if c, err := req.Cookie(r.cfg.GuestCookie.Name); err == nil &&
		validGuestToken(c.Value) {
		return c.Value, false, nil
	}

	token, err := NewGuestToken()
	if err != nil {
		return "", false, err
	}

	return token, true, nil
}

// guestCookie builds the cookie carrying token. The same value is reissued
// on every response until it expires.
func (r *Resolver) guestCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     r.cfg.GuestCookie.Name,
		Value:    token,
		Path:     r.cfg.GuestCookie.Path,
		MaxAge:   int(r.cfg.GuestCookie.TTL.Seconds()),
		HttpOnly: true,
		Secure:   r.cfg.GuestCookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// NewGuestToken returns a new random guest session token.
func NewGuestToken() (string, error) {
	b := make([]byte, guestTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating guest token: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// HashSession derives the persisted session hash from a raw guest token.
func HashSession(salt, token string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(token))

	return hex.EncodeToString(mac.Sum(nil))
}

func validGuestToken(v string) bool {
	if len(v) != guestTokenBytes*2 {
		return false
	}

	_, err := hex.DecodeString(v)

	return err == nil
}
