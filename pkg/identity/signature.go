package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const signatureParam = "signature"

// SignProxyQuery computes the app proxy signature for query: the hex
// HMAC-SHA256 of every parameter except the signature, sorted by key and
// concatenated as key=value with multiple values joined by commas.
func SignProxyQuery(query url.Values, secret string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		if k == signatureParam {
			continue
		}

		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(query[k], ","))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(b.String()))

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProxySignature checks the signature parameter of an app proxy
// request. When maxSkew is positive the timestamp parameter must also be
// within maxSkew of now.
func VerifyProxySignature(
	query url.Values,
	secret string,
	maxSkew time.Duration,
	now time.Time,
) error {
	if secret == "" {
		return fmt.Errorf("%w: no proxy secret configured", ErrAuthentication)
	}

	got := query.Get(signatureParam)
	if got == "" {
		return fmt.Errorf("%w: missing signature", ErrAuthentication)
	}

	want := SignProxyQuery(query, secret)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return fmt.Errorf("%w: invalid signature", ErrAuthentication)
	}

	if maxSkew > 0 {
		ts, err := strconv.ParseInt(query.Get("timestamp"), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid timestamp", ErrAuthentication)
		}

		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}

		if skew > maxSkew {
			return fmt.Errorf("%w: signature expired", ErrAuthentication)
		}
	}

	return nil
}

// SignWebhook returns the base64 HMAC-SHA256 of body.
func SignWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a platform webhook signature header against
// the raw request body.
func VerifyWebhookSignature(secret string, body []byte, header string) error {
	if secret == "" || header == "" {
		return fmt.Errorf("%w: missing webhook signature", ErrAuthentication)
	}

	got, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("%w: malformed webhook signature", ErrAuthentication)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: invalid webhook signature", ErrAuthentication)
	}

	return nil
}

// SecretsEqual compares two shared secrets in constant time. Both sides are
// hashed first so the comparison time does not depend on their lengths.
func SecretsEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))

	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1 && a != "" && b != ""
}
