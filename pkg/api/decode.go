package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

const maxRequestBody = 1 << 20

var errBadRequest = errors.New("bad request")

// decodeStrict decodes a JSON object body into out. Unknown fields and
// mistyped values are rejected.
func decodeStrict(r *http.Request, out any) error {
	raw, err := readJSONObject(r)
	if err != nil {
		return err
	}

	return decodeMap(raw, out, mapstructure.DecoderConfig{
		ErrorUnused: true,
	})
}

// decodeLenient decodes a JSON object body into out, ignoring unknown
// fields and coercing scalar types. Used for third-party payloads.
func decodeLenient(r *http.Request, out any) error {
	raw, err := readJSONObject(r)
	if err != nil {
		return err
	}

	return decodeMap(raw, out, mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
	})
}

// requestBody is a request body read into a field map but not yet
// decoded, so single fields can be inspected before the whole payload is
// validated.
type requestBody struct {
	fields map[string]any
	form   bool
}

// readBody reads a JSON object or form encoded body.
func readBody(r *http.Request) (*requestBody, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/x-www-form-urlencoded" {
		fields, err := readForm(r)
		if err != nil {
			return nil, err
		}

		return &requestBody{fields: fields, form: true}, nil
	}

	fields, err := readJSONObject(r)
	if err != nil {
		return nil, err
	}

	return &requestBody{fields: fields}, nil
}

// customerID returns the customer id asserted by the body, if any.
func (b *requestBody) customerID() string {
	switch v := b.fields["customer_id"].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// decode strictly decodes the body into out. Form values are strings, so
// they are coerced to the target types.
func (b *requestBody) decode(out any) error {
	return decodeMap(b.fields, out, mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: b.form,
	})
}

// readForm returns the first value of each form field. Empty fields are
// treated as absent.
func readForm(r *http.Request) (map[string]any, error) {
	r.Body = io.NopCloser(io.LimitReader(r.Body, maxRequestBody))

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	fields := make(map[string]any, len(r.PostForm))

	for k, v := range r.PostForm {
		if len(v) > 0 && v[0] != "" {
			fields[k] = v[0]
		}
	}

	return fields, nil
}

func readJSONObject(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", errBadRequest, err)
	}

	if len(body) > maxRequestBody {
		return nil, fmt.Errorf("%w: body too large", errBadRequest)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %w", errBadRequest, err)
	}

	if raw == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", errBadRequest)
	}

	return raw, nil
}

func decodeMap(raw map[string]any, out any, cfg mapstructure.DecoderConfig) error {
	cfg.TagName = "json"
	cfg.Result = out

	dec, err := mapstructure.NewDecoder(&cfg)
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}

	return nil
}
